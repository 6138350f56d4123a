//go:build !cgo || noaudio

// This backend is only used in cgo-less and noaudio builds.

package device

import (
	"sync"
	"time"
)

func init() {
	newBackend = newNullBackend
}

type nullBackend struct{}

func newNullBackend() (backend, error) { return nullBackend{}, nil }

func (nullBackend) name() string { return "null" }

func (nullBackend) free() error { return nil }

func (nullBackend) devices() (Devices, error) { return Devices{}, nil }

// nullDevice never calls back, so capture stays silent.
type nullDevice struct{}

func (nullDevice) Start() error { return nil }
func (nullDevice) Stop() error  { return nil }
func (nullDevice) Uninit()      {}

func (nullBackend) initCapture(Config, dataProc) (hwDevice, error) { return nullDevice{}, nil }

func (nullBackend) initPlayback(cfg Config, cb dataProc) (hwDevice, error) {
	return &nullSpeaker{cfg: cfg, cb: cb}, nil
}

// nullSpeaker drains playback audio in real time and discards it.
type nullSpeaker struct {
	cfg Config
	cb  dataProc

	mu   sync.Mutex
	stop chan struct{}
	wg   sync.WaitGroup
}

func (s *nullSpeaker) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return nil
	}
	s.stop = make(chan struct{})
	frames := int(s.cfg.Period.Seconds() * float64(s.cfg.SampleRate))
	out := make([]byte, frames*s.cfg.Channels*2)

	s.wg.Add(1)
	go func(stop <-chan struct{}) {
		defer s.wg.Done()
		t := time.NewTicker(s.cfg.Period)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				s.cb(out, nil, uint32(frames))
			}
		}
	}(s.stop)
	return nil
}

func (s *nullSpeaker) Stop() error {
	s.mu.Lock()
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

func (s *nullSpeaker) Uninit() {}
