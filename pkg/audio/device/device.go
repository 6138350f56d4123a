// Package device connects the audio pipelines to the host sound card.
//
// [Open] returns a [Context] bound to the compiled-in backend: miniaudio via
// malgo in cgo builds, or a null backend (silent capture, playback drained in
// real time and discarded) when built without cgo or with the noaudio tag.
// Capture devices are [audio.Source]s delivering one []int16 per device
// period; playback devices are [audio.Sink]s that append chunks to a FIFO
// drained by the device callback, which plays silence on underrun.
package device

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lapy/xiaozhi-esp32-server/pkg/audio"
)

// DefaultPeriod is the device callback period.
const DefaultPeriod = 20 * time.Millisecond

// captureBacklog bounds the number of device periods queued for the reader.
const captureBacklog = 64

// ErrSampleRate is returned by Play for chunks at a rate the device was not
// opened with.
var ErrSampleRate = errors.New("device: chunk sample rate does not match device")

// dataProc is the device callback. out is filled for playback, in holds
// captured bytes.
type dataProc func(out, in []byte, frameCount uint32)

// hwDevice is an initialised backend device.
type hwDevice interface {
	Start() error
	Stop() error
	Uninit()
}

// backend abstracts the sound system.
type backend interface {
	name() string
	initCapture(cfg Config, cb dataProc) (hwDevice, error)
	initPlayback(cfg Config, cb dataProc) (hwDevice, error)
	devices() (Devices, error)
	free() error
}

// newBackend is set by the build-specific backend file.
var newBackend func() (backend, error)

// Config selects and shapes a device.
type Config struct {
	// DeviceID selects a device by backend id. Empty means the system default.
	DeviceID string

	// SampleRate defaults to [audio.SampleRate].
	SampleRate int

	// Channels defaults to [audio.Channels].
	Channels int

	// Period defaults to [DefaultPeriod].
	Period time.Duration
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = audio.SampleRate
	}
	if c.Channels <= 0 {
		c.Channels = audio.Channels
	}
	if c.Period <= 0 {
		c.Period = DefaultPeriod
	}
	return c
}

// Info describes one device reported by the backend.
type Info struct {
	ID        string
	Name      string
	IsDefault bool
}

// Devices lists playback and capture devices.
type Devices struct {
	Playback []Info
	Capture  []Info
}

// Context owns the backend. Close it after every device opened from it.
type Context struct {
	be  backend
	log *slog.Logger
}

// Open initialises the compiled-in backend.
func Open(log *slog.Logger) (*Context, error) {
	if log == nil {
		log = slog.Default()
	}
	be, err := newBackend()
	if err != nil {
		return nil, fmt.Errorf("device: init backend: %w", err)
	}
	log.Debug("audio backend ready", "backend", be.name())
	return &Context{be: be, log: log}, nil
}

// Backend names the active backend ("malgo" or "null").
func (c *Context) Backend() string { return c.be.name() }

// Devices lists the devices the backend can open.
func (c *Context) Devices() (Devices, error) { return c.be.devices() }

// Close releases the backend.
func (c *Context) Close() error { return c.be.free() }

// ─── Capture ──────────────────────────────────────────────────────────────────

// Capture is a running microphone. It implements [audio.Source].
type Capture struct {
	dev    hwDevice
	frames chan []int16
	log    *slog.Logger

	mu     sync.Mutex
	closed bool
	err    error

	dropped atomic.Uint64
}

var _ audio.Source = (*Capture)(nil)

// OpenCapture opens and starts a capture device.
func (c *Context) OpenCapture(cfg Config) (*Capture, error) {
	cfg = cfg.withDefaults()
	capt := &Capture{
		frames: make(chan []int16, captureBacklog),
		log:    c.log,
	}
	dev, err := c.be.initCapture(cfg, capt.onData)
	if err != nil {
		return nil, &audio.CaptureDeviceError{Op: "init", Err: err}
	}
	capt.dev = dev
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, &audio.CaptureDeviceError{Op: "start", Err: err}
	}
	return capt, nil
}

// onData runs on the backend's audio thread and fills out with little-endian
// S16 samples. It does not allocate.
func (p *Playback) onData(out, _ []byte, _ uint32) {
	n := len(out) / 2
	got := p.fifo.readLE(out)
	if got > 0 && got < n {
		p.underruns.Add(1)
	}
}

// fifo is an unbounded sample queue shared with the audio thread. The lock is
// only held for a copy.
type fifo struct {
	mu  sync.Mutex
	buf []int16
}

func (f *fifo) write(s []int16) {
	f.mu.Lock()
	f.buf = append(f.buf, s...)
	f.mu.Unlock()
}

// readLE encodes up to len(out)/2 samples into out as little-endian S16,
// zero-fills the rest and returns the number of real samples written.
func (f *fifo) readLE(out []byte) int {
	f.mu.Lock()
	n := min(len(out)/2, len(f.buf))
	for i, s := range f.buf[:n] {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	f.buf = f.buf[n:]
	if len(f.buf) == 0 {
		f.buf = nil
	}
	f.mu.Unlock()
	clear(out[n*2:])
	return n
}

func (f *fifo) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.buf)
}

func (f *fifo) reset() {
	f.mu.Lock()
	f.buf = nil
	f.mu.Unlock()
}
