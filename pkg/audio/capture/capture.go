// Package capture turns microphone input of arbitrary buffer sizes into a
// stream of fixed-size opus packets.
//
// A [Pipeline] keeps a rolling remainder: every full frame is encoded and sent
// as soon as it is complete, and the sub-frame tail waits for the next device
// buffer. [Pipeline.Stop] flushes the tail as one zero-padded frame and then
// sends the empty end-of-stream packet.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/lapy/xiaozhi-esp32-server/pkg/audio"
)

// SendFunc forwards one encoded packet to the transport. An empty packet is
// the end-of-stream sentinel.
type SendFunc func(ctx context.Context, pkt audio.Packet) error

// Stats is a snapshot of the pipeline counters.
type Stats struct {
	// FramesEncoded counts frames that were encoded and sent.
	FramesEncoded uint64

	// EncodeErrors counts frames dropped because encoding failed.
	EncodeErrors uint64

	// SamplesIn counts samples accepted by Write.
	SamplesIn uint64
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithFrameSize overrides the frame length in samples. Defaults to
// [audio.FrameSize].
func WithFrameSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.frameSize = n
		}
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// Pipeline accumulates PCM into frames, encodes them and sends them. Write
// and Stop may be called from different goroutines; they are serialised.
type Pipeline struct {
	enc       audio.Encoder
	send      SendFunc
	frameSize int
	log       *slog.Logger

	mu        sync.Mutex
	remainder []int16
	stopped   bool

	framesEncoded atomic.Uint64
	encodeErrors  atomic.Uint64
	samplesIn     atomic.Uint64
}

// New creates a pipeline that encodes with enc and forwards packets to send.
// The encoder must not be shared with another pipeline.
func New(enc audio.Encoder, send SendFunc, opts ...Option) *Pipeline {
	p := &Pipeline{
		enc:       enc,
		send:      send,
		frameSize: audio.FrameSize,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	p.remainder = make([]int16, 0, p.frameSize)
	return p
}

// Write appends samples to the remainder and sends every complete frame.
// Encode failures are logged and the frame is dropped. A send failure stops
// the write and is returned; the frames not yet sent are discarded.
// Writing after Stop starts a new recording.
func (p *Pipeline) Write(ctx context.Context, samples []int16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = false
	p.samplesIn.Add(uint64(len(samples)))

	for len(samples) > 0 {
		need := p.frameSize - len(p.remainder)
		n := min(need, len(samples))
		p.remainder = append(p.remainder, samples[:n]...)
		samples = samples[n:]
		if len(p.remainder) < p.frameSize {
			break
		}

		frame := make(audio.Frame, p.frameSize)
		copy(frame, p.remainder)
		p.remainder = p.remainder[:0]
		if err := p.encodeAndSend(ctx, frame); err != nil {
			return err
		}
	}
	return nil
}

// Pending returns the number of samples waiting for a full frame.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.remainder)
}

// Stop ends the current recording: a non-empty remainder is zero-padded to a
// full frame, encoded and sent, followed by the end-of-stream sentinel. A
// second Stop without an intervening Write is a no-op.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil
	}
	p.stopped = true

	if len(p.remainder) > 0 {
		frame := audio.PadFrame(p.remainder, p.frameSize)
		p.remainder = p.remainder[:0]
		if err := p.encodeAndSend(ctx, frame); err != nil {
			return err
		}
	}
	if err := p.send(ctx, audio.Packet{}); err != nil {
		return fmt.Errorf("capture: send end of stream: %w", err)
	}
	return nil
}

// Run pumps src into the pipeline until ctx ends or the source closes. When
// the source closes with an error, Run returns it as an
// [*audio.CaptureDeviceError]. Run does not call Stop.
func (p *Pipeline) Run(ctx context.Context, src audio.Source) error {
	frames := src.Frames()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pcm, ok := <-frames:
			if !ok {
				if err := src.Err(); err != nil {
					var devErr *audio.CaptureDeviceError
					if errors.As(err, &devErr) {
						return err
					}
					return &audio.CaptureDeviceError{Op: "read", Err: err}
				}
				return nil
			}
			if err := p.Write(ctx, pcm); err != nil {
				return err
			}
		}
	}
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		FramesEncoded: p.framesEncoded.Load(),
		EncodeErrors:  p.encodeErrors.Load(),
		SamplesIn:     p.samplesIn.Load(),
	}
}

// encodeAndSend must be called with p.mu held.
func (p *Pipeline) encodeAndSend(ctx context.Context, frame audio.Frame) error {
	pkt, err := p.enc.Encode(frame)
	if err != nil {
		p.encodeErrors.Add(1)
		p.log.Warn("capture: dropping frame that failed to encode", "samples", len(frame), "err", err)
		return nil
	}
	if err := p.send(ctx, pkt); err != nil {
		return fmt.Errorf("capture: send frame: %w", err)
	}
	p.framesEncoded.Add(1)
	return nil
}
