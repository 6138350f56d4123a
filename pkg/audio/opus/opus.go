// Package opus adapts the layeh.com/gopus bindings to the [audio.Codec]
// interface. A [Codec] owns one encoder and one decoder whose state carries
// over from frame to frame, so each capture pipeline and each playback context
// gets its own instance.
package opus

import (
	"errors"
	"fmt"
	"sync"

	"layeh.com/gopus"

	"github.com/lapy/xiaozhi-esp32-server/pkg/audio"
)

const defaultMaxPacketBytes = 4000

var (
	errFrameSize   = errors.New("frame length does not match configured frame size")
	errEmptyPacket = errors.New("empty packet")
)

// Option configures a [Codec].
type Option func(*Codec)

// WithBitrate sets the encoder target bitrate in bits per second.
func WithBitrate(bps int) Option {
	return func(c *Codec) {
		c.bitrate = bps
	}
}

// WithMaxPacketBytes bounds the size of a single encoded packet.
func WithMaxPacketBytes(n int) Option {
	return func(c *Codec) {
		if n > 0 {
			c.maxPacketBytes = n
		}
	}
}

// WithApplication selects the gopus encoder application. Defaults to
// gopus.Voip, which favours speech intelligibility.
func WithApplication(app gopus.Application) Option {
	return func(c *Codec) {
		c.application = app
	}
}

// Codec is an opus encoder/decoder pair for a fixed sample rate, channel
// count and frame size.
type Codec struct {
	sampleRate     int
	channels       int
	frameSize      int
	bitrate        int
	maxPacketBytes int
	application    gopus.Application

	mu     sync.Mutex
	enc    *gopus.Encoder
	dec    *gopus.Decoder
	closed bool
}

var _ audio.Codec = (*Codec)(nil)

// New creates a codec. frameSize is the number of samples per channel in one
// frame (960 for 60 ms at 16 kHz).
func New(sampleRate, channels, frameSize int, opts ...Option) (*Codec, error) {
	if sampleRate <= 0 || channels <= 0 || frameSize <= 0 {
		return nil, fmt.Errorf("opus: invalid format %d Hz / %d ch / %d samples", sampleRate, channels, frameSize)
	}
	c := &Codec{
		sampleRate:     sampleRate,
		channels:       channels,
		frameSize:      frameSize,
		maxPacketBytes: defaultMaxPacketBytes,
		application:    gopus.Voip,
	}
	for _, o := range opts {
		o(c)
	}

	enc, err := gopus.NewEncoder(sampleRate, channels, c.application)
	if err != nil {
		return nil, fmt.Errorf("opus: create encoder: %w", err)
	}
	if c.bitrate > 0 {
		enc.SetBitrate(c.bitrate)
	}
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}
	c.enc = enc
	c.dec = dec
	return c, nil
}

// NewDefault creates a codec for the fixed 16 kHz mono 60 ms contract.
func NewDefault(opts ...Option) (*Codec, error) {
	return New(audio.SampleRate, audio.Channels, audio.FrameSize, opts...)
}

// FrameSize returns the number of samples per channel in one frame.
func (c *Codec) FrameSize() int { return c.frameSize }

// Encode compresses exactly one frame. Any failure is returned as an
// [*audio.EncodeError].
func (c *Codec) Encode(frame audio.Frame) (audio.Packet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, &audio.EncodeError{Samples: len(frame), Err: audio.ErrClosed}
	}
	if len(frame) != c.frameSize*c.channels {
		return nil, &audio.EncodeError{Samples: len(frame), Err: errFrameSize}
	}
	pkt, err := c.enc.Encode(frame, c.frameSize, c.maxPacketBytes)
	if err != nil {
		return nil, &audio.EncodeError{Samples: len(frame), Err: err}
	}
	return pkt, nil
}

// Decode expands one packet into one frame. Any failure is returned as an
// [*audio.DecodeError]; the caller should treat the packet as lost.
func (c *Codec) Decode(pkt audio.Packet) (audio.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, &audio.DecodeError{Bytes: len(pkt), Err: audio.ErrClosed}
	}
	if len(pkt) == 0 {
		return nil, &audio.DecodeError{Err: errEmptyPacket}
	}
	pcm, err := c.dec.Decode(pkt, c.frameSize, false)
	if err != nil {
		return nil, &audio.DecodeError{Bytes: len(pkt), Err: err}
	}
	return pcm, nil
}

// Close releases the codec. gopus keeps the native state in Go-allocated
// memory, so dropping the references is enough; later calls fail with
// [audio.ErrClosed].
func (c *Codec) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.enc = nil
	c.dec = nil
	return nil
}
