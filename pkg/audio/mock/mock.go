// Package mock provides in-memory implementations of the [audio.Codec],
// [audio.Sink] and [audio.Source] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every call so tests can
// assert on counts and arguments, and they expose exported fields the test can
// set to control behaviour.
//
// Typical usage:
//
//	codec := &mock.Codec{FailDecode: func(p audio.Packet) bool { return p[0] == 0xFF }}
//	sink := mock.NewSink()
//	ctx := playback.New(codec, sink)
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/lapy/xiaozhi-esp32-server/pkg/audio"
)

// ErrInjected is the cause carried by errors the mocks return on request.
var ErrInjected = errors.New("mock: injected failure")

// ─── Codec ────────────────────────────────────────────────────────────────────

// Codec is a deterministic stand-in for the opus codec. Encode produces a
// packet whose first two bytes hold the first sample (little-endian) and whose
// length encodes nothing else; Decode returns a frame of FrameSize samples all
// set to that value. This keeps packet contents traceable through the
// pipelines without real compression.
type Codec struct {
	mu sync.Mutex

	// FrameSize is the expected frame length. Defaults to [audio.FrameSize].
	FrameSize int

	// FailEncode, when non-nil, makes Encode fail for frames it returns true for.
	FailEncode func(audio.Frame) bool

	// FailDecode, when non-nil, makes Decode fail for packets it returns true for.
	FailDecode func(audio.Packet) bool

	// DecodeHook, when non-nil, runs at the start of every Decode call. Tests
	// use it to hold the decode loop at a known point.
	DecodeHook func(audio.Packet)

	// EncodedFrames records every frame passed to Encode, successful or not.
	EncodedFrames []audio.Frame

	// DecodedPackets records every packet passed to Decode, successful or not.
	DecodedPackets []audio.Packet

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

var _ audio.Codec = (*Codec)(nil)

func (c *Codec) frameSize() int {
	if c.FrameSize > 0 {
		return c.FrameSize
	}
	return audio.FrameSize
}

// Encode implements [audio.Encoder].
func (c *Codec) Encode(frame audio.Frame) (audio.Packet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.EncodedFrames = append(c.EncodedFrames, frame)
	if len(frame) != c.frameSize() {
		return nil, &audio.EncodeError{Samples: len(frame), Err: ErrInjected}
	}
	if c.FailEncode != nil && c.FailEncode(frame) {
		return nil, &audio.EncodeError{Samples: len(frame), Err: ErrInjected}
	}
	return audio.Packet{byte(frame[0]), byte(frame[0] >> 8)}, nil
}

// Decode implements [audio.Decoder].
func (c *Codec) Decode(pkt audio.Packet) (audio.Frame, error) {
	c.mu.Lock()
	hook := c.DecodeHook
	c.mu.Unlock()
	if hook != nil {
		hook(pkt)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.DecodedPackets = append(c.DecodedPackets, pkt)
	if len(pkt) < 2 || (c.FailDecode != nil && c.FailDecode(pkt)) {
		return nil, &audio.DecodeError{Bytes: len(pkt), Err: ErrInjected}
	}
	v := int16(pkt[0]) | int16(pkt[1])<<8
	frame := make(audio.Frame, c.frameSize())
	for i := range frame {
		frame[i] = v
	}
	return frame, nil
}

// Close implements [audio.Codec].
func (c *Codec) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountClose++
	return nil
}

// Encoded returns a copy of the frames passed to Encode so far.
func (c *Codec) Encoded() []audio.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]audio.Frame(nil), c.EncodedFrames...)
}

// Decoded returns a copy of the packets passed to Decode so far.
func (c *Codec) Decoded() []audio.Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]audio.Packet(nil), c.DecodedPackets...)
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink records the chunks handed to it. Each accepted chunk is also published
// on the Played channel when one is configured.
type Sink struct {
	mu sync.Mutex

	// PlayError is returned by Play when non-nil.
	PlayError error

	// Chunks records every accepted chunk in order.
	Chunks []audio.Chunk

	// Played, when non-nil, receives each accepted chunk. Sends do not block;
	// a full channel drops the notification but not the recorded chunk.
	Played chan audio.Chunk
}

var _ audio.Sink = (*Sink)(nil)

// NewSink returns a Sink with a buffered Played channel.
func NewSink() *Sink {
	return &Sink{Played: make(chan audio.Chunk, 256)}
}

// Play implements [audio.Sink].
func (s *Sink) Play(_ context.Context, chunk audio.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PlayError != nil {
		return s.PlayError
	}
	s.Chunks = append(s.Chunks, chunk)
	if s.Played != nil {
		select {
		case s.Played <- chunk:
		default:
		}
	}
	return nil
}

// Recorded returns a copy of the chunks played so far.
func (s *Sink) Recorded() []audio.Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.Chunk(nil), s.Chunks...)
}

// Samples returns the total number of samples played so far.
func (s *Sink) Samples() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.Chunks {
		n += len(c.Samples)
	}
	return n
}

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a push-driven [audio.Source]. Tests call Push to emulate device
// callbacks and Fail or Close to end the stream.
type Source struct {
	mu       sync.Mutex
	frames   chan []int16
	err      error
	closed   bool
	closeCnt int
}

var _ audio.Source = (*Source)(nil)

// NewSource returns a Source whose channel buffers up to capacity pushes.
func NewSource(capacity int) *Source {
	return &Source{frames: make(chan []int16, capacity)}
}

// Push delivers one device buffer. It reports false if the source is closed.
func (s *Source) Push(pcm []int16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.frames <- pcm
	return true
}

// Fail ends the stream with err, as a device error would.
func (s *Source) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.err = err
	s.closed = true
	close(s.frames)
}

// Frames implements [audio.Source].
func (s *Source) Frames() <-chan []int16 { return s.frames }

// Err implements [audio.Source].
func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements [audio.Source].
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCnt++
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
	return nil
}

// CloseCount returns how many times Close was called.
func (s *Source) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCnt
}
