package audio

import (
	"context"
	"time"
)

// The audio contract shared with the assistant service. Both peers must agree
// on these values; they are not tuning knobs.
const (
	// SampleRate is the PCM sample rate in Hz for capture, encode, decode and playback.
	SampleRate = 16000

	// Channels is the channel count. The pipeline is mono end to end.
	Channels = 1

	// FrameDuration is the nominal duration of one codec frame.
	FrameDuration = 60 * time.Millisecond

	// FrameSize is the number of samples per channel in one codec frame (960).
	FrameSize = SampleRate * int(FrameDuration/time.Millisecond) / 1000
)

// Frame is one codec frame of linear 16-bit PCM. It is produced by capture or
// decode and must not be modified once handed to the next stage.
type Frame []int16

// Packet is one opus packet encoded from exactly one [Frame]. Ownership moves
// to the receiver on send or enqueue. A zero-length packet is the end-of-stream
// sentinel.
type Packet []byte

// IsEndOfStream reports whether p is the end-of-stream sentinel.
func (p Packet) IsEndOfStream() bool { return len(p) == 0 }

// Chunk is a run of normalised float samples scheduled for playback at a
// specific wall-clock instant. Consecutive chunks from one playback context
// never overlap: Start of the next chunk equals Start+Duration of the previous
// one unless the stream starved in between.
type Chunk struct {
	// Samples are mono float32 samples in [-1, 1].
	Samples []float32

	// SampleRate of Samples in Hz.
	SampleRate int

	// Start is when the first sample should be heard.
	Start time.Time
}

// Duration returns the playback length of the chunk.
func (c Chunk) Duration() time.Duration {
	return SamplesToDuration(len(c.Samples), c.SampleRate)
}

// End returns the instant at which the chunk finishes playing.
func (c Chunk) End() time.Time {
	return c.Start.Add(c.Duration())
}

// Encoder turns one PCM frame into one compressed packet.
type Encoder interface {
	Encode(frame Frame) (Packet, error)
}

// Decoder turns one compressed packet back into one PCM frame.
type Decoder interface {
	Decode(pkt Packet) (Frame, error)
}

// Codec owns both halves of a codec session. Close releases the native
// encoder and decoder state; the codec must not be used afterwards.
type Codec interface {
	Encoder
	Decoder
	Close() error
}

// Sink is an audio output. Play hands a chunk to the device and returns once
// the device has accepted it; the device finishes playing accepted chunks even
// if the caller stops scheduling new ones.
type Sink interface {
	Play(ctx context.Context, chunk Chunk) error
}

// Source is an audio input delivering PCM buffers of arbitrary length.
// The Frames channel is closed when the source stops; Err then reports why
// (nil after a regular Close).
type Source interface {
	Frames() <-chan []int16
	Err() error
	Close() error
}
