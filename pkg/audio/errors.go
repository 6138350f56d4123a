package audio

import (
	"errors"
	"fmt"
)

// ErrClosed is wrapped by codec and device errors once the underlying
// resource has been released.
var ErrClosed = errors.New("audio: resource closed")

// EncodeError reports that a single frame could not be encoded. It is local to
// that frame: callers log it, drop the frame and carry on.
type EncodeError struct {
	// Samples is the length of the rejected input frame.
	Samples int
	Err     error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("audio: encode %d samples: %v", e.Samples, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// DecodeError reports that a single packet could not be decoded. The packet is
// treated as lost; the pipeline does not stop.
type DecodeError struct {
	// Bytes is the length of the rejected packet.
	Bytes int
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("audio: decode %d-byte packet: %v", e.Bytes, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// CaptureDeviceError reports a failure of the microphone device. It is fatal to
// the capture pipeline that owns the device but does not affect playback.
type CaptureDeviceError struct {
	// Op names the device operation that failed ("init", "start", "read", ...).
	Op  string
	Err error
}

func (e *CaptureDeviceError) Error() string {
	return fmt.Sprintf("audio: capture device %s: %v", e.Op, e.Err)
}

func (e *CaptureDeviceError) Unwrap() error { return e.Err }
