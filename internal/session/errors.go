package session

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrClosed is the cause carried by a [TransportError] for writes attempted
// after the session closed.
var ErrClosed = errors.New("session closed")

// ErrInvalidURL is returned for a websocket URL without a ws:// or wss://
// scheme.
var ErrInvalidURL = errors.New("websocket url must start with ws:// or wss://")

// TransportError reports a failure of the underlying websocket: dial, read or
// write. It is fatal to the session.
type TransportError struct {
	// Op is "dial", "read", "write" or "handshake".
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("session: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// HandshakeTimeoutError reports that the peer did not answer the client hello
// with a session id in time.
type HandshakeTimeoutError struct {
	Timeout time.Duration
}

func (e *HandshakeTimeoutError) Error() string {
	return fmt.Sprintf("session: no hello reply within %s", e.Timeout)
}

func (e *HandshakeTimeoutError) Unwrap() error { return context.DeadlineExceeded }

// Retryable reports whether err ended a session in a way a fresh connect may
// recover from.
func Retryable(err error) bool {
	var te *TransportError
	var he *HandshakeTimeoutError
	return errors.As(err, &te) || errors.As(err, &he)
}
