package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// ErrReconnectExhausted is passed to OnGiveUp when every attempt failed.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// ConnectFunc establishes a fresh session. It is expected to run the whole
// connect sequence (provisioning and [Dial]) from Idle.
type ConnectFunc func(ctx context.Context) (*Session, error)

// Reconnector keeps one session alive. It watches the current session and,
// when it ends with a retryable error (see [Retryable]) or a disconnect is
// reported via [Reconnector.NotifyDisconnect], connects again with
// exponential backoff and invokes the OnReconnect callback on success.
//
// Callers obtain the initial session via [Reconnector.Connect], then call
// [Reconnector.Monitor] to start the background goroutine.
//
// All methods are safe for concurrent use.
type Reconnector struct {
	connect     ConnectFunc
	maxRetries  int
	backoff     time.Duration
	maxBackoff  time.Duration
	onReconnect func(*Session, int)
	onGiveUp    func(error)
	log         *slog.Logger

	mu           sync.Mutex
	sess         *Session
	done         chan struct{}
	stopOnce     sync.Once
	disconnected chan struct{} // signalled when a disconnect is detected
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// Connect establishes a new session. Required.
	Connect ConnectFunc

	// MaxRetries is the maximum number of reconnection attempts before giving up.
	// Defaults to 10 if zero.
	MaxRetries int

	// Backoff is the initial backoff duration between retries. Doubles each
	// attempt up to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on backoff duration. Defaults to 30s if zero.
	MaxBackoff time.Duration

	// OnReconnect is called after a successful reconnection with the new
	// session and the attempt number that succeeded. May be nil.
	OnReconnect func(s *Session, attempt int)

	// OnGiveUp is called when the monitor stops trying: after MaxRetries
	// failures (with [ErrReconnectExhausted]) or after a session ended with a
	// non-retryable error. May be nil.
	OnGiveUp func(err error)

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// NewReconnector creates a new [Reconnector] with the given configuration.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Reconnector{
		connect:      cfg.Connect,
		maxRetries:   maxRetries,
		backoff:      backoff,
		maxBackoff:   maxBackoff,
		onReconnect:  cfg.OnReconnect,
		onGiveUp:     cfg.OnGiveUp,
		log:          log,
		done:         make(chan struct{}),
		disconnected: make(chan struct{}, 1),
	}
}

// Connect performs the initial connection.
func (r *Reconnector) Connect(ctx context.Context) (*Session, error) {
	s, err := r.connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconnector initial connect: %w", err)
	}

	r.mu.Lock()
	r.sess = s
	r.mu.Unlock()

	return s, nil
}

// Monitor starts watching the current session in a background goroutine.
func (r *Reconnector) Monitor(ctx context.Context) {
	go r.monitorLoop(ctx)
}

// NotifyDisconnect signals the monitor that the session is unusable and a
// reconnection should be attempted. Safe to call multiple times; only the
// first call per reconnection cycle has effect.
func (r *Reconnector) NotifyDisconnect() {
	select {
	case r.disconnected <- struct{}{}:
	default:
		// Already signalled; avoid blocking.
	}
}

// Stop halts monitoring and closes the current session.
// Safe to call multiple times.
func (r *Reconnector) Stop() error {
	r.stopOnce.Do(func() {
		close(r.done)
	})

	r.mu.Lock()
	s := r.sess
	r.sess = nil
	r.mu.Unlock()

	if s != nil {
		return s.Close()
	}
	return nil
}

// Session returns the current session. May return nil during reconnection
// or after Stop.
func (r *Reconnector) Session() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sess
}

// monitorLoop waits for the session to end or a disconnect notification and
// attempts reconnection.
func (r *Reconnector) monitorLoop(ctx context.Context) {
	for {
		cur := r.Session()
		var sessDone <-chan struct{}
		if cur != nil {
			sessDone = cur.Done()
		}

		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-r.disconnected:
		case <-sessDone:
			select {
			case <-r.done:
				return
			default:
			}
			err := cur.Err()
			if !Retryable(err) {
				r.log.Info("session ended without a retryable error, not reconnecting", "err", err)
				if r.onGiveUp != nil {
					r.onGiveUp(err)
				}
				return
			}
			r.log.Warn("session lost", "err", err)
		}

		if !r.attemptReconnect(ctx) {
			return
		}
	}
}

// attemptReconnect tries to reconnect with exponential backoff. It reports
// whether monitoring should continue.
func (r *Reconnector) attemptReconnect(ctx context.Context) bool {
	currentBackoff := r.backoff

	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return false
		case <-r.done:
			return false
		default:
		}

		r.log.Info("attempting reconnection",
			"attempt", attempt,
			"max_retries", r.maxRetries,
			"backoff", currentBackoff,
		)

		s, err := r.connect(ctx)
		if err == nil {
			select {
			case <-r.done:
				_ = s.Close()
				return false
			default:
			}

			r.mu.Lock()
			old := r.sess
			r.sess = s
			r.mu.Unlock()

			// Close the old (failed) session to release its resources.
			if old != nil {
				_ = old.Close()
			}

			r.log.Info("reconnection successful",
				"session_id", s.ID(),
				"attempt", attempt,
			)

			if r.onReconnect != nil {
				r.onReconnect(s, attempt)
			}
			return true
		}

		r.log.Warn("reconnection attempt failed",
			"attempt", attempt,
			"error", err,
		)

		// Wait before retrying.
		select {
		case <-ctx.Done():
			return false
		case <-r.done:
			return false
		case <-time.After(currentBackoff):
		}

		// Exponential backoff.
		currentBackoff *= 2
		if currentBackoff > r.maxBackoff {
			currentBackoff = r.maxBackoff
		}
	}

	r.log.Error("reconnection failed after max retries",
		"max_retries", r.maxRetries,
	)
	if r.onGiveUp != nil {
		r.onGiveUp(ErrReconnectExhausted)
	}
	return false
}
