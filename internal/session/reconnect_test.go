package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// startCountingPeer runs a fake service that completes the handshake with
// session id "sess-<n>" for the n-th connection and then hands the conn to
// behave. It returns the ws URL and the connection counter.
func startCountingPeer(t *testing.T, behave func(n int32, conn *websocket.Conn)) (string, *atomic.Int32) {
	t.Helper()
	var count atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		n := count.Add(1)

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
		reply, _ := json.Marshal(map[string]string{"type": "hello", "session_id": fmt.Sprintf("sess-%d", n)})
		if err := conn.Write(ctx, websocket.MessageText, reply); err != nil {
			return
		}
		behave(n, conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), &count
}

// stayOpen keeps the peer side alive until the client closes.
func stayOpen(_ int32, conn *websocket.Conn) {
	<-conn.CloseRead(context.Background()).Done()
}

func dialer(url string) ConnectFunc {
	return func(ctx context.Context) (*Session, error) {
		return Dial(ctx, Config{URL: url, HandshakeTimeout: 2 * time.Second}, nil)
	}
}

func TestReconnector_Connect(t *testing.T) {
	t.Run("successful initial connection", func(t *testing.T) {
		url, count := startCountingPeer(t, stayOpen)
		r := NewReconnector(ReconnectorConfig{Connect: dialer(url)})
		defer r.Stop()

		got, err := r.Connect(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if r.Session() != got {
			t.Error("expected stored session to match returned session")
		}
		if got.ID() != "sess-1" {
			t.Errorf("expected sess-1, got %s", got.ID())
		}
		if count.Load() != 1 {
			t.Errorf("expected 1 connect, got %d", count.Load())
		}
	})

	t.Run("connection failure", func(t *testing.T) {
		r := NewReconnector(ReconnectorConfig{
			Connect: func(context.Context) (*Session, error) {
				return nil, errors.New("ota rejected")
			},
		})

		_, err := r.Connect(context.Background())
		if err == nil {
			t.Fatal("expected error, got nil")
		}
		if r.Session() != nil {
			t.Error("expected nil session after failure")
		}
	})
}

func TestReconnector_Defaults(t *testing.T) {
	r := NewReconnector(ReconnectorConfig{Connect: dialer("ws://unused")})

	if r.maxRetries != 10 {
		t.Errorf("expected default maxRetries=10, got %d", r.maxRetries)
	}
	if r.backoff != 1*time.Second {
		t.Errorf("expected default backoff=1s, got %v", r.backoff)
	}
	if r.maxBackoff != 30*time.Second {
		t.Errorf("expected default maxBackoff=30s, got %v", r.maxBackoff)
	}
}

func TestReconnector_ReconnectOnTransportError(t *testing.T) {
	url, count := startCountingPeer(t, func(n int32, conn *websocket.Conn) {
		if n == 1 {
			// Drop the first connection without a close handshake.
			_ = conn.CloseNow()
			return
		}
		stayOpen(n, conn)
	})

	reconnected := make(chan *Session, 1)
	r := NewReconnector(ReconnectorConfig{
		Connect:    dialer(url),
		MaxRetries: 3,
		Backoff:    1 * time.Millisecond,
		MaxBackoff: 10 * time.Millisecond,
		OnReconnect: func(s *Session, _ int) {
			reconnected <- s
		},
	})
	defer r.Stop()

	if _, err := r.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r.Monitor(t.Context())

	select {
	case s := <-reconnected:
		if s.ID() != "sess-2" {
			t.Errorf("expected OnReconnect with sess-2, got %s", s.ID())
		}
		if r.Session() != s {
			t.Error("expected current session to be the reconnected one")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("expected OnReconnect to be called")
	}
	if got := count.Load(); got != 2 {
		t.Errorf("expected 2 connections, got %d", got)
	}
}

func TestReconnector_ExponentialBackoff(t *testing.T) {
	url, _ := startCountingPeer(t, stayOpen)

	var attempts atomic.Int32
	connect := dialer(url)
	reconnected := make(chan int, 1)

	r := NewReconnector(ReconnectorConfig{
		Connect: func(ctx context.Context) (*Session, error) {
			if attempts.Add(1) <= 3 {
				return nil, &TransportError{Op: "dial", Err: errors.New("connection refused")}
			}
			return connect(ctx)
		},
		MaxRetries: 5,
		Backoff:    1 * time.Millisecond,
		MaxBackoff: 10 * time.Millisecond,
		OnReconnect: func(_ *Session, attempt int) {
			reconnected <- attempt
		},
	})
	defer r.Stop()

	r.Monitor(t.Context())
	r.NotifyDisconnect()

	select {
	case attempt := <-reconnected:
		// 3 failures + 1 success.
		if attempt != 4 {
			t.Errorf("expected success on attempt 4, got %d", attempt)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("expected successful reconnection after failures")
	}
}

func TestReconnector_MaxRetriesExhausted(t *testing.T) {
	var attempts atomic.Int32
	gaveUp := make(chan error, 1)
	var reconnected atomic.Bool

	r := NewReconnector(ReconnectorConfig{
		Connect: func(context.Context) (*Session, error) {
			attempts.Add(1)
			return nil, errors.New("permanently down")
		},
		MaxRetries: 2,
		Backoff:    1 * time.Millisecond,
		MaxBackoff: 5 * time.Millisecond,
		OnReconnect: func(*Session, int) {
			reconnected.Store(true)
		},
		OnGiveUp: func(err error) { gaveUp <- err },
	})
	defer r.Stop()

	r.Monitor(t.Context())
	r.NotifyDisconnect()

	select {
	case err := <-gaveUp:
		if !errors.Is(err, ErrReconnectExhausted) {
			t.Errorf("expected ErrReconnectExhausted, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("expected OnGiveUp to be called")
	}

	if reconnected.Load() {
		t.Error("expected OnReconnect NOT to be called when all retries fail")
	}
	if got := attempts.Load(); got != 2 {
		t.Errorf("expected 2 connect attempts, got %d", got)
	}
}

func TestReconnector_NormalCloseNotRetried(t *testing.T) {
	url, count := startCountingPeer(t, func(_ int32, conn *websocket.Conn) {
		_ = conn.Close(websocket.StatusNormalClosure, "server shutting down")
	})

	gaveUp := make(chan error, 1)
	r := NewReconnector(ReconnectorConfig{
		Connect:  dialer(url),
		Backoff:  1 * time.Millisecond,
		OnGiveUp: func(err error) { gaveUp <- err },
	})
	defer r.Stop()

	if _, err := r.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r.Monitor(t.Context())

	select {
	case err := <-gaveUp:
		if err != nil {
			t.Errorf("expected nil error for normal close, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("expected OnGiveUp after normal close")
	}
	if got := count.Load(); got != 1 {
		t.Errorf("expected no reconnection, got %d connections", got)
	}
}

func TestReconnector_Stop(t *testing.T) {
	url, _ := startCountingPeer(t, stayOpen)
	r := NewReconnector(ReconnectorConfig{Connect: dialer(url)})

	s, err := r.Connect(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := r.Stop(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Session() != nil {
		t.Error("expected nil session after Stop")
	}
	if s.State() != StateClosed {
		t.Errorf("expected session closed after Stop, got %v", s.State())
	}

	// Double stop should not panic.
	if err := r.Stop(); err != nil {
		t.Fatalf("unexpected error on double Stop: %v", err)
	}
}

func TestReconnector_NotifyDisconnectNonBlocking(t *testing.T) {
	r := NewReconnector(ReconnectorConfig{Connect: dialer("ws://unused")})

	// Multiple calls should not block.
	r.NotifyDisconnect()
	r.NotifyDisconnect()
	r.NotifyDisconnect()
}
