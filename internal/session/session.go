// Package session owns the websocket connection to the assistant service.
//
// A [Session] walks Idle → Connecting → AwaitingHandshake → Active → Closed.
// [Dial] performs the first four steps: it opens the socket, sends the client
// hello and waits for the server hello that assigns the session id. From then
// on a single read goroutine dispatches text frames (parsed by
// [protocol.Parse]) and binary opus frames to a [Handler] until the socket
// closes. [Reconnector] re-dials after transport failures.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/lapy/xiaozhi-esp32-server/pkg/audio"
	"github.com/lapy/xiaozhi-esp32-server/pkg/protocol"
)

// DefaultHandshakeTimeout bounds the wait for the server hello.
const DefaultHandshakeTimeout = 5 * time.Second

// defaultReadLimit caps a single inbound message.
const defaultReadLimit = 1 << 20

// State is the connection lifecycle state of a [Session].
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingHandshake
	StateActive
	StateClosed
)

// String returns a lowercase label for s.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAwaitingHandshake:
		return "awaiting_handshake"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handler receives inbound traffic from the read goroutine. Implementations
// must not block for long; slow work belongs on another goroutine.
type Handler interface {
	// OnMessage is called for every parsed text frame except the server hello.
	OnMessage(m protocol.Inbound)

	// OnAudio is called for every binary frame. An empty packet is the
	// end-of-stream sentinel.
	OnAudio(pkt audio.Packet)
}

// HandlerFuncs adapts two functions to a [Handler]. Nil fields ignore the
// corresponding traffic.
type HandlerFuncs struct {
	Message func(protocol.Inbound)
	Audio   func(audio.Packet)
}

// OnMessage implements [Handler].
func (h HandlerFuncs) OnMessage(m protocol.Inbound) {
	if h.Message != nil {
		h.Message(m)
	}
}

// OnAudio implements [Handler].
func (h HandlerFuncs) OnAudio(pkt audio.Packet) {
	if h.Audio != nil {
		h.Audio(pkt)
	}
}

// Config describes one connection attempt.
type Config struct {
	// URL is the ws:// or wss:// endpoint. device-id and client-id query
	// parameters are appended.
	URL string

	// ClientID identifies this client installation.
	ClientID string

	// Device is sent in the client hello. Device.DeviceID is also used as the
	// device-id query parameter and Device.Token, when set, as a bearer token.
	Device protocol.DeviceInfo

	// HandshakeTimeout bounds the wait for the server hello. Defaults to
	// [DefaultHandshakeTimeout].
	HandshakeTimeout time.Duration

	// HTTPClient is used for the websocket upgrade. May be nil.
	HTTPClient *http.Client

	// Logger defaults to [slog.Default].
	Logger *slog.Logger

	// OnStateChange, when non-nil, is called synchronously on every state
	// transition.
	OnStateChange func(from, to State)
}

// Stats is a snapshot of per-session traffic counters.
type Stats struct {
	TextReceived  uint64
	AudioReceived uint64
	ParseErrors   uint64
	TextSent      uint64
	AudioSent     uint64
}

// Session is one websocket connection to the service. All methods are safe
// for concurrent use.
type Session struct {
	cfg     Config
	handler Handler
	log     *slog.Logger
	conn    *websocket.Conn

	stateMu   sync.Mutex
	state     State
	sessionID string
	hello     protocol.Hello
	err       error

	helloCh   chan protocol.Hello
	readDone  chan struct{}
	done      chan struct{}
	closing   atomic.Bool
	closeOnce sync.Once
	doneOnce  sync.Once

	writeMu sync.Mutex

	textReceived  atomic.Uint64
	audioReceived atomic.Uint64
	parseErrors   atomic.Uint64
	textSent      atomic.Uint64
	audioSent     atomic.Uint64
}

// Dial connects to cfg.URL and completes the hello handshake. On success the
// returned session is Active and its read goroutine is running. On failure
// the session never escapes and the error is a *[TransportError] or a
// *[HandshakeTimeoutError].
func Dial(ctx context.Context, cfg Config, handler Handler) (*Session, error) {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if handler == nil {
		handler = HandlerFuncs{}
	}
	s := &Session{
		cfg:      cfg,
		handler:  handler,
		log:      cfg.Logger,
		helloCh:  make(chan protocol.Hello, 1),
		readDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
	if s.log == nil {
		s.log = slog.Default()
	}

	s.setState(StateConnecting)

	wsURL, err := BuildURL(cfg.URL, cfg.Device.DeviceID, cfg.ClientID)
	if err != nil {
		return nil, s.abort(&TransportError{Op: "dial", Err: err})
	}

	headers := http.Header{}
	if cfg.Device.Token != "" {
		headers.Set("Authorization", "Bearer "+cfg.Device.Token)
	}
	if cfg.Device.DeviceID != "" {
		headers.Set("Device-Id", cfg.Device.DeviceID)
	}
	if cfg.ClientID != "" {
		headers.Set("Client-Id", cfg.ClientID)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: cfg.HTTPClient,
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, s.abort(&TransportError{Op: "dial", Err: err})
	}
	conn.SetReadLimit(defaultReadLimit)
	s.conn = conn

	s.setState(StateAwaitingHandshake)
	go s.readLoop()

	if err := s.SendText(ctx, protocol.NewHello(cfg.Device)); err != nil {
		s.fail(err)
		return nil, err
	}

	timer := time.NewTimer(cfg.HandshakeTimeout)
	defer timer.Stop()

	select {
	case h := <-s.helloCh:
		s.activate(h)
		return s, nil
	case <-timer.C:
		err := &HandshakeTimeoutError{Timeout: cfg.HandshakeTimeout}
		s.fail(err)
		return nil, err
	case <-s.done:
		// The peer may have answered and hung up right after.
		select {
		case h := <-s.helloCh:
			s.activate(h)
			return s, nil
		default:
		}
		err := s.Err()
		if err == nil {
			err = &TransportError{Op: "handshake", Err: ErrClosed}
		}
		return nil, err
	case <-ctx.Done():
		err := &TransportError{Op: "handshake", Err: ctx.Err()}
		s.fail(err)
		return nil, err
	}
}

func (s *Session) activate(h protocol.Hello) {
	s.stateMu.Lock()
	s.sessionID = h.SessionID
	s.hello = h
	s.stateMu.Unlock()
	s.setState(StateActive)
	s.log.Info("session established", "session_id", h.SessionID, "url", s.cfg.URL)
}

// BuildURL validates raw and appends the device-id and client-id query
// parameters. Empty ids are omitted.
func BuildURL(raw, deviceID, clientID string) (string, error) {
	if !strings.HasPrefix(raw, "ws://") && !strings.HasPrefix(raw, "wss://") {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse websocket url: %w", err)
	}
	q := u.Query()
	if deviceID != "" {
		q.Set("device-id", deviceID)
	}
	if clientID != "" {
		q.Set("client-id", clientID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// ID returns the peer-assigned session id. Empty until Active.
func (s *Session) ID() string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.sessionID
}

// ServerHello returns the hello the peer answered the handshake with.
func (s *Session) ServerHello() protocol.Hello {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.hello
}

// Done is closed when the session reaches Closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the error that ended the session. It is nil while the session
// is open and after a normal close by either side.
func (s *Session) Err() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.err
}

// Stats returns a snapshot of the traffic counters.
func (s *Session) Stats() Stats {
	return Stats{
		TextReceived:  s.textReceived.Load(),
		AudioReceived: s.audioReceived.Load(),
		ParseErrors:   s.parseErrors.Load(),
		TextSent:      s.textSent.Load(),
		AudioSent:     s.audioSent.Load(),
	}
}

// SendText encodes m and writes it as a text frame.
func (s *Session) SendText(ctx context.Context, m protocol.Outbound) error {
	b, err := protocol.Marshal(m)
	if err != nil {
		return err
	}
	if err := s.write(ctx, websocket.MessageText, b); err != nil {
		return err
	}
	s.textSent.Add(1)
	return nil
}

// SendAudio writes pkt as a binary frame. An empty packet is sent as the
// end-of-stream sentinel.
func (s *Session) SendAudio(ctx context.Context, pkt audio.Packet) error {
	if err := s.write(ctx, websocket.MessageBinary, pkt); err != nil {
		return err
	}
	s.audioSent.Add(1)
	return nil
}

func (s *Session) write(ctx context.Context, typ websocket.MessageType, b []byte) error {
	select {
	case <-s.done:
		return &TransportError{Op: "write", Err: ErrClosed}
	default:
	}
	if s.closing.Load() {
		return &TransportError{Op: "write", Err: ErrClosed}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.Write(ctx, typ, b); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// Close sends a normal closure and waits for the read goroutine to finish.
// It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		if s.conn != nil {
			if err := s.conn.Close(websocket.StatusNormalClosure, "client closing"); err != nil {
				s.log.Debug("session close", "err", err)
			}
			<-s.readDone
		}
		s.finish(nil)
	})
	return nil
}

// fail records err as the terminal error and closes the session.
func (s *Session) fail(err error) {
	s.stateMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.stateMu.Unlock()
	_ = s.Close()
}

// abort ends a session whose socket never opened.
func (s *Session) abort(err error) error {
	s.stateMu.Lock()
	s.err = err
	s.stateMu.Unlock()
	s.finish(nil)
	return err
}

// finish moves to Closed once. err is recorded unless an earlier error won.
func (s *Session) finish(err error) {
	s.doneOnce.Do(func() {
		s.stateMu.Lock()
		if s.err == nil {
			s.err = err
		}
		s.stateMu.Unlock()
		s.setState(StateClosed)
		close(s.done)
	})
}

func (s *Session) setState(to State) {
	s.stateMu.Lock()
	from := s.state
	if from == to || from == StateClosed {
		s.stateMu.Unlock()
		return
	}
	s.state = to
	s.stateMu.Unlock()

	s.log.Debug("session state", "from", from, "to", to)
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(from, to)
	}
}

func (s *Session) readLoop() {
	defer close(s.readDone)
	for {
		typ, data, err := s.conn.Read(context.Background())
		if err != nil {
			s.finish(s.readError(err))
			return
		}

		switch typ {
		case websocket.MessageText:
			s.textReceived.Add(1)
			s.handleText(data)
		case websocket.MessageBinary:
			s.audioReceived.Add(1)
			s.handler.OnAudio(audio.Packet(data))
		}
	}
}

// readError classifies the error that ended the read loop. Closures we
// initiated and normal closures from the peer are not errors.
func (s *Session) readError(err error) error {
	if s.closing.Load() {
		return nil
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		s.log.Info("session closed by peer", "session_id", s.ID())
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	s.log.Warn("session read failed", "session_id", s.ID(), "err", err)
	return &TransportError{Op: "read", Err: err}
}

func (s *Session) handleText(data []byte) {
	m, err := protocol.Parse(data)
	if err != nil {
		s.parseErrors.Add(1)
		s.log.Warn("dropping malformed text frame", "session_id", s.ID(), "err", err)
		return
	}

	if h, ok := m.(protocol.Hello); ok {
		if s.State() == StateAwaitingHandshake && h.SessionID != "" {
			select {
			case s.helloCh <- h:
			default:
			}
			return
		}
		s.log.Debug("ignoring hello outside handshake", "session_id", s.ID(), "peer_session_id", h.SessionID)
		return
	}
	s.handler.OnMessage(m)
}
