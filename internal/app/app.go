// Package app wires the client subsystems into a running application.
//
// The App struct owns the full lifecycle: New opens the audio devices and
// builds the provisioning client, conversation, reconnector and status
// server; Run connects and supervises them; Shutdown tears everything down
// in order.
//
// For testing, inject test doubles via functional options (WithCodecFactory,
// WithSink, WithSourceFactory, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lapy/xiaozhi-esp32-server/internal/config"
	"github.com/lapy/xiaozhi-esp32-server/internal/health"
	"github.com/lapy/xiaozhi-esp32-server/internal/observe"
	"github.com/lapy/xiaozhi-esp32-server/internal/ota"
	"github.com/lapy/xiaozhi-esp32-server/internal/resilience"
	"github.com/lapy/xiaozhi-esp32-server/internal/session"
	"github.com/lapy/xiaozhi-esp32-server/pkg/audio"
	"github.com/lapy/xiaozhi-esp32-server/pkg/audio/device"
	"github.com/lapy/xiaozhi-esp32-server/pkg/audio/opus"
	"github.com/lapy/xiaozhi-esp32-server/pkg/protocol"
)

// ErrNoEndpoint is returned when neither the config nor the OTA response
// names a websocket endpoint.
var ErrNoEndpoint = errors.New("app: no websocket endpoint configured or provisioned")

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	// Injected or built in New.
	metrics        *observe.Metrics
	levelVar       *slog.LevelVar
	httpClient     *http.Client
	newCodec       CodecFactory
	newSource      SourceFactory
	sink           audio.Sink
	display        DisplayFunc
	metricsHandler http.Handler

	ota         *ota.Client
	breaker     *resilience.CircuitBreaker
	conv        *Conversation
	reconnector *session.Reconnector
	health      *health.Handler
	server      *http.Server
	listener    net.Listener

	sessState atomic.Int32
	connected atomic.Bool
	ended     chan error

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics injects the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithCodecFactory injects the codec constructor instead of opus.
func WithCodecFactory(f CodecFactory) Option {
	return func(a *App) { a.newCodec = f }
}

// WithSink injects the audio output instead of opening the playback device.
func WithSink(s audio.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithSourceFactory injects the microphone instead of opening the capture
// device.
func WithSourceFactory(f SourceFactory) Option {
	return func(a *App) { a.newSource = f }
}

// WithHTTPClient sets the client used for provisioning and the websocket
// upgrade.
func WithHTTPClient(c *http.Client) Option {
	return func(a *App) { a.httpClient = c }
}

// WithLevelVar lets config reloads change the log level.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// WithDisplay sets the transcript output.
func WithDisplay(fn DisplayFunc) Option {
	return func(a *App) { a.display = fn }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App. It opens the audio devices that were not injected,
// builds the provisioning client and binds the status server, but does not
// connect; call Run for that.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:   cfg,
		ended: make(chan error, 1),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Audio ─────────────────────────────────────────────────────────
	if err := a.initAudio(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init audio: %w", err)
	}

	// ── 2. Provisioning ──────────────────────────────────────────────────
	if err := a.initOTA(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init ota: %w", err)
	}

	// ── 3. Conversation and reconnector ──────────────────────────────────
	a.conv = NewConversation(ConversationConfig{
		NewCodec:  a.newCodec,
		NewSource: a.newSource,
		Sink:      a.sink,
		Tuning:    TuningFromConfig(cfg.Audio),
		Metrics:   a.metrics,
		Display:   a.display,
	})
	a.reconnector = session.NewReconnector(session.ReconnectorConfig{
		Connect:    a.connect,
		MaxRetries: cfg.Reconnect.MaxRetries,
		Backoff:    cfg.Reconnect.Backoff,
		MaxBackoff: cfg.Reconnect.MaxBackoff,
		OnReconnect: func(s *session.Session, attempt int) {
			slog.Info("reconnected", "session_id", s.ID(), "attempt", attempt)
			a.attach(s)
		},
		OnGiveUp: a.end,
	})

	// ── 4. Status server ─────────────────────────────────────────────────
	if err := a.initStatusServer(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init status server: %w", err)
	}

	return a, nil
}

// initAudio fills in the codec factory, sink and microphone that were not
// injected.
func (a *App) initAudio() error {
	if a.newCodec == nil {
		bitrate := a.cfg.Audio.Bitrate
		a.newCodec = func() (audio.Codec, error) {
			return opus.NewDefault(opus.WithBitrate(bitrate))
		}
	}
	if a.sink != nil && a.newSource != nil {
		return nil
	}

	dev, err := device.Open(slog.Default())
	if err != nil {
		return err
	}
	a.closers = append(a.closers, dev.Close)

	if a.sink == nil {
		out, err := dev.OpenPlayback(device.Config{
			DeviceID: a.cfg.Audio.OutputDevice,
			Period:   a.cfg.Audio.DevicePeriod,
		})
		if err != nil {
			return err
		}
		// Devices must close before the backend context.
		a.closers = append([]func() error{out.Close}, a.closers...)
		a.sink = out
	}
	if a.newSource == nil {
		in := device.Config{
			DeviceID: a.cfg.Audio.InputDevice,
			Period:   a.cfg.Audio.DevicePeriod,
		}
		a.newSource = func() (audio.Source, error) {
			c, err := dev.OpenCapture(in)
			if err != nil {
				return nil, err
			}
			return c, nil
		}
	}
	slog.Info("audio ready", "backend", dev.Backend())
	return nil
}

func (a *App) initOTA() error {
	if a.cfg.OTA.URL == "" {
		return nil
	}
	a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "ota",
		MaxFailures:  a.cfg.OTA.BreakerMaxFailures,
		ResetTimeout: a.cfg.OTA.BreakerResetTimeout,
		IsFailure:    ota.IsTransient,
		OnStateChange: func(name string, _, to resilience.State) {
			a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
		},
	})
	c, err := ota.New(a.cfg.OTA.URL,
		ota.WithHTTPClient(a.httpClient),
		ota.WithTimeout(a.cfg.OTA.Timeout),
		ota.WithBreaker(a.breaker),
	)
	if err != nil {
		return err
	}
	a.ota = c
	return nil
}

func (a *App) initStatusServer(ctx context.Context) error {
	checkers := []health.Checker{{
		Name: "session",
		Check: func(context.Context) error {
			if st := a.SessionState(); st != session.StateActive {
				return fmt.Errorf("session is %s", st)
			}
			return nil
		},
	}}
	if a.breaker != nil {
		checkers = append(checkers, health.Checker{
			Name: "ota",
			Check: func(context.Context) error {
				if a.breaker.State() == resilience.StateOpen {
					return resilience.ErrCircuitOpen
				}
				return nil
			},
		})
	}
	a.health = health.New(checkers...).WithStatus(func(context.Context) any { return a.Status() })

	if a.cfg.Server.ListenAddr == "" {
		return nil
	}

	mux := http.NewServeMux()
	a.health.Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return err
	}
	a.listener = ln
	a.server = &http.Server{
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run connects and blocks until ctx is cancelled, the service ends the
// conversation, or reconnection gives up. A failed initial connect is
// returned immediately.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)

	if a.server != nil {
		slog.Info("status server listening", "addr", a.listener.Addr().String())
		g.Go(func() error {
			if err := a.server.Serve(a.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: status server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			return a.server.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		defer cancel()

		s, err := a.reconnector.Connect(gctx)
		if err != nil {
			return fmt.Errorf("app: connect: %w", err)
		}
		a.connected.Store(true)
		a.attach(s)

		if a.cfg.Reconnect.Disabled {
			go func() {
				select {
				case <-s.Done():
					a.end(s.Err())
				case <-gctx.Done():
				}
			}()
		} else {
			a.reconnector.Monitor(gctx)
		}

		select {
		case <-gctx.Done():
			return nil
		case err := <-a.ended:
			if err != nil {
				return fmt.Errorf("app: session ended: %w", err)
			}
			slog.Info("service ended the session")
			return nil
		}
	})

	return g.Wait()
}

// end reports the end of the session lifecycle to Run.
func (a *App) end(err error) {
	select {
	case a.ended <- err:
	default:
	}
}

// connect runs one provisioning check and dial. It is the reconnector's
// connect function, so it also runs for every reconnect attempt.
func (a *App) connect(ctx context.Context) (*session.Session, error) {
	s, err := a.dial(ctx)
	if a.connected.Load() {
		a.metrics.RecordReconnect(ctx, err)
	}
	return s, err
}

func (a *App) dial(ctx context.Context) (*session.Session, error) {
	wsURL, token := a.cfg.Session.URL, a.cfg.Session.Token

	if a.ota != nil {
		start := time.Now()
		resp, err := a.ota.Check(ctx, a.otaDevice())
		a.metrics.RecordProvision(ctx, time.Since(start), err)
		if err != nil {
			return nil, fmt.Errorf("app: provision: %w", err)
		}
		if ws := resp.Websocket; ws != nil && ws.URL != "" {
			wsURL = ws.URL
			if ws.Token != "" {
				token = ws.Token
			}
		}
		if st := resp.ServerTime; st != nil {
			slog.Debug("service clock", "time", st.Time(), "skew", time.Until(st.Time()).Round(time.Millisecond))
		}
	}
	if wsURL == "" {
		return nil, ErrNoEndpoint
	}

	ctx, span := observe.StartSpan(ctx, "session.connect")
	start := time.Now()
	s, err := session.Dial(ctx, session.Config{
		URL:      wsURL,
		ClientID: a.cfg.Device.ClientID,
		Device: protocol.DeviceInfo{
			DeviceID:   a.cfg.Device.MAC,
			DeviceName: a.cfg.Device.Name,
			DeviceMAC:  a.cfg.Device.MAC,
			Token:      token,
			AudioParams: &protocol.AudioParams{
				Format:        "opus",
				SampleRate:    audio.SampleRate,
				Channels:      audio.Channels,
				FrameDuration: int(audio.FrameDuration / time.Millisecond),
			},
		},
		HandshakeTimeout: a.cfg.Session.HandshakeTimeout,
		HTTPClient:       a.httpClient,
		Logger:           observe.Logger(ctx),
		OnStateChange: func(_, to session.State) {
			a.sessState.Store(int32(to))
		},
	}, a.conv)
	a.metrics.RecordHandshake(ctx, time.Since(start), err)
	observe.EndSpan(span, err)
	return s, err
}

// attach hands s to the conversation and accounts for it until it ends.
func (a *App) attach(s *session.Session) {
	a.conv.Attach(s)
	a.metrics.ActiveSessions.Add(context.Background(), 1)

	go func() {
		<-s.Done()
		a.conv.Detach(s)
		ctx := context.Background()
		a.metrics.ActiveSessions.Add(ctx, -1)
		st := s.Stats()
		if st.ParseErrors > 0 {
			a.metrics.ParseErrors.Add(ctx, int64(st.ParseErrors))
		}
		slog.Info("session closed",
			"session_id", s.ID(),
			"err", s.Err(),
			"text_received", st.TextReceived,
			"audio_received", st.AudioReceived,
			"audio_sent", st.AudioSent,
		)
	}()
}

func (a *App) otaDevice() ota.Device {
	d := a.cfg.Device
	return ota.Device{
		ID:         d.MAC,
		ClientID:   d.ClientID,
		MAC:        d.MAC,
		Name:       d.Name,
		BoardType:  d.BoardType,
		AppVersion: d.AppVersion,
	}
}

// ─── Controls ────────────────────────────────────────────────────────────────

// StartRecording starts streaming the microphone to the service.
func (a *App) StartRecording(ctx context.Context) error { return a.conv.StartRecording(ctx) }

// StopRecording ends the current recording.
func (a *App) StopRecording(ctx context.Context) error { return a.conv.StopRecording(ctx) }

// SendText submits typed text in place of speech.
func (a *App) SendText(ctx context.Context, text string) error { return a.conv.SendText(ctx, text) }

// Recording reports whether a recording is in flight.
func (a *App) Recording() bool { return a.conv.Recording() }

// ─── Status ──────────────────────────────────────────────────────────────────

// Status is the body of GET /status.
type Status struct {
	Session   string `json:"session"`
	SessionID string `json:"session_id,omitempty"`
	ConversationStatus
	OTABreaker string `json:"ota_breaker,omitempty"`
}

// SessionState returns the state of the latest session attempt.
func (a *App) SessionState() session.State {
	return session.State(a.sessState.Load())
}

// Status returns a snapshot for the status endpoint.
func (a *App) Status() Status {
	st := Status{
		Session:            a.SessionState().String(),
		ConversationStatus: a.conv.Status(),
	}
	if s := a.reconnector.Session(); s != nil && s.State() == session.StateActive {
		st.SessionID = s.ID()
	}
	if a.breaker != nil {
		st.OTABreaker = a.breaker.State().String()
	}
	return st
}

// Addr returns the status server address, or "" when it is disabled.
func (a *App) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// ─── Config reload ───────────────────────────────────────────────────────────

// OnConfigChange applies the live-reloadable parts of a new config: the log
// level and the playback tuning. Other changes are logged and ignored.
func (a *App) OnConfigChange(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.PlaybackChanged {
		a.conv.SetTuning(TuningFromConfig(new.Audio))
		slog.Info("playback tuning updated",
			"min_audio_duration", new.Audio.MinAudioDuration,
			"buffer_multiplier", new.Audio.BufferMultiplier,
		)
	}
	for _, section := range d.RestartRequired {
		slog.Warn("config change needs a restart to apply", "section", section)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems: the session first, then recording and
// playback, the status server and finally the audio devices. It respects
// the context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.reconnector.Stop(); err != nil {
			slog.Warn("session close error", "err", err)
		}
		a.conv.Close()

		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Warn("status server shutdown error", "err", err)
			}
			// Run may never have served it.
			_ = a.listener.Close()
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers collected so far after a failed New.
func (a *App) closeAll() {
	if a.listener != nil {
		_ = a.listener.Close()
	}
	for _, closer := range a.closers {
		_ = closer()
	}
}
