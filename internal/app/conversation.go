package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lapy/xiaozhi-esp32-server/internal/config"
	"github.com/lapy/xiaozhi-esp32-server/internal/observe"
	"github.com/lapy/xiaozhi-esp32-server/internal/session"
	"github.com/lapy/xiaozhi-esp32-server/pkg/audio"
	"github.com/lapy/xiaozhi-esp32-server/pkg/audio/capture"
	"github.com/lapy/xiaozhi-esp32-server/pkg/audio/playback"
	"github.com/lapy/xiaozhi-esp32-server/pkg/protocol"
)

// Conversation errors returned to the console.
var (
	ErrNotConnected     = errors.New("app: no active session")
	ErrAlreadyRecording = errors.New("app: already recording")
	ErrNotRecording     = errors.New("app: not recording")
)

// Display roles passed to a [DisplayFunc].
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// CodecFactory creates a fresh codec. Each playback context and each
// recording owns one.
type CodecFactory func() (audio.Codec, error)

// SourceFactory opens the microphone for one recording.
type SourceFactory func() (audio.Source, error)

// DisplayFunc shows one transcript line.
type DisplayFunc func(role, text string)

// Transport is the part of a session the conversation writes to.
type Transport interface {
	SendText(ctx context.Context, m protocol.Outbound) error
	SendAudio(ctx context.Context, pkt audio.Packet) error
}

var _ Transport = (*session.Session)(nil)

// Tuning is the jitter buffer policy applied to new playback contexts.
type Tuning struct {
	MinAudioDuration time.Duration
	BufferMultiplier float64
	FadeDuration     time.Duration
	IdleTimeout      time.Duration
}

// TuningFromConfig extracts the playback tuning from cfg.
func TuningFromConfig(cfg config.AudioConfig) Tuning {
	return Tuning{
		MinAudioDuration: cfg.MinAudioDuration,
		BufferMultiplier: cfg.BufferMultiplier,
		FadeDuration:     cfg.FadeDuration,
		IdleTimeout:      cfg.IdleTimeout,
	}
}

func (t Tuning) options() []playback.Option {
	var opts []playback.Option
	if t.MinAudioDuration > 0 {
		opts = append(opts, playback.WithMinAudioDuration(t.MinAudioDuration))
	}
	if t.BufferMultiplier > 0 {
		opts = append(opts, playback.WithBufferMultiplier(t.BufferMultiplier))
	}
	if t.FadeDuration > 0 {
		opts = append(opts, playback.WithFadeDuration(t.FadeDuration))
	}
	if t.IdleTimeout > 0 {
		opts = append(opts, playback.WithIdleTimeout(t.IdleTimeout))
	}
	return opts
}

// ConversationConfig holds the dependencies of a [Conversation].
type ConversationConfig struct {
	NewCodec  CodecFactory
	NewSource SourceFactory
	Sink      audio.Sink
	Tuning    Tuning

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Display, when non-nil, receives transcript lines.
	Display DisplayFunc

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// ConversationStatus is a snapshot for the status endpoint.
type ConversationStatus struct {
	Connected       bool   `json:"connected"`
	Playback        string `json:"playback"`
	Recording       bool   `json:"recording"`
	PacketsReceived uint64 `json:"packets_received"`
	FramesSent      uint64 `json:"frames_sent"`
}

// Conversation is the session handler. It plays the speech the service
// streams back and drives microphone recordings. A playback context is
// created on the first packet after silence and lives until its stream
// ends. Sessions come and go with Attach and Detach; the conversation
// survives reconnects.
//
// All exported methods are safe for concurrent use.
type Conversation struct {
	newCodec  CodecFactory
	newSource SourceFactory
	sink      audio.Sink
	metrics   *observe.Metrics
	display   DisplayFunc
	log       *slog.Logger

	tuning atomic.Pointer[Tuning]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	transport Transport
	player    *playback.Context
	rec       *recording
	closed    bool

	packetsReceived atomic.Uint64
	framesSent      atomic.Uint64
}

// recording is one microphone capture in flight.
type recording struct {
	src    audio.Source
	codec  audio.Codec
	pipe   *capture.Pipeline
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

var _ session.Handler = (*Conversation)(nil)

// NewConversation creates a [Conversation] with no session attached.
func NewConversation(cfg ConversationConfig) *Conversation {
	c := &Conversation{
		newCodec:  cfg.NewCodec,
		newSource: cfg.NewSource,
		sink:      cfg.Sink,
		metrics:   cfg.Metrics,
		display:   cfg.Display,
		log:       cfg.Logger,
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	t := cfg.Tuning
	c.tuning.Store(&t)
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// SetTuning replaces the jitter buffer policy. The playback context already
// running keeps its settings.
func (c *Conversation) SetTuning(t Tuning) {
	c.tuning.Store(&t)
}

// Attach routes control messages and recordings to t.
func (c *Conversation) Attach(t Transport) {
	c.mu.Lock()
	c.transport = t
	c.mu.Unlock()
}

// Detach forgets t if it is the attached transport. A recording in flight
// is abandoned without notifying the service. Playback keeps draining.
func (c *Conversation) Detach(t Transport) {
	c.mu.Lock()
	if c.transport != t {
		c.mu.Unlock()
		return
	}
	c.transport = nil
	rec := c.rec
	c.rec = nil
	c.mu.Unlock()

	if rec != nil {
		c.log.Warn("session lost while recording, recording discarded")
		c.abandon(rec)
	}
}

// ── Inbound ──────────────────────────────────────────────────────────────────

// OnMessage implements [session.Handler].
func (c *Conversation) OnMessage(m protocol.Inbound) {
	c.metrics.RecordMessage(c.ctx, messageType(m))

	switch v := m.(type) {
	case protocol.STT:
		c.log.Info("recognised speech", "text", v.Text)
		c.show(RoleUser, v.Text)
	case protocol.TTS:
		switch v.State {
		case protocol.TTSStart:
			c.log.Debug("service started speaking")
		case protocol.TTSSentenceStart:
			c.show(RoleAssistant, v.Text)
		case protocol.TTSSentenceEnd:
			c.log.Debug("sentence finished", "text", v.Text)
		case protocol.TTSStop:
			c.log.Debug("service finished speaking")
		}
	case protocol.LLM:
		if v.Displayable() {
			c.show(RoleAssistant, v.Text)
		} else if v.Emotion != "" {
			c.log.Debug("emotion", "emotion", v.Emotion)
		}
	case protocol.Hello:
		c.log.Debug("hello after handshake ignored", "session_id", v.SessionID)
	case protocol.Audio:
		c.log.Debug("audio control message", "raw", string(v.Raw))
	case protocol.Unknown:
		c.log.Warn("unknown message type", "type", v.Type)
		c.show(RoleSystem, string(v.Raw))
	}
}

// OnAudio implements [session.Handler]. The empty sentinel ends the current
// stream; the next packet after it starts a new playback context.
func (c *Conversation) OnAudio(pkt audio.Packet) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if pkt.IsEndOfStream() {
		if c.player != nil {
			c.player.EndOfStream()
		}
		return
	}
	c.packetsReceived.Add(1)
	c.metrics.PacketsReceived.Add(c.ctx, 1)

	// Push fails once the stream has ended, including an end forced by the
	// idle timer at any moment, so its result decides whether a new stream
	// starts.
	if c.player != nil && c.player.Push(pkt) {
		return
	}
	p, err := c.startPlayback(pkt)
	if err != nil {
		c.log.Error("cannot start playback, packet dropped", "err", err)
		return
	}
	c.player = p
}

// startPlayback creates a context holding first and starts it. The packet is
// queued before the idle timer runs. It must be called with c.mu held.
func (c *Conversation) startPlayback(first audio.Packet) (*playback.Context, error) {
	codec, err := c.newCodec()
	if err != nil {
		return nil, fmt.Errorf("app: create decoder: %w", err)
	}

	created := time.Now()
	var started sync.Once
	onState := func(s playback.State) {
		if s == playback.StatePlaying {
			started.Do(func() {
				c.metrics.PlaybackStartDelay.Record(c.ctx, time.Since(created).Seconds())
			})
		}
	}

	opts := append(c.tuning.Load().options(),
		playback.WithLogger(c.log),
		playback.WithStateHandler(onState),
	)
	p := playback.New(codec, c.sink, opts...)
	p.Push(first)
	if err := p.Start(c.ctx); err != nil {
		_ = codec.Close()
		return nil, fmt.Errorf("app: start playback: %w", err)
	}
	c.metrics.ActivePlayback.Add(c.ctx, 1)
	c.log.Debug("playback started", "threshold_samples", p.Threshold())

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := p.Wait(); err != nil {
			c.log.Warn("playback ended with error", "err", err)
		}
		st := p.Stats()
		c.metrics.RecordCodecError(c.ctx, "decode", int64(st.DecodeErrors))
		c.metrics.ActivePlayback.Add(c.ctx, -1)
		if err := codec.Close(); err != nil {
			c.log.Debug("close decoder", "err", err)
		}
		c.log.Debug("playback finished",
			"samples", st.TotalSamplesDecoded,
			"chunks", st.ChunksScheduled,
			"decode_errors", st.DecodeErrors,
		)
	}()
	return p, nil
}

// ── Outbound ─────────────────────────────────────────────────────────────────

// StartRecording announces a recording to the service and starts streaming
// the microphone.
func (c *Conversation) StartRecording(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.transport
	if t == nil {
		return ErrNotConnected
	}
	if c.rec != nil {
		return ErrAlreadyRecording
	}

	codec, err := c.newCodec()
	if err != nil {
		return fmt.Errorf("app: create encoder: %w", err)
	}
	src, err := c.newSource()
	if err != nil {
		_ = codec.Close()
		return fmt.Errorf("app: open microphone: %w", err)
	}
	if err := t.SendText(ctx, protocol.ListenStart()); err != nil {
		_ = src.Close()
		_ = codec.Close()
		return fmt.Errorf("app: send listen start: %w", err)
	}

	send := func(ctx context.Context, pkt audio.Packet) error {
		if err := t.SendAudio(ctx, pkt); err != nil {
			return err
		}
		if !pkt.IsEndOfStream() {
			c.framesSent.Add(1)
			c.metrics.FramesSent.Add(ctx, 1)
		}
		return nil
	}

	runCtx, cancel := context.WithCancel(c.ctx)
	rec := &recording{
		src:    src,
		codec:  codec,
		pipe:   capture.New(codec, send, capture.WithLogger(c.log)),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(rec.done)
		if err := rec.pipe.Run(runCtx, src); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Warn("capture stopped", "err", err)
			rec.err = err
		}
	}()
	c.rec = rec
	c.log.Info("recording started")
	return nil
}

// StopRecording closes the microphone, flushes the last partial frame and
// the end-of-stream packet, and tells the service listening stopped. A
// capture device failure during the recording is returned after cleanup.
func (c *Conversation) StopRecording(ctx context.Context) error {
	c.mu.Lock()
	rec := c.rec
	c.rec = nil
	t := c.transport
	c.mu.Unlock()

	if rec == nil {
		return ErrNotRecording
	}

	if err := rec.src.Close(); err != nil {
		c.log.Debug("close microphone", "err", err)
	}
	<-rec.done
	rec.cancel()

	stopErr := rec.pipe.Stop(ctx)
	st := rec.pipe.Stats()
	c.metrics.RecordCodecError(ctx, "encode", int64(st.EncodeErrors))
	if err := rec.codec.Close(); err != nil {
		c.log.Debug("close encoder", "err", err)
	}

	var errs []error
	if stopErr != nil {
		errs = append(errs, stopErr)
	}
	if t != nil {
		if err := t.SendText(ctx, protocol.ListenStop()); err != nil {
			errs = append(errs, fmt.Errorf("app: send listen stop: %w", err))
		}
	}
	if rec.err != nil {
		errs = append(errs, rec.err)
	}
	c.log.Info("recording stopped", "frames", st.FramesEncoded, "encode_errors", st.EncodeErrors)
	return errors.Join(errs...)
}

// SendText submits typed text in place of speech.
func (c *Conversation) SendText(ctx context.Context, text string) error {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return ErrNotConnected
	}
	if err := t.SendText(ctx, protocol.ListenDetect(text)); err != nil {
		return fmt.Errorf("app: send text: %w", err)
	}
	c.show(RoleUser, text)
	return nil
}

// Recording reports whether a recording is in flight.
func (c *Conversation) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec != nil
}

// Status returns a snapshot of the conversation.
func (c *Conversation) Status() ConversationStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := ConversationStatus{
		Connected:       c.transport != nil,
		Playback:        "idle",
		Recording:       c.rec != nil,
		PacketsReceived: c.packetsReceived.Load(),
		FramesSent:      c.framesSent.Load(),
	}
	if c.player != nil && c.player.State() != playback.StateFinished {
		st.Playback = c.player.State().String()
	}
	return st
}

// Close abandons any recording, stops playback and waits for the playback
// goroutines. The conversation must not be used afterwards.
func (c *Conversation) Close() {
	c.mu.Lock()
	rec := c.rec
	c.rec = nil
	c.transport = nil
	c.closed = true
	p := c.player
	c.mu.Unlock()

	if rec != nil {
		c.abandon(rec)
	}
	if p != nil {
		p.Stop()
	}
	c.cancel()
	c.wg.Wait()
}

// abandon tears down rec without sending anything.
func (c *Conversation) abandon(rec *recording) {
	rec.cancel()
	_ = rec.src.Close()
	<-rec.done
	_ = rec.codec.Close()
}

func (c *Conversation) show(role, text string) {
	if c.display == nil || text == "" {
		return
	}
	c.display(role, text)
}

// messageType names m for metrics.
func messageType(m protocol.Inbound) string {
	switch m.(type) {
	case protocol.Hello:
		return protocol.TypeHello
	case protocol.TTS:
		return protocol.TypeTTS
	case protocol.STT:
		return protocol.TypeSTT
	case protocol.LLM:
		return protocol.TypeLLM
	case protocol.Audio:
		return protocol.TypeAudio
	default:
		return "unknown"
	}
}
