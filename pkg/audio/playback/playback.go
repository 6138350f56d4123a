// Package playback implements the streaming playback context: a jitter buffer
// that decodes incoming opus packets and schedules gapless, fade-smoothed
// chunks on an [audio.Sink].
//
// A [Context] runs two loops that share nothing but two queues:
//
//   - the decode loop drains the pending packet queue, decodes every packet it
//     finds and appends the normalised samples to the ready queue;
//   - the playback loop waits until the ready queue holds enough audio to
//     absorb network jitter, then slices it into chunks of at most one second
//     and hands them to the sink back to back.
//
// End of stream is signalled by an empty packet (see [Context.Push]) or, if
// that sentinel is lost, by an idle timeout. Either way the buffered audio is
// played out, even if it is shorter than the buffering threshold, and the
// context reaches [StateFinished].
package playback

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lapy/xiaozhi-esp32-server/pkg/audio"
	"github.com/lapy/xiaozhi-esp32-server/pkg/audio/queue"
)

// Defaults for the buffering policy.
const (
	DefaultMinAudioDuration = 100 * time.Millisecond
	DefaultBufferMultiplier = 3
	DefaultFadeDuration     = 20 * time.Millisecond
	DefaultIdleTimeout      = 500 * time.Millisecond
)

// ErrAlreadyStarted is returned by [Context.Start] on a second call.
var ErrAlreadyStarted = errors.New("playback: context already started")

// State is the lifecycle phase of a [Context].
type State int32

const (
	// StateEmpty: no packet received yet.
	StateEmpty State = iota

	// StateBuffering: waiting for enough decoded audio to start or resume.
	StateBuffering

	// StatePlaying: chunks are being scheduled on the sink.
	StatePlaying

	// StateDraining: end of stream seen and everything scheduled; waiting
	// for the last chunk to finish.
	StateDraining

	// StateFinished: terminal. The context can be discarded.
	StateFinished
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateBuffering:
		return "buffering"
	case StatePlaying:
		return "playing"
	case StateDraining:
		return "draining"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Stats is a snapshot of the counters kept by a [Context].
type Stats struct {
	// TotalSamplesDecoded counts samples produced by successful decodes.
	TotalSamplesDecoded uint64

	// DecodeErrors counts packets dropped because they failed to decode.
	DecodeErrors uint64

	// DecodeBatches counts wake-ups of the decode loop that found packets.
	DecodeBatches uint64

	// ChunksScheduled counts chunks accepted by the sink.
	ChunksScheduled uint64

	// SinkErrors counts chunks the sink rejected.
	SinkErrors uint64

	// LastPlayTime is the scheduled start of the most recent chunk.
	LastPlayTime time.Time
}

// Option configures a [Context].
type Option func(*Context)

// WithSampleRate overrides the sample rate. Defaults to [audio.SampleRate].
func WithSampleRate(hz int) Option {
	return func(c *Context) {
		if hz > 0 {
			c.sampleRate = hz
		}
	}
}

// WithMinAudioDuration sets the base buffering duration that is multiplied by
// the buffer multiplier to get the start threshold.
func WithMinAudioDuration(d time.Duration) Option {
	return func(c *Context) {
		if d > 0 {
			c.minAudio = d
		}
	}
}

// WithBufferMultiplier sets how many base durations must be buffered before
// playback starts or resumes.
func WithBufferMultiplier(m float64) Option {
	return func(c *Context) {
		if m > 0 {
			c.multiplier = m
		}
	}
}

// WithFadeDuration sets the linear fade applied to both ends of each chunk.
// Zero disables fading.
func WithFadeDuration(d time.Duration) Option {
	return func(c *Context) {
		if d >= 0 {
			c.fade = d
		}
	}
}

// WithIdleTimeout sets how long the context waits for a new packet before it
// assumes the end-of-stream sentinel was lost.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Context) {
		if d > 0 {
			c.idleTimeout = d
		}
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Context) {
		if l != nil {
			c.log = l
		}
	}
}

// WithClock replaces time.Now for chunk scheduling.
func WithClock(now func() time.Time) Option {
	return func(c *Context) {
		if now != nil {
			c.now = now
		}
	}
}

// WithStateHandler registers fn to be called on every state transition. fn
// runs on the goroutine that caused the transition and must not block.
func WithStateHandler(fn func(State)) Option {
	return func(c *Context) {
		c.onState = fn
	}
}

// Context is one playback stream. Create it with [New], feed it with
// [Context.Push] and run it with [Context.Start].
type Context struct {
	dec  audio.Decoder
	sink audio.Sink

	sampleRate  int
	minAudio    time.Duration
	multiplier  float64
	fade        time.Duration
	idleTimeout time.Duration
	log         *slog.Logger
	now         func() time.Time
	onState     func(State)

	pendingPackets *queue.Queue[audio.Packet]
	readySamples   *queue.Queue[float32]

	activity chan struct{}
	eos      chan struct{}
	eosOnce  sync.Once

	stateMu sync.Mutex
	state   State

	totalSamplesDecoded atomic.Uint64
	decodeErrors        atomic.Uint64
	decodeBatches       atomic.Uint64
	chunksScheduled     atomic.Uint64
	sinkErrors          atomic.Uint64
	lastPlayTime        atomic.Int64

	started atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// New creates a playback context that decodes with dec and plays on sink.
// The decoder must not be shared with another context.
func New(dec audio.Decoder, sink audio.Sink, opts ...Option) *Context {
	c := &Context{
		dec:            dec,
		sink:           sink,
		sampleRate:     audio.SampleRate,
		minAudio:       DefaultMinAudioDuration,
		multiplier:     DefaultBufferMultiplier,
		fade:           DefaultFadeDuration,
		idleTimeout:    DefaultIdleTimeout,
		log:            slog.Default(),
		now:            time.Now,
		pendingPackets: queue.New[audio.Packet](),
		readySamples:   queue.New[float32](),
		activity:       make(chan struct{}, 1),
		eos:            make(chan struct{}),
		done:           make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Threshold returns the number of decoded samples that must be buffered
// before playback starts or resumes.
func (c *Context) Threshold() int {
	return int(math.Round(float64(c.sampleRate) * c.minAudio.Seconds() * c.multiplier))
}

// Push hands a received packet to the context. An empty packet is the
// end-of-stream sentinel. Packets pushed after end of stream are dropped and
// Push reports false.
func (c *Context) Push(pkt audio.Packet) bool {
	if pkt.IsEndOfStream() {
		c.EndOfStream()
		return true
	}
	if !c.pendingPackets.Enqueue(pkt) {
		c.log.Debug("playback: packet after end of stream rejected", "bytes", len(pkt))
		return false
	}
	c.noteActivity()
	return true
}

// EndOfStream marks the packet stream complete. Buffered audio is still
// decoded and played. Safe to call more than once.
func (c *Context) EndOfStream() {
	c.eosOnce.Do(func() {
		c.pendingPackets.Close()
		close(c.eos)
	})
}

// Start launches the decode, playback and idle-watch loops. It returns
// immediately; use [Context.Wait] or [Context.Done] to observe completion.
// Cancelling ctx has the same effect as [Context.Stop].
func (c *Context) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.stateMu.Lock()
	c.cancel = cancel
	c.stateMu.Unlock()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return c.decodeLoop(gctx) })
	g.Go(func() error { return c.playbackLoop(gctx) })
	g.Go(func() error { return c.idleLoop(gctx) })

	go func() {
		err := g.Wait()
		cancel()
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		c.err = err
		c.setState(StateFinished)
		close(c.done)
	}()
	return nil
}

// Stop ends the context without scheduling further chunks. Chunks already
// accepted by the sink keep playing. Stop does not wait; use [Context.Wait].
func (c *Context) Stop() {
	c.EndOfStream()
	c.stateMu.Lock()
	cancel := c.cancel
	c.stateMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Done returns a channel that is closed once the context is finished.
func (c *Context) Done() <-chan struct{} { return c.done }

// Wait blocks until the context is finished and returns the first loop error,
// if any. It must only be called after Start.
func (c *Context) Wait() error {
	<-c.done
	return c.err
}

// State returns the current lifecycle phase.
func (c *Context) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// Playing reports whether chunks are currently being scheduled or draining.
func (c *Context) Playing() bool {
	s := c.State()
	return s == StatePlaying || s == StateDraining
}

// EndOfStreamSeen reports whether the stream has been marked complete.
func (c *Context) EndOfStreamSeen() bool {
	select {
	case <-c.eos:
		return true
	default:
		return false
	}
}

// Stats returns a snapshot of the counters.
func (c *Context) Stats() Stats {
	s := Stats{
		TotalSamplesDecoded: c.totalSamplesDecoded.Load(),
		DecodeErrors:        c.decodeErrors.Load(),
		DecodeBatches:       c.decodeBatches.Load(),
		ChunksScheduled:     c.chunksScheduled.Load(),
		SinkErrors:          c.sinkErrors.Load(),
	}
	if ns := c.lastPlayTime.Load(); ns != 0 {
		s.LastPlayTime = time.Unix(0, ns)
	}
	return s
}

// ── Loops ─────────────────────────────────────────────────────────────────────

// decodeLoop moves packets from pendingPackets to readySamples. It closes
// readySamples once pendingPackets is closed and empty.
func (c *Context) decodeLoop(ctx context.Context) error {
	defer c.readySamples.Close()
	for {
		pkts, err := c.pendingPackets.DequeueAtLeast(ctx, 1)
		if err != nil {
			return err
		}
		if len(pkts) == 0 {
			return nil
		}
		c.decodeBatches.Add(1)

		var samples []float32
		for _, pkt := range pkts {
			frame, err := c.dec.Decode(pkt)
			if err != nil {
				c.decodeErrors.Add(1)
				c.log.Warn("playback: dropping undecodable packet", "bytes", len(pkt), "err", err)
				continue
			}
			samples = append(samples, audio.Int16ToFloat32(frame)...)
			c.totalSamplesDecoded.Add(uint64(len(frame)))
		}
		c.readySamples.Enqueue(samples...)
	}
}

// playbackLoop schedules decoded audio on the sink. It alternates between
// buffering and playing until readySamples is closed, then plays out what is
// left and waits for the last chunk to finish.
func (c *Context) playbackLoop(ctx context.Context) error {
	threshold := c.Threshold()
	fadeSamples := audio.DurationToSamples(c.fade, c.sampleRate)
	var nextStart time.Time

	for {
		samples, err := c.readySamples.DequeueAtLeast(ctx, threshold)
		if err != nil {
			return err
		}
		// Only a closed and drained queue returns nothing. A batch taken
		// from a closed queue may still be followed by one the decode loop
		// enqueued just before closing, so the loop goes round again.
		if len(samples) == 0 {
			break
		}
		c.setState(StatePlaying)

		for len(samples) > 0 {
			n := min(len(samples), c.sampleRate)
			chunk := samples[:n:n]
			samples = samples[n:]
			audio.ApplyFade(chunk, fadeSamples)

			start := c.now()
			if nextStart.After(start) {
				start = nextStart
			}
			err := c.sink.Play(ctx, audio.Chunk{Samples: chunk, SampleRate: c.sampleRate, Start: start})
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.sinkErrors.Add(1)
				c.log.Warn("playback: sink rejected chunk", "samples", n, "err", err)
				continue
			}
			nextStart = start.Add(audio.SamplesToDuration(n, c.sampleRate))
			c.lastPlayTime.Store(start.UnixNano())
			c.chunksScheduled.Add(1)
		}

		if !c.readySamples.Closed() {
			c.setState(StateBuffering)
		}
	}

	c.setState(StateDraining)
	if wait := nextStart.Sub(c.now()); wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// idleLoop forces end of stream when no packet arrives for idleTimeout.
func (c *Context) idleLoop(ctx context.Context) error {
	t := time.NewTimer(c.idleTimeout)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.eos:
			return nil
		case <-c.activity:
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
			t.Reset(c.idleTimeout)
		case <-t.C:
			c.log.Debug("playback: idle timeout, assuming end of stream", "timeout", c.idleTimeout)
			c.EndOfStream()
			return nil
		}
	}
}

// noteActivity records that packets arrived: it leaves the empty state and
// resets the idle timer.
func (c *Context) noteActivity() {
	c.transition(StateEmpty, StateBuffering)
	select {
	case c.activity <- struct{}{}:
	default:
	}
}

// ── State ─────────────────────────────────────────────────────────────────────

// setState moves to s unless the context is already finished.
func (c *Context) setState(s State) {
	c.stateMu.Lock()
	if c.state == s || c.state == StateFinished {
		c.stateMu.Unlock()
		return
	}
	c.state = s
	fn := c.onState
	c.stateMu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// transition moves from -> to only if the current state is from.
func (c *Context) transition(from, to State) {
	c.stateMu.Lock()
	if c.state != from {
		c.stateMu.Unlock()
		return
	}
	c.state = to
	fn := c.onState
	c.stateMu.Unlock()
	if fn != nil {
		fn(to)
	}
}
