package capture_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lapy/xiaozhi-esp32-server/pkg/audio"
	"github.com/lapy/xiaozhi-esp32-server/pkg/audio/capture"
	"github.com/lapy/xiaozhi-esp32-server/pkg/audio/mock"
)

// transport records packets handed to the pipeline's SendFunc.
type transport struct {
	mu      sync.Mutex
	packets []audio.Packet
	err     error
}

func (tr *transport) send(_ context.Context, pkt audio.Packet) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.err != nil {
		return tr.err
	}
	tr.packets = append(tr.packets, pkt)
	return nil
}

func (tr *transport) sent() []audio.Packet {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]audio.Packet(nil), tr.packets...)
}

func ramp(n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(i + 1)
	}
	return out
}

// Scenario: 2400 samples -> two full frames sent, 480 retained.
func TestWrite_EmitsFullFramesKeepsRemainder(t *testing.T) {
	t.Parallel()
	codec := &mock.Codec{}
	tr := &transport{}
	p := capture.New(codec, tr.send)

	if err := p.Write(context.Background(), ramp(2400)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if got := len(tr.sent()); got != 2 {
		t.Errorf("sent %d packets, want 2", got)
	}
	if got := p.Pending(); got != 480 {
		t.Errorf("Pending = %d, want 480", got)
	}
	frames := codec.Encoded()
	if len(frames) != 2 || frames[0][0] != 1 || frames[1][0] != 961 {
		t.Errorf("frames not contiguous: first samples %d, %d", frames[0][0], frames[1][0])
	}
	if st := p.Stats(); st.FramesEncoded != 2 || st.SamplesIn != 2400 {
		t.Errorf("stats = %+v", st)
	}
}

func TestWrite_AccumulatesAcrossCalls(t *testing.T) {
	t.Parallel()
	codec := &mock.Codec{}
	tr := &transport{}
	p := capture.New(codec, tr.send)
	ctx := context.Background()

	for range 3 {
		if err := p.Write(ctx, make([]int16, 400)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if got := len(tr.sent()); got != 1 {
		t.Errorf("sent %d packets after 1200 samples, want 1", got)
	}
	if got := p.Pending(); got != 240 {
		t.Errorf("Pending = %d, want 240", got)
	}
}

// Scenario: stop with a 480-sample remainder -> one zero-padded frame, then
// the end-of-stream sentinel.
func TestStop_PadsRemainderThenSentinel(t *testing.T) {
	t.Parallel()
	codec := &mock.Codec{}
	tr := &transport{}
	p := capture.New(codec, tr.send)
	ctx := context.Background()

	if err := p.Write(ctx, ramp(480)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	sent := tr.sent()
	if len(sent) != 2 {
		t.Fatalf("sent %d packets, want 2 (padded frame + sentinel)", len(sent))
	}
	if sent[0].IsEndOfStream() {
		t.Error("first packet should be the padded frame")
	}
	if !sent[1].IsEndOfStream() {
		t.Errorf("last packet = %v, want empty sentinel", sent[1])
	}

	frames := codec.Encoded()
	last := frames[len(frames)-1]
	if len(last) != audio.FrameSize {
		t.Fatalf("final frame has %d samples, want %d", len(last), audio.FrameSize)
	}
	if last[479] != 480 || last[480] != 0 || last[959] != 0 {
		t.Errorf("final frame not zero-padded: [479]=%d [480]=%d [959]=%d", last[479], last[480], last[959])
	}
	if p.Pending() != 0 {
		t.Errorf("Pending after Stop = %d, want 0", p.Pending())
	}
}

func TestStop_EmptyRemainderSendsOnlySentinel(t *testing.T) {
	t.Parallel()
	tr := &transport{}
	p := capture.New(&mock.Codec{}, tr.send)
	ctx := context.Background()

	if err := p.Write(ctx, make([]int16, audio.FrameSize)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	sent := tr.sent()
	if len(sent) != 2 || !sent[1].IsEndOfStream() {
		t.Errorf("sent = %v, want one frame and one sentinel", sent)
	}
}

func TestEncodeError_DropsFrameContinues(t *testing.T) {
	t.Parallel()
	codec := &mock.Codec{FailEncode: func(f audio.Frame) bool { return f[0] == 1 }}
	tr := &transport{}
	p := capture.New(codec, tr.send)

	if err := p.Write(context.Background(), ramp(2*audio.FrameSize)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := len(tr.sent()); got != 1 {
		t.Errorf("sent %d packets, want 1", got)
	}
	if st := p.Stats(); st.EncodeErrors != 1 || st.FramesEncoded != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestSendError_Returned(t *testing.T) {
	t.Parallel()
	boom := errors.New("socket closed")
	tr := &transport{err: boom}
	p := capture.New(&mock.Codec{}, tr.send)

	err := p.Write(context.Background(), make([]int16, audio.FrameSize))
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapping %v", err, boom)
	}
}

func TestRun_PumpsSource(t *testing.T) {
	t.Parallel()
	tr := &transport{}
	p := capture.New(&mock.Codec{}, tr.send)
	src := mock.NewSource(8)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background(), src) }()

	src.Push(make([]int16, 4096))
	src.Push(make([]int16, 4096))
	_ = src.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after source closed")
	}
	// 8192 samples -> 8 frames, 512 pending.
	if got := len(tr.sent()); got != 8 {
		t.Errorf("sent %d packets, want 8", got)
	}
	if got := p.Pending(); got != 512 {
		t.Errorf("Pending = %d, want 512", got)
	}
}

func TestRun_DeviceErrorSurfaced(t *testing.T) {
	t.Parallel()
	p := capture.New(&mock.Codec{}, (&transport{}).send)
	src := mock.NewSource(1)
	src.Fail(errors.New("device unplugged"))

	err := p.Run(context.Background(), src)
	var devErr *audio.CaptureDeviceError
	if !errors.As(err, &devErr) {
		t.Fatalf("err = %v, want *audio.CaptureDeviceError", err)
	}
	if devErr.Op != "read" {
		t.Errorf("Op = %q, want read", devErr.Op)
	}
}

func TestRun_ContextCancel(t *testing.T) {
	t.Parallel()
	p := capture.New(&mock.Codec{}, (&transport{}).send)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Run(ctx, mock.NewSource(1)); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
