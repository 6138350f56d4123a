package console_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lapy/xiaozhi-esp32-server/internal/console"
)

// fakeController records console calls.
type fakeController struct {
	mu        sync.Mutex
	calls     []string
	recording bool
	err       error
}

func (f *fakeController) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeController) StartRecording(context.Context) error {
	if err := f.record("start"); err != nil {
		return err
	}
	f.mu.Lock()
	f.recording = true
	f.mu.Unlock()
	return nil
}

func (f *fakeController) StopRecording(context.Context) error {
	if err := f.record("stop"); err != nil {
		return err
	}
	f.mu.Lock()
	f.recording = false
	f.mu.Unlock()
	return nil
}

func (f *fakeController) SendText(_ context.Context, text string) error {
	return f.record("text:" + text)
}

func (f *fakeController) Recording() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recording
}

func (f *fakeController) got() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func TestRun_Commands(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"toggle", "\n\n", []string{"start", "stop"}},
		{"explicit", "/start\n/stop\n", []string{"start", "stop"}},
		{"text", "  what is the weather  \n", []string{"text:what is the weather"}},
		{"quit stops reading", "/start\n/quit\n/stop\n", []string{"start"}},
		{"help and unknown", "/help\n/bogus\n", nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ctl := &fakeController{}
			var out bytes.Buffer
			c := console.New(ctl, strings.NewReader(tc.input), &out)

			if err := c.Run(context.Background()); err != nil {
				t.Fatalf("Run: %v", err)
			}
			got := ctl.got()
			if len(got) != len(tc.want) {
				t.Fatalf("calls = %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Errorf("call %d = %q, want %q", i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestRun_HelpAndUnknownOutput(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	c := console.New(&fakeController{}, strings.NewReader("/help\n/bogus\n"), &out)
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	s := out.String()
	if !strings.Contains(s, "toggle recording") {
		t.Errorf("help missing from output: %q", s)
	}
	if !strings.Contains(s, "unknown command /bogus") {
		t.Errorf("unknown command not reported: %q", s)
	}
}

func TestRun_ControllerErrorsArePrinted(t *testing.T) {
	t.Parallel()

	ctl := &fakeController{err: errors.New("no active session")}
	var out bytes.Buffer
	c := console.New(ctl, strings.NewReader("hello\n\n"), &out)

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	s := out.String()
	if !strings.Contains(s, "send failed: no active session") {
		t.Errorf("send error missing: %q", s)
	}
	if !strings.Contains(s, "start recording failed") {
		t.Errorf("start error missing: %q", s)
	}
}

func TestRun_Prompt(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	c := console.New(&fakeController{}, strings.NewReader("hi\n"), &out, console.WithPrompt(true))
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := strings.Count(out.String(), "> "); got != 2 {
		t.Errorf("prompts = %d, want 2 in %q", got, out.String())
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- console.New(&fakeController{}, pr, io.Discard).Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_ReadError(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	pw.CloseWithError(errors.New("tty gone"))

	err := console.New(&fakeController{}, pr, io.Discard).Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "tty gone") {
		t.Errorf("Run = %v, want read error", err)
	}
}

func TestDisplay(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	c := console.New(&fakeController{}, strings.NewReader(""), &out)
	c.Display("user", "turn off the lights")
	c.Display("assistant", "Done.")
	c.Display("system", `{"type":"iot"}`)

	want := "you: turn off the lights\nassistant: Done.\nsystem: {\"type\":\"iot\"}\n"
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}
}
