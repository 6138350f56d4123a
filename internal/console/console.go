// Package console is the interactive front end of the client. It reads
// commands from a line-oriented input and prints the conversation
// transcript.
//
// Input syntax:
//
//	(empty line)   toggle recording
//	/start         start recording
//	/stop          stop recording
//	/help          list commands
//	/quit          exit
//	anything else  sent to the assistant as typed text
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

// Controller is the part of the application the console drives.
type Controller interface {
	StartRecording(ctx context.Context) error
	StopRecording(ctx context.Context) error
	SendText(ctx context.Context, text string) error
	Recording() bool
}

const helpText = `commands:
  <enter>   toggle recording
  /start    start recording
  /stop     stop recording
  /help     show this help
  /quit     exit
  any other line is sent as text`

// Option configures a [Console].
type Option func(*Console)

// WithPrompt prints a prompt before each read. Use it for interactive
// terminals only.
func WithPrompt(on bool) Option {
	return func(c *Console) { c.prompt = on }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Console) {
		if l != nil {
			c.log = l
		}
	}
}

// Console couples an input stream to a [Controller]. Output writes are
// serialised, so [Console.Display] may be called from any goroutine.
type Console struct {
	ctl    Controller
	in     io.Reader
	prompt bool
	log    *slog.Logger

	mu  sync.Mutex
	out io.Writer

	user      lipgloss.Style
	assistant lipgloss.Style
	system    lipgloss.Style
	info      lipgloss.Style
}

// New creates a console reading from in and writing to out. Colours are
// used only when out is a colour terminal.
func New(ctl Controller, in io.Reader, out io.Writer, opts ...Option) *Console {
	r := lipgloss.NewRenderer(out)
	c := &Console{
		ctl:       ctl,
		in:        in,
		out:       out,
		log:       slog.Default(),
		user:      r.NewStyle().Bold(true).Foreground(lipgloss.Color("6")),
		assistant: r.NewStyle().Bold(true).Foreground(lipgloss.Color("2")),
		system:    r.NewStyle().Foreground(lipgloss.Color("240")),
		info:      r.NewStyle().Foreground(lipgloss.Color("#a1ba22")),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Display prints one transcript line. It matches the app's display hook.
func (c *Console) Display(role, text string) {
	var label string
	switch role {
	case "user":
		label = c.user.Render("you")
	case "assistant":
		label = c.assistant.Render("assistant")
	default:
		label = c.system.Render(role)
	}
	c.println(label + ": " + text)
}

// Run processes input lines until /quit, end of input or ctx ends. It
// returns nil in all three cases and an error only if reading fails.
// Controller errors are printed and do not stop the loop.
func (c *Console) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
		close(lines)
	}()

	c.showPrompt()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				if err := <-readErr; err != nil {
					return fmt.Errorf("console: read input: %w", err)
				}
				return nil
			}
			if quit := c.handle(ctx, strings.TrimSpace(line)); quit {
				return nil
			}
			c.showPrompt()
		}
	}
}

// handle runs one input line and reports whether the console should exit.
func (c *Console) handle(ctx context.Context, line string) bool {
	switch {
	case line == "":
		if c.ctl.Recording() {
			c.stop(ctx)
		} else {
			c.start(ctx)
		}
	case line == "/start":
		c.start(ctx)
	case line == "/stop":
		c.stop(ctx)
	case line == "/help":
		c.println(helpText)
	case line == "/quit" || line == "/exit":
		return true
	case strings.HasPrefix(line, "/"):
		c.println(c.system.Render("unknown command " + line + ", try /help"))
	default:
		if err := c.ctl.SendText(ctx, line); err != nil {
			c.report("send", err)
		}
	}
	return false
}

func (c *Console) start(ctx context.Context) {
	if err := c.ctl.StartRecording(ctx); err != nil {
		c.report("start recording", err)
		return
	}
	c.println(c.info.Render("recording, press enter to stop"))
}

func (c *Console) stop(ctx context.Context) {
	if err := c.ctl.StopRecording(ctx); err != nil {
		c.report("stop recording", err)
		return
	}
	c.println(c.info.Render("recording stopped"))
}

func (c *Console) report(op string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	c.log.Debug("console command failed", "op", op, "err", err)
	c.println(c.system.Render(op + " failed: " + err.Error()))
}

func (c *Console) showPrompt() {
	if !c.prompt {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = io.WriteString(c.out, "> ")
}

func (c *Console) println(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = io.WriteString(c.out, s+"\n")
}
