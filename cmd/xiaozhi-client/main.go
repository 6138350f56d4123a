// Command xiaozhi-client is a headless xiaozhi voice client. It provisions
// itself against an OTA endpoint, holds a websocket session to the assistant
// service and bridges it to the local microphone and speaker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/lapy/xiaozhi-esp32-server/internal/app"
	"github.com/lapy/xiaozhi-esp32-server/internal/config"
	"github.com/lapy/xiaozhi-esp32-server/internal/console"
	"github.com/lapy/xiaozhi-esp32-server/internal/observe"
	"github.com/lapy/xiaozhi-esp32-server/pkg/audio/device"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	listDevices := flag.Bool("list-devices", false, "print the available audio devices and exit")
	flag.Parse()

	if *listDevices {
		return printDevices()
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "xiaozhi-client: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "xiaozhi-client: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	levelVar := new(slog.LevelVar)
	slog.SetDefault(newLogger(cfg.Server.LogLevel, levelVar))

	slog.Info("xiaozhi-client starting",
		"version", version,
		"config", *configPath,
		"device_id", cfg.Device.MAC,
		"client_id", cfg.Device.ClientID,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	provider, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Observe.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Application ───────────────────────────────────────────────────────────
	// The console needs the app as its controller and the app needs the
	// console as its display, so the display is bound after both exist.
	var con *console.Console
	display := func(role, text string) {
		if con != nil {
			con.Display(role, text)
		}
	}

	application, err := app.New(ctx, cfg,
		app.WithLevelVar(levelVar),
		app.WithDisplay(display),
		app.WithMetricsHandler(provider.Handler()),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	con = console.New(application, os.Stdin, os.Stdout,
		console.WithPrompt(interactive),
	)

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, application.OnConfigChange)
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	go func() {
		if err := con.Run(runCtx); err != nil {
			slog.Error("console error", "err", err)
		}
		// End of input or /quit ends the client.
		cancelRun()
	}()

	if interactive {
		fmt.Fprintln(os.Stdout, "press enter to talk, /help for commands")
	}
	slog.Info("client ready, press Ctrl+C to shut down")

	code := 0
	if err := application.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// printDevices lists the devices of the compiled-in audio backend.
func printDevices() int {
	ctx, err := device.Open(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "xiaozhi-client: %v\n", err)
		return 1
	}
	defer ctx.Close()

	devs, err := ctx.Devices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "xiaozhi-client: list devices: %v\n", err)
		return 1
	}

	fmt.Printf("audio backend: %s\n", ctx.Backend())
	list := func(kind string, infos []device.Info) {
		fmt.Printf("%s:\n", kind)
		if len(infos) == 0 {
			fmt.Println("  (none)")
		}
		for _, d := range infos {
			mark := " "
			if d.IsDefault {
				mark = "*"
			}
			fmt.Printf(" %s %-40s %s\n", mark, d.Name, d.ID)
		}
	}
	list("playback", devs.Playback)
	list("capture", devs.Capture)
	return 0
}

// newLogger creates a text logger on stderr whose level follows v, so a
// config reload can change it.
func newLogger(level config.LogLevel, v *slog.LevelVar) *slog.Logger {
	v.Set(level.Level())
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: v}))
}
