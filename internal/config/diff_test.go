package config_test

import (
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/lapy/xiaozhi-esp32-server/internal/config"
)

func baseConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := baseConfig(t)
	if d := config.Diff(cfg, cfg); !d.Empty() {
		t.Errorf("diff of identical configs = %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(t), baseConfig(t)
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("diff = %+v, want log level debug", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
	}
}

func TestDiff_PlaybackTuningIsLive(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(t), baseConfig(t)
	new.Audio.BufferMultiplier = 5
	new.Audio.FadeDuration = 10 * time.Millisecond

	d := config.Diff(old, new)
	if !d.PlaybackChanged {
		t.Error("expected PlaybackChanged")
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(t), baseConfig(t)
	new.Session.URL = "wss://example.com/xiaozhi/v1/"
	new.Device.MAC = "11:22:33:44:55:66"
	new.Audio.OutputDevice = "hw:1"

	d := config.Diff(old, new)
	for _, section := range []string{"session", "device", "audio"} {
		if !slices.Contains(d.RestartRequired, section) {
			t.Errorf("RestartRequired = %v, missing %q", d.RestartRequired, section)
		}
	}
	if d.PlaybackChanged || d.LogLevelChanged {
		t.Errorf("unexpected live changes: %+v", d)
	}
}

func TestDiff_IgnoresGeneratedClientID(t *testing.T) {
	t.Parallel()
	const noClientID = `
session:
  url: ws://127.0.0.1:8000/xiaozhi/v1/
device:
  mac: "aa:bb:cc:dd:ee:ff"
`
	old, err := config.LoadFromReader(strings.NewReader(noClientID))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	new, err := config.LoadFromReader(strings.NewReader(noClientID))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if old.Device.ClientID == new.Device.ClientID {
		t.Fatal("expected two different generated client ids")
	}
	if d := config.Diff(old, new); !d.Empty() {
		t.Errorf("diff = %+v, want empty for regenerated client id", d)
	}
}
