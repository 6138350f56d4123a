package config_test

import (
	"strings"
	"testing"

	"github.com/lapy/xiaozhi-esp32-server/internal/config"
)

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		yaml    string
		wantErr []string
	}{
		{
			name:    "unknown field",
			yaml:    minimalYAML + "\nproviders: {}\n",
			wantErr: []string{"field providers not found"},
		},
		{
			name:    "bad log level",
			yaml:    minimalYAML + "\nserver:\n  log_level: bananas\n",
			wantErr: []string{"server.log_level"},
		},
		{
			name: "websocket url scheme",
			yaml: `
session:
  url: http://127.0.0.1:8000/xiaozhi/v1/
device:
  mac: "aa:bb:cc:dd:ee:ff"
  client_id: c
`,
			wantErr: []string{"session.url", "ws or wss"},
		},
		{
			name:    "ota url scheme",
			yaml:    minimalYAML + "\nota:\n  url: ftp://example.com/ota\n",
			wantErr: []string{"ota.url", "http or https"},
		},
		{
			name: "no endpoint at all",
			yaml: `
device:
  mac: "aa:bb:cc:dd:ee:ff"
  client_id: c
`,
			wantErr: []string{"session.url is required"},
		},
		{
			name: "mac required",
			yaml: `
session:
  url: ws://127.0.0.1:8000/
device:
  client_id: c
`,
			wantErr: []string{"device.mac is required"},
		},
		{
			name: "mac malformed",
			yaml: `
session:
  url: ws://127.0.0.1:8000/
device:
  mac: not-a-mac
  client_id: c
`,
			wantErr: []string{"not a MAC address"},
		},
		{
			name:    "backoff above cap",
			yaml:    minimalYAML + "\nreconnect:\n  backoff: 1m\n  max_backoff: 10s\n",
			wantErr: []string{"reconnect.backoff"},
		},
		{
			name:    "bad listen addr",
			yaml:    minimalYAML + "\nserver:\n  listen_addr: nohostport\n",
			wantErr: []string{"server.listen_addr"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected an error")
			}
			for _, want := range tt.wantErr {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error %q does not mention %q", err, want)
				}
			}
		})
	}
}

func TestValidate_JoinsAllProblems(t *testing.T) {
	t.Parallel()
	const bad = `
server:
  log_level: loud
session:
  url: tcp://nowhere
`
	_, err := config.LoadFromReader(strings.NewReader(bad))
	if err == nil {
		t.Fatal("expected an error")
	}
	for _, want := range []string{"server.log_level", "session.url", "device.mac"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error missing %q: %v", want, err)
		}
	}
}

func TestValidate_OTAOnlyIsEnough(t *testing.T) {
	t.Parallel()
	const otaOnly = `
ota:
  url: https://api.example.com/xiaozhi/ota/
device:
  mac: "aa:bb:cc:dd:ee:ff"
  client_id: c
`
	if _, err := config.LoadFromReader(strings.NewReader(otaOnly)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
