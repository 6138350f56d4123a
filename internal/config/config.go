// Package config provides the configuration schema, loader and hot-reload
// watcher for the xiaozhi voice client.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts l to an [slog.Level]. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration, usually loaded with [Load].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	OTA       OTAConfig       `yaml:"ota"`
	Session   SessionConfig   `yaml:"session"`
	Device    DeviceConfig    `yaml:"device"`
	Audio     AudioConfig     `yaml:"audio"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Observe   ObserveConfig   `yaml:"observe"`
}

// ServerConfig holds the local status server and logging settings.
type ServerConfig struct {
	// ListenAddr is the status server address (e.g. "127.0.0.1:9090").
	// Empty disables the status server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`
}

// OTAConfig configures the provisioning check that gates every connect.
type OTAConfig struct {
	// URL is the http(s) OTA endpoint. Empty skips provisioning.
	URL string `yaml:"url"`

	// Timeout bounds one OTA request. Default: 10s.
	Timeout time.Duration `yaml:"timeout"`

	// BreakerMaxFailures opens the OTA circuit breaker after this many
	// consecutive failures. Default: 5.
	BreakerMaxFailures int `yaml:"breaker_max_failures"`

	// BreakerResetTimeout is how long the breaker stays open. Default: 30s.
	BreakerResetTimeout time.Duration `yaml:"breaker_reset_timeout"`
}

// SessionConfig configures the assistant websocket.
type SessionConfig struct {
	// URL is the ws:// or wss:// endpoint. The OTA response may override it.
	URL string `yaml:"url"`

	// Token is sent as a bearer token. The OTA response may override it.
	Token string `yaml:"token"`

	// HandshakeTimeout bounds the hello exchange. Default: 5s.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// DeviceConfig is the identity this client presents.
type DeviceConfig struct {
	// MAC is the device MAC address; it doubles as the device id. Required.
	MAC string `yaml:"mac"`

	// ClientID identifies this installation. A random UUID is generated when
	// empty, which changes the identity on every start.
	ClientID string `yaml:"client_id"`

	// Name is reported to the service. Default: "xiaozhi-go-client".
	Name string `yaml:"name"`

	// BoardType is reported in the OTA request. Default: "go-client".
	BoardType string `yaml:"board_type"`

	// AppVersion is reported in the OTA request. Default: "1.0.0".
	AppVersion string `yaml:"app_version"`

	// clientIDGenerated records that ClientID came from ApplyDefaults.
	clientIDGenerated bool
}

// AudioConfig selects sound devices and tunes the jitter buffer. The wire
// format (16 kHz mono, 60 ms frames) is fixed and not configurable.
type AudioConfig struct {
	// InputDevice and OutputDevice select devices by backend id. Empty
	// means the system default.
	InputDevice  string `yaml:"input_device"`
	OutputDevice string `yaml:"output_device"`

	// Bitrate is the opus encoder bitrate in bits/s. Zero keeps the codec
	// default.
	Bitrate int `yaml:"bitrate"`

	// MinAudioDuration and BufferMultiplier set the playback start
	// threshold. Defaults: 100ms and 3. Hot-reloadable.
	MinAudioDuration time.Duration `yaml:"min_audio_duration"`
	BufferMultiplier float64       `yaml:"buffer_multiplier"`

	// FadeDuration is the chunk edge fade. Default: 20ms. Hot-reloadable.
	FadeDuration time.Duration `yaml:"fade_duration"`

	// IdleTimeout forces end of stream when no packet arrives. Default:
	// 500ms. Hot-reloadable.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// DevicePeriod is the sound card callback period. Default: 20ms.
	DevicePeriod time.Duration `yaml:"device_period"`
}

// ReconnectConfig tunes the reconnect loop.
type ReconnectConfig struct {
	// Disabled turns automatic reconnects off.
	Disabled bool `yaml:"disabled"`

	// MaxRetries defaults to 10.
	MaxRetries int `yaml:"max_retries"`

	// Backoff is the first retry delay. Default: 1s.
	Backoff time.Duration `yaml:"backoff"`

	// MaxBackoff caps the delay. Default: 30s.
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// ObserveConfig configures telemetry.
type ObserveConfig struct {
	// ServiceName defaults to "xiaozhi-client".
	ServiceName string `yaml:"service_name"`
}
