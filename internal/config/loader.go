package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultDeviceName       = "xiaozhi-go-client"
	DefaultBoardType        = "go-client"
	DefaultAppVersion       = "1.0.0"
	DefaultOTATimeout       = 10 * time.Second
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultMinAudioDuration = 100 * time.Millisecond
	DefaultBufferMultiplier = 3.0
	DefaultFadeDuration     = 20 * time.Millisecond
	DefaultIdleTimeout      = 500 * time.Millisecond
	DefaultDevicePeriod     = 20 * time.Millisecond
	DefaultMaxRetries       = 10
	DefaultBackoff          = time.Second
	DefaultMaxBackoff       = 30 * time.Second
	DefaultServiceName      = "xiaozhi-client"
)

// Load reads the YAML file at path and returns a defaulted, validated
// [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r, rejecting unknown fields, then applies
// defaults and validates.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields. A missing device.client_id is
// replaced with a random UUID and logged, since the service then sees a new
// client on every start.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	if cfg.OTA.Timeout <= 0 {
		cfg.OTA.Timeout = DefaultOTATimeout
	}
	if cfg.Session.HandshakeTimeout <= 0 {
		cfg.Session.HandshakeTimeout = DefaultHandshakeTimeout
	}

	d := &cfg.Device
	if d.ClientID == "" {
		d.ClientID = uuid.NewString()
		d.clientIDGenerated = true
		slog.Warn("device.client_id not set; generated a temporary one", "client_id", d.ClientID)
	}
	if d.Name == "" {
		d.Name = DefaultDeviceName
	}
	if d.BoardType == "" {
		d.BoardType = DefaultBoardType
	}
	if d.AppVersion == "" {
		d.AppVersion = DefaultAppVersion
	}

	a := &cfg.Audio
	if a.MinAudioDuration <= 0 {
		a.MinAudioDuration = DefaultMinAudioDuration
	}
	if a.BufferMultiplier <= 0 {
		a.BufferMultiplier = DefaultBufferMultiplier
	}
	if a.FadeDuration <= 0 {
		a.FadeDuration = DefaultFadeDuration
	}
	if a.IdleTimeout <= 0 {
		a.IdleTimeout = DefaultIdleTimeout
	}
	if a.DevicePeriod <= 0 {
		a.DevicePeriod = DefaultDevicePeriod
	}

	rc := &cfg.Reconnect
	if rc.MaxRetries <= 0 {
		rc.MaxRetries = DefaultMaxRetries
	}
	if rc.Backoff <= 0 {
		rc.Backoff = DefaultBackoff
	}
	if rc.MaxBackoff <= 0 {
		rc.MaxBackoff = DefaultMaxBackoff
	}

	if cfg.Observe.ServiceName == "" {
		cfg.Observe.ServiceName = DefaultServiceName
	}
}

// Validate checks cfg and returns every problem found, joined.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ListenAddr != "" {
		if _, _, err := net.SplitHostPort(cfg.Server.ListenAddr); err != nil {
			errs = append(errs, fmt.Errorf("server.listen_addr %q: %w", cfg.Server.ListenAddr, err))
		}
	}

	if cfg.OTA.URL != "" {
		if err := checkURL(cfg.OTA.URL, "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("ota.url: %w", err))
		}
	}

	switch {
	case cfg.Session.URL == "" && cfg.OTA.URL == "":
		errs = append(errs, errors.New("session.url is required when ota.url is not set"))
	case cfg.Session.URL != "":
		if err := checkURL(cfg.Session.URL, "ws", "wss"); err != nil {
			errs = append(errs, fmt.Errorf("session.url: %w", err))
		}
	}

	if cfg.Device.MAC == "" {
		errs = append(errs, errors.New("device.mac is required"))
	} else if _, err := net.ParseMAC(cfg.Device.MAC); err != nil {
		errs = append(errs, fmt.Errorf("device.mac %q is not a MAC address", cfg.Device.MAC))
	}
	if cfg.Device.ClientID == "" {
		errs = append(errs, errors.New("device.client_id is required"))
	}

	a := cfg.Audio
	if a.Bitrate < 0 {
		errs = append(errs, fmt.Errorf("audio.bitrate %d must not be negative", a.Bitrate))
	}
	if a.BufferMultiplier < 0 {
		errs = append(errs, fmt.Errorf("audio.buffer_multiplier %.2f must not be negative", a.BufferMultiplier))
	}
	if a.MinAudioDuration < 0 || a.FadeDuration < 0 || a.IdleTimeout < 0 || a.DevicePeriod < 0 {
		errs = append(errs, errors.New("audio durations must not be negative"))
	}

	rc := cfg.Reconnect
	if rc.MaxBackoff > 0 && rc.Backoff > rc.MaxBackoff {
		errs = append(errs, fmt.Errorf("reconnect.backoff %v exceeds reconnect.max_backoff %v", rc.Backoff, rc.MaxBackoff))
	}

	return errors.Join(errs...)
}

// checkURL reports whether raw parses with one of the given schemes and a
// host.
func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	ok := false
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("%q must use %s", raw, strings.Join(schemes, " or "))
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	return nil
}
