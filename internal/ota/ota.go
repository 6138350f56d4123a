// Package ota performs the provisioning check that precedes every session.
//
// The client POSTs a description of the device to the OTA endpoint. A 2xx
// JSON answer means the device is known and may connect; the answer can also
// carry the websocket endpoint and token to use, the server clock and a
// firmware offer. Requests run through a [resilience.CircuitBreaker] so a
// dead endpoint is not hammered by the reconnect loop.
package ota

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lapy/xiaozhi-esp32-server/internal/observe"
	"github.com/lapy/xiaozhi-esp32-server/internal/resilience"
)

const (
	defaultTimeout = 10 * time.Second

	// maxResponseBytes caps the response body read.
	maxResponseBytes = 1 << 20
)

// ErrInvalidURL is returned by [New] for endpoints that are not http(s).
var ErrInvalidURL = errors.New("ota: url must start with http:// or https://")

// StatusError reports a non-2xx answer.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("ota: endpoint returned status %d", e.Code)
	}
	return fmt.Sprintf("ota: endpoint returned status %d: %s", e.Code, e.Body)
}

// IsTransient reports whether err may succeed on retry. Client errors
// (4xx) mean the service rejected the device and are permanent. Use it as a
// breaker's IsFailure so a rejected device does not trip the breaker.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	return true
}

// Device is the identity reported in a check.
type Device struct {
	// ID is sent as the Device-Id header. Usually the MAC address.
	ID string

	// ClientID is sent as the Client-Id header.
	ClientID string

	MAC        string
	Name       string
	BoardType  string
	AppVersion string

	// IP is reported in the board block. Optional.
	IP string
}

// Request is the JSON body of a check. Fields the client cannot know are
// sent zeroed, as the service expects them present.
type Request struct {
	Version             int              `json:"version"`
	UUID                string           `json:"uuid"`
	Application         Application      `json:"application"`
	OTA                 Label            `json:"ota"`
	Board               Board            `json:"board"`
	FlashSize           int              `json:"flash_size"`
	MinimumFreeHeapSize int              `json:"minimum_free_heap_size"`
	MACAddress          string           `json:"mac_address"`
	ChipModelName       string           `json:"chip_model_name"`
	ChipInfo            ChipInfo         `json:"chip_info"`
	PartitionTable      []PartitionEntry `json:"partition_table"`
}

type Application struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	CompileTime string `json:"compile_time"`
	IDFVersion  string `json:"idf_version"`
	ELFSHA256   string `json:"elf_sha256"`
}

type Label struct {
	Label string `json:"label"`
}

type Board struct {
	Type    string `json:"type"`
	SSID    string `json:"ssid"`
	RSSI    int    `json:"rssi"`
	Channel int    `json:"channel"`
	IP      string `json:"ip"`
	MAC     string `json:"mac"`
}

type ChipInfo struct {
	Model    int `json:"model"`
	Cores    int `json:"cores"`
	Revision int `json:"revision"`
	Features int `json:"features"`
}

type PartitionEntry struct {
	Label   string `json:"label"`
	Type    int    `json:"type"`
	Subtype int    `json:"subtype"`
	Address int    `json:"address"`
	Size    int    `json:"size"`
}

// Response is the decoded answer. Every block is optional.
type Response struct {
	Websocket  *Websocket  `json:"websocket,omitempty"`
	ServerTime *ServerTime `json:"server_time,omitempty"`
	Firmware   *Firmware   `json:"firmware,omitempty"`
}

// Websocket is the endpoint the service wants the device to use.
type Websocket struct {
	URL   string `json:"url"`
	Token string `json:"token,omitempty"`
}

// ServerTime is the service clock in milliseconds since the epoch.
type ServerTime struct {
	Timestamp      int64 `json:"timestamp"`
	TimezoneOffset int   `json:"timezone_offset,omitempty"`
}

// Time converts the timestamp.
func (t ServerTime) Time() time.Time { return time.UnixMilli(t.Timestamp) }

// Firmware is a firmware offer. The client only logs it.
type Firmware struct {
	Version string `json:"version"`
	URL     string `json:"url"`
}

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithTimeout bounds each request. Default: 10s.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.timeout = d
		}
	}
}

// WithBreaker guards requests with cb.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(cl *Client) { cl.breaker = cb }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) {
		if l != nil {
			cl.log = l
		}
	}
}

// Client checks a device against one OTA endpoint. It is safe for
// concurrent use.
type Client struct {
	url     string
	http    *http.Client
	timeout time.Duration
	breaker *resilience.CircuitBreaker
	log     *slog.Logger
}

// New creates a [Client] for rawURL, which must be http(s).
func New(rawURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}
	c := &Client{
		url:     rawURL,
		http:    http.DefaultClient,
		timeout: defaultTimeout,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// NewRequest builds the body reported for d.
func NewRequest(d Device) Request {
	return Request{
		Version: 0,
		UUID:    d.ClientID,
		Application: Application{
			Name:    d.Name,
			Version: d.AppVersion,
		},
		OTA: Label{Label: d.Name},
		Board: Board{
			Type: d.BoardType,
			IP:   d.IP,
			MAC:  d.MAC,
		},
		MACAddress:     d.MAC,
		PartitionTable: []PartitionEntry{},
	}
}

// Check reports d to the endpoint. Any transport failure, non-2xx status or
// non-JSON body is an error, and the device must not connect.
func (c *Client) Check(ctx context.Context, d Device) (*Response, error) {
	ctx, span := observe.StartSpan(ctx, "ota.check",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("device.id", d.ID)),
	)

	var resp *Response
	call := func(ctx context.Context) error {
		var err error
		resp, err = c.post(ctx, d)
		return err
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Do(ctx, call)
	} else {
		err = call(ctx)
	}
	observe.EndSpan(span, err)
	if err != nil {
		return nil, err
	}

	if resp.Firmware != nil && resp.Firmware.Version != "" {
		c.log.Info("firmware offered", "version", resp.Firmware.Version, "url", resp.Firmware.URL)
	}
	return resp, nil
}

func (c *Client) post(ctx context.Context, d Device) (*Response, error) {
	body, err := json.Marshal(NewRequest(d))
	if err != nil {
		return nil, fmt.Errorf("ota: marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ota: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Device-Id", d.ID)
	req.Header.Set("Client-Id", d.ClientID)

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ota: POST %s: %w", c.url, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("ota: read response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, &StatusError{Code: res.StatusCode, Body: snippet(data)}
	}

	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("ota: decode response: %w", err)
	}
	return &out, nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
