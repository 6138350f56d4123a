// Package protocol defines the JSON text frames exchanged with the assistant
// service over the session websocket.
//
// Inbound frames are decoded by [Parse] into one of a closed set of variants
// ([Hello], [TTS], [STT], [LLM], [Audio], [Unknown]); callers switch on the
// concrete type. Outbound frames ([ClientHello] via [NewHello], [Listen]) are
// encoded with [Marshal]. Binary frames carry opus packets and never pass
// through this package.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Message type discriminators.
const (
	TypeHello  = "hello"
	TypeTTS    = "tts"
	TypeSTT    = "stt"
	TypeLLM    = "llm"
	TypeAudio  = "audio"
	TypeListen = "listen"
)

// TTS states reported by the service while it streams synthesized speech.
const (
	TTSStart         = "start"
	TTSSentenceStart = "sentence_start"
	TTSSentenceEnd   = "sentence_end"
	TTSStop          = "stop"
)

// Listen states sent by the client.
const (
	ListenStateStart  = "start"
	ListenStateStop   = "stop"
	ListenStateDetect = "detect"
)

// ListenModeManual is the only listen mode the client uses: the user starts
// and stops recording explicitly.
const ListenModeManual = "manual"

// PlaceholderEmoji is sent by the service as llm text when it only reports an
// emotion. It carries no transcript content.
const PlaceholderEmoji = "😊"

// ProtocolParseError reports a text frame that is not valid JSON or lacks a
// type field.
type ProtocolParseError struct {
	// Raw is the offending frame, truncated for logging.
	Raw string
	Err error
}

func (e *ProtocolParseError) Error() string {
	return fmt.Sprintf("protocol: parse %q: %v", e.Raw, e.Err)
}

func (e *ProtocolParseError) Unwrap() error { return e.Err }

// errMissingType is the cause for frames without a "type" field.
var errMissingType = errors.New("missing type field")

// ─── Inbound ──────────────────────────────────────────────────────────────────

// Inbound is a decoded server text frame. The set of implementations is closed.
type Inbound interface {
	inbound()
}

// AudioParams describes the audio format the peer announces in its hello.
type AudioParams struct {
	Format        string `json:"format,omitempty"`
	SampleRate    int    `json:"sample_rate,omitempty"`
	Channels      int    `json:"channels,omitempty"`
	FrameDuration int    `json:"frame_duration,omitempty"`
}

// Hello is the server's handshake reply. A non-empty SessionID completes the
// handshake.
type Hello struct {
	SessionID   string       `json:"session_id"`
	Transport   string       `json:"transport,omitempty"`
	Version     int          `json:"version,omitempty"`
	AudioParams *AudioParams `json:"audio_params,omitempty"`
}

// TTS reports speech synthesis progress. Text is set for sentence states.
type TTS struct {
	State string `json:"state"`
	Text  string `json:"text,omitempty"`
}

// STT carries the service's transcription of the user's speech.
type STT struct {
	Text string `json:"text"`
}

// LLM carries assistant text and an optional emotion tag.
type LLM struct {
	Text    string `json:"text"`
	Emotion string `json:"emotion,omitempty"`
}

// Displayable reports whether the text is worth showing as a transcript line.
// Empty text and the bare placeholder emoji are not.
func (m LLM) Displayable() bool {
	return m.Text != "" && m.Text != PlaceholderEmoji
}

// Audio is an audio control message. Its payload is not interpreted.
type Audio struct {
	Raw json.RawMessage
}

// Unknown is any frame with an unrecognised type.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (Hello) inbound()   {}
func (TTS) inbound()     {}
func (STT) inbound()     {}
func (LLM) inbound()     {}
func (Audio) inbound()   {}
func (Unknown) inbound() {}

type envelope struct {
	Type string `json:"type"`
}

// Parse decodes one inbound text frame. It returns a *[ProtocolParseError]
// when data is not a JSON object or has no type.
func Parse(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, parseError(data, err)
	}
	if env.Type == "" {
		return nil, parseError(data, errMissingType)
	}

	raw := json.RawMessage(append([]byte(nil), data...))
	switch env.Type {
	case TypeHello:
		var m Hello
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, parseError(data, err)
		}
		return m, nil
	case TypeTTS:
		var m TTS
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, parseError(data, err)
		}
		return m, nil
	case TypeSTT:
		var m STT
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, parseError(data, err)
		}
		return m, nil
	case TypeLLM:
		var m LLM
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, parseError(data, err)
		}
		return m, nil
	case TypeAudio:
		return Audio{Raw: raw}, nil
	default:
		return Unknown{Type: env.Type, Raw: raw}, nil
	}
}

func parseError(data []byte, err error) *ProtocolParseError {
	const maxRaw = 128
	s := string(data)
	if len(s) > maxRaw {
		// Transcripts are mostly multi-byte text; cut on a rune start.
		cut := maxRaw
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "..."
	}
	return &ProtocolParseError{Raw: s, Err: err}
}

// ─── Outbound ─────────────────────────────────────────────────────────────────

// Outbound is a client text frame.
type Outbound interface {
	outbound()
}

// DeviceInfo identifies the device in the client hello.
type DeviceInfo struct {
	DeviceID   string
	DeviceName string
	DeviceMAC  string
	Token      string

	// AudioParams, when set, announces the capture format to the service.
	AudioParams *AudioParams
}

// ClientHello is the handshake frame the client sends after connecting.
type ClientHello struct {
	Type        string       `json:"type"`
	DeviceID    string       `json:"device_id"`
	DeviceName  string       `json:"device_name"`
	DeviceMAC   string       `json:"device_mac"`
	Token       string       `json:"token,omitempty"`
	AudioParams *AudioParams `json:"audio_params,omitempty"`
}

// NewHello builds the client hello for the given device.
func NewHello(d DeviceInfo) ClientHello {
	return ClientHello{
		Type:        TypeHello,
		DeviceID:    d.DeviceID,
		DeviceName:  d.DeviceName,
		DeviceMAC:   d.DeviceMAC,
		Token:       d.Token,
		AudioParams: d.AudioParams,
	}
}

// Listen controls recording on the service side.
type Listen struct {
	Type  string `json:"type"`
	Mode  string `json:"mode"`
	State string `json:"state"`
	Text  string `json:"text,omitempty"`
}

// ListenStart announces that the client begins streaming microphone audio.
func ListenStart() Listen { return newListen(ListenStateStart, "") }

// ListenStop announces the end of the microphone stream.
func ListenStop() Listen { return newListen(ListenStateStop, "") }

// ListenDetect submits typed text in place of speech.
func ListenDetect(text string) Listen { return newListen(ListenStateDetect, text) }

func newListen(state, text string) Listen {
	return Listen{Type: TypeListen, Mode: ListenModeManual, State: state, Text: text}
}

func (ClientHello) outbound() {}
func (Listen) outbound()      {}

// Marshal encodes an outbound frame.
func Marshal(m Outbound) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %T: %w", m, err)
	}
	return b, nil
}
