// Package protocol defines the JSON messages exchanged with the chat backend
// over the websocket.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Outbound message types.
const (
	TypeMicAudioData             = "mic-audio-data"
	TypeMicAudioEnd              = "mic-audio-end"
	TypeInterruptSignal          = "interrupt-signal"
	TypeAudioPlayStart           = "audio-play-start"
	TypeFrontendPlaybackComplete = "frontend-playback-complete"
	TypeSetListenMode            = "set-listen-mode"
	TypeCaptureResponse          = "mcp-capture-response"
)

// Inbound message types.
const (
	TypeAudio                = "audio"
	TypeControl              = "control"
	TypeBackendSynthComplete = "backend-synth-complete"
	TypeConversationChainEnd = "conversation-chain-end"
	TypeForceNewMessage      = "force-new-message"
	TypeFullText             = "full-text"
	TypeError                = "error"
	TypeSetModelAndConf      = "set-model-and-conf"
	TypeUserTranscription    = "user-input-transcription"
	TypeCaptureRequest       = "mcp-capture-request"
)

// Listen modes announced with [SetListenMode].
const (
	ListenModeRealtime = "realtime"
	ListenModeAuto     = "auto"
)

// Control commands carried in the Text field of a [TypeControl] message.
const (
	ControlStartMic               = "start-mic"
	ControlStopMic                = "stop-mic"
	ControlConversationChainStart = "conversation-chain-start"
	ControlConversationChainEnd   = "conversation-chain-end"
)

// Audio encodings for audio_format.
const (
	FormatPCM16 = "pcm16"
	FormatOpus  = "opus"
)

// MicAudioData carries one chunk of captured speech.
type MicAudioData struct {
	Type            string `json:"type"`
	AudioPCM        string `json:"audio_pcm"`
	AudioFormat     string `json:"audio_format"`
	AudioSampleRate int    `json:"audio_sample_rate"`
	AudioChannels   int    `json:"audio_channels"`
}

// NewMicAudioData builds a mic-audio-data message from base64 PCM16.
func NewMicAudioData(pcmBase64 string, sampleRate, channels int) MicAudioData {
	return MicAudioData{
		Type:            TypeMicAudioData,
		AudioPCM:        pcmBase64,
		AudioFormat:     FormatPCM16,
		AudioSampleRate: sampleRate,
		AudioChannels:   channels,
	}
}

// Image is a visual snapshot attached to the end of an utterance.
type Image struct {
	Source   string `json:"source"`
	Data     string `json:"data"`
	MimeType string `json:"mime_type"`
}

// MicAudioEnd marks the end of an utterance. Images is always present on
// the wire, as an empty array when nothing was captured.
type MicAudioEnd struct {
	Type   string  `json:"type"`
	Images []Image `json:"images"`
}

// NewMicAudioEnd returns a mic-audio-end carrying images.
func NewMicAudioEnd(images []Image) MicAudioEnd {
	if images == nil {
		images = []Image{}
	}
	return MicAudioEnd{Type: TypeMicAudioEnd, Images: images}
}

// InterruptSignal tells the backend the user cut the response short. Text is
// the part of the response the user heard.
type InterruptSignal struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// DisplayText is the sentence attached to an audio chunk.
type DisplayText struct {
	Text   string `json:"text"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// AudioPlayStart echoes the sentence that started playing back to the
// backend so it can be forwarded to other clients of the same group.
type AudioPlayStart struct {
	Type        string       `json:"type"`
	DisplayText *DisplayText `json:"display_text"`
	Forwarded   bool         `json:"forwarded"`
}

// FrontendPlaybackComplete acknowledges that all synthesized audio has played.
type FrontendPlaybackComplete struct {
	Type string `json:"type"`
}

// SetListenMode tells the backend whether the user may talk over responses.
type SetListenMode struct {
	Type       string `json:"type"`
	ListenMode string `json:"listen_mode"`
}

// NewSetListenMode returns the listen mode matching the interruption
// preference.
func NewSetListenMode(voiceInterrupt bool) SetListenMode {
	mode := ListenModeAuto
	if voiceInterrupt {
		mode = ListenModeRealtime
	}
	return SetListenMode{Type: TypeSetListenMode, ListenMode: mode}
}

// CaptureResponse answers a backend tool's request for a camera or screen
// image.
type CaptureResponse struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	Image     string `json:"image,omitempty"`
	MimeType  string `json:"mime_type,omitempty"`
}

// Expression names a model expression. The backend sends either the
// expression's name or its index, so both decode to a string.
type Expression string

// UnmarshalJSON accepts a JSON string or number.
func (e *Expression) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*e = Expression(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("protocol: expression must be string or number, got %s", b)
	}
	if i, err := n.Int64(); err == nil {
		*e = Expression(strconv.FormatInt(i, 10))
		return nil
	}
	*e = Expression(n.String())
	return nil
}

// Actions are character actions attached to an audio chunk.
type Actions struct {
	Expressions []Expression `json:"expressions,omitempty"`
}

// Inbound is the union of every message the backend sends. Only the fields
// relevant to Type are set.
type Inbound struct {
	Type string `json:"type"`

	// Text is the control command, full-text subtitle, or the heard text of
	// an interrupt-signal.
	Text string `json:"text,omitempty"`

	// Message is set on error messages.
	Message string `json:"message,omitempty"`

	// Audio is a base64 WAV clip (legacy whole-clip path).
	Audio           string       `json:"audio,omitempty"`
	AudioPCM        string       `json:"audio_pcm,omitempty"`
	AudioFormat     string       `json:"audio_format,omitempty"`
	AudioSampleRate int          `json:"audio_sample_rate,omitempty"`
	AudioChannels   int          `json:"audio_channels,omitempty"`
	Volumes         []float64    `json:"volumes,omitempty"`
	SliceLength     int          `json:"slice_length,omitempty"`
	DisplayText     *DisplayText `json:"display_text,omitempty"`
	Actions         *Actions     `json:"actions,omitempty"`
	Forwarded       bool         `json:"forwarded,omitempty"`

	// RequestID and Source are set on capture requests. Source is "camera"
	// or "screen".
	RequestID string `json:"request_id,omitempty"`
	Source    string `json:"source,omitempty"`
}

// Decode parses one inbound frame.
func Decode(data []byte) (Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return Inbound{}, fmt.Errorf("protocol: decode: %w", err)
	}
	if msg.Type == "" {
		return Inbound{}, fmt.Errorf("protocol: decode: missing type")
	}
	return msg, nil
}

// HasStreamingAudio reports whether the message carries PCM the gapless
// scheduler can play: audio_pcm is present and the format is pcm16 or unset.
func (m Inbound) HasStreamingAudio() bool {
	return m.AudioPCM != "" && (m.AudioFormat == "" || m.AudioFormat == FormatPCM16)
}

// HasOpusAudio reports whether audio_pcm holds length-prefixed Opus packets.
func (m Inbound) HasOpusAudio() bool {
	return m.AudioPCM != "" && m.AudioFormat == FormatOpus
}

// FirstExpression returns actions.expressions[0], if any.
func (m Inbound) FirstExpression() (string, bool) {
	if m.Actions == nil || len(m.Actions.Expressions) == 0 {
		return "", false
	}
	return string(m.Actions.Expressions[0]), true
}

// MessageType implements the transport's typed-message hook.
func (m MicAudioData) MessageType() string { return m.Type }

// MessageType implements the transport's typed-message hook.
func (m MicAudioEnd) MessageType() string { return m.Type }

// MessageType implements the transport's typed-message hook.
func (m InterruptSignal) MessageType() string { return m.Type }

// MessageType implements the transport's typed-message hook.
func (m AudioPlayStart) MessageType() string { return m.Type }

// MessageType implements the transport's typed-message hook.
func (m FrontendPlaybackComplete) MessageType() string { return m.Type }

// MessageType implements the transport's typed-message hook.
func (m SetListenMode) MessageType() string { return m.Type }

// MessageType implements the transport's typed-message hook.
func (m CaptureResponse) MessageType() string { return m.Type }
