// Package session dispatches messages from the chat backend to the audio
// pipeline for the lifetime of a connection.
package session

import (
	"context"
	"errors"
	"log/slog"

	"github.com/MrWong99/avatarlink/internal/conversation"
	"github.com/MrWong99/avatarlink/internal/media"
	"github.com/MrWong99/avatarlink/internal/notify"
	"github.com/MrWong99/avatarlink/internal/observe"
	"github.com/MrWong99/avatarlink/internal/playback"
	"github.com/MrWong99/avatarlink/internal/protocol"
	"github.com/MrWong99/avatarlink/internal/settings"
	"github.com/MrWong99/avatarlink/internal/transport"
	"github.com/MrWong99/avatarlink/internal/voice"
	"github.com/MrWong99/avatarlink/pkg/avatar"
)

// Placeholder subtitles the backend sends that never belong in the chat
// history.
var placeholders = map[string]bool{
	"Thinking...":                    true,
	"Connection established":         true,
	"AI wants to speak something...": true,
}

// Mic starts and stops the microphone.
type Mic interface {
	StartMic(ctx context.Context, src voice.Source) error
	StopMic(src voice.Source)
}

// Player turns audio messages into queue tasks.
type Player interface {
	Task(msg protocol.Inbound) playback.Task
	ForgetLastMessage()
}

// Queue is the playback task queue.
type Queue interface {
	Add(t playback.Task)
	Clear()
	HasTask() bool
	WaitForCompletion(ctx context.Context) error
}

// Config wires a [Handler]. Media and Metrics are optional.
type Config struct {
	State       *conversation.Store
	Prefs       *settings.Store
	Queue       Queue
	Player      Player
	Audio       conversation.Silencer
	Interrupter voice.Interrupter
	Mic         Mic
	Sender      conversation.Sender
	Display     avatar.Display
	Notifier    notify.Notifier
	Media       *media.Set
	Metrics     *observe.Metrics
}

// Handler applies inbound backend messages. Handle is called from the
// transport's read loop; anything that waits runs on its own goroutine.
type Handler struct {
	cfg Config
}

// New returns a Handler and subscribes it to preference changes so the
// backend learns about listen-mode changes.
func New(cfg Config) *Handler {
	h := &Handler{cfg: cfg}
	cfg.Prefs.OnChange(func(old, cur settings.Prefs) {
		if old.VoiceInterruptEnabled != cur.VoiceInterruptEnabled {
			h.AnnounceListenMode()
		}
	})
	return h
}

// AnnounceListenMode tells the backend whether the user may talk over
// responses. Call it whenever the connection opens.
func (h *Handler) AnnounceListenMode() {
	msg := protocol.NewSetListenMode(h.cfg.Prefs.Get().VoiceInterruptEnabled)
	h.send(msg)
}

// HandleRaw decodes and applies one frame.
func (h *Handler) HandleRaw(ctx context.Context, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		slog.Warn("session: dropping malformed message", "err", err)
		return
	}
	h.Handle(ctx, msg)
}

// Handle applies one decoded message.
func (h *Handler) Handle(ctx context.Context, msg protocol.Inbound) {
	if h.cfg.Metrics != nil {
		h.cfg.Metrics.RecordMessage(ctx, "in", msg.Type)
	}
	switch msg.Type {
	case protocol.TypeControl:
		if msg.Text != "" {
			h.control(ctx, msg.Text)
		}
	case protocol.TypeAudio:
		h.audio(ctx, msg)
	case protocol.TypeBackendSynthComplete:
		go h.synthComplete(ctx)
	case protocol.TypeConversationChainEnd:
		if !h.cfg.Queue.HasTask() {
			h.cfg.State.CompareAndSet(conversation.ThinkingSpeaking, conversation.Idle)
		}
	case protocol.TypeForceNewMessage:
		h.cfg.Player.ForgetLastMessage()
		if p := h.cfg.Prefs.Get(); !p.VoiceInterruptEnabled && !p.ContinuousStreamingEnabled {
			h.startMic(ctx, voice.SourceAuto)
		}
	case protocol.TypeInterruptSignal:
		h.cfg.Interrupter.Interrupt(ctx, false, "backend")
	case protocol.TypeFullText:
		if msg.Text == "" {
			return
		}
		h.cfg.Display.SetSubtitle(msg.Text)
		if !placeholders[msg.Text] {
			h.cfg.Display.AppendMessage(avatar.RoleAI, msg.Text)
		}
	case protocol.TypeError:
		h.cfg.Notifier.Notify(ctx, notify.Notice{
			Title:    msg.Message,
			Severity: notify.SeverityError,
			Duration: notify.DurationShort,
		})
	case protocol.TypeSetModelAndConf:
		h.cfg.State.Set(conversation.Loading)
		h.cfg.State.Set(conversation.Idle)
	case protocol.TypeUserTranscription:
		if msg.Text != "" {
			h.cfg.Display.AppendMessage(avatar.RoleHuman, msg.Text)
		}
	case protocol.TypeCaptureRequest:
		go h.captureRequest(ctx, msg)
	default:
		slog.Debug("session: unhandled message type", "type", msg.Type)
	}
}

func (h *Handler) control(ctx context.Context, cmd string) {
	switch cmd {
	case protocol.ControlStartMic:
		h.startMic(ctx, voice.SourceUser)
	case protocol.ControlStopMic:
		h.cfg.Mic.StopMic(voice.SourceSystem)
	case protocol.ControlConversationChainStart:
		h.cfg.State.Set(conversation.ThinkingSpeaking)
		h.cfg.Queue.Clear()
		h.cfg.State.ClearResponse()
	case protocol.ControlConversationChainEnd:
		h.cfg.Queue.Add(func(ctx context.Context) error {
			if h.cfg.State.CompareAndSet(conversation.ThinkingSpeaking, conversation.Idle) &&
				h.cfg.Prefs.Get().AutoStartMicOnConvEnd {
				h.startMic(ctx, voice.SourceUser)
			}
			return nil
		})
	default:
		slog.Warn("session: unknown control command", "command", cmd)
	}
}

func (h *Handler) audio(ctx context.Context, msg protocol.Inbound) {
	if st := h.cfg.State.Get(); st == conversation.Interrupted || st == conversation.Listening {
		text := ""
		if msg.DisplayText != nil {
			text = msg.DisplayText.Text
		}
		slog.Debug("session: audio dropped", "state", st, "sentence", text)
		return
	}
	if p := h.cfg.Prefs.Get(); !p.VoiceInterruptEnabled && !p.ContinuousStreamingEnabled {
		h.cfg.Mic.StopMic(voice.SourceSystem)
	}
	h.cfg.Queue.Add(h.cfg.Player.Task(msg))
}

// synthComplete waits for every queued sentence to finish, then tells the
// backend the client is done speaking.
func (h *Handler) synthComplete(ctx context.Context) {
	if err := h.cfg.Queue.WaitForCompletion(ctx); err != nil {
		return
	}
	h.cfg.Audio.StopAndClear()
	h.send(protocol.FrontendPlaybackComplete{Type: protocol.TypeFrontendPlaybackComplete})
}

func (h *Handler) captureRequest(ctx context.Context, msg protocol.Inbound) {
	source := media.SourceCamera
	if msg.Source == media.SourceScreen {
		source = media.SourceScreen
	}
	resp := protocol.CaptureResponse{Type: protocol.TypeCaptureResponse, RequestID: msg.RequestID}
	img, err := h.cfg.Media.Capture(ctx, source)
	if err != nil {
		slog.Warn("session: capture request failed", "source", source, "err", err)
		resp.Message = "No " + source + " stream available"
	} else {
		resp.Success = true
		resp.Image = img.Data
		resp.MimeType = img.MimeType
	}
	h.send(resp)
}

func (h *Handler) startMic(ctx context.Context, src voice.Source) {
	// Failures have already been surfaced to the user.
	_ = h.cfg.Mic.StartMic(ctx, src)
}

func (h *Handler) send(v any) {
	if err := h.cfg.Sender.Send(v); err != nil && !errors.Is(err, transport.ErrNotOpen) {
		slog.Warn("session: send", "err", err)
	}
}
