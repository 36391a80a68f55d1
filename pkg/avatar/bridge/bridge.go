// Package bridge connects the audio pipeline to an out-of-process renderer.
//
// The renderer dials the bridge's websocket endpoint and receives JSON
// commands (expression, motion, lip-sync level, subtitle, chat message,
// toast). It
// sends back user gestures and UI commands, which the bridge hands to the
// registered callbacks. Several renderers may be attached at once; every
// command is broadcast to all of them.
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/avatarlink/pkg/avatar"
)

// clientQueue bounds the per-renderer outbound backlog. Lip-sync updates are
// sent at ~30 Hz; a renderer that falls this far behind loses commands.
const clientQueue = 64

// Command is one outbound message to the renderer.
type Command struct {
	Type  string      `json:"type"`
	Name  string      `json:"name,omitempty"`
	Group string      `json:"group,omitempty"`
	Level *float64    `json:"level,omitempty"`
	Text  string      `json:"text,omitempty"`
	Role  avatar.Role `json:"role,omitempty"`

	// Severity and DurationMS are set on toast commands.
	Severity   string `json:"severity,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// rendererEvent is one inbound message from the renderer.
type rendererEvent struct {
	Type string `json:"type"`
}

// Option configures a [Server].
type Option func(*Server)

// WithGestureHandler sets the callback for renderer pointer/key gestures.
func WithGestureHandler(fn func()) Option {
	return func(s *Server) { s.onGesture = fn }
}

// WithMicToggleHandler sets the callback for the renderer's mic button.
func WithMicToggleHandler(fn func()) Option {
	return func(s *Server) { s.onMicToggle = fn }
}

// WithInterruptHandler sets the callback for the renderer's stop button.
func WithInterruptHandler(fn func()) Option {
	return func(s *Server) { s.onInterrupt = fn }
}

// Server is the renderer-facing websocket endpoint. It implements
// [avatar.Display]; [Server.Model] returns the lip-sync capable model handle.
type Server struct {
	onGesture   func()
	onMicToggle func()
	onInterrupt func()

	mu      sync.Mutex
	clients map[*client]struct{}

	model *Model
}

var _ avatar.Display = (*Server)(nil)

// New creates a bridge server with no renderers attached.
func New(opts ...Option) *Server {
	s := &Server{clients: make(map[*client]struct{})}
	for _, o := range opts {
		o(s)
	}
	s.model = &Model{server: s}
	return s
}

// Handler returns an http.Handler serving:
//
//	GET /renderer: websocket endpoint for renderers
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /renderer", s.handleRenderer)
	return mux
}

// Model returns the handle through which the pipeline drives the character.
func (s *Server) Model() *Model { return s.model }

// Clients returns the number of attached renderers.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// SetSubtitle implements [avatar.Display].
func (s *Server) SetSubtitle(text string) {
	s.Broadcast(Command{Type: "subtitle", Text: text})
}

// AppendMessage implements [avatar.Display].
func (s *Server) AppendMessage(role avatar.Role, text string) {
	s.Broadcast(Command{Type: "message", Role: role, Text: text})
}

// Toast shows a transient notice in every renderer.
func (s *Server) Toast(title, severity string, d time.Duration) {
	s.Broadcast(Command{Type: "toast", Text: title, Severity: severity, DurationMS: d.Milliseconds()})
}

// Broadcast queues cmd for every attached renderer. Renderers whose queue is
// full drop the command.
func (s *Server) Broadcast(cmd Command) {
	data, err := json.Marshal(cmd)
	if err != nil {
		slog.Warn("bridge: marshal command", "type", cmd.Type, "err", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.out <- data:
		default:
			slog.Debug("bridge: renderer backlog full, dropping command", "type", cmd.Type)
		}
	}
}

func (s *Server) handleRenderer(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The renderer is served from a local file or dev server origin.
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("bridge: accept renderer", "err", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &client{out: make(chan []byte, clientQueue)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	slog.Info("bridge: renderer attached", "remote", r.RemoteAddr)

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "bye")
		slog.Info("bridge: renderer detached", "remote", r.RemoteAddr)
	}()

	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case data := <-c.out:
				if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
					return
				}
			}
		}
	}()

	s.receiveLoop(ctx, conn)
}

func (s *Server) receiveLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var evt rendererEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		s.handleEvent(evt)
	}
}

func (s *Server) handleEvent(evt rendererEvent) {
	var fn func()
	switch evt.Type {
	case "gesture":
		fn = s.onGesture
	case "mic-toggle":
		fn = s.onMicToggle
	case "interrupt":
		fn = s.onInterrupt
	default:
		slog.Debug("bridge: unknown renderer event", "type", evt.Type)
	}
	if fn != nil {
		fn()
	}
}

type client struct {
	out chan []byte
}

// Model forwards character commands to the attached renderers. It implements
// both [avatar.Model] and [avatar.LipSyncer].
type Model struct {
	server *Server
}

var (
	_ avatar.Model     = (*Model)(nil)
	_ avatar.LipSyncer = (*Model)(nil)
)

// SetExpression implements [avatar.Model].
func (m *Model) SetExpression(name string) {
	m.server.Broadcast(Command{Type: "expression", Name: name})
}

// StartMotion implements [avatar.Model].
func (m *Model) StartMotion(group string) {
	m.server.Broadcast(Command{Type: "motion", Group: group})
}

// FeedLipSync implements [avatar.LipSyncer].
func (m *Model) FeedLipSync(level float64) {
	m.server.Broadcast(Command{Type: "lip-sync", Level: &level})
}

// ResetLipSync implements [avatar.LipSyncer].
func (m *Model) ResetLipSync() {
	zero := 0.0
	m.server.Broadcast(Command{Type: "lip-sync-reset", Level: &zero})
}
