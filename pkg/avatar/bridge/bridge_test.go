package bridge_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/avatarlink/pkg/avatar"
	"github.com/MrWong99/avatarlink/pkg/avatar/bridge"
)

func dialRenderer(t *testing.T, srv *bridge.Server) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/renderer", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	deadline := time.Now().Add(2 * time.Second)
	for srv.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("renderer never attached")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func readCommand(t *testing.T, conn *websocket.Conn) bridge.Command {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var cmd bridge.Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return cmd
}

func TestServer_BroadcastsModelCommands(t *testing.T) {
	t.Parallel()
	srv := bridge.New()
	conn := dialRenderer(t, srv)

	m := srv.Model()
	m.SetExpression("smile")
	m.StartMotion(avatar.TalkMotion)
	m.FeedLipSync(1.5)
	m.ResetLipSync()
	srv.SetSubtitle("hello")
	srv.AppendMessage(avatar.RoleAI, "hi there")

	cmd := readCommand(t, conn)
	if cmd.Type != "expression" || cmd.Name != "smile" {
		t.Errorf("cmd 1 = %+v", cmd)
	}
	cmd = readCommand(t, conn)
	if cmd.Type != "motion" || cmd.Group != "Talk" {
		t.Errorf("cmd 2 = %+v", cmd)
	}
	cmd = readCommand(t, conn)
	if cmd.Type != "lip-sync" || cmd.Level == nil || *cmd.Level != 1.5 {
		t.Errorf("cmd 3 = %+v", cmd)
	}
	cmd = readCommand(t, conn)
	if cmd.Type != "lip-sync-reset" {
		t.Errorf("cmd 4 = %+v", cmd)
	}
	cmd = readCommand(t, conn)
	if cmd.Type != "subtitle" || cmd.Text != "hello" {
		t.Errorf("cmd 5 = %+v", cmd)
	}
	cmd = readCommand(t, conn)
	if cmd.Type != "message" || cmd.Role != avatar.RoleAI || cmd.Text != "hi there" {
		t.Errorf("cmd 6 = %+v", cmd)
	}
}

func TestServer_RendererEvents(t *testing.T) {
	t.Parallel()
	gestures := make(chan struct{}, 1)
	toggles := make(chan struct{}, 1)
	interrupts := make(chan struct{}, 1)
	srv := bridge.New(
		bridge.WithGestureHandler(func() { gestures <- struct{}{} }),
		bridge.WithMicToggleHandler(func() { toggles <- struct{}{} }),
		bridge.WithInterruptHandler(func() { interrupts <- struct{}{} }),
	)
	conn := dialRenderer(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, typ := range []string{"bogus", "gesture", "mic-toggle", "interrupt"} {
		if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"`+typ+`"}`)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	for name, ch := range map[string]chan struct{}{"gesture": gestures, "mic-toggle": toggles, "interrupt": interrupts} {
		select {
		case <-ch:
		case <-ctx.Done():
			t.Fatalf("%s handler not called", name)
		}
	}
}

func TestServer_BroadcastWithoutRenderers(t *testing.T) {
	t.Parallel()
	srv := bridge.New()
	srv.SetSubtitle("nobody listening")
	if srv.Clients() != 0 {
		t.Errorf("Clients() = %d, want 0", srv.Clients())
	}
}
