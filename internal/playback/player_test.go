package playback

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/MrWong99/avatarlink/internal/conversation"
	nmock "github.com/MrWong99/avatarlink/internal/notify/mock"
	"github.com/MrWong99/avatarlink/internal/protocol"
	tmock "github.com/MrWong99/avatarlink/internal/transport/mock"
	"github.com/MrWong99/avatarlink/pkg/audio"
	amock "github.com/MrWong99/avatarlink/pkg/audio/mock"
	"github.com/MrWong99/avatarlink/pkg/audio/pcm"
	avmock "github.com/MrWong99/avatarlink/pkg/avatar/mock"
)

type playerEnv struct {
	store    *conversation.Store
	reg      *Registry
	out      *amock.Output
	clipOut  *amock.Output
	model    *avmock.LipSyncModel
	display  *avmock.Display
	sender   *tmock.Sender
	notifier *nmock.Notifier
	player   *Player
}

func newPlayerEnv(t *testing.T, out *amock.Output) *playerEnv {
	t.Helper()
	e := &playerEnv{
		store:    conversation.NewStore(),
		reg:      NewRegistry(),
		out:      out,
		clipOut:  runningOutput(t),
		model:    &avmock.LipSyncModel{},
		display:  &avmock.Display{},
		sender:   tmock.NewOpen(),
		notifier: &nmock.Notifier{},
	}
	e.store.Set(conversation.ThinkingSpeaking)
	e.player = NewPlayer(PlayerConfig{
		Store:           e.store,
		Registry:        e.reg,
		Scheduler:       NewScheduler(out),
		Clips:           NewClipPlayer(e.clipOut),
		Model:           e.model,
		Display:         e.display,
		Sender:          e.sender,
		Notifier:        e.notifier,
		LipSyncInterval: time.Millisecond,
	})
	return e
}

// play runs Play on a goroutine and returns its result channel.
func (e *playerEnv) play(msg protocol.Inbound) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- e.player.Play(context.Background(), msg) }()
	return ch
}

func waitSources(t *testing.T, out *amock.Output, n int) []*amock.Source {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(out.Sources()) < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d sources", n)
		}
		time.Sleep(time.Millisecond)
	}
	return out.Sources()
}

func waitResult(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Play did not return")
		return nil
	}
}

func speechMessage(text string) protocol.Inbound {
	loud := make([]float32, 1600)
	for i := range loud {
		loud[i] = 0.5
	}
	return protocol.Inbound{
		Type:            protocol.TypeAudio,
		AudioPCM:        pcm.EncodeBase64(loud),
		AudioFormat:     protocol.FormatPCM16,
		AudioSampleRate: 16000,
		AudioChannels:   1,
		DisplayText:     &protocol.DisplayText{Text: text},
		Actions:         &protocol.Actions{Expressions: []protocol.Expression{"joy"}},
	}
}

func TestPlayer_StreamingPCM(t *testing.T) {
	t.Parallel()
	e := newPlayerEnv(t, runningOutput(t))

	res := e.play(speechMessage("Hello!"))
	waitSources(t, e.out, 1)
	if !e.reg.HasActive() {
		t.Error("registry not bound while playing")
	}
	e.out.Advance(time.Second)
	if err := waitResult(t, res); err != nil {
		t.Fatalf("Play: %v", err)
	}

	if e.reg.HasActive() {
		t.Error("registry still bound after natural end")
	}
	if e.display.LastSubtitle() != "Hello!" || e.display.MessageCount() != 1 {
		t.Errorf("display = %+v", e.display)
	}
	if e.store.Response() != "Hello!" {
		t.Errorf("response = %q", e.store.Response())
	}
	if len(e.model.Expressions) != 1 || e.model.Expressions[0] != "joy" || e.model.MotionCount() != 1 {
		t.Errorf("model = expressions %v motions %d", e.model.Expressions, e.model.MotionCount())
	}
	sent := e.sender.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	start, ok := sent[0].(protocol.AudioPlayStart)
	if !ok || !start.Forwarded || start.DisplayText.Text != "Hello!" {
		t.Errorf("sent = %+v", sent[0])
	}
}

func TestPlayer_SkipsWhenInterrupted(t *testing.T) {
	t.Parallel()
	e := newPlayerEnv(t, runningOutput(t))
	e.store.Set(conversation.Interrupted)

	if err := e.player.Play(context.Background(), speechMessage("late")); err != nil {
		t.Fatal(err)
	}
	if len(e.out.Sources()) != 0 || e.display.MessageCount() != 0 || len(e.sender.Sent()) != 0 {
		t.Error("interrupted playback had side effects")
	}
}

func TestPlayer_ForwardedAndDuplicateText(t *testing.T) {
	t.Parallel()
	e := newPlayerEnv(t, runningOutput(t))

	msg := protocol.Inbound{
		Type:        protocol.TypeAudio,
		DisplayText: &protocol.DisplayText{Text: "same"},
		Forwarded:   true,
	}
	for range 2 {
		if err := e.player.Play(context.Background(), msg); err != nil {
			t.Fatal(err)
		}
	}
	if e.display.MessageCount() != 1 {
		t.Errorf("messages = %d, want 1 (duplicate suppressed)", e.display.MessageCount())
	}
	if len(e.display.Subtitles) != 0 {
		t.Errorf("subtitle set for text without audio: %v", e.display.Subtitles)
	}
	if len(e.sender.Sent()) != 0 {
		t.Error("forwarded message echoed audio-play-start")
	}
}

func TestPlayer_InterruptStopsPlayback(t *testing.T) {
	t.Parallel()
	e := newPlayerEnv(t, runningOutput(t))

	res := e.play(speechMessage("long answer"))
	srcs := waitSources(t, e.out, 1)
	e.reg.StopAndClear()

	if err := waitResult(t, res); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if !srcs[0].Stopped() {
		t.Error("source not stopped")
	}
	if e.model.Resets() != 1 {
		t.Errorf("lip-sync resets = %d, want 1", e.model.Resets())
	}
}

func TestPlayer_FallsBackToClip(t *testing.T) {
	t.Parallel()
	blocked := &amock.Output{ResumeErr: audio.ErrAutoplayBlocked}
	e := newPlayerEnv(t, blocked)

	msg := speechMessage("fallback")
	msg.Audio = base64.StdEncoding.EncodeToString(pcm.EncodeWAV(make([]int16, 800), 16000, 1))

	res := e.play(msg)
	srcs := waitSources(t, e.clipOut, 1)
	if srcs[0].Buffer.SampleRate != 16000 || srcs[0].Buffer.Frames() != 800 {
		t.Errorf("clip buffer = %d Hz %d frames", srcs[0].Buffer.SampleRate, srcs[0].Buffer.Frames())
	}
	e.clipOut.Advance(time.Second)
	if err := waitResult(t, res); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if len(blocked.Sources()) != 0 {
		t.Error("PCM scheduled on blocked output")
	}
	if e.reg.HasActive() {
		t.Error("registry bound after clip ended")
	}
}

func TestPlayer_BlockedWithoutClipSettles(t *testing.T) {
	t.Parallel()
	e := newPlayerEnv(t, &amock.Output{ResumeErr: audio.ErrAutoplayBlocked})
	if err := e.player.Play(context.Background(), speechMessage("quiet")); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if e.reg.HasActive() {
		t.Error("registry left bound")
	}
}

func TestPlayer_DecodeErrorNotifies(t *testing.T) {
	t.Parallel()
	e := newPlayerEnv(t, runningOutput(t))
	msg := protocol.Inbound{Type: protocol.TypeAudio, AudioPCM: "!!not base64!!"}

	if err := e.player.Play(context.Background(), msg); err == nil {
		t.Fatal("Play accepted malformed audio")
	}
	if len(e.notifier.Notices()) != 1 {
		t.Errorf("notices = %v", e.notifier.Notices())
	}
	if e.reg.HasActive() {
		t.Error("registry bound after decode failure")
	}
}

func TestEnvelope(t *testing.T) {
	t.Parallel()
	loud := make([]int16, 1600)
	for i := range loud {
		loud[i] = 32767
	}
	levels := envelope(loud, 16000, 1)
	// 1600 samples at 533 per window.
	if len(levels) != 4 {
		t.Fatalf("levels = %d, want 4", len(levels))
	}
	for _, l := range levels {
		if l < 1.99 || l > lipSyncMax {
			t.Errorf("level = %v, want near cap %v", l, lipSyncMax)
		}
	}

	// Ticks at 0, 33 and 66 ms map to slices 0, 0 and 1.
	vol := volumeEnvelope([]float64{0.1, 0.4}, 50, 90*time.Millisecond)
	if len(vol) != 3 || vol[0] != 0.2 || vol[2] != 0.8 {
		t.Errorf("volume envelope = %v", vol)
	}
}
