package voice

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/avatarlink/internal/conversation"
	"github.com/MrWong99/avatarlink/internal/gesture"
	"github.com/MrWong99/avatarlink/internal/notify"
	nmock "github.com/MrWong99/avatarlink/internal/notify/mock"
	"github.com/MrWong99/avatarlink/internal/settings"
	"github.com/MrWong99/avatarlink/pkg/audio"
	avmock "github.com/MrWong99/avatarlink/pkg/avatar/mock"
	"github.com/MrWong99/avatarlink/pkg/provider/vad"
)

type fakeDetector struct{ stopped atomic.Bool }

func (d *fakeDetector) Stop() { d.stopped.Store(true) }

type detectorFactory struct {
	mu      sync.Mutex
	err     error
	configs []vad.SegmenterConfig
	made    []*fakeDetector
}

func (f *detectorFactory) New(_ context.Context, seg vad.SegmenterConfig, _ func(vad.Event)) (Detector, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs = append(f.configs, seg)
	if f.err != nil {
		return nil, f.err
	}
	d := &fakeDetector{}
	f.made = append(f.made, d)
	return d, nil
}

func (f *detectorFactory) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *detectorFactory) starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.made)
}

func (f *detectorFactory) lastConfig() vad.SegmenterConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.configs[len(f.configs)-1]
}

type fakeUpstream struct {
	mu       sync.Mutex
	startErr error
	starts   int
	stops    []bool
	admit    func() bool
}

func (u *fakeUpstream) Start(context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.startErr != nil {
		return u.startErr
	}
	u.starts++
	return nil
}

func (u *fakeUpstream) Stop(emitEnd bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.stops = append(u.stops, emitEnd)
}

func (u *fakeUpstream) counts() (int, []bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.starts, append([]bool(nil), u.stops...)
}

type fakeSender struct{ got chan int }

func (s *fakeSender) SendUtterance(_ context.Context, samples []float32, rate, _ int) error {
	s.got <- len(samples)
	return nil
}

type fakeInterrupter struct{ calls atomic.Int32 }

func (i *fakeInterrupter) Interrupt(context.Context, bool, string) bool {
	i.calls.Add(1)
	return true
}

type fakeAudio struct{ active atomic.Bool }

func (a *fakeAudio) HasActive() bool { return a.active.Load() }

type fakeQueue struct{ clears atomic.Int32 }

func (q *fakeQueue) Clear() { q.clears.Add(1) }

type env struct {
	c         *Controller
	state     *conversation.Store
	prefs     *settings.Store
	detectors *detectorFactory
	upstream  *fakeUpstream
	sender    *fakeSender
	interrupt *fakeInterrupter
	audio     *fakeAudio
	queue     *fakeQueue
	display   *avmock.Display
	notifier  *nmock.Notifier
	gestures  *gesture.Hub
}

func newEnv(t *testing.T, edit func(*settings.Prefs)) *env {
	t.Helper()
	p := settings.Defaults()
	p.MicOn = false
	p.AutoStartOnLoad = false
	p.ContinuousStreamingEnabled = false
	if edit != nil {
		edit(&p)
	}
	prefs, err := settings.Open("", p)
	if err != nil {
		t.Fatal(err)
	}
	e := &env{
		state:     conversation.NewStore(),
		prefs:     prefs,
		detectors: &detectorFactory{},
		upstream:  &fakeUpstream{},
		sender:    &fakeSender{got: make(chan int, 4)},
		interrupt: &fakeInterrupter{},
		audio:     &fakeAudio{},
		queue:     &fakeQueue{},
		display:   &avmock.Display{},
		notifier:  &nmock.Notifier{},
		gestures:  &gesture.Hub{},
	}
	e.c = New(Config{
		State:       e.state,
		Prefs:       prefs,
		Audio:       e.audio,
		Queue:       e.queue,
		Interrupter: e.interrupt,
		Sender:      e.sender,
		Subtitles:   e.display,
		Notifier:    e.notifier,
		Gestures:    e.gestures,
		NewDetector: e.detectors.New,
		NewUpstream: func(admit func() bool) Upstream {
			e.upstream.admit = admit
			return e.upstream
		},
		Segmenter:    vad.DefaultSegmenterConfig(),
		RestartDelay: 10 * time.Millisecond,
	})
	return e
}

func (e *env) start(t *testing.T) {
	t.Helper()
	if err := e.c.StartMic(context.Background(), SourceUser); err != nil {
		t.Fatalf("StartMic: %v", err)
	}
}

func TestAdmit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		continuous bool
		micOn      bool
		interrupt  bool
		state      conversation.State
		want       bool
	}{
		{"idle streaming", true, true, false, conversation.Idle, true},
		{"listening streaming", true, true, false, conversation.Listening, true},
		{"utterance mode", false, true, false, conversation.Idle, false},
		{"mic off", true, false, false, conversation.Idle, false},
		{"interrupted", true, true, true, conversation.Interrupted, false},
		{"speaking without barge-in", true, true, false, conversation.ThinkingSpeaking, false},
		{"speaking with barge-in", true, true, true, conversation.ThinkingSpeaking, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := newEnv(t, func(p *settings.Prefs) {
				p.ContinuousStreamingEnabled = tt.continuous
				p.MicOn = tt.micOn
				p.VoiceInterruptEnabled = tt.interrupt
			})
			e.state.Set(tt.state)
			if got := e.upstream.admit(); got != tt.want {
				t.Errorf("Admit() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSpeech_SuppressedWhileAssistantSpeaks(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)
	e.state.Set(conversation.ThinkingSpeaking)
	e.audio.active.Store(true)

	e.c.HandleEvent(vad.Event{Type: vad.EventSpeechStart})
	e.c.HandleEvent(vad.Event{Type: vad.EventSpeechRealStart})
	e.c.HandleEvent(vad.Event{Type: vad.EventSpeechEnd, Audio: make([]float32, 10)})

	if e.state.Get() != conversation.ThinkingSpeaking {
		t.Errorf("state = %v, want unchanged", e.state.Get())
	}
	if e.queue.clears.Load() != 0 || len(e.sender.got) != 0 {
		t.Error("suppressed utterance had side effects")
	}
}

func TestSpeech_BargeInInterrupts(t *testing.T) {
	t.Parallel()
	e := newEnv(t, func(p *settings.Prefs) { p.VoiceInterruptEnabled = true })
	e.state.Set(conversation.ThinkingSpeaking)
	e.audio.active.Store(true)

	e.c.HandleEvent(vad.Event{Type: vad.EventSpeechStart})
	if e.state.Get() != conversation.ThinkingSpeaking {
		t.Error("speech start changed the state")
	}
	e.c.HandleEvent(vad.Event{Type: vad.EventSpeechRealStart})

	if e.interrupt.calls.Load() != 1 {
		t.Errorf("interrupts = %d, want 1", e.interrupt.calls.Load())
	}
	if e.state.Get() != conversation.Listening {
		t.Errorf("state = %v, want listening", e.state.Get())
	}
}

func TestSpeech_RealStartFromIdleDoesNotInterrupt(t *testing.T) {
	t.Parallel()
	e := newEnv(t, func(p *settings.Prefs) { p.VoiceInterruptEnabled = true })
	e.audio.active.Store(true)

	e.c.HandleEvent(vad.Event{Type: vad.EventSpeechStart})
	e.c.HandleEvent(vad.Event{Type: vad.EventSpeechRealStart})
	if e.interrupt.calls.Load() != 0 {
		t.Error("interrupted from idle")
	}
	if e.state.Get() != conversation.Listening {
		t.Errorf("state = %v", e.state.Get())
	}
}

func TestSpeechEnd_UtteranceMode(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)
	e.start(t)

	e.c.HandleEvent(vad.Event{Type: vad.EventSpeechStart})
	e.c.HandleEvent(vad.Event{Type: vad.EventFrameProcessed, Probability: 0.7})
	e.c.HandleEvent(vad.Event{Type: vad.EventFrameProcessed, Probability: 0.4})
	if got := e.c.MaxProbability(); got != 0.7 {
		t.Errorf("max probability = %v, want 0.7", got)
	}
	e.c.HandleEvent(vad.Event{Type: vad.EventSpeechEnd, Audio: make([]float32, 1234)})

	select {
	case n := <-e.sender.got:
		if n != 1234 {
			t.Errorf("uploaded %d samples", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("utterance not uploaded")
	}
	if e.queue.clears.Load() != 1 {
		t.Error("task queue not cleared")
	}
	if e.state.Get() != conversation.ThinkingSpeaking {
		t.Errorf("state = %v", e.state.Get())
	}
	if e.c.MaxProbability() != 0 {
		t.Error("max probability not reset")
	}
	if !e.c.Listening() {
		t.Error("mic stopped without auto-stop")
	}
}

func TestSpeechEnd_ContinuousModeSkipsUpload(t *testing.T) {
	t.Parallel()
	e := newEnv(t, func(p *settings.Prefs) {
		p.ContinuousStreamingEnabled = true
		p.AutoStopMic = true
	})
	e.start(t)

	e.c.HandleEvent(vad.Event{Type: vad.EventSpeechStart})
	e.c.HandleEvent(vad.Event{Type: vad.EventSpeechEnd, Audio: make([]float32, 10)})

	select {
	case <-e.sender.got:
		t.Error("utterance uploaded in continuous mode")
	case <-time.After(20 * time.Millisecond):
	}
	if e.c.Listening() || e.prefs.Get().MicOn {
		t.Error("auto-stop did not stop the mic")
	}
	if _, stops := e.upstream.counts(); len(stops) == 0 || !stops[len(stops)-1] {
		t.Errorf("upstream stops = %v, want final stop with mic-audio-end", stops)
	}
}

func TestMisfire_RestoresState(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)
	e.state.Set(conversation.ThinkingSpeaking)

	e.c.HandleEvent(vad.Event{Type: vad.EventSpeechStart})
	e.c.HandleEvent(vad.Event{Type: vad.EventFrameProcessed, Probability: 0.8})
	e.c.HandleEvent(vad.Event{Type: vad.EventSpeechRealStart})
	if got := e.c.MaxProbability(); got != 0.8 {
		t.Fatalf("max probability = %v, want 0.8", got)
	}
	e.c.HandleEvent(vad.Event{Type: vad.EventMisfire})

	if got := e.c.MaxProbability(); got != 0 {
		t.Errorf("max probability after misfire = %v, want 0", got)
	}
	if e.state.Get() != conversation.ThinkingSpeaking {
		t.Errorf("state = %v, want restored thinking-speaking", e.state.Get())
	}
	if e.display.LastSubtitle() == "" {
		t.Error("no misfire notice shown")
	}

	// A second misfire outside an utterance is ignored.
	e.state.Set(conversation.Idle)
	e.c.HandleEvent(vad.Event{Type: vad.EventMisfire})
	if e.state.Get() != conversation.Idle {
		t.Error("stray misfire changed the state")
	}
}

func TestStartMic_AutoBlockedRetriesOnGesture(t *testing.T) {
	t.Parallel()
	e := newEnv(t, func(p *settings.Prefs) { p.MicOn = true })
	e.detectors.setErr(audio.ErrPermissionDenied)

	if err := e.c.StartMic(context.Background(), SourceAuto); err == nil {
		t.Fatal("StartMic succeeded")
	}
	if e.notifier.Count(notify.SeverityWarning) != 1 {
		t.Errorf("notices = %+v", e.notifier.Notices())
	}
	if !e.prefs.Get().MicOn {
		t.Error("blocked auto-start cleared mic_on")
	}
	if e.gestures.Pending() != 1 {
		t.Fatalf("gesture waiters = %d, want 1", e.gestures.Pending())
	}

	e.detectors.setErr(nil)
	e.gestures.Fire()
	if !e.c.Listening() {
		t.Fatal("gesture retry did not start the mic")
	}
	if !e.prefs.Get().AutoStartOnLoad {
		t.Error("gesture retry is a user start and should enable auto-start")
	}
	if e.gestures.Pending() != 0 {
		t.Error("gesture waiter still attached")
	}
}

func TestStartMic_UserFailure(t *testing.T) {
	t.Parallel()
	e := newEnv(t, func(p *settings.Prefs) { p.MicOn = true })
	e.detectors.setErr(audio.ErrUnsupported)

	if err := e.c.StartMic(context.Background(), SourceUser); !errors.Is(err, audio.ErrUnsupported) {
		t.Errorf("err = %v", err)
	}
	if e.prefs.Get().MicOn {
		t.Error("mic_on left set after failure")
	}
	if e.notifier.Count(notify.SeverityError) != 1 {
		t.Errorf("notices = %+v", e.notifier.Notices())
	}
	if e.gestures.Pending() != 0 {
		t.Error("user failure armed a gesture retry")
	}
}

func TestStartMic_UpstreamFailureFallsBack(t *testing.T) {
	t.Parallel()
	e := newEnv(t, func(p *settings.Prefs) { p.ContinuousStreamingEnabled = true })
	e.upstream.startErr = errors.New("no device")
	e.start(t)

	if !e.c.Listening() {
		t.Error("listener should run without the upstream")
	}
	if e.c.Continuous() {
		t.Error("runtime flag still continuous")
	}
	if e.notifier.Count(notify.SeverityWarning) != 1 {
		t.Errorf("notices = %+v", e.notifier.Notices())
	}
}

func TestStopMic_AndToggle(t *testing.T) {
	t.Parallel()
	e := newEnv(t, func(p *settings.Prefs) { p.ContinuousStreamingEnabled = true })
	e.start(t)
	if starts, _ := e.upstream.counts(); starts != 1 {
		t.Fatalf("upstream starts = %d", starts)
	}
	e.state.Set(conversation.Listening)

	if err := e.c.Toggle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if e.c.Listening() || e.prefs.Get().MicOn || e.prefs.Get().AutoStartOnLoad {
		t.Error("toggle off did not stop and persist")
	}
	if e.state.Get() != conversation.Idle {
		t.Errorf("state = %v, want idle", e.state.Get())
	}
	_, stops := e.upstream.counts()
	if len(stops) != 1 || !stops[0] {
		t.Errorf("upstream stops = %v, want one with mic-audio-end", stops)
	}

	if err := e.c.Toggle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !e.c.Listening() || !e.prefs.Get().MicOn {
		t.Error("toggle on did not start")
	}
}

func TestToggle_MicOnButNotListening(t *testing.T) {
	t.Parallel()
	e := newEnv(t, func(p *settings.Prefs) { p.MicOn = true })
	e.detectors.setErr(audio.ErrPermissionDenied)
	if err := e.c.StartMic(context.Background(), SourceAuto); err == nil {
		t.Fatal("StartMic succeeded")
	}
	if e.c.Listening() || !e.prefs.Get().MicOn {
		t.Fatal("setup: want mic_on set with no listener")
	}
	e.detectors.setErr(nil)

	if err := e.c.Toggle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if e.prefs.Get().MicOn {
		t.Error("toggle left mic_on set")
	}
	if e.c.Listening() {
		t.Error("toggle started the mic instead of turning it off")
	}
	if e.gestures.Pending() != 0 {
		t.Error("gesture retry still armed after toggling off")
	}
}

func TestUpdateSettings_RestartsListener(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)
	e.start(t)

	next := settings.VAD{PositiveSpeechThreshold: 60, NegativeSpeechThreshold: 40, RedemptionFrames: 8}
	if err := e.c.UpdateSettings(next); err != nil {
		t.Fatal(err)
	}
	if e.c.Listening() {
		t.Error("listener not stopped immediately")
	}

	deadline := time.Now().Add(2 * time.Second)
	for e.detectors.starts() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("listener not restarted")
		}
		time.Sleep(time.Millisecond)
	}
	cfg := e.detectors.lastConfig()
	if cfg.PositiveThreshold != 0.6 || cfg.NegativeThreshold != 0.4 || cfg.RedemptionFrames != 8 {
		t.Errorf("restart config = %+v", cfg)
	}
	if cfg.MinSpeechFrames != vad.DefaultSegmenterConfig().MinSpeechFrames {
		t.Error("fixed segmenter knobs lost")
	}

	if err := e.c.UpdateSettings(settings.VAD{RedemptionFrames: 0}); err == nil {
		t.Error("invalid settings accepted")
	}
}

func TestSetContinuousStreaming_Live(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)
	ctx := context.Background()

	if err := e.c.SetContinuousStreaming(ctx, true); err != nil {
		t.Fatal(err)
	}
	if starts, _ := e.upstream.counts(); starts != 0 {
		t.Error("upstream started while mic off")
	}

	e.start(t)
	if err := e.c.SetContinuousStreaming(ctx, false); err != nil {
		t.Fatal(err)
	}
	if e.c.Continuous() {
		t.Error("runtime flag still set")
	}
	if err := e.c.SetContinuousStreaming(ctx, true); err != nil {
		t.Fatal(err)
	}
	if starts, _ := e.upstream.counts(); starts != 2 {
		t.Errorf("upstream starts = %d, want 2", starts)
	}
}

func TestRun_AutoStartAndShutdown(t *testing.T) {
	t.Parallel()
	e := newEnv(t, func(p *settings.Prefs) { p.MicOn = true })
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.c.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !e.c.Listening() {
		if time.Now().After(deadline) {
			t.Fatal("mic not auto-started")
		}
		time.Sleep(time.Millisecond)
	}
	if e.prefs.Get().AutoStartOnLoad {
		t.Error("auto start changed auto_start_on_load")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if e.c.Listening() {
		t.Error("listener survived shutdown")
	}
	if !e.prefs.Get().MicOn {
		t.Error("shutdown persisted mic_on=false")
	}
}
