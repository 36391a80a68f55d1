package sender_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/avatarlink/internal/protocol"
	"github.com/MrWong99/avatarlink/internal/sender"
	"github.com/MrWong99/avatarlink/internal/transport"
	"github.com/MrWong99/avatarlink/internal/transport/mock"
	"github.com/MrWong99/avatarlink/pkg/audio/pcm"
)

type fakeMedia struct {
	calls  atomic.Int32
	images []protocol.Image
	block  bool
}

func (f *fakeMedia) CaptureAll(ctx context.Context) []protocol.Image {
	f.calls.Add(1)
	if f.block {
		<-ctx.Done()
		return nil
	}
	return f.images
}

func TestSendUtterance_FramesThenEnd(t *testing.T) {
	t.Parallel()
	tr := mock.NewOpen()
	media := &fakeMedia{images: []protocol.Image{{Source: "camera", Data: "AAA=", MimeType: "image/jpeg"}}}
	p := sender.New(tr, media, sender.WithDrainDelay(20*time.Millisecond))

	samples := make([]float32, 2*sender.ChunkSamples+100)
	start := time.Now()
	if err := p.SendUtterance(context.Background(), samples, 16000, 1); err != nil {
		t.Fatalf("SendUtterance: %v", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("end marker sent before the drain delay")
	}

	sent := tr.Sent()
	if len(sent) != 4 {
		t.Fatalf("sent %d messages, want 3 frames + end", len(sent))
	}
	wantLens := []int{sender.ChunkSamples, sender.ChunkSamples, 100}
	for i, want := range wantLens {
		data, ok := sent[i].(protocol.MicAudioData)
		if !ok {
			t.Fatalf("sent[%d] = %T", i, sent[i])
		}
		pcm16, err := pcm.DecodeBase64(data.AudioPCM)
		if err != nil || len(pcm16) != want {
			t.Errorf("frame %d: %d samples (err %v), want %d", i, len(pcm16), err, want)
		}
		if data.AudioSampleRate != 16000 || data.AudioChannels != 1 || data.AudioFormat != protocol.FormatPCM16 {
			t.Errorf("frame %d header = %+v", i, data)
		}
	}
	end, ok := sent[3].(protocol.MicAudioEnd)
	if !ok || len(end.Images) != 1 || end.Images[0].Source != "camera" {
		t.Errorf("end = %+v", sent[3])
	}
}

func TestSendUtterance_NotOpenSendsNothing(t *testing.T) {
	t.Parallel()
	tr := &mock.Sender{}
	media := &fakeMedia{}
	p := sender.New(tr, media, sender.WithDrainDelay(0))

	if err := p.SendUtterance(context.Background(), make([]float32, 5000), 16000, 1); err != nil {
		t.Fatal(err)
	}
	if media.calls.Load() != 0 {
		t.Error("snapshots taken for a dropped utterance")
	}
}

func TestSendUtterance_SnapshotTimeout(t *testing.T) {
	t.Parallel()
	tr := mock.NewOpen()
	p := sender.New(tr, &fakeMedia{block: true},
		sender.WithDrainDelay(0),
		sender.WithSnapshotTimeout(30*time.Millisecond),
	)

	done := make(chan error, 1)
	go func() { done <- p.SendUtterance(context.Background(), make([]float32, 10), 16000, 1) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SendUtterance blocked on snapshots")
	}
	if mock.Count[protocol.MicAudioEnd](tr) != 1 {
		t.Error("expected exactly one mic-audio-end")
	}
}

func TestSendUtterance_CancelledDuringDrain(t *testing.T) {
	t.Parallel()
	tr := mock.NewOpen()
	p := sender.New(tr, nil, sender.WithDrainDelay(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.SendUtterance(ctx, make([]float32, 10), 16000, 1)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	if mock.Count[protocol.MicAudioEnd](tr) != 1 {
		t.Error("cancelled utterance must still be closed with mic-audio-end")
	}
}

func TestSendUtterance_TransportError(t *testing.T) {
	t.Parallel()
	tr := mock.NewOpen()
	tr.SendErr = errors.New("queue full")
	p := sender.New(tr, nil, sender.WithDrainDelay(0))
	if err := p.SendUtterance(context.Background(), make([]float32, 10), 16000, 1); err == nil {
		t.Error("expected transport error")
	}
}

func TestSendUtterance_FrameErrorStillEnds(t *testing.T) {
	t.Parallel()
	tr := mock.NewOpen()
	var dataSends atomic.Int32
	tr.FailWhen = func(v any) error {
		if _, ok := v.(protocol.MicAudioData); ok && dataSends.Add(1) == 2 {
			return transport.ErrQueueFull
		}
		return nil
	}
	media := &fakeMedia{images: []protocol.Image{{Source: "camera"}}}
	p := sender.New(tr, media, sender.WithDrainDelay(0))

	err := p.SendUtterance(context.Background(), make([]float32, 3*sender.ChunkSamples), 16000, 1)
	if !errors.Is(err, transport.ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	sent := tr.Sent()
	if len(sent) != 2 {
		t.Fatalf("sent %d messages, want 1 frame + end", len(sent))
	}
	end, ok := sent[1].(protocol.MicAudioEnd)
	if !ok {
		t.Fatalf("last message = %T, want MicAudioEnd", sent[1])
	}
	if end.Images == nil || len(end.Images) != 0 {
		t.Errorf("images = %#v, want empty non-nil", end.Images)
	}
	if media.calls.Load() != 0 {
		t.Error("snapshots taken for a failed utterance")
	}
}

func TestSendUtterance_ChunksNineThousandSamples(t *testing.T) {
	t.Parallel()
	tr := mock.NewOpen()
	p := sender.New(tr, nil, sender.WithDrainDelay(0))

	if err := p.SendUtterance(context.Background(), make([]float32, 9000), 16000, 1); err != nil {
		t.Fatalf("SendUtterance: %v", err)
	}
	sent := tr.Sent()
	wantLens := []int{4096, 4096, 808}
	if len(sent) != len(wantLens)+1 {
		t.Fatalf("sent %d messages, want %d frames + end", len(sent), len(wantLens))
	}
	for i, want := range wantLens {
		data, ok := sent[i].(protocol.MicAudioData)
		if !ok {
			t.Fatalf("sent[%d] = %T, want MicAudioData", i, sent[i])
		}
		pcm16, err := pcm.DecodeBase64(data.AudioPCM)
		if err != nil || len(pcm16) != want {
			t.Errorf("frame %d: %d samples (err %v), want %d", i, len(pcm16), err, want)
		}
	}
	if _, ok := sent[3].(protocol.MicAudioEnd); !ok {
		t.Errorf("sent[3] = %T, want MicAudioEnd", sent[3])
	}
}

func TestSendFrame(t *testing.T) {
	t.Parallel()
	tr := mock.NewOpen()
	p := sender.New(tr, nil)

	p.SendFrame(nil, 16000, 1)
	p.SendFrame(make([]float32, 4096), 48000, 1)
	tr.SetOpen(false)
	p.SendFrame(make([]float32, 4096), 48000, 1)

	sent := tr.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	if data := sent[0].(protocol.MicAudioData); data.AudioSampleRate != 48000 {
		t.Errorf("sample rate = %d", data.AudioSampleRate)
	}
}

func TestSendEnd(t *testing.T) {
	t.Parallel()
	tr := mock.NewOpen()
	media := &fakeMedia{images: []protocol.Image{{Source: "screen"}}}
	p := sender.New(tr, media)

	if err := p.SendEnd(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	if err := p.SendEnd(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	sent := tr.Sent()
	if len(sent) != 2 {
		t.Fatalf("sent %d", len(sent))
	}
	if len(sent[0].(protocol.MicAudioEnd).Images) != 0 {
		t.Error("images attached without media")
	}
	if len(sent[1].(protocol.MicAudioEnd).Images) != 1 {
		t.Error("images missing with media")
	}
	if media.calls.Load() != 1 {
		t.Errorf("snapshot calls = %d, want 1", media.calls.Load())
	}
}
