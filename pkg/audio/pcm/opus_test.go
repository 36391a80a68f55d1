package pcm_test

import (
	"testing"

	"layeh.com/gopus"

	"github.com/MrWong99/avatarlink/pkg/audio/pcm"
)

func TestOpusDecoder_Decode(t *testing.T) {
	t.Parallel()
	const (
		rate      = 16000
		frameSize = rate * 20 / 1000
	)
	enc, err := gopus.NewEncoder(rate, 1, gopus.Voip)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}

	var packets [][]byte
	for range 3 {
		frame := make([]int16, frameSize)
		for i := range frame {
			frame[i] = int16((i % 40) * 200)
		}
		p, err := enc.Encode(frame, frameSize, 4000)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		packets = append(packets, p)
	}

	dec, err := pcm.NewOpusDecoder(rate, 1)
	if err != nil {
		t.Fatalf("NewOpusDecoder: %v", err)
	}
	got, err := dec.Decode(pcm.FramePackets(packets))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got) != 3*frameSize {
		t.Errorf("decoded %d samples, want %d", len(got), 3*frameSize)
	}
}

func TestOpusDecoder_Truncated(t *testing.T) {
	t.Parallel()
	dec, err := pcm.NewOpusDecoder(48000, 2)
	if err != nil {
		t.Fatalf("NewOpusDecoder: %v", err)
	}
	if _, err := dec.Decode([]byte{0x00}); err == nil {
		t.Error("expected error for truncated header")
	}
	if _, err := dec.Decode([]byte{0x00, 0x10, 0x01}); err == nil {
		t.Error("expected error for overrunning packet")
	}
}
