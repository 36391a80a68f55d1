package energy_test

import (
	"testing"

	"github.com/MrWong99/avatarlink/pkg/provider/vad"
	"github.com/MrWong99/avatarlink/pkg/provider/vad/energy"
)

func constant(n int, v float32) []float32 {
	f := make([]float32, n)
	for i := range f {
		f[i] = v
	}
	return f
}

func TestProcessFrame(t *testing.T) {
	t.Parallel()
	eng, err := energy.New(energy.WithLevels(0.01, 0.11), energy.WithSmoothing(1))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess, err := eng.NewSession(vad.Config{SampleRate: 16000, FrameSamples: 4})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	tests := []struct {
		level float32
		want  float64
	}{
		{level: 0, want: 0},
		{level: 0.005, want: 0},
		{level: 0.06, want: 0.5},
		{level: 0.5, want: 1},
	}
	for _, tt := range tests {
		got, err := sess.ProcessFrame(constant(4, tt.level))
		if err != nil {
			t.Fatalf("ProcessFrame: %v", err)
		}
		if d := got - tt.want; d > 1e-6 || d < -1e-6 {
			t.Errorf("level %v: probability = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestProcessFrame_Smoothing(t *testing.T) {
	t.Parallel()
	eng, err := energy.New(energy.WithLevels(0, 0.1), energy.WithSmoothing(0.5))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess, _ := eng.NewSession(vad.Config{FrameSamples: 2})

	first, _ := sess.ProcessFrame(constant(2, 0.5))
	second, _ := sess.ProcessFrame(constant(2, 0.5))
	if first != 0.5 || second != 0.75 {
		t.Errorf("smoothed = %v, %v; want 0.5, 0.75", first, second)
	}

	sess.Reset()
	again, _ := sess.ProcessFrame(constant(2, 0))
	if again != 0 {
		t.Errorf("after Reset = %v, want 0", again)
	}
}

func TestNew_InvalidOptions(t *testing.T) {
	t.Parallel()
	if _, err := energy.New(energy.WithLevels(0.1, 0.05)); err == nil {
		t.Error("expected error when ceiling <= floor")
	}
	if _, err := energy.New(energy.WithSmoothing(0)); err == nil {
		t.Error("expected error for zero smoothing")
	}
}

func TestSession_Errors(t *testing.T) {
	t.Parallel()
	eng, _ := energy.New()
	if _, err := eng.NewSession(vad.Config{}); err == nil {
		t.Error("expected error for zero frame size")
	}
	sess, _ := eng.NewSession(vad.Config{FrameSamples: 4})
	if _, err := sess.ProcessFrame(make([]float32, 3)); err == nil {
		t.Error("expected error for wrong frame size")
	}
	_ = sess.Close()
	if _, err := sess.ProcessFrame(make([]float32, 4)); err == nil {
		t.Error("expected error after close")
	}
}
