package playback

import (
	"context"
	"time"

	"github.com/MrWong99/avatarlink/pkg/audio"
	"github.com/MrWong99/avatarlink/pkg/audio/pcm"
	"github.com/MrWong99/avatarlink/pkg/avatar"
)

const (
	// lipSyncRate is how many mouth updates are sent per second of audio.
	lipSyncRate = 30

	lipSyncGain = 2.0
	lipSyncMax  = 2.0
)

// envelope returns one mouth level per 1/lipSyncRate seconds of interleaved
// PCM: the RMS of the window scaled by lipSyncGain and capped at lipSyncMax.
func envelope(samples []int16, sampleRate, channels int) []float64 {
	if sampleRate <= 0 || channels <= 0 {
		return nil
	}
	window := max(1, sampleRate/lipSyncRate) * channels
	levels := make([]float64, 0, len(samples)/window+1)
	for start := 0; start < len(samples); start += window {
		end := min(start+window, len(samples))
		levels = append(levels, scaleLevel(audio.RMS(pcm.Decode(samples[start:end]))))
	}
	return levels
}

// volumeEnvelope resamples backend-provided per-slice volumes to lipSyncRate.
func volumeEnvelope(volumes []float64, sliceMs int, total time.Duration) []float64 {
	if len(volumes) == 0 || sliceMs <= 0 {
		return nil
	}
	step := time.Second / lipSyncRate
	slice := time.Duration(sliceMs) * time.Millisecond
	var levels []float64
	for t := time.Duration(0); t < total; t += step {
		i := min(int(t/slice), len(volumes)-1)
		levels = append(levels, scaleLevel(volumes[i]))
	}
	return levels
}

func scaleLevel(v float64) float64 {
	return min(lipSyncMax, v*lipSyncGain)
}

// driveLipSync feeds levels to ls at lipSyncRate while the registry still
// owns h, then closes the mouth.
func driveLipSync(ctx context.Context, reg *Registry, h Handle, ls avatar.LipSyncer, levels []float64, interval time.Duration, done <-chan struct{}) {
	if len(levels) == 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for _, lv := range levels {
		if !reg.Owns(h) {
			return
		}
		ls.FeedLipSync(lv)
		select {
		case <-ctx.Done():
			return
		case <-done:
			ls.FeedLipSync(0)
			return
		case <-t.C:
		}
	}
	if reg.Owns(h) {
		ls.FeedLipSync(0)
	}
}
