package audio

import "time"

// Buffer is a block of interleaved float32 PCM in the range [-1, 1].
// Buffers are what the capture side hands to VAD and the send pipeline, and
// what the playback side schedules on an [Output].
type Buffer struct {
	// Samples holds interleaved channel data. len(Samples) is a multiple of Channels.
	Samples []float32

	// SampleRate in Hz (16000 for capture, usually 16000 or 24000 for TTS).
	SampleRate int

	// Channels: 1 for mono capture, 1 or 2 for playback.
	Channels int
}

// Frames returns the number of sample frames (samples per channel).
func (b Buffer) Frames() int {
	if b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Duration returns the playback length of the buffer.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}

// Format returns the buffer's rate and channel layout.
func (b Buffer) Format() Format {
	return Format{SampleRate: b.SampleRate, Channels: b.Channels}
}
