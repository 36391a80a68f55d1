// Package vad defines the Engine interface for voice activity scoring
// backends and the [Segmenter] that turns per-frame speech probabilities into
// utterance events.
//
// An engine wraps a frame-level detector (WebRTC VAD, an energy gate, or a
// neural model) and surfaces it as a stateful per-stream session that scores
// each frame with a speech probability in [0, 1]. The segmenter is engine
// agnostic: it applies the positive/negative thresholds, redemption window and
// minimum speech length to those probabilities.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the
	// frames passed to ProcessFrame. The pipeline runs at 16000.
	SampleRate int

	// FrameSamples is the number of mono samples per frame. ProcessFrame
	// returns an error if the supplied frame has a different length.
	FrameSamples int

	// Aggressiveness tunes engines that have a discrete sensitivity mode
	// (WebRTC VAD: 0–3). Engines without one ignore it.
	Aggressiveness int
}

// SessionHandle represents an active VAD session for a single audio stream.
type SessionHandle interface {
	// ProcessFrame scores a single frame of mono float32 samples and returns
	// the speech probability in [0, 1].
	//
	// This method is called synchronously from the capture callback; it must
	// not block.
	ProcessFrame(frame []float32) (float64, error)

	// Reset clears accumulated detection state without closing the session.
	Reset()

	// Close releases all resources associated with the session. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions.
//
// Implementations must be safe for concurrent use: multiple goroutines may call
// NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration.
	// Returns an error if the configuration is unsupported.
	NewSession(cfg Config) (SessionHandle, error)
}
