package vad

// EventType enumerates the utterance events produced by a [Segmenter].
type EventType int

const (
	// EventFrameProcessed is emitted for every frame with its probability.
	EventFrameProcessed EventType = iota

	// EventSpeechStart is emitted on the first speech frame of a candidate
	// utterance. It may still turn out to be a misfire.
	EventSpeechStart

	// EventSpeechRealStart is emitted once the candidate has lasted
	// MinSpeechFrames speech frames.
	EventSpeechRealStart

	// EventSpeechEnd is emitted when a confirmed utterance ends. Audio holds
	// the utterance including pre-speech padding.
	EventSpeechEnd

	// EventMisfire is emitted when a candidate ends before reaching
	// MinSpeechFrames speech frames.
	EventMisfire
)

// String returns the human-readable name of the event type.
func (t EventType) String() string {
	switch t {
	case EventFrameProcessed:
		return "FRAME_PROCESSED"
	case EventSpeechStart:
		return "SPEECH_START"
	case EventSpeechRealStart:
		return "SPEECH_REAL_START"
	case EventSpeechEnd:
		return "SPEECH_END"
	case EventMisfire:
		return "MISFIRE"
	default:
		return "UNKNOWN"
	}
}

// Event is one output of [Segmenter.Process].
type Event struct {
	Type EventType

	// Probability is the speech probability of the frame that produced the event.
	Probability float64

	// Audio is set for EventSpeechEnd only.
	Audio []float32
}
