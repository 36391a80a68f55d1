package vad

import "fmt"

// SegmenterConfig tunes a [Segmenter]. Thresholds are probabilities in [0, 1].
type SegmenterConfig struct {
	// PositiveThreshold: a frame with probability >= this is speech.
	PositiveThreshold float64

	// NegativeThreshold: while speaking, frames below this count toward
	// RedemptionFrames. Frames between the two thresholds neither extend nor
	// end the utterance.
	NegativeThreshold float64

	// RedemptionFrames is how many low-probability frames end an utterance.
	RedemptionFrames int

	// MinSpeechFrames is how many speech frames make a candidate a real
	// utterance rather than a misfire.
	MinSpeechFrames int

	// PreSpeechPadFrames is how many frames before speech start are kept and
	// prepended to the utterance audio.
	PreSpeechPadFrames int
}

// DefaultSegmenterConfig matches the v5 model defaults used by the web client.
func DefaultSegmenterConfig() SegmenterConfig {
	return SegmenterConfig{
		PositiveThreshold:  0.42,
		NegativeThreshold:  0.28,
		RedemptionFrames:   16,
		MinSpeechFrames:    9,
		PreSpeechPadFrames: 20,
	}
}

// Validate reports configuration errors.
func (c SegmenterConfig) Validate() error {
	switch {
	case c.PositiveThreshold < 0 || c.PositiveThreshold > 1:
		return fmt.Errorf("vad: positive threshold %v out of range [0,1]", c.PositiveThreshold)
	case c.NegativeThreshold < 0 || c.NegativeThreshold > 1:
		return fmt.Errorf("vad: negative threshold %v out of range [0,1]", c.NegativeThreshold)
	case c.RedemptionFrames < 1:
		return fmt.Errorf("vad: redemption frames must be >= 1, got %d", c.RedemptionFrames)
	case c.MinSpeechFrames < 0:
		return fmt.Errorf("vad: min speech frames must be >= 0, got %d", c.MinSpeechFrames)
	case c.PreSpeechPadFrames < 0:
		return fmt.Errorf("vad: pre-speech pad frames must be >= 0, got %d", c.PreSpeechPadFrames)
	}
	return nil
}

type bufferedFrame struct {
	samples  []float32
	isSpeech bool
}

// Segmenter groups scored frames into utterances. It is not safe for
// concurrent use; feed it from a single goroutine.
type Segmenter struct {
	cfg SegmenterConfig

	speaking          bool
	speechFrameCount  int
	redemptionCounter int
	realStartFired    bool
	buffer            []bufferedFrame
}

// NewSegmenter validates cfg and returns a Segmenter in the waiting state.
func NewSegmenter(cfg SegmenterConfig) (*Segmenter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Segmenter{cfg: cfg}, nil
}

// Speaking reports whether an utterance candidate is in progress.
func (s *Segmenter) Speaking() bool { return s.speaking }

// Reset drops any in-progress utterance without emitting events.
func (s *Segmenter) Reset() {
	s.speaking = false
	s.speechFrameCount = 0
	s.redemptionCounter = 0
	s.realStartFired = false
	s.buffer = nil
}

// Process consumes one frame and its speech probability and returns the
// events it produced, always starting with EventFrameProcessed.
func (s *Segmenter) Process(prob float64, frame []float32) []Event {
	events := []Event{{Type: EventFrameProcessed, Probability: prob}}

	isSpeech := prob >= s.cfg.PositiveThreshold
	s.buffer = append(s.buffer, bufferedFrame{samples: frame, isSpeech: isSpeech})

	if isSpeech {
		s.speechFrameCount++
		s.redemptionCounter = 0
	}

	if isSpeech && !s.speaking {
		s.speaking = true
		events = append(events, Event{Type: EventSpeechStart, Probability: prob})
	}

	if s.speaking && !s.realStartFired && s.speechFrameCount >= s.cfg.MinSpeechFrames {
		s.realStartFired = true
		events = append(events, Event{Type: EventSpeechRealStart, Probability: prob})
	}

	if s.speaking && prob < s.cfg.NegativeThreshold {
		s.redemptionCounter++
		if s.redemptionCounter >= s.cfg.RedemptionFrames {
			events = append(events, s.endSegment(prob))
		}
	}

	if !s.speaking {
		if n := len(s.buffer) - s.cfg.PreSpeechPadFrames; n > 0 {
			s.buffer = append(s.buffer[:0:0], s.buffer[n:]...)
		}
		s.speechFrameCount = 0
	}
	return events
}

// Flush ends an in-progress candidate as if redemption had run out. It
// returns nil when nothing was in progress.
func (s *Segmenter) Flush() *Event {
	if !s.speaking {
		s.Reset()
		return nil
	}
	ev := s.endSegment(0)
	return &ev
}

func (s *Segmenter) endSegment(prob float64) Event {
	s.speaking = false
	s.redemptionCounter = 0
	s.speechFrameCount = 0
	s.realStartFired = false

	frames := s.buffer
	s.buffer = nil

	var speech, total int
	for _, f := range frames {
		if f.isSpeech {
			speech++
		}
		total += len(f.samples)
	}
	if speech < s.cfg.MinSpeechFrames {
		return Event{Type: EventMisfire, Probability: prob}
	}

	audio := make([]float32, 0, total)
	for _, f := range frames {
		audio = append(audio, f.samples...)
	}
	return Event{Type: EventSpeechEnd, Probability: prob, Audio: audio}
}
