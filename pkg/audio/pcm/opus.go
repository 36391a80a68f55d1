package pcm

import (
	"encoding/binary"
	"fmt"

	"layeh.com/gopus"
)

// Opus payloads on the wire are a sequence of packets, each prefixed with its
// length as a big-endian uint16.
const opusMaxFrameMs = 120

// OpusDecoder decodes length-prefixed Opus packet streams into int16 PCM.
// Keep one decoder per utterance stream; Opus decoding is stateful.
type OpusDecoder struct {
	dec        *gopus.Decoder
	sampleRate int
	channels   int
}

// NewOpusDecoder creates a decoder. sampleRate must be one of the rates Opus
// supports (8000, 12000, 16000, 24000, 48000).
func NewOpusDecoder(sampleRate, channels int) (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("pcm: create opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec, sampleRate: sampleRate, channels: channels}, nil
}

// Decode splits payload into packets and decodes them in order, returning
// interleaved int16 samples.
func (d *OpusDecoder) Decode(payload []byte) ([]int16, error) {
	maxFrame := d.sampleRate * opusMaxFrameMs / 1000
	var out []int16
	for pos := 0; pos < len(payload); {
		if pos+2 > len(payload) {
			return nil, fmt.Errorf("pcm: truncated opus packet header at offset %d", pos)
		}
		n := int(binary.BigEndian.Uint16(payload[pos:]))
		pos += 2
		if pos+n > len(payload) {
			return nil, fmt.Errorf("pcm: opus packet of %d bytes overruns payload at offset %d", n, pos)
		}
		samples, err := d.dec.Decode(payload[pos:pos+n], maxFrame, false)
		if err != nil {
			return nil, fmt.Errorf("pcm: opus decode: %w", err)
		}
		out = append(out, samples...)
		pos += n
	}
	return out, nil
}

// FramePackets joins packets into the length-prefixed layout [OpusDecoder.Decode] reads.
func FramePackets(packets [][]byte) []byte {
	var size int
	for _, p := range packets {
		size += 2 + len(p)
	}
	b := make([]byte, 0, size)
	for _, p := range packets {
		b = binary.BigEndian.AppendUint16(b, uint16(len(p)))
		b = append(b, p...)
	}
	return b
}
