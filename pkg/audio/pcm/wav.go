package pcm

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const wavHeaderSize = 44

// ErrNotWAV is returned by [DecodeWAV] for data without a RIFF/WAVE header.
var ErrNotWAV = errors.New("pcm: not a RIFF/WAVE container")

// EncodeWAV wraps int16 samples in a canonical 44-byte-header PCM WAV file.
func EncodeWAV(samples []int16, sampleRate, channels int) []byte {
	dataLen := len(samples) * 2
	b := make([]byte, wavHeaderSize+dataLen)

	copy(b[0:], "RIFF")
	binary.LittleEndian.PutUint32(b[4:], uint32(36+dataLen))
	copy(b[8:], "WAVE")
	copy(b[12:], "fmt ")
	binary.LittleEndian.PutUint32(b[16:], 16)
	binary.LittleEndian.PutUint16(b[20:], 1) // PCM
	binary.LittleEndian.PutUint16(b[22:], uint16(channels))
	binary.LittleEndian.PutUint32(b[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(b[28:], uint32(sampleRate*channels*2))
	binary.LittleEndian.PutUint16(b[32:], uint16(channels*2))
	binary.LittleEndian.PutUint16(b[34:], 16)
	copy(b[36:], "data")
	binary.LittleEndian.PutUint32(b[40:], uint32(dataLen))

	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[wavHeaderSize+i*2:], uint16(s))
	}
	return b
}

// WAV is a decoded PCM16 WAV file.
type WAV struct {
	Samples    []int16
	SampleRate int
	Channels   int
}

// DecodeWAV parses a 16-bit PCM WAV file. Chunks other than "fmt " and
// "data" are skipped.
func DecodeWAV(b []byte) (WAV, error) {
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return WAV{}, ErrNotWAV
	}

	var (
		w      WAV
		gotFmt bool
	)
	pos := 12
	for pos+8 <= len(b) {
		id := string(b[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(b[pos+4:]))
		body := pos + 8
		end := body + size
		if end > len(b) {
			end = len(b)
		}

		switch id {
		case "fmt ":
			if end-body < 16 {
				return WAV{}, fmt.Errorf("pcm: wav fmt chunk too short (%d bytes)", end-body)
			}
			format := binary.LittleEndian.Uint16(b[body:])
			bits := binary.LittleEndian.Uint16(b[body+14:])
			if format != 1 || bits != 16 {
				return WAV{}, fmt.Errorf("pcm: unsupported wav encoding (format %d, %d bits)", format, bits)
			}
			w.Channels = int(binary.LittleEndian.Uint16(b[body+2:]))
			w.SampleRate = int(binary.LittleEndian.Uint32(b[body+4:]))
			gotFmt = true
		case "data":
			if !gotFmt {
				return WAV{}, fmt.Errorf("pcm: wav data chunk before fmt chunk")
			}
			w.Samples = Samples(b[body:end])
			return w, nil
		}

		// Chunks are word aligned.
		pos = body + size + size%2
	}
	return WAV{}, fmt.Errorf("pcm: wav has no data chunk")
}
