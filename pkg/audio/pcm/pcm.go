// Package pcm converts between float32 samples, signed 16-bit PCM and the
// text-safe encodings used on the wire.
//
// Quantisation is asymmetric: negative samples scale by 32768 and positive
// samples by 32767, so -1 maps to -32768 and +1 maps to +32767. Decoding
// mirrors the same scales, so a round trip is accurate to within half a
// quantisation step.
package pcm

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

// Encode clamps every sample to [-1, 1] and quantises it to the nearest
// int16.
func Encode(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		switch {
		case s > 1:
			s = 1
		case s < -1:
			s = -1
		case s != s: // NaN
			s = 0
		}
		if s < 0 {
			out[i] = int16(math.Round(float64(s) * 0x8000))
		} else {
			out[i] = int16(math.Round(float64(s) * 0x7fff))
		}
	}
	return out
}

// Decode converts int16 samples to float32 in [-1, 1].
func Decode(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		if s < 0 {
			out[i] = float32(float64(s) / 0x8000)
		} else {
			out[i] = float32(float64(s) / 0x7fff)
		}
	}
	return out
}

// Bytes serialises samples as little-endian int16.
func Bytes(samples []int16) []byte {
	b := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	return b
}

// Samples parses little-endian int16. A trailing odd byte is ignored.
func Samples(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

// EncodeBase64 quantises samples and returns the standard base64 encoding
// of their little-endian PCM16 bytes.
func EncodeBase64(samples []float32) string {
	return base64.StdEncoding.EncodeToString(Bytes(Encode(samples)))
}

// DecodeBase64 reverses [EncodeBase64] up to the int16 stage.
func DecodeBase64(s string) ([]int16, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("pcm: decode base64: %w", err)
	}
	return Samples(b), nil
}
