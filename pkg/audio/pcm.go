package audio

import (
	"encoding/binary"
	"iter"
)

// pcm16Scale maps the int16 domain onto approximately [-1.0, 1.0].
const pcm16Scale = 32767.0

// DecodePCM16 returns a lazy sequence of normalized samples read from pcm as
// little-endian signed 16-bit integers. Decoding stops as soon as fewer than
// two bytes remain, so a trailing odd byte is silently dropped.
//
// The sequence is finite and restartable: ranging over it again decodes pcm
// from the beginning. It holds no state besides pcm itself.
func DecodePCM16(pcm []byte) iter.Seq[float32] {
	return func(yield func(float32) bool) {
		for i := 0; i+1 < len(pcm); i += 2 {
			s := int16(binary.LittleEndian.Uint16(pcm[i:]))
			if !yield(float32(s) / pcm16Scale) {
				return
			}
		}
	}
}

// Samples decodes all of pcm at once. len(Samples(pcm)) == len(pcm)/2.
func Samples(pcm []byte) []float32 {
	out := make([]float32, 0, len(pcm)/2)
	for s := range DecodePCM16(pcm) {
		out = append(out, s)
	}
	return out
}

// EncodePCM16 converts normalized samples back into little-endian int16 PCM.
// Samples outside [-1.0, 1.0] are clamped.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(toInt16(s)))
	}
	return out
}

func toInt16(s float32) int16 {
	switch {
	case s > 1:
		s = 1
	case s < -1:
		s = -1
	}
	return int16(s * pcm16Scale)
}
