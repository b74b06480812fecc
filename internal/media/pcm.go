// Package media converts raw PCM coming from the network into host frames.
package media

import (
	"encoding/binary"
	"math"
)

const bytesPerSample = 2

// ToStereoFloat converts interleaved little-endian int16 PCM into interleaved
// stereo float32 in [-1, 1]. Mono input is duplicated to both channels and
// channels past the second are skipped. The sample rate is untouched.
//
// Malformed or partial input yields nil.
func ToStereoFloat(raw []byte, bitsPerSample, channels, frames int) []float32 {
	if bitsPerSample != 16 || channels <= 0 || frames <= 0 {
		return nil
	}
	if len(raw) < frames*channels*bytesPerSample {
		return nil
	}

	out := make([]float32, frames*2)
	stride := channels * bytesPerSample
	for i := range frames {
		base := i * stride
		left := sample(raw[base:])
		right := left
		if channels > 1 {
			right = sample(raw[base+bytesPerSample:])
		}
		out[2*i] = left
		out[2*i+1] = right
	}
	return out
}

func sample(b []byte) float32 {
	v := float32(int16(binary.LittleEndian.Uint16(b))) / 32768.0
	return min(max(v, -1), 1)
}

// FromStereoFloat maps float samples back to 16-bit integer range.
func FromStereoFloat(frame []float32) []int {
	out := make([]int, len(frame))
	for i, v := range frame {
		v = min(max(v, -1), 1)
		out[i] = int(math.Round(float64(v) * math.MaxInt16))
	}
	return out
}

// ScaleS16 applies gain to little-endian 16-bit samples in place, saturating
// at the int16 range.
func ScaleS16(raw []byte, gain float64) {
	if gain == 1 {
		return
	}
	for i := 0; i+1 < len(raw); i += 2 {
		s := float64(int16(binary.LittleEndian.Uint16(raw[i:])))
		v := math.Round(min(max(s*gain, math.MinInt16), math.MaxInt16))
		binary.LittleEndian.PutUint16(raw[i:], uint16(int16(v)))
	}
}
