package capture

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Normalize converts a raw platform payload into normalised mono samples in
// [-1, 1]. Everything past the capture boundary works on []float64 only.
func Normalize(payload any) ([]float64, error) {
	switch p := payload.(type) {
	case []float64:
		out := make([]float64, len(p))
		for i, v := range p {
			out[i] = clampUnit(v)
		}
		return out, nil
	case []float32:
		out := make([]float64, len(p))
		for i, v := range p {
			out[i] = clampUnit(float64(v))
		}
		return out, nil
	case []int16:
		out := make([]float64, len(p))
		for i, v := range p {
			out[i] = float64(v) / 32768.0
		}
		return out, nil
	case []int32:
		out := make([]float64, len(p))
		for i, v := range p {
			out[i] = float64(v) / 2147483648.0
		}
		return out, nil
	case []byte:
		if len(p)%2 != 0 {
			return nil, fmt.Errorf("normalize: odd PCM16 byte length %d", len(p))
		}
		return DecodePCM16(p), nil
	case nil:
		return nil, fmt.Errorf("normalize: nil payload")
	default:
		return nil, fmt.Errorf("normalize: unsupported payload %T", payload)
	}
}

// DecodePCM16 decodes little-endian signed 16-bit PCM. A trailing odd byte is
// ignored.
func DecodePCM16(b []byte) []float64 {
	out := make([]float64, len(b)/2)
	for i := range out {
		out[i] = float64(int16(binary.LittleEndian.Uint16(b[2*i:]))) / 32768.0
	}
	return out
}

// EncodePCM16 is the inverse of DecodePCM16, clamping to [-1, 1].
func EncodePCM16(samples []float64) []byte {
	out := make([]byte, 2*len(samples))
	for i, v := range samples {
		q := math.Round(clampUnit(v) * 32767)
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(q)))
	}
	return out
}

func clampUnit(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	case v < -1:
		return -1
	}
	return v
}
