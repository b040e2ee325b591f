package capture

import "math"

const (
	DefaultDeclickThreshold = 0.04
	DefaultRampLen          = 32 // ~0.7 ms at 44.1 kHz
)

// Declicker bridges discontinuities between consecutive source deliveries.
// It looks only at chunk boundaries, never at frame boundaries.
type Declicker struct {
	Threshold float64
	RampLen   int

	last    float64
	hasLast bool
	ramps   int
}

func NewDeclicker(threshold float64, rampLen int) *Declicker {
	if threshold <= 0 {
		threshold = DefaultDeclickThreshold
	}
	if rampLen <= 0 {
		rampLen = DefaultRampLen
	}
	return &Declicker{Threshold: threshold, RampLen: rampLen}
}

// Process returns chunk, prefixed with a linear ramp from the previous
// chunk's last sample to this chunk's first sample when the jump between them
// exceeds the threshold. The ramp starts exactly at the old value and ends
// exactly at the new one.
func (d *Declicker) Process(chunk []float64) []float64 {
	if len(chunk) == 0 {
		return chunk
	}
	first := chunk[0]
	prev, had := d.last, d.hasLast
	d.last = chunk[len(chunk)-1]
	d.hasLast = true

	if !had {
		return chunk
	}
	jump := math.Abs(first - prev)
	if math.IsNaN(jump) || math.IsInf(jump, 0) || jump <= d.Threshold {
		return chunk
	}

	n := d.RampLen
	out := make([]float64, n, n+len(chunk))
	if n == 1 {
		out[0] = prev
	} else {
		step := (first - prev) / float64(n-1)
		for i := 0; i < n; i++ {
			out[i] = prev + step*float64(i)
		}
		out[n-1] = first
	}
	d.ramps++
	return append(out, chunk...)
}

// Ramps counts inserted ramps since the last Reset.
func (d *Declicker) Ramps() int { return d.ramps }

func (d *Declicker) Reset() {
	d.last = 0
	d.hasLast = false
	d.ramps = 0
}
