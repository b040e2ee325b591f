package pitch

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Detector estimates the fundamental of one frame. ok is false when the
// frame has no usable candidate.
type Detector interface {
	Detect(samples []float64, sampleRate int) (hz float64, ok bool)
}

// DetectorFunc adapts a plain function to Detector.
type DetectorFunc func(samples []float64, sampleRate int) (float64, bool)

func (f DetectorFunc) Detect(samples []float64, sampleRate int) (float64, bool) {
	return f(samples, sampleRate)
}

// NSDFDetector picks the first strong peak of the normalised square
// difference function. The autocorrelation term is computed with a zero
// padded FFT; plans are cached per frame size.
type NSDFDetector struct {
	MinHz   float64
	MaxHz   float64
	Clarity float64 // minimum peak height in [0,1]
	PeakK   float64 // fraction of the highest peak a key maximum must reach

	mu    sync.Mutex
	plans map[int]*fourier.FFT
}

func NewNSDFDetector(minHz, maxHz, clarity float64) *NSDFDetector {
	return &NSDFDetector{MinHz: minHz, MaxHz: maxHz, Clarity: clarity, PeakK: 0.9}
}

// plan must be called with d.mu held.
func (d *NSDFDetector) plan(n int) *fourier.FFT {
	if d.plans == nil {
		d.plans = make(map[int]*fourier.FFT)
	}
	p, ok := d.plans[n]
	if !ok {
		p = fourier.NewFFT(n)
		d.plans[n] = p
	}
	return p
}

func (d *NSDFDetector) Detect(x []float64, sampleRate int) (float64, bool) {
	w := len(x)
	if w < 4 || sampleRate <= 0 {
		return 0, false
	}
	minLag := int(math.Floor(float64(sampleRate) / d.MaxHz))
	maxLag := int(math.Ceil(float64(sampleRate) / d.MinHz))
	if minLag < 2 {
		minLag = 2
	}
	if maxLag > w/2-1 {
		maxLag = w/2 - 1
	}
	if minLag >= maxLag {
		return 0, false
	}

	r := d.autocorr(x, maxLag+2)

	// m(tau) = sum_{j<w-tau} x_j^2 + x_{j+tau}^2, updated incrementally.
	nsdf := make([]float64, maxLag+2)
	m := 2 * r[0]
	for tau := 0; tau <= maxLag+1; tau++ {
		if tau > 0 {
			m -= x[tau-1]*x[tau-1] + x[w-tau]*x[w-tau]
		}
		if m > 1e-12 {
			nsdf[tau] = 2 * r[tau] / m
		}
	}

	highest := 0.0
	for tau := minLag; tau <= maxLag; tau++ {
		highest = math.Max(highest, nsdf[tau])
	}
	if highest < d.Clarity {
		return 0, false
	}
	threshold := d.PeakK * highest
	for tau := minLag; tau <= maxLag; tau++ {
		v := nsdf[tau]
		if v < threshold || v <= nsdf[tau-1] || v < nsdf[tau+1] {
			continue
		}
		// Parabolic interpolation around the discrete peak.
		a, b, c := nsdf[tau-1], v, nsdf[tau+1]
		shift := 0.0
		if den := a - 2*b + c; den != 0 {
			shift = 0.5 * (a - c) / den
		}
		period := float64(tau) + shift
		if period <= 0 {
			return 0, false
		}
		return float64(sampleRate) / period, true
	}
	return 0, false
}

// autocorr returns r[0..n) of x via |FFT|^2 with enough zero padding to avoid
// circular wrap. gonum FFT plans keep scratch space, so use is serialised.
func (d *NSDFDetector) autocorr(x []float64, n int) []float64 {
	size := 1
	for size < len(x)+n {
		size <<= 1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	fft := d.plan(size)
	buf := make([]float64, size)
	copy(buf, x)
	coeff := fft.Coefficients(nil, buf)
	for i, c := range coeff {
		re, im := real(c), imag(c)
		coeff[i] = complex(re*re+im*im, 0)
	}
	seq := fft.Sequence(nil, coeff)
	out := make([]float64, n)
	scale := 1 / float64(size)
	for i := range out {
		out[i] = seq[i] * scale
	}
	return out
}
