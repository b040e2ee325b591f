// Package align estimates how far a recorded take lags a reference track.
//
// The default strategy looks for a sharp marker (a chirp or click) in both
// buffers after a first-difference filter and falls back to normalised
// cross-correlation when the marker is not clear enough.
package align

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/chase3718/crescendo/internal/wavio"
)

type Strategy string

const (
	Auto  Strategy = "auto"
	Chirp Strategy = "chirp"
	XCorr Strategy = "xcorr"
)

const (
	MethodPeak  = "peak"
	MethodXCorr = "xcorr"
	MethodError = "error"
)

type Options struct {
	Strategy     Strategy
	WindowSec    float64 // seconds from the start of each buffer; 0 uses all
	MinLagSec    float64
	MaxLagSec    float64
	LagStride    int
	SampleStride int
	PeakAccept   float64 // peak confidence above which the peak result is kept
	Refine       bool    // re-scan around the coarse xcorr lag at full resolution
	Logger       *slog.Logger
}

func DefaultOptions() Options {
	return Options{
		Strategy:     Auto,
		WindowSec:    3,
		MinLagSec:    -0.1,
		MaxLagSec:    0.5,
		LagStride:    4,
		SampleStride: 4,
		PeakAccept:   0.5,
	}
}

// Estimate is the aligner's answer. OffsetSamples is positive when the
// recording lags the reference. A zero Confidence must not be trusted.
type Estimate struct {
	OffsetSamples int     `json:"offset_samples"`
	OffsetMs      float64 `json:"offset_ms"`
	Confidence    float64 `json:"confidence"`
	Method        string  `json:"method"`
	Reason        string  `json:"reason,omitempty"`
}

func (e Estimate) Trusted() bool { return e.Confidence > 0 && e.Method != MethodError }

// OffsetOr returns the estimated offset, or fallbackMs when the estimate is
// not trusted.
func (e Estimate) OffsetOr(fallbackMs float64) float64 {
	if !e.Trusted() {
		return fallbackMs
	}
	return e.OffsetMs
}

func failed(err error) Estimate {
	return Estimate{Method: MethodError, Reason: err.Error()}
}

var (
	errEmpty        = errors.New("empty buffer")
	errRateMismatch = errors.New("sample rates differ")
	errNoOverlap    = errors.New("no overlap in lag range")
)

// Align compares rec against ref. It never returns an error; failures come
// back as an Estimate with Method "error" and zero confidence.
func Align(rec, ref wavio.PCM, opts Options) Estimate {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Strategy == "" {
		opts.Strategy = Auto
	}
	if opts.LagStride <= 0 {
		opts.LagStride = 1
	}
	if opts.SampleStride <= 0 {
		opts.SampleStride = 1
	}
	if rec.SampleRate != ref.SampleRate {
		return failed(fmt.Errorf("%w: %d vs %d", errRateMismatch, rec.SampleRate, ref.SampleRate))
	}
	sr := rec.SampleRate
	if sr <= 0 {
		return failed(errEmpty)
	}

	limit := 0
	if opts.WindowSec > 0 {
		limit = int(opts.WindowSec * float64(sr))
	}
	a := Diff(rec.Mono(limit))
	b := Diff(ref.Mono(limit))
	if len(a) == 0 || len(b) == 0 {
		return failed(errEmpty)
	}

	if opts.Strategy != XCorr {
		lag, conf := peakOffset(a, b)
		opts.Logger.Debug("align: peak", "lag", lag, "confidence", conf)
		if opts.Strategy == Chirp || conf > opts.PeakAccept {
			return estimate(lag, conf, MethodPeak, sr)
		}
	}

	minLag := int(math.Round(opts.MinLagSec * float64(sr)))
	maxLag := int(math.Round(opts.MaxLagSec * float64(sr)))
	lag, corr, ok := bestLag(a, b, minLag, maxLag, opts.LagStride, opts.SampleStride)
	if !ok {
		return failed(errNoOverlap)
	}
	if opts.Refine && opts.LagStride > 1 {
		if l, c, ok := bestLag(a, b, lag-opts.LagStride, lag+opts.LagStride, 1, 1); ok {
			lag, corr = l, c
		}
	}
	opts.Logger.Debug("align: xcorr", "lag", lag, "correlation", corr)
	return estimate(lag, clamp01(corr), MethodXCorr, sr)
}

// AlignFiles reads two WAV files and aligns them. I/O failures are reported
// as an error estimate.
func AlignFiles(recPath, refPath string, opts Options) Estimate {
	rec, err := wavio.ReadFile(recPath)
	if err != nil {
		return failed(err)
	}
	ref, err := wavio.ReadFile(refPath)
	if err != nil {
		return failed(err)
	}
	return Align(rec, ref, opts)
}

func estimate(lag int, conf float64, method string, sr int) Estimate {
	return Estimate{
		OffsetSamples: lag,
		OffsetMs:      float64(lag) * 1000 / float64(sr),
		Confidence:    conf,
		Method:        method,
	}
}

// Diff applies y[n] = x[n] - x[n-1] with y[0] = 0.
func Diff(x []float64) []float64 {
	y := make([]float64, len(x))
	for i := 1; i < len(x); i++ {
		y[i] = x[i] - x[i-1]
	}
	return y
}

func peakOffset(a, b []float64) (int, float64) {
	ia, ca := peak(a)
	ib, cb := peak(b)
	return ia - ib, clamp01(math.Min(ca, cb))
}

// peak returns the index of the largest magnitude and its prominence,
// (peak/rms)/10.
func peak(x []float64) (int, float64) {
	idx, top, sum := 0, 0.0, 0.0
	for i, v := range x {
		m := math.Abs(v)
		if m > top {
			idx, top = i, m
		}
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(x)))
	if rms == 0 {
		return idx, 0
	}
	return idx, top / rms / 10
}

// bestLag scans lags in [minLag, maxLag] and returns the one maximising the
// normalised dot product of a[i+lag] and b[i].
func bestLag(a, b []float64, minLag, maxLag, lagStride, sampleStride int) (int, float64, bool) {
	best, bestCorr, found := 0, math.Inf(-1), false
	for lag := minLag; lag <= maxLag; lag += lagStride {
		lo := max(0, -lag)
		hi := min(len(b), len(a)-lag)
		if hi-lo < 2 {
			continue
		}
		var dot, ea, eb float64
		for i := lo; i < hi; i += sampleStride {
			x, y := a[i+lag], b[i]
			dot += x * y
			ea += x * x
			eb += y * y
		}
		if ea == 0 || eb == 0 {
			continue
		}
		if c := dot / math.Sqrt(ea*eb); c > bestCorr {
			best, bestCorr, found = lag, c, true
		}
	}
	return best, bestCorr, found
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
