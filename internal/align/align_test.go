package align

import (
	"io"
	"log/slog"
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chase3718/crescendo/internal/wavio"
)

const rate = 8000

func testOptions() Options {
	o := DefaultOptions()
	o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return o
}

func delayed(x []float64, k int) []float64 {
	return append(make([]float64, k), x...)
}

// clickTrack is a quiet tone with a single loud click at index at.
func clickTrack(n, at int) []float64 {
	x := make([]float64, n)
	for i := range x {
		x[i] = 0.05 * math.Sin(2*math.Pi*200*float64(i)/rate)
	}
	x[at] = 0.9
	return x
}

// smoothNoise is white noise through a 16-tap moving average, giving a
// correlation peak a few samples wide.
func smoothNoise(n int, seed int64) []float64 {
	rng := rand.New(rand.NewSource(seed))
	white := make([]float64, n+16)
	for i := range white {
		white[i] = rng.Float64()*2 - 1
	}
	x := make([]float64, n)
	for i := range x {
		var s float64
		for j := 0; j < 16; j++ {
			s += white[i+j]
		}
		x[i] = 0.3 * s / 16
	}
	return x
}

func TestPeakFindsDelayedClick(t *testing.T) {
	ref := clickTrack(rate, 1000)
	rec := delayed(ref, 300)

	est := Align(wavio.FromMono(rec, rate), wavio.FromMono(ref, rate), testOptions())
	assert.Equal(t, MethodPeak, est.Method)
	assert.Equal(t, 300, est.OffsetSamples)
	assert.InDelta(t, 37.5, est.OffsetMs, 1e-9)
	assert.Greater(t, est.Confidence, 0.5)
	assert.True(t, est.Trusted())
}

func TestXCorrFindsDelayedNoise(t *testing.T) {
	ref := smoothNoise(rate, 3)
	rec := delayed(ref, 400)

	opts := testOptions()
	opts.Strategy = XCorr
	est := Align(wavio.FromMono(rec, rate), wavio.FromMono(ref, rate), opts)
	assert.Equal(t, MethodXCorr, est.Method)
	assert.Equal(t, 400, est.OffsetSamples)
	assert.Greater(t, est.Confidence, 0.9)
	assert.LessOrEqual(t, est.Confidence, 1.0)
}

func TestXCorrNegativeLag(t *testing.T) {
	ref := smoothNoise(rate, 5)
	rec := ref[200:]

	opts := testOptions()
	opts.Strategy = XCorr
	est := Align(wavio.FromMono(rec, rate), wavio.FromMono(ref, rate), opts)
	assert.Equal(t, -200, est.OffsetSamples)
}

func TestRefineRecoversOffStrideLag(t *testing.T) {
	ref := smoothNoise(rate, 9)
	rec := delayed(ref, 401)

	opts := testOptions()
	opts.Strategy = XCorr
	coarse := Align(wavio.FromMono(rec, rate), wavio.FromMono(ref, rate), opts)
	assert.InDelta(t, 401, coarse.OffsetSamples, 4)

	opts.Refine = true
	fine := Align(wavio.FromMono(rec, rate), wavio.FromMono(ref, rate), opts)
	assert.Equal(t, 401, fine.OffsetSamples)
	assert.GreaterOrEqual(t, fine.Confidence, coarse.Confidence)
}

func TestForcedChirpKeepsPeakResult(t *testing.T) {
	ref := smoothNoise(rate, 1)
	opts := testOptions()
	opts.Strategy = Chirp
	est := Align(wavio.FromMono(ref, rate), wavio.FromMono(ref, rate), opts)
	assert.Equal(t, MethodPeak, est.Method)
	assert.Zero(t, est.OffsetSamples)
}

func TestFailuresAreZeroConfidence(t *testing.T) {
	good := wavio.FromMono(clickTrack(rate, 10), rate)

	cases := map[string]Estimate{
		"rate mismatch": Align(good, wavio.FromMono(clickTrack(rate, 10), 16000), testOptions()),
		"empty":         Align(wavio.PCM{SampleRate: rate, Channels: 1}, good, testOptions()),
		"silent":        Align(wavio.FromMono(make([]float64, 100), rate), wavio.FromMono(make([]float64, 100), rate), Options{Strategy: XCorr}),
		"missing file":  AlignFiles(filepath.Join(t.TempDir(), "nope.wav"), "also-nope.wav", testOptions()),
	}
	for name, est := range cases {
		assert.Equal(t, MethodError, est.Method, name)
		assert.Zero(t, est.Confidence, name)
		assert.Zero(t, est.OffsetSamples, name)
		assert.NotEmpty(t, est.Reason, name)
		assert.False(t, est.Trusted(), name)
		assert.Equal(t, 120.0, est.OffsetOr(120), name)
	}
}

func TestAlignFiles(t *testing.T) {
	dir := t.TempDir()
	ref := clickTrack(rate, 2000)
	refPath := filepath.Join(dir, "ref.wav")
	recPath := filepath.Join(dir, "take.wav")
	require.NoError(t, wavio.WriteFile(refPath, wavio.FromMono(ref, rate)))
	require.NoError(t, wavio.WriteFile(recPath, wavio.FromMono(delayed(ref, 800), rate)))

	est := AlignFiles(recPath, refPath, testOptions())
	assert.Equal(t, 800, est.OffsetSamples)
	assert.InDelta(t, 100, est.OffsetOr(0), 1e-9)
}

func TestDiff(t *testing.T) {
	assert.Equal(t, []float64{0, 1, 1, -3}, Diff([]float64{5, 6, 7, 4}))
	assert.Empty(t, Diff(nil))
}
