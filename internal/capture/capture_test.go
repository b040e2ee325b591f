package capture

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"github.com/chase3718/crescendo/internal/wavio"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ramp(n int, start float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*1e-4
	}
	return out
}

func TestFramerTimestampsSpacedByHop(t *testing.T) {
	cases := []struct{ frame, hop int }{
		{8, 8}, {8, 4}, {8, 1}, {1024, 256}, {7, 3},
	}
	for _, tc := range cases {
		f, err := NewFramer(100, tc.frame, tc.hop)
		require.NoError(t, err)

		var frames []Frame
		// Odd chunk sizes so frame and chunk boundaries never line up.
		for i := 0; i < 40; i++ {
			frames = append(frames, f.Push(ramp(13, float64(i)))...)
		}
		require.NotEmpty(t, frames)
		for i, fr := range frames {
			require.Len(t, fr.Samples, tc.frame)
			assert.InDelta(t, float64(i*tc.hop)/100, fr.Time, 1e-9)
			if i > 0 {
				assert.GreaterOrEqual(t, fr.Time, frames[i-1].Time)
			}
		}
	}
}

func TestFramerOverlapContent(t *testing.T) {
	f, err := NewFramer(10, 4, 2)
	require.NoError(t, err)
	frames := f.Push([]float64{0, 1, 2, 3, 4, 5, 6, 7})
	require.Len(t, frames, 3)
	assert.Equal(t, []float64{0, 1, 2, 3}, frames[0].Samples)
	assert.Equal(t, []float64{2, 3, 4, 5}, frames[1].Samples)
	assert.Equal(t, []float64{4, 5, 6, 7}, frames[2].Samples)
	assert.Equal(t, 2, f.Buffered())

	f.Reset()
	assert.Zero(t, f.Buffered())
	frames = f.Push([]float64{9, 9, 9, 9})
	require.Len(t, frames, 1)
	assert.Zero(t, frames[0].Time)
}

func TestFramerRejectsBadHop(t *testing.T) {
	_, err := NewFramer(100, 4, 5)
	assert.Error(t, err)
	_, err = NewFramer(100, 4, 0)
	assert.Error(t, err)
	_, err = NewFramer(0, 4, 2)
	assert.Error(t, err)
}

func TestRMS(t *testing.T) {
	assert.Zero(t, RMS(nil))
	assert.InDelta(t, 0.5, RMS([]float64{0.5, -0.5, 0.5, -0.5}), 1e-12)

	base := []float64{0.1, -0.3, 0.25, 0, -0.05}
	prev := RMS(base)
	assert.GreaterOrEqual(t, prev, 0.0)
	for _, k := range []float64{1.5, 2, 3} {
		scaled := make([]float64, len(base))
		for i, v := range base {
			scaled[i] = v * k
		}
		got := RMS(scaled)
		assert.Greater(t, got, prev)
		assert.InDelta(t, k*RMS(base), got, 1e-12)
		prev = got
	}
}

func TestDeclickInsertsLinearRamp(t *testing.T) {
	d := NewDeclicker(0.04, 32)
	first := d.Process([]float64{0.2, 0.6, 1.0})
	assert.Equal(t, []float64{0.2, 0.6, 1.0}, first)

	out := d.Process([]float64{-1.0, -0.5})
	require.Len(t, out, 32+2)
	bridge := out[:32]
	assert.Equal(t, 1.0, bridge[0])
	assert.Equal(t, -1.0, bridge[31])
	step := bridge[1] - bridge[0]
	for i := 1; i < len(bridge); i++ {
		assert.InDelta(t, step, bridge[i]-bridge[i-1], 1e-12, "ramp not linear at %d", i)
	}
	assert.Equal(t, []float64{-1.0, -0.5}, out[32:])
	assert.Equal(t, 1, d.Ramps())
}

func TestDeclickLeavesSmallJumpsAndNaN(t *testing.T) {
	d := NewDeclicker(0.04, 32)
	d.Process([]float64{0.10})
	assert.Len(t, d.Process([]float64{0.13}), 1)
	d.Process([]float64{math.NaN()})
	assert.Len(t, d.Process([]float64{0.9}), 1)
	assert.Len(t, d.Process(nil), 0)
	assert.Zero(t, d.Ramps())
}

func TestNormalizePayloads(t *testing.T) {
	got, err := Normalize([]int16{-32768, 0, 16384})
	require.NoError(t, err)
	assert.Equal(t, []float64{-1, 0, 0.5}, got)

	got, err = Normalize([]float32{0.25, 2})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.25, 1}, got)

	got, err = Normalize(EncodePCM16([]float64{0.5, -0.5}))
	require.NoError(t, err)
	assert.InDelta(t, 0.5, got[0], 1e-4)
	assert.InDelta(t, -0.5, got[1], 1e-4)

	_, err = Normalize([]byte{1, 2, 3})
	assert.Error(t, err)
	_, err = Normalize("nope")
	assert.Error(t, err)
}

func TestPacketRoundTripWithResync(t *testing.T) {
	samples := make([]float64, 300)
	for i := range samples {
		samples[i] = math.Sin(float64(i) / 7)
	}
	wire := append([]byte{0x00, 0x13, SOF0}, EncodeSamples(samples)...)
	// A corrupt packet in the middle must be skipped.
	bad := (&Packet{PCM: []byte{1, 2}}).Encode()
	bad[len(bad)-1] ^= 0xFF
	wire = append(wire, bad...)
	wire = append(wire, EncodeSamples([]float64{0.5})...)

	pr := NewPacketReader(bytes.NewReader(wire))
	var got []float64
	for {
		s, err := pr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, s...)
	}
	require.Len(t, got, 301)
	for i := range samples {
		assert.InDelta(t, samples[i], got[i], 1e-4)
	}
	assert.Equal(t, 1, pr.Corrupt())
}

func TestCaptureRunDeclicksAndFrames(t *testing.T) {
	src := &SliceSource{Rate: 1000, Chunks: [][]float64{
		{0.1, 0.1, 0.1, 1.0},
		{-1.0, -1.0, -1.0, -1.0},
	}}
	c, err := New(src, Options{FrameSize: 4, HopSize: 4, RampLen: 4, Logger: quietLogger()})
	require.NoError(t, err)

	out := make(chan Frame, 16)
	require.NoError(t, c.Run(context.Background(), out))
	close(out)

	var frames []Frame
	for f := range out {
		frames = append(frames, f)
	}
	// 4 + 4 ramp + 4 samples = 12 samples -> 3 frames.
	require.Len(t, frames, 3)
	assert.Equal(t, roundAll([]float64{1.0, 1.0 / 3, -1.0 / 3, -1.0}), roundAll(frames[1].Samples))
	assert.InDelta(t, 0.008, frames[2].Time, 1e-12)
	assert.EqualValues(t, 2, c.Chunks())
}

func roundAll(xs []float64) []float64 {
	out := make([]float64, len(xs))
	for i, v := range xs {
		out[i] = math.Round(v*1e9) / 1e9
	}
	return out
}

func TestCaptureDeliveryErrorKeepsState(t *testing.T) {
	boom := errors.New("hw buffer overrun")
	src := &SliceSource{Rate: 100, Chunks: [][]float64{{0.1, 0.1, 0.1}}, Err: boom}
	c, err := New(src, Options{FrameSize: 4, HopSize: 2, Logger: quietLogger()})
	require.NoError(t, err)

	err = c.Run(context.Background(), make(chan Frame, 4))
	var de *DeliveryError
	require.ErrorAs(t, err, &de)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, c.framer.Buffered(), "framer state must survive a delivery error")

	c.Stop()
	assert.Zero(t, c.framer.Buffered())
}

func TestCaptureStartFailuresAreFatalKinds(t *testing.T) {
	c, err := New(&SliceSource{Rate: 100, StartErr: ErrPermissionDenied}, Options{FrameSize: 4, HopSize: 2, Logger: quietLogger()})
	require.NoError(t, err)
	assert.ErrorIs(t, c.Run(context.Background(), make(chan Frame)), ErrPermissionDenied)

	c, err = New(&SliceSource{Rate: 100, StartErr: errors.New("no device")}, Options{FrameSize: 4, HopSize: 2, Logger: quietLogger()})
	require.NoError(t, err)
	assert.ErrorIs(t, c.Run(context.Background(), make(chan Frame)), ErrStreamInit)
}

func TestCaptureStopsOnCancel(t *testing.T) {
	src := &SliceSource{Rate: 100, Hold: true}
	c, err := New(src, Options{FrameSize: 4, HopSize: 2, Logger: quietLogger()})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Run(ctx, make(chan Frame)), context.DeadlineExceeded)
}

func TestSerialStreamPackets(t *testing.T) {
	pr, pw := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := streamPackets(ctx, pr, quietLogger())

	go func() {
		_, _ = pw.Write(EncodeSamples([]float64{0.25, -0.25}))
		_ = pw.CloseWithError(errors.New("cable pulled"))
	}()

	d := <-ch
	require.NoError(t, d.Err)
	require.Len(t, d.Samples, 2)
	d = <-ch
	assert.EqualError(t, d.Err, "cable pulled")
	_, open := <-ch
	assert.False(t, open)
}

func TestSerialSourceOpenFailure(t *testing.T) {
	s := NewSerialSource("/dev/nope", 9600, 16000, quietLogger())
	s.openPort = func(string, *serial.Mode) (serial.Port, error) { return nil, errors.New("no such file") }
	_, err := s.Start(context.Background())
	assert.ErrorIs(t, err, ErrStreamInit)
}

func TestFileSourceReplaysWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "take.wav")
	samples := make([]float64, 2500)
	for i := range samples {
		samples[i] = 0.3 * math.Sin(float64(i)/5)
	}
	require.NoError(t, wavio.WriteFile(path, wavio.FromMono(samples, 8000)))

	fs, err := OpenFile(path, 1000, false)
	require.NoError(t, err)
	assert.Equal(t, 8000, fs.SampleRate())

	ch, err := fs.Start(context.Background())
	require.NoError(t, err)
	var sizes []int
	for d := range ch {
		require.NoError(t, d.Err)
		sizes = append(sizes, len(d.Samples))
	}
	assert.Equal(t, []int{1000, 1000, 500}, sizes)

	_, err = OpenFile(filepath.Join(t.TempDir(), "missing.wav"), 0, false)
	assert.ErrorIs(t, err, ErrStreamInit)
}
