package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chase3718/crescendo/internal/capture"
	"github.com/chase3718/crescendo/internal/pitch"
	"github.com/chase3718/crescendo/internal/plan"
)

const rate = 8000

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions() Options {
	return Options{
		Capture:     capture.Options{FrameSize: 1024, HopSize: 256, DeclickThreshold: 2, RampLen: 32},
		Tracker:     pitch.Options{StallTimeout: time.Second},
		HistorySize: 16,
		Backoff:     time.Millisecond,
		MaxRestarts: 3,
		StableAfter: time.Hour,
		Logger:      quietLogger(),
	}
}

// toneChunks splits seconds of a sine at hz into 512-sample chunks.
func toneChunks(hz, seconds float64) [][]float64 {
	n := int(seconds * rate)
	var out [][]float64
	for start := 0; start < n; start += 512 {
		c := make([]float64, min(512, n-start))
		for i := range c {
			c[i] = 0.5 * math.Sin(2*math.Pi*hz*float64(start+i)/rate)
		}
		out = append(out, c)
	}
	return out
}

func newSession(t *testing.T, src capture.Source, det pitch.Detector, opts Options) *Session {
	t.Helper()
	lease, err := NewArbiter().Acquire(t.Name())
	require.NoError(t, err)
	s, err := New(lease, src, det, opts)
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	return s
}

func TestArbiterIsExclusive(t *testing.T) {
	arb := NewArbiter()
	first, err := arb.Acquire("live")
	require.NoError(t, err)
	assert.True(t, first.Valid())

	_, err = arb.Acquire("batch")
	assert.ErrorIs(t, err, ErrSessionBusy)

	first.Release()
	first.Release()
	assert.False(t, first.Valid())

	second, err := arb.Acquire("batch")
	require.NoError(t, err)
	holder, ok := arb.Holder()
	assert.True(t, ok)
	assert.Equal(t, second.ID, holder.ID)
	assert.NotEqual(t, first.ID, second.ID)

	_, err = New(first, &capture.SliceSource{Rate: rate}, nil, testOptions())
	assert.ErrorIs(t, err, ErrLeaseInvalid)
	_, err = New(nil, &capture.SliceSource{Rate: rate}, nil, testOptions())
	assert.ErrorIs(t, err, ErrLeaseInvalid)
}

func TestSessionTracksAndScoresTone(t *testing.T) {
	src := &capture.SliceSource{Rate: rate, Chunks: toneChunks(220, 1)}
	s := newSession(t, src, pitch.NewNSDFDetector(80, 1000, 0.6), testOptions())

	require.NoError(t, s.Run(context.Background()))

	frames := s.Frames()
	require.NotEmpty(t, frames)
	for i, f := range frames {
		require.True(t, f.Voiced(), "frame %d", i)
		assert.InDelta(t, pitch.HzToMIDI(220), *f.MIDI, 0.1)
		if i > 0 {
			assert.InDelta(t, 256.0/rate, f.Time-frames[i-1].Time, 1e-9)
		}
	}
	assert.Equal(t, min(len(frames), 16), s.History().Len())

	res := s.Finish([]plan.Note{{MIDI: 57, Duration: 0.8}}, 0)
	assert.Equal(t, 5, res.Stars)
	assert.Greater(t, res.Score, 90.0)
}

func TestSessionThroughMailbox(t *testing.T) {
	src := &capture.SliceSource{Rate: rate, Chunks: toneChunks(330, 0.5), Pace: time.Millisecond}
	opts := testOptions()
	opts.UseMailbox = true
	det := pitch.DetectorFunc(func([]float64, int) (float64, bool) { return 330, true })
	s := newSession(t, src, det, opts)

	require.NoError(t, s.Run(context.Background()))
	require.Eventually(t, func() bool {
		st, ok := s.MailboxStats()
		return ok && st.Submitted > 0 && st.Submitted == st.Dispatched+st.Dropped
	}, time.Second, 5*time.Millisecond)

	frames := s.Frames()
	require.NotEmpty(t, frames)
	for i := 1; i < len(frames); i++ {
		assert.LessOrEqual(t, frames[i-1].Time, frames[i].Time)
	}
}

func TestDeliveryErrorsExhaustRestarts(t *testing.T) {
	src := &capture.SliceSource{Rate: rate, Chunks: toneChunks(220, 0.2), Err: errors.New("buffer overrun")}
	s := newSession(t, src, pitch.NewNSDFDetector(80, 1000, 0.6), testOptions())

	err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrRestartsExhausted)
	var de *capture.DeliveryError
	assert.ErrorAs(t, err, &de)
	assert.Equal(t, 4, src.Starts())
	assert.Equal(t, 3, s.Supervisor().Restarts())
	assert.NotEmpty(t, s.Frames(), "frames from failed runs are kept")
}

func TestPermissionDeniedIsFatal(t *testing.T) {
	src := &capture.SliceSource{Rate: rate, StartErr: fmt.Errorf("mic: %w", capture.ErrPermissionDenied)}
	s := newSession(t, src, nil, testOptions())

	err := s.Run(context.Background())
	assert.ErrorIs(t, err, capture.ErrPermissionDenied)
	assert.NotErrorIs(t, err, ErrRestartsExhausted)
	assert.Equal(t, 1, src.Starts())
}

func TestStallRestartsPipeline(t *testing.T) {
	src := &capture.SliceSource{Rate: rate, Chunks: toneChunks(220, 0.2), Hold: true}
	opts := testOptions()
	opts.Tracker.StallTimeout = 20 * time.Millisecond
	opts.MaxRestarts = 2
	s := newSession(t, src, pitch.NewNSDFDetector(80, 1000, 0.6), opts)

	err := s.Run(context.Background())
	assert.ErrorIs(t, err, ErrRestartsExhausted)
	assert.ErrorIs(t, err, pitch.ErrStall)
	assert.Equal(t, 3, src.Starts())
}

func TestStopCancelsAndReleases(t *testing.T) {
	arb := NewArbiter()
	lease, err := arb.Acquire("live")
	require.NoError(t, err)
	src := &capture.SliceSource{Rate: rate, Chunks: toneChunks(220, 0.1), Hold: true}
	opts := testOptions()
	opts.Tracker.StallTimeout = time.Minute
	s, err := New(lease, src, pitch.NewNSDFDetector(80, 1000, 0.6), opts)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	require.Eventually(t, func() bool { return len(s.Frames()) > 0 }, time.Second, 5*time.Millisecond)

	s.Stop()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.False(t, lease.Valid())
	_, held := arb.Holder()
	assert.False(t, held)
	assert.ErrorIs(t, s.Run(context.Background()), ErrStopped)
	assert.NotEmpty(t, s.Frames())
	s.Stop()
}

func TestSupervisorStableRunResetsCount(t *testing.T) {
	calls := 0
	sup := &Supervisor{Backoff: time.Millisecond, MaxRestarts: 1, StableAfter: time.Nanosecond, Logger: quietLogger()}
	err := sup.Run(context.Background(), func(context.Context) error {
		calls++
		if calls < 5 {
			time.Sleep(time.Millisecond)
			return &capture.DeliveryError{Err: io.ErrUnexpectedEOF}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 5, calls)
	assert.Equal(t, 4, sup.Restarts())
}

func TestSupervisorOnRestartAndFatal(t *testing.T) {
	var causes []error
	sup := &Supervisor{Backoff: time.Millisecond, MaxRestarts: 3, Logger: quietLogger(), OnRestart: func(_ int, err error) { causes = append(causes, err) }}
	calls := 0
	boom := errors.New("boom")
	err := sup.Run(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return fmt.Errorf("tracker: %w", pitch.ErrStall)
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)
	require.Len(t, causes, 1)
	assert.ErrorIs(t, causes[0], pitch.ErrStall)
}

func TestSupervisorStopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sup := &Supervisor{Backoff: time.Hour, MaxRestarts: 3, Logger: quietLogger()}
	err := sup.Run(ctx, func(context.Context) error {
		cancel()
		return &capture.DeliveryError{Err: io.EOF}
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSupervisorZeroValueUsesDefaults(t *testing.T) {
	calls := 0
	sup := &Supervisor{Logger: quietLogger()}
	start := time.Now()
	err := sup.Run(context.Background(), func(context.Context) error {
		calls++
		return &capture.DeliveryError{Err: io.ErrUnexpectedEOF}
	})
	require.ErrorIs(t, err, ErrRestartsExhausted)
	assert.Equal(t, DefaultMaxRestarts+1, calls)
	assert.Equal(t, DefaultMaxRestarts, sup.Restarts())
	assert.GreaterOrEqual(t, time.Since(start), DefaultMaxRestarts*DefaultBackoff)
}

func TestSupervisorNegativeMaxRestartsDisablesRestarts(t *testing.T) {
	calls := 0
	sup := &Supervisor{MaxRestarts: -1, Logger: quietLogger()}
	err := sup.Run(context.Background(), func(context.Context) error {
		calls++
		return fmt.Errorf("tracker: %w", pitch.ErrStall)
	})
	assert.ErrorIs(t, err, ErrRestartsExhausted)
	assert.Equal(t, 1, calls)
	assert.Zero(t, sup.Restarts())
}

func TestSessionKeepsLastAdmittedChunk(t *testing.T) {
	src := &capture.SliceSource{Rate: rate, Chunks: toneChunks(330, 1024.0/rate)}
	opts := testOptions()
	opts.UseMailbox = true
	det := pitch.DetectorFunc(func([]float64, int) (float64, bool) {
		time.Sleep(20 * time.Millisecond)
		return 330, true
	})
	s := newSession(t, src, det, opts)

	require.NoError(t, s.Run(context.Background()))

	frames := s.Frames()
	require.Len(t, frames, 1)
	assert.True(t, frames[0].Voiced())
	assert.InDelta(t, pitch.HzToMIDI(330), *frames[0].MIDI, 1e-6)
	st, ok := s.MailboxStats()
	require.True(t, ok)
	assert.EqualValues(t, 1, st.Completed)
}
