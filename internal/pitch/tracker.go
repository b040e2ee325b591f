package pitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chase3718/crescendo/internal/capture"
)

const (
	DefaultGate         = 0.01
	DefaultStallTimeout = 2500 * time.Millisecond
)

// ErrStall means no frame arrived within the watchdog interval. The source
// may have stopped delivering without reporting an error.
var ErrStall = errors.New("pitch: stalled")

// Chunk is a voiced frame handed to an asynchronous detector as raw PCM16.
type Chunk struct {
	Seq  uint64
	Time float64
	PCM  []byte
}

// Estimate is the asynchronous detector's answer for one Chunk.
type Estimate struct {
	Seq     uint64
	Time    float64
	Hz      float64
	OK      bool
	Compute time.Duration
}

// Offload runs detection off the tracker goroutine. Submit must not block.
// Idle returns a channel closed once no accepted chunk is in flight or
// pending; every estimate for accepted chunks has been sent by then.
type Offload interface {
	Submit(Chunk)
	Results() <-chan Estimate
	Idle() <-chan struct{}
}

type Options struct {
	Gate         float64       // RMS below this is unvoiced without detection
	Alpha        float64       // smoothing weight of the newest estimate
	ResetAfter   time.Duration // 0 carries smoothing across unvoiced gaps
	StallTimeout time.Duration
	Offload      Offload // nil detects inline
	Logger       *slog.Logger
}

// Tracker turns frames into pitch frames. One Tracker belongs to one
// pipeline; its smoothing state is touched only from Run's goroutine.
type Tracker struct {
	det        Detector
	sampleRate int
	opts       Options
	smoother   *Smoother
	logger     *slog.Logger

	seq    uint64
	frames int64
	voiced int64
	gated  int64
}

func NewTracker(det Detector, sampleRate int, opts Options) *Tracker {
	if opts.Gate <= 0 {
		opts.Gate = DefaultGate
	}
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = DefaultStallTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Tracker{
		det:        det,
		sampleRate: sampleRate,
		opts:       opts,
		smoother:   NewSmoother(opts.Alpha, opts.ResetAfter.Seconds()),
		logger:     opts.Logger,
	}
}

// Process handles one frame synchronously.
func (t *Tracker) Process(f capture.Frame) Frame {
	t.frames++
	if f.RMS < t.opts.Gate {
		t.gated++
		return Unvoiced(f.Time)
	}
	hz, ok := t.det.Detect(f.Samples, t.sampleRate)
	return t.resolve(f.Time, hz, ok)
}

func (t *Tracker) resolve(at, hz float64, ok bool) Frame {
	if !ok || hz <= 0 {
		return Unvoiced(at)
	}
	t.voiced++
	return Voiced(at, t.smoother.Update(at, hz))
}

// Run consumes frames until the channel closes (nil), ctx ends, or the
// watchdog fires (ErrStall). With an Offload configured, voiced frames are
// submitted and their estimates emitted as they come back; gated frames are
// emitted immediately, so output may not be in time order. Once frames
// closes, Run keeps emitting until the Offload has answered every chunk it
// accepted.
func (t *Tracker) Run(ctx context.Context, frames <-chan capture.Frame, emit func(Frame)) error {
	watchdog := time.NewTimer(t.opts.StallTimeout)
	defer watchdog.Stop()

	var results <-chan Estimate
	if t.opts.Offload != nil {
		results = t.opts.Offload.Results()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-watchdog.C:
			t.logger.Warn("pitch: watchdog fired", "timeout", t.opts.StallTimeout, "frames", t.frames)
			return fmt.Errorf("%w: no frame for %s", ErrStall, t.opts.StallTimeout)

		case f, ok := <-frames:
			if !ok {
				return t.drain(ctx, watchdog, results, emit)
			}
			watchdog.Reset(t.opts.StallTimeout)
			if t.opts.Offload == nil || f.RMS < t.opts.Gate {
				emit(t.Process(f))
				continue
			}
			t.frames++
			t.seq++
			t.opts.Offload.Submit(Chunk{Seq: t.seq, Time: f.Time, PCM: capture.EncodePCM16(f.Samples)})

		case est, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			emit(t.resolve(est.Time, est.Hz, est.OK))
		}
	}
}

func (t *Tracker) drain(ctx context.Context, watchdog *time.Timer, results <-chan Estimate, emit func(Frame)) error {
	if t.opts.Offload == nil {
		return nil
	}
	idle := t.opts.Offload.Idle()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-watchdog.C:
			t.logger.Warn("pitch: watchdog fired while draining", "timeout", t.opts.StallTimeout, "submitted", t.seq)
			return fmt.Errorf("%w: offload idle for %s", ErrStall, t.opts.StallTimeout)

		case est, ok := <-results:
			if !ok {
				return nil
			}
			watchdog.Reset(t.opts.StallTimeout)
			emit(t.resolve(est.Time, est.Hz, est.OK))

		case <-idle:
			// Everything is already buffered in results.
			for {
				select {
				case est, ok := <-results:
					if !ok {
						return nil
					}
					emit(t.resolve(est.Time, est.Hz, est.OK))
				default:
					return nil
				}
			}
		}
	}
}

// Stats reports processed, voiced, and gated frame counts. Not safe to call
// while Run is active.
func (t *Tracker) Stats() (frames, voiced, gated int64) {
	return t.frames, t.voiced, t.gated
}

// Reset clears smoothing state, e.g. between takes.
func (t *Tracker) Reset() {
	t.smoother.Reset()
	t.frames, t.voiced, t.gated = 0, 0, 0
}
