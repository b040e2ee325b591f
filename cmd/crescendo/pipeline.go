package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"github.com/chase3718/crescendo/internal/align"
	"github.com/chase3718/crescendo/internal/capture"
	"github.com/chase3718/crescendo/internal/config"
	"github.com/chase3718/crescendo/internal/mailbox"
	"github.com/chase3718/crescendo/internal/pitch"
	"github.com/chase3718/crescendo/internal/plan"
	"github.com/chase3718/crescendo/internal/session"
	"github.com/chase3718/crescendo/internal/store"
)

func newDetector(cfg *config.Root) pitch.Detector {
	return pitch.NewNSDFDetector(cfg.Pitch.MinHz, cfg.Pitch.MaxHz, cfg.Pitch.Clarity)
}

func sessionOptions(cfg *config.Root) session.Options {
	return session.Options{
		Capture: capture.Options{
			FrameSize:        cfg.Audio.FrameSize,
			HopSize:          cfg.Audio.HopSize,
			DeclickThreshold: cfg.Declick.Threshold,
			RampLen:          cfg.Declick.RampLen,
		},
		Tracker: pitch.Options{
			Gate:         cfg.Pitch.Gate,
			Alpha:        cfg.Pitch.Alpha,
			ResetAfter:   cfg.Pitch.ResetAfter,
			StallTimeout: cfg.Pitch.StallTimeout,
		},
		UseMailbox:  cfg.Pitch.UseMailbox,
		Mailbox:     mailbox.Options{EWMAAlpha: cfg.Mailbox.EWMAAlpha},
		HistorySize: cfg.Pitch.HistorySize,
		Backoff:     cfg.Supervisor.Backoff,
		MaxRestarts: cfg.Supervisor.MaxRestarts,
		StableAfter: cfg.Supervisor.StableAfter,
		Logger:      logger,
	}
}

func alignOptions(cfg *config.Root) align.Options {
	return align.Options{
		Strategy:     align.Strategy(cfg.Align.Strategy),
		WindowSec:    cfg.Align.WindowSec,
		MinLagSec:    cfg.Align.MinLagSec,
		MaxLagSec:    cfg.Align.MaxLagSec,
		LagStride:    cfg.Align.LagStride,
		SampleStride: cfg.Align.SampleStride,
		PeakAccept:   cfg.Align.PeakAccept,
		Refine:       cfg.Align.Refine,
		Logger:       logger,
	}
}

// loadExercise reads a YAML plan or a standard MIDI file, folding notes into
// [low, high] when both are set.
func loadExercise(path string, low, high int) (*plan.Exercise, error) {
	var (
		ex  *plan.Exercise
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mid", ".midi", ".smf":
		ex, err = plan.LoadSMF(path)
	default:
		ex, err = plan.LoadYAML(path)
	}
	if err != nil {
		return nil, err
	}
	if low > 0 && high > 0 {
		return plan.FitRange(ex, plan.Range{Low: low, High: high}, logger)
	}
	return ex, nil
}

type scorer struct {
	cfg   *config.Root
	ex    *plan.Exercise
	ref   string // reference WAV for latency alignment; empty skips it
	det   pitch.Detector
	store store.Store

	leases sync.Map // absolute take path -> *session.Arbiter
}

// arbiter returns the arbiter guarding one take file. A take is replayed by
// at most one session at a time; different takes never contend.
func (s *scorer) arbiter(takePath string) *session.Arbiter {
	key := takePath
	if abs, err := filepath.Abs(takePath); err == nil {
		key = abs
	}
	arb, _ := s.leases.LoadOrStore(key, session.NewArbiter())
	return arb.(*session.Arbiter)
}

func (s *scorer) fallbackEstimate() align.Estimate {
	return align.Estimate{Method: align.MethodError, Reason: "no reference"}
}

// scoreTake replays one recorded take through a fresh session, aligns it to
// the reference, scores it and stores the attempt.
func (s *scorer) scoreTake(ctx context.Context, takePath string) (store.Attempt, error) {
	lease, err := s.arbiter(takePath).Acquire("take:" + filepath.Base(takePath))
	if err != nil {
		return store.Attempt{}, fmt.Errorf("%s: %w", takePath, err)
	}
	src, err := capture.OpenFile(takePath, s.cfg.Audio.ChunkSize, false)
	if err != nil {
		lease.Release()
		return store.Attempt{}, err
	}
	sess, err := session.New(lease, src, s.det, sessionOptions(s.cfg))
	if err != nil {
		lease.Release()
		return store.Attempt{}, err
	}
	defer sess.Stop()
	if err := sess.Run(ctx); err != nil {
		return store.Attempt{}, fmt.Errorf("%s: %w", takePath, err)
	}

	est := s.fallbackEstimate()
	if s.ref != "" {
		est = align.AlignFiles(takePath, s.ref, alignOptions(s.cfg))
	}
	if !est.Trusted() {
		logger.Warn("alignment untrusted, using fallback offset", "take", takePath,
			"reason", est.Reason, "fallback_ms", s.cfg.Align.FallbackMs)
	}
	offsetMs := est.OffsetOr(s.cfg.Align.FallbackMs) + s.ex.Lead*1000

	res := sess.Finish(s.ex.Notes, offsetMs)
	a := store.NewAttempt(s.ex.Name, s.ex.Notes, est, offsetMs, res)
	a.Take = takePath
	if s.store != nil {
		if err := s.store.Save(a); err != nil {
			return a, err
		}
	}
	logger.Info("take scored", "take", takePath, "attempt", a.ID, "score", fmt.Sprintf("%.1f", res.Score),
		"stars", res.Stars, "offset_ms", fmt.Sprintf("%.1f", offsetMs), "method", est.Method)
	return a, nil
}

func printAttempt(w io.Writer, a store.Attempt) {
	fmt.Fprintf(w, "%s  %s  score %.1f  %s\n", a.ID, a.Exercise, a.Result.Score, strings.Repeat("*", a.Result.Stars))
	fmt.Fprintf(w, "  offset %.1f ms (%s, confidence %.2f)  mean |cents| %.1f\n",
		a.OffsetMs, a.Offset.Method, a.Offset.Confidence, a.Result.MeanAbsCents)
	for _, n := range a.Result.Notes {
		mark := ""
		if n.Missed() {
			mark = "  (not sung)"
		}
		fmt.Fprintf(w, "  %2d %-4s  %5.1f  avg %+6.1f  |avg| %5.1f  on-pitch %3.0f%%%s\n",
			n.Index, n.Name, n.Score, n.AvgCents, n.AvgAbsCents, n.PctOnPitch*100, mark)
	}
}
