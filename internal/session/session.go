// Package session owns one capture-to-pitch pipeline for the lifetime of a
// take: it holds the device lease, restarts the pipeline on recoverable
// failures, and keeps the full frame log used for scoring.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/chase3718/crescendo/internal/capture"
	"github.com/chase3718/crescendo/internal/mailbox"
	"github.com/chase3718/crescendo/internal/pitch"
	"github.com/chase3718/crescendo/internal/plan"
	"github.com/chase3718/crescendo/internal/score"
)

var (
	ErrStopped        = errors.New("session: stopped")
	ErrAlreadyRunning = errors.New("session: already running")
)

type Options struct {
	Capture     capture.Options
	Tracker     pitch.Options // Offload is set by the session when UseMailbox is on
	UseMailbox  bool
	Mailbox     mailbox.Options
	HistorySize int

	Backoff     time.Duration
	MaxRestarts int
	StableAfter time.Duration

	Logger *slog.Logger
}

type Session struct {
	lease   *Lease
	logger  *slog.Logger
	capture *capture.Capture
	tracker *pitch.Tracker
	history *pitch.History
	mbox    *mailbox.Processor
	sup     *Supervisor

	mu       sync.Mutex
	frames   []pitch.Frame
	cancel   context.CancelFunc
	done     chan struct{}
	stopped  bool
	stopOnce sync.Once
}

// New builds a session on src. The lease must be valid; the session
// releases it on Stop.
func New(lease *Lease, src capture.Source, det pitch.Detector, opts Options) (*Session, error) {
	if !lease.Valid() {
		return nil, ErrLeaseInvalid
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("session", lease.ID.String())
	opts.Capture.Logger = logger
	opts.Tracker.Logger = logger
	opts.Mailbox.Logger = logger

	c, err := capture.New(src, opts.Capture)
	if err != nil {
		return nil, err
	}
	s := &Session{
		lease:   lease,
		logger:  logger,
		capture: c,
		history: pitch.NewHistory(opts.HistorySize),
		sup: &Supervisor{
			Backoff:     opts.Backoff,
			MaxRestarts: opts.MaxRestarts,
			StableAfter: opts.StableAfter,
			Logger:      logger,
		},
	}
	if opts.UseMailbox {
		s.mbox = mailbox.New(det, src.SampleRate(), opts.Mailbox)
		opts.Tracker.Offload = s.mbox
	}
	s.tracker = pitch.NewTracker(det, src.SampleRate(), opts.Tracker)
	return s, nil
}

// History is the bounded live-display ring. Subscribe to it for updates.
func (s *Session) History() *pitch.History { return s.history }

func (s *Session) Supervisor() *Supervisor { return s.sup }

// Run drives the pipeline until the source ends, ctx is cancelled, Stop is
// called, or a fatal error occurs.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.cancel != nil {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
		close(done)
	}()

	s.logger.Info("session: started", "owner", s.lease.Owner)
	err := s.sup.Run(ctx, s.runOnce)
	frames, voiced, gated := s.tracker.Stats()
	s.logger.Info("session: ended", "frames", frames, "voiced", voiced, "gated", gated,
		"restarts", s.sup.Restarts(), "err", err)
	return err
}

func (s *Session) runOnce(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames := make(chan capture.Frame, 64)
	capErr := make(chan error, 1)
	go func() {
		err := s.capture.Run(ctx, frames)
		close(frames)
		capErr <- err
	}()

	trErr := s.tracker.Run(ctx, frames, s.record)
	cancel()
	err := <-capErr
	if trErr != nil {
		return trErr
	}
	return err
}

func (s *Session) record(f pitch.Frame) {
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
	s.history.Push(f)
}

// Frames returns a copy of the session log in time order.
func (s *Session) Frames() []pitch.Frame {
	s.mu.Lock()
	out := append([]pitch.Frame(nil), s.frames...)
	s.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time < out[j].Time })
	return out
}

// Finish scores the log against notes.
func (s *Session) Finish(notes []plan.Note, offsetMs float64) score.RunResult {
	return score.Score(notes, s.Frames(), offsetMs)
}

// MailboxStats reports detection offload counters; ok is false when the
// session detects inline.
func (s *Session) MailboxStats() (mailbox.Stats, bool) {
	if s.mbox == nil {
		return mailbox.Stats{}, false
	}
	return s.mbox.Stats(), true
}

// Stop cancels a running pipeline, waits for it, clears capture buffers,
// and releases the lease. The frame log stays readable.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		cancel, done := s.cancel, s.done
		s.mu.Unlock()
		if cancel != nil {
			cancel()
			<-done
		}
		s.capture.Stop()
		if s.mbox != nil {
			s.mbox.Close()
		}
		s.lease.Release()
		s.logger.Info("session: stopped")
	})
}
