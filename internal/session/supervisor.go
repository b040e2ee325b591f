package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/chase3718/crescendo/internal/capture"
	"github.com/chase3718/crescendo/internal/pitch"
)

const (
	DefaultBackoff     = 400 * time.Millisecond
	DefaultMaxRestarts = 3
	DefaultStableAfter = 5 * time.Second
)

// ErrRestartsExhausted is returned once a pipeline keeps failing after the
// allowed number of consecutive restarts.
var ErrRestartsExhausted = errors.New("session: restarts exhausted")

// Supervisor reruns a pipeline after recoverable failures. A run that lasts
// at least StableAfter resets the consecutive-restart count. Zero fields take
// the package defaults; a negative MaxRestarts disables restarts.
type Supervisor struct {
	Backoff     time.Duration
	MaxRestarts int
	StableAfter time.Duration
	Logger      *slog.Logger

	// OnRestart, if set, runs before each restart with the failure that
	// caused it.
	OnRestart func(attempt int, cause error)

	restarts atomic.Int32
}

// Recoverable reports whether err warrants a restart rather than giving up.
func Recoverable(err error) bool {
	var de *capture.DeliveryError
	return errors.As(err, &de) || errors.Is(err, pitch.ErrStall)
}

// Run calls run until it returns nil, ctx ends, or it fails with an error
// that is not recoverable.
func (s *Supervisor) Run(ctx context.Context, run func(context.Context) error) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	backoff, maxRestarts, stableAfter := s.Backoff, s.MaxRestarts, s.StableAfter
	if backoff <= 0 {
		backoff = DefaultBackoff
	}
	switch {
	case maxRestarts == 0:
		maxRestarts = DefaultMaxRestarts
	case maxRestarts < 0:
		maxRestarts = 0
	}
	if stableAfter <= 0 {
		stableAfter = DefaultStableAfter
	}
	consecutive := 0
	for {
		started := time.Now()
		err := run(ctx)
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case !Recoverable(err):
			logger.Error("session: fatal pipeline error", "err", err)
			return err
		}

		if time.Since(started) >= stableAfter {
			consecutive = 0
		}
		consecutive++
		if consecutive > maxRestarts {
			logger.Error("session: giving up", "restarts", consecutive-1, "err", err)
			return fmt.Errorf("%w after %d restarts: %w", ErrRestartsExhausted, consecutive-1, err)
		}
		s.restarts.Add(1)
		logger.Warn("session: restarting pipeline", "attempt", consecutive, "backoff", backoff, "err", err)
		if s.OnRestart != nil {
			s.OnRestart(consecutive, err)
		}

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Restarts counts every restart over the supervisor's lifetime.
func (s *Supervisor) Restarts() int { return int(s.restarts.Load()) }
