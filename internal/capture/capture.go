package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	// ErrPermissionDenied means the source refused access before the first
	// delivery. Fatal; never retried.
	ErrPermissionDenied = errors.New("capture: permission denied")
	// ErrStreamInit means the source failed to start. Fatal.
	ErrStreamInit = errors.New("capture: stream init failed")
)

// DeliveryError wraps a failure after the stream started delivering.
// Framer and declicker state survive it; restarting is the caller's call.
type DeliveryError struct {
	Err error
}

func (e *DeliveryError) Error() string { return "capture: delivery: " + e.Err.Error() }
func (e *DeliveryError) Unwrap() error { return e.Err }

// Delivery is one push from a Source: either a non-empty chunk or an error.
type Delivery struct {
	Samples []float64
	Err     error
}

// Source is a push-driven mono sample stream at a fixed sample rate.
//
// Start must fail fast with an error wrapping ErrPermissionDenied or
// ErrStreamInit. The returned channel is closed when the source ends or ctx
// is cancelled.
type Source interface {
	SampleRate() int
	Start(ctx context.Context) (<-chan Delivery, error)
}

// Capture glues a Source to a Declicker and a Framer.
type Capture struct {
	src    Source
	logger *slog.Logger

	mu      sync.Mutex
	declick *Declicker
	framer  *Framer
	chunks  int64
}

type Options struct {
	FrameSize        int
	HopSize          int
	DeclickThreshold float64
	RampLen          int
	Logger           *slog.Logger
}

func New(src Source, opts Options) (*Capture, error) {
	framer, err := NewFramer(src.SampleRate(), opts.FrameSize, opts.HopSize)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Capture{
		src:     src,
		logger:  logger,
		declick: NewDeclicker(opts.DeclickThreshold, opts.RampLen),
		framer:  framer,
	}, nil
}

func (c *Capture) SampleRate() int { return c.src.SampleRate() }

// Run starts the source and sends frames to out until the source ends (nil),
// ctx is cancelled (ctx.Err()), or delivery fails (*DeliveryError). The only
// suspension points are waiting on the source and on out.
func (c *Capture) Run(ctx context.Context, out chan<- Frame) error {
	deliveries, err := c.src.Start(ctx)
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrStreamInit) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrStreamInit, err)
	}
	c.logger.Info("capture: stream started", "sample_rate", c.src.SampleRate(),
		"frame_size", c.framer.FrameSize(), "hop_size", c.framer.HopSize())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				c.logger.Info("capture: source ended", "chunks", c.Chunks())
				return nil
			}
			if d.Err != nil {
				c.logger.Warn("capture: delivery error", "err", d.Err)
				return &DeliveryError{Err: d.Err}
			}
			for _, f := range c.push(d.Samples) {
				select {
				case out <- f:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

func (c *Capture) push(samples []float64) []Frame {
	if len(samples) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks++
	before := c.declick.Ramps()
	stitched := c.declick.Process(samples)
	if c.declick.Ramps() != before {
		c.logger.Debug("capture: boundary ramp inserted", "chunk", c.chunks)
	}
	return c.framer.Push(stitched)
}

// Chunks returns the number of non-empty deliveries consumed.
func (c *Capture) Chunks() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chunks
}

// Stop clears framing and declick state. The next Run starts at time zero.
func (c *Capture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.framer.Reset()
	c.declick.Reset()
	c.chunks = 0
	c.logger.Info("capture: buffers cleared")
}
