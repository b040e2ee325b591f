// Package mailbox runs pitch detection on a single worker goroutine with a
// one-slot pending mailbox. Producers never block: a chunk that arrives while
// the worker is busy replaces whatever was already waiting.
package mailbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chase3718/crescendo/internal/capture"
	"github.com/chase3718/crescendo/internal/pitch"
)

const DefaultEWMAAlpha = 0.1

type Options struct {
	EWMAAlpha float64 // weight of the newest compute-time sample
	Buffer    int     // results channel capacity
	Logger    *slog.Logger
}

type Stats struct {
	Submitted  int64
	Dispatched int64
	Dropped    int64
	Completed  int64
	AvgCompute time.Duration
}

// Processor implements pitch.Offload.
type Processor struct {
	det        pitch.Detector
	sampleRate int
	alpha      float64
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	work   chan pitch.Chunk
	out    chan pitch.Estimate
	done   chan struct{}

	mu      sync.Mutex
	busy    bool
	pending *pitch.Chunk
	stopped bool
	stats   Stats
	avg     float64 // seconds
	idle    []chan struct{}
}

var _ pitch.Offload = (*Processor)(nil)

// New starts the worker. Call Close to stop it.
func New(det pitch.Detector, sampleRate int, opts Options) *Processor {
	if opts.EWMAAlpha <= 0 || opts.EWMAAlpha > 1 {
		opts.EWMAAlpha = DefaultEWMAAlpha
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 16
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Processor{
		det:        det,
		sampleRate: sampleRate,
		alpha:      opts.EWMAAlpha,
		logger:     opts.Logger,
		ctx:        ctx,
		cancel:     cancel,
		work:       make(chan pitch.Chunk, 1),
		out:        make(chan pitch.Estimate, opts.Buffer),
		done:       make(chan struct{}),
	}
	go p.worker()
	return p
}

// Submit hands c to the worker if it is idle, otherwise parks it in the
// pending slot. It never blocks.
func (p *Processor) Submit(c pitch.Chunk) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stats.Submitted++
	if !p.busy {
		p.dispatchLocked(c)
		return
	}
	if p.pending != nil {
		p.stats.Dropped++
		p.logger.Debug("mailbox: pending chunk replaced", "dropped_seq", p.pending.Seq, "seq", c.Seq)
	}
	p.pending = &c
}

// dispatchLocked must be called with p.mu held and the worker idle. The work
// channel has one slot, which is always free at that point.
func (p *Processor) dispatchLocked(c pitch.Chunk) {
	p.busy = true
	p.stats.Dispatched++
	p.work <- c
}

func (p *Processor) worker() {
	defer close(p.done)
	for {
		select {
		case <-p.ctx.Done():
			return
		case c := <-p.work:
			start := time.Now()
			hz, ok := p.det.Detect(capture.DecodePCM16(c.PCM), p.sampleRate)
			est := pitch.Estimate{Seq: c.Seq, Time: c.Time, Hz: hz, OK: ok, Compute: time.Since(start)}

			select {
			case p.out <- est:
			case <-p.ctx.Done():
				return
			}
			p.complete(est.Compute)
		}
	}
}

func (p *Processor) complete(took time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Completed++
	if p.stats.Completed == 1 {
		p.avg = took.Seconds()
	} else {
		p.avg = p.alpha*took.Seconds() + (1-p.alpha)*p.avg
	}
	p.stats.AvgCompute = time.Duration(p.avg * float64(time.Second))

	p.busy = false
	if p.stopped || p.pending == nil {
		p.wakeIdleLocked()
		return
	}
	next := *p.pending
	p.pending = nil
	p.dispatchLocked(next)
}

// Idle returns a channel that is closed once the worker has nothing in
// flight and nothing pending. Estimates for everything dispatched before
// that point are already in Results.
func (p *Processor) Idle() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan struct{})
	if p.stopped || (!p.busy && p.pending == nil) {
		close(ch)
		return ch
	}
	p.idle = append(p.idle, ch)
	return ch
}

func (p *Processor) wakeIdleLocked() {
	for _, ch := range p.idle {
		close(ch)
	}
	p.idle = nil
}

// Results delivers estimates in dispatch order. It is closed by Close.
func (p *Processor) Results() <-chan pitch.Estimate { return p.out }

func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Close stops the worker, discarding in-flight and pending chunks, and
// closes the results channel. Safe to call more than once.
func (p *Processor) Close() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.pending = nil
	p.wakeIdleLocked()
	p.mu.Unlock()

	p.cancel()
	<-p.done
	close(p.out)
	p.logger.Debug("mailbox: closed", "stats", p.Stats())
}
