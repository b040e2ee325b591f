package session

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrSessionBusy  = errors.New("session: another session holds the audio device")
	ErrLeaseInvalid = errors.New("session: lease released or not issued by this arbiter")
)

// Arbiter hands out at most one Lease at a time for a shared audio device.
type Arbiter struct {
	mu      sync.Mutex
	current *Lease
}

// Lease is proof of exclusive access. Release it when the session ends.
type Lease struct {
	ID    uuid.UUID
	Owner string

	arb *Arbiter
}

func NewArbiter() *Arbiter { return &Arbiter{} }

func (a *Arbiter) Acquire(owner string) (*Lease, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current != nil {
		return nil, ErrSessionBusy
	}
	l := &Lease{ID: uuid.New(), Owner: owner, arb: a}
	a.current = l
	return l, nil
}

// Holder returns the active lease, if any.
func (a *Arbiter) Holder() (*Lease, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current, a.current != nil
}

// Valid reports whether l is still the arbiter's active lease.
func (l *Lease) Valid() bool {
	if l == nil || l.arb == nil {
		return false
	}
	l.arb.mu.Lock()
	defer l.arb.mu.Unlock()
	return l.arb.current == l
}

// Release gives the device back. Releasing twice is a no-op.
func (l *Lease) Release() {
	if l == nil || l.arb == nil {
		return
	}
	l.arb.mu.Lock()
	defer l.arb.mu.Unlock()
	if l.arb.current == l {
		l.arb.current = nil
	}
}
