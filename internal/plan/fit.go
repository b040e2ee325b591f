package plan

import (
	"fmt"
	"log/slog"

	"github.com/chase3718/crescendo/internal/pitch"
)

// Range is an inclusive MIDI range a singer can comfortably produce.
type Range struct {
	Low  int `yaml:"low"`
	High int `yaml:"high"`
}

// Fold returns key if it is inside r, otherwise key moved by whole octaves
// into r. ok is false when no octave of key lands in r.
func (r Range) Fold(key int) (int, bool) {
	if key >= r.Low && key <= r.High {
		return key, true
	}
	p := key
	for p < r.Low {
		p += 12
	}
	for p > r.High {
		p -= 12
	}
	return p, p >= r.Low && p <= r.High
}

// FitRange returns a copy of ex with every note octave-folded into r.
func FitRange(ex *Exercise, r Range, logger *slog.Logger) (*Exercise, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if r.High < r.Low {
		return nil, fmt.Errorf("plan: empty range %d..%d", r.Low, r.High)
	}
	out := *ex
	out.Notes = make([]Note, len(ex.Notes))
	for i, n := range ex.Notes {
		key, ok := r.Fold(n.MIDI)
		if !ok {
			return nil, fmt.Errorf("plan: note %d (%s) cannot be folded into %s..%s",
				n.Index, pitch.NoteName(n.MIDI), pitch.NoteName(r.Low), pitch.NoteName(r.High))
		}
		if key != n.MIDI {
			logger.Debug("plan: note remapped", "index", n.Index, "original", pitch.NoteName(n.MIDI), "remapped", pitch.NoteName(key))
		}
		n.MIDI = key
		out.Notes[i] = n
	}
	return &out, nil
}
