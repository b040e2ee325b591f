package plan

import (
	"log/slog"
	"sync"
	"time"

	"github.com/chase3718/crescendo/internal/pitch"
)

// Recorder builds an exercise from keyboard note events. It is monophonic:
// pressing a key while another is held ends the held note there.
type Recorder struct {
	mu     sync.Mutex
	now    func() time.Time
	logger *slog.Logger

	notes   []Note
	held    int
	heldAt  time.Time
	down    bool
	lastEnd time.Time
}

// NewRecorder returns a Recorder. now defaults to time.Now.
func NewRecorder(now func() time.Time, logger *slog.Logger) *Recorder {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{now: now, logger: logger}
}

// OnNote matches the watcher callback signature.
func (r *Recorder) OnNote(on bool, key int) {
	if on {
		r.NoteOn(key)
	} else {
		r.NoteOff(key)
	}
}

func (r *Recorder) NoteOn(key int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.now()
	if r.down {
		r.endLocked(t)
	}
	if n := len(r.notes); n > 0 {
		r.notes[n-1].Gap = t.Sub(r.lastEnd).Seconds()
	}
	r.held, r.heldAt, r.down = key, t, true
	r.logger.Info("plan: note on", "note", pitch.NoteName(key), "midi", key)
}

func (r *Recorder) NoteOff(key int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.down || key != r.held {
		r.logger.Debug("plan: note off for unheld key, ignoring", "midi", key)
		return
	}
	r.endLocked(r.now())
}

func (r *Recorder) endLocked(t time.Time) {
	d := t.Sub(r.heldAt).Seconds()
	r.down = false
	if d <= 0 {
		return
	}
	r.notes = append(r.notes, Note{Index: len(r.notes), MIDI: r.held, Duration: d})
	r.lastEnd = t
	r.logger.Debug("plan: note recorded", "note", pitch.NoteName(r.held), "duration_ms", t.Sub(r.heldAt).Milliseconds())
}

// Release ends a held note, e.g. when the keyboard disappears.
func (r *Recorder) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		r.endLocked(r.now())
	}
}

// Exercise returns what has been recorded so far.
func (r *Recorder) Exercise(name string) *Exercise {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &Exercise{Name: name, Notes: append([]Note(nil), r.notes...)}
}
