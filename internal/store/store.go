// Package store hands finished attempts to persistence. Dir keeps one JSON
// file per attempt.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chase3718/crescendo/internal/align"
	"github.com/chase3718/crescendo/internal/plan"
	"github.com/chase3718/crescendo/internal/score"
)

// Attempt is one scored take.
type Attempt struct {
	ID        uuid.UUID       `json:"id"`
	CreatedAt time.Time       `json:"created_at"`
	Exercise  string          `json:"exercise"`
	Take      string          `json:"take,omitempty"` // source audio path, if any
	Notes     []plan.Note     `json:"notes"`
	Offset    align.Estimate  `json:"offset"`
	OffsetMs  float64         `json:"offset_ms"` // offset actually applied
	Result    score.RunResult `json:"result"`
}

// NewAttempt stamps a fresh ID and creation time.
func NewAttempt(exercise string, notes []plan.Note, offset align.Estimate, offsetMs float64, res score.RunResult) Attempt {
	return Attempt{
		ID:        uuid.New(),
		CreatedAt: time.Now().UTC(),
		Exercise:  exercise,
		Notes:     notes,
		Offset:    offset,
		OffsetMs:  offsetMs,
		Result:    res,
	}
}

var ErrNotFound = errors.New("store: attempt not found")

type Store interface {
	Save(a Attempt) error
	Load(id uuid.UUID) (Attempt, error)
	List() ([]Attempt, error)
}

// Dir stores attempts as <root>/<id>.json.
type Dir struct {
	Root string
}

var _ Store = (*Dir)(nil)

func NewDir(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("store: make dir: %w", err)
	}
	return &Dir{Root: root}, nil
}

func (d *Dir) path(id uuid.UUID) string { return filepath.Join(d.Root, id.String()+".json") }

func (d *Dir) Save(a Attempt) error {
	if a.ID == uuid.Nil {
		return errors.New("store: attempt has no id")
	}
	return writeJSON(d.path(a.ID), a)
}

func (d *Dir) Load(id uuid.UUID) (Attempt, error) {
	var a Attempt
	f, err := os.Open(d.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return a, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return a, fmt.Errorf("store: %w", err)
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(&a); err != nil {
		return a, fmt.Errorf("store: decode %s: %w", id, err)
	}
	return a, nil
}

// List returns every stored attempt, oldest first. Files that are not
// attempts are skipped.
func (d *Dir) List() ([]Attempt, error) {
	entries, err := os.ReadDir(d.Root)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	var out []Attempt
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id, err := uuid.Parse(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		a, err := d.Load(id)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// writeJSON replaces path atomically via a temp file in the same directory.
func writeJSON(path string, v any) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", filepath.Base(path), err)
	}
	tmpName := tmp.Name()
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
