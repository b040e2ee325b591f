// Package plan loads and builds exercise plans: the ordered notes a singer is
// asked to hit, each with a duration and a trailing gap.
package plan

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Note is one planned target. Duration and Gap are seconds.
type Note struct {
	Index    int     `yaml:"-" json:"index"`
	MIDI     int     `yaml:"midi" json:"midi"`
	Duration float64 `yaml:"duration" json:"duration"`
	Gap      float64 `yaml:"gap,omitempty" json:"gap"`
}

// Exercise is a named plan. Lead is silence before the first note.
type Exercise struct {
	Name  string  `yaml:"name" json:"name"`
	Lead  float64 `yaml:"lead,omitempty" json:"lead,omitempty"`
	Notes []Note  `yaml:"notes" json:"notes"`
}

var ErrEmpty = errors.New("plan: no notes")

func (n Note) Validate() error {
	switch {
	case n.MIDI < 0 || n.MIDI > 127:
		return fmt.Errorf("note %d: midi %d out of range", n.Index, n.MIDI)
	case !(n.Duration > 0):
		return fmt.Errorf("note %d: duration must be positive", n.Index)
	case n.Gap < 0:
		return fmt.Errorf("note %d: negative gap", n.Index)
	}
	return nil
}

// Validate checks every note and that indices are in order.
func (e *Exercise) Validate() error {
	if len(e.Notes) == 0 {
		return ErrEmpty
	}
	if e.Lead < 0 {
		return errors.New("plan: negative lead")
	}
	var errs []error
	for i, n := range e.Notes {
		if i > 0 && n.Index <= e.Notes[i-1].Index {
			errs = append(errs, fmt.Errorf("note %d: index not increasing", n.Index))
		}
		if err := n.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Duration is the planned length in seconds including lead and gaps.
func (e *Exercise) Duration() float64 {
	total := e.Lead
	for _, n := range e.Notes {
		total += n.Duration + n.Gap
	}
	return total
}

func (e *Exercise) reindex() {
	for i := range e.Notes {
		e.Notes[i].Index = i
	}
}

// LoadYAML reads an exercise file. Note indices follow file order.
func LoadYAML(path string) (*Exercise, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}
	var ex Exercise
	if err := yaml.Unmarshal(b, &ex); err != nil {
		return nil, fmt.Errorf("plan: parse %s: %w", path, err)
	}
	ex.reindex()
	if err := ex.Validate(); err != nil {
		return nil, fmt.Errorf("plan: %s: %w", path, err)
	}
	return &ex, nil
}

func SaveYAML(path string, ex *Exercise) error {
	b, err := yaml.Marshal(ex)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
