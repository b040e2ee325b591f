// Package score grades a take against an exercise plan.
package score

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/chase3718/crescendo/internal/pitch"
	"github.com/chase3718/crescendo/internal/plan"
)

const (
	// OnPitchCents is the tolerance for a frame to count as on pitch.
	OnPitchCents = 25.0
	// PenaltyAbsCents stands in for a note with no voiced frames.
	PenaltyAbsCents = 100.0
	centsWeight     = 1.2
)

type NoteResult struct {
	Index          int     `json:"index"`
	TargetMIDI     int     `json:"target_midi"`
	Name           string  `json:"name"`
	Start          float64 `json:"start"`
	End            float64 `json:"end"`
	Samples        int     `json:"samples"`
	PctOnPitch     float64 `json:"pct_on_pitch"`
	AvgCents       float64 `json:"avg_cents"`
	AvgAbsCents    float64 `json:"avg_abs_cents"`
	MedianAbsCents float64 `json:"median_abs_cents"`
	MaxAbsCents    float64 `json:"max_abs_cents"`
	Score          float64 `json:"score"`
}

// Missed reports whether the note had no voiced frames and was penalised.
func (n NoteResult) Missed() bool { return n.Samples == 0 }

type RunResult struct {
	Notes        []NoteResult  `json:"notes"`
	Score        float64       `json:"score"`
	Stars        int           `json:"stars"`
	MeanAbsCents float64       `json:"mean_abs_cents"`
	Frames       []pitch.Frame `json:"frames"`
}

// Score grades frames against notes. offsetMs is subtracted from each frame
// time before matching; windows are half-open, [start, start+duration), and
// advance by duration+gap. The result depends only on the inputs.
//
// The returned frames are copies of the input with Cents set for voiced
// frames that fell inside a note window.
func Score(notes []plan.Note, frames []pitch.Frame, offsetMs float64) RunResult {
	offset := offsetMs / 1000
	annotated := make([]pitch.Frame, len(frames))
	copy(annotated, frames)

	res := RunResult{Notes: make([]NoteResult, 0, len(notes)), Frames: annotated}
	cursor := 0.0
	var scores, absAvgs []float64
	for _, n := range notes {
		nr := NoteResult{
			Index:      n.Index,
			TargetMIDI: n.MIDI,
			Name:       pitch.NoteName(n.MIDI),
			Start:      cursor,
			End:        cursor + n.Duration,
		}
		var cents []float64
		for i := range annotated {
			f := &annotated[i]
			if !f.Voiced() {
				continue
			}
			t := f.Time - offset
			if t < nr.Start || t >= nr.End {
				continue
			}
			c := (*f.MIDI - float64(n.MIDI)) * 100
			f.Cents = &c
			cents = append(cents, c)
		}
		grade(&nr, cents)
		res.Notes = append(res.Notes, nr)
		scores = append(scores, nr.Score)
		absAvgs = append(absAvgs, nr.AvgAbsCents)
		cursor += n.Duration + n.Gap
	}
	if len(notes) > 0 {
		res.Score = stat.Mean(scores, nil)
		res.MeanAbsCents = stat.Mean(absAvgs, nil)
	}
	res.Stars = Stars(res.Score)
	return res
}

func grade(nr *NoteResult, cents []float64) {
	nr.Samples = len(cents)
	if len(cents) == 0 {
		nr.AvgAbsCents = PenaltyAbsCents
		nr.MedianAbsCents = PenaltyAbsCents
		nr.MaxAbsCents = PenaltyAbsCents
		nr.Score = noteScore(PenaltyAbsCents, 0)
		return
	}
	abs := make([]float64, len(cents))
	on := 0
	for i, c := range cents {
		abs[i] = math.Abs(c)
		if abs[i] <= OnPitchCents {
			on++
		}
	}
	nr.AvgCents = stat.Mean(cents, nil)
	nr.AvgAbsCents = stat.Mean(abs, nil)
	nr.MaxAbsCents = floats.Max(abs)
	nr.MedianAbsCents = median(abs)
	nr.PctOnPitch = float64(on) / float64(len(cents))
	nr.Score = noteScore(nr.AvgAbsCents, nr.PctOnPitch)
}

func noteScore(avgAbs, pct float64) float64 {
	base := math.Max(0, math.Min(100, 100-avgAbs*centsWeight))
	return base * (0.5 + 0.5*pct)
}

// median averages the two middle values of an even-length input, which
// stat.Quantile does not.
func median(xs []float64) float64 {
	sort.Float64s(xs)
	m := len(xs) / 2
	if len(xs)%2 == 1 {
		return xs[m]
	}
	return (xs[m-1] + xs[m]) / 2
}

// Stars maps an overall score to a 1 to 5 star rating.
func Stars(score float64) int {
	switch {
	case score >= 90:
		return 5
	case score >= 75:
		return 4
	case score >= 60:
		return 3
	case score >= 40:
		return 2
	}
	return 1
}
