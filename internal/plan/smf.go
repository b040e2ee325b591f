package plan

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"
)

const defaultBPM = 120.0

type tempoChange struct {
	tick uint64
	bpm  float64
}

type span struct {
	start, end uint64
	key        int
}

// LoadSMF reads a standard MIDI file and flattens all note events, across
// tracks and channels, into a monophonic exercise. Overlapping notes are
// cut at the next note's start.
func LoadSMF(path string) (*Exercise, error) {
	s, err := smf.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("plan: read %s: %w", path, err)
	}
	ticks, ok := s.TimeFormat.(smf.MetricTicks)
	if !ok {
		return nil, fmt.Errorf("plan: %s: only metric time format is supported", path)
	}

	var tempos []tempoChange
	var spans []span
	for _, tr := range s.Tracks {
		var abs uint64
		open := map[[2]uint8]uint64{}
		for _, ev := range tr {
			abs += uint64(ev.Delta)
			var bpm float64
			if ev.Message.GetMetaTempo(&bpm) {
				tempos = append(tempos, tempoChange{tick: abs, bpm: bpm})
				continue
			}
			msg := midi.Message(ev.Message)
			var ch, key, vel uint8
			switch {
			case msg.GetNoteStart(&ch, &key, &vel):
				open[[2]uint8{ch, key}] = abs
			case msg.GetNoteEnd(&ch, &key):
				id := [2]uint8{ch, key}
				if start, ok := open[id]; ok {
					delete(open, id)
					if abs > start {
						spans = append(spans, span{start: start, end: abs, key: int(key)})
					}
				}
			}
		}
	}
	if len(spans) == 0 {
		return nil, fmt.Errorf("plan: %s: %w", path, ErrEmpty)
	}

	sort.SliceStable(tempos, func(i, j int) bool { return tempos[i].tick < tempos[j].tick })
	sort.SliceStable(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	clock := tickClock{res: float64(ticks.Resolution()), tempos: tempos}

	ex := &Exercise{
		Name: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Lead: clock.seconds(spans[0].start),
	}
	for i, sp := range spans {
		end := sp.end
		if i+1 < len(spans) && spans[i+1].start < end {
			end = spans[i+1].start
		}
		if end <= sp.start {
			continue // chord tone sharing a start with the next note
		}
		n := Note{MIDI: sp.key, Duration: clock.seconds(end) - clock.seconds(sp.start)}
		if i+1 < len(spans) {
			n.Gap = clock.seconds(spans[i+1].start) - clock.seconds(end)
		}
		ex.Notes = append(ex.Notes, n)
	}
	ex.reindex()
	if err := ex.Validate(); err != nil {
		return nil, fmt.Errorf("plan: %s: %w", path, err)
	}
	return ex, nil
}

// tickClock converts absolute ticks to seconds under a tempo map.
type tickClock struct {
	res    float64 // ticks per quarter note
	tempos []tempoChange
}

func (c tickClock) seconds(tick uint64) float64 {
	var secs float64
	last, bpm := uint64(0), defaultBPM
	for _, tc := range c.tempos {
		if tc.tick >= tick {
			break
		}
		secs += float64(tc.tick-last) / c.res * 60 / bpm
		last, bpm = tc.tick, tc.bpm
	}
	return secs + float64(tick-last)/c.res*60/bpm
}
