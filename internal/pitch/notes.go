package pitch

import (
	"fmt"
	"math"
)

var noteNames = [12]string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}

// HzToMIDI converts frequency to fractional MIDI (69 = A4 = 440 Hz).
func HzToMIDI(hz float64) float64 { return 69 + 12*math.Log2(hz/440.0) }

func MIDIToHz(midi float64) float64 { return 440 * math.Pow(2, (midi-69)/12) }

// NoteName renders an integer MIDI pitch as e.g. "C4" or "A#3".
func NoteName(midi int) string {
	if midi < 0 {
		return fmt.Sprintf("?%d", midi)
	}
	return fmt.Sprintf("%s%d", noteNames[midi%12], (midi/12)-1)
}
