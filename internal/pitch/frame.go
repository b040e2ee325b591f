package pitch

// Frame is one pitch estimate. Hz and MIDI are both nil for unvoiced frames.
// Cents is only ever filled in by the scorer.
type Frame struct {
	Time  float64  `json:"t"`
	Hz    *float64 `json:"hz,omitempty"`
	MIDI  *float64 `json:"midi,omitempty"`
	Cents *float64 `json:"cents,omitempty"`
}

func (f Frame) Voiced() bool { return f.Hz != nil && f.MIDI != nil }

func Unvoiced(t float64) Frame { return Frame{Time: t} }

// Voiced builds a frame from a frequency, deriving MIDI from it.
func Voiced(t, hz float64) Frame {
	midi := HzToMIDI(hz)
	return Frame{Time: t, Hz: &hz, MIDI: &midi}
}

// AtMIDI builds a voiced frame from a MIDI value, deriving Hz from it.
func AtMIDI(t, midi float64) Frame {
	hz := MIDIToHz(midi)
	return Frame{Time: t, Hz: &hz, MIDI: &midi}
}
