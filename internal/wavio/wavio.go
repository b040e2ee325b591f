// Package wavio decodes reference WAV files into interleaved 16-bit PCM and
// writes recorded takes back out. It is the only place that touches beep.
package wavio

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/wav"
)

// PCM is decoded audio as interleaved signed 16-bit samples.
type PCM struct {
	SampleRate int
	Channels   int
	Samples    []int16
}

// Frames returns the number of sample frames (samples per channel).
func (p PCM) Frames() int {
	if p.Channels <= 0 {
		return 0
	}
	return len(p.Samples) / p.Channels
}

// Duration in seconds.
func (p PCM) Duration() float64 {
	if p.SampleRate <= 0 {
		return 0
	}
	return float64(p.Frames()) / float64(p.SampleRate)
}

// Mono downmixes to normalised floats, stopping after maxFrames frames when
// maxFrames > 0.
func (p PCM) Mono(maxFrames int) []float64 {
	n := p.Frames()
	if maxFrames > 0 && maxFrames < n {
		n = maxFrames
	}
	out := make([]float64, n)
	ch := p.Channels
	for i := 0; i < n; i++ {
		var sum float64
		for c := 0; c < ch; c++ {
			sum += float64(p.Samples[i*ch+c]) / 32768.0
		}
		out[i] = sum / float64(ch)
	}
	return out
}

// FromMono quantises normalised floats into a single-channel PCM.
func FromMono(samples []float64, sampleRate int) PCM {
	out := make([]int16, len(samples))
	for i, v := range samples {
		out[i] = quantize(v)
	}
	return PCM{SampleRate: sampleRate, Channels: 1, Samples: out}
}

func quantize(v float64) int16 {
	if math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	return int16(math.Round(v * 32767))
}

// Decode reads a whole WAV stream.
func Decode(r io.Reader) (PCM, error) {
	s, format, err := wav.Decode(r)
	if err != nil {
		return PCM{}, fmt.Errorf("wav decode: %w", err)
	}
	defer s.Close()

	ch := format.NumChannels
	if ch < 1 || ch > 2 {
		return PCM{}, fmt.Errorf("wav decode: unsupported channel count %d", ch)
	}
	pcm := PCM{SampleRate: int(format.SampleRate), Channels: ch}
	if n := s.Len(); n > 0 {
		pcm.Samples = make([]int16, 0, n*ch)
	}
	buf := make([][2]float64, 1024)
	for {
		n, ok := s.Stream(buf)
		for i := 0; i < n; i++ {
			pcm.Samples = append(pcm.Samples, quantize(buf[i][0]))
			if ch == 2 {
				pcm.Samples = append(pcm.Samples, quantize(buf[i][1]))
			}
		}
		if !ok {
			break
		}
	}
	if err := s.Err(); err != nil {
		return PCM{}, fmt.Errorf("wav stream: %w", err)
	}
	if len(pcm.Samples) == 0 {
		return PCM{}, errors.New("wav decode: no samples")
	}
	return pcm, nil
}

func ReadFile(path string) (PCM, error) {
	f, err := os.Open(path)
	if err != nil {
		return PCM{}, err
	}
	defer f.Close()
	pcm, err := Decode(f)
	if err != nil {
		return PCM{}, fmt.Errorf("%s: %w", path, err)
	}
	return pcm, nil
}

// Encode writes pcm as a 16-bit WAV.
func Encode(w io.WriteSeeker, pcm PCM) error {
	if pcm.Channels < 1 || pcm.Channels > 2 {
		return fmt.Errorf("wav encode: unsupported channel count %d", pcm.Channels)
	}
	format := beep.Format{
		SampleRate:  beep.SampleRate(pcm.SampleRate),
		NumChannels: pcm.Channels,
		Precision:   2,
	}
	pos := 0
	frames := pcm.Frames()
	streamer := beep.StreamerFunc(func(samples [][2]float64) (int, bool) {
		if pos >= frames {
			return 0, false
		}
		n := 0
		for n < len(samples) && pos < frames {
			l := float64(pcm.Samples[pos*pcm.Channels]) / 32767.0
			r := l
			if pcm.Channels == 2 {
				r = float64(pcm.Samples[pos*2+1]) / 32767.0
			}
			samples[n] = [2]float64{l, r}
			n++
			pos++
		}
		return n, true
	})
	return wav.Encode(w, streamer, format)
}

func WriteFile(path string, pcm PCM) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Encode(f, pcm); err != nil {
		f.Close()
		return fmt.Errorf("%s: %w", path, err)
	}
	return f.Close()
}
