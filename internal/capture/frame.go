package capture

import (
	"fmt"
	"math"
)

// Frame is one analysis window cut from the sample stream.
type Frame struct {
	Samples []float64 // len == frame size
	Time    float64   // seconds since the stream started
	RMS     float64
}

// Framer turns a continuous sample stream into fixed-size overlapping frames.
// Overlap is frameSize-hopSize.
type Framer struct {
	sampleRate int
	frameSize  int
	hopSize    int

	buf      []float64
	consumed int64 // samples the window origin has advanced past
}

func NewFramer(sampleRate, frameSize, hopSize int) (*Framer, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("framer: sample rate %d must be positive", sampleRate)
	}
	if frameSize <= 0 {
		return nil, fmt.Errorf("framer: frame size %d must be positive", frameSize)
	}
	if hopSize <= 0 || hopSize > frameSize {
		return nil, fmt.Errorf("framer: hop size %d must be in (0, %d]", hopSize, frameSize)
	}
	return &Framer{
		sampleRate: sampleRate,
		frameSize:  frameSize,
		hopSize:    hopSize,
		buf:        make([]float64, 0, frameSize*2),
	}, nil
}

func (f *Framer) SampleRate() int { return f.sampleRate }
func (f *Framer) FrameSize() int  { return f.frameSize }
func (f *Framer) HopSize() int    { return f.hopSize }

// Push appends samples and returns every frame that became complete.
func (f *Framer) Push(samples []float64) []Frame {
	f.buf = append(f.buf, samples...)

	var out []Frame
	for len(f.buf) >= f.frameSize {
		win := make([]float64, f.frameSize)
		copy(win, f.buf[:f.frameSize])
		out = append(out, Frame{
			Samples: win,
			Time:    float64(f.consumed) / float64(f.sampleRate),
			RMS:     RMS(win),
		})
		f.buf = f.buf[f.hopSize:]
		f.consumed += int64(f.hopSize)
	}

	// Compact so the backing array does not grow without bound.
	if cap(f.buf) > 4*f.frameSize && len(f.buf) < f.frameSize {
		rest := make([]float64, len(f.buf), f.frameSize*2)
		copy(rest, f.buf)
		f.buf = rest
	}
	return out
}

// Buffered reports samples waiting for the next frame.
func (f *Framer) Buffered() int { return len(f.buf) }

// Reset drops buffered samples and restarts the clock at zero.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
	f.consumed = 0
}

// RMS is the root-mean-square amplitude; 0 for an empty slice.
func RMS(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}
