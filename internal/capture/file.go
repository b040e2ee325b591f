package capture

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/chase3718/crescendo/internal/wavio"
)

// SliceSource replays in-memory chunks. A non-nil Err is delivered after the
// last chunk; StartErr makes Start fail.
type SliceSource struct {
	Rate     int
	Chunks   [][]float64
	Err      error
	StartErr error
	Pace     time.Duration // delay between deliveries; 0 replays at full speed
	// Hold keeps the channel open after the last chunk until ctx ends,
	// the way a live microphone that stops delivering behaves.
	Hold bool

	starts atomic.Int32
}

func (s *SliceSource) SampleRate() int { return s.Rate }

// Starts counts calls to Start.
func (s *SliceSource) Starts() int { return int(s.starts.Load()) }

func (s *SliceSource) Start(ctx context.Context) (<-chan Delivery, error) {
	s.starts.Add(1)
	if s.StartErr != nil {
		return nil, s.StartErr
	}
	out := make(chan Delivery)
	chunks, tail, pace, hold := s.Chunks, s.Err, s.Pace, s.Hold
	go func() {
		defer close(out)
		for _, c := range chunks {
			if pace > 0 {
				select {
				case <-time.After(pace):
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- Delivery{Samples: c}:
			case <-ctx.Done():
				return
			}
		}
		if tail != nil {
			select {
			case out <- Delivery{Err: tail}:
			case <-ctx.Done():
			}
			return
		}
		if hold {
			<-ctx.Done()
		}
	}()
	return out, nil
}

// FileSource replays a recorded take from a WAV file, downmixed to mono.
type FileSource struct {
	Path      string
	ChunkSize int
	Realtime  bool // pace deliveries at the file's sample rate

	pcm wavio.PCM
}

// OpenFile decodes the file up front so SampleRate is known before Start.
func OpenFile(path string, chunkSize int, realtime bool) (*FileSource, error) {
	pcm, err := wavio.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStreamInit, err)
	}
	if chunkSize <= 0 {
		chunkSize = 1024
	}
	return &FileSource{Path: path, ChunkSize: chunkSize, Realtime: realtime, pcm: pcm}, nil
}

func (f *FileSource) SampleRate() int { return f.pcm.SampleRate }

// Duration of the take in seconds.
func (f *FileSource) Duration() float64 { return f.pcm.Duration() }

func (f *FileSource) Start(ctx context.Context) (<-chan Delivery, error) {
	mono := f.pcm.Mono(0)
	src := &SliceSource{Rate: f.pcm.SampleRate}
	for start := 0; start < len(mono); start += f.ChunkSize {
		end := min(start+f.ChunkSize, len(mono))
		src.Chunks = append(src.Chunks, mono[start:end])
	}
	if f.Realtime {
		src.Pace = time.Duration(float64(f.ChunkSize) / float64(f.pcm.SampleRate) * float64(time.Second))
	}
	return src.Start(ctx)
}
