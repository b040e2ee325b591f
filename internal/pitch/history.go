package pitch

import "sync"

// History is a fixed-capacity ring of recent frames for live display. When
// full, the oldest frame is overwritten. It is separate from the session
// log used for scoring.
type History struct {
	mu    sync.Mutex
	buf   []Frame
	start int
	n     int

	subs   map[int]chan Frame
	nextID int
	missed int64
}

func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 1
	}
	return &History{buf: make([]Frame, capacity), subs: make(map[int]chan Frame)}
}

// Push appends f, dropping the oldest frame when full, and fans it out to
// subscribers without blocking. A subscriber whose buffer is full misses f.
func (h *History) Push(f Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.n < len(h.buf) {
		h.buf[(h.start+h.n)%len(h.buf)] = f
		h.n++
	} else {
		h.buf[h.start] = f
		h.start = (h.start + 1) % len(h.buf)
	}
	for _, ch := range h.subs {
		select {
		case ch <- f:
		default:
			h.missed++
		}
	}
}

// Snapshot returns the retained frames, oldest first.
func (h *History) Snapshot() []Frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Frame, h.n)
	for i := 0; i < h.n; i++ {
		out[i] = h.buf[(h.start+i)%len(h.buf)]
	}
	return out
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.n
}

func (h *History) Cap() int { return len(h.buf) }

// Missed counts frames a slow subscriber did not receive.
func (h *History) Missed() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.missed
}

// Subscribe returns a channel receiving every pushed frame and a cancel
// func that closes it.
func (h *History) Subscribe(buffer int) (<-chan Frame, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan Frame, buffer)
	h.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			close(ch)
		})
	}
}

// Clear drops retained frames; subscribers stay attached.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.start, h.n = 0, 0
}
