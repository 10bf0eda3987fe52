package session

import "sync"

// PreviewHub fans preview frames out to subscribers. A subscriber that
// falls behind keeps only the most recent frame.
type PreviewHub struct {
	mu   sync.RWMutex
	subs map[chan []byte]struct{}
	last []byte
}

func NewPreviewHub() *PreviewHub {
	return &PreviewHub{subs: make(map[chan []byte]struct{})}
}

// Subscribe returns a frame channel and a cleanup function. The caller
// must call the cleanup when done (e.g. on client disconnect).
func (h *PreviewHub) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, 1)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Subscribers returns the number of active subscribers.
func (h *PreviewHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Last returns the most recent frame, or nil before the first one.
func (h *PreviewHub) Last() []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.last
}

func (h *PreviewHub) publish(frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = frame
	for ch := range h.subs {
		select {
		case ch <- frame:
			continue
		default:
		}
		// full: replace the stale frame
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- frame:
		default:
		}
	}
}

func (h *PreviewHub) reset() {
	h.mu.Lock()
	h.last = nil
	h.mu.Unlock()
}
