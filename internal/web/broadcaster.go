package web

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Event kinds sent over SSE.
const (
	KindLog           = "log"
	KindCapture       = "capture"
	KindCaptureFailed = "capture_failed"
	KindAvailability  = "availability"
	KindStatistics    = "statistics"
)

// SessionEvent is a single SSE message.
type SessionEvent struct {
	Time  string          `json:"t"`
	Kind  string          `json:"kind"`
	Level string          `json:"l,omitempty"`
	Msg   string          `json:"msg,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EventBroadcaster distributes session events to multiple SSE clients.
type EventBroadcaster struct {
	clock clockwork.Clock

	mu      sync.RWMutex
	clients map[chan string]struct{}
}

// NewEventBroadcaster creates a broadcaster stamping events with clock
// (nil = real clock).
func NewEventBroadcaster(clock clockwork.Clock) *EventBroadcaster {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &EventBroadcaster{
		clock:   clock,
		clients: make(map[chan string]struct{}),
	}
}

// Subscribe returns a channel that receives broadcast messages and a cleanup function.
// The caller must call the returned cleanup when done (e.g. on client disconnect).
func (b *EventBroadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 64)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Clients returns the number of connected subscribers.
func (b *EventBroadcaster) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Publish sends a typed event with a JSON payload to all clients.
func (b *EventBroadcaster) Publish(kind string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	b.send(SessionEvent{Kind: kind, Data: data})
	return nil
}

// Broadcast sends a log line to all clients.
// Slow clients may miss messages (non-blocking, buffered).
func (b *EventBroadcaster) Broadcast(level, msg string) {
	b.send(SessionEvent{Kind: KindLog, Level: level, Msg: msg})
}

func (b *EventBroadcaster) send(evt SessionEvent) {
	evt.Time = b.clock.Now().Format(time.RFC3339)
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	payload := string(data)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- payload:
		default:
			// channel full, skip
		}
	}
}

// BroadcastWriter implements io.Writer; each Write broadcasts the content to SSE clients.
func BroadcastWriter(b *EventBroadcaster) *broadcastWriter {
	return &broadcastWriter{b: b}
}

// broadcastWriter wraps EventBroadcaster as io.Writer for use with debug.SetOutput.
type broadcastWriter struct {
	b *EventBroadcaster
}

func (w *broadcastWriter) Write(p []byte) (n int, err error) {
	msg := strings.TrimSpace(string(p))
	if msg == "" {
		return len(p), nil
	}
	level := "info"
	if strings.Contains(msg, "[ERROR]") {
		level = "error"
	}
	w.b.Broadcast(level, msg)
	return len(p), nil
}
