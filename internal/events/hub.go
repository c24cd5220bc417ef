// Package events is the process-wide lifecycle feed served at /events.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultCapacity  = 256
	subscriberBuffer = 64
)

type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Hub is an in-memory pub/sub with a ring buffer so late clients can replay
// recent events by id.
type Hub struct {
	nextID atomic.Int64
	now    func() time.Time

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]chan Event
	nextSubID int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Hub{
		now:  time.Now,
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

// Publish stores and fans out one event. Subscribers that are not keeping up
// miss it rather than blocking the producer; they can resync with
// SnapshotSince.
func (h *Hub) Publish(eventType string, data any) Event {
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ev := Event{
		ID:   h.nextID.Add(1),
		Type: eventType,
		At:   h.now().UTC(),
		Data: payload,
	}
	h.pushLocked(ev)
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return ev
}

// Subscribe registers a live listener. The returned func unsubscribes and
// closes the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, subscriberBuffer)
	h.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			close(ch)
			h.mu.Unlock()
		})
	}
	return ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID, oldest first.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

// Subscribers reports the number of live listeners.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if h.size < capacity {
		h.ring[(h.start+h.size)%capacity] = ev
		h.size++
		return
	}
	// Overwrite oldest.
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
