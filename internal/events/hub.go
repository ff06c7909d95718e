// Package events fans out per-job progress to Server-Sent Events subscribers.
package events

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Event names sent to subscribers.
const (
	EventStatus   = "status"
	EventProgress = "progress"
	EventResult   = "result"
)

// Event is one SSE frame. Data is a JSON document.
type Event struct {
	Name string
	Data string
}

// Hub keeps the subscriber channels of every watched job. Sends never block:
// a subscriber that falls behind misses events.
type Hub struct {
	mu   sync.RWMutex
	subs map[string][]chan Event
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string][]chan Event)}
}

// Subscribe creates a buffered channel for a job and returns it.
func (h *Hub) Subscribe(jobID string) chan Event {
	ch := make(chan Event, 64)
	h.mu.Lock()
	h.subs[jobID] = append(h.subs[jobID], ch)
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes ch. It is a no-op when the job's final event already
// closed it.
func (h *Hub) Unsubscribe(jobID string, ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	chans := h.subs[jobID]
	for i, c := range chans {
		if c == ch {
			h.subs[jobID] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(h.subs[jobID]) == 0 {
		delete(h.subs, jobID)
	}
}

// Subscribers returns how many channels are open for jobID.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[jobID])
}

// Publish sends an event to every subscriber of jobID.
func (h *Hub) Publish(jobID, name string, payload any) {
	ev, ok := encode(name, payload)
	if !ok {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs[jobID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// PublishFinal sends the last event for jobID and closes its channels.
func (h *Hub) PublishFinal(jobID, name string, payload any) {
	ev, ok := encode(name, payload)

	h.mu.Lock()
	chans := h.subs[jobID]
	delete(h.subs, jobID)
	h.mu.Unlock()

	for _, ch := range chans {
		if ok {
			select {
			case ch <- ev:
			default:
			}
		}
		close(ch)
	}
}

func encode(name string, payload any) (Event, bool) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("events: encode payload", "event", name, "error", err)
		return Event{}, false
	}
	return Event{Name: name, Data: string(data)}, true
}
