package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/reelsched/reelsched/internal/events"
)

// StreamEvents handles GET /api/v1/jobs/{id}/events.
// It streams server-sent events for the job until it reaches a terminal
// status or the client disconnects.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	id := r.PathValue("id")

	// Subscribe before reading the job so a result published in between is not missed.
	ch := h.hub.Subscribe(id)
	defer h.hub.Unsubscribe(id, ch)

	j, err := h.store.Get(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err, "get job")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// If already terminal, send the result event and close immediately.
	if j.Status.IsTerminal() {
		writeSSEEvent(w, flusher, events.EventResult, j)
		return
	}

	// Send the current status so the client has an initial state.
	writeSSEEvent(w, flusher, events.EventStatus, j)

	for {
		select {
		case event, open := <-ch:
			if !open {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Name, event.Data)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// writeSSEEvent serialises data as JSON and writes a single SSE event frame.
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	flusher.Flush()
}
