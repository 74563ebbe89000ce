package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/forgeops/foreman/internal/event"
)

// sseBufferSize bounds the per-client queue. Events are a refetch hint,
// so dropping under backpressure loses nothing a re-fetch cannot recover.
const sseBufferSize = 64

// handleEventStream streams bus events to the client as Server-Sent Events.
// Each frame carries the event type and the event payload; clients should
// treat frames as a signal to re-fetch, not as authoritative state.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// The bus delivers synchronously in commit order; the channel decouples
	// slow clients from publishers.
	ch := make(chan event.Event, sseBufferSize)
	subID := s.bus.SubscribeAll(func(e event.Event) {
		select {
		case ch <- e:
		default:
			s.logger.Warn("dropping event for slow SSE client", "event", e.EventType())
		}
	})
	defer s.bus.Unsubscribe(subID)

	fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": keep-alive\n\n")
			flusher.Flush()
		case e := <-ch:
			payload, err := json.Marshal(sseFrame{
				Type:      e.EventType(),
				Timestamp: e.Timestamp(),
				Data:      e,
			})
			if err != nil {
				s.logger.Warn("failed to encode event", "event", e.EventType(), "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.EventType(), payload)
			flusher.Flush()
		}
	}
}

type sseFrame struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}
