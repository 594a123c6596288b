package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/SampleBias/Oxidized-Bio/internal/domain"
)

// sseMaxDuration is the maximum time an event stream may remain open.
const sseMaxDuration = 4 * time.Hour

// streamEvents handles GET /conversations/{conversationID}/events (SSE).
// The optional workflow_id query parameter narrows the stream to one
// workflow, which also ends the stream after its terminal event.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	var only uuid.UUID
	if raw := r.URL.Query().Get("workflow_id"); raw != "" {
		id, ok := parseUUID(w, raw, "workflow_id")
		if !ok {
			return
		}
		only = id
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream not available")
		return
	}

	sub, err := s.events.Subscribe(conversationID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	defer sub.Close()

	// The server write timeout would otherwise cut the stream.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug().Err(err).Msg("could not clear write deadline for event stream")
	}

	// Set SSE headers.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, ": subscribed to %s\n\n", conversationID)
	flusher.Flush()

	ctx := r.Context()
	deadline := time.NewTimer(sseMaxDuration)
	defer deadline.Stop()
	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-deadline.C:
			fmt.Fprint(w, "event: timeout\ndata: {}\n\n")
			flusher.Flush()
			return

		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()

		case ev, open := <-sub.Events():
			if !open {
				return
			}
			if only != uuid.Nil && ev.WorkflowID != only {
				continue
			}
			if err := sendSSEEvent(w, flusher, ev); err != nil {
				s.logger.Warn().Err(err).Msg("failed to encode progress event")
				continue
			}
			if only != uuid.Nil && ev.Status.IsTerminal() {
				return
			}
		}
	}
}

// sendSSEEvent writes a single SSE event. The id lets clients detect gaps
// by version.
func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, ev domain.ProgressEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "id: %s:%d\nevent: %s\ndata: %s\n\n", ev.WorkflowID, ev.Version, ev.Status, data)
	flusher.Flush()
	return nil
}
