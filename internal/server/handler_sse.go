package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/me/weft/pkg/model"
)

// handleSSERun streams a run's node transitions via Server-Sent Events.
// GET /api/v1/sse/runs/{id}
//
// Events: "init" with the run as it stands, one "transition" per recorded
// node event, and "complete" with the finished run, after which the stream
// ends.
func (s *Server) handleSSERun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	reqID := RequestIDFromContext(r.Context())

	run, err := s.view(r.Context(), id)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}
	if run == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("run", id))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	// Set headers for SSE.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	if err := sendSSEEvent(w, flusher, "init", run); err != nil {
		s.logger.Debug("sse client disconnected", "run_id", id, "error", err)
		return
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	sent := 0
	for {
		// Events are all recorded before a run leaves the active set, so a
		// run seen inactive here has nothing left to emit after this read.
		_, running := s.lookupActive(id)

		events, err := s.store.ListEvents(r.Context(), id)
		if err != nil {
			s.logger.Error("sse fetch error", "run_id", id, "error", err)
		}
		if len(events) > sent {
			for _, ev := range events[sent:] {
				if err := sendSSEEvent(w, flusher, "transition", ev); err != nil {
					s.logger.Debug("sse client disconnected", "run_id", id)
					return
				}
			}
			sent = len(events)
		} else if running {
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		}

		if !running {
			final, err := s.store.GetRun(r.Context(), id)
			if err != nil || final == nil {
				return
			}
			sendSSEEvent(w, flusher, "complete", final)
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
	if err != nil {
		return err
	}

	flusher.Flush()
	return nil
}
