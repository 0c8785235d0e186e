package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/obot-platform/scriptsmith/server/internal/events"
)

// keepAliveInterval is how often an idle stream gets a comment line so
// proxies do not drop it during long generation calls.
const keepAliveInterval = 15 * time.Second

// sseWriter writes server-sent events to a flushing response.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// startSSE sets the SSE headers. It returns false (after writing an error)
// when the response cannot stream.
func (h *Handler) startSSE(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.Error(w, http.StatusInternalServerError, "streaming not supported")
		return nil, false
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &sseWriter{w: w, flusher: flusher}, true
}

// Event writes one event. Persisted events carry their seq as the SSE id so
// clients can resume with Last-Event-ID.
func (s *sseWriter) Event(ev *events.Event) error {
	if ev.Seq > 0 {
		if _, err := fmt.Fprintf(s.w, "id: %d\n", ev.Seq); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Type, ev.Data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Ping writes a comment line.
func (s *sseWriter) Ping() error {
	if _, err := fmt.Fprint(s.w, ": ping\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Error writes an error event that did not come from an episode.
func (s *sseWriter) Error(msg string) {
	fmt.Fprintf(s.w, "event: error\ndata: {\"error\":%q}\n\n", msg)
	s.flusher.Flush()
}
