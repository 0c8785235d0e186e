package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/obot-platform/scriptsmith/server/internal/events"
	"github.com/obot-platform/scriptsmith/server/internal/pipeline"
)

// ExplanationRequest is the body of POST /api/explanation/video and the
// first message of the WebSocket variant.
type ExplanationRequest struct {
	Prompt        string `json:"prompt"`
	Language      string `json:"language,omitempty"`
	UserID        string `json:"user_id,omitempty"`
	VoiceProvider string `json:"voice_provider,omitempty"`
	VoiceID       string `json:"voice_id,omitempty"`
}

// toPipeline applies defaults and maps the body to a pipeline request.
func (r ExplanationRequest) toPipeline() pipeline.Request {
	voiceProvider := r.VoiceProvider
	if voiceProvider == "" {
		voiceProvider = "openai"
	}
	voiceID := r.VoiceID
	if voiceID == "" {
		voiceID = "default_voice"
	}
	return pipeline.Request{
		Topic:       r.Prompt,
		Language:    r.Language,
		RequesterID: r.UserID,
		Options: map[string]string{
			"voice_provider": voiceProvider,
			"voice_id":       voiceID,
		},
	}
}

// start validates and launches an episode, mapping errors to HTTP statuses.
func (h *Handler) start(body ExplanationRequest) (*events.Stream, int, error) {
	stream, err := h.pipeline.Start(body.toPipeline())
	switch {
	case err == nil:
		return stream, http.StatusOK, nil
	case errors.Is(err, pipeline.ErrInvalidRequest):
		return nil, http.StatusBadRequest, err
	case errors.Is(err, pipeline.ErrShuttingDown):
		return nil, http.StatusServiceUnavailable, err
	default:
		return nil, http.StatusInternalServerError, err
	}
}

// ExplanationSSE runs an episode and streams its events.
// POST /api/explanation/video
func (h *Handler) ExplanationSSE(w http.ResponseWriter, r *http.Request) {
	var body ExplanationRequest
	if err := h.DecodeJSON(r, &body); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	stream, status, err := h.start(body)
	if err != nil {
		h.Error(w, status, err.Error())
		return
	}

	sse, ok := h.startSSE(w)
	if !ok {
		stream.Detach()
		return
	}

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			// The episode keeps running; its events stay available under
			// /api/episodes/{id}/events.
			stream.Detach()
			return
		case <-ticker.C:
			if err := sse.Ping(); err != nil {
				stream.Detach()
				return
			}
		case ev, ok := <-stream.Events():
			if !ok {
				return
			}
			if err := sse.Event(ev); err != nil {
				stream.Detach()
				return
			}
		}
	}
}

// wsMessage is one event on the WebSocket variant.
type wsMessage struct {
	Event events.EventType `json:"event"`
	Seq   int64            `json:"seq,omitempty"`
	Data  any              `json:"data"`
}

// ExplanationWS is the WebSocket variant: the client sends the request JSON
// as its first message and receives one message per event.
// GET /api/explanation/ws
func (h *Handler) ExplanationWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var body ExplanationRequest
	_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	if err := conn.ReadJSON(&body); err != nil {
		h.closeWS(conn, websocket.CloseUnsupportedData, "invalid request")
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	stream, _, err := h.start(body)
	if err != nil {
		_ = conn.WriteJSON(wsMessage{Event: events.EventTypeError, Data: map[string]string{"error": err.Error()}})
		h.closeWS(conn, websocket.ClosePolicyViolation, "request rejected")
		return
	}

	// The reader only exists to notice the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			stream.Detach()
			return
		case ev, ok := <-stream.Events():
			if !ok {
				h.closeWS(conn, websocket.CloseNormalClosure, "done")
				return
			}
			msg := wsMessage{Event: ev.Type, Seq: ev.Seq, Data: ev.Data}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				stream.Detach()
				return
			}
		}
	}
}

func (h *Handler) closeWS(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
