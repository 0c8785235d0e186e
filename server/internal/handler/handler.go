// Package handler implements the HTTP surface: the streaming explanation
// endpoints and read-only views of scripts, lessons and episodes.
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/obot-platform/scriptsmith/server/internal/cache"
	"github.com/obot-platform/scriptsmith/server/internal/events"
	"github.com/obot-platform/scriptsmith/server/internal/logger"
	"github.com/obot-platform/scriptsmith/server/internal/pipeline"
	"github.com/obot-platform/scriptsmith/server/internal/store"
)

// Handler contains all HTTP handlers
type Handler struct {
	store    *store.Store
	cache    *cache.Cache
	pipeline *pipeline.Service
	poller   *events.Poller
	info     Info
	log      *logger.Logger
	upgrader websocket.Upgrader
}

// Info describes the running configuration for /api/status.
type Info struct {
	LLMProvider     string `json:"llmProvider"`
	SandboxProvider string `json:"sandboxProvider"`
	DatabaseDriver  string `json:"databaseDriver"`
	ScenePlanning   bool   `json:"scenePlanning"`
	Lessons         bool   `json:"lessons"`
}

// New creates a new Handler.
func New(s *store.Store, c *cache.Cache, p *pipeline.Service, info Info, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewNop()
	}
	return &Handler{
		store:    s,
		cache:    c,
		pipeline: p,
		poller:   events.NewPoller(s, events.DefaultPollerConfig(), log),
		info:     info,
		log:      log.Named("handler"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(_ *http.Request) bool { return true },
		},
	}
}

// JSON helper to write JSON responses
func (h *Handler) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// Error helper to write error responses
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// DecodeJSON helper to decode request body
func (h *Handler) DecodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}
