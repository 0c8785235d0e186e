package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/obot-platform/scriptsmith/server/internal/contentkey"
	"github.com/obot-platform/scriptsmith/server/internal/pipeline"
	"github.com/obot-platform/scriptsmith/server/internal/store"
)

// GetScript returns the cached record for a content key.
// GET /api/scripts/{key}
func (h *Handler) GetScript(w http.ResponseWriter, r *http.Request) {
	key, err := contentkey.Parse(chi.URLParam(r, "key"))
	if err != nil {
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	h.writeScript(w, r, key)
}

// ListScripts looks up the record for ?topic=&language= or, without a
// topic, lists recent records (?limit=, default 50).
// GET /api/scripts
func (h *Handler) ListScripts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if topic := strings.TrimSpace(q.Get("topic")); topic != "" {
		language := strings.TrimSpace(q.Get("language"))
		if language == "" {
			language = pipeline.DefaultLanguage
		}
		h.writeScript(w, r, contentkey.Derive(topic, language))
		return
	}

	limit := 50
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			h.Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	scripts, err := h.store.ListScripts(r.Context(), limit)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{"scripts": scripts})
}

func (h *Handler) writeScript(w http.ResponseWriter, r *http.Request, key contentkey.Key) {
	rec, err := h.cache.Get(r.Context(), key)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rec == nil {
		h.Error(w, http.StatusNotFound, "no script for key "+key.String())
		return
	}
	h.JSON(w, http.StatusOK, rec)
}

// ListLessons returns the lesson log in insertion order.
// GET /api/lessons
func (h *Handler) ListLessons(w http.ResponseWriter, r *http.Request) {
	lessons, err := h.store.ListLessons(r.Context())
	if err != nil {
		h.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{"lessons": lessons})
}

// GetEpisode returns one episode.
// GET /api/episodes/{id}
func (h *Handler) GetEpisode(w http.ResponseWriter, r *http.Request) {
	ep, err := h.store.GetEpisode(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		h.Error(w, http.StatusNotFound, "episode not found")
		return
	}
	if err != nil {
		h.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.JSON(w, http.StatusOK, ep)
}

// EpisodeEvents replays an episode's events over SSE and follows it until it
// finishes. Resume with ?after=<seq> or the Last-Event-ID header.
// GET /api/episodes/{id}/events
func (h *Handler) EpisodeEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	after := r.URL.Query().Get("after")
	if after == "" {
		after = r.Header.Get("Last-Event-ID")
	}
	var afterSeq int64
	if after != "" {
		n, err := strconv.ParseInt(after, 10, 64)
		if err != nil || n < 0 {
			h.Error(w, http.StatusBadRequest, "invalid after")
			return
		}
		afterSeq = n
	}

	if _, err := h.store.GetEpisode(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.Error(w, http.StatusNotFound, "episode not found")
			return
		}
		h.Error(w, http.StatusInternalServerError, err.Error())
		return
	}

	sse, ok := h.startSSE(w)
	if !ok {
		return
	}
	if err := h.poller.Follow(r.Context(), id, afterSeq, sse.Event); err != nil && r.Context().Err() == nil {
		h.log.Warn("episode event replay failed", "episode", id, "error", err)
		sse.Error("failed to read episode events")
	}
}
