package handler

import (
	"net/http"
	"runtime"

	"github.com/obot-platform/scriptsmith/server/internal/model"
	"github.com/obot-platform/scriptsmith/server/internal/version"
)

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Version         string           `json:"version"`
	GoVersion       string           `json:"goVersion"`
	Info            Info             `json:"info"`
	InFlight        int64            `json:"inFlight"`
	ActiveKeys      int              `json:"activeKeys"`
	Lessons         int              `json:"lessons"`
	EpisodesByState map[string]int64 `json:"episodesByState"`
}

// GetStatus reports the build, configuration and episode counters.
// GET /api/status
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Version:         version.Get(),
		GoVersion:       runtime.Version(),
		Info:            h.info,
		InFlight:        h.pipeline.InFlight(),
		ActiveKeys:      h.pipeline.ActiveKeys(),
		Lessons:         len(h.cache.CurrentLessons()),
		EpisodesByState: map[string]int64{},
	}
	for _, state := range []string{
		model.EpisodeStateRunning,
		model.EpisodeStateSucceeded,
		model.EpisodeStateCached,
		model.EpisodeStateExhausted,
		model.EpisodeStateFailed,
	} {
		n, err := h.store.CountEpisodesByState(r.Context(), state)
		if err != nil {
			h.Error(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp.EpisodesByState[state] = n
	}
	h.JSON(w, http.StatusOK, resp)
}

// Health is a liveness probe.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	h.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
