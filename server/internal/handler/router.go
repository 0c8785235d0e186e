package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/obot-platform/scriptsmith/server/internal/logger"
	"github.com/obot-platform/scriptsmith/server/internal/middleware"
)

// NewRouter wires every route. Streaming routes are kept out of the
// request timeout.
func NewRouter(h *Handler, corsOrigins []string, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewNop()
	}
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.SanitizedLogger(log))
	r.Use(chimiddleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Last-Event-ID", "X-Request-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		// Streaming
		r.Post("/explanation/video", h.ExplanationSSE)
		r.Get("/explanation/ws", h.ExplanationWS)
		r.Get("/episodes/{id}/events", h.EpisodeEvents)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(60 * time.Second))

			r.Get("/status", h.GetStatus)
			r.Get("/scripts", h.ListScripts)
			r.Get("/scripts/{key}", h.GetScript)
			r.Get("/lessons", h.ListLessons)
			r.Get("/episodes/{id}", h.GetEpisode)
		})
	})

	return r
}
