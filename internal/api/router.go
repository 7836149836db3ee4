package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/promptforge/promptforge/internal/api/handlers"
	"github.com/promptforge/promptforge/internal/api/middleware"
	"github.com/promptforge/promptforge/internal/config"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Route("/api/v1/optimizer", func(r chi.Router) {
		// Generative stages
		r.Post("/meta-prompt", h.RunMetaPrompt)
		r.Put("/meta-prompt", h.EditMetaPrompt)
		r.Post("/variations/generate", h.GenerateVariations)
		r.Post("/test-cases/generate", h.GenerateTestCases)

		// Evaluation & results
		r.Post("/evaluate", h.Evaluate)
		r.Get("/leaderboard", h.Leaderboard)
		r.Post("/arena/respond", h.ArenaRespond)

		// Auto mode
		r.Route("/auto", func(r chi.Router) {
			r.Post("/run", h.AutoRun)
			r.Post("/stop", h.AutoStop)
			r.Get("/status", h.AutoStatus)
		})

		// Criteria
		r.Route("/criteria", func(r chi.Router) {
			r.Get("/", h.ListCriteria)
			r.Post("/", h.CreateCriterion)
			r.Patch("/{id}", h.UpdateCriterion)
			r.Delete("/{id}", h.DeleteCriterion)
		})

		// Stage state
		r.Route("/stages", func(r chi.Router) {
			r.Get("/", h.ListStages)
			r.Get("/{stage}", h.GetStage)
			r.Patch("/{stage}", h.PatchStage)
		})
		r.Post("/reset", h.Reset)

		// Flow persistence & portability
		r.Route("/flow", func(r chi.Router) {
			r.Post("/save", h.SaveFlow)
			r.Post("/load", h.LoadFlow)
			r.Get("/export", h.ExportFlow)
			r.Post("/import", h.ImportFlow)
		})

		// Providers, cost, notifications
		r.Get("/providers", h.ListProviders)
		r.Post("/providers/test", h.TestProvider)
		r.Get("/cost", h.GetCostSummary)
		r.Get("/notifications", h.ListNotifications)
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "promptforge",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "promptforge",
		})
	}
}
