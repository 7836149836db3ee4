// Package server provides the public entry point for initializing the
// PromptForge server: configuration, telemetry, the state store, the AI
// provider client, the pipeline runner, the evaluation engine, and the
// auto-mode orchestrator, all composed behind a single HTTP handler.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/promptforge/promptforge/internal/api"
	"github.com/promptforge/promptforge/internal/api/handlers"
	"github.com/promptforge/promptforge/internal/automode"
	"github.com/promptforge/promptforge/internal/config"
	"github.com/promptforge/promptforge/internal/evaluate"
	"github.com/promptforge/promptforge/internal/notify"
	"github.com/promptforge/promptforge/internal/pipeline"
	"github.com/promptforge/promptforge/internal/provider"
	"github.com/promptforge/promptforge/internal/store"
	"github.com/promptforge/promptforge/internal/telemetry"
)

// Server holds the initialized PromptForge components.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the pipeline state store.
	Store store.Store

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes all components from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the server with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore := store.NewMemoryStore()
	log.Info().Msg("✅ State store initialized")

	ai := provider.NewClient(provider.Credentials{
		OpenAIKey:    cfg.Providers.OpenAIKey,
		AnthropicKey: cfg.Providers.AnthropicKey,
		GoogleKey:    cfg.Providers.GoogleKey,
		GroqKey:      cfg.Providers.GroqKey,

		OpenAIEndpoint:    cfg.Providers.OpenAIEndpoint,
		AnthropicEndpoint: cfg.Providers.AnthropicEndpoint,
		GoogleEndpoint:    cfg.Providers.GoogleEndpoint,
		GroqEndpoint:      cfg.Providers.GroqEndpoint,
	})

	notifier := notify.NewCenter()
	runner := pipeline.NewRunner(dataStore, ai, notifier)

	engine := evaluate.NewEngine(
		evaluate.NewProviderAgent(ai),
		evaluate.NewJitterPerspective(time.Now().UnixNano()),
		evaluate.Options{
			TripleDelay: cfg.Pipeline.TripleDelay,
			CallTimeout: cfg.Pipeline.EvalTimeout,
		},
	)

	auto := automode.New(dataStore, runner, engine, notifier, automode.Options{
		StageDelay: cfg.Pipeline.StageDelay,
	})

	log.Info().Msg("✅ Pipeline runner initialized")
	log.Info().Msg("✅ Evaluation engine initialized")
	log.Info().Msg("✅ Auto-mode orchestrator initialized")

	h := handlers.New(dataStore, ai, runner, engine, auto, notifier)
	router := api.NewRouter(cfg, h)

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}
