// Package server wires the ToolBridge adapter together: configuration,
// telemetry, the broker client, the policy/session/resolution/execution
// core, and the HTTP router.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(fmt.Sprintf(":%d", srv.Port), srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/toolbridge/toolbridge/internal/api"
	"github.com/toolbridge/toolbridge/internal/api/handlers"
	"github.com/toolbridge/toolbridge/internal/broker"
	"github.com/toolbridge/toolbridge/internal/config"
	"github.com/toolbridge/toolbridge/internal/connections"
	"github.com/toolbridge/toolbridge/internal/executor"
	"github.com/toolbridge/toolbridge/internal/policy"
	"github.com/toolbridge/toolbridge/internal/resolver"
	"github.com/toolbridge/toolbridge/internal/sessioncache"
	"github.com/toolbridge/toolbridge/internal/telemetry"
	"github.com/toolbridge/toolbridge/pkg/contracts"
)

// Server holds the initialized ToolBridge adapter.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Config is the loaded configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error
}

// New loads configuration from the environment and initializes the adapter.
func New(ctx context.Context) (*Server, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return NewWithConfig(ctx, cfg)
}

// NewWithConfig initializes the adapter with an explicit configuration.
func NewWithConfig(_ context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	client := broker.NewClient(cfg.Broker.BaseURL, cfg.Broker.APIKey,
		broker.WithRateLimit(cfg.Broker.RateLimitRPS))

	srv, err := build(cfg, client)
	if err != nil {
		return nil, err
	}
	srv.ShutdownFunc = shutdown
	return srv, nil
}

// build assembles the core over an arbitrary broker client (tests pass a
// fake).
func build(cfg *config.Config, client contracts.BrokerClient) (*Server, error) {
	pol := policy.NewEngine(cfg.Policy)
	cache := sessioncache.New(client, pol)
	conns := connections.NewEngine(client, pol, cache)
	res := resolver.New(conns)
	exec := executor.NewEngine(pol, cache, res, client)

	log.Info().
		Int("allowed_toolkits", len(cfg.Policy.AllowedToolkits)).
		Int("blocked_toolkits", len(cfg.Policy.BlockedToolkits)).
		Bool("read_only", cfg.Policy.ReadOnly).
		Msg("adapter core initialized")

	h := handlers.New(exec, conns)
	router := api.NewRouter(cfg, h)

	return &Server{
		Handler: router,
		Config:  cfg,
		Port:    cfg.Port,
	}, nil
}
