// Copyright (C) 2025-2026 SpecForge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/specforge/specforge/internal/config"
	"github.com/specforge/specforge/internal/orchestrator/services"
	"github.com/specforge/specforge/internal/protocol"
)

// Server is the REST + WebSocket API server.
type Server struct {
	httpServer  *http.Server
	broadcaster *EventBroadcaster
}

// New creates and wires up the API server. It does NOT start listening;
// call Run() for that.
func New(
	cfg *config.ServerConfig,
	eventChan <-chan protocol.Event,
	dataService *services.DataService,
	pipeline *services.PipelineService,
) *Server {
	registry := NewClientRegistry()
	broadcaster := NewEventBroadcaster(eventChan, registry)
	handlers := NewHandlers(dataService, pipeline)

	r := chi.NewRouter()

	// Global middleware
	r.Use(Recovery)
	r.Use(RequestID)
	r.Use(Logger)
	r.Use(CORS(cfg.AllowedOrigins))
	r.Use(MaxBodySize(1 << 20)) // 1 MB default

	r.Get("/healthz", handlers.Health)

	// REST routes; everything under /api/v1 is tenant scoped.
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(TenantID)

		r.Get("/projects", handlers.ListProjects)
		r.Post("/projects", handlers.CreateProject)
		r.Post("/projects/{projectId}/tasks", handlers.CreateTask)

		r.Route("/tasks/{taskId}", func(r chi.Router) {
			r.Get("/", handlers.GetTask)
			r.Post("/validate", handlers.ValidateTask)
			r.Post("/step", handlers.RunStep)
			r.Post("/pipeline", handlers.StartPipeline)
			r.Get("/runs", handlers.ListRuns)
		})

		r.Route("/runs/{runId}", func(r chi.Router) {
			r.Get("/", handlers.GetRun)
			r.Post("/cancel", handlers.CancelRun)
			r.Post("/replay", handlers.ReplayRun)
		})

		r.Get("/dead-letters", handlers.ListDeadLetters)
	})

	// WebSocket
	r.Get("/ws", HandleWebSocket(registry, cfg.AllowedOrigins))

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			// The step endpoint blocks for the duration of one agent call.
			WriteTimeout: 10 * time.Minute,
			IdleTimeout:  60 * time.Second,
		},
		broadcaster: broadcaster,
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run starts the event broadcaster goroutine and the HTTP server.
// Blocks until the server is shut down or the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		const maxRetries = 3
		for attempt := 1; attempt <= maxRetries; attempt++ {
			func() {
				defer func() {
					if r := recover(); r != nil {
						getLog().Error().Interface("panic", r).Int("attempt", attempt).Msg("Event broadcaster panic")
					}
				}()
				s.broadcaster.Run(ctx)
			}()

			// Normal return (context cancelled); exit without retry.
			if ctx.Err() != nil {
				return
			}

			if attempt < maxRetries {
				getLog().Warn().Int("attempt", attempt).Msg("Restarting event broadcaster after panic")
				time.Sleep(1 * time.Second)
			}
		}
		getLog().Error().Msg("Event broadcaster exhausted retries - events will no longer be dispatched")
	}()

	getLog().Info().Str("addr", s.httpServer.Addr).Msg("API server listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
