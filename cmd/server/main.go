// Copyright (C) 2025-2026 SpecForge
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/specforge/specforge/internal/config"
	"github.com/specforge/specforge/internal/logger"
	"github.com/specforge/specforge/internal/orchestrator"
	"github.com/specforge/specforge/internal/protocol"
	"github.com/specforge/specforge/internal/server"
	"github.com/specforge/specforge/internal/telemetry"
)

func main() {
	cfg, err := config.NewConfig("config.yaml")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Initialize(&cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.CloseGlobal()

	mainLog := logger.GetLogger("main")
	mainLog.Info().Msg("Starting specforge API server")

	// This context drives the orchestrator's lifetime.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracing, err := telemetry.Setup(ctx, &cfg.Telemetry)
	if err != nil {
		mainLog.Error().Err(err).Msg("Error setting up telemetry")
		os.Exit(1)
	}

	eventChan := make(chan protocol.Event, cfg.Pipeline.EventBufferSize)

	orch, err := orchestrator.New(cfg, eventChan)
	if err != nil {
		mainLog.Error().Err(err).Msg("Error creating orchestrator")
		fmt.Fprintf(os.Stderr, "Error creating orchestrator: %v\n", err)
		os.Exit(1)
	}

	go func() {
		orch.Run(ctx)
		mainLog.Info().Msg("Orchestrator stopped")
	}()

	srv := server.New(
		&cfg.Server,
		eventChan,
		orch.DataService(),
		orch.PipelineService(),
	)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- srv.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		mainLog.Info().Msgf("Received signal %v, shutting down...", sig)
	case err := <-serverErrChan:
		if err != nil {
			mainLog.Error().Err(err).Msg("Server error")
		}
	}

	// Graceful shutdown: fresh context with timeout, independent of orchestrator ctx.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		mainLog.Error().Err(err).Msg("Error shutting down server")
	}

	mainLog.Info().Msg("Shutting down orchestrator...")
	cancel()
	if err := orch.Close(); err != nil {
		mainLog.Error().Err(err).Msg("Error closing orchestrator")
	}

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		mainLog.Error().Err(err).Msg("Error shutting down telemetry")
	}

	mainLog.Info().Msg("API server shut down")
}
