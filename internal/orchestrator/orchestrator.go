// Copyright (C) 2025-2026 SpecForge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package orchestrator assembles the pipeline execution core: database,
// task locking, billing client, agent executor, audit sink and the Temporal
// client/worker pair, wired into a PipelineService.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/specforge/specforge/internal/config"
	"github.com/specforge/specforge/internal/logger"
	"github.com/specforge/specforge/internal/orchestrator/agents"
	"github.com/specforge/specforge/internal/orchestrator/audit"
	"github.com/specforge/specforge/internal/orchestrator/billing"
	"github.com/specforge/specforge/internal/orchestrator/database"
	"github.com/specforge/specforge/internal/orchestrator/locking"
	"github.com/specforge/specforge/internal/orchestrator/services"
	"github.com/specforge/specforge/internal/orchestrator/temporal"
	"github.com/specforge/specforge/internal/orchestrator/temporal/workers"
	"github.com/specforge/specforge/internal/protocol"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetOrchestratorLogger()
		log = &l
	})
	return log
}

// Orchestrator owns the long-lived services of the pipeline core and their
// shutdown order.
type Orchestrator struct {
	dataService     *services.DataService
	pipelineService *services.PipelineService
	temporalClient  services.TemporalClient
	temporalWorker  *workers.Worker
	redisLocker     *locking.RedisTaskLocker
	config          *config.AppConfig
}

// New builds the orchestrator from config. Events emitted by the pipeline
// core are published to eventChan; pass nil when no subscriber exists.
// When Temporal is disabled the service runs steps synchronously and
// StartPipeline is rejected.
func New(cfg *config.AppConfig, eventChan chan<- protocol.Event) (*Orchestrator, error) {
	dataService, err := services.NewDataService(cfg)
	if err != nil {
		return nil, err
	}
	db := dataService.DB()

	var (
		locker      services.TaskLocker
		redisLocker *locking.RedisTaskLocker
	)
	switch cfg.Locking.Mode {
	case "redis":
		redisLocker, err = locking.NewRedisTaskLocker(
			context.Background(),
			cfg.Locking.Addr,
			cfg.Locking.Password,
			cfg.Locking.DB,
			cfg.Locking.TTL,
		)
		if err != nil {
			_ = dataService.Close()
			return nil, fmt.Errorf("failed to create redis task locker: %w", err)
		}
		locker = redisLocker
	default:
		locker = locking.NewLocalTaskLocker()
	}

	executor, err := agents.NewExecutor(&cfg.Agent)
	if err != nil {
		_ = dataService.Close()
		return nil, fmt.Errorf("failed to create agent executor: %w", err)
	}

	billingClient := billing.NewHTTPBillingClient(&cfg.Billing)
	auditSink := audit.NewDBSink(db)

	deps := services.PipelineServiceDeps{
		Tasks:       db,
		Runs:        db,
		Steps:       db,
		AgentRuns:   db,
		Artifacts:   db,
		DeadLetters: db,
		Billing:     billingClient,
		Executor:    executor,
		Audit:       auditSink,
		Locker:      locker,
		Events:      eventChan,
	}

	var (
		temporalClient *temporal.Client
		temporalWorker *workers.Worker
	)
	if cfg.Temporal.Enabled {
		temporalClient, err = temporal.NewClient(
			cfg.Temporal.HostPort,
			cfg.Temporal.Namespace,
			cfg.Temporal.TaskQueue,
		)
		if err != nil {
			_ = dataService.Close()
			return nil, fmt.Errorf("failed to create temporal client: %w", err)
		}
		deps.Temporal = temporalClient
		deps.Scheduler = temporal.NewRetryScheduler(
			temporalClient,
			cfg.Pipeline.RetryBackoffBase,
			cfg.Pipeline.RetryBackoffCap,
		)
	}

	pipelineService := services.NewPipelineService(deps)

	if temporalClient != nil {
		temporalWorker = workers.NewWorker(temporalClient.GetTemporalClient(), cfg, pipelineService)
		if err := temporalWorker.Start(context.Background()); err != nil {
			_ = temporalClient.Close()
			_ = dataService.Close()
			return nil, fmt.Errorf("failed to start temporal worker: %w", err)
		}
	}

	o := &Orchestrator{
		dataService:     dataService,
		pipelineService: pipelineService,
		temporalWorker:  temporalWorker,
		redisLocker:     redisLocker,
		config:          cfg,
	}
	if temporalClient != nil {
		o.temporalClient = temporalClient
	}
	return o, nil
}

// PipelineService returns the pipeline service for the API server and CLI.
func (o *Orchestrator) PipelineService() *services.PipelineService {
	return o.pipelineService
}

// DataService returns the data service for direct read access.
func (o *Orchestrator) DataService() *services.DataService {
	return o.dataService
}

// DB returns the underlying database handle for tooling.
func (o *Orchestrator) DB() *database.GormDB {
	return o.dataService.DB()
}

// Run blocks until ctx is done. The orchestrator itself is passive; work
// arrives through the API server and the Temporal worker.
func (o *Orchestrator) Run(ctx context.Context) {
	getLog().Info().
		Bool("temporal", o.config.Temporal.Enabled).
		Str("locking", o.config.Locking.Mode).
		Msg("Orchestrator started")
	<-ctx.Done()
	getLog().Info().Err(ctx.Err()).Msg("Orchestrator shutting down")
}

// Close stops the worker first so no activity writes race the teardown of
// the shared connections underneath it.
func (o *Orchestrator) Close() error {
	getLog().Info().Msg("Shutting down orchestrator...")
	var errs []error

	if o.temporalWorker != nil {
		if closeErr := o.temporalWorker.Stop(); closeErr != nil {
			getLog().Error().Err(closeErr).Msg("Error stopping temporal worker")
			errs = append(errs, closeErr)
		}
	}
	if o.temporalClient != nil {
		if closeErr := o.temporalClient.Close(); closeErr != nil {
			getLog().Error().Err(closeErr).Msg("Error closing temporal client")
			errs = append(errs, closeErr)
		}
	}
	if o.redisLocker != nil {
		if closeErr := o.redisLocker.Close(); closeErr != nil {
			getLog().Error().Err(closeErr).Msg("Error closing redis locker")
			errs = append(errs, closeErr)
		}
	}
	if closeErr := o.dataService.Close(); closeErr != nil {
		getLog().Error().Err(closeErr).Msg("Error closing data service")
		errs = append(errs, closeErr)
	}

	getLog().Info().Msg("Orchestrator shutdown complete")
	return errors.Join(errs...)
}
