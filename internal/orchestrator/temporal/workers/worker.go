// Copyright (C) 2025-2026 SpecForge
// SPDX-License-Identifier: AGPL-3.0-or-later

package workers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/specforge/specforge/internal/config"
	"github.com/specforge/specforge/internal/logger"
	"github.com/specforge/specforge/internal/orchestrator/services"
	"github.com/specforge/specforge/internal/orchestrator/temporal/activities"
	"github.com/specforge/specforge/internal/orchestrator/temporal/types"
	"github.com/specforge/specforge/internal/orchestrator/temporal/workflows"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetTemporalLogger().With().Str("component", "worker").Logger()
		log = &l
	})
	return log
}

// Worker runs the pipeline workflows and the step activity on the task queue.
type Worker struct {
	temporalClient     client.Client
	taskQueue          string
	worker             worker.Worker
	pipelineActivities *activities.PipelineActivities
	config             *config.AppConfig
	mu                 sync.Mutex
	stopped            bool
}

// NewWorker creates a new Temporal worker.
func NewWorker(
	temporalClient client.Client,
	cfg *config.AppConfig,
	pipelineService *services.PipelineService,
) *Worker {
	return &Worker{
		temporalClient:     temporalClient,
		taskQueue:          cfg.Temporal.TaskQueue,
		pipelineActivities: activities.NewPipelineActivities(pipelineService),
		config:             cfg,
	}
}

// Start starts the worker. A stopped worker cannot be restarted.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	getLog().Info().Str("task_queue", w.taskQueue).Msg("Starting Temporal worker")

	if w.stopped {
		return fmt.Errorf("cannot restart a stopped worker - create a new worker instance")
	}
	if w.worker != nil {
		getLog().Info().Msg("Worker already started")
		return nil
	}

	// Worker inherits its logger from the client.
	workerOptions := worker.Options{
		MaxConcurrentActivityExecutionSize:      w.config.Temporal.Worker.MaxConcurrentActivityExecutions,
		MaxConcurrentWorkflowTaskExecutionSize:  w.config.Temporal.Worker.MaxConcurrentWorkflows,
		MaxConcurrentLocalActivityExecutionSize: w.config.Temporal.Worker.MaxConcurrentActivityExecutions,
		WorkerActivitiesPerSecond:               w.config.Temporal.Worker.ActivitiesPerSecond,
		WorkerLocalActivitiesPerSecond:          w.config.Temporal.Worker.ActivitiesPerSecond,
		TaskQueueActivitiesPerSecond:            w.config.Temporal.Worker.ActivitiesPerSecond,
	}

	w.worker = worker.New(w.temporalClient, w.taskQueue, workerOptions)

	// Workflows and the activity register under the shared name constants;
	// callers start them by name without importing these packages.
	w.worker.RegisterWorkflowWithOptions(workflows.PipelineWorkflow, workflow.RegisterOptions{
		Name: types.PipelineWorkflowName,
	})
	w.worker.RegisterWorkflowWithOptions(workflows.StepRetryWorkflow, workflow.RegisterOptions{
		Name: types.StepRetryWorkflowName,
	})
	w.worker.RegisterActivityWithOptions(w.pipelineActivities.ExecutePipelineStep, activity.RegisterOptions{
		Name: types.ExecutePipelineStepActivityName,
	})

	workerInstance := w.worker
	go func() {
		if err := workerInstance.Run(worker.InterruptCh()); err != nil {
			getLog().Error().Err(err).Msg("Worker stopped with error")
		}
	}()

	getLog().Info().Msg("Temporal worker started successfully")
	return nil
}

// Stop stops the worker gracefully.
func (w *Worker) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.worker != nil {
		getLog().Info().Msg("Stopping Temporal worker gracefully...")

		w.worker.Stop()
		w.stopped = true
		w.worker = nil

		// Give in-flight database writes a moment to settle before the
		// process tears down shared connections.
		time.Sleep(200 * time.Millisecond)

		getLog().Info().Msg("Temporal worker stopped")
	}
	return nil
}

// GetRegisteredWorkflows returns the workflow names this worker serves.
func (w *Worker) GetRegisteredWorkflows() []string {
	return []string{
		types.PipelineWorkflowName,
		types.StepRetryWorkflowName,
	}
}
