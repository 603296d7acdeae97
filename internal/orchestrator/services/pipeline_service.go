// Copyright (C) 2025-2026 SpecForge
// SPDX-License-Identifier: AGPL-3.0-or-later

package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/specforge/specforge/internal/logger"
	"github.com/specforge/specforge/internal/orchestrator/locking"
	"github.com/specforge/specforge/internal/orchestrator/models"
	"github.com/specforge/specforge/internal/orchestrator/temporal/types"
	"github.com/specforge/specforge/internal/protocol"
)

var (
	pipelineLog     *zerolog.Logger
	pipelineLogOnce sync.Once
)

func getPipelineLog() *zerolog.Logger {
	pipelineLogOnce.Do(func() {
		l := logger.GetPipelineLogger().With().Str("component", "pipeline_service").Logger()
		pipelineLog = &l
	})
	return pipelineLog
}

var tracer = otel.Tracer("specforge/pipeline")

// Result statuses carried by RunStepResult.Status.
const (
	StepResultCompleted                 = "completed"
	StepResultPausedInsufficientCredits = "paused_insufficient_credits"
)

// ErrPipelineAlreadyRunning is returned by StartPipeline when the task
// already has a running pipeline.
var ErrPipelineAlreadyRunning = errors.New("pipeline already running for task")

// PipelineService drives the four-stage pipeline for tasks: validation,
// step execution, cancellation and replay. All mutable state lives in the
// repositories; the service holds no per-run state.
type PipelineService struct {
	tasks       TaskRepository
	runs        PipelineRunRepository
	steps       StepRunRepository
	agentRuns   AgentRunRepository
	artifacts   ArtifactRepository
	deadLetters DeadLetterRepository
	billing     BillingClient
	executor    AgentExecutor
	audit       AuditSink
	scheduler   RetryScheduler
	locker      TaskLocker
	temporal    TemporalClient
	estimator   *CostEstimator
	clock       Clock

	events        chan<- protocol.Event
	droppedEvents atomic.Int64
}

// PipelineServiceDeps groups the collaborators of PipelineService.
// Scheduler, DeadLetters, Temporal and Events are optional; the service
// degrades per the retry/dead-letter protocol when they are absent.
type PipelineServiceDeps struct {
	Tasks       TaskRepository
	Runs        PipelineRunRepository
	Steps       StepRunRepository
	AgentRuns   AgentRunRepository
	Artifacts   ArtifactRepository
	DeadLetters DeadLetterRepository
	Billing     BillingClient
	Executor    AgentExecutor
	Audit       AuditSink
	Scheduler   RetryScheduler
	Locker      TaskLocker
	Temporal    TemporalClient
	Clock       Clock
	Events      chan<- protocol.Event
}

// NewPipelineService creates a PipelineService with its dependencies.
func NewPipelineService(deps PipelineServiceDeps) *PipelineService {
	clock := deps.Clock
	if clock == nil {
		clock = SystemClock()
	}
	locker := deps.Locker
	if locker == nil {
		locker = locking.NewLocalTaskLocker()
	}
	return &PipelineService{
		tasks:       deps.Tasks,
		runs:        deps.Runs,
		steps:       deps.Steps,
		agentRuns:   deps.AgentRuns,
		artifacts:   deps.Artifacts,
		deadLetters: deps.DeadLetters,
		billing:     deps.Billing,
		executor:    deps.Executor,
		audit:       deps.Audit,
		scheduler:   deps.Scheduler,
		locker:      locker,
		temporal:    deps.Temporal,
		estimator:   NewCostEstimator(),
		clock:       clock,
		events:      deps.Events,
	}
}

// --- Result / param types ---

// ValidateParams groups input for Validate.
type ValidateParams struct {
	TaskID   string
	TenantID string
}

// ValidateResult is the pre-flight eligibility check outcome.
type ValidateResult struct {
	Eligible       bool   `json:"eligible"`
	EstimatedCost  int64  `json:"estimated_cost"`
	CurrentBalance int64  `json:"current_balance"`
	Reason         string `json:"reason,omitempty"`
}

// RunStepParams groups input for RunStep.
type RunStepParams struct {
	TaskID   string
	TenantID string
}

// RunStepResult is the outcome of one successful step advance. Status is
// StepResultCompleted or StepResultPausedInsufficientCredits.
type RunStepResult struct {
	PipelineRunID string          `json:"pipeline_run_id"`
	StepRunID     string          `json:"step_run_id"`
	StepNumber    int             `json:"step_number"`
	StepType      models.StepType `json:"step_type"`
	Status        string          `json:"status"`
	ArtifactID    string          `json:"artifact_id"`
}

// CancelParams groups input for Cancel.
type CancelParams struct {
	PipelineRunID string
	TenantID      string
	UserID        string
	Reason        string
}

// CancelResult is the outcome of Cancel.
type CancelResult struct {
	PipelineRunID  string `json:"pipeline_run_id"`
	PreviousStatus string `json:"previous_status"`
	NewStatus      string `json:"new_status"`
	StepsCompleted int    `json:"steps_completed"`
	StepsCancelled int    `json:"steps_cancelled"`
	Message        string `json:"message"`
}

// ReplayParams groups input for Replay.
type ReplayParams struct {
	PipelineRunID             string
	TenantID                  string
	FromStepID                string
	PreserveApprovedArtifacts bool
}

// ReplayResult is the outcome of Replay.
type ReplayResult struct {
	NewPipelineRunID string `json:"new_pipeline_run_id"`
	Status           string `json:"status"`
	StartedFromStep  string `json:"started_from_step"`
}

// --- Validate ---

// Validate checks whether the task's tenant can afford a full pipeline.
// A balance exactly equal to the estimated cost is eligible.
func (ps *PipelineService) Validate(ctx context.Context, params ValidateParams) (*ValidateResult, error) {
	ctx, span := tracer.Start(ctx, "pipeline.Validate",
		trace.WithAttributes(attribute.String("task_id", params.TaskID)))
	defer span.End()

	task, err := ps.tasks.GetTaskByID(ctx, params.TaskID, params.TenantID)
	if err != nil {
		return nil, NewPipelineErrorf(CodeValidationError, "task lookup failed").WithReason(err.Error())
	}
	if task == nil {
		return nil, NewPipelineErrorf(CodeTaskNotFound, "task %s not found", params.TaskID)
	}

	estimatedCost := ps.estimator.EstimatePipelineCost()

	balance, err := ps.billing.GetBalance(ctx, params.TenantID)
	if err != nil {
		if errors.Is(err, ErrBillingUnavailable) {
			return nil, NewPipelineError(CodeBillingUnavailable, "billing service unavailable").WithReason(err.Error())
		}
		return nil, NewPipelineError(CodeBalanceCheckFailed, "balance check failed").WithReason(err.Error())
	}

	result := &ValidateResult{
		Eligible:       balance.Credits >= estimatedCost,
		EstimatedCost:  estimatedCost,
		CurrentBalance: balance.Credits,
	}
	if !result.Eligible {
		result.Reason = fmt.Sprintf("insufficient credits: balance %d is below the estimated pipeline cost %d",
			balance.Credits, estimatedCost)
	}
	return result, nil
}

// --- RunStep ---

// RunStep advances the task's pipeline by at most one step: acquire run,
// snapshot inputs, invoke the agent, persist the artifact, charge credits,
// advance the step pointer. Cancellation is honored at three checkpoints;
// billing happens strictly after the artifact is committed.
func (ps *PipelineService) RunStep(ctx context.Context, params RunStepParams) (*RunStepResult, error) {
	ctx, span := tracer.Start(ctx, "pipeline.RunStep",
		trace.WithAttributes(
			attribute.String("task_id", params.TaskID),
			attribute.String("tenant_id", params.TenantID),
		))
	defer span.End()

	task, err := ps.tasks.GetTaskByID(ctx, params.TaskID, params.TenantID)
	if err != nil {
		return nil, NewPipelineError(CodeExecutionError, "task lookup failed").WithReason(err.Error())
	}
	if task == nil {
		return nil, NewPipelineErrorf(CodeTaskNotFound, "task %s not found", params.TaskID)
	}

	run, step, err := ps.acquireRunAndStep(ctx, task)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("run_id", run.ID),
		attribute.Int("step_number", step.StepNumber),
		attribute.Int("retry_count", step.RetryCount),
	)

	log := getPipelineLog().With().
		Str("task_id", task.ID).
		Str("run_id", run.ID).
		Str("step_run_id", step.ID).
		Int("step_number", step.StepNumber).
		Logger()

	// Snapshot: written exactly once, before the agent is invoked. A resumed
	// retry keeps the snapshot of its first attempt.
	if len(step.InputSnapshot) == 0 {
		step.InputSnapshot = models.JSONMap{
			"task_id":         task.ID,
			"task_title":      task.Title,
			"task_input_spec": map[string]interface{}(task.InputSpec),
			"pipeline_run_id": run.ID,
			"current_step":    step.StepNumber,
			"snapshot_at":     ps.clock.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		}
		if err := ps.steps.UpdateStepRun(ctx, step); err != nil {
			return nil, NewPipelineError(CodeExecutionError, "failed to persist input snapshot").WithReason(err.Error())
		}
	}

	// Checkpoint B: a cancel between run acquisition and agent dispatch
	// marks this step cancelled before any work is done.
	if cancelled, err := ps.runCancelled(ctx, run.ID); err != nil {
		return nil, err
	} else if cancelled {
		now := ps.clock.Now()
		step.Status = models.StepRunStatusCancelled
		step.CompletedAt = &now
		if err := ps.steps.UpdateStepRun(ctx, step); err != nil {
			log.Error().Err(err).Msg("Failed to mark step cancelled")
		}
		return nil, NewPipelineErrorf(CodePipelineCancelled, "pipeline run %s was cancelled", run.ID)
	}

	ps.emit(protocol.PipelineLifecycleEvent{
		Metadata:   protocol.Metadata{TaskID: task.ID, Version: protocol.CurrentProtocolVersion},
		Type:       protocol.PipelineStepStarted,
		TenantID:   task.TenantID,
		ProjectID:  task.ProjectID,
		TaskID:     task.ID,
		RunID:      run.ID,
		StepID:     step.ID,
		StepNumber: step.StepNumber,
		StepType:   string(step.StepType),
		RunStatus:  run.Status.String(),
	})

	agentStart := ps.clock.Now()
	agentResult, agentErr := ps.executor.Execute(ctx, step.StepType.Agent(), AgentInputs{
		TaskTitle:     task.Title,
		TaskSpec:      task.InputSpec,
		InputSnapshot: step.InputSnapshot,
	})
	if agentErr != nil {
		return nil, ps.handleAgentFailure(ctx, task, run, step, agentErr)
	}

	now := ps.clock.Now()
	estimated := agentResult.EstimatedCostCredits
	if estimated == 0 {
		estimated = ps.estimator.EstimateStepCost(step.StepType)
	}
	agentRun := &models.AgentRun{
		ID:                   uuid.New().String(),
		PipelineRunID:        run.ID,
		StepRunID:            step.ID,
		AgentType:            step.StepType.Agent(),
		Model:                agentResult.Model,
		PromptTokens:         agentResult.PromptTokens,
		CompletionTokens:     agentResult.CompletionTokens,
		EstimatedCostCredits: estimated,
		ActualCostCredits:    estimated,
		StartedAt:            agentStart,
		CompletedAt:          now,
	}
	if err := ps.agentRuns.CreateAgentRun(ctx, agentRun); err != nil {
		return nil, NewPipelineError(CodeExecutionError, "failed to record agent run").WithReason(err.Error())
	}

	artifact := &models.Artifact{
		ID:            uuid.New().String(),
		TaskID:        task.ID,
		PipelineRunID: run.ID,
		StepRunID:     step.ID,
		ArtifactType:  step.StepType,
		Status:        models.InitialArtifactStatus(step.StepType),
		Content:       agentResult.Output,
		Version:       1,
	}
	if artifact.Status == models.ArtifactStatusApproved {
		artifact.ApprovedAt = &now
	}
	if err := ps.artifacts.CreateArtifact(ctx, artifact); err != nil {
		return nil, NewPipelineError(CodeExecutionError, "failed to persist artifact").WithReason(err.Error())
	}

	completedAt := ps.clock.Now()
	step.Status = models.StepRunStatusCompleted
	step.CompletedAt = &completedAt
	if err := ps.steps.UpdateStepRun(ctx, step); err != nil {
		return nil, NewPipelineError(CodeExecutionError, "failed to mark step completed").WithReason(err.Error())
	}

	ps.emit(protocol.PipelineLifecycleEvent{
		Metadata:   protocol.Metadata{TaskID: task.ID, Version: protocol.CurrentProtocolVersion},
		Type:       protocol.PipelineStepCompleted,
		TenantID:   task.TenantID,
		ProjectID:  task.ProjectID,
		TaskID:     task.ID,
		RunID:      run.ID,
		StepID:     step.ID,
		StepNumber: step.StepNumber,
		StepType:   string(step.StepType),
		ArtifactID: artifact.ID,
	})

	// Checkpoint C: the critical window. A cancel observed here suppresses
	// billing; the artifact is retained.
	if cancelled, err := ps.runCancelled(ctx, run.ID); err != nil {
		return nil, err
	} else if cancelled {
		step.Status = models.StepRunStatusCancelled
		if err := ps.steps.UpdateStepRun(ctx, step); err != nil {
			log.Error().Err(err).Msg("Failed to revert completed step to cancelled")
		}
		log.Info().Msg("Cancel observed before billing; charge suppressed, artifact retained")
		return nil, NewPipelineErrorf(CodePipelineCancelled, "pipeline run %s was cancelled", run.ID)
	}

	if err := ps.chargeStep(ctx, task, run, step, agentRun.ActualCostCredits); err != nil {
		var insufficient *InsufficientCreditsError
		if errors.As(err, &insufficient) {
			return ps.pauseForCredits(ctx, task, run, step, artifact)
		}
		return nil, NewPipelineError(CodeExecutionError, "billing failed after step completion").WithReason(err.Error())
	}

	// Advance strictly after successful billing; step 4 completes the run.
	finished := run.CurrentStep >= models.TotalPipelineSteps
	if finished {
		run.Status = models.PipelineRunStatusCompleted
	} else {
		run.CurrentStep++
	}
	run.UpdatedAt = ps.clock.Now()
	if err := ps.runs.UpdatePipelineRun(ctx, run); err != nil {
		return nil, NewPipelineError(CodeExecutionError, "failed to advance pipeline run").WithReason(err.Error())
	}

	if finished {
		ps.emit(protocol.PipelineLifecycleEvent{
			Metadata:  protocol.Metadata{TaskID: task.ID, Version: protocol.CurrentProtocolVersion},
			Type:      protocol.PipelineFinished,
			TenantID:  task.TenantID,
			ProjectID: task.ProjectID,
			TaskID:    task.ID,
			RunID:     run.ID,
			RunStatus: run.Status.String(),
		})
	}

	log.Info().
		Str("artifact_id", artifact.ID).
		Int64("cost_credits", agentRun.ActualCostCredits).
		Bool("pipeline_finished", finished).
		Msg("Pipeline step completed")

	return &RunStepResult{
		PipelineRunID: run.ID,
		StepRunID:     step.ID,
		StepNumber:    step.StepNumber,
		StepType:      step.StepType,
		Status:        StepResultCompleted,
		ArtifactID:    artifact.ID,
	}, nil
}

// acquireRunAndStep resolves the run to drive and the step attempt to
// execute, holding the task lock across run acquisition so concurrent
// invocations cannot both create a run.
func (ps *PipelineService) acquireRunAndStep(ctx context.Context, task *models.Task) (*models.PipelineRun, *models.PipelineStepRun, error) {
	release, err := ps.locker.Acquire(ctx, task.ID)
	if err != nil {
		return nil, nil, NewPipelineError(CodeExecutionError, "failed to acquire task lock").WithReason(err.Error())
	}
	defer release()

	latest, err := ps.runs.GetLatestPipelineRunByTaskID(ctx, task.ID)
	if err != nil {
		return nil, nil, NewPipelineError(CodeExecutionError, "failed to load pipeline run").WithReason(err.Error())
	}

	var run *models.PipelineRun
	switch {
	case latest == nil || latest.IsTerminal():
		now := ps.clock.Now()
		run = &models.PipelineRun{
			ID:          uuid.New().String(),
			TaskID:      task.ID,
			TenantID:    task.TenantID,
			Status:      models.PipelineRunStatusRunning,
			CurrentStep: 1,
			StartedAt:   now,
			UpdatedAt:   now,
		}
		if err := ps.runs.CreatePipelineRun(ctx, run); err != nil {
			return nil, nil, NewPipelineError(CodeExecutionError, "failed to create pipeline run").WithReason(err.Error())
		}
		ps.emit(protocol.PipelineLifecycleEvent{
			Metadata:  protocol.Metadata{TaskID: task.ID, Version: protocol.CurrentProtocolVersion},
			Type:      protocol.PipelineRunStarted,
			TenantID:  task.TenantID,
			ProjectID: task.ProjectID,
			TaskID:    task.ID,
			RunID:     run.ID,
			RunStatus: run.Status.String(),
		})
	case latest.Status == models.PipelineRunStatusRunning:
		run = latest
	default:
		// Paused or pending runs need an explicit resume flow, not a step
		// invocation on top of them.
		return nil, nil, NewPipelineErrorf(CodeExecutionError,
			"pipeline run %s is %s and cannot execute steps", latest.ID, latest.Status)
	}

	// Checkpoint A: re-read to honor a cancel that raced run acquisition.
	if cancelled, err := ps.runCancelled(ctx, run.ID); err != nil {
		return nil, nil, err
	} else if cancelled {
		return nil, nil, NewPipelineErrorf(CodePipelineCancelled, "pipeline run %s was cancelled", run.ID)
	}

	stepType, ok := models.StepTypeForNumber(run.CurrentStep)
	if !ok {
		return nil, nil, NewPipelineErrorf(CodeExecutionError, "run %s has invalid current_step %d", run.ID, run.CurrentStep)
	}

	// A failed-then-re-armed attempt waits as pending on the current step;
	// resume it so retries keep the same step identity.
	existing, err := ps.steps.GetStepRunsByPipelineRunID(ctx, run.ID)
	if err != nil {
		return nil, nil, NewPipelineError(CodeExecutionError, "failed to load step runs").WithReason(err.Error())
	}
	now := ps.clock.Now()
	for i := range existing {
		candidate := &existing[i]
		if candidate.StepNumber == run.CurrentStep && candidate.Status == models.StepRunStatusPending && candidate.RetryCount > 0 {
			candidate.Status = models.StepRunStatusRunning
			candidate.StartedAt = &now
			if err := ps.steps.UpdateStepRun(ctx, candidate); err != nil {
				return nil, nil, NewPipelineError(CodeExecutionError, "failed to resume step run").WithReason(err.Error())
			}
			return run, candidate, nil
		}
	}

	step := &models.PipelineStepRun{
		ID:            uuid.New().String(),
		PipelineRunID: run.ID,
		StepNumber:    run.CurrentStep,
		StepType:      stepType,
		Status:        models.StepRunStatusRunning,
		StartedAt:     &now,
		RetryCount:    0,
		MaxRetries:    models.DefaultMaxRetries,
	}
	if err := ps.steps.CreateStepRun(ctx, step); err != nil {
		return nil, nil, NewPipelineError(CodeExecutionError, "failed to create step run").WithReason(err.Error())
	}
	return run, step, nil
}

// runCancelled re-reads the run status; this is the cancellation checkpoint
// primitive.
func (ps *PipelineService) runCancelled(ctx context.Context, runID string) (bool, error) {
	current, err := ps.runs.GetPipelineRunByID(ctx, runID)
	if err != nil {
		return false, NewPipelineError(CodeExecutionError, "failed to re-read pipeline run").WithReason(err.Error())
	}
	if current == nil {
		return false, NewPipelineErrorf(CodeExecutionError, "pipeline run %s disappeared", runID)
	}
	return current.Status == models.PipelineRunStatusCancelled, nil
}

// handleAgentFailure applies the retry/dead-letter protocol after an agent
// failure. The step is persisted failed first; with budget remaining and a
// scheduler present it is re-armed pending under an incremented retry_count.
func (ps *PipelineService) handleAgentFailure(ctx context.Context, task *models.Task, run *models.PipelineRun, step *models.PipelineStepRun, agentErr error) error {
	log := getPipelineLog().With().
		Str("run_id", run.ID).
		Str("step_run_id", step.ID).
		Int("retry_count", step.RetryCount).
		Logger()

	now := ps.clock.Now()
	step.Status = models.StepRunStatusFailed
	step.CompletedAt = &now
	if err := ps.steps.UpdateStepRun(ctx, step); err != nil {
		return NewPipelineError(CodeExecutionError, "failed to persist step failure").WithReason(err.Error())
	}

	ps.emit(protocol.PipelineLifecycleEvent{
		Metadata:   protocol.Metadata{TaskID: task.ID, Version: protocol.CurrentProtocolVersion},
		Type:       protocol.PipelineStepFailed,
		TenantID:   task.TenantID,
		ProjectID:  task.ProjectID,
		TaskID:     task.ID,
		RunID:      run.ID,
		StepID:     step.ID,
		StepNumber: step.StepNumber,
		StepType:   string(step.StepType),
		Code:       CodeAgentFailed,
		Message:    agentErr.Error(),
	})

	if ps.scheduler != nil && step.RetryCount < step.MaxRetries {
		step.RetryCount++
		step.Status = models.StepRunStatusPending
		step.CompletedAt = nil
		if err := ps.steps.UpdateStepRun(ctx, step); err != nil {
			return NewPipelineError(CodeExecutionError, "failed to re-arm step for retry").WithReason(err.Error())
		}
		if err := ps.scheduler.ScheduleRetry(ctx, task.ID, task.TenantID, step.ID, step.RetryCount); err != nil {
			// The step stays armed pending; a later invocation resumes it.
			log.Error().Err(err).Msg("Failed to enqueue retry for re-armed step")
		}
		ps.emit(protocol.PipelineLifecycleEvent{
			Metadata:   protocol.Metadata{TaskID: task.ID, Version: protocol.CurrentProtocolVersion},
			Type:       protocol.PipelineRetryScheduled,
			TenantID:   task.TenantID,
			ProjectID:  task.ProjectID,
			TaskID:     task.ID,
			RunID:      run.ID,
			StepID:     step.ID,
			StepNumber: step.StepNumber,
			StepType:   string(step.StepType),
			Message:    fmt.Sprintf("retry %d of %d scheduled", step.RetryCount, step.MaxRetries),
		})
		log.Warn().Int("retry_count", step.RetryCount).Msg("Agent failed; retry scheduled")
		return NewPipelineErrorf(CodeAgentFailedRetry,
			"agent execution failed; retry %d of %d scheduled", step.RetryCount, step.MaxRetries).
			WithReason(agentErr.Error())
	}

	if ps.deadLetters != nil {
		deadLetter := &models.DeadLetterEvent{
			ID:            uuid.New().String(),
			PipelineRunID: run.ID,
			StepRunID:     step.ID,
			FailureReason: agentErr.Error(),
			RetryCount:    step.RetryCount,
			Context: models.JSONMap{
				"task_id":     task.ID,
				"tenant_id":   task.TenantID,
				"step_number": step.StepNumber,
				"step_type":   string(step.StepType),
			},
		}
		if err := ps.deadLetters.CreateDeadLetter(ctx, deadLetter); err != nil {
			return NewPipelineError(CodeExecutionError, "failed to persist dead letter").WithReason(err.Error())
		}
		run.Status = models.PipelineRunStatusFailed
		run.UpdatedAt = ps.clock.Now()
		if err := ps.runs.UpdatePipelineRun(ctx, run); err != nil {
			return NewPipelineError(CodeExecutionError, "failed to mark run failed").WithReason(err.Error())
		}
		ps.emit(protocol.PipelineLifecycleEvent{
			Metadata:   protocol.Metadata{TaskID: task.ID, Version: protocol.CurrentProtocolVersion},
			Type:       protocol.PipelineDeadLettered,
			TenantID:   task.TenantID,
			ProjectID:  task.ProjectID,
			TaskID:     task.ID,
			RunID:      run.ID,
			StepID:     step.ID,
			StepNumber: step.StepNumber,
			StepType:   string(step.StepType),
			RunStatus:  run.Status.String(),
			Code:       CodeAgentFailed,
			Message:    agentErr.Error(),
		})
		log.Error().Err(agentErr).Msg("Retries exhausted; step dead-lettered and run failed")
	} else {
		log.Error().Err(agentErr).Msg("Agent failed with no retry scheduler or dead-letter store")
	}

	return NewPipelineError(CodeAgentFailed, "agent execution failed").WithReason(agentErr.Error())
}

// chargeStep bills the completed step. The idempotency key is unique per
// (run, step, retry_count) so the billing collaborator can deduplicate.
func (ps *PipelineService) chargeStep(ctx context.Context, task *models.Task, run *models.PipelineRun, step *models.PipelineStepRun, amount int64) error {
	key := fmt.Sprintf("%s:%s", run.ID, step.ID)
	if step.RetryCount > 0 {
		key = fmt.Sprintf("%s:%s:retry_%d", run.ID, step.ID, step.RetryCount)
	}
	return ps.billing.ConsumeCredits(ctx, ConsumeCreditsParams{
		TenantID:       task.TenantID,
		Amount:         amount,
		IdempotencyKey: key,
		ReferenceType:  "pipeline_step",
		ReferenceID:    step.ID,
		Metadata: map[string]interface{}{
			"pipeline_run_id": run.ID,
			"step_run_id":     step.ID,
			"step_type":       string(step.StepType),
			"retry_count":     step.RetryCount,
		},
	})
}

// pauseForCredits applies the insufficient-credit pause: the step stays
// completed, the artifact stays, the run pauses with a 7-day expiry. Returned
// as a successful result per the billing contract.
func (ps *PipelineService) pauseForCredits(ctx context.Context, task *models.Task, run *models.PipelineRun, step *models.PipelineStepRun, artifact *models.Artifact) (*RunStepResult, error) {
	now := ps.clock.Now()
	expires := now.Add(models.PauseExpiry)
	run.Status = models.PipelineRunStatusPaused
	run.PauseReasons = run.PauseReasons.Add(models.PauseReasonInsufficientCredit)
	run.PauseExpiresAt = &expires
	run.UpdatedAt = now
	if err := ps.runs.UpdatePipelineRun(ctx, run); err != nil {
		return nil, NewPipelineError(CodeExecutionError, "failed to pause pipeline run").WithReason(err.Error())
	}

	ps.emit(protocol.PipelineLifecycleEvent{
		Metadata:   protocol.Metadata{TaskID: task.ID, Version: protocol.CurrentProtocolVersion},
		Type:       protocol.PipelinePaused,
		TenantID:   task.TenantID,
		ProjectID:  task.ProjectID,
		TaskID:     task.ID,
		RunID:      run.ID,
		StepID:     step.ID,
		StepNumber: step.StepNumber,
		StepType:   string(step.StepType),
		RunStatus:  run.Status.String(),
		Message:    "paused: insufficient credits",
	})

	getPipelineLog().Warn().
		Str("run_id", run.ID).
		Str("step_run_id", step.ID).
		Time("pause_expires_at", expires).
		Msg("Insufficient credits; pipeline paused, completed work preserved")

	return &RunStepResult{
		PipelineRunID: run.ID,
		StepRunID:     step.ID,
		StepNumber:    step.StepNumber,
		StepType:      step.StepType,
		Status:        StepResultPausedInsufficientCredits,
		ArtifactID:    artifact.ID,
	}, nil
}

// --- Cancel ---

// Cancel stops a non-terminal run: running steps become cancelled, completed
// steps and their artifacts are never touched.
func (ps *PipelineService) Cancel(ctx context.Context, params CancelParams) (*CancelResult, error) {
	ctx, span := tracer.Start(ctx, "pipeline.Cancel",
		trace.WithAttributes(attribute.String("run_id", params.PipelineRunID)))
	defer span.End()

	run, err := ps.runs.GetPipelineRunByID(ctx, params.PipelineRunID)
	if err != nil {
		return nil, NewPipelineError(CodeExecutionError, "failed to load pipeline run").WithReason(err.Error())
	}
	if run == nil {
		return nil, NewPipelineErrorf(CodePipelineNotFound, "pipeline run %s not found", params.PipelineRunID)
	}
	if run.TenantID != params.TenantID {
		return nil, NewPipelineError(CodeUnauthorized, "pipeline run belongs to another tenant")
	}
	if run.Status == models.PipelineRunStatusCompleted || run.Status == models.PipelineRunStatusCancelled {
		return nil, NewPipelineErrorf(CodeCannotCancel, "pipeline run is already %s", run.Status)
	}

	steps, err := ps.steps.GetStepRunsByPipelineRunID(ctx, run.ID)
	if err != nil {
		return nil, NewPipelineError(CodeExecutionError, "failed to load step runs").WithReason(err.Error())
	}

	stepsCompleted := lo.CountBy(steps, func(s models.PipelineStepRun) bool {
		return s.Status == models.StepRunStatusCompleted
	})

	now := ps.clock.Now()
	stepsCancelled := 0
	for i := range steps {
		step := &steps[i]
		if step.Status != models.StepRunStatusRunning {
			continue
		}
		step.Status = models.StepRunStatusCancelled
		step.CompletedAt = &now
		if err := ps.steps.UpdateStepRun(ctx, step); err != nil {
			return nil, NewPipelineError(CodeExecutionError, "failed to cancel running step").WithReason(err.Error())
		}
		stepsCancelled++
	}

	previousStatus := run.Status.String()
	run.Status = models.PipelineRunStatusCancelled
	run.UpdatedAt = now
	if err := ps.runs.UpdatePipelineRun(ctx, run); err != nil {
		return nil, NewPipelineError(CodeExecutionError, "failed to cancel pipeline run").WithReason(err.Error())
	}

	ps.logAuditEvent(ctx, "pipeline_cancelled", params.TenantID, params.UserID, run.ID, models.JSONMap{
		"reason":          params.Reason,
		"previous_status": previousStatus,
		"steps_completed": stepsCompleted,
		"steps_cancelled": stepsCancelled,
	})

	ps.emit(protocol.PipelineLifecycleEvent{
		Metadata:  protocol.Metadata{TaskID: run.TaskID, Version: protocol.CurrentProtocolVersion},
		Type:      protocol.PipelineCancelled,
		TenantID:  run.TenantID,
		TaskID:    run.TaskID,
		RunID:     run.ID,
		RunStatus: run.Status.String(),
		Message:   params.Reason,
	})

	getPipelineLog().Info().
		Str("run_id", run.ID).
		Str("user_id", params.UserID).
		Int("steps_completed", stepsCompleted).
		Int("steps_cancelled", stepsCancelled).
		Msg("Pipeline run cancelled")

	return &CancelResult{
		PipelineRunID:  run.ID,
		PreviousStatus: previousStatus,
		NewStatus:      models.PipelineRunStatusCancelled.String(),
		StepsCompleted: stepsCompleted,
		StepsCancelled: stepsCancelled,
		Message: fmt.Sprintf("pipeline run cancelled; %d completed step(s) preserved, %d running step(s) cancelled",
			stepsCompleted, stepsCancelled),
	}, nil
}

// --- Replay ---

// Replay forks a new run from an existing run, optionally starting at the
// step identified by FromStepID. Artifacts of the original run are never
// copied or deleted; preservation intent is recorded in audit metadata.
func (ps *PipelineService) Replay(ctx context.Context, params ReplayParams) (*ReplayResult, error) {
	ctx, span := tracer.Start(ctx, "pipeline.Replay",
		trace.WithAttributes(attribute.String("run_id", params.PipelineRunID)))
	defer span.End()

	original, err := ps.runs.GetPipelineRunByID(ctx, params.PipelineRunID)
	if err != nil {
		return nil, NewPipelineError(CodeExecutionError, "failed to load pipeline run").WithReason(err.Error())
	}
	if original == nil {
		return nil, NewPipelineErrorf(CodePipelineRunNotFound, "pipeline run %s not found", params.PipelineRunID)
	}

	// Tenant isolation is enforced through the task lookup.
	task, err := ps.tasks.GetTaskByID(ctx, original.TaskID, params.TenantID)
	if err != nil {
		return nil, NewPipelineError(CodeExecutionError, "task lookup failed").WithReason(err.Error())
	}
	if task == nil {
		return nil, NewPipelineErrorf(CodePipelineRunNotFound, "pipeline run %s not found", params.PipelineRunID)
	}

	startStepNumber := 1
	startStepType := models.StepTypeAnalysis
	if params.FromStepID != "" {
		step, err := ps.steps.GetStepRunByID(ctx, params.FromStepID)
		if err != nil {
			return nil, NewPipelineError(CodeExecutionError, "failed to resolve from_step_id").WithReason(err.Error())
		}
		if step != nil && step.PipelineRunID == original.ID {
			startStepNumber = step.StepNumber
			startStepType = step.StepType
		}
	}

	now := ps.clock.Now()
	newRun := &models.PipelineRun{
		ID:          uuid.New().String(),
		TaskID:      original.TaskID,
		TenantID:    params.TenantID,
		Status:      models.PipelineRunStatusRunning,
		CurrentStep: startStepNumber,
		StartedAt:   now,
		UpdatedAt:   now,
	}
	if err := ps.runs.CreatePipelineRun(ctx, newRun); err != nil {
		return nil, NewPipelineError(CodeExecutionError, "failed to create replay run").WithReason(err.Error())
	}

	ps.logAuditEvent(ctx, "pipeline_replayed", params.TenantID, "", newRun.ID, models.JSONMap{
		"original_run_id":             original.ID,
		"from_step_id":                params.FromStepID,
		"preserve_approved_artifacts": params.PreserveApprovedArtifacts,
		"start_step_number":           startStepNumber,
		"start_step_type":             string(startStepType),
	})

	ps.emit(protocol.PipelineLifecycleEvent{
		Metadata:   protocol.Metadata{TaskID: task.ID, Version: protocol.CurrentProtocolVersion},
		Type:       protocol.PipelineReplayed,
		TenantID:   task.TenantID,
		ProjectID:  task.ProjectID,
		TaskID:     task.ID,
		RunID:      newRun.ID,
		StepNumber: startStepNumber,
		StepType:   string(startStepType),
		RunStatus:  newRun.Status.String(),
	})

	getPipelineLog().Info().
		Str("original_run_id", original.ID).
		Str("new_run_id", newRun.ID).
		Int("start_step", startStepNumber).
		Msg("Pipeline run replayed")

	return &ReplayResult{
		NewPipelineRunID: newRun.ID,
		Status:           models.PipelineRunStatusRunning.String(),
		StartedFromStep:  string(startStepType),
	}, nil
}

// --- StartPipeline ---

// StartPipeline launches the Temporal driver workflow that re-invokes RunStep
// until the run leaves the running state. Requires a temporal client.
func (ps *PipelineService) StartPipeline(ctx context.Context, taskID, tenantID string) (string, error) {
	if ps.temporal == nil {
		return "", NewPipelineError(CodeExecutionError, "temporal client not configured")
	}

	task, err := ps.tasks.GetTaskByID(ctx, taskID, tenantID)
	if err != nil {
		return "", NewPipelineError(CodeExecutionError, "task lookup failed").WithReason(err.Error())
	}
	if task == nil {
		return "", NewPipelineErrorf(CodeTaskNotFound, "task %s not found", taskID)
	}

	latest, err := ps.runs.GetLatestPipelineRunByTaskID(ctx, taskID)
	if err != nil {
		return "", NewPipelineError(CodeExecutionError, "failed to load pipeline run").WithReason(err.Error())
	}
	if latest != nil && latest.Status == models.PipelineRunStatusRunning {
		return "", fmt.Errorf("%w: run %s", ErrPipelineAlreadyRunning, latest.ID)
	}

	workflowID := fmt.Sprintf("pipeline-%s", taskID)
	_, err = ps.temporal.StartWorkflow(ctx, workflowID, types.PipelineWorkflowName, types.PipelineWorkflowInput{
		TaskID:   taskID,
		TenantID: tenantID,
	})
	if err != nil {
		return "", NewPipelineError(CodeExecutionError, "failed to start pipeline workflow").WithReason(err.Error())
	}

	getPipelineLog().Info().
		Str("task_id", taskID).
		Str("workflow_id", workflowID).
		Msg("Pipeline workflow started")
	return workflowID, nil
}

// --- Helpers ---

// logAuditEvent emits an audit record; failure to audit never alters the
// outcome of the triggering use case.
func (ps *PipelineService) logAuditEvent(ctx context.Context, eventType, tenantID, userID, resourceID string, metadata models.JSONMap) {
	if ps.audit == nil {
		return
	}
	if err := ps.audit.LogEvent(ctx, eventType, tenantID, userID, "pipeline_run", resourceID, metadata); err != nil {
		getPipelineLog().Error().Err(err).
			Str("event_type", eventType).
			Str("resource_id", resourceID).
			Msg("Failed to emit audit event")
	}
}

// emit publishes a lifecycle event without ever blocking the pipeline;
// overflowed events are dropped and counted.
func (ps *PipelineService) emit(event protocol.Event) {
	if ps.events == nil {
		return
	}
	select {
	case ps.events <- event:
	default:
		dropped := ps.droppedEvents.Add(1)
		if dropped%100 == 1 {
			getPipelineLog().Warn().Int64("dropped_total", dropped).Msg("Event channel full; dropping lifecycle events")
		}
	}
}

// DroppedEvents reports how many lifecycle events were dropped on overflow.
func (ps *PipelineService) DroppedEvents() int64 {
	return ps.droppedEvents.Load()
}
