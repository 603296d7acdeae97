// Copyright (C) 2025-2026 SpecForge
// SPDX-License-Identifier: AGPL-3.0-or-later

package services

import (
	"context"
	"time"

	"go.temporal.io/sdk/client"

	"github.com/specforge/specforge/internal/orchestrator/models"
	"github.com/specforge/specforge/internal/orchestrator/temporal"
)

// Repository ports are owned by this package; the database layer implements
// them. Each is a narrow capability interface so use cases stay testable
// against in-memory fakes.

// TaskRepository reads tasks scoped by tenant.
type TaskRepository interface {
	// GetTaskByID returns (nil, nil) when the task is absent or belongs to
	// another tenant.
	GetTaskByID(ctx context.Context, taskID, tenantID string) (*models.Task, error)
}

// PipelineRunRepository persists pipeline runs.
type PipelineRunRepository interface {
	CreatePipelineRun(ctx context.Context, run *models.PipelineRun) error
	GetPipelineRunByID(ctx context.Context, runID string) (*models.PipelineRun, error)
	// GetLatestPipelineRunByTaskID returns the most recent run for the task,
	// or (nil, nil) when none exists.
	GetLatestPipelineRunByTaskID(ctx context.Context, taskID string) (*models.PipelineRun, error)
	// GetPipelineRunsByTaskID returns all runs for the task, newest first.
	GetPipelineRunsByTaskID(ctx context.Context, taskID string) ([]models.PipelineRun, error)
	UpdatePipelineRun(ctx context.Context, run *models.PipelineRun) error
}

// StepRunRepository persists step attempts.
type StepRunRepository interface {
	CreateStepRun(ctx context.Context, step *models.PipelineStepRun) error
	GetStepRunByID(ctx context.Context, stepRunID string) (*models.PipelineStepRun, error)
	// GetStepRunsByPipelineRunID returns the run's steps ordered by step_number.
	GetStepRunsByPipelineRunID(ctx context.Context, runID string) ([]models.PipelineStepRun, error)
	UpdateStepRun(ctx context.Context, step *models.PipelineStepRun) error
}

// AgentRunRepository records successful agent invocations.
type AgentRunRepository interface {
	CreateAgentRun(ctx context.Context, agentRun *models.AgentRun) error
}

// ArtifactRepository persists step outputs.
type ArtifactRepository interface {
	CreateArtifact(ctx context.Context, artifact *models.Artifact) error
}

// DeadLetterRepository records steps that exhausted their retries.
type DeadLetterRepository interface {
	CreateDeadLetter(ctx context.Context, event *models.DeadLetterEvent) error
	ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetterEvent, error)
}

// Balance is a tenant's current credit balance.
type Balance struct {
	TenantID string
	Credits  int64
}

// ConsumeCreditsParams groups input for BillingClient.ConsumeCredits.
type ConsumeCreditsParams struct {
	TenantID       string
	Amount         int64
	IdempotencyKey string
	ReferenceType  string
	ReferenceID    string
	Metadata       map[string]interface{}
}

// BillingClient is the credits-service port. ConsumeCredits must be
// idempotent by IdempotencyKey; it returns *InsufficientCreditsError when the
// tenant's balance is below the amount and ErrBillingUnavailable when the
// service cannot be reached.
type BillingClient interface {
	GetBalance(ctx context.Context, tenantID string) (*Balance, error)
	ConsumeCredits(ctx context.Context, params ConsumeCreditsParams) error
}

// AgentInputs is the payload handed to the agent executor.
type AgentInputs struct {
	TaskTitle     string
	TaskSpec      models.JSONMap
	InputSnapshot models.JSONMap
}

// AgentResult is the outcome of a successful agent invocation.
type AgentResult struct {
	Output               string
	Model                string
	PromptTokens         int
	CompletionTokens     int
	EstimatedCostCredits int64
}

// AgentExecutor runs one agent against the step inputs. Any failure is
// treated as transient unless classified otherwise.
type AgentExecutor interface {
	Execute(ctx context.Context, agentType models.AgentType, inputs AgentInputs) (*AgentResult, error)
}

// AuditSink records operational audit events. Failures are returned to the
// caller, which logs and swallows them.
type AuditSink interface {
	LogEvent(ctx context.Context, eventType, tenantID, userID, resourceType, resourceID string, metadata models.JSONMap) error
}

// RetryScheduler enqueues a delayed re-execution of a re-armed step.
// Scheduling strategy (exponential backoff) is the scheduler's concern.
type RetryScheduler interface {
	ScheduleRetry(ctx context.Context, taskID, tenantID, stepRunID string, retryCount int) error
}

// TaskLocker serializes run acquisition per task so two concurrent step
// invocations never both create a run.
type TaskLocker interface {
	// Acquire blocks until the task lock is held or ctx is done. The returned
	// release func is safe to call exactly once.
	Acquire(ctx context.Context, taskID string) (release func(), err error)
}

// Clock abstracts time for deterministic tests. Every timestamp the core
// writes goes through it.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall-clock implementation.
func SystemClock() Clock { return systemClock{} }

// TemporalClient defines the methods used by services from the temporal
// client. Owned by the services package so both orchestrator and
// temporal/client satisfy it.
type TemporalClient interface {
	StartWorkflow(ctx context.Context, workflowID string, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
	GetWorkflowStatus(ctx context.Context, workflowID string) (temporal.WorkflowStatus, error)
	CancelWorkflow(ctx context.Context, workflowID string) error
	GetTemporalClient() client.Client
	GetTaskQueue() string
	Close() error
}
