// Copyright (C) 2025-2026 SpecForge
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"time"
)

// PipelineRunStatus represents the status of a pipeline run
type PipelineRunStatus int

const (
	PipelineRunStatusPending PipelineRunStatus = iota
	PipelineRunStatusRunning
	PipelineRunStatusPaused
	PipelineRunStatusCompleted
	PipelineRunStatusFailed
	PipelineRunStatusCancelled
)

func (s PipelineRunStatus) String() string {
	switch s {
	case PipelineRunStatusPending:
		return "pending"
	case PipelineRunStatusRunning:
		return "running"
	case PipelineRunStatusPaused:
		return "paused"
	case PipelineRunStatusCompleted:
		return "completed"
	case PipelineRunStatusFailed:
		return "failed"
	case PipelineRunStatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further writes may alter the run
// (idempotent audit excepted).
func (s PipelineRunStatus) IsTerminal() bool {
	return s == PipelineRunStatusCompleted || s == PipelineRunStatusFailed || s == PipelineRunStatusCancelled
}

// StepRunStatus represents the status of a single step attempt
type StepRunStatus int

const (
	StepRunStatusPending StepRunStatus = iota
	StepRunStatusRunning
	StepRunStatusCompleted
	StepRunStatusFailed
	StepRunStatusCancelled
)

func (s StepRunStatus) String() string {
	switch s {
	case StepRunStatusPending:
		return "pending"
	case StepRunStatusRunning:
		return "running"
	case StepRunStatusCompleted:
		return "completed"
	case StepRunStatusFailed:
		return "failed"
	case StepRunStatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// PauseReason explains why a run stopped progressing without terminating.
type PauseReason string

const (
	PauseReasonInsufficientCredit PauseReason = "INSUFFICIENT_CREDIT"
)

// PauseExpiry is how long an insufficient-credit pause is honored before an
// external sweeper may evict the run.
const PauseExpiry = 7 * 24 * time.Hour

// PipelineRun is the per-task execution record of the four-stage pipeline.
type PipelineRun struct {
	ID        string            `gorm:"primaryKey;type:text" json:"id"`
	TaskID    string            `gorm:"type:text;not null;index:idx_pipeline_runs_task_status" json:"task_id"`
	TenantID  string            `gorm:"type:text;not null;index" json:"tenant_id"`
	Status    PipelineRunStatus `gorm:"not null;default:0;index:idx_pipeline_runs_task_status" json:"status"`

	// CurrentStep is the 1-based step the next RunStep invocation will execute.
	CurrentStep int `gorm:"not null;default:1" json:"current_step"`

	PauseReasons   PauseReasons `gorm:"type:text" json:"pause_reasons"`
	PauseExpiresAt *time.Time   `gorm:"type:timestamp" json:"pause_expires_at,omitempty"`

	StartedAt time.Time `gorm:"type:timestamp" json:"started_at"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`

	// Relations
	StepRuns []PipelineStepRun `gorm:"foreignKey:PipelineRunID;constraint:OnDelete:CASCADE" json:"step_runs,omitempty"`
}

func (PipelineRun) TableName() string {
	return "pipeline_runs"
}

// IsTerminal reports whether the run is in a terminal status.
func (pr *PipelineRun) IsTerminal() bool {
	return pr.Status.IsTerminal()
}

// DefaultMaxRetries is the per-step retry cap for transient agent failures.
const DefaultMaxRetries = 3

// PipelineStepRun is one attempted execution of one pipeline stage.
// Retries with budget remaining re-arm the same row (status back to pending,
// retry_count incremented) so the step identity is stable across attempts.
type PipelineStepRun struct {
	ID            string        `gorm:"primaryKey;type:text" json:"id"`
	PipelineRunID string        `gorm:"type:text;not null;index:idx_step_runs_run_step" json:"pipeline_run_id"`
	StepNumber    int           `gorm:"not null;index:idx_step_runs_run_step" json:"step_number"`
	StepType      StepType      `gorm:"type:text;not null" json:"step_type"`
	Status        StepRunStatus `gorm:"not null;default:0" json:"status"`

	StartedAt   *time.Time `gorm:"type:timestamp" json:"started_at,omitempty"`
	CompletedAt *time.Time `gorm:"type:timestamp" json:"completed_at,omitempty"`

	RetryCount int `gorm:"not null;default:0" json:"retry_count"`
	MaxRetries int `gorm:"not null;default:3" json:"max_retries"`

	// InputSnapshot is written exactly once, before the agent is invoked,
	// and never mutated afterwards.
	InputSnapshot JSONMap `gorm:"type:text" json:"input_snapshot"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (PipelineStepRun) TableName() string {
	return "pipeline_step_runs"
}

// RetriesExhausted reports whether no further retry may be armed.
func (sr *PipelineStepRun) RetriesExhausted() bool {
	return sr.RetryCount >= sr.MaxRetries
}

// AgentRun records the metadata of one successful agent invocation.
// Created only on agent success; immutable thereafter.
type AgentRun struct {
	ID            string    `gorm:"primaryKey;type:text" json:"id"`
	PipelineRunID string    `gorm:"type:text;not null;index" json:"pipeline_run_id"`
	StepRunID     string    `gorm:"type:text;not null;index" json:"step_run_id"`
	AgentType     AgentType `gorm:"type:text;not null" json:"agent_type"`
	Model         string    `gorm:"type:text" json:"model"`

	PromptTokens     int `gorm:"type:integer" json:"prompt_tokens"`
	CompletionTokens int `gorm:"type:integer" json:"completion_tokens"`

	EstimatedCostCredits int64 `gorm:"type:integer" json:"estimated_cost_credits"`
	ActualCostCredits    int64 `gorm:"type:integer" json:"actual_cost_credits"`

	StartedAt   time.Time `gorm:"type:timestamp" json:"started_at"`
	CompletedAt time.Time `gorm:"type:timestamp" json:"completed_at"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (AgentRun) TableName() string {
	return "agent_runs"
}

// ArtifactStatus represents the review status of a generated artifact.
type ArtifactStatus string

const (
	ArtifactStatusDraft    ArtifactStatus = "draft"
	ArtifactStatusApproved ArtifactStatus = "approved"
	ArtifactStatusRejected ArtifactStatus = "rejected"
)

// Artifact is the persisted output of a successful step. Artifacts are never
// deleted by the core; completed work survives cancellation, pause and replay.
type Artifact struct {
	ID            string         `gorm:"primaryKey;type:text" json:"id"`
	TaskID        string         `gorm:"type:text;not null;index" json:"task_id"`
	PipelineRunID string         `gorm:"type:text;not null;index" json:"pipeline_run_id"`
	StepRunID     string         `gorm:"type:text;not null;uniqueIndex:uniq_artifacts_step_run" json:"step_run_id"`
	ArtifactType  StepType       `gorm:"type:text;not null" json:"artifact_type"`
	Status        ArtifactStatus `gorm:"type:text;not null;default:draft" json:"status"`

	Content string `gorm:"type:text" json:"content"`
	Version int    `gorm:"not null;default:1" json:"version"`

	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	ApprovedAt *time.Time `gorm:"type:timestamp" json:"approved_at,omitempty"`
}

func (Artifact) TableName() string {
	return "artifacts"
}

// InitialArtifactStatus is the creation policy: analysis output is approved
// on creation, everything else starts as a draft awaiting review.
func InitialArtifactStatus(stepType StepType) ArtifactStatus {
	if stepType == StepTypeAnalysis {
		return ArtifactStatusApproved
	}
	return ArtifactStatusDraft
}

// DeadLetterEvent is the write-once record of a step that exhausted its
// retries, kept for operator follow-up.
type DeadLetterEvent struct {
	ID            string  `gorm:"primaryKey;type:text" json:"id"`
	PipelineRunID string  `gorm:"type:text;not null;index" json:"pipeline_run_id"`
	StepRunID     string  `gorm:"type:text;not null;index" json:"step_run_id"`
	FailureReason string  `gorm:"type:text" json:"failure_reason"`
	RetryCount    int     `gorm:"type:integer" json:"retry_count"`
	Context       JSONMap `gorm:"type:text" json:"context"`

	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (DeadLetterEvent) TableName() string {
	return "dead_letter_events"
}

// AuditEvent is a write-once operational audit record.
type AuditEvent struct {
	ID           string  `gorm:"primaryKey;type:text" json:"id"`
	EventType    string  `gorm:"type:text;not null;index" json:"event_type"`
	TenantID     string  `gorm:"type:text;not null;index" json:"tenant_id"`
	UserID       string  `gorm:"type:text" json:"user_id,omitempty"`
	ResourceType string  `gorm:"type:text;not null" json:"resource_type"`
	ResourceID   string  `gorm:"type:text;not null;index" json:"resource_id"`
	Metadata     JSONMap `gorm:"type:text" json:"metadata"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (AuditEvent) TableName() string {
	return "audit_events"
}
