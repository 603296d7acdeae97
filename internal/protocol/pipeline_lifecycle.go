// Copyright (C) 2025-2026 SpecForge
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

// PipelineLifecycleType defines the type of pipeline lifecycle event
type PipelineLifecycleType string

const (
	// PipelineRunStarted - a new pipeline run was created and is executing
	PipelineRunStarted PipelineLifecycleType = "run_started"
	// PipelineStepStarted - a step within the pipeline has started processing
	PipelineStepStarted PipelineLifecycleType = "step_started"
	// PipelineStepCompleted - a step completed and its artifact was persisted
	PipelineStepCompleted PipelineLifecycleType = "step_completed"
	// PipelineStepFailed - a step attempt failed
	PipelineStepFailed PipelineLifecycleType = "step_failed"
	// PipelineRetryScheduled - a failed step was re-armed and a retry enqueued
	PipelineRetryScheduled PipelineLifecycleType = "retry_scheduled"
	// PipelineDeadLettered - a step exhausted its retries and was dead-lettered
	PipelineDeadLettered PipelineLifecycleType = "dead_lettered"
	// PipelinePaused - the run stopped progressing (e.g. insufficient credits)
	PipelinePaused PipelineLifecycleType = "paused"
	// PipelineCancelled - the run was cancelled
	PipelineCancelled PipelineLifecycleType = "cancelled"
	// PipelineReplayed - a new run was forked from an existing run
	PipelineReplayed PipelineLifecycleType = "replayed"
	// PipelineFinished - the run completed all four steps
	PipelineFinished PipelineLifecycleType = "finished"
)

// PipelineLifecycleEvent represents any pipeline lifecycle state change.
// Emitted only after the state change it describes has been persisted.
type PipelineLifecycleEvent struct {
	Metadata
	Type      PipelineLifecycleType `json:"type"`
	TenantID  string                `json:"tenant_id"`
	ProjectID string                `json:"project_id,omitempty"`
	TaskID    string                `json:"task_id"`
	RunID     string                `json:"run_id"`

	// Step info (populated for step-related events)
	StepID     string `json:"step_id,omitempty"`
	StepNumber int    `json:"step_number,omitempty"`
	StepType   string `json:"step_type,omitempty"`

	// Run status after the change (string form of models.PipelineRunStatus)
	RunStatus string `json:"run_status,omitempty"`

	// ArtifactID is set on step_completed events
	ArtifactID string `json:"artifact_id,omitempty"`

	// Code/Message carry error context on step_failed and dead_lettered
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e PipelineLifecycleEvent) GetMetadata() Metadata {
	return e.Metadata
}
