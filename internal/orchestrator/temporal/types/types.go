// Copyright (C) 2025-2026 SpecForge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package types holds the workflow and activity payload types shared between
// the temporal package, its workflows and the services layer. Keeping them
// here avoids import cycles between workflows and activities.
package types

import "time"

// Workflow and activity registration names. Workflows are started by name so
// callers never import the workflow implementations.
const (
	PipelineWorkflowName  = "PipelineWorkflow"
	StepRetryWorkflowName = "StepRetryWorkflow"

	ExecutePipelineStepActivityName = "ExecutePipelineStep"
)

// PipelineWorkflowInput starts the driver workflow for a task's pipeline.
type PipelineWorkflowInput struct {
	TaskID   string `json:"task_id"`
	TenantID string `json:"tenant_id"`
}

// StepRetryInput starts a retry workflow for a re-armed step. Backoff is
// computed by the scheduler so the workflow stays deterministic and
// config-independent.
type StepRetryInput struct {
	TaskID     string        `json:"task_id"`
	TenantID   string        `json:"tenant_id"`
	StepRunID  string        `json:"step_run_id"`
	RetryCount int           `json:"retry_count"`
	Backoff    time.Duration `json:"backoff"`
}

// StepExecutionResult is the activity result of one ExecutePipelineStep call.
// Status mirrors the orchestrator's result status ("completed",
// "paused_insufficient_credits") or the run status string on termination;
// Code carries the stable error code when the attempt did not succeed.
type StepExecutionResult struct {
	PipelineRunID  string `json:"pipeline_run_id"`
	StepRunID      string `json:"step_run_id"`
	StepNumber     int    `json:"step_number"`
	StepType       string `json:"step_type"`
	Status         string `json:"status"`
	ArtifactID     string `json:"artifact_id,omitempty"`
	Code           string `json:"code,omitempty"`
	Message        string `json:"message,omitempty"`
	RetryScheduled bool   `json:"retry_scheduled"`
}

// PipelineWorkflowResult summarizes the driver workflow outcome.
type PipelineWorkflowResult struct {
	PipelineRunID  string `json:"pipeline_run_id"`
	StepsExecuted  int    `json:"steps_executed"`
	FinalStatus    string `json:"final_status"`
	LastStepNumber int    `json:"last_step_number"`
}
