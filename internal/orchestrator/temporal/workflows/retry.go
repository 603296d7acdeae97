// Copyright (C) 2025-2026 SpecForge
// SPDX-License-Identifier: AGPL-3.0-or-later

package workflows

import (
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/specforge/specforge/internal/orchestrator/models"
	"github.com/specforge/specforge/internal/orchestrator/temporal/types"
)

// StepRetryWorkflow re-executes a re-armed step after its backoff elapses.
// It performs a single attempt; if that attempt arms another retry, the
// scheduler starts a fresh retry workflow and this one ends. A successful
// attempt resumes the pipeline from the recovered step.
func StepRetryWorkflow(ctx workflow.Context, input types.StepRetryInput) (*types.StepExecutionResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Retry workflow started",
		"task_id", input.TaskID,
		"step_run_id", input.StepRunID,
		"retry_count", input.RetryCount,
		"backoff", input.Backoff.String())

	if input.Backoff > 0 {
		if err := workflow.Sleep(ctx, input.Backoff); err != nil {
			return nil, err
		}
	}

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: stepTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: activityMaxAttempts,
		},
	})

	stepInput := types.PipelineWorkflowInput{
		TaskID:   input.TaskID,
		TenantID: input.TenantID,
	}

	var result types.StepExecutionResult
	err := workflow.ExecuteActivity(ctx, types.ExecutePipelineStepActivityName, stepInput).Get(ctx, &result)
	if err != nil {
		logger.Error("Retry attempt failed", "step_run_id", input.StepRunID, "error", err)
		return nil, err
	}
	if result.RetryScheduled || result.Status != "completed" {
		logger.Info("Retry attempt did not complete the step",
			"step_run_id", input.StepRunID, "status", result.Status)
		return &result, nil
	}

	// The step recovered. Continue the remaining steps in this workflow so
	// the pipeline does not stall waiting for another external trigger.
	for result.StepNumber < models.TotalPipelineSteps {
		var next types.StepExecutionResult
		if err := workflow.ExecuteActivity(ctx, types.ExecutePipelineStepActivityName, stepInput).Get(ctx, &next); err != nil {
			return &result, err
		}
		result = next
		if result.RetryScheduled || result.Status != "completed" {
			break
		}
	}

	logger.Info("Retry workflow finished", "task_id", input.TaskID, "status", result.Status)
	return &result, nil
}
