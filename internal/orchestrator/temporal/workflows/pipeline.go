// Copyright (C) 2025-2026 SpecForge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package workflows holds the Temporal workflow definitions. Workflows invoke
// the step activity by its registered name and never import the activity or
// services packages, which keeps the workflow code free of non-deterministic
// dependencies.
package workflows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/specforge/specforge/internal/orchestrator/models"
	"github.com/specforge/specforge/internal/orchestrator/temporal/types"
)

const (
	stepTimeout = 15 * time.Minute

	// The activity performs its own retry arming through the scheduler, so
	// Temporal-level activity retries would double-execute steps.
	activityMaxAttempts = 1
)

// PipelineWorkflow drives a task's pipeline from its current step to a
// terminal state. Each iteration executes exactly one step; the loop stops
// when the run completes, pauses, fails, is cancelled, or hands off to a
// retry workflow.
func PipelineWorkflow(ctx workflow.Context, input types.PipelineWorkflowInput) (*types.PipelineWorkflowResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Pipeline workflow started", "task_id", input.TaskID)

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: stepTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: activityMaxAttempts,
		},
	})

	out := &types.PipelineWorkflowResult{}

	// A resumed run may start past step one, so the loop bound is the full
	// step count, not the remaining count.
	for i := 0; i < models.TotalPipelineSteps; i++ {
		var result types.StepExecutionResult
		err := workflow.ExecuteActivity(ctx, types.ExecutePipelineStepActivityName, input).Get(ctx, &result)
		if err != nil {
			logger.Error("Step activity failed", "task_id", input.TaskID, "error", err)
			out.FinalStatus = "failed"
			return out, err
		}

		out.StepsExecuted++
		if result.PipelineRunID != "" {
			out.PipelineRunID = result.PipelineRunID
		}
		if result.StepNumber > 0 {
			out.LastStepNumber = result.StepNumber
		}
		out.FinalStatus = result.Status

		if result.RetryScheduled {
			logger.Info("Step handed off to retry workflow", "task_id", input.TaskID, "step", result.StepNumber)
			return out, nil
		}
		if result.Status != "completed" {
			logger.Info("Pipeline stopped", "task_id", input.TaskID, "status", result.Status)
			return out, nil
		}
		if result.StepNumber >= models.TotalPipelineSteps {
			break
		}
	}

	out.FinalStatus = "completed"
	logger.Info("Pipeline workflow completed", "task_id", input.TaskID, "steps", out.StepsExecuted)
	return out, nil
}
