// Copyright (C) 2025-2026 SpecForge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package activities holds the Temporal activities of the pipeline driver.
// There is deliberately a single activity: the whole step protocol (run
// acquisition, snapshot, agent, artifact, billing, retry arming) lives in the
// services layer so the same semantics apply with or without Temporal.
package activities

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"go.temporal.io/sdk/temporal"

	"github.com/specforge/specforge/internal/logger"
	"github.com/specforge/specforge/internal/orchestrator/services"
	"github.com/specforge/specforge/internal/orchestrator/temporal/types"
)

var (
	activityLog     *zerolog.Logger
	activityLogOnce sync.Once
)

func getActivityLog() *zerolog.Logger {
	activityLogOnce.Do(func() {
		l := logger.GetTemporalLogger().With().Str("component", "activities").Logger()
		activityLog = &l
	})
	return activityLog
}

// PipelineActivities exposes the pipeline core to workflows.
type PipelineActivities struct {
	service *services.PipelineService
}

// NewPipelineActivities creates the activity set.
func NewPipelineActivities(service *services.PipelineService) *PipelineActivities {
	return &PipelineActivities{service: service}
}

// ExecutePipelineStep advances the task's pipeline by one step. Domain
// outcomes (step completed, paused, failed, retry armed, cancelled) come back
// as results so the workflow can dispatch without parsing errors; only
// infrastructure failures surface as activity errors. Domain rejections are
// non-retryable: re-running the activity cannot change the answer.
func (a *PipelineActivities) ExecutePipelineStep(ctx context.Context, input types.PipelineWorkflowInput) (*types.StepExecutionResult, error) {
	result, err := a.service.RunStep(ctx, services.RunStepParams{
		TaskID:   input.TaskID,
		TenantID: input.TenantID,
	})
	if err == nil {
		return &types.StepExecutionResult{
			PipelineRunID: result.PipelineRunID,
			StepRunID:     result.StepRunID,
			StepNumber:    result.StepNumber,
			StepType:      string(result.StepType),
			Status:        result.Status,
			ArtifactID:    result.ArtifactID,
		}, nil
	}

	code := services.ErrorCode(err)
	switch code {
	case services.CodeAgentFailedRetry:
		getActivityLog().Warn().Str("task_id", input.TaskID).Msg("Step failed; retry workflow armed")
		return &types.StepExecutionResult{
			Status:         "failed",
			Code:           code,
			Message:        err.Error(),
			RetryScheduled: true,
		}, nil
	case services.CodeAgentFailed:
		return &types.StepExecutionResult{
			Status:  "failed",
			Code:    code,
			Message: err.Error(),
		}, nil
	case services.CodePipelineCancelled:
		return &types.StepExecutionResult{
			Status:  "cancelled",
			Code:    code,
			Message: err.Error(),
		}, nil
	}

	if services.IsDomainRejection(err) {
		return nil, temporal.NewNonRetryableApplicationError(err.Error(), code, err)
	}
	return nil, err
}
