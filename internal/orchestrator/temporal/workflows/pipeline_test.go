// Copyright (C) 2025-2026 SpecForge
// SPDX-License-Identifier: AGPL-3.0-or-later

package workflows

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/testsuite"

	"github.com/specforge/specforge/internal/orchestrator/temporal/types"
)

// scriptedActivity returns its results in order, repeating the last one if
// the workflow calls more often than scripted.
type scriptedActivity struct {
	results []*types.StepExecutionResult
	errs    []error
	calls   int
}

func (s *scriptedActivity) execute(_ context.Context, _ types.PipelineWorkflowInput) (*types.StepExecutionResult, error) {
	idx := s.calls
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	s.calls++
	var err error
	if idx < len(s.errs) {
		err = s.errs[idx]
	}
	return s.results[idx], err
}

func newWorkflowEnv(t *testing.T, script *scriptedActivity) *testsuite.TestWorkflowEnvironment {
	t.Helper()
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	env.RegisterActivityWithOptions(script.execute, activity.RegisterOptions{
		Name: types.ExecutePipelineStepActivityName,
	})
	return env
}

func completedStep(step int, stepType string) *types.StepExecutionResult {
	return &types.StepExecutionResult{
		PipelineRunID: "run_1",
		StepRunID:     "step_" + stepType,
		StepNumber:    step,
		StepType:      stepType,
		Status:        "completed",
	}
}

func TestPipelineWorkflow(t *testing.T) {
	input := types.PipelineWorkflowInput{TaskID: "task_123", TenantID: "tenant_abc"}

	t.Run("runs all four steps to completion", func(t *testing.T) {
		script := &scriptedActivity{results: []*types.StepExecutionResult{
			completedStep(1, "ANALYSIS"),
			completedStep(2, "USER_STORIES"),
			completedStep(3, "CODE_SKELETON"),
			completedStep(4, "TEST_CASES"),
		}}
		env := newWorkflowEnv(t, script)

		env.ExecuteWorkflow(PipelineWorkflow, input)

		require.True(t, env.IsWorkflowCompleted())
		require.NoError(t, env.GetWorkflowError())

		var result types.PipelineWorkflowResult
		require.NoError(t, env.GetWorkflowResult(&result))
		assert.Equal(t, 4, script.calls)
		assert.Equal(t, 4, result.StepsExecuted)
		assert.Equal(t, 4, result.LastStepNumber)
		assert.Equal(t, "completed", result.FinalStatus)
		assert.Equal(t, "run_1", result.PipelineRunID)
	})

	t.Run("stops when a step pauses the run", func(t *testing.T) {
		script := &scriptedActivity{results: []*types.StepExecutionResult{
			completedStep(1, "ANALYSIS"),
			{
				PipelineRunID: "run_1",
				StepNumber:    2,
				StepType:      "USER_STORIES",
				Status:        "paused_insufficient_credits",
			},
		}}
		env := newWorkflowEnv(t, script)

		env.ExecuteWorkflow(PipelineWorkflow, input)

		require.True(t, env.IsWorkflowCompleted())
		require.NoError(t, env.GetWorkflowError())

		var result types.PipelineWorkflowResult
		require.NoError(t, env.GetWorkflowResult(&result))
		assert.Equal(t, 2, script.calls)
		assert.Equal(t, 2, result.StepsExecuted)
		assert.Equal(t, "paused_insufficient_credits", result.FinalStatus)
	})

	t.Run("stops when a retry workflow takes over", func(t *testing.T) {
		script := &scriptedActivity{results: []*types.StepExecutionResult{
			completedStep(1, "ANALYSIS"),
			{
				Status:         "failed",
				Code:           "AGENT_EXECUTION_FAILED_RETRY_SCHEDULED",
				RetryScheduled: true,
			},
		}}
		env := newWorkflowEnv(t, script)

		env.ExecuteWorkflow(PipelineWorkflow, input)

		require.True(t, env.IsWorkflowCompleted())
		require.NoError(t, env.GetWorkflowError())

		var result types.PipelineWorkflowResult
		require.NoError(t, env.GetWorkflowResult(&result))
		assert.Equal(t, 2, script.calls)
		assert.Equal(t, "failed", result.FinalStatus)
	})

	t.Run("resumed run can finish in fewer iterations", func(t *testing.T) {
		script := &scriptedActivity{results: []*types.StepExecutionResult{
			completedStep(3, "CODE_SKELETON"),
			completedStep(4, "TEST_CASES"),
		}}
		env := newWorkflowEnv(t, script)

		env.ExecuteWorkflow(PipelineWorkflow, input)

		require.True(t, env.IsWorkflowCompleted())
		require.NoError(t, env.GetWorkflowError())

		var result types.PipelineWorkflowResult
		require.NoError(t, env.GetWorkflowResult(&result))
		assert.Equal(t, 2, script.calls)
		assert.Equal(t, 4, result.LastStepNumber)
		assert.Equal(t, "completed", result.FinalStatus)
	})
}

func TestStepRetryWorkflow(t *testing.T) {
	input := types.StepRetryInput{
		TaskID:     "task_123",
		TenantID:   "tenant_abc",
		StepRunID:  "step_42",
		RetryCount: 1,
		Backoff:    2 * time.Minute,
	}

	t.Run("waits out the backoff before retrying", func(t *testing.T) {
		script := &scriptedActivity{results: []*types.StepExecutionResult{
			completedStep(4, "TEST_CASES"),
		}}
		env := newWorkflowEnv(t, script)

		var fired bool
		env.RegisterDelayedCallback(func() {
			fired = true
			assert.Equal(t, 0, script.calls)
		}, time.Minute)

		env.ExecuteWorkflow(StepRetryWorkflow, input)

		require.True(t, env.IsWorkflowCompleted())
		require.NoError(t, env.GetWorkflowError())
		assert.True(t, fired)
		assert.Equal(t, 1, script.calls)
	})

	t.Run("recovered step resumes the remaining pipeline", func(t *testing.T) {
		script := &scriptedActivity{results: []*types.StepExecutionResult{
			completedStep(2, "USER_STORIES"),
			completedStep(3, "CODE_SKELETON"),
			completedStep(4, "TEST_CASES"),
		}}
		env := newWorkflowEnv(t, script)

		env.ExecuteWorkflow(StepRetryWorkflow, input)

		require.True(t, env.IsWorkflowCompleted())
		require.NoError(t, env.GetWorkflowError())

		var result types.StepExecutionResult
		require.NoError(t, env.GetWorkflowResult(&result))
		assert.Equal(t, 3, script.calls)
		assert.Equal(t, 4, result.StepNumber)
		assert.Equal(t, "completed", result.Status)
	})

	t.Run("stops when the attempt arms another retry", func(t *testing.T) {
		script := &scriptedActivity{results: []*types.StepExecutionResult{
			{
				Status:         "failed",
				Code:           "AGENT_EXECUTION_FAILED_RETRY_SCHEDULED",
				RetryScheduled: true,
			},
		}}
		env := newWorkflowEnv(t, script)

		env.ExecuteWorkflow(StepRetryWorkflow, input)

		require.True(t, env.IsWorkflowCompleted())
		require.NoError(t, env.GetWorkflowError())

		var result types.StepExecutionResult
		require.NoError(t, env.GetWorkflowResult(&result))
		assert.Equal(t, 1, script.calls)
		assert.True(t, result.RetryScheduled)
	})

	t.Run("stops when the run pauses", func(t *testing.T) {
		script := &scriptedActivity{results: []*types.StepExecutionResult{
			{
				StepNumber: 2,
				Status:     "paused_insufficient_credits",
			},
		}}
		env := newWorkflowEnv(t, script)

		env.ExecuteWorkflow(StepRetryWorkflow, input)

		require.True(t, env.IsWorkflowCompleted())
		require.NoError(t, env.GetWorkflowError())

		var result types.StepExecutionResult
		require.NoError(t, env.GetWorkflowResult(&result))
		assert.Equal(t, 1, script.calls)
		assert.Equal(t, "paused_insufficient_credits", result.Status)
	})
}

func TestBackoffScheduling(t *testing.T) {
	// Zero backoff skips the timer entirely.
	script := &scriptedActivity{results: []*types.StepExecutionResult{
		completedStep(4, "TEST_CASES"),
	}}
	env := newWorkflowEnv(t, script)

	env.ExecuteWorkflow(StepRetryWorkflow, types.StepRetryInput{
		TaskID:    "task_123",
		TenantID:  "tenant_abc",
		StepRunID: "step_42",
	})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	assert.Equal(t, 1, script.calls)
}
