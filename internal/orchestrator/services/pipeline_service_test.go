// Copyright (C) 2025-2026 SpecForge
// SPDX-License-Identifier: AGPL-3.0-or-later

package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specforge/specforge/internal/orchestrator/models"
)

func TestValidate(t *testing.T) {
	ctx := context.Background()

	t.Run("eligible with sufficient balance", func(t *testing.T) {
		e := newEnv()
		e.billing.balance = 500

		result, err := e.service.Validate(ctx, ValidateParams{TaskID: "task_123", TenantID: "tenant_abc"})
		require.NoError(t, err)
		assert.True(t, result.Eligible)
		assert.Equal(t, int64(150), result.EstimatedCost)
		assert.Equal(t, int64(500), result.CurrentBalance)
		assert.Empty(t, result.Reason)
	})

	t.Run("balance exactly equal to cost is eligible", func(t *testing.T) {
		e := newEnv()
		e.billing.balance = 150

		result, err := e.service.Validate(ctx, ValidateParams{TaskID: "task_123", TenantID: "tenant_abc"})
		require.NoError(t, err)
		assert.True(t, result.Eligible)
	})

	t.Run("ineligible sets reason", func(t *testing.T) {
		e := newEnv()
		e.billing.balance = 149

		result, err := e.service.Validate(ctx, ValidateParams{TaskID: "task_123", TenantID: "tenant_abc"})
		require.NoError(t, err)
		assert.False(t, result.Eligible)
		assert.Contains(t, result.Reason, "insufficient credits")
	})

	t.Run("unknown task", func(t *testing.T) {
		e := newEnv()
		_, err := e.service.Validate(ctx, ValidateParams{TaskID: "nope", TenantID: "tenant_abc"})
		assert.Equal(t, CodeTaskNotFound, ErrorCode(err))
	})

	t.Run("tenant mismatch is task not found", func(t *testing.T) {
		e := newEnv()
		_, err := e.service.Validate(ctx, ValidateParams{TaskID: "task_123", TenantID: "other_tenant"})
		assert.Equal(t, CodeTaskNotFound, ErrorCode(err))
	})

	t.Run("billing unavailable", func(t *testing.T) {
		e := newEnv()
		e.billing.balanceErr = ErrBillingUnavailable

		_, err := e.service.Validate(ctx, ValidateParams{TaskID: "task_123", TenantID: "tenant_abc"})
		assert.Equal(t, CodeBillingUnavailable, ErrorCode(err))
	})

	t.Run("other balance error", func(t *testing.T) {
		e := newEnv()
		e.billing.balanceErr = errors.New("boom")

		_, err := e.service.Validate(ctx, ValidateParams{TaskID: "task_123", TenantID: "tenant_abc"})
		assert.Equal(t, CodeBalanceCheckFailed, ErrorCode(err))
	})
}

func TestRunStepHappyPathStepOne(t *testing.T) {
	ctx := context.Background()
	e := newEnv()

	result, err := e.service.RunStep(ctx, RunStepParams{TaskID: "task_123", TenantID: "tenant_abc"})
	require.NoError(t, err)

	assert.NotEmpty(t, result.PipelineRunID)
	assert.Equal(t, 1, result.StepNumber)
	assert.Equal(t, models.StepTypeAnalysis, result.StepType)
	assert.Equal(t, StepResultCompleted, result.Status)
	assert.NotEmpty(t, result.ArtifactID)

	// Analysis artifacts are approved on creation.
	require.Len(t, e.store.artifacts, 1)
	artifact := e.store.artifacts[0]
	assert.Equal(t, models.ArtifactStatusApproved, artifact.Status)
	assert.NotNil(t, artifact.ApprovedAt)
	assert.Equal(t, 1, artifact.Version)

	// Billed once: amount 50, key "{run}:{step}".
	require.Len(t, e.billing.consumeCalls, 1)
	call := e.billing.consumeCalls[0].params
	assert.Equal(t, int64(50), call.Amount)
	assert.Equal(t, fmt.Sprintf("%s:%s", result.PipelineRunID, result.StepRunID), call.IdempotencyKey)
	assert.Equal(t, "pipeline_step", call.ReferenceType)
	assert.Equal(t, result.StepRunID, call.ReferenceID)

	// Agent run recorded with token counts; actual equals estimated.
	require.Len(t, e.store.agentRuns, 1)
	agentRun := e.store.agentRuns[0]
	assert.Equal(t, models.AgentTypeArchitect, agentRun.AgentType)
	assert.Equal(t, 1500, agentRun.PromptTokens)
	assert.Equal(t, 800, agentRun.CompletionTokens)
	assert.Equal(t, agentRun.EstimatedCostCredits, agentRun.ActualCostCredits)

	// Run advanced to step 2 and stays running.
	run := e.store.runByID(result.PipelineRunID)
	assert.Equal(t, 2, run.CurrentStep)
	assert.Equal(t, models.PipelineRunStatusRunning, run.Status)

	// Step persisted completed with its frozen snapshot.
	step := e.store.stepByID(result.StepRunID)
	assert.Equal(t, models.StepRunStatusCompleted, step.Status)
	require.NotNil(t, step.CompletedAt)
	assert.Equal(t, "task_123", step.InputSnapshot["task_id"])
	assert.Equal(t, "Build REST API", step.InputSnapshot["task_title"])
}

func TestRunStepFullPipeline(t *testing.T) {
	ctx := context.Background()
	e := newEnv()

	expected := []struct {
		stepNumber int
		stepType   models.StepType
		cost       int64
	}{
		{1, models.StepTypeAnalysis, 50},
		{2, models.StepTypeUserStories, 30},
		{3, models.StepTypeCodeSkeleton, 40},
		{4, models.StepTypeTestCases, 30},
	}

	var runID string
	for _, want := range expected {
		result, err := e.service.RunStep(ctx, RunStepParams{TaskID: "task_123", TenantID: "tenant_abc"})
		require.NoError(t, err, "step %d", want.stepNumber)
		assert.Equal(t, want.stepNumber, result.StepNumber)
		assert.Equal(t, want.stepType, result.StepType)
		if runID == "" {
			runID = result.PipelineRunID
		} else {
			assert.Equal(t, runID, result.PipelineRunID, "all steps share one run")
		}
	}

	require.Len(t, e.billing.consumeCalls, 4)
	for i, want := range expected {
		assert.Equal(t, want.cost, e.billing.consumeCalls[i].params.Amount)
	}

	// Step 4 success completes the run without advancing past 4.
	run := e.store.runByID(runID)
	assert.Equal(t, models.PipelineRunStatusCompleted, run.Status)
	assert.Equal(t, 4, run.CurrentStep)
	assert.Len(t, e.store.artifacts, 4)

	// Terminal run: the next invocation creates a fresh run at step 1.
	result, err := e.service.RunStep(ctx, RunStepParams{TaskID: "task_123", TenantID: "tenant_abc"})
	require.NoError(t, err)
	assert.NotEqual(t, runID, result.PipelineRunID)
	assert.Equal(t, 1, result.StepNumber)
}

func TestRunStepTaskNotFound(t *testing.T) {
	ctx := context.Background()
	e := newEnv()

	_, err := e.service.RunStep(ctx, RunStepParams{TaskID: "missing", TenantID: "tenant_abc"})
	assert.Equal(t, CodeTaskNotFound, ErrorCode(err))

	_, err = e.service.RunStep(ctx, RunStepParams{TaskID: "task_123", TenantID: "wrong"})
	assert.Equal(t, CodeTaskNotFound, ErrorCode(err))
}

func TestRunStepInsufficientCreditsPausesRun(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	e.billing.consumeErr = &InsufficientCreditsError{TenantID: "tenant_abc", Required: 50, Balance: 10}

	result, err := e.service.RunStep(ctx, RunStepParams{TaskID: "task_123", TenantID: "tenant_abc"})
	require.NoError(t, err, "insufficient credits is a successful result, not an error")

	assert.Equal(t, StepResultPausedInsufficientCredits, result.Status)
	assert.NotEmpty(t, result.ArtifactID)

	run := e.store.runByID(result.PipelineRunID)
	assert.Equal(t, models.PipelineRunStatusPaused, run.Status)
	assert.True(t, run.PauseReasons.Contains(models.PauseReasonInsufficientCredit))
	require.NotNil(t, run.PauseExpiresAt)
	assert.Equal(t, e.clock.Now().Add(7*24*time.Hour), *run.PauseExpiresAt)

	// No rollback: step stays completed, artifact stays, pointer not advanced.
	step := e.store.stepByID(result.StepRunID)
	assert.Equal(t, models.StepRunStatusCompleted, step.Status)
	assert.Len(t, e.store.artifacts, 1)
	assert.Equal(t, 1, run.CurrentStep)

	// A paused run refuses further step invocations.
	_, err = e.service.RunStep(ctx, RunStepParams{TaskID: "task_123", TenantID: "tenant_abc"})
	assert.Equal(t, CodeExecutionError, ErrorCode(err))
}

func TestRunStepOtherBillingErrorPreservesArtifact(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	e.billing.consumeErr = errors.New("billing exploded")

	_, err := e.service.RunStep(ctx, RunStepParams{TaskID: "task_123", TenantID: "tenant_abc"})
	assert.Equal(t, CodeExecutionError, ErrorCode(err))

	// Artifact preserved, no advance.
	require.Len(t, e.store.artifacts, 1)
	run := e.store.runByID(e.store.artifacts[0].PipelineRunID)
	assert.Equal(t, 1, run.CurrentStep)
	assert.Equal(t, models.PipelineRunStatusRunning, run.Status)
}

func TestRunStepAgentFailureSchedulesRetry(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	e.executor.failures = []error{errors.New("model overloaded")}

	_, err := e.service.RunStep(ctx, RunStepParams{TaskID: "task_123", TenantID: "tenant_abc"})
	assert.Equal(t, CodeAgentFailedRetry, ErrorCode(err))

	require.Len(t, e.scheduler.calls, 1)
	assert.Equal(t, 1, e.scheduler.calls[0])

	// No billing for a failed attempt.
	assert.Empty(t, e.billing.consumeCalls)

	// The step is re-armed pending under the same identity.
	steps, err2 := e.store.GetStepRunsByPipelineRunID(ctx, firstRunID(t, e))
	require.NoError(t, err2)
	require.Len(t, steps, 1)
	assert.Equal(t, models.StepRunStatusPending, steps[0].Status)
	assert.Equal(t, 1, steps[0].RetryCount)
	assert.Nil(t, steps[0].CompletedAt)
}

func TestRunStepRetryReusesStepWithRetryKey(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	e.executor.failures = []error{errors.New("model overloaded")}

	_, err := e.service.RunStep(ctx, RunStepParams{TaskID: "task_123", TenantID: "tenant_abc"})
	assert.Equal(t, CodeAgentFailedRetry, ErrorCode(err))

	// Second invocation (the retry) succeeds and bills under the retry key.
	result, err := e.service.RunStep(ctx, RunStepParams{TaskID: "task_123", TenantID: "tenant_abc"})
	require.NoError(t, err)
	assert.Equal(t, StepResultCompleted, result.Status)

	keys := e.billing.keys()
	require.Len(t, keys, 1, "only the successful attempt bills")
	assert.Equal(t, fmt.Sprintf("%s:%s:retry_1", result.PipelineRunID, result.StepRunID), keys[0])

	// Same step row across both attempts.
	steps, err := e.store.GetStepRunsByPipelineRunID(ctx, result.PipelineRunID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, result.StepRunID, steps[0].ID)
	assert.Equal(t, 1, steps[0].RetryCount)
}

func TestRunStepRetriesExhaustedDeadLetters(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	e.executor.failures = []error{
		errors.New("fail 1"), errors.New("fail 2"), errors.New("fail 3"), errors.New("fail 4"),
	}

	// Attempts 1-3 arm retries, attempt 4 exhausts the budget.
	for i := 0; i < 3; i++ {
		_, err := e.service.RunStep(ctx, RunStepParams{TaskID: "task_123", TenantID: "tenant_abc"})
		assert.Equal(t, CodeAgentFailedRetry, ErrorCode(err), "attempt %d", i+1)
	}
	_, err := e.service.RunStep(ctx, RunStepParams{TaskID: "task_123", TenantID: "tenant_abc"})
	assert.Equal(t, CodeAgentFailed, ErrorCode(err))

	require.Len(t, e.store.deadLetters, 1)
	deadLetter := e.store.deadLetters[0]
	assert.Equal(t, 3, deadLetter.RetryCount)
	assert.Equal(t, "fail 4", deadLetter.FailureReason)

	run := e.store.runByID(deadLetter.PipelineRunID)
	assert.Equal(t, models.PipelineRunStatusFailed, run.Status)
	assert.Equal(t, []int{1, 2, 3}, e.scheduler.calls)
}

func TestRunStepNoSchedulerNoDeadLetterStore(t *testing.T) {
	ctx := context.Background()

	t.Run("no scheduler dead-letters immediately", func(t *testing.T) {
		e := newEnv(withoutScheduler())
		e.executor.failures = []error{errors.New("boom")}

		_, err := e.service.RunStep(ctx, RunStepParams{TaskID: "task_123", TenantID: "tenant_abc"})
		assert.Equal(t, CodeAgentFailed, ErrorCode(err))
		assert.Len(t, e.store.deadLetters, 1)

		run := e.store.runByID(e.store.deadLetters[0].PipelineRunID)
		assert.Equal(t, models.PipelineRunStatusFailed, run.Status)
	})

	t.Run("neither scheduler nor dead letters leaves run unchanged", func(t *testing.T) {
		e := newEnv(withoutScheduler(), withoutDeadLetters())
		e.executor.failures = []error{errors.New("boom")}

		_, err := e.service.RunStep(ctx, RunStepParams{TaskID: "task_123", TenantID: "tenant_abc"})
		assert.Equal(t, CodeAgentFailed, ErrorCode(err))
		assert.Empty(t, e.store.deadLetters)

		runID := firstRunID(t, e)
		run := e.store.runByID(runID)
		assert.Equal(t, models.PipelineRunStatusRunning, run.Status)

		steps, err2 := e.store.GetStepRunsByPipelineRunID(ctx, runID)
		require.NoError(t, err2)
		require.Len(t, steps, 1)
		assert.Equal(t, models.StepRunStatusFailed, steps[0].Status)
	})
}

func TestRunStepCancelBeforeBillingSuppressesCharge(t *testing.T) {
	ctx := context.Background()
	e := newEnv()

	// Cancel the run while the agent is executing; the orchestrator only
	// observes it at checkpoint C, after the artifact is committed.
	e.executor.onExecute = func(int) {
		runID := firstRunID(t, e)
		run := e.store.runByID(runID)
		run.Status = models.PipelineRunStatusCancelled
		require.NoError(t, e.store.UpdatePipelineRun(ctx, &run))
	}

	_, err := e.service.RunStep(ctx, RunStepParams{TaskID: "task_123", TenantID: "tenant_abc"})
	assert.Equal(t, CodePipelineCancelled, ErrorCode(err))

	// Charge suppressed, artifact retained, step reverted to cancelled.
	assert.Empty(t, e.billing.consumeCalls)
	require.Len(t, e.store.artifacts, 1)

	steps, err2 := e.store.GetStepRunsByPipelineRunID(ctx, firstRunID(t, e))
	require.NoError(t, err2)
	require.Len(t, steps, 1)
	assert.Equal(t, models.StepRunStatusCancelled, steps[0].Status)
}

func TestRunStepCancelledAtCheckpointA(t *testing.T) {
	ctx := context.Background()
	e := newEnv()

	// Establish a running run, then cancel it behind the orchestrator's back.
	e.executor.failures = []error{errors.New("fail once")}
	_, err := e.service.RunStep(ctx, RunStepParams{TaskID: "task_123", TenantID: "tenant_abc"})
	assert.Equal(t, CodeAgentFailedRetry, ErrorCode(err))

	runID := firstRunID(t, e)
	run := e.store.runByID(runID)

	// Direct checkpoint probe.
	cancelled, err := e.service.runCancelled(ctx, runID)
	require.NoError(t, err)
	assert.False(t, cancelled)

	run.Status = models.PipelineRunStatusCancelled
	require.NoError(t, e.store.UpdatePipelineRun(ctx, &run))
	cancelled, err = e.service.runCancelled(ctx, runID)
	require.NoError(t, err)
	assert.True(t, cancelled)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("preserves completed work", func(t *testing.T) {
		e := newEnv()

		// Complete steps 1 and 2.
		for i := 0; i < 2; i++ {
			_, err := e.service.RunStep(ctx, RunStepParams{TaskID: "task_123", TenantID: "tenant_abc"})
			require.NoError(t, err)
		}
		runID := firstRunID(t, e)

		// Leave step 3 running to simulate an in-flight attempt.
		now := e.clock.Now()
		running := &models.PipelineStepRun{
			ID:            "step_3_run",
			PipelineRunID: runID,
			StepNumber:    3,
			StepType:      models.StepTypeCodeSkeleton,
			Status:        models.StepRunStatusRunning,
			StartedAt:     &now,
			MaxRetries:    3,
		}
		require.NoError(t, e.store.CreateStepRun(ctx, running))

		result, err := e.service.Cancel(ctx, CancelParams{
			PipelineRunID: runID,
			TenantID:      "tenant_abc",
			UserID:        "user_u",
			Reason:        "user request",
		})
		require.NoError(t, err)

		assert.Equal(t, "running", result.PreviousStatus)
		assert.Equal(t, "cancelled", result.NewStatus)
		assert.Equal(t, 2, result.StepsCompleted)
		assert.Equal(t, 1, result.StepsCancelled)

		// Running step became cancelled with completed_at set.
		step := e.store.stepByID("step_3_run")
		assert.Equal(t, models.StepRunStatusCancelled, step.Status)
		assert.NotNil(t, step.CompletedAt)

		// Completed steps and artifacts untouched.
		steps, err2 := e.store.GetStepRunsByPipelineRunID(ctx, runID)
		require.NoError(t, err2)
		for _, s := range steps[:2] {
			assert.Equal(t, models.StepRunStatusCompleted, s.Status)
		}
		assert.Len(t, e.store.artifacts, 2)

		assert.Equal(t, []string{"pipeline_cancelled"}, e.audit.events)
	})

	t.Run("not found", func(t *testing.T) {
		e := newEnv()
		_, err := e.service.Cancel(ctx, CancelParams{PipelineRunID: "nope", TenantID: "tenant_abc"})
		assert.Equal(t, CodePipelineNotFound, ErrorCode(err))
	})

	t.Run("unauthorized tenant", func(t *testing.T) {
		e := newEnv()
		_, err := e.service.RunStep(ctx, RunStepParams{TaskID: "task_123", TenantID: "tenant_abc"})
		require.NoError(t, err)

		_, err = e.service.Cancel(ctx, CancelParams{PipelineRunID: firstRunID(t, e), TenantID: "intruder"})
		assert.Equal(t, CodeUnauthorized, ErrorCode(err))
	})

	t.Run("cannot cancel completed or cancelled", func(t *testing.T) {
		e := newEnv()
		for i := 0; i < 4; i++ {
			_, err := e.service.RunStep(ctx, RunStepParams{TaskID: "task_123", TenantID: "tenant_abc"})
			require.NoError(t, err)
		}
		runID := firstRunID(t, e)

		_, err := e.service.Cancel(ctx, CancelParams{PipelineRunID: runID, TenantID: "tenant_abc"})
		assert.Equal(t, CodeCannotCancel, ErrorCode(err))
	})

	t.Run("audit failure is swallowed", func(t *testing.T) {
		e := newEnv()
		e.audit.err = errors.New("audit sink down")

		_, err := e.service.RunStep(ctx, RunStepParams{TaskID: "task_123", TenantID: "tenant_abc"})
		require.NoError(t, err)

		result, err := e.service.Cancel(ctx, CancelParams{
			PipelineRunID: firstRunID(t, e),
			TenantID:      "tenant_abc",
			UserID:        "user_u",
		})
		require.NoError(t, err, "audit failure must not fail the cancel")
		assert.Equal(t, "cancelled", result.NewStatus)
	})
}

func TestReplay(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*env, string, string) {
		t.Helper()
		e := newEnv()
		// Run two steps so the original run has a step 2 to replay from.
		var stepID string
		for i := 0; i < 2; i++ {
			result, err := e.service.RunStep(ctx, RunStepParams{TaskID: "task_123", TenantID: "tenant_abc"})
			require.NoError(t, err)
			if result.StepNumber == 2 {
				stepID = result.StepRunID
			}
		}
		return e, firstRunID(t, e), stepID
	}

	t.Run("from step 2", func(t *testing.T) {
		e, runID, stepID := setup(t)

		result, err := e.service.Replay(ctx, ReplayParams{
			PipelineRunID:             runID,
			TenantID:                  "tenant_abc",
			FromStepID:                stepID,
			PreserveApprovedArtifacts: true,
		})
		require.NoError(t, err)

		assert.NotEqual(t, runID, result.NewPipelineRunID)
		assert.Equal(t, "running", result.Status)
		assert.Equal(t, "USER_STORIES", result.StartedFromStep)

		newRun := e.store.runByID(result.NewPipelineRunID)
		assert.Equal(t, "task_123", newRun.TaskID)
		assert.Equal(t, 2, newRun.CurrentStep)
		assert.Equal(t, models.PipelineRunStatusRunning, newRun.Status)

		assert.Contains(t, e.audit.events, "pipeline_replayed")

		// Original run and its artifacts are untouched.
		original := e.store.runByID(runID)
		assert.Equal(t, models.PipelineRunStatusRunning, original.Status)
		assert.Len(t, e.store.artifacts, 2)
	})

	t.Run("defaults to step 1", func(t *testing.T) {
		e, runID, _ := setup(t)

		result, err := e.service.Replay(ctx, ReplayParams{PipelineRunID: runID, TenantID: "tenant_abc"})
		require.NoError(t, err)
		assert.Equal(t, "ANALYSIS", result.StartedFromStep)
		assert.Equal(t, 1, e.store.runByID(result.NewPipelineRunID).CurrentStep)
	})

	t.Run("foreign step id falls back to step 1", func(t *testing.T) {
		e, runID, _ := setup(t)

		result, err := e.service.Replay(ctx, ReplayParams{
			PipelineRunID: runID,
			TenantID:      "tenant_abc",
			FromStepID:    "not-a-step-of-this-run",
		})
		require.NoError(t, err)
		assert.Equal(t, "ANALYSIS", result.StartedFromStep)
	})

	t.Run("missing run", func(t *testing.T) {
		e := newEnv()
		_, err := e.service.Replay(ctx, ReplayParams{PipelineRunID: "nope", TenantID: "tenant_abc"})
		assert.Equal(t, CodePipelineRunNotFound, ErrorCode(err))
	})

	t.Run("tenant isolation via task lookup", func(t *testing.T) {
		e, runID, _ := setup(t)
		_, err := e.service.Replay(ctx, ReplayParams{PipelineRunID: runID, TenantID: "intruder"})
		assert.Equal(t, CodePipelineRunNotFound, ErrorCode(err))
	})
}

func TestRunStepArtifactBeforeBilling(t *testing.T) {
	ctx := context.Background()
	e := newEnv()

	_, err := e.service.RunStep(ctx, RunStepParams{TaskID: "task_123", TenantID: "tenant_abc"})
	require.NoError(t, err)

	agentPos := e.seq.posOf("agent_execute")
	billingPos := e.seq.posOf("consume_credits")
	require.NotZero(t, agentPos)
	require.NotZero(t, billingPos)
	assert.Greater(t, billingPos, agentPos, "billing must come after the artifact-producing agent call")

	// The artifact row exists by the time billing is invoked; with a
	// synchronous store, billing having been called at all implies the
	// artifact was persisted first.
	assert.Len(t, e.store.artifacts, 1)
	assert.Len(t, e.billing.consumeCalls, 1)
}

func TestStartPipelineRequiresTemporal(t *testing.T) {
	ctx := context.Background()
	e := newEnv()

	// StartPipeline without a temporal client is a wiring error.
	_, err := e.service.StartPipeline(ctx, "task_123", "tenant_abc")
	assert.Equal(t, CodeExecutionError, ErrorCode(err))
}

// firstRunID returns the ID of the task's single run.
func firstRunID(t interface {
	Helper()
	Fatalf(string, ...interface{})
}, e *env) string {
	t.Helper()
	run, err := e.store.GetLatestPipelineRunByTaskID(context.Background(), "task_123")
	if err != nil || run == nil {
		t.Fatalf("no pipeline run found: %v", err)
	}
	return run.ID
}
