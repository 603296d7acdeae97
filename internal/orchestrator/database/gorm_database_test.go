// Copyright (C) 2025-2026 SpecForge
// SPDX-License-Identifier: AGPL-3.0-or-later

package database

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specforge/specforge/internal/config"
	"github.com/specforge/specforge/internal/orchestrator/models"
)

// newTestDB opens a private in-memory sqlite database and migrates it.
func newTestDB(t *testing.T) *GormDB {
	t.Helper()
	cfg := &config.DatabaseConfig{
		Driver:   "sqlite",
		Database: fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_")),
	}
	db, err := NewGormDB(cfg)
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedTask(t *testing.T, db *GormDB, taskID, tenantID string) *models.Task {
	t.Helper()
	ctx := context.Background()
	project := &models.Project{
		ID:       "proj_" + taskID,
		TenantID: tenantID,
		Name:     "Test Project",
	}
	require.NoError(t, db.CreateProject(ctx, project))
	task := &models.Task{
		ID:        taskID,
		ProjectID: project.ID,
		TenantID:  tenantID,
		Title:     "Build REST API",
		InputSpec: models.JSONMap{"language": "go", "max_endpoints": float64(12)},
		Status:    models.TaskStatusPending,
	}
	require.NoError(t, db.CreateTask(ctx, task))
	return task
}

func TestSchemaValidation(t *testing.T) {
	db := newTestDB(t)
	assert.NoError(t, db.ValidateSchema())
}

func TestProjectCRUD(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	first := &models.Project{ID: "proj_1", TenantID: "tenant_a", Name: "First"}
	require.NoError(t, db.CreateProject(ctx, first))
	time.Sleep(5 * time.Millisecond)
	second := &models.Project{ID: "proj_2", TenantID: "tenant_a", Name: "Second"}
	require.NoError(t, db.CreateProject(ctx, second))
	other := &models.Project{ID: "proj_3", TenantID: "tenant_b", Name: "Other"}
	require.NoError(t, db.CreateProject(ctx, other))

	t.Run("list is tenant scoped newest first", func(t *testing.T) {
		projects, err := db.ListProjects(ctx, "tenant_a")
		require.NoError(t, err)
		require.Len(t, projects, 2)
		assert.Equal(t, "proj_2", projects[0].ID)
		assert.Equal(t, "proj_1", projects[1].ID)
	})

	t.Run("get scoped by tenant", func(t *testing.T) {
		project, err := db.GetProjectByID(ctx, "proj_1", "tenant_a")
		require.NoError(t, err)
		require.NotNil(t, project)
		assert.Equal(t, "First", project.Name)

		project, err = db.GetProjectByID(ctx, "proj_1", "tenant_b")
		require.NoError(t, err)
		assert.Nil(t, project, "cross-tenant lookup behaves like not found")
	})
}

func TestTaskCRUD(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedTask(t, db, "task_1", "tenant_a")

	t.Run("round trips json input spec", func(t *testing.T) {
		task, err := db.GetTaskByID(ctx, "task_1", "tenant_a")
		require.NoError(t, err)
		require.NotNil(t, task)
		assert.Equal(t, "go", task.InputSpec["language"])
		assert.Equal(t, float64(12), task.InputSpec["max_endpoints"])
	})

	t.Run("not found and tenant mismatch are nil nil", func(t *testing.T) {
		task, err := db.GetTaskByID(ctx, "missing", "tenant_a")
		require.NoError(t, err)
		assert.Nil(t, task)

		task, err = db.GetTaskByID(ctx, "task_1", "tenant_b")
		require.NoError(t, err)
		assert.Nil(t, task)
	})

	t.Run("update status", func(t *testing.T) {
		require.NoError(t, db.UpdateTaskStatus(ctx, "task_1", models.TaskStatusInProgress))
		task, err := db.GetTaskByID(ctx, "task_1", "tenant_a")
		require.NoError(t, err)
		assert.Equal(t, models.TaskStatusInProgress, task.Status)
	})
}

func TestPipelineRunQueries(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedTask(t, db, "task_1", "tenant_a")

	older := &models.PipelineRun{
		ID: "run_1", TaskID: "task_1", TenantID: "tenant_a",
		Status: models.PipelineRunStatusCompleted, CurrentStep: 4,
		StartedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, db.CreatePipelineRun(ctx, older))
	time.Sleep(5 * time.Millisecond)
	newer := &models.PipelineRun{
		ID: "run_2", TaskID: "task_1", TenantID: "tenant_a",
		Status: models.PipelineRunStatusRunning, CurrentStep: 2,
		StartedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, db.CreatePipelineRun(ctx, newer))

	t.Run("latest picks the newest run", func(t *testing.T) {
		run, err := db.GetLatestPipelineRunByTaskID(ctx, "task_1")
		require.NoError(t, err)
		require.NotNil(t, run)
		assert.Equal(t, "run_2", run.ID)
	})

	t.Run("list newest first", func(t *testing.T) {
		runs, err := db.GetPipelineRunsByTaskID(ctx, "task_1")
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, "run_2", runs[0].ID)
	})

	t.Run("no runs is nil nil", func(t *testing.T) {
		run, err := db.GetLatestPipelineRunByTaskID(ctx, "no_such_task")
		require.NoError(t, err)
		assert.Nil(t, run)
	})

	t.Run("update persists pause fields", func(t *testing.T) {
		run, err := db.GetPipelineRunByID(ctx, "run_2")
		require.NoError(t, err)
		require.NotNil(t, run)

		expires := time.Now().Add(models.PauseExpiry).UTC().Truncate(time.Second)
		run.Status = models.PipelineRunStatusPaused
		run.PauseReasons = run.PauseReasons.Add(models.PauseReasonInsufficientCredit)
		run.PauseExpiresAt = &expires
		require.NoError(t, db.UpdatePipelineRun(ctx, run))

		reloaded, err := db.GetPipelineRunByID(ctx, "run_2")
		require.NoError(t, err)
		assert.Equal(t, models.PipelineRunStatusPaused, reloaded.Status)
		assert.True(t, reloaded.PauseReasons.Contains(models.PauseReasonInsufficientCredit))
		require.NotNil(t, reloaded.PauseExpiresAt)
		assert.WithinDuration(t, expires, *reloaded.PauseExpiresAt, time.Second)
	})
}

func TestStepRunOrderingAndSnapshot(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedTask(t, db, "task_1", "tenant_a")

	run := &models.PipelineRun{
		ID: "run_1", TaskID: "task_1", TenantID: "tenant_a",
		Status: models.PipelineRunStatusRunning, CurrentStep: 1,
		StartedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, db.CreatePipelineRun(ctx, run))

	// Insert out of order to prove ordering comes from the query.
	for _, n := range []int{2, 1} {
		stepType, ok := models.StepTypeForNumber(n)
		require.True(t, ok)
		step := &models.PipelineStepRun{
			ID:            fmt.Sprintf("step_%d", n),
			PipelineRunID: "run_1",
			StepNumber:    n,
			StepType:      stepType,
			Status:        models.StepRunStatusCompleted,
			MaxRetries:    models.DefaultMaxRetries,
			InputSnapshot: models.JSONMap{"current_step": float64(n)},
		}
		require.NoError(t, db.CreateStepRun(ctx, step))
	}

	steps, err := db.GetStepRunsByPipelineRunID(ctx, "run_1")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, 1, steps[0].StepNumber)
	assert.Equal(t, 2, steps[1].StepNumber)
	assert.Equal(t, float64(1), steps[0].InputSnapshot["current_step"])

	t.Run("retry rearm round trips", func(t *testing.T) {
		step, err := db.GetStepRunByID(ctx, "step_1")
		require.NoError(t, err)
		require.NotNil(t, step)

		step.Status = models.StepRunStatusPending
		step.RetryCount = 2
		step.CompletedAt = nil
		require.NoError(t, db.UpdateStepRun(ctx, step))

		reloaded, err := db.GetStepRunByID(ctx, "step_1")
		require.NoError(t, err)
		assert.Equal(t, models.StepRunStatusPending, reloaded.Status)
		assert.Equal(t, 2, reloaded.RetryCount)
		assert.Nil(t, reloaded.CompletedAt)
		assert.False(t, reloaded.RetriesExhausted())
	})
}

func TestArtifactUniquePerStepRun(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedTask(t, db, "task_1", "tenant_a")

	artifact := &models.Artifact{
		ID: "art_1", TaskID: "task_1", PipelineRunID: "run_1", StepRunID: "step_1",
		ArtifactType: models.StepTypeAnalysis, Status: models.ArtifactStatusApproved,
		Content: "analysis output", Version: 1,
	}
	require.NoError(t, db.CreateArtifact(ctx, artifact))

	duplicate := &models.Artifact{
		ID: "art_2", TaskID: "task_1", PipelineRunID: "run_1", StepRunID: "step_1",
		ArtifactType: models.StepTypeAnalysis, Status: models.ArtifactStatusDraft,
		Content: "second write", Version: 1,
	}
	assert.Error(t, db.CreateArtifact(ctx, duplicate), "one artifact per step attempt")

	artifacts, err := db.GetArtifactsByTaskID(ctx, "task_1")
	require.NoError(t, err)
	assert.Len(t, artifacts, 1)
}

func TestDeadLetterListing(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		event := &models.DeadLetterEvent{
			ID:            fmt.Sprintf("dl_%d", i),
			PipelineRunID: "run_1",
			StepRunID:     fmt.Sprintf("step_%d", i),
			FailureReason: "agent timeout",
			RetryCount:    3,
			Context:       models.JSONMap{"step_number": float64(i)},
		}
		require.NoError(t, db.CreateDeadLetter(ctx, event))
		time.Sleep(5 * time.Millisecond)
	}

	events, err := db.ListDeadLetters(ctx, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "dl_3", events[0].ID, "newest first")
	assert.Equal(t, "dl_2", events[1].ID)
	assert.Equal(t, float64(3), events[0].Context["step_number"])
}

func TestAgentRunAndAuditPersistence(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	agentRun := &models.AgentRun{
		ID: "ar_1", PipelineRunID: "run_1", StepRunID: "step_1",
		AgentType: models.AgentTypeArchitect, Model: "test-model",
		PromptTokens: 1200, CompletionTokens: 640,
		EstimatedCostCredits: 50, ActualCostCredits: 50,
		StartedAt: time.Now(), CompletedAt: time.Now(),
	}
	require.NoError(t, db.CreateAgentRun(ctx, agentRun))

	audit := &models.AuditEvent{
		ID: "ae_1", EventType: "pipeline_cancelled", TenantID: "tenant_a",
		UserID: "user_1", ResourceType: "pipeline_run", ResourceID: "run_1",
		Metadata: models.JSONMap{"reason": "user request"},
	}
	require.NoError(t, db.CreateAuditEvent(ctx, audit))
}

func TestUnsupportedDriver(t *testing.T) {
	_, err := NewGormDB(&config.DatabaseConfig{Driver: "oracle"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}
