// Copyright (C) 2025-2026 SpecForge
// SPDX-License-Identifier: AGPL-3.0-or-later

package services

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/specforge/specforge/internal/config"
	"github.com/specforge/specforge/internal/logger"
	"github.com/specforge/specforge/internal/orchestrator/database"
	"github.com/specforge/specforge/internal/orchestrator/models"
)

var (
	dataLog     *zerolog.Logger
	dataLogOnce sync.Once
)

func getDataLog() *zerolog.Logger {
	dataLogOnce.Do(func() {
		l := logger.GetDatabaseLogger().With().Str("component", "data_service").Logger()
		dataLog = &l
	})
	return dataLog
}

const (
	maxProjectNameLength = 120
	maxTaskTitleLength   = 200
)

// DataService carries project/task management and operator reads for the API
// layer; pipeline mutations live in PipelineService.
type DataService struct {
	db *database.GormDB
}

// NewDataService opens the database and validates its schema.
func NewDataService(cfg *config.AppConfig) (*DataService, error) {
	getDataLog().Debug().Msg("Initializing data service")

	db, err := database.NewGormDB(&cfg.Database)
	if err != nil {
		getDataLog().Error().Err(err).Msg("Failed to initialize database")
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if err := db.ValidateSchema(); err != nil {
		getDataLog().Error().Err(err).Msg("Database schema validation failed")
		return nil, fmt.Errorf("database schema validation failed: %w", err)
	}

	getDataLog().Info().Msg("Data service initialized")
	return &DataService{db: db}, nil
}

// NewDataServiceWithDB wraps an already-open database; used by tests and dev
// harnesses.
func NewDataServiceWithDB(db *database.GormDB) *DataService {
	return &DataService{db: db}
}

// DB exposes the underlying database for wiring repositories.
func (ds *DataService) DB() *database.GormDB {
	return ds.db
}

// Close releases the database connection.
func (ds *DataService) Close() error {
	return ds.db.Close()
}

// CreateProject validates inputs and persists a new project for the tenant.
func (ds *DataService) CreateProject(ctx context.Context, tenantID, name, description string) (*models.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, NewPipelineError(CodeValidationError, "project name is required")
	}
	if len(name) > maxProjectNameLength {
		return nil, NewPipelineErrorf(CodeValidationError, "project name exceeds %d characters", maxProjectNameLength)
	}

	project := &models.Project{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		Name:        name,
		Description: strings.TrimSpace(description),
	}
	if err := ds.db.CreateProject(ctx, project); err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}
	getDataLog().Info().Str("project_id", project.ID).Str("name", project.Name).Msg("Created project")
	return project, nil
}

// ListProjects returns the tenant's projects, newest first.
func (ds *DataService) ListProjects(ctx context.Context, tenantID string) ([]models.Project, error) {
	projects, err := ds.db.ListProjects(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	return projects, nil
}

// CreateTask validates inputs and persists a new task under the project.
func (ds *DataService) CreateTask(ctx context.Context, tenantID, projectID, title string, inputSpec models.JSONMap) (*models.Task, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, NewPipelineError(CodeValidationError, "task title is required")
	}
	if len(title) > maxTaskTitleLength {
		return nil, NewPipelineErrorf(CodeValidationError, "task title exceeds %d characters", maxTaskTitleLength)
	}

	project, err := ds.db.GetProjectByID(ctx, projectID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load project: %w", err)
	}
	if project == nil {
		return nil, NewPipelineErrorf(CodeValidationError, "project %s not found", projectID)
	}

	task := &models.Task{
		ID:        uuid.New().String(),
		ProjectID: project.ID,
		TenantID:  tenantID,
		Title:     title,
		InputSpec: inputSpec,
		Status:    models.TaskStatusPending,
	}
	if err := ds.db.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	getDataLog().Info().Str("task_id", task.ID).Str("project_id", project.ID).Msg("Created task")
	return task, nil
}

// GetTask returns the task scoped by tenant, or a TASK_NOT_FOUND error.
func (ds *DataService) GetTask(ctx context.Context, taskID, tenantID string) (*models.Task, error) {
	task, err := ds.db.GetTaskByID(ctx, taskID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	if task == nil {
		return nil, NewPipelineErrorf(CodeTaskNotFound, "task %s not found", taskID)
	}
	return task, nil
}

// GetPipelineRun returns the run with its steps ordered by step number.
func (ds *DataService) GetPipelineRun(ctx context.Context, runID, tenantID string) (*models.PipelineRun, error) {
	run, err := ds.db.GetPipelineRunByID(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pipeline run: %w", err)
	}
	if run == nil || run.TenantID != tenantID {
		return nil, NewPipelineErrorf(CodePipelineRunNotFound, "pipeline run %s not found", runID)
	}
	steps, err := ds.db.GetStepRunsByPipelineRunID(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load step runs: %w", err)
	}
	run.StepRuns = steps
	return run, nil
}

// ListPipelineRuns returns all runs of a task, newest first.
func (ds *DataService) ListPipelineRuns(ctx context.Context, taskID, tenantID string) ([]models.PipelineRun, error) {
	task, err := ds.db.GetTaskByID(ctx, taskID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	if task == nil {
		return nil, NewPipelineErrorf(CodeTaskNotFound, "task %s not found", taskID)
	}
	runs, err := ds.db.GetPipelineRunsByTaskID(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pipeline runs: %w", err)
	}
	return runs, nil
}

// ListDeadLetters returns the newest dead-letter events up to limit.
func (ds *DataService) ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetterEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	events, err := ds.db.ListDeadLetters(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	return events, nil
}
