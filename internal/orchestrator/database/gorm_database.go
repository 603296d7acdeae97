// Copyright (C) 2025-2026 SpecForge
// SPDX-License-Identifier: AGPL-3.0-or-later

package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/specforge/specforge/internal/config"
	"github.com/specforge/specforge/internal/orchestrator/models"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormDB wraps the GORM database connection. It implements the repository
// ports defined in the services package.
type GormDB struct {
	db *gorm.DB
}

// NewGormDB creates a new GORM database connection
func NewGormDB(cfg *config.DatabaseConfig) (*GormDB, error) {
	var dialector gorm.Dialector

	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.GetDSN())
	case "postgres":
		dialector = postgres.Open(cfg.GetDSN())
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent), // Reduce GORM log noise
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &GormDB{db: db}, nil
}

// AutoMigrate runs database migrations
func (db *GormDB) AutoMigrate() error {
	if err := db.db.AutoMigrate(
		&models.Project{},
		&models.Task{},
		&models.PipelineRun{},
		&models.PipelineStepRun{},
		&models.AgentRun{},
		&models.Artifact{},
		&models.DeadLetterEvent{},
		&models.AuditEvent{},
	); err != nil {
		return err
	}

	// Migration path for existing databases: projects.updated_at became
	// non-nullable; back-fill from created_at.
	if err := db.db.Exec("UPDATE projects SET updated_at = created_at WHERE updated_at IS NULL").Error; err != nil {
		return fmt.Errorf("failed to backfill projects.updated_at: %w", err)
	}

	if !db.db.Migrator().HasIndex(&models.PipelineRun{}, "idx_pipeline_runs_task_status") {
		if err := db.db.Migrator().CreateIndex(&models.PipelineRun{}, "idx_pipeline_runs_task_status"); err != nil {
			return fmt.Errorf("failed to create pipeline_runs (task_id, status) index: %w", err)
		}
	}
	if !db.db.Migrator().HasIndex(&models.PipelineStepRun{}, "idx_step_runs_run_step") {
		if err := db.db.Migrator().CreateIndex(&models.PipelineStepRun{}, "idx_step_runs_run_step"); err != nil {
			return fmt.Errorf("failed to create pipeline_step_runs (pipeline_run_id, step_number) index: %w", err)
		}
	}
	if !db.db.Migrator().HasIndex(&models.Artifact{}, "uniq_artifacts_step_run") {
		if err := db.db.Migrator().CreateIndex(&models.Artifact{}, "uniq_artifacts_step_run"); err != nil {
			return fmt.Errorf("failed to create artifacts unique step_run_id index: %w", err)
		}
	}

	return nil
}

// ValidateSchema checks if GORM models match the database schema
func (db *GormDB) ValidateSchema() error {
	var missingTables []string
	var missingColumns []string
	var missingIndexes []string

	tables := []struct {
		model interface{}
		name  string
	}{
		{&models.Project{}, "projects"},
		{&models.Task{}, "tasks"},
		{&models.PipelineRun{}, "pipeline_runs"},
		{&models.PipelineStepRun{}, "pipeline_step_runs"},
		{&models.AgentRun{}, "agent_runs"},
		{&models.Artifact{}, "artifacts"},
		{&models.DeadLetterEvent{}, "dead_letter_events"},
		{&models.AuditEvent{}, "audit_events"},
	}
	for _, table := range tables {
		if !db.db.Migrator().HasTable(table.model) {
			missingTables = append(missingTables, table.name)
		}
	}
	if len(missingTables) > 0 {
		return fmt.Errorf("missing tables: %v\n\n💡 Run 'make migrate' to create the required tables", missingTables)
	}

	projectColumns := []string{"id", "tenant_id", "name", "description", "created_at", "updated_at"}
	for _, col := range projectColumns {
		if !db.db.Migrator().HasColumn(&models.Project{}, col) {
			missingColumns = append(missingColumns, fmt.Sprintf("projects.%s", col))
		}
	}

	runColumns := []string{
		"id", "task_id", "tenant_id", "status", "current_step",
		"pause_reasons", "pause_expires_at", "started_at", "updated_at",
	}
	for _, col := range runColumns {
		if !db.db.Migrator().HasColumn(&models.PipelineRun{}, col) {
			missingColumns = append(missingColumns, fmt.Sprintf("pipeline_runs.%s", col))
		}
	}

	stepColumns := []string{
		"id", "pipeline_run_id", "step_number", "step_type", "status",
		"retry_count", "max_retries", "input_snapshot",
	}
	for _, col := range stepColumns {
		if !db.db.Migrator().HasColumn(&models.PipelineStepRun{}, col) {
			missingColumns = append(missingColumns, fmt.Sprintf("pipeline_step_runs.%s", col))
		}
	}

	if !db.db.Migrator().HasIndex(&models.PipelineRun{}, "idx_pipeline_runs_task_status") {
		missingIndexes = append(missingIndexes, "pipeline_runs.idx_pipeline_runs_task_status")
	}
	if !db.db.Migrator().HasIndex(&models.PipelineStepRun{}, "idx_step_runs_run_step") {
		missingIndexes = append(missingIndexes, "pipeline_step_runs.idx_step_runs_run_step")
	}
	if !db.db.Migrator().HasIndex(&models.Artifact{}, "uniq_artifacts_step_run") {
		missingIndexes = append(missingIndexes, "artifacts.uniq_artifacts_step_run")
	}

	if len(missingColumns) > 0 {
		return fmt.Errorf("missing columns: %v\n\n💡 Run 'make migrate' to add the required columns", missingColumns)
	}
	if len(missingIndexes) > 0 {
		return fmt.Errorf("missing indexes: %v\n\n💡 Run 'make migrate' to add the required indexes", missingIndexes)
	}

	return nil
}

// Close closes the database connection
func (db *GormDB) Close() error {
	sqlDB, err := db.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --- Projects ---

// CreateProject creates a new project
func (db *GormDB) CreateProject(ctx context.Context, project *models.Project) error {
	return db.db.WithContext(ctx).Create(project).Error
}

// ListProjects retrieves the tenant's projects, newest first
func (db *GormDB) ListProjects(ctx context.Context, tenantID string) ([]models.Project, error) {
	var projects []models.Project
	err := db.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at DESC").
		Find(&projects).Error
	if err != nil {
		return nil, err
	}
	return projects, nil
}

// GetProjectByID retrieves a project scoped by tenant; nil when not found
func (db *GormDB) GetProjectByID(ctx context.Context, projectID, tenantID string) (*models.Project, error) {
	var project models.Project
	err := db.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", projectID, tenantID).
		First(&project).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &project, nil
}

// --- Tasks ---

// CreateTask creates a new task
func (db *GormDB) CreateTask(ctx context.Context, task *models.Task) error {
	return db.db.WithContext(ctx).Create(task).Error
}

// GetTaskByID retrieves a task scoped by tenant; nil when not found
func (db *GormDB) GetTaskByID(ctx context.Context, taskID, tenantID string) (*models.Task, error) {
	var task models.Task
	err := db.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", taskID, tenantID).
		First(&task).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &task, nil
}

// UpdateTaskStatus updates a task's status
func (db *GormDB) UpdateTaskStatus(ctx context.Context, taskID string, status models.TaskStatus) error {
	return db.db.WithContext(ctx).Model(&models.Task{}).
		Where("id = ?", taskID).
		Update("status", status).Error
}

// --- Pipeline runs ---

// CreatePipelineRun creates a new pipeline run
func (db *GormDB) CreatePipelineRun(ctx context.Context, run *models.PipelineRun) error {
	return db.db.WithContext(ctx).Create(run).Error
}

// GetPipelineRunByID retrieves a run by ID; nil when not found
func (db *GormDB) GetPipelineRunByID(ctx context.Context, runID string) (*models.PipelineRun, error) {
	var run models.PipelineRun
	err := db.db.WithContext(ctx).First(&run, "id = ?", runID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &run, nil
}

// GetLatestPipelineRunByTaskID retrieves the most recent run for a task;
// nil when the task has no runs
func (db *GormDB) GetLatestPipelineRunByTaskID(ctx context.Context, taskID string) (*models.PipelineRun, error) {
	var run models.PipelineRun
	err := db.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("created_at DESC").
		First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &run, nil
}

// GetPipelineRunsByTaskID retrieves all runs for a task, newest first
func (db *GormDB) GetPipelineRunsByTaskID(ctx context.Context, taskID string) ([]models.PipelineRun, error) {
	var runs []models.PipelineRun
	err := db.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("created_at DESC").
		Find(&runs).Error
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// UpdatePipelineRun persists all fields of the run
func (db *GormDB) UpdatePipelineRun(ctx context.Context, run *models.PipelineRun) error {
	return db.db.WithContext(ctx).Omit("StepRuns").Save(run).Error
}

// --- Step runs ---

// CreateStepRun creates a new step run
func (db *GormDB) CreateStepRun(ctx context.Context, step *models.PipelineStepRun) error {
	return db.db.WithContext(ctx).Create(step).Error
}

// GetStepRunByID retrieves a step run by ID; nil when not found
func (db *GormDB) GetStepRunByID(ctx context.Context, stepRunID string) (*models.PipelineStepRun, error) {
	var step models.PipelineStepRun
	err := db.db.WithContext(ctx).First(&step, "id = ?", stepRunID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &step, nil
}

// GetStepRunsByPipelineRunID retrieves a run's steps ordered by step number,
// oldest attempt first within a step
func (db *GormDB) GetStepRunsByPipelineRunID(ctx context.Context, runID string) ([]models.PipelineStepRun, error) {
	var steps []models.PipelineStepRun
	err := db.db.WithContext(ctx).
		Where("pipeline_run_id = ?", runID).
		Order("step_number ASC, created_at ASC").
		Find(&steps).Error
	if err != nil {
		return nil, err
	}
	return steps, nil
}

// UpdateStepRun persists all fields of the step run
func (db *GormDB) UpdateStepRun(ctx context.Context, step *models.PipelineStepRun) error {
	return db.db.WithContext(ctx).Save(step).Error
}

// --- Agent runs ---

// CreateAgentRun records a successful agent invocation
func (db *GormDB) CreateAgentRun(ctx context.Context, agentRun *models.AgentRun) error {
	return db.db.WithContext(ctx).Create(agentRun).Error
}

// --- Artifacts ---

// CreateArtifact persists a step's output
func (db *GormDB) CreateArtifact(ctx context.Context, artifact *models.Artifact) error {
	return db.db.WithContext(ctx).Create(artifact).Error
}

// GetArtifactsByTaskID retrieves all artifacts produced for a task,
// newest first
func (db *GormDB) GetArtifactsByTaskID(ctx context.Context, taskID string) ([]models.Artifact, error) {
	var artifacts []models.Artifact
	err := db.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("created_at DESC").
		Find(&artifacts).Error
	if err != nil {
		return nil, err
	}
	return artifacts, nil
}

// --- Dead letters ---

// CreateDeadLetter records a step that exhausted its retries
func (db *GormDB) CreateDeadLetter(ctx context.Context, event *models.DeadLetterEvent) error {
	return db.db.WithContext(ctx).Create(event).Error
}

// ListDeadLetters retrieves the newest dead-letter events up to limit
func (db *GormDB) ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetterEvent, error) {
	var events []models.DeadLetterEvent
	err := db.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

// --- Audit events ---

// CreateAuditEvent records a write-once audit event
func (db *GormDB) CreateAuditEvent(ctx context.Context, event *models.AuditEvent) error {
	return db.db.WithContext(ctx).Create(event).Error
}

// GetAuditEventsByResourceID retrieves audit events for a resource, oldest first
func (db *GormDB) GetAuditEventsByResourceID(ctx context.Context, resourceID string) ([]models.AuditEvent, error) {
	var events []models.AuditEvent
	err := db.db.WithContext(ctx).
		Where("resource_id = ?", resourceID).
		Order("created_at ASC").
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}
