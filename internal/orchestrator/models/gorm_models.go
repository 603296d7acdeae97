// Copyright (C) 2025-2026 SpecForge
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"time"

	"gorm.io/gorm"
)

// TaskStatus represents the status of a task
type TaskStatus int

const (
	TaskStatusPending TaskStatus = iota
	TaskStatusInProgress
	TaskStatusCompleted
	TaskStatusFailed
)

// String returns the string representation of TaskStatus
func (ts TaskStatus) String() string {
	switch ts {
	case TaskStatusPending:
		return "pending"
	case TaskStatusInProgress:
		return "in_progress"
	case TaskStatusCompleted:
		return "completed"
	case TaskStatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Project represents the GORM model for projects.
// UpdatedAt is non-nullable; existing rows are back-filled from created_at
// during migration (see database.AutoMigrate).
type Project struct {
	ID          string    `gorm:"primaryKey;type:text" json:"id"`
	TenantID    string    `gorm:"type:text;not null;index" json:"tenant_id"`
	Name        string    `gorm:"not null;type:text" json:"name"`
	Description string    `gorm:"type:text" json:"description"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"not null" json:"updated_at"`

	// Relations
	Tasks []Task `gorm:"foreignKey:ProjectID;constraint:OnDelete:CASCADE" json:"tasks,omitempty"`
}

// TableName returns the table name for Project
func (Project) TableName() string {
	return "projects"
}

// Task represents the GORM model for tasks. The pipeline core reads tasks but
// never mutates them beyond status bookkeeping.
type Task struct {
	ID        string     `gorm:"primaryKey;type:text" json:"id"`
	ProjectID string     `gorm:"not null;type:text;index" json:"project_id"`
	TenantID  string     `gorm:"type:text;not null;index" json:"tenant_id"`
	Title     string     `gorm:"not null;type:text" json:"title"`
	InputSpec JSONMap    `gorm:"type:text" json:"input_spec"`
	Status    TaskStatus `gorm:"not null;default:0" json:"status"`
	CreatedAt time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for Task
func (Task) TableName() string {
	return "tasks"
}

// BeforeCreate is a GORM hook that runs before creating a record
func (p *Project) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	return nil
}

// BeforeUpdate is a GORM hook that runs before updating a record
func (p *Project) BeforeUpdate(tx *gorm.DB) error {
	p.UpdatedAt = time.Now()
	return nil
}

// BeforeCreate is a GORM hook that runs before creating a record
func (t *Task) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
	if t.InputSpec == nil {
		t.InputSpec = JSONMap{}
	}
	return nil
}
