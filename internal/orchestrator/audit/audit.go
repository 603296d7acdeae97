// Copyright (C) 2025-2026 SpecForge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package audit provides AuditSink implementations: a database-backed sink
// for production and a log-only sink for development setups without a
// durable audit requirement.
package audit

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/specforge/specforge/internal/logger"
	"github.com/specforge/specforge/internal/orchestrator/database"
	"github.com/specforge/specforge/internal/orchestrator/models"
	"github.com/specforge/specforge/internal/orchestrator/services"
)

var (
	auditLog     *zerolog.Logger
	auditLogOnce sync.Once
)

func getAuditLog() *zerolog.Logger {
	auditLogOnce.Do(func() {
		l := logger.GetAuditLogger().With().Str("component", "sink").Logger()
		auditLog = &l
	})
	return auditLog
}

// DBSink persists audit events as write-once rows.
type DBSink struct {
	db *database.GormDB
}

var _ services.AuditSink = (*DBSink)(nil)

// NewDBSink creates a database-backed audit sink.
func NewDBSink(db *database.GormDB) *DBSink {
	return &DBSink{db: db}
}

// LogEvent records one audit event.
func (s *DBSink) LogEvent(ctx context.Context, eventType, tenantID, userID, resourceType, resourceID string, metadata models.JSONMap) error {
	return s.db.CreateAuditEvent(ctx, &models.AuditEvent{
		ID:           uuid.New().String(),
		EventType:    eventType,
		TenantID:     tenantID,
		UserID:       userID,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Metadata:     metadata,
	})
}

// LogSink writes audit events to the structured log only.
type LogSink struct{}

var _ services.AuditSink = (*LogSink)(nil)

// NewLogSink creates a log-only audit sink.
func NewLogSink() *LogSink {
	return &LogSink{}
}

// LogEvent emits the event at info level; it never fails.
func (s *LogSink) LogEvent(_ context.Context, eventType, tenantID, userID, resourceType, resourceID string, metadata models.JSONMap) error {
	getAuditLog().Info().
		Str("event_type", eventType).
		Str("tenant_id", tenantID).
		Str("user_id", userID).
		Str("resource_type", resourceType).
		Str("resource_id", resourceID).
		Interface("metadata", metadata).
		Msg("Audit event")
	return nil
}
