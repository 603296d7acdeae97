// Copyright (C) 2025-2026 SpecForge
// SPDX-License-Identifier: AGPL-3.0-or-later

package logger

import (
	"github.com/rs/zerolog"
)

// Static logger getters that map directly to config.yaml log.levels
// These ensure consistent logger names across the codebase

// GetPipelineLogger returns a logger for the pipeline orchestration core
func GetPipelineLogger() zerolog.Logger {
	return GetLogger("pipeline")
}

// GetTemporalLogger returns a logger for Temporal components
func GetTemporalLogger() zerolog.Logger {
	return GetLogger("temporal")
}

// GetDatabaseLogger returns a logger for database operations
func GetDatabaseLogger() zerolog.Logger {
	return GetLogger("database")
}

// GetServerLogger returns a logger for the HTTP API server
func GetServerLogger() zerolog.Logger {
	return GetLogger("server")
}

// GetBillingLogger returns a logger for the billing client
func GetBillingLogger() zerolog.Logger {
	return GetLogger("billing")
}

// GetAgentLogger returns a logger for agent executors
func GetAgentLogger() zerolog.Logger {
	return GetLogger("agent")
}

// GetLockLogger returns a logger for advisory locking
func GetLockLogger() zerolog.Logger {
	return GetLogger("lock")
}

// GetAuditLogger returns a logger for audit sinks
func GetAuditLogger() zerolog.Logger {
	return GetLogger("audit")
}

// GetOrchestratorLogger returns a logger for the top-level orchestrator
func GetOrchestratorLogger() zerolog.Logger {
	return GetLogger("orchestrator")
}
