// Copyright (C) 2025-2026 SpecForge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package common provides shared types used across multiple packages.
package common

// Metadata contains common fields for all events published to API clients.
type Metadata struct {
	// TaskID serves as the correlation ID for task-related operations
	// Optional - only present for task-related events
	TaskID string `json:"task_id,omitempty"`

	// IdempotencyKey is used for event deduplication to handle workflow retries
	// Optional - events without this key will always be processed
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// Version indicates the protocol version for backward compatibility.
	// Format: "v{major}.{minor}.{patch}" (e.g., "v1.0.0")
	Version string `json:"version"`
}

// CurrentProtocolVersion defines the current version of the protocol.
// This should be updated when making breaking changes to the protocol.
const CurrentProtocolVersion = "v1.0.0"

// Event represents events that can be sent from the orchestrator to
// subscribers. Any type implementing this interface can be sent through the
// event channel.
type Event interface {
	GetMetadata() Metadata
}
