// Copyright (C) 2025-2026 SpecForge
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

// Scoping accessors allow the API server's WebSocket filter to match events
// without maintaining an exhaustive type switch.

func (e PipelineLifecycleEvent) GetProjectID() string { return e.ProjectID }
func (e PipelineLifecycleEvent) GetTaskID() string    { return e.TaskID }
func (e PipelineLifecycleEvent) GetRunID() string     { return e.RunID }
