// Copyright (C) 2025-2026 SpecForge
// SPDX-License-Identifier: AGPL-3.0-or-later

package agents

import (
	"context"
	"fmt"
	"sync"

	"github.com/specforge/specforge/internal/orchestrator/models"
	"github.com/specforge/specforge/internal/orchestrator/services"
)

// StaticExecutor produces deterministic canned outputs without calling any
// model. Used for local development, seeding and integration tests.
type StaticExecutor struct {
	mu sync.Mutex

	// FailNext makes the next n Execute calls fail transiently.
	failNext int
	calls    int
}

var _ services.AgentExecutor = (*StaticExecutor)(nil)

// NewStaticExecutor creates a StaticExecutor.
func NewStaticExecutor() *StaticExecutor {
	return &StaticExecutor{}
}

// FailNext arms n transient failures ahead of the next Execute calls.
func (e *StaticExecutor) FailNext(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failNext = n
}

// Calls reports how many times Execute was invoked.
func (e *StaticExecutor) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

var staticOutputs = map[models.AgentType]string{
	models.AgentTypeArchitect: "# Technical Analysis\n\n## Goals\n- Deliver the requested system.\n\n" +
		"## Architecture\n- Layered service with a storage backend.\n\n## Risks\n- None identified in static mode.\n",
	models.AgentTypePM: "# User Stories\n\n1. As a user, I want the core feature, so that I get value.\n" +
		"   - Acceptance: the feature works end to end.\n",
	models.AgentTypeEngineer: "# Code Skeleton\n\n```go\npackage app\n\n// Service is the entry point.\n" +
		"type Service struct{}\n\nfunc New() *Service { return &Service{} }\n```\n",
	models.AgentTypeQA: "# Test Cases\n\n1. Happy path: given valid input, the operation succeeds.\n" +
		"2. Edge case: given empty input, the operation rejects with a validation error.\n",
}

// Execute returns the canned output for the agent type.
func (e *StaticExecutor) Execute(_ context.Context, agentType models.AgentType, inputs services.AgentInputs) (*services.AgentResult, error) {
	e.mu.Lock()
	e.calls++
	fail := e.failNext > 0
	if fail {
		e.failNext--
	}
	e.mu.Unlock()

	if fail {
		return nil, fmt.Errorf("static executor: simulated transient failure for %s", agentType)
	}

	output, ok := staticOutputs[agentType]
	if !ok {
		return nil, fmt.Errorf("no static output defined for agent type %s", agentType)
	}
	return &services.AgentResult{
		Output:           fmt.Sprintf("%s\n<!-- task: %s -->\n", output, inputs.TaskTitle),
		Model:            "static",
		PromptTokens:     100,
		CompletionTokens: 250,
	}, nil
}
