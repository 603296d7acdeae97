// Copyright (C) 2025-2026 SpecForge
// SPDX-License-Identifier: AGPL-3.0-or-later

package agents

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/specforge/specforge/internal/orchestrator/models"
	"github.com/specforge/specforge/internal/orchestrator/services"
)

// systemPrompts define each agent persona. The persona decides what the step
// produces; the user prompt carries the task material.
var systemPrompts = map[models.AgentType]string{
	models.AgentTypeArchitect: "You are a senior software architect. Analyze the task specification and produce " +
		"a structured technical analysis: goals, constraints, proposed architecture, key risks and open questions. " +
		"Respond in markdown.",
	models.AgentTypePM: "You are a product manager. Based on the task specification and the prior analysis, " +
		"write user stories with acceptance criteria in the form: As a <role>, I want <capability>, so that <benefit>. " +
		"Respond in markdown.",
	models.AgentTypeEngineer: "You are a senior software engineer. Based on the task specification and prior " +
		"pipeline outputs, produce a code skeleton: package layout, types, function signatures and interface " +
		"definitions with brief doc comments. Respond in markdown with fenced code blocks.",
	models.AgentTypeQA: "You are a QA engineer. Based on the task specification and prior pipeline outputs, " +
		"write a test plan: test cases with preconditions, steps and expected results, covering happy paths and " +
		"edge cases. Respond in markdown.",
}

var userPromptTemplate = template.Must(template.New("user_prompt").Parse(
	`# Task: {{.Title}}

## Specification
{{.Spec}}

## Pipeline context
{{.Snapshot}}
`))

// renderUserPrompt builds the per-step user message from the frozen inputs.
func renderUserPrompt(inputs services.AgentInputs) (string, error) {
	spec, err := json.MarshalIndent(map[string]interface{}(inputs.TaskSpec), "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode task spec: %w", err)
	}
	snapshot, err := json.MarshalIndent(map[string]interface{}(inputs.InputSnapshot), "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode input snapshot: %w", err)
	}

	var sb strings.Builder
	err = userPromptTemplate.Execute(&sb, struct {
		Title    string
		Spec     string
		Snapshot string
	}{
		Title:    inputs.TaskTitle,
		Spec:     string(spec),
		Snapshot: string(snapshot),
	})
	if err != nil {
		return "", fmt.Errorf("failed to render user prompt: %w", err)
	}
	return sb.String(), nil
}
