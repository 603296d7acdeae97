// Copyright (C) 2025-2026 SpecForge
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

// StepType identifies one of the four fixed pipeline stages.
type StepType string

const (
	StepTypeAnalysis     StepType = "ANALYSIS"
	StepTypeUserStories  StepType = "USER_STORIES"
	StepTypeCodeSkeleton StepType = "CODE_SKELETON"
	StepTypeTestCases    StepType = "TEST_CASES"
)

// AgentType identifies the agent persona that executes a step.
type AgentType string

const (
	AgentTypeArchitect AgentType = "ARCHITECT"
	AgentTypePM        AgentType = "PM"
	AgentTypeEngineer  AgentType = "ENGINEER"
	AgentTypeQA        AgentType = "QA"
)

// TotalPipelineSteps is the fixed length of the generation pipeline.
const TotalPipelineSteps = 4

// The step number ↔ step type ↔ agent type mapping lives here and only here.
// stepOrder is 1-based; index 0 is unused padding.
var stepOrder = [TotalPipelineSteps + 1]StepType{
	"", StepTypeAnalysis, StepTypeUserStories, StepTypeCodeSkeleton, StepTypeTestCases,
}

var stepAgents = map[StepType]AgentType{
	StepTypeAnalysis:     AgentTypeArchitect,
	StepTypeUserStories:  AgentTypePM,
	StepTypeCodeSkeleton: AgentTypeEngineer,
	StepTypeTestCases:    AgentTypeQA,
}

// StepTypeForNumber returns the step type for a 1-based step number.
// The second return value is false for numbers outside 1..4.
func StepTypeForNumber(n int) (StepType, bool) {
	if n < 1 || n > TotalPipelineSteps {
		return "", false
	}
	return stepOrder[n], true
}

// Number returns the 1-based position of the step type in the pipeline,
// or 0 for an unknown type.
func (st StepType) Number() int {
	for n := 1; n <= TotalPipelineSteps; n++ {
		if stepOrder[n] == st {
			return n
		}
	}
	return 0
}

// Agent returns the agent persona responsible for executing this step type.
func (st StepType) Agent() AgentType {
	return stepAgents[st]
}

// Valid reports whether st is one of the four pipeline step types.
func (st StepType) Valid() bool {
	return st.Number() != 0
}

// NormalizeStepName maps a lower/snake-case step name (as stored by older
// records) to the canonical StepType, e.g. "user_stories" → USER_STORIES.
func NormalizeStepName(name string) (StepType, bool) {
	switch name {
	case "analysis", string(StepTypeAnalysis):
		return StepTypeAnalysis, true
	case "user_stories", string(StepTypeUserStories):
		return StepTypeUserStories, true
	case "code_skeleton", string(StepTypeCodeSkeleton):
		return StepTypeCodeSkeleton, true
	case "test_cases", string(StepTypeTestCases):
		return StepTypeTestCases, true
	default:
		return "", false
	}
}
