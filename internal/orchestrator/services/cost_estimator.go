// Copyright (C) 2025-2026 SpecForge
// SPDX-License-Identifier: AGPL-3.0-or-later

package services

import (
	"github.com/specforge/specforge/internal/orchestrator/models"
)

// FullPipelineCostCredits is the flat cost of executing all four steps.
const FullPipelineCostCredits int64 = 150

var stepCosts = map[models.StepType]int64{
	models.StepTypeAnalysis:     50,
	models.StepTypeUserStories:  30,
	models.StepTypeCodeSkeleton: 40,
	models.StepTypeTestCases:    30,
}

// CostEstimator prices pipeline executions from a fixed table.
type CostEstimator struct{}

// NewCostEstimator creates a CostEstimator.
func NewCostEstimator() *CostEstimator {
	return &CostEstimator{}
}

// EstimatePipelineCost returns the cost of a full four-step pipeline.
func (e *CostEstimator) EstimatePipelineCost() int64 {
	return FullPipelineCostCredits
}

// EstimateStepCost returns the cost of a single step; unknown step types
// cost nothing.
func (e *CostEstimator) EstimateStepCost(stepType models.StepType) int64 {
	return stepCosts[stepType]
}
