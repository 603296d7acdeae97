// Copyright (C) 2025-2026 SpecForge
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/specforge/specforge/internal/config"
	"github.com/specforge/specforge/internal/orchestrator/models"
	"github.com/specforge/specforge/internal/orchestrator/services"
	"github.com/specforge/specforge/internal/tui/components/deadletterfeed"
)

func main() {
	events := loadDeadLetters()
	component := deadletterfeed.New(100, 20).SetEvents(events)
	fmt.Println(component.View())
}

func loadDeadLetters() []models.DeadLetterEvent {
	cfg, err := config.NewConfig("config.yaml")
	if err != nil {
		return mockData()
	}

	dataService, err := services.NewDataService(cfg)
	if err != nil {
		return mockData()
	}
	defer dataService.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	events, err := dataService.ListDeadLetters(ctx, 50)
	if err != nil || len(events) == 0 {
		return mockData()
	}
	return events
}

func mockData() []models.DeadLetterEvent {
	now := time.Now()
	return []models.DeadLetterEvent{
		{
			ID:            "dl_0a1b2c3d4e5f",
			PipelineRunID: "run_9f8e7d6c5b4a",
			StepRunID:     "step_1122334455",
			FailureReason: "agent request timed out after 3 attempts",
			RetryCount:    3,
			Context: models.JSONMap{
				"step_type": "CODE_SKELETON",
				"tenant_id": "tenant_demo",
			},
			CreatedAt: now.Add(-42 * time.Minute),
		},
		{
			ID:            "dl_f5e4d3c2b1a0",
			PipelineRunID: "run_a0b1c2d3e4f5",
			StepRunID:     "step_5544332211",
			FailureReason: "model returned malformed artifact payload",
			RetryCount:    3,
			Context: models.JSONMap{
				"step_type": "ANALYSIS",
				"tenant_id": "tenant_demo",
			},
			CreatedAt: now.Add(-5 * time.Minute),
		},
	}
}
