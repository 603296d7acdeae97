// Copyright (C) 2025-2026 SpecForge
// SPDX-License-Identifier: AGPL-3.0-or-later

// seedtask is a development harness: it seeds a project and task for a test
// tenant, then drives the pipeline step by step while printing lifecycle
// events. Useful for exercising the full stack without the API server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/specforge/specforge/internal/config"
	"github.com/specforge/specforge/internal/logger"
	"github.com/specforge/specforge/internal/orchestrator"
	"github.com/specforge/specforge/internal/orchestrator/models"
	"github.com/specforge/specforge/internal/orchestrator/services"
	"github.com/specforge/specforge/internal/protocol"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	tenantID := flag.String("tenant", "dev-tenant", "Tenant to seed")
	title := flag.String("title", "Dev Test Task", "Task title")
	steps := flag.Int("steps", models.TotalPipelineSteps, "Number of steps to execute")
	flag.Parse()

	cfg, err := config.NewConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := logger.Initialize(&cfg.Log); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.CloseGlobal()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventChan := make(chan protocol.Event, cfg.Pipeline.EventBufferSize)
	orch, err := orchestrator.New(cfg, eventChan)
	if err != nil {
		log.Fatalf("Failed to create orchestrator: %v", err)
	}
	defer orch.Close()
	go orch.Run(ctx)

	// Print lifecycle events as the pipeline progresses.
	go func() {
		start := time.Now()
		for event := range eventChan {
			if evt, ok := event.(protocol.PipelineLifecycleEvent); ok {
				elapsed := time.Since(start).Round(time.Millisecond)
				fmt.Printf("[%s] %s run=%s step=%d %s\n",
					elapsed, evt.Type, evt.RunID, evt.StepNumber, evt.StepType)
			}
		}
	}()

	data := orch.DataService()
	project, err := data.CreateProject(ctx, *tenantID, "Dev Project", "Seeded by seedtask")
	if err != nil {
		log.Fatalf("Failed to create project: %v", err)
	}
	fmt.Printf("Project: %s (%s)\n", project.Name, project.ID)

	task, err := data.CreateTask(ctx, *tenantID, project.ID, *title, models.JSONMap{
		"language":    "go",
		"description": "Seeded development task",
	})
	if err != nil {
		log.Fatalf("Failed to create task: %v", err)
	}
	fmt.Printf("Task: %s (%s)\n", task.Title, task.ID)

	pipeline := orch.PipelineService()
	for i := 0; i < *steps; i++ {
		result, err := pipeline.RunStep(ctx, services.RunStepParams{
			TaskID:   task.ID,
			TenantID: *tenantID,
		})
		if err != nil {
			log.Fatalf("Step failed: %v", err)
		}
		fmt.Printf("Step %d/%d %s: %s (artifact %s)\n",
			result.StepNumber, models.TotalPipelineSteps,
			result.StepType, result.Status, result.ArtifactID)
		if result.Status != "completed" || result.StepNumber >= models.TotalPipelineSteps {
			break
		}
	}

	// Give the broadcaster a beat to drain before shutdown.
	time.Sleep(200 * time.Millisecond)
	fmt.Println("Done.")
}
