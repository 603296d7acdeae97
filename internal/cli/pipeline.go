// Copyright (C) 2025-2026 SpecForge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"flag"
	"fmt"
	"time"
)

// validateCommand checks pipeline affordability for a task.
func validateCommand(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	connect := connectionFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: %s validate <task-id>", appName)
	}

	client, err := connect()
	if err != nil {
		return err
	}

	var result struct {
		Eligible       bool   `json:"eligible"`
		EstimatedCost  int64  `json:"estimated_cost"`
		CurrentBalance int64  `json:"current_balance"`
		Reason         string `json:"reason"`
	}
	if err := client.post("/api/v1/tasks/"+fs.Arg(0)+"/validate", nil, &result); err != nil {
		return err
	}

	fmt.Printf("Estimated cost:  %d credits\n", result.EstimatedCost)
	fmt.Printf("Current balance: %d credits\n", result.CurrentBalance)
	if result.Eligible {
		fmt.Println("Eligible: yes")
	} else {
		fmt.Printf("Eligible: no (%s)\n", result.Reason)
	}
	return nil
}

// stepResponse mirrors the step endpoint's JSON body.
type stepResponse struct {
	PipelineRunID string `json:"pipeline_run_id"`
	StepRunID     string `json:"step_run_id"`
	StepNumber    int    `json:"step_number"`
	StepType      string `json:"step_type"`
	Status        string `json:"status"`
	ArtifactID    string `json:"artifact_id"`
}

// runCommand advances a task's pipeline: one step by default, all remaining
// steps with --all, or asynchronously via the workflow engine with --async.
func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	all := fs.Bool("all", false, "Keep stepping until the pipeline leaves the running state")
	async := fs.Bool("async", false, "Start the driver workflow and return immediately")
	connect := connectionFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: %s run <task-id> [--all|--async]", appName)
	}
	if *all && *async {
		return fmt.Errorf("--all and --async are mutually exclusive")
	}
	taskID := fs.Arg(0)

	client, err := connect()
	if err != nil {
		return err
	}

	if *async {
		var result struct {
			WorkflowID string `json:"workflow_id"`
		}
		if err := client.post("/api/v1/tasks/"+taskID+"/pipeline", nil, &result); err != nil {
			return err
		}
		fmt.Printf("Pipeline workflow started: %s\n", result.WorkflowID)
		fmt.Printf("Watch progress with: %s runs %s\n", appName, taskID)
		return nil
	}

	const maxSteps = 4
	steps := 1
	if *all {
		steps = maxSteps
	}

	for i := 0; i < steps; i++ {
		var result stepResponse
		if err := client.post("/api/v1/tasks/"+taskID+"/step", nil, &result); err != nil {
			var apiErr *apiError
			if errors.As(err, &apiErr) && apiErr.Code == "AGENT_EXECUTION_FAILED_RETRY_SCHEDULED" {
				fmt.Printf("Step failed; a retry was scheduled. %s\n", apiErr.Message)
				return nil
			}
			return err
		}

		switch result.Status {
		case "completed":
			fmt.Printf("Step %d/%d %s completed (run %s, artifact %s)\n",
				result.StepNumber, maxSteps, result.StepType, result.PipelineRunID, result.ArtifactID)
			if result.StepNumber >= maxSteps {
				fmt.Println("Pipeline completed.")
				return nil
			}
		case "paused_insufficient_credits":
			fmt.Printf("Pipeline paused after step %d: insufficient credits. Top up within 7 days to resume.\n",
				result.StepNumber)
			return nil
		default:
			fmt.Printf("Pipeline stopped with status %q after step %d\n", result.Status, result.StepNumber)
			return nil
		}
	}
	return nil
}

// runsCommand lists the pipeline runs of a task.
func runsCommand(args []string) error {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	connect := connectionFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: %s runs <task-id>", appName)
	}

	client, err := connect()
	if err != nil {
		return err
	}

	var result struct {
		Runs []struct {
			ID          string     `json:"id"`
			Status      string     `json:"status"`
			CurrentStep int        `json:"current_step"`
			StartedAt   time.Time  `json:"started_at"`
			PauseExpiry *time.Time `json:"pause_expires_at"`
		} `json:"runs"`
	}
	if err := client.get("/api/v1/tasks/"+fs.Arg(0)+"/runs", &result); err != nil {
		return err
	}

	if len(result.Runs) == 0 {
		fmt.Println("No pipeline runs found.")
		return nil
	}

	fmt.Println()
	fmt.Printf("%-36s  %-10s  %-5s  %-20s  %s\n", "RUN ID", "STATUS", "STEP", "STARTED", "PAUSE EXPIRES")
	for _, run := range result.Runs {
		expiry := "-"
		if run.PauseExpiry != nil {
			expiry = run.PauseExpiry.Local().Format("2006-01-02 15:04")
		}
		fmt.Printf("%-36s  %-10s  %d/4    %-20s  %s\n",
			run.ID, run.Status, run.CurrentStep,
			run.StartedAt.Local().Format("2006-01-02 15:04"), expiry)
	}
	fmt.Println()
	return nil
}

// cancelCommand cancels a run, preserving completed work.
func cancelCommand(args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	reason := fs.String("reason", "", "Reason recorded in the audit trail")
	connect := connectionFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: %s cancel <run-id> [--reason <text>]", appName)
	}

	client, err := connect()
	if err != nil {
		return err
	}

	var result struct {
		PipelineRunID  string `json:"pipeline_run_id"`
		PreviousStatus string `json:"previous_status"`
		NewStatus      string `json:"new_status"`
		StepsCompleted int    `json:"steps_completed"`
		StepsCancelled int    `json:"steps_cancelled"`
		Message        string `json:"message"`
	}
	body := map[string]string{"reason": *reason}
	if err := client.post("/api/v1/runs/"+fs.Arg(0)+"/cancel", body, &result); err != nil {
		return err
	}

	fmt.Println(result.Message)
	return nil
}

// replayCommand forks a new run from an existing one.
func replayCommand(args []string) error {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	fromStep := fs.String("from-step", "", "Step run ID to start the new run from")
	preserve := fs.Bool("preserve-approved", false, "Record that approved artifacts should be preserved")
	connect := connectionFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: %s replay <run-id> [--from-step <step-id>]", appName)
	}

	client, err := connect()
	if err != nil {
		return err
	}

	var result struct {
		NewPipelineRunID string `json:"new_pipeline_run_id"`
		Status           string `json:"status"`
		StartedFromStep  string `json:"started_from_step"`
	}
	body := map[string]interface{}{
		"from_step_id":                *fromStep,
		"preserve_approved_artifacts": *preserve,
	}
	if err := client.post("/api/v1/runs/"+fs.Arg(0)+"/replay", body, &result); err != nil {
		return err
	}

	fmt.Printf("New run %s created (%s), starting from %s\n",
		result.NewPipelineRunID, result.Status, result.StartedFromStep)
	return nil
}

// deadLettersCommand lists steps that exhausted their retries.
func deadLettersCommand(args []string) error {
	fs := flag.NewFlagSet("dead-letters", flag.ExitOnError)
	limit := fs.Int("limit", 50, "Maximum number of events to list")
	connect := connectionFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := connect()
	if err != nil {
		return err
	}

	var result struct {
		DeadLetters []struct {
			ID            string    `json:"id"`
			PipelineRunID string    `json:"pipeline_run_id"`
			StepRunID     string    `json:"step_run_id"`
			FailureReason string    `json:"failure_reason"`
			RetryCount    int       `json:"retry_count"`
			CreatedAt     time.Time `json:"created_at"`
		} `json:"dead_letters"`
	}
	if err := client.get(fmt.Sprintf("/api/v1/dead-letters?limit=%d", *limit), &result); err != nil {
		return err
	}

	if len(result.DeadLetters) == 0 {
		fmt.Println("No dead-letter events.")
		return nil
	}

	fmt.Println()
	fmt.Printf("%-36s  %-36s  %-7s  %-20s  %s\n", "RUN ID", "STEP RUN ID", "RETRIES", "CREATED", "REASON")
	for _, dl := range result.DeadLetters {
		reason := dl.FailureReason
		if len(reason) > 60 {
			reason = reason[:57] + "..."
		}
		fmt.Printf("%-36s  %-36s  %-7d  %-20s  %s\n",
			dl.PipelineRunID, dl.StepRunID, dl.RetryCount,
			dl.CreatedAt.Local().Format("2006-01-02 15:04"), reason)
	}
	fmt.Println()
	return nil
}
