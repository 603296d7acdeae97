// Copyright (C) 2025-2026 SpecForge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the specforge command line client. Every command
// talks to the API server; the CLI holds no direct database access.
package cli

import (
	"fmt"
	"os"
)

const (
	appName    = "specforge"
	appVersion = "0.1.0-alpha"
)

// Execute runs the CLI application
func Execute() error {
	if len(os.Args) < 2 {
		return printUsage()
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "validate":
		return validateCommand(args)
	case "run":
		return runCommand(args)
	case "runs":
		return runsCommand(args)
	case "cancel":
		return cancelCommand(args)
	case "replay":
		return replayCommand(args)
	case "dead-letters":
		return deadLettersCommand(args)
	case "task":
		return taskCommand(args)
	case "projects":
		return projectsCommand(args)
	case "version":
		fmt.Printf("%s version %s\n", appName, appVersion)
		return nil
	case "help", "-h", "--help":
		return printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		return printUsage()
	}
}

func printUsage() error {
	fmt.Printf(`%s - AI pipeline execution client

Usage:
  %s <command> [arguments]

Commands:
  validate <task-id>      Check whether the tenant can afford a full pipeline
  run <task-id>           Advance the task's pipeline (one step, --all, or --async)
  runs <task-id>          List pipeline runs for a task
  cancel <run-id>         Cancel a running or paused pipeline run
  replay <run-id>         Fork a new run from an existing one
  dead-letters            List steps that exhausted their retries
  task                    Create or show tasks
  projects                List or create projects
  version                 Print version information
  help                    Show this help message

Connection flags (every command):
  --api <url>             API base URL (default $SPECFORGE_API or http://localhost:8080)
  --tenant <id>           Tenant ID (default $SPECFORGE_TENANT)

Examples:
  %s projects create --name "API Gateway"
  %s task create -f task.yaml
  %s validate task_123
  %s run task_123 --all
  %s run task_123 --async
  %s cancel run_456 --reason "changed requirements"
  %s replay run_456 --from-step step_789
  %s dead-letters --limit 20

`, appName, appName, appName, appName, appName, appName, appName, appName, appName, appName)
	return nil
}
