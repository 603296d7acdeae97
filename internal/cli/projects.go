// Copyright (C) 2025-2026 SpecForge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"flag"
	"fmt"
	"os"
	"time"
)

// projectsCommand dispatches project subcommands
func projectsCommand(args []string) error {
	if len(args) == 0 {
		return projectsListCommand(nil)
	}

	subcommand := args[0]
	subargs := args[1:]

	switch subcommand {
	case "list":
		return projectsListCommand(subargs)
	case "create":
		return projectsCreateCommand(subargs)
	case "help", "-h", "--help":
		return projectsUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown projects subcommand: %s\n\n", subcommand)
		return projectsUsage()
	}
}

func projectsUsage() error {
	fmt.Printf(`Usage: %s projects <subcommand> [arguments]

Subcommands:
  list             List the tenant's projects (default)
  create           Create a new project
  help             Show this help message

Examples:
  %s projects list
  %s projects create --name "API Gateway" --description "Public REST surface"

`, appName, appName, appName)
	return nil
}

func projectsListCommand(args []string) error {
	fs := flag.NewFlagSet("projects list", flag.ExitOnError)
	connect := connectionFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := connect()
	if err != nil {
		return err
	}

	var result struct {
		Projects []struct {
			ID          string    `json:"id"`
			Name        string    `json:"name"`
			Description string    `json:"description"`
			CreatedAt   time.Time `json:"created_at"`
		} `json:"projects"`
	}
	if err := client.get("/api/v1/projects", &result); err != nil {
		return err
	}

	if len(result.Projects) == 0 {
		fmt.Println("No projects found.")
		fmt.Printf("\nCreate one with:\n  %s projects create --name <name>\n", appName)
		return nil
	}

	fmt.Println()
	fmt.Printf("%-36s  %-25s  %-20s  %s\n", "ID", "NAME", "CREATED", "DESCRIPTION")
	for _, p := range result.Projects {
		name := p.Name
		if len(name) > 25 {
			name = name[:22] + "..."
		}
		fmt.Printf("%-36s  %-25s  %-20s  %s\n",
			p.ID, name, p.CreatedAt.Local().Format("2006-01-02 15:04"), p.Description)
	}
	fmt.Println()
	return nil
}

func projectsCreateCommand(args []string) error {
	fs := flag.NewFlagSet("projects create", flag.ExitOnError)
	name := fs.String("name", "", "Project name (required)")
	description := fs.String("description", "", "Project description")
	connect := connectionFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return fmt.Errorf("--name is required")
	}

	client, err := connect()
	if err != nil {
		return err
	}

	var result struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	body := map[string]string{"name": *name, "description": *description}
	if err := client.post("/api/v1/projects", body, &result); err != nil {
		return err
	}

	fmt.Printf("Project %q created: %s\n", result.Name, result.ID)
	return nil
}
