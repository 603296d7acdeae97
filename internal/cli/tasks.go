// Copyright (C) 2025-2026 SpecForge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// taskCommand dispatches task subcommands
func taskCommand(args []string) error {
	if len(args) == 0 {
		return taskUsage()
	}

	subcommand := args[0]
	subargs := args[1:]

	switch subcommand {
	case "create":
		return taskCreateCommand(subargs)
	case "show":
		return taskShowCommand(subargs)
	case "help", "-h", "--help":
		return taskUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown task subcommand: %s\n\n", subcommand)
		return taskUsage()
	}
}

func taskUsage() error {
	fmt.Printf(`Usage: %s task <subcommand> [arguments]

Subcommands:
  create           Create a task from flags or a YAML file
  show <task-id>   Show task details and input spec
  help             Show this help message

Examples:
  %s task create --project proj_123 --title "Build REST API"
  %s task create -f task.yaml
  %s task show task_456

Task file format (YAML):
  project_id: proj_123
  title: Build REST API
  input_spec:
    language: go
    framework: chi

`, appName, appName, appName, appName)
	return nil
}

// taskFile is the YAML shape accepted by task create -f.
type taskFile struct {
	ProjectID string                 `yaml:"project_id"`
	Title     string                 `yaml:"title"`
	InputSpec map[string]interface{} `yaml:"input_spec"`
}

func taskCreateCommand(args []string) error {
	fs := flag.NewFlagSet("task create", flag.ExitOnError)
	file := fs.String("f", "", "Path to a YAML task definition")
	project := fs.String("project", "", "Project ID (ignored when -f is given)")
	title := fs.String("title", "", "Task title (ignored when -f is given)")
	connect := connectionFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	var def taskFile
	if *file != "" {
		data, err := os.ReadFile(*file)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", *file, err)
		}
		if err := yaml.Unmarshal(data, &def); err != nil {
			return fmt.Errorf("failed to parse %s: %w", *file, err)
		}
	} else {
		def.ProjectID = *project
		def.Title = *title
	}
	if def.ProjectID == "" {
		return fmt.Errorf("project is required: pass --project or set project_id in the task file")
	}
	if def.Title == "" {
		return fmt.Errorf("title is required: pass --title or set title in the task file")
	}

	client, err := connect()
	if err != nil {
		return err
	}

	var result struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	}
	body := map[string]interface{}{
		"title":      def.Title,
		"input_spec": def.InputSpec,
	}
	path := "/api/v1/projects/" + def.ProjectID + "/tasks"
	if err := client.post(path, body, &result); err != nil {
		return err
	}

	fmt.Printf("Task %q created: %s\n", result.Title, result.ID)
	fmt.Printf("Check affordability with: %s validate %s\n", appName, result.ID)
	return nil
}

func taskShowCommand(args []string) error {
	fs := flag.NewFlagSet("task show", flag.ExitOnError)
	connect := connectionFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: %s task show <task-id>", appName)
	}

	client, err := connect()
	if err != nil {
		return err
	}

	var task struct {
		ID        string                 `json:"id"`
		ProjectID string                 `json:"project_id"`
		Title     string                 `json:"title"`
		InputSpec map[string]interface{} `json:"input_spec"`
		Status    string                 `json:"status"`
		CreatedAt time.Time              `json:"created_at"`
	}
	if err := client.get("/api/v1/tasks/"+fs.Arg(0), &task); err != nil {
		return err
	}

	fmt.Println()
	fmt.Printf("Task:    %s\n", task.ID)
	fmt.Printf("Title:   %s\n", task.Title)
	fmt.Printf("Project: %s\n", task.ProjectID)
	fmt.Printf("Status:  %s\n", task.Status)
	fmt.Printf("Created: %s\n", task.CreatedAt.Local().Format("2006-01-02 15:04"))
	if len(task.InputSpec) > 0 {
		fmt.Println("Input spec:")
		keys := make([]string, 0, len(task.InputSpec))
		for k := range task.InputSpec {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("  %s: %v\n", k, task.InputSpec[k])
		}
	}
	fmt.Println()
	return nil
}
