// Copyright (C) 2025-2026 SpecForge
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"fmt"
	"os"

	"github.com/specforge/specforge/internal/config"
	"github.com/specforge/specforge/internal/orchestrator/database"
)

func main() {
	cfg, err := config.NewConfig("config.yaml")
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	db, err := database.NewGormDB(&cfg.Database)
	if err != nil {
		fmt.Printf("Error connecting to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	fmt.Println("Starting database migration...")
	fmt.Printf("Database: %s\n", cfg.Database.GetDSN())

	if err := db.AutoMigrate(); err != nil {
		fmt.Printf("Migration failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Database migration completed.")

	// Confirm the migrated schema matches the model definitions.
	if err := db.ValidateSchema(); err != nil {
		fmt.Printf("Warning: schema validation failed after migration: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Schema validation passed - database is ready to use.")
}
