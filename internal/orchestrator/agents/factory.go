// Copyright (C) 2025-2026 SpecForge
// SPDX-License-Identifier: AGPL-3.0-or-later

package agents

import (
	"fmt"

	"github.com/specforge/specforge/internal/config"
	"github.com/specforge/specforge/internal/orchestrator/services"
)

// NewExecutor builds the executor selected by agent.provider.
func NewExecutor(cfg *config.AgentConfig) (services.AgentExecutor, error) {
	switch cfg.Provider {
	case "anthropic":
		return NewAnthropicExecutorFromConfig(cfg)
	case "static":
		return NewStaticExecutor(), nil
	default:
		return nil, fmt.Errorf("unknown agent provider: %s", cfg.Provider)
	}
}
