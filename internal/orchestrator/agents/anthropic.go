// Copyright (C) 2025-2026 SpecForge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package agents implements the AgentExecutor port: the Anthropic-backed
// executor used in production and a static executor for tests and offline
// development.
package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog"

	"github.com/specforge/specforge/internal/config"
	"github.com/specforge/specforge/internal/logger"
	"github.com/specforge/specforge/internal/orchestrator/models"
	"github.com/specforge/specforge/internal/orchestrator/services"
)

var (
	agentLog     *zerolog.Logger
	agentLogOnce sync.Once
)

func getAgentLog() *zerolog.Logger {
	agentLogOnce.Do(func() {
		l := logger.GetAgentLogger().With().Str("component", "executor").Logger()
		agentLog = &l
	})
	return agentLog
}

// MessagesClient is the subset of the Anthropic SDK used by the executor.
// *sdk.MessageService satisfies it; tests pass a mock.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicExecutor runs pipeline steps against the Claude Messages API with
// a persona-specific system prompt per agent type.
type AnthropicExecutor struct {
	messages  MessagesClient
	model     string
	maxTokens int64
}

var _ services.AgentExecutor = (*AnthropicExecutor)(nil)

// NewAnthropicExecutor wires an executor over an existing messages client.
func NewAnthropicExecutor(messages MessagesClient, model string, maxTokens int) (*AnthropicExecutor, error) {
	if messages == nil {
		return nil, errors.New("anthropic messages client is required")
	}
	if model == "" {
		return nil, errors.New("model identifier is required")
	}
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	return &AnthropicExecutor{
		messages:  messages,
		model:     model,
		maxTokens: int64(maxTokens),
	}, nil
}

// NewAnthropicExecutorFromConfig builds the SDK client from config. An empty
// APIKey falls back to the ANTHROPIC_API_KEY environment variable.
func NewAnthropicExecutorFromConfig(cfg *config.AgentConfig) (*AnthropicExecutor, error) {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	client := sdk.NewClient(opts...)
	return NewAnthropicExecutor(&client.Messages, cfg.Model, cfg.MaxTokens)
}

// Execute runs one step through the Messages API and maps the response onto
// the executor result shape. Cost estimation is left at zero; the pipeline
// core falls back to its static step price table.
func (e *AnthropicExecutor) Execute(ctx context.Context, agentType models.AgentType, inputs services.AgentInputs) (*services.AgentResult, error) {
	systemPrompt, ok := systemPrompts[agentType]
	if !ok {
		return nil, fmt.Errorf("no persona defined for agent type %s", agentType)
	}
	userPrompt, err := renderUserPrompt(inputs)
	if err != nil {
		return nil, err
	}

	msg, err := e.messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(e.model),
		MaxTokens: e.maxTokens,
		System:    []sdk.TextBlockParam{{Text: systemPrompt}},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	output := sb.String()
	if output == "" {
		return nil, fmt.Errorf("agent %s returned an empty response", agentType)
	}

	getAgentLog().Debug().
		Str("agent_type", string(agentType)).
		Str("model", string(msg.Model)).
		Int64("prompt_tokens", msg.Usage.InputTokens).
		Int64("completion_tokens", msg.Usage.OutputTokens).
		Msg("Agent invocation completed")

	return &services.AgentResult{
		Output:           output,
		Model:            string(msg.Model),
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
	}, nil
}
