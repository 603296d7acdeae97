// Copyright (C) 2025-2026 SpecForge
// SPDX-License-Identifier: AGPL-3.0-or-later

package temporal

import (
	"context"
	"fmt"
	"time"

	"github.com/specforge/specforge/internal/orchestrator/temporal/types"
)

// RetryScheduler launches StepRetryWorkflow executions for re-armed steps.
// The workflow ID embeds the step run and retry count, so a duplicate
// schedule of the same attempt is rejected by the server rather than
// executed twice.
type RetryScheduler struct {
	client      *Client
	backoffBase time.Duration
	backoffCap  time.Duration
}

// NewRetryScheduler creates a scheduler with exponential backoff parameters.
func NewRetryScheduler(client *Client, backoffBase, backoffCap time.Duration) *RetryScheduler {
	if backoffBase <= 0 {
		backoffBase = 30 * time.Second
	}
	if backoffCap <= 0 {
		backoffCap = 10 * time.Minute
	}
	return &RetryScheduler{
		client:      client,
		backoffBase: backoffBase,
		backoffCap:  backoffCap,
	}
}

// BackoffFor returns base * 2^(retryCount-1), capped.
func (s *RetryScheduler) BackoffFor(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	backoff := s.backoffBase
	for i := 1; i < retryCount; i++ {
		backoff *= 2
		if backoff >= s.backoffCap {
			return s.backoffCap
		}
	}
	if backoff > s.backoffCap {
		return s.backoffCap
	}
	return backoff
}

// ScheduleRetry starts the retry workflow for the given attempt.
func (s *RetryScheduler) ScheduleRetry(ctx context.Context, taskID, tenantID, stepRunID string, retryCount int) error {
	workflowID := fmt.Sprintf("retry-%s-%d", stepRunID, retryCount)
	_, err := s.client.StartWorkflow(ctx, workflowID, types.StepRetryWorkflowName, types.StepRetryInput{
		TaskID:     taskID,
		TenantID:   tenantID,
		StepRunID:  stepRunID,
		RetryCount: retryCount,
		Backoff:    s.BackoffFor(retryCount),
	})
	if err != nil {
		return fmt.Errorf("failed to schedule retry workflow %s: %w", workflowID, err)
	}

	getTemporalLog().Info().
		Str("workflow_id", workflowID).
		Str("step_run_id", stepRunID).
		Int("retry_count", retryCount).
		Dur("backoff", s.BackoffFor(retryCount)).
		Msg("Retry workflow scheduled")
	return nil
}
