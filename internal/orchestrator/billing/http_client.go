// Copyright (C) 2025-2026 SpecForge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package billing implements the HTTP client for the external credits
// service. All failures are mapped onto the two error shapes the pipeline
// core dispatches on: InsufficientCreditsError for a 402 and
// ErrBillingUnavailable for anything that suggests the service itself is
// unhealthy (timeouts, 5xx, open circuit breaker).
package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/specforge/specforge/internal/config"
	"github.com/specforge/specforge/internal/logger"
	"github.com/specforge/specforge/internal/orchestrator/services"
)

var (
	billingLog     *zerolog.Logger
	billingLogOnce sync.Once
)

func getBillingLog() *zerolog.Logger {
	billingLogOnce.Do(func() {
		l := logger.GetBillingLogger().With().Str("component", "http_client").Logger()
		billingLog = &l
	})
	return billingLog
}

// HTTPBillingClient talks to the credits service over HTTP with a circuit
// breaker in front of every call.
type HTTPBillingClient struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

var _ services.BillingClient = (*HTTPBillingClient)(nil)

// NewHTTPBillingClient creates a client from config. The breaker opens after
// BreakerThreshold consecutive failures and probes again after
// BreakerCooldown.
func NewHTTPBillingClient(cfg *config.BillingConfig) *HTTPBillingClient {
	threshold := cfg.BreakerThreshold
	if threshold == 0 {
		threshold = 5
	}
	cooldown := cfg.BreakerCooldown
	if cooldown == 0 {
		cooldown = 30 * time.Second
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "billing",
		Timeout: cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			getBillingLog().Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Billing circuit breaker state changed")
		},
	})

	return &HTTPBillingClient{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: timeout},
		breaker: breaker,
	}
}

type balanceResponse struct {
	TenantID string `json:"tenant_id"`
	Credits  int64  `json:"credits"`
}

type consumeRequest struct {
	TenantID       string                 `json:"tenant_id"`
	Amount         int64                  `json:"amount"`
	IdempotencyKey string                 `json:"idempotency_key"`
	ReferenceType  string                 `json:"reference_type"`
	ReferenceID    string                 `json:"reference_id"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

type insufficientResponse struct {
	Required int64 `json:"required"`
	Balance  int64 `json:"balance"`
}

// GetBalance fetches the tenant's current credit balance.
func (c *HTTPBillingClient) GetBalance(ctx context.Context, tenantID string) (*services.Balance, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		url := fmt.Sprintf("%s/v1/tenants/%s/balance", c.baseURL, tenantID)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("credits service returned %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return nil, &statusError{code: resp.StatusCode, body: string(body)}
		}

		var balance balanceResponse
		if err := json.NewDecoder(resp.Body).Decode(&balance); err != nil {
			return nil, fmt.Errorf("failed to decode balance response: %w", err)
		}
		return &services.Balance{TenantID: balance.TenantID, Credits: balance.Credits}, nil
	})
	if err != nil {
		return nil, c.classify(err)
	}
	return result.(*services.Balance), nil
}

// ConsumeCredits charges the tenant. The idempotency key travels both as a
// header and in the body so the credits service can deduplicate retried
// charges.
func (c *HTTPBillingClient) ConsumeCredits(ctx context.Context, params services.ConsumeCreditsParams) error {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		payload, err := json.Marshal(consumeRequest{
			TenantID:       params.TenantID,
			Amount:         params.Amount,
			IdempotencyKey: params.IdempotencyKey,
			ReferenceType:  params.ReferenceType,
			ReferenceID:    params.ReferenceID,
			Metadata:       params.Metadata,
		})
		if err != nil {
			return nil, err
		}

		url := fmt.Sprintf("%s/v1/credits/consume", c.baseURL)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", params.IdempotencyKey)

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
			return nil, nil
		case resp.StatusCode == http.StatusPaymentRequired:
			var detail insufficientResponse
			_ = json.NewDecoder(resp.Body).Decode(&detail)
			// A domain rejection, not a service failure; the breaker must not
			// count it.
			return &services.InsufficientCreditsError{
				TenantID: params.TenantID,
				Required: detail.Required,
				Balance:  detail.Balance,
			}, nil
		case resp.StatusCode >= 500:
			return nil, fmt.Errorf("credits service returned %d", resp.StatusCode)
		default:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return nil, &statusError{code: resp.StatusCode, body: string(body)}
		}
	})
	if err != nil {
		return c.classify(err)
	}
	if rejection, ok := result.(error); ok {
		return rejection
	}
	return nil
}

// classify maps transport-level failures onto ErrBillingUnavailable while
// leaving domain rejections (4xx) intact.
func (c *HTTPBillingClient) classify(err error) error {
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		getBillingLog().Warn().Msg("Billing call short-circuited by open breaker")
		return fmt.Errorf("%w: circuit breaker open", services.ErrBillingUnavailable)
	}
	if statusErr, ok := err.(*statusError); ok {
		return statusErr
	}
	// Network errors, timeouts and 5xx all land here.
	return fmt.Errorf("%w: %v", services.ErrBillingUnavailable, err)
}

// statusError is a non-5xx HTTP failure surfaced verbatim to callers.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("credits service rejected request: status %d: %s", e.code, e.body)
}
