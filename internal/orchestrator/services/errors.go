// Copyright (C) 2025-2026 SpecForge
// SPDX-License-Identifier: AGPL-3.0-or-later

package services

import (
	"errors"
	"fmt"
)

// Stable error codes surfaced by the pipeline core. These strings are part of
// the API contract; callers dispatch on them.
const (
	CodeTaskNotFound        = "TASK_NOT_FOUND"
	CodePipelineNotFound    = "PIPELINE_NOT_FOUND"
	CodePipelineRunNotFound = "PIPELINE_RUN_NOT_FOUND"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeCannotCancel        = "CANNOT_CANCEL_COMPLETED"
	CodePipelineCancelled   = "PIPELINE_CANCELLED"
	CodeAgentFailed         = "AGENT_EXECUTION_FAILED"
	CodeAgentFailedRetry    = "AGENT_EXECUTION_FAILED_RETRY_SCHEDULED"
	CodeBillingUnavailable  = "BILLING_SERVICE_UNAVAILABLE"
	CodeBalanceCheckFailed  = "BALANCE_CHECK_FAILED"
	CodeValidationError     = "VALIDATION_ERROR"
	CodeExecutionError      = "PIPELINE_EXECUTION_ERROR"
)

// PipelineError is the structured error returned across use-case boundaries.
// Code is one of the stable strings above; Reason optionally carries the
// underlying cause for diagnostics.
type PipelineError struct {
	Code    string
	Message string
	Reason  string
}

func (e *PipelineError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewPipelineError creates a PipelineError with the given code and message.
func NewPipelineError(code, message string) *PipelineError {
	return &PipelineError{Code: code, Message: message}
}

// NewPipelineErrorf creates a PipelineError with a formatted message.
func NewPipelineErrorf(code, format string, args ...interface{}) *PipelineError {
	return &PipelineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithReason attaches the underlying cause and returns the error.
func (e *PipelineError) WithReason(reason string) *PipelineError {
	e.Reason = reason
	return e
}

// ErrorCode extracts the stable code from an error, or CodeExecutionError for
// anything that is not a PipelineError.
func ErrorCode(err error) string {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return CodeExecutionError
}

// IsDomainRejection reports whether the error is a pure domain rejection
// (no state was mutated and retrying the same request cannot succeed).
func IsDomainRejection(err error) bool {
	switch ErrorCode(err) {
	case CodeTaskNotFound, CodePipelineNotFound, CodePipelineRunNotFound,
		CodeUnauthorized, CodeCannotCancel, CodePipelineCancelled:
		return true
	}
	return false
}

// InsufficientCreditsError is signalled by the billing client when the
// tenant's balance is below the requested amount.
type InsufficientCreditsError struct {
	TenantID string
	Required int64
	Balance  int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits for tenant %s: required %d, balance %d",
		e.TenantID, e.Required, e.Balance)
}

// ErrBillingUnavailable is returned by the billing client when the credits
// service cannot be reached (timeouts, 5xx, open circuit breaker).
var ErrBillingUnavailable = errors.New("billing service unavailable")
