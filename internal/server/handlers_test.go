// Copyright (C) 2025-2026 SpecForge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specforge/specforge/internal/config"
	"github.com/specforge/specforge/internal/orchestrator/agents"
	"github.com/specforge/specforge/internal/orchestrator/database"
	"github.com/specforge/specforge/internal/orchestrator/models"
	"github.com/specforge/specforge/internal/orchestrator/services"
)

const testTenant = "tenant_abc"

type fakeBilling struct {
	mu       sync.Mutex
	balances map[string]int64
	getErr   error
}

func (f *fakeBilling) GetBalance(_ context.Context, tenantID string) (*services.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &services.Balance{TenantID: tenantID, Credits: f.balances[tenantID]}, nil
}

func (f *fakeBilling) ConsumeCredits(_ context.Context, params services.ConsumeCreditsParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	balance := f.balances[params.TenantID]
	if balance < params.Amount {
		return &services.InsufficientCreditsError{
			TenantID: params.TenantID,
			Required: params.Amount,
			Balance:  balance,
		}
	}
	f.balances[params.TenantID] = balance - params.Amount
	return nil
}

type testServer struct {
	srv     *httptest.Server
	db      *database.GormDB
	billing *fakeBilling
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := database.NewGormDB(&config.DatabaseConfig{Driver: "sqlite", Database: dsn})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate())
	t.Cleanup(func() { _ = db.Close() })

	billing := &fakeBilling{balances: map[string]int64{testTenant: 1000}}

	pipeline := services.NewPipelineService(services.PipelineServiceDeps{
		Tasks:       db,
		Runs:        db,
		Steps:       db,
		AgentRuns:   db,
		Artifacts:   db,
		DeadLetters: db,
		Billing:     billing,
		Executor:    agents.NewStaticExecutor(),
	})

	s := New(&config.ServerConfig{Host: "127.0.0.1", Port: 0}, nil,
		services.NewDataServiceWithDB(db), pipeline)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &testServer{srv: srv, db: db, billing: billing}
}

func (ts *testServer) request(t *testing.T, method, path string, body interface{}, tenant string) (*http.Response, map[string]interface{}) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, ts.srv.URL+path, reader)
	require.NoError(t, err)
	if tenant != "" {
		req.Header.Set("X-Tenant-ID", tenant)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func (ts *testServer) createTask(t *testing.T) string {
	t.Helper()

	resp, project := ts.request(t, http.MethodPost, "/api/v1/projects",
		map[string]string{"name": "API Gateway"}, testTenant)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, task := ts.request(t, http.MethodPost,
		"/api/v1/projects/"+project["id"].(string)+"/tasks",
		map[string]interface{}{
			"title":      "Build REST API",
			"input_spec": map[string]interface{}{"language": "go"},
		}, testTenant)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return task["id"].(string)
}

func TestTenantHeaderRequired(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.request(t, http.MethodGet, "/api/v1/projects", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", body["code"])
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.request(t, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestProjectAndTaskLifecycle(t *testing.T) {
	ts := newTestServer(t)

	resp, project := ts.request(t, http.MethodPost, "/api/v1/projects",
		map[string]string{"name": "API Gateway", "description": "edge service"}, testTenant)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, project["id"])

	resp, listed := ts.request(t, http.MethodGet, "/api/v1/projects", nil, testTenant)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, listed["projects"], 1)

	// Another tenant sees nothing.
	resp, listed = ts.request(t, http.MethodGet, "/api/v1/projects", nil, "tenant_other")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, listed["projects"])

	resp, task := ts.request(t, http.MethodPost,
		"/api/v1/projects/"+project["id"].(string)+"/tasks",
		map[string]interface{}{"title": "Build REST API"}, testTenant)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, fetched := ts.request(t, http.MethodGet, "/api/v1/tasks/"+task["id"].(string), nil, testTenant)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Build REST API", fetched["title"])

	// Empty title is rejected.
	resp, body := ts.request(t, http.MethodPost,
		"/api/v1/projects/"+project["id"].(string)+"/tasks",
		map[string]interface{}{"title": "  "}, testTenant)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", body["code"])
}

func TestValidateEndpoint(t *testing.T) {
	ts := newTestServer(t)
	taskID := ts.createTask(t)

	resp, body := ts.request(t, http.MethodPost, "/api/v1/tasks/"+taskID+"/validate", nil, testTenant)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["eligible"])
	assert.Equal(t, float64(150), body["estimated_cost"])
	assert.Equal(t, float64(1000), body["current_balance"])

	ts.billing.balances[testTenant] = 40
	resp, body = ts.request(t, http.MethodPost, "/api/v1/tasks/"+taskID+"/validate", nil, testTenant)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["eligible"])
	assert.Contains(t, body["reason"], "insufficient credits")
}

func TestValidateBillingUnavailable(t *testing.T) {
	ts := newTestServer(t)
	taskID := ts.createTask(t)

	ts.billing.getErr = fmt.Errorf("%w: connection refused", services.ErrBillingUnavailable)
	resp, body := ts.request(t, http.MethodPost, "/api/v1/tasks/"+taskID+"/validate", nil, testTenant)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "BILLING_SERVICE_UNAVAILABLE", body["code"])
}

func TestRunStepEndpoint(t *testing.T) {
	ts := newTestServer(t)
	taskID := ts.createTask(t)

	expectedTypes := []string{"ANALYSIS", "USER_STORIES", "CODE_SKELETON", "TEST_CASES"}
	for i, stepType := range expectedTypes {
		resp, body := ts.request(t, http.MethodPost, "/api/v1/tasks/"+taskID+"/step", nil, testTenant)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "completed", body["status"])
		assert.Equal(t, float64(i+1), body["step_number"])
		assert.Equal(t, stepType, body["step_type"])
		assert.NotEmpty(t, body["artifact_id"])
	}

	resp, body := ts.request(t, http.MethodGet, "/api/v1/tasks/"+taskID+"/runs", nil, testTenant)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	runs := body["runs"].([]interface{})
	require.Len(t, runs, 1)
	run := runs[0].(map[string]interface{})
	assert.Equal(t, "completed", run["status"])

	resp, fetched := ts.request(t, http.MethodGet, "/api/v1/runs/"+run["id"].(string), nil, testTenant)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, fetched["step_runs"], 4)
}

func TestRunStepUnknownTask(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.request(t, http.MethodPost, "/api/v1/tasks/nope/step", nil, testTenant)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "TASK_NOT_FOUND", body["code"])
}

func TestRunStepTenantIsolation(t *testing.T) {
	ts := newTestServer(t)
	taskID := ts.createTask(t)

	resp, body := ts.request(t, http.MethodPost, "/api/v1/tasks/"+taskID+"/step", nil, "tenant_other")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "TASK_NOT_FOUND", body["code"])
}

func TestCancelEndpoint(t *testing.T) {
	ts := newTestServer(t)
	taskID := ts.createTask(t)

	resp, _ := ts.request(t, http.MethodPost, "/api/v1/tasks/"+taskID+"/step", nil, testTenant)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := ts.request(t, http.MethodGet, "/api/v1/tasks/"+taskID+"/runs", nil, testTenant)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	runID := body["runs"].([]interface{})[0].(map[string]interface{})["id"].(string)

	resp, cancelled := ts.request(t, http.MethodPost, "/api/v1/runs/"+runID+"/cancel",
		map[string]string{"reason": "changed requirements"}, testTenant)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", cancelled["new_status"])
	assert.Equal(t, float64(1), cancelled["steps_completed"])

	// Cancelling again conflicts.
	resp, errBody := ts.request(t, http.MethodPost, "/api/v1/runs/"+runID+"/cancel", nil, testTenant)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "CANNOT_CANCEL_COMPLETED", errBody["code"])

	// Foreign tenant cannot see the run at all.
	resp, errBody = ts.request(t, http.MethodPost, "/api/v1/runs/"+runID+"/cancel", nil, "tenant_other")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "UNAUTHORIZED", errBody["code"])
}

func TestReplayEndpoint(t *testing.T) {
	ts := newTestServer(t)
	taskID := ts.createTask(t)

	for i := 0; i < 4; i++ {
		resp, _ := ts.request(t, http.MethodPost, "/api/v1/tasks/"+taskID+"/step", nil, testTenant)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, body := ts.request(t, http.MethodGet, "/api/v1/tasks/"+taskID+"/runs", nil, testTenant)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	runID := body["runs"].([]interface{})[0].(map[string]interface{})["id"].(string)

	resp, replayed := ts.request(t, http.MethodPost, "/api/v1/runs/"+runID+"/replay", nil, testTenant)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, replayed["new_pipeline_run_id"])
	assert.NotEqual(t, runID, replayed["new_pipeline_run_id"])
	assert.Equal(t, "ANALYSIS", replayed["started_from_step"])

	resp, errBody := ts.request(t, http.MethodPost, "/api/v1/runs/missing/replay", nil, testTenant)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "PIPELINE_RUN_NOT_FOUND", errBody["code"])
}

func TestStartPipelineWithoutTemporal(t *testing.T) {
	ts := newTestServer(t)
	taskID := ts.createTask(t)

	resp, body := ts.request(t, http.MethodPost, "/api/v1/tasks/"+taskID+"/pipeline", nil, testTenant)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "PIPELINE_EXECUTION_ERROR", body["code"])
}

func TestDeadLettersEndpoint(t *testing.T) {
	ts := newTestServer(t)

	require.NoError(t, ts.db.CreateDeadLetter(context.Background(), &models.DeadLetterEvent{
		ID:            "dl_1",
		PipelineRunID: "run_1",
		StepRunID:     "step_1",
		RetryCount:    3,
		FailureReason: "model overloaded",
		Context: models.JSONMap{
			"task_id":   "task_1",
			"tenant_id": testTenant,
			"step_type": string(models.StepTypeAnalysis),
		},
	}))

	resp, body := ts.request(t, http.MethodGet, "/api/v1/dead-letters?limit=10", nil, testTenant)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	letters := body["dead_letters"].([]interface{})
	require.Len(t, letters, 1)
	assert.Equal(t, "model overloaded", letters[0].(map[string]interface{})["failure_reason"])
}

func TestStatusForCode(t *testing.T) {
	tests := []struct {
		code   string
		status int
	}{
		{services.CodeTaskNotFound, http.StatusNotFound},
		{services.CodePipelineNotFound, http.StatusNotFound},
		{services.CodePipelineRunNotFound, http.StatusNotFound},
		{services.CodeUnauthorized, http.StatusForbidden},
		{services.CodeCannotCancel, http.StatusConflict},
		{services.CodePipelineCancelled, http.StatusConflict},
		{services.CodeBillingUnavailable, http.StatusServiceUnavailable},
		{services.CodeValidationError, http.StatusBadRequest},
		{services.CodeExecutionError, http.StatusInternalServerError},
		{"SOMETHING_UNKNOWN", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.status, statusForCode(tt.code))
		})
	}
}
