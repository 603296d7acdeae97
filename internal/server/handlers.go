// Copyright (C) 2025-2026 SpecForge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/specforge/specforge/internal/orchestrator/models"
	"github.com/specforge/specforge/internal/orchestrator/services"
)

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	data     *services.DataService
	pipeline *services.PipelineService
}

// NewHandlers creates the handler set.
func NewHandlers(data *services.DataService, pipeline *services.PipelineService) *Handlers {
	return &Handlers{data: data, pipeline: pipeline}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		getLog().Error().Err(err).Msg("Failed to encode JSON response")
	}
}

type errorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Reason string `json:"reason,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message, reason string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code, Reason: reason})
}

// statusForCode maps the core's stable error codes to HTTP statuses.
func statusForCode(code string) int {
	switch code {
	case services.CodeTaskNotFound, services.CodePipelineNotFound, services.CodePipelineRunNotFound:
		return http.StatusNotFound
	case services.CodeUnauthorized:
		return http.StatusForbidden
	case services.CodeCannotCancel, services.CodePipelineCancelled:
		return http.StatusConflict
	case services.CodeBillingUnavailable:
		return http.StatusServiceUnavailable
	case services.CodeValidationError:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	code := services.ErrorCode(err)
	message := err.Error()
	reason := ""
	var pe *services.PipelineError
	if errors.As(err, &pe) {
		message = pe.Message
		reason = pe.Reason
	}
	writeError(w, statusForCode(code), code, message, reason)
}

// Health handles GET /healthz.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Projects and tasks ---

// createProjectRequest is the JSON body for project creation.
type createProjectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// CreateProject handles POST /api/v1/projects
func (h *Handlers) CreateProject(w http.ResponseWriter, r *http.Request) {
	var body createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, services.CodeValidationError, "invalid JSON body", "")
		return
	}

	project, err := h.data.CreateProject(r.Context(), GetTenantID(r.Context()), body.Name, body.Description)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

// ListProjects handles GET /api/v1/projects
func (h *Handlers) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.data.ListProjects(r.Context(), GetTenantID(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"projects": projects})
}

// createTaskRequest is the JSON body for task creation.
type createTaskRequest struct {
	Title     string         `json:"title"`
	InputSpec models.JSONMap `json:"input_spec,omitempty"`
}

// CreateTask handles POST /api/v1/projects/{projectId}/tasks
func (h *Handlers) CreateTask(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectId")
	var body createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, services.CodeValidationError, "invalid JSON body", "")
		return
	}

	task, err := h.data.CreateTask(r.Context(), GetTenantID(r.Context()), projectID, body.Title, body.InputSpec)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

// GetTask handles GET /api/v1/tasks/{taskId}
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.data.GetTask(r.Context(), chi.URLParam(r, "taskId"), GetTenantID(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// --- Pipeline operations ---

// ValidateTask handles POST /api/v1/tasks/{taskId}/validate
func (h *Handlers) ValidateTask(w http.ResponseWriter, r *http.Request) {
	result, err := h.pipeline.Validate(r.Context(), services.ValidateParams{
		TaskID:   chi.URLParam(r, "taskId"),
		TenantID: GetTenantID(r.Context()),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// RunStep handles POST /api/v1/tasks/{taskId}/step. It advances the task's
// pipeline by exactly one step and blocks until the step resolves.
func (h *Handlers) RunStep(w http.ResponseWriter, r *http.Request) {
	result, err := h.pipeline.RunStep(r.Context(), services.RunStepParams{
		TaskID:   chi.URLParam(r, "taskId"),
		TenantID: GetTenantID(r.Context()),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// StartPipeline handles POST /api/v1/tasks/{taskId}/pipeline. It launches
// the workflow that drives all remaining steps asynchronously.
func (h *Handlers) StartPipeline(w http.ResponseWriter, r *http.Request) {
	workflowID, err := h.pipeline.StartPipeline(r.Context(), chi.URLParam(r, "taskId"), GetTenantID(r.Context()))
	if err != nil {
		if errors.Is(err, services.ErrPipelineAlreadyRunning) {
			writeError(w, http.StatusConflict, services.CodeExecutionError, err.Error(), "")
			return
		}
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"workflow_id": workflowID})
}

// ListRuns handles GET /api/v1/tasks/{taskId}/runs
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.data.ListPipelineRuns(r.Context(), chi.URLParam(r, "taskId"), GetTenantID(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// GetRun handles GET /api/v1/runs/{runId}
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.data.GetPipelineRun(r.Context(), chi.URLParam(r, "runId"), GetTenantID(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// cancelRunRequest is the JSON body for run cancellation.
type cancelRunRequest struct {
	Reason string `json:"reason,omitempty"`
}

// CancelRun handles POST /api/v1/runs/{runId}/cancel
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	var body cancelRunRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, services.CodeValidationError, "invalid JSON body", "")
			return
		}
	}

	result, err := h.pipeline.Cancel(r.Context(), services.CancelParams{
		PipelineRunID: chi.URLParam(r, "runId"),
		TenantID:      GetTenantID(r.Context()),
		UserID:        GetUserID(r.Context()),
		Reason:        body.Reason,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// replayRunRequest is the JSON body for run replay.
type replayRunRequest struct {
	FromStepID                string `json:"from_step_id,omitempty"`
	PreserveApprovedArtifacts bool   `json:"preserve_approved_artifacts,omitempty"`
}

// ReplayRun handles POST /api/v1/runs/{runId}/replay
func (h *Handlers) ReplayRun(w http.ResponseWriter, r *http.Request) {
	var body replayRunRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, services.CodeValidationError, "invalid JSON body", "")
			return
		}
	}

	result, err := h.pipeline.Replay(r.Context(), services.ReplayParams{
		PipelineRunID:             chi.URLParam(r, "runId"),
		TenantID:                  GetTenantID(r.Context()),
		FromStepID:                body.FromStepID,
		PreserveApprovedArtifacts: body.PreserveApprovedArtifacts,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// ListDeadLetters handles GET /api/v1/dead-letters
func (h *Handlers) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	const maxLimit = 500
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > maxLimit {
				limit = maxLimit
			}
		}
	}

	events, err := h.data.ListDeadLetters(r.Context(), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"dead_letters": events})
}
