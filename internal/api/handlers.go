package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/aidekit/aide/internal/db"
	"github.com/aidekit/aide/internal/version"
)

// HealthCheck handles GET /api/v1/health
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: version.Version,
	})
}

// ListTasks handles GET /api/v1/tasks
func (s *Server) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.db.ListTasks()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to fetch tasks", err)
		return
	}

	// Get last run statuses for all tasks
	statuses, _ := s.db.GetLastRunStatuses()

	response := TaskListResponse{
		Tasks: make([]TaskResponse, len(tasks)),
		Total: len(tasks),
	}

	for i, task := range tasks {
		response.Tasks[i] = s.taskToResponse(task, statuses[task.ID])
	}

	s.jsonResponse(w, http.StatusOK, response)
}

// CreateTask handles POST /api/v1/tasks
func (s *Server) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := s.validateTaskRequest(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	task := &db.Task{
		UserID:         req.UserID,
		Name:           req.Name,
		CronExpr:       req.CronExpr,
		Payload:        req.Payload,
		Priority:       req.Priority,
		NotifyChannels: req.NotifyChannels,
		TimeoutMs:      req.TimeoutMs,
		Enabled:        req.Enabled,
	}

	if err := s.db.CreateTask(task); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to create task", err)
		return
	}

	// Schedule the task if enabled
	if task.Enabled && task.CronExpr != "" && s.scheduler != nil {
		_ = s.scheduler.AddTask(task)
	}

	s.jsonResponse(w, http.StatusCreated, s.taskToResponse(task, ""))
}

// GetTask handles GET /api/v1/tasks/{id}
func (s *Server) GetTask(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid task ID", err)
		return
	}

	task, err := s.db.GetTask(id)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, "Task not found", err)
		return
	}

	// Get last run status
	var status db.RunStatus
	lastRun, _ := s.db.GetLatestTaskRun(id)
	if lastRun != nil {
		status = lastRun.Status
	}

	s.jsonResponse(w, http.StatusOK, s.taskToResponse(task, status))
}

// UpdateTask handles PUT /api/v1/tasks/{id}
func (s *Server) UpdateTask(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid task ID", err)
		return
	}

	task, err := s.db.GetTask(id)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, "Task not found", err)
		return
	}

	var req TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := s.validateTaskRequest(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	// Update task fields
	task.UserID = req.UserID
	task.Name = req.Name
	task.CronExpr = req.CronExpr
	task.Payload = req.Payload
	task.Priority = req.Priority
	task.NotifyChannels = req.NotifyChannels
	task.TimeoutMs = req.TimeoutMs
	task.Enabled = req.Enabled

	if err := s.db.UpdateTask(task); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to update task", err)
		return
	}

	// Update scheduler
	if s.scheduler != nil {
		_ = s.scheduler.UpdateTask(task)
	}

	s.jsonResponse(w, http.StatusOK, s.taskToResponse(task, ""))
}

// DeleteTask handles DELETE /api/v1/tasks/{id}
func (s *Server) DeleteTask(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid task ID", err)
		return
	}

	// Check task exists
	_, err = s.db.GetTask(id)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, "Task not found", err)
		return
	}

	// Remove from scheduler first
	if s.scheduler != nil {
		s.scheduler.RemoveTask(id)
	}

	if err := s.db.DeleteTask(id); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to delete task", err)
		return
	}

	s.jsonResponse(w, http.StatusOK, SuccessResponse{
		Success: true,
		Message: "Task deleted",
	})
}

// ToggleTask handles POST /api/v1/tasks/{id}/toggle
func (s *Server) ToggleTask(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid task ID", err)
		return
	}

	if err := s.db.ToggleTask(id); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to toggle task", err)
		return
	}

	// Get updated task
	task, err := s.db.GetTask(id)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to fetch task", err)
		return
	}

	// Update scheduler
	if s.scheduler != nil {
		_ = s.scheduler.UpdateTask(task)
	}

	s.jsonResponse(w, http.StatusOK, s.taskToResponse(task, ""))
}

// RunTask handles POST /api/v1/tasks/{id}/run
func (s *Server) RunTask(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid task ID", err)
		return
	}

	if s.scheduler == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "Scheduler not available", nil)
		return
	}

	if err := s.scheduler.RunTaskNow(id); err != nil {
		s.errorResponse(w, http.StatusNotFound, "Task not found", err)
		return
	}

	s.jsonResponse(w, http.StatusAccepted, SuccessResponse{
		Success: true,
		Message: "Task execution started",
	})
}

// GetTaskRuns handles GET /api/v1/tasks/{id}/runs
func (s *Server) GetTaskRuns(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid task ID", err)
		return
	}

	// Check task exists
	_, err = s.db.GetTask(id)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, "Task not found", err)
		return
	}

	// Get limit from query params, default 20
	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}

	runs, err := s.db.GetTaskRuns(id, limit)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to fetch task runs", err)
		return
	}

	response := TaskRunsResponse{
		Runs:  make([]TaskRunResponse, len(runs)),
		Total: len(runs),
	}

	for i, run := range runs {
		response.Runs[i] = s.taskRunToResponse(run)
	}

	s.jsonResponse(w, http.StatusOK, response)
}

// GetLatestTaskRun handles GET /api/v1/tasks/{id}/runs/latest
func (s *Server) GetLatestTaskRun(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid task ID", err)
		return
	}

	run, err := s.db.GetLatestTaskRun(id)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, "No runs found", err)
		return
	}

	s.jsonResponse(w, http.StatusOK, s.taskRunToResponse(run))
}

// ListChannels handles GET /api/v1/channels
func (s *Server) ListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.db.ListChannels()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to fetch channels", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, channels)
}

// CreateChannel handles POST /api/v1/channels
func (s *Server) CreateChannel(w http.ResponseWriter, r *http.Request) {
	var req ChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Platform == "" || req.PluginID == "" {
		s.errorResponse(w, http.StatusBadRequest, "Platform and plugin_id are required", nil)
		return
	}

	status := db.ChannelStatus(req.Status)
	if status == "" {
		status = db.ChannelStatusDisconnected
	}

	ch := &db.Channel{
		ID:         uuid.NewString(),
		Platform:   req.Platform,
		PluginID:   req.PluginID,
		Name:       req.Name,
		Status:     status,
		WebhookURL: req.WebhookURL,
	}
	if err := s.db.CreateChannel(ch); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to create channel", err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, ch)
}

// GetChannel handles GET /api/v1/channels/{id}
func (s *Server) GetChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := s.db.GetChannel(chi.URLParam(r, "id"))
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, "Channel not found", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, ch)
}

// UpdateChannel handles PUT /api/v1/channels/{id}
func (s *Server) UpdateChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := s.db.GetChannel(chi.URLParam(r, "id"))
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, "Channel not found", err)
		return
	}

	var req ChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ch.Platform = req.Platform
	ch.PluginID = req.PluginID
	ch.Name = req.Name
	ch.Status = db.ChannelStatus(req.Status)
	ch.WebhookURL = req.WebhookURL

	if err := s.db.UpdateChannel(ch); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to update channel", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, ch)
}

// DeleteChannel handles DELETE /api/v1/channels/{id}
func (s *Server) DeleteChannel(w http.ResponseWriter, r *http.Request) {
	if err := s.db.DeleteChannel(chi.URLParam(r, "id")); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to delete channel", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, SuccessResponse{Success: true, Message: "Channel deleted"})
}

// GetSettings handles GET /api/v1/settings
func (s *Server) GetSettings(w http.ResponseWriter, r *http.Request) {
	keep, _ := s.db.GetHistoryKeep()
	channels, _ := s.db.GetDefaultChannels()

	s.jsonResponse(w, http.StatusOK, SettingsResponse{
		HistoryKeep:     keep,
		DefaultChannels: channels,
	})
}

// UpdateSettings handles PUT /api/v1/settings
func (s *Server) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req SettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if req.HistoryKeep != nil {
		if *req.HistoryKeep <= 0 {
			s.errorResponse(w, http.StatusBadRequest, "history_keep must be positive", nil)
			return
		}
		if err := s.db.SetHistoryKeep(*req.HistoryKeep); err != nil {
			s.errorResponse(w, http.StatusInternalServerError, "Failed to update settings", err)
			return
		}
	}
	if req.DefaultChannels != nil {
		if err := s.db.SetDefaultChannels(*req.DefaultChannels); err != nil {
			s.errorResponse(w, http.StatusInternalServerError, "Failed to update settings", err)
			return
		}
	}

	s.GetSettings(w, r)
}

// Helper functions

func (s *Server) taskToResponse(task *db.Task, status db.RunStatus) TaskResponse {
	resp := TaskResponse{
		ID:             task.ID,
		UserID:         task.UserID,
		Name:           task.Name,
		CronExpr:       task.CronExpr,
		Payload:        task.Payload,
		Priority:       task.Priority,
		NotifyChannels: task.NotifyChannels,
		TimeoutMs:      task.TimeoutMs,
		Enabled:        task.Enabled,
		CreatedAt:      task.CreatedAt,
		UpdatedAt:      task.UpdatedAt,
		LastRunAt:      task.LastRunAt,
		NextRunAt:      task.NextRunAt,
	}
	if status != "" {
		resp.LastRunStatus = string(status)
	}
	return resp
}

func (s *Server) taskRunToResponse(run *db.TaskRun) TaskRunResponse {
	resp := TaskRunResponse{
		ID:          run.ID,
		TaskID:      run.TaskID,
		Status:      string(run.Status),
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
		Output:      run.Output,
		StepOutputs: run.StepOutputs,
		Error:       run.Error,
		ModelUsed:   run.ModelUsed,
		TokenUsage:  run.Usage,
	}
	if run.CompletedAt != nil {
		durationMs := run.CompletedAt.Sub(run.StartedAt).Milliseconds()
		resp.DurationMs = &durationMs
	}
	return resp
}

func (s *Server) validateTaskRequest(req *TaskRequest) error {
	if req.Name == "" {
		return errEmptyName
	}
	switch req.Payload.Type {
	case db.TaskTypePrompt, db.TaskTypeToolCall, db.TaskTypeWorkflow:
	default:
		return errInvalidPayload
	}
	// CronExpr is empty for on-demand tasks, non-empty for recurring
	if req.CronExpr != "" {
		parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		if _, err := parser.Parse(req.CronExpr); err != nil {
			return errInvalidCron
		}
	}
	return nil
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{
		Error: message,
	}
	if err != nil {
		resp.Details = err.Error()
	}
	s.jsonResponse(w, status, resp)
}

// Validation errors
type validationError string

func (e validationError) Error() string { return string(e) }

const (
	errEmptyName      validationError = "Name is required"
	errInvalidPayload validationError = "Payload type must be prompt, tool_call or workflow"
	errInvalidCron    validationError = "Invalid cron expression"
)
