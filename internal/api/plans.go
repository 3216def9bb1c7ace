package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/aidekit/aide/internal/db"
	"github.com/aidekit/aide/internal/plan"
)

// ListPlans handles GET /api/v1/plans
func (s *Server) ListPlans(w http.ResponseWriter, r *http.Request) {
	filter := db.PlanFilter{
		UserID: r.URL.Query().Get("user_id"),
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Status = db.PlanStatus(status)
	}

	plans, err := s.engine.List(filter)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to fetch plans", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, plans)
}

// CreatePlan handles POST /api/v1/plans
func (s *Server) CreatePlan(w http.ResponseWriter, r *http.Request) {
	var req PlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Name == "" {
		s.errorResponse(w, http.StatusBadRequest, "Name is required", nil)
		return
	}

	p := &db.Plan{
		UserID:        req.UserID,
		Name:          req.Name,
		Goal:          req.Goal,
		Priority:      req.Priority,
		AutonomyLevel: req.AutonomyLevel,
		MaxRetries:    req.MaxRetries,
		TimeoutMs:     req.TimeoutMs,
	}
	if p.AutonomyLevel == "" {
		p.AutonomyLevel = "manual"
	}

	created, err := s.engine.Create(p)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to create plan", err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, created)
}

// GetPlanStats handles GET /api/v1/plans/stats
func (s *Server) GetPlanStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.GetStats(r.URL.Query().Get("user_id"))
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to compute plan stats", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, stats)
}

// GetPlan handles GET /api/v1/plans/{id}
func (s *Server) GetPlan(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, "Plan not found", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, p)
}

// UpdatePlan handles PATCH /api/v1/plans/{id}
func (s *Server) UpdatePlan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.engine.Get(id); err != nil {
		s.errorResponse(w, http.StatusNotFound, "Plan not found", err)
		return
	}

	var req PlanPatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	patch := plan.PlanPatch{
		Name:          req.Name,
		Goal:          req.Goal,
		Priority:      req.Priority,
		AutonomyLevel: req.AutonomyLevel,
		MaxRetries:    req.MaxRetries,
		RetryCount:    req.RetryCount,
		TimeoutMs:     req.TimeoutMs,
		Checkpoint:    req.Checkpoint,
	}
	if req.Status != nil {
		status := db.PlanStatus(*req.Status)
		patch.Status = &status
	}

	updated, err := s.engine.Update(id, patch)
	if err != nil {
		if errors.Is(err, plan.ErrTerminal) || errors.Is(err, plan.ErrInvalidTransition) {
			s.errorResponse(w, http.StatusConflict, "Invalid status transition", err)
			return
		}
		s.errorResponse(w, http.StatusInternalServerError, "Failed to update plan", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, updated)
}

// DeletePlan handles DELETE /api/v1/plans/{id}
func (s *Server) DeletePlan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.engine.Get(id); err != nil {
		s.errorResponse(w, http.StatusNotFound, "Plan not found", err)
		return
	}
	if err := s.engine.Delete(id); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to delete plan", err)
		return
	}
	if s.events != nil {
		s.events.Close(id)
	}
	s.jsonResponse(w, http.StatusOK, SuccessResponse{Success: true, Message: "Plan deleted"})
}

// GetPlanSteps handles GET /api/v1/plans/{id}/steps
func (s *Server) GetPlanSteps(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var steps []*db.PlanStep
	var err error
	if status := r.URL.Query().Get("status"); status != "" {
		steps, err = s.engine.GetStepsByStatus(id, db.StepStatus(status))
	} else {
		steps, err = s.engine.GetSteps(id)
	}
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to fetch steps", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, steps)
}

// AddPlanStep handles POST /api/v1/plans/{id}/steps
func (s *Server) AddPlanStep(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req StepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Name == "" {
		s.errorResponse(w, http.StatusBadRequest, "Name is required", nil)
		return
	}
	stepType := db.StepType(req.Type)
	switch stepType {
	case db.StepTypeToolCall, db.StepTypeLLMDecision, db.StepTypeUserInput,
		db.StepTypeCondition, db.StepTypeParallel, db.StepTypeLoop, db.StepTypeSubPlan:
	default:
		s.errorResponse(w, http.StatusBadRequest, fmt.Sprintf("Unknown step type: %s", req.Type), nil)
		return
	}

	step := &db.PlanStep{
		Name:         req.Name,
		Type:         stepType,
		OrderNum:     req.OrderNum,
		Config:       req.Config,
		Dependencies: req.Dependencies,
		MaxRetries:   req.MaxRetries,
		OnSuccess:    req.OnSuccess,
		OnFailure:    req.OnFailure,
	}
	created, err := s.engine.AddStep(id, step)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to add step", err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, created)
}

// GetNextStep handles GET /api/v1/plans/{id}/steps/next
func (s *Server) GetNextStep(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.engine.Get(id); err != nil {
		s.errorResponse(w, http.StatusNotFound, "Plan not found", err)
		return
	}

	step, err := s.engine.GetNextStep(id)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to fetch next step", err)
		return
	}
	if step == nil {
		s.errorResponse(w, http.StatusNotFound, "No pending steps", nil)
		return
	}
	s.jsonResponse(w, http.StatusOK, step)
}

// RecalculateProgress handles POST /api/v1/plans/{id}/progress
func (s *Server) RecalculateProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.engine.Get(id); err != nil {
		s.errorResponse(w, http.StatusNotFound, "Plan not found", err)
		return
	}

	p, err := s.engine.RecalculateProgress(id)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to recalculate progress", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, p)
}

// GetPlanHistory handles GET /api/v1/plans/{id}/history
func (s *Server) GetPlanHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	limit := 100
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}

	events, err := s.engine.GetHistory(id, limit)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to fetch history", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, events)
}

// LogPlanEvent handles POST /api/v1/plans/{id}/events
func (s *Server) LogPlanEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.engine.Get(id); err != nil {
		s.errorResponse(w, http.StatusNotFound, "Plan not found", err)
		return
	}

	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.EventType == "" {
		s.errorResponse(w, http.StatusBadRequest, "event_type is required", nil)
		return
	}

	event, err := s.engine.LogEvent(id, db.PlanEventType(req.EventType), req.StepID, req.Details)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to log event", err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, event)
}

// StreamPlanEvents handles GET /api/v1/plans/{id}/events/stream as an SSE
// stream of the plan's history events.
func (s *Server) StreamPlanEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.engine.Get(id); err != nil {
		s.errorResponse(w, http.StatusNotFound, "Plan not found", err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "Streaming not supported", nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	subscriberID := middleware.GetReqID(r.Context())
	sub := s.events.Subscribe(id, subscriberID)
	defer s.events.Unsubscribe(id, subscriberID)

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.Done:
			return
		case event := <-sub.Events:
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.EventType, data)
			flusher.Flush()
		}
	}
}

// GetStep handles GET /api/v1/steps/{id}
func (s *Server) GetStep(w http.ResponseWriter, r *http.Request) {
	step, err := s.engine.GetStep(chi.URLParam(r, "id"))
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, "Step not found", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, step)
}

// UpdateStep handles PATCH /api/v1/steps/{id}
func (s *Server) UpdateStep(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.engine.GetStep(id); err != nil {
		s.errorResponse(w, http.StatusNotFound, "Step not found", err)
		return
	}

	var req StepPatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	patch := plan.StepPatch{
		Name:         req.Name,
		OrderNum:     req.OrderNum,
		Config:       req.Config,
		Dependencies: req.Dependencies,
		RetryCount:   req.RetryCount,
		MaxRetries:   req.MaxRetries,
		OnSuccess:    req.OnSuccess,
		OnFailure:    req.OnFailure,
		Error:        req.Error,
	}
	if req.Status != nil {
		status := db.StepStatus(*req.Status)
		patch.Status = &status
	}

	updated, err := s.engine.UpdateStep(id, patch)
	if err != nil {
		if errors.Is(err, plan.ErrDependenciesNotMet) || errors.Is(err, plan.ErrInvalidTransition) {
			s.errorResponse(w, http.StatusConflict, "Invalid step transition", err)
			return
		}
		s.errorResponse(w, http.StatusInternalServerError, "Failed to update step", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, updated)
}

// StepReady handles GET /api/v1/steps/{id}/ready
func (s *Server) StepReady(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ready, err := s.engine.AreDependenciesMet(id)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, "Step not found", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, ReadyResponse{StepID: id, Ready: ready})
}

// ClaimStep handles POST /api/v1/steps/{id}/claim
func (s *Server) ClaimStep(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	claimed, err := s.engine.ClaimStep(id)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, "Step not found", err)
		return
	}
	status := http.StatusOK
	if !claimed {
		status = http.StatusConflict
	}
	s.jsonResponse(w, status, ClaimResponse{StepID: id, Claimed: claimed})
}
