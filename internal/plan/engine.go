// Package plan implements the data model and algorithms for longer-running,
// dependency-graphed multi-step plans: lifecycle transitions, dependency
// satisfaction checks, progress accounting and the append-only event log.
// It has no timing model of its own; whatever drives a plan calls it.
package plan

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aidekit/aide/internal/db"
	"github.com/aidekit/aide/internal/stream"
)

var (
	// ErrTerminal is returned for status changes out of a terminal plan status.
	ErrTerminal = errors.New("plan is in a terminal status")
	// ErrInvalidTransition is returned for disallowed status edges.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrDependenciesNotMet is returned when a step is moved to running
	// before all of its dependencies completed.
	ErrDependenciesNotMet = errors.New("step dependencies not met")
)

// Engine owns plans, their steps and their history.
type Engine struct {
	db     *db.DB
	log    *slog.Logger
	events *stream.Manager
}

// New creates a new plan engine
func New(database *db.DB, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{db: database, log: logger}
}

// SetEventStream attaches a stream manager; logged events are published
// to it in addition to being persisted.
func (e *Engine) SetEventStream(m *stream.Manager) {
	e.events = m
}

// Create assigns a fresh id, timestamps and zeroed counters, and persists
// the plan in status pending.
func (e *Engine) Create(plan *db.Plan) (*db.Plan, error) {
	now := time.Now()
	plan.ID = uuid.NewString()
	plan.Status = db.PlanStatusPending
	plan.CurrentStep = 0
	plan.TotalSteps = 0
	plan.Progress = 0
	plan.RetryCount = 0
	plan.CreatedAt = now
	plan.UpdatedAt = now
	plan.StartedAt = nil
	plan.CompletedAt = nil

	if err := e.db.CreatePlan(plan); err != nil {
		return nil, fmt.Errorf("failed to create plan: %w", err)
	}
	return plan, nil
}

// Get retrieves a plan by id
func (e *Engine) Get(id string) (*db.Plan, error) {
	return e.db.GetPlan(id)
}

// List retrieves plans matching the filter
func (e *Engine) List(filter db.PlanFilter) ([]*db.Plan, error) {
	return e.db.ListPlans(filter)
}

// Delete removes a plan; its steps and history cascade with it
func (e *Engine) Delete(id string) error {
	return e.db.DeletePlan(id)
}

// Update applies only the present fields of the patch. Status changes go
// through the plan state machine: startedAt is stamped on the first entry
// into running, completedAt on the first entry into a terminal status, and
// a terminal plan cannot change status again.
func (e *Engine) Update(id string, patch PlanPatch) (*db.Plan, error) {
	plan, err := e.db.GetPlan(id)
	if err != nil {
		return nil, err
	}
	if patch.Empty() {
		return plan, nil
	}

	if patch.Status != nil && *patch.Status != plan.Status {
		if err := e.transitionPlan(plan, *patch.Status); err != nil {
			return nil, err
		}
	}
	if patch.Name != nil {
		plan.Name = *patch.Name
	}
	if patch.Goal != nil {
		plan.Goal = *patch.Goal
	}
	if patch.Priority != nil {
		plan.Priority = *patch.Priority
	}
	if patch.AutonomyLevel != nil {
		plan.AutonomyLevel = *patch.AutonomyLevel
	}
	if patch.MaxRetries != nil {
		plan.MaxRetries = *patch.MaxRetries
	}
	if patch.RetryCount != nil {
		plan.RetryCount = *patch.RetryCount
	}
	if patch.TimeoutMs != nil {
		plan.TimeoutMs = patch.TimeoutMs
	}
	if patch.Checkpoint != nil {
		plan.Checkpoint = *patch.Checkpoint
	}

	plan.UpdatedAt = time.Now()
	if err := e.db.UpdatePlan(plan); err != nil {
		return nil, fmt.Errorf("failed to update plan %s: %w", id, err)
	}
	return plan, nil
}

// transitionPlan validates and applies one status edge in place.
func (e *Engine) transitionPlan(plan *db.Plan, next db.PlanStatus) error {
	if plan.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, plan.Status)
	}

	switch next {
	case db.PlanStatusRunning:
		if plan.Status != db.PlanStatusPending && plan.Status != db.PlanStatusPaused {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, plan.Status, next)
		}
		// Re-entering running from paused keeps the original start time
		if plan.StartedAt == nil {
			now := time.Now()
			plan.StartedAt = &now
		}
	case db.PlanStatusPaused:
		if plan.Status != db.PlanStatusRunning {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, plan.Status, next)
		}
	case db.PlanStatusCompleted, db.PlanStatusFailed, db.PlanStatusCancelled:
		if plan.CompletedAt == nil {
			now := time.Now()
			plan.CompletedAt = &now
		}
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, plan.Status, next)
	}

	plan.Status = next
	return nil
}

// AddStep appends a step to a plan and recomputes the plan's step count.
func (e *Engine) AddStep(planID string, step *db.PlanStep) (*db.PlanStep, error) {
	plan, err := e.db.GetPlan(planID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	step.ID = uuid.NewString()
	step.PlanID = plan.ID
	step.Status = db.StepStatusPending
	step.CreatedAt = now
	step.UpdatedAt = now
	if step.OrderNum == 0 {
		count, err := e.db.CountSteps(planID)
		if err != nil {
			return nil, err
		}
		step.OrderNum = count + 1
	}

	if err := e.db.CreateStep(step); err != nil {
		return nil, fmt.Errorf("failed to add step to plan %s: %w", planID, err)
	}

	// totalSteps is derived from the live step count, never tracked separately
	if _, err := e.RecalculateProgress(planID); err != nil {
		return nil, err
	}
	return step, nil
}

// GetStep retrieves a plan step by id
func (e *Engine) GetStep(id string) (*db.PlanStep, error) {
	return e.db.GetStep(id)
}

// GetSteps retrieves a plan's steps in stored order
func (e *Engine) GetSteps(planID string) ([]*db.PlanStep, error) {
	return e.db.GetSteps(planID)
}

// GetStepsByStatus retrieves a plan's steps in a given status
func (e *Engine) GetStepsByStatus(planID string, status db.StepStatus) ([]*db.PlanStep, error) {
	return e.db.GetStepsByStatus(planID, status)
}

// UpdateStep applies only the present fields of the patch. A transition
// into running stamps startedAt once and requires the step's dependencies
// to be met; a transition into a terminal status stamps completedAt and,
// when startedAt is set, durationMs. An empty patch performs no write.
func (e *Engine) UpdateStep(id string, patch StepPatch) (*db.PlanStep, error) {
	step, err := e.db.GetStep(id)
	if err != nil {
		return nil, err
	}
	if patch.Empty() {
		return step, nil
	}

	if patch.Status != nil && *patch.Status != step.Status {
		if err := e.transitionStep(step, *patch.Status); err != nil {
			return nil, err
		}
	}
	if patch.Name != nil {
		step.Name = *patch.Name
	}
	if patch.OrderNum != nil {
		step.OrderNum = *patch.OrderNum
	}
	if patch.Config != nil {
		step.Config = patch.Config
	}
	if patch.Dependencies != nil {
		step.Dependencies = *patch.Dependencies
	}
	if patch.RetryCount != nil {
		step.RetryCount = *patch.RetryCount
	}
	if patch.MaxRetries != nil {
		step.MaxRetries = *patch.MaxRetries
	}
	if patch.OnSuccess != nil {
		step.OnSuccess = *patch.OnSuccess
	}
	if patch.OnFailure != nil {
		step.OnFailure = *patch.OnFailure
	}
	if patch.Error != nil {
		step.Error = *patch.Error
	}

	step.UpdatedAt = time.Now()
	if err := e.db.UpdateStep(step); err != nil {
		return nil, fmt.Errorf("failed to update step %s: %w", id, err)
	}
	return step, nil
}

func (e *Engine) transitionStep(step *db.PlanStep, next db.StepStatus) error {
	now := time.Now()

	switch next {
	case db.StepStatusRunning:
		met, err := e.AreDependenciesMet(step.ID)
		if err != nil {
			return err
		}
		if !met {
			return fmt.Errorf("%w: step %s", ErrDependenciesNotMet, step.ID)
		}
		if step.StartedAt == nil {
			step.StartedAt = &now
		}
	case db.StepStatusCompleted, db.StepStatusFailed, db.StepStatusSkipped:
		if step.CompletedAt == nil {
			step.CompletedAt = &now
		}
		if step.StartedAt != nil {
			durationMs := step.CompletedAt.Sub(*step.StartedAt).Milliseconds()
			step.DurationMs = &durationMs
		}
	case db.StepStatusPending, db.StepStatusBlocked, db.StepStatusWaiting:
		// Non-terminal holding states carry no timestamp side effects
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, step.Status, next)
	}

	step.Status = next
	return nil
}

// ClaimStep atomically claims a pending step for execution, guarding the
// transition with the dependency predicate first. Returns false when the
// step was not pending or another driver claimed it concurrently.
func (e *Engine) ClaimStep(id string) (bool, error) {
	met, err := e.AreDependenciesMet(id)
	if err != nil {
		return false, err
	}
	if !met {
		return false, nil
	}
	return e.db.ClaimStep(id, time.Now())
}

// AreDependenciesMet reports whether every dependency of the step has
// reached completed. A step with no dependencies is always eligible.
func (e *Engine) AreDependenciesMet(stepID string) (bool, error) {
	step, err := e.db.GetStep(stepID)
	if err != nil {
		return false, err
	}
	if len(step.Dependencies) == 0 {
		return true, nil
	}

	siblings, err := e.db.GetSteps(step.PlanID)
	if err != nil {
		return false, err
	}
	statusByID := make(map[string]db.StepStatus, len(siblings))
	for _, s := range siblings {
		statusByID[s.ID] = s.Status
	}

	for _, dep := range step.Dependencies {
		if statusByID[dep] != db.StepStatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

// GetNextStep returns the first step in stored order whose status is
// pending, or nil when none remain. Graph-aware callers should filter by
// AreDependenciesMet before selecting among pending steps.
func (e *Engine) GetNextStep(planID string) (*db.PlanStep, error) {
	pending, err := e.db.GetStepsByStatus(planID, db.StepStatusPending)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}
	return pending[0], nil
}

// RecalculateProgress rederives currentStep, totalSteps and progress from
// the plan's live step rows and persists the result.
func (e *Engine) RecalculateProgress(planID string) (*db.Plan, error) {
	plan, err := e.db.GetPlan(planID)
	if err != nil {
		return nil, err
	}
	steps, err := e.db.GetSteps(planID)
	if err != nil {
		return nil, err
	}

	completed := 0
	for _, step := range steps {
		if step.Status == db.StepStatusCompleted {
			completed++
		}
	}

	plan.TotalSteps = len(steps)
	plan.CurrentStep = completed
	if plan.TotalSteps == 0 {
		plan.Progress = 0
	} else {
		plan.Progress = float64(completed) / float64(plan.TotalSteps) * 100
	}

	plan.UpdatedAt = time.Now()
	if err := e.db.UpdatePlan(plan); err != nil {
		return nil, fmt.Errorf("failed to persist progress for plan %s: %w", planID, err)
	}
	return plan, nil
}

// LogEvent appends one row to the plan's audit trail. Storage errors
// propagate to the caller; a silently lost event would break the audit
// trail's completeness.
func (e *Engine) LogEvent(planID string, eventType db.PlanEventType, stepID, details string) (*db.PlanEvent, error) {
	event := &db.PlanEvent{
		ID:        uuid.NewString(),
		PlanID:    planID,
		StepID:    stepID,
		EventType: eventType,
		Details:   details,
		CreatedAt: time.Now(),
	}
	if err := e.db.AppendPlanEvent(event); err != nil {
		return nil, fmt.Errorf("failed to log %s event for plan %s: %w", eventType, planID, err)
	}

	if e.events != nil {
		e.events.Publish(event)
	}
	return event, nil
}

// GetHistory retrieves a plan's event log, oldest first
func (e *Engine) GetHistory(planID string, limit int) ([]*db.PlanEvent, error) {
	return e.db.GetPlanHistory(planID, limit)
}

// GetStats aggregates counts by status, completion rate, average step
// count and average wall-clock duration across a user's plans. Duration
// is averaged only over completed plans carrying both timestamps.
func (e *Engine) GetStats(userID string) (*db.PlanStats, error) {
	plans, err := e.db.ListPlans(db.PlanFilter{UserID: userID})
	if err != nil {
		return nil, err
	}

	stats := &db.PlanStats{
		Total:    len(plans),
		ByStatus: make(map[db.PlanStatus]int),
	}
	if len(plans) == 0 {
		return stats, nil
	}

	var stepSum int
	var durationSum int64
	var durationCount int
	for _, plan := range plans {
		stats.ByStatus[plan.Status]++
		stepSum += plan.TotalSteps
		if plan.Status == db.PlanStatusCompleted && plan.StartedAt != nil && plan.CompletedAt != nil {
			durationSum += plan.CompletedAt.Sub(*plan.StartedAt).Milliseconds()
			durationCount++
		}
	}

	stats.CompletionRate = float64(stats.ByStatus[db.PlanStatusCompleted]) / float64(stats.Total)
	stats.AvgSteps = float64(stepSum) / float64(stats.Total)
	if durationCount > 0 {
		stats.AvgDurationMs = float64(durationSum) / float64(durationCount)
	}
	return stats, nil
}
