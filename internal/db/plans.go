package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const planColumns = `id, user_id, name, goal, status, current_step, total_steps, progress, priority, autonomy_level, max_retries, retry_count, timeout_ms, checkpoint, created_at, updated_at, started_at, completed_at`

func scanPlan(row interface{ Scan(...any) error }) (*Plan, error) {
	plan := &Plan{}
	var timeoutMs sql.NullInt64
	err := row.Scan(&plan.ID, &plan.UserID, &plan.Name, &plan.Goal, &plan.Status,
		&plan.CurrentStep, &plan.TotalSteps, &plan.Progress, &plan.Priority, &plan.AutonomyLevel,
		&plan.MaxRetries, &plan.RetryCount, &timeoutMs, &plan.Checkpoint,
		&plan.CreatedAt, &plan.UpdatedAt, &plan.StartedAt, &plan.CompletedAt)
	if err != nil {
		return nil, err
	}
	if timeoutMs.Valid {
		plan.TimeoutMs = &timeoutMs.Int64
	}
	return plan, nil
}

// CreatePlan persists a new plan
func (db *DB) CreatePlan(plan *Plan) error {
	_, err := db.conn.Exec(`
		INSERT INTO plans (id, user_id, name, goal, status, current_step, total_steps, progress, priority, autonomy_level, max_retries, retry_count, timeout_ms, checkpoint, created_at, updated_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, plan.ID, plan.UserID, plan.Name, plan.Goal, plan.Status, plan.CurrentStep, plan.TotalSteps,
		plan.Progress, plan.Priority, plan.AutonomyLevel, plan.MaxRetries, plan.RetryCount,
		plan.TimeoutMs, plan.Checkpoint, plan.CreatedAt, plan.UpdatedAt, plan.StartedAt, plan.CompletedAt)
	return err
}

// GetPlan retrieves a plan by ID
func (db *DB) GetPlan(id string) (*Plan, error) {
	row := db.conn.QueryRow(`SELECT `+planColumns+` FROM plans WHERE id = ?`, id)
	return scanPlan(row)
}

// UpdatePlan writes all mutable plan fields
func (db *DB) UpdatePlan(plan *Plan) error {
	_, err := db.conn.Exec(`
		UPDATE plans SET user_id = ?, name = ?, goal = ?, status = ?, current_step = ?, total_steps = ?,
			progress = ?, priority = ?, autonomy_level = ?, max_retries = ?, retry_count = ?,
			timeout_ms = ?, checkpoint = ?, updated_at = ?, started_at = ?, completed_at = ?
		WHERE id = ?
	`, plan.UserID, plan.Name, plan.Goal, plan.Status, plan.CurrentStep, plan.TotalSteps,
		plan.Progress, plan.Priority, plan.AutonomyLevel, plan.MaxRetries, plan.RetryCount,
		plan.TimeoutMs, plan.Checkpoint, plan.UpdatedAt, plan.StartedAt, plan.CompletedAt, plan.ID)
	return err
}

// DeletePlan deletes a plan; steps and history cascade with it
func (db *DB) DeletePlan(id string) error {
	_, err := db.conn.Exec("DELETE FROM plans WHERE id = ?", id)
	return err
}

// PlanFilter narrows ListPlans results. Zero values match everything.
type PlanFilter struct {
	UserID string
	Status PlanStatus
}

// ListPlans retrieves plans matching the filter, newest first
func (db *DB) ListPlans(filter PlanFilter) ([]*Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans WHERE 1=1`
	var args []any
	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []*Plan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, rows.Err()
}

const stepColumns = `id, plan_id, order_num, name, step_type, config, status, dependencies, retry_count, max_retries, on_success, on_failure, error, started_at, completed_at, duration_ms, created_at, updated_at`

func scanStep(row interface{ Scan(...any) error }) (*PlanStep, error) {
	step := &PlanStep{}
	var config, deps string
	var durationMs sql.NullInt64
	err := row.Scan(&step.ID, &step.PlanID, &step.OrderNum, &step.Name, &step.Type, &config,
		&step.Status, &deps, &step.RetryCount, &step.MaxRetries, &step.OnSuccess, &step.OnFailure,
		&step.Error, &step.StartedAt, &step.CompletedAt, &durationMs, &step.CreatedAt, &step.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if config != "" {
		if err := json.Unmarshal([]byte(config), &step.Config); err != nil {
			return nil, fmt.Errorf("step %s has invalid config: %w", step.ID, err)
		}
	}
	if deps != "" {
		if err := json.Unmarshal([]byte(deps), &step.Dependencies); err != nil {
			return nil, fmt.Errorf("step %s has invalid dependencies: %w", step.ID, err)
		}
	}
	if durationMs.Valid {
		step.DurationMs = &durationMs.Int64
	}
	return step, nil
}

// CreateStep persists a new plan step
func (db *DB) CreateStep(step *PlanStep) error {
	_, err := db.conn.Exec(`
		INSERT INTO plan_steps (id, plan_id, order_num, name, step_type, config, status, dependencies, retry_count, max_retries, on_success, on_failure, error, started_at, completed_at, duration_ms, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, step.ID, step.PlanID, step.OrderNum, step.Name, step.Type, marshalJSON(step.Config, "{}"),
		step.Status, marshalJSON(step.Dependencies, "[]"), step.RetryCount, step.MaxRetries,
		step.OnSuccess, step.OnFailure, step.Error, step.StartedAt, step.CompletedAt,
		step.DurationMs, step.CreatedAt, step.UpdatedAt)
	return err
}

// GetStep retrieves a plan step by ID
func (db *DB) GetStep(id string) (*PlanStep, error) {
	row := db.conn.QueryRow(`SELECT `+stepColumns+` FROM plan_steps WHERE id = ?`, id)
	return scanStep(row)
}

// UpdateStep writes all mutable step fields
func (db *DB) UpdateStep(step *PlanStep) error {
	_, err := db.conn.Exec(`
		UPDATE plan_steps SET order_num = ?, name = ?, step_type = ?, config = ?, status = ?,
			dependencies = ?, retry_count = ?, max_retries = ?, on_success = ?, on_failure = ?,
			error = ?, started_at = ?, completed_at = ?, duration_ms = ?, updated_at = ?
		WHERE id = ?
	`, step.OrderNum, step.Name, step.Type, marshalJSON(step.Config, "{}"), step.Status,
		marshalJSON(step.Dependencies, "[]"), step.RetryCount, step.MaxRetries, step.OnSuccess,
		step.OnFailure, step.Error, step.StartedAt, step.CompletedAt, step.DurationMs,
		step.UpdatedAt, step.ID)
	return err
}

// GetSteps retrieves all steps of a plan in stored order
func (db *DB) GetSteps(planID string) ([]*PlanStep, error) {
	rows, err := db.conn.Query(`
		SELECT `+stepColumns+` FROM plan_steps WHERE plan_id = ? ORDER BY order_num ASC, created_at ASC
	`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSteps(rows)
}

// GetStepsByStatus retrieves a plan's steps in a given status
func (db *DB) GetStepsByStatus(planID string, status StepStatus) ([]*PlanStep, error) {
	rows, err := db.conn.Query(`
		SELECT `+stepColumns+` FROM plan_steps WHERE plan_id = ? AND status = ? ORDER BY order_num ASC, created_at ASC
	`, planID, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSteps(rows)
}

func collectSteps(rows *sql.Rows) ([]*PlanStep, error) {
	var steps []*PlanStep
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// CountSteps returns the number of steps in a plan
func (db *DB) CountSteps(planID string) (int, error) {
	var count int
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM plan_steps WHERE plan_id = ?`, planID).Scan(&count)
	return count, err
}

// ClaimStep atomically transitions a step from pending to running.
// Returns false when another driver already claimed it.
func (db *DB) ClaimStep(id string, startedAt time.Time) (bool, error) {
	result, err := db.conn.Exec(`
		UPDATE plan_steps SET status = ?, started_at = COALESCE(started_at, ?), updated_at = ?
		WHERE id = ? AND status = ?
	`, StepStatusRunning, startedAt, startedAt, id, StepStatusPending)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// AppendPlanEvent inserts a history row. History is never updated after insert.
func (db *DB) AppendPlanEvent(event *PlanEvent) error {
	_, err := db.conn.Exec(`
		INSERT INTO plan_history (id, plan_id, step_id, event_type, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, event.ID, event.PlanID, event.StepID, event.EventType, event.Details, event.CreatedAt)
	return err
}

// GetPlanHistory retrieves a plan's event log, oldest first
func (db *DB) GetPlanHistory(planID string, limit int) ([]*PlanEvent, error) {
	query := `SELECT id, plan_id, step_id, event_type, details, created_at FROM plan_history WHERE plan_id = ? ORDER BY created_at ASC, id ASC`
	args := []any{planID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*PlanEvent
	for rows.Next() {
		event := &PlanEvent{}
		err := rows.Scan(&event.ID, &event.PlanID, &event.StepID, &event.EventType, &event.Details, &event.CreatedAt)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}
