package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const taskColumns = `id, user_id, name, cron_expr, payload, priority, notify_channels, timeout_ms, enabled, created_at, updated_at, last_run_at, next_run_at`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	task := &Task{}
	var payload, channels string
	var timeoutMs sql.NullInt64
	err := row.Scan(&task.ID, &task.UserID, &task.Name, &task.CronExpr, &payload, &task.Priority,
		&channels, &timeoutMs, &task.Enabled, &task.CreatedAt, &task.UpdatedAt, &task.LastRunAt, &task.NextRunAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &task.Payload); err != nil {
		return nil, fmt.Errorf("task %d has invalid payload: %w", task.ID, err)
	}
	if channels != "" {
		if err := json.Unmarshal([]byte(channels), &task.NotifyChannels); err != nil {
			return nil, fmt.Errorf("task %d has invalid notify_channels: %w", task.ID, err)
		}
	}
	if timeoutMs.Valid {
		task.TimeoutMs = &timeoutMs.Int64
	}
	return task, nil
}

// CreateTask creates a new task
func (db *DB) CreateTask(task *Task) error {
	now := time.Now()
	task.CreatedAt = now
	task.UpdatedAt = now
	result, err := db.conn.Exec(`
		INSERT INTO tasks (user_id, name, cron_expr, payload, priority, notify_channels, timeout_ms, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.UserID, task.Name, task.CronExpr, marshalJSON(task.Payload, "{}"), task.Priority,
		marshalJSON(task.NotifyChannels, "[]"), task.TimeoutMs, task.Enabled, now, now)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	task.ID = id
	return nil
}

// GetTask retrieves a task by ID
func (db *DB) GetTask(id int64) (*Task, error) {
	row := db.conn.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// ListTasks retrieves all tasks
func (db *DB) ListTasks() ([]*Task, error) {
	rows, err := db.conn.Query(`SELECT ` + taskColumns + ` FROM tasks ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// UpdateTask updates a task
func (db *DB) UpdateTask(task *Task) error {
	task.UpdatedAt = time.Now()
	_, err := db.conn.Exec(`
		UPDATE tasks SET user_id = ?, name = ?, cron_expr = ?, payload = ?, priority = ?, notify_channels = ?,
			timeout_ms = ?, enabled = ?, updated_at = ?, last_run_at = ?, next_run_at = ?
		WHERE id = ?
	`, task.UserID, task.Name, task.CronExpr, marshalJSON(task.Payload, "{}"), task.Priority,
		marshalJSON(task.NotifyChannels, "[]"), task.TimeoutMs, task.Enabled, task.UpdatedAt,
		task.LastRunAt, task.NextRunAt, task.ID)
	return err
}

// DeleteTask deletes a task; run history cascades with it
func (db *DB) DeleteTask(id int64) error {
	_, err := db.conn.Exec("DELETE FROM tasks WHERE id = ?", id)
	return err
}

// ToggleTask enables or disables a task
func (db *DB) ToggleTask(id int64) error {
	_, err := db.conn.Exec("UPDATE tasks SET enabled = NOT enabled, updated_at = ? WHERE id = ?", time.Now(), id)
	return err
}

const runColumns = `id, task_id, status, started_at, completed_at, output, step_outputs, error, model_used, tokens_input, tokens_output, tokens_total`

func scanRun(row interface{ Scan(...any) error }) (*TaskRun, error) {
	run := &TaskRun{}
	var stepOutputs string
	var in, out, total sql.NullInt64
	err := row.Scan(&run.ID, &run.TaskID, &run.Status, &run.StartedAt, &run.CompletedAt,
		&run.Output, &stepOutputs, &run.Error, &run.ModelUsed, &in, &out, &total)
	if err != nil {
		return nil, err
	}
	if stepOutputs != "" {
		if err := json.Unmarshal([]byte(stepOutputs), &run.StepOutputs); err != nil {
			return nil, fmt.Errorf("run %d has invalid step_outputs: %w", run.ID, err)
		}
	}
	if total.Valid {
		run.Usage = &TokenUsage{Input: in.Int64, Output: out.Int64, Total: total.Int64}
	}
	return run, nil
}

func usageColumns(u *TokenUsage) (in, out, total *int64) {
	if u == nil {
		return nil, nil, nil
	}
	return &u.Input, &u.Output, &u.Total
}

// CreateTaskRun creates a new task run record
func (db *DB) CreateTaskRun(run *TaskRun) error {
	in, out, total := usageColumns(run.Usage)
	var stepOutputs string
	if run.StepOutputs != nil {
		stepOutputs = marshalJSON(run.StepOutputs, "[]")
	}
	result, err := db.conn.Exec(`
		INSERT INTO task_runs (task_id, status, started_at, completed_at, output, step_outputs, error, model_used, tokens_input, tokens_output, tokens_total)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.TaskID, run.Status, run.StartedAt, run.CompletedAt, run.Output, stepOutputs, run.Error, run.ModelUsed, in, out, total)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	run.ID = id
	return nil
}

// UpdateTaskRun updates a task run
func (db *DB) UpdateTaskRun(run *TaskRun) error {
	in, out, total := usageColumns(run.Usage)
	var stepOutputs string
	if run.StepOutputs != nil {
		stepOutputs = marshalJSON(run.StepOutputs, "[]")
	}
	_, err := db.conn.Exec(`
		UPDATE task_runs SET status = ?, completed_at = ?, output = ?, step_outputs = ?, error = ?, model_used = ?, tokens_input = ?, tokens_output = ?, tokens_total = ?
		WHERE id = ?
	`, run.Status, run.CompletedAt, run.Output, stepOutputs, run.Error, run.ModelUsed, in, out, total, run.ID)
	return err
}

// GetTaskRun retrieves a specific task run by ID
func (db *DB) GetTaskRun(runID int64) (*TaskRun, error) {
	row := db.conn.QueryRow(`SELECT `+runColumns+` FROM task_runs WHERE id = ?`, runID)
	return scanRun(row)
}

// GetTaskRuns retrieves runs for a task, newest first
func (db *DB) GetTaskRuns(taskID int64, limit int) ([]*TaskRun, error) {
	rows, err := db.conn.Query(`
		SELECT `+runColumns+` FROM task_runs WHERE task_id = ? ORDER BY started_at DESC, id DESC LIMIT ?
	`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*TaskRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// GetLatestTaskRun retrieves the most recent run for a task
func (db *DB) GetLatestTaskRun(taskID int64) (*TaskRun, error) {
	row := db.conn.QueryRow(`
		SELECT `+runColumns+` FROM task_runs WHERE task_id = ? ORDER BY started_at DESC, id DESC LIMIT 1
	`, taskID)
	return scanRun(row)
}

// GetLastRunStatuses retrieves the last run status for all tasks
func (db *DB) GetLastRunStatuses() (map[int64]RunStatus, error) {
	rows, err := db.conn.Query(`
		SELECT task_id, status FROM task_runs
		WHERE id IN (
			SELECT MAX(id) FROM task_runs GROUP BY task_id
		)
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	statuses := make(map[int64]RunStatus)
	for rows.Next() {
		var taskID int64
		var status string
		if err := rows.Scan(&taskID, &status); err != nil {
			return nil, err
		}
		statuses[taskID] = RunStatus(status)
	}
	return statuses, rows.Err()
}

// TrimTaskRuns deletes all but the keep most recent runs for a task
func (db *DB) TrimTaskRuns(taskID int64, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	result, err := db.conn.Exec(`
		DELETE FROM task_runs WHERE task_id = ? AND id NOT IN (
			SELECT id FROM task_runs WHERE task_id = ? ORDER BY started_at DESC, id DESC LIMIT ?
		)
	`, taskID, taskID, keep)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// MarkStaleRunsAsFailed marks all "running" task runs as failed.
// Called on startup to clean up runs interrupted by a restart.
func (db *DB) MarkStaleRunsAsFailed() (int64, error) {
	result, err := db.conn.Exec(`
		UPDATE task_runs
		SET status = ?, error = 'Server restarted during execution', completed_at = CURRENT_TIMESTAMP
		WHERE status = ?
	`, RunStatusFailed, RunStatusRunning)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
