package api

import (
	"time"

	"github.com/aidekit/aide/internal/db"
)

// TaskRequest represents a task creation/update request
type TaskRequest struct {
	UserID         string         `json:"user_id"`
	Name           string         `json:"name"`
	CronExpr       string         `json:"cron_expr"`
	Payload        db.TaskPayload `json:"payload"`
	Priority       int            `json:"priority"`
	NotifyChannels []string       `json:"notify_channels,omitempty"`
	TimeoutMs      *int64         `json:"timeout_ms,omitempty"`
	Enabled        bool           `json:"enabled"`
}

// TaskResponse represents a task in API responses
type TaskResponse struct {
	ID             int64          `json:"id"`
	UserID         string         `json:"user_id"`
	Name           string         `json:"name"`
	CronExpr       string         `json:"cron_expr"`
	Payload        db.TaskPayload `json:"payload"`
	Priority       int            `json:"priority"`
	NotifyChannels []string       `json:"notify_channels,omitempty"`
	TimeoutMs      *int64         `json:"timeout_ms,omitempty"`
	Enabled        bool           `json:"enabled"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	LastRunAt      *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time     `json:"next_run_at,omitempty"`
	LastRunStatus  string         `json:"last_run_status,omitempty"`
}

// TaskListResponse represents a list of tasks
type TaskListResponse struct {
	Tasks []TaskResponse `json:"tasks"`
	Total int            `json:"total"`
}

// TaskRunResponse represents a task run in API responses
type TaskRunResponse struct {
	ID          int64          `json:"id"`
	TaskID      int64          `json:"task_id"`
	Status      string         `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Output      string         `json:"output"`
	StepOutputs []string       `json:"step_outputs,omitempty"`
	Error       string         `json:"error,omitempty"`
	ModelUsed   string         `json:"model_used,omitempty"`
	TokenUsage  *db.TokenUsage `json:"token_usage,omitempty"`
	DurationMs  *int64         `json:"duration_ms,omitempty"`
}

// TaskRunsResponse represents a list of task runs
type TaskRunsResponse struct {
	Runs  []TaskRunResponse `json:"runs"`
	Total int               `json:"total"`
}

// PlanRequest represents a plan creation request
type PlanRequest struct {
	UserID        string `json:"user_id"`
	Name          string `json:"name"`
	Goal          string `json:"goal"`
	Priority      int    `json:"priority"`
	AutonomyLevel string `json:"autonomy_level,omitempty"`
	MaxRetries    int    `json:"max_retries"`
	TimeoutMs     *int64 `json:"timeout_ms,omitempty"`
}

// PlanPatchRequest represents a partial plan update
type PlanPatchRequest struct {
	Name          *string `json:"name,omitempty"`
	Goal          *string `json:"goal,omitempty"`
	Status        *string `json:"status,omitempty"`
	Priority      *int    `json:"priority,omitempty"`
	AutonomyLevel *string `json:"autonomy_level,omitempty"`
	MaxRetries    *int    `json:"max_retries,omitempty"`
	RetryCount    *int    `json:"retry_count,omitempty"`
	TimeoutMs     *int64  `json:"timeout_ms,omitempty"`
	Checkpoint    *string `json:"checkpoint,omitempty"`
}

// StepRequest represents a step creation request
type StepRequest struct {
	Name         string         `json:"name"`
	Type         string         `json:"type"`
	OrderNum     int            `json:"order_num,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
	MaxRetries   int            `json:"max_retries"`
	OnSuccess    string         `json:"on_success,omitempty"`
	OnFailure    string         `json:"on_failure,omitempty"`
}

// StepPatchRequest represents a partial step update
type StepPatchRequest struct {
	Name         *string        `json:"name,omitempty"`
	OrderNum     *int           `json:"order_num,omitempty"`
	Status       *string        `json:"status,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
	Dependencies *[]string      `json:"dependencies,omitempty"`
	RetryCount   *int           `json:"retry_count,omitempty"`
	MaxRetries   *int           `json:"max_retries,omitempty"`
	OnSuccess    *string        `json:"on_success,omitempty"`
	OnFailure    *string        `json:"on_failure,omitempty"`
	Error        *string        `json:"error,omitempty"`
}

// EventRequest represents a history event append request
type EventRequest struct {
	EventType string `json:"event_type"`
	StepID    string `json:"step_id,omitempty"`
	Details   string `json:"details,omitempty"`
}

// ChannelRequest represents a channel creation/update request
type ChannelRequest struct {
	Platform   string `json:"platform"`
	PluginID   string `json:"plugin_id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	WebhookURL string `json:"webhook_url,omitempty"`
}

// SettingsResponse represents the settings
type SettingsResponse struct {
	HistoryKeep     int      `json:"history_keep"`
	DefaultChannels []string `json:"default_channels"`
}

// SettingsRequest represents a settings update request
type SettingsRequest struct {
	HistoryKeep     *int      `json:"history_keep,omitempty"`
	DefaultChannels *[]string `json:"default_channels,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// SuccessResponse represents a generic success response
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// ReadyResponse reports a step's dependency satisfaction
type ReadyResponse struct {
	StepID string `json:"step_id"`
	Ready  bool   `json:"ready"`
}

// ClaimResponse reports the outcome of a step claim attempt
type ClaimResponse struct {
	StepID  string `json:"step_id"`
	Claimed bool   `json:"claimed"`
}
