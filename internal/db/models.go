package db

import "time"

// TaskType identifies the payload variant of a scheduled task.
type TaskType string

const (
	TaskTypePrompt   TaskType = "prompt"
	TaskTypeToolCall TaskType = "tool_call"
	TaskTypeWorkflow TaskType = "workflow"
)

// ToolCall names a registered tool and its arguments.
type ToolCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// SubTask is one sequential step of a workflow payload.
// Sub-steps carry the same payload union minus nested workflows.
type SubTask struct {
	Name   string    `json:"name"`
	Type   TaskType  `json:"type"`
	Prompt string    `json:"prompt,omitempty"`
	Tool   *ToolCall `json:"tool,omitempty"`
}

// TaskPayload is the tagged union executed by the dispatcher.
// Only the fields matching Type are meaningful.
type TaskPayload struct {
	Type   TaskType  `json:"type"`
	Prompt string    `json:"prompt,omitempty"`
	Tool   *ToolCall `json:"tool,omitempty"`
	Steps  []SubTask `json:"steps,omitempty"`
}

// Task represents a scheduled unit of work
type Task struct {
	ID             int64       `json:"id"`
	UserID         string      `json:"user_id"`
	Name           string      `json:"name"`
	CronExpr       string      `json:"cron_expr"`
	Payload        TaskPayload `json:"payload"`
	Priority       int         `json:"priority"`
	NotifyChannels []string    `json:"notify_channels,omitempty"`
	TimeoutMs      *int64      `json:"timeout_ms,omitempty"`
	Enabled        bool        `json:"enabled"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	LastRunAt      *time.Time  `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time  `json:"next_run_at,omitempty"`
}

// RunStatus represents the status of a task run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// TokenUsage records the token accounting reported by the agent.
type TokenUsage struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Total  int64 `json:"total"`
}

// TaskRun represents one execution of a task
type TaskRun struct {
	ID          int64       `json:"id"`
	TaskID      int64       `json:"task_id"`
	Status      RunStatus   `json:"status"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Output      string      `json:"output"`
	StepOutputs []string    `json:"step_outputs,omitempty"`
	Error       string      `json:"error,omitempty"`
	ModelUsed   string      `json:"model_used,omitempty"`
	Usage       *TokenUsage `json:"token_usage,omitempty"`
}

// PlanStatus is the single authoritative lifecycle field of a plan.
type PlanStatus string

const (
	PlanStatusPending   PlanStatus = "pending"
	PlanStatusRunning   PlanStatus = "running"
	PlanStatusPaused    PlanStatus = "paused"
	PlanStatusCompleted PlanStatus = "completed"
	PlanStatusFailed    PlanStatus = "failed"
	PlanStatusCancelled PlanStatus = "cancelled"
)

// Terminal reports whether the status can never be left again.
func (s PlanStatus) Terminal() bool {
	return s == PlanStatusCompleted || s == PlanStatusFailed || s == PlanStatusCancelled
}

// Plan is a longer-lived, goal-oriented, multi-step execution.
type Plan struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	Name          string     `json:"name"`
	Goal          string     `json:"goal"`
	Status        PlanStatus `json:"status"`
	CurrentStep   int        `json:"current_step"`
	TotalSteps    int        `json:"total_steps"`
	Progress      float64    `json:"progress"`
	Priority      int        `json:"priority"`
	AutonomyLevel string     `json:"autonomy_level,omitempty"`
	MaxRetries    int        `json:"max_retries"`
	RetryCount    int        `json:"retry_count"`
	TimeoutMs     *int64     `json:"timeout_ms,omitempty"`
	Checkpoint    string     `json:"checkpoint,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// StepStatus represents the status of a plan step
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusBlocked   StepStatus = "blocked"
	StepStatusWaiting   StepStatus = "waiting"
)

// Terminal reports whether the step status is final.
func (s StepStatus) Terminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusSkipped
}

// StepType is the closed set of step kinds a plan may contain.
type StepType string

const (
	StepTypeToolCall    StepType = "tool_call"
	StepTypeLLMDecision StepType = "llm_decision"
	StepTypeUserInput   StepType = "user_input"
	StepTypeCondition   StepType = "condition"
	StepTypeParallel    StepType = "parallel"
	StepTypeLoop        StepType = "loop"
	StepTypeSubPlan     StepType = "sub_plan"
)

// PlanStep is one node in a plan's execution graph.
type PlanStep struct {
	ID           string         `json:"id"`
	PlanID       string         `json:"plan_id"`
	OrderNum     int            `json:"order_num"`
	Name         string         `json:"name"`
	Type         StepType       `json:"type"`
	Config       map[string]any `json:"config,omitempty"`
	Status       StepStatus     `json:"status"`
	Dependencies []string       `json:"dependencies,omitempty"`
	RetryCount   int            `json:"retry_count"`
	MaxRetries   int            `json:"max_retries"`
	OnSuccess    string         `json:"on_success,omitempty"`
	OnFailure    string         `json:"on_failure,omitempty"`
	Error        string         `json:"error,omitempty"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	DurationMs   *int64         `json:"duration_ms,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// PlanEventType classifies plan history events.
type PlanEventType string

const (
	PlanEventStarted       PlanEventType = "started"
	PlanEventStepStarted   PlanEventType = "step_started"
	PlanEventStepCompleted PlanEventType = "step_completed"
	PlanEventStepFailed    PlanEventType = "step_failed"
	PlanEventPaused        PlanEventType = "paused"
	PlanEventResumed       PlanEventType = "resumed"
	PlanEventCompleted     PlanEventType = "completed"
	PlanEventFailed        PlanEventType = "failed"
	PlanEventCancelled     PlanEventType = "cancelled"
	PlanEventCheckpoint    PlanEventType = "checkpoint"
)

// PlanEvent is one append-only row of a plan's audit trail.
type PlanEvent struct {
	ID        string        `json:"id"`
	PlanID    string        `json:"plan_id"`
	StepID    string        `json:"step_id,omitempty"`
	EventType PlanEventType `json:"event_type"`
	Details   string        `json:"details,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// ChannelStatus represents the connection state of a messaging channel.
type ChannelStatus string

const (
	ChannelStatusConnected    ChannelStatus = "connected"
	ChannelStatusDisconnected ChannelStatus = "disconnected"
)

// Channel is a configured messaging-channel transport.
type Channel struct {
	ID         string        `json:"id"`
	Platform   string        `json:"platform"`
	PluginID   string        `json:"plugin_id"`
	Name       string        `json:"name"`
	Status     ChannelStatus `json:"status"`
	WebhookURL string        `json:"webhook_url,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// PlanStats aggregates a user's plans.
type PlanStats struct {
	Total          int                `json:"total"`
	ByStatus       map[PlanStatus]int `json:"by_status"`
	CompletionRate float64            `json:"completion_rate"`
	AvgSteps       float64            `json:"avg_steps"`
	AvgDurationMs  float64            `json:"avg_duration_ms"`
}
