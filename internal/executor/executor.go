package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aidekit/aide/internal/agent"
	"github.com/aidekit/aide/internal/db"
)

// Executor dispatches task payloads against the agent collaborator.
type Executor struct {
	agent agent.Agent
}

// New creates a new executor
func New(a agent.Agent) *Executor {
	return &Executor{agent: a}
}

// Result represents the outcome of one task execution. Error is set
// exactly when Status is failed; StepOutputs may be partially populated
// for workflows even on failure.
type Result struct {
	TaskID      int64
	Status      db.RunStatus
	Output      string
	StepOutputs []string
	Error       string
	ModelUsed   string
	Usage       *db.TokenUsage
	StartedAt   time.Time
	CompletedAt time.Time
}

// Execute runs the task's payload and never returns an error or panics
// past this boundary; all failure information is carried in the Result.
func (e *Executor) Execute(ctx context.Context, task *db.Task) *Result {
	res := e.run(ctx, task.Name, task.Payload)
	res.TaskID = task.ID
	return res
}

// run is the dispatch switch over the payload union. Workflows re-enter
// it once per sub-step; sub-steps cannot themselves carry step lists, so
// recursion is bounded at one level.
func (e *Executor) run(ctx context.Context, name string, payload db.TaskPayload) (res *Result) {
	res = &Result{StartedAt: time.Now()}
	defer func() {
		if r := recover(); r != nil {
			res.Status = db.RunStatusFailed
			res.Error = fmt.Sprintf("%v", r)
		}
		res.CompletedAt = time.Now()
	}()

	switch payload.Type {
	case db.TaskTypePrompt:
		e.runPrompt(ctx, payload.Prompt, res)
	case db.TaskTypeToolCall:
		e.runToolCall(ctx, payload.Tool, res)
	case db.TaskTypeWorkflow:
		e.runWorkflow(ctx, name, payload.Steps, res)
	default:
		res.Status = db.RunStatusFailed
		res.Error = fmt.Sprintf("Unknown task type: %s", payload.Type)
	}
	return res
}

func (e *Executor) runPrompt(ctx context.Context, prompt string, res *Result) {
	chat, err := e.agent.Chat(ctx, prompt)
	if err != nil {
		res.Status = db.RunStatusFailed
		res.Error = err.Error()
		return
	}

	res.Status = db.RunStatusCompleted
	res.Output = chat.Content
	res.ModelUsed = chat.Model
	if chat.Usage != nil {
		res.Usage = &db.TokenUsage{
			Input:  chat.Usage.PromptTokens,
			Output: chat.Usage.CompletionTokens,
			Total:  chat.Usage.TotalTokens,
		}
	}
}

func (e *Executor) runToolCall(ctx context.Context, tool *db.ToolCall, res *Result) {
	if tool == nil {
		res.Status = db.RunStatusFailed
		res.Error = "Tool call payload has no tool"
		return
	}

	// Structural check against the agent's registered tools; no agent
	// call is attempted for an unknown tool name.
	if !e.hasTool(tool.Name) {
		res.Status = db.RunStatusFailed
		res.Error = fmt.Sprintf("Tool not found: %s", tool.Name)
		return
	}

	args, err := json.Marshal(tool.Args)
	if err != nil {
		res.Status = db.RunStatusFailed
		res.Error = fmt.Sprintf("failed to serialize tool arguments: %v", err)
		return
	}

	// Tool execution is delegated to the agent's own tool-calling loop.
	instruction := fmt.Sprintf("Execute the tool %q with the arguments %s and return only the tool's result.", tool.Name, args)
	chat, err := e.agent.Chat(ctx, instruction)
	if err != nil {
		res.Status = db.RunStatusFailed
		res.Error = err.Error()
		return
	}

	res.Status = db.RunStatusCompleted
	res.Output = chat.Content
	res.ModelUsed = chat.Model
	if chat.Usage != nil {
		res.Usage = &db.TokenUsage{
			Input:  chat.Usage.PromptTokens,
			Output: chat.Usage.CompletionTokens,
			Total:  chat.Usage.TotalTokens,
		}
	}
}

// runWorkflow executes steps strictly in list order, collecting each
// step's output and stopping at the first failure with the partial list.
func (e *Executor) runWorkflow(ctx context.Context, name string, steps []db.SubTask, res *Result) {
	res.StepOutputs = []string{}

	for _, step := range steps {
		// Sub-steps carry no step lists, so a nested workflow type is a
		// structural failure, not a vacuous success.
		if step.Type == db.TaskTypeWorkflow {
			res.Status = db.RunStatusFailed
			res.Error = fmt.Sprintf("Step %q failed: Workflows cannot be nested", step.Name)
			return
		}
		sub := e.run(ctx, fmt.Sprintf("%s - %s", name, step.Name), db.TaskPayload{
			Type:   step.Type,
			Prompt: step.Prompt,
			Tool:   step.Tool,
		})
		if sub.Status == db.RunStatusFailed {
			if sub.Output != "" {
				res.StepOutputs = append(res.StepOutputs, sub.Output)
			}
			res.Status = db.RunStatusFailed
			res.Error = fmt.Sprintf("Step %q failed: %s", step.Name, sub.Error)
			return
		}
		res.StepOutputs = append(res.StepOutputs, sub.Output)
	}

	// An empty step list is a vacuous success
	res.Status = db.RunStatusCompleted
}

func (e *Executor) hasTool(name string) bool {
	for _, t := range e.agent.Tools() {
		if t.Name == name {
			return true
		}
	}
	return false
}
