package executor

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aidekit/aide/internal/agent"
	"github.com/aidekit/aide/internal/db"
)

// fakeAgent scripts Chat responses and records prompts.
type fakeAgent struct {
	tools    []agent.Tool
	results  []*agent.ChatResult
	errs     []error
	prompts  []string
	panicMsg string
}

func (f *fakeAgent) Chat(ctx context.Context, prompt string) (*agent.ChatResult, error) {
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	f.prompts = append(f.prompts, prompt)
	i := len(f.prompts) - 1
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	if err != nil {
		return nil, err
	}
	if i < len(f.results) {
		return f.results[i], nil
	}
	return &agent.ChatResult{Content: "ok"}, nil
}

func (f *fakeAgent) Tools() []agent.Tool {
	return f.tools
}

func promptTask(prompt string) *db.Task {
	return &db.Task{
		ID:   1,
		Name: "morning briefing",
		Payload: db.TaskPayload{
			Type:   db.TaskTypePrompt,
			Prompt: prompt,
		},
	}
}

func TestExecute_Prompt_MapsResult(t *testing.T) {
	fake := &fakeAgent{
		results: []*agent.ChatResult{{
			Content: "Here is your briefing",
			Model:   "sonnet",
			Usage:   &agent.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		}},
	}
	exec := New(fake)

	res := exec.Execute(context.Background(), promptTask("summarize my day"))

	assert.Equal(t, db.RunStatusCompleted, res.Status)
	assert.Equal(t, "Here is your briefing", res.Output)
	assert.Equal(t, "sonnet", res.ModelUsed)
	assert.Empty(t, res.Error)
	require.NotNil(t, res.Usage)
	assert.Equal(t, int64(10), res.Usage.Input)
	assert.Equal(t, int64(5), res.Usage.Output)
	assert.Equal(t, int64(15), res.Usage.Total)
	assert.Equal(t, int64(1), res.TaskID)
}

func TestExecute_Prompt_AgentError(t *testing.T) {
	fake := &fakeAgent{errs: []error{errors.New("rate limited")}}
	exec := New(fake)

	res := exec.Execute(context.Background(), promptTask("hello"))

	assert.Equal(t, db.RunStatusFailed, res.Status)
	assert.Equal(t, "rate limited", res.Error)
	assert.Empty(t, res.Output)
}

func TestExecute_UnknownType(t *testing.T) {
	exec := New(&fakeAgent{})

	res := exec.Execute(context.Background(), &db.Task{
		ID:      7,
		Name:    "weird",
		Payload: db.TaskPayload{Type: "magic"},
	})

	assert.Equal(t, db.RunStatusFailed, res.Status)
	assert.Equal(t, "Unknown task type: magic", res.Error)
	assert.False(t, res.StartedAt.IsZero())
	assert.False(t, res.CompletedAt.IsZero())
	assert.False(t, res.CompletedAt.Before(res.StartedAt))
}

func TestExecute_ToolCall_NotFound(t *testing.T) {
	fake := &fakeAgent{tools: []agent.Tool{{Name: "web_search"}}}
	exec := New(fake)

	res := exec.Execute(context.Background(), &db.Task{
		ID:   2,
		Name: "lookup",
		Payload: db.TaskPayload{
			Type: db.TaskTypeToolCall,
			Tool: &db.ToolCall{Name: "telescope", Args: map[string]any{"target": "mars"}},
		},
	})

	assert.Equal(t, db.RunStatusFailed, res.Status)
	assert.Equal(t, "Tool not found: telescope", res.Error)
	// Unknown tool names must fail structurally, before any agent call
	assert.Empty(t, fake.prompts)
}

func TestExecute_ToolCall_NilTool(t *testing.T) {
	exec := New(&fakeAgent{})

	res := exec.Execute(context.Background(), &db.Task{
		Name:    "broken",
		Payload: db.TaskPayload{Type: db.TaskTypeToolCall},
	})

	assert.Equal(t, db.RunStatusFailed, res.Status)
	assert.Equal(t, "Tool call payload has no tool", res.Error)
}

func TestExecute_ToolCall_Delegates(t *testing.T) {
	fake := &fakeAgent{
		tools:   []agent.Tool{{Name: "web_search"}},
		results: []*agent.ChatResult{{Content: "3 results found"}},
	}
	exec := New(fake)

	res := exec.Execute(context.Background(), &db.Task{
		Name: "lookup",
		Payload: db.TaskPayload{
			Type: db.TaskTypeToolCall,
			Tool: &db.ToolCall{Name: "web_search", Args: map[string]any{"query": "weather"}},
		},
	})

	assert.Equal(t, db.RunStatusCompleted, res.Status)
	assert.Equal(t, "3 results found", res.Output)
	require.Len(t, fake.prompts, 1)
	assert.Contains(t, fake.prompts[0], `"web_search"`)
	assert.Contains(t, fake.prompts[0], `"query":"weather"`)
}

func TestExecute_Workflow_CollectsStepOutputs(t *testing.T) {
	fake := &fakeAgent{
		results: []*agent.ChatResult{
			{Content: "emails checked"},
			{Content: "calendar reviewed"},
		},
	}
	exec := New(fake)

	res := exec.Execute(context.Background(), &db.Task{
		ID:   3,
		Name: "morning routine",
		Payload: db.TaskPayload{
			Type: db.TaskTypeWorkflow,
			Steps: []db.SubTask{
				{Name: "check email", Type: db.TaskTypePrompt, Prompt: "check my email"},
				{Name: "review calendar", Type: db.TaskTypePrompt, Prompt: "review my calendar"},
			},
		},
	})

	assert.Equal(t, db.RunStatusCompleted, res.Status)
	assert.Equal(t, []string{"emails checked", "calendar reviewed"}, res.StepOutputs)
	assert.Len(t, fake.prompts, 2)
}

func TestExecute_Workflow_StopsAtFirstFailure(t *testing.T) {
	fake := &fakeAgent{
		results: []*agent.ChatResult{{Content: "step one done"}},
		errs:    []error{nil, errors.New("imap timeout")},
	}
	exec := New(fake)

	res := exec.Execute(context.Background(), &db.Task{
		Name: "routine",
		Payload: db.TaskPayload{
			Type: db.TaskTypeWorkflow,
			Steps: []db.SubTask{
				{Name: "first", Type: db.TaskTypePrompt, Prompt: "a"},
				{Name: "second", Type: db.TaskTypePrompt, Prompt: "b"},
				{Name: "third", Type: db.TaskTypePrompt, Prompt: "c"},
			},
		},
	})

	assert.Equal(t, db.RunStatusFailed, res.Status)
	assert.Equal(t, `Step "second" failed: imap timeout`, res.Error)
	// Third step never runs
	assert.Len(t, fake.prompts, 2)
	assert.Equal(t, []string{"step one done"}, res.StepOutputs)
}

func TestExecute_Workflow_UnknownStepType(t *testing.T) {
	exec := New(&fakeAgent{})

	res := exec.Execute(context.Background(), &db.Task{
		Name: "routine",
		Payload: db.TaskPayload{
			Type:  db.TaskTypeWorkflow,
			Steps: []db.SubTask{{Name: "mystery", Type: "magic"}},
		},
	})

	assert.Equal(t, db.RunStatusFailed, res.Status)
	assert.Equal(t, `Step "mystery" failed: Unknown task type: magic`, res.Error)
}

func TestExecute_Workflow_NestedWorkflowRejected(t *testing.T) {
	fake := &fakeAgent{
		results: []*agent.ChatResult{{Content: "first done"}},
	}
	exec := New(fake)

	res := exec.Execute(context.Background(), &db.Task{
		Name: "routine",
		Payload: db.TaskPayload{
			Type: db.TaskTypeWorkflow,
			Steps: []db.SubTask{
				{Name: "first", Type: db.TaskTypePrompt, Prompt: "a"},
				{Name: "inner", Type: db.TaskTypeWorkflow},
			},
		},
	})

	assert.Equal(t, db.RunStatusFailed, res.Status)
	assert.Equal(t, `Step "inner" failed: Workflows cannot be nested`, res.Error)
	// The nested step never reaches the agent
	assert.Len(t, fake.prompts, 1)
	assert.Equal(t, []string{"first done"}, res.StepOutputs)
}

func TestExecute_Workflow_Empty(t *testing.T) {
	fake := &fakeAgent{}
	exec := New(fake)

	res := exec.Execute(context.Background(), &db.Task{
		Name: "noop",
		Payload: db.TaskPayload{
			Type:  db.TaskTypeWorkflow,
			Steps: []db.SubTask{},
		},
	})

	assert.Equal(t, db.RunStatusCompleted, res.Status)
	require.NotNil(t, res.StepOutputs)
	assert.Empty(t, res.StepOutputs)
	assert.Empty(t, fake.prompts)
}

func TestExecute_PanicContained(t *testing.T) {
	fake := &fakeAgent{panicMsg: "agent blew up"}
	exec := New(fake)

	res := exec.Execute(context.Background(), promptTask("hello"))

	assert.Equal(t, db.RunStatusFailed, res.Status)
	assert.True(t, strings.Contains(res.Error, "agent blew up"))
	assert.False(t, res.CompletedAt.IsZero())
}
