package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// CLI is an Agent backed by the Claude CLI in print mode.
type CLI struct {
	bin        string
	workingDir string
	tools      []Tool
}

// NewCLI creates a CLI agent. bin defaults to "claude" when empty.
func NewCLI(bin, workingDir string, tools []Tool) *CLI {
	if bin == "" {
		bin = "claude"
	}
	return &CLI{bin: bin, workingDir: workingDir, tools: tools}
}

// cliResult is the JSON envelope printed by --output-format json
type cliResult struct {
	Type    string `json:"type"`
	IsError bool   `json:"is_error"`
	Result  string `json:"result"`
	Model   string `json:"model,omitempty"`
	Usage   struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

// Chat runs a single non-interactive CLI invocation.
func (c *CLI) Chat(ctx context.Context, prompt string) (*ChatResult, error) {
	// -p enables print mode (non-interactive), prompt is positional arg
	// --dangerously-skip-permissions bypasses permission prompts for unattended runs
	cmd := exec.CommandContext(ctx, c.bin, "-p",
		"--dangerously-skip-permissions",
		"--output-format", "json",
		prompt)
	cmd.Dir = c.workingDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start command: %w", err)
	}

	// Collect stderr in background
	var stderrOutput strings.Builder
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			stderrOutput.WriteString(scanner.Text())
			stderrOutput.WriteString("\n")
		}
	}()

	var outputBuilder strings.Builder
	scanner := bufio.NewScanner(stdout)
	// Increase buffer size for large JSON lines
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		outputBuilder.WriteString(scanner.Text())
		outputBuilder.WriteString("\n")
	}

	if err := cmd.Wait(); err != nil {
		if stderrOutput.Len() > 0 {
			return nil, fmt.Errorf("%s: %s", err.Error(), strings.TrimSpace(stderrOutput.String()))
		}
		return nil, err
	}

	var parsed cliResult
	if err := json.Unmarshal([]byte(outputBuilder.String()), &parsed); err != nil {
		// Not JSON, treat raw stdout as the answer
		return &ChatResult{Content: strings.TrimSpace(outputBuilder.String())}, nil
	}
	if parsed.IsError {
		return nil, fmt.Errorf("%s", parsed.Result)
	}

	result := &ChatResult{Content: parsed.Result, Model: parsed.Model}
	if parsed.Usage.InputTokens > 0 || parsed.Usage.OutputTokens > 0 {
		result.Usage = &TokenUsage{
			PromptTokens:     parsed.Usage.InputTokens,
			CompletionTokens: parsed.Usage.OutputTokens,
			TotalTokens:      parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		}
	}
	return result, nil
}

// Tools returns the configured tool set.
func (c *CLI) Tools() []Tool {
	return c.tools
}
