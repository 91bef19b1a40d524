// Package subagentpool implements the Subagent Pool: a process-wide
// bounded semaphore gating concurrent tool-less LLM subcalls. Subagents
// are single-level; a subagent cannot spawn further subagents.
package subagentpool

import (
	"context"
	"fmt"
	"strings"

	"github.com/goyais/worker/internal/model"
)

const (
	taskCharLimit    = 2000
	goalCharLimit    = 2000
	summaryCharLimit = 4000
	minConcurrency   = 1
	maxConcurrency   = 3
)

// systemPrompt forbids further tool use.
const systemPrompt = "You are a bounded subagent. Answer directly in plain text. Do not request or describe any tool use."

// Result is the outcome of one subagent invocation.
type Result struct {
	OK       bool   `json:"ok"`
	Summary  string `json:"summary,omitempty"`
	Vendor   string `json:"vendor,omitempty"`
	ModelID  string `json:"model_id,omitempty"`
	Error    string `json:"error,omitempty"`
	Message  string `json:"message,omitempty"`
	Details  string `json:"details,omitempty"`
}

// Runner issues one model turn with no tools advertised.
type Runner interface {
	RunTurn(ctx context.Context, inv model.Invocation, messages []model.Message, tools []model.ToolDefinition) (model.TurnResult, error)
}

// Pool is a process-wide bounded semaphore over concurrent subagent calls.
type Pool struct {
	sem chan struct{}
}

// NewPool clamps capacity into [1,3], the WORKER_MAX_SUBAGENTS bound.
func NewPool(capacity int) *Pool {
	if capacity < minConcurrency {
		capacity = minConcurrency
	}
	if capacity > maxConcurrency {
		capacity = maxConcurrency
	}
	return &Pool{sem: make(chan struct{}, capacity)}
}

// Run acquires a pool slot, builds the fixed two-message conversation, and
// issues one tool-less turn. Subagent failures are returned as a
// {ok:false} Result, never as a Go error — callers (the Tool Runtime)
// treat this as a tool-level outcome.
func (p *Pool) Run(ctx context.Context, runner Runner, inv model.Invocation, task, goal string) *Result {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return &Result{OK: false, Error: "cancelled", Message: ctx.Err().Error()}
	}
	defer func() { <-p.sem }()

	userContent := truncate(task, taskCharLimit)
	if goal != "" {
		userContent += "\n\nGoal: " + truncate(goal, goalCharLimit)
	}

	messages := []model.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userContent},
	}

	turn, err := runner.RunTurn(ctx, inv, messages, nil)
	if err != nil {
		return &Result{OK: false, Error: "subagent_failed", Message: err.Error()}
	}

	return &Result{
		OK:      true,
		Summary: truncate(turn.Text, summaryCharLimit),
		Vendor:  inv.Vendor,
		ModelID: inv.ModelID,
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

// FormatError renders a failed Result as a human-readable string, for
// tool-output encoding.
func (r *Result) FormatError() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("error: %s", r.Error))
	if r.Message != "" {
		sb.WriteString("\n" + r.Message)
	}
	if r.Details != "" {
		sb.WriteString("\n" + r.Details)
	}
	return sb.String()
}
