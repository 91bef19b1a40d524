package tools

import (
	"context"
	"encoding/json"

	"github.com/goyais/worker/internal/model"
	"github.com/goyais/worker/internal/subagentpool"
)

// RunSubagent implements the run_subagent built-in by delegating to the
// Subagent Pool.
func RunSubagent(ctx context.Context, pool *subagentpool.Pool, runner subagentpool.Runner, inv model.Invocation, args map[string]any) *Result {
	task, _ := args["task"].(string)
	goal, _ := args["goal"].(string)
	if task == "" {
		return ErrorResult("run_subagent: task is required")
	}

	sub := pool.Run(ctx, runner, inv, task, goal)
	if !sub.OK {
		return ErrorResult(sub.FormatError())
	}

	encoded, _ := json.Marshal(sub)
	return NewResult(string(encoded))
}
