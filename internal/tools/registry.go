package tools

import (
	"context"

	"github.com/goyais/worker/internal/guard"
	"github.com/goyais/worker/internal/model"
	"github.com/goyais/worker/internal/subagentpool"
)

const (
	NameReadFile    = "read_file"
	NameWriteFile   = "write_file"
	NameEditFile    = "edit_file"
	NameRunCommand  = "run_command"
	NameRunSubagent = "run_subagent"
)

// Registry dispatches one tool call against a rooted workspace. It knows
// exactly the five built-ins; additional tool definitions (e.g. from
// internal/toolinject) are merged in by the Execution Engine before
// advertising the schema to the model, but their execution does not go
// through this registry.
type Registry struct {
	PathGuard          *guard.PathGuard
	CommandGuard       *guard.CommandGuard
	WorkDir            string
	SubagentPool       *subagentpool.Pool
	SubagentRunner     subagentpool.Runner
	SubagentInvocation model.Invocation
}

// Execute dispatches call to its built-in implementation. Unknown tool
// names return an error Result rather than panicking — the registry never
// raises into the engine.
func (r *Registry) Execute(ctx context.Context, call model.ToolCall) *Result {
	switch call.Name {
	case NameReadFile:
		return ReadFile(r.PathGuard, call.Arguments)
	case NameWriteFile:
		return WriteFile(r.PathGuard, call.Arguments)
	case NameEditFile:
		return EditFile(r.PathGuard, call.Arguments)
	case NameRunCommand:
		return RunCommand(ctx, r.CommandGuard, r.WorkDir, call.Arguments)
	case NameRunSubagent:
		return RunSubagent(ctx, r.SubagentPool, r.SubagentRunner, r.SubagentInvocation, call.Arguments)
	default:
		return ErrorResult("unknown tool: " + call.Name)
	}
}

// Definitions returns the schema for the five built-ins, in the shape the
// Model Adapter advertises to the model each turn.
func Definitions() []model.ToolDefinition {
	return []model.ToolDefinition{
		{
			Name:        NameReadFile,
			Description: "Read a UTF-8 text file from the workspace.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"path": map[string]any{"type": "string"}},
				"required":   []string{"path"},
			},
		},
		{
			Name:        NameWriteFile,
			Description: "Write a UTF-8 text file in the workspace, creating parent directories as needed.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":    map[string]any{"type": "string"},
					"content": map[string]any{"type": "string"},
				},
				"required": []string{"path", "content"},
			},
		},
		{
			Name:        NameEditFile,
			Description: "Replace the first occurrence of old_text with new_text in a file.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":     map[string]any{"type": "string"},
					"old_text": map[string]any{"type": "string"},
					"new_text": map[string]any{"type": "string"},
				},
				"required": []string{"path", "old_text", "new_text"},
			},
		},
		{
			Name:        NameRunCommand,
			Description: "Run a read-only shell command (pwd, ls, cat, rg, git) in the workspace.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"command": map[string]any{"type": "string"}},
				"required":   []string{"command"},
			},
		},
		{
			Name:        NameRunSubagent,
			Description: "Delegate a bounded, tool-less subtask to a subagent and get back a summary.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"task": map[string]any{"type": "string"},
					"goal": map[string]any{"type": "string"},
				},
				"required": []string{"task"},
			},
		},
	}
}
