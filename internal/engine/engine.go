// Package engine implements the Execution Engine: the turn loop state
// machine that drives model -> (tool calls, subagents) -> messages,
// enforcing mode, risk, cancellation, and the turn cap.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/goyais/worker/internal/model"
	"github.com/goyais/worker/internal/risk"
	"github.com/goyais/worker/internal/tools"
	"github.com/goyais/worker/internal/tracing"
	"github.com/goyais/worker/pkg/protocol"
)

// ToolInjector is the subset of internal/toolinject.Injector the engine
// needs. Kept as an interface so the engine package does not import
// mcp-go transitively through toolinject.
type ToolInjector interface {
	Definitions() []model.ToolDefinition
	Handles(name string) bool
	Execute(ctx context.Context, call model.ToolCall) *tools.Result
}

const (
	defaultMaxTurns = 24
	minMaxTurns     = 4
	maxMaxTurns     = 64

	assistantOutputPreviewLimit = 1000
)

// EmitFunc reports one event for the execution and returns it.
type EmitFunc func(eventType protocol.EventType, payload map[string]any) protocol.OutboundEvent

// IsCancelledFunc reports whether cancellation has been observed.
type IsCancelledFunc func() bool

// Deps bundles the collaborators the engine drives each turn. Subagent
// dispatch goes through Tools, which owns the pool and its runner.
type Deps struct {
	Adapter   *model.Adapter
	Tools     *tools.Registry
	ToolDefs  []model.ToolDefinition
	LookupEnv func(string) string
	Tracer    *tracing.Provider

	// Injector supplements ToolDefs with Hub-resolved dynamic tools and
	// takes over dispatch for any tool call it Handles. Nil means no
	// dynamic tools are available for this execution.
	Injector ToolInjector

	// Runtime is the configured WORKER_RUNTIME value. "langgraph" is
	// accepted but always falls back to this vanilla engine — a one-time
	// notice event is emitted rather than implementing a separate
	// LangGraph path.
	Runtime string
}

// Engine drives one execution's turn loop. It performs no Hub I/O itself;
// all observable output flows through the injected emit function.
type Engine struct {
	deps Deps
}

func New(deps Deps) *Engine {
	if deps.Tracer == nil {
		deps.Tracer = tracing.Noop()
	}
	return &Engine{deps: deps}
}

// Run drives one execution from execution_started through its terminal
// event. It never reports to the Hub directly; everything flows through
// emit.
func (e *Engine) Run(ctx context.Context, env protocol.ExecutionEnvelope, emit EmitFunc, isCancelled IsCancelledFunc) {
	defer func() {
		if r := recover(); r != nil {
			emit(protocol.EventExecutionError, map[string]any{
				"reason":  "WORKER_RUNTIME_ERROR",
				"message": fmt.Sprintf("%v", r),
			})
		}
	}()

	emit(protocol.EventExecutionStarted, map[string]any{
		"mode":     string(env.Mode),
		"model_id": env.ModelID,
	})
	if e.deps.Runtime == "langgraph" {
		emit(protocol.EventThinkingDelta, map[string]any{"stage": "runtime_fallback", "requested": "langgraph", "actual": "vanilla"})
	}
	if isCancelled() {
		emit(protocol.EventExecutionStopped, map[string]any{"reason": "stop_requested"})
		return
	}

	contentRisk := risk.ClassifyContent(env.Content)
	if env.Mode == protocol.ModePlan && contentRisk.AtLeast(protocol.RiskHigh) {
		emit(protocol.EventExecutionError, map[string]any{
			"reason":     "PLAN_MODE_REJECTED",
			"risk_level": string(contentRisk),
		})
		return
	}

	inv, err := e.deps.Adapter.ResolveInvocation(env)
	if err != nil {
		emitAdapterError(emit, err)
		return
	}

	messages := e.seedMessages(env)
	var usage model.Usage
	var diffs []tools.Diff

	toolDefs := e.deps.ToolDefs
	if e.deps.Injector != nil {
		toolDefs = append(append([]model.ToolDefinition{}, toolDefs...), e.deps.Injector.Definitions()...)
	}

	maxTurns := resolveMaxTurns(env, e.deps.LookupEnv)

	truncated := false
	var finalText string
	terminated := false
	turnsTaken := 0

	for turn := 1; turn <= maxTurns; turn++ {
		turnsTaken = turn
		if isCancelled() {
			emit(protocol.EventExecutionStopped, map[string]any{"reason": "stop_requested"})
			return
		}

		emit(protocol.EventThinkingDelta, map[string]any{
			"stage":    "model_call",
			"turn":     turn,
			"vendor":   inv.Vendor,
			"model_id": inv.ModelID,
		})

		turnCtx, turnSpan := e.deps.Tracer.StartModelTurn(ctx, turn, inv.Vendor, inv.ModelID)
		result, err := e.deps.Adapter.RunTurn(turnCtx, inv, messages, toolDefs)
		turnSpan.End()
		if err != nil {
			emitAdapterError(emit, err)
			return
		}
		usage.Add(result.Usage)

		if result.Text != "" {
			preview := result.Text
			if len(preview) > assistantOutputPreviewLimit {
				preview = preview[:assistantOutputPreviewLimit]
			}
			emit(protocol.EventThinkingDelta, map[string]any{
				"stage": "assistant_output",
				"turn":  turn,
				"delta": preview,
				"usage": usageMap(usage),
			})
		}

		if len(result.ToolCalls) == 0 {
			finalText = result.Text
			terminated = true
			break
		}

		messages = append(messages, model.Message{Role: "assistant", Content: result.Text, ToolCalls: result.ToolCalls})

		stopped, rejected := e.dispatchToolCalls(ctx, env, result.ToolCalls, &messages, &diffs, emit, isCancelled)
		if rejected {
			return
		}
		if stopped {
			emit(protocol.EventExecutionStopped, map[string]any{"reason": "stop_requested"})
			return
		}
	}

	if !terminated {
		emit(protocol.EventThinkingDelta, map[string]any{"stage": "turn_limit_reached", "max_turns": maxTurns})
		emit(protocol.EventThinkingDelta, map[string]any{
			"stage":    "model_call",
			"turn":     maxTurns + 1,
			"vendor":   inv.Vendor,
			"model_id": inv.ModelID,
		})

		summaryMessages := append(append([]model.Message{}, messages...), model.Message{
			Role:    "user",
			Content: "Tool-call turn limit reached. Do not call tools. Provide a concise final answer.",
		})
		summaryCtx, summarySpan := e.deps.Tracer.StartModelTurn(ctx, maxTurns+1, inv.Vendor, inv.ModelID)
		summaryResult, summaryErr := e.deps.Adapter.RunTurn(summaryCtx, inv, summaryMessages, nil)
		summarySpan.End()
		if summaryErr != nil {
			emit(protocol.EventExecutionError, map[string]any{
				"reason":  "MAX_TURNS_EXCEEDED",
				"details": map[string]any{"summary_error": summaryErr.Error()},
			})
			return
		}
		usage.Add(summaryResult.Usage)
		finalText = summaryResult.Text
		truncated = true
	}

	if len(diffs) > 0 {
		emit(protocol.EventDiffGenerated, map[string]any{"diffs": diffsToPayload(diffs)})
	}

	payload := map[string]any{
		"content":   defaultIfEmpty(finalText, "..."),
		"turns":     turnsTaken,
		"max_turns": maxTurns,
		"usage":     usageMap(usage),
	}
	if truncated {
		payload["truncated"] = true
		payload["reason"] = "MAX_TURNS_REACHED"
	}
	emit(protocol.EventExecutionDone, payload)
}

// dispatchToolCalls executes one turn's tool calls in submission order.
// run_subagent calls are launched concurrently and awaited after the
// synchronous calls in the same turn have all been dispatched, in
// deterministic (submission) order.
func (e *Engine) dispatchToolCalls(ctx context.Context, env protocol.ExecutionEnvelope, calls []model.ToolCall, messages *[]model.Message, diffs *[]tools.Diff, emit EmitFunc, isCancelled IsCancelledFunc) (stopped, rejected bool) {
	type pending struct {
		call model.ToolCall
		ch   chan *tools.Result
	}
	var pendingSubagents []pending

	for _, call := range calls {
		if isCancelled() {
			stopped = true
			break
		}

		toolRisk := risk.ClassifyTool(call.Name, call.Arguments)
		if env.Mode == protocol.ModePlan && toolRisk.AtLeast(protocol.RiskHigh) {
			emit(protocol.EventExecutionError, map[string]any{
				"reason":     "PLAN_MODE_REJECTED",
				"tool_name":  call.Name,
				"risk_level": string(toolRisk),
			})
			return false, true
		}

		emit(protocol.EventToolCall, map[string]any{
			"call_id":    call.ID,
			"name":       call.Name,
			"input":      call.Arguments,
			"risk_level": string(toolRisk),
		})

		if call.Name == tools.NameRunSubagent {
			ch := make(chan *tools.Result, 1)
			go func(c model.ToolCall) {
				subCtx, span := e.deps.Tracer.StartTool(ctx, c.Name, c.ID)
				defer span.End()
				ch <- e.deps.Tools.Execute(subCtx, c)
			}(call)
			pendingSubagents = append(pendingSubagents, pending{call: call, ch: ch})
			continue
		}

		toolCtx, toolSpan := e.deps.Tracer.StartTool(ctx, call.Name, call.ID)
		var result *tools.Result
		if e.deps.Injector != nil && e.deps.Injector.Handles(call.Name) {
			result = e.deps.Injector.Execute(toolCtx, call)
		} else {
			result = e.deps.Tools.Execute(toolCtx, call)
		}
		toolSpan.End()
		appendToolOutcome(emit, messages, diffs, call, result)
	}

	// Already-launched subagents are always awaited, even when a stop was
	// observed mid-turn, so every emitted tool_call gets its tool_result.
	for _, p := range pendingSubagents {
		result := <-p.ch
		appendToolOutcome(emit, messages, diffs, p.call, result)
	}

	return stopped, false
}

func appendToolOutcome(emit EmitFunc, messages *[]model.Message, diffs *[]tools.Diff, call model.ToolCall, result *tools.Result) {
	ok := !result.IsError()
	output := result.Output
	if !ok {
		output = result.Error
	}
	emit(protocol.EventToolResult, map[string]any{
		"call_id": call.ID,
		"name":    call.Name,
		"ok":      ok,
		"output":  output,
	})

	encoded, _ := json.Marshal(map[string]any{"output": output, "ok": ok})
	*messages = append(*messages, model.Message{Role: "tool", ToolCallID: call.ID, Name: call.Name, Content: string(encoded)})

	if result.Diff != nil {
		*diffs = append(*diffs, *result.Diff)
	}
}

func (e *Engine) seedMessages(env protocol.ExecutionEnvelope) []model.Message {
	system := "You are a coding agent operating inside a git worktree."
	if env.ProjectName != "" || env.ProjectPath != "" {
		system += fmt.Sprintf(" Project: %s (%s).", env.ProjectName, env.ProjectPath)
	}
	return []model.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: env.Content},
	}
}

func resolveMaxTurns(env protocol.ExecutionEnvelope, lookupEnv func(string) string) int {
	n := env.AgentConfigSnapshot.MaxModelTurns
	if n == 0 && lookupEnv != nil {
		if v := lookupEnv("WORKER_MAX_MODEL_TURNS"); v != "" {
			if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				n = parsed
			}
		}
	}
	if n == 0 {
		n = defaultMaxTurns
	}
	if n < minMaxTurns {
		n = minMaxTurns
	}
	if n > maxMaxTurns {
		n = maxMaxTurns
	}
	return n
}

func emitAdapterError(emit EmitFunc, err error) {
	var modelErr *model.Error
	if asModelError(err, &modelErr) {
		payload := map[string]any{"reason": string(modelErr.Code)}
		if modelErr.StatusCode != 0 {
			payload["status_code"] = modelErr.StatusCode
			payload["body"] = modelErr.Body
		}
		if modelErr.Details != nil {
			payload["details"] = modelErr.Details
		}
		emit(protocol.EventExecutionError, payload)
		return
	}
	emit(protocol.EventExecutionError, map[string]any{"reason": "MODEL_NETWORK_ERROR", "details": map[string]any{"error": err.Error()}})
}

func asModelError(err error, target **model.Error) bool {
	if me, ok := err.(*model.Error); ok {
		*target = me
		return true
	}
	return false
}

func usageMap(u model.Usage) map[string]any {
	return map[string]any{
		"input_tokens":  u.InputTokens,
		"output_tokens": u.OutputTokens,
		"total_tokens":  u.TotalTokens,
	}
}

func diffsToPayload(diffs []tools.Diff) []map[string]any {
	out := make([]map[string]any, 0, len(diffs))
	for _, d := range diffs {
		out = append(out, map[string]any{"path": d.Path, "kind": d.Kind})
	}
	return out
}

func defaultIfEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

