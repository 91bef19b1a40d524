package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/goyais/worker/internal/guard"
	"github.com/goyais/worker/internal/model"
	"github.com/goyais/worker/internal/subagentpool"
	"github.com/goyais/worker/internal/tlsconfig"
	"github.com/goyais/worker/internal/tools"
	"github.com/goyais/worker/pkg/protocol"
)

type stubSubagentRunner struct{}

func (stubSubagentRunner) RunTurn(ctx context.Context, inv model.Invocation, messages []model.Message, defs []model.ToolDefinition) (model.TurnResult, error) {
	return model.TurnResult{Text: "sub done"}, nil
}

// testRig bundles an Engine wired against a real httptest OpenAI-compatible
// server, so RunTurn's dispatch, retry, and parsing logic are exercised
// exactly as in production — only the model backend is faked.
type testRig struct {
	engine    *Engine
	serverURL string
	reqCount  int32
}

func newTestRig(t *testing.T, responder func(reqNum int) map[string]any) *testRig {
	t.Helper()
	rig := &testRig{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(&rig.reqCount, 1))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(responder(n))
	}))
	t.Cleanup(srv.Close)
	rig.serverURL = srv.URL

	root := t.TempDir()
	pg, err := guard.NewPathGuard(root)
	if err != nil {
		t.Fatal(err)
	}
	registry := &tools.Registry{
		PathGuard:          pg,
		CommandGuard:       guard.NewCommandGuard(),
		WorkDir:            root,
		SubagentPool:       subagentpool.NewPool(1),
		SubagentRunner:     stubSubagentRunner{},
		SubagentInvocation: model.Invocation{Vendor: "openai", ModelID: "gpt-4o"},
	}

	deps := Deps{
		Adapter:   model.NewAdapter(tlsconfig.Options{}),
		Tools:     registry,
		ToolDefs:  tools.Definitions(),
		LookupEnv: func(string) string { return "" },
	}
	rig.engine = New(deps)
	return rig
}

func (rig *testRig) envelope() protocol.ExecutionEnvelope {
	return protocol.ExecutionEnvelope{
		ExecutionID: "exec-1",
		Mode:        protocol.ModeAgent,
		ModelID:     "gpt-4o",
		ModelSnapshot: protocol.ModelSnapshot{
			Vendor:  "openai",
			BaseURL: rig.serverURL,
			APIKey:  "test-key",
		},
		Content: "say hello",
	}
}

func (rig *testRig) run(env protocol.ExecutionEnvelope, isCancelled IsCancelledFunc) []protocol.OutboundEvent {
	var events []protocol.OutboundEvent
	var mu sync.Mutex
	emit := func(t protocol.EventType, payload map[string]any) protocol.OutboundEvent {
		ev := protocol.OutboundEvent{Type: t, Payload: payload}
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
		return ev
	}
	if isCancelled == nil {
		isCancelled = func() bool { return false }
	}
	rig.engine.Run(context.Background(), env, emit, isCancelled)
	return events
}

func eventTypes(events []protocol.OutboundEvent) []protocol.EventType {
	out := make([]protocol.EventType, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

func TestRunCompletesWithoutToolCalls(t *testing.T) {
	rig := newTestRig(t, func(n int) map[string]any {
		return map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "hello there"}}},
			"usage":   map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		}
	})
	events := rig.run(rig.envelope(), nil)

	if rig.reqCount != 1 {
		t.Fatalf("reqCount = %d, want 1", rig.reqCount)
	}
	types := eventTypes(events)
	if types[0] != protocol.EventExecutionStarted {
		t.Fatalf("first event = %v", types[0])
	}
	if types[len(types)-1] != protocol.EventExecutionDone {
		t.Fatalf("last event = %v, want execution_done", types[len(types)-1])
	}
}

func TestRunDispatchesReadFileToolCall(t *testing.T) {
	rig := newTestRig(t, func(n int) map[string]any {
		if n == 1 {
			return map[string]any{
				"choices": []map[string]any{{"message": map[string]any{
					"content": "",
					"tool_calls": []map[string]any{
						{"id": "call-1", "type": "function", "function": map[string]any{"name": "read_file", "arguments": `{"path":"missing.txt"}`}},
					},
				}}},
			}
		}
		return map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "done"}}},
		}
	})
	events := rig.run(rig.envelope(), nil)

	if rig.reqCount != 2 {
		t.Fatalf("reqCount = %d, want 2 (tool turn + follow-up)", rig.reqCount)
	}
	var sawToolCall, sawToolResult bool
	for _, ev := range events {
		if ev.Type == protocol.EventToolCall {
			sawToolCall = true
		}
		if ev.Type == protocol.EventToolResult {
			sawToolResult = true
		}
	}
	if !sawToolCall || !sawToolResult {
		t.Fatalf("expected tool_call and tool_result events, got %v", eventTypes(events))
	}
}

func TestRunDispatchesRunSubagentConcurrently(t *testing.T) {
	rig := newTestRig(t, func(n int) map[string]any {
		if n == 1 {
			return map[string]any{
				"choices": []map[string]any{{"message": map[string]any{
					"content": "",
					"tool_calls": []map[string]any{
						{"id": "call-1", "type": "function", "function": map[string]any{"name": "run_subagent", "arguments": `{"task":"summarize"}`}},
					},
				}}},
			}
		}
		return map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "done"}}},
		}
	})
	events := rig.run(rig.envelope(), nil)

	var toolResultPayload map[string]any
	for _, ev := range events {
		if ev.Type == protocol.EventToolResult {
			toolResultPayload = ev.Payload
		}
	}
	if toolResultPayload == nil {
		t.Fatal("expected a tool_result event for the run_subagent call")
	}
	if toolResultPayload["ok"] != true {
		t.Fatalf("toolResultPayload = %+v, want ok=true", toolResultPayload)
	}
}

func TestRunRejectsHighRiskContentInPlanMode(t *testing.T) {
	rig := newTestRig(t, func(n int) map[string]any {
		return map[string]any{"choices": []map[string]any{{"message": map[string]any{"content": "ok"}}}}
	})
	env := rig.envelope()
	env.Mode = protocol.ModePlan
	env.Content = "please rm -rf / the entire production database"
	events := rig.run(env, nil)

	if rig.reqCount != 0 {
		t.Fatalf("reqCount = %d, want 0 — plan mode should reject before any model call", rig.reqCount)
	}
	last := events[len(events)-1]
	if last.Type != protocol.EventExecutionError || last.Payload["reason"] != "PLAN_MODE_REJECTED" {
		t.Fatalf("last event = %+v, want PLAN_MODE_REJECTED error", last)
	}
}

func TestRunStopsImmediatelyWhenAlreadyCancelled(t *testing.T) {
	rig := newTestRig(t, func(n int) map[string]any {
		return map[string]any{"choices": []map[string]any{{"message": map[string]any{"content": "ok"}}}}
	})
	events := rig.run(rig.envelope(), func() bool { return true })

	if rig.reqCount != 0 {
		t.Fatalf("reqCount = %d, want 0", rig.reqCount)
	}
	if events[len(events)-1].Type != protocol.EventExecutionStopped {
		t.Fatalf("last event = %v, want execution_stopped", events[len(events)-1].Type)
	}
}

func TestRunEmitsRuntimeFallbackNoticeForLanggraph(t *testing.T) {
	rig := newTestRig(t, func(n int) map[string]any {
		return map[string]any{"choices": []map[string]any{{"message": map[string]any{"content": "ok"}}}}
	})
	rig.engine.deps.Runtime = "langgraph"
	events := rig.run(rig.envelope(), nil)

	var sawFallback bool
	for _, ev := range events {
		if ev.Type == protocol.EventThinkingDelta && ev.Payload["stage"] == "runtime_fallback" {
			sawFallback = true
		}
	}
	if !sawFallback {
		t.Fatal("expected a runtime_fallback thinking_delta event")
	}
}

func TestRunFallsBackToSummaryAtTurnLimit(t *testing.T) {
	rig := newTestRig(t, func(n int) map[string]any {
		return map[string]any{
			"choices": []map[string]any{{"message": map[string]any{
				"content": "",
				"tool_calls": []map[string]any{
					{"id": "call-x", "type": "function", "function": map[string]any{"name": "run_command", "arguments": `{"command":"pwd"}`}},
				},
			}}},
		}
	})
	env := rig.envelope()
	env.AgentConfigSnapshot.MaxModelTurns = 4
	events := rig.run(env, nil)

	if rig.reqCount != 5 {
		t.Fatalf("reqCount = %d, want 5 (4 tool turns + 1 no-tools summary turn)", rig.reqCount)
	}
	last := events[len(events)-1]
	if last.Type != protocol.EventExecutionDone || last.Payload["truncated"] != true {
		t.Fatalf("last event = %+v, want truncated execution_done", last)
	}
}

func TestRunEmitsErrorOnMissingAPIKey(t *testing.T) {
	rig := newTestRig(t, func(n int) map[string]any {
		return map[string]any{"choices": []map[string]any{{"message": map[string]any{"content": "ok"}}}}
	})
	env := rig.envelope()
	env.ModelSnapshot.APIKey = ""
	events := rig.run(env, nil)

	if rig.reqCount != 0 {
		t.Fatalf("reqCount = %d, want 0", rig.reqCount)
	}
	last := events[len(events)-1]
	if last.Type != protocol.EventExecutionError {
		t.Fatalf("last event = %v, want execution_error", last.Type)
	}
}

func TestResolveMaxTurnsClampsToRange(t *testing.T) {
	env := protocol.ExecutionEnvelope{}
	if n := resolveMaxTurns(env, func(string) string { return "" }); n != defaultMaxTurns {
		t.Fatalf("resolveMaxTurns = %d, want default %d", n, defaultMaxTurns)
	}
	env.AgentConfigSnapshot.MaxModelTurns = 1000
	if n := resolveMaxTurns(env, nil); n != maxMaxTurns {
		t.Fatalf("resolveMaxTurns = %d, want clamped to %d", n, maxMaxTurns)
	}
	env.AgentConfigSnapshot.MaxModelTurns = 1
	if n := resolveMaxTurns(env, nil); n != minMaxTurns {
		t.Fatalf("resolveMaxTurns = %d, want clamped to %d", n, minMaxTurns)
	}
}
