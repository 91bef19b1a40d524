// Package protocol defines the wire contract between a worker and the Hub:
// the execution envelope a worker claims, the outbound events it reports,
// and the request/response shapes for registration, heartbeat, claim,
// event batching, and the control-channel long-poll.
package protocol

import "encoding/json"

// ProtocolVersion is the version of this wire contract. The version and
// doctor subcommands print it; RegisterRequest does not carry it.
const ProtocolVersion = 1

// Mode is the execution mode requested by the Hub.
type Mode string

const (
	ModeAgent Mode = "agent"
	ModePlan  Mode = "plan"
)

// RiskLevel is a total order: Low < High < Critical.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rank returns an integer usable for ordering comparisons.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskCritical:
		return 2
	case RiskHigh:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether r is the same as or riskier than other.
func (r RiskLevel) AtLeast(other RiskLevel) bool {
	return r.Rank() >= other.Rank()
}

// ModelSnapshot is the model configuration frozen onto an envelope at
// claim time.
type ModelSnapshot struct {
	Vendor    string            `json:"vendor"`
	BaseURL   string            `json:"base_url"`
	APIKey    string            `json:"api_key,omitempty"`
	Params    map[string]any    `json:"params,omitempty"`
	TimeoutMS int               `json:"timeout_ms,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// AgentConfigSnapshot carries agent-level config frozen at claim time.
type AgentConfigSnapshot struct {
	MaxModelTurns int `json:"max_model_turns,omitempty"`
}

// ExecutionEnvelope is the immutable snapshot of inputs a worker receives
// from the Hub on claim. It must not be mutated during a run.
type ExecutionEnvelope struct {
	ExecutionID         string              `json:"execution_id"`
	ConversationID      string              `json:"conversation_id"`
	TraceID             string              `json:"trace_id"`
	WorkspaceID         string              `json:"workspace_id"`
	QueueIndex          int64               `json:"queue_index"`
	Mode                Mode                `json:"mode"`
	ModeSnapshot        Mode                `json:"mode_snapshot"`
	ModelID             string              `json:"model_id"`
	ModelSnapshot       ModelSnapshot       `json:"model_snapshot"`
	AgentConfigSnapshot AgentConfigSnapshot `json:"agent_config_snapshot"`
	Content             string              `json:"content"`
	ProjectPath         string              `json:"project_path"`
	ProjectName         string              `json:"project_name"`
	ProjectIsGit        bool                `json:"project_is_git"`
	LeaseSeconds        int                 `json:"lease_seconds"`
}

// envelopeAlias lets the decoder accept a legacy run_id in place of
// execution_id without re-declaring the whole struct.
type envelopeAlias ExecutionEnvelope

// UnmarshalJSON accepts either "execution_id" or the legacy "run_id" key.
// Outbound encoding always emits "execution_id" only.
func (e *ExecutionEnvelope) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if _, ok := raw["execution_id"]; !ok {
		if legacy, ok := raw["run_id"]; ok {
			raw["execution_id"] = legacy
		}
	}
	merged, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	var a envelopeAlias
	if err := json.Unmarshal(merged, &a); err != nil {
		return err
	}
	*e = ExecutionEnvelope(a)
	return nil
}

// EventType enumerates the canonical outbound event payload types.
type EventType string

const (
	EventExecutionStarted     EventType = "execution_started"
	EventExecutionStopped     EventType = "execution_stopped"
	EventExecutionError       EventType = "execution_error"
	EventExecutionDone        EventType = "execution_done"
	EventThinkingDelta        EventType = "thinking_delta"
	EventToolCall             EventType = "tool_call"
	EventToolResult           EventType = "tool_result"
	EventDiffGenerated        EventType = "diff_generated"
	EventConfirmationRequired EventType = "confirmation_required"
	EventConfirmationResolved EventType = "confirmation_resolved"
)

// OutboundEvent is one ordered event reported to the Hub for an execution.
type OutboundEvent struct {
	EventID        string         `json:"event_id"`
	ExecutionID    string         `json:"execution_id"`
	ConversationID string         `json:"conversation_id"`
	TraceID        string         `json:"trace_id"`
	Sequence       int64          `json:"sequence"`
	QueueIndex     int64          `json:"queue_index"`
	Type           EventType      `json:"type"`
	Timestamp      string         `json:"timestamp"`
	Payload        map[string]any `json:"payload,omitempty"`
}

// RegisterRequest is sent once at worker startup.
type RegisterRequest struct {
	WorkerID     string       `json:"worker_id"`
	Capabilities Capabilities `json:"capabilities"`
}

// Capabilities describes what a worker can do, advertised at registration.
type Capabilities struct {
	Runtime        string `json:"runtime"`
	MaxConcurrency int    `json:"max_concurrency"`
}

// HeartbeatRequest is POSTed periodically to keep a worker's registration alive.
type HeartbeatRequest struct {
	Status string `json:"status"`
}

// ClaimRequest asks the Hub for the next queued execution.
type ClaimRequest struct {
	WorkerID     string `json:"worker_id"`
	LeaseSeconds int    `json:"lease_seconds"`
}

// ClaimResponse is the Hub's answer to a ClaimRequest.
type ClaimResponse struct {
	Claimed   bool               `json:"claimed"`
	Execution *ExecutionEnvelope `json:"execution,omitempty"`
}

// EventBatchRequest is the body of POST .../events/batch.
type EventBatchRequest struct {
	Events []OutboundEvent `json:"events"`
}

// ControlCommand is one command delivered over the control channel.
type ControlCommand struct {
	Type string `json:"type"`
}

// ControlResponse is returned by the control-channel long-poll.
type ControlResponse struct {
	LastSeq  int64            `json:"last_seq"`
	Commands []ControlCommand `json:"commands"`
}

// CommitRequest triggers a Worktree Manager commit from the Hub side.
type CommitRequest struct {
	WorktreeRoot string `json:"worktree_root"`
	Message      string `json:"message"`
	GitName      string `json:"git_name"`
	GitEmail     string `json:"git_email"`
}

// CommitResponse carries the resulting commit SHA.
type CommitResponse struct {
	CommitSHA string `json:"commit_sha"`
}

// DiscardRequest triggers a Worktree Manager teardown from the Hub side.
type DiscardRequest struct {
	RepoRoot string `json:"repo_root"`
}

// DiscardResponse acknowledges a discard.
type DiscardResponse struct {
	Status string `json:"status"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	Version string `json:"version"`
}

const (
	// ControlCommandStop is the only control command type this contract defines.
	ControlCommandStop = "stop"

	// ExecutionNotFound is the 404 body marker that ends a control poll.
	ExecutionNotFound = "EXECUTION_NOT_FOUND"

	// HeaderInternalToken carries the shared worker<->Hub auth token.
	HeaderInternalToken = "X-Internal-Token"
	// HeaderTraceID propagates the request's trace identifier.
	HeaderTraceID = "X-Trace-Id"
)
