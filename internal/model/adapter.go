package model

import (
	"context"

	"github.com/goyais/worker/internal/tlsconfig"
	"github.com/goyais/worker/pkg/protocol"
)

// Adapter is the Model Adapter's public entry point: resolve an
// invocation once per execution, then run turns against it.
type Adapter struct {
	openai *OpenAITransport
	gemini *GeminiTransport
}

// NewAdapter builds an Adapter with both sibling transports sharing the
// process's TLS configuration. Transports are sibling variants selected
// on normalized vendor, not a subtype hierarchy; a new vendor means a new
// variant.
func NewAdapter(tlsOpts tlsconfig.Options) *Adapter {
	return &Adapter{
		openai: NewOpenAITransport(tlsOpts),
		gemini: NewGeminiTransport(tlsOpts),
	}
}

// ResolveInvocation normalizes envelope into an Invocation.
func (a *Adapter) ResolveInvocation(env protocol.ExecutionEnvelope) (Invocation, error) {
	return ResolveInvocation(env, nil)
}

// RunTurn dispatches to the OpenAI-compatible or Gemini transport based on
// the resolved invocation's normalized vendor.
func (a *Adapter) RunTurn(ctx context.Context, inv Invocation, messages []Message, tools []ToolDefinition) (TurnResult, error) {
	if inv.Vendor == "google" {
		return a.gemini.RunTurn(ctx, inv, messages, tools)
	}
	return a.openai.RunTurn(ctx, inv, messages, tools)
}
