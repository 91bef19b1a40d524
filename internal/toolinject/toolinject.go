// Package toolinject implements the Tool Injector: an optional,
// per-execution source of additional tool schemas resolved from the Hub
// (Skills / MCP-backed tools) beyond the five Tool Runtime built-ins.
// Connections are transient — opened at execution start, torn down when
// the execution ends — and every failure is non-fatal.
package toolinject

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/goyais/worker/internal/hubclient"
	"github.com/goyais/worker/internal/model"
	"github.com/goyais/worker/internal/tools"
)

// ServerDescriptor is one Hub-resolved MCP server to connect to for the
// lifetime of one execution.
type ServerDescriptor struct {
	Name       string            `json:"name"`
	Transport  string            `json:"transport"`
	Command    string            `json:"command,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	URL        string            `json:"url,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	ToolPrefix string            `json:"tool_prefix,omitempty"`
}

// resolveResponse is the body of the Hub's tool-resolution endpoint.
type resolveResponse struct {
	Servers []ServerDescriptor `json:"servers"`
}

// connection is one transiently connected MCP server.
type connection struct {
	name      string
	client    *mcpclient.Client
	toolDefs  []model.ToolDefinition
	toolNames map[string]string // exposed tool name -> original MCP tool name
}

// Injector holds zero or more transient MCP connections for one
// execution. A nil or empty Injector behaves as if no dynamic tools were
// resolved — the five builtins are unaffected either way.
type Injector struct {
	conns []*connection
}

// Resolve asks the Hub for this execution's dynamic tool servers and
// connects to each transiently. Failure to resolve or to connect to any
// individual server is non-fatal: logged, and the execution proceeds with
// the builtins plus whatever else connected.
func Resolve(ctx context.Context, hub *hubclient.Client, executionID, traceID string) *Injector {
	path := fmt.Sprintf("/internal/executions/%s/tools", executionID)
	var resp resolveResponse
	if status, err := hub.Do(ctx, "GET", path, traceID, nil, &resp); err != nil || status >= 400 {
		slog.Warn("toolinject.resolve_failed", "execution_id", executionID, "status", status, "error", err)
		return &Injector{}
	}

	inj := &Injector{}
	for _, desc := range resp.Servers {
		conn, err := connect(ctx, desc)
		if err != nil {
			slog.Warn("toolinject.connect_failed", "execution_id", executionID, "server", desc.Name, "error", err)
			continue
		}
		inj.conns = append(inj.conns, conn)
	}
	return inj
}

func connect(ctx context.Context, desc ServerDescriptor) (*connection, error) {
	client, err := createClient(desc)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}

	if desc.Transport != "stdio" {
		if err := client.Start(ctx); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("start transport: %w", err)
		}
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "goyais-worker", Version: "1.0.0"}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}

	listed, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("list tools: %w", err)
	}

	conn := &connection{name: desc.Name, client: client, toolNames: map[string]string{}}
	for _, t := range listed.Tools {
		exposed := desc.ToolPrefix + t.Name
		conn.toolNames[exposed] = t.Name
		conn.toolDefs = append(conn.toolDefs, model.ToolDefinition{
			Name:        exposed,
			Description: t.Description,
			Parameters:  schemaToMap(t.InputSchema),
		})
	}
	return conn, nil
}

func createClient(desc ServerDescriptor) (*mcpclient.Client, error) {
	switch desc.Transport {
	case "stdio":
		envSlice := make([]string, 0, len(desc.Env))
		for k, v := range desc.Env {
			envSlice = append(envSlice, k+"="+v)
		}
		return mcpclient.NewStdioMCPClient(desc.Command, envSlice, desc.Args...)
	case "sse":
		var opts []transport.ClientOption
		if len(desc.Headers) > 0 {
			opts = append(opts, mcpclient.WithHeaders(desc.Headers))
		}
		return mcpclient.NewSSEMCPClient(desc.URL, opts...)
	case "streamable-http":
		var opts []transport.StreamableHTTPCOption
		if len(desc.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(desc.Headers))
		}
		return mcpclient.NewStreamableHttpClient(desc.URL, opts...)
	default:
		return nil, fmt.Errorf("unsupported transport: %q", desc.Transport)
	}
}

func schemaToMap(schema mcpgo.ToolInputSchema) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": schema.Properties,
		"required":   schema.Required,
	}
}

// Definitions returns every dynamically resolved tool's schema, to be
// merged alongside the five builtins before the model turn advertises its
// tool set.
func (inj *Injector) Definitions() []model.ToolDefinition {
	if inj == nil {
		return nil
	}
	var defs []model.ToolDefinition
	for _, c := range inj.conns {
		defs = append(defs, c.toolDefs...)
	}
	return defs
}

// Handles reports whether name is one of this Injector's dynamic tools.
func (inj *Injector) Handles(name string) bool {
	if inj == nil {
		return false
	}
	for _, c := range inj.conns {
		if _, ok := c.toolNames[name]; ok {
			return true
		}
	}
	return false
}

// Execute dispatches a call to the MCP connection owning name. Like the
// built-in Tool Runtime, failures are encapsulated into an error Result
// rather than raised.
func (inj *Injector) Execute(ctx context.Context, call model.ToolCall) *tools.Result {
	if inj == nil {
		return tools.ErrorResult("unknown tool: " + call.Name)
	}
	for _, c := range inj.conns {
		original, ok := c.toolNames[call.Name]
		if !ok {
			continue
		}
		req := mcpgo.CallToolRequest{}
		req.Params.Name = original
		req.Params.Arguments = call.Arguments

		result, err := c.client.CallTool(ctx, req)
		if err != nil {
			return tools.ErrorResult(fmt.Sprintf("%s: %v", call.Name, err))
		}
		return tools.NewResult(renderContent(result))
	}
	return tools.ErrorResult("unknown tool: " + call.Name)
}

func renderContent(result *mcpgo.CallToolResult) string {
	var sb strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(mcpgo.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}

// Close tears down every connection this Injector opened. Safe to call on
// a nil Injector. Failures are logged, not raised, matching the Worktree
// Manager's teardown posture.
func (inj *Injector) Close() {
	if inj == nil {
		return
	}
	for _, c := range inj.conns {
		if err := c.client.Close(); err != nil {
			slog.Debug("toolinject.close_error", "server", c.name, "error", err)
		}
	}
}
