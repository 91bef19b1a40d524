package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goyais/worker/internal/tlsconfig"
)

// OpenAITransport speaks the OpenAI-compatible chat/completions surface,
// retrying on 429/5xx.
type OpenAITransport struct {
	client      *http.Client
	retryConfig RetryConfig
	tlsOpts     tlsconfig.Options
}

// NewOpenAITransport builds a transport with a 120s-capped HTTP client;
// the per-call context timeout (from Invocation.TimeoutMS) is tighter.
func NewOpenAITransport(tlsOpts tlsconfig.Options) *OpenAITransport {
	return &OpenAITransport{
		client:      &http.Client{Timeout: 120 * time.Second},
		retryConfig: DefaultRetryConfig(),
		tlsOpts:     tlsOpts,
	}
}

func (t *OpenAITransport) RunTurn(ctx context.Context, inv Invocation, messages []Message, tools []ToolDefinition) (TurnResult, error) {
	client, err := t.clientFor(inv.BaseURL)
	if err != nil {
		return TurnResult{}, err
	}

	body := buildOpenAIRequestBody(inv.ModelID, messages, tools)
	payload, err := json.Marshal(body)
	if err != nil {
		return TurnResult{}, newError(ErrModelInvalidResponse, nil, err)
	}

	result, err := RetryDo(ctx, t.retryConfig, func() (TurnResult, error) {
		respBody, err := t.doRequest(ctx, client, inv, payload)
		if err != nil {
			return TurnResult{}, err
		}
		defer respBody.Close()

		var resp openAIResponse
		if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
			return TurnResult{}, newError(ErrModelInvalidResponse, nil, err)
		}
		return parseOpenAIResponse(&resp)
	})
	return result, err
}

func (t *OpenAITransport) clientFor(baseURL string) (*http.Client, error) {
	scheme := "http"
	if strings.HasPrefix(baseURL, "https://") {
		scheme = "https"
	}
	tlsCfg, err := tlsconfig.Resolve(scheme, t.tlsOpts)
	if err != nil {
		return nil, newError(ErrModelTLSConfigInvalid, map[string]any{"ca_file": t.tlsOpts.CAFile}, err)
	}
	if tlsCfg == nil {
		return t.client, nil
	}
	transport := &http.Transport{TLSClientConfig: tlsCfg}
	return &http.Client{Timeout: t.client.Timeout, Transport: transport}, nil
}

func (t *OpenAITransport) doRequest(ctx context.Context, client *http.Client, inv Invocation, payload []byte) (io.ReadCloser, error) {
	url := strings.TrimRight(inv.BaseURL, "/") + "/chat/completions"
	turnCtx, cancel := context.WithTimeout(ctx, time.Duration(inv.TimeoutMS)*time.Millisecond)
	defer cancel()

	req, err := http.NewRequestWithContext(turnCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, newError(ErrModelNetworkError, nil, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+inv.APIKey)
	for k, v := range inv.Headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, newError(ErrModelNetworkError, nil, err)
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &Error{
			Code:       ErrModelHTTPError,
			StatusCode: resp.StatusCode,
			Body:       string(body),
			Err: &HTTPError{
				Status:     resp.StatusCode,
				Body:       string(body),
				RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
			},
		}
	}
	return resp.Body, nil
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content,omitempty"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Name       string           `json:"name,omitempty"`
}

type openAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openAIToolCallFunc `json:"function"`
}

type openAIToolCallFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAITool struct {
	Type     string         `json:"type"`
	Function map[string]any `json:"function"`
}

func buildOpenAIRequestBody(modelID string, messages []Message, tools []ToolDefinition) map[string]any {
	oaiMessages := make([]openAIMessage, 0, len(messages))
	for _, m := range messages {
		om := openAIMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID, Name: m.Name}
		if m.Role == "assistant" && len(m.ToolCalls) > 0 {
			for _, tc := range m.ToolCalls {
				args, _ := json.Marshal(tc.Arguments)
				om.ToolCalls = append(om.ToolCalls, openAIToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openAIToolCallFunc{
						Name:      tc.Name,
						Arguments: string(args),
					},
				})
			}
		}
		oaiMessages = append(oaiMessages, om)
	}

	body := map[string]any{
		"model":       modelID,
		"messages":    oaiMessages,
		"max_tokens":  defaultMaxTokens,
		"temperature": defaultTemperature,
	}
	if len(tools) > 0 {
		oaiTools := make([]openAITool, 0, len(tools))
		for _, td := range tools {
			oaiTools = append(oaiTools, openAITool{
				Type: "function",
				Function: map[string]any{
					"name":        td.Name,
					"description": td.Description,
					"parameters":  td.Parameters,
				},
			})
		}
		body["tools"] = oaiTools
	}
	return body
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content   json.RawMessage  `json:"content"`
			ToolCalls []openAIToolCall `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func parseOpenAIResponse(resp *openAIResponse) (TurnResult, error) {
	if len(resp.Choices) == 0 {
		return TurnResult{}, newError(ErrModelEmptyResponse, nil, nil)
	}
	choice := resp.Choices[0]

	text, err := extractOpenAIContent(choice.Message.Content)
	if err != nil {
		return TurnResult{}, newError(ErrModelInvalidResponse, nil, err)
	}

	var toolCalls []ToolCall
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				args = map[string]any{}
			}
		}
		toolCalls = append(toolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}

	usage := Usage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		TotalTokens:  resp.Usage.TotalTokens,
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	}

	return TurnResult{Text: text, ToolCalls: toolCalls, Usage: usage, Raw: resp}, nil
}

// extractOpenAIContent handles both the plain-string content shape and the
// content-parts-array shape some OpenAI-compatible vendors return.
func extractOpenAIContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString, nil
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", fmt.Errorf("unrecognized content shape: %w", err)
	}
	var sb strings.Builder
	for _, p := range parts {
		sb.WriteString(p.Text)
	}
	return sb.String(), nil
}
