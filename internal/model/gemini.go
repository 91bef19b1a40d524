package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goyais/worker/internal/tlsconfig"
)

// GeminiTransport speaks Gemini's native generateContent surface
// (POST {base}/models/{model}:generateContent?key=...). System messages
// are flattened into system_instruction; assistant tool calls become
// functionCall parts and tool messages functionResponse parts.
type GeminiTransport struct {
	client      *http.Client
	retryConfig RetryConfig
	tlsOpts     tlsconfig.Options
}

func NewGeminiTransport(tlsOpts tlsconfig.Options) *GeminiTransport {
	return &GeminiTransport{
		client:      &http.Client{Timeout: 120 * time.Second},
		retryConfig: DefaultRetryConfig(),
		tlsOpts:     tlsOpts,
	}
}

func (t *GeminiTransport) RunTurn(ctx context.Context, inv Invocation, messages []Message, tools []ToolDefinition) (TurnResult, error) {
	client, err := t.clientFor(inv.BaseURL)
	if err != nil {
		return TurnResult{}, err
	}

	body := buildGeminiRequestBody(messages, tools)
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

		var resp geminiResponse
		if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
			return TurnResult{}, newError(ErrModelInvalidResponse, nil, err)
		}
		return parseGeminiResponse(&resp)
	})
	return result, err
}

func (t *GeminiTransport) clientFor(baseURL string) (*http.Client, error) {
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

func (t *GeminiTransport) doRequest(ctx context.Context, client *http.Client, inv Invocation, payload []byte) (io.ReadCloser, error) {
	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s",
		strings.TrimRight(inv.BaseURL, "/"), inv.ModelID, url.QueryEscape(inv.APIKey))

	turnCtx, cancel := context.WithTimeout(ctx, time.Duration(inv.TimeoutMS)*time.Millisecond)
	defer cancel()

	req, err := http.NewRequestWithContext(turnCtx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, newError(ErrModelNetworkError, nil, err)
	}
	req.Header.Set("Content-Type", "application/json")
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

type geminiPart struct {
	Text         string              `json:"text,omitempty"`
	FunctionCall *geminiFunctionCall `json:"functionCall,omitempty"`
	FunctionResp *geminiFunctionResp `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type geminiFunctionResp struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiFunctionDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

func buildGeminiRequestBody(messages []Message, tools []ToolDefinition) map[string]any {
	var systemParts []string
	var contents []geminiContent

	for _, m := range messages {
		switch m.Role {
		case "system":
			if m.Content != "" {
				systemParts = append(systemParts, m.Content)
			}
		case "user", "assistant":
			role := "user"
			var parts []geminiPart
			if m.Role == "assistant" {
				role = "model"
				if m.Content != "" {
					parts = append(parts, geminiPart{Text: m.Content})
				}
				for _, tc := range m.ToolCalls {
					parts = append(parts, geminiPart{FunctionCall: &geminiFunctionCall{Name: tc.Name, Args: tc.Arguments}})
				}
			} else if m.Content != "" {
				parts = append(parts, geminiPart{Text: m.Content})
			}
			if len(parts) > 0 {
				contents = append(contents, geminiContent{Role: role, Parts: parts})
			}
		case "tool":
			var response map[string]any
			if err := json.Unmarshal([]byte(m.Content), &response); err != nil {
				response = map[string]any{"result": m.Content}
			}
			contents = append(contents, geminiContent{
				Role: "user",
				Parts: []geminiPart{{
					FunctionResp: &geminiFunctionResp{Name: m.Name, Response: response},
				}},
			})
		}
	}

	body := map[string]any{"contents": contents}
	if len(systemParts) > 0 {
		body["system_instruction"] = map[string]any{
			"parts": []map[string]string{{"text": strings.Join(systemParts, "\n\n")}},
		}
	}
	if len(tools) > 0 {
		decls := make([]geminiFunctionDecl, 0, len(tools))
		for _, td := range tools {
			decls = append(decls, geminiFunctionDecl{Name: td.Name, Description: td.Description, Parameters: td.Parameters})
		}
		body["tools"] = []map[string]any{{"functionDeclarations": decls}}
	}
	return body
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func parseGeminiResponse(resp *geminiResponse) (TurnResult, error) {
	if len(resp.Candidates) == 0 {
		return TurnResult{}, newError(ErrModelEmptyResponse, nil, nil)
	}

	var sb strings.Builder
	var toolCalls []ToolCall
	n := 0
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" {
			sb.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			n++
			toolCalls = append(toolCalls, ToolCall{
				ID:        fmt.Sprintf("google_call_%d", n),
				Name:      part.FunctionCall.Name,
				Arguments: part.FunctionCall.Args,
			})
		}
	}

	usage := Usage{
		InputTokens:  resp.UsageMetadata.PromptTokenCount,
		OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
		TotalTokens:  resp.UsageMetadata.TotalTokenCount,
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	}

	return TurnResult{Text: sb.String(), ToolCalls: toolCalls, Usage: usage, Raw: resp}, nil
}
