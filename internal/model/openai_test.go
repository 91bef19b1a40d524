package model

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goyais/worker/internal/tlsconfig"
)

func testInvocation(baseURL string) Invocation {
	return Invocation{Vendor: "openai", ModelID: "gpt-4o-mini", BaseURL: baseURL, APIKey: "k", TimeoutMS: 5000}
}

func TestOpenAITransportParsesTextResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer k" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{"content": "hello there"},
			}},
			"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		})
	}))
	defer srv.Close()

	transport := NewOpenAITransport(tlsconfig.Options{})
	result, err := transport.RunTurn(context.Background(), testInvocation(srv.URL), []Message{{Role: "user", Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if result.Text != "hello there" {
		t.Fatalf("Text = %q", result.Text)
	}
	if result.Usage.TotalTokens != 15 {
		t.Fatalf("TotalTokens = %d, want 15", result.Usage.TotalTokens)
	}
}

func TestOpenAITransportParsesToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{
					"content": "",
					"tool_calls": []map[string]any{{
						"id":   "call_1",
						"type": "function",
						"function": map[string]any{
							"name":      "read_file",
							"arguments": `{"path":"a.txt"}`,
						},
					}},
				},
			}},
		})
	}))
	defer srv.Close()

	transport := NewOpenAITransport(tlsconfig.Options{})
	result, err := transport.RunTurn(context.Background(), testInvocation(srv.URL), []Message{{Role: "user", Content: "read a.txt"}}, nil)
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if len(result.ToolCalls) != 1 || result.ToolCalls[0].Name != "read_file" {
		t.Fatalf("ToolCalls = %+v", result.ToolCalls)
	}
	if result.ToolCalls[0].Arguments["path"] != "a.txt" {
		t.Fatalf("Arguments = %+v", result.ToolCalls[0].Arguments)
	}
}

func TestOpenAITransportSurfacesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer srv.Close()

	transport := NewOpenAITransport(tlsconfig.Options{})
	_, err := transport.RunTurn(context.Background(), testInvocation(srv.URL), []Message{{Role: "user", Content: "hi"}}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	var modelErr *Error
	if !asModelErr(err, &modelErr) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if modelErr.Code != ErrModelHTTPError || modelErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("Error = %+v", modelErr)
	}
}

func asModelErr(err error, target **Error) bool {
	if me, ok := err.(*Error); ok {
		*target = me
		return true
	}
	return false
}
