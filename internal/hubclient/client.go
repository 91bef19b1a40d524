// Package hubclient is the shared HTTP client every worker component uses
// to talk to the Hub: auth header injection, trace id propagation, and a
// courtesy rate limiter.
package hubclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/goyais/worker/pkg/protocol"
)

// Client wraps net/http with the Hub's auth and tracing conventions.
type Client struct {
	BaseURL       string
	InternalToken string
	HTTPClient    *http.Client
	Limiter       *rate.Limiter
}

// New builds a Client with a generous default courtesy limiter (20 req/s,
// burst 20) — tight enough to never be the bottleneck against a single
// Hub, loose enough to never throttle a single worker's own traffic.
func New(baseURL, internalToken string) *Client {
	return &Client{
		BaseURL:       baseURL,
		InternalToken: internalToken,
		HTTPClient:    &http.Client{Timeout: 30 * time.Second},
		Limiter:       rate.NewLimiter(rate.Limit(20), 20),
	}
}

// NewWithTLS builds a Client like New but with an explicit TLS config for
// Hubs fronted by a private CA or TLS-terminating proxy. A nil tlsCfg is
// equivalent to New.
func NewWithTLS(baseURL, internalToken string, tlsCfg *tls.Config) *Client {
	c := New(baseURL, internalToken)
	if tlsCfg != nil {
		c.HTTPClient.Transport = &http.Transport{TLSClientConfig: tlsCfg}
	}
	return c
}

// Do issues method to path (relative to BaseURL) with body marshaled as
// JSON (nil for no body), decoding the JSON response into out (nil to
// discard the body). traceID is propagated as X-Trace-Id and echoed back
// by the Hub.
func (c *Client) Do(ctx context.Context, method, path, traceID string, body, out any) (int, error) {
	if err := c.Limiter.Wait(ctx); err != nil {
		return 0, err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("hubclient: encode body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("hubclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(protocol.HeaderInternalToken, c.InternalToken)
	if traceID != "" {
		req.Header.Set(protocol.HeaderTraceID, traceID)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("hubclient: %w", err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return resp.StatusCode, fmt.Errorf("hubclient: decode response: %w", err)
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode, nil
}

// ReadBody issues the request like Do but returns the raw response body
// instead of decoding JSON, for callers that need to inspect an error
// body (e.g. the control channel's EXECUTION_NOT_FOUND marker).
func (c *Client) ReadBody(ctx context.Context, method, path, traceID string, body any) (int, []byte, error) {
	if err := c.Limiter.Wait(ctx); err != nil {
		return 0, nil, err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("hubclient: encode body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("hubclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(protocol.HeaderInternalToken, c.InternalToken)
	if traceID != "" {
		req.Header.Set(protocol.HeaderTraceID, traceID)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("hubclient: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("hubclient: read response: %w", err)
	}
	return resp.StatusCode, data, nil
}
