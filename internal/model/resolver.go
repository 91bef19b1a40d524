package model

import (
	"os"
	"strconv"
	"strings"

	"github.com/goyais/worker/pkg/protocol"
)

// knownVendors is the fixed set of normalized vendor identifiers.
var knownVendors = map[string]bool{
	"openai": true, "google": true, "qwen": true, "doubao": true,
	"zhipu": true, "minimax": true, "local": true,
}

// vendorAPIKeyEnv maps a normalized vendor to its dedicated env var name.
var vendorAPIKeyEnv = map[string]string{
	"openai":  "OPENAI_API_KEY",
	"google":  "GOOGLE_API_KEY",
	"qwen":    "QWEN_API_KEY",
	"doubao":  "DOUBAO_API_KEY",
	"zhipu":   "ZHIPU_API_KEY",
	"minimax": "MINIMAX_API_KEY",
}

const (
	defaultTimeoutMS = 30000
	minTimeoutMS     = 1000
	maxTimeoutMS     = 120000
)

// ResolveInvocation normalizes an envelope's model_snapshot into a ready
// Invocation. Precedence for every field: model_snapshot field, then
// model_snapshot.params field, then an explicit env var, then the generic
// MODEL_API_KEY, then a built-in default. lookupEnv is injected for
// testability; pass os.Getenv in production.
func ResolveInvocation(env protocol.ExecutionEnvelope, lookupEnv func(string) string) (Invocation, error) {
	if lookupEnv == nil {
		lookupEnv = os.Getenv
	}

	modelID := env.ModelID
	if modelID == "" {
		return Invocation{}, newError(ErrModelIDRequired, nil, nil)
	}

	vendor := normalizeVendor(env.ModelSnapshot.Vendor, modelID)

	baseURL := env.ModelSnapshot.BaseURL
	if baseURL == "" {
		if v, ok := env.ModelSnapshot.Params["base_url"].(string); ok && v != "" {
			baseURL = v
		}
	}
	if baseURL == "" && vendor != "local" {
		return Invocation{}, newError(ErrModelBaseURLRequired, map[string]any{"vendor": vendor}, nil)
	}

	apiKey := resolveAPIKey(env, vendor, lookupEnv)
	if apiKey == "" && vendor != "local" {
		return Invocation{}, newError(ErrModelAPIKeyMissing, map[string]any{"vendor": vendor}, nil)
	}

	timeoutMS := resolveTimeoutMS(env, lookupEnv)

	headers := map[string]string{}
	for k, v := range env.ModelSnapshot.Headers {
		headers[k] = v
	}

	return Invocation{
		Vendor:    vendor,
		ModelID:   modelID,
		BaseURL:   baseURL,
		APIKey:    apiKey,
		TimeoutMS: timeoutMS,
		Headers:   headers,
	}, nil
}

func normalizeVendor(declared, modelID string) string {
	v := strings.ToLower(strings.TrimSpace(declared))
	if knownVendors[v] {
		return v
	}
	return inferVendorFromModelID(modelID)
}

func inferVendorFromModelID(modelID string) string {
	id := strings.ToLower(modelID)
	switch {
	case strings.Contains(id, "gemini"):
		return "google"
	case strings.Contains(id, "qwen"):
		return "qwen"
	case strings.Contains(id, "doubao"):
		return "doubao"
	case strings.Contains(id, "glm") || strings.Contains(id, "zhipu"):
		return "zhipu"
	case strings.Contains(id, "minimax"):
		return "minimax"
	case strings.Contains(id, ":"):
		return "local"
	default:
		return "openai"
	}
}

func resolveAPIKey(env protocol.ExecutionEnvelope, vendor string, lookupEnv func(string) string) string {
	if env.ModelSnapshot.APIKey != "" {
		return env.ModelSnapshot.APIKey
	}
	if v, ok := env.ModelSnapshot.Params["api_key"].(string); ok && v != "" {
		return v
	}
	if envKey, ok := vendorAPIKeyEnv[vendor]; ok {
		if v := lookupEnv(envKey); v != "" {
			return v
		}
	}
	if v := lookupEnv("MODEL_API_KEY"); v != "" {
		return v
	}
	return ""
}

func resolveTimeoutMS(env protocol.ExecutionEnvelope, lookupEnv func(string) string) int {
	if env.ModelSnapshot.TimeoutMS > 0 {
		return clampTimeoutMS(env.ModelSnapshot.TimeoutMS)
	}
	if v, ok := env.ModelSnapshot.Params["timeout_ms"]; ok {
		if n, ok := toInt(v); ok {
			return clampTimeoutMS(n)
		}
	}
	if v := lookupEnv("WORKER_MODEL_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return clampTimeoutMS(n)
		}
	}
	return clampTimeoutMS(defaultTimeoutMS)
}

func clampTimeoutMS(ms int) int {
	if ms < minTimeoutMS {
		return minTimeoutMS
	}
	if ms > maxTimeoutMS {
		return maxTimeoutMS
	}
	return ms
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
