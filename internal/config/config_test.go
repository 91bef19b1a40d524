package config

import (
	"os"
	"path/filepath"
	"testing"
)

func clearWorkerEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"WORKER_ID", "HUB_BASE_URL", "HUB_INTERNAL_TOKEN", "WORKER_INTERNAL_TOKEN",
		"GOYAIS_ALLOW_INSECURE_INTERNAL_TOKEN", "WORKER_MAX_CONCURRENCY", "WORKER_LEASE_SECONDS",
		"WORKER_CLAIM_INTERVAL_MS", "WORKER_HEARTBEAT_SECONDS", "WORKER_MAX_MODEL_TURNS",
		"WORKER_MAX_SUBAGENTS", "WORKER_MODEL_TIMEOUT_MS", "WORKER_RUNTIME", "WORKER_TLS_CA_FILE",
		"SSL_CERT_FILE", "REQUESTS_CA_BUNDLE", "CURL_CA_BUNDLE", "WORKER_TLS_INSECURE_SKIP_VERIFY",
		"GOYAIS_VERSION", "WORKER_OTEL_ENABLED", "WORKER_OTEL_ENDPOINT", "WORKER_OTEL_INSECURE",
		"WORKER_OTEL_SERVICE_NAME",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	clearWorkerEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json5"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxConcurrency != defaultMaxConcurrency || cfg.Runtime != defaultRuntime {
		t.Fatalf("cfg = %+v, want built-in defaults", cfg)
	}
}

func TestLoadAppliesFileOverlay(t *testing.T) {
	clearWorkerEnv(t)
	path := filepath.Join(t.TempDir(), "worker.json5")
	writeFile(t, path, `{
		hub_base_url: "https://hub.internal",
		max_concurrency: 7,
		runtime: "langgraph",
		telemetry: { enabled: true, endpoint: "https://otel.internal:4318" },
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HubBaseURL != "https://hub.internal" || cfg.MaxConcurrency != 7 || cfg.Runtime != "langgraph" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if !cfg.Telemetry.Enabled || cfg.Telemetry.Endpoint != "https://otel.internal:4318" {
		t.Fatalf("telemetry = %+v", cfg.Telemetry)
	}
}

func TestLoadEnvOverridesFileOverlay(t *testing.T) {
	clearWorkerEnv(t)
	path := filepath.Join(t.TempDir(), "worker.json5")
	writeFile(t, path, `{ hub_base_url: "https://from-file", max_concurrency: 2 }`)
	t.Setenv("HUB_BASE_URL", "https://from-env")
	t.Setenv("WORKER_MAX_CONCURRENCY", "9")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HubBaseURL != "https://from-env" {
		t.Fatalf("HubBaseURL = %q, want env to win", cfg.HubBaseURL)
	}
	if cfg.MaxConcurrency != 9 {
		t.Fatalf("MaxConcurrency = %d, want env to win", cfg.MaxConcurrency)
	}
}

func TestLoadInvalidJSON5ReturnsError(t *testing.T) {
	clearWorkerEnv(t)
	path := filepath.Join(t.TempDir(), "worker.json5")
	writeFile(t, path, `{ not valid json5 ][`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestClampEnforcesMinimumsAndSubagentCeiling(t *testing.T) {
	clearWorkerEnv(t)
	t.Setenv("WORKER_MAX_CONCURRENCY", "0")
	t.Setenv("WORKER_LEASE_SECONDS", "1")
	t.Setenv("WORKER_HEARTBEAT_SECONDS", "0")
	t.Setenv("WORKER_MAX_SUBAGENTS", "99")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxConcurrency != 1 {
		t.Fatalf("MaxConcurrency = %d, want clamped to 1", cfg.MaxConcurrency)
	}
	if cfg.LeaseSeconds != 10 {
		t.Fatalf("LeaseSeconds = %d, want clamped to 10", cfg.LeaseSeconds)
	}
	if cfg.HeartbeatSeconds != 3 {
		t.Fatalf("HeartbeatSeconds = %d, want clamped to 3", cfg.HeartbeatSeconds)
	}
	if cfg.MaxSubagents != 3 {
		t.Fatalf("MaxSubagents = %d, want clamped to 3", cfg.MaxSubagents)
	}
}

func TestTLSCAFileFallsBackThroughStandardEnvVars(t *testing.T) {
	clearWorkerEnv(t)
	t.Setenv("SSL_CERT_FILE", "/etc/ssl/custom.pem")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TLSCAFile != "/etc/ssl/custom.pem" {
		t.Fatalf("TLSCAFile = %q", cfg.TLSCAFile)
	}
}

func TestHeartbeatAndClaimIntervalConversions(t *testing.T) {
	cfg := Config{HeartbeatSeconds: 5, ClaimIntervalMS: 250}
	if cfg.HeartbeatInterval().Seconds() != 5 {
		t.Fatalf("HeartbeatInterval = %v", cfg.HeartbeatInterval())
	}
	if cfg.ClaimInterval().Milliseconds() != 250 {
		t.Fatalf("ClaimInterval = %v", cfg.ClaimInterval())
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
