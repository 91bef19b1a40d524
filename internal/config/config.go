// Package config resolves worker configuration in three layers: static
// defaults, then an optional JSON5 overlay file, then environment
// variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/titanous/json5"
)

// Config is the fully resolved worker configuration.
type Config struct {
	WorkerID            string
	HubBaseURL          string
	HubInternalToken    string
	WorkerInternalToken string
	AllowInsecureToken  bool

	MaxConcurrency   int
	LeaseSeconds     int
	ClaimIntervalMS  int
	HeartbeatSeconds int
	MaxModelTurns    int
	MaxSubagents     int
	ModelTimeoutMS   int
	Runtime          string

	TLSCAFile             string
	TLSInsecureSkipVerify bool

	Telemetry TelemetryConfig

	Version string
}

// TelemetryConfig configures the OTel exporter internal/tracing wires up.
type TelemetryConfig struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	ServiceName string
}

const (
	defaultMaxConcurrency   = 3
	defaultLeaseSeconds     = 30
	defaultClaimIntervalMS  = 500
	defaultHeartbeatSeconds = 10
	defaultMaxModelTurns    = 24
	defaultMaxSubagents     = 3
	defaultModelTimeoutMS   = 30000
	defaultRuntime          = "vanilla"
	defaultVersion          = "0.0.0-dev"
)

// fileOverlay is the shape of the optional on-disk JSON5 config file. Every
// field is optional; unset fields fall through to built-in defaults and
// then to environment overrides.
type fileOverlay struct {
	HubBaseURL       string `json:"hub_base_url"`
	MaxConcurrency   int    `json:"max_concurrency"`
	LeaseSeconds     int    `json:"lease_seconds"`
	ClaimIntervalMS  int    `json:"claim_interval_ms"`
	HeartbeatSeconds int    `json:"heartbeat_seconds"`
	MaxModelTurns    int    `json:"max_model_turns"`
	MaxSubagents     int    `json:"max_subagents"`
	ModelTimeoutMS   int    `json:"model_timeout_ms"`
	Runtime          string `json:"runtime"`
	TLSCAFile        string `json:"tls_ca_file"`

	Telemetry struct {
		Enabled     bool   `json:"enabled"`
		Endpoint    string `json:"endpoint"`
		Insecure    bool   `json:"insecure"`
		ServiceName string `json:"service_name"`
	} `json:"telemetry"`
}

// Default returns built-in defaults before any overlay or env override is
// applied.
func Default() Config {
	return Config{
		MaxConcurrency:   defaultMaxConcurrency,
		LeaseSeconds:     defaultLeaseSeconds,
		ClaimIntervalMS:  defaultClaimIntervalMS,
		HeartbeatSeconds: defaultHeartbeatSeconds,
		MaxModelTurns:    defaultMaxModelTurns,
		MaxSubagents:     defaultMaxSubagents,
		ModelTimeoutMS:   defaultModelTimeoutMS,
		Runtime:          defaultRuntime,
		Version:          defaultVersion,
	}
}

// Load resolves the full configuration: defaults, then an optional JSON5
// file at path (ignored if it does not exist), then environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else {
			var overlay fileOverlay
			if err := json5.Unmarshal(data, &overlay); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
			applyOverlay(&cfg, overlay)
		}
	}

	applyEnvOverrides(&cfg)
	clamp(&cfg)
	return cfg, nil
}

func applyOverlay(cfg *Config, o fileOverlay) {
	if o.HubBaseURL != "" {
		cfg.HubBaseURL = o.HubBaseURL
	}
	if o.MaxConcurrency != 0 {
		cfg.MaxConcurrency = o.MaxConcurrency
	}
	if o.LeaseSeconds != 0 {
		cfg.LeaseSeconds = o.LeaseSeconds
	}
	if o.ClaimIntervalMS != 0 {
		cfg.ClaimIntervalMS = o.ClaimIntervalMS
	}
	if o.HeartbeatSeconds != 0 {
		cfg.HeartbeatSeconds = o.HeartbeatSeconds
	}
	if o.MaxModelTurns != 0 {
		cfg.MaxModelTurns = o.MaxModelTurns
	}
	if o.MaxSubagents != 0 {
		cfg.MaxSubagents = o.MaxSubagents
	}
	if o.ModelTimeoutMS != 0 {
		cfg.ModelTimeoutMS = o.ModelTimeoutMS
	}
	if o.Runtime != "" {
		cfg.Runtime = o.Runtime
	}
	if o.TLSCAFile != "" {
		cfg.TLSCAFile = o.TLSCAFile
	}
	if o.Telemetry.Enabled {
		cfg.Telemetry.Enabled = true
	}
	if o.Telemetry.Endpoint != "" {
		cfg.Telemetry.Endpoint = o.Telemetry.Endpoint
	}
	if o.Telemetry.Insecure {
		cfg.Telemetry.Insecure = true
	}
	if o.Telemetry.ServiceName != "" {
		cfg.Telemetry.ServiceName = o.Telemetry.ServiceName
	}
}

func applyEnvOverrides(cfg *Config) {
	cfg.WorkerID = envOr("WORKER_ID", cfg.WorkerID)
	cfg.HubBaseURL = envOr("HUB_BASE_URL", cfg.HubBaseURL)
	cfg.HubInternalToken = envOr("HUB_INTERNAL_TOKEN", cfg.HubInternalToken)
	cfg.WorkerInternalToken = envOr("WORKER_INTERNAL_TOKEN", cfg.WorkerInternalToken)
	cfg.AllowInsecureToken = envBool("GOYAIS_ALLOW_INSECURE_INTERNAL_TOKEN", cfg.AllowInsecureToken)

	cfg.MaxConcurrency = envInt("WORKER_MAX_CONCURRENCY", cfg.MaxConcurrency)
	cfg.LeaseSeconds = envInt("WORKER_LEASE_SECONDS", cfg.LeaseSeconds)
	cfg.ClaimIntervalMS = envInt("WORKER_CLAIM_INTERVAL_MS", cfg.ClaimIntervalMS)
	cfg.HeartbeatSeconds = envInt("WORKER_HEARTBEAT_SECONDS", cfg.HeartbeatSeconds)
	cfg.MaxModelTurns = envInt("WORKER_MAX_MODEL_TURNS", cfg.MaxModelTurns)
	cfg.MaxSubagents = envInt("WORKER_MAX_SUBAGENTS", cfg.MaxSubagents)
	cfg.ModelTimeoutMS = envInt("WORKER_MODEL_TIMEOUT_MS", cfg.ModelTimeoutMS)
	cfg.Runtime = envOr("WORKER_RUNTIME", cfg.Runtime)

	cfg.TLSCAFile = firstNonEmptyEnv(cfg.TLSCAFile, "WORKER_TLS_CA_FILE", "SSL_CERT_FILE", "REQUESTS_CA_BUNDLE", "CURL_CA_BUNDLE")
	cfg.TLSInsecureSkipVerify = envBool("WORKER_TLS_INSECURE_SKIP_VERIFY", cfg.TLSInsecureSkipVerify)

	cfg.Version = envOr("GOYAIS_VERSION", cfg.Version)

	cfg.Telemetry.Enabled = envBool("WORKER_OTEL_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.Endpoint = envOr("WORKER_OTEL_ENDPOINT", cfg.Telemetry.Endpoint)
	cfg.Telemetry.Insecure = envBool("WORKER_OTEL_INSECURE", cfg.Telemetry.Insecure)
	cfg.Telemetry.ServiceName = envOr("WORKER_OTEL_SERVICE_NAME", cfg.Telemetry.ServiceName)
}

// clamp enforces the worker-identity minimums and the subagent ceiling.
func clamp(cfg *Config) {
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	if cfg.LeaseSeconds < 10 {
		cfg.LeaseSeconds = 10
	}
	if cfg.HeartbeatSeconds < 3 {
		cfg.HeartbeatSeconds = 3
	}
	if cfg.MaxSubagents < 1 {
		cfg.MaxSubagents = 1
	}
	if cfg.MaxSubagents > 3 {
		cfg.MaxSubagents = 3
	}
}

// HeartbeatInterval returns HeartbeatSeconds as a time.Duration.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// ClaimInterval returns ClaimIntervalMS as a time.Duration.
func (c Config) ClaimInterval() time.Duration {
	return time.Duration(c.ClaimIntervalMS) * time.Millisecond
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmptyEnv(fallback string, keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return b
}
