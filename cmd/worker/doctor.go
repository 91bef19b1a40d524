package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/goyais/worker/internal/config"
	"github.com/goyais/worker/internal/tlsconfig"
	"github.com/goyais/worker/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and Hub connectivity",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("goyais-worker doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (not found, using defaults + env)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Worker identity:")
	fmt.Printf("    %-20s %s\n", "worker_id:", defaultIfBlank(cfg.WorkerID, "(generated at startup)"))
	fmt.Printf("    %-20s %s\n", "hub_base_url:", defaultIfBlank(cfg.HubBaseURL, "(NOT SET)"))
	fmt.Printf("    %-20s %d\n", "max_concurrency:", cfg.MaxConcurrency)
	fmt.Printf("    %-20s %d\n", "max_subagents:", cfg.MaxSubagents)
	fmt.Printf("    %-20s %d\n", "lease_seconds:", cfg.LeaseSeconds)
	fmt.Printf("    %-20s %s\n", "runtime:", cfg.Runtime)

	fmt.Println()
	fmt.Println("  TLS:")
	tlsOpts := tlsconfig.ResolveFromEnv()
	tlsOpts.InsecureSkipVerify = cfg.TLSInsecureSkipVerify
	tlsOpts.CAFile = cfg.TLSCAFile
	if _, err := tlsconfig.Resolve("https", tlsOpts); err != nil {
		fmt.Printf("    resolve error: %s\n", err)
	} else {
		fmt.Printf("    %-20s %t\n", "insecure_skip_verify:", cfg.TLSInsecureSkipVerify)
		fmt.Printf("    %-20s %s\n", "ca_file:", defaultIfBlank(cfg.TLSCAFile, "(system default)"))
	}

	fmt.Println()
	fmt.Println("  Hub connectivity:")
	if cfg.HubBaseURL == "" {
		fmt.Println("    skipped (hub_base_url not set)")
		return
	}
	checkHubHealth(cfg.HubBaseURL)
}

func checkHubHealth(baseURL string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", baseURL+"/internal/health", nil)
	if err != nil {
		fmt.Printf("    build request error: %s\n", err)
		return
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Printf("    %-20s unreachable: %s\n", "status:", err)
		return
	}
	defer resp.Body.Close()
	fmt.Printf("    %-20s %s\n", "status:", resp.Status)
}

func defaultIfBlank(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
