package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/goyais/worker/internal/config"
	"github.com/goyais/worker/internal/workerserve"
)

var apiAddr string

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the claim loop and the worker's internal HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&apiAddr, "api-addr", ":8088", "address the internal commit/discard/health API listens on")
	return cmd
}

func runServe(ctx context.Context) error {
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("serve: load config: %w", err)
	}
	if cfg.HubBaseURL == "" {
		return fmt.Errorf("serve: HUB_BASE_URL is required")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := workerserve.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("serve: build server: %w", err)
	}

	srv.ListenAndServeAPI(apiAddr)
	slog.Info("worker.starting", "worker_id", cfg.WorkerID, "hub_base_url", cfg.HubBaseURL, "max_concurrency", cfg.MaxConcurrency, "api_addr", apiAddr)

	runErr := srv.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	srv.Stop(shutdownCtx)

	slog.Info("worker.stopped")
	return runErr
}
