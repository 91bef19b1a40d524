// Package workerserve wires the Claim/Lease Loop to the rest of the
// worker core: per-execution worktree preparation, the event reporter,
// the control channel, the tool injector, and the Execution Engine. It is
// the composition root cmd/worker's serve subcommand calls into.
package workerserve

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/goyais/worker/internal/claim"
	"github.com/goyais/worker/internal/config"
	"github.com/goyais/worker/internal/control"
	"github.com/goyais/worker/internal/engine"
	"github.com/goyais/worker/internal/events"
	"github.com/goyais/worker/internal/guard"
	"github.com/goyais/worker/internal/hubclient"
	"github.com/goyais/worker/internal/model"
	"github.com/goyais/worker/internal/subagentpool"
	"github.com/goyais/worker/internal/tlsconfig"
	"github.com/goyais/worker/internal/tools"
	"github.com/goyais/worker/internal/toolinject"
	"github.com/goyais/worker/internal/tracing"
	"github.com/goyais/worker/internal/worktree"
	"github.com/goyais/worker/internal/workerapi"
	"github.com/goyais/worker/pkg/protocol"
)

// Server bundles every collaborator the claim loop's per-execution
// RunFunc needs.
type Server struct {
	cfg     config.Config
	hub     *hubclient.Client
	adapter *model.Adapter
	pool    *subagentpool.Pool
	tracer  *tracing.Provider
	api     *http.Server
	loop    *claim.Loop
}

// New builds a Server from a resolved Config. It does not start anything.
func New(ctx context.Context, cfg config.Config) (*Server, error) {
	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.NewString()
	}

	// Start from the env-derived options (which carry proxy detection for
	// the darwin trust-store path), then apply the resolved config's
	// values on top — the config layer already folds in overlay + env.
	tlsOpts := tlsconfig.ResolveFromEnv()
	tlsOpts.InsecureSkipVerify = cfg.TLSInsecureSkipVerify
	tlsOpts.CAFile = cfg.TLSCAFile
	hubScheme := "http"
	if strings.HasPrefix(cfg.HubBaseURL, "https://") {
		hubScheme = "https"
	}
	hubTLS, err := tlsconfig.Resolve(hubScheme, tlsOpts)
	if err != nil {
		return nil, fmt.Errorf("workerserve: resolve hub tls: %w", err)
	}
	hub := hubclient.NewWithTLS(cfg.HubBaseURL, cfg.HubInternalToken, hubTLS)
	adapter := model.NewAdapter(tlsOpts)
	pool := subagentpool.NewPool(cfg.MaxSubagents)

	tracer, err := tracing.New(ctx, tracing.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return nil, err
	}

	s := &Server{cfg: cfg, hub: hub, adapter: adapter, pool: pool, tracer: tracer}

	s.loop = claim.New(hub, claim.Config{
		WorkerID:       cfg.WorkerID,
		Runtime:        cfg.Runtime,
		MaxConcurrency: cfg.MaxConcurrency,
		LeaseSeconds:   cfg.LeaseSeconds,
		ClaimInterval:  cfg.ClaimInterval(),
		HeartbeatEvery: cfg.HeartbeatInterval(),
	}, s.runExecution)

	return s, nil
}

// ListenAndServeAPI starts the small health/commit/discard HTTP server in
// the background.
func (s *Server) ListenAndServeAPI(addr string) {
	handler := workerapi.New(s.cfg.Version, s.cfg.WorkerInternalToken, s.cfg.AllowInsecureToken)
	s.api = &http.Server{Addr: addr, Handler: handler}
	go func() {
		if err := s.api.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("workerserve.api_failed", "error", err)
		}
	}()
}

// Run starts the claim loop and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.loop.Start(ctx)
}

// Stop drains the claim loop, in-flight executions, and the API server,
// then releases the cached TLS trust bundle, if any.
func (s *Server) Stop(ctx context.Context) {
	s.loop.Stop()
	if s.api != nil {
		_ = s.api.Shutdown(ctx)
	}
	if s.tracer != nil {
		_ = s.tracer.Shutdown(ctx)
	}
	tlsconfig.RemoveCachedBundle()
}

// runExecution is the claim loop's RunFunc: it prepares a worktree, stands
// up the event reporter and control channel, resolves dynamic tools,
// drives the Execution Engine, and tears everything down, in that order.
func (s *Server) runExecution(ctx context.Context, envelope protocol.ExecutionEnvelope) {
	ctx, span := s.tracer.StartExecution(ctx, envelope.ExecutionID, envelope.TraceID, envelope.ConversationID)
	defer span.End()

	prepCtx, prepSpan := s.tracer.StartWorktreeOp(ctx, "prepare", envelope.ExecutionID)
	wtCtx := worktree.Prepare(prepCtx, envelope.ExecutionID, envelope.ProjectPath, envelope.ProjectIsGit)
	prepSpan.End()
	if wtCtx.Created {
		slog.Info("workerserve.worktree_created", "execution_id", envelope.ExecutionID, "path", wtCtx.Path)
	}

	reporter := events.New(s.hub, envelope.ExecutionID, envelope.ConversationID, envelope.TraceID, envelope.QueueIndex)
	defer reporter.Stop()

	ctrl := control.New(s.hub, envelope.ExecutionID, envelope.TraceID)
	defer ctrl.Stop()

	injector := toolinject.Resolve(ctx, s.hub, envelope.ExecutionID, envelope.TraceID)
	defer injector.Close()

	pathGuard, err := guard.NewPathGuard(wtCtx.Path)
	if err != nil {
		reporter.Report(protocol.EventExecutionError, map[string]any{
			"reason":  "WORKER_RUNTIME_ERROR",
			"message": err.Error(),
		})
		s.cleanup(envelope, wtCtx)
		return
	}
	commandGuard := guard.NewCommandGuard()

	registry := &tools.Registry{
		PathGuard:          pathGuard,
		CommandGuard:       commandGuard,
		WorkDir:            wtCtx.Path,
		SubagentPool:       s.pool,
		SubagentRunner:     s.adapter,
		SubagentInvocation: subagentInvocation(envelope),
	}

	eng := engine.New(engine.Deps{
		Adapter:   s.adapter,
		Tools:     registry,
		ToolDefs:  tools.Definitions(),
		LookupEnv: os.Getenv,
		Tracer:    s.tracer,
		Injector:  injector,
		Runtime:   s.cfg.Runtime,
	})

	eng.Run(ctx, envelope, reporter.Report, ctrl.IsCancelled)

	s.cleanup(envelope, wtCtx)
}

func (s *Server) cleanup(envelope protocol.ExecutionEnvelope, wtCtx worktree.Context) {
	if !wtCtx.Created {
		return
	}
	removeCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	removeCtx, span := s.tracer.StartWorktreeOp(removeCtx, "remove", envelope.ExecutionID)
	defer span.End()
	if err := worktree.Remove(removeCtx, envelope.ProjectPath, envelope.ExecutionID, true); err != nil {
		slog.Warn("workerserve.worktree_remove_failed", "execution_id", envelope.ExecutionID, "error", err)
	}
}

// subagentInvocation derives the model invocation a subagent call reuses:
// the same model_snapshot as the parent execution. There is no separate
// subagent model configuration.
func subagentInvocation(envelope protocol.ExecutionEnvelope) model.Invocation {
	inv, err := model.ResolveInvocation(envelope, nil)
	if err != nil {
		return model.Invocation{}
	}
	return inv
}
