// Package claim implements the Claim/Lease Loop: worker registration,
// heartbeat, and the main loop that claims executions from the Hub under
// a concurrency cap and runs each in its own task. Lease renewal is the
// Hub's concern; the worker only heartbeats.
package claim

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/goyais/worker/internal/hubclient"
	"github.com/goyais/worker/pkg/protocol"
)

// RunFunc executes one claimed envelope to completion. It is responsible
// for preparing the worktree, starting the control channel and event
// reporter, invoking the Execution Engine, and tearing everything down —
// the Loop itself performs none of that; it only owns the claim/dispatch
// bookkeeping.
type RunFunc func(ctx context.Context, envelope protocol.ExecutionEnvelope)

// Loop is the worker's top-level claim/lease loop.
type Loop struct {
	hub            *hubclient.Client
	workerID       string
	runtime        string
	maxConcurrency int
	leaseSeconds   int
	claimInterval  time.Duration
	heartbeatEvery time.Duration
	run            RunFunc

	wg     sync.WaitGroup
	active sync.WaitGroup

	mu          sync.Mutex
	activeCount int

	stopCh chan struct{}
}

// Config bundles the Loop's worker-identity tunables.
type Config struct {
	WorkerID       string
	Runtime        string
	MaxConcurrency int
	LeaseSeconds   int
	ClaimInterval  time.Duration
	HeartbeatEvery time.Duration
}

// New builds a Loop. run is invoked once per claimed execution, in its own
// goroutine.
func New(hub *hubclient.Client, cfg Config, run RunFunc) *Loop {
	return &Loop{
		hub:            hub,
		workerID:       cfg.WorkerID,
		runtime:        cfg.Runtime,
		maxConcurrency: cfg.MaxConcurrency,
		leaseSeconds:   cfg.LeaseSeconds,
		claimInterval:  cfg.ClaimInterval,
		heartbeatEvery: cfg.HeartbeatEvery,
		run:            run,
		stopCh:         make(chan struct{}),
	}
}

// Start registers the worker, starts the heartbeat task, and runs the main
// claim loop until ctx is cancelled or Stop is called. It blocks.
func (l *Loop) Start(ctx context.Context) error {
	if err := l.register(ctx); err != nil {
		slog.Warn("claim.register_failed", "worker_id", l.workerID, "error", err)
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.heartbeatLoop(ctx)
	}()

	l.mainLoop(ctx)
	return nil
}

// Stop signals the main loop and heartbeat to exit and waits for all
// in-flight executions to finish.
func (l *Loop) Stop() {
	select {
	case <-l.stopCh:
	default:
		close(l.stopCh)
	}
	l.wg.Wait()
	l.active.Wait()
}

func (l *Loop) register(ctx context.Context) error {
	req := protocol.RegisterRequest{
		WorkerID: l.workerID,
		Capabilities: protocol.Capabilities{
			Runtime:        l.runtime,
			MaxConcurrency: l.maxConcurrency,
		},
	}
	status, err := l.hub.Do(ctx, "POST", "/internal/workers/register", "", req, nil)
	if err != nil {
		return err
	}
	slog.Info("claim.registered", "worker_id", l.workerID, "status", status, "max_concurrency", l.maxConcurrency)
	return nil
}

func (l *Loop) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(l.heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-ticker.C:
			path := "/internal/workers/" + l.workerID + "/heartbeat"
			if _, err := l.hub.Do(ctx, "POST", path, "", protocol.HeartbeatRequest{Status: "active"}, nil); err != nil {
				slog.Warn("claim.heartbeat_failed", "worker_id", l.workerID, "error", err)
			}
		}
	}
}

// mainLoop claims executions while the active task set is under the
// concurrency cap, sleeping claimInterval whenever it is saturated or the
// Hub reports nothing to claim. Transient Hub errors are logged and
// retried after the same interval.
func (l *Loop) mainLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		default:
		}

		if l.currentActive() >= l.maxConcurrency {
			if !l.sleep(ctx) {
				return
			}
			continue
		}

		envelope, claimed, err := l.claimOne(ctx)
		if err != nil {
			slog.Warn("claim.claim_failed", "worker_id", l.workerID, "error", err)
			if !l.sleep(ctx) {
				return
			}
			continue
		}
		if !claimed {
			if !l.sleep(ctx) {
				return
			}
			continue
		}

		l.spawn(ctx, envelope)
	}
}

func (l *Loop) claimOne(ctx context.Context) (protocol.ExecutionEnvelope, bool, error) {
	req := protocol.ClaimRequest{WorkerID: l.workerID, LeaseSeconds: l.leaseSeconds}
	var resp protocol.ClaimResponse
	if _, err := l.hub.Do(ctx, "POST", "/internal/executions/claim", "", req, &resp); err != nil {
		return protocol.ExecutionEnvelope{}, false, err
	}
	if !resp.Claimed || resp.Execution == nil {
		return protocol.ExecutionEnvelope{}, false, nil
	}
	return *resp.Execution, true, nil
}

func (l *Loop) spawn(ctx context.Context, envelope protocol.ExecutionEnvelope) {
	l.incActive()
	l.active.Add(1)
	go func() {
		defer l.active.Done()
		defer l.decActive()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("claim.execution_panic", "execution_id", envelope.ExecutionID, "panic", r)
			}
		}()
		slog.Info("claim.granted", "execution_id", envelope.ExecutionID, "worker_id", l.workerID, "queue_index", envelope.QueueIndex)
		l.run(ctx, envelope)
	}()
}

func (l *Loop) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-l.stopCh:
		return false
	case <-time.After(l.claimInterval):
		return true
	}
}

func (l *Loop) currentActive() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.activeCount
}

func (l *Loop) incActive() {
	l.mu.Lock()
	l.activeCount++
	l.mu.Unlock()
}

func (l *Loop) decActive() {
	l.mu.Lock()
	l.activeCount--
	l.mu.Unlock()
}
