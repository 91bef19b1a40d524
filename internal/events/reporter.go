// Package events implements the Ordered Event Reporter: a monotonic
// sequence counter, a bounded ring buffer, and a background flusher that
// POSTs batches to the Hub with retry-by-front-reinsertion.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goyais/worker/internal/hubclient"
	"github.com/goyais/worker/pkg/protocol"
)

const (
	ringBufferCapacity = 1000
	flushInterval      = 100 * time.Millisecond
	immediateFlushAt   = 50
	stopDrainRounds    = 2
)

// Reporter is one per claimed execution.
type Reporter struct {
	hub            *hubclient.Client
	executionID    string
	conversationID string
	traceID        string
	queueIndex     int64

	mu       sync.Mutex
	sequence int64
	buffer   []protocol.OutboundEvent

	flushNow chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs a Reporter and starts its background flusher.
func New(hub *hubclient.Client, executionID, conversationID, traceID string, queueIndex int64) *Reporter {
	r := &Reporter{
		hub:            hub,
		executionID:    executionID,
		conversationID: conversationID,
		traceID:        traceID,
		queueIndex:     queueIndex,
		flushNow:       make(chan struct{}, 1),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
	go r.flushLoop()
	return r
}

// Report atomically increments the sequence counter, stamps a UTC RFC3339
// timestamp, and appends the event to the ring buffer, dropping the
// oldest entry on overflow. If the buffer depth reaches immediateFlushAt,
// an immediate flush is triggered.
func (r *Reporter) Report(eventType protocol.EventType, payload map[string]any) protocol.OutboundEvent {
	r.mu.Lock()
	r.sequence++
	seq := r.sequence
	event := protocol.OutboundEvent{
		EventID:        fmt.Sprintf("%s-%d", r.executionID, seq),
		ExecutionID:    r.executionID,
		ConversationID: r.conversationID,
		TraceID:        r.traceID,
		Sequence:       seq,
		QueueIndex:     r.queueIndex,
		Type:           eventType,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		Payload:        payload,
	}
	r.buffer = append(r.buffer, event)
	if len(r.buffer) > ringBufferCapacity {
		r.buffer = r.buffer[len(r.buffer)-ringBufferCapacity:]
	}
	depth := len(r.buffer)
	r.mu.Unlock()

	if depth >= immediateFlushAt {
		select {
		case r.flushNow <- struct{}{}:
		default:
		}
	}
	return event
}

func (r *Reporter) flushLoop() {
	defer close(r.doneCh)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.flushOnce(context.Background())
		case <-r.flushNow:
			r.flushOnce(context.Background())
		case <-r.stopCh:
			for i := 0; i < stopDrainRounds; i++ {
				if !r.flushOnce(context.Background()) {
					return
				}
			}
			return
		}
	}
}

// flushOnce drains the buffer into a local batch and POSTs it. On
// failure, the batch is reinserted at the front (preserving order),
// subject to ring-buffer drop-oldest-on-overflow. Returns true if there
// was anything to flush (used by Stop's drain-round bookkeeping).
func (r *Reporter) flushOnce(ctx context.Context) bool {
	r.mu.Lock()
	if len(r.buffer) == 0 {
		r.mu.Unlock()
		return false
	}
	batch := r.buffer
	r.buffer = nil
	r.mu.Unlock()

	path := fmt.Sprintf("/internal/executions/%s/events/batch", r.executionID)
	status, err := r.hub.Do(ctx, "POST", path, r.traceID, protocol.EventBatchRequest{Events: batch}, nil)
	if err != nil || status >= 400 {
		r.mu.Lock()
		r.buffer = append(append([]protocol.OutboundEvent{}, batch...), r.buffer...)
		if len(r.buffer) > ringBufferCapacity {
			r.buffer = r.buffer[len(r.buffer)-ringBufferCapacity:]
		}
		r.mu.Unlock()
	}
	return true
}

// Stop cancels the flusher and drains up to two retry rounds.
func (r *Reporter) Stop() {
	close(r.stopCh)
	<-r.doneCh
}
