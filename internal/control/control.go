// Package control implements the Control Channel: a per-execution
// long-poll against the Hub that delivers "stop" commands and propagates
// cancellation.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goyais/worker/internal/hubclient"
	"github.com/goyais/worker/pkg/protocol"
)

const (
	waitMS          = 2000
	errorRetryDelay = 500 * time.Millisecond
)

// Channel tracks cancellation state for one execution.
type Channel struct {
	hub         *hubclient.Client
	executionID string
	traceID     string

	cancelled atomic.Bool
	afterSeq  int64

	stopCh chan struct{}
	doneCh chan struct{}
}

// New starts the long-poll loop in the background.
func New(hub *hubclient.Client, executionID, traceID string) *Channel {
	c := &Channel{
		hub:         hub,
		executionID: executionID,
		traceID:     traceID,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	go c.pollLoop()
	return c
}

// IsCancelled reports whether a stop command (or execution-gone signal)
// has been observed. The Engine polls this at every boundary.
func (c *Channel) IsCancelled() bool {
	return c.cancelled.Load()
}

func (c *Channel) pollLoop() {
	defer close(c.doneCh)
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		status, body, err := c.poll()
		if err != nil {
			select {
			case <-time.After(errorRetryDelay):
				continue
			case <-c.stopCh:
				return
			}
		}

		if status == 404 && strings.Contains(string(body), protocol.ExecutionNotFound) {
			c.cancelled.Store(true)
			return
		}
		if status >= 400 {
			select {
			case <-time.After(errorRetryDelay):
				continue
			case <-c.stopCh:
				return
			}
		}
	}
}

func (c *Channel) poll() (int, []byte, error) {
	path := fmt.Sprintf("/internal/executions/%s/control?after_seq=%d&wait_ms=%d",
		c.executionID, atomic.LoadInt64(&c.afterSeq), waitMS)

	status, body, err := c.hub.ReadBody(context.Background(), "GET", path, c.traceID, nil)
	if err != nil {
		return status, body, err
	}
	if status >= 400 {
		return status, body, nil
	}

	var resp protocol.ControlResponse
	if decodeErr := json.Unmarshal(body, &resp); decodeErr == nil {
		if resp.LastSeq > atomic.LoadInt64(&c.afterSeq) {
			atomic.StoreInt64(&c.afterSeq, resp.LastSeq)
		}
		for _, cmd := range resp.Commands {
			if cmd.Type == protocol.ControlCommandStop {
				c.cancelled.Store(true)
			}
		}
	}
	return status, body, nil
}

// Stop ends the poll loop without affecting the cancellation flag.
func (c *Channel) Stop() {
	close(c.stopCh)
	<-c.doneCh
}
