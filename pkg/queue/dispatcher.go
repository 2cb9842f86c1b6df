// Package queue hands pending runs to polling runners.
//
// Runners long-poll; the dispatcher parks them on a notification channel and
// wakes them when a run is enqueued or a stop signal is queued. Claims are
// atomic at the store level, so concurrent polls for the same run have
// exactly one winner.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/maestro-ai/maestro/pkg/models"
	"github.com/maestro-ai/maestro/pkg/store"
)

// defaultMaxWait caps how long a single poll may be held server-side.
const defaultMaxWait = 30 * time.Second

// Dispatcher matches pending runs to polling runners.
type Dispatcher struct {
	store   store.Store
	maxWait time.Duration

	mu     sync.Mutex
	wakeCh chan struct{}
	closed bool
}

// NewDispatcher creates a dispatcher. maxWait <= 0 uses the default cap.
func NewDispatcher(st store.Store, maxWait time.Duration) *Dispatcher {
	if maxWait <= 0 {
		maxWait = defaultMaxWait
	}
	return &Dispatcher{
		store:   st,
		maxWait: maxWait,
		wakeCh:  make(chan struct{}),
	}
}

// Wake releases every parked poll so it re-attempts a claim. Called after
// enqueues and stop-signal writes; never blocks.
func (d *Dispatcher) Wake() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	close(d.wakeCh)
	d.wakeCh = make(chan struct{})
}

// Shutdown drains all parked polls empty and rejects new waits.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	close(d.wakeCh)
}

// Poll answers a runner's long-poll: a claimed run and/or pending stop
// signals as soon as either exists, otherwise an empty response when wait
// expires. wait is clamped to the server-side maximum.
func (d *Dispatcher) Poll(ctx context.Context, runnerID string, filter store.RunFilter, wait time.Duration) (*models.PollResponse, error) {
	if runnerID == "" {
		return nil, fmt.Errorf("runner_id is required")
	}
	if wait <= 0 || wait > d.maxWait {
		wait = d.maxWait
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		// Capture the wake signal before attempting the claim so an
		// enqueue landing in between is not missed.
		d.mu.Lock()
		wake := d.wakeCh
		closed := d.closed
		d.mu.Unlock()

		resp, err := d.attempt(ctx, runnerID, filter)
		if err != nil {
			return nil, err
		}
		if resp.Run != nil || len(resp.StopRuns) > 0 || closed {
			return resp, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return resp, nil
		case <-wake:
		}
	}
}

func (d *Dispatcher) attempt(ctx context.Context, runnerID string, filter store.RunFilter) (*models.PollResponse, error) {
	stopRuns, err := d.store.StopRunIDs(ctx, runnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to collect stop signals: %w", err)
	}
	if stopRuns == nil {
		stopRuns = []string{}
	}

	run, err := d.store.ClaimNextRun(ctx, runnerID, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to claim run: %w", err)
	}
	if run != nil {
		slog.Info("Run claimed",
			"run_id", run.ID,
			"runner_id", runnerID,
			"session_id", run.SessionID,
			"agent", run.AgentName)
	}

	return &models.PollResponse{Run: run, StopRuns: stopRuns}, nil
}
