// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"context"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/stratus/stratus/structs"
)

// Worker drains the bounded placement queue with a single goroutine.
// One worker serializes all capacity reservations; scaling the pool is
// an operational decision that leans on the in-transaction capacity
// re-check for correctness.
type Worker struct {
	logger hclog.Logger
	sched  *Scheduler

	queue      chan *PlacementRequest
	shutdownCh chan struct{}
	doneCh     chan struct{}

	errorBackoff time.Duration
}

// NewWorker builds a worker over the scheduler's queue configuration.
func NewWorker(logger hclog.Logger, sched *Scheduler) *Worker {
	depth := sched.config.QueueDepth
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	backoff := sched.config.ErrorBackoff
	if backoff <= 0 {
		backoff = DefaultErrorBackoff
	}
	return &Worker{
		logger:       logger.Named("placement_worker"),
		sched:        sched,
		queue:        make(chan *PlacementRequest, depth),
		shutdownCh:   make(chan struct{}),
		doneCh:       make(chan struct{}),
		errorBackoff: backoff,
	}
}

// Enqueue hands a placement task to the worker. A full queue surfaces
// immediately as QueueFull; the caller's state is untouched.
func (w *Worker) Enqueue(req *PlacementRequest) error {
	select {
	case w.queue <- req:
		w.logger.Debug("queued placement", "deployment_id", req.DeploymentID)
		return nil
	default:
		metrics.IncrCounter([]string{"stratus", "scheduler", "queue", "full"}, 1)
		return structs.NewQueueFullError(req.DeploymentID)
	}
}

// Run starts the drain loop in a new goroutine.
func (w *Worker) Run() {
	go w.run()
}

func (w *Worker) run() {
	defer close(w.doneCh)
	w.logger.Info("placement worker started")

	for {
		select {
		case <-w.shutdownCh:
			w.logger.Info("placement worker stopped")
			return
		case req := <-w.queue:
			if _, err := w.sched.Place(context.Background(), req); err != nil {
				w.logger.Error("placement failed",
					"deployment_id", req.DeploymentID, "error", err)
				// Capacity shortfalls already settled the deployment
				// status, and placements dropped because the deployment
				// was deleted or settled while queued need no retry
				// pacing; only back off on unexpected errors.
				if !structs.IsKind(err, structs.ErrKindInsufficientCapacity) &&
					!structs.IsKind(err, structs.ErrKindInvalidStateTransition) {
					select {
					case <-time.After(w.errorBackoff):
					case <-w.shutdownCh:
						w.logger.Info("placement worker stopped")
						return
					}
				}
			}
		}
	}
}

// Shutdown stops the worker and waits for the loop to exit. Tasks left
// in the queue are dropped; their deployments stay pending.
func (w *Worker) Shutdown() {
	close(w.shutdownCh)
	<-w.doneCh
}
