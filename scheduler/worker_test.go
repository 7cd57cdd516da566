// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"testing"
	"time"

	"github.com/shoenig/test/must"
	"github.com/shoenig/test/wait"

	"github.com/hashicorp/stratus/ci"
	"github.com/hashicorp/stratus/helper/testlog"
	"github.com/hashicorp/stratus/stratus/structs"
)

func TestWorker_DrainsQueue(t *testing.T) {
	ci.Parallel(t)
	h := newHarness(t, DefaultConfig())
	h.addNode(t, "node-1", "us-east")

	d := h.createDeployment(t, 1)
	worker := NewWorker(testlog.HCLogger(t), h.sched)
	worker.Run()
	defer worker.Shutdown()

	must.NoError(t, worker.Enqueue(&PlacementRequest{
		DeploymentID:   d.ID,
		TargetReplicas: 1,
		Envelope:       structs.Resources{CPUCores: 1, MemoryMB: 1024, StorageGB: 10},
	}))

	must.Wait(t, wait.InitialSuccess(
		wait.BoolFunc(func() bool {
			out, err := h.store.DeploymentByID(nil, d.ID)
			return err == nil && out.Status == structs.DeploymentStatusRunning
		}),
		wait.Timeout(5*time.Second),
		wait.Gap(10*time.Millisecond),
	))
}

func TestWorker_QueueFull(t *testing.T) {
	ci.Parallel(t)

	config := DefaultConfig()
	config.QueueDepth = 1
	h := newHarness(t, config)

	// The worker is never started, so the queue only drains by capacity.
	worker := NewWorker(testlog.HCLogger(t), h.sched)

	must.NoError(t, worker.Enqueue(&PlacementRequest{DeploymentID: "dep-1"}))

	err := worker.Enqueue(&PlacementRequest{DeploymentID: "dep-2"})
	must.Error(t, err)
	must.True(t, structs.IsKind(err, structs.ErrKindQueueFull))
}

func TestWorker_Shutdown(t *testing.T) {
	ci.Parallel(t)
	h := newHarness(t, DefaultConfig())

	worker := NewWorker(testlog.HCLogger(t), h.sched)
	worker.Run()

	done := make(chan struct{})
	go func() {
		worker.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not shut down")
	}
}
