// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package stratus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shoenig/test/must"
	"github.com/shoenig/test/wait"
	"github.com/shopspring/decimal"

	"github.com/hashicorp/stratus/ci"
	"github.com/hashicorp/stratus/drivers"
	"github.com/hashicorp/stratus/drivers/mock"
	"github.com/hashicorp/stratus/helper/testlog"
	"github.com/hashicorp/stratus/helper/uuid"
	"github.com/hashicorp/stratus/scheduler"
	"github.com/hashicorp/stratus/stratus/rewards"
	"github.com/hashicorp/stratus/stratus/state"
	"github.com/hashicorp/stratus/stratus/structs"
	"github.com/hashicorp/stratus/tokens"
)

type testHarness struct {
	store      *state.StateStore
	runtime    *mock.Driver
	ledger     *tokens.Ledger
	settlement *rewards.Settlement
	sched      *scheduler.Scheduler
	worker     *scheduler.Worker
	events     *EventBus
	controller *Controller
}

func newTestHarness(t *testing.T) *testHarness {
	logger := testlog.HCLogger(t)
	store := state.TestStateStore(t)
	runtime := mock.NewDriver(logger)

	ledger := tokens.NewLedger(logger, decimal.NewFromFloat(0.05))
	ledger.CreateAccount(tokens.TreasuryAccount, decimal.NewFromInt(100000))
	ledger.CreateAccount("user-1", decimal.Zero)
	settlement := rewards.New(logger, rewards.DefaultConfig(), store, ledger)

	sched := scheduler.New(logger, scheduler.DefaultConfig(), store,
		scheduler.NewStateNodeDirectory(store), runtime)
	worker := scheduler.NewWorker(logger, sched)
	worker.Run()
	t.Cleanup(worker.Shutdown)

	events := NewEventBus(logger)
	controller := NewController(logger, store, sched, worker, runtime,
		settlement, events, time.Second)

	h := &testHarness{
		store:      store,
		runtime:    runtime,
		ledger:     ledger,
		settlement: settlement,
		sched:      sched,
		worker:     worker,
		events:     events,
		controller: controller,
	}
	h.addNodes(t, 5)
	return h
}

func (h *testHarness) addNodes(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		must.NoError(t, h.store.UpsertNode(h.store.NextIndex(), &structs.Node{
			ID:        fmt.Sprintf("node-%d", i),
			Status:    structs.NodeStatusIdle,
			Region:    "us-east",
			CPUCores:  8,
			MemoryMB:  16384,
			StorageGB: 100,
		}))
	}
}

func (h *testHarness) create(t *testing.T, name string, replicas int) *structs.Deployment {
	t.Helper()
	d, err := h.controller.Create(context.Background(), &CreateRequest{
		Name:           name,
		UserID:         "user-1",
		ContainerImage: "nginx:1.27",
		Replicas:       replicas,
		Resources:      structs.Resources{CPUCores: 1, MemoryMB: 1024, StorageGB: 10},
	})
	must.NoError(t, err)
	return d
}

func (h *testHarness) waitStatus(t *testing.T, deploymentID, status string) {
	t.Helper()
	must.Wait(t, wait.InitialSuccess(
		wait.BoolFunc(func() bool {
			out, err := h.store.DeploymentByID(nil, deploymentID)
			return err == nil && out != nil && out.Status == status
		}),
		wait.Timeout(5*time.Second),
		wait.Gap(10*time.Millisecond),
	))
}

// backdateReplicas rewrites StartedAt so runtime rewards accrue.
func (h *testHarness) backdateReplicas(t *testing.T, deploymentID string, ago time.Duration) {
	t.Helper()
	replicas, err := h.store.ReplicasByDeployment(nil, deploymentID)
	must.NoError(t, err)
	started := time.Now().UTC().Add(-ago)
	for _, replica := range replicas {
		up := replica.Copy()
		up.StartedAt = &started
		must.NoError(t, h.store.UpsertReplica(h.store.NextIndex(), up))
	}
}

func TestController_Create(t *testing.T) {
	ci.Parallel(t)
	h := newTestHarness(t)

	var mu sync.Mutex
	var fired []string
	h.events.Subscribe(EventDeploymentCreated, func(event string, d *structs.Deployment) {
		mu.Lock()
		defer mu.Unlock()
		fired = append(fired, d.ID)
	})

	d := h.create(t, "web", 2)
	must.Eq(t, structs.DeploymentStatusPending, d.Status)

	mu.Lock()
	must.Eq(t, []string{d.ID}, fired)
	mu.Unlock()

	// The worker drives the deployment to running.
	h.waitStatus(t, d.ID, structs.DeploymentStatusRunning)

	detail, err := h.controller.GetDetail(d.ID)
	must.NoError(t, err)
	must.Eq(t, 2, detail.RunningReplicas)
	must.NotNil(t, detail.Resources)
	must.Eq(t, 1024, detail.Resources.MemoryMB)
}

func TestController_Create_Validation(t *testing.T) {
	ci.Parallel(t)
	h := newTestHarness(t)

	// Missing image.
	_, err := h.controller.Create(context.Background(), &CreateRequest{
		Name:      "web",
		UserID:    "user-1",
		Replicas:  1,
		Resources: structs.Resources{CPUCores: 1, MemoryMB: 1024, StorageGB: 10},
	})
	must.Error(t, err)
	must.True(t, structs.IsKind(err, structs.ErrKindValidation))

	// Out of range envelope.
	_, err = h.controller.Create(context.Background(), &CreateRequest{
		Name:           "web",
		UserID:         "user-1",
		ContainerImage: "nginx:1.27",
		Replicas:       1,
		Resources:      structs.Resources{CPUCores: 64, MemoryMB: 1024, StorageGB: 10},
	})
	must.Error(t, err)
	must.True(t, structs.IsKind(err, structs.ErrKindValidation))
}

func TestController_Create_NameConflict(t *testing.T) {
	ci.Parallel(t)
	h := newTestHarness(t)

	d := h.create(t, "web", 1)
	h.waitStatus(t, d.ID, structs.DeploymentStatusRunning)

	_, err := h.controller.Create(context.Background(), &CreateRequest{
		Name:           "web",
		UserID:         "user-1",
		ContainerImage: "nginx:1.27",
		Replicas:       1,
		Resources:      structs.Resources{CPUCores: 1, MemoryMB: 1024, StorageGB: 10},
	})
	must.Error(t, err)
	must.True(t, structs.IsKind(err, structs.ErrKindNameConflict))
}

func TestController_Create_Defaults(t *testing.T) {
	ci.Parallel(t)
	h := newTestHarness(t)

	// Replicas and storage fall back to defaults.
	d, err := h.controller.Create(context.Background(), &CreateRequest{
		Name:           "defaulted",
		UserID:         "user-1",
		ContainerImage: "nginx:1.27",
		Resources:      structs.Resources{CPUCores: 1, MemoryMB: 1024},
	})
	must.NoError(t, err)
	must.Eq(t, structs.DefaultReplicas, d.TargetReplicas)

	res, err := h.store.DeploymentResourceByDeployment(nil, d.ID)
	must.NoError(t, err)
	must.Eq(t, structs.DefaultStorageGB, res.StorageGB)
}

func TestController_Scale(t *testing.T) {
	ci.Parallel(t)
	h := newTestHarness(t)

	d := h.create(t, "web", 1)
	h.waitStatus(t, d.ID, structs.DeploymentStatusRunning)

	original, err := h.store.ReplicasByDeployment(nil, d.ID)
	must.NoError(t, err)
	must.Len(t, 1, original)

	// Scale up is synchronous.
	out, err := h.controller.Scale(context.Background(), d.ID, 3, "user-1")
	must.NoError(t, err)
	must.Eq(t, 3, out.TargetReplicas)

	replicas, err := h.store.ReplicasByDeployment(nil, d.ID)
	must.NoError(t, err)
	running := 0
	for _, replica := range replicas {
		if replica.Status == structs.ReplicaStatusRunning {
			running++
		}
	}
	must.Eq(t, 3, running)

	// Scale down stops the newest replicas and keeps the original.
	_, err = h.controller.Scale(context.Background(), d.ID, 1, "user-1")
	must.NoError(t, err)

	survivor, err := h.store.ReplicaByID(nil, original[0].ID)
	must.NoError(t, err)
	must.Eq(t, structs.ReplicaStatusRunning, survivor.Status)

	replicas, err = h.store.ReplicasByDeployment(nil, d.ID)
	must.NoError(t, err)
	stopped := 0
	for _, replica := range replicas {
		if replica.Status == structs.ReplicaStatusStopped {
			stopped++
			must.NotNil(t, replica.StoppedAt)
		}
	}
	must.Eq(t, 2, stopped)
}

func TestController_Scale_NoOp(t *testing.T) {
	ci.Parallel(t)
	h := newTestHarness(t)

	d := h.create(t, "web", 2)
	h.waitStatus(t, d.ID, structs.DeploymentStatusRunning)

	before, err := h.controller.StatusHistory(d.ID, 0)
	must.NoError(t, err)

	// Setting the current target writes nothing.
	out, err := h.controller.Scale(context.Background(), d.ID, 2, "user-1")
	must.NoError(t, err)
	must.Eq(t, 2, out.TargetReplicas)

	after, err := h.controller.StatusHistory(d.ID, 0)
	must.NoError(t, err)
	must.Eq(t, len(before), len(after))
}

func TestController_Scale_InvalidState(t *testing.T) {
	ci.Parallel(t)
	h := newTestHarness(t)

	// A deployment still pending placement cannot be scaled.
	d := &structs.Deployment{
		ID:             uuid.Generate(),
		Name:           "pending-only",
		UserID:         "user-1",
		ContainerImage: "nginx:1.27",
		Status:         structs.DeploymentStatusPending,
		TargetReplicas: 1,
	}
	res := &structs.Resources{CPUCores: 1, MemoryMB: 1024, StorageGB: 10}
	must.NoError(t, h.store.CreateDeployment(h.store.NextIndex(), d, res))

	_, err := h.controller.Scale(context.Background(), d.ID, 3, "user-1")
	must.Error(t, err)
	must.True(t, structs.IsKind(err, structs.ErrKindInvalidStateTransition))
}

func TestController_Scale_Bounds(t *testing.T) {
	ci.Parallel(t)
	h := newTestHarness(t)

	d := h.create(t, "web", 1)
	h.waitStatus(t, d.ID, structs.DeploymentStatusRunning)

	_, err := h.controller.Scale(context.Background(), d.ID, 0, "user-1")
	must.Error(t, err)
	must.True(t, structs.IsKind(err, structs.ErrKindValidation))

	_, err = h.controller.Scale(context.Background(), d.ID, structs.MaxReplicasScale+1, "user-1")
	must.Error(t, err)
	must.True(t, structs.IsKind(err, structs.ErrKindValidation))
}

func TestController_Delete(t *testing.T) {
	ci.Parallel(t)
	h := newTestHarness(t)

	var mu sync.Mutex
	deleted := 0
	h.events.Subscribe(EventDeploymentDeleted, func(string, *structs.Deployment) {
		mu.Lock()
		defer mu.Unlock()
		deleted++
	})

	d := h.create(t, "web", 2)
	h.waitStatus(t, d.ID, structs.DeploymentStatusRunning)
	h.backdateReplicas(t, d.ID, 2*time.Hour)

	result, err := h.controller.Delete(context.Background(), d.ID, "user-1")
	must.NoError(t, err)
	must.True(t, result.Cleanup.CleanupCompleted)
	must.Eq(t, 2, result.Cleanup.RewardsDistributed)

	// Soft deleted with every replica terminal.
	out, err := h.store.DeploymentByID(nil, d.ID)
	must.NoError(t, err)
	must.Eq(t, structs.DeploymentStatusDeleted, out.Status)
	must.NotNil(t, out.DeletedAt)

	replicas, err := h.store.ReplicasByDeployment(nil, d.ID)
	must.NoError(t, err)
	for _, replica := range replicas {
		must.True(t, structs.TerminalReplicaStatus(replica.Status))
	}

	// The mock runtime holds no containers anymore.
	left, err := h.runtime.List(context.Background(),
		map[string]string{drivers.LabelDeploymentID: d.ID})
	must.NoError(t, err)
	must.Len(t, 0, left)

	// Runtime rewards were paid: ~2h * 10 tokens * 2 replicas.
	balance, _ := h.ledger.Balance("user-1")
	must.True(t, balance.GreaterThan(decimal.NewFromInt(39)))

	mu.Lock()
	must.Eq(t, 1, deleted)
	mu.Unlock()

	// Deleting again is a no-op success.
	again, err := h.controller.Delete(context.Background(), d.ID, "user-1")
	must.NoError(t, err)
	must.True(t, again.Cleanup.CleanupCompleted)
}

func TestController_Delete_SettlementGate(t *testing.T) {
	ci.Parallel(t)
	h := newTestHarness(t)

	d := h.create(t, "web", 1)
	h.waitStatus(t, d.ID, structs.DeploymentStatusRunning)
	h.backdateReplicas(t, d.ID, 2*time.Hour)

	// Drain the treasury so the reward transfer is refused.
	treasury, _ := h.ledger.Balance(tokens.TreasuryAccount)
	_, ok, err := h.ledger.Transfer(context.Background(), tokens.TreasuryAccount,
		"user-1", treasury, "drain")
	must.NoError(t, err)
	must.True(t, ok)

	_, err = h.controller.Delete(context.Background(), d.ID, "user-1")
	must.Error(t, err)
	must.True(t, structs.IsKind(err, structs.ErrKindRewardDistributionFailed))

	// The deployment and its replicas are untouched.
	out, gerr := h.store.DeploymentByID(nil, d.ID)
	must.NoError(t, gerr)
	must.Eq(t, structs.DeploymentStatusRunning, out.Status)
	must.Nil(t, out.DeletedAt)

	replicas, gerr := h.store.ReplicasByDeployment(nil, d.ID)
	must.NoError(t, gerr)
	must.Eq(t, structs.ReplicaStatusRunning, replicas[0].Status)
}

func TestController_Create_QueueFull(t *testing.T) {
	ci.Parallel(t)
	logger := testlog.HCLogger(t)
	store := state.TestStateStore(t)
	runtime := mock.NewDriver(logger)
	ledger := tokens.NewLedger(logger, decimal.NewFromFloat(0.05))
	ledger.CreateAccount(tokens.TreasuryAccount, decimal.NewFromInt(1000))
	settlement := rewards.New(logger, rewards.DefaultConfig(), store, ledger)

	// A one-slot queue with the worker never started.
	config := scheduler.DefaultConfig()
	config.QueueDepth = 1
	sched := scheduler.New(logger, config, store,
		scheduler.NewStateNodeDirectory(store), runtime)
	worker := scheduler.NewWorker(logger, sched)
	controller := NewController(logger, store, sched, worker, runtime,
		settlement, NewEventBus(logger), time.Second)

	req := func(name string) *CreateRequest {
		return &CreateRequest{
			Name:           name,
			UserID:         "user-1",
			ContainerImage: "nginx:1.27",
			Replicas:       1,
			Resources:      structs.Resources{CPUCores: 1, MemoryMB: 1024, StorageGB: 10},
		}
	}

	_, err := controller.Create(context.Background(), req("web-1"))
	must.NoError(t, err)

	// The second create overflows the queue: the caller gets QueueFull
	// and the persisted deployment is settled as failed rather than left
	// pending forever.
	_, err = controller.Create(context.Background(), req("web-2"))
	must.Error(t, err)
	must.True(t, structs.IsKind(err, structs.ErrKindQueueFull))

	failed, err := store.DeploymentByName(nil, "user-1", "web-2")
	must.NoError(t, err)
	must.NotNil(t, failed)
	must.Eq(t, structs.DeploymentStatusFailed, failed.Status)

	history, err := store.StatusHistoryByDeployment(nil, failed.ID, 0)
	must.NoError(t, err)
	must.Eq(t, "placement queue is full", history[len(history)-1].Reason)
}

func TestController_Delete_BeforePlacement(t *testing.T) {
	ci.Parallel(t)
	h := newTestHarness(t)

	// A pending deployment whose placement never left the queue.
	d := &structs.Deployment{
		ID:             uuid.Generate(),
		Name:           "queued",
		UserID:         "user-1",
		ContainerImage: "nginx:1.27",
		Status:         structs.DeploymentStatusPending,
		TargetReplicas: 1,
	}
	res := &structs.Resources{CPUCores: 1, MemoryMB: 1024, StorageGB: 10}
	must.NoError(t, h.store.CreateDeployment(h.store.NextIndex(), d, res))

	result, err := h.controller.Delete(context.Background(), d.ID, "user-1")
	must.NoError(t, err)
	must.True(t, result.Cleanup.CleanupCompleted)

	// The stale placement arrives after the delete and must not revive
	// the deployment.
	_, err = h.sched.Place(context.Background(), &scheduler.PlacementRequest{
		DeploymentID:   d.ID,
		TargetReplicas: d.TargetReplicas,
		Envelope:       *res,
	})
	must.Error(t, err)
	must.True(t, structs.IsKind(err, structs.ErrKindInvalidStateTransition))

	out, err := h.store.DeploymentByID(nil, d.ID)
	must.NoError(t, err)
	must.Eq(t, structs.DeploymentStatusDeleted, out.Status)
	must.NotNil(t, out.DeletedAt)

	replicas, err := h.store.ReplicasByDeployment(nil, d.ID)
	must.NoError(t, err)
	must.Len(t, 0, replicas)

	containers, err := h.runtime.List(context.Background(), nil)
	must.NoError(t, err)
	must.Len(t, 0, containers)
}

func TestController_ConcurrentScaleDelete(t *testing.T) {
	ci.Parallel(t)
	h := newTestHarness(t)

	d := h.create(t, "web", 2)
	h.waitStatus(t, d.ID, structs.DeploymentStatusRunning)

	// Scale and delete race; the per-deployment lock serializes them so
	// either order leaves a consistent end state.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.controller.Scale(context.Background(), d.ID, 5, "user-1")
	}()
	var deleteErr error
	go func() {
		defer wg.Done()
		_, deleteErr = h.controller.Delete(context.Background(), d.ID, "user-1")
	}()
	wg.Wait()
	must.NoError(t, deleteErr)

	// Deleted implies every replica terminal and no containers left,
	// whether the scale won the race or lost it.
	out, err := h.store.DeploymentByID(nil, d.ID)
	must.NoError(t, err)
	must.Eq(t, structs.DeploymentStatusDeleted, out.Status)
	must.NotNil(t, out.DeletedAt)

	replicas, err := h.store.ReplicasByDeployment(nil, d.ID)
	must.NoError(t, err)
	for _, replica := range replicas {
		must.True(t, structs.TerminalReplicaStatus(replica.Status))
	}

	containers, err := h.runtime.List(context.Background(),
		map[string]string{drivers.LabelDeploymentID: d.ID})
	must.NoError(t, err)
	must.Len(t, 0, containers)
}

func TestController_Delete_NotFound(t *testing.T) {
	ci.Parallel(t)
	h := newTestHarness(t)

	_, err := h.controller.Delete(context.Background(), uuid.Generate(), "user-1")
	must.Error(t, err)
	must.True(t, structs.IsKind(err, structs.ErrKindNotFound))
}

func TestController_List(t *testing.T) {
	ci.Parallel(t)
	h := newTestHarness(t)

	var ids []string
	for i := 0; i < 3; i++ {
		d := h.create(t, fmt.Sprintf("web-%d", i), 1)
		h.waitStatus(t, d.ID, structs.DeploymentStatusRunning)
		ids = append(ids, d.ID)
	}

	// Soft delete the first.
	_, err := h.controller.Delete(context.Background(), ids[0], "user-1")
	must.NoError(t, err)

	list, err := h.controller.List(&ListOptions{UserID: "user-1"})
	must.NoError(t, err)
	must.Len(t, 2, list)

	withDeleted, err := h.controller.List(&ListOptions{UserID: "user-1", IncludeDeleted: true})
	must.NoError(t, err)
	must.Len(t, 3, withDeleted)

	running, err := h.controller.List(&ListOptions{
		UserID: "user-1", Status: structs.DeploymentStatusRunning,
	})
	must.NoError(t, err)
	must.Len(t, 2, running)

	// Paging.
	page, err := h.controller.List(&ListOptions{UserID: "user-1", Limit: 1, Offset: 1})
	must.NoError(t, err)
	must.Len(t, 1, page)

	// Listing requires a user scope.
	_, err = h.controller.List(&ListOptions{})
	must.Error(t, err)
	must.True(t, structs.IsKind(err, structs.ErrKindValidation))
}

func TestController_StatusHistory(t *testing.T) {
	ci.Parallel(t)
	h := newTestHarness(t)

	d := h.create(t, "web", 1)
	h.waitStatus(t, d.ID, structs.DeploymentStatusRunning)

	history, err := h.controller.StatusHistory(d.ID, 0)
	must.NoError(t, err)
	must.Len(t, 3, history)
	must.Eq(t, structs.DeploymentStatusPending, history[0].NewStatus)
	must.Eq(t, structs.DeploymentStatusScheduled, history[1].NewStatus)
	must.Eq(t, structs.DeploymentStatusRunning, history[2].NewStatus)

	_, err = h.controller.StatusHistory(uuid.Generate(), 0)
	must.Error(t, err)
	must.True(t, structs.IsKind(err, structs.ErrKindNotFound))
}
