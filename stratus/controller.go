// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package stratus houses the deployment controller: the write path for
// deployment lifecycle operations and the read path the HTTP layer
// serves from.
package stratus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/stratus/drivers"
	"github.com/hashicorp/stratus/helper/uuid"
	"github.com/hashicorp/stratus/scheduler"
	"github.com/hashicorp/stratus/stratus/rewards"
	"github.com/hashicorp/stratus/stratus/state"
	"github.com/hashicorp/stratus/stratus/structs"
)

// Controller drives deployment lifecycle operations: create, scale,
// delete, and the read paths. All mutation goes through the state
// store's transactions; the controller sequences them and talks to the
// scheduler, runtime and reward settlement.
type Controller struct {
	logger   hclog.Logger
	state    *state.StateStore
	sched    *scheduler.Scheduler
	worker   *scheduler.Worker
	runtime  drivers.ContainerRuntime
	rewards  *rewards.Settlement
	events   *EventBus
	stopWait time.Duration

	// deploymentLocks serializes the read-then-write sequences of scale
	// and delete per deployment, so two concurrent calls cannot
	// interleave between the liveness read and the writes that follow.
	deploymentLocks sync.Map
}

// NewController wires the controller to its collaborators.
func NewController(logger hclog.Logger, store *state.StateStore, sched *scheduler.Scheduler,
	worker *scheduler.Worker, runtime drivers.ContainerRuntime, settlement *rewards.Settlement,
	events *EventBus, stopGrace time.Duration) *Controller {

	if stopGrace <= 0 {
		stopGrace = drivers.DefaultStopGracePeriod
	}
	return &Controller{
		logger:   logger.Named("controller"),
		state:    store,
		sched:    sched,
		worker:   worker,
		runtime:  runtime,
		rewards:  settlement,
		events:   events,
		stopWait: stopGrace,
	}
}

// lockDeployment takes the deployment's mutation lock and returns the
// unlock function.
func (c *Controller) lockDeployment(deploymentID string) func() {
	raw, _ := c.deploymentLocks.LoadOrStore(deploymentID, new(sync.Mutex))
	mu := raw.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// CreateRequest carries the caller's deployment specification.
type CreateRequest struct {
	Name           string
	UserID         string
	ContainerImage string
	Replicas       int
	Resources      structs.Resources
	TargetRegion   string
}

// DeploymentDetail is the read model for a single deployment: the row,
// its resource envelope and its replicas.
type DeploymentDetail struct {
	Deployment      *structs.Deployment
	Resources       *structs.Resources
	Replicas        []*structs.Replica
	RunningReplicas int
}

// ListOptions scope and page a deployment listing. Listings are always
// scoped to a user.
type ListOptions struct {
	UserID         string
	Status         string
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// DeleteResult reports a completed or aborted delete.
type DeleteResult struct {
	Deployment *structs.Deployment
	Cleanup    *rewards.CleanupResult
}

// Create validates the request, persists the deployment in pending
// status and queues its placement. The returned deployment is pending;
// placement settles the final status asynchronously. If the placement
// queue is full the create returns QueueFull and the deployment is
// settled as failed; the name stays taken by the failed row until it
// is deleted.
func (c *Controller) Create(ctx context.Context, req *CreateRequest) (*structs.Deployment, error) {
	defer metrics.MeasureSince([]string{"stratus", "controller", "create"}, time.Now())

	if req.Replicas == 0 {
		req.Replicas = structs.DefaultReplicas
	}
	if req.Resources.StorageGB == 0 {
		req.Resources.StorageGB = structs.DefaultStorageGB
	}

	now := time.Now().UTC()
	d := &structs.Deployment{
		ID:             uuid.Generate(),
		Name:           req.Name,
		UserID:         req.UserID,
		ContainerImage: req.ContainerImage,
		Status:         structs.DeploymentStatusPending,
		TargetReplicas: req.Replicas,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if err := req.Resources.Validate(); err != nil {
		return nil, err
	}

	if err := c.state.CreateDeployment(c.state.NextIndex(), d, &req.Resources); err != nil {
		return nil, err
	}

	preq := &scheduler.PlacementRequest{
		DeploymentID:   d.ID,
		TargetReplicas: d.TargetReplicas,
		Envelope:       req.Resources,
		TargetRegion:   req.TargetRegion,
	}
	if err := c.worker.Enqueue(preq); err != nil {
		// The deployment exists but will never be placed; settle it as
		// failed so it does not sit pending forever.
		c.logger.Error("placement queue full, failing deployment", "deployment_id", d.ID)
		if _, serr := c.state.UpdateDeploymentStatus(c.state.NextIndex(), d.ID,
			structs.DeploymentStatusFailed, "", "placement queue is full"); serr != nil {
			c.logger.Error("failed to fail unplaceable deployment", "deployment_id", d.ID, "error", serr)
		}
		return nil, err
	}

	c.logger.Info("deployment created", "deployment_id", d.ID,
		"name", d.Name, "user_id", d.UserID, "replicas", d.TargetReplicas)
	metrics.IncrCounter([]string{"stratus", "controller", "created"}, 1)
	c.events.Publish(EventDeploymentCreated, d)
	return d.Copy(), nil
}

// Scale changes the target replica count of a scheduled or running
// deployment. Scaling up places additional replicas synchronously;
// scaling down stops the newest replicas first. Setting the current
// target again is a no-op.
func (c *Controller) Scale(ctx context.Context, deploymentID string, newTarget int, actor string) (*structs.Deployment, error) {
	defer metrics.MeasureSince([]string{"stratus", "controller", "scale"}, time.Now())
	defer c.lockDeployment(deploymentID)()

	d, err := c.state.DeploymentByID(nil, deploymentID)
	if err != nil {
		return nil, structs.NewPersistenceError(deploymentID, err)
	}
	if d == nil || d.DeletedAt != nil {
		return nil, structs.NewNotFoundError(deploymentID)
	}
	if !d.Scalable() {
		return nil, &structs.Error{
			Kind:         structs.ErrKindInvalidStateTransition,
			DeploymentID: deploymentID,
			Reason:       fmt.Sprintf("cannot scale deployment in status %s", d.Status),
		}
	}
	if newTarget < structs.MinReplicas || newTarget > structs.MaxReplicasScale {
		return nil, structs.NewValidationError(fmt.Sprintf(
			"target replicas must be between %d and %d, got %d",
			structs.MinReplicas, structs.MaxReplicasScale, newTarget))
	}
	if newTarget == d.TargetReplicas {
		return d.Copy(), nil
	}

	active, err := c.activeReplicas(deploymentID)
	if err != nil {
		return nil, err
	}

	updated, err := c.state.ScaleDeploymentTarget(c.state.NextIndex(), deploymentID, newTarget, actor)
	if err != nil {
		return nil, err
	}

	switch {
	case newTarget > len(active):
		if err := c.scaleUp(ctx, deploymentID, newTarget-len(active)); err != nil {
			return nil, err
		}
	case newTarget < len(active):
		c.scaleDown(ctx, active, len(active)-newTarget)
	}

	c.logger.Info("deployment scaled", "deployment_id", deploymentID,
		"old_target", d.TargetReplicas, "new_target", newTarget, "actor", actor)
	return updated, nil
}

// scaleUp places count additional replicas using the persisted resource
// envelope.
func (c *Controller) scaleUp(ctx context.Context, deploymentID string, count int) error {
	res, err := c.state.DeploymentResourceByDeployment(nil, deploymentID)
	if err != nil {
		return structs.NewPersistenceError(deploymentID, err)
	}
	if res == nil {
		return structs.NewPersistenceError(deploymentID,
			fmt.Errorf("deployment has no resource row"))
	}
	_, err = c.sched.Place(ctx, &scheduler.PlacementRequest{
		DeploymentID:   deploymentID,
		TargetReplicas: count,
		Envelope:       res.Resources,
	})
	return err
}

// scaleDown stops count replicas, newest first, keeping the oldest
// replicas running. Runtime errors during teardown are logged and do
// not abort the scale.
func (c *Controller) scaleDown(ctx context.Context, active []*structs.Replica, count int) {
	victims := make([]*structs.Replica, len(active))
	copy(victims, active)
	sort.Slice(victims, func(i, j int) bool {
		if !victims[i].CreatedAt.Equal(victims[j].CreatedAt) {
			return victims[i].CreatedAt.After(victims[j].CreatedAt)
		}
		return victims[i].ID > victims[j].ID
	})
	if count > len(victims) {
		count = len(victims)
	}
	for _, replica := range victims[:count] {
		c.StopAndRemove(ctx, replica)
	}
}

// Delete settles rewards and tears the deployment down. A failed
// settlement aborts the delete and leaves the deployment untouched.
// Deleting an already deleted deployment is a no-op success.
func (c *Controller) Delete(ctx context.Context, deploymentID, actor string) (*DeleteResult, error) {
	defer metrics.MeasureSince([]string{"stratus", "controller", "delete"}, time.Now())
	defer c.lockDeployment(deploymentID)()

	d, err := c.state.DeploymentByID(nil, deploymentID)
	if err != nil {
		return nil, structs.NewPersistenceError(deploymentID, err)
	}
	if d == nil {
		return nil, structs.NewNotFoundError(deploymentID)
	}
	if d.DeletedAt != nil || d.Status == structs.DeploymentStatusDeleted {
		return &DeleteResult{
			Deployment: d.Copy(),
			Cleanup:    &rewards.CleanupResult{Success: true, CleanupCompleted: true},
		}, nil
	}

	// Settlement gate. Rewards accrued against the deployment must be
	// paid out before any replica state is destroyed.
	cleanup := c.rewards.CleanupWithDistribution(ctx, deploymentID, d.UserID)
	if !cleanup.CleanupCompleted {
		c.logger.Error("delete aborted, reward settlement failed",
			"deployment_id", deploymentID, "error", cleanup.Err)
		err := cleanup.Err
		if err == nil {
			err = structs.NewRewardDistributionError(deploymentID, "reward settlement did not complete")
		}
		return &DeleteResult{Deployment: d.Copy(), Cleanup: cleanup}, err
	}

	replicas, err := c.state.ReplicasByDeployment(nil, deploymentID)
	if err != nil {
		return nil, structs.NewPersistenceError(deploymentID, err)
	}
	for _, replica := range replicas {
		if structs.TerminalReplicaStatus(replica.Status) {
			continue
		}
		c.StopAndRemove(ctx, replica)
	}

	// Settle the status chain: anything live goes through stopped, then
	// the soft delete.
	if d.Status != structs.DeploymentStatusStopped && d.Status != structs.DeploymentStatusFailed {
		if _, err := c.state.UpdateDeploymentStatus(c.state.NextIndex(), deploymentID,
			structs.DeploymentStatusStopped, actor, "deployment stopped for deletion"); err != nil {
			return nil, err
		}
	}
	deleted, err := c.state.UpdateDeploymentStatus(c.state.NextIndex(), deploymentID,
		structs.DeploymentStatusDeleted, actor, "deployment deleted")
	if err != nil {
		return nil, err
	}

	c.logger.Info("deployment deleted", "deployment_id", deploymentID,
		"actor", actor, "rewards_distributed", cleanup.RewardsDistributed)
	metrics.IncrCounter([]string{"stratus", "controller", "deleted"}, 1)
	c.events.Publish(EventDeploymentDeleted, deleted)
	return &DeleteResult{Deployment: deleted, Cleanup: cleanup}, nil
}

// StopAndRemove tears one replica down: flush stopping, stop and remove
// the container with runtime errors swallowed, then mark the replica
// stopped and release its capacity. Runtime failures never block the
// teardown.
func (c *Controller) StopAndRemove(ctx context.Context, replica *structs.Replica) {
	flushed := replica.Copy()
	flushed.Status = structs.ReplicaStatusStopping
	if err := c.state.UpsertReplica(c.state.NextIndex(), flushed); err != nil {
		c.logger.Error("failed to flush stopping replica",
			"replica_id", replica.ID, "error", err)
	}

	if replica.ContainerID != "" {
		if err := c.runtime.Stop(ctx, replica.ContainerID, c.stopWait); err != nil {
			c.logger.Warn("container stop failed during teardown",
				"replica_id", replica.ID, "container_id", replica.ContainerID, "error", err)
		}
		if err := c.runtime.Remove(ctx, replica.ContainerID, true); err != nil {
			c.logger.Warn("container remove failed during teardown",
				"replica_id", replica.ID, "container_id", replica.ContainerID, "error", err)
		}
	}

	if err := c.state.MarkReplicaStopped(c.state.NextIndex(), replica.ID); err != nil {
		c.logger.Error("failed to mark replica stopped",
			"replica_id", replica.ID, "error", err)
	}
}

// Get returns the bare deployment row, including soft-deleted rows.
func (c *Controller) Get(deploymentID string) (*structs.Deployment, error) {
	d, err := c.state.DeploymentByID(nil, deploymentID)
	if err != nil {
		return nil, structs.NewPersistenceError(deploymentID, err)
	}
	if d == nil {
		return nil, structs.NewNotFoundError(deploymentID)
	}
	return d.Copy(), nil
}

// GetDetail returns the deployment with its resource envelope and
// replicas.
func (c *Controller) GetDetail(deploymentID string) (*DeploymentDetail, error) {
	d, err := c.Get(deploymentID)
	if err != nil {
		return nil, err
	}

	res, err := c.state.DeploymentResourceByDeployment(nil, deploymentID)
	if err != nil {
		return nil, structs.NewPersistenceError(deploymentID, err)
	}
	replicas, err := c.state.ReplicasByDeployment(nil, deploymentID)
	if err != nil {
		return nil, structs.NewPersistenceError(deploymentID, err)
	}

	detail := &DeploymentDetail{
		Deployment: d,
		Replicas:   replicas,
	}
	if res != nil {
		detail.Resources = res.Resources.Copy()
	}
	for _, replica := range replicas {
		if replica.Status == structs.ReplicaStatusRunning {
			detail.RunningReplicas++
		}
	}
	return detail, nil
}

// List returns a page of the user's deployments, live rows only unless
// IncludeDeleted is set, optionally filtered by status.
func (c *Controller) List(opts *ListOptions) ([]*structs.Deployment, error) {
	if opts.UserID == "" {
		return nil, structs.NewValidationError("missing user id")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = structs.DefaultPageLimit
	}
	if limit > structs.MaxPageLimit {
		limit = structs.MaxPageLimit
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	all, err := c.state.DeploymentsByUser(nil, opts.UserID, opts.IncludeDeleted)
	if err != nil {
		return nil, structs.NewPersistenceError("", err)
	}

	filtered := all[:0:0]
	for _, d := range all {
		if opts.Status != "" && d.Status != opts.Status {
			continue
		}
		filtered = append(filtered, d)
	}
	if offset >= len(filtered) {
		return []*structs.Deployment{}, nil
	}
	end := offset + limit
	if end > len(filtered) {
		end = len(filtered)
	}
	return filtered[offset:end], nil
}

// StatusHistory returns the most recent status transitions of a
// deployment, oldest first.
func (c *Controller) StatusHistory(deploymentID string, limit int) ([]*structs.StatusHistory, error) {
	if _, err := c.Get(deploymentID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > structs.StatusHistoryLimit {
		limit = structs.StatusHistoryLimit
	}
	rows, err := c.state.StatusHistoryByDeployment(nil, deploymentID, limit)
	if err != nil {
		return nil, structs.NewPersistenceError(deploymentID, err)
	}
	return rows, nil
}

// ListReplicas returns the replicas of a deployment in creation order.
func (c *Controller) ListReplicas(deploymentID string) ([]*structs.Replica, error) {
	if _, err := c.Get(deploymentID); err != nil {
		return nil, err
	}
	replicas, err := c.state.ReplicasByDeployment(nil, deploymentID)
	if err != nil {
		return nil, structs.NewPersistenceError(deploymentID, err)
	}
	return replicas, nil
}

// activeReplicas returns the deployment's non-terminal replicas in
// creation order.
func (c *Controller) activeReplicas(deploymentID string) ([]*structs.Replica, error) {
	replicas, err := c.state.ReplicasByDeployment(nil, deploymentID)
	if err != nil {
		return nil, structs.NewPersistenceError(deploymentID, err)
	}
	active := replicas[:0:0]
	for _, replica := range replicas {
		if !structs.TerminalReplicaStatus(replica.Status) {
			active = append(active, replica)
		}
	}
	return active, nil
}
