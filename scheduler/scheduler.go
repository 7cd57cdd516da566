// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package scheduler implements replica placement: candidate filtering,
// multi-criteria scoring, capacity reservation and driving placed
// replicas through the container runtime.
package scheduler

import (
	"context"
	"fmt"
	"math"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-set/v3"

	"github.com/hashicorp/stratus/drivers"
	"github.com/hashicorp/stratus/helper/uuid"
	"github.com/hashicorp/stratus/stratus/state"
	"github.com/hashicorp/stratus/stratus/structs"
)

const (
	// DefaultQueueDepth bounds the placement queue.
	DefaultQueueDepth = 64

	// DefaultErrorBackoff is slept by the worker after a placement
	// error before draining the next task.
	DefaultErrorBackoff = time.Second

	// DefaultWeights for the scoring function. They must sum to 1.00;
	// changing them changes placement behavior.
	DefaultResourceWeight = 0.40
	DefaultLoadWeight     = 0.30
	DefaultLocalityWeight = 0.30
)

// Config tunes the scheduler.
type Config struct {
	// Scoring weights. Validate rejects a set that does not sum to 1.00.
	ResourceWeight float64
	LoadWeight     float64
	LocalityWeight float64

	// QueueDepth bounds the placement task queue.
	QueueDepth int

	// ErrorBackoff is the worker's sleep after a failed placement.
	ErrorBackoff time.Duration

	// StopGracePeriod bounds container stops during replica teardown.
	StopGracePeriod time.Duration

	// AllowMockFallback keeps a replica alive with a synthetic
	// mock-container-<replica_id> id when the runtime fails with an
	// unclassified error. Off in production: unexpected runtime errors
	// fail the replica instead of fabricating an identifier.
	AllowMockFallback bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		ResourceWeight:  DefaultResourceWeight,
		LoadWeight:      DefaultLoadWeight,
		LocalityWeight:  DefaultLocalityWeight,
		QueueDepth:      DefaultQueueDepth,
		ErrorBackoff:    DefaultErrorBackoff,
		StopGracePeriod: drivers.DefaultStopGracePeriod,
	}
}

// Validate checks the scoring weights sum to 1.00.
func (c *Config) Validate() error {
	sum := c.ResourceWeight + c.LoadWeight + c.LocalityWeight
	if math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("scheduler score weights must sum to 1.00, got %v", sum)
	}
	return nil
}

// PlacementRequest asks for target replicas of a deployment to be
// placed, each sized by the envelope.
type PlacementRequest struct {
	DeploymentID   string
	TargetReplicas int
	Envelope       structs.Resources
	TargetRegion   string
}

// Placement records one replica landing on one node.
type Placement struct {
	NodeID    string
	ReplicaID string
	Score     float64
}

// PlacementResult reports a completed placement run.
type PlacementResult struct {
	ScheduledReplicas int
	Placements        []Placement
}

// Scheduler places deployment replicas onto fleet nodes and drives the
// placed replicas through the container runtime.
type Scheduler struct {
	logger  hclog.Logger
	config  *Config
	state   *state.StateStore
	nodes   NodeDirectory
	runtime drivers.ContainerRuntime
}

// New constructs a scheduler. The config must already be validated.
func New(logger hclog.Logger, config *Config, store *state.StateStore, nodes NodeDirectory, runtime drivers.ContainerRuntime) *Scheduler {
	return &Scheduler{
		logger:  logger.Named("scheduler"),
		config:  config,
		state:   store,
		nodes:   nodes,
		runtime: runtime,
	}
}

// Place runs one placement: filter, score, select, reserve, then drive
// each replica through the runtime and roll the deployment status up.
// Initial placements that cannot be satisfied transition the deployment
// to failed; scale-up placements leave the deployment untouched.
func (s *Scheduler) Place(ctx context.Context, req *PlacementRequest) (*PlacementResult, error) {
	defer metrics.MeasureSince([]string{"stratus", "scheduler", "place"}, time.Now())

	d, err := s.state.DeploymentByID(nil, req.DeploymentID)
	if err != nil {
		return nil, structs.NewPersistenceError(req.DeploymentID, err)
	}
	if d == nil {
		return nil, structs.NewNotFoundError(req.DeploymentID)
	}
	// A queued placement can outlive its deployment: deleted or settled
	// deployments are dropped here, before any capacity is touched.
	if !d.Placeable() {
		s.logger.Warn("dropping placement for deployment no longer placeable",
			"deployment_id", req.DeploymentID, "status", d.Status)
		return nil, &structs.Error{
			Kind:         structs.ErrKindInvalidStateTransition,
			DeploymentID: req.DeploymentID,
			Reason:       fmt.Sprintf("cannot place replicas for deployment in status %s", d.Status),
		}
	}
	initial := d.Status == structs.DeploymentStatusPending

	s.logger.Info("placing deployment",
		"deployment_id", req.DeploymentID, "replicas", req.TargetReplicas,
		"cpu", req.Envelope.CPUCores, "memory_mb", req.Envelope.MemoryMB,
		"gpu", req.Envelope.GPUUnits, "storage_gb", req.Envelope.StorageGB)

	// Capacity filter.
	available, err := s.nodes.FindAvailable(&req.Envelope)
	if err != nil {
		return nil, structs.NewPersistenceError(req.DeploymentID, err)
	}
	if len(available) < req.TargetReplicas {
		metrics.IncrCounter([]string{"stratus", "scheduler", "place", "insufficient"}, 1)
		cerr := structs.NewInsufficientCapacityError(req.DeploymentID, req.TargetReplicas, len(available))
		s.logger.Error("insufficient capacity", "deployment_id", req.DeploymentID,
			"needed", req.TargetReplicas, "available", len(available))
		if initial {
			s.failDeployment(req.DeploymentID, cerr.Reason)
		}
		return nil, cerr
	}

	// Score and select the top N distinct nodes.
	ranked := s.rankNodes(available, &req.Envelope, req.TargetRegion)
	chosen := set.New[string](req.TargetReplicas)
	replicas := make([]*structs.Replica, 0, req.TargetReplicas)
	placements := make([]Placement, 0, req.TargetReplicas)
	for _, rn := range ranked {
		if chosen.Size() == req.TargetReplicas {
			break
		}
		// A node hosts at most one replica of the same deployment.
		if !chosen.Insert(rn.Node.ID) {
			continue
		}
		replica := &structs.Replica{
			ID:           uuid.Generate(),
			DeploymentID: req.DeploymentID,
			NodeID:       rn.Node.ID,
		}
		replicas = append(replicas, replica)
		placements = append(placements, Placement{
			NodeID:    rn.Node.ID,
			ReplicaID: replica.ID,
			Score:     rn.Score,
		})
	}

	// Reserve capacity and persist the replica rows in one transaction.
	// The transaction re-checks that the deployment still admits
	// placement; a delete that lands between the read above and here
	// surfaces as an invalid transition and must not fail the deployment.
	if err := s.state.PlaceReplicas(s.state.NextIndex(), req.DeploymentID, replicas); err != nil {
		if initial && !structs.IsKind(err, structs.ErrKindInvalidStateTransition) {
			s.failDeployment(req.DeploymentID, fmt.Sprintf("placement aborted: %v", err))
		}
		return nil, err
	}

	// Drive each replica through the runtime. A failed replica does not
	// stop the others.
	running := 0
	for _, replica := range replicas {
		if s.startReplica(ctx, d, replica, &req.Envelope) {
			running++
		}
	}

	if err := s.rollUp(req.DeploymentID, running, len(replicas)); err != nil {
		return nil, err
	}

	metrics.IncrCounter([]string{"stratus", "scheduler", "place", "success"}, 1)
	s.logger.Info("placement complete", "deployment_id", req.DeploymentID,
		"scheduled", len(replicas), "running", running)
	return &PlacementResult{
		ScheduledReplicas: len(replicas),
		Placements:        placements,
	}, nil
}

// startReplica advances one replica pending -> starting -> running,
// invoking the runtime. Returns whether the replica reached running.
func (s *Scheduler) startReplica(ctx context.Context, d *structs.Deployment, replica *structs.Replica, envelope *structs.Resources) bool {
	replica = replica.Copy()
	replica.Status = structs.ReplicaStatusStarting
	if err := s.state.UpsertReplica(s.state.NextIndex(), replica); err != nil {
		s.logger.Error("failed to persist starting replica", "replica_id", replica.ID, "error", err)
		return false
	}

	cfg := &drivers.ContainerConfig{
		Image:    d.ContainerImage,
		Name:     fmt.Sprintf("%s-%s", d.Name, replica.ID[:8]),
		CPUCores: envelope.CPUCores,
		MemoryMB: envelope.MemoryMB,
		Labels: map[string]string{
			drivers.LabelDeploymentID: d.ID,
			drivers.LabelReplicaID:    replica.ID,
			drivers.LabelManaged:      "true",
		},
	}

	containerID, err := s.runtime.Create(ctx, cfg)
	if err != nil {
		if drivers.IsRuntimeError(err) || !s.config.AllowMockFallback {
			s.logger.Error("container create failed", "replica_id", replica.ID, "error", err)
			s.markReplicaFailed(replica, "")
			return false
		}
		// Unclassified runtime error with the fallback enabled: keep the
		// replica with a synthetic id so non-production runtimes do not
		// wedge the deployment.
		s.logger.Warn("container create hit unexpected error, using synthetic container id",
			"replica_id", replica.ID, "error", err)
		return s.markReplicaRunning(replica, fmt.Sprintf("mock-container-%s", replica.ID))
	}

	replica.ContainerID = containerID
	if err := s.runtime.Start(ctx, containerID); err != nil {
		s.logger.Error("container start failed", "replica_id", replica.ID,
			"container_id", containerID, "error", err)
		if rerr := s.runtime.Remove(ctx, containerID, true); rerr != nil {
			s.logger.Warn("failed to remove container after start failure",
				"container_id", containerID, "error", rerr)
		}
		s.markReplicaFailed(replica, "")
		return false
	}

	return s.markReplicaRunning(replica, containerID)
}

func (s *Scheduler) markReplicaRunning(replica *structs.Replica, containerID string) bool {
	now := time.Now().UTC()
	replica = replica.Copy()
	replica.Status = structs.ReplicaStatusRunning
	replica.ContainerID = containerID
	replica.StartedAt = &now
	if err := s.state.UpsertReplica(s.state.NextIndex(), replica); err != nil {
		s.logger.Error("failed to persist running replica", "replica_id", replica.ID, "error", err)
		return false
	}
	return true
}

func (s *Scheduler) markReplicaFailed(replica *structs.Replica, containerID string) {
	replica = replica.Copy()
	replica.Status = structs.ReplicaStatusFailed
	replica.ContainerID = containerID
	if err := s.state.UpsertReplica(s.state.NextIndex(), replica); err != nil {
		s.logger.Error("failed to persist failed replica", "replica_id", replica.ID, "error", err)
	}
}

// rollUp settles the deployment status after a drive loop: at least one
// running replica makes the deployment running, a full wipeout fails it.
func (s *Scheduler) rollUp(deploymentID string, running, total int) error {
	d, err := s.state.DeploymentByID(nil, deploymentID)
	if err != nil || d == nil {
		return structs.NewPersistenceError(deploymentID, err)
	}

	switch {
	case running > 0:
		if d.Status == structs.DeploymentStatusScheduled {
			reason := fmt.Sprintf("%d of %d replicas running", running, total)
			if _, err := s.state.UpdateDeploymentStatus(s.state.NextIndex(), deploymentID,
				structs.DeploymentStatusRunning, "", reason); err != nil {
				return err
			}
		}
	case d.Status == structs.DeploymentStatusScheduled:
		if _, err := s.state.UpdateDeploymentStatus(s.state.NextIndex(), deploymentID,
			structs.DeploymentStatusFailed, "", "all replicas failed to start"); err != nil {
			return err
		}
	}
	return nil
}

// failDeployment transitions a deployment to failed in a fresh
// transaction, best effort.
func (s *Scheduler) failDeployment(deploymentID, reason string) {
	if _, err := s.state.UpdateDeploymentStatus(s.state.NextIndex(), deploymentID,
		structs.DeploymentStatusFailed, "", reason); err != nil {
		s.logger.Error("failed to mark deployment failed",
			"deployment_id", deploymentID, "error", err)
	}
}
