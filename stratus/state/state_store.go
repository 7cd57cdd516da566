// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	memdb "github.com/hashicorp/go-memdb"

	"github.com/hashicorp/stratus/helper/uuid"
	"github.com/hashicorp/stratus/stratus/structs"
)

// StateStore is the authoritative store for deployments, replicas,
// resource envelopes, status history, fleet nodes and reward audit rows.
// All multi-row writes happen in a single MemDB transaction: on any
// error the deferred Abort discards every row touched.
type StateStore struct {
	logger hclog.Logger
	db     *memdb.MemDB

	// nextIndex is the monotonically increasing commit index handed out
	// to writers. There is no raft log here, the store owns the counter.
	nextIndex uint64
}

// NewStateStore constructs an empty state store.
func NewStateStore(logger hclog.Logger) (*StateStore, error) {
	db, err := memdb.NewMemDB(stateStoreSchema())
	if err != nil {
		return nil, fmt.Errorf("state store setup failed: %v", err)
	}
	return &StateStore{
		logger: logger.Named("state_store"),
		db:     db,
	}, nil
}

// NextIndex returns the next commit index for a write.
func (s *StateStore) NextIndex() uint64 {
	return atomic.AddUint64(&s.nextIndex, 1)
}

// Index returns the latest index that modified the given table.
func (s *StateStore) Index(name string) (uint64, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	out, err := txn.First(tableIndex, indexID, name)
	if err != nil {
		return 0, err
	}
	if out == nil {
		return 0, nil
	}
	return out.(*IndexEntry).Value, nil
}

// CreateDeployment inserts a deployment, its resource envelope row and
// the creation history row in one transaction. The live-name uniqueness
// predicate (per user, among rows whose DeletedAt is unset) is checked
// inside the transaction; the single writer makes check-then-insert safe.
func (s *StateStore) CreateDeployment(index uint64, d *structs.Deployment, res *structs.Resources) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	// Enforce the partial uniqueness predicate on (user, name).
	iter, err := txn.Get(TableDeployments, indexUserName, d.UserID, d.Name)
	if err != nil {
		return structs.NewPersistenceError(d.ID, err)
	}
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		if existing := raw.(*structs.Deployment); existing.DeletedAt == nil {
			return structs.NewNameConflictError(d.UserID, d.Name)
		}
	}

	now := time.Now().UTC()

	d = d.Copy()
	d.Status = structs.DeploymentStatusPending
	d.CreatedAt = now
	d.UpdatedAt = now
	d.CreateIndex = index
	d.ModifyIndex = index
	if err := txn.Insert(TableDeployments, d); err != nil {
		return structs.NewPersistenceError(d.ID, err)
	}

	row := &structs.DeploymentResource{
		ID:           uuid.Generate(),
		DeploymentID: d.ID,
		Resources:    *res,
		CreatedAt:    now,
		UpdatedAt:    now,
		CreateIndex:  index,
		ModifyIndex:  index,
	}
	if err := txn.Insert(TableDeploymentResources, row); err != nil {
		return structs.NewPersistenceError(d.ID, err)
	}

	if err := s.appendHistoryTxn(txn, index, d.ID, "", d.Status, "", "deployment created", now); err != nil {
		return err
	}

	if err := s.updateIndexTxn(txn, index, TableDeployments, TableDeploymentResources); err != nil {
		return err
	}

	txn.Commit()
	return nil
}

// UpdateDeploymentStatus transitions a deployment along the status graph
// and appends the matching history row atomically.
func (s *StateStore) UpdateDeploymentStatus(index uint64, deploymentID, newStatus, changedBy, reason string) (*structs.Deployment, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	d, err := s.updateDeploymentStatusTxn(txn, index, deploymentID, newStatus, changedBy, reason)
	if err != nil {
		return nil, err
	}

	if err := s.updateIndexTxn(txn, index, TableDeployments); err != nil {
		return nil, err
	}

	txn.Commit()
	return d, nil
}

func (s *StateStore) updateDeploymentStatusTxn(txn *memdb.Txn, index uint64, deploymentID, newStatus, changedBy, reason string) (*structs.Deployment, error) {
	raw, err := txn.First(TableDeployments, indexID, deploymentID)
	if err != nil {
		return nil, structs.NewPersistenceError(deploymentID, err)
	}
	if raw == nil {
		return nil, structs.NewNotFoundError(deploymentID)
	}

	d := raw.(*structs.Deployment)
	if !structs.ValidDeploymentTransition(d.Status, newStatus) {
		return nil, structs.NewInvalidTransitionError(deploymentID, d.Status, newStatus)
	}

	now := time.Now().UTC()
	old := d.Status

	d = d.Copy()
	d.Status = newStatus
	d.UpdatedAt = now
	d.ModifyIndex = index
	if newStatus == structs.DeploymentStatusDeleted {
		d.DeletedAt = &now
	}
	if err := txn.Insert(TableDeployments, d); err != nil {
		return nil, structs.NewPersistenceError(deploymentID, err)
	}

	if err := s.appendHistoryTxn(txn, index, deploymentID, old, newStatus, changedBy, reason, now); err != nil {
		return nil, err
	}

	s.logger.Info("deployment status changed",
		"deployment_id", deploymentID, "old_status", old, "new_status", newStatus, "reason", reason)
	return d, nil
}

// ScaleDeploymentTarget records a new replica target. The history row
// keeps the same status on both sides; it documents the scale action, not
// a lifecycle transition.
func (s *StateStore) ScaleDeploymentTarget(index uint64, deploymentID string, newTarget int, changedBy string) (*structs.Deployment, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(TableDeployments, indexID, deploymentID)
	if err != nil {
		return nil, structs.NewPersistenceError(deploymentID, err)
	}
	if raw == nil {
		return nil, structs.NewNotFoundError(deploymentID)
	}

	d := raw.(*structs.Deployment)
	now := time.Now().UTC()
	reason := fmt.Sprintf("scaled from %d to %d", d.TargetReplicas, newTarget)

	d = d.Copy()
	d.TargetReplicas = newTarget
	d.UpdatedAt = now
	d.ModifyIndex = index
	if err := txn.Insert(TableDeployments, d); err != nil {
		return nil, structs.NewPersistenceError(deploymentID, err)
	}

	if err := s.appendHistoryTxn(txn, index, deploymentID, d.Status, d.Status, changedBy, reason, now); err != nil {
		return nil, err
	}
	if err := s.updateIndexTxn(txn, index, TableDeployments); err != nil {
		return nil, err
	}

	txn.Commit()
	return d, nil
}

// PlaceReplicas commits one placement run: the replica rows, the node
// capacity reservations and the pending -> scheduled transition, all in
// one transaction. Node capacity is re-checked here so concurrent
// placements cannot double-book a node even if the worker pool is ever
// scaled beyond one.
func (s *StateStore) PlaceReplicas(index uint64, deploymentID string, replicas []*structs.Replica) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	rawDep, err := txn.First(TableDeployments, indexID, deploymentID)
	if err != nil {
		return structs.NewPersistenceError(deploymentID, err)
	}
	if rawDep == nil {
		return structs.NewNotFoundError(deploymentID)
	}
	d := rawDep.(*structs.Deployment)
	// The deployment may have been deleted or settled while the
	// placement sat in the queue; committing rows for it would strand
	// replicas nothing tears down.
	if !d.Placeable() {
		return &structs.Error{
			Kind:         structs.ErrKindInvalidStateTransition,
			DeploymentID: deploymentID,
			Reason:       fmt.Sprintf("cannot place replicas for deployment in status %s", d.Status),
		}
	}
	initial := d.Status == structs.DeploymentStatusPending

	raw, err := txn.First(TableDeploymentResources, indexDeployment, deploymentID)
	if err != nil {
		return structs.NewPersistenceError(deploymentID, err)
	}
	if raw == nil {
		return structs.NewPersistenceError(deploymentID, fmt.Errorf("missing resource row"))
	}
	envelope := &raw.(*structs.DeploymentResource).Resources

	now := time.Now().UTC()
	for _, replica := range replicas {
		rawNode, err := txn.First(TableNodes, indexID, replica.NodeID)
		if err != nil {
			return structs.NewPersistenceError(deploymentID, err)
		}
		if rawNode == nil {
			return structs.NewPersistenceError(deploymentID, fmt.Errorf("node %s not found", replica.NodeID))
		}

		node := rawNode.(*structs.Node)
		if !node.Fits(envelope) {
			return structs.NewInsufficientCapacityError(deploymentID, len(replicas), 0)
		}

		node = node.Copy()
		node.AllocatedCPUCores += envelope.CPUCores
		node.AllocatedMemoryMB += envelope.MemoryMB
		node.AllocatedStorageGB += envelope.StorageGB
		node.ModifyIndex = index
		if err := txn.Insert(TableNodes, node); err != nil {
			return structs.NewPersistenceError(deploymentID, err)
		}

		replica = replica.Copy()
		replica.Status = structs.ReplicaStatusPending
		replica.CreatedAt = now
		replica.UpdatedAt = now
		replica.CreateIndex = index
		replica.ModifyIndex = index
		if err := txn.Insert(TableReplicas, replica); err != nil {
			return structs.NewPersistenceError(deploymentID, err)
		}
	}

	// Initial placement moves the deployment along the lifecycle;
	// scale-up placements leave the deployment status alone.
	if initial {
		if _, err := s.updateDeploymentStatusTxn(txn, index, deploymentID,
			structs.DeploymentStatusScheduled, "",
			fmt.Sprintf("scheduled %d replicas across nodes", len(replicas))); err != nil {
			return err
		}
	}

	if err := s.updateIndexTxn(txn, index, TableDeployments, TableReplicas, TableNodes); err != nil {
		return err
	}

	txn.Commit()
	return nil
}

// UpsertReplica writes a replica row. Status changes are validated
// against the replica state machine.
func (s *StateStore) UpsertReplica(index uint64, replica *structs.Replica) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(TableReplicas, indexID, replica.ID)
	if err != nil {
		return structs.NewPersistenceError(replica.DeploymentID, err)
	}
	if raw != nil {
		existing := raw.(*structs.Replica)
		if existing.Status != replica.Status && !structs.ValidReplicaTransition(existing.Status, replica.Status) {
			return structs.NewInvalidTransitionError(replica.DeploymentID, existing.Status, replica.Status)
		}
	}

	replica = replica.Copy()
	replica.UpdatedAt = time.Now().UTC()
	replica.ModifyIndex = index
	if err := txn.Insert(TableReplicas, replica); err != nil {
		return structs.NewPersistenceError(replica.DeploymentID, err)
	}
	if err := s.updateIndexTxn(txn, index, TableReplicas); err != nil {
		return err
	}

	txn.Commit()
	return nil
}

// MarkReplicaStopped finalizes a replica: terminal status, StoppedAt set,
// and the node capacity reservation released, in one transaction.
func (s *StateStore) MarkReplicaStopped(index uint64, replicaID string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(TableReplicas, indexID, replicaID)
	if err != nil {
		return structs.NewPersistenceError("", err)
	}
	if raw == nil {
		return structs.NewPersistenceError("", fmt.Errorf("replica %s not found", replicaID))
	}

	replica := raw.(*structs.Replica)
	if structs.TerminalReplicaStatus(replica.Status) {
		txn.Commit()
		return nil
	}
	if !structs.ValidReplicaTransition(replica.Status, structs.ReplicaStatusStopped) {
		return structs.NewInvalidTransitionError(replica.DeploymentID, replica.Status, structs.ReplicaStatusStopped)
	}

	now := time.Now().UTC()
	replica = replica.Copy()
	replica.Status = structs.ReplicaStatusStopped
	replica.StoppedAt = &now
	replica.UpdatedAt = now
	replica.ModifyIndex = index
	if err := txn.Insert(TableReplicas, replica); err != nil {
		return structs.NewPersistenceError(replica.DeploymentID, err)
	}

	if err := s.releaseNodeCapacityTxn(txn, index, replica); err != nil {
		return err
	}
	if err := s.updateIndexTxn(txn, index, TableReplicas, TableNodes); err != nil {
		return err
	}

	txn.Commit()
	return nil
}

// releaseNodeCapacityTxn returns a stopped replica's envelope to its
// node. The node reference is weak, a vanished node is not an error.
func (s *StateStore) releaseNodeCapacityTxn(txn *memdb.Txn, index uint64, replica *structs.Replica) error {
	if replica.NodeID == "" {
		return nil
	}
	rawNode, err := txn.First(TableNodes, indexID, replica.NodeID)
	if err != nil {
		return structs.NewPersistenceError(replica.DeploymentID, err)
	}
	if rawNode == nil {
		return nil
	}
	rawRes, err := txn.First(TableDeploymentResources, indexDeployment, replica.DeploymentID)
	if err != nil {
		return structs.NewPersistenceError(replica.DeploymentID, err)
	}
	if rawRes == nil {
		return nil
	}
	envelope := &rawRes.(*structs.DeploymentResource).Resources

	node := rawNode.(*structs.Node).Copy()
	node.AllocatedCPUCores -= envelope.CPUCores
	node.AllocatedMemoryMB -= envelope.MemoryMB
	node.AllocatedStorageGB -= envelope.StorageGB
	if node.AllocatedCPUCores < 0 {
		node.AllocatedCPUCores = 0
	}
	if node.AllocatedMemoryMB < 0 {
		node.AllocatedMemoryMB = 0
	}
	if node.AllocatedStorageGB < 0 {
		node.AllocatedStorageGB = 0
	}
	node.ModifyIndex = index
	if err := txn.Insert(TableNodes, node); err != nil {
		return structs.NewPersistenceError(replica.DeploymentID, err)
	}
	return nil
}

// appendHistoryTxn writes one append-only status history row. There is
// deliberately no update or delete path for this table.
func (s *StateStore) appendHistoryTxn(txn *memdb.Txn, index uint64, deploymentID, old, new, changedBy, reason string, now time.Time) error {
	if len(reason) > structs.MaxStatusReasonLength {
		reason = reason[:structs.MaxStatusReasonLength]
	}
	row := &structs.StatusHistory{
		ID:           uuid.Generate(),
		DeploymentID: deploymentID,
		OldStatus:    old,
		NewStatus:    new,
		ChangedBy:    changedBy,
		ChangedAt:    now,
		Reason:       reason,
		CreateIndex:  index,
	}
	if err := txn.Insert(TableStatusHistory, row); err != nil {
		return structs.NewPersistenceError(deploymentID, err)
	}
	return s.updateIndexTxn(txn, index, TableStatusHistory)
}

func (s *StateStore) updateIndexTxn(txn *memdb.Txn, index uint64, tables ...string) error {
	for _, table := range tables {
		if err := txn.Insert(tableIndex, &IndexEntry{table, index}); err != nil {
			return fmt.Errorf("index update failed: %v", err)
		}
	}
	return nil
}

// UpsertNode writes a fleet node. Allocation bookkeeping survives
// directory refreshes: a re-upserted node keeps its reserved capacity.
func (s *StateStore) UpsertNode(index uint64, node *structs.Node) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	node = node.Copy()
	raw, err := txn.First(TableNodes, indexID, node.ID)
	if err != nil {
		return structs.NewPersistenceError("", err)
	}
	if raw != nil {
		existing := raw.(*structs.Node)
		node.AllocatedCPUCores = existing.AllocatedCPUCores
		node.AllocatedMemoryMB = existing.AllocatedMemoryMB
		node.AllocatedStorageGB = existing.AllocatedStorageGB
		node.CreateIndex = existing.CreateIndex
	} else {
		node.CreateIndex = index
	}
	node.ModifyIndex = index

	if err := txn.Insert(TableNodes, node); err != nil {
		return structs.NewPersistenceError("", err)
	}
	if err := s.updateIndexTxn(txn, index, TableNodes); err != nil {
		return err
	}

	txn.Commit()
	return nil
}

// UpsertRewardDistribution writes a reward audit row. Existing rows only
// ever gain rollback state; the distribution fields stay as written.
func (s *StateStore) UpsertRewardDistribution(index uint64, row *structs.RewardDistribution) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	row = row.Copy()
	raw, err := txn.First(TableRewardDistributions, indexID, row.RewardID)
	if err != nil {
		return structs.NewPersistenceError(row.DeploymentID, err)
	}
	if raw != nil {
		existing := raw.(*structs.RewardDistribution)
		row.CreatedAt = existing.CreatedAt
		row.CreateIndex = existing.CreateIndex
	} else {
		row.CreateIndex = index
	}
	row.ModifyIndex = index

	if err := txn.Insert(TableRewardDistributions, row); err != nil {
		return structs.NewPersistenceError(row.DeploymentID, err)
	}
	if err := s.updateIndexTxn(txn, index, TableRewardDistributions); err != nil {
		return err
	}

	txn.Commit()
	return nil
}

// DeploymentByID looks up a deployment, including soft-deleted rows.
func (s *StateStore) DeploymentByID(ws memdb.WatchSet, deploymentID string) (*structs.Deployment, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	watchCh, raw, err := txn.FirstWatch(TableDeployments, indexID, deploymentID)
	if err != nil {
		return nil, err
	}
	ws.Add(watchCh)
	if raw == nil {
		return nil, nil
	}
	return raw.(*structs.Deployment), nil
}

// DeploymentByName returns the live deployment for (user, name), if any.
func (s *StateStore) DeploymentByName(ws memdb.WatchSet, userID, name string) (*structs.Deployment, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableDeployments, indexUserName, userID, name)
	if err != nil {
		return nil, err
	}
	ws.Add(iter.WatchCh())
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		if d := raw.(*structs.Deployment); d.DeletedAt == nil {
			return d, nil
		}
	}
	return nil, nil
}

// DeploymentsByUser lists a user's deployments, skipping soft-deleted
// rows unless asked otherwise.
func (s *StateStore) DeploymentsByUser(ws memdb.WatchSet, userID string, includeDeleted bool) ([]*structs.Deployment, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableDeployments, indexUser, userID)
	if err != nil {
		return nil, err
	}
	ws.Add(iter.WatchCh())

	var out []*structs.Deployment
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		d := raw.(*structs.Deployment)
		if d.DeletedAt != nil && !includeDeleted {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreateIndex < out[j].CreateIndex })
	return out, nil
}

// DeploymentResourceByDeployment returns the 1:1 envelope row.
func (s *StateStore) DeploymentResourceByDeployment(ws memdb.WatchSet, deploymentID string) (*structs.DeploymentResource, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	watchCh, raw, err := txn.FirstWatch(TableDeploymentResources, indexDeployment, deploymentID)
	if err != nil {
		return nil, err
	}
	ws.Add(watchCh)
	if raw == nil {
		return nil, nil
	}
	return raw.(*structs.DeploymentResource), nil
}

// ReplicaByID looks up a single replica.
func (s *StateStore) ReplicaByID(ws memdb.WatchSet, replicaID string) (*structs.Replica, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	watchCh, raw, err := txn.FirstWatch(TableReplicas, indexID, replicaID)
	if err != nil {
		return nil, err
	}
	ws.Add(watchCh)
	if raw == nil {
		return nil, nil
	}
	return raw.(*structs.Replica), nil
}

// ReplicasByDeployment lists a deployment's replicas in creation order.
func (s *StateStore) ReplicasByDeployment(ws memdb.WatchSet, deploymentID string) ([]*structs.Replica, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableReplicas, indexDeployment, deploymentID)
	if err != nil {
		return nil, err
	}
	ws.Add(iter.WatchCh())

	var out []*structs.Replica
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.Replica))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreateIndex != out[j].CreateIndex {
			return out[i].CreateIndex < out[j].CreateIndex
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ReplicasByDeploymentStatus lists a deployment's replicas in one status.
func (s *StateStore) ReplicasByDeploymentStatus(ws memdb.WatchSet, deploymentID, status string) ([]*structs.Replica, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableReplicas, indexDeploymentStatus, deploymentID, status)
	if err != nil {
		return nil, err
	}
	ws.Add(iter.WatchCh())

	var out []*structs.Replica
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.Replica))
	}
	return out, nil
}

// StatusHistoryByDeployment returns history rows in commit order. A
// positive limit keeps only the most recent rows.
func (s *StateStore) StatusHistoryByDeployment(ws memdb.WatchSet, deploymentID string, limit int) ([]*structs.StatusHistory, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableStatusHistory, indexDeploymentOrder+"_prefix", deploymentID)
	if err != nil {
		return nil, err
	}
	ws.Add(iter.WatchCh())

	var out []*structs.StatusHistory
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.StatusHistory))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreateIndex < out[j].CreateIndex })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// NodeByID looks up a fleet node.
func (s *StateStore) NodeByID(ws memdb.WatchSet, nodeID string) (*structs.Node, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	watchCh, raw, err := txn.FirstWatch(TableNodes, indexID, nodeID)
	if err != nil {
		return nil, err
	}
	ws.Add(watchCh)
	if raw == nil {
		return nil, nil
	}
	return raw.(*structs.Node), nil
}

// Nodes lists the whole fleet in id order.
func (s *StateStore) Nodes(ws memdb.WatchSet) ([]*structs.Node, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableNodes, indexID)
	if err != nil {
		return nil, err
	}
	ws.Add(iter.WatchCh())

	var out []*structs.Node
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.Node))
	}
	return out, nil
}

// RewardDistributionsByDeployment lists audit rows for one deployment.
func (s *StateStore) RewardDistributionsByDeployment(ws memdb.WatchSet, deploymentID string) ([]*structs.RewardDistribution, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableRewardDistributions, indexDeployment, deploymentID)
	if err != nil {
		return nil, err
	}
	ws.Add(iter.WatchCh())

	var out []*structs.RewardDistribution
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.RewardDistribution))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreateIndex < out[j].CreateIndex })
	return out, nil
}
