// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"
	"time"
)

const (
	// DeploymentStatuses describe the lifecycle of a deployment. A
	// deployment enters the system as pending and always leaves it as
	// deleted or failed.
	DeploymentStatusPending   = "pending"
	DeploymentStatusScheduled = "scheduled"
	DeploymentStatusRunning   = "running"
	DeploymentStatusStopped   = "stopped"
	DeploymentStatusFailed    = "failed"
	DeploymentStatusDeleted   = "deleted"
)

const (
	// ReplicaStatuses describe the lifecycle of a single replica on a
	// node. Stopped and failed are terminal.
	ReplicaStatusPending  = "pending"
	ReplicaStatusStarting = "starting"
	ReplicaStatusRunning  = "running"
	ReplicaStatusStopping = "stopping"
	ReplicaStatusStopped  = "stopped"
	ReplicaStatusFailed   = "failed"
)

const (
	// NodeStatuses as reported by the fleet directory. Only idle and
	// active nodes are eligible for placement.
	NodeStatusIdle        = "idle"
	NodeStatusActive      = "active"
	NodeStatusBusy        = "busy"
	NodeStatusOffline     = "offline"
	NodeStatusMaintenance = "maintenance"
)

const (
	MaxDeploymentNameLength = 100
	MaxContainerImageLength = 500
	MaxStatusReasonLength   = 500

	MinCPUCores = 0.5
	MaxCPUCores = 32.0
	MinMemoryMB = 512
	MaxMemoryMB = 65536
	MinGPUUnits = 0
	MaxGPUUnits = 8
	MinStorageGB = 1
	MaxStorageGB = 1000

	DefaultStorageGB = 10

	DefaultReplicas    = 1
	MinReplicas        = 1
	MaxReplicasInitial = 10
	MaxReplicasScale   = 100

	DefaultPageLimit   = 20
	MaxPageLimit       = 100
	DefaultOffset      = 0
	StatusHistoryLimit = 50
)

// validDeploymentTransitions holds the edges of the deployment status
// graph. A transition not listed here is rejected.
var validDeploymentTransitions = map[string][]string{
	DeploymentStatusPending:   {DeploymentStatusScheduled, DeploymentStatusStopped, DeploymentStatusFailed},
	DeploymentStatusScheduled: {DeploymentStatusRunning, DeploymentStatusStopped, DeploymentStatusFailed},
	DeploymentStatusRunning:   {DeploymentStatusStopped, DeploymentStatusFailed},
	DeploymentStatusStopped:   {DeploymentStatusDeleted, DeploymentStatusFailed},
	DeploymentStatusFailed:    {DeploymentStatusDeleted},
}

// validReplicaTransitions holds the edges of the replica status graph.
var validReplicaTransitions = map[string][]string{
	ReplicaStatusPending:  {ReplicaStatusStarting, ReplicaStatusFailed, ReplicaStatusStopping},
	ReplicaStatusStarting: {ReplicaStatusRunning, ReplicaStatusFailed},
	ReplicaStatusRunning:  {ReplicaStatusStopping, ReplicaStatusFailed},
	ReplicaStatusStopping: {ReplicaStatusStopped, ReplicaStatusFailed},
}

// ValidDeploymentTransition returns whether old -> new is an edge of the
// deployment status graph.
func ValidDeploymentTransition(old, new string) bool {
	for _, s := range validDeploymentTransitions[old] {
		if s == new {
			return true
		}
	}
	return false
}

// ValidReplicaTransition returns whether old -> new is an edge of the
// replica status graph.
func ValidReplicaTransition(old, new string) bool {
	for _, s := range validReplicaTransitions[old] {
		if s == new {
			return true
		}
	}
	return false
}

// TerminalReplicaStatus returns whether the status is terminal for a
// replica.
func TerminalReplicaStatus(status string) bool {
	return status == ReplicaStatusStopped || status == ReplicaStatusFailed
}

// Deployment is a user request to run a container image at a stated
// replica count and resource envelope. Rows are soft deleted: DeletedAt
// marks the row dead while keeping it for audit and name reuse.
type Deployment struct {
	ID             string
	Name           string
	UserID         string
	ContainerImage string
	Status         string
	TargetReplicas int

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time

	CreateIndex uint64
	ModifyIndex uint64
}

// Copy returns a deep copy of the deployment.
func (d *Deployment) Copy() *Deployment {
	if d == nil {
		return nil
	}
	nd := new(Deployment)
	*nd = *d
	if d.DeletedAt != nil {
		t := *d.DeletedAt
		nd.DeletedAt = &t
	}
	return nd
}

// Active returns whether the deployment is live: not soft deleted and not
// in a terminal status.
func (d *Deployment) Active() bool {
	if d.DeletedAt != nil {
		return false
	}
	switch d.Status {
	case DeploymentStatusDeleted, DeploymentStatusFailed:
		return false
	default:
		return true
	}
}

// Scalable returns whether the deployment may be scaled in its current
// status.
func (d *Deployment) Scalable() bool {
	return d.DeletedAt == nil &&
		(d.Status == DeploymentStatusScheduled || d.Status == DeploymentStatusRunning)
}

// Placeable returns whether replicas may be placed for the deployment:
// live and in a status that admits placement (initial placement while
// pending, scale-up while scheduled or running).
func (d *Deployment) Placeable() bool {
	if d.DeletedAt != nil {
		return false
	}
	switch d.Status {
	case DeploymentStatusPending, DeploymentStatusScheduled, DeploymentStatusRunning:
		return true
	default:
		return false
	}
}

// Validate checks the create-time fields of the deployment.
func (d *Deployment) Validate() error {
	if d.Name == "" {
		return NewValidationError("missing deployment name")
	}
	if len(d.Name) > MaxDeploymentNameLength {
		return NewValidationError(fmt.Sprintf("deployment name longer than %d characters", MaxDeploymentNameLength))
	}
	if d.ContainerImage == "" {
		return NewValidationError("missing container image")
	}
	if len(d.ContainerImage) > MaxContainerImageLength {
		return NewValidationError(fmt.Sprintf("container image longer than %d characters", MaxContainerImageLength))
	}
	if d.UserID == "" {
		return NewValidationError("missing user id")
	}
	if d.TargetReplicas < MinReplicas || d.TargetReplicas > MaxReplicasInitial {
		return NewValidationError(fmt.Sprintf(
			"target replicas must be between %d and %d, got %d",
			MinReplicas, MaxReplicasInitial, d.TargetReplicas))
	}
	return nil
}

// Resources is the per-replica allocation envelope. Every replica of a
// deployment shares the same envelope.
type Resources struct {
	CPUCores  float64
	MemoryMB  int
	GPUUnits  int
	StorageGB int
}

// Copy returns a copy of the resource envelope.
func (r *Resources) Copy() *Resources {
	if r == nil {
		return nil
	}
	nr := new(Resources)
	*nr = *r
	return nr
}

// Validate checks every resource field against its configured bounds.
func (r *Resources) Validate() error {
	if r.CPUCores < MinCPUCores || r.CPUCores > MaxCPUCores {
		return NewValidationError(fmt.Sprintf(
			"cpu cores must be between %v and %v, got %v", MinCPUCores, MaxCPUCores, r.CPUCores))
	}
	if r.MemoryMB < MinMemoryMB || r.MemoryMB > MaxMemoryMB {
		return NewValidationError(fmt.Sprintf(
			"memory must be between %d and %d MB, got %d", MinMemoryMB, MaxMemoryMB, r.MemoryMB))
	}
	if r.GPUUnits < MinGPUUnits || r.GPUUnits > MaxGPUUnits {
		return NewValidationError(fmt.Sprintf(
			"gpu units must be between %d and %d, got %d", MinGPUUnits, MaxGPUUnits, r.GPUUnits))
	}
	if r.StorageGB < MinStorageGB || r.StorageGB > MaxStorageGB {
		return NewValidationError(fmt.Sprintf(
			"storage must be between %d and %d GB, got %d", MinStorageGB, MaxStorageGB, r.StorageGB))
	}
	return nil
}

// DeploymentResource is the persisted 1:1 resource row for a deployment.
type DeploymentResource struct {
	ID           string
	DeploymentID string
	Resources

	CreatedAt time.Time
	UpdatedAt time.Time

	CreateIndex uint64
	ModifyIndex uint64
}

func (r *DeploymentResource) Copy() *DeploymentResource {
	if r == nil {
		return nil
	}
	nr := new(DeploymentResource)
	*nr = *r
	return nr
}

// Replica is a single instance of a deployment placed on a node. NodeID
// is a weak reference: the node may vanish while the replica row lives.
type Replica struct {
	ID           string
	DeploymentID string
	NodeID       string
	Status       string
	ContainerID  string

	StartedAt *time.Time
	StoppedAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time

	CreateIndex uint64
	ModifyIndex uint64
}

func (r *Replica) Copy() *Replica {
	if r == nil {
		return nil
	}
	nr := new(Replica)
	*nr = *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		nr.StartedAt = &t
	}
	if r.StoppedAt != nil {
		t := *r.StoppedAt
		nr.StoppedAt = &t
	}
	return nr
}

// StatusHistory is a single append-only audit row for a deployment status
// transition. ChangedBy is empty for system-initiated transitions.
type StatusHistory struct {
	ID           string
	DeploymentID string
	OldStatus    string
	NewStatus    string
	ChangedBy    string
	ChangedAt    time.Time
	Reason       string

	CreateIndex uint64
}

func (h *StatusHistory) Copy() *StatusHistory {
	if h == nil {
		return nil
	}
	nh := new(StatusHistory)
	*nh = *h
	return nh
}

// Node is a fleet member as reported by the node directory. The Allocated
// fields track capacity reserved by placed replicas and are maintained by
// the state store inside the placement transaction.
type Node struct {
	ID           string
	Status       string
	Region       string
	CPUCores     float64
	MemoryMB     int
	StorageGB    int
	GPUAvailable bool

	CPUUsagePercent    float64
	MemoryUsagePercent float64

	AllocatedCPUCores  float64
	AllocatedMemoryMB  int
	AllocatedStorageGB int

	CreateIndex uint64
	ModifyIndex uint64
}

func (n *Node) Copy() *Node {
	if n == nil {
		return nil
	}
	nn := new(Node)
	*nn = *n
	return nn
}

// Schedulable returns whether the node status admits new replicas.
func (n *Node) Schedulable() bool {
	return n.Status == NodeStatusIdle || n.Status == NodeStatusActive
}

// FreeCPUCores returns the unreserved CPU capacity of the node.
func (n *Node) FreeCPUCores() float64 {
	return n.CPUCores - n.AllocatedCPUCores
}

// FreeMemoryMB returns the unreserved memory capacity of the node.
func (n *Node) FreeMemoryMB() int {
	return n.MemoryMB - n.AllocatedMemoryMB
}

// FreeStorageGB returns the unreserved storage capacity of the node.
func (n *Node) FreeStorageGB() int {
	return n.StorageGB - n.AllocatedStorageGB
}

// Fits returns whether the node's free capacity covers one replica of the
// given envelope.
func (n *Node) Fits(r *Resources) bool {
	if n.FreeCPUCores() < r.CPUCores {
		return false
	}
	if n.FreeMemoryMB() < r.MemoryMB {
		return false
	}
	if n.FreeStorageGB() < r.StorageGB {
		return false
	}
	if r.GPUUnits > 0 && !n.GPUAvailable {
		return false
	}
	return true
}

const (
	// RewardDistribution statuses for the per-attempt audit row.
	RewardDistributionStatusPending     = "pending"
	RewardDistributionStatusDistributed = "distributed"
	RewardDistributionStatusFailed      = "failed"
	RewardDistributionStatusRolledBack  = "rolled_back"
)

const (
	RewardTypeStaking           = "staking"
	RewardTypeDeploymentRuntime = "deployment_runtime"
)

// RewardDistribution is the persisted audit row for one reward
// distribution attempt. Amounts are stored as exact decimal strings.
type RewardDistribution struct {
	RewardID     string
	AccountID    string
	Amount       string
	RewardType   string
	Status       string
	DeploymentID string

	CreatedAt     time.Time
	DistributedAt *time.Time
	RolledBackAt  *time.Time

	TransferTxID string
	RollbackTxID string
	ErrorMessage string

	CreateIndex uint64
	ModifyIndex uint64
}

func (r *RewardDistribution) Copy() *RewardDistribution {
	if r == nil {
		return nil
	}
	nr := new(RewardDistribution)
	*nr = *r
	if r.DistributedAt != nil {
		t := *r.DistributedAt
		nr.DistributedAt = &t
	}
	if r.RolledBackAt != nil {
		t := *r.RolledBackAt
		nr.RolledBackAt = &t
	}
	return nr
}
