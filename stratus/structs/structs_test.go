// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"strings"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/stratus/ci"
)

func validDeployment() *Deployment {
	return &Deployment{
		ID:             "dep-1",
		Name:           "web",
		UserID:         "user-1",
		ContainerImage: "nginx:1.27",
		Status:         DeploymentStatusPending,
		TargetReplicas: 2,
	}
}

func TestDeployment_Validate(t *testing.T) {
	ci.Parallel(t)

	must.NoError(t, validDeployment().Validate())

	cases := []struct {
		name   string
		mutate func(*Deployment)
	}{
		{"missing name", func(d *Deployment) { d.Name = "" }},
		{"long name", func(d *Deployment) { d.Name = strings.Repeat("x", MaxDeploymentNameLength+1) }},
		{"missing image", func(d *Deployment) { d.ContainerImage = "" }},
		{"missing user", func(d *Deployment) { d.UserID = "" }},
		{"zero replicas", func(d *Deployment) { d.TargetReplicas = 0 }},
		{"too many replicas", func(d *Deployment) { d.TargetReplicas = MaxReplicasInitial + 1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := validDeployment()
			tc.mutate(d)
			err := d.Validate()
			must.Error(t, err)
			must.True(t, IsKind(err, ErrKindValidation))
		})
	}
}

func TestResources_Validate(t *testing.T) {
	ci.Parallel(t)

	valid := Resources{CPUCores: 2, MemoryMB: 2048, GPUUnits: 1, StorageGB: 20}
	must.NoError(t, valid.Validate())

	cases := []struct {
		name string
		res  Resources
	}{
		{"cpu too small", Resources{CPUCores: 0.25, MemoryMB: 2048, StorageGB: 20}},
		{"cpu too large", Resources{CPUCores: 64, MemoryMB: 2048, StorageGB: 20}},
		{"memory too small", Resources{CPUCores: 2, MemoryMB: 256, StorageGB: 20}},
		{"memory too large", Resources{CPUCores: 2, MemoryMB: 131072, StorageGB: 20}},
		{"gpu too large", Resources{CPUCores: 2, MemoryMB: 2048, GPUUnits: 9, StorageGB: 20}},
		{"storage too small", Resources{CPUCores: 2, MemoryMB: 2048, StorageGB: 0}},
		{"storage too large", Resources{CPUCores: 2, MemoryMB: 2048, StorageGB: 2000}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.res.Validate()
			must.Error(t, err)
			must.True(t, IsKind(err, ErrKindValidation))
		})
	}
}

func TestValidDeploymentTransition(t *testing.T) {
	ci.Parallel(t)

	allowed := [][2]string{
		{DeploymentStatusPending, DeploymentStatusScheduled},
		{DeploymentStatusPending, DeploymentStatusFailed},
		{DeploymentStatusScheduled, DeploymentStatusRunning},
		{DeploymentStatusRunning, DeploymentStatusStopped},
		{DeploymentStatusStopped, DeploymentStatusDeleted},
		{DeploymentStatusFailed, DeploymentStatusDeleted},
	}
	for _, edge := range allowed {
		must.True(t, ValidDeploymentTransition(edge[0], edge[1]),
			must.Sprintf("expected %s -> %s to be allowed", edge[0], edge[1]))
	}

	denied := [][2]string{
		{DeploymentStatusPending, DeploymentStatusRunning},
		{DeploymentStatusRunning, DeploymentStatusDeleted},
		{DeploymentStatusDeleted, DeploymentStatusPending},
		{DeploymentStatusDeleted, DeploymentStatusDeleted},
	}
	for _, edge := range denied {
		must.False(t, ValidDeploymentTransition(edge[0], edge[1]),
			must.Sprintf("expected %s -> %s to be denied", edge[0], edge[1]))
	}
}

func TestValidReplicaTransition(t *testing.T) {
	ci.Parallel(t)

	must.True(t, ValidReplicaTransition(ReplicaStatusPending, ReplicaStatusStarting))
	must.True(t, ValidReplicaTransition(ReplicaStatusStarting, ReplicaStatusRunning))
	must.True(t, ValidReplicaTransition(ReplicaStatusRunning, ReplicaStatusStopping))
	must.True(t, ValidReplicaTransition(ReplicaStatusStopping, ReplicaStatusStopped))
	must.True(t, ValidReplicaTransition(ReplicaStatusPending, ReplicaStatusStopping))

	must.False(t, ValidReplicaTransition(ReplicaStatusPending, ReplicaStatusRunning))
	must.False(t, ValidReplicaTransition(ReplicaStatusStopped, ReplicaStatusRunning))
	must.False(t, ValidReplicaTransition(ReplicaStatusFailed, ReplicaStatusStopping))
}

func TestDeployment_Lifecycle_Helpers(t *testing.T) {
	ci.Parallel(t)

	d := validDeployment()
	must.True(t, d.Active())
	must.False(t, d.Scalable())
	must.True(t, d.Placeable())

	d.Status = DeploymentStatusRunning
	must.True(t, d.Scalable())
	must.True(t, d.Placeable())

	d.Status = DeploymentStatusStopped
	must.False(t, d.Placeable())

	d.Status = DeploymentStatusRunning
	now := time.Now()
	d.DeletedAt = &now
	must.False(t, d.Active())
	must.False(t, d.Scalable())
	must.False(t, d.Placeable())
}

func TestNode_Fits(t *testing.T) {
	ci.Parallel(t)

	node := &Node{
		ID:        "node-1",
		Status:    NodeStatusIdle,
		CPUCores:  4,
		MemoryMB:  8192,
		StorageGB: 50,
	}
	envelope := &Resources{CPUCores: 2, MemoryMB: 4096, StorageGB: 20}
	must.True(t, node.Fits(envelope))

	// Reservations count against free capacity.
	node.AllocatedMemoryMB = 6144
	must.False(t, node.Fits(envelope))
	node.AllocatedMemoryMB = 0

	// GPU envelopes need a GPU node.
	envelope.GPUUnits = 1
	must.False(t, node.Fits(envelope))
	node.GPUAvailable = true
	must.True(t, node.Fits(envelope))
}

func TestError_KindMatching(t *testing.T) {
	ci.Parallel(t)

	err := NewNameConflictError("user-1", "web")
	must.True(t, IsKind(err, ErrKindNameConflict))
	must.False(t, IsKind(err, ErrKindNotFound))
	must.Eq(t, ErrKindNameConflict, KindOf(err))

	// Non control-plane errors default to persistence.
	must.Eq(t, ErrKindPersistence, KindOf(assertError{}))
}

type assertError struct{}

func (assertError) Error() string { return "boom" }
