// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package drivers defines the container runtime port the control plane
// drives replicas through. A real daemon adapter and a process-local
// mock both satisfy ContainerRuntime.
package drivers

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	// Labels stamped on every managed container so the runtime layer can
	// reconcile stray containers back to their replicas.
	LabelDeploymentID = "deployment_id"
	LabelReplicaID    = "replica_id"
	LabelManaged      = "managed"
)

// DefaultStopGracePeriod bounds how long Stop waits before the runtime
// kills the container.
const DefaultStopGracePeriod = 10 * time.Second

// ContainerConfig is the runtime-agnostic container description. CPU is
// expressed in fractional cores and memory in MB; adapters translate to
// whatever units the concrete runtime expects.
type ContainerConfig struct {
	Image    string
	Name     string
	CPUCores float64
	MemoryMB int
	Env      map[string]string
	Labels   map[string]string
}

// ContainerInfo reports the runtime's view of a container.
type ContainerInfo struct {
	ID         string
	Name       string
	Status     string
	Image      string
	Labels     map[string]string
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	ExitCode   *int
}

// ContainerRuntime is the port the scheduler and controller call. Every
// operation takes a context; adapters apply per-call timeouts.
type ContainerRuntime interface {
	// Create builds a container from the config and returns the
	// runtime-assigned container id.
	Create(ctx context.Context, cfg *ContainerConfig) (string, error)

	// Start runs a created container.
	Start(ctx context.Context, containerID string) error

	// Stop halts a running container within the grace period.
	Stop(ctx context.Context, containerID string, grace time.Duration) error

	// Remove deletes a container.
	Remove(ctx context.Context, containerID string, force bool) error

	// Inspect returns the container's current state, nil if unknown.
	Inspect(ctx context.Context, containerID string) (*ContainerInfo, error)

	// List returns containers carrying all the given labels.
	List(ctx context.Context, labels map[string]string) ([]*ContainerInfo, error)
}

// RuntimeError is the classified failure an adapter returns when the
// underlying runtime rejected or failed an operation. Anything else
// coming out of an adapter is an unexpected error and is handled by the
// scheduler's fallback policy.
type RuntimeError struct {
	Op          string
	ContainerID string
	Err         error
}

func (e *RuntimeError) Error() string {
	if e.ContainerID == "" {
		return fmt.Sprintf("container %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("container %s failed for %s: %v", e.Op, e.ContainerID, e.Err)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// NewRuntimeError wraps err as a classified runtime failure.
func NewRuntimeError(op, containerID string, err error) *RuntimeError {
	return &RuntimeError{Op: op, ContainerID: containerID, Err: err}
}

// IsRuntimeError returns whether err is a classified runtime failure.
func IsRuntimeError(err error) bool {
	var rerr *RuntimeError
	return errors.As(err, &rerr)
}
