// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package mock provides a process-local ContainerRuntime used when
// Docker is disabled or unreachable, and by tests. Container ids carry
// the mock- prefix so they are recognizable in persisted state.
package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/hashicorp/stratus/drivers"
	"github.com/hashicorp/stratus/helper/uuid"
)

// Driver is an in-memory container runtime. All state is guarded by a
// single mutex.
type Driver struct {
	logger hclog.Logger

	mu         sync.Mutex
	containers map[string]*drivers.ContainerInfo

	// error injection for tests
	createErr error
	startErr  error
	stopErr   error
	removeErr error
}

// NewDriver returns an empty mock runtime.
func NewDriver(logger hclog.Logger) *Driver {
	return &Driver{
		logger:     logger.Named("mock_runtime"),
		containers: make(map[string]*drivers.ContainerInfo),
	}
}

// SetCreateError makes subsequent Create calls fail with err.
func (d *Driver) SetCreateError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.createErr = err
}

// SetStartError makes subsequent Start calls fail with err.
func (d *Driver) SetStartError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.startErr = err
}

// SetStopError makes subsequent Stop calls fail with err.
func (d *Driver) SetStopError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopErr = err
}

// SetRemoveError makes subsequent Remove calls fail with err.
func (d *Driver) SetRemoveError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removeErr = err
}

func (d *Driver) Create(ctx context.Context, cfg *drivers.ContainerConfig) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.createErr != nil {
		return "", d.createErr
	}

	labels := make(map[string]string, len(cfg.Labels))
	for k, v := range cfg.Labels {
		labels[k] = v
	}

	containerID := fmt.Sprintf("mock-%s", uuid.Generate()[:12])
	d.containers[containerID] = &drivers.ContainerInfo{
		ID:        containerID,
		Name:      cfg.Name,
		Status:    "created",
		Image:     cfg.Image,
		Labels:    labels,
		CreatedAt: time.Now().UTC(),
	}

	d.logger.Debug("created container", "container_id", containerID, "name", cfg.Name)
	return containerID, nil
}

func (d *Driver) Start(ctx context.Context, containerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.startErr != nil {
		return d.startErr
	}

	info, ok := d.containers[containerID]
	if !ok {
		// Synthetic fallback ids never hit Create, accept them.
		if strings.HasPrefix(containerID, "mock-container-") {
			return nil
		}
		return drivers.NewRuntimeError("start", containerID, fmt.Errorf("container not found"))
	}

	now := time.Now().UTC()
	info.Status = "running"
	info.StartedAt = &now
	d.logger.Debug("started container", "container_id", containerID)
	return nil
}

func (d *Driver) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopErr != nil {
		return d.stopErr
	}

	info, ok := d.containers[containerID]
	if !ok {
		if strings.HasPrefix(containerID, "mock-container-") {
			return nil
		}
		return drivers.NewRuntimeError("stop", containerID, fmt.Errorf("container not found"))
	}

	now := time.Now().UTC()
	code := 0
	info.Status = "exited"
	info.FinishedAt = &now
	info.ExitCode = &code
	d.logger.Debug("stopped container", "container_id", containerID)
	return nil
}

func (d *Driver) Remove(ctx context.Context, containerID string, force bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.removeErr != nil {
		return d.removeErr
	}

	if _, ok := d.containers[containerID]; !ok {
		if strings.HasPrefix(containerID, "mock-container-") {
			return nil
		}
		return drivers.NewRuntimeError("remove", containerID, fmt.Errorf("container not found"))
	}

	delete(d.containers, containerID)
	d.logger.Debug("removed container", "container_id", containerID)
	return nil
}

func (d *Driver) Inspect(ctx context.Context, containerID string) (*drivers.ContainerInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	info, ok := d.containers[containerID]
	if !ok {
		return nil, nil
	}
	out := *info
	return &out, nil
}

func (d *Driver) List(ctx context.Context, labels map[string]string) ([]*drivers.ContainerInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []*drivers.ContainerInfo
	for _, info := range d.containers {
		matched := true
		for k, v := range labels {
			if info.Labels[k] != v {
				matched = false
				break
			}
		}
		if matched {
			c := *info
			out = append(out, &c)
		}
	}
	return out, nil
}
