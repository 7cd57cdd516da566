// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package docker adapts the Docker Engine API to the ContainerRuntime
// port.
package docker

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types"
	containerapi "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	networkapi "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	units "github.com/docker/go-units"
	hclog "github.com/hashicorp/go-hclog"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/hashicorp/stratus/drivers"
)

// dockerClient is the subset of the Docker client the driver uses, split
// out to ease testing subtle error conditions.
type dockerClient interface {
	ContainerCreate(ctx context.Context, config *containerapi.Config, hostConfig *containerapi.HostConfig, networkingConfig *networkapi.NetworkingConfig, platform *ocispec.Platform, containerName string) (containerapi.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options containerapi.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options containerapi.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options containerapi.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerList(ctx context.Context, options containerapi.ListOptions) ([]types.Container, error)
}

// Driver drives containers through a Docker daemon. Construction fails
// if the daemon cannot be reached so the agent can fall back to the mock
// runtime.
type Driver struct {
	logger  hclog.Logger
	client  dockerClient
	timeout time.Duration
}

// NewDriver connects to the daemon using the standard environment
// configuration and verifies it is reachable.
func NewDriver(logger hclog.Logger, timeout time.Duration) (*Driver, error) {
	dc, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if _, err := dc.Ping(ctx); err != nil {
		return nil, fmt.Errorf("docker daemon unreachable: %v", err)
	}

	return &Driver{
		logger:  logger.Named("docker"),
		client:  dc,
		timeout: timeout,
	}, nil
}

func (d *Driver) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d.timeout)
}

// Create builds a container, translating the envelope into nanocores and
// bytes the engine expects.
func (d *Driver) Create(ctx context.Context, cfg *drivers.ContainerConfig) (string, error) {
	ctx, cancel := d.callCtx(ctx)
	defer cancel()

	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	config := &containerapi.Config{
		Image:  cfg.Image,
		Env:    env,
		Labels: cfg.Labels,
	}
	host := &containerapi.HostConfig{
		Resources: containerapi.Resources{
			NanoCPUs: int64(cfg.CPUCores * 1e9),
			Memory:   int64(cfg.MemoryMB) * units.MiB,
		},
	}

	created, err := d.client.ContainerCreate(ctx, config, host, nil, nil, cfg.Name)
	if err != nil {
		return "", drivers.NewRuntimeError("create", "", err)
	}

	d.logger.Info("created container", "container_id", created.ID, "name", cfg.Name, "image", cfg.Image)
	return created.ID, nil
}

// Start runs a created container.
func (d *Driver) Start(ctx context.Context, containerID string) error {
	ctx, cancel := d.callCtx(ctx)
	defer cancel()

	if err := d.client.ContainerStart(ctx, containerID, containerapi.StartOptions{}); err != nil {
		return drivers.NewRuntimeError("start", containerID, err)
	}
	d.logger.Info("started container", "container_id", containerID)
	return nil
}

// Stop halts a running container within the grace period.
func (d *Driver) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	ctx, cancel := d.callCtx(ctx)
	defer cancel()

	if grace <= 0 {
		grace = drivers.DefaultStopGracePeriod
	}
	seconds := int(grace.Seconds())
	if err := d.client.ContainerStop(ctx, containerID, containerapi.StopOptions{Timeout: &seconds}); err != nil {
		return drivers.NewRuntimeError("stop", containerID, err)
	}
	d.logger.Info("stopped container", "container_id", containerID)
	return nil
}

// Remove deletes a container.
func (d *Driver) Remove(ctx context.Context, containerID string, force bool) error {
	ctx, cancel := d.callCtx(ctx)
	defer cancel()

	if err := d.client.ContainerRemove(ctx, containerID, containerapi.RemoveOptions{Force: force}); err != nil {
		return drivers.NewRuntimeError("remove", containerID, err)
	}
	d.logger.Info("removed container", "container_id", containerID)
	return nil
}

// Inspect returns the engine's view of a container, nil if unknown.
func (d *Driver) Inspect(ctx context.Context, containerID string) (*drivers.ContainerInfo, error) {
	ctx, cancel := d.callCtx(ctx)
	defer cancel()

	info, err := d.client.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, nil
		}
		return nil, drivers.NewRuntimeError("inspect", containerID, err)
	}

	out := &drivers.ContainerInfo{
		ID:    info.ID,
		Name:  info.Name,
		Image: info.Config.Image,
	}
	if info.Config != nil {
		out.Labels = info.Config.Labels
	}
	if info.State != nil {
		out.Status = info.State.Status
		if t, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil && !t.IsZero() {
			out.StartedAt = &t
		}
		if t, err := time.Parse(time.RFC3339Nano, info.State.FinishedAt); err == nil && !t.IsZero() {
			out.FinishedAt = &t
		}
		code := info.State.ExitCode
		out.ExitCode = &code
	}
	if t, err := time.Parse(time.RFC3339Nano, info.Created); err == nil {
		out.CreatedAt = t
	}
	return out, nil
}

// List returns containers carrying all the given labels, running or not.
func (d *Driver) List(ctx context.Context, labels map[string]string) ([]*drivers.ContainerInfo, error) {
	ctx, cancel := d.callCtx(ctx)
	defer cancel()

	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", fmt.Sprintf("%s=%s", k, v))
	}

	containers, err := d.client.ContainerList(ctx, containerapi.ListOptions{
		All:     true,
		Filters: args,
	})
	if err != nil {
		return nil, drivers.NewRuntimeError("list", "", err)
	}

	out := make([]*drivers.ContainerInfo, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = c.Names[0]
		}
		out = append(out, &drivers.ContainerInfo{
			ID:        c.ID,
			Name:      name,
			Status:    c.State,
			Image:     c.Image,
			Labels:    c.Labels,
			CreatedAt: time.Unix(c.Created, 0).UTC(),
		})
	}
	return out, nil
}
