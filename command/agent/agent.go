// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package agent assembles the stratus control plane: state store, token
// ledger, container runtime, scheduler, reward settlement, deployment
// controller and the HTTP API, running in one process.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/stratus/drivers"
	"github.com/hashicorp/stratus/drivers/docker"
	"github.com/hashicorp/stratus/drivers/mock"
	"github.com/hashicorp/stratus/scheduler"
	"github.com/hashicorp/stratus/stratus"
	"github.com/hashicorp/stratus/stratus/rewards"
	"github.com/hashicorp/stratus/stratus/state"
	"github.com/hashicorp/stratus/stratus/structs"
	"github.com/hashicorp/stratus/tokens"
)

// dockerConnectTimeout bounds the startup probe of the docker daemon.
const dockerConnectTimeout = 10 * time.Second

// Agent owns the wired control plane and its lifecycle.
type Agent struct {
	logger hclog.InterceptLogger
	config *Config

	state      *state.StateStore
	ledger     *tokens.Ledger
	runtime    drivers.ContainerRuntime
	settlement *rewards.Settlement
	sched      *scheduler.Scheduler
	worker     *scheduler.Worker
	controller *stratus.Controller
	events     *stratus.EventBus

	inmemSink *metrics.InmemSink

	shutdownLock sync.Mutex
	shutdown     bool
	shutdownCh   chan struct{}
}

// NewAgent wires the control plane from a finalized config and starts
// the placement worker. The HTTP server is started separately.
func NewAgent(config *Config, logger hclog.InterceptLogger) (*Agent, error) {
	a := &Agent{
		logger:     logger,
		config:     config,
		shutdownCh: make(chan struct{}),
	}

	if err := a.setupMetrics(); err != nil {
		return nil, err
	}

	store, err := state.NewStateStore(logger)
	if err != nil {
		return nil, err
	}
	a.state = store

	rewardsConfig, apy, err := config.RewardsConfig()
	if err != nil {
		return nil, err
	}
	balance, err := config.TreasuryBalance()
	if err != nil {
		return nil, err
	}
	a.ledger = tokens.NewLedger(logger, apy)
	a.ledger.CreateAccount(rewardsConfig.Treasury, balance)

	a.runtime = a.setupRuntime()
	a.settlement = rewards.New(logger, rewardsConfig, a.state, a.ledger)

	schedConfig, err := config.SchedulerConfig()
	if err != nil {
		return nil, err
	}
	nodes := scheduler.NewStateNodeDirectory(a.state)
	a.sched = scheduler.New(logger, schedConfig, a.state, nodes, a.runtime)
	a.worker = scheduler.NewWorker(logger, a.sched)

	a.events = stratus.NewEventBus(logger)
	a.controller = stratus.NewController(logger, a.state, a.sched, a.worker,
		a.runtime, a.settlement, a.events, schedConfig.StopGracePeriod)

	if err := a.seedNodes(); err != nil {
		return nil, err
	}
	a.reconcileContainers()

	a.worker.Run()
	a.logger.Info("agent started", "docker", config.DockerEnabled,
		"nodes", len(config.Nodes))
	return a, nil
}

// setupMetrics installs an in-memory sink the metrics endpoint serves
// from.
func (a *Agent) setupMetrics() error {
	inm := metrics.NewInmemSink(10*time.Second, time.Minute)
	metrics.DefaultInmemSignal(inm)

	metricsConf := metrics.DefaultConfig("stratus")
	metricsConf.EnableHostname = false
	if _, err := metrics.NewGlobal(metricsConf, inm); err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.inmemSink = inm
	return nil
}

// setupRuntime selects the container runtime. Docker is used when
// enabled and reachable; anything else falls back to the mock runtime
// so the control plane stays operable without a daemon.
func (a *Agent) setupRuntime() drivers.ContainerRuntime {
	if a.config.DockerEnabled {
		d, err := docker.NewDriver(a.logger, dockerConnectTimeout)
		if err == nil {
			a.logger.Info("using docker container runtime")
			return d
		}
		a.logger.Warn("docker enabled but unavailable, falling back to mock runtime", "error", err)
	}
	a.logger.Info("using mock container runtime")
	return mock.NewDriver(a.logger)
}

// seedNodes registers the configured fleet in the node directory.
func (a *Agent) seedNodes() error {
	for _, nc := range a.config.Nodes {
		node, err := nc.Node()
		if err != nil {
			return err
		}
		if err := a.state.UpsertNode(a.state.NextIndex(), node); err != nil {
			return fmt.Errorf("failed to register node %s: %w", node.ID, err)
		}
	}
	return nil
}

// reconcileContainers removes managed containers the state store has no
// live replica for. Stray containers appear when a previous process
// died between a runtime call and its state commit. Best effort.
func (a *Agent) reconcileContainers() {
	ctx, cancel := context.WithTimeout(context.Background(), dockerConnectTimeout)
	defer cancel()

	containers, err := a.runtime.List(ctx, map[string]string{drivers.LabelManaged: "true"})
	if err != nil {
		a.logger.Warn("container reconciliation skipped", "error", err)
		return
	}

	for _, c := range containers {
		replicaID := c.Labels[drivers.LabelReplicaID]
		replica, err := a.state.ReplicaByID(nil, replicaID)
		if err != nil {
			a.logger.Warn("container reconciliation lookup failed", "replica_id", replicaID, "error", err)
			continue
		}
		if replica != nil && !structs.TerminalReplicaStatus(replica.Status) {
			continue
		}
		a.logger.Info("removing stray managed container",
			"container_id", c.ID, "replica_id", replicaID)
		if err := a.runtime.Stop(ctx, c.ID, drivers.DefaultStopGracePeriod); err != nil {
			a.logger.Warn("failed to stop stray container", "container_id", c.ID, "error", err)
		}
		if err := a.runtime.Remove(ctx, c.ID, true); err != nil {
			a.logger.Warn("failed to remove stray container", "container_id", c.ID, "error", err)
		}
	}
}

// Controller exposes the deployment controller to the HTTP layer.
func (a *Agent) Controller() *stratus.Controller { return a.controller }

// State exposes the state store to the HTTP layer's read paths.
func (a *Agent) State() *state.StateStore { return a.state }

// Settlement exposes the reward settlement to the HTTP layer.
func (a *Agent) Settlement() *rewards.Settlement { return a.settlement }

// Events exposes the lifecycle event bus.
func (a *Agent) Events() *stratus.EventBus { return a.events }

// Shutdown stops the placement worker and marks the agent down.
func (a *Agent) Shutdown() {
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()
	if a.shutdown {
		return
	}
	a.logger.Info("agent shutting down")
	a.worker.Shutdown()
	a.shutdown = true
	close(a.shutdownCh)
	a.logger.Info("agent shutdown complete")
}
