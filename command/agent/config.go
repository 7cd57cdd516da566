// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"fmt"
	"os"
	"strconv"
	"time"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/hashicorp/hcl"
	"github.com/shopspring/decimal"

	"github.com/hashicorp/stratus/scheduler"
	"github.com/hashicorp/stratus/stratus/rewards"
	"github.com/hashicorp/stratus/stratus/structs"
	"github.com/hashicorp/stratus/tokens"
)

const (
	// DefaultHTTPPort is the agent's HTTP API port.
	DefaultHTTPPort = 4280

	// dockerEnabledEnv overrides the config's docker_enabled flag.
	dockerEnabledEnv = "DOCKER_ENABLED"
)

// Config is the agent configuration, loadable from an HCL file.
type Config struct {
	// BindAddr and Port locate the HTTP API.
	BindAddr string `hcl:"bind_addr"`
	Port     int    `hcl:"port"`

	// LogLevel is one of TRACE, DEBUG, INFO, WARN, ERROR.
	LogLevel string `hcl:"log_level"`

	// LogJSON enables JSON log output.
	LogJSON bool `hcl:"log_json"`

	// DockerEnabled selects the docker runtime over the mock runtime.
	// The DOCKER_ENABLED environment variable overrides it.
	DockerEnabled bool `hcl:"docker_enabled"`

	Scheduler *SchedulerConfig `hcl:"scheduler"`
	Rewards   *RewardsConfig   `hcl:"rewards"`

	// Nodes seeds the fleet directory at startup. Nodes can also be
	// registered at runtime through the API.
	Nodes []*NodeConfig `hcl:"node"`
}

// SchedulerConfig tunes placement. Unset fields keep their defaults.
type SchedulerConfig struct {
	ResourceWeight *float64 `hcl:"resource_weight"`
	LoadWeight     *float64 `hcl:"load_weight"`
	LocalityWeight *float64 `hcl:"locality_weight"`

	QueueDepth *int `hcl:"queue_depth"`

	ErrorBackoff    string `hcl:"error_backoff"`
	StopGracePeriod string `hcl:"stop_grace_period"`

	AllowMockFallback *bool `hcl:"allow_mock_fallback"`
}

// RewardsConfig tunes the settlement pipeline. Amounts are decimal
// strings so config round-trips exactly.
type RewardsConfig struct {
	StakingAPY         string `hcl:"staking_apy"`
	RuntimeRatePerHour string `hcl:"runtime_rate_per_hour"`
	Treasury           string `hcl:"treasury"`
	TreasuryBalance    string `hcl:"treasury_balance"`
}

// NodeConfig seeds one fleet node.
type NodeConfig struct {
	ID        string  `hcl:",key"`
	Region    string  `hcl:"region"`
	Status    string  `hcl:"status"`
	CPUCores  float64 `hcl:"cpu_cores"`
	MemoryMB  int     `hcl:"memory_mb"`
	StorageGB int     `hcl:"storage_gb"`
	GPU       bool    `hcl:"gpu"`
}

// DefaultConfig returns the agent defaults: mock runtime, loopback
// bind, an empty fleet.
func DefaultConfig() *Config {
	return &Config{
		BindAddr:  "127.0.0.1",
		Port:      DefaultHTTPPort,
		LogLevel:  "INFO",
		Scheduler: &SchedulerConfig{},
		Rewards: &RewardsConfig{
			Treasury:        tokens.TreasuryAccount,
			TreasuryBalance: "1000000",
		},
	}
}

// LoadConfig parses an HCL config file over the defaults.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := DefaultConfig()
	if err := hcl.Decode(config, string(raw)); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if config.Scheduler == nil {
		config.Scheduler = &SchedulerConfig{}
	}
	if config.Rewards == nil {
		config.Rewards = DefaultConfig().Rewards
	}
	return config, nil
}

// Finalize applies environment overrides and validates the config.
func (c *Config) Finalize() error {
	if raw := os.Getenv(dockerEnabledEnv); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid %s value %q: %w", dockerEnabledEnv, raw, err)
		}
		c.DockerEnabled = enabled
	}

	var mErr *multierror.Error
	if c.Port <= 0 || c.Port > 65535 {
		mErr = multierror.Append(mErr, fmt.Errorf("invalid port %d", c.Port))
	}
	if _, err := c.SchedulerConfig(); err != nil {
		mErr = multierror.Append(mErr, err)
	}
	if _, _, err := c.RewardsConfig(); err != nil {
		mErr = multierror.Append(mErr, err)
	}
	if _, err := c.TreasuryBalance(); err != nil {
		mErr = multierror.Append(mErr, err)
	}
	for _, n := range c.Nodes {
		if _, err := n.Node(); err != nil {
			mErr = multierror.Append(mErr, fmt.Errorf("node %q: %w", n.ID, err))
		}
	}
	return mErr.ErrorOrNil()
}

// SchedulerConfig materializes the scheduler configuration, validating
// the scoring weights.
func (c *Config) SchedulerConfig() (*scheduler.Config, error) {
	out := scheduler.DefaultConfig()
	sc := c.Scheduler
	if sc == nil {
		return out, nil
	}
	if sc.ResourceWeight != nil {
		out.ResourceWeight = *sc.ResourceWeight
	}
	if sc.LoadWeight != nil {
		out.LoadWeight = *sc.LoadWeight
	}
	if sc.LocalityWeight != nil {
		out.LocalityWeight = *sc.LocalityWeight
	}
	if sc.QueueDepth != nil {
		out.QueueDepth = *sc.QueueDepth
	}
	if sc.ErrorBackoff != "" {
		d, err := time.ParseDuration(sc.ErrorBackoff)
		if err != nil {
			return nil, fmt.Errorf("invalid error_backoff: %w", err)
		}
		out.ErrorBackoff = d
	}
	if sc.StopGracePeriod != "" {
		d, err := time.ParseDuration(sc.StopGracePeriod)
		if err != nil {
			return nil, fmt.Errorf("invalid stop_grace_period: %w", err)
		}
		out.StopGracePeriod = d
	}
	if sc.AllowMockFallback != nil {
		out.AllowMockFallback = *sc.AllowMockFallback
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// RewardsConfig materializes the settlement configuration plus the
// staking APY the token ledger is built with.
func (c *Config) RewardsConfig() (*rewards.Config, decimal.Decimal, error) {
	out := rewards.DefaultConfig()
	apy := tokens.DefaultStakingAPY
	rc := c.Rewards
	if rc == nil {
		return out, apy, nil
	}
	if rc.Treasury != "" {
		out.Treasury = rc.Treasury
	}
	if rc.RuntimeRatePerHour != "" {
		rate, err := decimal.NewFromString(rc.RuntimeRatePerHour)
		if err != nil {
			return nil, apy, fmt.Errorf("invalid runtime_rate_per_hour: %w", err)
		}
		out.RuntimeRatePerHour = rate
	}
	if rc.StakingAPY != "" {
		parsed, err := decimal.NewFromString(rc.StakingAPY)
		if err != nil {
			return nil, apy, fmt.Errorf("invalid staking_apy: %w", err)
		}
		apy = parsed
	}
	return out, apy, nil
}

// TreasuryBalance returns the configured treasury opening balance.
func (c *Config) TreasuryBalance() (decimal.Decimal, error) {
	if c.Rewards == nil || c.Rewards.TreasuryBalance == "" {
		return decimal.Zero, nil
	}
	balance, err := decimal.NewFromString(c.Rewards.TreasuryBalance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid treasury_balance: %w", err)
	}
	return balance, nil
}

// Node materializes a seeded fleet node.
func (n *NodeConfig) Node() (*structs.Node, error) {
	if n.ID == "" {
		return nil, fmt.Errorf("missing node id")
	}
	if n.CPUCores <= 0 || n.MemoryMB <= 0 || n.StorageGB <= 0 {
		return nil, fmt.Errorf("node capacity must be positive")
	}
	status := n.Status
	if status == "" {
		status = structs.NodeStatusIdle
	}
	region := n.Region
	if region == "" {
		region = scheduler.DefaultRegion
	}
	return &structs.Node{
		ID:           n.ID,
		Status:       status,
		Region:       region,
		CPUCores:     n.CPUCores,
		MemoryMB:     n.MemoryMB,
		StorageGB:    n.StorageGB,
		GPUAvailable: n.GPU,
	}, nil
}
