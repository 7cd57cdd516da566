// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package rewards settles token rewards ahead of deployment teardown.
// Settlement is all or nothing: a failed transfer rolls back every
// transfer already made in the same batch, and teardown is gated on the
// batch succeeding.
package rewards

import (
	"context"
	"fmt"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/shopspring/decimal"

	"github.com/hashicorp/stratus/stratus/state"
	"github.com/hashicorp/stratus/stratus/structs"
)

const (
	// hoursPerYear converts the annual staking yield into an hourly
	// accrual.
	hoursPerYear = 8760

	// DefaultLogLimit bounds the in-memory distribution log.
	DefaultLogLimit = 1000
)

var (
	// DefaultRuntimeRatePerHour is paid per replica-hour of runtime.
	DefaultRuntimeRatePerHour = decimal.NewFromInt(10)

	// Minimum payout thresholds. Accruals below these are left to keep
	// accruing instead of generating dust transfers.
	DefaultMinStakingReward = decimal.NewFromFloat(0.001)
	DefaultMinRuntimeReward = decimal.NewFromFloat(0.01)
)

// TokenSystem is the settlement's view of the token ledger.
type TokenSystem interface {
	// Transfer moves amount between accounts. ok=false is a refused
	// transfer, err a transport failure; both abort the batch.
	Transfer(ctx context.Context, from, to string, amount decimal.Decimal, reason string) (txID string, ok bool, err error)

	// StakedBalance reports an account's staked amount and the time it
	// was last rewarded.
	StakedBalance(accountID string) (decimal.Decimal, time.Time, bool)

	// StakingAPY is the annual staking yield.
	StakingAPY() decimal.Decimal

	// MarkRewarded resets the staking accrual clock after a payout.
	MarkRewarded(accountID string, at time.Time)
}

// Config tunes the settlement.
type Config struct {
	// Treasury is the account rewards are paid from.
	Treasury string

	// RuntimeRatePerHour is paid per replica-hour of runtime.
	RuntimeRatePerHour decimal.Decimal

	// Payout thresholds per reward type.
	MinStakingReward decimal.Decimal
	MinRuntimeReward decimal.Decimal

	// LogLimit bounds the in-memory distribution log.
	LogLimit int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		Treasury:           "treasury",
		RuntimeRatePerHour: DefaultRuntimeRatePerHour,
		MinStakingReward:   DefaultMinStakingReward,
		MinRuntimeReward:   DefaultMinRuntimeReward,
		LogLimit:           DefaultLogLimit,
	}
}

// PendingReward is one accrued, not yet paid, reward.
type PendingReward struct {
	RewardID     string
	AccountID    string
	Amount       decimal.Decimal
	RewardType   string
	DeploymentID string
	Reason       string
}

// DistributionResult reports one settlement batch.
type DistributionResult struct {
	Success        bool
	Distributed    int
	Amount         decimal.Decimal
	FailedRewardID string
	Err            error
}

// CleanupResult reports a settlement gate evaluation ahead of teardown.
// CleanupCompleted is the gate: teardown may proceed only when true.
type CleanupResult struct {
	Success            bool
	RewardsDistributed int
	RewardsAmount      decimal.Decimal
	CleanupCompleted   bool
	RollbackOccurred   bool
	Err                error
}

// MetricsSnapshot is a point-in-time copy of the settlement counters.
type MetricsSnapshot struct {
	TotalDistributions      uint64
	SuccessfulDistributions uint64
	FailedDistributions     uint64
	Rollbacks               uint64
	TotalAmount             decimal.Decimal
}

// LogEntry is one line of the bounded in-memory distribution log.
type LogEntry struct {
	RewardID   string
	AccountID  string
	Amount     decimal.Decimal
	RewardType string
	Status     string
	Timestamp  time.Time
	Error      string
}

// Settlement computes pending rewards and distributes them through the
// token system, persisting one audit row per attempt.
type Settlement struct {
	logger hclog.Logger
	config *Config
	state  *state.StateStore
	tokens TokenSystem

	mu      sync.Mutex
	log     []*LogEntry
	counter MetricsSnapshot
}

// New constructs a settlement over the given store and token system.
func New(logger hclog.Logger, config *Config, store *state.StateStore, tokens TokenSystem) *Settlement {
	if config == nil {
		config = DefaultConfig()
	}
	if config.LogLimit <= 0 {
		config.LogLimit = DefaultLogLimit
	}
	return &Settlement{
		logger: logger.Named("rewards"),
		config: config,
		state:  store,
		tokens: tokens,
		counter: MetricsSnapshot{
			TotalAmount: decimal.Zero,
		},
	}
}

// PendingRewards computes the rewards accrued against a deployment and
// its owner: staking yield on the owner's staked balance plus a runtime
// reward per replica-hour. Accruals under the payout thresholds are
// skipped.
func (s *Settlement) PendingRewards(deploymentID, userID string) ([]*PendingReward, error) {
	now := time.Now().UTC()
	var pending []*PendingReward

	// Staking yield since the last payout.
	if staked, lastReward, ok := s.tokens.StakedBalance(userID); ok && staked.IsPositive() {
		hours := decimal.NewFromFloat(now.Sub(lastReward).Hours())
		if hours.IsPositive() {
			amount := staked.
				Mul(s.tokens.StakingAPY()).
				Mul(hours).
				Div(decimal.NewFromInt(hoursPerYear))
			if amount.GreaterThan(s.config.MinStakingReward) {
				pending = append(pending, &PendingReward{
					RewardID:     fmt.Sprintf("staking_%s_%d", userID, now.Unix()),
					AccountID:    userID,
					Amount:       amount,
					RewardType:   structs.RewardTypeStaking,
					DeploymentID: deploymentID,
					Reason:       "staking reward",
				})
			}
		}
	}

	// Runtime reward per replica that accumulated runtime.
	replicas, err := s.state.ReplicasByDeployment(nil, deploymentID)
	if err != nil {
		return nil, structs.NewPersistenceError(deploymentID, err)
	}
	for _, replica := range replicas {
		if replica.StartedAt == nil {
			continue
		}
		switch replica.Status {
		case structs.ReplicaStatusRunning, structs.ReplicaStatusStopping:
		default:
			continue
		}
		hours := now.Sub(*replica.StartedAt).Hours()
		if hours <= 0 {
			continue
		}
		amount := s.config.RuntimeRatePerHour.Mul(decimal.NewFromFloat(hours))
		if amount.GreaterThan(s.config.MinRuntimeReward) {
			pending = append(pending, &PendingReward{
				RewardID:     fmt.Sprintf("deployment_%s_%s", deploymentID, replica.ID),
				AccountID:    userID,
				Amount:       amount,
				RewardType:   structs.RewardTypeDeploymentRuntime,
				DeploymentID: deploymentID,
				Reason:       fmt.Sprintf("runtime reward for replica %s", replica.ID),
			})
		}
	}

	return pending, nil
}

// distributed tracks one paid reward so the batch can be unwound.
type distributed struct {
	reward *PendingReward
	txID   string
	row    *structs.RewardDistribution
}

// Distribute pays the batch in order. The first refused or failed
// transfer stops the batch and rolls back everything already paid.
func (s *Settlement) Distribute(ctx context.Context, pending []*PendingReward) *DistributionResult {
	defer metrics.MeasureSince([]string{"stratus", "rewards", "distribute"}, time.Now())

	result := &DistributionResult{Amount: decimal.Zero}
	var paid []*distributed

	for _, reward := range pending {
		s.bumpTotal()
		txID, ok, err := s.tokens.Transfer(ctx, s.config.Treasury, reward.AccountID,
			reward.Amount, reward.Reason)
		if err != nil || !ok {
			if err == nil {
				err = fmt.Errorf("transfer refused")
			}
			s.logger.Error("reward transfer failed", "reward_id", reward.RewardID,
				"account_id", reward.AccountID, "amount", reward.Amount, "error", err)
			s.recordAttempt(reward, structs.RewardDistributionStatusFailed, "", err.Error())
			s.bumpFailed()

			rollbackErr := s.rollback(ctx, paid)
			result.FailedRewardID = reward.RewardID
			result.Err = structs.NewRewardDistributionError(reward.DeploymentID,
				fmt.Sprintf("reward %s failed: %v", reward.RewardID, err))
			if rollbackErr != nil {
				result.Err = multierror.Append(result.Err, rollbackErr)
			}
			return result
		}

		row := s.recordAttempt(reward, structs.RewardDistributionStatusDistributed, txID, "")
		paid = append(paid, &distributed{reward: reward, txID: txID, row: row})
		if reward.RewardType == structs.RewardTypeStaking {
			s.tokens.MarkRewarded(reward.AccountID, time.Now().UTC())
		}
		s.bumpSuccess(reward.Amount)
		result.Distributed++
		result.Amount = result.Amount.Add(reward.Amount)
		metrics.IncrCounter([]string{"stratus", "rewards", "distributed"}, 1)
	}

	result.Success = true
	return result
}

// rollback unwinds paid rewards in reverse order. A rollback transfer
// that itself fails is logged for manual intervention and does not stop
// the sweep.
func (s *Settlement) rollback(ctx context.Context, paid []*distributed) error {
	if len(paid) == 0 {
		return nil
	}
	s.bumpRollback()
	metrics.IncrCounter([]string{"stratus", "rewards", "rollback"}, 1)

	var mErr *multierror.Error
	for i := len(paid) - 1; i >= 0; i-- {
		p := paid[i]
		txID, ok, err := s.tokens.Transfer(ctx, p.reward.AccountID, s.config.Treasury,
			p.reward.Amount, fmt.Sprintf("rollback of %s", p.reward.RewardID))
		if err != nil || !ok {
			if err == nil {
				err = fmt.Errorf("rollback transfer refused")
			}
			s.logger.Error("MANUAL INTERVENTION REQUIRED: reward rollback failed",
				"reward_id", p.reward.RewardID, "account_id", p.reward.AccountID,
				"amount", p.reward.Amount, "transfer_tx_id", p.txID, "error", err)
			mErr = multierror.Append(mErr, fmt.Errorf("rollback of reward %s: %w", p.reward.RewardID, err))
			continue
		}

		now := time.Now().UTC()
		row := p.row.Copy()
		row.Status = structs.RewardDistributionStatusRolledBack
		row.RolledBackAt = &now
		row.RollbackTxID = txID
		if err := s.state.UpsertRewardDistribution(s.state.NextIndex(), row); err != nil {
			s.logger.Error("failed to persist rollback audit row",
				"reward_id", p.reward.RewardID, "error", err)
			mErr = multierror.Append(mErr, err)
		}
		s.appendLog(p.reward, structs.RewardDistributionStatusRolledBack, "")
		s.logger.Warn("reward rolled back", "reward_id", p.reward.RewardID,
			"amount", p.reward.Amount, "rollback_tx_id", txID)
	}
	return mErr.ErrorOrNil()
}

// CleanupWithDistribution is the teardown gate: compute the pending
// rewards for the deployment and distribute them. Teardown may proceed
// only when CleanupCompleted is true.
func (s *Settlement) CleanupWithDistribution(ctx context.Context, deploymentID, userID string) *CleanupResult {
	pending, err := s.PendingRewards(deploymentID, userID)
	if err != nil {
		return &CleanupResult{RewardsAmount: decimal.Zero, Err: err}
	}
	if len(pending) == 0 {
		return &CleanupResult{
			Success:          true,
			CleanupCompleted: true,
			RewardsAmount:    decimal.Zero,
		}
	}

	s.logger.Info("settling rewards before teardown",
		"deployment_id", deploymentID, "pending", len(pending))
	res := s.Distribute(ctx, pending)
	out := &CleanupResult{
		Success:            res.Success,
		RewardsDistributed: res.Distributed,
		RewardsAmount:      res.Amount,
		CleanupCompleted:   res.Success,
		Err:                res.Err,
	}
	if !res.Success {
		out.RollbackOccurred = res.Distributed > 0
		// Distributed counts payouts that were subsequently unwound;
		// nothing stays paid on a failed batch.
		out.RewardsDistributed = 0
		out.RewardsAmount = decimal.Zero
	}
	return out
}

// recordAttempt persists the audit row for one attempt and mirrors it
// into the distribution log. Audit persistence is best effort: a failed
// insert is logged, not fatal, so settlement outcome does not depend on
// its own audit trail.
func (s *Settlement) recordAttempt(reward *PendingReward, status, txID, errMsg string) *structs.RewardDistribution {
	now := time.Now().UTC()
	row := &structs.RewardDistribution{
		RewardID:     reward.RewardID,
		AccountID:    reward.AccountID,
		Amount:       reward.Amount.String(),
		RewardType:   reward.RewardType,
		Status:       status,
		DeploymentID: reward.DeploymentID,
		CreatedAt:    now,
		TransferTxID: txID,
		ErrorMessage: errMsg,
	}
	if status == structs.RewardDistributionStatusDistributed {
		row.DistributedAt = &now
	}
	if err := s.state.UpsertRewardDistribution(s.state.NextIndex(), row); err != nil {
		s.logger.Error("failed to persist reward audit row",
			"reward_id", reward.RewardID, "error", err)
	}
	s.appendLog(reward, status, errMsg)
	return row
}

func (s *Settlement) appendLog(reward *PendingReward, status, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, &LogEntry{
		RewardID:   reward.RewardID,
		AccountID:  reward.AccountID,
		Amount:     reward.Amount,
		RewardType: reward.RewardType,
		Status:     status,
		Timestamp:  time.Now().UTC(),
		Error:      errMsg,
	})
	if excess := len(s.log) - s.config.LogLimit; excess > 0 {
		s.log = s.log[excess:]
	}
}

// DistributionLog returns the most recent log entries, newest last.
func (s *Settlement) DistributionLog(limit int) []*LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.log) {
		limit = len(s.log)
	}
	out := make([]*LogEntry, limit)
	copy(out, s.log[len(s.log)-limit:])
	return out
}

// Metrics returns a snapshot of the settlement counters.
func (s *Settlement) Metrics() MetricsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counter
}

func (s *Settlement) bumpTotal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter.TotalDistributions++
}

func (s *Settlement) bumpSuccess(amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter.SuccessfulDistributions++
	s.counter.TotalAmount = s.counter.TotalAmount.Add(amount)
}

func (s *Settlement) bumpFailed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter.FailedDistributions++
	metrics.IncrCounter([]string{"stratus", "rewards", "failed"}, 1)
}

func (s *Settlement) bumpRollback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter.Rollbacks++
}
