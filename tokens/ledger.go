// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package tokens implements the token system the reward pipeline pays
// through: an in-memory ledger of accounts with exact decimal balances.
package tokens

import (
	"context"
	"fmt"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/shopspring/decimal"

	"github.com/hashicorp/stratus/helper/uuid"
)

// TreasuryAccount is the system account rewards are paid from and
// rollbacks return funds to.
const TreasuryAccount = "treasury"

// DefaultStakingAPY is the annual staking yield applied when the ledger
// is constructed without one.
var DefaultStakingAPY = decimal.NewFromFloat(0.05)

// Account is a ledger entry. Staked funds accrue rewards between
// LastRewardTime and now.
type Account struct {
	Balance        decimal.Decimal
	Staked         decimal.Decimal
	LastRewardTime time.Time
}

// Ledger is a mutex-guarded in-memory token system.
type Ledger struct {
	logger hclog.Logger

	mu       sync.Mutex
	accounts map[string]*Account
	apy      decimal.Decimal
}

// NewLedger builds an empty ledger with the given staking APY.
func NewLedger(logger hclog.Logger, apy decimal.Decimal) *Ledger {
	if apy.IsZero() {
		apy = DefaultStakingAPY
	}
	return &Ledger{
		logger:   logger.Named("tokens"),
		accounts: make(map[string]*Account),
		apy:      apy,
	}
}

// CreateAccount registers an account with an opening balance. Creating
// an existing account resets it.
func (l *Ledger) CreateAccount(accountID string, balance decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[accountID] = &Account{
		Balance:        balance,
		LastRewardTime: time.Now().UTC(),
	}
}

// SetStake records an account's staked amount and the time it was last
// rewarded.
func (l *Ledger) SetStake(accountID string, staked decimal.Decimal, lastReward time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	account, ok := l.accounts[accountID]
	if !ok {
		return fmt.Errorf("account %s not found", accountID)
	}
	account.Staked = staked
	account.LastRewardTime = lastReward
	return nil
}

// Balance returns an account's liquid balance.
func (l *Ledger) Balance(accountID string) (decimal.Decimal, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	account, ok := l.accounts[accountID]
	if !ok {
		return decimal.Zero, false
	}
	return account.Balance, true
}

// StakedBalance returns an account's staked amount and the time it was
// last rewarded.
func (l *Ledger) StakedBalance(accountID string) (decimal.Decimal, time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	account, ok := l.accounts[accountID]
	if !ok {
		return decimal.Zero, time.Time{}, false
	}
	return account.Staked, account.LastRewardTime, true
}

// StakingAPY returns the annual staking yield.
func (l *Ledger) StakingAPY() decimal.Decimal {
	return l.apy
}

// MarkRewarded resets the staking accrual clock after a payout.
func (l *Ledger) MarkRewarded(accountID string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if account, ok := l.accounts[accountID]; ok {
		account.LastRewardTime = at
	}
}

// Transfer moves amount between accounts. It reports ok=false, without
// an error, when the transfer is refused: unknown account, non-positive
// amount, or insufficient funds. The returned transaction id is empty
// for refused transfers.
func (l *Ledger) Transfer(ctx context.Context, from, to string, amount decimal.Decimal, reason string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if amount.LessThanOrEqual(decimal.Zero) {
		l.logger.Warn("refusing non-positive transfer", "from", from, "to", to, "amount", amount)
		return "", false, nil
	}
	src, ok := l.accounts[from]
	if !ok {
		l.logger.Warn("transfer from unknown account", "from", from)
		return "", false, nil
	}
	dst, ok := l.accounts[to]
	if !ok {
		l.logger.Warn("transfer to unknown account", "to", to)
		return "", false, nil
	}
	if src.Balance.LessThan(amount) {
		l.logger.Warn("insufficient funds for transfer",
			"from", from, "balance", src.Balance, "amount", amount)
		return "", false, nil
	}

	src.Balance = src.Balance.Sub(amount)
	dst.Balance = dst.Balance.Add(amount)

	txID := fmt.Sprintf("tx-%s", uuid.Generate())
	l.logger.Debug("transfer complete", "tx_id", txID,
		"from", from, "to", to, "amount", amount, "reason", reason)
	return txID, true, nil
}
