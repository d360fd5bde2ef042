// Copyright 2025 The go-farmhand Authors
// This file is part of the go-farmhand library.
//
// The go-farmhand library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-farmhand library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-farmhand library. If not, see <http://www.gnu.org/licenses/>.

// Package limits enforces the hard USD spending caps every execution must
// clear: a per-transaction ceiling, a rolling 24 h ceiling, and a human
// approval threshold. The limiter refuses; it never shrinks an amount to fit.
package limits

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/shopspring/decimal"

	"github.com/farmhand-labs/go-farmhand/audit"
)

var (
	// ErrInvalidAmount is returned for zero or negative amounts.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrTxLimitExceeded is returned when a single transaction exceeds the
	// per-transaction cap.
	ErrTxLimitExceeded = errors.New("transaction exceeds per-transaction limit")

	// ErrDailyLimitExceeded is returned when the rolling 24 h spend plus the
	// requested amount exceeds the daily cap.
	ErrDailyLimitExceeded = errors.New("transaction exceeds rolling daily limit")

	// ErrApprovalRequired is returned when the amount is above the approval
	// threshold and no approver is configured.
	ErrApprovalRequired = errors.New("amount requires approval and no approver is configured")

	// ErrApprovalDenied is returned when the configured approver refuses.
	ErrApprovalDenied = errors.New("approval denied")
)

// Approver is the human-approval hook consulted for amounts above the
// approval threshold. Implementations may block (pager, chat prompt); the
// limiter calls it with no lock held.
type Approver interface {
	Approve(amount decimal.Decimal, reason string) (bool, error)
}

// Config holds the three caps. All values are USD.
type Config struct {
	MaxTransactionUSD    decimal.Decimal `toml:",omitempty"`
	DailyLimitUSD        decimal.Decimal `toml:",omitempty"`
	ApprovalThresholdUSD decimal.Decimal `toml:",omitempty"`
}

// DefaultConfig is deliberately conservative; operators are expected to
// raise the caps once they trust a deployment.
var DefaultConfig = Config{
	MaxTransactionUSD:    decimal.NewFromInt(10_000),
	DailyLimitUSD:        decimal.NewFromInt(50_000),
	ApprovalThresholdUSD: decimal.NewFromInt(5_000),
}

// Validate checks the cap hierarchy: approval ≤ per-transaction ≤ daily, all
// positive. Violations are configuration errors and must abort startup.
func (c Config) Validate() error {
	if !c.MaxTransactionUSD.IsPositive() {
		return fmt.Errorf("max transaction limit must be positive, got %s", c.MaxTransactionUSD)
	}
	if !c.DailyLimitUSD.IsPositive() {
		return fmt.Errorf("daily limit must be positive, got %s", c.DailyLimitUSD)
	}
	if !c.ApprovalThresholdUSD.IsPositive() {
		return fmt.Errorf("approval threshold must be positive, got %s", c.ApprovalThresholdUSD)
	}
	if c.ApprovalThresholdUSD.GreaterThan(c.MaxTransactionUSD) {
		return fmt.Errorf("approval threshold %s exceeds max transaction %s",
			c.ApprovalThresholdUSD, c.MaxTransactionUSD)
	}
	if c.MaxTransactionUSD.GreaterThan(c.DailyLimitUSD) {
		return fmt.Errorf("max transaction %s exceeds daily limit %s",
			c.MaxTransactionUSD, c.DailyLimitUSD)
	}
	return nil
}

type spend struct {
	at     time.Time
	amount decimal.Decimal
}

// Limiter tracks spending against the configured caps. Recorded spends age
// out of the rolling window after 24 h; pruning happens on access, so an
// idle limiter costs nothing.
type Limiter struct {
	cfg      Config
	approver Approver
	sink     audit.Sink

	mu     sync.Mutex
	window []spend

	now func() time.Time // test hook
}

// New creates a limiter. approver may be nil, in which case amounts above
// the approval threshold are refused outright. sink may be nil.
func New(cfg Config, approver Approver, sink audit.Sink) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		sink = audit.Nop{}
	}
	return &Limiter{
		cfg:      cfg,
		approver: approver,
		sink:     sink,
		now:      time.Now,
	}, nil
}

// Authorize checks amount against all three caps without recording it.
// The caller records the spend with Record once the transaction succeeds.
func (l *Limiter) Authorize(amount decimal.Decimal, reason string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if amount.GreaterThan(l.cfg.MaxTransactionUSD) {
		l.breach("per-transaction limit", amount, l.cfg.MaxTransactionUSD, reason)
		return fmt.Errorf("%w: %s > %s", ErrTxLimitExceeded, amount, l.cfg.MaxTransactionUSD)
	}

	spent := l.SpentLast24h()
	if spent.Add(amount).GreaterThan(l.cfg.DailyLimitUSD) {
		l.breach("rolling daily limit", amount, l.cfg.DailyLimitUSD.Sub(spent), reason)
		return fmt.Errorf("%w: %s spent + %s requested > %s",
			ErrDailyLimitExceeded, spent, amount, l.cfg.DailyLimitUSD)
	}

	if amount.GreaterThan(l.cfg.ApprovalThresholdUSD) {
		if l.approver == nil {
			return fmt.Errorf("%w: %s > %s", ErrApprovalRequired, amount, l.cfg.ApprovalThresholdUSD)
		}
		ok, err := l.approver.Approve(amount, reason)
		if err != nil {
			return fmt.Errorf("approval hook failed: %w", err)
		}
		if !ok {
			log.Warn("Spending approval denied", "amount", amount, "reason", reason)
			return ErrApprovalDenied
		}
		log.Info("Spending approved above threshold", "amount", amount, "threshold", l.cfg.ApprovalThresholdUSD)
	}
	return nil
}

// Record commits a completed spend into the rolling window.
func (l *Limiter) Record(amount decimal.Decimal) {
	if !amount.IsPositive() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(l.now())
	l.window = append(l.window, spend{at: l.now(), amount: amount})
}

// SpentLast24h sums the spends still inside the rolling window.
func (l *Limiter) SpentLast24h() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(l.now())
	total := decimal.Zero
	for _, s := range l.window {
		total = total.Add(s.amount)
	}
	return total
}

// Remaining returns how much the rolling window still admits.
func (l *Limiter) Remaining() decimal.Decimal {
	rem := l.cfg.DailyLimitUSD.Sub(l.SpentLast24h())
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-24 * time.Hour)
	i := 0
	for ; i < len(l.window); i++ {
		if l.window[i].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		l.window = append(l.window[:0], l.window[i:]...)
	}
}

func (l *Limiter) breach(limit string, amount, available decimal.Decimal, reason string) {
	log.Error("Spending limit breach", "limit", limit, "amount", amount, "available", available)
	l.sink.Log(audit.NewEvent(audit.TypeSpendingLimitBreach, audit.SeverityError,
		fmt.Sprintf("refused %s USD: %s", amount.StringFixed(2), limit),
		map[string]any{
			"limit":         limit,
			"amount_usd":    amount.String(),
			"available_usd": available.String(),
			"reason":        reason,
		}))
}
