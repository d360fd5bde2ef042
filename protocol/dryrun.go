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

package protocol

import (
	"context"
	crand "crypto/rand"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/farmhand-labs/go-farmhand/core"
)

// dryRunGas are the flat per-operation estimates reported in simulation,
// chosen to sit near the measured mainnet averages of the supported pools.
var dryRunGas = map[Op]uint64{
	OpWithdraw: 150_000,
	OpDeposit:  120_000,
	OpApprove:  50_000,
	OpSwap:     200_000,
}

// DryRunGas returns the simulated gas figure for op. Unknown ops price as a
// deposit, the cheapest mutating call, so simulations err on the low side.
func DryRunGas(op Op) uint64 {
	if g, ok := dryRunGas[op]; ok {
		return g
	}
	return dryRunGas[OpDeposit]
}

// dryRunAdapter wraps an Adapter so that reads pass through untouched while
// every mutating call is logged and answered with a synthetic hash. Nothing
// ever reaches the chain: the wrapped adapter's Deposit and Withdraw are
// never invoked.
type dryRunAdapter struct {
	inner Adapter
	log   log.Logger
}

// DryRun wraps a live adapter for simulation. Pools and Balance still hit the
// real source, so simulated decisions see real market data.
func DryRun(a Adapter) Adapter {
	return &dryRunAdapter{
		inner: a,
		log:   log.New("adapter", a.Name(), "dryrun", true),
	}
}

func (d *dryRunAdapter) Name() string { return d.inner.Name() }

func (d *dryRunAdapter) Pools(ctx context.Context) ([]core.YieldOpportunity, error) {
	return d.inner.Pools(ctx)
}

func (d *dryRunAdapter) Balance(ctx context.Context, poolID string, owner common.Address) (*big.Int, error) {
	return d.inner.Balance(ctx, poolID, owner)
}

func (d *dryRunAdapter) Deposit(ctx context.Context, poolID, token string, amount *big.Int) (common.Hash, error) {
	d.log.Info("Simulated deposit", "pool", poolID, "token", token, "amount", amount)
	return syntheticHash(), nil
}

func (d *dryRunAdapter) Withdraw(ctx context.Context, poolID, token string, amount *big.Int) (common.Hash, error) {
	d.log.Info("Simulated withdraw", "pool", poolID, "token", token, "amount", amount)
	return syntheticHash(), nil
}

func (d *dryRunAdapter) Approve(ctx context.Context, poolID, token string) (common.Hash, error) {
	d.log.Info("Simulated approve", "pool", poolID, "token", token)
	return syntheticHash(), nil
}

func (d *dryRunAdapter) EstimateGas(ctx context.Context, op Op, poolID string) (uint64, error) {
	return DryRunGas(op), nil
}

// syntheticHash returns a random hash standing in for a transaction hash in
// simulated executions.
func syntheticHash() common.Hash {
	var h common.Hash
	if _, err := crand.Read(h[:]); err != nil {
		panic("synthetic hash entropy unavailable: " + err.Error())
	}
	return h
}
