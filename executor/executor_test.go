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

package executor

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/farmhand-labs/go-farmhand/audit"
	"github.com/farmhand-labs/go-farmhand/core"
	"github.com/farmhand-labs/go-farmhand/limits"
	"github.com/farmhand-labs/go-farmhand/oracle"
	"github.com/farmhand-labs/go-farmhand/protocol"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// harness wires an executor against two static adapters holding USDC pools.
type harness struct {
	exec *Executor
	aave *protocol.StaticAdapter
	moon *protocol.StaticAdapter
	sink *audit.MemorySink
	lim  *limits.Limiter
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	aave := protocol.NewStatic("aave")
	aave.AddPool(core.YieldOpportunity{PoolID: "a-usdc", APY: dec("4"), TVLUSD: dec("200000000"), Tokens: []string{"USDC"}})
	aave.SetBalance("a-usdc", zeroAddr(), usdc(20_000))

	moon := protocol.NewStatic("moonwell")
	moon.AddPool(core.YieldOpportunity{PoolID: "m-usdc", APY: dec("9"), TVLUSD: dec("50000000"), Tokens: []string{"USDC"}})

	reg := protocol.NewRegistry()
	require.NoError(t, reg.Register(aave))
	require.NoError(t, reg.Register(moon))

	sink := audit.NewMemorySink(0)
	// Approval threshold raised to the tx cap so no approver is needed.
	lim, err := limits.New(limits.Config{
		MaxTransactionUSD:    dec("10000"),
		DailyLimitUSD:        dec("50000"),
		ApprovalThresholdUSD: dec("10000"),
	}, nil, sink)
	require.NoError(t, err)

	gas := oracle.StaticGasSource{
		PriceWei:   big.NewInt(1_000_000_000), // 1 gwei
		USDPerUnit: dec("0.0000125"),
	}
	prices := oracle.StaticSource{"USDC": dec("1"), "ETH": dec("4000")}

	return &harness{
		exec: New(cfg, reg, gas, prices, lim, sink),
		aave: aave,
		moon: moon,
		sink: sink,
		lim:  lim,
	}
}

func zeroAddr() common.Address { return common.Address{} }

// usdc returns n dollars in raw 6-decimal units.
func usdc(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000))
}

func moveRec(amountUSD string) core.Recommendation {
	return core.Recommendation{
		FromProtocol: "aave",
		FromPoolID:   "a-usdc",
		ToProtocol:   "moonwell",
		ToPoolID:     "m-usdc",
		Token:        "USDC",
		AmountUSD:    dec(amountUSD),
		CurrentAPY:   dec("4"),
		ExpectedAPY:  dec("9"),
		Reason:       "apy improvement",
	}
}

func TestExecuteFullMove(t *testing.T) {
	h := newHarness(t, Config{})

	exec, err := h.exec.Execute(context.Background(), moveRec("5000"))
	require.NoError(t, err)
	require.True(t, exec.Success)
	assert.NotEmpty(t, exec.ID)

	// Every canonical step is present, in order.
	require.Len(t, exec.Steps, len(core.Steps()))
	for i, step := range core.Steps() {
		assert.Equal(t, step, exec.Steps[i].Step, "step %d", i)
	}

	// Swap slots are skipped for a same-token move; everything else succeeds.
	byStep := map[core.Step]core.StepResult{}
	for _, s := range exec.Steps {
		byStep[s.Step] = s
	}
	assert.Equal(t, core.StepSkipped, byStep[core.StepApproveSwap].Status)
	assert.Equal(t, core.StepSkipped, byStep[core.StepSwap].Status)
	for _, step := range []core.Step{core.StepValidation, core.StepBalanceCheck, core.StepWithdraw,
		core.StepApproveDeposit, core.StepDeposit, core.StepVerification} {
		assert.Equal(t, core.StepSuccess, byStep[step].Status, step.String())
	}

	// Mutating steps carry transaction hashes.
	assert.NotEmpty(t, byStep[core.StepWithdraw].TxHash)
	assert.NotEmpty(t, byStep[core.StepApproveDeposit].TxHash)
	assert.NotEmpty(t, byStep[core.StepDeposit].TxHash)
	assert.Empty(t, byStep[core.StepValidation].TxHash)

	// Gas: 150k withdraw + 50k approve + 120k deposit at 1 gwei.
	assert.Equal(t, uint64(320_000), exec.GasUsed)
	assert.True(t, exec.GasCostETH.Equal(dec("0.00032")), "eth cost %s", exec.GasCostETH)
	assert.True(t, exec.GasCostUSD.Equal(dec("4")), "usd cost %s", exec.GasCostUSD)

	// Funds actually moved in the adapters.
	src, err := h.aave.Balance(context.Background(), "a-usdc", zeroAddr())
	require.NoError(t, err)
	assert.Zero(t, src.Cmp(usdc(15_000)))
	dst, err := h.moon.Balance(context.Background(), "m-usdc", zeroAddr())
	require.NoError(t, err)
	assert.Zero(t, dst.Cmp(usdc(5_000)))

	// The spend was committed against the rolling window.
	assert.True(t, h.lim.SpentLast24h().Equal(dec("5000")))

	// Audit: one executed event, one submission per transaction.
	assert.Len(t, h.sink.ByType(audit.TypeRebalanceExecuted), 1)
	assert.Len(t, h.sink.ByType(audit.TypeTransactionSubmitted), 3)
	assert.Empty(t, h.sink.ByType(audit.TypeRebalanceFailed))
}

func TestExecuteNewCapitalSkipsWithdraw(t *testing.T) {
	h := newHarness(t, Config{})

	rec := core.Recommendation{
		ToProtocol:  "moonwell",
		ToPoolID:    "m-usdc",
		Token:       "USDC",
		AmountUSD:   dec("3000"),
		ExpectedAPY: dec("9"),
		Reason:      "new capital",
	}
	exec, err := h.exec.Execute(context.Background(), rec)
	require.NoError(t, err)
	require.True(t, exec.Success)

	var withdraw *core.StepResult
	for i := range exec.Steps {
		if exec.Steps[i].Step == core.StepWithdraw {
			withdraw = &exec.Steps[i]
		}
	}
	require.NotNil(t, withdraw)
	assert.Equal(t, core.StepSkipped, withdraw.Status)

	// Only approve + deposit gas.
	assert.Equal(t, uint64(170_000), exec.GasUsed)
	assert.Len(t, h.sink.ByType(audit.TypeTransactionSubmitted), 2)
}

func TestExecuteReadOnlyRefuses(t *testing.T) {
	h := newHarness(t, Config{ReadOnly: true})

	exec, err := h.exec.Execute(context.Background(), moveRec("5000"))
	require.ErrorIs(t, err, ErrReadOnly)
	assert.Nil(t, exec)
	assert.Zero(t, h.sink.Len())
}

func TestExecuteStopsAtFailedWithdraw(t *testing.T) {
	h := newHarness(t, Config{})

	// First attempt fits inside the $20k pool balance and succeeds.
	exec, err := h.exec.Execute(context.Background(), moveRec("9000"))
	require.NoError(t, err)
	require.True(t, exec.Success)

	// Drain the source below the next request so withdraw fails mid-pipeline.
	h.aave.SetBalance("a-usdc", zeroAddr(), usdc(100))
	exec, err = h.exec.Execute(context.Background(), moveRec("9000"))
	require.Error(t, err)
	require.NotNil(t, exec)
	assert.False(t, exec.Success)
	assert.ErrorIs(t, err, protocol.ErrInsufficientBalance)

	// The failing step is the last one recorded; nothing after it ran.
	last := exec.LastStep()
	require.NotNil(t, last)
	assert.Equal(t, core.StepWithdraw, last.Step)
	assert.Equal(t, core.StepFailed, last.Status)
	assert.NotEmpty(t, last.Error)
	require.Len(t, exec.Steps, 3) // validation, balance_check, withdraw

	// The failed attempt never committed a spend.
	assert.True(t, h.lim.SpentLast24h().Equal(dec("9000")))

	failures := h.sink.ByType(audit.TypeRebalanceFailed)
	require.Len(t, failures, 1)
	assert.Equal(t, "withdraw", failures[0].Metadata["failed_step"])
}

func TestExecuteEnforcesSpendingLimits(t *testing.T) {
	h := newHarness(t, Config{})

	// Above the default per-transaction cap of $10k.
	exec, err := h.exec.Execute(context.Background(), moveRec("15000"))
	require.Error(t, err)
	require.NotNil(t, exec)
	assert.ErrorIs(t, err, limits.ErrTxLimitExceeded)

	require.Len(t, exec.Steps, 1)
	assert.Equal(t, core.StepValidation, exec.Steps[0].Step)
	assert.Equal(t, core.StepFailed, exec.Steps[0].Status)
	assert.True(t, h.lim.SpentLast24h().IsZero())
}

func TestExecuteRejectsInvalidRecommendations(t *testing.T) {
	h := newHarness(t, Config{})

	rec := moveRec("5000")
	rec.AmountUSD = dec("-1")
	_, err := h.exec.Execute(context.Background(), rec)
	assert.ErrorIs(t, err, ErrInvalidRecommendation)

	rec = moveRec("5000")
	rec.ToProtocol = ""
	_, err = h.exec.Execute(context.Background(), rec)
	assert.ErrorIs(t, err, ErrInvalidRecommendation)

	rec = moveRec("5000")
	rec.Token = "SHIB"
	_, err = h.exec.Execute(context.Background(), rec)
	assert.ErrorIs(t, err, ErrUnknownToken)

	rec = moveRec("5000")
	rec.ToProtocol = "nonexistent"
	_, err = h.exec.Execute(context.Background(), rec)
	assert.ErrorIs(t, err, protocol.ErrUnknownAdapter)
}

func TestExecuteRefusesCrossTokenMove(t *testing.T) {
	h := newHarness(t, Config{})
	h.moon.AddPool(core.YieldOpportunity{PoolID: "m-dai", APY: dec("11"), TVLUSD: dec("30000000"), Tokens: []string{"DAI"}})

	// Moving USDC into a DAI pool would need a swap.
	rec := moveRec("5000")
	rec.ToPoolID = "m-dai"
	exec, err := h.exec.Execute(context.Background(), rec)
	require.ErrorIs(t, err, ErrSwapUnsupported)

	require.NotNil(t, exec)
	require.Len(t, exec.Steps, 1)
	assert.Equal(t, core.StepValidation, exec.Steps[0].Step)
	assert.Equal(t, core.StepFailed, exec.Steps[0].Status)

	// Refused at validation means no funds moved.
	bal, err := h.aave.Balance(context.Background(), "a-usdc", zeroAddr())
	require.NoError(t, err)
	assert.Zero(t, bal.Cmp(usdc(20_000)))
}

func TestExecuteConvertsUSDAtTokenPrice(t *testing.T) {
	h := newHarness(t, Config{})

	exec, err := h.exec.Execute(context.Background(), moveRec("2500"))
	require.NoError(t, err)
	require.True(t, exec.Success)

	// At $1/USDC with 6 decimals, $2500 lands as 2.5e9 raw units.
	dst, err := h.moon.Balance(context.Background(), "m-usdc", zeroAddr())
	require.NoError(t, err)
	assert.Zero(t, dst.Cmp(usdc(2500)))
}

func TestExecuteDryRunFlagIsRecorded(t *testing.T) {
	h := newHarness(t, Config{DryRun: true})

	exec, err := h.exec.Execute(context.Background(), moveRec("1000"))
	require.NoError(t, err)
	assert.True(t, exec.DryRun)

	executed := h.sink.ByType(audit.TypeRebalanceExecuted)
	require.Len(t, executed, 1)
	assert.Equal(t, true, executed[0].Metadata["dry_run"])
}
