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

package optimizer

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/farmhand-labs/go-farmhand/audit"
	"github.com/farmhand-labs/go-farmhand/core"
	"github.com/farmhand-labs/go-farmhand/oracle"
	"github.com/farmhand-labs/go-farmhand/profit"
	"github.com/farmhand-labs/go-farmhand/protocol"
	"github.com/farmhand-labs/go-farmhand/store"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type stubScanner struct {
	opps []core.YieldOpportunity
	err  error
}

func (s *stubScanner) ScanAll(context.Context) ([]core.YieldOpportunity, error) {
	return s.opps, s.err
}

type stubStrategy struct {
	recs  []core.Recommendation
	err   error
	delay time.Duration
}

func (s *stubStrategy) Name() string { return "stub" }

func (s *stubStrategy) Recommend(ctx context.Context, _ []core.Position, _ []core.YieldOpportunity) ([]core.Recommendation, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.recs, s.err
}

func (s *stubStrategy) AllocateNew(context.Context, decimal.Decimal, string, []core.YieldOpportunity) ([]core.Recommendation, error) {
	return nil, nil
}

type stubExecutor struct {
	mu      sync.Mutex
	gasUSD  decimal.Decimal
	err     error
	execs   []core.Recommendation
}

func (e *stubExecutor) Execute(_ context.Context, rec core.Recommendation) (*core.Execution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	e.execs = append(e.execs, rec)
	return &core.Execution{
		ID:         uuid.NewString(),
		Rec:        rec,
		Success:    true,
		GasUsed:    170_000,
		GasCostUSD: e.gasUSD,
	}, nil
}

func (e *stubExecutor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.execs)
}

// freePricer zeroes gas so the re-check gate passes on APY alone.
type freePricer struct{}

func (freePricer) CostUSD(context.Context, uint64) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func rec(amount string) core.Recommendation {
	return core.Recommendation{
		FromProtocol: "aave",
		FromPoolID:   "a-usdc",
		ToProtocol:   "moonwell",
		ToPoolID:     "m-usdc",
		Token:        "USDC",
		AmountUSD:    dec(amount),
		CurrentAPY:   dec("4"),
		ExpectedAPY:  dec("9"),
	}
}

func repeat(r core.Recommendation, n int) []core.Recommendation {
	out := make([]core.Recommendation, n)
	for i := range out {
		out[i] = r
	}
	return out
}

type fixture struct {
	opt  *Optimizer
	exec *stubExecutor
	st   *store.Memory
	sink *audit.MemorySink
}

func newFixture(t *testing.T, cfg Config, strat *stubStrategy, exec *stubExecutor) *fixture {
	t.Helper()
	st := store.NewMemory()
	sink := audit.NewMemorySink(0)
	calc := profit.NewCalculator(profit.DefaultConfig, freePricer{})
	opt := New(cfg, &stubScanner{}, strat, calc, exec, st, nil, nil, sink, nil)
	return &fixture{opt: opt, exec: exec, st: st, sink: sink}
}

func TestCycleExecutesRecommendation(t *testing.T) {
	strat := &stubStrategy{recs: []core.Recommendation{rec("5000")}}
	exec := &stubExecutor{gasUSD: dec("3")}
	f := newFixture(t, DefaultConfig, strat, exec)

	require.NoError(t, f.opt.cycle(context.Background()))

	assert.Equal(t, 1, exec.count())
	st := f.opt.Status()
	assert.Equal(t, int64(1), st.TotalScans)
	assert.Equal(t, int64(1), st.OpportunitiesFound)
	assert.Equal(t, int64(1), st.OpportunitiesExecuted)
	assert.Equal(t, int64(1), st.TotalRebalances)
	assert.Zero(t, st.OpportunitiesSkipped)
	assert.True(t, st.TotalGasSpentUSD.Equal(dec("3")))

	assert.Len(t, f.sink.ByType(audit.TypeOpportunityFound), 1)

	// The destination position was booked into the store.
	pos, err := f.st.Get("moonwell/m-usdc/USDC")
	require.NoError(t, err)
	assert.True(t, pos.ValueUSD.Equal(dec("5000")))
	assert.True(t, pos.CurrentAPY.Equal(dec("9")))
}

func TestDailyRebalanceCapSkipsRemainder(t *testing.T) {
	// Five recommendations against a cap of two: two execute, three skip.
	cfg := DefaultConfig
	cfg.MaxRebalancesPerDay = 2
	strat := &stubStrategy{recs: repeat(rec("1000"), 5)}
	exec := &stubExecutor{gasUSD: dec("2")}
	f := newFixture(t, cfg, strat, exec)

	require.NoError(t, f.opt.cycle(context.Background()))

	assert.Equal(t, 2, exec.count())
	st := f.opt.Status()
	assert.Equal(t, int64(5), st.OpportunitiesFound)
	assert.Equal(t, int64(2), st.OpportunitiesExecuted)
	assert.Equal(t, int64(3), st.OpportunitiesSkipped)
}

func TestDailyGasBudgetSkipsRemainder(t *testing.T) {
	cfg := DefaultConfig
	cfg.MaxGasPerDayUSD = dec("10")
	strat := &stubStrategy{recs: repeat(rec("1000"), 3)}
	exec := &stubExecutor{gasUSD: dec("6")}
	f := newFixture(t, cfg, strat, exec)

	require.NoError(t, f.opt.cycle(context.Background()))

	// 6 spent after the first, 12 after the second; the third finds the
	// budget exhausted.
	assert.Equal(t, 2, exec.count())
	st := f.opt.Status()
	assert.Equal(t, int64(1), st.OpportunitiesSkipped)
	assert.True(t, st.TotalGasSpentUSD.Equal(dec("12")))
}

func TestUnprofitableRecommendationIsSkipped(t *testing.T) {
	// A 0.01-point improvement on $1000 earns $0.10/yr, under the $10 gate.
	bad := rec("1000")
	bad.CurrentAPY = dec("4.00")
	bad.ExpectedAPY = dec("4.01")
	strat := &stubStrategy{recs: []core.Recommendation{bad}}
	exec := &stubExecutor{}
	f := newFixture(t, DefaultConfig, strat, exec)

	require.NoError(t, f.opt.cycle(context.Background()))

	assert.Zero(t, exec.count())
	assert.Equal(t, int64(1), f.opt.Status().OpportunitiesSkipped)
}

func TestFailedExecutionCountsSkippedAndRecordsError(t *testing.T) {
	strat := &stubStrategy{recs: []core.Recommendation{rec("1000")}}
	exec := &stubExecutor{err: errors.New("nonce too low")}
	f := newFixture(t, DefaultConfig, strat, exec)

	require.NoError(t, f.opt.cycle(context.Background()))

	st := f.opt.Status()
	assert.Zero(t, st.OpportunitiesExecuted)
	assert.Equal(t, int64(1), st.OpportunitiesSkipped)
	require.NotEmpty(t, st.RecentErrors)
	assert.Contains(t, st.RecentErrors[0], "nonce too low")
}

func TestFailedCycleBacksOff(t *testing.T) {
	cfg := DefaultConfig
	strat := &stubStrategy{}
	f := newFixture(t, cfg, strat, &stubExecutor{})
	f.opt.scanner = &stubScanner{err: errors.New("all endpoints failed")}

	quit := make(chan struct{})
	wait := f.opt.runCycle(quit)

	assert.Equal(t, cfg.ErrorBackoff, wait)
	assert.NotEmpty(t, f.opt.Status().RecentErrors)
	events := f.sink.ByType(audit.TypeSchedulerError)
	require.Len(t, events, 1)
	assert.Equal(t, "cycle_error", events[0].Metadata["entry_type"])
}

func TestWatchdogEscalatesLongCycles(t *testing.T) {
	cfg := DefaultConfig
	cfg.WatchdogWarn = 20 * time.Millisecond
	cfg.WatchdogLimit = 40 * time.Millisecond
	strat := &stubStrategy{delay: 2 * time.Second}
	f := newFixture(t, cfg, strat, &stubExecutor{})

	quit := make(chan struct{})
	start := time.Now()
	wait := f.opt.runCycle(quit)

	// The cycle is aborted at the limit rather than left to run out its
	// delay, and the loop schedules the next cycle normally.
	assert.Less(t, time.Since(start), time.Second, "cycle survived the watchdog limit")
	assert.Equal(t, cfg.Interval, wait)

	var sawWatchdog bool
	for _, ev := range f.sink.ByType(audit.TypeSchedulerError) {
		if ev.Metadata["entry_type"] == "watchdog_timeout" {
			sawWatchdog = true
		}
	}
	assert.True(t, sawWatchdog, "watchdog audit event missing")
}

func TestStartStopLifecycle(t *testing.T) {
	strat := &stubStrategy{}
	f := newFixture(t, DefaultConfig, strat, &stubExecutor{})

	assert.ErrorIs(t, f.opt.Stop(), ErrNotRunning)

	f.opt.Start()
	assert.True(t, f.opt.Status().Running)
	f.opt.Start() // idempotent

	require.NoError(t, f.opt.Stop())
	assert.False(t, f.opt.Status().Running)
	assert.ErrorIs(t, f.opt.Stop(), ErrNotRunning)

	assert.Len(t, f.sink.ByType(audit.TypeAgentStarted), 1)
	assert.Len(t, f.sink.ByType(audit.TypeAgentStopped), 1)
}

func TestReconcilerTruesUpPositions(t *testing.T) {
	st := store.NewMemory()
	sink := audit.NewMemorySink(0)

	adapter := protocol.NewStatic("aave")
	adapter.AddPool(core.YieldOpportunity{PoolID: "a-usdc", APY: dec("4"), Tokens: []string{"USDC"}})
	adapter.AddPool(core.YieldOpportunity{PoolID: "a-dai", APY: dec("3"), Tokens: []string{"DAI"}})
	reg := protocol.NewRegistry()
	require.NoError(t, reg.Register(adapter))

	// Drained on chain: must be closed.
	require.NoError(t, st.Upsert(core.Position{
		Protocol: "aave", PoolID: "a-usdc", Token: "USDC",
		AmountRaw: big.NewInt(5_000_000_000), Decimals: 6, ValueUSD: dec("5000"),
	}))
	// Grown on chain (interest accrual): must be upserted at the new value.
	require.NoError(t, st.Upsert(core.Position{
		Protocol: "aave", PoolID: "a-dai", Token: "DAI",
		AmountRaw: new(big.Int).Mul(big.NewInt(1000), big.NewInt(1e18)), Decimals: 18, ValueUSD: dec("1000"),
	}))
	adapter.SetBalance("a-dai", common.Address{}, new(big.Int).Mul(big.NewInt(1010), big.NewInt(1e18)))

	prices := oracle.StaticSource{"USDC": dec("1"), "DAI": dec("1")}
	r := NewReconciler(st, reg, prices, common.Address{}, sink)
	require.NoError(t, r.Reconcile(context.Background()))

	_, err := st.Get("aave/a-usdc/USDC")
	assert.ErrorIs(t, err, store.ErrNotFound)

	dai, err := st.Get("aave/a-dai/DAI")
	require.NoError(t, err)
	assert.True(t, dai.ValueUSD.Equal(dec("1010")), "value %s", dai.ValueUSD)

	assert.Len(t, sink.ByType(audit.TypePositionReconciled), 2)
}

func TestReconcilerSkipsOnReadFailure(t *testing.T) {
	st := store.NewMemory()
	adapter := protocol.NewStatic("aave")
	adapter.AddPool(core.YieldOpportunity{PoolID: "a-usdc", APY: dec("4"), Tokens: []string{"USDC"}})
	adapter.Fail(errors.New("rpc down"))
	reg := protocol.NewRegistry()
	require.NoError(t, reg.Register(adapter))

	require.NoError(t, st.Upsert(core.Position{
		Protocol: "aave", PoolID: "a-usdc", Token: "USDC",
		AmountRaw: big.NewInt(1), Decimals: 6, ValueUSD: dec("5000"),
	}))

	r := NewReconciler(st, reg, oracle.StaticSource{"USDC": dec("1")}, common.Address{}, nil)
	require.NoError(t, r.Reconcile(context.Background()))

	// An RPC failure must never look like an empty balance.
	_, err := st.Get("aave/a-usdc/USDC")
	assert.NoError(t, err)
}
