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

// Package executor drives one rebalance recommendation through the ordered
// step pipeline: validation, balance check, withdraw, the swap slots,
// approval, deposit, verification. Every step's outcome is appended to the
// execution record before the next step starts, so partial progress is
// always observable. There is no compensating rollback on failure: funds sit
// wherever the chain left them and the next scheduler cycle reconciles from
// the position store.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/farmhand-labs/go-farmhand/audit"
	"github.com/farmhand-labs/go-farmhand/core"
	"github.com/farmhand-labs/go-farmhand/limits"
	"github.com/farmhand-labs/go-farmhand/oracle"
	"github.com/farmhand-labs/go-farmhand/protocol"
)

var (
	// ErrReadOnly is returned when the executor is configured to refuse all
	// mutating work.
	ErrReadOnly = errors.New("executor is read-only")

	// ErrSwapUnsupported is returned for recommendations that would need a
	// token swap. The swap step slots exist in the pipeline, but cross-token
	// routing is not wired yet; such moves are refused at validation rather
	// than half-executed.
	ErrSwapUnsupported = errors.New("cross-token rebalance requires a swap, which is not supported")

	// ErrInvalidRecommendation is returned when a recommendation fails
	// structural validation.
	ErrInvalidRecommendation = errors.New("invalid recommendation")

	// ErrUnknownToken is returned when the token's decimals are not
	// configured.
	ErrUnknownToken = errors.New("no decimals configured for token")
)

var (
	executionMeter = metrics.NewRegisteredMeter("executor/executions", nil)
	successMeter   = metrics.NewRegisteredMeter("executor/success", nil)
	failureMeter   = metrics.NewRegisteredMeter("executor/failures", nil)
	gasUsedCounter = metrics.NewRegisteredCounter("executor/gasused", nil)
	stepTimer      = metrics.NewRegisteredTimer("executor/step", nil)
)

// DefaultTokenDecimals covers the tokens the shipped adapters deal in.
var DefaultTokenDecimals = map[string]uint8{
	"USDC": 6,
	"USDT": 6,
	"DAI":  18,
	"WETH": 18,
	"ETH":  18,
	"WBTC": 8,
}

// Config holds the executor options.
type Config struct {
	ReadOnly      bool
	DryRun        bool // recorded on executions; dry-run routing itself is the adapter wrapper's job
	Owner         common.Address
	TokenDecimals map[string]uint8 // symbol → decimals; nil selects defaults
}

// Executor runs recommendations against the adapter registry.
type Executor struct {
	cfg      Config
	decimals map[string]uint8
	reg      *protocol.Registry
	gas      oracle.GasSource
	prices   oracle.Source
	limiter  *limits.Limiter
	sink     audit.Sink
}

// New creates an executor. limiter and sink may be nil (no caps, no trail) —
// tests only; production wiring always passes both.
func New(cfg Config, reg *protocol.Registry, gas oracle.GasSource, prices oracle.Source, limiter *limits.Limiter, sink audit.Sink) *Executor {
	if sink == nil {
		sink = audit.Nop{}
	}
	dec := cfg.TokenDecimals
	if dec == nil {
		dec = DefaultTokenDecimals
	}
	return &Executor{
		cfg:      cfg,
		decimals: dec,
		reg:      reg,
		gas:      gas,
		prices:   prices,
		limiter:  limiter,
		sink:     sink,
	}
}

// run carries one execution's working state through the pipeline.
type run struct {
	e    *Executor
	ctx  context.Context
	rec  core.Recommendation
	exec *core.Execution

	from protocol.Adapter // nil for new capital
	to   protocol.Adapter

	amountRaw     *big.Int
	balanceBefore *big.Int
}

// Execute drives rec through the pipeline and returns the full execution
// record. The record is returned even on failure so callers can audit the
// partial progress; the error mirrors exec.Error.
func (e *Executor) Execute(ctx context.Context, rec core.Recommendation) (*core.Execution, error) {
	if e.cfg.ReadOnly {
		return nil, ErrReadOnly
	}
	executionMeter.Mark(1)

	r := &run{
		e:   e,
		ctx: ctx,
		rec: rec,
		exec: &core.Execution{
			ID:        uuid.NewString(),
			Rec:       rec,
			DryRun:    e.cfg.DryRun,
			StartedAt: time.Now().UTC(),
		},
	}
	log.Info("Executing rebalance", "id", r.exec.ID, "move", rec.String(), "dryrun", e.cfg.DryRun)

	err := r.pipeline()
	r.finish(err)
	if err != nil {
		return r.exec, err
	}
	return r.exec, nil
}

func (r *run) pipeline() error {
	if err := r.step(core.StepValidation, r.validate); err != nil {
		return err
	}
	if err := r.step(core.StepBalanceCheck, r.balanceCheck); err != nil {
		return err
	}
	if r.rec.IsNewCapital() {
		r.skip(core.StepWithdraw, "new capital, nothing to withdraw")
	} else if err := r.step(core.StepWithdraw, r.withdraw); err != nil {
		return err
	}
	// Cross-token moves were refused at validation, so the swap slots are
	// always recorded as skipped; they keep step sequences comparable once
	// swap routing lands.
	r.skip(core.StepApproveSwap, "same-token move")
	r.skip(core.StepSwap, "same-token move")
	if err := r.step(core.StepApproveDeposit, r.approveDeposit); err != nil {
		return err
	}
	if err := r.step(core.StepDeposit, r.deposit); err != nil {
		return err
	}
	return r.step(core.StepVerification, r.verify)
}

// stepOutcome is what a pipeline stage reports upward.
type stepOutcome struct {
	txHash  common.Hash
	gasUsed uint64
}

// step runs one stage and appends its result before anything else happens.
func (r *run) step(s core.Step, fn func() (stepOutcome, error)) error {
	start := time.Now()
	out, err := fn()
	stepTimer.UpdateSince(start)

	res := core.StepResult{
		Step:       s,
		Status:     core.StepSuccess,
		GasUsed:    out.gasUsed,
		StartedAt:  start.UTC(),
		FinishedAt: time.Now().UTC(),
	}
	if out.txHash != (common.Hash{}) {
		res.TxHash = out.txHash.Hex()
	}
	if err != nil {
		res.Status = core.StepFailed
		res.Error = err.Error()
		r.exec.Steps = append(r.exec.Steps, res)
		log.Error("Rebalance step failed", "id", r.exec.ID, "step", s, "err", err)
		return fmt.Errorf("step %s: %w", s, err)
	}
	r.exec.Steps = append(r.exec.Steps, res)
	log.Debug("Rebalance step complete", "id", r.exec.ID, "step", s, "gas", out.gasUsed)

	if res.TxHash != "" {
		r.e.sink.Log(audit.NewEvent(audit.TypeTransactionSubmitted, audit.SeverityInfo,
			fmt.Sprintf("submitted %s transaction", s), map[string]any{
				"execution_id": r.exec.ID,
				"step":         s.String(),
				"tx_hash":      res.TxHash,
				"dry_run":      r.exec.DryRun,
			}))
	}
	return nil
}

func (r *run) skip(s core.Step, reason string) {
	now := time.Now().UTC()
	r.exec.Steps = append(r.exec.Steps, core.StepResult{
		Step:       s,
		Status:     core.StepSkipped,
		Error:      "",
		StartedAt:  now,
		FinishedAt: now,
	})
	log.Trace("Rebalance step skipped", "id", r.exec.ID, "step", s, "reason", reason)
}

func (r *run) validate() (stepOutcome, error) {
	rec := r.rec
	if !rec.AmountUSD.IsPositive() {
		return stepOutcome{}, fmt.Errorf("%w: amount %s is not positive", ErrInvalidRecommendation, rec.AmountUSD)
	}
	if rec.ToProtocol == "" || rec.ToPoolID == "" {
		return stepOutcome{}, fmt.Errorf("%w: destination not set", ErrInvalidRecommendation)
	}
	if rec.Token == "" {
		return stepOutcome{}, fmt.Errorf("%w: token not set", ErrInvalidRecommendation)
	}
	if _, ok := r.e.decimals[rec.Token]; !ok {
		return stepOutcome{}, fmt.Errorf("%w: %s", ErrUnknownToken, rec.Token)
	}

	var err error
	if r.to, err = r.e.reg.Get(rec.ToProtocol); err != nil {
		return stepOutcome{}, err
	}
	if !rec.IsNewCapital() {
		if r.from, err = r.e.reg.Get(rec.FromProtocol); err != nil {
			return stepOutcome{}, err
		}
	}

	// A destination pool that does not deal in the recommendation's token
	// could only be reached through a swap; refuse before any funds move.
	pools, err := r.to.Pools(r.ctx)
	if err != nil {
		return stepOutcome{}, fmt.Errorf("listing %s pools: %w", rec.ToProtocol, err)
	}
	for i := range pools {
		if pools[i].PoolID != rec.ToPoolID {
			continue
		}
		if len(pools[i].Tokens) > 0 && !pools[i].HasToken(rec.Token) {
			return stepOutcome{}, fmt.Errorf("%w: pool %s does not hold %s",
				ErrSwapUnsupported, rec.ToPoolID, rec.Token)
		}
		break
	}

	if r.amountRaw, err = r.usdToRaw(rec.AmountUSD, rec.Token); err != nil {
		return stepOutcome{}, err
	}
	if r.amountRaw.Sign() <= 0 {
		return stepOutcome{}, fmt.Errorf("%w: amount rounds to zero raw units", ErrInvalidRecommendation)
	}

	if r.e.limiter != nil {
		if err := r.e.limiter.Authorize(rec.AmountUSD, rec.Reason); err != nil {
			return stepOutcome{}, err
		}
	}
	return stepOutcome{}, nil
}

func (r *run) balanceCheck() (stepOutcome, error) {
	bal, err := r.to.Balance(r.ctx, r.rec.ToPoolID, r.e.cfg.Owner)
	if err != nil {
		return stepOutcome{}, fmt.Errorf("reading destination balance: %w", err)
	}
	r.balanceBefore = bal
	log.Debug("Destination balance recorded", "id", r.exec.ID, "pool", r.rec.ToPoolID, "balance", bal)
	return stepOutcome{}, nil
}

func (r *run) withdraw() (stepOutcome, error) {
	gas, err := r.from.EstimateGas(r.ctx, protocol.OpWithdraw, r.rec.FromPoolID)
	if err != nil {
		return stepOutcome{}, fmt.Errorf("estimating withdraw gas: %w", err)
	}
	hash, err := r.from.Withdraw(r.ctx, r.rec.FromPoolID, r.rec.Token, r.amountRaw)
	if err != nil {
		return stepOutcome{}, fmt.Errorf("withdraw from %s: %w", r.rec.FromProtocol, err)
	}
	return stepOutcome{txHash: hash, gasUsed: gas}, nil
}

func (r *run) approveDeposit() (stepOutcome, error) {
	gas, err := r.to.EstimateGas(r.ctx, protocol.OpApprove, r.rec.ToPoolID)
	if err != nil {
		return stepOutcome{}, fmt.Errorf("estimating approve gas: %w", err)
	}
	hash, err := r.to.Approve(r.ctx, r.rec.ToPoolID, r.rec.Token)
	if err != nil {
		return stepOutcome{}, fmt.Errorf("approve for %s: %w", r.rec.ToProtocol, err)
	}
	return stepOutcome{txHash: hash, gasUsed: gas}, nil
}

func (r *run) deposit() (stepOutcome, error) {
	gas, err := r.to.EstimateGas(r.ctx, protocol.OpDeposit, r.rec.ToPoolID)
	if err != nil {
		return stepOutcome{}, fmt.Errorf("estimating deposit gas: %w", err)
	}
	hash, err := r.to.Deposit(r.ctx, r.rec.ToPoolID, r.rec.Token, r.amountRaw)
	if err != nil {
		return stepOutcome{}, fmt.Errorf("deposit to %s: %w", r.rec.ToProtocol, err)
	}
	return stepOutcome{txHash: hash, gasUsed: gas}, nil
}

// verify re-reads the destination balance and warns on any shortfall. A
// discrepancy is logged, never raised: receipts may simply not have settled
// into the adapter's view yet, and reconciliation runs next cycle anyway.
func (r *run) verify() (stepOutcome, error) {
	after, err := r.to.Balance(r.ctx, r.rec.ToPoolID, r.e.cfg.Owner)
	if err != nil {
		log.Warn("Verification balance read failed", "id", r.exec.ID, "err", err)
		return stepOutcome{}, nil
	}
	want := new(big.Int).Add(r.balanceBefore, r.amountRaw)
	if after.Cmp(want) < 0 {
		log.Warn("Post-deposit balance below expectation", "id", r.exec.ID,
			"expected", want, "actual", after)
	}
	return stepOutcome{}, nil
}

// finish seals the execution record, prices the gas and emits the audit
// event.
func (r *run) finish(pipelineErr error) {
	exec := r.exec
	exec.FinishedAt = time.Now().UTC()
	exec.GasUsed = exec.StepTotalGas()
	exec.Success = pipelineErr == nil
	if pipelineErr != nil {
		exec.Error = pipelineErr.Error()
	}
	gasUsedCounter.Inc(int64(exec.GasUsed))

	if exec.GasUsed > 0 {
		if price, err := r.e.gas.GasPrice(r.ctx); err == nil {
			wei := new(big.Int).Mul(price, new(big.Int).SetUint64(exec.GasUsed))
			exec.GasCostETH = core.WeiToEther(wei)
		} else {
			log.Warn("Gas price unavailable for cost accounting", "id", exec.ID, "err", err)
		}
		if usd, err := r.e.gas.CostUSD(r.ctx, exec.GasUsed); err == nil {
			exec.GasCostUSD = usd
		} else {
			log.Warn("Gas cost conversion failed", "id", exec.ID, "err", err)
		}
	}

	if exec.Success {
		successMeter.Mark(1)
		if r.e.limiter != nil {
			r.e.limiter.Record(r.rec.AmountUSD)
		}
		log.Info("Rebalance executed", "id", exec.ID, "gas", exec.GasUsed,
			"cost_usd", exec.GasCostUSD.StringFixed(2), "elapsed", exec.Duration())
		r.e.sink.Log(audit.NewEvent(audit.TypeRebalanceExecuted, audit.SeverityInfo,
			fmt.Sprintf("rebalance executed: %s", r.rec.String()), executionMetadata(exec)))
		return
	}

	failureMeter.Mark(1)
	meta := executionMetadata(exec)
	if last := exec.LastStep(); last != nil {
		meta["failed_step"] = last.Step.String()
	}
	meta["error"] = exec.Error
	r.e.sink.Log(audit.NewEvent(audit.TypeRebalanceFailed, audit.SeverityError,
		fmt.Sprintf("rebalance failed: %s", r.rec.String()), meta))
}

func executionMetadata(exec *core.Execution) map[string]any {
	return map[string]any{
		"execution_id":  exec.ID,
		"from_protocol": exec.Rec.FromProtocol,
		"to_protocol":   exec.Rec.ToProtocol,
		"token":         exec.Rec.Token,
		"amount_usd":    exec.Rec.AmountUSD.String(),
		"gas_used":      exec.GasUsed,
		"gas_cost_usd":  exec.GasCostUSD.String(),
		"dry_run":       exec.DryRun,
		"steps":         len(exec.Steps),
	}
}

// usdToRaw converts a USD amount into raw token units at the current price.
func (r *run) usdToRaw(amountUSD decimal.Decimal, token string) (*big.Int, error) {
	price, err := r.e.prices.Price(r.ctx, token)
	if err != nil {
		return nil, fmt.Errorf("pricing %s: %w", token, err)
	}
	decimals := r.e.decimals[token]
	return core.ToRaw(amountUSD.Div(price), decimals), nil
}
