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

package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Step identifies one stage of a rebalance execution. Steps always run in the
// order defined here; stages that do not apply to a given move are recorded
// as skipped rather than omitted, so step sequences compare stably across
// executions.
type Step int

const (
	StepValidation Step = iota
	StepBalanceCheck
	StepWithdraw
	StepApproveSwap
	StepSwap
	StepApproveDeposit
	StepDeposit
	StepVerification
)

// Steps returns the canonical execution order.
func Steps() []Step {
	return []Step{
		StepValidation,
		StepBalanceCheck,
		StepWithdraw,
		StepApproveSwap,
		StepSwap,
		StepApproveDeposit,
		StepDeposit,
		StepVerification,
	}
}

func (s Step) String() string {
	switch s {
	case StepValidation:
		return "validation"
	case StepBalanceCheck:
		return "balance_check"
	case StepWithdraw:
		return "withdraw"
	case StepApproveSwap:
		return "approve_swap"
	case StepSwap:
		return "swap"
	case StepApproveDeposit:
		return "approve_deposit"
	case StepDeposit:
		return "deposit"
	case StepVerification:
		return "verification"
	default:
		return "unknown"
	}
}

// StepStatus is the terminal state of a single step.
type StepStatus string

const (
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// StepResult records the outcome of one executed (or skipped) step. Error
// holds the failure text rather than an error value so results serialize
// cleanly into the audit trail.
type StepResult struct {
	Step       Step       `json:"step"`
	Status     StepStatus `json:"status"`
	TxHash     string     `json:"tx_hash,omitempty"`
	GasUsed    uint64     `json:"gas_used,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
}

// MarshalJSON-friendly step name.
func (r StepResult) StepName() string { return r.Step.String() }

// Execution is the full record of one rebalance attempt. Steps holds every
// step reached, in order, including the failing one; steps after a failure
// are absent, not skipped. GasUsed aggregates the per-step figures and the
// cost fields are derived from it once at completion.
type Execution struct {
	ID         string          `json:"id"`
	Rec        Recommendation  `json:"recommendation"`
	Steps      []StepResult    `json:"steps"`
	Success    bool            `json:"success"`
	DryRun     bool            `json:"dry_run"`
	GasUsed    uint64          `json:"gas_used"`
	GasCostETH decimal.Decimal `json:"gas_cost_eth"`
	GasCostUSD decimal.Decimal `json:"gas_cost_usd"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

// StepTotalGas sums gas over all recorded steps. Execution.GasUsed is set
// from this at completion; the method exists so audits can re-derive it.
func (e *Execution) StepTotalGas() uint64 {
	var total uint64
	for _, s := range e.Steps {
		total += s.GasUsed
	}
	return total
}

// LastStep returns the most recently recorded step result, or nil if the
// execution never started.
func (e *Execution) LastStep() *StepResult {
	if len(e.Steps) == 0 {
		return nil
	}
	return &e.Steps[len(e.Steps)-1]
}

// Duration returns the wall time of the attempt.
func (e *Execution) Duration() time.Duration {
	return e.FinishedAt.Sub(e.StartedAt)
}
