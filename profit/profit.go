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

// Package profit is the hard financial gate in front of every candidate
// move. A move passes only if all four gates hold: the APY actually
// improves, the first-year net gain clears the floor, the costs pay back
// fast enough, and the costs stay a small fraction of the position. A
// rejection is a value, not an error; the reasons travel with the result
// into the audit trail.
package profit

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/shopspring/decimal"
)

var (
	evaluatedMeter = metrics.NewRegisteredMeter("profit/evaluated", nil)
	passedMeter    = metrics.NewRegisteredMeter("profit/passed", nil)
	rejectedMeter  = metrics.NewRegisteredMeter("profit/rejected", nil)
)

// BreakEvenNever is the break-even sentinel for moves that never pay back
// (zero or negative annual gain).
const BreakEvenNever = int64(math.MaxInt64)

var (
	daysPerYear = decimal.NewFromInt(365)
	hundred     = decimal.NewFromInt(100)
	tenThousand = decimal.NewFromInt(10_000)
)

// GasPricer converts a gas budget into USD at current prices. The chain gas
// source in the oracle package implements it.
type GasPricer interface {
	CostUSD(ctx context.Context, gasUnits uint64) (decimal.Decimal, error)
}

// StepGas carries the per-step gas estimates a move would burn. Callers with
// live adapters pass measured estimates; DefaultStepGas matches the dry-run
// figures.
type StepGas struct {
	Withdraw uint64
	Approve  uint64
	Swap     uint64
	Deposit  uint64
}

// DefaultStepGas mirrors the dry-run per-operation estimates.
var DefaultStepGas = StepGas{
	Withdraw: 150_000,
	Approve:  50_000,
	Swap:     200_000,
	Deposit:  120_000,
}

// Config holds the gate thresholds.
type Config struct {
	MinAnnualGainUSD decimal.Decimal // gate 2: first-year net gain floor
	MaxBreakEvenDays int64           // gate 3: payback ceiling in days
	MaxCostPct       decimal.Decimal // gate 4: total cost / position size ceiling (0.01 = 1%)
	SlippageBps      int64           // swap slippage assumption in basis points
}

// DefaultConfig contains the default gate thresholds.
var DefaultConfig = Config{
	MinAnnualGainUSD: decimal.NewFromInt(10),
	MaxBreakEvenDays: 30,
	MaxCostPct:       decimal.NewFromFloat(0.01),
	SlippageBps:      50,
}

// sanitize checks the provided configuration and changes anything
// unreasonable.
func (cfg Config) sanitize() Config {
	conf := cfg
	if !conf.MinAnnualGainUSD.IsPositive() {
		log.Warn("Sanitizing invalid minimum annual gain", "provided", conf.MinAnnualGainUSD, "updated", DefaultConfig.MinAnnualGainUSD)
		conf.MinAnnualGainUSD = DefaultConfig.MinAnnualGainUSD
	}
	if conf.MaxBreakEvenDays < 1 {
		log.Warn("Sanitizing invalid break-even ceiling", "provided", conf.MaxBreakEvenDays, "updated", DefaultConfig.MaxBreakEvenDays)
		conf.MaxBreakEvenDays = DefaultConfig.MaxBreakEvenDays
	}
	if !conf.MaxCostPct.IsPositive() {
		log.Warn("Sanitizing invalid cost ceiling", "provided", conf.MaxCostPct, "updated", DefaultConfig.MaxCostPct)
		conf.MaxCostPct = DefaultConfig.MaxCostPct
	}
	if conf.SlippageBps < 0 {
		log.Warn("Sanitizing negative slippage", "provided", conf.SlippageBps, "updated", DefaultConfig.SlippageBps)
		conf.SlippageBps = DefaultConfig.SlippageBps
	}
	return conf
}

// Move describes a candidate rebalance for evaluation. All USD figures are
// position-denominated; SwapAmountUSD is zero when RequiresSwap is false.
type Move struct {
	CurrentAPY      decimal.Decimal
	TargetAPY       decimal.Decimal
	PositionSizeUSD decimal.Decimal
	RequiresSwap    bool
	SwapAmountUSD   decimal.Decimal
	ProtocolFeePct  decimal.Decimal
	Gas             StepGas // zero value selects DefaultStepGas
}

// Costs is the itemized one-time cost of a move. TotalCost is always the sum
// of the six components; newCosts is the only constructor.
type Costs struct {
	GasWithdraw  decimal.Decimal `json:"gas_withdraw"`
	GasApprove   decimal.Decimal `json:"gas_approve"`
	GasSwap      decimal.Decimal `json:"gas_swap"`
	GasDeposit   decimal.Decimal `json:"gas_deposit"`
	Slippage     decimal.Decimal `json:"slippage"`
	ProtocolFees decimal.Decimal `json:"protocol_fees"`
	TotalCost    decimal.Decimal `json:"total_cost"`
}

func newCosts(gasWithdraw, gasApprove, gasSwap, gasDeposit, slippage, fees decimal.Decimal) Costs {
	return Costs{
		GasWithdraw:  gasWithdraw,
		GasApprove:   gasApprove,
		GasSwap:      gasSwap,
		GasDeposit:   gasDeposit,
		Slippage:     slippage,
		ProtocolFees: fees,
		TotalCost: gasWithdraw.Add(gasApprove).Add(gasSwap).
			Add(gasDeposit).Add(slippage).Add(fees),
	}
}

// Profitability is the full verdict on one move. Profitable is true exactly
// when RejectionReasons is empty.
type Profitability struct {
	APYImprovement   decimal.Decimal `json:"apy_improvement"`
	PositionSizeUSD  decimal.Decimal `json:"position_size_usd"`
	AnnualGainUSD    decimal.Decimal `json:"annual_gain_usd"`
	Costs            Costs           `json:"costs"`
	NetGainFirstYear decimal.Decimal `json:"net_gain_first_year"`
	BreakEvenDays    int64           `json:"break_even_days"` // BreakEvenNever when the move never pays back
	ROIOnCosts       decimal.Decimal `json:"roi_on_costs"`    // zero when costs are zero; Breakdown renders it unbounded
	Profitable       bool            `json:"is_profitable"`
	RejectionReasons []string        `json:"rejection_reasons,omitempty"`
}

// Breakdown renders the itemized verdict for the audit trail and human
// review.
func (p *Profitability) Breakdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "APY improvement:     %s%%\n", p.APYImprovement.StringFixed(2))
	fmt.Fprintf(&b, "Position size:       $%s\n", p.PositionSizeUSD.StringFixed(2))
	fmt.Fprintf(&b, "Annual gain:         $%s\n", p.AnnualGainUSD.StringFixed(2))
	fmt.Fprintf(&b, "Costs:\n")
	fmt.Fprintf(&b, "  gas withdraw:      $%s\n", p.Costs.GasWithdraw.StringFixed(4))
	fmt.Fprintf(&b, "  gas approve:       $%s\n", p.Costs.GasApprove.StringFixed(4))
	fmt.Fprintf(&b, "  gas swap:          $%s\n", p.Costs.GasSwap.StringFixed(4))
	fmt.Fprintf(&b, "  gas deposit:       $%s\n", p.Costs.GasDeposit.StringFixed(4))
	fmt.Fprintf(&b, "  slippage:          $%s\n", p.Costs.Slippage.StringFixed(4))
	fmt.Fprintf(&b, "  protocol fees:     $%s\n", p.Costs.ProtocolFees.StringFixed(4))
	fmt.Fprintf(&b, "  total:             $%s\n", p.Costs.TotalCost.StringFixed(4))
	fmt.Fprintf(&b, "Net gain first year: $%s\n", p.NetGainFirstYear.StringFixed(2))
	if p.BreakEvenDays == BreakEvenNever {
		fmt.Fprintf(&b, "Break-even:          never\n")
	} else {
		fmt.Fprintf(&b, "Break-even:          %d days\n", p.BreakEvenDays)
	}
	if p.Costs.TotalCost.IsZero() {
		fmt.Fprintf(&b, "ROI on costs:        unbounded\n")
	} else {
		fmt.Fprintf(&b, "ROI on costs:        %s%%\n", p.ROIOnCosts.StringFixed(1))
	}
	if p.Profitable {
		fmt.Fprintf(&b, "Verdict:             profitable")
	} else {
		fmt.Fprintf(&b, "Verdict:             rejected (%s)", strings.Join(p.RejectionReasons, "; "))
	}
	return b.String()
}

// Calculator evaluates candidate moves against the configured gates.
type Calculator struct {
	cfg Config
	gas GasPricer
}

// NewCalculator creates a calculator pricing gas through the given pricer.
func NewCalculator(cfg Config, gas GasPricer) *Calculator {
	return &Calculator{cfg: cfg.sanitize(), gas: gas}
}

// Evaluate prices the move and applies the four gates. The returned verdict
// is complete even when rejected, so callers can log the full cost table.
func (c *Calculator) Evaluate(ctx context.Context, move Move) (*Profitability, error) {
	evaluatedMeter.Mark(1)

	gas := move.Gas
	if gas == (StepGas{}) {
		gas = DefaultStepGas
	}

	gasWithdraw, err := c.gas.CostUSD(ctx, gas.Withdraw)
	if err != nil {
		return nil, fmt.Errorf("pricing withdraw gas: %w", err)
	}
	gasDeposit, err := c.gas.CostUSD(ctx, gas.Deposit)
	if err != nil {
		return nil, fmt.Errorf("pricing deposit gas: %w", err)
	}
	gasApprove, gasSwap, slippage := decimal.Zero, decimal.Zero, decimal.Zero
	if move.RequiresSwap {
		if gasApprove, err = c.gas.CostUSD(ctx, gas.Approve); err != nil {
			return nil, fmt.Errorf("pricing approve gas: %w", err)
		}
		if gasSwap, err = c.gas.CostUSD(ctx, gas.Swap); err != nil {
			return nil, fmt.Errorf("pricing swap gas: %w", err)
		}
		slippage = move.SwapAmountUSD.Mul(decimal.NewFromInt(c.cfg.SlippageBps)).Div(tenThousand)
	}
	fees := move.PositionSizeUSD.Mul(move.ProtocolFeePct).Div(hundred)
	costs := newCosts(gasWithdraw, gasApprove, gasSwap, gasDeposit, slippage, fees)

	improvement := move.TargetAPY.Sub(move.CurrentAPY)
	annualGain := move.PositionSizeUSD.Mul(improvement).Div(hundred)
	netGain := annualGain.Sub(costs.TotalCost)

	breakEven := BreakEvenNever
	if annualGain.IsPositive() {
		breakEven = costs.TotalCost.Div(annualGain).Mul(daysPerYear).Ceil().IntPart()
	}
	roi := decimal.Zero
	if costs.TotalCost.IsPositive() {
		roi = netGain.Div(costs.TotalCost).Mul(hundred)
	}

	p := &Profitability{
		APYImprovement:   improvement,
		PositionSizeUSD:  move.PositionSizeUSD,
		AnnualGainUSD:    annualGain,
		Costs:            costs,
		NetGainFirstYear: netGain,
		BreakEvenDays:    breakEven,
		ROIOnCosts:       roi,
	}
	c.applyGates(p)

	if p.Profitable {
		passedMeter.Mark(1)
	} else {
		rejectedMeter.Mark(1)
		log.Debug("Move rejected by profitability gates", "reasons", strings.Join(p.RejectionReasons, "; "))
	}
	return p, nil
}

// applyGates fills RejectionReasons and the Profitable flag. Every failing
// gate appends its own reason; the gates are independent so operators see
// everything wrong with a move at once.
func (c *Calculator) applyGates(p *Profitability) {
	if !p.APYImprovement.IsPositive() {
		p.RejectionReasons = append(p.RejectionReasons,
			fmt.Sprintf("APY improvement %s%% is not positive", p.APYImprovement.StringFixed(2)))
	}
	if p.NetGainFirstYear.LessThan(c.cfg.MinAnnualGainUSD) {
		p.RejectionReasons = append(p.RejectionReasons,
			fmt.Sprintf("Net first-year gain $%s < minimum $%s",
				p.NetGainFirstYear.StringFixed(2), c.cfg.MinAnnualGainUSD.StringFixed(2)))
	}
	if p.BreakEvenDays > c.cfg.MaxBreakEvenDays {
		if p.BreakEvenDays == BreakEvenNever {
			p.RejectionReasons = append(p.RejectionReasons,
				fmt.Sprintf("Break-even never reached with annual gain $%s", p.AnnualGainUSD.StringFixed(2)))
		} else {
			p.RejectionReasons = append(p.RejectionReasons,
				fmt.Sprintf("Break-even %d days > maximum %d days", p.BreakEvenDays, c.cfg.MaxBreakEvenDays))
		}
	}
	if p.PositionSizeUSD.IsPositive() {
		costRatio := p.Costs.TotalCost.Div(p.PositionSizeUSD)
		if costRatio.GreaterThan(c.cfg.MaxCostPct) {
			p.RejectionReasons = append(p.RejectionReasons,
				fmt.Sprintf("Costs are %s%% of position > maximum %s%%",
					costRatio.Mul(hundred).StringFixed(2), c.cfg.MaxCostPct.Mul(hundred).StringFixed(2)))
		}
	} else {
		p.RejectionReasons = append(p.RejectionReasons, "Position size is not positive")
	}
	p.Profitable = len(p.RejectionReasons) == 0
}
