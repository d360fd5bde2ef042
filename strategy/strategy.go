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

// Package strategy turns positions and scan results into rebalance
// recommendations. Two strategies share one contract: SimpleYield chases the
// single best APY, RiskAdjusted runs every candidate through the risk
// assessor and diversifies new capital. Both apply the profitability gates
// before emitting anything, so a recommendation reaching the executor has
// already been priced.
package strategy

import (
	"context"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/log"
	"github.com/shopspring/decimal"

	"github.com/farmhand-labs/go-farmhand/core"
	"github.com/farmhand-labs/go-farmhand/profit"
	"github.com/farmhand-labs/go-farmhand/risk"
)

// Strategy is the recommendation contract. Recommend proposes moves for
// existing positions; AllocateNew places fresh capital. Both consume a scan
// result sorted APY-descending and emit single-use recommendations.
type Strategy interface {
	Name() string
	Recommend(ctx context.Context, positions []core.Position, opps []core.YieldOpportunity) ([]core.Recommendation, error)
	AllocateNew(ctx context.Context, amountUSD decimal.Decimal, token string, opps []core.YieldOpportunity) ([]core.Recommendation, error)
}

// Config holds the thresholds shared by both strategies.
type Config struct {
	MinAPYImprovement   decimal.Decimal // percentage points a move must gain
	MinRebalanceUSD     decimal.Decimal // positions below this are left alone
	Whitelist           []string        // allowed target protocols; empty = all
	TopN                int             // protocols RiskAdjusted spreads new capital over
	MaxConcentrationPct decimal.Decimal // per-protocol share cap for new capital
	AllowHighRisk       bool            // permit HIGH (never CRITICAL) assessments
}

// DefaultConfig contains the default strategy thresholds.
var DefaultConfig = Config{
	MinAPYImprovement:   decimal.NewFromFloat(0.5),
	MinRebalanceUSD:     decimal.NewFromInt(100),
	TopN:                3,
	MaxConcentrationPct: decimal.NewFromInt(40),
}

// sanitize checks the provided configuration and changes anything
// unreasonable.
func (cfg Config) sanitize() Config {
	conf := cfg
	if !conf.MinAPYImprovement.IsPositive() {
		log.Warn("Sanitizing invalid APY improvement threshold", "provided", conf.MinAPYImprovement, "updated", DefaultConfig.MinAPYImprovement)
		conf.MinAPYImprovement = DefaultConfig.MinAPYImprovement
	}
	if !conf.MinRebalanceUSD.IsPositive() {
		log.Warn("Sanitizing invalid rebalance floor", "provided", conf.MinRebalanceUSD, "updated", DefaultConfig.MinRebalanceUSD)
		conf.MinRebalanceUSD = DefaultConfig.MinRebalanceUSD
	}
	if conf.TopN < 1 {
		log.Warn("Sanitizing invalid top-N", "provided", conf.TopN, "updated", DefaultConfig.TopN)
		conf.TopN = DefaultConfig.TopN
	}
	if !conf.MaxConcentrationPct.IsPositive() || conf.MaxConcentrationPct.GreaterThan(decimal.NewFromInt(100)) {
		log.Warn("Sanitizing invalid concentration cap", "provided", conf.MaxConcentrationPct, "updated", DefaultConfig.MaxConcentrationPct)
		conf.MaxConcentrationPct = DefaultConfig.MaxConcentrationPct
	}
	return conf
}

// whitelist builds the allowed-protocol set; an empty config admits all.
func (cfg Config) whitelist() mapset.Set[string] {
	set := mapset.NewSet[string]()
	for _, p := range cfg.Whitelist {
		set.Add(p)
	}
	return set
}

func allowed(set mapset.Set[string], protocol string) bool {
	return set.Cardinality() == 0 || set.Contains(protocol)
}

// bestTarget picks the highest-APY opportunity for token outside the current
// protocol. opps must be sorted APY-descending, so the first match wins.
func bestTarget(opps []core.YieldOpportunity, set mapset.Set[string], token, exclude string) *core.YieldOpportunity {
	for i := range opps {
		o := &opps[i]
		if o.Protocol == exclude || !allowed(set, o.Protocol) || !o.HasToken(token) {
			continue
		}
		return o
	}
	return nil
}

// ShouldRebalance is the quick pre-gate: a move must clear the improvement
// and size thresholds, and the first-year gain must at least cover the gas.
func ShouldRebalance(cfg Config, currentAPY, targetAPY, gasCostUSD, amountUSD decimal.Decimal) bool {
	cfg = cfg.sanitize()
	improvement := targetAPY.Sub(currentAPY)
	if improvement.LessThan(cfg.MinAPYImprovement) {
		return false
	}
	if amountUSD.LessThan(cfg.MinRebalanceUSD) {
		return false
	}
	gain := amountUSD.Mul(improvement).Div(decimal.NewFromInt(100))
	return !gain.LessThan(gasCostUSD)
}

// confidence scores a passing move. base is the strategy's floor (40-60);
// the bonuses add at most 30.
func confidence(base int, p *profit.Profitability, lowRisk bool) int {
	c := base
	if p.NetGainFirstYear.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		c += 10
	}
	if p.BreakEvenDays <= 7 {
		c += 10
	}
	if lowRisk {
		c += 10
	}
	if c > 100 {
		c = 100
	}
	return c
}

// SimpleYield is the aggressive strategy: every position moves to the single
// best protocol by APY, and new capital goes all-in on the top one.
type SimpleYield struct {
	cfg  Config
	set  mapset.Set[string]
	calc *profit.Calculator
}

func NewSimpleYield(cfg Config, calc *profit.Calculator) *SimpleYield {
	cfg = cfg.sanitize()
	return &SimpleYield{cfg: cfg, set: cfg.whitelist(), calc: calc}
}

func (s *SimpleYield) Name() string { return "simple_yield" }

func (s *SimpleYield) Recommend(ctx context.Context, positions []core.Position, opps []core.YieldOpportunity) ([]core.Recommendation, error) {
	var recs []core.Recommendation
	for i := range positions {
		pos := &positions[i]
		if pos.ValueUSD.LessThan(s.cfg.MinRebalanceUSD) {
			continue
		}
		target := bestTarget(opps, s.set, pos.Token, pos.Protocol)
		if target == nil {
			continue
		}
		improvement := target.APY.Sub(pos.CurrentAPY)
		if improvement.LessThan(s.cfg.MinAPYImprovement) {
			continue
		}

		verdict, err := s.calc.Evaluate(ctx, profit.Move{
			CurrentAPY:      pos.CurrentAPY,
			TargetAPY:       target.APY,
			PositionSizeUSD: pos.ValueUSD,
		})
		if err != nil {
			return nil, fmt.Errorf("pricing move %s -> %s: %w", pos.Protocol, target.Protocol, err)
		}
		if !verdict.Profitable {
			log.Debug("Candidate move unprofitable", "from", pos.Protocol, "to", target.Protocol,
				"reasons", verdict.RejectionReasons)
			continue
		}

		recs = append(recs, core.Recommendation{
			FromProtocol: pos.Protocol,
			FromPoolID:   pos.PoolID,
			ToProtocol:   target.Protocol,
			ToPoolID:     target.PoolID,
			Token:        pos.Token,
			AmountUSD:    pos.ValueUSD,
			CurrentAPY:   pos.CurrentAPY,
			ExpectedAPY:  target.APY,
			Reason: fmt.Sprintf("%s offers %s%% vs current %s%%",
				target.Protocol, target.APY.StringFixed(2), pos.CurrentAPY.StringFixed(2)),
			Confidence: confidence(60, verdict, false),
		})
	}
	return recs, nil
}

// AllocateNew places the full amount into the single best opportunity.
func (s *SimpleYield) AllocateNew(ctx context.Context, amountUSD decimal.Decimal, token string, opps []core.YieldOpportunity) ([]core.Recommendation, error) {
	if amountUSD.LessThan(s.cfg.MinRebalanceUSD) {
		return nil, nil
	}
	target := bestTarget(opps, s.set, token, "")
	if target == nil {
		return nil, nil
	}
	return []core.Recommendation{{
		ToProtocol:  target.Protocol,
		ToPoolID:    target.PoolID,
		Token:       token,
		AmountUSD:   amountUSD,
		ExpectedAPY: target.APY,
		Reason:      fmt.Sprintf("best available APY %s%%", target.APY.StringFixed(2)),
		Confidence:  60,
	}}, nil
}

// RiskAdjusted runs the same enumeration as SimpleYield but vetoes moves the
// risk assessor rejects, refuses moves that would concentrate the portfolio
// critically, and spreads new capital across the top protocols.
type RiskAdjusted struct {
	cfg      Config
	set      mapset.Set[string]
	calc     *profit.Calculator
	assessor *risk.Assessor
}

func NewRiskAdjusted(cfg Config, calc *profit.Calculator, assessor *risk.Assessor) *RiskAdjusted {
	cfg = cfg.sanitize()
	return &RiskAdjusted{cfg: cfg, set: cfg.whitelist(), calc: calc, assessor: assessor}
}

func (s *RiskAdjusted) Name() string { return "risk_adjusted" }

// portfolio aggregates per-protocol USD value.
func portfolio(positions []core.Position) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(positions))
	for i := range positions {
		p := &positions[i]
		out[p.Protocol] = out[p.Protocol].Add(p.ValueUSD)
	}
	return out
}

// simulateMove returns the portfolio after moving amount from one protocol
// to another.
func simulateMove(current map[string]decimal.Decimal, from, to string, amount decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(current)+1)
	for k, v := range current {
		out[k] = v
	}
	if from != "" {
		out[from] = out[from].Sub(amount)
		if !out[from].IsPositive() {
			delete(out, from)
		}
	}
	out[to] = out[to].Add(amount)
	return out
}

func (s *RiskAdjusted) Recommend(ctx context.Context, positions []core.Position, opps []core.YieldOpportunity) ([]core.Recommendation, error) {
	current := portfolio(positions)

	var recs []core.Recommendation
	for i := range positions {
		pos := &positions[i]
		if pos.ValueUSD.LessThan(s.cfg.MinRebalanceUSD) {
			continue
		}
		target := bestTarget(opps, s.set, pos.Token, pos.Protocol)
		if target == nil {
			continue
		}
		improvement := target.APY.Sub(pos.CurrentAPY)
		if improvement.LessThan(s.cfg.MinAPYImprovement) {
			continue
		}

		verdict, err := s.calc.Evaluate(ctx, profit.Move{
			CurrentAPY:      pos.CurrentAPY,
			TargetAPY:       target.APY,
			PositionSizeUSD: pos.ValueUSD,
		})
		if err != nil {
			return nil, fmt.Errorf("pricing move %s -> %s: %w", pos.Protocol, target.Protocol, err)
		}
		if !verdict.Profitable {
			continue
		}

		after := simulateMove(current, pos.Protocol, target.Protocol, pos.ValueUSD)
		assessment := s.assessor.Assess(risk.Input{
			Protocol:    target.Protocol,
			TVLUSD:      target.TVLUSD,
			PositionUSD: pos.ValueUSD,
			Portfolio:   after,
		})
		if !risk.ShouldProceed(assessment, s.cfg.AllowHighRisk) {
			log.Debug("Move vetoed by risk assessment", "from", pos.Protocol, "to", target.Protocol,
				"score", assessment.Score, "level", assessment.Level)
			continue
		}
		// Refuse moves concentrating most of the portfolio in one protocol
		// even when the overall score stays tolerable.
		maxPct, _ := s.cfg.MaxConcentrationPct.Mul(decimal.NewFromInt(2)).Float64()
		if share := risk.MaxSharePct(after); len(after) > 1 && share > maxPct {
			log.Debug("Move refused on concentration", "to", target.Protocol, "share_pct", share)
			continue
		}

		recs = append(recs, core.Recommendation{
			FromProtocol: pos.Protocol,
			FromPoolID:   pos.PoolID,
			ToProtocol:   target.Protocol,
			ToPoolID:     target.PoolID,
			Token:        pos.Token,
			AmountUSD:    pos.ValueUSD,
			CurrentAPY:   pos.CurrentAPY,
			ExpectedAPY:  target.APY,
			Reason: fmt.Sprintf("%s offers %s%% vs current %s%% (risk %s)",
				target.Protocol, target.APY.StringFixed(2), pos.CurrentAPY.StringFixed(2), assessment.Level),
			Confidence: confidence(40, verdict, assessment.Level == risk.Low),
		})
	}
	return recs, nil
}

// AllocateNew spreads the amount across the top N protocols for the token,
// weighted by APY, with each protocol capped at MaxConcentrationPct of the
// total. The last target receives whatever the caps left over.
func (s *RiskAdjusted) AllocateNew(ctx context.Context, amountUSD decimal.Decimal, token string, opps []core.YieldOpportunity) ([]core.Recommendation, error) {
	if amountUSD.LessThan(s.cfg.MinRebalanceUSD) {
		return nil, nil
	}

	// One pool per protocol: the scan is APY-descending, so the first pool
	// seen for a protocol is its best.
	var targets []*core.YieldOpportunity
	seen := mapset.NewSet[string]()
	for i := range opps {
		o := &opps[i]
		if !allowed(s.set, o.Protocol) || !o.HasToken(token) || seen.Contains(o.Protocol) {
			continue
		}
		seen.Add(o.Protocol)
		targets = append(targets, o)
		if len(targets) == s.cfg.TopN {
			break
		}
	}
	if len(targets) == 0 {
		return nil, nil
	}

	totalAPY := decimal.Zero
	for _, o := range targets {
		totalAPY = totalAPY.Add(o.APY)
	}

	// Every selected pool reporting 0% APY is legitimate scanner output
	// (zero means unknown); weight equally instead of by APY.
	equalWeight := totalAPY.IsZero()
	perProtocol := amountUSD.Mul(s.cfg.MaxConcentrationPct).Div(decimal.NewFromInt(100))
	remaining := amountUSD
	var recs []core.Recommendation
	for i, o := range targets {
		var alloc decimal.Decimal
		if i == len(targets)-1 {
			alloc = remaining
		} else {
			if equalWeight {
				alloc = amountUSD.Div(decimal.NewFromInt(int64(len(targets))))
			} else {
				alloc = amountUSD.Mul(o.APY).Div(totalAPY)
			}
			if len(targets) > 1 && alloc.GreaterThan(perProtocol) {
				alloc = perProtocol
			}
			if alloc.GreaterThan(remaining) {
				alloc = remaining
			}
		}
		if !alloc.IsPositive() {
			continue
		}
		remaining = remaining.Sub(alloc)

		recs = append(recs, core.Recommendation{
			ToProtocol:  o.Protocol,
			ToPoolID:    o.PoolID,
			Token:       token,
			AmountUSD:   alloc,
			ExpectedAPY: o.APY,
			Reason: fmt.Sprintf("diversified allocation, %s%% APY weight",
				o.APY.StringFixed(2)),
			Confidence: 50,
		})
	}
	return recs, nil
}
