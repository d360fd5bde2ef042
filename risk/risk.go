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

// Package risk scores candidate moves on a 0-100 scale from seven additive
// factors and turns the score into a veto gate. Scoring never errors: an
// unknown protocol or a missing figure contributes its worst-case points
// instead, so absent data reads as risk, not as safety.
package risk

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/log"
	"github.com/shopspring/decimal"
)

// Level bands a score. The bands are fixed: LOW <=25, MEDIUM <=50,
// HIGH <=75, CRITICAL above.
type Level string

const (
	Low      Level = "LOW"
	Medium   Level = "MEDIUM"
	High     Level = "HIGH"
	Critical Level = "CRITICAL"
)

// LevelForScore maps a 0-100 score onto its band. The level is a pure
// function of the score; nothing else feeds it.
func LevelForScore(score float64) Level {
	switch {
	case score <= 25:
		return Low
	case score <= 50:
		return Medium
	case score <= 75:
		return High
	default:
		return Critical
	}
}

// Factor caps. Factors are additive and the final score clamps at 100.
const (
	capProtocolSafety  = 40.0
	capTVL             = 30.0
	capUtilization     = 30.0
	capPositionSize    = 30.0
	capSwap            = 20.0
	capConcentration   = 50.0
	capDiversification = 20.0
)

// Config tunes the assessor. The protocol safety table is configuration by
// design: the numbers encode operator judgement, not code.
type Config struct {
	// ProtocolSafety maps a protocol name to its risk points, 0 (battle
	// tested) through 40 (untrusted). Protocols absent from the table score
	// the maximum.
	ProtocolSafety map[string]float64

	// MaxConcentrationPct is the portfolio share of a single protocol above
	// which concentration points accrue steeply.
	MaxConcentrationPct float64

	// DiversificationTarget is the number of distinct protocols a healthy
	// portfolio spreads over.
	DiversificationTarget int

	// LargePositionUSD is the size above which position points scale
	// logarithmically; positions under a tenth of it score zero.
	LargePositionUSD decimal.Decimal
}

// DefaultConfig ships conservative defaults for the well-known lending
// protocols on Base and mainnet.
var DefaultConfig = Config{
	ProtocolSafety: map[string]float64{
		"aave":     5,
		"compound": 8,
		"moonwell": 15,
		"morpho":   12,
		"fluid":    18,
		"seamless": 20,
	},
	MaxConcentrationPct:   40,
	DiversificationTarget: 3,
	LargePositionUSD:      decimal.NewFromInt(100_000),
}

// sanitize checks the provided configuration and changes anything
// unreasonable.
func (cfg Config) sanitize() Config {
	conf := cfg
	if conf.ProtocolSafety == nil {
		conf.ProtocolSafety = DefaultConfig.ProtocolSafety
	}
	if conf.MaxConcentrationPct <= 0 || conf.MaxConcentrationPct > 100 {
		log.Warn("Sanitizing invalid concentration limit", "provided", conf.MaxConcentrationPct, "updated", DefaultConfig.MaxConcentrationPct)
		conf.MaxConcentrationPct = DefaultConfig.MaxConcentrationPct
	}
	if conf.DiversificationTarget < 1 {
		log.Warn("Sanitizing invalid diversification target", "provided", conf.DiversificationTarget, "updated", DefaultConfig.DiversificationTarget)
		conf.DiversificationTarget = DefaultConfig.DiversificationTarget
	}
	if !conf.LargePositionUSD.IsPositive() {
		log.Warn("Sanitizing invalid large position threshold", "provided", conf.LargePositionUSD, "updated", DefaultConfig.LargePositionUSD)
		conf.LargePositionUSD = DefaultConfig.LargePositionUSD
	}
	return conf
}

// Input describes the move under assessment. Portfolio is the post-move
// per-protocol USD allocation including the move itself; nil skips the
// concentration and diversification factors (new portfolio, nothing to
// concentrate yet).
type Input struct {
	Protocol       string
	TVLUSD         decimal.Decimal
	UtilizationPct decimal.Decimal // pool utilization, 0-100; zero = unknown
	PositionUSD    decimal.Decimal
	RequiresSwap   bool
	NewCapital     bool
	Portfolio      map[string]decimal.Decimal
}

// Assessment is the scored verdict. Factors itemizes every contribution so
// the audit trail shows why a move scored what it did.
type Assessment struct {
	Score          float64            `json:"risk_score"`
	Level          Level              `json:"risk_level"`
	Factors        map[string]float64 `json:"factors"`
	Recommendation string             `json:"recommendation"`
}

// Assessor scores moves. It is stateless beyond its configuration and safe
// for concurrent use.
type Assessor struct {
	cfg Config
}

func NewAssessor(cfg Config) *Assessor {
	return &Assessor{cfg: cfg.sanitize()}
}

// Assess scores the move. The seven factors are independent; the sum clamps
// to [0, 100].
func (a *Assessor) Assess(in Input) Assessment {
	factors := map[string]float64{
		"protocol_safety": a.protocolSafety(in.Protocol),
		"tvl":             tvlFactor(in.TVLUSD),
		"utilization":     utilizationFactor(in.UtilizationPct),
		"position_size":   a.positionSizeFactor(in.PositionUSD),
		"swap":            swapFactor(in),
		"concentration":   a.concentrationFactor(in.Portfolio),
		"diversification": a.diversificationFactor(in.Portfolio),
	}

	score := 0.0
	for _, v := range factors {
		score += v
	}
	score = math.Min(100, math.Max(0, score))

	level := LevelForScore(score)
	return Assessment{
		Score:          score,
		Level:          level,
		Factors:        factors,
		Recommendation: recommendation(level, factors),
	}
}

func (a *Assessor) protocolSafety(name string) float64 {
	if pts, ok := a.cfg.ProtocolSafety[strings.ToLower(name)]; ok {
		return math.Min(capProtocolSafety, math.Max(0, pts))
	}
	return capProtocolSafety
}

// tvlFactor: pools under $1M are critical, under $10M elevated, above safe.
// Zero means the adapter could not read TVL, which scores as critical.
func tvlFactor(tvl decimal.Decimal) float64 {
	switch {
	case tvl.LessThan(decimal.NewFromInt(1_000_000)):
		return capTVL
	case tvl.LessThan(decimal.NewFromInt(10_000_000)):
		return capTVL / 2
	default:
		return 0
	}
}

// utilizationFactor: a pool lent out past 95% may not honor a withdrawal;
// past 90% it is strained; under 80% it is comfortable. Zero utilization
// reads as unknown and scores midway rather than maximally, since many
// adapters simply do not report it.
func utilizationFactor(util decimal.Decimal) float64 {
	if util.IsZero() {
		return capUtilization / 3
	}
	switch {
	case util.GreaterThan(decimal.NewFromInt(95)):
		return capUtilization
	case util.GreaterThan(decimal.NewFromInt(90)):
		return capUtilization * 2 / 3
	case util.LessThan(decimal.NewFromInt(80)):
		return 0
	default:
		return capUtilization / 3
	}
}

// positionSizeFactor: zero below a tenth of the large-position threshold,
// then logarithmic in the ratio to it. A position at the threshold scores
// 10 points; each further 10x adds another 10, capped at 30.
func (a *Assessor) positionSizeFactor(size decimal.Decimal) float64 {
	threshold := a.cfg.LargePositionUSD
	floor := threshold.Div(decimal.NewFromInt(10))
	if size.LessThan(floor) {
		return 0
	}
	ratio, _ := size.Div(floor).Float64()
	if ratio <= 0 {
		return 0
	}
	return math.Min(capPositionSize, 10*math.Log10(ratio))
}

func swapFactor(in Input) float64 {
	switch {
	case in.RequiresSwap:
		return capSwap
	case in.NewCapital:
		return 0
	default:
		return 5 // same-token move still crosses two protocols
	}
}

// concentrationFactor looks at the largest single-protocol share of the
// post-move portfolio. Within the configured limit it accrues gently; past
// it, steeply.
func (a *Assessor) concentrationFactor(portfolio map[string]decimal.Decimal) float64 {
	share := MaxSharePct(portfolio)
	if share == 0 {
		return 0
	}
	limit := a.cfg.MaxConcentrationPct
	switch {
	case share >= 90:
		return capConcentration
	case share > limit:
		// Linear from 20 points at the limit to 50 at 90%.
		return 20 + (capConcentration-20)*(share-limit)/(90-limit)
	default:
		return 10 * share / limit
	}
}

func (a *Assessor) diversificationFactor(portfolio map[string]decimal.Decimal) float64 {
	if portfolio == nil {
		return 0
	}
	count := 0
	for _, v := range portfolio {
		if v.IsPositive() {
			count++
		}
	}
	target := a.cfg.DiversificationTarget
	if count >= target {
		return 0
	}
	return capDiversification * float64(target-count) / float64(target)
}

// MaxSharePct returns the largest single-protocol share of the portfolio in
// percent. Strategies use it to simulate post-move concentration.
func MaxSharePct(portfolio map[string]decimal.Decimal) float64 {
	total := decimal.Zero
	for _, v := range portfolio {
		if v.IsPositive() {
			total = total.Add(v)
		}
	}
	if !total.IsPositive() {
		return 0
	}
	max := decimal.Zero
	for _, v := range portfolio {
		if v.GreaterThan(max) {
			max = v
		}
	}
	share, _ := max.Div(total).Mul(decimal.NewFromInt(100)).Float64()
	return share
}

// recommendation renders a short operator-facing summary naming the worst
// factors.
func recommendation(level Level, factors map[string]float64) string {
	type fv struct {
		name string
		pts  float64
	}
	worst := make([]fv, 0, len(factors))
	for name, pts := range factors {
		if pts > 0 {
			worst = append(worst, fv{name, pts})
		}
	}
	sort.Slice(worst, func(i, j int) bool {
		if worst[i].pts != worst[j].pts {
			return worst[i].pts > worst[j].pts
		}
		return worst[i].name < worst[j].name
	})

	switch level {
	case Low:
		return "proceed"
	case Medium:
		if len(worst) > 0 {
			return fmt.Sprintf("proceed with caution: %s is elevated", worst[0].name)
		}
		return "proceed with caution"
	case High:
		if len(worst) > 0 {
			return fmt.Sprintf("high risk: %s and %d other factors elevated", worst[0].name, len(worst)-1)
		}
		return "high risk"
	default:
		return "do not proceed"
	}
}

// ShouldProceed is the veto gate. CRITICAL always vetoes; HIGH vetoes unless
// the operator opted into high risk.
func ShouldProceed(a Assessment, allowHighRisk bool) bool {
	switch a.Level {
	case Critical:
		return false
	case High:
		return allowHighRisk
	default:
		return true
	}
}
