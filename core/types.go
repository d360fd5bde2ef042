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

// Package core defines the value types shared by the farmhand agent packages.
package core

import (
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// YieldOpportunity describes a single pool observed by a protocol adapter
// during a scan. APY is a percentage (4.25 means 4.25%/year) and TVLUSD is
// the pool's total value locked in USD. A zero APY or TVL means the adapter
// could not determine the figure, not that the figure is known to be zero.
type YieldOpportunity struct {
	Protocol string            `json:"protocol"`
	PoolID   string            `json:"pool_id"`
	PoolName string            `json:"pool_name,omitempty"`
	APY      decimal.Decimal   `json:"apy"`
	TVLUSD   decimal.Decimal   `json:"tvl_usd"`
	Tokens   []string          `json:"tokens,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// HasToken reports whether the pool involves the given token symbol.
func (o *YieldOpportunity) HasToken(symbol string) bool {
	for _, t := range o.Tokens {
		if t == symbol {
			return true
		}
	}
	return false
}

// Position is a live holding in a single pool. AmountRaw is the integer
// on-chain amount in the token's smallest unit; Decimals is needed to render
// it. ValueUSD and CurrentAPY are the figures observed at the last refresh.
type Position struct {
	Protocol   string          `json:"protocol"`
	PoolID     string          `json:"pool_id"`
	Token      string          `json:"token"`
	AmountRaw  *big.Int        `json:"amount_raw"`
	Decimals   uint8           `json:"decimals"`
	ValueUSD   decimal.Decimal `json:"value_usd"`
	CurrentAPY decimal.Decimal `json:"current_apy"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// ID returns the composite key identifying the position. Two positions with
// the same protocol, pool and token are the same position.
func (p *Position) ID() string {
	return p.Protocol + "/" + p.PoolID + "/" + p.Token
}

// Amount returns the position size as a human-readable token amount.
func (p *Position) Amount() decimal.Decimal {
	return FormatUnits(p.AmountRaw, p.Decimals)
}

// Copy returns a deep copy of the position. AmountRaw is mutable, so shared
// references across goroutines are not safe without it.
func (p *Position) Copy() *Position {
	cpy := *p
	if p.AmountRaw != nil {
		cpy.AmountRaw = new(big.Int).Set(p.AmountRaw)
	}
	return &cpy
}

// Recommendation is a proposed capital move produced by a strategy. An empty
// FromProtocol means new capital is being deployed rather than an existing
// position moved. A recommendation is a single-use value: it is priced and
// risk-checked against the scan that produced it and must not be replayed
// against later market state.
type Recommendation struct {
	FromProtocol string          `json:"from_protocol,omitempty"`
	FromPoolID   string          `json:"from_pool_id,omitempty"`
	ToProtocol   string          `json:"to_protocol"`
	ToPoolID     string          `json:"to_pool_id"`
	Token        string          `json:"token"`
	AmountUSD    decimal.Decimal `json:"amount_usd"`
	CurrentAPY   decimal.Decimal `json:"current_apy"`
	ExpectedAPY  decimal.Decimal `json:"expected_apy"`
	Reason       string          `json:"reason"`
	Confidence   int             `json:"confidence"`
}

// IsNewCapital reports whether the recommendation deploys fresh funds instead
// of moving an existing position.
func (r *Recommendation) IsNewCapital() bool {
	return r.FromProtocol == ""
}

// APYImprovement returns ExpectedAPY - CurrentAPY in percentage points.
func (r *Recommendation) APYImprovement() decimal.Decimal {
	return r.ExpectedAPY.Sub(r.CurrentAPY)
}

// String renders a short one-line description suitable for logs.
func (r *Recommendation) String() string {
	if r.IsNewCapital() {
		return fmt.Sprintf("deploy %s %s to %s/%s (%s%% APY)",
			r.AmountUSD.StringFixed(2), r.Token, r.ToProtocol, r.ToPoolID, r.ExpectedAPY.StringFixed(2))
	}
	return fmt.Sprintf("move %s %s from %s/%s to %s/%s (%s%% -> %s%% APY)",
		r.AmountUSD.StringFixed(2), r.Token, r.FromProtocol, r.FromPoolID,
		r.ToProtocol, r.ToPoolID, r.CurrentAPY.StringFixed(2), r.ExpectedAPY.StringFixed(2))
}
