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

package scanner

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/farmhand-labs/go-farmhand/core"
)

// ProtocolStats subtotals one protocol's pools within a comparison.
type ProtocolStats struct {
	Pools    int             `json:"pools"`
	BestAPY  decimal.Decimal `json:"best_apy"`
	MeanAPY  decimal.Decimal `json:"mean_apy"`
	TotalTVL decimal.Decimal `json:"total_tvl_usd"`
}

// Comparison is the analytics report over one scan's output. Best and Worst
// are nil for an empty scan. StdDev is a float: it is a dispersion statistic
// for display, not a monetary quantity.
type Comparison struct {
	Count       int                      `json:"count"`
	Best        *core.YieldOpportunity   `json:"best,omitempty"`
	Worst       *core.YieldOpportunity   `json:"worst,omitempty"`
	MeanAPY     decimal.Decimal          `json:"mean_apy"`
	MedianAPY   decimal.Decimal          `json:"median_apy"`
	Spread      decimal.Decimal          `json:"spread"`
	StdDev      float64                  `json:"std_dev"`
	PerProtocol map[string]ProtocolStats `json:"per_protocol"`
}

// Compare derives the analytics report from a scan result. The input order
// does not matter; the report is the same for any permutation.
func Compare(opps []core.YieldOpportunity) Comparison {
	cmp := Comparison{Count: len(opps), PerProtocol: make(map[string]ProtocolStats)}
	if len(opps) == 0 {
		return cmp
	}

	apys := make([]decimal.Decimal, len(opps))
	sum := decimal.Zero
	best, worst := 0, 0
	for i, o := range opps {
		apys[i] = o.APY
		sum = sum.Add(o.APY)
		if o.APY.GreaterThan(opps[best].APY) {
			best = i
		}
		if o.APY.LessThan(opps[worst].APY) {
			worst = i
		}

		st := cmp.PerProtocol[o.Protocol]
		st.Pools++
		st.MeanAPY = st.MeanAPY.Add(o.APY) // running sum, divided below
		st.TotalTVL = st.TotalTVL.Add(o.TVLUSD)
		if o.APY.GreaterThan(st.BestAPY) {
			st.BestAPY = o.APY
		}
		cmp.PerProtocol[o.Protocol] = st
	}
	for name, st := range cmp.PerProtocol {
		st.MeanAPY = st.MeanAPY.Div(decimal.NewFromInt(int64(st.Pools)))
		cmp.PerProtocol[name] = st
	}

	n := decimal.NewFromInt(int64(len(opps)))
	cmp.Best = &opps[best]
	cmp.Worst = &opps[worst]
	cmp.MeanAPY = sum.Div(n)
	cmp.Spread = opps[best].APY.Sub(opps[worst].APY)
	cmp.MedianAPY = median(apys)

	variance := 0.0
	meanF, _ := cmp.MeanAPY.Float64()
	for _, apy := range apys {
		f, _ := apy.Float64()
		variance += (f - meanF) * (f - meanF)
	}
	cmp.StdDev = math.Sqrt(variance / float64(len(apys)))
	return cmp
}

func median(vals []decimal.Decimal) decimal.Decimal {
	sorted := make([]decimal.Decimal, len(vals))
	copy(sorted, vals)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return sorted[mid-1].Add(sorted[mid]).Div(decimal.NewFromInt(2))
}
