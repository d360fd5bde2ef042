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
	"math/big"

	"github.com/shopspring/decimal"
)

// Token amounts cross two representations: adapters and chains speak raw
// integer units (USDC has 6 decimals, most ERC-20s 18), everything above the
// adapter seam speaks decimal token amounts. Conversions must stay exact for
// any amount with no more fractional digits than the token carries; excess
// precision truncates toward zero rather than rounding, matching on-chain
// semantics.

// ToRaw converts a human token amount into raw integer units.
func ToRaw(amount decimal.Decimal, decimals uint8) *big.Int {
	return amount.Shift(int32(decimals)).Truncate(0).BigInt()
}

// FormatUnits converts raw integer units into a human token amount.
// A nil raw amount renders as zero.
func FormatUnits(raw *big.Int, decimals uint8) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -int32(decimals))
}

// WeiToEther converts a wei amount into ether as a decimal.
func WeiToEther(wei *big.Int) decimal.Decimal {
	return FormatUnits(wei, 18)
}

// GweiToWei converts a gwei figure into wei, truncating sub-wei precision.
func GweiToWei(gwei decimal.Decimal) *big.Int {
	return ToRaw(gwei, 9)
}
