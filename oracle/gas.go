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

package oracle

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/farmhand-labs/go-farmhand/core"
)

// chainReader is the slice of the chain gateway the gas source needs.
type chainReader interface {
	GasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
}

// GasSource prices gas in wei and converts gas budgets to USD.
type GasSource interface {
	GasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, to common.Address, value *big.Int, data []byte) (uint64, error)
	CostUSD(ctx context.Context, gasUnits uint64) (decimal.Decimal, error)
}

// Gas price moves slowly relative to the agent's cadence; a short cache
// keeps the profitability gate from hammering eth_gasPrice for every
// candidate move in a scan.
const gasPriceTTL = 30 * time.Second

// ChainGasSource implements GasSource over the chain gateway and a price
// source for the chain's native token.
type ChainGasSource struct {
	chain        chainReader
	prices       Source
	nativeSymbol string

	mu        sync.Mutex
	lastPrice *big.Int
	fetchedAt time.Time

	now func() time.Time // test hook
}

// NewChainGasSource creates a gas source. nativeSymbol is the gas token
// (ETH on mainnet and the major L2s).
func NewChainGasSource(chain chainReader, prices Source, nativeSymbol string) *ChainGasSource {
	if nativeSymbol == "" {
		nativeSymbol = "ETH"
	}
	return &ChainGasSource{
		chain:        chain,
		prices:       prices,
		nativeSymbol: nativeSymbol,
		now:          time.Now,
	}
}

// GasPrice returns the current gas price in wei, cached briefly.
func (g *ChainGasSource) GasPrice(ctx context.Context) (*big.Int, error) {
	g.mu.Lock()
	if g.lastPrice != nil && g.now().Sub(g.fetchedAt) < gasPriceTTL {
		price := new(big.Int).Set(g.lastPrice)
		g.mu.Unlock()
		return price, nil
	}
	g.mu.Unlock()

	price, err := g.chain.GasPrice(ctx)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.lastPrice = new(big.Int).Set(price)
	g.fetchedAt = g.now()
	g.mu.Unlock()
	return price, nil
}

// EstimateGas forwards to the chain.
func (g *ChainGasSource) EstimateGas(ctx context.Context, to common.Address, value *big.Int, data []byte) (uint64, error) {
	return g.chain.EstimateGas(ctx, ethereum.CallMsg{To: &to, Value: value, Data: data})
}

// CostUSD converts a gas budget into USD at the current gas price and
// native-token price.
func (g *ChainGasSource) CostUSD(ctx context.Context, gasUnits uint64) (decimal.Decimal, error) {
	gasPrice, err := g.GasPrice(ctx)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("gas cost: %w", err)
	}
	tokenPrice, err := g.prices.Price(ctx, g.nativeSymbol)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("gas cost: %w", err)
	}

	wei := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasUnits))
	return core.WeiToEther(wei).Mul(tokenPrice), nil
}

// StaticGasSource serves fixed figures for tests and dry runs.
type StaticGasSource struct {
	PriceWei   *big.Int
	Units      uint64
	USDPerUnit decimal.Decimal // cost of one gas unit in USD
}

func (s StaticGasSource) GasPrice(context.Context) (*big.Int, error) {
	return new(big.Int).Set(s.PriceWei), nil
}

func (s StaticGasSource) EstimateGas(context.Context, common.Address, *big.Int, []byte) (uint64, error) {
	return s.Units, nil
}

func (s StaticGasSource) CostUSD(_ context.Context, gasUnits uint64) (decimal.Decimal, error) {
	return s.USDPerUnit.Mul(decimal.NewFromInt(int64(gasUnits))), nil
}
