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

// Package gateway is the agent's only door to the chain. It narrows the
// ethclient surface to what the agent needs and routes every call through
// the rpcpool dispatcher, so failover, rate limits and usage accounting
// apply uniformly.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/farmhand-labs/go-farmhand/rpcpool"
)

// Receipt is the slice of a transaction receipt the agent consumes.
type Receipt struct {
	TxHash      common.Hash `json:"tx_hash"`
	Status      uint64      `json:"status"`
	GasUsed     uint64      `json:"gas_used"`
	BlockNumber uint64      `json:"block_number"`
}

// Succeeded reports whether the transaction executed without reverting.
func (r *Receipt) Succeeded() bool { return r.Status == types.ReceiptStatusSuccessful }

// Client is the chain surface consumed by adapters and the executor.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	Send(ctx context.Context, tx *types.Transaction) (common.Hash, error)
	WaitReceipt(ctx context.Context, hash common.Hash) (*Receipt, error)
}

const defaultPollInterval = 2 * time.Second

// ChainGateway implements Client on top of the endpoint pool for one
// network.
type ChainGateway struct {
	pool         *rpcpool.Dispatcher
	network      string
	pollInterval time.Duration
}

// New creates a gateway for network backed by the dispatcher.
func New(pool *rpcpool.Dispatcher, network string) *ChainGateway {
	return &ChainGateway{
		pool:         pool,
		network:      network,
		pollInterval: defaultPollInterval,
	}
}

// Network returns the network this gateway operates on.
func (g *ChainGateway) Network() string { return g.network }

func (g *ChainGateway) ChainID(ctx context.Context) (*big.Int, error) {
	var id *big.Int
	err := g.pool.Execute(ctx, g.network, func(ctx context.Context, client *rpc.Client) error {
		var err error
		id, err = ethclient.NewClient(client).ChainID(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	return id, nil
}

func (g *ChainGateway) BlockNumber(ctx context.Context) (uint64, error) {
	var num uint64
	err := g.pool.Execute(ctx, g.network, func(ctx context.Context, client *rpc.Client) error {
		var err error
		num, err = ethclient.NewClient(client).BlockNumber(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("block number: %w", err)
	}
	return num, nil
}

func (g *ChainGateway) GasPrice(ctx context.Context) (*big.Int, error) {
	var price *big.Int
	err := g.pool.Execute(ctx, g.network, func(ctx context.Context, client *rpc.Client) error {
		var err error
		price, err = ethclient.NewClient(client).SuggestGasPrice(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}
	return price, nil
}

func (g *ChainGateway) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	var out []byte
	msg := ethereum.CallMsg{To: &to, Data: data}
	err := g.pool.Execute(ctx, g.network, func(ctx context.Context, client *rpc.Client) error {
		var err error
		out, err = ethclient.NewClient(client).CallContract(ctx, msg, nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", to.Hex(), err)
	}
	return out, nil
}

func (g *ChainGateway) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	var gas uint64
	err := g.pool.Execute(ctx, g.network, func(ctx context.Context, client *rpc.Client) error {
		var err error
		gas, err = ethclient.NewClient(client).EstimateGas(ctx, msg)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("estimate gas: %w", err)
	}
	return gas, nil
}

func (g *ChainGateway) Send(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	err := g.pool.Execute(ctx, g.network, func(ctx context.Context, client *rpc.Client) error {
		return ethclient.NewClient(client).SendTransaction(ctx, tx)
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("send transaction: %w", err)
	}
	log.Debug("Transaction submitted", "hash", tx.Hash(), "network", g.network)
	return tx.Hash(), nil
}

// WaitReceipt polls for the receipt of hash until it lands or ctx expires.
// Callers bound the wait through the context; there is no internal cap.
func (g *ChainGateway) WaitReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		var receipt *types.Receipt
		err := g.pool.Execute(ctx, g.network, func(ctx context.Context, client *rpc.Client) error {
			var err error
			receipt, err = ethclient.NewClient(client).TransactionReceipt(ctx, hash)
			if errors.Is(err, ethereum.NotFound) {
				receipt = nil
				return nil // not an endpoint failure, keep polling
			}
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("wait receipt %s: %w", hash, err)
		}
		if receipt != nil {
			out := &Receipt{
				TxHash:  hash,
				Status:  receipt.Status,
				GasUsed: receipt.GasUsed,
			}
			if receipt.BlockNumber != nil {
				out.BlockNumber = receipt.BlockNumber.Uint64()
			}
			return out, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
