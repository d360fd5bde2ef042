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

// Package protocol defines the adapter contract every yield source plugs in
// through, plus the registry the scanner, strategies and executor route by.
// Adding a protocol to the agent means implementing Adapter and registering
// it; nothing above this package knows protocol specifics.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/farmhand-labs/go-farmhand/core"
)

var (
	// ErrUnknownAdapter is returned when routing to an unregistered name.
	ErrUnknownAdapter = errors.New("unknown protocol adapter")

	// ErrUnknownPool is returned by adapters for pool ids they do not serve.
	ErrUnknownPool = errors.New("unknown pool")

	// ErrInsufficientBalance is returned by withdraw when the position is
	// smaller than requested.
	ErrInsufficientBalance = errors.New("insufficient pool balance")
)

// Op identifies a mutating adapter operation, used for gas estimation.
type Op string

const (
	OpDeposit  Op = "deposit"
	OpWithdraw Op = "withdraw"
	OpApprove  Op = "approve"
	OpSwap     Op = "swap"
)

// Adapter is the uniform read/write surface over one yield source. Amounts
// are raw integer units of the pool's token. Mutating calls return the
// transaction hash once submitted; waiting for inclusion is the caller's
// business.
type Adapter interface {
	// Name returns the registry key, e.g. "aave" or "moonwell".
	Name() string

	// Pools discovers the currently offered yield opportunities. Two calls
	// within the same block return the same pools in the same order.
	Pools(ctx context.Context) ([]core.YieldOpportunity, error)

	Deposit(ctx context.Context, poolID, token string, amount *big.Int) (common.Hash, error)
	Withdraw(ctx context.Context, poolID, token string, amount *big.Int) (common.Hash, error)

	// Approve grants the pool's spender contract an allowance over token.
	// Adapters grant max-uint so the call is idempotent: once approved,
	// later deposits skip it.
	Approve(ctx context.Context, poolID, token string) (common.Hash, error)

	// Balance returns the owner's raw position size in the pool.
	Balance(ctx context.Context, poolID string, owner common.Address) (*big.Int, error)

	// EstimateGas prices one operation against the pool in gas units.
	EstimateGas(ctx context.Context, op Op, poolID string) (uint64, error)
}

// Registry holds the adapters by name, preserving registration order. The
// order matters: scan results from equal-APY pools tie-break on it.
type Registry struct {
	mu       sync.RWMutex
	order    []string
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its name. Duplicate names are refused:
// silently replacing a live adapter would invalidate open positions.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := a.Name()
	if name == "" {
		return errors.New("adapter has empty name")
	}
	if _, dup := r.adapters[name]; dup {
		return fmt.Errorf("adapter %q already registered", name)
	}
	r.adapters[name] = a
	r.order = append(r.order, name)
	return nil
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAdapter, name)
	}
	return a, nil
}

// Names returns the adapter names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// All returns the adapters in registration order.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.adapters[name])
	}
	return out
}

// Len returns the number of registered adapters.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
