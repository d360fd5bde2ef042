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

package protocol

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/farmhand-labs/go-farmhand/core"
)

// StaticAdapter serves a fixed set of pools and balances from memory. It
// backs offline simulations and tests; fault injection via Fail and Delay
// exercises the scanner's isolation paths.
type StaticAdapter struct {
	name string

	mu       sync.Mutex
	pools    []core.YieldOpportunity
	balances map[string]*big.Int // poolID/owner -> raw amount
	gas      map[Op]uint64
	err      error
	delay    time.Duration
}

func NewStatic(name string) *StaticAdapter {
	return &StaticAdapter{
		name:     name,
		balances: make(map[string]*big.Int),
		gas:      make(map[Op]uint64),
	}
}

func (s *StaticAdapter) Name() string { return s.name }

// AddPool appends an opportunity. Pools are served in insertion order.
func (s *StaticAdapter) AddPool(opp core.YieldOpportunity) *StaticAdapter {
	s.mu.Lock()
	defer s.mu.Unlock()
	opp.Protocol = s.name
	s.pools = append(s.pools, opp)
	return s
}

// SetBalance fixes the owner's position in a pool.
func (s *StaticAdapter) SetBalance(poolID string, owner common.Address, amount *big.Int) *StaticAdapter {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[balanceKey(poolID, owner)] = new(big.Int).Set(amount)
	return s
}

// SetGas overrides the gas estimate for one operation.
func (s *StaticAdapter) SetGas(op Op, units uint64) *StaticAdapter {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gas[op] = units
	return s
}

// Fail makes every subsequent call return err. Pass nil to heal.
func (s *StaticAdapter) Fail(err error) *StaticAdapter {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	return s
}

// Delay makes every subsequent call block for d or until the context ends.
func (s *StaticAdapter) Delay(d time.Duration) *StaticAdapter {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
	return s
}

// gate applies the configured delay and fault before any operation runs.
func (s *StaticAdapter) gate(ctx context.Context) error {
	s.mu.Lock()
	delay, err := s.delay, s.err
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (s *StaticAdapter) Pools(ctx context.Context) ([]core.YieldOpportunity, error) {
	if err := s.gate(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.YieldOpportunity, len(s.pools))
	copy(out, s.pools)
	return out, nil
}

func (s *StaticAdapter) Deposit(ctx context.Context, poolID, token string, amount *big.Int) (common.Hash, error) {
	if err := s.gate(ctx); err != nil {
		return common.Hash{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasPool(poolID) {
		return common.Hash{}, ErrUnknownPool
	}
	key := balanceKey(poolID, common.Address{})
	cur, ok := s.balances[key]
	if !ok {
		cur = new(big.Int)
		s.balances[key] = cur
	}
	cur.Add(cur, amount)
	return syntheticHash(), nil
}

func (s *StaticAdapter) Withdraw(ctx context.Context, poolID, token string, amount *big.Int) (common.Hash, error) {
	if err := s.gate(ctx); err != nil {
		return common.Hash{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasPool(poolID) {
		return common.Hash{}, ErrUnknownPool
	}
	cur, ok := s.balances[balanceKey(poolID, common.Address{})]
	if !ok || cur.Cmp(amount) < 0 {
		return common.Hash{}, ErrInsufficientBalance
	}
	cur.Sub(cur, amount)
	return syntheticHash(), nil
}

func (s *StaticAdapter) Approve(ctx context.Context, poolID, token string) (common.Hash, error) {
	if err := s.gate(ctx); err != nil {
		return common.Hash{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasPool(poolID) {
		return common.Hash{}, ErrUnknownPool
	}
	return syntheticHash(), nil
}

func (s *StaticAdapter) Balance(ctx context.Context, poolID string, owner common.Address) (*big.Int, error) {
	if err := s.gate(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// Deposits and withdrawals book against the zero owner, so position
	// lookups fall back to it when the exact owner has no entry.
	if cur, ok := s.balances[balanceKey(poolID, owner)]; ok {
		return new(big.Int).Set(cur), nil
	}
	if cur, ok := s.balances[balanceKey(poolID, common.Address{})]; ok {
		return new(big.Int).Set(cur), nil
	}
	return new(big.Int), nil
}

func (s *StaticAdapter) EstimateGas(ctx context.Context, op Op, poolID string) (uint64, error) {
	if err := s.gate(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.gas[op]; ok {
		return g, nil
	}
	return DryRunGas(op), nil
}

func (s *StaticAdapter) hasPool(poolID string) bool {
	for _, p := range s.pools {
		if p.PoolID == poolID {
			return true
		}
	}
	return false
}

func balanceKey(poolID string, owner common.Address) string {
	return poolID + "/" + owner.Hex()
}
