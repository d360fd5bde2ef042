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

// Package store persists the agent's positions. The scheduler reads the
// store at the start of every cycle and reconciles it against on-chain
// balances, so the store is the single source of truth between cycles.
package store

import (
	"errors"
	"sort"
	"sync"

	"github.com/farmhand-labs/go-farmhand/core"
)

// ErrNotFound is returned when a position id is absent.
var ErrNotFound = errors.New("position not found")

// Store is the position persistence contract. Positions returns open
// positions in id order for deterministic cycles; ClosePosition removes a
// position whose on-chain amount went to zero.
type Store interface {
	Positions() ([]core.Position, error)
	Get(id string) (*core.Position, error)
	Upsert(p core.Position) error
	ClosePosition(id string) error
	Close() error
}

// Memory is an in-process Store for tests and dry runs.
type Memory struct {
	mu        sync.RWMutex
	positions map[string]core.Position
}

func NewMemory() *Memory {
	return &Memory{positions: make(map[string]core.Position)}
}

func (m *Memory) Positions() ([]core.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p.Copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out, nil
}

func (m *Memory) Get(id string) (*core.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Copy(), nil
}

func (m *Memory) Upsert(p core.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[p.ID()] = *p.Copy()
	return nil
}

func (m *Memory) ClosePosition(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.positions[id]; !ok {
		return ErrNotFound
	}
	delete(m.positions, id)
	return nil
}

func (m *Memory) Close() error { return nil }
