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

// Package circuit implements a consecutive-failure circuit breaker used to
// quarantine flaky upstreams (RPC endpoints, protocol adapters) without
// letting their failures cascade.
package circuit

import (
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
)

// ErrOpen is returned by Call when the breaker refuses to run the operation.
var ErrOpen = errors.New("circuit breaker open")

// State is the breaker's position. Transitions:
//
//	Closed   -> Open      after `threshold` consecutive failures
//	Open     -> HalfOpen  once `recovery` has elapsed (evaluated on read)
//	HalfOpen -> Closed    on the next success
//	HalfOpen -> Open      on the next failure, restarting the recovery clock
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "invalid"
	}
}

// Breaker counts consecutive failures and opens once they reach the
// threshold. The open interval is measured on the monotonic clock; reads of
// the state perform the Open -> HalfOpen transition themselves, so an idle
// breaker never needs a background timer.
type Breaker struct {
	name      string
	threshold int
	recovery  time.Duration
	clock     mclock.Clock

	trips *metrics.Counter

	mu       sync.Mutex
	state    State
	failures int
	openedAt mclock.AbsTime
}

// New creates a breaker that opens after threshold consecutive failures and
// probes again once recovery has elapsed. A nil clock selects the system
// clock; tests pass mclock.Simulated. The name scopes log lines and metrics.
func New(name string, threshold int, recovery time.Duration, clock mclock.Clock) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	if clock == nil {
		clock = mclock.System{}
	}
	return &Breaker{
		name:      name,
		threshold: threshold,
		recovery:  recovery,
		clock:     clock,
		trips:     metrics.GetOrRegisterCounter("circuit/"+name+"/trips", nil),
	}
}

// State returns the current position, applying the time-based
// Open -> HalfOpen transition if the recovery interval has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) stateLocked() State {
	if b.state == Open && b.clock.Now() >= b.openedAt.Add(b.recovery) {
		b.state = HalfOpen
		log.Debug("Circuit breaker probing", "name", b.name)
	}
	return b.state
}

// IsOpen reports whether calls would currently be refused.
func (b *Breaker) IsOpen() bool {
	return b.State() == Open
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// RecordSuccess resets the failure count and closes the breaker. From
// HalfOpen this is the successful probe; from Closed it is a no-op beyond
// clearing the count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stateLocked() == HalfOpen {
		log.Info("Circuit breaker recovered", "name", b.name)
	}
	b.state = Closed
	b.failures = 0
}

// RecordFailure increments the failure count. Reaching the threshold from
// Closed, or failing the HalfOpen probe, opens the breaker and restarts the
// recovery clock.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	switch b.stateLocked() {
	case HalfOpen:
		b.open()
	case Closed:
		if b.failures >= b.threshold {
			b.open()
		}
	}
}

// open transitions to Open. Caller holds b.mu.
func (b *Breaker) open() {
	b.state = Open
	b.openedAt = b.clock.Now()
	b.trips.Inc(1)
	log.Warn("Circuit breaker tripped", "name", b.name, "failures", b.failures, "recovery", b.recovery)
}

// Call runs op if the breaker admits it and records the outcome. When the
// breaker is open, op is not invoked and ErrOpen is returned. Errors from op
// pass through unchanged so callers can still inspect them.
func (b *Breaker) Call(op func() error) error {
	if b.IsOpen() {
		return ErrOpen
	}
	if err := op(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}
