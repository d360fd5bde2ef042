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

package rpcpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rpc"

	"github.com/farmhand-labs/go-farmhand/circuit"
)

// Priority ranks endpoint tiers. Lower values are tried first.
type Priority int

const (
	Premium Priority = iota
	Backup
	Public
)

func (p Priority) String() string {
	switch p {
	case Premium:
		return "premium"
	case Backup:
		return "backup"
	case Public:
		return "public"
	default:
		return "unknown"
	}
}

// An endpoint is considered unhealthy once it has failed this many times in
// a row; any success resets the streak.
const unhealthyAfter = 3

// EMA smoothing factor for latency tracking.
const latencyAlpha = 0.3

// Endpoint is the static description of one RPC endpoint. Name must be
// unique across the pool; when empty it is derived from provider, priority
// and network. URL is the only field that may carry secret material and must
// never be emitted anywhere without SanitizeURL.
type Endpoint struct {
	Name               string
	URL                string
	Provider           string // alchemy, infura, quicknode, public, ...
	Network            string // base, ethereum, ...
	Priority           Priority
	RateLimitPerSecond int // 0 = unlimited
	RateLimitPerMinute int // 0 = unlimited
}

// ID returns the stable identifier used for breaker keys, metrics and usage
// accounting. It never contains the URL.
func (e *Endpoint) ID() string {
	if e.Name != "" {
		return e.Name
	}
	return fmt.Sprintf("%s_%s_%s", e.Provider, e.Priority, e.Network)
}

func (e *Endpoint) validate() error {
	if e.URL == "" {
		return fmt.Errorf("endpoint %s: missing URL", e.ID())
	}
	if e.Provider == "" {
		return fmt.Errorf("endpoint %q: missing provider", SanitizeURL(e.URL))
	}
	if e.Network == "" {
		return fmt.Errorf("endpoint %s: missing network", e.ID())
	}
	if e.Priority < Premium || e.Priority > Public {
		return fmt.Errorf("endpoint %s: invalid priority %d", e.ID(), e.Priority)
	}
	if e.RateLimitPerSecond < 0 || e.RateLimitPerMinute < 0 {
		return fmt.Errorf("endpoint %s: negative rate limit", e.ID())
	}
	return nil
}

// endpointState is the live, mutable side of an endpoint. All fields behind
// mu; the mutex is never held across a network call.
type endpointState struct {
	Endpoint
	breaker *circuit.Breaker

	mu                  sync.Mutex
	client              *rpc.Client
	consecutiveFailures int
	emaLatencyMs        float64
	lastRequest         time.Time

	// Rate windows. Counters reset lazily when the wall clock crosses the
	// second/minute boundary, so no background timer is needed.
	secondStart   int64 // unix second of the current window
	reqThisSecond int
	minuteStart   int64 // unix minute of the current window
	reqThisMinute int
}

func (s *endpointState) healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutiveFailures < unhealthyAfter
}

// tryAcquire checks both rate windows and, when admitted, records the
// request into them. Returns false when either bucket is exhausted.
func (s *endpointState) tryAcquire(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sec, min := now.Unix(), now.Unix()/60
	if sec != s.secondStart {
		s.secondStart, s.reqThisSecond = sec, 0
	}
	if min != s.minuteStart {
		s.minuteStart, s.reqThisMinute = min, 0
	}
	if s.RateLimitPerSecond > 0 && s.reqThisSecond >= s.RateLimitPerSecond {
		return false
	}
	if s.RateLimitPerMinute > 0 && s.reqThisMinute >= s.RateLimitPerMinute {
		return false
	}
	s.reqThisSecond++
	s.reqThisMinute++
	s.lastRequest = now
	return true
}

// dial returns the cached client, connecting on first use. Dial failures
// count as endpoint failures at the call site.
func (s *endpointState) dial(ctx context.Context) (*rpc.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}
	client, err := rpc.DialContext(ctx, s.URL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %s", s.ID(), SanitizeText(err.Error()))
	}
	s.client = client
	return client, nil
}

// recordSuccess folds the observed latency into the EMA and clears the
// failure streak. Returns true when the endpoint just transitioned back to
// healthy.
func (s *endpointState) recordSuccess(latency time.Duration) (recovered bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms := float64(latency) / float64(time.Millisecond)
	if s.emaLatencyMs == 0 {
		s.emaLatencyMs = ms
	} else {
		s.emaLatencyMs = latencyAlpha*ms + (1-latencyAlpha)*s.emaLatencyMs
	}
	recovered = s.consecutiveFailures >= unhealthyAfter
	s.consecutiveFailures = 0
	return recovered
}

// recordFailure bumps the failure streak. Returns true when the endpoint
// just crossed into unhealthy.
func (s *endpointState) recordFailure() (turnedUnhealthy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveFailures++
	return s.consecutiveFailures == unhealthyAfter
}

// close tears down the cached client, if any.
func (s *endpointState) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
}

// EndpointStatus is a point-in-time snapshot exported to the status API.
// URL is sanitized at snapshot time.
type EndpointStatus struct {
	Name                string   `json:"name"`
	URL                 string   `json:"url"` // sanitized
	Provider            string   `json:"provider"`
	Network             string   `json:"network"`
	Priority            string   `json:"priority"`
	Healthy             bool     `json:"healthy"`
	ConsecutiveFailures int      `json:"consecutive_failures"`
	EMALatencyMs        float64  `json:"ema_latency_ms"`
	BreakerState        string   `json:"breaker_state"`
	RequestsThisMinute  int      `json:"requests_this_minute"`
	LastRequest         *RFCTime `json:"last_request,omitempty"`
}

// RFCTime renders as RFC3339 and omits cleanly when nil.
type RFCTime time.Time

func (t RFCTime) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Time(t).UTC().Format(time.RFC3339) + `"`), nil
}

func (s *endpointState) status() EndpointStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := EndpointStatus{
		Name:                s.ID(),
		URL:                 SanitizeURL(s.URL),
		Provider:            s.Provider,
		Network:             s.Network,
		Priority:            s.Priority.String(),
		Healthy:             s.consecutiveFailures < unhealthyAfter,
		ConsecutiveFailures: s.consecutiveFailures,
		EMALatencyMs:        s.emaLatencyMs,
		BreakerState:        s.breaker.State().String(),
		RequestsThisMinute:  s.reqThisMinute,
	}
	if !s.lastRequest.IsZero() {
		lr := RFCTime(s.lastRequest)
		st.LastRequest = &lr
	}
	return st
}
