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

// Package rpcpool dispatches chain calls across a tiered pool of RPC
// endpoints (premium, backup, public) with health tracking, per-endpoint
// rate limits, circuit breakers, usage accounting and API-key redaction.
package rpcpool

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/farmhand-labs/go-farmhand/audit"
	"github.com/farmhand-labs/go-farmhand/circuit"
)

var (
	// ErrNoEndpoints is returned when a network has no endpoints configured.
	ErrNoEndpoints = errors.New("no endpoints configured for network")

	// ErrAllEndpointsFailed is returned when every candidate endpoint was
	// skipped or failed for a call.
	ErrAllEndpointsFailed = errors.New("all rpc endpoints failed")
)

var (
	premiumReqMeter  = metrics.NewRegisteredMeter("rpc/requests/premium", nil)
	backupReqMeter   = metrics.NewRegisteredMeter("rpc/requests/backup", nil)
	publicReqMeter   = metrics.NewRegisteredMeter("rpc/requests/public", nil)
	failureMeter     = metrics.NewRegisteredMeter("rpc/failures", nil)
	rateSkipMeter    = metrics.NewRegisteredMeter("rpc/skipped/ratelimited", nil)
	breakerSkipMeter = metrics.NewRegisteredMeter("rpc/skipped/breaker", nil)
	exhaustedMeter   = metrics.NewRegisteredMeter("rpc/exhausted", nil)
	latencyTimer     = metrics.NewRegisteredTimer("rpc/latency", nil)
)

// Config are the pool-wide dispatcher options.
type Config struct {
	PremiumEnabled    bool // admit premium-tier endpoints at all
	PremiumPercentage int  // 0-100, gradual rollout probability for premium

	FailureThreshold int           // breaker: consecutive failures before opening
	RecoveryTimeout  time.Duration // breaker: open interval before probing

	Allowances map[string]int64 // provider → monthly request allowance (nil = defaults)
}

// DefaultConfig contains the default configuration of the dispatcher.
var DefaultConfig = Config{
	PremiumEnabled:    true,
	PremiumPercentage: 100,
	FailureThreshold:  5,
	RecoveryTimeout:   60 * time.Second,
}

// sanitize checks the provided configuration and changes anything unreasonable.
func (cfg Config) sanitize() Config {
	conf := cfg
	if conf.PremiumPercentage < 0 || conf.PremiumPercentage > 100 {
		log.Warn("Sanitizing invalid premium rpc percentage", "provided", conf.PremiumPercentage, "updated", DefaultConfig.PremiumPercentage)
		conf.PremiumPercentage = DefaultConfig.PremiumPercentage
	}
	if conf.FailureThreshold < 1 {
		log.Warn("Sanitizing invalid rpc failure threshold", "provided", conf.FailureThreshold, "updated", DefaultConfig.FailureThreshold)
		conf.FailureThreshold = DefaultConfig.FailureThreshold
	}
	if conf.RecoveryTimeout < time.Second {
		log.Warn("Sanitizing invalid rpc recovery timeout", "provided", conf.RecoveryTimeout, "updated", DefaultConfig.RecoveryTimeout)
		conf.RecoveryTimeout = DefaultConfig.RecoveryTimeout
	}
	return conf
}

// Op is a chain call executed against a connected client. The dispatcher
// measures, retries across endpoints and accounts for it; the op itself must
// be side-effect free on failure so it can be replayed on the next endpoint.
type Op func(ctx context.Context, client *rpc.Client) error

// Dispatcher routes ops to the best available endpoint per network.
// Endpoints live in a flat arena; per-network index lists are pre-sorted by
// tier so selection never allocates sorting scratch.
type Dispatcher struct {
	cfg   Config
	sink  audit.Sink
	usage *UsageTracker

	mu        sync.RWMutex
	arena     []*endpointState
	byNetwork map[string][]int

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New builds a dispatcher over the given endpoints. Endpoint IDs must be
// unique; every endpoint gets its own circuit breaker keyed by that ID.
func New(cfg Config, endpoints []Endpoint, sink audit.Sink) (*Dispatcher, error) {
	cfg = cfg.sanitize()
	if sink == nil {
		sink = audit.Nop{}
	}
	if len(endpoints) == 0 {
		return nil, errors.New("rpcpool: no endpoints configured")
	}

	d := &Dispatcher{
		cfg:       cfg,
		sink:      sink,
		usage:     NewUsageTracker(UsageConfig{Allowances: cfg.Allowances}),
		byNetwork: make(map[string][]int),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	seen := make(map[string]bool)
	for _, ep := range endpoints {
		if err := ep.validate(); err != nil {
			return nil, err
		}
		id := ep.ID()
		if seen[id] {
			return nil, fmt.Errorf("rpcpool: duplicate endpoint id %q", id)
		}
		seen[id] = true

		state := &endpointState{
			Endpoint: ep,
			breaker:  circuit.New("rpc/"+id, cfg.FailureThreshold, cfg.RecoveryTimeout, nil),
		}
		d.arena = append(d.arena, state)
		d.byNetwork[ep.Network] = append(d.byNetwork[ep.Network], len(d.arena)-1)
	}
	// Pre-sort each network's list premium -> backup -> public, keeping
	// registration order inside a tier.
	for _, idxs := range d.byNetwork {
		sort.SliceStable(idxs, func(i, j int) bool {
			return d.arena[idxs[i]].Priority < d.arena[idxs[j]].Priority
		})
	}

	for network, idxs := range d.byNetwork {
		log.Info("Registered rpc endpoints", "network", network, "count", len(idxs))
	}
	return d, nil
}

// Execute runs op against the best available endpoint for network, failing
// over through the candidate list. It returns the first success, or
// ErrAllEndpointsFailed wrapping the last failure.
func (d *Dispatcher) Execute(ctx context.Context, network string, op Op) error {
	d.mu.RLock()
	known := len(d.byNetwork[network]) > 0
	d.mu.RUnlock()
	if !known {
		return fmt.Errorf("%w: %s", ErrNoEndpoints, network)
	}

	includePremium := d.admitPremium()
	candidates := d.candidates(network, includePremium, true)
	if len(candidates) == 0 {
		// Every endpoint is unhealthy. Retry over the full list as a last
		// resort: breakers still guard each one, and a success is the only
		// path back to healthy.
		candidates = d.candidates(network, includePremium, false)
	}

	var lastErr error
	for _, ep := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		if ep.breaker.IsOpen() {
			breakerSkipMeter.Mark(1)
			continue
		}
		if !ep.tryAcquire(time.Now()) {
			rateSkipMeter.Mark(1)
			log.Trace("Endpoint rate limited", "endpoint", ep.ID())
			continue
		}

		client, err := ep.dial(ctx)
		if err != nil {
			lastErr = err
			d.onFailure(ep, err)
			continue
		}

		tierMeter(ep.Priority).Mark(1)
		start := time.Now()
		err = ep.breaker.Call(func() error { return op(ctx, client) })
		if errors.Is(err, circuit.ErrOpen) {
			breakerSkipMeter.Mark(1)
			continue
		}
		if err != nil {
			lastErr = err
			d.onFailure(ep, err)
			continue
		}
		d.onSuccess(ep, time.Since(start))
		return nil
	}

	exhaustedMeter.Mark(1)
	if lastErr != nil {
		return fmt.Errorf("%w (network %s): %s", ErrAllEndpointsFailed, network, SanitizeText(lastErr.Error()))
	}
	return fmt.Errorf("%w (network %s): all candidates skipped", ErrAllEndpointsFailed, network)
}

// admitPremium draws the gradual-rollout decision for one Execute call.
func (d *Dispatcher) admitPremium() bool {
	if !d.cfg.PremiumEnabled {
		return false
	}
	if d.cfg.PremiumPercentage >= 100 {
		return true
	}
	if d.cfg.PremiumPercentage <= 0 {
		return false
	}
	d.rngMu.Lock()
	v := d.rng.Float64()
	d.rngMu.Unlock()
	return v*100 < float64(d.cfg.PremiumPercentage)
}

// candidates returns the tier-ordered endpoint list for network. With
// healthyOnly, endpoints at or past the failure streak limit are excluded.
func (d *Dispatcher) candidates(network string, includePremium, healthyOnly bool) []*endpointState {
	d.mu.RLock()
	defer d.mu.RUnlock()

	idxs := d.byNetwork[network]
	out := make([]*endpointState, 0, len(idxs))
	for _, i := range idxs {
		ep := d.arena[i]
		if ep.Priority == Premium && !includePremium {
			continue
		}
		if healthyOnly && !ep.healthy() {
			continue
		}
		out = append(out, ep)
	}
	return out
}

func (d *Dispatcher) onSuccess(ep *endpointState, latency time.Duration) {
	latencyTimer.Update(latency)
	if recovered := ep.recordSuccess(latency); recovered {
		log.Info("Endpoint recovered", "endpoint", ep.ID(), "provider", ep.Provider)
	}
	d.usage.Record(ep.Provider, ep.Priority, true)
}

func (d *Dispatcher) onFailure(ep *endpointState, err error) {
	failureMeter.Mark(1)
	d.usage.Record(ep.Provider, ep.Priority, false)

	sanitized := SanitizeText(err.Error())
	log.Warn("Endpoint call failed", "endpoint", ep.ID(), "provider", ep.Provider, "err", sanitized)

	if ep.recordFailure() {
		log.Warn("Endpoint marked unhealthy", "endpoint", ep.ID(), "provider", ep.Provider, "failures", unhealthyAfter)
		d.sink.Log(audit.NewEvent(audit.TypeRPCEndpointFailure, audit.SeverityWarning,
			fmt.Sprintf("endpoint %s unhealthy after %d consecutive failures", ep.ID(), unhealthyAfter),
			map[string]any{
				"provider": ep.Provider,
				"priority": ep.Priority.String(),
				"network":  ep.Network,
				"error":    sanitized,
			}))
	}
	if ep.breaker.State() == circuit.Open {
		d.sink.Log(audit.NewEvent(audit.TypeRPCBreakerOpened, audit.SeverityWarning,
			fmt.Sprintf("circuit breaker opened for endpoint %s", ep.ID()),
			map[string]any{
				"provider": ep.Provider,
				"priority": ep.Priority.String(),
				"network":  ep.Network,
			}))
	}
}

func tierMeter(p Priority) *metrics.Meter {
	switch p {
	case Premium:
		return premiumReqMeter
	case Backup:
		return backupReqMeter
	default:
		return publicReqMeter
	}
}

// Usage exposes the tracker for summaries and resets.
func (d *Dispatcher) Usage() *UsageTracker {
	return d.usage
}

// Status snapshots every endpoint for the status API. URLs are sanitized.
func (d *Dispatcher) Status() []EndpointStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]EndpointStatus, 0, len(d.arena))
	for _, ep := range d.arena {
		out = append(out, ep.status())
	}
	return out
}

// Networks lists the configured networks in sorted order.
func (d *Dispatcher) Networks() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	nets := make([]string, 0, len(d.byNetwork))
	for n := range d.byNetwork {
		nets = append(nets, n)
	}
	sort.Strings(nets)
	return nets
}

// Close tears down all cached client connections.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ep := range d.arena {
		ep.close()
	}
}
