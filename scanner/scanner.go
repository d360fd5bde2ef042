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

// Package scanner fans out across all registered protocol adapters in
// parallel and aggregates their yield opportunities. Adapters are isolated
// from one another: each scan task runs under its own timeout and circuit
// breaker, so one hung or broken protocol never suppresses the others'
// results.
package scanner

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/shopspring/decimal"

	"github.com/farmhand-labs/go-farmhand/audit"
	"github.com/farmhand-labs/go-farmhand/circuit"
	"github.com/farmhand-labs/go-farmhand/core"
	"github.com/farmhand-labs/go-farmhand/protocol"
)

var (
	scanTimer         = metrics.NewRegisteredTimer("scanner/scan", nil)
	opportunityGauge  = metrics.NewRegisteredGauge("scanner/opportunities", nil)
	adapterFailMeter  = metrics.NewRegisteredMeter("scanner/adapter/failures", nil)
	adapterSkipMeter  = metrics.NewRegisteredMeter("scanner/adapter/skipped", nil)
	adapterScanMeters = make(map[string]*metrics.Meter)
	adapterMeterMu    sync.Mutex
)

func adapterMeter(name string) *metrics.Meter {
	adapterMeterMu.Lock()
	defer adapterMeterMu.Unlock()
	m, ok := adapterScanMeters[name]
	if !ok {
		m = metrics.NewRegisteredMeter("scanner/adapter/"+name+"/scans", nil)
		adapterScanMeters[name] = m
	}
	return m
}

// Config tunes the scan fan-out.
type Config struct {
	AdapterTimeout   time.Duration // per-adapter deadline for one scan
	BreakerThreshold int           // consecutive failures before skipping an adapter
	BreakerCooldown  time.Duration // skip interval once tripped
}

// DefaultConfig contains the default scanner configuration.
var DefaultConfig = Config{
	AdapterTimeout:   30 * time.Second,
	BreakerThreshold: 3,
	BreakerCooldown:  300 * time.Second,
}

// sanitize checks the provided configuration and changes anything
// unreasonable.
func (cfg Config) sanitize() Config {
	conf := cfg
	if conf.AdapterTimeout <= 0 {
		log.Warn("Sanitizing invalid adapter timeout", "provided", conf.AdapterTimeout, "updated", DefaultConfig.AdapterTimeout)
		conf.AdapterTimeout = DefaultConfig.AdapterTimeout
	}
	if conf.BreakerThreshold < 1 {
		log.Warn("Sanitizing invalid breaker threshold", "provided", conf.BreakerThreshold, "updated", DefaultConfig.BreakerThreshold)
		conf.BreakerThreshold = DefaultConfig.BreakerThreshold
	}
	if conf.BreakerCooldown <= 0 {
		log.Warn("Sanitizing invalid breaker cooldown", "provided", conf.BreakerCooldown, "updated", DefaultConfig.BreakerCooldown)
		conf.BreakerCooldown = DefaultConfig.BreakerCooldown
	}
	return conf
}

// Scanner aggregates yield opportunities across the adapter registry.
type Scanner struct {
	cfg  Config
	reg  *protocol.Registry
	sink audit.Sink

	mu       sync.Mutex
	breakers map[string]*circuit.Breaker
}

// New creates a scanner over the registry. sink may be nil.
func New(cfg Config, reg *protocol.Registry, sink audit.Sink) *Scanner {
	if sink == nil {
		sink = audit.Nop{}
	}
	return &Scanner{
		cfg:      cfg.sanitize(),
		reg:      reg,
		sink:     sink,
		breakers: make(map[string]*circuit.Breaker),
	}
}

// breaker returns the adapter's breaker, creating it on first use.
func (s *Scanner) breaker(name string) *circuit.Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[name]
	if !ok {
		b = circuit.New("scanner/"+name, s.cfg.BreakerThreshold, s.cfg.BreakerCooldown, nil)
		s.breakers[name] = b
	}
	return b
}

// scanResult carries one adapter's outcome back to the aggregator. index
// preserves registration order so equal-APY pools sort stably.
type scanResult struct {
	index int
	name  string
	opps  []core.YieldOpportunity
	err   error
}

// scanGrace pads the aggregation deadline so adapters that honor their
// context have time to surface its error before they are written off.
const scanGrace = 100 * time.Millisecond

// ScanAll queries every registered adapter in parallel and returns the
// combined opportunities sorted by APY descending. Adapter failures are
// counted, logged and omitted; they never fail the scan. The only error
// returned is the context's own.
//
// The aggregation holds its own deadline rather than waiting for the scan
// goroutines: an adapter that ignores its context is abandoned once the
// timeout passes, its goroutine left to drain into the buffered results
// channel whenever it finally returns.
func (s *Scanner) ScanAll(ctx context.Context) ([]core.YieldOpportunity, error) {
	start := time.Now()
	defer scanTimer.UpdateSince(start)

	adapters := s.reg.All()
	results := make(chan scanResult, len(adapters))

	pending := make(map[int]string)
	for i, adapter := range adapters {
		name := adapter.Name()
		if s.breaker(name).IsOpen() {
			adapterSkipMeter.Mark(1)
			log.Debug("Skipping adapter with open breaker", "adapter", name)
			continue
		}
		pending[i] = name
		go func(index int, a protocol.Adapter) {
			scanCtx, cancel := context.WithTimeout(ctx, s.cfg.AdapterTimeout)
			defer cancel()

			adapterMeter(a.Name()).Mark(1)
			opps, err := a.Pools(scanCtx)
			results <- scanResult{index: index, name: a.Name(), opps: opps, err: err}
		}(i, adapter)
	}

	deadline := time.NewTimer(s.cfg.AdapterTimeout + scanGrace)
	defer deadline.Stop()

	byIndex := make([]scanResult, 0, len(pending))
collect:
	for len(pending) > 0 {
		select {
		case res := <-results:
			delete(pending, res.index)
			byIndex = append(byIndex, res)
		case <-deadline.C:
			break collect
		case <-ctx.Done():
			break collect
		}
	}
	sort.Slice(byIndex, func(i, j int) bool { return byIndex[i].index < byIndex[j].index })

	// Whatever is still pending overran the deadline without noticing.
	failed := len(pending)
	for _, name := range pending {
		adapterFailMeter.Mark(1)
		s.breaker(name).RecordFailure()
		log.Warn("Adapter scan abandoned", "adapter", name, "timeout", s.cfg.AdapterTimeout)
	}

	var out []core.YieldOpportunity
	for _, res := range byIndex {
		if res.err != nil {
			failed++
			adapterFailMeter.Mark(1)
			s.breaker(res.name).RecordFailure()
			log.Warn("Adapter scan failed", "adapter", res.name, "err", res.err)
			continue
		}
		s.breaker(res.name).RecordSuccess()
		out = append(out, res.opps...)
	}

	// Stable sort keeps registration order as the tiebreak for equal APY.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].APY.GreaterThan(out[j].APY)
	})

	opportunityGauge.Update(int64(len(out)))
	log.Info("Yield scan complete", "adapters", len(adapters), "failed", failed,
		"opportunities", len(out), "elapsed", common.PrettyDuration(time.Since(start)))

	s.sink.Log(audit.NewEvent(audit.TypeYieldScan, audit.SeverityInfo,
		"yield scan complete", map[string]any{
			"adapters":      len(adapters),
			"failed":        failed,
			"opportunities": len(out),
			"elapsed_ms":    time.Since(start).Milliseconds(),
		}))

	if err := ctx.Err(); err != nil {
		return out, err
	}
	return out, nil
}

// BestForToken returns the highest-APY opportunity involving token, or nil.
// The input must already be sorted APY-descending (ScanAll output).
func BestForToken(opps []core.YieldOpportunity, token string) *core.YieldOpportunity {
	for i := range opps {
		if opps[i].HasToken(token) {
			return &opps[i]
		}
	}
	return nil
}

// FilterOptions narrow a scan result. Zero values disable a criterion.
type FilterOptions struct {
	MinAPY decimal.Decimal
	MinTVL decimal.Decimal
	Token  string
}

// Filter returns the opportunities matching all criteria, preserving order.
func Filter(opps []core.YieldOpportunity, opt FilterOptions) []core.YieldOpportunity {
	var out []core.YieldOpportunity
	for _, o := range opps {
		if !opt.MinAPY.IsZero() && o.APY.LessThan(opt.MinAPY) {
			continue
		}
		if !opt.MinTVL.IsZero() && o.TVLUSD.LessThan(opt.MinTVL) {
			continue
		}
		if opt.Token != "" && !o.HasToken(opt.Token) {
			continue
		}
		out = append(out, o)
	}
	return out
}
