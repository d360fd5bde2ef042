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
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultAllowances approximates the request-count free tiers of the usual
// providers, per month. Providers absent from the table are treated as
// unmetered. Override via UsageConfig.
var DefaultAllowances = map[string]int64{
	"alchemy":   30_000_000,
	"infura":    3_000_000,
	"quicknode": 10_000_000,
}

// approachingLimitPct flags a provider once this share of its monthly
// allowance is consumed.
const approachingLimitPct = 80.0

// UsageConfig tunes the usage tracker.
type UsageConfig struct {
	Allowances map[string]int64 // provider → monthly request allowance; nil = defaults
}

type tierCount struct {
	requests int64
	failures int64
}

// UsageTracker counts requests per provider and tier for cost supervision.
// Daily counters reset only on explicit ResetDaily (the scheduler calls it
// once per day after emitting the summary); monthly counters reset when the
// calendar month changes, checked lazily on record.
type UsageTracker struct {
	mu         sync.Mutex
	day        map[string]*tierCount // key: provider_priority
	month      map[string]*tierCount // key: provider
	monthStamp string                // "2026-08", resets month map on change
	allowances map[string]int64

	now func() time.Time // test hook
}

// NewUsageTracker creates a tracker with the given allowances (nil selects
// DefaultAllowances).
func NewUsageTracker(cfg UsageConfig) *UsageTracker {
	allow := cfg.Allowances
	if allow == nil {
		allow = DefaultAllowances
	}
	return &UsageTracker{
		day:        make(map[string]*tierCount),
		month:      make(map[string]*tierCount),
		allowances: allow,
		now:        time.Now,
	}
}

// Record counts one request outcome for provider at the given tier.
func (t *UsageTracker) Record(provider string, pri Priority, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	stamp := now.Format("2006-01")
	if stamp != t.monthStamp {
		t.monthStamp = stamp
		t.month = make(map[string]*tierCount)
	}

	dayKey := provider + "_" + pri.String()
	dc := t.day[dayKey]
	if dc == nil {
		dc = &tierCount{}
		t.day[dayKey] = dc
	}
	mc := t.month[provider]
	if mc == nil {
		mc = &tierCount{}
		t.month[provider] = mc
	}
	dc.requests++
	mc.requests++
	if !success {
		dc.failures++
		mc.failures++
	}
}

// ResetDaily zeroes all daily counters. Monthly counters are unaffected.
func (t *UsageTracker) ResetDaily() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.day = make(map[string]*tierCount)
}

// ProviderUsage is one provider's month-to-date standing in the summary.
type ProviderUsage struct {
	Provider         string  `json:"provider"`
	MonthRequests    int64   `json:"month_requests"`
	MonthFailures    int64   `json:"month_failures"`
	MonthlyAllowance int64   `json:"monthly_allowance,omitempty"` // 0 = unmetered
	PercentUsed      float64 `json:"percent_used"`
	ApproachingLimit bool    `json:"approaching_limit"`
}

// Summary is the daily usage report emitted to the audit trail.
type Summary struct {
	Date            string          `json:"date"`
	PremiumRequests int64           `json:"premium_requests"`
	BackupRequests  int64           `json:"backup_requests"`
	PublicRequests  int64           `json:"public_requests"`
	TotalFailures   int64           `json:"total_failures"`
	Providers       []ProviderUsage `json:"providers"`
}

// Summarize builds the daily report from the current counters.
func (t *UsageTracker) Summarize() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	sum := Summary{Date: t.now().UTC().Format("2006-01-02")}
	for key, c := range t.day {
		switch {
		case strings.HasSuffix(key, "_"+Premium.String()):
			sum.PremiumRequests += c.requests
		case strings.HasSuffix(key, "_"+Backup.String()):
			sum.BackupRequests += c.requests
		case strings.HasSuffix(key, "_"+Public.String()):
			sum.PublicRequests += c.requests
		}
		sum.TotalFailures += c.failures
	}

	for provider, c := range t.month {
		pu := ProviderUsage{
			Provider:      provider,
			MonthRequests: c.requests,
			MonthFailures: c.failures,
		}
		if allowance, metered := t.allowances[provider]; metered && allowance > 0 {
			pu.MonthlyAllowance = allowance
			pu.PercentUsed = float64(c.requests) / float64(allowance) * 100
			pu.ApproachingLimit = pu.PercentUsed > approachingLimitPct
		}
		sum.Providers = append(sum.Providers, pu)
	}
	sort.Slice(sum.Providers, func(i, j int) bool {
		return sum.Providers[i].Provider < sum.Providers[j].Provider
	})
	return sum
}

// Metadata renders the summary as audit metadata.
func (s Summary) Metadata() map[string]any {
	providers := make([]any, 0, len(s.Providers))
	for _, p := range s.Providers {
		providers = append(providers, map[string]any{
			"provider":          p.Provider,
			"month_requests":    p.MonthRequests,
			"month_failures":    p.MonthFailures,
			"percent_used":      p.PercentUsed,
			"approaching_limit": p.ApproachingLimit,
		})
	}
	return map[string]any{
		"date":             s.Date,
		"premium_requests": s.PremiumRequests,
		"backup_requests":  s.BackupRequests,
		"public_requests":  s.PublicRequests,
		"total_failures":   s.TotalFailures,
		"providers":        providers,
	}
}
