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

// Package audit provides the append-only event trail of the agent. Every
// consequential decision (scan, recommendation, execution, limit breach,
// endpoint failure) is recorded as a structured event through a Sink.
//
// Metadata must never contain secret material: API keys, seeds or raw signing
// keys. Events about RPC endpoints carry the provider name only; URLs pass
// through rpcpool.SanitizeURL before they may appear anywhere.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Type names a kind of audit event. The set is open: components may define
// further types, but the well-known ones are enumerated here so consumers can
// match on them.
type Type string

const (
	TypeAgentStarted         Type = "agent_started"
	TypeAgentStopped         Type = "agent_stopped"
	TypeYieldScan            Type = "yield_scan"
	TypeOpportunityFound     Type = "rebalance_opportunity_found"
	TypeRebalanceExecuted    Type = "rebalance_executed"
	TypeRebalanceFailed      Type = "rebalance_failed"
	TypeTransactionSubmitted Type = "transaction_submitted"
	TypeRPCUsageSummary      Type = "rpc_usage_summary"
	TypeRPCEndpointFailure   Type = "rpc_endpoint_failure"
	TypeRPCBreakerOpened     Type = "rpc_circuit_breaker_opened"
	TypeSpendingLimitBreach  Type = "spending_limit_breach"
	TypeConfigChanged        Type = "config_changed"
	TypeSchedulerError       Type = "scheduler_error"
	TypePositionReconciled   Type = "position_reconciled"
)

// Severity grades an event.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// Event is one audit record. Timestamps are UTC. Metadata is free-form JSON
// and serializes as given, so callers are responsible for redacting anything
// sensitive before it gets here.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      Type           `json:"event_type"`
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	User      string         `json:"user,omitempty"`
}

// NewEvent assembles an event with a fresh ID and the current UTC time.
func NewEvent(typ Type, sev Severity, msg string, metadata map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Type:      typ,
		Severity:  sev,
		Message:   msg,
		Metadata:  metadata,
	}
}
