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

package optimizer

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/farmhand-labs/go-farmhand/audit"
	"github.com/farmhand-labs/go-farmhand/core"
	"github.com/farmhand-labs/go-farmhand/oracle"
	"github.com/farmhand-labs/go-farmhand/protocol"
	"github.com/farmhand-labs/go-farmhand/store"
)

var reconcileMeter = metrics.NewRegisteredMeter("optimizer/reconciled", nil)

// Reconciler trues the position store up against on-chain balances at the
// start of every cycle. The chain is authoritative: a position the store
// believes in but the adapter reports empty was closed externally and gets
// dropped; changed balances (accrued interest, partial external withdrawals)
// are upserted at current value.
type Reconciler struct {
	store  store.Store
	reg    *protocol.Registry
	prices oracle.Source
	owner  common.Address
	sink   audit.Sink
}

func NewReconciler(st store.Store, reg *protocol.Registry, prices oracle.Source, owner common.Address, sink audit.Sink) *Reconciler {
	if sink == nil {
		sink = audit.Nop{}
	}
	return &Reconciler{store: st, reg: reg, prices: prices, owner: owner, sink: sink}
}

// Reconcile walks every stored position. Per-position read failures are
// logged and skipped, never treated as a zero balance: closing a position on
// an RPC hiccup would make the agent redeploy capital it still holds.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	positions, err := r.store.Positions()
	if err != nil {
		return err
	}

	for i := range positions {
		p := &positions[i]
		adapter, err := r.reg.Get(p.Protocol)
		if err != nil {
			log.Warn("Position references unknown adapter", "position", p.ID(), "err", err)
			continue
		}
		bal, err := adapter.Balance(ctx, p.PoolID, r.owner)
		if err != nil {
			log.Warn("Balance read failed during reconciliation", "position", p.ID(), "err", err)
			continue
		}

		if bal.Sign() == 0 {
			if err := r.store.ClosePosition(p.ID()); err != nil {
				log.Warn("Failed to close drained position", "position", p.ID(), "err", err)
				continue
			}
			reconcileMeter.Mark(1)
			log.Info("Position closed externally", "position", p.ID(), "recorded_value", p.ValueUSD)
			r.sink.Log(audit.NewEvent(audit.TypePositionReconciled, audit.SeverityWarning,
				"position closed externally", map[string]any{
					"position":           p.ID(),
					"recorded_value_usd": p.ValueUSD.String(),
				}))
			continue
		}

		if p.AmountRaw != nil && bal.Cmp(p.AmountRaw) == 0 {
			continue
		}

		updated := *p
		updated.AmountRaw = bal
		updated.UpdatedAt = time.Now().UTC()
		if price, err := r.prices.Price(ctx, p.Token); err == nil {
			updated.ValueUSD = core.FormatUnits(bal, p.Decimals).Mul(price)
		} else {
			log.Warn("Price unavailable during reconciliation, keeping stale value",
				"position", p.ID(), "err", err)
		}
		if err := r.store.Upsert(updated); err != nil {
			log.Warn("Failed to upsert reconciled position", "position", p.ID(), "err", err)
			continue
		}
		reconcileMeter.Mark(1)
		log.Debug("Position reconciled", "position", p.ID(),
			"recorded", p.AmountRaw, "actual", bal)
		r.sink.Log(audit.NewEvent(audit.TypePositionReconciled, audit.SeverityInfo,
			"position balance updated from chain", map[string]any{
				"position":  p.ID(),
				"value_usd": updated.ValueUSD.String(),
			}))
	}
	return nil
}
