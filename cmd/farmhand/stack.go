// Copyright 2025 The go-farmhand Authors
// This file is part of go-farmhand.
//
// go-farmhand is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// go-farmhand is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with go-farmhand. If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"fmt"
	"math/big"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/shopspring/decimal"

	"github.com/farmhand-labs/go-farmhand/audit"
	"github.com/farmhand-labs/go-farmhand/core"
	"github.com/farmhand-labs/go-farmhand/executor"
	"github.com/farmhand-labs/go-farmhand/gateway"
	"github.com/farmhand-labs/go-farmhand/limits"
	"github.com/farmhand-labs/go-farmhand/optimizer"
	"github.com/farmhand-labs/go-farmhand/oracle"
	"github.com/farmhand-labs/go-farmhand/profit"
	"github.com/farmhand-labs/go-farmhand/protocol"
	"github.com/farmhand-labs/go-farmhand/risk"
	"github.com/farmhand-labs/go-farmhand/rpcpool"
	"github.com/farmhand-labs/go-farmhand/scanner"
	"github.com/farmhand-labs/go-farmhand/store"
	"github.com/farmhand-labs/go-farmhand/strategy"
)

// agentStack is the assembled agent: every component wired, nothing started.
type agentStack struct {
	sink       audit.Sink
	events     *audit.MemorySink
	fileSink   *audit.FileSink
	dispatcher *rpcpool.Dispatcher
	registry   *protocol.Registry
	store      store.Store
	opt        *optimizer.Optimizer
}

// Close tears the stack down in reverse dependency order.
func (s *agentStack) Close() {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Warn("Position store close failed", "err", err)
		}
	}
	if s.dispatcher != nil {
		s.dispatcher.Close()
	}
	if s.fileSink != nil {
		if err := s.fileSink.Close(); err != nil {
			log.Warn("Audit sink close failed", "err", err)
		}
	}
}

// buildStack wires the whole agent from the validated configuration.
func buildStack(cfg *farmhandConfig, datadir string) (*agentStack, error) {
	stack := &agentStack{}

	// Audit trail: durable JSONL plus an in-memory ring for the status API.
	auditCfg := cfg.Audit
	if auditCfg.Path == "" {
		auditCfg.Path = filepath.Join(datadir, "audit.log")
	}
	stack.fileSink = audit.NewFileSink(auditCfg)
	stack.events = audit.NewMemorySink(512)
	stack.sink = audit.MultiSink{stack.fileSink, stack.events}

	// RPC pool, when endpoints exist. Dry runs without any endpoint operate
	// fully offline on the static stack.
	if len(cfg.RPC.Endpoints) > 0 {
		endpoints, err := cfg.RPC.endpoints()
		if err != nil {
			return nil, err
		}
		stack.dispatcher, err = rpcpool.New(rpcpool.Config{
			PremiumEnabled:    cfg.RPC.PremiumEnabled,
			PremiumPercentage: cfg.RPC.PremiumPercentage,
			FailureThreshold:  cfg.RPC.FailureThreshold,
			RecoveryTimeout:   time.Duration(cfg.RPC.RecoveryTimeoutSeconds) * time.Second,
			Allowances:        cfg.RPC.MonthlyAllowances,
		}, endpoints, stack.sink)
		if err != nil {
			stack.Close()
			return nil, err
		}
	}

	// Prices.
	var prices oracle.Source
	switch cfg.Oracle.Prices {
	case "http":
		src, err := oracle.NewHTTPSource(oracle.HTTPConfig{
			BaseURL:        cfg.Oracle.HTTP.BaseURL,
			CacheTTL:       time.Duration(cfg.Oracle.HTTP.CacheTTLSeconds) * time.Second,
			RequestTimeout: time.Duration(cfg.Oracle.HTTP.RequestTimeoutSeconds) * time.Second,
		})
		if err != nil {
			stack.Close()
			return nil, err
		}
		prices = src
	default:
		prices = oracle.StaticSource(cfg.Oracle.PriceTable)
	}

	// Gas: chain-backed when a dispatcher exists, flat figures otherwise.
	var gas oracle.GasSource
	if stack.dispatcher != nil {
		chain := gateway.New(stack.dispatcher, cfg.Agent.Network)
		gas = oracle.NewChainGasSource(chain, prices, cfg.Oracle.NativeSymbol)
	} else {
		gas = oracle.StaticGasSource{
			PriceWei:   big.NewInt(1_000_000_000), // 1 gwei
			USDPerUnit: decimal.RequireFromString("0.0000125"),
		}
	}

	// Adapters from configuration, dry-run wrapped when simulating.
	stack.registry = protocol.NewRegistry()
	for _, ac := range cfg.Protocols.Static {
		adapter := protocol.NewStatic(ac.Name)
		for _, pc := range ac.Pools {
			adapter.AddPool(core.YieldOpportunity{
				PoolID:   pc.PoolID,
				PoolName: pc.PoolName,
				APY:      pc.APY,
				TVLUSD:   pc.TVLUSD,
				Tokens:   pc.Tokens,
			})
		}
		var wired protocol.Adapter = adapter
		if cfg.Agent.DryRun {
			wired = protocol.DryRun(adapter)
		}
		if err := stack.registry.Register(wired); err != nil {
			stack.Close()
			return nil, err
		}
	}
	if stack.registry.Len() == 0 {
		stack.Close()
		return nil, fmt.Errorf("no protocol adapters configured")
	}

	// Position store.
	st, err := store.OpenLevelDB(filepath.Join(datadir, "positions"))
	if err != nil {
		stack.Close()
		return nil, fmt.Errorf("opening position store: %w", err)
	}
	stack.store = st

	limiter, err := limits.New(cfg.Limits, nil, stack.sink)
	if err != nil {
		stack.Close()
		return nil, err
	}

	calc := profit.NewCalculator(cfg.Profit, gas)
	assessor := risk.NewAssessor(cfg.Risk)

	stratCfg := cfg.Strategy
	stratCfg.AllowHighRisk = stratCfg.AllowHighRisk || cfg.Agent.RiskTolerance == "high"
	var strat strategy.Strategy
	switch cfg.Agent.Strategy {
	case "simple_yield":
		strat = strategy.NewSimpleYield(stratCfg, calc)
	default:
		strat = strategy.NewRiskAdjusted(stratCfg, calc, assessor)
	}

	var owner common.Address
	if cfg.Agent.Owner != "" {
		owner = common.HexToAddress(cfg.Agent.Owner)
	}

	exec := executor.New(executor.Config{
		ReadOnly: cfg.Agent.ReadOnly,
		DryRun:   cfg.Agent.DryRun,
		Owner:    owner,
	}, stack.registry, gas, prices, limiter, stack.sink)

	sc := scanner.New(scanner.Config{
		AdapterTimeout:   time.Duration(cfg.Scanner.AdapterTimeoutSeconds) * time.Second,
		BreakerThreshold: cfg.Scanner.BreakerThreshold,
		BreakerCooldown:  time.Duration(cfg.Scanner.BreakerCooldownSeconds) * time.Second,
	}, stack.registry, stack.sink)

	rec := optimizer.NewReconciler(stack.store, stack.registry, prices, owner, stack.sink)

	var usage *rpcpool.UsageTracker
	if stack.dispatcher != nil {
		usage = stack.dispatcher.Usage()
	}
	stack.opt = optimizer.New(optimizer.Config{
		Interval:            time.Duration(cfg.Agent.ScanIntervalMinutes) * time.Minute,
		MaxRebalancesPerDay: cfg.Agent.MaxRebalancesPerDay,
		MaxGasPerDayUSD:     cfg.Agent.MaxGasPerDayUSD,
		RunDeadline:         time.Duration(cfg.Agent.RunDeadlineHours) * time.Hour,
		WatchdogWarn:        optimizer.DefaultConfig.WatchdogWarn,
		WatchdogLimit:       optimizer.DefaultConfig.WatchdogLimit,
		ErrorBackoff:        optimizer.DefaultConfig.ErrorBackoff,
		CheckSlice:          optimizer.DefaultConfig.CheckSlice,
	}, sc, strat, calc, exec, stack.store, rec, usage, stack.sink, nil)

	return stack, nil
}
