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
	"os"
	"reflect"
	"strings"
	"time"
	"unicode"

	"github.com/ethereum/go-ethereum/log"
	"github.com/fsnotify/fsnotify"
	"github.com/naoina/toml"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"

	"github.com/farmhand-labs/go-farmhand/audit"
	"github.com/farmhand-labs/go-farmhand/limits"
	"github.com/farmhand-labs/go-farmhand/monitor"
	"github.com/farmhand-labs/go-farmhand/optimizer"
	"github.com/farmhand-labs/go-farmhand/profit"
	"github.com/farmhand-labs/go-farmhand/risk"
	"github.com/farmhand-labs/go-farmhand/rpcpool"
	"github.com/farmhand-labs/go-farmhand/scanner"
	"github.com/farmhand-labs/go-farmhand/strategy"
)

// tomlSettings mirrors the strict decoding the config file gets: unknown
// fields are startup errors, not silent typos.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		return fmt.Errorf("field '%s' is not defined in %s", field, rt.String())
	},
}

// agentConfig is the top-level behavior section.
type agentConfig struct {
	Network             string
	Owner               string // agent wallet address (0x…)
	Strategy            string // simple_yield | risk_adjusted
	DryRun              bool
	ReadOnly            bool
	ScanIntervalMinutes int
	MaxRebalancesPerDay int
	MaxGasPerDayUSD     decimal.Decimal
	RunDeadlineHours    int // 0 = run forever
	RiskTolerance       string
}

// endpointConfig is one RPC endpoint entry.
type endpointConfig struct {
	Name               string
	URL                string
	Provider           string
	Network            string
	Priority           string // premium | backup | public
	RateLimitPerSecond int
	RateLimitPerMinute int
}

type rpcConfig struct {
	PremiumEnabled         bool
	PremiumPercentage      int
	FailureThreshold       int
	RecoveryTimeoutSeconds int
	Endpoints              []endpointConfig
	MonthlyAllowances      map[string]int64
}

type scannerConfig struct {
	AdapterTimeoutSeconds  int
	BreakerThreshold       int
	BreakerCooldownSeconds int
}

// poolConfig describes one pool of a statically configured adapter.
type poolConfig struct {
	PoolID   string
	PoolName string
	APY      decimal.Decimal
	TVLUSD   decimal.Decimal
	Tokens   []string
}

// staticAdapterConfig declares an adapter served from configuration. Dry
// runs and simulations are driven entirely from these.
type staticAdapterConfig struct {
	Name  string
	Pools []poolConfig
}

type protocolsConfig struct {
	Static []staticAdapterConfig
}

type oracleConfig struct {
	// Prices: "static" serves PriceTable, "http" fetches spot prices.
	Prices     string
	PriceTable map[string]decimal.Decimal
	HTTP       struct {
		BaseURL               string
		CacheTTLSeconds       int
		RequestTimeoutSeconds int
	}
	NativeSymbol string // gas token, ETH unless overridden
}

type farmhandConfig struct {
	Agent     agentConfig
	RPC       rpcConfig
	Scanner   scannerConfig
	Strategy  strategy.Config
	Profit    profit.Config
	Risk      risk.Config
	Limits    limits.Config
	Oracle    oracleConfig
	Protocols protocolsConfig
	Audit     audit.FileSinkConfig
	Monitor   monitor.Config
}

// defaultConfig is the deliberately safe starting point: dry-run on Base
// with a small static market, so `farmhand run` does something sensible
// before any endpoint or key exists.
func defaultConfig() farmhandConfig {
	cfg := farmhandConfig{
		Agent: agentConfig{
			Network:             "base",
			Strategy:            "risk_adjusted",
			DryRun:              true,
			ScanIntervalMinutes: 60,
			MaxRebalancesPerDay: optimizer.DefaultConfig.MaxRebalancesPerDay,
			MaxGasPerDayUSD:     optimizer.DefaultConfig.MaxGasPerDayUSD,
			RiskTolerance:       "medium",
		},
		RPC: rpcConfig{
			PremiumEnabled:         rpcpool.DefaultConfig.PremiumEnabled,
			PremiumPercentage:      rpcpool.DefaultConfig.PremiumPercentage,
			FailureThreshold:       rpcpool.DefaultConfig.FailureThreshold,
			RecoveryTimeoutSeconds: int(rpcpool.DefaultConfig.RecoveryTimeout / time.Second),
		},
		Scanner: scannerConfig{
			AdapterTimeoutSeconds:  int(scanner.DefaultConfig.AdapterTimeout / time.Second),
			BreakerThreshold:       scanner.DefaultConfig.BreakerThreshold,
			BreakerCooldownSeconds: int(scanner.DefaultConfig.BreakerCooldown / time.Second),
		},
		Strategy: strategy.DefaultConfig,
		Profit:   profit.DefaultConfig,
		Risk:     risk.DefaultConfig,
		Limits:   limits.DefaultConfig,
		Oracle: oracleConfig{
			Prices: "static",
			PriceTable: map[string]decimal.Decimal{
				"USDC": decimal.NewFromInt(1),
				"USDT": decimal.NewFromInt(1),
				"DAI":  decimal.NewFromInt(1),
				"ETH":  decimal.NewFromInt(4000),
			},
			NativeSymbol: "ETH",
		},
		Protocols: protocolsConfig{
			Static: []staticAdapterConfig{
				{Name: "aave", Pools: []poolConfig{{
					PoolID: "aave-usdc", PoolName: "Aave v3 USDC",
					APY: decimal.NewFromFloat(4.2), TVLUSD: decimal.NewFromInt(200_000_000),
					Tokens: []string{"USDC"},
				}}},
				{Name: "compound", Pools: []poolConfig{{
					PoolID: "compound-usdc", PoolName: "Compound v3 USDC",
					APY: decimal.NewFromFloat(5.1), TVLUSD: decimal.NewFromInt(80_000_000),
					Tokens: []string{"USDC"},
				}}},
				{Name: "moonwell", Pools: []poolConfig{{
					PoolID: "moonwell-usdc", PoolName: "Moonwell USDC",
					APY: decimal.NewFromFloat(7.8), TVLUSD: decimal.NewFromInt(50_000_000),
					Tokens: []string{"USDC"},
				}}},
			},
		},
		Audit:   audit.DefaultFileSinkConfig,
		Monitor: monitor.DefaultConfig,
	}
	return cfg
}

// loadConfig reads the TOML file at path over the defaults. A missing file
// is fine when the path was not explicitly given.
func loadConfig(path string, explicit bool) (farmhandConfig, error) {
	cfg := defaultConfig()
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return cfg, err
	}
	defer f.Close()

	if err := tomlSettings.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// applyFlags lets command-line flags override the file.
func applyFlags(ctx *cli.Context, cfg *farmhandConfig) {
	if ctx.IsSet(dryRunFlag.Name) {
		cfg.Agent.DryRun = ctx.Bool(dryRunFlag.Name)
	}
	if ctx.IsSet(readOnlyFlag.Name) {
		cfg.Agent.ReadOnly = ctx.Bool(readOnlyFlag.Name)
	}
	if ctx.IsSet(networkFlag.Name) {
		cfg.Agent.Network = ctx.String(networkFlag.Name)
	}
}

// placeholderMarkers are substrings that betray an unfilled template value.
// Secrets shaped like these must fail at startup, not at first use.
var placeholderMarkers = []string{
	"YOUR_", "YOUR-", "<KEY", "<API", "CHANGEME", "CHANGE_ME", "REPLACE_ME", "XXXX", "${",
}

func looksLikePlaceholder(v string) bool {
	upper := strings.ToUpper(v)
	for _, marker := range placeholderMarkers {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}

// validate rejects any configuration that could misbehave at runtime. It
// never echoes endpoint URLs: validation errors name the endpoint, not its
// secret.
func (cfg *farmhandConfig) validate() error {
	if cfg.Agent.Network == "" {
		return fmt.Errorf("agent network must be set")
	}
	switch cfg.Agent.Strategy {
	case "simple_yield", "risk_adjusted":
	default:
		return fmt.Errorf("unknown strategy %q (want simple_yield or risk_adjusted)", cfg.Agent.Strategy)
	}
	switch cfg.Agent.RiskTolerance {
	case "low", "medium", "high":
	default:
		return fmt.Errorf("unknown risk tolerance %q (want low, medium or high)", cfg.Agent.RiskTolerance)
	}
	if cfg.Agent.ScanIntervalMinutes < 1 {
		return fmt.Errorf("scan interval must be at least one minute, got %d", cfg.Agent.ScanIntervalMinutes)
	}
	if cfg.Agent.MaxRebalancesPerDay < 1 {
		return fmt.Errorf("max rebalances per day must be positive, got %d", cfg.Agent.MaxRebalancesPerDay)
	}
	if !cfg.Agent.MaxGasPerDayUSD.IsPositive() {
		return fmt.Errorf("max gas per day must be positive, got %s", cfg.Agent.MaxGasPerDayUSD)
	}
	if cfg.Agent.Owner != "" && !isHexAddress(cfg.Agent.Owner) {
		return fmt.Errorf("owner %q is not a hex address", cfg.Agent.Owner)
	}

	if err := cfg.Limits.Validate(); err != nil {
		return fmt.Errorf("spending limits: %w", err)
	}

	if cfg.RPC.PremiumPercentage < 0 || cfg.RPC.PremiumPercentage > 100 {
		return fmt.Errorf("premium rpc percentage must be 0-100, got %d", cfg.RPC.PremiumPercentage)
	}
	for _, ep := range cfg.RPC.Endpoints {
		if ep.URL == "" {
			return fmt.Errorf("rpc endpoint %q: missing URL", ep.Name)
		}
		if looksLikePlaceholder(ep.URL) {
			return fmt.Errorf("rpc endpoint %q: URL contains a placeholder value, fill in a real key", ep.Name)
		}
		if _, err := parsePriority(ep.Priority); err != nil {
			return fmt.Errorf("rpc endpoint %q: %w", ep.Name, err)
		}
	}

	switch cfg.Oracle.Prices {
	case "static", "http":
	default:
		return fmt.Errorf("unknown oracle price mode %q (want static or http)", cfg.Oracle.Prices)
	}

	if !cfg.Agent.DryRun && len(cfg.RPC.Endpoints) == 0 {
		return fmt.Errorf("live mode needs at least one rpc endpoint; enable DryRun to run without one")
	}
	return nil
}

func isHexAddress(s string) bool {
	if !strings.HasPrefix(s, "0x") || len(s) != 42 {
		return false
	}
	for _, r := range s[2:] {
		if !unicode.Is(unicode.ASCII_Hex_Digit, r) {
			return false
		}
	}
	return true
}

func parsePriority(s string) (rpcpool.Priority, error) {
	switch strings.ToLower(s) {
	case "premium":
		return rpcpool.Premium, nil
	case "backup":
		return rpcpool.Backup, nil
	case "public", "":
		return rpcpool.Public, nil
	default:
		return 0, fmt.Errorf("invalid priority %q (want premium, backup or public)", s)
	}
}

// endpoints converts the config entries into pool endpoints.
func (cfg *rpcConfig) endpoints() ([]rpcpool.Endpoint, error) {
	out := make([]rpcpool.Endpoint, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		pri, err := parsePriority(ep.Priority)
		if err != nil {
			return nil, err
		}
		out = append(out, rpcpool.Endpoint{
			Name:               ep.Name,
			URL:                ep.URL,
			Provider:           ep.Provider,
			Network:            ep.Network,
			Priority:           pri,
			RateLimitPerSecond: ep.RateLimitPerSecond,
			RateLimitPerMinute: ep.RateLimitPerMinute,
		})
	}
	return out, nil
}

// watchConfig audits edits to the config file while the agent runs. Changes
// do not hot-apply; the event tells the operator a restart is pending.
func watchConfig(path string, sink audit.Sink) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				log.Warn("Configuration file changed on disk, restart to apply", "file", path)
				sink.Log(audit.NewEvent(audit.TypeConfigChanged, audit.SeverityWarning,
					"configuration file changed, restart required to apply", map[string]any{
						"file": path,
					}))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Debug("Config watcher error", "err", err)
			}
		}
	}()
	return watcher, nil
}

// dumpConfig writes the effective configuration as TOML to stdout.
func dumpConfig(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx.String(configFlag.Name), ctx.IsSet(configFlag.Name))
	if err != nil {
		return err
	}
	applyFlags(ctx, &cfg)

	out, err := tomlSettings.Marshal(&cfg)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}
