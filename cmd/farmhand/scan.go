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
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	"github.com/farmhand-labs/go-farmhand/core"
	"github.com/farmhand-labs/go-farmhand/protocol"
	"github.com/farmhand-labs/go-farmhand/scanner"
)

// runScan performs one scan across the configured adapters and prints the
// opportunity table, best APY first.
func runScan(cliCtx *cli.Context) error {
	cfg, err := loadConfig(cliCtx.String(configFlag.Name), cliCtx.IsSet(configFlag.Name))
	if err != nil {
		return err
	}
	applyFlags(cliCtx, &cfg)
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	registry := protocol.NewRegistry()
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
		if err := registry.Register(adapter); err != nil {
			return err
		}
	}

	sc := scanner.New(scanner.Config{
		AdapterTimeout:   time.Duration(cfg.Scanner.AdapterTimeoutSeconds) * time.Second,
		BreakerThreshold: cfg.Scanner.BreakerThreshold,
		BreakerCooldown:  time.Duration(cfg.Scanner.BreakerCooldownSeconds) * time.Second,
	}, registry, nil)

	ctx, cancel := context.WithTimeout(cliCtx.Context, 2*time.Minute)
	defer cancel()
	opps, err := sc.ScanAll(ctx)
	if err != nil {
		return err
	}
	if len(opps) == 0 {
		fmt.Println("no opportunities found")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Protocol", "Pool", "APY %", "TVL (USD)", "Tokens"})
	for _, o := range opps {
		name := o.PoolName
		if name == "" {
			name = o.PoolID
		}
		table.Append([]string{
			o.Protocol,
			name,
			o.APY.StringFixed(2),
			o.TVLUSD.StringFixed(0),
			strings.Join(o.Tokens, ","),
		})
	}
	table.Render()

	cmp := scanner.Compare(opps)
	fmt.Printf("\n%d pools, mean %s%%, median %s%%, spread %s points\n",
		cmp.Count, cmp.MeanAPY.StringFixed(2), cmp.MedianAPY.StringFixed(2), cmp.Spread.StringFixed(2))
	return nil
}
