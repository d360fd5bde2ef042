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

// farmhand is the autonomous yield optimization agent. It scans lending
// protocols for yield, weighs every move against gas, slippage and risk, and
// rebalances positions on a schedule under hard spending limits.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/gofrs/flock"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"

	"github.com/farmhand-labs/go-farmhand/monitor"
)

const (
	versionMajor = 0
	versionMinor = 3
	versionPatch = 0
)

func version() string {
	return fmt.Sprintf("%d.%d.%d", versionMajor, versionMinor, versionPatch)
}

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Usage:   "TOML configuration file",
		Value:   "farmhand.toml",
		EnvVars: []string{"FARMHAND_CONFIG"},
	}
	datadirFlag = &cli.StringFlag{
		Name:    "datadir",
		Usage:   "Data directory for the position store and audit trail",
		Value:   defaultDataDir(),
		EnvVars: []string{"FARMHAND_DATADIR"},
	}
	verbosityFlag = &cli.IntFlag{
		Name:    "verbosity",
		Usage:   "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value:   3,
		EnvVars: []string{"FARMHAND_VERBOSITY"},
	}
	logJSONFlag = &cli.BoolFlag{
		Name:    "log.json",
		Usage:   "Format logs with JSON",
		EnvVars: []string{"FARMHAND_LOG_JSON"},
	}
	dryRunFlag = &cli.BoolFlag{
		Name:    "dry-run",
		Usage:   "Simulate every mutating chain call",
		EnvVars: []string{"FARMHAND_DRY_RUN"},
	}
	readOnlyFlag = &cli.BoolFlag{
		Name:    "read-only",
		Usage:   "Scan and recommend but never execute",
		EnvVars: []string{"FARMHAND_READ_ONLY"},
	}
	networkFlag = &cli.StringFlag{
		Name:    "network",
		Usage:   "Chain to operate on (overrides the config file)",
		EnvVars: []string{"FARMHAND_NETWORK"},
	}
)

var app = &cli.App{
	Name:    "farmhand",
	Usage:   "autonomous on-chain yield optimization agent",
	Version: version(),
	Flags: []cli.Flag{
		configFlag,
		datadirFlag,
		verbosityFlag,
		logJSONFlag,
		dryRunFlag,
		readOnlyFlag,
		networkFlag,
	},
	Before: setupLogging,
	Commands: []*cli.Command{
		{
			Name:   "run",
			Usage:  "Run the optimization agent",
			Action: runAgent,
		},
		{
			Name:   "scan",
			Usage:  "Scan all protocols once and print the opportunity table",
			Action: runScan,
		},
		{
			Name:   "dumpconfig",
			Usage:  "Print the effective configuration as TOML",
			Action: dumpConfig,
		},
		{
			Name:  "version",
			Usage: "Print version information",
			Action: func(*cli.Context) error {
				fmt.Println("farmhand version", version())
				return nil
			},
		},
	},
	Action: runAgent,
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".farmhand"
	}
	return filepath.Join(home, ".farmhand")
}

func setupLogging(ctx *cli.Context) error {
	var handler slog.Handler
	if ctx.Bool(logJSONFlag.Name) {
		handler = log.JSONHandler(os.Stderr)
	} else {
		useColor := isatty.IsTerminal(os.Stderr.Fd()) && os.Getenv("TERM") != "dumb"
		var output io.Writer = os.Stderr
		if useColor {
			output = colorable.NewColorableStderr()
		}
		handler = log.NewTerminalHandler(output, useColor)
	}
	glogger := log.NewGlogHandler(handler)
	glogger.Verbosity(log.FromLegacyLevel(ctx.Int(verbosityFlag.Name)))
	log.SetDefault(log.NewLogger(glogger))
	return nil
}

// runAgent wires the full stack and runs until a signal or the configured
// deadline stops it.
func runAgent(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx.String(configFlag.Name), ctx.IsSet(configFlag.Name))
	if err != nil {
		return err
	}
	applyFlags(ctx, &cfg)
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	datadir := ctx.String(datadirFlag.Name)
	if err := os.MkdirAll(datadir, 0o700); err != nil {
		return err
	}

	// One instance per datadir. A second agent sharing the store and the
	// spending window would undermine every limit.
	lock := flock.New(filepath.Join(datadir, "LOCK"))
	locked, err := lock.TryLock()
	if err != nil {
		return err
	}
	if !locked {
		return fmt.Errorf("datadir %s is in use by another instance", datadir)
	}
	defer lock.Unlock()

	stack, err := buildStack(&cfg, datadir)
	if err != nil {
		return err
	}
	defer stack.Close()

	metrics.Enable()
	go metrics.CollectProcessMetrics(3 * time.Second)

	if cfg.Monitor.Addr != "" {
		var rpcSrc monitor.RPCSource
		if stack.dispatcher != nil {
			rpcSrc = stack.dispatcher
		}
		srv := monitor.New(cfg.Monitor, stack.opt, rpcSrc, stack.events)
		if err := srv.Start(); err != nil {
			return fmt.Errorf("starting monitor server: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Stop(shutdownCtx)
		}()
	}

	configPath := ctx.String(configFlag.Name)
	if _, err := os.Stat(configPath); err == nil {
		watcher, err := watchConfig(configPath, stack.sink)
		if err != nil {
			log.Warn("Config watcher unavailable", "err", err)
		} else {
			defer watcher.Close()
		}
	}

	stack.opt.Start()
	defer stack.opt.Stop()

	log.Info("Agent running", "network", cfg.Agent.Network, "strategy", cfg.Agent.Strategy,
		"dryrun", cfg.Agent.DryRun, "readonly", cfg.Agent.ReadOnly, "datadir", datadir)

	waitForInterrupt()
	return nil
}

// waitForInterrupt blocks until SIGINT/SIGTERM. A second signal aborts the
// process without waiting for the graceful teardown.
func waitForInterrupt() {
	sigc := make(chan os.Signal, 2)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigc)

	<-sigc
	log.Info("Shutting down...")
	go func() {
		<-sigc
		log.Warn("Forcing shutdown")
		os.Exit(1)
	}()
}
