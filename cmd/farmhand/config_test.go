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
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := defaultConfig()
	require.NoError(t, cfg.validate())
}

func TestValidateRejectsPlaceholderSecrets(t *testing.T) {
	cfg := defaultConfig()
	cfg.RPC.Endpoints = []endpointConfig{{
		Name:     "alchemy-base",
		URL:      "https://base.g.alchemy.com/v2/YOUR_API_KEY",
		Provider: "alchemy",
		Network:  "base",
		Priority: "premium",
	}}
	err := cfg.validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "placeholder")
	// The secret-bearing URL must never appear in the error.
	assert.NotContains(t, err.Error(), "alchemy.com")
}

func TestValidateRejectsUnknownStrategy(t *testing.T) {
	cfg := defaultConfig()
	cfg.Agent.Strategy = "yolo"
	assert.Error(t, cfg.validate())
}

func TestValidateRejectsBrokenLimitHierarchy(t *testing.T) {
	cfg := defaultConfig()
	cfg.Limits.ApprovalThresholdUSD = decimal.NewFromInt(100_000) // above per-tx cap
	assert.Error(t, cfg.validate())
}

func TestValidateRejectsLiveModeWithoutEndpoints(t *testing.T) {
	cfg := defaultConfig()
	cfg.Agent.DryRun = false
	assert.Error(t, cfg.validate())
}

func TestValidateRejectsBadOwnerAddress(t *testing.T) {
	cfg := defaultConfig()
	cfg.Agent.Owner = "not-an-address"
	assert.Error(t, cfg.validate())
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "farmhand.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[Agent]
Network = "ethereum"
ScanIntervalMinutes = 30

[Limits]
MaxTransactionUSD = "2500"
`), 0o600))

	cfg, err := loadConfig(path, true)
	require.NoError(t, err)
	assert.Equal(t, "ethereum", cfg.Agent.Network)
	assert.Equal(t, 30, cfg.Agent.ScanIntervalMinutes)
	assert.True(t, cfg.Limits.MaxTransactionUSD.Equal(decimal.NewFromInt(2500)))
	// Untouched sections keep their defaults.
	assert.Equal(t, "risk_adjusted", cfg.Agent.Strategy)
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "absent.toml"), false)
	require.NoError(t, err)
	assert.Equal(t, "base", cfg.Agent.Network)
}

func TestLoadConfigExplicitMissingFileFails(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "absent.toml"), true)
	assert.Error(t, err)
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "farmhand.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[Agent]
Netwrok = "base"
`), 0o600))

	_, err := loadConfig(path, true)
	assert.Error(t, err)
}
