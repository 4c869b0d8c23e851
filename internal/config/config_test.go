// Copyright (C) pymscada-sub000 contributors.
// All rights reserved. This file is part of pymscada-sub000.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jamie0walton/pymscada-sub000/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadBrokerMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := config.LoadBroker(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Equal(t, config.DefaultBrokerConfig(), cfg)
}

func TestLoadBrokerOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"address":"127.0.0.1","port":1400}`), 0o644))

	cfg, err := config.LoadBroker(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Address)
	assert.Equal(t, 1400, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel) // untouched default
}

func TestLoadBrokerRejectsUnknownField(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"bogus":1}`), 0o644))

	_, err := config.LoadBroker(path)
	assert.Error(t, err)
}

func TestLoadHistoryDecodesTagInfo(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"directory": "./var/history",
		"tags": {
			"flow": {"type": "float", "min": 0, "max": 100, "deadband": 0.5, "init": 0}
		}
	}`), 0o644))

	cfg, err := config.LoadHistory(path)
	require.NoError(t, err)
	require.Contains(t, cfg.Tags, "flow")
	assert.Equal(t, "float", cfg.Tags["flow"].Type)
	require.NotNil(t, cfg.Tags["flow"].Min)
	assert.Equal(t, 0.0, *cfg.Tags["flow"].Min)
}
