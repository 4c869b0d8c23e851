// Copyright (C) pymscada-sub000 contributors.
// All rights reserved. This file is part of pymscada-sub000.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config loads and validates the JSON configuration files for
// the broker and history daemons, layering file values over built-in
// defaults. LoadEnv loads an optional .env into the process environment;
// no configuration value is read from the environment.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// TagInfo is one entry of a history daemon's static tag configuration
// (spec.md section 6, "optional static tag_info mapping").
type TagInfo struct {
	Type     string      `json:"type"`
	Min      *float64    `json:"min,omitempty"`
	Max      *float64    `json:"max,omitempty"`
	Deadband *float64    `json:"deadband,omitempty"`
	Init     interface{} `json:"init,omitempty"`
}

// ArchiveConfig configures the optional cold-archival of rolled-off
// history files to S3 (SPEC_FULL.md section 2.8). Zero value disables it.
type ArchiveConfig struct {
	S3Bucket          string `json:"s3-bucket"`
	S3Prefix          string `json:"s3-prefix"`
	S3Region          string `json:"s3-region"`
	DeleteAfterUpload bool   `json:"delete-after-upload"`
}

// Enabled reports whether cold archival is configured.
func (a ArchiveConfig) Enabled() bool {
	return a.S3Bucket != ""
}

// BrokerConfig is the broker daemon's config.json shape.
type BrokerConfig struct {
	Address        string  `json:"address"`
	Port           int     `json:"port"`
	LogLevel       string  `json:"loglevel"`
	LogDate        bool    `json:"logdate"`
	Gops           bool    `json:"gops"`
	OpsAddr        string  `json:"ops-addr"`
	SendQueueLen   int     `json:"send-queue-len"`
	SendRatePerSec float64 `json:"send-rate-per-sec"`
}

// DefaultBrokerConfig mirrors the teacher's pattern of a package-level
// `Keys` literal providing every default before the file is read.
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		Address:        "0.0.0.0",
		Port:           1324,
		LogLevel:       "info",
		OpsAddr:        ":9324",
		SendQueueLen:   1024,
		SendRatePerSec: 0, // 0 == unlimited
	}
}

// HistoryConfig is the history daemon's config.json shape.
type HistoryConfig struct {
	BrokerAddress string             `json:"broker-address"`
	BrokerPort    int                `json:"broker-port"`
	Module        string             `json:"module"`
	Directory     string             `json:"directory"`
	LogLevel      string             `json:"loglevel"`
	LogDate       bool               `json:"logdate"`
	Gops          bool               `json:"gops"`
	OpsAddr       string             `json:"ops-addr"`
	FlushInterval string             `json:"flush-interval"`
	Tags          map[string]TagInfo `json:"tags"`
	Archive       ArchiveConfig      `json:"archive"`
}

// DefaultHistoryConfig mirrors DefaultBrokerConfig for the history daemon.
func DefaultHistoryConfig() HistoryConfig {
	return HistoryConfig{
		BrokerAddress: "127.0.0.1",
		BrokerPort:    1324,
		Module:        "history",
		Directory:     "./history",
		LogLevel:      "info",
		OpsAddr:       ":9325",
		FlushInterval: "10s",
		Tags:          map[string]TagInfo{},
	}
}

// LoadEnv loads path if present; a missing .env is not an error, matching
// godotenv's typical best-effort use in the teacher's cmd/ entrypoints.
func LoadEnv(path string) {
	if path == "" {
		path = ".env"
	}
	_ = godotenv.Load(path)
}

// LoadBroker reads, schema-validates and decodes a broker config.json,
// returning DefaultBrokerConfig() unchanged if path does not exist.
func LoadBroker(path string) (BrokerConfig, error) {
	cfg := DefaultBrokerConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := Validate(brokerSchema, raw); err != nil {
		return cfg, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	return cfg, nil
}

// LoadHistory reads, schema-validates and decodes a history config.json,
// returning DefaultHistoryConfig() unchanged if path does not exist.
func LoadHistory(path string) (HistoryConfig, error) {
	cfg := DefaultHistoryConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := Validate(historySchema, raw); err != nil {
		return cfg, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	if cfg.Tags == nil {
		cfg.Tags = map[string]TagInfo{}
	}
	return cfg, nil
}
