// TradeBridge - Durable Trade-Event Order Broker
// Copyright 2026 TradeBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tradebridge/tradebridge

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"bridge.yaml",
	"bridge.yml",
	"/etc/tradebridge/bridge.yaml",
	"/etc/tradebridge/bridge.yml",
}

// ConfigPathEnvVar overrides the config file path when set.
const ConfigPathEnvVar = "BRIDGE_CONFIG"

// Load loads configuration using Koanf v2 with layered sources:
//  1. Defaults: built-in documented defaults
//  2. Config file: optional YAML file (if one exists)
//  3. Environment variables: override any setting
//
// Precedence: ENV > file > defaults.
func Load() (*Config, error) {
	k := koanf.New(".")

	// Layer 1: defaults from struct
	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	// Layer 2: optional config file
	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// Layer 3: environment variables (highest priority)
	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	// Whitelist and CORS env values arrive as comma-separated strings.
	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile searches for a config file in the default paths.
// Returns the first file found, or empty string.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// sliceConfigPaths defines which config paths are parsed as
// comma-separated slices when supplied via environment variables.
var sliceConfigPaths = []string{
	"security.rate_limit_whitelist",
	"security.cors_origins",
}

// processSliceFields converts comma-separated string values to slices
// for known slice fields. Env vars come in as strings, but the config
// struct expects slices.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}

		// Already a slice (from YAML): nothing to do.
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}

		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}

		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("set %s: %w", path, err)
			}
		}
	}
	return nil
}

// envMappings maps environment variable names to config paths.
// Unmapped variables are ignored so random environment noise cannot
// pollute the configuration.
var envMappings = map[string]string{
	// Server
	"bridge_listen_address": "server.listen_address",
	"bridge_read_timeout":   "server.read_timeout",
	"bridge_write_timeout":  "server.write_timeout",
	"bridge_max_body_bytes": "server.max_body_bytes",
	"max_payload_depth":     "server.max_payload_depth",

	// Storage
	"database_path":         "storage.path",
	"storage_sync_writes":   "storage.sync_writes",
	"storage_close_timeout": "storage.close_timeout",

	// Queue
	"lease_duration":      "queue.lease_duration",
	"reaper_interval":     "queue.reaper_interval",
	"max_retries":         "queue.max_retries",
	"short_backoff":       "queue.short_backoff",
	"initial_retry_delay": "queue.initial_retry_delay",
	"max_retry_delay":     "queue.max_retry_delay",
	"max_order_age":       "queue.max_order_age",
	"cleanup_interval":    "queue.cleanup_interval",
	"sampler_interval":    "queue.sampler_interval",
	"max_claim_batch":     "queue.max_claim_batch",

	// Security
	"api_key":               "security.api_key",
	"rate_limit_enabled":    "security.rate_limit_enabled",
	"rate_limit_per_minute": "security.rate_limit_per_minute",
	"rate_limit_whitelist":  "security.rate_limit_whitelist",
	"cors_origins":          "security.cors_origins",

	// Logging
	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",

	// Producer outbox
	"bridge_url":                "producer.bridge_url",
	"producer_api_key":          "producer.api_key",
	"outbox_path":               "producer.outbox_path",
	"max_queue_size":            "producer.max_queue_size",
	"max_file_size_mb":          "producer.max_file_size_mb",
	"retained_backups":          "producer.retained_backups",
	"send_timeout":              "producer.send_timeout",
	"retry_interval":            "producer.retry_interval",
	"circuit_failure_threshold": "producer.circuit_failure_threshold",
	"circuit_cooldown":          "producer.circuit_cooldown",
}

// envTransformFunc transforms environment variable names to koanf
// config paths, e.g. DATABASE_PATH -> storage.path.
func envTransformFunc(key string) string {
	if mapped, ok := envMappings[strings.ToLower(key)]; ok {
		return mapped
	}
	// Skip unmapped keys.
	return ""
}
