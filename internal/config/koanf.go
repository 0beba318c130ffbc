// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths are searched in order; the first existing file wins.
var DefaultConfigPaths = []string{
	"tagwatch.yaml",
	"config.yaml",
	"/etc/tagwatch/config.yaml",
}

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "CONFIG_PATH"

func defaultConfig() *Config {
	return &Config{
		Scan: ScanConfig{
			Interval:        30 * time.Second,
			Window:          10 * time.Second,
			RescoreEvery:    10,
			RescoreInterval: 15 * time.Minute,
			QueueBuffer:     1024,
		},
		Identity: IdentityConfig{
			MatchThreshold: 0.70,
			TimingWeight:   0.20,
			MaxCandidates:  5000,
		},
		Threat: ThreatConfig{
			DeepAnalysis:         false,
			MinObservations:      3,
			Lookback:             7 * 24 * time.Hour,
			DeepWeight:           0.10,
			RescoreSweepInterval: time.Hour,
		},
		Retention: RetentionConfig{
			DetectionDays: 30,
			LocationDays:  7,
			AutoCleanup:   true,
			Interval:      6 * time.Hour,
		},
		Alerts: AlertsConfig{
			SuspicionThreshold: 0.6,
			FollowingThreshold: 0.6,
		},
		Location: LocationConfig{
			FixTimeout:         5 * time.Second,
			BreakerMaxFailures: 5,
			BreakerTimeout:     time.Minute,
		},
		Database: DatabaseConfig{
			Path:      "/data/tagwatch.duckdb",
			MaxMemory: "512MB",
			Threads:   0,
		},
		Journal: JournalConfig{
			Enabled: true,
			Path:    "/data/journal",
			TTL:     72 * time.Hour,
		},
		NATS: NATSConfig{
			Enabled:          false,
			EmbeddedServer:   false,
			URL:              "nats://127.0.0.1:4222",
			Host:             "127.0.0.1",
			Port:             4222,
			Subject:          "tagwatch.samples",
			QueueGroup:       "tagwatch",
			SubscribersCount: 1,
			AckWaitTimeout:   30 * time.Second,
			CloseTimeout:     10 * time.Second,
		},
		Server: ServerConfig{
			Enabled:         true,
			Host:            "127.0.0.1",
			Port:            8844,
			Timeout:         30 * time.Second,
			RateLimitReqs:   120,
			RateLimitWindow: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from three layers:
//  1. built-in defaults
//  2. optional YAML file (CONFIG_PATH or DefaultConfigPaths)
//  3. environment variables (see envTransformFunc)
func Load() (*Config, error) {
	return load(findConfigFile())
}

// LoadFile is Load with an explicit file path. An empty path skips the file layer.
func LoadFile(path string) (*Config, error) {
	return load(path)
}

func load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envMappings maps lower-cased environment variable names to koanf paths.
// Unlisted variables are ignored.
var envMappings = map[string]string{
	"scan_interval":         "scan.interval",
	"scan_window":           "scan.window",
	"rescore_every":         "scan.rescore_every",
	"rescore_interval":      "scan.rescore_interval",
	"sample_queue_buffer":   "scan.queue_buffer",
	"match_threshold":       "identity.match_threshold",
	"timing_weight":         "identity.timing_weight",
	"match_max_candidates":  "identity.max_candidates",
	"deep_analysis":         "threat.deep_analysis",
	"min_observations":      "threat.min_observations",
	"threat_lookback":       "threat.lookback",
	"deep_weight":           "threat.deep_weight",
	"rescore_sweep":         "threat.rescore_sweep_interval",
	"detection_retention":   "retention.detection_days",
	"location_retention":    "retention.location_days",
	"auto_cleanup":          "retention.auto_cleanup",
	"cleanup_interval":      "retention.interval",
	"suspicion_threshold":   "alerts.suspicion_threshold",
	"following_threshold":   "alerts.following_threshold",
	"location_fix_timeout":  "location.fix_timeout",
	"location_max_failures": "location.breaker_max_failures",
	"location_breaker_wait": "location.breaker_timeout",
	"duckdb_path":           "database.path",
	"duckdb_max_memory":     "database.max_memory",
	"duckdb_threads":        "database.threads",
	"journal_enabled":       "journal.enabled",
	"journal_path":          "journal.path",
	"journal_ttl":           "journal.ttl",
	"nats_enabled":          "nats.enabled",
	"nats_embedded":         "nats.embedded_server",
	"nats_url":              "nats.url",
	"nats_host":             "nats.host",
	"nats_port":             "nats.port",
	"nats_subject":          "nats.subject",
	"nats_queue_group":      "nats.queue_group",
	"nats_subscribers":      "nats.subscribers_count",
	"http_enabled":          "server.enabled",
	"http_host":             "server.host",
	"http_port":             "server.port",
	"http_timeout":          "server.timeout",
	"rate_limit_requests":   "server.rate_limit_reqs",
	"rate_limit_window":     "server.rate_limit_window",
	"cors_origins":          "server.cors_origins",
	"log_level":             "logging.level",
	"log_format":            "logging.format",
	"log_caller":            "logging.caller",
}

// envTransformFunc maps environment variables onto config paths:
//
//	SCAN_INTERVAL -> scan.interval
//	DUCKDB_PATH   -> database.path
//	TAGWATCH_LOG_LEVEL -> logging.level (the TAGWATCH_ prefix is optional)
func envTransformFunc(key string) string {
	key = strings.TrimPrefix(strings.ToLower(key), "tagwatch_")
	return envMappings[key]
}
