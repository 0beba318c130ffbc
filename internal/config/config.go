// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

// Package config loads tagwatch configuration from defaults, an optional
// YAML file and environment variables (in that order of precedence, last
// wins) using koanf v2, then validates the result.
package config

import "time"

// Config is the root configuration.
type Config struct {
	Scan      ScanConfig      `koanf:"scan"`
	Identity  IdentityConfig  `koanf:"identity"`
	Threat    ThreatConfig    `koanf:"threat"`
	Retention RetentionConfig `koanf:"retention"`
	Alerts    AlertsConfig    `koanf:"alerts"`
	Location  LocationConfig  `koanf:"location"`
	Database  DatabaseConfig  `koanf:"database"`
	Journal   JournalConfig   `koanf:"journal"`
	NATS      NATSConfig      `koanf:"nats"`
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// ScanConfig controls how often capture runs and how often identities are re-scored.
type ScanConfig struct {
	// Interval between scan cycles requested from the capture layer.
	Interval time.Duration `koanf:"interval" validate:"gt=0"`

	// Window is the active scan budget inside each interval.
	Window time.Duration `koanf:"window" validate:"gt=0,ltefield=Interval"`

	// RescoreEvery re-scores an identity on every Nth detection.
	RescoreEvery int `koanf:"rescore_every" validate:"gte=1"`

	// RescoreInterval re-scores an identity when this much wall-clock
	// time has passed since its last score, regardless of count.
	RescoreInterval time.Duration `koanf:"rescore_interval" validate:"gt=0"`

	// QueueBuffer is the gochannel output buffer for the sample topic.
	QueueBuffer int64 `koanf:"queue_buffer" validate:"gte=0"`
}

// IdentityConfig tunes the fingerprint matcher.
type IdentityConfig struct {
	MatchThreshold float64 `koanf:"match_threshold" validate:"gt=0,lte=1"`

	// TimingWeight is the weight of the advertising-interval component.
	// Zero disables the component entirely.
	TimingWeight float64 `koanf:"timing_weight" validate:"gte=0,lte=1"`

	// MaxCandidates caps how many stored fingerprints are compared on the slow path.
	MaxCandidates int `koanf:"max_candidates" validate:"gte=1"`
}

// ThreatConfig configures the scoring engine.
type ThreatConfig struct {
	// DeepAnalysis enables the secondary analyzers on top of the default set.
	DeepAnalysis bool `koanf:"deep_analysis"`

	// MinObservations below which the engine returns an insufficient-data verdict.
	MinObservations int `koanf:"min_observations" validate:"gte=1"`

	// Lookback bounds how much observation history an analysis reads.
	Lookback time.Duration `koanf:"lookback" validate:"gt=0"`

	// DeepWeight is the combination weight of each deep analyzer.
	DeepWeight float64 `koanf:"deep_weight" validate:"gte=0,lte=1"`

	// RescoreSweepInterval is how often the background job re-scores
	// every identity active within Lookback.
	RescoreSweepInterval time.Duration `koanf:"rescore_sweep_interval" validate:"gt=0"`
}

// RetentionConfig controls age-based cleanup.
type RetentionConfig struct {
	DetectionDays int           `koanf:"detection_days" validate:"gte=1"`
	LocationDays  int           `koanf:"location_days" validate:"gte=1"`
	AutoCleanup   bool          `koanf:"auto_cleanup"`
	Interval      time.Duration `koanf:"interval" validate:"gt=0"`
}

// AlertsConfig holds the thresholds at which a scored identity is reported.
type AlertsConfig struct {
	SuspicionThreshold float64 `koanf:"suspicion_threshold" validate:"gte=0,lte=1"`
	FollowingThreshold float64 `koanf:"following_threshold" validate:"gte=0,lte=1"`
}

// LocationConfig guards calls to the location provider.
type LocationConfig struct {
	FixTimeout         time.Duration `koanf:"fix_timeout" validate:"gt=0"`
	BreakerMaxFailures uint32        `koanf:"breaker_max_failures" validate:"gte=1"`
	BreakerTimeout     time.Duration `koanf:"breaker_timeout" validate:"gt=0"`
}

// DatabaseConfig configures the DuckDB detection store.
type DatabaseConfig struct {
	Path      string `koanf:"path" validate:"required"`
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads" validate:"gte=0"`
}

// JournalConfig configures the BadgerDB ingest journal.
type JournalConfig struct {
	Enabled bool          `koanf:"enabled"`
	Path    string        `koanf:"path"`
	TTL     time.Duration `koanf:"ttl" validate:"gt=0"`
}

// NATSConfig configures the optional remote capture transport.
type NATSConfig struct {
	Enabled          bool          `koanf:"enabled"`
	EmbeddedServer   bool          `koanf:"embedded_server"`
	URL              string        `koanf:"url"`
	Host             string        `koanf:"host"`
	Port             int           `koanf:"port" validate:"gte=0,lte=65535"`
	Subject          string        `koanf:"subject"`
	QueueGroup       string        `koanf:"queue_group"`
	SubscribersCount int           `koanf:"subscribers_count" validate:"gte=1"`
	AckWaitTimeout   time.Duration `koanf:"ack_wait_timeout" validate:"gt=0"`
	CloseTimeout     time.Duration `koanf:"close_timeout" validate:"gt=0"`
}

// ServerConfig configures the read-only HTTP status surface.
type ServerConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"gte=1,lte=65535"`
	Timeout         time.Duration `koanf:"timeout" validate:"gt=0"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs" validate:"gte=0"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window" validate:"gt=0"`
	CORSOrigins     []string      `koanf:"cors_origins"`
}

// LoggingConfig mirrors logging.Config for file/env loading.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// DetectionRetention returns the detection horizon as a duration.
func (r RetentionConfig) DetectionRetention() time.Duration {
	return time.Duration(r.DetectionDays) * 24 * time.Hour
}

// LocationRetention returns the user-location horizon as a duration.
func (r RetentionConfig) LocationRetention() time.Duration {
	return time.Duration(r.LocationDays) * 24 * time.Hour
}
