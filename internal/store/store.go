// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

// Package store is the DuckDB-backed detection store: device identities,
// their addresses and advertising characteristics, observations, location
// clusters, per-cluster aggregates, tracking evidence and the user's own
// location trail.
//
// DuckDB does not implement ON DELETE CASCADE, so every delete that owns
// child rows runs the cascade explicitly inside one transaction.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	_ "github.com/duckdb/duckdb-go/v2" // registers the "duckdb" driver

	"github.com/tomtom215/tagwatch/internal/config"
	"github.com/tomtom215/tagwatch/internal/logging"
)

// ErrNotFound is returned by mutations addressed at a row that does not exist.
// Read helpers return nil, nil instead.
var ErrNotFound = errors.New("not found")

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// DuckDBStore implements the detection store on DuckDB.
type DuckDBStore struct {
	db *sql.DB
}

// NewDuckDBStore wraps an open database. The caller owns db.
func NewDuckDBStore(db *sql.DB) *DuckDBStore {
	return &DuckDBStore{db: db}
}

// Open opens (creating if needed) the database file named by cfg and
// initialises the schema.
func Open(ctx context.Context, cfg *config.DatabaseConfig) (*DuckDBStore, error) {
	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s&autoinstall_known_extensions=false&autoload_known_extensions=false",
		cfg.Path, threads, cfg.MaxMemory)

	db, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		closeQuietly(db)
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := NewDuckDBStore(db)
	if err := s.InitSchema(ctx); err != nil {
		closeQuietly(db)
		return nil, err
	}

	logging.Info().
		Str("path", cfg.Path).
		Int("threads", threads).
		Str("max_memory", cfg.MaxMemory).
		Msg("Detection store opened")
	return s, nil
}

// DB exposes the underlying handle for health checks.
func (s *DuckDBStore) DB() *sql.DB {
	return s.db
}

// Ping checks the connection.
func (s *DuckDBStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close checkpoints and closes the database.
func (s *DuckDBStore) Close() error {
	if _, err := s.db.Exec("CHECKPOINT"); err != nil {
		logging.Warn().Err(err).Msg("Failed to checkpoint before close")
	}
	return s.db.Close()
}

// InitSchema creates all tables and indexes if they do not exist.
func (s *DuckDBStore) InitSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS device_identities (
			identity_id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			manufacturer TEXT NOT NULL DEFAULT '',
			device_class TEXT NOT NULL,
			is_known_tracker_signature BOOLEAN NOT NULL DEFAULT false,
			tracker_type TEXT NOT NULL DEFAULT '',
			first_seen TIMESTAMP NOT NULL,
			last_seen TIMESTAMP NOT NULL,
			total_observation_count BIGINT NOT NULL DEFAULT 0,
			suspicion_score DOUBLE NOT NULL DEFAULT 0,
			following_score DOUBLE NOT NULL DEFAULT 0,
			mac_address_count INTEGER NOT NULL DEFAULT 0,
			is_user_tracked BOOLEAN NOT NULL DEFAULT false,
			is_ignored BOOLEAN NOT NULL DEFAULT false,
			fingerprint_digest TEXT NOT NULL,
			identity_confidence DOUBLE NOT NULL DEFAULT 1
		)`,

		`CREATE TABLE IF NOT EXISTS observed_addresses (
			identity_id TEXT NOT NULL,
			address TEXT NOT NULL,
			first_seen TIMESTAMP NOT NULL,
			last_seen TIMESTAMP NOT NULL,
			observation_count BIGINT NOT NULL DEFAULT 0,
			is_currently_active BOOLEAN NOT NULL DEFAULT true,
			address_kind TEXT NOT NULL,
			PRIMARY KEY (identity_id, address)
		)`,

		`CREATE TABLE IF NOT EXISTS advertising_characteristics (
			identity_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			value BLOB,
			first_seen TIMESTAMP NOT NULL,
			last_seen TIMESTAMP NOT NULL,
			occurrence_count BIGINT NOT NULL DEFAULT 1,
			is_stable BOOLEAN NOT NULL DEFAULT true,
			PRIMARY KEY (identity_id, kind)
		)`,

		`CREATE TABLE IF NOT EXISTS fingerprint_patterns (
			identity_id TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			manufacturer_data BLOB,
			service_uuids BLOB,
			device_name TEXT NOT NULL DEFAULT '',
			tx_power INTEGER,
			interval_ms DOUBLE NOT NULL DEFAULT 0,
			interval_samples BIGINT NOT NULL DEFAULT 0,
			first_seen TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,

		`CREATE SEQUENCE IF NOT EXISTS seq_observations_id START 1`,
		`CREATE TABLE IF NOT EXISTS observations (
			id BIGINT PRIMARY KEY DEFAULT nextval('seq_observations_id'),
			identity_id TEXT NOT NULL,
			address TEXT NOT NULL,
			observed_at TIMESTAMP NOT NULL,
			rssi INTEGER NOT NULL,
			latitude DOUBLE NOT NULL DEFAULT 0,
			longitude DOUBLE NOT NULL DEFAULT 0,
			accuracy DOUBLE NOT NULL DEFAULT 0,
			altitude DOUBLE,
			speed DOUBLE,
			bearing DOUBLE,
			cluster_id TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS location_clusters (
			cluster_id TEXT PRIMARY KEY,
			center_lat DOUBLE NOT NULL,
			center_lon DOUBLE NOT NULL,
			radius_m DOUBLE NOT NULL,
			first_seen TIMESTAMP NOT NULL,
			last_seen TIMESTAMP NOT NULL,
			device_count INTEGER NOT NULL DEFAULT 0,
			detection_count BIGINT NOT NULL DEFAULT 0,
			is_user_location BOOLEAN NOT NULL DEFAULT true
		)`,

		`CREATE TABLE IF NOT EXISTS device_cluster_detections (
			identity_id TEXT NOT NULL,
			cluster_id TEXT NOT NULL,
			first_seen TIMESTAMP NOT NULL,
			last_seen TIMESTAMP NOT NULL,
			detection_count BIGINT NOT NULL DEFAULT 0,
			avg_rssi DOUBLE NOT NULL DEFAULT 0,
			min_rssi INTEGER NOT NULL,
			max_rssi INTEGER NOT NULL,
			rssi_m2 DOUBLE NOT NULL DEFAULT 0,
			rssi_variance DOUBLE NOT NULL DEFAULT 0,
			persistence_score DOUBLE NOT NULL DEFAULT 0,
			is_current_location BOOLEAN NOT NULL DEFAULT false,
			PRIMARY KEY (identity_id, cluster_id)
		)`,

		`CREATE TABLE IF NOT EXISTS tracking_evidence (
			identity_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			confidence DOUBLE NOT NULL,
			weight DOUBLE NOT NULL,
			rationale TEXT NOT NULL DEFAULT '',
			details TEXT,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (identity_id, kind)
		)`,

		`CREATE SEQUENCE IF NOT EXISTS seq_user_locations_id START 1`,
		`CREATE TABLE IF NOT EXISTS user_locations (
			id BIGINT PRIMARY KEY DEFAULT nextval('seq_user_locations_id'),
			recorded_at TIMESTAMP NOT NULL,
			latitude DOUBLE NOT NULL,
			longitude DOUBLE NOT NULL,
			accuracy DOUBLE NOT NULL DEFAULT 0,
			speed DOUBLE,
			bearing DOUBLE,
			provider TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE UNIQUE INDEX IF NOT EXISTS idx_observed_addresses_address ON observed_addresses(address)`,
		`CREATE INDEX IF NOT EXISTS idx_observations_identity_ts ON observations(identity_id, observed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_observations_observed_at ON observations(observed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_identities_last_seen ON device_identities(last_seen)`,
		`CREATE INDEX IF NOT EXISTS idx_patterns_updated_at ON fingerprint_patterns(updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_user_locations_recorded_at ON user_locations(recorded_at)`,
	}

	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}

	// Flush the WAL so a restart does not replay schema creation.
	if _, err := s.db.ExecContext(ctx, "CHECKPOINT"); err != nil {
		logging.Warn().Err(err).Msg("Failed to checkpoint after schema initialization")
	}
	return nil
}

// withTx runs fn inside a transaction, committing on success.
func (s *DuckDBStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			logging.Warn().Err(rbErr).Msg("Failed to roll back transaction")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// closeQuietly closes a resource in an error path where the close error is
// not actionable.
func closeQuietly(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}
