// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RetentionResult counts the rows removed by one cleanup pass.
type RetentionResult struct {
	Observations  int64 `json:"observations"`
	UserLocations int64 `json:"user_locations"`
	Identities    int64 `json:"identities"`
	Clusters      int64 `json:"clusters"`
}

// Total is the sum of all deleted rows.
func (r RetentionResult) Total() int64 {
	return r.Observations + r.UserLocations + r.Identities + r.Clusters
}

// DeleteObservationsBefore removes observations older than cutoff.
func (s *DuckDBStore) DeleteObservationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.execCount(ctx, "observations",
		`DELETE FROM observations WHERE observed_at < ?`, cutoff.UTC())
}

// DeleteUserLocationsBefore removes trail points older than cutoff.
func (s *DuckDBStore) DeleteUserLocationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.execCount(ctx, "user locations",
		`DELETE FROM user_locations WHERE recorded_at < ?`, cutoff.UTC())
}

// DeleteIdentitiesLastSeenBefore removes identities not seen since cutoff,
// cascading to everything they own.
func (s *DuckDBStore) DeleteIdentitiesLastSeenBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx,
			`SELECT count(*) FROM device_identities WHERE last_seen < ?`, cutoff.UTC()).Scan(&n); err != nil {
			return fmt.Errorf("failed to count stale identities: %w", err)
		}
		if n == 0 {
			return nil
		}
		return cascadeIdentities(ctx, tx,
			`SELECT identity_id FROM device_identities WHERE last_seen < ?`, cutoff.UTC())
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// DeleteOrphanClusters removes clusters last seen before cutoff that no
// aggregate or observation references any more.
func (s *DuckDBStore) DeleteOrphanClusters(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.execCount(ctx, "clusters", `DELETE FROM location_clusters
		WHERE last_seen < ?
		  AND cluster_id NOT IN (SELECT cluster_id FROM device_cluster_detections)
		  AND cluster_id NOT IN (SELECT cluster_id FROM observations WHERE cluster_id IS NOT NULL)`,
		cutoff.UTC())
}

func (s *DuckDBStore) execCount(ctx context.Context, what, query string, args ...interface{}) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete %s: %w", what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n, nil
}
