// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tomtom215/tagwatch/internal/identity"
	"github.com/tomtom215/tagwatch/internal/logging"
	"github.com/tomtom215/tagwatch/internal/models"
)

var _ identity.Store = (*DuckDBStore)(nil)

const identityColumns = `identity_id, display_name, manufacturer, device_class,
	is_known_tracker_signature, tracker_type, first_seen, last_seen,
	total_observation_count, suspicion_score, following_score, mac_address_count,
	is_user_tracked, is_ignored, fingerprint_digest, identity_confidence`

func scanIdentity(row scanner, d *models.DeviceIdentity) error {
	var class string
	err := row.Scan(
		&d.ID, &d.DisplayName, &d.Manufacturer, &class,
		&d.IsKnownTrackerSignature, &d.TrackerType, &d.FirstSeen, &d.LastSeen,
		&d.TotalObservationCount, &d.SuspicionScore, &d.FollowingScore, &d.MACAddressCount,
		&d.IsUserTracked, &d.IsIgnored, &d.FingerprintDigest, &d.IdentityConfidence,
	)
	if err != nil {
		return err
	}
	d.DeviceClass = models.DeviceClass(class)
	return nil
}

func scanIdentities(rows *sql.Rows) ([]models.DeviceIdentity, error) {
	var out []models.DeviceIdentity
	for rows.Next() {
		var d models.DeviceIdentity
		if err := scanIdentity(rows, &d); err != nil {
			return nil, fmt.Errorf("failed to scan identity: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating identities: %w", err)
	}
	return out, nil
}

// GetIdentity returns the identity or nil, nil when absent.
func (s *DuckDBStore) GetIdentity(ctx context.Context, identityID string) (*models.DeviceIdentity, error) {
	query := `SELECT ` + identityColumns + ` FROM device_identities WHERE identity_id = ?`

	d := &models.DeviceIdentity{}
	err := scanIdentity(s.db.QueryRowContext(ctx, query, identityID), d)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get identity: %w", err)
	}
	return d, nil
}

// IdentityByAddress returns the identity owning address, or nil, nil.
func (s *DuckDBStore) IdentityByAddress(ctx context.Context, address string) (*models.DeviceIdentity, error) {
	query := `SELECT ` + prefixColumns("i", identityColumns) + `
		FROM device_identities i
		JOIN observed_addresses a ON a.identity_id = i.identity_id
		WHERE a.address = ?`

	d := &models.DeviceIdentity{}
	err := scanIdentity(s.db.QueryRowContext(ctx, query, address), d)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up address: %w", err)
	}
	return d, nil
}

// IdentityFilter narrows ListIdentities.
type IdentityFilter struct {
	MinSuspicion float64
	SeenSince    time.Time
	Limit        int
}

// ListIdentities returns identities ordered by suspicion, most suspicious first.
func (s *DuckDBStore) ListIdentities(ctx context.Context, filter IdentityFilter) ([]models.DeviceIdentity, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.MinSuspicion > 0 {
		where = append(where, "suspicion_score >= ?")
		args = append(args, filter.MinSuspicion)
	}
	if !filter.SeenSince.IsZero() {
		where = append(where, "last_seen >= ?")
		args = append(args, filter.SeenSince.UTC())
	}

	query := `SELECT ` + identityColumns + ` FROM device_identities`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY suspicion_score DESC, last_seen DESC, identity_id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list identities: %w", err)
	}
	defer rows.Close()
	return scanIdentities(rows)
}

// CreateIdentity persists a freshly minted identity with its first address,
// characteristics and fingerprint pattern.
func (s *DuckDBStore) CreateIdentity(ctx context.Context, n *identity.NewIdentity) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		d := &n.Identity
		_, err := tx.ExecContext(ctx, `INSERT INTO device_identities (`+identityColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.ID, d.DisplayName, d.Manufacturer, string(d.DeviceClass),
			d.IsKnownTrackerSignature, d.TrackerType, d.FirstSeen.UTC(), d.LastSeen.UTC(),
			d.TotalObservationCount, d.SuspicionScore, d.FollowingScore, d.MACAddressCount,
			d.IsUserTracked, d.IsIgnored, d.FingerprintDigest, d.IdentityConfidence,
		)
		if err != nil {
			return fmt.Errorf("failed to insert identity: %w", err)
		}

		if err := insertAddress(ctx, tx, &n.Address); err != nil {
			return err
		}
		for i := range n.Characteristics {
			if err := upsertCharacteristic(ctx, tx, &n.Characteristics[i]); err != nil {
				return err
			}
		}
		return upsertPattern(ctx, tx, &n.Pattern)
	})
}

// RecordSighting counts one more sighting of a bound address and returns the
// address's previous last_seen.
func (s *DuckDBStore) RecordSighting(ctx context.Context, identityID, address string, at time.Time) (time.Time, error) {
	var prev time.Time
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`SELECT last_seen FROM observed_addresses WHERE address = ?`, address).Scan(&prev)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("address %s: %w", address, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to read address: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE observed_addresses
			SET last_seen = GREATEST(last_seen, ?),
			    observation_count = observation_count + 1,
			    is_currently_active = true
			WHERE address = ?`, at.UTC(), address); err != nil {
			return fmt.Errorf("failed to update address: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE device_identities
			SET last_seen = GREATEST(last_seen, ?),
			    total_observation_count = total_observation_count + 1
			WHERE identity_id = ?`, at.UTC(), identityID); err != nil {
			return fmt.Errorf("failed to update identity: %w", err)
		}
		return nil
	})
	return prev, err
}

// AttachAddress binds a rotated address to an existing identity. The
// identity's other addresses stop being current.
func (s *DuckDBStore) AttachAddress(ctx context.Context, addr *models.ObservedAddress, confidence float64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertAddress(ctx, tx, addr); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `UPDATE observed_addresses
			SET is_currently_active = false
			WHERE identity_id = ? AND address <> ?`, addr.IdentityID, addr.Address); err != nil {
			return fmt.Errorf("failed to deactivate previous addresses: %w", err)
		}

		res, err := tx.ExecContext(ctx, `UPDATE device_identities
			SET mac_address_count = mac_address_count + 1,
			    total_observation_count = total_observation_count + 1,
			    last_seen = GREATEST(last_seen, ?),
			    identity_confidence = ?
			WHERE identity_id = ?`, addr.LastSeen.UTC(), confidence, addr.IdentityID)
		if err != nil {
			return fmt.Errorf("failed to update identity: %w", err)
		}
		return requireRow(res, "identity "+addr.IdentityID)
	})
}

func insertAddress(ctx context.Context, tx *sql.Tx, a *models.ObservedAddress) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO observed_addresses
		(identity_id, address, first_seen, last_seen, observation_count, is_currently_active, address_kind)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.IdentityID, a.Address, a.FirstSeen.UTC(), a.LastSeen.UTC(),
		a.ObservationCount, a.IsCurrentlyActive, string(a.AddressKind))
	if err != nil {
		return fmt.Errorf("failed to insert address %s: %w", a.Address, err)
	}
	return nil
}

// AddressesForIdentity lists an identity's addresses, oldest first.
func (s *DuckDBStore) AddressesForIdentity(ctx context.Context, identityID string) ([]models.ObservedAddress, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT identity_id, address, first_seen, last_seen,
			observation_count, is_currently_active, address_kind
		FROM observed_addresses WHERE identity_id = ?
		ORDER BY first_seen, address`, identityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list addresses: %w", err)
	}
	defer rows.Close()

	var out []models.ObservedAddress
	for rows.Next() {
		var (
			a    models.ObservedAddress
			kind string
		)
		if err := rows.Scan(&a.IdentityID, &a.Address, &a.FirstSeen, &a.LastSeen,
			&a.ObservationCount, &a.IsCurrentlyActive, &kind); err != nil {
			return nil, fmt.Errorf("failed to scan address: %w", err)
		}
		a.AddressKind = models.AddressKind(kind)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating addresses: %w", err)
	}
	return out, nil
}

// UpdateScores overwrites the persisted suspicion and following scores.
func (s *DuckDBStore) UpdateScores(ctx context.Context, identityID string, suspicion, following float64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE device_identities
		SET suspicion_score = ?, following_score = ?
		WHERE identity_id = ?`, suspicion, following, identityID)
	if err != nil {
		return fmt.Errorf("failed to update scores: %w", err)
	}
	return requireRow(res, "identity "+identityID)
}

// SetIgnored marks an identity as dismissed by the user.
func (s *DuckDBStore) SetIgnored(ctx context.Context, identityID string, ignored bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE device_identities SET is_ignored = ? WHERE identity_id = ?`, ignored, identityID)
	if err != nil {
		return fmt.Errorf("failed to set ignored: %w", err)
	}
	return requireRow(res, "identity "+identityID)
}

// SetTracked marks an identity as a device the user owns and tracks.
func (s *DuckDBStore) SetTracked(ctx context.Context, identityID string, tracked bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE device_identities SET is_user_tracked = ? WHERE identity_id = ?`, tracked, identityID)
	if err != nil {
		return fmt.Errorf("failed to set tracked: %w", err)
	}
	return requireRow(res, "identity "+identityID)
}

// DeleteIdentity removes an identity and everything it owns.
func (s *DuckDBStore) DeleteIdentity(ctx context.Context, identityID string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		return cascadeIdentities(ctx, tx, singleIdentity, identityID)
	})
	if err != nil {
		return err
	}
	logging.Ctx(ctx).Debug().Str("identity_id", identityID).Msg("identity deleted")
	return nil
}

// singleIdentity selects exactly the bound identity id.
const singleIdentity = `SELECT CAST(? AS TEXT)`

// cascadeIdentities deletes the identities selected by subquery together
// with all their child rows, and fixes up cluster device counts.
func cascadeIdentities(ctx context.Context, tx *sql.Tx, subquery string, args ...interface{}) error {
	steps := []struct {
		name  string
		query string
	}{
		{"cluster device counts", `UPDATE location_clusters
			SET device_count = GREATEST(0, device_count - (
				SELECT count(*) FROM device_cluster_detections d
				WHERE d.cluster_id = location_clusters.cluster_id
				  AND d.identity_id IN (` + subquery + `)))`},
		{"observations", `DELETE FROM observations WHERE identity_id IN (` + subquery + `)`},
		{"cluster detections", `DELETE FROM device_cluster_detections WHERE identity_id IN (` + subquery + `)`},
		{"evidence", `DELETE FROM tracking_evidence WHERE identity_id IN (` + subquery + `)`},
		{"characteristics", `DELETE FROM advertising_characteristics WHERE identity_id IN (` + subquery + `)`},
		{"fingerprint patterns", `DELETE FROM fingerprint_patterns WHERE identity_id IN (` + subquery + `)`},
		{"addresses", `DELETE FROM observed_addresses WHERE identity_id IN (` + subquery + `)`},
	}
	for _, step := range steps {
		if _, err := tx.ExecContext(ctx, step.query, args...); err != nil {
			return fmt.Errorf("failed to delete %s: %w", step.name, err)
		}
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM device_identities WHERE identity_id IN (`+subquery+`)`, args...)
	if err != nil {
		return fmt.Errorf("failed to delete identities: %w", err)
	}
	if subquery == singleIdentity {
		return requireRow(res, fmt.Sprintf("identity %v", args[0]))
	}
	return nil
}

func requireRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

// prefixColumns qualifies a comma-separated column list with alias.
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
