// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/tomtom215/tagwatch/internal/models"
)

// ReplaceEvidence makes evidence the complete evidence set for identityID.
// Kinds present are upserted; kinds no longer produced are removed.
func (s *DuckDBStore) ReplaceEvidence(ctx context.Context, identityID string, evidence []models.TrackingEvidence) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		kinds := make([]interface{}, 0, len(evidence)+1)
		kinds = append(kinds, identityID)

		for i := range evidence {
			e := &evidence[i]
			// Details go in as a string; the driver rejects json.Marshaler values.
			var details sql.NullString
			if len(e.Details) > 0 {
				details = sql.NullString{String: string(e.Details), Valid: true}
			}
			_, err := tx.ExecContext(ctx, `INSERT INTO tracking_evidence
				(identity_id, kind, confidence, weight, rationale, details, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (identity_id, kind) DO UPDATE SET
					confidence = EXCLUDED.confidence,
					weight = EXCLUDED.weight,
					rationale = EXCLUDED.rationale,
					details = EXCLUDED.details,
					updated_at = EXCLUDED.updated_at`,
				identityID, string(e.Kind), e.Confidence, e.Weight, e.Rationale, details, e.UpdatedAt.UTC())
			if err != nil {
				return fmt.Errorf("failed to upsert evidence %s: %w", e.Kind, err)
			}
			kinds = append(kinds, string(e.Kind))
		}

		query := `DELETE FROM tracking_evidence WHERE identity_id = ?`
		if len(evidence) > 0 {
			query += ` AND kind NOT IN (` + strings.TrimSuffix(strings.Repeat("?, ", len(evidence)), ", ") + `)`
		}
		if _, err := tx.ExecContext(ctx, query, kinds...); err != nil {
			return fmt.Errorf("failed to prune evidence: %w", err)
		}
		return nil
	})
}

// EvidenceForIdentity returns the stored evidence, strongest contribution first.
func (s *DuckDBStore) EvidenceForIdentity(ctx context.Context, identityID string) ([]models.TrackingEvidence, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT identity_id, kind, confidence, weight, rationale,
			details, updated_at
		FROM tracking_evidence WHERE identity_id = ?
		ORDER BY confidence * weight DESC, kind`, identityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list evidence: %w", err)
	}
	defer rows.Close()

	var out []models.TrackingEvidence
	for rows.Next() {
		var (
			e       models.TrackingEvidence
			kind    string
			details sql.NullString
		)
		if err := rows.Scan(&e.IdentityID, &kind, &e.Confidence, &e.Weight, &e.Rationale,
			&details, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan evidence: %w", err)
		}
		e.Kind = models.EvidenceKind(kind)
		if details.Valid && json.Valid([]byte(details.String)) {
			e.Details = json.RawMessage(details.String)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating evidence: %w", err)
	}
	return out, nil
}
