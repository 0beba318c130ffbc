// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

package models

import (
	"time"

	"github.com/goccy/go-json"
)

// EvidenceKind names one reason an identity is suspected.
type EvidenceKind string

const (
	EvidenceKnownSignature        EvidenceKind = "known_signature"
	EvidenceMultiLocation         EvidenceKind = "multi_location"
	EvidencePersistence           EvidenceKind = "persistence"
	EvidenceClassification        EvidenceKind = "classification"
	EvidenceAdvertisingRegularity EvidenceKind = "advertising_regularity"
	EvidenceProximityCorrelation  EvidenceKind = "proximity_correlation"
	EvidenceMovementSync          EvidenceKind = "movement_sync"
	EvidenceTemporalIrregularity  EvidenceKind = "temporal_irregularity"
	EvidenceSignalDrift           EvidenceKind = "signal_drift"
	EvidenceAddressRotation       EvidenceKind = "address_rotation"
)

// TrackingEvidence is the latest scored reason of one kind for an identity.
// One row per (identity, kind), overwritten on every analysis.
type TrackingEvidence struct {
	IdentityID string          `json:"identity_id"`
	Kind       EvidenceKind    `json:"kind"`
	Confidence float64         `json:"confidence"`
	Weight     float64         `json:"weight"`
	Rationale  string          `json:"rationale"`
	Details    json.RawMessage `json:"details,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
}
