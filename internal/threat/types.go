// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

package threat

import (
	"time"

	"github.com/tomtom215/tagwatch/internal/models"
)

// RiskLevel is the discrete verdict derived from the combined score.
type RiskLevel string

const (
	RiskSafe     RiskLevel = "safe"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// LevelFor maps a combined score to its risk level.
func LevelFor(score float64) RiskLevel {
	switch {
	case score >= 0.8:
		return RiskCritical
	case score >= 0.6:
		return RiskHigh
	case score >= 0.4:
		return RiskMedium
	case score >= 0.2:
		return RiskLow
	default:
		return RiskSafe
	}
}

// AtLeast reports whether l is as severe as other or more.
func (l RiskLevel) AtLeast(other RiskLevel) bool {
	return l.rank() >= other.rank()
}

func (l RiskLevel) rank() int {
	switch l {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	case RiskCritical:
		return 4
	}
	return 0
}

// Verdict distinguishes a scored result from one withheld for lack of data.
type Verdict string

const (
	VerdictAssessed         Verdict = "assessed"
	VerdictInsufficientData Verdict = "insufficient_data"
)

// Factor is one analyzer's contribution.
type Factor struct {
	Kind           models.EvidenceKind `json:"kind"`
	Confidence     float64             `json:"confidence"`
	Weight         float64             `json:"weight"`
	Rationale      string              `json:"rationale"`
	ActionRequired bool                `json:"action_required"`
	Details        map[string]any      `json:"details,omitempty"`
}

// Result is the threat analysis of one identity.
type Result struct {
	IdentityID string    `json:"identity_id"`
	Verdict    Verdict   `json:"verdict"`
	RiskLevel  RiskLevel `json:"risk_level,omitempty"`
	// Score is the weighted combination of factor confidences.
	Score float64 `json:"score"`
	// Confidence is the share of configured factor weight that had data.
	Confidence     float64            `json:"confidence"`
	FollowingScore float64            `json:"following_score"`
	Factors        []Factor           `json:"factors"`
	ActionRequired bool               `json:"action_required"`
	Recommendation string             `json:"recommendation"`
	Suppressed     bool               `json:"suppressed"`
	DeviceClass    models.DeviceClass `json:"device_class"`
	Observations   int                `json:"observations"`
	AnalyzedAt     time.Time          `json:"analyzed_at"`
}

// Alertable reports whether the result should reach the alerting layer at
// or above threshold.
func (r *Result) Alertable(threshold float64) bool {
	return r.Verdict == VerdictAssessed && !r.Suppressed && r.Score >= threshold
}

// AlertDue applies both alert thresholds: the overall score at or above
// suspicion, or the following score at or above following. A zero
// following threshold disables the second test.
func (r *Result) AlertDue(suspicion, following float64) bool {
	if r.Alertable(suspicion) {
		return true
	}
	return following > 0 && r.Alertable(0) && r.FollowingScore >= following
}

// Recommendation returns the user-facing advice for a risk level.
func Recommendation(level RiskLevel) string {
	switch level {
	case RiskCritical:
		return "A tracking device appears to be travelling with you. Search your belongings and vehicle now and consider contacting local authorities."
	case RiskHigh:
		return "This device has followed you across several places. Check your bags, pockets and vehicle for an unfamiliar tag."
	case RiskMedium:
		return "This device has been near you more than once. Keep an eye on it; it may belong to someone you travel with."
	case RiskLow:
		return "Seen a few times with no strong tracking pattern. No action needed."
	default:
		return "No tracking behaviour detected."
	}
}

const insufficientDataAdvice = "Not enough sightings to assess this device yet."
