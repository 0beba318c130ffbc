// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

package identity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"sort"
	"strings"

	"github.com/tomtom215/tagwatch/internal/models"
)

// Fingerprint is the address-independent content of an advertisement.
type Fingerprint struct {
	ManufacturerData map[int][]byte
	ServiceUUIDs     []string
	DeviceName       string
	TxPower          *int
}

// FromSample builds the candidate fingerprint of an advertisement.
func FromSample(s *models.AdvertisementSample) Fingerprint {
	return Fingerprint{
		ManufacturerData: s.ManufacturerData,
		ServiceUUIDs:     NormalizeUUIDs(s.ServiceUUIDs),
		DeviceName:       s.Name(),
		TxPower:          s.TxPower,
	}
}

// FromPattern rebuilds a fingerprint from a stored pattern.
func FromPattern(p *models.FingerprintPattern) Fingerprint {
	return Fingerprint{
		ManufacturerData: p.ManufacturerData,
		ServiceUUIDs:     NormalizeUUIDs(p.ServiceUUIDs),
		DeviceName:       p.DeviceName,
		TxPower:          p.TxPower,
	}
}

// IsBlank reports whether the advertisement carried nothing identifying.
// Blank fingerprints still digest, so repeat sightings collapse together.
func (f *Fingerprint) IsBlank() bool {
	return len(f.ManufacturerData) == 0 && len(f.ServiceUUIDs) == 0 && f.DeviceName == ""
}

// CompanyIDs returns the manufacturer company ids in ascending order.
func (f *Fingerprint) CompanyIDs() []int {
	ids := make([]int, 0, len(f.ManufacturerData))
	for id := range f.ManufacturerData {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Digest returns the hex SHA-256 over the manufacturer entries sorted by
// company id, the sorted service UUID set and the device name. Every
// section and item is length-prefixed so that no two distinct inputs can
// produce the same byte stream. TxPower is not part of the digest.
func (f *Fingerprint) Digest() string {
	h := sha256.New()

	writeUint(h, uint64(len(f.ManufacturerData)))
	for _, id := range f.CompanyIDs() {
		writeUint(h, uint64(id))
		writeBytes(h, f.ManufacturerData[id])
	}

	uuids := NormalizeUUIDs(f.ServiceUUIDs)
	writeUint(h, uint64(len(uuids)))
	for _, u := range uuids {
		writeBytes(h, []byte(u))
	}

	writeBytes(h, []byte(f.DeviceName))

	return hex.EncodeToString(h.Sum(nil))
}

func writeUint(h hash.Hash, v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	h.Write(buf[:])
}

func writeBytes(h hash.Hash, b []byte) {
	writeUint(h, uint64(len(b)))
	h.Write(b)
}

// NormalizeUUIDs upper-cases, trims, de-duplicates and sorts service UUIDs.
func NormalizeUUIDs(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, u := range in {
		u = strings.ToUpper(strings.TrimSpace(u))
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}
