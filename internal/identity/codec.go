// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

package identity

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/tagwatch/internal/models"
)

// Characteristic payloads are typed structs encoded with go-json. Each
// payload carries a format version so stored rows can be migrated.
const payloadVersion = 1

// ManufacturerEntry is one company id and its raw advertisement bytes.
type ManufacturerEntry struct {
	CompanyID int    `json:"company_id"`
	Data      []byte `json:"data"`
}

// ManufacturerPayload is the stored form of manufacturer data.
type ManufacturerPayload struct {
	Version int                 `json:"v"`
	Entries []ManufacturerEntry `json:"entries"`
}

// ServiceUUIDPayload is the stored form of the service UUID set.
type ServiceUUIDPayload struct {
	Version int      `json:"v"`
	UUIDs   []string `json:"uuids"`
}

// NamePayload is the stored form of the advertised name.
type NamePayload struct {
	Version int    `json:"v"`
	Name    string `json:"name"`
}

// TxPowerPayload is the stored form of the advertised TX power.
type TxPowerPayload struct {
	Version int `json:"v"`
	DBm     int `json:"dbm"`
}

// IntervalPayload is the stored form of the running advertising interval.
type IntervalPayload struct {
	Version int     `json:"v"`
	MeanMs  float64 `json:"mean_ms"`
	Samples int64   `json:"samples"`
}

// EncodeInterval encodes a running interval estimate.
func EncodeInterval(meanMs float64, samples int64) ([]byte, error) {
	return json.Marshal(IntervalPayload{Version: payloadVersion, MeanMs: meanMs, Samples: samples})
}

// DecodeInterval is the inverse of EncodeInterval.
func DecodeInterval(b []byte) (IntervalPayload, error) {
	var p IntervalPayload
	if len(b) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(b, &p); err != nil {
		return p, fmt.Errorf("decode interval payload: %w", err)
	}
	if p.Version != payloadVersion {
		return p, fmt.Errorf("decode interval payload: unsupported version %d", p.Version)
	}
	return p, nil
}

// EncodeManufacturerData encodes a company-id map with entries sorted by id.
func EncodeManufacturerData(m map[int][]byte) ([]byte, error) {
	p := ManufacturerPayload{Version: payloadVersion, Entries: make([]ManufacturerEntry, 0, len(m))}
	for id, data := range m {
		p.Entries = append(p.Entries, ManufacturerEntry{CompanyID: id, Data: data})
	}
	sort.Slice(p.Entries, func(i, j int) bool { return p.Entries[i].CompanyID < p.Entries[j].CompanyID })
	return json.Marshal(p)
}

// DecodeManufacturerData is the inverse of EncodeManufacturerData. An empty
// input decodes to a nil map.
func DecodeManufacturerData(b []byte) (map[int][]byte, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var p ManufacturerPayload
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("decode manufacturer payload: %w", err)
	}
	if p.Version != payloadVersion {
		return nil, fmt.Errorf("decode manufacturer payload: unsupported version %d", p.Version)
	}
	if len(p.Entries) == 0 {
		return nil, nil
	}
	out := make(map[int][]byte, len(p.Entries))
	for _, e := range p.Entries {
		out[e.CompanyID] = e.Data
	}
	return out, nil
}

// EncodeServiceUUIDs encodes the normalised UUID set.
func EncodeServiceUUIDs(uuids []string) ([]byte, error) {
	return json.Marshal(ServiceUUIDPayload{Version: payloadVersion, UUIDs: NormalizeUUIDs(uuids)})
}

// DecodeServiceUUIDs is the inverse of EncodeServiceUUIDs.
func DecodeServiceUUIDs(b []byte) ([]string, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var p ServiceUUIDPayload
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("decode service uuid payload: %w", err)
	}
	if p.Version != payloadVersion {
		return nil, fmt.Errorf("decode service uuid payload: unsupported version %d", p.Version)
	}
	return NormalizeUUIDs(p.UUIDs), nil
}

// Characteristics converts a fingerprint into the rows stored per kind.
// Kinds absent from the advertisement produce no row.
func Characteristics(identityID string, fp *Fingerprint, at time.Time) ([]models.AdvertisingCharacteristic, error) {
	var out []models.AdvertisingCharacteristic
	add := func(kind models.CharacteristicKind, v []byte) {
		out = append(out, models.AdvertisingCharacteristic{
			IdentityID:      identityID,
			Kind:            kind,
			Value:           v,
			FirstSeen:       at,
			LastSeen:        at,
			OccurrenceCount: 1,
			IsStable:        true,
		})
	}

	if len(fp.ManufacturerData) > 0 {
		v, err := EncodeManufacturerData(fp.ManufacturerData)
		if err != nil {
			return nil, err
		}
		add(models.CharacteristicManufacturerData, v)
	}
	if len(fp.ServiceUUIDs) > 0 {
		v, err := EncodeServiceUUIDs(fp.ServiceUUIDs)
		if err != nil {
			return nil, err
		}
		add(models.CharacteristicServiceUUIDs, v)
	}
	if fp.DeviceName != "" {
		v, err := json.Marshal(NamePayload{Version: payloadVersion, Name: fp.DeviceName})
		if err != nil {
			return nil, err
		}
		add(models.CharacteristicDeviceName, v)
	}
	if fp.TxPower != nil {
		v, err := json.Marshal(TxPowerPayload{Version: payloadVersion, DBm: *fp.TxPower})
		if err != nil {
			return nil, err
		}
		add(models.CharacteristicTxPower, v)
	}
	return out, nil
}

// FromCharacteristics rebuilds a fingerprint from stored characteristic
// rows. Rows that fail to decode are skipped; their errors are joined and
// returned alongside the partial fingerprint.
func FromCharacteristics(chars []models.AdvertisingCharacteristic) (Fingerprint, error) {
	var (
		fp   Fingerprint
		errs []error
	)
	for i := range chars {
		c := &chars[i]
		switch c.Kind {
		case models.CharacteristicManufacturerData:
			m, err := DecodeManufacturerData(c.Value)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			fp.ManufacturerData = m
		case models.CharacteristicServiceUUIDs:
			u, err := DecodeServiceUUIDs(c.Value)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			fp.ServiceUUIDs = u
		case models.CharacteristicDeviceName:
			var p NamePayload
			if err := json.Unmarshal(c.Value, &p); err != nil {
				errs = append(errs, fmt.Errorf("decode name payload: %w", err))
				continue
			}
			fp.DeviceName = p.Name
		case models.CharacteristicTxPower:
			var p TxPowerPayload
			if err := json.Unmarshal(c.Value, &p); err != nil {
				errs = append(errs, fmt.Errorf("decode tx power payload: %w", err))
				continue
			}
			v := p.DBm
			fp.TxPower = &v
		}
	}
	return fp, errors.Join(errs...)
}
