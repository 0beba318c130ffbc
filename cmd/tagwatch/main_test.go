// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/tomtom215/tagwatch/internal/config"
	"github.com/tomtom215/tagwatch/internal/ingest"
	"github.com/tomtom215/tagwatch/internal/models"
	"github.com/tomtom215/tagwatch/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFile("")
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	dir := t.TempDir()
	cfg.Database.Path = filepath.Join(dir, "tagwatch.duckdb")
	cfg.Database.Threads = 1
	cfg.Journal.Enabled = true
	cfg.Journal.Path = filepath.Join(dir, "journal")
	cfg.NATS.Enabled = false
	cfg.Server.Enabled = false
	cfg.Retention.AutoCleanup = false
	cfg.Scan.Interval = 50 * time.Millisecond
	cfg.Scan.Window = 10 * time.Millisecond
	return cfg
}

// airTagScanner reports one Find My advertisement per cycle.
func airTagScanner() ingest.Scanner {
	return ingest.ScannerFunc(func(ctx context.Context) ([]models.AdvertisementSample, error) {
		return []models.AdvertisementSample{{
			Address:          "C4:11:22:33:44:55",
			RSSI:             -61,
			ManufacturerData: map[int][]byte{0x004C: {0x12, 0x19, 0x10, 0x00}},
			TimestampMs:      time.Now().UnixMilli(),
		}}, nil
	})
}

func TestAppIngestsFromScanLoop(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg, appOptions{scanner: airTagScanner()})
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.Close()

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.Now().Add(10 * time.Second)
	var ids []models.DeviceIdentity
	for time.Now().Before(deadline) {
		ids, err = a.store.ListIdentities(ctx, store.IdentityFilter{})
		if err == nil && len(ids) > 0 {
			break
		}
		time.Sleep(25 * time.Millisecond)
	}
	if len(ids) != 1 {
		t.Fatalf("identities = %d, want 1 (last err %v)", len(ids), err)
	}
	if ids[0].DeviceClass != models.DeviceClassAirTag {
		t.Errorf("device class = %q, want %q", ids[0].DeviceClass, models.DeviceClassAirTag)
	}

	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", rec.Code)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewAppFailsOnUnusableJournal(t *testing.T) {
	cfg := testConfig(t)
	// A path under a regular file cannot become a directory.
	cfg.Journal.Path = filepath.Join(cfg.Database.Path, "journal")

	if _, err := newApp(context.Background(), cfg, appOptions{}); err == nil {
		t.Fatal("expected journal open error")
	}
}
