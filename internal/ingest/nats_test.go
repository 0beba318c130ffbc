// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/tomtom215/tagwatch/internal/config"
	"github.com/tomtom215/tagwatch/internal/models"
)

func TestDecodeBatch(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr bool
		wantAds int
	}{
		{"valid", `{"source":"car","advertisements":[{"address":"4A:00:00:00:00:01","rssi":-60,"timestamp":1}]}`, false, 1},
		{"with location", `{"location":{"latitude":48.1,"longitude":11.5,"accuracy":5,"timestamp":1},"advertisements":[]}`, false, 0},
		{"not json", `{{`, true, 0},
		{"bad address", `{"advertisements":[{"address":"zz","rssi":-60,"timestamp":1}]}`, true, 0},
		{"bad latitude", `{"location":{"latitude":99,"longitude":0,"timestamp":1},"advertisements":[]}`, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := DecodeBatch([]byte(tt.payload))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && len(b.Advertisements) != tt.wantAds {
				t.Errorf("advertisements = %d, want %d", len(b.Advertisements), tt.wantAds)
			}
		})
	}
}

func TestNATSRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("starts an embedded NATS server")
	}

	srv, err := NewEmbeddedServer("127.0.0.1", -1)
	if err != nil {
		t.Fatalf("NewEmbeddedServer = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	if !srv.IsRunning() {
		t.Fatal("server not running")
	}

	cfg := config.NATSConfig{
		Subject:          "tagwatch.scans",
		QueueGroup:       "tagwatch",
		SubscribersCount: 1,
		AckWaitTimeout:   5 * time.Second,
		CloseTimeout:     5 * time.Second,
	}
	sink := &recordingSink{}
	source := NewNATSSource(cfg, srv.ClientURL(), sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = source.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	pub, err := NewBatchPublisher(srv.ClientURL(), cfg.Subject)
	if err != nil {
		t.Fatal(err)
	}
	defer pub.Close()

	batch := &models.ScanBatch{
		Source:         "car",
		Advertisements: []models.AdvertisementSample{{Address: "4A:00:00:00:00:01", RSSI: -60, TimestampMs: 1}},
	}
	// Core NATS drops messages published before the subscription exists,
	// so keep publishing until one arrives.
	deadline := time.Now().Add(10 * time.Second)
	for sink.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no batch received over NATS")
		}
		if err := pub.Publish(batch); err != nil {
			t.Fatalf("Publish = %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.sources[0] != SourceNATS || sink.batches[0].Source != "car" {
		t.Errorf("received %+v from %q", sink.batches[0], sink.sources[0])
	}
}
