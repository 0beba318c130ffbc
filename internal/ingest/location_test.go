// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/tagwatch/internal/config"
	"github.com/tomtom215/tagwatch/internal/models"
)

func testLocationConfig() config.LocationConfig {
	return config.LocationConfig{
		FixTimeout:         50 * time.Millisecond,
		BreakerMaxFailures: 2,
		BreakerTimeout:     time.Hour,
	}
}

func TestFixOrNil(t *testing.T) {
	fix := &models.LocationSample{Latitude: 1, Longitude: 2, TimestampMs: 1}

	tests := []struct {
		name string
		src  LocationSource
		want *models.LocationSample
	}{
		{"nil source", nil, nil},
		{"fix", LocationFunc(func(context.Context) (*models.LocationSample, error) { return fix, nil }), fix},
		{"no fix", LocationFunc(func(context.Context) (*models.LocationSample, error) { return nil, ErrNoFix }), nil},
		{"error", LocationFunc(func(context.Context) (*models.LocationSample, error) { return nil, errors.New("gps off") }), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FixOrNil(context.Background(), tt.src); got != tt.want {
				t.Errorf("FixOrNil = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBreakerLocationSourceTimesOut(t *testing.T) {
	slow := LocationFunc(func(ctx context.Context) (*models.LocationSample, error) {
		select {
		case <-time.After(time.Second):
			return &models.LocationSample{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	b := NewBreakerLocationSource(slow, testLocationConfig())

	start := time.Now()
	_, err := b.CurrentFix(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("fix request was not bounded by the timeout")
	}
}

func TestBreakerLocationSourceTrips(t *testing.T) {
	calls := 0
	failing := LocationFunc(func(context.Context) (*models.LocationSample, error) {
		calls++
		return nil, errors.New("provider down")
	})
	b := NewBreakerLocationSource(failing, testLocationConfig())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := b.CurrentFix(ctx); err == nil {
			t.Fatal("expected provider error")
		}
	}
	if b.State() != gobreaker.StateOpen {
		t.Fatalf("state = %s, want open", b.State())
	}
	if _, err := b.CurrentFix(ctx); !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("err = %v, want ErrOpenState", err)
	}
	if calls != 2 {
		t.Errorf("provider called %d times, want 2", calls)
	}
	if FixOrNil(ctx, b) != nil {
		t.Error("open breaker should degrade to no location")
	}
}

func TestBreakerLocationSourceIgnoresNoFix(t *testing.T) {
	none := LocationFunc(func(context.Context) (*models.LocationSample, error) { return nil, ErrNoFix })
	b := NewBreakerLocationSource(none, testLocationConfig())
	for i := 0; i < 5; i++ {
		_, _ = b.CurrentFix(context.Background())
	}
	if b.State() != gobreaker.StateClosed {
		t.Errorf("state = %s, want closed: a missing fix is not a provider fault", b.State())
	}
}
