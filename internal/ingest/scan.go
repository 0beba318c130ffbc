// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/tagwatch/internal/logging"
	"github.com/tomtom215/tagwatch/internal/models"
)

// Scanner is the local radio. Scan listens for at most the ctx deadline
// and returns what it heard.
type Scanner interface {
	Scan(ctx context.Context) ([]models.AdvertisementSample, error)
}

// ScannerFunc adapts a function to Scanner.
type ScannerFunc func(ctx context.Context) ([]models.AdvertisementSample, error)

func (f ScannerFunc) Scan(ctx context.Context) ([]models.AdvertisementSample, error) {
	return f(ctx)
}

// ScanLoop drives the local radio: every Interval it scans for Window,
// takes one location fix for the cycle and submits the batch.
type ScanLoop struct {
	scanner  Scanner
	location LocationSource
	sink     BatchSubmitter
	interval time.Duration
	window   time.Duration
}

// NewScanLoop creates a loop. location may be nil.
func NewScanLoop(scanner Scanner, location LocationSource, sink BatchSubmitter, interval, window time.Duration) *ScanLoop {
	if window <= 0 || window > interval {
		window = interval
	}
	return &ScanLoop{
		scanner:  scanner,
		location: location,
		sink:     sink,
		interval: interval,
		window:   window,
	}
}

// Serve runs scan cycles until ctx is done. It implements suture.Service.
func (l *ScanLoop) Serve(ctx context.Context) error {
	if l.interval <= 0 {
		return fmt.Errorf("scan interval must be positive, got %s", l.interval)
	}
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		if _, err := l.RunOnce(ctx); err != nil && ctx.Err() == nil {
			logging.Warn().Err(err).Msg("Scan cycle failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// String implements fmt.Stringer for suture logging.
func (l *ScanLoop) String() string {
	return "scan-loop"
}

// RunOnce performs a single scan cycle and returns how many samples were
// submitted.
func (l *ScanLoop) RunOnce(ctx context.Context) (int, error) {
	scanCtx, cancel := context.WithTimeout(ctx, l.window)
	ads, err := l.scanner.Scan(scanCtx)
	cancel()
	// Hitting the window is how a scan normally ends.
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return 0, fmt.Errorf("scan: %w", err)
	}
	if len(ads) == 0 {
		return 0, nil
	}

	batch := &models.ScanBatch{
		Source:         SourceLocal,
		Location:       FixOrNil(ctx, l.location),
		Advertisements: ads,
	}
	n, err := l.sink.SubmitBatch(ctx, SourceLocal, batch)
	if err != nil {
		return n, fmt.Errorf("submit scan batch: %w", err)
	}
	logging.Debug().Int("advertisements", n).Bool("located", batch.Location != nil).Msg("Scan cycle complete")
	return n, nil
}
