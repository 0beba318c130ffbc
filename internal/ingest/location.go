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

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/tagwatch/internal/config"
	"github.com/tomtom215/tagwatch/internal/logging"
	"github.com/tomtom215/tagwatch/internal/metrics"
	"github.com/tomtom215/tagwatch/internal/models"
)

// ErrNoFix is returned by a LocationSource that has no position to offer.
var ErrNoFix = errors.New("no location fix available")

// LocationSource provides the user's current position.
type LocationSource interface {
	CurrentFix(ctx context.Context) (*models.LocationSample, error)
}

// LocationFunc adapts a function to LocationSource.
type LocationFunc func(ctx context.Context) (*models.LocationSample, error)

func (f LocationFunc) CurrentFix(ctx context.Context) (*models.LocationSample, error) {
	return f(ctx)
}

// BreakerLocationSource bounds each fix request with a timeout and stops
// asking a failing provider for a while once it trips.
type BreakerLocationSource struct {
	source  LocationSource
	timeout time.Duration
	cb      *gobreaker.CircuitBreaker[*models.LocationSample]
}

// NewBreakerLocationSource wraps source according to cfg.
func NewBreakerLocationSource(source LocationSource, cfg config.LocationConfig) *BreakerLocationSource {
	maxFailures := cfg.BreakerMaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	settings := gobreaker.Settings{
		Name:        "location",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		// A missing fix is an answer, not a provider fault.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNoFix)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.SetBreakerState(int(to))
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Location breaker changed state")
		},
	}
	timeout := cfg.FixTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &BreakerLocationSource{
		source:  source,
		timeout: timeout,
		cb:      gobreaker.NewCircuitBreaker[*models.LocationSample](settings),
	}
}

// CurrentFix asks the wrapped source for a fix within the timeout.
func (b *BreakerLocationSource) CurrentFix(ctx context.Context) (*models.LocationSample, error) {
	fix, err := b.cb.Execute(func() (*models.LocationSample, error) {
		fctx, cancel := context.WithTimeout(ctx, b.timeout)
		defer cancel()

		type answer struct {
			fix *models.LocationSample
			err error
		}
		ch := make(chan answer, 1)
		go func() {
			f, err := b.source.CurrentFix(fctx)
			ch <- answer{f, err}
		}()

		select {
		case a := <-ch:
			return a.fix, a.err
		case <-fctx.Done():
			return nil, fmt.Errorf("location fix: %w", fctx.Err())
		}
	})
	if err != nil {
		return nil, err
	}
	return fix, nil
}

// State returns the breaker state for health reporting.
func (b *BreakerLocationSource) State() gobreaker.State {
	return b.cb.State()
}

// FixOrNil returns the current fix, or nil when none could be had. The
// failure reason is logged and counted; it never stops a scan.
func FixOrNil(ctx context.Context, src LocationSource) *models.LocationSample {
	if src == nil {
		return nil
	}
	fix, err := src.CurrentFix(ctx)
	if err == nil {
		return fix
	}

	reason := "error"
	switch {
	case errors.Is(err, ErrNoFix):
		reason = "no_fix"
	case errors.Is(err, context.DeadlineExceeded):
		reason = "timeout"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		reason = "breaker_open"
	}
	metrics.RecordLocationFailure(reason)
	logging.Ctx(ctx).Debug().Err(err).Str("reason", reason).Msg("Recording scan without location")
	return nil
}
