// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/tagwatch/internal/logging"
)

// Broker is a running message broker.
type Broker interface {
	ClientURL() string
	IsRunning() bool
	Shutdown(ctx context.Context) error
}

// BrokerFactory starts a broker. It is called on every Serve.
type BrokerFactory func() (Broker, error)

// ErrBrokerStopped is returned when the broker dies under a live context.
var ErrBrokerStopped = errors.New("broker stopped unexpectedly")

// BrokerService supervises an embedded broker: it starts one per Serve,
// watches it, and shuts it down when the context ends.
type BrokerService struct {
	start           BrokerFactory
	checkInterval   time.Duration
	shutdownTimeout time.Duration
}

// NewBrokerService wraps start. shutdownTimeout bounds the drain on stop.
func NewBrokerService(start BrokerFactory, shutdownTimeout time.Duration) *BrokerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &BrokerService{
		start:           start,
		checkInterval:   5 * time.Second,
		shutdownTimeout: shutdownTimeout,
	}
}

// Serve implements suture.Service.
func (b *BrokerService) Serve(ctx context.Context) error {
	broker, err := b.start()
	if err != nil {
		return fmt.Errorf("start broker: %w", err)
	}
	logging.Info().Str("url", broker.ClientURL()).Msg("Embedded NATS broker started")

	ticker := time.NewTicker(b.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), b.shutdownTimeout)
			defer cancel()
			if err := broker.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("broker shutdown: %w", err)
			}
			logging.Info().Msg("Embedded NATS broker stopped")
			return ctx.Err()
		case <-ticker.C:
			if !broker.IsRunning() {
				return ErrBrokerStopped
			}
		}
	}
}

// String implements fmt.Stringer for suture logging.
func (b *BrokerService) String() string {
	return "nats-broker"
}
