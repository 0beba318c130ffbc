// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

package services

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/thejerf/suture/v4"
)

var (
	_ suture.Service = (*HTTPServerService)(nil)
	_ suture.Service = (*BrokerService)(nil)
)

type fakeHTTPServer struct {
	listenErr   error
	shutdownErr error
	started     chan struct{}
	stop        chan struct{}
	shutdowns   atomic.Int32
}

func newFakeHTTPServer() *fakeHTTPServer {
	return &fakeHTTPServer{started: make(chan struct{}, 1), stop: make(chan struct{})}
}

func (f *fakeHTTPServer) ListenAndServe() error {
	select {
	case f.started <- struct{}{}:
	default:
	}
	if f.listenErr != nil {
		return f.listenErr
	}
	<-f.stop
	return http.ErrServerClosed
}

func (f *fakeHTTPServer) Shutdown(context.Context) error {
	f.shutdowns.Add(1)
	close(f.stop)
	return f.shutdownErr
}

func serveUntilStarted(t *testing.T, svc suture.Service, started <-chan struct{}) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Serve(ctx) }()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatal("service did not start")
	}
	return cancel, errCh
}

func TestHTTPServerService(t *testing.T) {
	t.Run("graceful shutdown", func(t *testing.T) {
		srv := newFakeHTTPServer()
		svc := NewHTTPServerService(srv, time.Second)
		cancel, errCh := serveUntilStarted(t, svc, srv.started)
		cancel()
		if err := <-errCh; !errors.Is(err, context.Canceled) {
			t.Errorf("Serve = %v, want context.Canceled", err)
		}
		if srv.shutdowns.Load() != 1 {
			t.Errorf("shutdowns = %d", srv.shutdowns.Load())
		}
	})

	t.Run("listen failure", func(t *testing.T) {
		srv := newFakeHTTPServer()
		srv.listenErr = errors.New("bind: address already in use")
		err := NewHTTPServerService(srv, time.Second).Serve(context.Background())
		if !errors.Is(err, srv.listenErr) {
			t.Errorf("Serve = %v", err)
		}
	})

	t.Run("shutdown failure", func(t *testing.T) {
		srv := newFakeHTTPServer()
		srv.shutdownErr = errors.New("deadline exceeded draining")
		cancel, errCh := serveUntilStarted(t, NewHTTPServerService(srv, time.Second), srv.started)
		cancel()
		if err := <-errCh; !errors.Is(err, srv.shutdownErr) {
			t.Errorf("Serve = %v", err)
		}
	})

	t.Run("defaults", func(t *testing.T) {
		svc := NewHTTPServerService(newFakeHTTPServer(), -time.Second)
		if svc.shutdownTimeout != 10*time.Second || svc.String() != "http-server" {
			t.Errorf("svc = %+v", svc)
		}
	})
}

type fakeBroker struct {
	running   atomic.Bool
	shutdowns atomic.Int32
}

func (b *fakeBroker) ClientURL() string { return "nats://127.0.0.1:4222" }
func (b *fakeBroker) IsRunning() bool   { return b.running.Load() }
func (b *fakeBroker) Shutdown(context.Context) error {
	b.shutdowns.Add(1)
	b.running.Store(false)
	return nil
}

func TestBrokerService(t *testing.T) {
	t.Run("starts and shuts down", func(t *testing.T) {
		broker := &fakeBroker{}
		started := make(chan struct{}, 1)
		svc := NewBrokerService(func() (Broker, error) {
			broker.running.Store(true)
			started <- struct{}{}
			return broker, nil
		}, time.Second)

		cancel, errCh := serveUntilStarted(t, svc, started)
		cancel()
		if err := <-errCh; !errors.Is(err, context.Canceled) {
			t.Errorf("Serve = %v", err)
		}
		if broker.shutdowns.Load() != 1 {
			t.Errorf("shutdowns = %d", broker.shutdowns.Load())
		}
	})

	t.Run("start failure", func(t *testing.T) {
		boom := errors.New("port in use")
		svc := NewBrokerService(func() (Broker, error) { return nil, boom }, time.Second)
		if err := svc.Serve(context.Background()); !errors.Is(err, boom) {
			t.Errorf("Serve = %v", err)
		}
	})

	t.Run("reports a dead broker", func(t *testing.T) {
		broker := &fakeBroker{}
		svc := NewBrokerService(func() (Broker, error) { return broker, nil }, time.Second)
		svc.checkInterval = 5 * time.Millisecond
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := svc.Serve(ctx); !errors.Is(err, ErrBrokerStopped) {
			t.Errorf("Serve = %v, want ErrBrokerStopped", err)
		}
	})
}
