// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

// Package main is the entry point of the tagwatch detection service.
//
// Tagwatch resolves rotating BLE advertisements to stable device identities,
// groups the user's positions into place clusters, and scores every
// identity for the likelihood that it is an unwanted tracker following the
// user.
//
// # Startup
//
//  1. Configuration: defaults, optional YAML file, environment (koanf)
//  2. Detection store: DuckDB file with schema
//  3. Write path: identity resolver, clusterer, threat engine, processor
//  4. Ingest journal (BadgerDB) and pipeline; leftover samples are replayed
//  5. Optional NATS transport for remote capture agents
//  6. Maintenance schedulers: retention, re-score sweep, journal GC
//  7. Alert hub and HTTP API
//  8. Supervisor tree; SIGINT or SIGTERM stops it gracefully
//
// # Example
//
//	export DUCKDB_PATH=/var/lib/tagwatch/tagwatch.duckdb
//	export JOURNAL_PATH=/var/lib/tagwatch/journal
//	export NATS_ENABLED=true NATS_EMBEDDED=true
//	./tagwatch
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/tomtom215/tagwatch/internal/api"
	"github.com/tomtom215/tagwatch/internal/cluster"
	"github.com/tomtom215/tagwatch/internal/config"
	"github.com/tomtom215/tagwatch/internal/identity"
	"github.com/tomtom215/tagwatch/internal/ingest"
	"github.com/tomtom215/tagwatch/internal/logging"
	"github.com/tomtom215/tagwatch/internal/maintenance"
	"github.com/tomtom215/tagwatch/internal/store"
	"github.com/tomtom215/tagwatch/internal/supervisor"
	"github.com/tomtom215/tagwatch/internal/supervisor/services"
	"github.com/tomtom215/tagwatch/internal/threat"
	ws "github.com/tomtom215/tagwatch/internal/websocket"
)

// journalGCInterval is how often the journal value log is compacted.
const journalGCInterval = 10 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Logging.Level
	logCfg.Format = cfg.Logging.Format
	logCfg.Caller = cfg.Logging.Caller
	logging.Init(logCfg)
	logging.Info().
		Str("db_path", cfg.Database.Path).
		Bool("journal", cfg.Journal.Enabled).
		Bool("nats", cfg.NATS.Enabled).
		Bool("deep_analysis", cfg.Threat.DeepAnalysis).
		Msg("Starting tagwatch")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := newApp(ctx, cfg, appOptions{})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialise tagwatch")
	}
	defer app.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	if err := app.Run(ctx); err != nil {
		logging.Error().Err(err).Msg("Supervisor tree error")
	}
	logging.Info().Msg("Tagwatch stopped")
}

// appOptions attaches platform capture. Both are nil in the standalone
// binary, which ingests over HTTP and NATS only.
type appOptions struct {
	scanner  ingest.Scanner
	location ingest.LocationSource
}

// app is the wired service graph.
type app struct {
	cfg      *config.Config
	store    *store.DuckDBStore
	journal  *ingest.Journal
	pipeline *ingest.Pipeline
	engine   *threat.Engine
	hub      *ws.Hub
	handler  http.Handler
	tree     *supervisor.SupervisorTree
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	st, err := store.Open(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open detection store: %w", err)
	}
	a := &app{cfg: cfg, store: st}

	idCfg := identity.DefaultConfig()
	idCfg.MatchThreshold = cfg.Identity.MatchThreshold
	idCfg.MaxCandidates = cfg.Identity.MaxCandidates
	idCfg.Weights.Timing = cfg.Identity.TimingWeight
	resolver := identity.NewResolver(st, idCfg)

	a.engine = threat.NewEngine(st, threat.Config{
		DeepAnalysis:    cfg.Threat.DeepAnalysis,
		DeepWeight:      cfg.Threat.DeepWeight,
		MinObservations: cfg.Threat.MinObservations,
		Lookback:        cfg.Threat.Lookback,
	})

	a.hub = ws.NewHub()
	processor := ingest.NewProcessor(resolver, cluster.New(st), st, a.engine, ingest.ProcessorConfig{
		RescoreEvery:       cfg.Scan.RescoreEvery,
		RescoreInterval:    cfg.Scan.RescoreInterval,
		AlertThreshold:     cfg.Alerts.SuspicionThreshold,
		FollowingThreshold: cfg.Alerts.FollowingThreshold,
	}).WithAlertSink(a.hub)

	if cfg.Journal.Enabled {
		if a.journal, err = ingest.OpenJournal(cfg.Journal.Path, cfg.Journal.TTL); err != nil {
			a.Close()
			return nil, fmt.Errorf("open ingest journal: %w", err)
		}
	}
	a.pipeline = ingest.NewPipeline(processor, a.journal, ingest.PipelineConfig{
		Buffer:       cfg.Scan.QueueBuffer,
		CloseTimeout: cfg.NATS.CloseTimeout,
	})
	n, err := a.pipeline.Replay(ctx)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("replay ingest journal: %w", err)
	}
	if n > 0 {
		logging.Info().Int("samples", n).Msg("Replayed journaled samples")
	}

	a.tree, err = supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create supervisor tree: %w", err)
	}

	a.wireIngest(opts)
	a.wireMaintenance(processor)
	a.wireAPI()
	return a, nil
}

func (a *app) wireIngest(opts appOptions) {
	cfg := a.cfg
	a.tree.AddPipelineService(a.pipeline)

	if cfg.NATS.Enabled {
		url := cfg.NATS.URL
		if cfg.NATS.EmbeddedServer {
			url = fmt.Sprintf("nats://%s", net.JoinHostPort(cfg.NATS.Host, strconv.Itoa(cfg.NATS.Port)))
			a.tree.AddDataService(services.NewBrokerService(func() (services.Broker, error) {
				return ingest.NewEmbeddedServer(cfg.NATS.Host, cfg.NATS.Port)
			}, cfg.NATS.CloseTimeout))
		}
		a.tree.AddPipelineService(ingest.NewNATSSource(cfg.NATS, url, a.pipeline))
		logging.Info().Str("url", url).Str("subject", cfg.NATS.Subject).Msg("NATS sample source enabled")
	}

	if opts.scanner != nil {
		var loc ingest.LocationSource
		if opts.location != nil {
			loc = ingest.NewBreakerLocationSource(opts.location, cfg.Location)
		}
		a.tree.AddPipelineService(ingest.NewScanLoop(opts.scanner, loc, a.pipeline, cfg.Scan.Interval, cfg.Scan.Window))
		logging.Info().Dur("interval", cfg.Scan.Interval).Msg("Local scan loop enabled")
	}
}

func (a *app) wireMaintenance(processor *ingest.Processor) {
	cfg := a.cfg
	if cfg.Retention.AutoCleanup {
		job := maintenance.NewRetentionJob(a.store, cfg.Retention)
		a.tree.AddMaintenanceService(maintenance.NewScheduler(job, cfg.Retention.Interval, maintenance.WithRunOnStart()))
	}

	rescore := maintenance.NewRescoreJob(a.store, a.engine, processor, cfg.Threat.Lookback, cfg.Alerts.SuspicionThreshold).
		WithAlertSink(a.hub, cfg.Alerts.FollowingThreshold)
	a.tree.AddMaintenanceService(maintenance.NewScheduler(rescore, cfg.Threat.RescoreSweepInterval))

	if a.journal != nil {
		a.tree.AddMaintenanceService(maintenance.NewScheduler(maintenance.JournalGC(a.journal), journalGCInterval))
	}
}

func (a *app) wireAPI() {
	cfg := a.cfg
	a.tree.AddAPIService(a.hub)

	var submitter ingest.BatchSubmitter = a.pipeline
	h := api.NewHandler(a.store, a.engine, submitter, a.hub.Handler(nil))
	a.handler = api.NewRouter(h, api.NewMiddleware(api.MiddlewareConfig{
		CORSAllowedOrigins: cfg.Server.CORSOrigins,
		RateLimitRequests:  cfg.Server.RateLimitReqs,
		RateLimitWindow:    cfg.Server.RateLimitWindow,
	}))

	if !cfg.Server.Enabled {
		return
	}
	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.Timeout,
		IdleTimeout:       2 * cfg.Server.Timeout,
	}
	a.tree.AddAPIService(services.NewHTTPServerService(server, 10*time.Second))
	logging.Info().Str("addr", server.Addr).Msg("HTTP server service added")
}

// Run serves the supervisor tree until ctx is canceled.
func (a *app) Run(ctx context.Context) error {
	err := <-a.tree.ServeBackground(ctx)
	var runErr error
	if err != nil && !errors.Is(err, context.Canceled) {
		runErr = err
	}

	unstopped, _ := a.tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}
	return runErr
}

// Close releases the journal and the store.
func (a *app) Close() {
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing ingest journal")
		}
		a.journal = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing detection store")
		}
		a.store = nil
	}
}
