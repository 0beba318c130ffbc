// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"

	"github.com/tomtom215/tagwatch/internal/logging"
	"github.com/tomtom215/tagwatch/internal/metrics"
	"github.com/tomtom215/tagwatch/internal/models"
)

// SampleTopic is the in-process topic every sample passes through.
const SampleTopic = "ble.samples"

// Sample sources, used as the source label of tagwatch_samples_ingested_total.
const (
	SourceLocal  = "local"
	SourceHTTP   = "http"
	SourceNATS   = "nats"
	SourceReplay = "replay"
)

const (
	metaSource    = "source"
	metaJournalID = "journal_id"
)

// ErrPipelineStopped is returned by Submit when no router is running.
var ErrPipelineStopped = errors.New("ingest pipeline is not running")

// PipelineConfig tunes the pipeline.
type PipelineConfig struct {
	// Buffer is the gochannel output buffer.
	Buffer int64
	// CloseTimeout bounds how long the router waits for the handler on shutdown.
	CloseTimeout time.Duration
}

// DefaultPipelineConfig returns production defaults.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Buffer:       1024,
		CloseTimeout: 10 * time.Second,
	}
}

// Pipeline queues samples through a Watermill router so that exactly one
// handler processes them, in submission order.
type Pipeline struct {
	processor *Processor
	journal   *Journal
	logger    watermill.LoggerAdapter
	cfg       PipelineConfig

	// pubMu serialises Publish; with BlockPublishUntilSubscriberAck the
	// next sample is only handed over once the previous one was acked.
	pubMu sync.Mutex

	mu  sync.Mutex
	run *pipelineRun
}

// pipelineRun is one Serve call's router and topic. A restarted Serve
// gets fresh ones because closing a router closes its subscriber.
type pipelineRun struct {
	router *message.Router
	pubsub *gochannel.GoChannel
}

// NewPipeline creates a pipeline feeding processor. journal may be nil.
func NewPipeline(processor *Processor, journal *Journal, cfg PipelineConfig) *Pipeline {
	def := DefaultPipelineConfig()
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = def.CloseTimeout
	}

	return &Pipeline{
		processor: processor,
		journal:   journal,
		logger:    watermill.NewSlogLogger(logging.NewSlogLogger()),
		cfg:       cfg,
	}
}

// Serve runs a router until ctx is done. It implements suture.Service and
// can be restarted after a failure.
func (p *Pipeline) Serve(ctx context.Context) error {
	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: p.cfg.CloseTimeout}, p.logger)
	if err != nil {
		return fmt.Errorf("create sample router: %w", err)
	}

	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            p.cfg.Buffer,
		BlockPublishUntilSubscriberAck: true,
	}, p.logger)

	// dropFailed is outermost so a recovered panic is logged and acked
	// instead of being redelivered forever.
	router.AddMiddleware(p.dropFailed, middleware.Recoverer)
	router.AddConsumerHandler("sample-processor", SampleTopic, pubsub, p.handle)

	run := &pipelineRun{router: router, pubsub: pubsub}
	p.mu.Lock()
	p.run = run
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		if p.run == run {
			p.run = nil
		}
		p.mu.Unlock()
		if err := pubsub.Close(); err != nil {
			logging.Warn().Err(err).Msg("Failed to close sample topic")
		}
	}()

	logging.Info().Str("topic", SampleTopic).Msg("Sample pipeline starting")
	if err := router.Run(ctx); err != nil {
		return fmt.Errorf("sample router: %w", err)
	}
	return ctx.Err()
}

// String implements fmt.Stringer for suture logging.
func (p *Pipeline) String() string {
	return "sample-pipeline"
}

// Running returns a channel closed once the current router is running, or
// nil when no router has been started.
func (p *Pipeline) Running() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.run == nil {
		return nil
	}
	return p.run.router.Running()
}

func (p *Pipeline) waitRunning(ctx context.Context) (*pipelineRun, error) {
	p.mu.Lock()
	run := p.run
	p.mu.Unlock()
	if run == nil {
		return nil, ErrPipelineStopped
	}
	select {
	case <-run.router.Running():
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if run.router.IsClosed() {
		return nil, ErrPipelineStopped
	}
	return run, nil
}

// Submit journals the sample and queues it. It returns once the sample has
// been handled.
func (p *Pipeline) Submit(ctx context.Context, source string, s *models.Sample) error {
	run, err := p.waitRunning(ctx)
	if err != nil {
		return err
	}

	var journalID string
	if p.journal != nil {
		id, err := p.journal.Append(source, s)
		if err != nil {
			// Still process the sample; it just is not crash-safe.
			logging.Ctx(ctx).Warn().Err(err).Msg("Failed to journal sample")
		}
		journalID = id
	}

	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal sample: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(metaSource, source)
	if journalID != "" {
		msg.Metadata.Set(metaJournalID, journalID)
	}

	p.pubMu.Lock()
	defer p.pubMu.Unlock()
	if err := run.pubsub.Publish(SampleTopic, msg); err != nil {
		return fmt.Errorf("publish sample: %w", err)
	}
	return nil
}

// SubmitBatch submits every advertisement of a scan batch. It stops at the
// first submission error.
func (p *Pipeline) SubmitBatch(ctx context.Context, source string, b *models.ScanBatch) (int, error) {
	samples := b.Samples()
	for i := range samples {
		if err := p.Submit(ctx, source, &samples[i]); err != nil {
			return i, err
		}
	}
	return len(samples), nil
}

// Replay processes samples left in the journal by a previous run. Call it
// before Serve so replayed samples precede new ones.
func (p *Pipeline) Replay(ctx context.Context) (int, error) {
	if p.journal == nil {
		return 0, nil
	}
	return p.journal.Replay(ctx, func(ctx context.Context, e *JournalEntry) error {
		// Processing errors are logged by the processor; the entry is
		// consumed either way.
		_, _ = p.processor.Process(ctx, SourceReplay, &e.Sample)
		return nil
	})
}

func (p *Pipeline) handle(msg *message.Message) error {
	defer p.ackJournal(msg)

	var s models.Sample
	if err := json.Unmarshal(msg.Payload, &s); err != nil {
		metrics.RecordIngestError(StageDecode)
		logging.Error().Err(err).Str("message_uuid", msg.UUID).Msg("Dropping undecodable sample")
		return nil
	}

	ctx := logging.ContextWithNewCorrelationID(msg.Context())
	// Errors are logged and counted inside Process; the sample is dropped.
	_, _ = p.processor.Process(ctx, msg.Metadata.Get(metaSource), &s)
	return nil
}

func (p *Pipeline) ackJournal(msg *message.Message) {
	if p.journal == nil {
		return
	}
	id := msg.Metadata.Get(metaJournalID)
	if id == "" {
		return
	}
	if err := p.journal.Ack(id); err != nil {
		logging.Warn().Err(err).Str("journal_id", id).Msg("Failed to ack journal entry")
	}
}

func (p *Pipeline) dropFailed(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		out, err := h(msg)
		if err != nil {
			metrics.RecordIngestError(StagePanic)
			logging.Error().Err(err).Str("message_uuid", msg.UUID).Msg("Sample handler failed")
			p.ackJournal(msg)
		}
		return out, nil
	}
}
