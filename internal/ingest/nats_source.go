// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	natsgo "github.com/nats-io/nats.go"

	"github.com/tomtom215/tagwatch/internal/config"
	"github.com/tomtom215/tagwatch/internal/logging"
	"github.com/tomtom215/tagwatch/internal/metrics"
	"github.com/tomtom215/tagwatch/internal/models"
	"github.com/tomtom215/tagwatch/internal/validation"
)

// BatchSubmitter accepts decoded scan batches.
type BatchSubmitter interface {
	SubmitBatch(ctx context.Context, source string, b *models.ScanBatch) (int, error)
}

// NATSSource receives scan batches published by remote capture agents on
// core NATS (no JetStream: a lost batch is a missed scan, not lost state)
// and forwards them into the pipeline.
type NATSSource struct {
	cfg    config.NATSConfig
	url    string
	sink   BatchSubmitter
	logger watermill.LoggerAdapter
}

// NewNATSSource creates a source subscribing to cfg.Subject at url.
func NewNATSSource(cfg config.NATSConfig, url string, sink BatchSubmitter) *NATSSource {
	return &NATSSource{
		cfg:    cfg,
		url:    url,
		sink:   sink,
		logger: watermill.NewSlogLogger(logging.NewSlogLogger()),
	}
}

func natsOptions(logger watermill.LoggerAdapter) []natsgo.Option {
	return []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2 * time.Second),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("NATS reconnected", watermill.LogFields{"url": nc.ConnectedUrl()})
		}),
	}
}

// Serve subscribes and forwards batches until ctx is done. It implements
// suture.Service.
func (n *NATSSource) Serve(ctx context.Context) error {
	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:              n.url,
		QueueGroupPrefix: n.cfg.QueueGroup,
		SubscribersCount: max(n.cfg.SubscribersCount, 1),
		AckWaitTimeout:   n.cfg.AckWaitTimeout,
		CloseTimeout:     n.cfg.CloseTimeout,
		NatsOptions:      natsOptions(n.logger),
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream:        wmNats.JetStreamConfig{Disabled: true},
	}, n.logger)
	if err != nil {
		return fmt.Errorf("create nats subscriber: %w", err)
	}
	defer func() {
		if err := sub.Close(); err != nil {
			logging.Warn().Err(err).Msg("Failed to close NATS subscriber")
		}
	}()

	messages, err := sub.Subscribe(ctx, n.cfg.Subject)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", n.cfg.Subject, err)
	}
	logging.Info().Str("url", n.url).Str("subject", n.cfg.Subject).Msg("Listening for remote scan batches")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return ctx.Err()
			}
			n.handle(ctx, msg)
		}
	}
}

// String implements fmt.Stringer for suture logging.
func (n *NATSSource) String() string {
	return "nats-source"
}

// handle always acks: a malformed batch will not improve on redelivery.
func (n *NATSSource) handle(ctx context.Context, msg *message.Message) {
	defer msg.Ack()

	batch, err := DecodeBatch(msg.Payload)
	if err != nil {
		metrics.RecordIngestError(StageDecode)
		logging.Warn().Err(err).Str("message_uuid", msg.UUID).Msg("Dropping malformed scan batch")
		return
	}

	if _, err := n.sink.SubmitBatch(ctx, SourceNATS, batch); err != nil {
		logging.Warn().Err(err).Str("agent", batch.Source).Msg("Failed to submit scan batch")
	}
}

// DecodeBatch parses and validates a JSON scan batch.
func DecodeBatch(payload []byte) (*models.ScanBatch, error) {
	var b models.ScanBatch
	if err := json.Unmarshal(payload, &b); err != nil {
		return nil, fmt.Errorf("decode scan batch: %w", err)
	}
	if err := validation.ValidateStruct(&b); err != nil {
		return nil, fmt.Errorf("invalid scan batch: %w", err)
	}
	return &b, nil
}

// BatchPublisher publishes scan batches to NATS. Capture agents use it;
// tagwatch itself only subscribes.
type BatchPublisher struct {
	pub     message.Publisher
	subject string
}

// NewBatchPublisher connects a publisher to url.
func NewBatchPublisher(url, subject string) (*BatchPublisher, error) {
	logger := watermill.NewSlogLogger(logging.NewSlogLogger())
	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         url,
		NatsOptions: natsOptions(logger),
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream:   wmNats.JetStreamConfig{Disabled: true},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create nats publisher: %w", err)
	}
	return &BatchPublisher{pub: pub, subject: subject}, nil
}

// Publish sends one batch.
func (p *BatchPublisher) Publish(b *models.ScanBatch) error {
	payload, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal scan batch: %w", err)
	}
	if err := p.pub.Publish(p.subject, message.NewMessage(watermill.NewUUID(), payload)); err != nil {
		return fmt.Errorf("publish scan batch: %w", err)
	}
	return nil
}

// Close closes the publisher.
func (p *BatchPublisher) Close() error {
	return p.pub.Close()
}
