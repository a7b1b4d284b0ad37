// Package journal publishes one record per handled request to a watermill
// sink so request history can be inspected outside the service.
package journal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/leopard/internal/runtime/config"
	"github.com/drblury/leopard/internal/runtime/ids"
	"github.com/drblury/leopard/internal/runtime/jsoncodec"
	"github.com/drblury/leopard/internal/runtime/metadata"
)

// Metadata keys set on every published journal message.
const (
	MetadataEndpoint      = metadata.KeyEndpoint
	MetadataResult        = "leopard_result"
	MetadataCorrelationID = metadata.KeyCorrelationID
)

// Record describes one handled request.
type Record struct {
	ID            string    `json:"id"`
	Time          time.Time `json:"time"`
	Service       string    `json:"service"`
	Instance      int       `json:"instance"`
	Endpoint      string    `json:"endpoint"`
	Subject       string    `json:"subject"`
	Result        string    `json:"result"`
	Error         string    `json:"error,omitempty"`
	DurationMs    float64   `json:"durationMs"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

// Journal writes records to a watermill publisher under a single topic.
type Journal struct {
	publisher message.Publisher
	topic     string

	closeOnce sync.Once
	closeErr  error
}

// New wraps an existing publisher. An empty topic falls back to
// config.DefaultJournalTopic.
func New(publisher message.Publisher, topic string) (*Journal, error) {
	if publisher == nil {
		return nil, errors.New("journal: publisher is required")
	}
	if topic == "" {
		topic = config.DefaultJournalTopic
	}
	return &Journal{publisher: publisher, topic: topic}, nil
}

// Open builds the publisher for cfg.Sink. It returns (nil, nil) when no sink
// is configured.
func Open(ctx context.Context, cfg config.Journal, logger watermill.LoggerAdapter) (*Journal, error) {
	if cfg.Sink == "" {
		return nil, nil
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	build, err := lookup(cfg.Sink)
	if err != nil {
		return nil, err
	}
	publisher, err := build(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("journal %s: %w", cfg.Sink, err)
	}
	logger.Info("Journal opened", watermill.LogFields{"sink": cfg.Sink, "topic": cfg.Topic})
	return New(publisher, cfg.Topic)
}

// Topic returns the topic records are published to.
func (j *Journal) Topic() string { return j.topic }

// Publish encodes rec as JSON and hands it to the sink. Missing ID and Time
// are filled in.
func (j *Journal) Publish(ctx context.Context, rec Record) error {
	if rec.Time.IsZero() {
		rec.Time = time.Now().UTC()
	}
	if rec.ID == "" {
		rec.ID = ids.CreateULIDAt(rec.Time)
	}

	payload, err := jsoncodec.Marshal(rec)
	if err != nil {
		return fmt.Errorf("journal: encode record: %w", err)
	}

	msg := message.NewMessage(rec.ID, payload)
	if ctx != nil {
		msg.SetContext(ctx)
	}
	md := metadata.New(MetadataEndpoint, rec.Endpoint, MetadataResult, rec.Result)
	if rec.CorrelationID != "" {
		md[MetadataCorrelationID] = rec.CorrelationID
	}
	msg.Metadata = metadata.ToWatermill(md)

	if err := j.publisher.Publish(j.topic, msg); err != nil {
		return fmt.Errorf("journal: publish to %q: %w", j.topic, err)
	}
	return nil
}

// Close closes the underlying publisher once.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.closeOnce.Do(func() {
		j.closeErr = j.publisher.Close()
	})
	return j.closeErr
}
