// Package events announces newly stored canonical records to downstream consumers.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/segmentio/kafka-go"

	"github.com/navid-fn/txradar/internal/models"
)

// Publisher is told about every record the sync orchestrator inserted.
type Publisher interface {
	PublishRecords(ctx context.Context, docs []models.TxDoc) error
	Close() error
}

// RecordEvent is the message body. Keyed by the record key so a partition sees
// one record's history in order.
type RecordEvent struct {
	Key    string            `json:"key"`
	Tenant string            `json:"tenant"`
	Source string            `json:"source"`
	RunID  string            `json:"runId,omitempty"`
	Tx     models.StandardTx `json:"tx"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes one message per record.
type KafkaPublisher struct {
	writer messageWriter
	logger *slog.Logger
}

// NewKafkaPublisher creates a writer for topic on broker.
func NewKafkaPublisher(broker, topic string, logger *slog.Logger) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(broker),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaPublisher{writer: w, logger: logger.With("component", "events")}
}

func (p *KafkaPublisher) PublishRecords(ctx context.Context, docs []models.TxDoc) error {
	if len(docs) == 0 {
		return nil
	}

	runID, _ := ctx.Value(runIDKey{}).(string)
	msgs := make([]kafka.Message, 0, len(docs))
	for _, d := range docs {
		data, err := json.Marshal(RecordEvent{Key: d.Key, Tenant: d.Tenant, Source: d.Source, RunID: runID, Tx: d.Tx})
		if err != nil {
			return fmt.Errorf("serialize %s: %w", d.Key, err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(d.Key), Value: data})
	}

	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := p.writer.WriteMessages(writeCtx, msgs...); err != nil {
		return fmt.Errorf("kafka write failed: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Noop drops everything. Used when no broker is configured.
type Noop struct{}

func (Noop) PublishRecords(ctx context.Context, docs []models.TxDoc) error { return nil }
func (Noop) Close() error                                                  { return nil }

type runIDKey struct{}

// WithRunID tags ctx so published events carry the sync run id.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}
