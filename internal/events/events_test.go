package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/segmentio/encoding/json"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navid-fn/txradar/internal/models"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestPublishRecords(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	docs := []models.TxDoc{
		{Key: "edge_cn:a", Tenant: "edge", Source: "cn", Tx: models.StandardTx{OrderID: "a", USDValue: 5}},
		{Key: "edge_cn:b", Tenant: "edge", Source: "cn", Tx: models.StandardTx{OrderID: "b"}},
	}
	require.NoError(t, p.PublishRecords(WithRunID(context.Background(), "run-1"), docs))
	require.Len(t, w.msgs, 2)
	assert.Equal(t, "edge_cn:a", string(w.msgs[0].Key))

	var ev RecordEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &ev))
	assert.Equal(t, "run-1", ev.RunID)
	assert.Equal(t, 5.0, ev.Tx.USDValue)
}

func TestPublishRecordsError(t *testing.T) {
	p := &KafkaPublisher{writer: &fakeWriter{err: errors.New("broker down")}, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	err := p.PublishRecords(context.Background(), []models.TxDoc{{Key: "k"}})
	assert.ErrorContains(t, err, "broker down")

	assert.NoError(t, p.PublishRecords(context.Background(), nil))
}
