package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaSinkPublishesJSONKeyedByReference(t *testing.T) {
	w := &fakeWriter{}
	sink := &KafkaSink{writer: w, topic: "balance-movements"}
	m := domain.BalanceMovement{
		Kind: "settlement", Reference: "SETTLE:o1", OrderID: "o1", PartnerID: "p1",
		Amount: decimal.NewFromInt(100), At: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	require.NoError(t, sink.BalanceMoved(context.Background(), m))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "SETTLE:o1", string(w.msgs[0].Key))

	var got domain.BalanceMovement
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, "p1", got.PartnerID)
	assert.True(t, got.Amount.Equal(m.Amount))
}

func TestPublishLogsFailures(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	sink := &KafkaSink{writer: &fakeWriter{err: errors.New("broker down")}, topic: "t"}

	Publish(context.Background(), sink, zap.New(core), domain.BalanceMovement{Reference: "SETTLE:o9"})
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "balance movement notification failed", logs.All()[0].Message)
}
