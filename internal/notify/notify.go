// Package notify publishes balance movements for external billing reconciliation.
// Delivery is best-effort: callers log failures and carry on.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Sink receives balance movements after the mutation committed.
type Sink interface {
	BalanceMoved(ctx context.Context, m domain.BalanceMovement) error
}

// Nop discards every movement.
type Nop struct{}

func (Nop) BalanceMoved(context.Context, domain.BalanceMovement) error { return nil }

// LogSink writes movements to the structured log.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) BalanceMoved(_ context.Context, m domain.BalanceMovement) error {
	s.Logger.Info("balance moved",
		zap.String("kind", m.Kind),
		zap.String("reference", m.Reference),
		zap.String("order_id", m.OrderID),
		zap.String("partner_id", m.PartnerID),
		zap.String("amount", m.Amount.String()),
	)
	return nil
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes movements as JSON keyed by reference.
type KafkaSink struct {
	writer messageWriter
	topic  string
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		topic: topic,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
			MaxAttempts:  3,
		},
	}
}

func (s *KafkaSink) BalanceMoved(ctx context.Context, m domain.BalanceMovement) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal movement: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(m.Reference),
		Value: payload,
		Time:  m.At,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(m.Kind)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", s.topic, err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

// Publish sends m to sink and logs, never returns, a delivery failure.
func Publish(ctx context.Context, sink Sink, logger *zap.Logger, m domain.BalanceMovement) {
	if sink == nil {
		return
	}
	if err := sink.BalanceMoved(ctx, m); err != nil {
		logger.Warn("balance movement notification failed",
			zap.String("reference", m.Reference), zap.Error(err))
	}
}
