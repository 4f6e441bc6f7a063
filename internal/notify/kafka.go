package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/authcore/server/internal/clock"
	"github.com/authcore/server/internal/model"
)

// DispatchEvent is the payload published for a downstream delivery service.
type DispatchEvent struct {
	Event   string        `json:"event"`
	Address string        `json:"address"`
	Purpose model.Purpose `json:"purpose"`
	Code    string        `json:"code"`
	Subject string        `json:"subject"`
	Body    string        `json:"body"`
	SentAt  time.Time     `json:"sent_at"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes codes to a topic consumed by a delivery service
type KafkaNotifier struct {
	writer messageWriter
	topic  string
	clock  clock.Clock
	log    *zap.Logger
}

// NewKafkaNotifier creates a synchronous producer so Send reports broker failures.
func NewKafkaNotifier(brokers []string, topic string, clk clock.Clock, log *zap.Logger) *KafkaNotifier {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		MaxAttempts:            3,
		BatchSize:              1,
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	log.Info("kafka notifier initialized", zap.Strings("brokers", brokers), zap.String("topic", topic))
	return newKafkaNotifier(writer, topic, clk, log)
}

func newKafkaNotifier(w messageWriter, topic string, clk clock.Clock, log *zap.Logger) *KafkaNotifier {
	return &KafkaNotifier{writer: w, topic: topic, clock: clk, log: log}
}

func (n *KafkaNotifier) Send(ctx context.Context, address string, purpose model.Purpose, code string) error {
	msg := Render(purpose, code)
	payload, err := json.Marshal(DispatchEvent{
		Event:   "otp.dispatch",
		Address: address,
		Purpose: purpose,
		Code:    code,
		Subject: msg.Subject,
		Body:    msg.Body,
		SentAt:  n.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("encode dispatch event: %w", err)
	}

	err = n.writer.WriteMessages(ctx, kafka.Message{
		Topic: n.topic,
		Key:   []byte(address),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte("otp.dispatch")},
		},
	})
	if err != nil {
		return fmt.Errorf("publish dispatch event: %w", err)
	}
	return nil
}

// Close flushes and closes the producer.
func (n *KafkaNotifier) Close() error {
	if err := n.writer.Close(); err != nil {
		n.log.Error("failed to close kafka notifier", zap.Error(err))
		return err
	}
	return nil
}
