// Package kafka publishes session failure alerts to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/MrWong99/playcoach/internal/alert"
)

var _ alert.Notifier = (*Notifier)(nil)

// messageWriter is the subset of *kafka.Writer the notifier uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config configures a [Notifier].
type Config struct {
	Brokers []string
	Topic   string

	// WriteTimeout bounds a single publish. Defaults to 10s.
	WriteTimeout time.Duration
}

// Notifier writes one JSON [alert.Event] per failure. Messages are keyed by
// session id so all alerts of a session land on the same partition.
type Notifier struct {
	w     messageWriter
	topic string
}

// New returns a Notifier publishing to cfg.Topic.
func New(cfg Config) (*Notifier, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka alert: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka alert: topic must not be empty")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireOne,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc},
	}
	return &Notifier{w: w, topic: cfg.Topic}, nil
}

// NotifyFailure implements [alert.Notifier].
func (n *Notifier) NotifyFailure(ctx context.Context, f alert.Failure) error {
	ev := alert.NewEvent(f)
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("kafka alert: marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(f.SessionID),
		Value: payload,
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(ev.Type)},
			{Key: "eventId", Value: []byte(ev.ID)},
		},
	}
	if err := n.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka alert: publish to %s: %w", n.topic, err)
	}
	return nil
}

// Close flushes pending messages and closes the writer.
func (n *Notifier) Close() error {
	return n.w.Close()
}
