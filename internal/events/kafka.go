package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/lakeside-io/lakeside/internal/config"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultMaxAttempts  = 3
	defaultBackoff      = 200 * time.Millisecond
)

// messageWriter is the subset of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events as JSON messages keyed by client and model, so
// every event of one model lands on the same partition.
type KafkaPublisher struct {
	writer      messageWriter
	topic       string
	maxAttempts int
	backoff     time.Duration
	logger      *slog.Logger
}

var _ Publisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher creates a publisher from cfg. The connection is lazy; the
// first publish dials the brokers.
func NewKafkaPublisher(cfg *Config, logger *slog.Logger) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		WriteTimeout:           cfg.WriteTimeout,
		BatchTimeout:           10 * time.Millisecond,
	}

	return newKafkaPublisher(w, cfg.Topic, logger)
}

func newKafkaPublisher(w messageWriter, topic string, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = config.NewLogger()
	}

	return &KafkaPublisher{
		writer:      w,
		topic:       topic,
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
		logger:      logger,
	}
}

// PublishIngestionCompleted implements Publisher. Temporary broker errors are
// retried with linear backoff.
func (p *KafkaPublisher) PublishIngestionCompleted(ctx context.Context, event IngestionCompleted) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.ClientID + "/" + event.ModelID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte("ingestion.completed")},
			{Key: "run_id", Value: []byte(event.RunID)},
		},
	}

	for attempt := 1; ; attempt++ {
		err = p.writer.WriteMessages(ctx, msg)
		if err == nil {
			p.logger.Debug("Published event",
				slog.String("topic", p.topic),
				slog.String("run_id", event.RunID))

			return nil
		}

		if attempt >= p.maxAttempts || !temporary(err) {
			return fmt.Errorf("publish to %s: %w", p.topic, err)
		}

		p.logger.Warn("Retrying event publish",
			slog.String("topic", p.topic),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))

		select {
		case <-ctx.Done():
			return fmt.Errorf("publish to %s: %w", p.topic, ctx.Err())
		case <-time.After(time.Duration(attempt) * p.backoff):
		}
	}
}

// Close flushes pending messages and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func temporary(err error) bool {
	var kerr kafka.Error
	if errors.As(err, &kerr) {
		return kerr.Temporary()
	}

	var werrs kafka.WriteErrors
	if errors.As(err, &werrs) {
		for _, e := range werrs {
			if e != nil && !temporary(e) {
				return false
			}
		}

		return true
	}

	return false
}
