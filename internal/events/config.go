package events

import (
	"errors"
	"log/slog"
	"time"

	"github.com/lakeside-io/lakeside/internal/config"
)

// ErrMissingTopic is returned when brokers are configured without a topic.
var ErrMissingTopic = errors.New("KAFKA_TOPIC is required when KAFKA_BROKERS is set")

// Config holds event publishing settings. Publishing is disabled when no
// brokers are configured.
type Config struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// LoadConfig reads KAFKA_BROKERS, KAFKA_TOPIC and KAFKA_WRITE_TIMEOUT.
func LoadConfig() *Config {
	return &Config{
		Brokers:      config.ParseCommaSeparatedList(config.GetEnvStr("KAFKA_BROKERS", "")),
		Topic:        config.GetEnvStr("KAFKA_TOPIC", "lakeside.ingestions"),
		WriteTimeout: config.GetEnvDuration("KAFKA_WRITE_TIMEOUT", defaultWriteTimeout),
	}
}

// Enabled reports whether any broker is configured.
func (c *Config) Enabled() bool {
	return len(c.Brokers) > 0
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Enabled() && c.Topic == "" {
		return ErrMissingTopic
	}

	return nil
}

// NewPublisher returns a KafkaPublisher when brokers are configured and a
// NoopPublisher otherwise.
func NewPublisher(cfg *Config, logger *slog.Logger) (Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if !cfg.Enabled() {
		return NoopPublisher{}, nil
	}

	return NewKafkaPublisher(cfg, logger), nil
}
