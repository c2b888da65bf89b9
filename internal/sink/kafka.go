// ABOUTME: KafkaSink mirrors hub events to a Kafka topic with segmentio/kafka-go
// ABOUTME: Messages are keyed by conversation so one conversation stays on one partition

package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Gliksbot/Dexter/internal/hub"
)

const maxWriteAttempts = 3

// MessageWriter is the part of kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures a KafkaSink.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

// KafkaSink writes each event as a JSON Record.
type KafkaSink struct {
	writer MessageWriter
	topic  string
	logger *slog.Logger
	// backoff between retries of leader errors
	backoff time.Duration
}

// NewKafkaSink creates a sink writing to cfg.Topic. Pass nil logger for default.
func NewKafkaSink(cfg KafkaConfig, logger *slog.Logger) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka sink: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka sink: topic is required")
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           batchTimeout,
		AllowAutoTopicCreation: true,
	}
	return NewKafkaSinkWithWriter(w, cfg.Topic, logger), nil
}

// NewKafkaSinkWithWriter creates a sink over an existing writer.
func NewKafkaSinkWithWriter(w MessageWriter, topic string, logger *slog.Logger) *KafkaSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaSink{
		writer:  w,
		topic:   topic,
		logger:  logger.With("component", "kafka-sink", "topic", topic),
		backoff: 500 * time.Millisecond,
	}
}

func (s *KafkaSink) Name() string { return "kafka" }

// Handle writes the event, retrying while the partition leader is moving.
func (s *KafkaSink) Handle(ctx context.Context, event *hub.Event) error {
	value, err := Encode(event)
	if err != nil {
		return err
	}

	key := event.ConversationID
	if key == "" {
		key = string(event.Topic)
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "topic", Value: []byte(event.Topic)},
		},
		Time: event.Timestamp,
	}

	var writeErr error
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * s.backoff
			s.logger.Debug("retrying kafka write", "sequence", event.Sequence, "attempt", attempt, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return fmt.Errorf("writing event %d: %w", event.Sequence, ctx.Err())
			}
		}
		writeErr = s.writer.WriteMessages(ctx, msg)
		if writeErr == nil {
			return nil
		}
		if !errors.Is(writeErr, kafka.NotLeaderForPartition) && !errors.Is(writeErr, kafka.LeaderNotAvailable) {
			break
		}
	}
	return fmt.Errorf("writing event %d: %w", event.Sequence, writeErr)
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

var _ Sink = (*KafkaSink)(nil)
