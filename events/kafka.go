package events

import (
	"context"

	"github.com/segmentio/kafka-go"

	"github.com/vinayprograms/kvbeat/errors"
	"github.com/vinayprograms/kvbeat/heartbeat"
	"github.com/vinayprograms/kvbeat/logging"
)

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes JSON events keyed by monitor id, so one connection's
// events stay ordered within a partition.
type KafkaSink struct {
	writer messageWriter
	topic  string
	logger *logging.Logger
}

// NewKafkaSink creates a sink writing to topic on brokers.
func NewKafkaSink(logger *logging.Logger, brokers []string, topic string) *KafkaSink {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return newKafkaSink(logger, writer, topic)
}

func newKafkaSink(logger *logging.Logger, w messageWriter, topic string) *KafkaSink {
	if logger == nil {
		logger = logging.Discard()
	}
	return &KafkaSink{
		writer: w,
		topic:  topic,
		logger: logger.WithComponent("kafka"),
	}
}

// Publish writes ev to the topic.
func (s *KafkaSink) Publish(ctx context.Context, ev heartbeat.Event) error {
	value, err := ev.Marshal()
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}

	msg := kafka.Message{
		Key:   []byte(ev.MonitorID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(ev.Name)},
		},
	}

	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		s.logger.Error("publish_failed", map[string]any{
			"topic": s.topic,
			"key":   ev.MonitorID,
			"error": err.Error(),
		})
		return errors.Wrap(err, "kafka publish")
	}

	s.logger.Debug("published", map[string]any{"topic": s.topic, "key": ev.MonitorID})
	return nil
}

// Close closes the Kafka writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
