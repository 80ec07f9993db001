package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/syntor/agentcore/pkg/events"
	"github.com/syntor/agentcore/pkg/logging"
	"github.com/syntor/agentcore/pkg/resilience"
)

// EventSink writes lifecycle events to one topic per event category,
// keyed by the most specific id on the event so a task's events stay in
// one partition
type EventSink struct {
	config  BusConfig
	writer  messageWriter
	retryer *resilience.Retryer
	logger  logging.Logger

	mu     sync.Mutex
	closed bool
}

// NewEventSink creates a sink writing to the configured brokers
func NewEventSink(config BusConfig, logger logging.Logger) *EventSink {
	config = config.withDefaults()
	return newEventSink(config, newWriter(config), logger)
}

func newEventSink(config BusConfig, w messageWriter, logger logging.Logger) *EventSink {
	config = config.withDefaults()
	return &EventSink{
		config:  config,
		writer:  w,
		retryer: resilience.NewRetryer(config.Retry),
		logger:  logging.OrGlobal(logger).With(logging.Component("kafka-sink")),
	}
}

// Name implements events.Sink
func (s *EventSink) Name() string { return "kafka" }

// Write implements events.Sink. Transient broker errors are retried with
// backoff until ctx ends.
func (s *EventSink) Write(ctx context.Context, e events.Event) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return &ConnectionError{Message: "sink closed"}
	}

	msg, err := s.message(e)
	if err != nil {
		return err
	}

	return s.retryer.Do(ctx, func(ctx context.Context) error {
		return s.writer.WriteMessages(ctx, msg)
	}, func(attempt int, err error) {
		s.logger.Warn("event write failed, retrying",
			logging.String("topic", msg.Topic),
			logging.Int("attempt", attempt),
			logging.Err(err),
		)
	})
}

func (s *EventSink) message(e events.Event) (kafka.Message, error) {
	value, err := e.ToJSON()
	if err != nil {
		return kafka.Message{}, resilience.Permanent(fmt.Errorf("failed to serialize event %s: %w", e.ID, err))
	}
	return kafka.Message{
		Topic: s.config.Topics.EventTopic(e.Type.Category()),
		Key:   []byte(e.Key()),
		Value: value,
		Headers: []kafka.Header{
			{Key: HeaderEventType, Value: []byte(e.Type)},
			{Key: HeaderEventID, Value: []byte(e.ID)},
			{Key: HeaderTimestamp, Value: []byte(e.Time.Format(time.RFC3339Nano))},
		},
	}, nil
}

// Close flushes and closes the writer
func (s *EventSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.writer.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	return nil
}

// ConnectionError represents a Kafka connection error
type ConnectionError struct {
	Message string
}

func (e *ConnectionError) Error() string {
	return "kafka connection error: " + e.Message
}
