// Package kafka connects the coordination core to a Kafka cluster: an
// event sink that exports lifecycle events per category topic, and an
// intake consumer that turns submission messages into coordinator tasks.
package kafka

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/syntor/agentcore/pkg/resilience"
)

// Standard topic names
const (
	TopicTaskEvents     = "agentcore.events.task"
	TopicAgentEvents    = "agentcore.events.agent"
	TopicHealthEvents   = "agentcore.events.health"
	TopicWorkflowEvents = "agentcore.events.workflow"
	TopicTaskSubmit     = "agentcore.tasks.submit"
	TopicTaskReplies    = "agentcore.tasks.replies"
	TopicDeadLetter     = "agentcore.dlq"
)

// Header keys set on produced messages
const (
	HeaderEventType   = "event_type"
	HeaderEventID     = "event_id"
	HeaderTimestamp   = "timestamp"
	HeaderError       = "error"
	HeaderSource      = "source_topic"
	HeaderCorrelation = "correlation_id"
)

// ProducerConfig holds configuration for the Kafka writer
type ProducerConfig struct {
	Acks            string `json:"acks" yaml:"acks"` // "0", "1", "all"
	BatchSize       int    `json:"batch_size" yaml:"batch_size"`
	LingerMs        int    `json:"linger_ms" yaml:"linger_ms"`
	CompressionType string `json:"compression_type" yaml:"compression_type"` // none, gzip, snappy, lz4, zstd
}

// ConsumerConfig holds configuration for the Kafka reader
type ConsumerConfig struct {
	GroupID         string `json:"group_id" yaml:"group_id"`
	AutoOffsetReset string `json:"auto_offset_reset" yaml:"auto_offset_reset"` // earliest, latest
}

// TopicNames lets deployments rename the standard topics
type TopicNames struct {
	Task       string `json:"task" yaml:"task"`
	Agent      string `json:"agent" yaml:"agent"`
	Health     string `json:"health" yaml:"health"`
	Workflow   string `json:"workflow" yaml:"workflow"`
	Submit     string `json:"submit" yaml:"submit"`
	Reply      string `json:"reply" yaml:"reply"`
	DeadLetter string `json:"dead_letter" yaml:"dead_letter"`
}

// BusConfig holds complete Kafka configuration
type BusConfig struct {
	Brokers  []string       `json:"brokers" yaml:"brokers"`
	Producer ProducerConfig `json:"producer" yaml:"producer"`
	Consumer ConsumerConfig `json:"consumer" yaml:"consumer"`
	Topics   TopicNames     `json:"topics" yaml:"topics"`

	// Retry governs event writes
	Retry resilience.RetryConfig `json:"retry" yaml:"retry"`
	// IntakeRate caps task submissions per second; zero disables the limit.
	// IntakeBurst is the token bucket size.
	IntakeRate  float64 `json:"intake_rate" yaml:"intake_rate"`
	IntakeBurst int     `json:"intake_burst" yaml:"intake_burst"`
}

// DefaultTopicNames returns the standard topic names
func DefaultTopicNames() TopicNames {
	return TopicNames{
		Task:       TopicTaskEvents,
		Agent:      TopicAgentEvents,
		Health:     TopicHealthEvents,
		Workflow:   TopicWorkflowEvents,
		Submit:     TopicTaskSubmit,
		Reply:      TopicTaskReplies,
		DeadLetter: TopicDeadLetter,
	}
}

// DefaultProducerConfig returns default producer configuration
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Acks:            "all",
		BatchSize:       100,
		LingerMs:        10,
		CompressionType: "snappy",
	}
}

// DefaultConsumerConfig returns default consumer configuration
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		GroupID:         "agentcore-intake",
		AutoOffsetReset: "earliest",
	}
}

// DefaultBusConfig returns a configuration for a local single broker
func DefaultBusConfig() BusConfig {
	return BusConfig{
		Brokers:     []string{"localhost:9092"},
		Producer:    DefaultProducerConfig(),
		Consumer:    DefaultConsumerConfig(),
		Topics:      DefaultTopicNames(),
		Retry:       resilience.DefaultRetryConfig(),
		IntakeRate:  50,
		IntakeBurst: 100,
	}
}

// withDefaults fills unset topic names and retry settings
func (c BusConfig) withDefaults() BusConfig {
	d := DefaultTopicNames()
	if c.Topics.Task == "" {
		c.Topics.Task = d.Task
	}
	if c.Topics.Agent == "" {
		c.Topics.Agent = d.Agent
	}
	if c.Topics.Health == "" {
		c.Topics.Health = d.Health
	}
	if c.Topics.Workflow == "" {
		c.Topics.Workflow = d.Workflow
	}
	if c.Topics.Submit == "" {
		c.Topics.Submit = d.Submit
	}
	if c.Topics.Reply == "" {
		c.Topics.Reply = d.Reply
	}
	if c.Topics.DeadLetter == "" {
		c.Topics.DeadLetter = d.DeadLetter
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = resilience.DefaultRetryConfig()
	}
	if c.Consumer.GroupID == "" {
		c.Consumer.GroupID = DefaultConsumerConfig().GroupID
	}
	return c
}

// EventTopic maps an event category to its topic. Unknown categories go
// to the task topic.
func (t TopicNames) EventTopic(category string) string {
	switch category {
	case "agent":
		return t.Agent
	case "health":
		return t.Health
	case "workflow":
		return t.Workflow
	default:
		return t.Task
	}
}

// messageWriter is the part of *kafka.Writer this package uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// messageReader is the part of *kafka.Reader this package uses
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func newWriter(c BusConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(c.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchSize:              c.Producer.BatchSize,
		BatchTimeout:           time.Duration(c.Producer.LingerMs) * time.Millisecond,
		Compression:            compressionCodec(c.Producer.CompressionType),
		RequiredAcks:           requiredAcks(c.Producer.Acks),
		AllowAutoTopicCreation: true,
	}
}

func newReader(c BusConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        c.Brokers,
		Topic:          c.Topics.Submit,
		GroupID:        c.Consumer.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0, // commits are synchronous
		StartOffset:    startOffset(c.Consumer.AutoOffsetReset),
	})
}

func compressionCodec(compression string) kafka.Compression {
	switch compression {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return 0
	}
}

func requiredAcks(acks string) kafka.RequiredAcks {
	switch acks {
	case "0":
		return kafka.RequireNone
	case "1":
		return kafka.RequireOne
	default:
		return kafka.RequireAll
	}
}

func startOffset(offset string) int64 {
	if offset == "latest" {
		return kafka.LastOffset
	}
	return kafka.FirstOffset
}
