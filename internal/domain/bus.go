package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels, NATS or AMQP.
// All methods require datasetID.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, datasetID string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, datasetID string, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	DatasetID string            `json:"datasetId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel", "nats" or "amqp"
	Type string

	// Channel settings
	ChannelBufferSize int

	// NATS settings
	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds

	// AMQP settings
	AMQPUrl      string
	AMQPExchange string
	AMQPPrefetch int
}

// WildcardDataset subscribes to a topic across all datasets.
const WildcardDataset = "*"

// Standard topic names for the analysis pipeline.
const (
	TopicTransactionsIngested = "coach.transactions.ingested"
	TopicAnalysisCompleted    = "coach.analysis.completed"
	TopicSuspiciousFound      = "coach.suspicious.found"
)

// TransactionsIngestedEvent is the payload of TopicTransactionsIngested.
type TransactionsIngestedEvent struct {
	DatasetID string `json:"dataset_id"`
	Count     int    `json:"count"`
	FirstID   int64  `json:"first_id"`
	LastID    int64  `json:"last_id"`
	TraceID   string `json:"trace_id,omitempty"`
}

// AnalysisCompletedEvent is the payload of TopicAnalysisCompleted.
type AnalysisCompletedEvent struct {
	AnalysisID       string       `json:"analysis_id"`
	DatasetID        string       `json:"dataset_id"`
	Kind             AnalysisKind `json:"kind"`
	TransactionCount int          `json:"transaction_count"`
	DurationMs       int64        `json:"duration_ms"`
}

// SuspiciousFoundEvent is the payload of TopicSuspiciousFound.
type SuspiciousFoundEvent struct {
	AnalysisID string            `json:"analysis_id"`
	DatasetID  string            `json:"dataset_id"`
	Suspicious []SuspicionRecord `json:"suspicious"`
}
