package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community) or NATS (Pro).
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

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
	// Type is the bus type: "channel" or "nats"
	Type string

	// Channel settings (Community tier)
	ChannelBufferSize int

	// NATS settings (Pro tier)
	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds
}

// Topic names for credeval events.
const (
	TopicTranscriptSubmitted = "credeval.transcript.submitted"
	TopicEvaluationCompleted = "credeval.evaluation.completed"
	TopicReviewEnqueued      = "credeval.review.enqueued"
	TopicReviewResolved      = "credeval.review.resolved"
)

// TranscriptEvent is the payload of transcript.submitted.
type TranscriptEvent struct {
	TranscriptID string `json:"transcriptId"`
	SystemID     string `json:"systemId"`
}

// EvaluationEvent is the payload of evaluation.completed.
type EvaluationEvent struct {
	TranscriptID   string           `json:"transcriptId"`
	EvaluationID   string           `json:"evaluationId"`
	Version        int              `json:"version"`
	Status         TranscriptStatus `json:"status"`
	DivisionI      DivisionStatus   `json:"divisionI"`
	DivisionII     DivisionStatus   `json:"divisionII"`
	RequiresReview bool             `json:"requiresReview"`
}

// ReviewEvent is the payload of review.enqueued and review.resolved.
type ReviewEvent struct {
	ReviewItemID string `json:"reviewItemId"`
	TranscriptID string `json:"transcriptId"`
	RecordID     string `json:"recordId"`
	Reason       string `json:"reason,omitempty"`
	Action       string `json:"action,omitempty"`
}
