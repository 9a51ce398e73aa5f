package models

import "time"

// InboundMessage is the wire shape consumed from the inbound topic.
// Header values win over body fields when both are present.
type InboundMessage struct {
	MessageID     string                 `json:"message_id"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Type          string                 `json:"message_type"`
	TenantID      string                 `json:"tenant_id"`
	RoutingKey    string                 `json:"routing_key,omitempty"`
	Source        string                 `json:"source_system,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	Payload       map[string]interface{} `json:"payload"` // Business data
}

// Envelope is the persisted unit of work for one inbound message.
type Envelope struct {
	ID            string                 `json:"id"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Type          string                 `json:"message_type"`
	TenantID      string                 `json:"tenant_id"`
	RoutingKey    string                 `json:"routing_key,omitempty"`
	Source        string                 `json:"source_system,omitempty"`
	Status        EnvelopeStatus         `json:"status"`
	Destination   string                 `json:"destination,omitempty"`
	Payload       map[string]interface{} `json:"payload"`
	RetryCount    int                    `json:"retry_count"`
	MaxRetries    int                    `json:"max_retries"`
	NextRetryAt   *time.Time             `json:"next_retry_at,omitempty"`
	LastError     string                 `json:"last_error,omitempty"`
	Version       int64                  `json:"version"` // optimistic concurrency counter
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
}

// Transition is one append-only entry of the envelope state log.
type Transition struct {
	ID         int64          `json:"id"`
	EnvelopeID string         `json:"envelope_id"`
	FromStatus EnvelopeStatus `json:"from_status"`
	ToStatus   EnvelopeStatus `json:"to_status"`
	Reason     string         `json:"reason,omitempty"`
	Actor      string         `json:"actor"`
	At         time.Time      `json:"at"`
}
