package models

import (
	"time"

	"github.com/google/uuid"
)

type EnvelopeBuilder struct {
	envelope *Envelope
}

func NewEnvelopeBuilder() *EnvelopeBuilder {
	return &EnvelopeBuilder{
		envelope: &Envelope{
			Status:  StatusCreated,
			Payload: make(map[string]interface{}),
		},
	}
}

func (b *EnvelopeBuilder) WithID(id string) *EnvelopeBuilder {
	b.envelope.ID = id
	return b
}

func (b *EnvelopeBuilder) WithCorrelationID(correlationID string) *EnvelopeBuilder {
	b.envelope.CorrelationID = correlationID
	return b
}

func (b *EnvelopeBuilder) WithType(messageType string) *EnvelopeBuilder {
	b.envelope.Type = messageType
	return b
}

func (b *EnvelopeBuilder) WithTenantID(tenantID string) *EnvelopeBuilder {
	b.envelope.TenantID = tenantID
	return b
}

func (b *EnvelopeBuilder) WithRoutingKey(routingKey string) *EnvelopeBuilder {
	b.envelope.RoutingKey = routingKey
	return b
}

func (b *EnvelopeBuilder) WithSource(source string) *EnvelopeBuilder {
	b.envelope.Source = source
	return b
}

func (b *EnvelopeBuilder) WithPayload(payload map[string]interface{}) *EnvelopeBuilder {
	b.envelope.Payload = payload
	return b
}

func (b *EnvelopeBuilder) WithMaxRetries(maxRetries int) *EnvelopeBuilder {
	b.envelope.MaxRetries = maxRetries
	return b
}

// FromInbound fills identity and payload fields from a decoded inbound
// message, generating a message id when the producer supplied none.
func (b *EnvelopeBuilder) FromInbound(msg *InboundMessage) *EnvelopeBuilder {
	b.envelope.ID = msg.MessageID
	b.envelope.CorrelationID = msg.CorrelationID
	b.envelope.Type = msg.Type
	b.envelope.TenantID = msg.TenantID
	b.envelope.RoutingKey = msg.RoutingKey
	b.envelope.Source = msg.Source
	if msg.Payload != nil {
		b.envelope.Payload = msg.Payload
	}
	return b
}

func (b *EnvelopeBuilder) Build() *Envelope {
	if b.envelope.ID == "" {
		b.envelope.ID = uuid.New().String()
	}
	if b.envelope.CreatedAt.IsZero() {
		b.envelope.CreatedAt = time.Now().UTC()
	}
	b.envelope.UpdatedAt = b.envelope.CreatedAt
	return b.envelope
}
