package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"ibex/internal/broker"
	"ibex/internal/logger"
	"ibex/pkg/metrics"
	"ibex/pkg/models"
)

// Publisher fans processing outcomes out to the domain events topic.
// It makes no business decisions and never propagates downstream
// failure to the operation that produced the outcome.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload map[string]interface{})
}

type KafkaPublisher struct {
	producer broker.Producer
	topic    string
	logger   logger.Logger
}

func NewPublisher(producer broker.Producer, topic string, log logger.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		producer: producer,
		topic:    topic,
		logger:   log,
	}
}

// Publish wraps the outcome into a normalized domain event and
// produces it. Failure is logged and counted, never returned.
func (p *KafkaPublisher) Publish(ctx context.Context, eventType string, payload map[string]interface{}) {
	event := models.DomainEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}

	value, err := json.Marshal(event)
	if err != nil {
		metrics.EventsPublishedTotal.WithLabelValues(eventType, "error").Inc()
		p.logger.ErrorwCtx(ctx, "Failed to marshal domain event",
			"event_type", eventType,
			"error", err,
		)
		return
	}

	key, _ := payload["envelope_id"].(string)
	if key == "" {
		key, _ = payload["correlation_id"].(string)
	}

	if err := p.producer.Publish(ctx, p.topic, key, value, map[string]string{
		"event_type": eventType,
	}); err != nil {
		metrics.EventsPublishedTotal.WithLabelValues(eventType, "error").Inc()
		p.logger.ErrorwCtx(ctx, "Failed to publish domain event",
			"event_type", eventType,
			"error", err,
		)
		return
	}

	metrics.EventsPublishedTotal.WithLabelValues(eventType, "published").Inc()
}

// NopPublisher discards events. Used by tests and tools that run the
// pipeline without a broker.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, map[string]interface{}) {}
