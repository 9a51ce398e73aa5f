package management

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ibex/internal/broker"
	"ibex/pkg/models"
)

// ConfigEventProducer announces rule mutations on the config topic so
// running engines reload their snapshots without a restart.
type ConfigEventProducer struct {
	producer broker.Producer
	topic    string
}

func NewConfigEventProducer(producer broker.Producer, topic string) *ConfigEventProducer {
	return &ConfigEventProducer{
		producer: producer,
		topic:    topic,
	}
}

func (p *ConfigEventProducer) PublishRoutingRuleEvent(ctx context.Context, action, ruleID, changedBy string) error {
	event := models.ConfigUpdateEvent{
		EventType:   models.EventTypeRoutingRuleUpdated,
		ServiceType: models.ServiceTypeRouting,
		RuleID:      ruleID,
		Action:      action,
		Timestamp:   time.Now(),
		ChangedBy:   changedBy,
	}
	return p.publishEvent(ctx, event)
}

func (p *ConfigEventProducer) PublishAggregationDefinitionEvent(ctx context.Context, action, definitionID, changedBy string) error {
	event := models.ConfigUpdateEvent{
		EventType:   models.EventTypeAggregationDefinitionUpdated,
		ServiceType: models.ServiceTypeAggregation,
		RuleID:      definitionID,
		Action:      action,
		Timestamp:   time.Now(),
		ChangedBy:   changedBy,
	}
	return p.publishEvent(ctx, event)
}

func (p *ConfigEventProducer) PublishDedupConfigEvent(ctx context.Context, action, changedBy string, metadata map[string]interface{}) error {
	event := models.ConfigUpdateEvent{
		EventType:   models.EventTypeDedupConfigUpdated,
		ServiceType: models.ServiceTypeDeduplication,
		Action:      action,
		Timestamp:   time.Now(),
		ChangedBy:   changedBy,
		Metadata:    metadata,
	}
	return p.publishEvent(ctx, event)
}

// publishEvent wraps the event in the inbound wire shape so the config
// topic can be consumed with the same codec as the message topics.
// Metadata entries are lifted to the payload top level; consumers read
// inline values like fields_to_hash from there.
func (p *ConfigEventProducer) publishEvent(ctx context.Context, event models.ConfigUpdateEvent) error {
	if p.producer == nil || p.topic == "" {
		return nil
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal config event: %w", err)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(eventJSON, &payload); err != nil {
		return fmt.Errorf("failed to unmarshal event data: %w", err)
	}
	for k, v := range event.Metadata {
		payload[k] = v
	}

	msg := models.InboundMessage{
		MessageID: uuid.New().String(),
		Type:      event.EventType,
		Source:    "management-service",
		Timestamp: time.Now(),
		Payload:   payload,
	}

	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal config message: %w", err)
	}

	key := event.RuleID
	if key == "" {
		key = event.ServiceType
	}

	return p.producer.Publish(ctx, p.topic, key, value, map[string]string{
		"event_type":   event.EventType,
		"service_type": event.ServiceType,
	})
}
