package models

import "time"

// DomainEvent is the normalized notification produced for downstream
// consumers after an envelope or aggregation reaches an outcome.
type DomainEvent struct {
	EventID   string                 `json:"event_id"`
	EventType string                 `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload"`
}

const (
	EventTypeMessageCompleted     = "message.completed"
	EventTypeMessageDuplicate     = "message.duplicate"
	EventTypeMessageDeadLettered  = "message.dead_lettered"
	EventTypeMessageUnmatched     = "message.unmatched"
	EventTypeAggregationCompleted = "aggregation.completed"
	EventTypeAggregationTimedOut  = "aggregation.timeout"
	EventTypeAggregationCancelled = "aggregation.cancelled"
)
