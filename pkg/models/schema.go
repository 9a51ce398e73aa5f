package models

import "fmt"

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// ValidateInboundMessage checks the fields the pipeline cannot work
// without. A missing message id is not an error; one is generated.
func ValidateInboundMessage(msg *InboundMessage) error {
	if msg == nil {
		return &ValidationError{
			Field:   "message",
			Message: "inbound message cannot be nil",
		}
	}

	if msg.Type == "" {
		return &ValidationError{
			Field:   "message_type",
			Message: "message type is required",
		}
	}

	if msg.TenantID == "" {
		return &ValidationError{
			Field:   "tenant_id",
			Message: "tenant id is required",
		}
	}

	if msg.Payload == nil {
		return &ValidationError{
			Field:   "payload",
			Message: "message payload cannot be nil",
		}
	}

	return nil
}

func (e *Envelope) GetPayloadField(name string) (interface{}, bool) {
	if e.Payload == nil {
		return nil, false
	}

	value, ok := e.Payload[name]
	return value, ok
}

func (e *Envelope) SetPayloadField(name string, value interface{}) {
	if e.Payload == nil {
		e.Payload = make(map[string]interface{})
	}

	e.Payload[name] = value
}
