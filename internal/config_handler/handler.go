package config_handler

import (
	"context"
	"encoding/json"

	"ibex/internal/logger"
	"ibex/pkg/models"
)

// ConfigReloader refreshes an in-process snapshot after a config
// mutation, e.g. the router's rule cache.
type ConfigReloader interface {
	ReloadRules(ctx context.Context) error
}

// ConfigUpdater applies inline config values carried by the event.
type ConfigUpdater interface {
	UpdateFieldsToHash(fields []string) error
}

// Handler consumes config-update events from the config topic and
// dispatches them to the interested component. Events for other
// services or event types are ignored silently.
type Handler struct {
	expectedEventType   string
	expectedServiceType string
	reloader            ConfigReloader
	updater             ConfigUpdater
	logger              logger.Logger
}

func NewHandler(expectedEventType, expectedServiceType string, log logger.Logger) *Handler {
	return &Handler{
		expectedEventType:   expectedEventType,
		expectedServiceType: expectedServiceType,
		logger:              log,
	}
}

func NewHandlerWithReloader(expectedEventType, expectedServiceType string, reloader ConfigReloader, log logger.Logger) *Handler {
	return NewHandler(expectedEventType, expectedServiceType, log).WithReloader(reloader)
}

func NewHandlerWithUpdater(expectedEventType, expectedServiceType string, updater ConfigUpdater, log logger.Logger) *Handler {
	return NewHandler(expectedEventType, expectedServiceType, log).WithUpdater(updater)
}

func (h *Handler) WithReloader(reloader ConfigReloader) *Handler {
	h.reloader = reloader
	return h
}

func (h *Handler) WithUpdater(updater ConfigUpdater) *Handler {
	h.updater = updater
	return h
}

// HandleConfigUpdateEvent is the broker handler for the config topic.
// The event rides in the message payload.
func (h *Handler) HandleConfigUpdateEvent(ctx context.Context, msg *models.InboundMessage) error {
	eventType, ok := msg.Payload["event_type"].(string)
	if !ok {
		h.logger.Warnw("Config event missing event_type", "id", msg.MessageID)
		return nil
	}
	if eventType != h.expectedEventType {
		return nil
	}

	serviceType, ok := msg.Payload["service_type"].(string)
	if !ok {
		h.logger.Warnw("Config event missing service_type", "id", msg.MessageID)
		return nil
	}
	if serviceType != h.expectedServiceType {
		return nil
	}

	var event models.ConfigUpdateEvent
	eventJSON, err := json.Marshal(msg.Payload)
	if err != nil {
		h.logger.Errorw("Failed to marshal event payload", "error", err, "id", msg.MessageID)
		return err
	}
	if err := json.Unmarshal(eventJSON, &event); err != nil {
		h.logger.Errorw("Failed to unmarshal config event", "error", err, "id", msg.MessageID)
		return err
	}

	h.logger.Infow("Received config update event",
		"event_type", event.EventType,
		"action", event.Action,
		"rule_id", event.RuleID,
	)

	if h.reloader != nil {
		if err := h.reloader.ReloadRules(ctx); err != nil {
			h.logger.Errorw("Failed to reload rules after config update", "error", err)
			return err
		}
		h.logger.Infow("Rules reloaded after config update", "action", event.Action)
	}

	if h.updater == nil {
		return nil
	}

	if fields, ok := msg.Payload["fields_to_hash"].([]interface{}); ok {
		fieldsStr := make([]string, 0, len(fields))
		for _, f := range fields {
			if str, ok := f.(string); ok && str != "" {
				fieldsStr = append(fieldsStr, str)
			}
		}
		if len(fieldsStr) > 0 {
			if err := h.updater.UpdateFieldsToHash(fieldsStr); err != nil {
				h.logger.Errorw("Failed to update fields to hash", "error", err)
				return err
			}
		}
	}

	return nil
}
