package integration

import (
	"time"

	"ibex/internal/config"
	"ibex/internal/constants"
	"ibex/internal/logger"
	"ibex/internal/routing"
	"ibex/pkg/models"
)

const (
	containerStartupTimeout = 60
	timestampDelay          = 10 * time.Millisecond
)

func createTestLogger() logger.Logger {
	return logger.NopLogger()
}

func createTestRoutingConfig() config.RoutingConfig {
	return config.RoutingConfig{
		Reload: config.ReloadConfig{
			IntervalSeconds: 60,
		},
		Fallback: config.FallbackConfig{
			OnError: constants.FallbackDeny,
		},
	}
}

func createTestDeduplicationConfig() config.DeduplicationConfig {
	return createTestDeduplicationConfigWithFields([]string{"id", "source"})
}

func createTestDeduplicationConfigWithFields(fields []string) config.DeduplicationConfig {
	return config.DeduplicationConfig{
		WindowHours:   1,
		HashAlgorithm: "sha256",
		OnStoreError:  constants.FallbackDeny,
		FieldsToHash:  fields,
	}
}

func createTestRule(name, pattern string, priority int, destinations ...string) *routing.Rule {
	return &routing.Rule{
		Name:         name,
		Pattern:      pattern,
		Strategy:     routing.StrategyDirect,
		Destinations: destinations,
		Priority:     priority,
		Active:       true,
	}
}

func createTestEnvelope(id, messageType, tenantID string, payload map[string]interface{}) *models.Envelope {
	return models.NewEnvelopeBuilder().
		WithID(id).
		WithType(messageType).
		WithTenantID(tenantID).
		WithSource("integration-test").
		WithPayload(payload).
		WithMaxRetries(3).
		Build()
}
