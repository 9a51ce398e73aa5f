package config

import (
	"fmt"

	"ibex/internal/constants"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func ValidateStatic(cfg *Config) error {
	var errors []error

	if err := validateServer(cfg.Server); err != nil {
		errors = append(errors, err)
	}

	if err := validateBroker(cfg.Broker); err != nil {
		errors = append(errors, err)
	}

	if err := validateDatabase(cfg.Database); err != nil {
		errors = append(errors, err)
	}

	if err := validateDeduplication(cfg.Deduplication); err != nil {
		errors = append(errors, err)
	}

	if err := validateRetry(cfg.Retry); err != nil {
		errors = append(errors, err)
	}

	if err := validateRouting(cfg.Routing); err != nil {
		errors = append(errors, err)
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errors)
	}

	return nil
}

func validateServer(cfg ServerConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.ReadTimeoutSeconds <= 0 {
		return &ValidationError{
			Field:   "server.read_timeout_seconds",
			Message: "read timeout must be positive",
		}
	}

	if cfg.WriteTimeoutSeconds <= 0 {
		return &ValidationError{
			Field:   "server.write_timeout_seconds",
			Message: "write timeout must be positive",
		}
	}

	return nil
}

func validateBroker(cfg BrokerConfig) error {
	if cfg.Type == "" {
		return &ValidationError{
			Field:   "broker.type",
			Message: "broker type is required",
		}
	}

	if cfg.Type != "kafka" {
		return &ValidationError{
			Field:   "broker.type",
			Message: fmt.Sprintf("unknown broker type: %s (supported: kafka)", cfg.Type),
		}
	}

	return validateKafka(cfg.Kafka)
}

func validateKafka(cfg KafkaConfig) error {
	if len(cfg.Brokers) == 0 {
		return &ValidationError{
			Field:   "broker.kafka.brokers",
			Message: "at least one Kafka broker is required",
		}
	}

	for i, broker := range cfg.Brokers {
		if broker == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("broker.kafka.brokers[%d]", i),
				Message: "broker address cannot be empty",
			}
		}
	}

	if cfg.GroupID == "" {
		return &ValidationError{
			Field:   "broker.kafka.group_id",
			Message: "consumer group id is required",
		}
	}

	if cfg.Workers < 0 {
		return &ValidationError{
			Field:   "broker.kafka.workers",
			Message: "workers cannot be negative",
		}
	}

	return nil
}

func validateDatabase(cfg DatabaseConfig) error {
	if cfg.Postgres.Host != "" {
		if cfg.Postgres.Port < 1 || cfg.Postgres.Port > 65535 {
			return &ValidationError{
				Field:   "database.postgres.port",
				Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Postgres.Port),
			}
		}
		if cfg.Postgres.User == "" {
			return &ValidationError{
				Field:   "database.postgres.user",
				Message: "user is required when postgres host is set",
			}
		}
		if cfg.Postgres.DBName == "" {
			return &ValidationError{
				Field:   "database.postgres.dbname",
				Message: "dbname is required when postgres host is set",
			}
		}
	}

	if cfg.Redis.Host != "" {
		if cfg.Redis.Port < 1 || cfg.Redis.Port > 65535 {
			return &ValidationError{
				Field:   "database.redis.port",
				Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Redis.Port),
			}
		}
	}

	return nil
}

func validateDeduplication(cfg DeduplicationConfig) error {
	if cfg.WindowHours < 0 {
		return &ValidationError{
			Field:   "deduplication.window_hours",
			Message: "window hours cannot be negative",
		}
	}

	switch cfg.HashAlgorithm {
	case "", "sha256", "md5":
	default:
		return &ValidationError{
			Field:   "deduplication.hash_algorithm",
			Message: fmt.Sprintf("unknown hash algorithm: %s (supported: sha256, md5)", cfg.HashAlgorithm),
		}
	}

	switch cfg.OnStoreError {
	case "", constants.FallbackAllow, constants.FallbackDeny:
	default:
		return &ValidationError{
			Field:   "deduplication.on_store_error",
			Message: fmt.Sprintf("unknown fallback: %s (supported: allow, deny)", cfg.OnStoreError),
		}
	}

	return nil
}

func validateRetry(cfg RetryConfig) error {
	if cfg.MaxRetries < 0 {
		return &ValidationError{
			Field:   "retry.max_retries",
			Message: "max retries cannot be negative",
		}
	}

	if cfg.Multiplier != 0 && cfg.Multiplier < 1 {
		return &ValidationError{
			Field:   "retry.multiplier",
			Message: fmt.Sprintf("multiplier must be >= 1, got %v", cfg.Multiplier),
		}
	}

	if cfg.Jitter < 0 || cfg.Jitter > 1 {
		return &ValidationError{
			Field:   "retry.jitter",
			Message: fmt.Sprintf("jitter must be between 0 and 1, got %v", cfg.Jitter),
		}
	}

	if cfg.InitialInterval > 0 && cfg.MaxInterval > 0 && cfg.InitialInterval > cfg.MaxInterval {
		return &ValidationError{
			Field:   "retry.initial_interval",
			Message: "initial interval cannot exceed max interval",
		}
	}

	return nil
}

func validateRouting(cfg RoutingConfig) error {
	if cfg.Reload.IntervalSeconds < 0 {
		return &ValidationError{
			Field:   "routing.reload.interval_seconds",
			Message: "reload interval cannot be negative",
		}
	}

	switch cfg.Fallback.OnError {
	case "", constants.FallbackAllow, constants.FallbackDeny:
	default:
		return &ValidationError{
			Field:   "routing.fallback.on_error",
			Message: fmt.Sprintf("unknown fallback: %s (supported: allow, deny)", cfg.Fallback.OnError),
		}
	}

	return nil
}
