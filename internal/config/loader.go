package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

func LoadConfig(configFile string) (*Config, error) {
	viper.Reset()

	viper.SetConfigType("yaml")
	viper.SetConfigFile(configFile)

	viper.SetEnvPrefix("IBEX")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := ValidateStatic(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func bindEnvVariables() {
	viper.BindEnv("broker.kafka.brokers", "IBEX_BROKER_KAFKA_BROKERS")
	viper.BindEnv("broker.kafka.group_id", "IBEX_BROKER_KAFKA_GROUP_ID")
	viper.BindEnv("broker.kafka.inbound_topic", "IBEX_BROKER_KAFKA_INBOUND_TOPIC")
	viper.BindEnv("broker.kafka.events_topic", "IBEX_BROKER_KAFKA_EVENTS_TOPIC")
	viper.BindEnv("broker.kafka.config_update_topic", "IBEX_BROKER_KAFKA_CONFIG_UPDATE_TOPIC")
	viper.BindEnv("broker.kafka.dlq_topic", "IBEX_BROKER_KAFKA_DLQ_TOPIC")

	viper.BindEnv("database.postgres.host", "IBEX_DATABASE_POSTGRES_HOST")
	viper.BindEnv("database.postgres.port", "IBEX_DATABASE_POSTGRES_PORT")
	viper.BindEnv("database.postgres.user", "IBEX_DATABASE_POSTGRES_USER")
	viper.BindEnv("database.postgres.password", "IBEX_DATABASE_POSTGRES_PASSWORD")
	viper.BindEnv("database.postgres.dbname", "IBEX_DATABASE_POSTGRES_DBNAME")
	viper.BindEnv("database.postgres.sslmode", "IBEX_DATABASE_POSTGRES_SSLMODE")

	viper.BindEnv("database.redis.host", "IBEX_DATABASE_REDIS_HOST")
	viper.BindEnv("database.redis.port", "IBEX_DATABASE_REDIS_PORT")
	viper.BindEnv("database.redis.password", "IBEX_DATABASE_REDIS_PASSWORD")
	viper.BindEnv("database.redis.db", "IBEX_DATABASE_REDIS_DB")

	viper.BindEnv("database.mongodb.uri", "IBEX_DATABASE_MONGODB_URI")
	viper.BindEnv("database.mongodb.database", "IBEX_DATABASE_MONGODB_DATABASE")

	viper.BindEnv("server.port", "IBEX_SERVER_PORT")
	viper.BindEnv("server.read_timeout_seconds", "IBEX_SERVER_READ_TIMEOUT_SECONDS")
	viper.BindEnv("server.write_timeout_seconds", "IBEX_SERVER_WRITE_TIMEOUT_SECONDS")

	viper.BindEnv("logging.level", "IBEX_LOGGING_LEVEL")
	viper.BindEnv("logging.format", "IBEX_LOGGING_FORMAT")

	viper.BindEnv("tracing.otlp.endpoint", "IBEX_TRACING_OTLP_ENDPOINT")
	viper.BindEnv("tracing.otlp.insecure", "IBEX_TRACING_OTLP_INSECURE")
	viper.BindEnv("tracing.enabled", "IBEX_TRACING_ENABLED")
	viper.BindEnv("tracing.service_name", "IBEX_TRACING_SERVICE_NAME")
}

func applyEnvOverrides(cfg *Config) error {
	if brokersEnv := viper.GetString("IBEX_BROKER_KAFKA_BROKERS"); brokersEnv != "" {
		brokers := strings.Split(brokersEnv, ",")
		for i := range brokers {
			brokers[i] = strings.TrimSpace(brokers[i])
		}
		if len(brokers) > 0 && brokers[0] != "" {
			cfg.Broker.Kafka.Brokers = brokers
		}
	}

	if otlpEndpoint := viper.GetString("IBEX_TRACING_OTLP_ENDPOINT"); otlpEndpoint != "" {
		cfg.Tracing.OTLP.Endpoint = otlpEndpoint
	}

	return nil
}
