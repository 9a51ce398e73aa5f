package config

import (
	"time"
)

type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	Broker         BrokerConfig
	Logging        LoggingConfig
	Deduplication  DeduplicationConfig
	Routing        RoutingConfig
	Aggregation    AggregationConfig
	Retry          RetryConfig
	Pipeline       PipelineConfig
	Management     ManagementConfig
	CircuitBreaker CircuitBreakerConfig
	Tracing        TracingConfig
}

type ServerConfig struct {
	Port                int           `mapstructure:"port"`
	ReadTimeoutSeconds  time.Duration `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds time.Duration `mapstructure:"write_timeout_seconds"`
}

type DatabaseConfig struct {
	Postgres       PostgresConfig
	Redis          RedisConfig
	MongoDB        MongoDBConfig
	RunMigrations  bool   `mapstructure:"run_migrations"`
	MigrationsPath string `mapstructure:"migrations_path"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MongoDBConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type BrokerConfig struct {
	Type  string      `mapstructure:"type"`
	Kafka KafkaConfig `mapstructure:"kafka"`
}

type KafkaConfig struct {
	Brokers           []string           `mapstructure:"brokers"`
	GroupID           string             `mapstructure:"group_id"`
	InboundTopic      string             `mapstructure:"inbound_topic"`
	EventsTopic       string             `mapstructure:"events_topic"`
	ConfigUpdateTopic string             `mapstructure:"config_update_topic"`
	DLQTopic          string             `mapstructure:"dlq_topic"`
	Workers           int                `mapstructure:"workers"`
	Retry             ConsumeRetryConfig `mapstructure:"retry"`
}

// ConsumeRetryConfig bounds the in-process retry loop the consumer
// runs before a message goes to the Kafka DLQ topic. This is separate
// from the envelope retry schedule owned by the retry sweep.
type ConsumeRetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type DeduplicationConfig struct {
	WindowHours      int      `mapstructure:"window_hours"`
	HashAlgorithm    string   `mapstructure:"hash_algorithm"`
	OnStoreError     string   `mapstructure:"on_store_error"` // "allow" or "deny" (default: deny)
	FieldsToHash     []string `mapstructure:"fields_to_hash"`
	BusinessKeyField string   `mapstructure:"business_key_field"`
}

type RoutingConfig struct {
	Reload   ReloadConfig   `mapstructure:"reload"`
	Fallback FallbackConfig `mapstructure:"fallback"`
}

type ReloadConfig struct {
	IntervalSeconds       int `mapstructure:"interval_seconds"`
	JitterMaxMilliseconds int `mapstructure:"jitter_max_milliseconds"`
}

type FallbackConfig struct {
	OnError string `mapstructure:"on_error"` // "allow", "deny"
}

type AggregationConfig struct {
	SweepIntervalSeconds int           `mapstructure:"sweep_interval_seconds"`
	SweepBatchSize       int           `mapstructure:"sweep_batch_size"`
	LockTTL              time.Duration `mapstructure:"lock_ttl"`
}

type RetryConfig struct {
	SweepIntervalSeconds int           `mapstructure:"sweep_interval_seconds"`
	BatchSize            int           `mapstructure:"batch_size"`
	MaxRetries           int           `mapstructure:"max_retries"`
	InitialInterval      time.Duration `mapstructure:"initial_interval"`
	MaxInterval          time.Duration `mapstructure:"max_interval"`
	Multiplier           float64       `mapstructure:"multiplier"`
	Jitter               float64       `mapstructure:"jitter"`
	PurgeIntervalSeconds int           `mapstructure:"purge_interval_seconds"`
	StaleClaimSeconds    int           `mapstructure:"stale_claim_seconds"`
}

type PipelineConfig struct {
	StoreTimeout time.Duration `mapstructure:"store_timeout"`
}

type ManagementConfig struct {
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type RateLimitConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	RPS             float64 `mapstructure:"rps"`
	Burst           int     `mapstructure:"burst"`
	CleanupInterval int     `mapstructure:"cleanup_interval"`
	MaxAge          int     `mapstructure:"max_age"`
}

type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

type TracingConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	OTLP        OTLPConfig    `mapstructure:"otlp"`
	Sampler     SamplerConfig `mapstructure:"sampler"`
}

type OTLPConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

type SamplerConfig struct {
	Type  string  `mapstructure:"type"`
	Param float64 `mapstructure:"param"`
}

func Load(configFile string) (*Config, error) {
	return LoadConfig(configFile)
}
