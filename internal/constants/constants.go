package constants

import "time"

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
)

const (
	DefaultInboundTopic    = "integration_messages"
	DefaultEventsTopic     = "domain_events"
	DefaultDeadLetterTopic = "integration_messages_dlq"
	DefaultConfigTopic     = "config_updates"
)

const (
	LeaseKeyPrefix        = "ibex:lease:"
	LeaseRetrySweep       = "retry-sweep"
	LeaseTimeoutSweep     = "aggregation-timeout-sweep"
	LeasePurgeSweep       = "dedup-purge-sweep"
	AggregationLockPrefix = "ibex:agg:"
)

const (
	DefaultMongoDBName         = "ibex"
	AggregationDefinitionsColl = "aggregation_definitions"
)

const (
	ShutdownTimeout = 5 * time.Second
	StoreTimeout    = 5 * time.Second

	DefaultAggregationLockTTL = 10 * time.Second
)

const (
	DefaultLimit       = 100
	MaxLimit           = 1000
	DefaultTruncateLen = 100
)

const (
	DefaultDedupWindowHours  = 24
	DefaultMaxRetries        = 3
	DefaultRetryBatchSize    = 50
	DefaultTimeoutBatchSize  = 50
	DefaultAggregationPeriod = 300
)

const (
	FallbackAllow = "allow"
	FallbackDeny  = "deny"
)

const (
	ActorPipeline   = "pipeline"
	ActorRouter     = "router"
	ActorHandler    = "handler"
	ActorAggregator = "aggregator"
	ActorScheduler  = "retry-scheduler"
	ActorManagement = "management"
)

const (
	DestinationAggregatePrefix = "aggregate:"
	DestinationHandlerPrefix   = "handler:"
	DestinationTopicPrefix     = "topic:"
)

const (
	HeaderMessageID     = "message_id"
	HeaderCorrelationID = "correlation_id"
	HeaderMessageType   = "message_type"
	HeaderTenantID      = "tenant_id"
	HeaderRoutingKey    = "routing_key"
	HeaderSourceSystem  = "source_system"
)
