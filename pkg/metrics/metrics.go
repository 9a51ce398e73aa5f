package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	IngestMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_messages_total",
			Help: "Total number of inbound messages by pipeline outcome (count)",
		},
		[]string{"outcome"},
	)

	PipelineProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_processing_duration_ms",
			Help:    "End-to-end pipeline processing duration in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"outcome"},
	)

	DedupChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dedup_checks_total",
			Help: "Total number of idempotency checks (count)",
		},
		[]string{"result"},
	)

	DedupCheckDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dedup_check_duration_ms",
			Help:    "Idempotency check duration in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"result"},
	)

	DedupRecordsPurgedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dedup_records_purged_total",
			Help: "Total number of expired dedup records removed by the purge sweep (count)",
		},
	)

	RoutingDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routing_decisions_total",
			Help: "Total number of routing decisions by result (count)",
		},
		[]string{"result", "strategy"},
	)

	RoutingEvaluationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "routing_evaluation_duration_ms",
			Help:    "Routing rule evaluation duration in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		},
		[]string{"result"},
	)

	RoutingActiveRules = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "routing_active_rules",
			Help: "Number of active routing rules in the current snapshot (count)",
		},
	)

	UnmatchedMessagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "routing_unmatched_messages_total",
			Help: "Total number of messages stored in the unmatched sink (count)",
		},
	)

	AggregationMembersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregation_members_total",
			Help: "Total number of aggregation member additions by result (count)",
		},
		[]string{"result"},
	)

	AggregationInstancesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregation_instances_total",
			Help: "Total number of aggregation instance terminal transitions (count)",
		},
		[]string{"status"},
	)

	AggregationOpenInstances = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aggregation_open_instances",
			Help: "Number of aggregation instances currently COLLECTING (count)",
		},
	)

	RetrySweepEnvelopesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_sweep_envelopes_total",
			Help: "Total number of envelopes handled by the retry sweep by outcome (count)",
		},
		[]string{"outcome"},
	)

	RetrySweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "retry_sweep_duration_ms",
			Help:    "Duration of one retry sweep cycle in milliseconds",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
	)

	DeadLetterEnvelopesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dead_letter_envelopes_total",
			Help: "Total number of envelopes moved to DEAD_LETTER by reason (count)",
		},
		[]string{"reason"},
	)

	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Total number of domain events published by type and status (count)",
		},
		[]string{"event_type", "status"},
	)

	BrokerConsumeRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_consume_retries_total",
			Help: "Total number of consumer-level processing retries (count)",
		},
		[]string{"service", "topic"},
	)

	BrokerDLQMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_dlq_messages_total",
			Help: "Total number of messages produced to the consumer DLQ topic (count)",
		},
		[]string{"service", "topic", "reason"},
	)

	FallbackUsageTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fallback_usage_total",
			Help: "Total number of times a configured fallback path was taken (count)",
		},
		[]string{"component", "fallback", "reason"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breakers (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failed requests through circuit breakers (count)",
		},
		[]string{"name"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_requests_total",
			Help: "Total number of rate-limited HTTP requests by decision (count)",
		},
		[]string{"status"},
	)

	LeaseAcquisitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lease_acquisitions_total",
			Help: "Total number of lease acquisition attempts by result (count)",
		},
		[]string{"lease", "result"},
	)
)

func RegisterPipelineMetrics() {
	prometheus.MustRegister(
		IngestMessagesTotal,
		PipelineProcessingDuration,
		DedupChecksTotal,
		DedupCheckDuration,
		RoutingDecisionsTotal,
		RoutingEvaluationDuration,
		RoutingActiveRules,
		UnmatchedMessagesTotal,
		AggregationMembersTotal,
		AggregationInstancesTotal,
		AggregationOpenInstances,
		DeadLetterEnvelopesTotal,
		EventsPublishedTotal,
		FallbackUsageTotal,
	)
}

func RegisterSchedulerMetrics() {
	prometheus.MustRegister(
		RetrySweepEnvelopesTotal,
		RetrySweepDuration,
		DedupRecordsPurgedTotal,
		LeaseAcquisitionsTotal,
	)
}

func RegisterBrokerMetrics() {
	prometheus.MustRegister(
		BrokerConsumeRetriesTotal,
		BrokerDLQMessagesTotal,
	)
}

func RegisterCircuitBreakerMetrics() {
	prometheus.MustRegister(
		CircuitBreakerState,
		CircuitBreakerRequests,
		CircuitBreakerFailures,
	)
}

func RegisterManagementMetrics() {
	prometheus.MustRegister(
		RateLimitRequestsTotal,
	)
}

func ObserveDedupCheck(duration time.Duration, result string) {
	DedupChecksTotal.WithLabelValues(result).Inc()
	DedupCheckDuration.WithLabelValues(result).Observe(float64(duration.Milliseconds()))
}

func ObserveRoutingEvaluation(duration time.Duration, result string) {
	RoutingEvaluationDuration.WithLabelValues(result).Observe(float64(duration.Milliseconds()))
}

func ObservePipelineProcessing(duration time.Duration, outcome string) {
	IngestMessagesTotal.WithLabelValues(outcome).Inc()
	PipelineProcessingDuration.WithLabelValues(outcome).Observe(float64(duration.Milliseconds()))
}

func SetRoutingActiveRules(count int) {
	RoutingActiveRules.Set(float64(count))
}

func SetAggregationOpenInstances(count int) {
	AggregationOpenInstances.Set(float64(count))
}

func SetCircuitBreakerState(name string, state int) {
	CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}
