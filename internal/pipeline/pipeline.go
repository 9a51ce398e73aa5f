package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"ibex/internal/aggregation"
	"ibex/internal/broker"
	"ibex/internal/config"
	"ibex/internal/constants"
	"ibex/internal/deduplication"
	"ibex/internal/envelope"
	"ibex/internal/events"
	"ibex/internal/logger"
	"ibex/internal/routing"
	"ibex/pkg/backoff"
	pkgerrors "ibex/pkg/errors"
	"ibex/pkg/logging"
	"ibex/pkg/metrics"
	"ibex/pkg/models"
	"ibex/pkg/tracing"
)

// HandlerFunc is an in-process destination. The payload is the
// router's outbound payload, which may differ from the envelope's when
// a transformation applied.
type HandlerFunc func(ctx context.Context, env *models.Envelope, payload map[string]interface{}) error

// Service is the explicit composition Guard -> Router -> Dispatch ->
// Publisher run per inbound message and per retry resubmission.
type Service struct {
	envelopes  envelope.Repository
	guard      *deduplication.Service
	router     *routing.Service
	aggregator *aggregation.Service
	publisher  events.Publisher
	producer   broker.Producer
	handlers   map[string]HandlerFunc
	retryCfg   config.RetryConfig
	logger     logger.Logger
}

func NewService(
	envelopes envelope.Repository,
	guard *deduplication.Service,
	router *routing.Service,
	aggregator *aggregation.Service,
	publisher events.Publisher,
	producer broker.Producer,
	retryCfg config.RetryConfig,
	log logger.Logger,
) *Service {
	return &Service{
		envelopes:  envelopes,
		guard:      guard,
		router:     router,
		aggregator: aggregator,
		publisher:  publisher,
		producer:   producer,
		handlers:   make(map[string]HandlerFunc),
		retryCfg:   retryCfg,
		logger:     log,
	}
}

// RegisterHandler binds an in-process destination name. Registration
// happens at startup, before consumption begins.
func (s *Service) RegisterHandler(name string, fn HandlerFunc) {
	s.handlers[name] = fn
}

// Process ingests one inbound message end to end. A returned error
// means the message should be retried or dead-lettered by the broker
// layer; domain outcomes (duplicate, no route, handler failure with a
// scheduled retry) return nil so the offset commits.
func (s *Service) Process(ctx context.Context, inbound *models.InboundMessage) error {
	ctx, span := tracing.GetTracer("pipeline").Start(ctx, "pipeline.process")
	defer span.End()

	start := time.Now()

	if err := models.ValidateInboundMessage(inbound); err != nil {
		metrics.IngestMessagesTotal.WithLabelValues("invalid").Inc()
		return backoff.NewFatalError(pkgerrors.ErrValidation.WithCause(err).WithDetail("message", err.Error()))
	}

	maxRetries := s.retryCfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = constants.DefaultMaxRetries
	}

	env := models.NewEnvelopeBuilder().
		FromInbound(inbound).
		WithMaxRetries(maxRetries).
		Build()

	ctx = logging.WithEnvelopeID(ctx, env.ID)
	ctx = logging.WithTenantID(ctx, env.TenantID)

	if err := s.envelopes.Create(ctx, env); err != nil {
		if pkgerrors.IsConflict(err) {
			// Broker redelivery of an envelope we already own.
			metrics.IngestMessagesTotal.WithLabelValues("redelivered").Inc()
			s.logger.InfowCtx(ctx, "Envelope already exists, skipping redelivery")
			return nil
		}
		metrics.IngestMessagesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to persist envelope: %w", err)
	}

	if err := s.envelopes.TransitionStatus(ctx, env.ID, models.StatusCreated, models.StatusQueued, "accepted", constants.ActorPipeline); err != nil {
		return err
	}
	env.Status = models.StatusQueued

	guardLabel, err := s.runGuard(ctx, env)
	if err != nil {
		return err
	}
	if guardLabel != "" {
		metrics.IngestMessagesTotal.WithLabelValues(guardLabel).Inc()
		metrics.ObservePipelineProcessing(time.Since(start), guardLabel)
		return nil
	}

	outcome := s.run(ctx, env)
	metrics.IngestMessagesTotal.WithLabelValues(outcome.label).Inc()
	metrics.ObservePipelineProcessing(time.Since(start), outcome.label)
	return outcome.err
}

// Resubmit re-runs a claimed envelope through the Router path. The
// envelope is already QUEUED; the Guard is not consulted again.
func (s *Service) Resubmit(ctx context.Context, env *models.Envelope) error {
	ctx, span := tracing.GetTracer("pipeline").Start(ctx, "pipeline.resubmit")
	defer span.End()

	ctx = logging.WithEnvelopeID(ctx, env.ID)
	ctx = logging.WithTenantID(ctx, env.TenantID)

	start := time.Now()
	outcome := s.run(ctx, env)
	metrics.ObservePipelineProcessing(time.Since(start), outcome.label)
	return outcome.err
}

// runGuard consults the idempotency guard. A duplicate terminates the
// envelope as COMPLETED with a duplicate reason; a non-empty label
// means the envelope's journey ended here.
func (s *Service) runGuard(ctx context.Context, env *models.Envelope) (string, error) {
	check, err := s.guard.BuildCheck(env)
	if err != nil {
		return "", err
	}

	outcome, err := s.guard.Accept(ctx, check)
	if err != nil {
		// Fail closed: the envelope stays retryable.
		s.failEnvelope(ctx, env, models.StatusQueued, err)
		return "guard_failed", nil
	}
	if !outcome.Duplicate() {
		return "", nil
	}

	reason := fmt.Sprintf("duplicate of message first seen %s (%s key, occurrence %d)",
		outcome.FirstSeenAt.Format(time.RFC3339), outcome.MatchedKind, outcome.OccurrenceCount)
	if err := s.envelopes.MarkCompleted(ctx, env.ID, models.StatusQueued, reason, constants.ActorPipeline); err != nil {
		s.logger.ErrorwCtx(ctx, "Failed to complete duplicate envelope", "error", err)
	}

	s.publisher.Publish(ctx, models.EventTypeMessageDuplicate, map[string]interface{}{
		"envelope_id":      env.ID,
		"tenant_id":        env.TenantID,
		"message_type":     env.Type,
		"matched_key":      string(outcome.MatchedKind),
		"occurrence_count": outcome.OccurrenceCount,
		"first_seen_at":    outcome.FirstSeenAt,
	})
	s.logger.InfowCtx(ctx, "Duplicate message discarded",
		"matched_key", outcome.MatchedKind,
		"occurrence_count", outcome.OccurrenceCount,
	)
	return "duplicate", nil
}

type runOutcome struct {
	label string
	err   error
}

// run takes a QUEUED envelope through routing, dispatch, and the
// publisher.
func (s *Service) run(ctx context.Context, env *models.Envelope) runOutcome {
	if err := s.envelopes.TransitionStatus(ctx, env.ID, models.StatusQueued, models.StatusRouting, "routing", constants.ActorRouter); err != nil {
		if pkgerrors.IsConflict(err) {
			// Another worker owns this envelope.
			s.logger.WarnwCtx(ctx, "Envelope not in QUEUED state, skipping", "error", err)
			return runOutcome{label: "conflict"}
		}
		return runOutcome{label: "error", err: err}
	}
	env.Status = models.StatusRouting

	decision, err := s.router.Route(ctx, env)
	if err != nil {
		if pkgerrors.IsNoRoute(err) {
			s.deadLetterEnvelope(ctx, env, models.StatusRouting, "no matching routing rule", "no_route")
			s.publisher.Publish(ctx, models.EventTypeMessageUnmatched, map[string]interface{}{
				"envelope_id":  env.ID,
				"tenant_id":    env.TenantID,
				"message_type": env.Type,
			})
			return runOutcome{label: "unmatched"}
		}
		s.failEnvelope(ctx, env, models.StatusRouting, err)
		return runOutcome{label: "failed"}
	}

	if err := s.envelopes.SetDestination(ctx, env.ID, strings.Join(decision.Destinations, ",")); err != nil {
		s.logger.ErrorwCtx(ctx, "Failed to record envelope destination", "error", err)
	}
	env.Destination = strings.Join(decision.Destinations, ",")

	processingStatus := models.StatusProcessing
	for _, dest := range decision.Destinations {
		if strings.HasPrefix(dest, constants.DestinationAggregatePrefix) {
			processingStatus = models.StatusAggregating
			break
		}
	}

	reason := fmt.Sprintf("rule %s matched", decision.RuleID)
	if err := s.envelopes.TransitionStatus(ctx, env.ID, models.StatusRouting, processingStatus, reason, constants.ActorRouter); err != nil {
		return runOutcome{label: "error", err: err}
	}
	env.Status = processingStatus

	for _, dest := range decision.Destinations {
		if err := s.dispatch(ctx, env, dest, decision.Payload); err != nil {
			return s.handleDispatchError(ctx, env, processingStatus, dest, err)
		}
	}

	if err := s.envelopes.MarkCompleted(ctx, env.ID, processingStatus, "processed", constants.ActorHandler); err != nil {
		return runOutcome{label: "error", err: err}
	}

	s.publisher.Publish(ctx, models.EventTypeMessageCompleted, map[string]interface{}{
		"envelope_id":  env.ID,
		"tenant_id":    env.TenantID,
		"message_type": env.Type,
		"destination":  env.Destination,
	})
	return runOutcome{label: "completed"}
}

// dispatch resolves one destination: an aggregation membership, a
// registered in-process handler, or an outbound Kafka topic.
func (s *Service) dispatch(ctx context.Context, env *models.Envelope, destination string, payload map[string]interface{}) error {
	switch {
	case strings.HasPrefix(destination, constants.DestinationAggregatePrefix):
		key := strings.TrimPrefix(destination, constants.DestinationAggregatePrefix)
		return s.dispatchAggregate(ctx, env, key, payload)

	case strings.HasPrefix(destination, constants.DestinationHandlerPrefix):
		name := strings.TrimPrefix(destination, constants.DestinationHandlerPrefix)
		handler, ok := s.handlers[name]
		if !ok {
			return backoff.NewFatalError(fmt.Errorf("no handler registered for '%s'", name))
		}
		return handler(ctx, env, payload)

	case strings.HasPrefix(destination, constants.DestinationTopicPrefix):
		topic := strings.TrimPrefix(destination, constants.DestinationTopicPrefix)
		return s.dispatchTopic(ctx, env, topic, payload)

	default:
		return backoff.NewFatalError(fmt.Errorf("unknown destination scheme '%s'", destination))
	}
}

func (s *Service) dispatchAggregate(ctx context.Context, env *models.Envelope, key string, payload map[string]interface{}) error {
	correlationID := env.CorrelationID
	if correlationID == "" {
		correlationID = env.ID
	}

	result, err := s.aggregator.AddMember(ctx, correlationID, key, env, payload)
	if err != nil {
		if pkgerrors.IsConflict(err) {
			return backoff.NewFatalError(fmt.Errorf("duplicate aggregation member: %w", err))
		}
		if pkgerrors.IsNotFound(err) || pkgerrors.IsValidation(err) {
			return backoff.NewFatalError(err)
		}
		return err
	}
	if result.Closed {
		return backoff.NewFatalError(fmt.Errorf("aggregation instance for '%s' already closed (%s)", key, result.Instance.Status))
	}
	return nil
}

func (s *Service) dispatchTopic(ctx context.Context, env *models.Envelope, topic string, payload map[string]interface{}) error {
	outbound := models.InboundMessage{
		MessageID:     env.ID,
		CorrelationID: env.CorrelationID,
		Type:          env.Type,
		TenantID:      env.TenantID,
		RoutingKey:    env.RoutingKey,
		Source:        env.Source,
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
	}

	value, err := json.Marshal(outbound)
	if err != nil {
		return backoff.NewFatalError(fmt.Errorf("failed to marshal outbound message: %w", err))
	}

	return s.producer.Publish(ctx, topic, env.ID, value, map[string]string{
		constants.HeaderMessageID:     env.ID,
		constants.HeaderCorrelationID: env.CorrelationID,
		constants.HeaderMessageType:   env.Type,
		constants.HeaderTenantID:      env.TenantID,
	})
}

// handleDispatchError classifies one destination's failure: fatal
// errors dead-letter immediately, transient ones schedule the next
// attempt or exhaust into DEAD_LETTER.
func (s *Service) handleDispatchError(ctx context.Context, env *models.Envelope, from models.EnvelopeStatus, destination string, err error) runOutcome {
	s.logger.WarnwCtx(ctx, "Dispatch failed",
		"destination", destination,
		"retry_count", env.RetryCount,
		"error", err,
	)

	if isFatal(err) {
		s.deadLetterEnvelope(ctx, env, from, err.Error(), "fatal")
		return runOutcome{label: "dead_letter"}
	}

	s.failEnvelope(ctx, env, from, err)
	return runOutcome{label: "failed"}
}

// failEnvelope records the failure and schedules the next retry
// attempt. The failure that consumes the last budget unit dead-letters
// the envelope instead of leaving it in the retry pool.
func (s *Service) failEnvelope(ctx context.Context, env *models.Envelope, from models.EnvelopeStatus, cause error) {
	if env.RetryCount >= env.MaxRetries {
		s.deadLetterEnvelope(ctx, env, from, fmt.Sprintf("retry budget exhausted: %v", cause), "exhausted")
		return
	}

	// Computed before ScheduleRetry bumps the counter: this failure
	// takes retry_count to env.RetryCount+1.
	exhausts := env.RetryCount+1 >= env.MaxRetries

	delay := backoff.DelayWithJitter(env.RetryCount,
		s.retryCfg.InitialInterval, s.retryCfg.Multiplier, s.retryCfg.MaxInterval, s.retryCfg.Jitter)
	nextRetryAt := time.Now().UTC().Add(delay)

	err := s.envelopes.ScheduleRetry(ctx, env.ID, from, nextRetryAt, cause.Error(), constants.ActorScheduler)
	if err == nil {
		if exhausts {
			s.deadLetterEnvelope(ctx, env, models.StatusFailed, fmt.Sprintf("retry budget exhausted: %v", cause), "exhausted")
			return
		}
		s.logger.InfowCtx(ctx, "Retry scheduled",
			"retry_count", env.RetryCount+1,
			"max_retries", env.MaxRetries,
			"next_retry_at", nextRetryAt,
		)
		return
	}

	if pkgerrors.IsConflict(err) {
		// retry_count < max_retries guard lost: budget is spent.
		s.deadLetterEnvelope(ctx, env, from, fmt.Sprintf("retry budget exhausted: %v", cause), "exhausted")
		return
	}
	s.logger.ErrorwCtx(ctx, "Failed to schedule retry", "error", err)
}

func (s *Service) deadLetterEnvelope(ctx context.Context, env *models.Envelope, from models.EnvelopeStatus, reason, metricReason string) {
	if err := s.envelopes.MarkDeadLetter(ctx, env.ID, from, reason, constants.ActorPipeline); err != nil {
		s.logger.ErrorwCtx(ctx, "Failed to dead-letter envelope", "error", err)
		return
	}

	metrics.DeadLetterEnvelopesTotal.WithLabelValues(metricReason).Inc()
	s.publisher.Publish(ctx, models.EventTypeMessageDeadLettered, map[string]interface{}{
		"envelope_id":  env.ID,
		"tenant_id":    env.TenantID,
		"message_type": env.Type,
		"reason":       reason,
	})
	s.logger.WarnwCtx(ctx, "Envelope dead-lettered", "reason", reason)
}

func isFatal(err error) bool {
	var fatal backoff.FatalError
	return errors.As(err, &fatal) && fatal.IsFatal()
}
