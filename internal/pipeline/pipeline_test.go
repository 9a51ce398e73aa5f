package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ibex/internal/config"
	"ibex/internal/deduplication"
	"ibex/internal/logger"
	"ibex/internal/routing"
	pkgerrors "ibex/pkg/errors"
	"ibex/pkg/models"
)

// fakeEnvelopeRepo holds envelopes in memory and enforces the same
// compare-and-swap semantics as the PostgreSQL repository.
type fakeEnvelopeRepo struct {
	envelopes map[string]*models.Envelope
	log       []models.Transition
}

func newFakeEnvelopeRepo() *fakeEnvelopeRepo {
	return &fakeEnvelopeRepo{envelopes: make(map[string]*models.Envelope)}
}

func (f *fakeEnvelopeRepo) Create(ctx context.Context, env *models.Envelope) error {
	if _, ok := f.envelopes[env.ID]; ok {
		return pkgerrors.ErrConflict.WithDetail("message", "envelope exists")
	}
	stored := *env
	f.envelopes[env.ID] = &stored
	return nil
}

func (f *fakeEnvelopeRepo) GetByID(ctx context.Context, id string) (*models.Envelope, error) {
	env, ok := f.envelopes[id]
	if !ok {
		return nil, pkgerrors.ErrNotFound.WithDetail("message", "envelope not found")
	}
	return env, nil
}

func (f *fakeEnvelopeRepo) GetTransitions(ctx context.Context, envelopeID string) ([]models.Transition, error) {
	return f.log, nil
}

func (f *fakeEnvelopeRepo) transition(id string, from, to models.EnvelopeStatus, reason, actor string) error {
	env, ok := f.envelopes[id]
	if !ok {
		return pkgerrors.ErrNotFound.WithDetail("message", "envelope not found")
	}
	if env.Status != from {
		return pkgerrors.ErrConflict.WithDetail("message", "status changed")
	}
	env.Status = to
	f.log = append(f.log, models.Transition{EnvelopeID: id, FromStatus: from, ToStatus: to, Reason: reason, Actor: actor})
	return nil
}

func (f *fakeEnvelopeRepo) TransitionStatus(ctx context.Context, id string, from, to models.EnvelopeStatus, reason, actor string) error {
	return f.transition(id, from, to, reason, actor)
}

func (f *fakeEnvelopeRepo) SetDestination(ctx context.Context, id, destination string) error {
	if env, ok := f.envelopes[id]; ok {
		env.Destination = destination
	}
	return nil
}

func (f *fakeEnvelopeRepo) MarkCompleted(ctx context.Context, id string, from models.EnvelopeStatus, reason, actor string) error {
	return f.transition(id, from, models.StatusCompleted, reason, actor)
}

func (f *fakeEnvelopeRepo) ScheduleRetry(ctx context.Context, id string, from models.EnvelopeStatus, nextRetryAt time.Time, lastError, actor string) error {
	env, ok := f.envelopes[id]
	if !ok {
		return pkgerrors.ErrNotFound.WithDetail("message", "envelope not found")
	}
	if env.RetryCount >= env.MaxRetries {
		return pkgerrors.ErrConflict.WithDetail("message", "retry budget exhausted")
	}
	if err := f.transition(id, from, models.StatusFailed, lastError, actor); err != nil {
		return err
	}
	env.RetryCount++
	env.NextRetryAt = &nextRetryAt
	env.LastError = lastError
	return nil
}

func (f *fakeEnvelopeRepo) MarkDeadLetter(ctx context.Context, id string, from models.EnvelopeStatus, reason, actor string) error {
	return f.transition(id, from, models.StatusDeadLetter, reason, actor)
}

// ClaimDueRetries mirrors the store's claim predicate: FAILED with a
// due scheduled attempt and budget left.
func (f *fakeEnvelopeRepo) ClaimDueRetries(ctx context.Context, now time.Time, limit int) ([]models.Envelope, error) {
	var claimed []models.Envelope
	for _, env := range f.envelopes {
		if len(claimed) == limit {
			break
		}
		if env.Status == models.StatusFailed && env.NextRetryAt != nil && !env.NextRetryAt.After(now) && env.RetryCount < env.MaxRetries {
			env.Status = models.StatusQueued
			stored := *env
			claimed = append(claimed, stored)
		}
	}
	return claimed, nil
}

func (f *fakeEnvelopeRepo) RequeueStaleClaims(ctx context.Context, before time.Time) (int, error) {
	n := 0
	for _, env := range f.envelopes {
		if env.Status == models.StatusQueued && env.NextRetryAt != nil && env.UpdatedAt.Before(before) {
			env.Status = models.StatusFailed
			n++
		}
	}
	return n, nil
}

func (f *fakeEnvelopeRepo) DeadLetterExhausted(ctx context.Context) (int, error) {
	n := 0
	for _, env := range f.envelopes {
		if env.Status == models.StatusFailed && env.RetryCount >= env.MaxRetries {
			env.Status = models.StatusDeadLetter
			env.NextRetryAt = nil
			n++
		}
	}
	return n, nil
}

func (f *fakeEnvelopeRepo) Requeue(ctx context.Context, id, actor string) (*models.Envelope, error) {
	env, ok := f.envelopes[id]
	if !ok {
		return nil, pkgerrors.ErrNotFound.WithDetail("message", "envelope not found")
	}
	if env.Status != models.StatusDeadLetter {
		return nil, pkgerrors.ErrConflict.WithDetail("message", "envelope not dead-lettered")
	}
	now := time.Now().UTC()
	env.Status = models.StatusFailed
	env.RetryCount = 0
	env.NextRetryAt = &now
	env.LastError = ""
	stored := *env
	return &stored, nil
}

func (f *fakeEnvelopeRepo) ListByStatus(ctx context.Context, status models.EnvelopeStatus, tenantID, messageType string, limit, offset int) ([]models.Envelope, error) {
	return nil, nil
}

func (f *fakeEnvelopeRepo) Delete(ctx context.Context, id string) error {
	delete(f.envelopes, id)
	return nil
}

type fakeRoutingRepo struct {
	rules []routing.Rule
}

func (f *fakeRoutingRepo) GetActiveRules(ctx context.Context) ([]routing.Rule, error) {
	return f.rules, nil
}
func (f *fakeRoutingRepo) RecordDecision(ctx context.Context, d *routing.RouteDecision) error {
	return nil
}
func (f *fakeRoutingRepo) StoreUnmatched(ctx context.Context, m *routing.UnmatchedMessage) error {
	return nil
}

type fakeDedupRepo struct {
	counts map[deduplication.RecordKey]int64
}

func (f *fakeDedupRepo) Record(ctx context.Context, key deduplication.RecordKey, now, expiresAt time.Time) (*deduplication.Sighting, error) {
	if f.counts == nil {
		f.counts = make(map[deduplication.RecordKey]int64)
	}
	f.counts[key]++
	return &deduplication.Sighting{OccurrenceCount: f.counts[key], FirstSeenAt: now, LastSeenAt: now, ExpiresAt: expiresAt}, nil
}
func (f *fakeDedupRepo) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}
func (f *fakeDedupRepo) Stats(ctx context.Context, tenantID, messageType string) ([]deduplication.StatEntry, error) {
	return nil, nil
}

type fakeProducer struct {
	published []publishedMessage
	failWith  error
}

type publishedMessage struct {
	topic   string
	key     string
	value   []byte
	headers map[string]string
}

func (f *fakeProducer) Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.published = append(f.published, publishedMessage{topic: topic, key: key, value: value, headers: headers})
	return nil
}

func (f *fakeProducer) Close() error { return nil }

type capturePublisher struct {
	events []capturedEvent
}

type capturedEvent struct {
	eventType string
	payload   map[string]interface{}
}

func (c *capturePublisher) Publish(ctx context.Context, eventType string, payload map[string]interface{}) {
	c.events = append(c.events, capturedEvent{eventType: eventType, payload: payload})
}

func (c *capturePublisher) eventTypes() []string {
	types := make([]string, len(c.events))
	for i, e := range c.events {
		types[i] = e.eventType
	}
	return types
}

type pipelineFixture struct {
	svc       *Service
	envelopes *fakeEnvelopeRepo
	producer  *fakeProducer
	events    *capturePublisher
}

func newPipelineFixture(t *testing.T, rules []routing.Rule) *pipelineFixture {
	t.Helper()

	envelopes := newFakeEnvelopeRepo()
	producer := &fakeProducer{}
	publisher := &capturePublisher{}

	guard := deduplication.NewService(&fakeDedupRepo{}, config.DeduplicationConfig{
		FieldsToHash: []string{"tenant_id", "message_type", "order_id"},
	}, logger.NopLogger())

	router, err := routing.NewService(&fakeRoutingRepo{rules: rules}, config.RoutingConfig{}, logger.NopLogger())
	require.NoError(t, err)
	require.NoError(t, router.ReloadRulesNow(context.Background()))

	svc := NewService(envelopes, guard, router, nil, publisher, producer, config.RetryConfig{
		MaxRetries:      2,
		InitialInterval: time.Second,
		MaxInterval:     time.Minute,
		Multiplier:      2.0,
	}, logger.NopLogger())

	return &pipelineFixture{svc: svc, envelopes: envelopes, producer: producer, events: publisher}
}

func inboundMessage(id, orderID string) *models.InboundMessage {
	return &models.InboundMessage{
		MessageID: id,
		Type:      "order.created",
		TenantID:  "tenant-a",
		Source:    "crm",
		Payload:   map[string]interface{}{"order_id": orderID},
	}
}

func topicRule(id, pattern, topic string) routing.Rule {
	return routing.Rule{
		ID:           id,
		Pattern:      pattern,
		Strategy:     routing.StrategyDirect,
		Destinations: []string{"topic:" + topic},
	}
}

func TestProcessCompletesEnvelope(t *testing.T) {
	fx := newPipelineFixture(t, []routing.Rule{topicRule("r1", "order.*", "orders-out")})

	err := fx.svc.Process(context.Background(), inboundMessage("m-1", "o-1"))
	require.NoError(t, err)

	env := fx.envelopes.envelopes["m-1"]
	require.NotNil(t, env)
	assert.Equal(t, models.StatusCompleted, env.Status)
	assert.Equal(t, "topic:orders-out", env.Destination)

	require.Len(t, fx.producer.published, 1)
	assert.Equal(t, "orders-out", fx.producer.published[0].topic)
	assert.Equal(t, "m-1", fx.producer.published[0].key)
	assert.Equal(t, "m-1", fx.producer.published[0].headers["message_id"])

	assert.Contains(t, fx.events.eventTypes(), models.EventTypeMessageCompleted)
}

func TestProcessInvalidMessageIsFatal(t *testing.T) {
	fx := newPipelineFixture(t, nil)

	err := fx.svc.Process(context.Background(), &models.InboundMessage{MessageID: "m-1", TenantID: "tenant-a"})
	require.Error(t, err)
	assert.Empty(t, fx.envelopes.envelopes)
}

func TestProcessRedeliverySkipsSilently(t *testing.T) {
	fx := newPipelineFixture(t, []routing.Rule{topicRule("r1", "order.*", "orders-out")})

	require.NoError(t, fx.svc.Process(context.Background(), inboundMessage("m-1", "o-1")))
	transitions := len(fx.envelopes.log)

	// Same message id again, e.g. an at-least-once redelivery.
	require.NoError(t, fx.svc.Process(context.Background(), inboundMessage("m-1", "o-1")))
	assert.Len(t, fx.envelopes.log, transitions)
	assert.Len(t, fx.producer.published, 1)
}

func TestProcessDuplicateContentCompletesWithoutDispatch(t *testing.T) {
	fx := newPipelineFixture(t, []routing.Rule{topicRule("r1", "order.*", "orders-out")})

	require.NoError(t, fx.svc.Process(context.Background(), inboundMessage("m-1", "o-1")))

	// Different message id, identical hashed content.
	require.NoError(t, fx.svc.Process(context.Background(), inboundMessage("m-2", "o-1")))

	dup := fx.envelopes.envelopes["m-2"]
	require.NotNil(t, dup)
	assert.Equal(t, models.StatusCompleted, dup.Status)

	assert.Len(t, fx.producer.published, 1)
	assert.Contains(t, fx.events.eventTypes(), models.EventTypeMessageDuplicate)
}

func TestProcessUnmatchedDeadLetters(t *testing.T) {
	fx := newPipelineFixture(t, []routing.Rule{topicRule("r1", "invoice.*", "invoices-out")})

	err := fx.svc.Process(context.Background(), inboundMessage("m-1", "o-1"))
	require.NoError(t, err)

	env := fx.envelopes.envelopes["m-1"]
	assert.Equal(t, models.StatusDeadLetter, env.Status)
	assert.Contains(t, fx.events.eventTypes(), models.EventTypeMessageUnmatched)
	assert.Contains(t, fx.events.eventTypes(), models.EventTypeMessageDeadLettered)
}

func TestProcessHandlerDestination(t *testing.T) {
	fx := newPipelineFixture(t, []routing.Rule{
		{ID: "r1", Pattern: "order.*", Strategy: routing.StrategyDirect, Destinations: []string{"handler:archive"}},
	})

	var handled *models.Envelope
	fx.svc.RegisterHandler("archive", func(ctx context.Context, env *models.Envelope, payload map[string]interface{}) error {
		handled = env
		return nil
	})

	require.NoError(t, fx.svc.Process(context.Background(), inboundMessage("m-1", "o-1")))

	require.NotNil(t, handled)
	assert.Equal(t, "m-1", handled.ID)
	assert.Equal(t, models.StatusCompleted, fx.envelopes.envelopes["m-1"].Status)
}

func TestProcessUnknownHandlerDeadLetters(t *testing.T) {
	fx := newPipelineFixture(t, []routing.Rule{
		{ID: "r1", Pattern: "order.*", Strategy: routing.StrategyDirect, Destinations: []string{"handler:missing"}},
	})

	require.NoError(t, fx.svc.Process(context.Background(), inboundMessage("m-1", "o-1")))
	assert.Equal(t, models.StatusDeadLetter, fx.envelopes.envelopes["m-1"].Status)
}

func TestProcessTransientFailureSchedulesRetry(t *testing.T) {
	fx := newPipelineFixture(t, []routing.Rule{topicRule("r1", "order.*", "orders-out")})
	fx.producer.failWith = errors.New("broker unavailable")

	require.NoError(t, fx.svc.Process(context.Background(), inboundMessage("m-1", "o-1")))

	env := fx.envelopes.envelopes["m-1"]
	assert.Equal(t, models.StatusFailed, env.Status)
	assert.Equal(t, 1, env.RetryCount)
	require.NotNil(t, env.NextRetryAt)
	assert.True(t, env.NextRetryAt.After(time.Now()))
}

func TestProcessExhaustedRetriesDeadLetter(t *testing.T) {
	fx := newPipelineFixture(t, []routing.Rule{topicRule("r1", "order.*", "orders-out")})
	fx.producer.failWith = errors.New("broker unavailable")

	require.NoError(t, fx.svc.Process(context.Background(), inboundMessage("m-1", "o-1")))

	// Drain the retry budget through resubmissions.
	for i := 0; i < 2; i++ {
		env := fx.envelopes.envelopes["m-1"]
		env.Status = models.StatusQueued
		require.NoError(t, fx.svc.Resubmit(context.Background(), env))
	}

	env := fx.envelopes.envelopes["m-1"]
	assert.Equal(t, models.StatusDeadLetter, env.Status)
	assert.Contains(t, fx.events.eventTypes(), models.EventTypeMessageDeadLettered)
}

// sweepOnce claims due envelopes and resubmits them, the way the
// retry scheduler drives the pipeline.
func (fx *pipelineFixture) sweepOnce(t *testing.T, now time.Time) int {
	t.Helper()
	claimed, err := fx.envelopes.ClaimDueRetries(context.Background(), now, 10)
	require.NoError(t, err)
	for i := range claimed {
		require.NoError(t, fx.svc.Resubmit(context.Background(), &claimed[i]))
	}
	return len(claimed)
}

func (fx *pipelineFixture) sweepUntilIdle(t *testing.T) {
	t.Helper()
	cursor := time.Now()
	for i := 0; i < 10; i++ {
		cursor = cursor.Add(time.Hour)
		if fx.sweepOnce(t, cursor) == 0 {
			return
		}
	}
	t.Fatal("sweep never drained")
}

func TestRetryBudgetExhaustsThroughSweep(t *testing.T) {
	fx := newPipelineFixture(t, []routing.Rule{topicRule("r1", "order.*", "orders-out")})
	fx.producer.failWith = errors.New("broker unavailable")

	require.NoError(t, fx.svc.Process(context.Background(), inboundMessage("m-1", "o-1")))

	fx.sweepUntilIdle(t)

	// The failure that spent the last budget unit dead-lettered the
	// envelope; nothing is left for the sweep to claim.
	env := fx.envelopes.envelopes["m-1"]
	assert.Equal(t, models.StatusDeadLetter, env.Status)
	assert.Equal(t, env.MaxRetries, env.RetryCount)
	assert.Contains(t, fx.events.eventTypes(), models.EventTypeMessageDeadLettered)
}

func TestRequeuedDeadLetterRecoversThroughSweep(t *testing.T) {
	fx := newPipelineFixture(t, []routing.Rule{topicRule("r1", "order.*", "orders-out")})
	fx.producer.failWith = errors.New("broker unavailable")

	require.NoError(t, fx.svc.Process(context.Background(), inboundMessage("m-1", "o-1")))
	fx.sweepUntilIdle(t)
	require.Equal(t, models.StatusDeadLetter, fx.envelopes.envelopes["m-1"].Status)

	// Operator requeues after the outage clears; the next sweep claims
	// the envelope and it completes.
	fx.producer.failWith = nil
	_, err := fx.envelopes.Requeue(context.Background(), "m-1", "operator")
	require.NoError(t, err)

	require.Equal(t, 1, fx.sweepOnce(t, time.Now().Add(time.Hour)))
	assert.Equal(t, models.StatusCompleted, fx.envelopes.envelopes["m-1"].Status)
	assert.Len(t, fx.producer.published, 1)
}

func TestResubmitCompletes(t *testing.T) {
	fx := newPipelineFixture(t, []routing.Rule{topicRule("r1", "order.*", "orders-out")})

	env := models.NewEnvelopeBuilder().
		WithID("m-1").
		WithType("order.created").
		WithTenantID("tenant-a").
		WithPayload(map[string]interface{}{"order_id": "o-1"}).
		WithMaxRetries(2).
		Build()
	env.Status = models.StatusQueued
	require.NoError(t, fx.envelopes.Create(context.Background(), env))

	require.NoError(t, fx.svc.Resubmit(context.Background(), fx.envelopes.envelopes["m-1"]))

	assert.Equal(t, models.StatusCompleted, fx.envelopes.envelopes["m-1"].Status)
	assert.Len(t, fx.producer.published, 1)
}
