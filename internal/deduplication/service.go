package deduplication

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ibex/internal/config"
	"ibex/internal/constants"
	"ibex/internal/logger"
	"ibex/pkg/metrics"
	"ibex/pkg/models"
	"ibex/pkg/tracing"
)

type storeErrorPolicy int

const (
	storeErrorDeny storeErrorPolicy = iota
	storeErrorAllow
)

// Service is the idempotency guard: it decides whether an inbound
// message has already been accepted within the dedup window, on either
// its content hash or its business key.
type Service struct {
	repo         Repository
	hasher       *Hasher
	cfg          config.DeduplicationConfig
	fieldsToHash []string
	logger       logger.Logger
	fieldsMu     sync.RWMutex
}

func NewService(repo Repository, cfg config.DeduplicationConfig, log logger.Logger) *Service {
	fieldsToHash := cfg.FieldsToHash
	if len(fieldsToHash) == 0 {
		fieldsToHash = []string{"id", "source"}
		log.Infow("No fields_to_hash configured, using defaults", "fields", fieldsToHash)
	}

	return &Service{
		repo:         repo,
		hasher:       NewHasher(cfg.HashAlgorithm),
		cfg:          cfg,
		fieldsToHash: fieldsToHash,
		logger:       log,
	}
}

// BuildCheck derives the dedup check for an envelope: the content hash
// over the configured fields, plus the business key when the payload
// carries the configured field.
func (s *Service) BuildCheck(env *models.Envelope) (Check, error) {
	messageData := make(map[string]interface{}, len(env.Payload)+4)
	messageData["id"] = env.ID
	messageData["source"] = env.Source
	messageData["message_type"] = env.Type
	messageData["tenant_id"] = env.TenantID
	for key, value := range env.Payload {
		messageData[key] = value
	}

	hash, err := s.hasher.ComputeHash(messageData, s.GetFieldsToHash())
	if err != nil {
		return Check{}, fmt.Errorf("failed to compute hash for message %s: %w", env.ID, err)
	}

	check := Check{
		MessageID:   env.ID,
		TenantID:    env.TenantID,
		MessageType: env.Type,
		ContentHash: hash,
		Window:      s.window(),
	}

	if s.cfg.BusinessKeyField != "" {
		if val, ok := env.Payload[s.cfg.BusinessKeyField]; ok && val != nil {
			check.BusinessKey = fmt.Sprintf("%v", val)
		}
	}

	return check, nil
}

// Accept runs the idempotency check. A collision on either the content
// hash or the business key is a Duplicate; concurrent first sightings
// resolve to exactly one Accepted via the store's uniqueness
// constraint.
func (s *Service) Accept(ctx context.Context, check Check) (Outcome, error) {
	ctx, span := tracing.GetTracer("dedup-service").Start(ctx, "deduplication.accept")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	window := check.Window
	if window <= 0 {
		window = s.window()
	}

	start := time.Now()
	now := start.UTC()
	expiresAt := now.Add(window)

	contentSighting, err := s.repo.Record(ctx, RecordKey{
		TenantID:    check.TenantID,
		MessageType: check.MessageType,
		Kind:        KeyKindContent,
		Key:         check.ContentHash,
	}, now, expiresAt)
	if err != nil {
		return s.handleStoreError(ctx, err, time.Since(start), check.MessageID)
	}

	if contentSighting.OccurrenceCount > 1 {
		outcome := Outcome{
			Result:          ResultDuplicate,
			MatchedKind:     KeyKindContent,
			OccurrenceCount: contentSighting.OccurrenceCount,
			FirstSeenAt:     contentSighting.FirstSeenAt,
		}
		metrics.ObserveDedupCheck(time.Since(start), "duplicate")
		return outcome, nil
	}

	if check.BusinessKey != "" {
		businessSighting, err := s.repo.Record(ctx, RecordKey{
			TenantID:    check.TenantID,
			MessageType: check.MessageType,
			Kind:        KeyKindBusiness,
			Key:         check.BusinessKey,
		}, now, expiresAt)
		if err != nil {
			return s.handleStoreError(ctx, err, time.Since(start), check.MessageID)
		}

		if businessSighting.OccurrenceCount > 1 {
			outcome := Outcome{
				Result:          ResultDuplicate,
				MatchedKind:     KeyKindBusiness,
				OccurrenceCount: businessSighting.OccurrenceCount,
				FirstSeenAt:     businessSighting.FirstSeenAt,
			}
			metrics.ObserveDedupCheck(time.Since(start), "duplicate")
			return outcome, nil
		}
	}

	metrics.ObserveDedupCheck(time.Since(start), "unique")
	return Outcome{
		Result:          ResultAccepted,
		OccurrenceCount: contentSighting.OccurrenceCount,
		FirstSeenAt:     contentSighting.FirstSeenAt,
	}, nil
}

// PurgeExpired removes records whose window has elapsed. Driven by the
// scheduler's purge sweep and the management purge endpoint.
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	purged, err := s.repo.PurgeExpired(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("dedup purge failed: %w", err)
	}
	metrics.DedupRecordsPurgedTotal.Add(float64(purged))
	return purged, nil
}

func (s *Service) Stats(ctx context.Context, tenantID, messageType string) ([]StatEntry, error) {
	return s.repo.Stats(ctx, tenantID, messageType)
}

func (s *Service) handleStoreError(ctx context.Context, err error, duration time.Duration, msgID string) (Outcome, error) {
	metrics.ObserveDedupCheck(duration, "error")

	if s.storeErrorPolicy(ctx, err) == storeErrorAllow {
		return Outcome{Result: ResultAccepted, OccurrenceCount: 1, FirstSeenAt: time.Now().UTC()}, nil
	}
	return Outcome{}, fmt.Errorf("store error during dedup check for message %s: %w", msgID, err)
}

func (s *Service) storeErrorPolicy(ctx context.Context, err error) storeErrorPolicy {
	if s.cfg.OnStoreError == constants.FallbackAllow {
		metrics.FallbackUsageTotal.WithLabelValues("deduplication", "allow_on_error", "store_error").Inc()
		s.logger.WarnwCtx(ctx, "Store error during dedup check, allowing message (fallback: allow)",
			"error", err,
		)
		return storeErrorAllow
	}

	metrics.FallbackUsageTotal.WithLabelValues("deduplication", "deny_on_error", "store_error").Inc()
	return storeErrorDeny
}

func (s *Service) window() time.Duration {
	hours := s.cfg.WindowHours
	if hours <= 0 {
		hours = constants.DefaultDedupWindowHours
	}
	return time.Duration(hours) * time.Hour
}

// UpdateFieldsToHash swaps the hashed field list at runtime, driven by
// config-update events.
func (s *Service) UpdateFieldsToHash(fields []string) error {
	if len(fields) == 0 {
		return fmt.Errorf("fields list cannot be empty")
	}

	fieldsCopy := make([]string, len(fields))
	copy(fieldsCopy, fields)

	s.fieldsMu.Lock()
	s.fieldsToHash = fieldsCopy
	s.fieldsMu.Unlock()

	s.logger.Infow("Updated fields to hash", "fields", fieldsCopy)
	return nil
}

func (s *Service) GetFieldsToHash() []string {
	s.fieldsMu.RLock()
	defer s.fieldsMu.RUnlock()

	fields := make([]string, len(s.fieldsToHash))
	copy(fields, s.fieldsToHash)
	return fields
}
