package deduplication

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ibex/internal/config"
	"ibex/internal/constants"
	"ibex/internal/logger"
	"ibex/pkg/models"
)

type fakeDedupRepo struct {
	sightings map[RecordKey]*Sighting
	failWith  error
}

func newFakeDedupRepo() *fakeDedupRepo {
	return &fakeDedupRepo{sightings: make(map[RecordKey]*Sighting)}
}

func (f *fakeDedupRepo) Record(ctx context.Context, key RecordKey, now, expiresAt time.Time) (*Sighting, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	if s, ok := f.sightings[key]; ok {
		s.OccurrenceCount++
		s.LastSeenAt = now
		return s, nil
	}
	s := &Sighting{OccurrenceCount: 1, FirstSeenAt: now, LastSeenAt: now, ExpiresAt: expiresAt}
	f.sightings[key] = s
	return s, nil
}

func (f *fakeDedupRepo) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	var purged int64
	for key, s := range f.sightings {
		if s.ExpiresAt.Before(before) {
			delete(f.sightings, key)
			purged++
		}
	}
	return purged, nil
}

func (f *fakeDedupRepo) Stats(ctx context.Context, tenantID, messageType string) ([]StatEntry, error) {
	return nil, nil
}

func dedupEnvelope(id string, payload map[string]interface{}) *models.Envelope {
	return &models.Envelope{
		ID:       id,
		Type:     "order.created",
		TenantID: "tenant-a",
		Source:   "crm",
		Payload:  payload,
	}
}

func TestBuildCheckUsesEnvelopeAndPayloadFields(t *testing.T) {
	repo := newFakeDedupRepo()
	svc := NewService(repo, config.DeduplicationConfig{
		FieldsToHash: []string{"tenant_id", "message_type", "order_id"},
	}, logger.NopLogger())

	a, err := svc.BuildCheck(dedupEnvelope("env-1", map[string]interface{}{"order_id": "o-1"}))
	require.NoError(t, err)
	b, err := svc.BuildCheck(dedupEnvelope("env-2", map[string]interface{}{"order_id": "o-1"}))
	require.NoError(t, err)

	// Envelope ids differ but the hashed fields agree.
	assert.Equal(t, a.ContentHash, b.ContentHash)

	c, err := svc.BuildCheck(dedupEnvelope("env-3", map[string]interface{}{"order_id": "o-2"}))
	require.NoError(t, err)
	assert.NotEqual(t, a.ContentHash, c.ContentHash)
}

func TestBuildCheckBusinessKey(t *testing.T) {
	svc := NewService(newFakeDedupRepo(), config.DeduplicationConfig{
		BusinessKeyField: "order_id",
	}, logger.NopLogger())

	check, err := svc.BuildCheck(dedupEnvelope("env-1", map[string]interface{}{"order_id": "o-77"}))
	require.NoError(t, err)
	assert.Equal(t, "o-77", check.BusinessKey)

	check, err = svc.BuildCheck(dedupEnvelope("env-2", nil))
	require.NoError(t, err)
	assert.Empty(t, check.BusinessKey)
}

func TestAcceptFirstSightingThenDuplicate(t *testing.T) {
	repo := newFakeDedupRepo()
	svc := NewService(repo, config.DeduplicationConfig{}, logger.NopLogger())

	check, err := svc.BuildCheck(dedupEnvelope("env-1", nil))
	require.NoError(t, err)

	outcome, err := svc.Accept(context.Background(), check)
	require.NoError(t, err)
	assert.Equal(t, ResultAccepted, outcome.Result)
	assert.False(t, outcome.Duplicate())
	assert.EqualValues(t, 1, outcome.OccurrenceCount)

	outcome, err = svc.Accept(context.Background(), check)
	require.NoError(t, err)
	assert.True(t, outcome.Duplicate())
	assert.Equal(t, KeyKindContent, outcome.MatchedKind)
	assert.EqualValues(t, 2, outcome.OccurrenceCount)
}

func TestAcceptBusinessKeyCollision(t *testing.T) {
	repo := newFakeDedupRepo()
	svc := NewService(repo, config.DeduplicationConfig{
		FieldsToHash:     []string{"id"},
		BusinessKeyField: "order_id",
	}, logger.NopLogger())

	first, err := svc.BuildCheck(dedupEnvelope("env-1", map[string]interface{}{"order_id": "o-1"}))
	require.NoError(t, err)
	outcome, err := svc.Accept(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, ResultAccepted, outcome.Result)

	// Different content, same business key.
	second, err := svc.BuildCheck(dedupEnvelope("env-2", map[string]interface{}{"order_id": "o-1"}))
	require.NoError(t, err)
	require.NotEqual(t, first.ContentHash, second.ContentHash)

	outcome, err = svc.Accept(context.Background(), second)
	require.NoError(t, err)
	assert.True(t, outcome.Duplicate())
	assert.Equal(t, KeyKindBusiness, outcome.MatchedKind)
}

func TestAcceptStoreErrorDeniesByDefault(t *testing.T) {
	repo := newFakeDedupRepo()
	repo.failWith = errors.New("connection refused")
	svc := NewService(repo, config.DeduplicationConfig{}, logger.NopLogger())

	_, err := svc.Accept(context.Background(), Check{MessageID: "env-1", ContentHash: "abc"})
	assert.Error(t, err)
}

func TestAcceptStoreErrorAllowFallback(t *testing.T) {
	repo := newFakeDedupRepo()
	repo.failWith = errors.New("connection refused")
	svc := NewService(repo, config.DeduplicationConfig{
		OnStoreError: constants.FallbackAllow,
	}, logger.NopLogger())

	outcome, err := svc.Accept(context.Background(), Check{MessageID: "env-1", ContentHash: "abc"})
	require.NoError(t, err)
	assert.Equal(t, ResultAccepted, outcome.Result)
}

func TestUpdateFieldsToHash(t *testing.T) {
	svc := NewService(newFakeDedupRepo(), config.DeduplicationConfig{
		FieldsToHash: []string{"id"},
	}, logger.NopLogger())

	require.NoError(t, svc.UpdateFieldsToHash([]string{"tenant_id", "order_id"}))
	assert.Equal(t, []string{"tenant_id", "order_id"}, svc.GetFieldsToHash())

	assert.Error(t, svc.UpdateFieldsToHash(nil))
	assert.Equal(t, []string{"tenant_id", "order_id"}, svc.GetFieldsToHash())
}

func TestDefaultWindowApplied(t *testing.T) {
	svc := NewService(newFakeDedupRepo(), config.DeduplicationConfig{}, logger.NopLogger())

	check, err := svc.BuildCheck(dedupEnvelope("env-1", nil))
	require.NoError(t, err)
	assert.Equal(t, time.Duration(constants.DefaultDedupWindowHours)*time.Hour, check.Window)
}

func TestPurgeExpired(t *testing.T) {
	repo := newFakeDedupRepo()
	svc := NewService(repo, config.DeduplicationConfig{}, logger.NopLogger())

	now := time.Now().UTC()
	repo.sightings[RecordKey{TenantID: "t", Kind: KeyKindContent, Key: "old"}] = &Sighting{ExpiresAt: now.Add(-time.Hour)}
	repo.sightings[RecordKey{TenantID: "t", Kind: KeyKindContent, Key: "live"}] = &Sighting{ExpiresAt: now.Add(time.Hour)}

	purged, err := svc.PurgeExpired(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)
	assert.Len(t, repo.sightings, 1)
}
