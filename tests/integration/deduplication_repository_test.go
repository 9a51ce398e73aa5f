package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ibex/internal/deduplication"
)

func dedupKey(tenantID, messageType, key string) deduplication.RecordKey {
	return deduplication.RecordKey{
		TenantID:    tenantID,
		MessageType: messageType,
		Kind:        deduplication.KeyKindContent,
		Key:         key,
	}
}

func TestDeduplicationRepository_RecordFirstSighting(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	repo := deduplication.NewRepository(infra.PostgresDB)
	ctx := context.Background()

	now := time.Now()
	sighting, err := repo.Record(ctx, dedupKey("tenant-a", "order.created", "hash-1"), now, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), sighting.OccurrenceCount)
	assert.WithinDuration(t, now, sighting.FirstSeenAt, time.Second)
}

func TestDeduplicationRepository_RecordIncrementsLiveKey(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	repo := deduplication.NewRepository(infra.PostgresDB)
	ctx := context.Background()

	key := dedupKey("tenant-a", "order.created", "hash-2")
	now := time.Now()

	first, err := repo.Record(ctx, key, now, now.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), first.OccurrenceCount)

	second, err := repo.Record(ctx, key, now.Add(time.Second), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.OccurrenceCount)
	assert.Equal(t, first.FirstSeenAt, second.FirstSeenAt)
}

func TestDeduplicationRepository_ExpiredKeyBehavesLikeFresh(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	repo := deduplication.NewRepository(infra.PostgresDB)
	ctx := context.Background()

	key := dedupKey("tenant-a", "order.created", "hash-3")
	past := time.Now().Add(-2 * time.Hour)

	_, err := repo.Record(ctx, key, past, past.Add(time.Hour))
	require.NoError(t, err)

	now := time.Now()
	sighting, err := repo.Record(ctx, key, now, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), sighting.OccurrenceCount)
	assert.WithinDuration(t, now, sighting.FirstSeenAt, time.Second)
}

func TestDeduplicationRepository_KindsAreIndependent(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	repo := deduplication.NewRepository(infra.PostgresDB)
	ctx := context.Background()

	now := time.Now()
	content := dedupKey("tenant-a", "order.created", "same-value")
	business := content
	business.Kind = deduplication.KeyKindBusiness

	first, err := repo.Record(ctx, content, now, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.OccurrenceCount)

	second, err := repo.Record(ctx, business, now, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), second.OccurrenceCount)
}

func TestDeduplicationRepository_PurgeExpired(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	repo := deduplication.NewRepository(infra.PostgresDB)
	ctx := context.Background()

	now := time.Now()
	_, err := repo.Record(ctx, dedupKey("tenant-a", "order.created", "expired"), now.Add(-2*time.Hour), now.Add(-time.Hour))
	require.NoError(t, err)
	_, err = repo.Record(ctx, dedupKey("tenant-a", "order.created", "live"), now, now.Add(time.Hour))
	require.NoError(t, err)

	purged, err := repo.PurgeExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	stats, err := repo.Stats(ctx, "tenant-a", "")
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, int64(1), stats[0].Records)
}

func TestDeduplicationRepository_Stats(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	repo := deduplication.NewRepository(infra.PostgresDB)
	ctx := context.Background()

	now := time.Now()
	expires := now.Add(time.Hour)

	_, err := repo.Record(ctx, dedupKey("tenant-a", "order.created", "k1"), now, expires)
	require.NoError(t, err)
	_, err = repo.Record(ctx, dedupKey("tenant-a", "order.created", "k1"), now, expires)
	require.NoError(t, err)
	_, err = repo.Record(ctx, dedupKey("tenant-a", "invoice.created", "k2"), now, expires)
	require.NoError(t, err)
	_, err = repo.Record(ctx, dedupKey("tenant-b", "order.created", "k3"), now, expires)
	require.NoError(t, err)

	all, err := repo.Stats(ctx, "", "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	tenantA, err := repo.Stats(ctx, "tenant-a", "order.created")
	require.NoError(t, err)
	require.Len(t, tenantA, 1)
	assert.Equal(t, int64(1), tenantA[0].Records)
	assert.Equal(t, int64(2), tenantA[0].TotalOccurrences)
}

func TestDeduplicationService_AcceptAgainstPostgres(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	repo := deduplication.NewRepository(infra.PostgresDB)
	svc := deduplication.NewService(repo, createTestDeduplicationConfig(), createTestLogger())
	ctx := context.Background()

	env := createTestEnvelope("dedup-svc-1", "order.created", "tenant-a", map[string]interface{}{"amount": 10})
	check, err := svc.BuildCheck(env)
	require.NoError(t, err)

	outcome, err := svc.Accept(ctx, check)
	require.NoError(t, err)
	assert.False(t, outcome.Duplicate())

	outcome, err = svc.Accept(ctx, check)
	require.NoError(t, err)
	assert.True(t, outcome.Duplicate())
	assert.Equal(t, deduplication.KeyKindContent, outcome.MatchedKind)
	assert.Equal(t, int64(2), outcome.OccurrenceCount)
}
