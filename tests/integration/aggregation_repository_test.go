package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ibex/internal/aggregation"
	pkgerrors "ibex/pkg/errors"
)

func TestAggregationRepository_GetOrCreateInstance(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	repo := aggregation.NewRepository(infra.PostgresDB)
	ctx := context.Background()

	timeout := time.Now().Add(5 * time.Minute)
	first, err := repo.GetOrCreateInstance(ctx, "corr-1", "order-batch", 3, timeout)
	require.NoError(t, err)
	assert.Equal(t, aggregation.InstanceCollecting, first.Status)
	assert.Equal(t, 3, first.ExpectedCount)
	assert.Equal(t, 0, first.CurrentCount)

	second, err := repo.GetOrCreateInstance(ctx, "corr-1", "order-batch", 3, timeout)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	other, err := repo.GetOrCreateInstance(ctx, "corr-2", "order-batch", 3, timeout)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestAggregationRepository_AddMember(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	repo := aggregation.NewRepository(infra.PostgresDB)
	ctx := context.Background()

	inst, err := repo.GetOrCreateInstance(ctx, "corr-add", "order-batch", 3, time.Now().Add(time.Minute))
	require.NoError(t, err)

	member, updated, err := repo.AddMember(ctx, inst.ID, "env-m1", map[string]interface{}{"seq": "a"}, false, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), member.Seq)
	assert.True(t, member.Included)
	assert.Equal(t, 1, updated.CurrentCount)

	member, updated, err = repo.AddMember(ctx, inst.ID, "env-m2", map[string]interface{}{"seq": "b"}, false, true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), member.Seq)
	assert.Equal(t, 2, updated.CurrentCount)

	// Same envelope again is a conflict when duplicates are not allowed.
	_, _, err = repo.AddMember(ctx, inst.ID, "env-m1", nil, false, true)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsConflict(err))

	// With duplicates allowed the member is recorded with the next seq.
	member, updated, err = repo.AddMember(ctx, inst.ID, "env-m1", nil, true, true)
	require.NoError(t, err)
	assert.Equal(t, int64(3), member.Seq)
	assert.Equal(t, 3, updated.CurrentCount)
}

func TestAggregationRepository_AddMemberExcludedDoesNotCount(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	repo := aggregation.NewRepository(infra.PostgresDB)
	ctx := context.Background()

	inst, err := repo.GetOrCreateInstance(ctx, "corr-late", "order-batch", 3, time.Now().Add(time.Minute))
	require.NoError(t, err)

	member, updated, err := repo.AddMember(ctx, inst.ID, "env-late", nil, false, false)
	require.NoError(t, err)
	assert.False(t, member.Included)
	assert.Equal(t, 0, updated.CurrentCount)

	included, err := repo.GetMembers(ctx, inst.ID, true)
	require.NoError(t, err)
	assert.Empty(t, included)

	all, err := repo.GetMembers(ctx, inst.ID, false)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestAggregationRepository_TransitionInstance(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	repo := aggregation.NewRepository(infra.PostgresDB)
	ctx := context.Background()

	inst, err := repo.GetOrCreateInstance(ctx, "corr-close", "order-batch", 1, time.Now().Add(time.Minute))
	require.NoError(t, err)

	merged := map[string]interface{}{"count": 1}
	require.NoError(t, repo.TransitionInstance(ctx, inst.ID, aggregation.InstanceCollecting, aggregation.InstanceComplete, merged))

	got, err := repo.GetInstanceByID(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, aggregation.InstanceComplete, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, float64(1), got.Merged["count"])

	// The instance already left COLLECTING, so a second close loses.
	err = repo.TransitionInstance(ctx, inst.ID, aggregation.InstanceCollecting, aggregation.InstanceTimeout, nil)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsConflict(err))
}

func TestAggregationRepository_FindTimedOut(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	repo := aggregation.NewRepository(infra.PostgresDB)
	ctx := context.Background()

	overdue, err := repo.GetOrCreateInstance(ctx, "corr-overdue", "order-batch", 3, time.Now().Add(-time.Minute))
	require.NoError(t, err)

	_, err = repo.GetOrCreateInstance(ctx, "corr-fresh", "order-batch", 3, time.Now().Add(time.Hour))
	require.NoError(t, err)

	closed, err := repo.GetOrCreateInstance(ctx, "corr-closed", "order-batch", 3, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.NoError(t, repo.TransitionInstance(ctx, closed.ID, aggregation.InstanceCollecting, aggregation.InstanceCancelled, nil))

	timedOut, err := repo.FindTimedOut(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, timedOut, 1)
	assert.Equal(t, overdue.ID, timedOut[0].ID)

	open, err := repo.CountOpen(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, open)
}

func TestDefinitionRepository_CRUD(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, false, true, false)

	repo := aggregation.NewDefinitionRepository(infra.MongoDB)
	ctx := context.Background()

	def := &aggregation.Definition{
		Key:            "order-batch",
		Description:    "collect order lines",
		Strategy:       aggregation.StrategyCollectAll,
		CompletionMode: aggregation.CompletionSize,
		ExpectedCount:  3,
		TimeoutSeconds: 300,
		Enabled:        true,
	}
	require.NoError(t, repo.Create(ctx, def))
	assert.NotEmpty(t, def.ID)

	got, err := repo.GetByKey(ctx, "order-batch")
	require.NoError(t, err)
	assert.Equal(t, def.Description, got.Description)
	assert.Equal(t, aggregation.StrategyCollectAll, got.Strategy)
	assert.Equal(t, 3, got.ExpectedCount)

	got.Description = "updated"
	got.ExpectedCount = 5
	require.NoError(t, repo.Update(ctx, got))

	updated, err := repo.GetByKey(ctx, "order-batch")
	require.NoError(t, err)
	assert.Equal(t, "updated", updated.Description)
	assert.Equal(t, 5, updated.ExpectedCount)

	require.NoError(t, repo.Delete(ctx, got.ID))

	_, err = repo.GetByKey(ctx, "order-batch")
	require.Error(t, err)
	assert.True(t, pkgerrors.IsNotFound(err))
}

func TestDefinitionRepository_KeyIsUnique(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, false, true, false)

	repo := aggregation.NewDefinitionRepository(infra.MongoDB)
	ctx := context.Background()

	def := &aggregation.Definition{
		Key:            "unique-key",
		Strategy:       aggregation.StrategyCollectAll,
		CompletionMode: aggregation.CompletionSize,
		ExpectedCount:  2,
		TimeoutSeconds: 60,
		Enabled:        true,
	}
	require.NoError(t, repo.Create(ctx, def))

	dup := &aggregation.Definition{
		Key:            "unique-key",
		Strategy:       aggregation.StrategyBatch,
		CompletionMode: aggregation.CompletionSize,
		ExpectedCount:  2,
		BatchSize:      2,
		TimeoutSeconds: 60,
		Enabled:        true,
	}
	require.Error(t, repo.Create(ctx, dup))
}

func TestDefinitionRepository_ListEnabledOnly(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, false, true, false)

	repo := aggregation.NewDefinitionRepository(infra.MongoDB)
	ctx := context.Background()

	enabled := &aggregation.Definition{
		Key:            "enabled-def",
		Strategy:       aggregation.StrategyCollectAll,
		CompletionMode: aggregation.CompletionSize,
		ExpectedCount:  2,
		TimeoutSeconds: 60,
		Enabled:        true,
	}
	require.NoError(t, repo.Create(ctx, enabled))

	disabled := &aggregation.Definition{
		Key:            "disabled-def",
		Strategy:       aggregation.StrategyCollectAll,
		CompletionMode: aggregation.CompletionSize,
		ExpectedCount:  2,
		TimeoutSeconds: 60,
		Enabled:        false,
	}
	require.NoError(t, repo.Create(ctx, disabled))

	all, err := repo.List(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := repo.List(ctx, true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "enabled-def", active[0].Key)
}
