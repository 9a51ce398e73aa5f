package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ibex/internal/management"
	"ibex/internal/routing"
)

func TestRoutingRepository_GetActiveRules(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	mgmt := management.NewRepository(infra.PostgresDB)
	repo := routing.NewRepository(infra.PostgresDB)
	ctx := context.Background()

	low := createTestRule("low-priority", "order.*", 1, "topic:orders-low")
	require.NoError(t, mgmt.CreateRoutingRule(ctx, low))
	time.Sleep(timestampDelay)

	high := createTestRule("high-priority", "order.created", 10, "topic:orders-high")
	require.NoError(t, mgmt.CreateRoutingRule(ctx, high))
	time.Sleep(timestampDelay)

	inactive := createTestRule("disabled", "order.*", 100, "topic:orders-disabled")
	inactive.Active = false
	require.NoError(t, mgmt.CreateRoutingRule(ctx, inactive))

	rules, err := repo.GetActiveRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "high-priority", rules[0].Name)
	assert.Equal(t, "low-priority", rules[1].Name)
	assert.Equal(t, []string{"topic:orders-high"}, rules[0].Destinations)
}

func TestRoutingRepository_RecordDecision(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	repo := routing.NewRepository(infra.PostgresDB)
	ctx := context.Background()

	err := repo.RecordDecision(ctx, &routing.RouteDecision{
		EnvelopeID:   "env-1",
		RuleID:       "rule-1",
		RuleVersion:  3,
		Pattern:      "order.*",
		Strategy:     "DIRECT",
		Destinations: []string{"topic:orders-out"},
		Matched:      true,
		Duration:     150 * time.Microsecond,
		DecidedAt:    time.Now(),
	})
	require.NoError(t, err)

	// Unmatched decisions carry no rule id.
	err = repo.RecordDecision(ctx, &routing.RouteDecision{
		EnvelopeID: "env-2",
		Matched:    false,
		DecidedAt:  time.Now(),
	})
	require.NoError(t, err)
}

func TestRoutingRepository_UnmatchedLifecycle(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	repo := routing.NewRepository(infra.PostgresDB)
	mgmt := management.NewRepository(infra.PostgresDB)
	ctx := context.Background()

	err := repo.StoreUnmatched(ctx, &routing.UnmatchedMessage{
		EnvelopeID:  "env-unmatched",
		MessageType: "mystery.event",
		TenantID:    "tenant-a",
		Payload:     map[string]interface{}{"reason": "no rule"},
		ReceivedAt:  time.Now(),
	})
	require.NoError(t, err)

	pending := false
	list, err := mgmt.ListUnmatched(ctx, &pending, 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "env-unmatched", list[0].EnvelopeID)
	assert.Equal(t, "mystery.event", list[0].MessageType)
	assert.False(t, list[0].Reviewed)

	require.NoError(t, mgmt.MarkUnmatchedReviewed(ctx, list[0].ID))

	list, err = mgmt.ListUnmatched(ctx, &pending, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, list)

	reviewed := true
	list, err = mgmt.ListUnmatched(ctx, &reviewed, 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Reviewed)
}

func TestRoutingService_RouteAgainstPostgres(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	mgmt := management.NewRepository(infra.PostgresDB)
	ctx := context.Background()

	rule := createTestRule("orders", "order.*", 5, "topic:orders-out")
	require.NoError(t, mgmt.CreateRoutingRule(ctx, rule))

	svc, err := routing.NewService(routing.NewRepository(infra.PostgresDB), createTestRoutingConfig(), createTestLogger())
	require.NoError(t, err)
	require.NoError(t, svc.ReloadRulesNow(ctx))

	env := createTestEnvelope("route-env-1", "order.created", "tenant-a", map[string]interface{}{"amount": 7})
	decision, err := svc.Route(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, []string{"topic:orders-out"}, decision.Destinations)
	assert.Equal(t, rule.ID, decision.RuleID)
}
