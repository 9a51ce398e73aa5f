package management

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validRuleRequest() CreateRoutingRuleRequest {
	return CreateRoutingRuleRequest{
		Name:         "orders-direct",
		Pattern:      "order.created",
		Strategy:     "DIRECT",
		Destinations: []string{"topic:orders-out"},
	}
}

func TestValidateRoutingRule(t *testing.T) {
	assert.NoError(t, ValidateRoutingRule(validRuleRequest()))
}

func TestValidateRoutingRuleRejections(t *testing.T) {
	future := time.Now().Add(time.Hour)
	past := time.Now().Add(-time.Hour)

	tests := []struct {
		name   string
		mutate func(*CreateRoutingRuleRequest)
	}{
		{"missing name", func(r *CreateRoutingRuleRequest) { r.Name = "" }},
		{"missing pattern", func(r *CreateRoutingRuleRequest) { r.Pattern = "" }},
		{"wildcard in the middle", func(r *CreateRoutingRuleRequest) { r.Pattern = "order.*.created" }},
		{"leading wildcard", func(r *CreateRoutingRuleRequest) { r.Pattern = "*.created" }},
		{"unknown strategy", func(r *CreateRoutingRuleRequest) { r.Strategy = "ROUND_ROBIN" }},
		{"no destinations", func(r *CreateRoutingRuleRequest) { r.Destinations = nil }},
		{"unprefixed destination", func(r *CreateRoutingRuleRequest) { r.Destinations = []string{"orders-out"} }},
		{"empty destination target", func(r *CreateRoutingRuleRequest) { r.Destinations = []string{"topic:"} }},
		{"content-based without expression", func(r *CreateRoutingRuleRequest) { r.Strategy = "CONTENT_BASED" }},
		{"route expression not boolean", func(r *CreateRoutingRuleRequest) {
			r.Strategy = "CONTENT_BASED"
			r.RouteExpression = `payload.amount`
		}},
		{"route expression does not compile", func(r *CreateRoutingRuleRequest) {
			r.Strategy = "CONTENT_BASED"
			r.RouteExpression = `payload.amount >`
		}},
		{"inverted effective window", func(r *CreateRoutingRuleRequest) {
			r.EffectiveFrom = &future
			r.EffectiveTo = &past
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRuleRequest()
			tt.mutate(&req)
			assert.Error(t, ValidateRoutingRule(req))
		})
	}
}

func TestValidateRoutingRuleDynamicNeedsNoDestinations(t *testing.T) {
	req := validRuleRequest()
	req.Strategy = "DYNAMIC"
	req.Destinations = nil
	req.RouteExpression = `"topic:" + tenant_id`

	// Dynamic expressions return destinations, not booleans, so the
	// boolean check must not apply.
	assert.NoError(t, ValidateRoutingRule(req))

	req.RouteExpression = ""
	assert.Error(t, ValidateRoutingRule(req), "dynamic requires an expression")
}

func TestValidateRoutingRuleCatchAllPattern(t *testing.T) {
	req := validRuleRequest()
	req.Pattern = "*"
	assert.NoError(t, ValidateRoutingRule(req))

	req.Pattern = "order.*"
	assert.NoError(t, ValidateRoutingRule(req))
}

func TestValidateUpdateRoutingRule(t *testing.T) {
	good := "order.*"
	assert.NoError(t, ValidateUpdateRoutingRule(UpdateRoutingRuleRequest{Pattern: &good}))

	bad := "or*der"
	assert.Error(t, ValidateUpdateRoutingRule(UpdateRoutingRuleRequest{Pattern: &bad}))

	strategy := "MULTICAST"
	assert.NoError(t, ValidateUpdateRoutingRule(UpdateRoutingRuleRequest{Strategy: &strategy}))

	badStrategy := "BROADCAST"
	assert.Error(t, ValidateUpdateRoutingRule(UpdateRoutingRuleRequest{Strategy: &badStrategy}))

	badExpr := "payload.x >"
	assert.Error(t, ValidateUpdateRoutingRule(UpdateRoutingRuleRequest{RouteExpression: &badExpr}))
}

func validDefinitionRequest() CreateAggregationDefinitionRequest {
	return CreateAggregationDefinitionRequest{
		Key:            "order-batch",
		Strategy:       "COLLECT_ALL",
		CompletionMode: "SIZE",
		ExpectedCount:  3,
		TimeoutSeconds: 300,
	}
}

func TestValidateAggregationDefinition(t *testing.T) {
	assert.NoError(t, ValidateAggregationDefinition(validDefinitionRequest()))
}

func TestValidateAggregationDefinitionRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CreateAggregationDefinitionRequest)
	}{
		{"missing key", func(r *CreateAggregationDefinitionRequest) { r.Key = "" }},
		{"unknown strategy", func(r *CreateAggregationDefinitionRequest) { r.Strategy = "MERGE_LATEST" }},
		{"zero timeout", func(r *CreateAggregationDefinitionRequest) { r.TimeoutSeconds = 0 }},
		{"size without expected count", func(r *CreateAggregationDefinitionRequest) { r.ExpectedCount = 0 }},
		{"unknown completion mode", func(r *CreateAggregationDefinitionRequest) { r.CompletionMode = "MANUAL" }},
		{"condition mode without condition", func(r *CreateAggregationDefinitionRequest) {
			r.CompletionMode = "CONDITION"
			r.CompletionCondition = ""
		}},
		{"condition not boolean", func(r *CreateAggregationDefinitionRequest) {
			r.CompletionMode = "CONDITION"
			r.CompletionCondition = `count`
		}},
		{"batch without size", func(r *CreateAggregationDefinitionRequest) { r.Strategy = "BATCH" }},
		{"time window without window", func(r *CreateAggregationDefinitionRequest) { r.Strategy = "TIME_WINDOW" }},
		{"sliding window without slide", func(r *CreateAggregationDefinitionRequest) {
			r.Strategy = "SLIDING_WINDOW"
			r.WindowSeconds = 60
			r.SlideSeconds = 0
		}},
		{"slide larger than window", func(r *CreateAggregationDefinitionRequest) {
			r.Strategy = "SLIDING_WINDOW"
			r.WindowSeconds = 60
			r.SlideSeconds = 120
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validDefinitionRequest()
			tt.mutate(&req)
			assert.Error(t, ValidateAggregationDefinition(req))
		})
	}
}

func TestValidateAggregationDefinitionCondition(t *testing.T) {
	req := validDefinitionRequest()
	req.CompletionMode = "CONDITION"
	req.ExpectedCount = 0
	req.CompletionCondition = `count >= expected && payload.final == true`
	assert.NoError(t, ValidateAggregationDefinition(req))
}

func TestValidateUpdateAggregationDefinition(t *testing.T) {
	strategy := "BATCH"
	assert.NoError(t, ValidateUpdateAggregationDefinition(UpdateAggregationDefinitionRequest{Strategy: &strategy}))

	badStrategy := "MERGE_LATEST"
	assert.Error(t, ValidateUpdateAggregationDefinition(UpdateAggregationDefinitionRequest{Strategy: &badStrategy}))

	zero := 0
	assert.Error(t, ValidateUpdateAggregationDefinition(UpdateAggregationDefinitionRequest{TimeoutSeconds: &zero}))

	condition := `count > 5`
	assert.NoError(t, ValidateUpdateAggregationDefinition(UpdateAggregationDefinitionRequest{CompletionCondition: &condition}))

	badCondition := `count >`
	assert.Error(t, ValidateUpdateAggregationDefinition(UpdateAggregationDefinitionRequest{CompletionCondition: &badCondition}))
}

func TestValidateDedupFields(t *testing.T) {
	assert.NoError(t, ValidateDedupFields([]string{"tenant_id", "order_id"}))
	assert.Error(t, ValidateDedupFields(nil))
	assert.Error(t, ValidateDedupFields([]string{"tenant_id", ""}))
}
