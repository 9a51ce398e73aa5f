package management

import (
	"time"

	"ibex/internal/routing"
	"ibex/pkg/models"
)

type CreateRoutingRuleRequest struct {
	Name                string     `json:"name" binding:"required"`
	Pattern             string     `json:"pattern" binding:"required"`
	Strategy            string     `json:"strategy" binding:"required"`
	Destinations        []string   `json:"destinations"`
	RouteExpression     string     `json:"route_expression"`
	TransformExpression string     `json:"transform_expression"`
	Priority            int        `json:"priority"`
	Active              *bool      `json:"active"`
	EffectiveFrom       *time.Time `json:"effective_from"`
	EffectiveTo         *time.Time `json:"effective_to"`
}

type UpdateRoutingRuleRequest struct {
	Name                *string    `json:"name"`
	Pattern             *string    `json:"pattern"`
	Strategy            *string    `json:"strategy"`
	Destinations        *[]string  `json:"destinations"`
	RouteExpression     *string    `json:"route_expression"`
	TransformExpression *string    `json:"transform_expression"`
	Priority            *int       `json:"priority"`
	Active              *bool      `json:"active"`
	EffectiveFrom       *time.Time `json:"effective_from"`
	EffectiveTo         *time.Time `json:"effective_to"`
}

type CreateAggregationDefinitionRequest struct {
	Key                  string `json:"key" binding:"required"`
	Description          string `json:"description"`
	Strategy             string `json:"strategy" binding:"required"`
	CompletionMode       string `json:"completion_mode" binding:"required"`
	ExpectedCount        int    `json:"expected_count"`
	CompletionCondition  string `json:"completion_condition"`
	TimeoutSeconds       int    `json:"timeout_seconds" binding:"required"`
	AllowDuplicates      bool   `json:"allow_duplicates"`
	PreserveOrder        bool   `json:"preserve_order"`
	EmitPartialOnTimeout bool   `json:"emit_partial_on_timeout"`
	BatchSize            int    `json:"batch_size"`
	WindowSeconds        int    `json:"window_seconds"`
	SlideSeconds         int    `json:"slide_seconds"`
	Enabled              *bool  `json:"enabled"`
}

type UpdateAggregationDefinitionRequest struct {
	Description          *string `json:"description"`
	Strategy             *string `json:"strategy"`
	CompletionMode       *string `json:"completion_mode"`
	ExpectedCount        *int    `json:"expected_count"`
	CompletionCondition  *string `json:"completion_condition"`
	TimeoutSeconds       *int    `json:"timeout_seconds"`
	AllowDuplicates      *bool   `json:"allow_duplicates"`
	PreserveOrder        *bool   `json:"preserve_order"`
	EmitPartialOnTimeout *bool   `json:"emit_partial_on_timeout"`
	BatchSize            *int    `json:"batch_size"`
	WindowSeconds        *int    `json:"window_seconds"`
	SlideSeconds         *int    `json:"slide_seconds"`
	Enabled              *bool   `json:"enabled"`
}

type UpdateDedupFieldsRequest struct {
	FieldsToHash []string `json:"fields_to_hash" binding:"required"`
}

// DeadLetterDetail is one envelope with its full transition history.
type DeadLetterDetail struct {
	Envelope    *models.Envelope    `json:"envelope"`
	Transitions []models.Transition `json:"transitions"`
}

type ListFilter struct {
	TenantID    string
	MessageType string
	Limit       int
	Offset      int
}

// RoutingRule is the API representation; it aliases the router's rule
// model so both sides agree on field semantics.
type RoutingRule = routing.Rule

type UnmatchedMessage = routing.UnmatchedMessage
