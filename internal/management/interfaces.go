package management

import (
	"context"

	"ibex/internal/aggregation"
	"ibex/internal/deduplication"
	"ibex/internal/routing"
	"ibex/pkg/models"
)

type Service interface {
	CreateRoutingRule(ctx context.Context, req CreateRoutingRuleRequest) (*routing.Rule, error)
	ListRoutingRules(ctx context.Context) ([]routing.Rule, error)
	GetRoutingRule(ctx context.Context, id string) (*routing.Rule, error)
	UpdateRoutingRule(ctx context.Context, id string, req UpdateRoutingRuleRequest) (*routing.Rule, error)
	SetRoutingRuleActive(ctx context.Context, id string, active bool) (*routing.Rule, error)
	DeleteRoutingRule(ctx context.Context, id string) error
	GetRuleVersions(ctx context.Context, ruleID string) ([]RuleVersion, error)
	GetAuditLogs(ctx context.Context, ruleID *string, ruleType string, limit int) ([]AuditLog, error)

	CreateAggregationDefinition(ctx context.Context, req CreateAggregationDefinitionRequest) (*aggregation.Definition, error)
	ListAggregationDefinitions(ctx context.Context) ([]aggregation.Definition, error)
	GetAggregationDefinition(ctx context.Context, key string) (*aggregation.Definition, error)
	UpdateAggregationDefinition(ctx context.Context, key string, req UpdateAggregationDefinitionRequest) (*aggregation.Definition, error)
	DeleteAggregationDefinition(ctx context.Context, key string) error
	CancelAggregationInstance(ctx context.Context, correlationID, key string) (*aggregation.Instance, error)

	ListDeadLetters(ctx context.Context, filter ListFilter) ([]models.Envelope, error)
	GetDeadLetter(ctx context.Context, id string) (*DeadLetterDetail, error)
	RequeueDeadLetter(ctx context.Context, id string) (*models.Envelope, error)
	DeleteDeadLetter(ctx context.Context, id string) error

	ListUnmatched(ctx context.Context, reviewed *bool, limit, offset int) ([]routing.UnmatchedMessage, error)
	MarkUnmatchedReviewed(ctx context.Context, id int64) error

	GetDedupFields(ctx context.Context) ([]string, error)
	UpdateDedupFields(ctx context.Context, req UpdateDedupFieldsRequest) ([]string, error)
	GetDedupStats(ctx context.Context, tenantID, messageType string) ([]deduplication.StatEntry, error)
	PurgeDedupRecords(ctx context.Context) (int64, error)
}

// Aggregator is the slice of the aggregation engine the management
// plane drives. Satisfied by *aggregation.Service.
type Aggregator interface {
	Cancel(ctx context.Context, correlationID, key string) (*aggregation.Instance, error)
}

// DedupAdmin is the admin surface of the idempotency guard. Satisfied
// by *deduplication.Service.
type DedupAdmin interface {
	Stats(ctx context.Context, tenantID, messageType string) ([]deduplication.StatEntry, error)
	PurgeExpired(ctx context.Context) (int64, error)
	UpdateFieldsToHash(fields []string) error
	GetFieldsToHash() []string
}
