package routing

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
)

type Repository interface {
	GetActiveRules(ctx context.Context) ([]Rule, error)
	RecordDecision(ctx context.Context, decision *RouteDecision) error
	StoreUnmatched(ctx context.Context, msg *UnmatchedMessage) error
}

type PostgresRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) GetActiveRules(ctx context.Context) ([]Rule, error) {
	query := `
		SELECT id, name, pattern, strategy, destinations,
			COALESCE(route_expression, ''), COALESCE(transform_expression, ''),
			priority, active, effective_from, effective_to, version, created_at, updated_at
		FROM routing_rules
		WHERE active = true
		ORDER BY priority DESC, created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		var rule Rule
		var destinations pq.StringArray
		var strategy string
		var effectiveFrom, effectiveTo sql.NullTime
		if err := rows.Scan(
			&rule.ID,
			&rule.Name,
			&rule.Pattern,
			&strategy,
			&destinations,
			&rule.RouteExpression,
			&rule.TransformExpression,
			&rule.Priority,
			&rule.Active,
			&effectiveFrom,
			&effectiveTo,
			&rule.Version,
			&rule.CreatedAt,
			&rule.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rule.Strategy = Strategy(strategy)
		rule.Destinations = destinations
		if effectiveFrom.Valid {
			t := effectiveFrom.Time
			rule.EffectiveFrom = &t
		}
		if effectiveTo.Valid {
			t := effectiveTo.Time
			rule.EffectiveTo = &t
		}
		rules = append(rules, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return rules, nil
}

func (r *PostgresRepository) RecordDecision(ctx context.Context, decision *RouteDecision) error {
	query := `
		INSERT INTO route_decisions (envelope_id, rule_id, rule_version, pattern, strategy,
			destinations, matched, evaluation_micros, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	var ruleID interface{}
	if decision.RuleID != "" {
		ruleID = decision.RuleID
	}

	_, err := r.db.ExecContext(ctx, query,
		decision.EnvelopeID, ruleID, decision.RuleVersion, decision.Pattern, decision.Strategy,
		pq.StringArray(decision.Destinations), decision.Matched,
		decision.Duration.Microseconds(), decision.DecidedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record route decision: %w", err)
	}
	return nil
}

func (r *PostgresRepository) StoreUnmatched(ctx context.Context, msg *UnmatchedMessage) error {
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal unmatched payload: %w", err)
	}

	query := `
		INSERT INTO unmatched_messages (envelope_id, message_type, tenant_id, payload, received_at, reviewed)
		VALUES ($1, $2, $3, $4, $5, false)
	`

	if _, err := r.db.ExecContext(ctx, query,
		msg.EnvelopeID, msg.MessageType, msg.TenantID, payload, msg.ReceivedAt.UTC(),
	); err != nil {
		return fmt.Errorf("failed to store unmatched message: %w", err)
	}
	return nil
}
