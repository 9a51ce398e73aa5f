package management

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"ibex/internal/routing"
	pkgerrors "ibex/pkg/errors"
)

type Repository interface {
	CreateRoutingRule(ctx context.Context, rule *routing.Rule) error
	ListRoutingRules(ctx context.Context) ([]routing.Rule, error)
	GetRoutingRule(ctx context.Context, id string) (*routing.Rule, error)
	UpdateRoutingRule(ctx context.Context, rule *routing.Rule) error
	SetRoutingRuleActive(ctx context.Context, id string, active bool) (*routing.Rule, error)
	DeleteRoutingRule(ctx context.Context, id string) error

	ListUnmatched(ctx context.Context, reviewed *bool, limit, offset int) ([]routing.UnmatchedMessage, error)
	MarkUnmatchedReviewed(ctx context.Context, id int64) error
}

type PostgresRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &PostgresRepository{db: db}
}

const routingRuleColumns = `id, name, pattern, strategy, destinations,
	COALESCE(route_expression, ''), COALESCE(transform_expression, ''),
	priority, active, effective_from, effective_to, version, created_at, updated_at`

func (r *PostgresRepository) CreateRoutingRule(ctx context.Context, rule *routing.Rule) error {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	rule.Version = 1

	query := `
		INSERT INTO routing_rules (id, name, pattern, strategy, destinations,
			route_expression, transform_expression, priority, active,
			effective_from, effective_to, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	_, err := r.db.ExecContext(ctx, query,
		rule.ID, rule.Name, rule.Pattern, string(rule.Strategy), pq.Array(rule.Destinations),
		nullString(rule.RouteExpression), nullString(rule.TransformExpression),
		rule.Priority, rule.Active, rule.EffectiveFrom, rule.EffectiveTo,
		rule.Version, rule.CreatedAt, rule.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok {
			if pqErr.Code == "23505" {
				return pkgerrors.ErrConflict.WithCause(err).WithDetail("message", fmt.Sprintf("rule with name '%s' already exists", rule.Name))
			}
		}
		if strings.Contains(err.Error(), "duplicate key") || strings.Contains(err.Error(), "unique constraint") {
			return pkgerrors.ErrConflict.WithCause(err).WithDetail("message", fmt.Sprintf("rule with name '%s' already exists", rule.Name))
		}
		return fmt.Errorf("failed to create rule: %w", err)
	}

	return nil
}

func (r *PostgresRepository) GetRoutingRule(ctx context.Context, id string) (*routing.Rule, error) {
	query := `SELECT ` + routingRuleColumns + ` FROM routing_rules WHERE id = $1`

	rule, err := scanRoutingRule(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule not found: %w", err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}

	return rule, nil
}

func (r *PostgresRepository) ListRoutingRules(ctx context.Context) ([]routing.Rule, error) {
	query := `SELECT ` + routingRuleColumns + `
		FROM routing_rules
		ORDER BY priority DESC, created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rules []routing.Rule
	for rows.Next() {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context cancelled: %w", ctx.Err())
		default:
		}

		rule, err := scanRoutingRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, *rule)
	}

	return rules, rows.Err()
}

// UpdateRoutingRule persists the rule and bumps its version counter so
// routers and the version history can tell revisions apart.
func (r *PostgresRepository) UpdateRoutingRule(ctx context.Context, rule *routing.Rule) error {
	rule.UpdatedAt = time.Now()

	query := `
		UPDATE routing_rules
		SET name = $1, pattern = $2, strategy = $3, destinations = $4,
			route_expression = $5, transform_expression = $6, priority = $7,
			active = $8, effective_from = $9, effective_to = $10,
			version = version + 1, updated_at = $11
		WHERE id = $12
		RETURNING version
	`

	err := r.db.QueryRowContext(ctx, query,
		rule.Name, rule.Pattern, string(rule.Strategy), pq.Array(rule.Destinations),
		nullString(rule.RouteExpression), nullString(rule.TransformExpression),
		rule.Priority, rule.Active, rule.EffectiveFrom, rule.EffectiveTo,
		rule.UpdatedAt, rule.ID,
	).Scan(&rule.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("rule not found")
	}
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}

	return nil
}

func (r *PostgresRepository) SetRoutingRuleActive(ctx context.Context, id string, active bool) (*routing.Rule, error) {
	query := `
		UPDATE routing_rules
		SET active = $1, version = version + 1, updated_at = $2
		WHERE id = $3
		RETURNING ` + routingRuleColumns

	rule, err := scanRoutingRule(r.db.QueryRowContext(ctx, query, active, time.Now(), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to toggle rule: %w", err)
	}

	return rule, nil
}

func (r *PostgresRepository) DeleteRoutingRule(ctx context.Context, id string) error {
	query := `DELETE FROM routing_rules WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("rule not found")
	}

	return nil
}

func (r *PostgresRepository) ListUnmatched(ctx context.Context, reviewed *bool, limit, offset int) ([]routing.UnmatchedMessage, error) {
	query := `
		SELECT id, envelope_id, message_type, tenant_id, payload, received_at, reviewed
		FROM unmatched_messages
	`
	args := []interface{}{}
	if reviewed != nil {
		query += ` WHERE reviewed = $1`
		args = append(args, *reviewed)
	}
	query += fmt.Sprintf(` ORDER BY received_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list unmatched messages: %w", err)
	}
	defer rows.Close()

	var msgs []routing.UnmatchedMessage
	for rows.Next() {
		var msg routing.UnmatchedMessage
		var payload []byte
		if err := rows.Scan(
			&msg.ID, &msg.EnvelopeID, &msg.MessageType, &msg.TenantID,
			&payload, &msg.ReceivedAt, &msg.Reviewed,
		); err != nil {
			return nil, fmt.Errorf("failed to scan unmatched message: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &msg.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
			}
		}
		msgs = append(msgs, msg)
	}

	return msgs, rows.Err()
}

func (r *PostgresRepository) MarkUnmatchedReviewed(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE unmatched_messages SET reviewed = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark unmatched message reviewed: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("unmatched message not found")
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRoutingRule(row rowScanner) (*routing.Rule, error) {
	var rule routing.Rule
	var strategy string
	var destinations pq.StringArray
	var effectiveFrom, effectiveTo sql.NullTime

	if err := row.Scan(
		&rule.ID, &rule.Name, &rule.Pattern, &strategy, &destinations,
		&rule.RouteExpression, &rule.TransformExpression,
		&rule.Priority, &rule.Active, &effectiveFrom, &effectiveTo,
		&rule.Version, &rule.CreatedAt, &rule.UpdatedAt,
	); err != nil {
		return nil, err
	}

	rule.Strategy = routing.Strategy(strategy)
	rule.Destinations = destinations
	if effectiveFrom.Valid {
		rule.EffectiveFrom = &effectiveFrom.Time
	}
	if effectiveTo.Valid {
		rule.EffectiveTo = &effectiveTo.Time
	}

	return &rule, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
