package envelope

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	pkgerrors "ibex/pkg/errors"
	"ibex/pkg/models"
)

// Repository is the durable store for envelopes and their append-only
// transition log. Every status change is a conditional update guarded
// by the current status, so concurrent writers lose cleanly instead of
// overwriting each other.
type Repository interface {
	Create(ctx context.Context, env *models.Envelope) error
	GetByID(ctx context.Context, id string) (*models.Envelope, error)
	GetTransitions(ctx context.Context, envelopeID string) ([]models.Transition, error)

	TransitionStatus(ctx context.Context, id string, from, to models.EnvelopeStatus, reason, actor string) error
	SetDestination(ctx context.Context, id, destination string) error
	MarkCompleted(ctx context.Context, id string, from models.EnvelopeStatus, reason, actor string) error
	ScheduleRetry(ctx context.Context, id string, from models.EnvelopeStatus, nextRetryAt time.Time, lastError, actor string) error
	MarkDeadLetter(ctx context.Context, id string, from models.EnvelopeStatus, reason, actor string) error

	ClaimDueRetries(ctx context.Context, now time.Time, limit int) ([]models.Envelope, error)
	RequeueStaleClaims(ctx context.Context, before time.Time) (int, error)
	DeadLetterExhausted(ctx context.Context) (int, error)
	Requeue(ctx context.Context, id, actor string) (*models.Envelope, error)

	ListByStatus(ctx context.Context, status models.EnvelopeStatus, tenantID, messageType string, limit, offset int) ([]models.Envelope, error)
	Delete(ctx context.Context, id string) error
}

type PostgresRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &PostgresRepository{db: db}
}

const envelopeColumns = `id, correlation_id, message_type, tenant_id, routing_key, source_system,
	status, destination, payload, retry_count, max_retries, next_retry_at,
	last_error, version, created_at, updated_at, completed_at`

func (r *PostgresRepository) Create(ctx context.Context, env *models.Envelope) error {
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	now := time.Now().UTC()
	if env.CreatedAt.IsZero() {
		env.CreatedAt = now
	}
	env.UpdatedAt = env.CreatedAt
	if env.Status == "" {
		env.Status = models.StatusCreated
	}
	env.Version = 1

	query := `
		INSERT INTO envelopes (id, correlation_id, message_type, tenant_id, routing_key, source_system,
			status, destination, payload, retry_count, max_retries, next_retry_at,
			last_error, version, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`

	// Row and creation transition commit together: a redelivery after a
	// crash sees either both or neither.
	return r.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query,
			env.ID, nullString(env.CorrelationID), env.Type, env.TenantID,
			nullString(env.RoutingKey), nullString(env.Source),
			env.Status.String(), nullString(env.Destination), payload,
			env.RetryCount, env.MaxRetries, env.NextRetryAt,
			nullString(env.LastError), env.Version, env.CreatedAt, env.UpdatedAt, env.CompletedAt,
		)
		if err != nil {
			if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
				return pkgerrors.ErrConflict.WithCause(err).WithDetail("message", fmt.Sprintf("envelope '%s' already exists", env.ID))
			}
			return fmt.Errorf("failed to create envelope: %w", err)
		}

		return r.appendTransition(ctx, tx, env.ID, "", env.Status, "ingested", "pipeline")
	})
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.Envelope, error) {
	query := `SELECT ` + envelopeColumns + ` FROM envelopes WHERE id = $1`

	env, err := scanEnvelope(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrNotFound.WithDetail("id", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get envelope: %w", err)
	}

	return env, nil
}

func (r *PostgresRepository) GetTransitions(ctx context.Context, envelopeID string) ([]models.Transition, error) {
	query := `
		SELECT id, envelope_id, from_status, to_status, reason, actor, at
		FROM envelope_transitions
		WHERE envelope_id = $1
		ORDER BY id ASC
	`

	rows, err := r.db.QueryContext(ctx, query, envelopeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var transitions []models.Transition
	for rows.Next() {
		var t models.Transition
		var from, reason sql.NullString
		if err := rows.Scan(&t.ID, &t.EnvelopeID, &from, &t.ToStatus, &reason, &t.Actor, &t.At); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		t.FromStatus = models.EnvelopeStatus(from.String)
		t.Reason = reason.String
		transitions = append(transitions, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return transitions, nil
}

// TransitionStatus applies from -> to if the envelope currently has
// status from, appending a transition record in the same transaction.
// A lost race surfaces as ErrConflict.
func (r *PostgresRepository) TransitionStatus(ctx context.Context, id string, from, to models.EnvelopeStatus, reason, actor string) error {
	if !models.ValidTransition(from, to) {
		return pkgerrors.ErrConflict.WithDetail("message", fmt.Sprintf("illegal transition %s -> %s", from, to))
	}

	return r.withTx(ctx, func(tx *sql.Tx) error {
		query := `
			UPDATE envelopes
			SET status = $1, version = version + 1, updated_at = $2
			WHERE id = $3 AND status = $4
		`
		if err := r.execGuarded(ctx, tx, query, to.String(), time.Now().UTC(), id, from.String()); err != nil {
			return err
		}
		return r.appendTransition(ctx, tx, id, from, to, reason, actor)
	})
}

func (r *PostgresRepository) SetDestination(ctx context.Context, id, destination string) error {
	query := `UPDATE envelopes SET destination = $1, version = version + 1, updated_at = $2 WHERE id = $3`

	res, err := r.db.ExecContext(ctx, query, destination, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set destination: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return pkgerrors.ErrNotFound.WithDetail("id", id)
	}
	return nil
}

func (r *PostgresRepository) MarkCompleted(ctx context.Context, id string, from models.EnvelopeStatus, reason, actor string) error {
	if !models.ValidTransition(from, models.StatusCompleted) {
		return pkgerrors.ErrConflict.WithDetail("message", fmt.Sprintf("illegal transition %s -> %s", from, models.StatusCompleted))
	}

	return r.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		query := `
			UPDATE envelopes
			SET status = $1, version = version + 1, updated_at = $2, completed_at = $2, last_error = ''
			WHERE id = $3 AND status = $4
		`
		if err := r.execGuarded(ctx, tx, query, models.StatusCompleted.String(), now, id, from.String()); err != nil {
			return err
		}
		return r.appendTransition(ctx, tx, id, from, models.StatusCompleted, reason, actor)
	})
}

// ScheduleRetry moves a failed attempt into the FAILED-retryable state
// with retry bookkeeping. The retry counter is incremented here and
// only here, keeping retry_count <= max_retries an invariant of the
// store rather than of callers.
func (r *PostgresRepository) ScheduleRetry(ctx context.Context, id string, from models.EnvelopeStatus, nextRetryAt time.Time, lastError, actor string) error {
	if !models.ValidTransition(from, models.StatusFailed) {
		return pkgerrors.ErrConflict.WithDetail("message", fmt.Sprintf("illegal transition %s -> %s", from, models.StatusFailed))
	}

	return r.withTx(ctx, func(tx *sql.Tx) error {
		query := `
			UPDATE envelopes
			SET status = $1, retry_count = retry_count + 1, next_retry_at = $2,
				last_error = $3, version = version + 1, updated_at = $4
			WHERE id = $5 AND status = $6 AND retry_count < max_retries
		`
		if err := r.execGuarded(ctx, tx, query, models.StatusFailed.String(), nextRetryAt.UTC(), truncateError(lastError), time.Now().UTC(), id, from.String()); err != nil {
			return err
		}
		return r.appendTransition(ctx, tx, id, from, models.StatusFailed, truncateError(lastError), actor)
	})
}

func (r *PostgresRepository) MarkDeadLetter(ctx context.Context, id string, from models.EnvelopeStatus, reason, actor string) error {
	if !models.ValidTransition(from, models.StatusDeadLetter) {
		return pkgerrors.ErrConflict.WithDetail("message", fmt.Sprintf("illegal transition %s -> %s", from, models.StatusDeadLetter))
	}

	return r.withTx(ctx, func(tx *sql.Tx) error {
		query := `
			UPDATE envelopes
			SET status = $1, last_error = $2, next_retry_at = NULL, version = version + 1, updated_at = $3
			WHERE id = $4 AND status = $5
		`
		if err := r.execGuarded(ctx, tx, query, models.StatusDeadLetter.String(), truncateError(reason), time.Now().UTC(), id, from.String()); err != nil {
			return err
		}
		return r.appendTransition(ctx, tx, id, from, models.StatusDeadLetter, truncateError(reason), actor)
	})
}

// ClaimDueRetries atomically flips due FAILED envelopes to QUEUED and
// returns them, oldest due first. FOR UPDATE SKIP LOCKED keeps
// concurrent sweeps from claiming the same rows. Exhausted rows are
// not claimable: the failure that spends the last budget unit
// dead-letters the envelope, and DeadLetterExhausted sweeps up any
// left behind by a crash.
func (r *PostgresRepository) ClaimDueRetries(ctx context.Context, now time.Time, limit int) ([]models.Envelope, error) {
	var claimed []models.Envelope

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		selectQuery := `
			SELECT ` + envelopeColumns + `
			FROM envelopes
			WHERE status = $1 AND next_retry_at <= $2 AND retry_count < max_retries
			ORDER BY next_retry_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		`

		rows, err := tx.QueryContext(ctx, selectQuery, models.StatusFailed.String(), now.UTC(), limit)
		if err != nil {
			return fmt.Errorf("failed to select due envelopes: %w", err)
		}

		for rows.Next() {
			env, err := scanEnvelopeRows(rows)
			if err != nil {
				rows.Close()
				return err
			}
			claimed = append(claimed, *env)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("rows iteration error: %w", err)
		}
		rows.Close()

		updatedAt := time.Now().UTC()
		for i := range claimed {
			updateQuery := `
				UPDATE envelopes
				SET status = $1, version = version + 1, updated_at = $2
				WHERE id = $3
			`
			if _, err := tx.ExecContext(ctx, updateQuery, models.StatusQueued.String(), updatedAt, claimed[i].ID); err != nil {
				return fmt.Errorf("failed to claim envelope %s: %w", claimed[i].ID, err)
			}
			if err := r.appendTransition(ctx, tx, claimed[i].ID, models.StatusFailed, models.StatusQueued, "retry claimed", "retry-scheduler"); err != nil {
				return err
			}
			claimed[i].Status = models.StatusQueued
			claimed[i].UpdatedAt = updatedAt
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return claimed, nil
}

// RequeueStaleClaims returns envelopes claimed by a sweep that crashed
// before resubmitting them back to the FAILED pool so the next sweep
// picks them up. A claim is recognizable as QUEUED with a scheduled
// attempt still on the row; freshly ingested envelopes have no
// next_retry_at.
func (r *PostgresRepository) RequeueStaleClaims(ctx context.Context, before time.Time) (int, error) {
	query := `
		UPDATE envelopes
		SET status = $1, version = version + 1, updated_at = $2
		WHERE status = $3 AND next_retry_at IS NOT NULL AND updated_at < $4
	`

	res, err := r.db.ExecContext(ctx, query, models.StatusFailed.String(), time.Now().UTC(), models.StatusQueued.String(), before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale claims: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(rows), nil
}

// DeadLetterExhausted moves FAILED envelopes whose retry budget is
// spent to DEAD_LETTER. The pipeline performs this transition itself
// when a failure consumes the last budget unit; this sweeps up rows a
// crash left between the two writes.
func (r *PostgresRepository) DeadLetterExhausted(ctx context.Context) (int, error) {
	var ids []string

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		query := `
			UPDATE envelopes
			SET status = $1, next_retry_at = NULL, version = version + 1, updated_at = $2
			WHERE status = $3 AND retry_count >= max_retries
			RETURNING id
		`

		rows, err := tx.QueryContext(ctx, query, models.StatusDeadLetter.String(), time.Now().UTC(), models.StatusFailed.String())
		if err != nil {
			return fmt.Errorf("failed to dead-letter exhausted envelopes: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("failed to scan exhausted envelope id: %w", err)
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to read exhausted envelope ids: %w", err)
		}
		rows.Close()

		for _, id := range ids {
			if err := r.appendTransition(ctx, tx, id, models.StatusFailed, models.StatusDeadLetter, "retry budget exhausted", "retry-scheduler"); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return len(ids), nil
}

// Requeue is the manual recovery path out of DEAD_LETTER: counters are
// reset and the envelope goes into the FAILED pool with an immediately
// due attempt, so the next retry sweep claims and resubmits it.
func (r *PostgresRepository) Requeue(ctx context.Context, id, actor string) (*models.Envelope, error) {
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		query := `
			UPDATE envelopes
			SET status = $1, retry_count = 0, next_retry_at = $2, last_error = '',
				version = version + 1, updated_at = $2, completed_at = NULL
			WHERE id = $3 AND status = $4
		`
		if err := r.execGuarded(ctx, tx, query, models.StatusFailed.String(), now, id, models.StatusDeadLetter.String()); err != nil {
			return err
		}
		return r.appendTransition(ctx, tx, id, models.StatusDeadLetter, models.StatusFailed, "manual requeue", actor)
	})
	if err != nil {
		return nil, err
	}

	return r.GetByID(ctx, id)
}

func (r *PostgresRepository) ListByStatus(ctx context.Context, status models.EnvelopeStatus, tenantID, messageType string, limit, offset int) ([]models.Envelope, error) {
	query := `
		SELECT ` + envelopeColumns + `
		FROM envelopes
		WHERE status = $1
			AND ($2 = '' OR tenant_id = $2)
			AND ($3 = '' OR message_type = $3)
		ORDER BY updated_at DESC
		LIMIT $4 OFFSET $5
	`

	rows, err := r.db.QueryContext(ctx, query, status.String(), tenantID, messageType, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list envelopes: %w", err)
	}
	defer rows.Close()

	var envelopes []models.Envelope
	for rows.Next() {
		env, err := scanEnvelopeRows(rows)
		if err != nil {
			return nil, err
		}
		envelopes = append(envelopes, *env)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return envelopes, nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM envelopes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete envelope: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return pkgerrors.ErrNotFound.WithDetail("id", id)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (r *PostgresRepository) appendTransition(ctx context.Context, ex execer, envelopeID string, from, to models.EnvelopeStatus, reason, actor string) error {
	query := `
		INSERT INTO envelope_transitions (envelope_id, from_status, to_status, reason, actor, at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	var fromVal interface{}
	if from != "" {
		fromVal = from.String()
	}

	if _, err := ex.ExecContext(ctx, query, envelopeID, fromVal, to.String(), nullString(reason), actor, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to append transition: %w", err)
	}
	return nil
}

// execGuarded runs a conditional update and maps zero affected rows to
// a conflict: either the envelope is gone or another writer moved it
// first.
func (r *PostgresRepository) execGuarded(ctx context.Context, tx *sql.Tx, query string, args ...interface{}) error {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update envelope: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return pkgerrors.ErrConflict.WithDetail("message", "envelope not in expected state")
	}
	return nil
}

func (r *PostgresRepository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEnvelope(row rowScanner) (*models.Envelope, error) {
	var env models.Envelope
	var correlationID, routingKey, source, destination, lastError sql.NullString
	var payload []byte
	var nextRetryAt, completedAt sql.NullTime
	var status string

	err := row.Scan(
		&env.ID, &correlationID, &env.Type, &env.TenantID, &routingKey, &source,
		&status, &destination, &payload, &env.RetryCount, &env.MaxRetries, &nextRetryAt,
		&lastError, &env.Version, &env.CreatedAt, &env.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	env.CorrelationID = correlationID.String
	env.RoutingKey = routingKey.String
	env.Source = source.String
	env.Destination = destination.String
	env.LastError = lastError.String
	env.Status = models.EnvelopeStatus(status)
	if nextRetryAt.Valid {
		t := nextRetryAt.Time
		env.NextRetryAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		env.CompletedAt = &t
	}

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &env.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}

	return &env, nil
}

func scanEnvelopeRows(rows *sql.Rows) (*models.Envelope, error) {
	env, err := scanEnvelope(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan envelope: %w", err)
	}
	return env, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func truncateError(s string) string {
	const max = 2000
	if len(s) > max {
		return s[:max]
	}
	return s
}
