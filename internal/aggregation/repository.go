package aggregation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pkgerrors "ibex/pkg/errors"
)

type Repository interface {
	GetOrCreateInstance(ctx context.Context, correlationID, key string, expected int, timeoutAt time.Time) (*Instance, error)
	GetInstance(ctx context.Context, correlationID, key string) (*Instance, error)
	GetInstanceByID(ctx context.Context, id int64) (*Instance, error)

	// AddMember appends a member with the next sequence number,
	// incrementing the instance count when the member is included.
	// A duplicate envelope id is ErrConflict unless allowDuplicates.
	AddMember(ctx context.Context, instanceID int64, envelopeID string, payload map[string]interface{}, allowDuplicates, included bool) (*Member, *Instance, error)
	GetMembers(ctx context.Context, instanceID int64, includedOnly bool) ([]Member, error)

	// TransitionInstance applies from -> to conditionally, recording
	// the merged payload when one is supplied. A lost race is
	// ErrConflict.
	TransitionInstance(ctx context.Context, instanceID int64, from, to InstanceStatus, merged map[string]interface{}) error

	FindTimedOut(ctx context.Context, now time.Time, limit int) ([]Instance, error)
	CountOpen(ctx context.Context) (int, error)
}

type PostgresRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &PostgresRepository{db: db}
}

const instanceColumns = `id, correlation_id, agg_key, status, expected_count, current_count,
	started_at, timeout_at, completed_at, merged, version`

func (r *PostgresRepository) GetOrCreateInstance(ctx context.Context, correlationID, key string, expected int, timeoutAt time.Time) (*Instance, error) {
	insert := `
		INSERT INTO aggregation_instances (correlation_id, agg_key, status, expected_count, current_count,
			started_at, timeout_at, version)
		VALUES ($1, $2, $3, $4, 0, $5, $6, 1)
		ON CONFLICT (correlation_id, agg_key) DO NOTHING
	`

	now := time.Now().UTC()
	if _, err := r.db.ExecContext(ctx, insert,
		correlationID, key, string(InstanceCollecting), expected, now, timeoutAt.UTC(),
	); err != nil {
		return nil, fmt.Errorf("failed to create aggregation instance: %w", err)
	}

	return r.GetInstance(ctx, correlationID, key)
}

func (r *PostgresRepository) GetInstance(ctx context.Context, correlationID, key string) (*Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM aggregation_instances WHERE correlation_id = $1 AND agg_key = $2`

	inst, err := scanInstance(r.db.QueryRowContext(ctx, query, correlationID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrNotFound.WithDetail("correlation_id", correlationID).WithDetail("key", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get aggregation instance: %w", err)
	}
	return inst, nil
}

func (r *PostgresRepository) GetInstanceByID(ctx context.Context, id int64) (*Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM aggregation_instances WHERE id = $1`

	inst, err := scanInstance(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrNotFound.WithDetail("id", fmt.Sprintf("%d", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get aggregation instance: %w", err)
	}
	return inst, nil
}

func (r *PostgresRepository) AddMember(ctx context.Context, instanceID int64, envelopeID string, payload map[string]interface{}, allowDuplicates, included bool) (*Member, *Instance, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal member payload: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	// Row lock serializes sequence assignment per instance.
	lockQuery := `SELECT ` + instanceColumns + ` FROM aggregation_instances WHERE id = $1 FOR UPDATE`
	inst, err := scanInstance(tx.QueryRowContext(ctx, lockQuery, instanceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, pkgerrors.ErrNotFound.WithDetail("id", fmt.Sprintf("%d", instanceID))
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to lock aggregation instance: %w", err)
	}

	if !allowDuplicates {
		var exists bool
		dupQuery := `SELECT EXISTS (SELECT 1 FROM aggregation_members WHERE instance_id = $1 AND envelope_id = $2)`
		if err := tx.QueryRowContext(ctx, dupQuery, instanceID, envelopeID).Scan(&exists); err != nil {
			return nil, nil, fmt.Errorf("failed to check duplicate member: %w", err)
		}
		if exists {
			return nil, nil, pkgerrors.ErrConflict.WithDetail("message", fmt.Sprintf("envelope '%s' already a member", envelopeID))
		}
	}

	member := &Member{
		InstanceID: instanceID,
		EnvelopeID: envelopeID,
		Payload:    payload,
		Included:   included,
		AddedAt:    time.Now().UTC(),
	}

	insert := `
		INSERT INTO aggregation_members (instance_id, envelope_id, seq, payload, included, added_at)
		VALUES ($1, $2,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM aggregation_members WHERE instance_id = $1),
			$3, $4, $5)
		RETURNING id, seq
	`
	// No unique constraint backs the duplicate check: definitions that
	// allow duplicates insert the same (instance_id, envelope_id) pair
	// repeatedly. The instance row lock is what serializes adds.
	if err := tx.QueryRowContext(ctx, insert,
		instanceID, envelopeID, payloadJSON, included, member.AddedAt,
	).Scan(&member.ID, &member.Seq); err != nil {
		return nil, nil, fmt.Errorf("failed to insert aggregation member: %w", err)
	}

	if included {
		update := `
			UPDATE aggregation_instances
			SET current_count = current_count + 1, version = version + 1
			WHERE id = $1 AND status = $2
		`
		res, err := tx.ExecContext(ctx, update, instanceID, string(InstanceCollecting))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to bump instance count: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return nil, nil, err
		}
		if rows == 0 {
			return nil, nil, pkgerrors.ErrConflict.WithDetail("message", "instance no longer collecting")
		}
		inst.CurrentCount++
		inst.Version++
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return member, inst, nil
}

func (r *PostgresRepository) GetMembers(ctx context.Context, instanceID int64, includedOnly bool) ([]Member, error) {
	query := `
		SELECT id, instance_id, envelope_id, seq, payload, included, added_at
		FROM aggregation_members
		WHERE instance_id = $1 AND ($2 = false OR included = true)
		ORDER BY seq ASC
	`

	rows, err := r.db.QueryContext(ctx, query, instanceID, includedOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to query members: %w", err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var m Member
		var payload []byte
		if err := rows.Scan(&m.ID, &m.InstanceID, &m.EnvelopeID, &m.Seq, &payload, &m.Included, &m.AddedAt); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &m.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal member payload: %w", err)
			}
		}
		members = append(members, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return members, nil
}

func (r *PostgresRepository) TransitionInstance(ctx context.Context, instanceID int64, from, to InstanceStatus, merged map[string]interface{}) error {
	var mergedJSON interface{}
	if merged != nil {
		b, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("failed to marshal merged payload: %w", err)
		}
		mergedJSON = b
	}

	query := `
		UPDATE aggregation_instances
		SET status = $1, merged = COALESCE($2, merged), completed_at = $3, version = version + 1
		WHERE id = $4 AND status = $5
	`

	res, err := r.db.ExecContext(ctx, query, string(to), mergedJSON, time.Now().UTC(), instanceID, string(from))
	if err != nil {
		return fmt.Errorf("failed to transition instance: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return pkgerrors.ErrConflict.WithDetail("message", "instance not in expected state")
	}
	return nil
}

func (r *PostgresRepository) FindTimedOut(ctx context.Context, now time.Time, limit int) ([]Instance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM aggregation_instances
		WHERE status = $1 AND timeout_at <= $2
		ORDER BY timeout_at ASC
		LIMIT $3
	`

	rows, err := r.db.QueryContext(ctx, query, string(InstanceCollecting), now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query timed-out instances: %w", err)
	}
	defer rows.Close()

	var instances []Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		instances = append(instances, *inst)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return instances, nil
}

func (r *PostgresRepository) CountOpen(ctx context.Context) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM aggregation_instances WHERE status = $1`
	if err := r.db.QueryRowContext(ctx, query, string(InstanceCollecting)).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count open instances: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInstance(row rowScanner) (*Instance, error) {
	var inst Instance
	var status string
	var completedAt sql.NullTime
	var merged []byte

	err := row.Scan(
		&inst.ID, &inst.CorrelationID, &inst.Key, &status, &inst.ExpectedCount, &inst.CurrentCount,
		&inst.StartedAt, &inst.TimeoutAt, &completedAt, &merged, &inst.Version,
	)
	if err != nil {
		return nil, err
	}

	inst.Status = InstanceStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		inst.CompletedAt = &t
	}
	if len(merged) > 0 {
		if err := json.Unmarshal(merged, &inst.Merged); err != nil {
			return nil, fmt.Errorf("failed to unmarshal merged payload: %w", err)
		}
	}

	return &inst, nil
}
