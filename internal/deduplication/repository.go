package deduplication

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type Repository interface {
	// Record registers a sighting of key and returns the stored state.
	// Exactly one concurrent caller observes occurrence count 1 for a
	// fresh key; the rest see the incremented count.
	Record(ctx context.Context, key RecordKey, now, expiresAt time.Time) (*Sighting, error)
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
	Stats(ctx context.Context, tenantID, messageType string) ([]StatEntry, error)
}

type PostgresRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &PostgresRepository{db: db}
}

// Record is a single upsert. The conflict path either increments the
// occurrence count (live record) or resets the record in place when it
// has already expired, so an expired key behaves like a fresh one.
func (r *PostgresRepository) Record(ctx context.Context, key RecordKey, now, expiresAt time.Time) (*Sighting, error) {
	query := `
		INSERT INTO dedup_records (tenant_id, message_type, key_kind, dedup_key,
			first_seen_at, last_seen_at, occurrence_count, expires_at)
		VALUES ($1, $2, $3, $4, $5, $5, 1, $6)
		ON CONFLICT (tenant_id, message_type, key_kind, dedup_key) DO UPDATE SET
			occurrence_count = CASE
				WHEN dedup_records.expires_at <= EXCLUDED.last_seen_at THEN 1
				ELSE dedup_records.occurrence_count + 1
			END,
			first_seen_at = CASE
				WHEN dedup_records.expires_at <= EXCLUDED.last_seen_at THEN EXCLUDED.first_seen_at
				ELSE dedup_records.first_seen_at
			END,
			last_seen_at = EXCLUDED.last_seen_at,
			expires_at = EXCLUDED.expires_at
		RETURNING occurrence_count, first_seen_at, last_seen_at, expires_at
	`

	var s Sighting
	err := r.db.QueryRowContext(ctx, query,
		key.TenantID, key.MessageType, string(key.Kind), key.Key,
		now.UTC(), expiresAt.UTC(),
	).Scan(&s.OccurrenceCount, &s.FirstSeenAt, &s.LastSeenAt, &s.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to record dedup sighting: %w", err)
	}

	return &s, nil
}

func (r *PostgresRepository) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM dedup_records WHERE expires_at <= $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired dedup records: %w", err)
	}
	return res.RowsAffected()
}

func (r *PostgresRepository) Stats(ctx context.Context, tenantID, messageType string) ([]StatEntry, error) {
	query := `
		SELECT tenant_id, message_type, COUNT(*), COALESCE(SUM(occurrence_count), 0)
		FROM dedup_records
		WHERE ($1 = '' OR tenant_id = $1)
			AND ($2 = '' OR message_type = $2)
		GROUP BY tenant_id, message_type
		ORDER BY tenant_id, message_type
	`

	rows, err := r.db.QueryContext(ctx, query, tenantID, messageType)
	if err != nil {
		return nil, fmt.Errorf("failed to query dedup stats: %w", err)
	}
	defer rows.Close()

	var stats []StatEntry
	for rows.Next() {
		var e StatEntry
		if err := rows.Scan(&e.TenantID, &e.MessageType, &e.Records, &e.TotalOccurrences); err != nil {
			return nil, fmt.Errorf("failed to scan dedup stat: %w", err)
		}
		stats = append(stats, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return stats, nil
}
