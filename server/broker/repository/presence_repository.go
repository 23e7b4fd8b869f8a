package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"support_broker/server/broker/domain"
)

const presenceColumns = `admin_id, status, last_seen_at, updated_at`

type PresenceRepository struct {
	pool *pgxpool.Pool
}

func NewPresenceRepository(pool *pgxpool.Pool) *PresenceRepository {
	return &PresenceRepository{pool: pool}
}

func scanPresence(row pgx.Row) (domain.AdminStatus, error) {
	var s domain.AdminStatus
	err := row.Scan(&s.AdminID, &s.Status, &s.LastSeenAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.AdminStatus{}, domain.ErrNotFound
	}
	return s, err
}

func (r *PresenceRepository) GetOrCreatePresence(ctx context.Context, adminID string, at time.Time) (domain.AdminStatus, error) {
	if _, err := r.pool.Exec(ctx, `
		INSERT INTO admin_status (admin_id, status, last_seen_at, updated_at)
		VALUES ($1, 'available', $2, $2)
		ON CONFLICT (admin_id) DO NOTHING
	`, adminID, at); err != nil {
		return domain.AdminStatus{}, err
	}
	return scanPresence(r.pool.QueryRow(ctx, `SELECT `+presenceColumns+` FROM admin_status WHERE admin_id = $1`, adminID))
}

// CompareAndSetPresence also counts as a sign of life and bumps last_seen_at.
func (r *PresenceRepository) CompareAndSetPresence(ctx context.Context, adminID string, expect, next domain.PresenceStatus, at time.Time) (domain.AdminStatus, bool, error) {
	s, err := scanPresence(r.pool.QueryRow(ctx, `
		UPDATE admin_status
		SET status = $3, last_seen_at = $4, updated_at = $4
		WHERE admin_id = $1 AND status = $2
		RETURNING `+presenceColumns, adminID, expect, next, at))
	if errors.Is(err, domain.ErrNotFound) {
		return domain.AdminStatus{}, false, nil
	}
	if err != nil {
		return domain.AdminStatus{}, false, err
	}
	return s, true, nil
}

// TouchPresence records a heartbeat. An offline operator comes back as
// available; prev is the status before the heartbeat, empty for a new row.
func (r *PresenceRepository) TouchPresence(ctx context.Context, adminID string, at time.Time) (domain.AdminStatus, domain.PresenceStatus, error) {
	var s domain.AdminStatus
	var prev domain.PresenceStatus
	err := r.pool.QueryRow(ctx, `
		WITH prev AS (
			SELECT status FROM admin_status WHERE admin_id = $1
		)
		INSERT INTO admin_status (admin_id, status, last_seen_at, updated_at)
		VALUES ($1, 'available', $2, $2)
		ON CONFLICT (admin_id) DO UPDATE SET
			last_seen_at = EXCLUDED.last_seen_at,
			status = CASE WHEN admin_status.status = 'offline' THEN 'available' ELSE admin_status.status END,
			updated_at = CASE WHEN admin_status.status = 'offline' THEN EXCLUDED.updated_at ELSE admin_status.updated_at END
		RETURNING admin_id, status, last_seen_at, updated_at, COALESCE((SELECT status FROM prev), '')
	`, adminID, at).Scan(&s.AdminID, &s.Status, &s.LastSeenAt, &s.UpdatedAt, &prev)
	return s, prev, err
}

func (r *PresenceRepository) MarkStaleOffline(ctx context.Context, before, at time.Time) ([]domain.AdminStatus, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE admin_status
		SET status = 'offline', updated_at = $2
		WHERE status <> 'offline' AND last_seen_at < $1
		RETURNING `+presenceColumns, before, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPresence(rows)
}

func (r *PresenceRepository) ListPresence(ctx context.Context) ([]domain.AdminStatus, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+presenceColumns+` FROM admin_status ORDER BY admin_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPresence(rows)
}

func collectPresence(rows pgx.Rows) ([]domain.AdminStatus, error) {
	items := make([]domain.AdminStatus, 0)
	for rows.Next() {
		s, err := scanPresence(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}
