package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"support_broker/server/broker/domain"
)

const notificationColumns = `id, user_id, admin_id, title, message, type, read_at, created_at, updated_at`

type NotificationRepository struct {
	pool *pgxpool.Pool
}

func NewNotificationRepository(pool *pgxpool.Pool) *NotificationRepository {
	return &NotificationRepository{pool: pool}
}

func scanNotification(row pgx.Row) (domain.SystemNotification, error) {
	var n domain.SystemNotification
	err := row.Scan(&n.ID, &n.UserID, &n.AdminID, &n.Title, &n.Message, &n.Type, &n.ReadAt, &n.CreatedAt, &n.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SystemNotification{}, domain.ErrNotFound
	}
	return n, err
}

func (r *NotificationRepository) CreateNotification(ctx context.Context, n domain.SystemNotification) (domain.SystemNotification, error) {
	created, err := scanNotification(r.pool.QueryRow(ctx, `
		INSERT INTO system_notifications (user_id, admin_id, title, message, type)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+notificationColumns, n.UserID, n.AdminID, n.Title, n.Message, n.Type))
	if isForeignKeyViolation(err) {
		return domain.SystemNotification{}, fmt.Errorf("%w: recipient %s", domain.ErrNotFound, n.UserID)
	}
	return created, err
}

func (r *NotificationRepository) GetNotification(ctx context.Context, id string) (domain.SystemNotification, error) {
	return scanNotification(r.pool.QueryRow(ctx, `SELECT `+notificationColumns+` FROM system_notifications WHERE id = $1`, id))
}

func (r *NotificationRepository) ListNotifications(ctx context.Context, userID string, limit int) ([]domain.SystemNotification, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+notificationColumns+`
		FROM system_notifications
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.SystemNotification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, n)
	}
	return items, rows.Err()
}

// MarkNotificationRead keeps the first read_at when called repeatedly.
func (r *NotificationRepository) MarkNotificationRead(ctx context.Context, id string, at time.Time) (domain.SystemNotification, error) {
	return scanNotification(r.pool.QueryRow(ctx, `
		UPDATE system_notifications
		SET read_at = COALESCE(read_at, $2), updated_at = $2
		WHERE id = $1
		RETURNING `+notificationColumns, id, at))
}

func (r *NotificationRepository) DeleteNotification(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM system_notifications WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkAllInfoRead only touches info notifications created at or before the cutoff.
func (r *NotificationRepository) MarkAllInfoRead(ctx context.Context, userID string, before, at time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE system_notifications
		SET read_at = $3, updated_at = $3
		WHERE user_id = $1 AND type = 'info' AND read_at IS NULL AND created_at <= $2
	`, userID, before, at)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *NotificationRepository) DeleteAllRead(ctx context.Context, userID string, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM system_notifications
		WHERE user_id = $1 AND read_at IS NOT NULL AND read_at <= $2
	`, userID, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *NotificationRepository) CountUnreadNotifications(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `
		SELECT count(*) FROM system_notifications WHERE user_id = $1 AND read_at IS NULL
	`, userID).Scan(&count)
	return count, err
}
