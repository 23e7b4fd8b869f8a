package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"support_broker/server/broker/domain"
)

const sessionColumns = `id, user_id, admin_id, status, created_at, updated_at, last_message_at`

// createLiveAttempts bounds the insert/select loop when a concurrent close
// frees the user's live slot between the two statements.
const createLiveAttempts = 5

type SessionRepository struct {
	pool *pgxpool.Pool
}

func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

func scanSession(row pgx.Row) (domain.ChatSession, error) {
	var s domain.ChatSession
	err := row.Scan(&s.ID, &s.UserID, &s.AdminID, &s.Status, &s.CreatedAt, &s.UpdatedAt, &s.LastMessageAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ChatSession{}, domain.ErrNotFound
	}
	return s, err
}

// CreateLiveSession returns the user's live session, inserting one with the
// given status when none exists. The partial unique index arbitrates races.
func (r *SessionRepository) CreateLiveSession(ctx context.Context, userID string, status domain.SessionStatus) (domain.ChatSession, bool, error) {
	for attempt := 0; attempt < createLiveAttempts; attempt++ {
		created, err := scanSession(r.pool.QueryRow(ctx, `
			INSERT INTO chat_sessions (user_id, status)
			VALUES ($1, $2)
			ON CONFLICT (user_id) WHERE status IN ('waiting', 'active') DO NOTHING
			RETURNING `+sessionColumns, userID, status))
		if err == nil {
			return created, true, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.ChatSession{}, false, err
		}
		existing, err := r.GetLiveSessionForUser(ctx, userID)
		if err != nil {
			return domain.ChatSession{}, false, err
		}
		if existing != nil {
			return *existing, false, nil
		}
	}
	return domain.ChatSession{}, false, fmt.Errorf("%w: live session for %s kept changing", domain.ErrConflict, userID)
}

func (r *SessionRepository) GetSession(ctx context.Context, sessionID string) (domain.ChatSession, error) {
	return scanSession(r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM chat_sessions WHERE id = $1`, sessionID))
}

func (r *SessionRepository) GetLiveSessionForUser(ctx context.Context, userID string) (*domain.ChatSession, error) {
	s, err := scanSession(r.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM chat_sessions
		WHERE user_id = $1 AND status IN ('waiting', 'active')
		ORDER BY created_at DESC
		LIMIT 1
	`, userID))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CompareAndSetSession applies the transition only if the row still holds the
// status and admin_id the caller read. ok is false when another writer won.
func (r *SessionRepository) CompareAndSetSession(ctx context.Context, sessionID string, expectStatus domain.SessionStatus, expectAdmin *string, next domain.SessionStatus, nextAdmin *string) (domain.ChatSession, bool, error) {
	s, err := scanSession(r.pool.QueryRow(ctx, `
		UPDATE chat_sessions
		SET status = $4, admin_id = $5, updated_at = now()
		WHERE id = $1 AND status = $2 AND admin_id IS NOT DISTINCT FROM $3
		RETURNING `+sessionColumns, sessionID, expectStatus, expectAdmin, next, nextAdmin))
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ChatSession{}, false, nil
	}
	if err != nil {
		return domain.ChatSession{}, false, err
	}
	return s, true, nil
}

func (r *SessionRepository) TouchLastMessage(ctx context.Context, sessionID string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE chat_sessions
		SET last_message_at = GREATEST(last_message_at, $2), updated_at = now()
		WHERE id = $1
	`, sessionID, at)
	return err
}

// ListLatestLiveSessions returns the most recent live session per user joined
// with the requester profile, newest activity first.
func (r *SessionRepository) ListLatestLiveSessions(ctx context.Context) ([]domain.SessionWithRequester, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, admin_id, status, created_at, updated_at, last_message_at, first_name, last_name, email
		FROM (
			SELECT DISTINCT ON (s.user_id)
				s.id, s.user_id, s.admin_id, s.status, s.created_at, s.updated_at, s.last_message_at,
				COALESCE(p.first_name, '') AS first_name,
				COALESCE(p.last_name, '') AS last_name,
				COALESCE(p.email, '') AS email
			FROM chat_sessions s
			LEFT JOIN profiles p ON p.id = s.user_id
			WHERE s.status IN ('waiting', 'active')
			ORDER BY s.user_id, s.last_message_at DESC
		) latest
		ORDER BY last_message_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.SessionWithRequester, 0)
	for rows.Next() {
		var item domain.SessionWithRequester
		var firstName, lastName string
		if err := rows.Scan(&item.ID, &item.UserID, &item.AdminID, &item.Status, &item.CreatedAt, &item.UpdatedAt, &item.LastMessageAt, &firstName, &lastName, &item.Requester.Email); err != nil {
			return nil, err
		}
		item.Requester.Name = strings.TrimSpace(firstName + " " + lastName)
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *SessionRepository) ListSessionsByAdmin(ctx context.Context, adminID string, limit int) ([]domain.ChatSession, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM chat_sessions
		WHERE admin_id = $1
		ORDER BY last_message_at DESC
		LIMIT $2
	`, adminID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.ChatSession, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}
