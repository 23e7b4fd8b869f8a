package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"support_broker/server/broker/domain"
)

const messageColumns = `id, seq, session_id, sender_id, sender_type, message, created_at, read_at`

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

func scanMessage(row pgx.Row) (domain.ChatMessage, error) {
	var m domain.ChatMessage
	err := row.Scan(&m.ID, &m.Seq, &m.SessionID, &m.SenderID, &m.SenderType, &m.Message, &m.CreatedAt, &m.ReadAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ChatMessage{}, domain.ErrNotFound
	}
	return m, err
}

// AppendMessage inserts in one statement so the closed check and the insert
// see the same session row. created_at never moves backwards within a session.
func (r *MessageRepository) AppendMessage(ctx context.Context, msg domain.ChatMessage, requireOpen bool) (domain.ChatMessage, error) {
	created, err := scanMessage(r.pool.QueryRow(ctx, `
		INSERT INTO chat_messages (session_id, sender_id, sender_type, message, created_at)
		SELECT s.id, $2, $3, $4, GREATEST(
			clock_timestamp(),
			(SELECT max(m.created_at) FROM chat_messages m WHERE m.session_id = s.id)
		)
		FROM chat_sessions s
		WHERE s.id = $1 AND (NOT $5::boolean OR s.status <> 'closed')
		RETURNING `+messageColumns, msg.SessionID, msg.SenderID, msg.SenderType, msg.Message, requireOpen))
	if !errors.Is(err, domain.ErrNotFound) {
		return created, err
	}

	var status domain.SessionStatus
	err = r.pool.QueryRow(ctx, `SELECT status FROM chat_sessions WHERE id = $1`, msg.SessionID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ChatMessage{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.ChatMessage{}, err
	}
	return domain.ChatMessage{}, domain.ErrSessionClosed
}

func (r *MessageRepository) GetMessage(ctx context.Context, sessionID, messageID string) (domain.ChatMessage, error) {
	return scanMessage(r.pool.QueryRow(ctx, `
		SELECT `+messageColumns+` FROM chat_messages WHERE session_id = $1 AND id = $2
	`, sessionID, messageID))
}

func (r *MessageRepository) ListMessages(ctx context.Context, sessionID string) ([]domain.ChatMessage, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM chat_messages
		WHERE session_id = $1
		ORDER BY created_at ASC, seq ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.ChatMessage, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

// CountUnreadMessages counts unread messages not written by the viewer's side.
func (r *MessageRepository) CountUnreadMessages(ctx context.Context, sessionID string, viewer domain.SenderType) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `
		SELECT count(*)
		FROM chat_messages
		WHERE session_id = $1 AND sender_type <> $2 AND read_at IS NULL
	`, sessionID, viewer).Scan(&count)
	return count, err
}

func (r *MessageRepository) CountUnreadBySession(ctx context.Context, sessionIDs []string, viewer domain.SenderType) (map[string]int64, error) {
	counts := make(map[string]int64, len(sessionIDs))
	if len(sessionIDs) == 0 {
		return counts, nil
	}
	rows, err := r.pool.Query(ctx, `
		SELECT session_id, count(*)
		FROM chat_messages
		WHERE session_id = ANY($1) AND sender_type <> $2 AND read_at IS NULL
		GROUP BY session_id
	`, sessionIDs, viewer)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var sessionID string
		var count int64
		if err := rows.Scan(&sessionID, &count); err != nil {
			return nil, err
		}
		counts[sessionID] = count
	}
	return counts, rows.Err()
}

// MarkMessagesRead stamps read_at on the counterpart's messages ordered at or
// before upTo. A nil upTo covers everything visible when the statement runs.
func (r *MessageRepository) MarkMessagesRead(ctx context.Context, sessionID string, viewer domain.SenderType, upTo *domain.ChatMessage, at time.Time) (int64, error) {
	var cutoffAt *time.Time
	var cutoffSeq int64
	if upTo != nil {
		cutoffAt = &upTo.CreatedAt
		cutoffSeq = upTo.Seq
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE chat_messages
		SET read_at = $5
		WHERE session_id = $1
		  AND sender_type <> $2
		  AND read_at IS NULL
		  AND ($3::timestamptz IS NULL OR (created_at, seq) <= ($3::timestamptz, $4::bigint))
	`, sessionID, viewer, cutoffAt, cutoffSeq, at)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
