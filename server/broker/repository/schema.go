package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS profiles (
		id         TEXT PRIMARY KEY,
		first_name TEXT NOT NULL DEFAULT '',
		last_name  TEXT NOT NULL DEFAULT '',
		email      TEXT NOT NULL DEFAULT '',
		role       TEXT NOT NULL DEFAULT 'user' CHECK (role IN ('user', 'admin'))
	)`,
	`CREATE TABLE IF NOT EXISTS chat_sessions (
		id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
		user_id         TEXT NOT NULL,
		admin_id        TEXT,
		status          TEXT NOT NULL CHECK (status IN ('waiting', 'active', 'closed')),
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_message_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS chat_sessions_one_live_per_user
		ON chat_sessions (user_id) WHERE status IN ('waiting', 'active')`,
	`CREATE INDEX IF NOT EXISTS chat_sessions_user_status ON chat_sessions (user_id, status)`,
	`CREATE INDEX IF NOT EXISTS chat_sessions_admin ON chat_sessions (admin_id, last_message_at DESC)`,
	`CREATE TABLE IF NOT EXISTS chat_messages (
		id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
		seq         BIGSERIAL NOT NULL UNIQUE,
		session_id  TEXT NOT NULL REFERENCES chat_sessions (id),
		sender_id   TEXT NOT NULL,
		sender_type TEXT NOT NULL CHECK (sender_type IN ('user', 'admin', 'system')),
		message     TEXT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
		read_at     TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS chat_messages_session_order ON chat_messages (session_id, created_at, seq)`,
	`CREATE TABLE IF NOT EXISTS admin_status (
		admin_id     TEXT PRIMARY KEY,
		status       TEXT NOT NULL CHECK (status IN ('available', 'busy', 'offline')),
		last_seen_at TIMESTAMPTZ NOT NULL,
		updated_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS system_notifications (
		id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
		user_id    TEXT NOT NULL REFERENCES profiles (id) ON DELETE CASCADE,
		admin_id   TEXT NOT NULL,
		title      TEXT NOT NULL,
		message    TEXT NOT NULL,
		type       TEXT NOT NULL CHECK (type IN ('info', 'warning', 'success', 'error')),
		read_at    TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS system_notifications_user_read ON system_notifications (user_id, read_at)`,
}

// Migrate applies the schema. Every statement is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i+1, err)
		}
	}
	return nil
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
