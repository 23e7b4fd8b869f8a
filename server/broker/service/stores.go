package service

import (
	"context"
	"time"

	"support_broker/server/broker/domain"
)

// Stores bundles the persistence backends the services run on. The
// Postgres repositories and the in-memory store both satisfy it.
type Stores struct {
	Sessions      SessionStore
	Messages      MessageStore
	Presence      PresenceStore
	Notifications NotificationStore
	Profiles      ProfileDirectory
}

type SessionStore interface {
	CreateLiveSession(ctx context.Context, userID string, status domain.SessionStatus) (domain.ChatSession, bool, error)
	GetSession(ctx context.Context, sessionID string) (domain.ChatSession, error)
	GetLiveSessionForUser(ctx context.Context, userID string) (*domain.ChatSession, error)
	CompareAndSetSession(ctx context.Context, sessionID string, expectStatus domain.SessionStatus, expectAdmin *string, next domain.SessionStatus, nextAdmin *string) (domain.ChatSession, bool, error)
	TouchLastMessage(ctx context.Context, sessionID string, at time.Time) error
	ListLatestLiveSessions(ctx context.Context) ([]domain.SessionWithRequester, error)
	ListSessionsByAdmin(ctx context.Context, adminID string, limit int) ([]domain.ChatSession, error)
}

type MessageStore interface {
	AppendMessage(ctx context.Context, msg domain.ChatMessage, requireOpen bool) (domain.ChatMessage, error)
	GetMessage(ctx context.Context, sessionID, messageID string) (domain.ChatMessage, error)
	ListMessages(ctx context.Context, sessionID string) ([]domain.ChatMessage, error)
	CountUnreadMessages(ctx context.Context, sessionID string, viewer domain.SenderType) (int64, error)
	CountUnreadBySession(ctx context.Context, sessionIDs []string, viewer domain.SenderType) (map[string]int64, error)
	MarkMessagesRead(ctx context.Context, sessionID string, viewer domain.SenderType, upTo *domain.ChatMessage, at time.Time) (int64, error)
}

type PresenceStore interface {
	GetOrCreatePresence(ctx context.Context, adminID string, at time.Time) (domain.AdminStatus, error)
	CompareAndSetPresence(ctx context.Context, adminID string, expect, next domain.PresenceStatus, at time.Time) (domain.AdminStatus, bool, error)
	TouchPresence(ctx context.Context, adminID string, at time.Time) (domain.AdminStatus, domain.PresenceStatus, error)
	MarkStaleOffline(ctx context.Context, before, at time.Time) ([]domain.AdminStatus, error)
	ListPresence(ctx context.Context) ([]domain.AdminStatus, error)
}

type NotificationStore interface {
	CreateNotification(ctx context.Context, n domain.SystemNotification) (domain.SystemNotification, error)
	GetNotification(ctx context.Context, id string) (domain.SystemNotification, error)
	ListNotifications(ctx context.Context, userID string, limit int) ([]domain.SystemNotification, error)
	MarkNotificationRead(ctx context.Context, id string, at time.Time) (domain.SystemNotification, error)
	DeleteNotification(ctx context.Context, id string) error
	MarkAllInfoRead(ctx context.Context, userID string, before, at time.Time) (int64, error)
	DeleteAllRead(ctx context.Context, userID string, before time.Time) (int64, error)
	CountUnreadNotifications(ctx context.Context, userID string) (int64, error)
}

type ProfileDirectory interface {
	GetProfile(ctx context.Context, id string) (domain.Profile, error)
	ListUserIDs(ctx context.Context) ([]string, error)
}
