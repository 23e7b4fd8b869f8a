package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"support_broker/server/broker/domain"
	"support_broker/server/broker/repository"
)

var (
	alice    = domain.Actor{UserID: "user-alice", Role: domain.RoleUser}
	bob      = domain.Actor{UserID: "user-bob", Role: domain.RoleUser}
	operator = domain.Actor{UserID: "admin-1", Role: domain.RoleAdmin}
	other    = domain.Actor{UserID: "admin-2", Role: domain.RoleAdmin}
)

type recordingPublisher struct {
	mu   sync.Mutex
	keys []string
}

func (p *recordingPublisher) Publish(_ context.Context, key string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	return nil
}

func (p *recordingPublisher) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys...)
}

type recordingArchiver struct {
	mu       sync.Mutex
	sessions []domain.ChatSession
	messages [][]domain.ChatMessage
}

func (a *recordingArchiver) Archive(_ context.Context, session domain.ChatSession, messages []domain.ChatMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions = append(a.sessions, session)
	a.messages = append(a.messages, messages)
	return nil
}

type testEnv struct {
	store         *repository.MemoryStore
	hub           *Hub
	events        *recordingPublisher
	archiver      *recordingArchiver
	messages      *MessageService
	sessions      *SessionService
	unread        *UnreadService
	notifications *NotificationService
}

func newTestEnv(t *testing.T, opts ...MessageOption) *testEnv {
	t.Helper()
	store := repository.NewMemoryStore()
	for _, p := range []domain.Profile{
		{ID: alice.UserID, FirstName: "Alice", LastName: "Doe", Email: "alice@example.com"},
		{ID: bob.UserID, Email: "bob@example.com"},
		{ID: operator.UserID, FirstName: "Olga", Role: domain.RoleAdmin},
	} {
		require.NoError(t, store.UpsertProfile(context.Background(), p))
	}

	env := &testEnv{
		store:    store,
		hub:      NewHub(64),
		events:   &recordingPublisher{},
		archiver: &recordingArchiver{},
	}
	env.messages = NewMessageService(store, store, env.hub, env.events, opts...)
	env.sessions = NewSessionService(store, store, env.messages, env.hub, env.events, env.archiver)
	env.unread = NewUnreadService(store, store, store, env.hub)
	env.notifications = NewNotificationService(store, store, env.unread, env.hub, env.events, 4)
	return env
}

// drainTypes collects event types currently buffered on sub.
func drainTypes(sub *Subscription) []string {
	var types []string
	for {
		select {
		case ev := <-sub.C():
			types = append(types, ev.Type)
		case <-time.After(50 * time.Millisecond):
			return types
		}
	}
}
