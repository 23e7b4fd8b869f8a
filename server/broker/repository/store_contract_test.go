package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"support_broker/server/broker/domain"
)

type contractStore interface {
	CreateLiveSession(ctx context.Context, userID string, status domain.SessionStatus) (domain.ChatSession, bool, error)
	GetSession(ctx context.Context, sessionID string) (domain.ChatSession, error)
	GetLiveSessionForUser(ctx context.Context, userID string) (*domain.ChatSession, error)
	CompareAndSetSession(ctx context.Context, sessionID string, expectStatus domain.SessionStatus, expectAdmin *string, next domain.SessionStatus, nextAdmin *string) (domain.ChatSession, bool, error)
	ListSessionsByAdmin(ctx context.Context, adminID string, limit int) ([]domain.ChatSession, error)
	TouchLastMessage(ctx context.Context, sessionID string, at time.Time) error
	ListLatestLiveSessions(ctx context.Context) ([]domain.SessionWithRequester, error)

	AppendMessage(ctx context.Context, msg domain.ChatMessage, requireOpen bool) (domain.ChatMessage, error)
	ListMessages(ctx context.Context, sessionID string) ([]domain.ChatMessage, error)
	CountUnreadMessages(ctx context.Context, sessionID string, viewer domain.SenderType) (int64, error)
	CountUnreadBySession(ctx context.Context, sessionIDs []string, viewer domain.SenderType) (map[string]int64, error)
	MarkMessagesRead(ctx context.Context, sessionID string, viewer domain.SenderType, upTo *domain.ChatMessage, at time.Time) (int64, error)

	GetOrCreatePresence(ctx context.Context, adminID string, at time.Time) (domain.AdminStatus, error)
	CompareAndSetPresence(ctx context.Context, adminID string, expect, next domain.PresenceStatus, at time.Time) (domain.AdminStatus, bool, error)
	TouchPresence(ctx context.Context, adminID string, at time.Time) (domain.AdminStatus, domain.PresenceStatus, error)
	MarkStaleOffline(ctx context.Context, before, at time.Time) ([]domain.AdminStatus, error)

	CreateNotification(ctx context.Context, n domain.SystemNotification) (domain.SystemNotification, error)
	MarkNotificationRead(ctx context.Context, id string, at time.Time) (domain.SystemNotification, error)
	DeleteNotification(ctx context.Context, id string) error
	MarkAllInfoRead(ctx context.Context, userID string, before, at time.Time) (int64, error)
	DeleteAllRead(ctx context.Context, userID string, before time.Time) (int64, error)
	CountUnreadNotifications(ctx context.Context, userID string) (int64, error)

	UpsertProfile(ctx context.Context, p domain.Profile) error
	ListUserIDs(ctx context.Context) ([]string, error)
}

func presenceIDs(items []domain.AdminStatus) []string {
	ids := make([]string, 0, len(items))
	for _, s := range items {
		ids = append(ids, s.AdminID)
	}
	return ids
}

func runStoreContract(t *testing.T, store contractStore) {
	t.Run("one live session per user", func(t *testing.T) {
		ctx := context.Background()
		userID := uuid.NewString()

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			ids     = map[string]int{}
			created int
		)
		for i := 0; i < 12; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s, isNew, err := store.CreateLiveSession(ctx, userID, domain.SessionActive)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				ids[s.ID]++
				if isNew {
					created++
				}
				mu.Unlock()
			}()
		}
		wg.Wait()
		assert.Len(t, ids, 1)
		assert.Equal(t, 1, created)

		live, err := store.GetLiveSessionForUser(ctx, userID)
		require.NoError(t, err)
		require.NotNil(t, live)

		none, err := store.GetLiveSessionForUser(ctx, uuid.NewString())
		require.NoError(t, err)
		assert.Nil(t, none)

		_, err = store.GetSession(ctx, uuid.NewString())
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("compare and set session", func(t *testing.T) {
		ctx := context.Background()
		userID := uuid.NewString()
		adminID := uuid.NewString()
		s, _, err := store.CreateLiveSession(ctx, userID, domain.SessionWaiting)
		require.NoError(t, err)

		_, ok, err := store.CompareAndSetSession(ctx, s.ID, domain.SessionWaiting, &adminID, domain.SessionActive, &adminID)
		require.NoError(t, err)
		assert.False(t, ok)

		claimed, ok, err := store.CompareAndSetSession(ctx, s.ID, domain.SessionWaiting, nil, domain.SessionActive, &adminID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, claimed.AssignedTo(adminID))

		_, ok, err = store.CompareAndSetSession(ctx, s.ID, domain.SessionWaiting, nil, domain.SessionActive, &adminID)
		require.NoError(t, err)
		assert.False(t, ok)

		assigned, err := store.ListSessionsByAdmin(ctx, adminID, 10)
		require.NoError(t, err)
		require.Len(t, assigned, 1)

		_, ok, err = store.CompareAndSetSession(ctx, s.ID, domain.SessionActive, &adminID, domain.SessionClosed, &adminID)
		require.NoError(t, err)
		require.True(t, ok)

		next, isNew, err := store.CreateLiveSession(ctx, userID, domain.SessionActive)
		require.NoError(t, err)
		assert.True(t, isNew)
		assert.NotEqual(t, s.ID, next.ID)
	})

	t.Run("append and order messages", func(t *testing.T) {
		ctx := context.Background()
		s, _, err := store.CreateLiveSession(ctx, uuid.NewString(), domain.SessionActive)
		require.NoError(t, err)

		for i, sender := range []domain.SenderType{domain.SenderSystem, domain.SenderUser, domain.SenderAdmin, domain.SenderUser} {
			_, err := store.AppendMessage(ctx, domain.ChatMessage{SessionID: s.ID, SenderID: "x", SenderType: sender, Message: string(rune('a' + i))}, true)
			require.NoError(t, err)
		}
		history, err := store.ListMessages(ctx, s.ID)
		require.NoError(t, err)
		require.Len(t, history, 4)
		for i := 1; i < len(history); i++ {
			assert.False(t, history[i].CreatedAt.Before(history[i-1].CreatedAt))
			assert.Greater(t, history[i].Seq, history[i-1].Seq)
		}
		assert.Equal(t, "a", history[0].Message)
		assert.Equal(t, "d", history[3].Message)

		_, err = store.AppendMessage(ctx, domain.ChatMessage{SessionID: uuid.NewString(), SenderID: "x", SenderType: domain.SenderUser, Message: "lost"}, true)
		assert.ErrorIs(t, err, domain.ErrNotFound)

		_, ok, err := store.CompareAndSetSession(ctx, s.ID, domain.SessionActive, nil, domain.SessionClosed, nil)
		require.NoError(t, err)
		require.True(t, ok)
		_, err = store.AppendMessage(ctx, domain.ChatMessage{SessionID: s.ID, SenderID: "x", SenderType: domain.SenderUser, Message: "late"}, true)
		assert.ErrorIs(t, err, domain.ErrSessionClosed)
		_, err = store.AppendMessage(ctx, domain.ChatMessage{SessionID: s.ID, SenderID: "system", SenderType: domain.SenderSystem, Message: "bye"}, false)
		assert.NoError(t, err)
	})

	t.Run("unread accounting", func(t *testing.T) {
		ctx := context.Background()
		s, _, err := store.CreateLiveSession(ctx, uuid.NewString(), domain.SessionActive)
		require.NoError(t, err)
		empty, _, err := store.CreateLiveSession(ctx, uuid.NewString(), domain.SessionActive)
		require.NoError(t, err)

		var fromUser []domain.ChatMessage
		for i := 0; i < 3; i++ {
			m, err := store.AppendMessage(ctx, domain.ChatMessage{SessionID: s.ID, SenderID: "u", SenderType: domain.SenderUser, Message: "q"}, true)
			require.NoError(t, err)
			fromUser = append(fromUser, m)
		}
		_, err = store.AppendMessage(ctx, domain.ChatMessage{SessionID: s.ID, SenderID: "a", SenderType: domain.SenderAdmin, Message: "r"}, true)
		require.NoError(t, err)

		forAdmin, err := store.CountUnreadMessages(ctx, s.ID, domain.SenderAdmin)
		require.NoError(t, err)
		assert.Equal(t, int64(3), forAdmin)
		forUser, err := store.CountUnreadMessages(ctx, s.ID, domain.SenderUser)
		require.NoError(t, err)
		assert.Equal(t, int64(1), forUser)

		counts, err := store.CountUnreadBySession(ctx, []string{s.ID, empty.ID}, domain.SenderAdmin)
		require.NoError(t, err)
		assert.Equal(t, int64(3), counts[s.ID])
		assert.Zero(t, counts[empty.ID])

		at := time.Now().UTC()
		marked, err := store.MarkMessagesRead(ctx, s.ID, domain.SenderAdmin, &fromUser[1], at)
		require.NoError(t, err)
		assert.Equal(t, int64(2), marked)

		marked, err = store.MarkMessagesRead(ctx, s.ID, domain.SenderAdmin, nil, at)
		require.NoError(t, err)
		assert.Equal(t, int64(1), marked)

		forAdmin, err = store.CountUnreadMessages(ctx, s.ID, domain.SenderAdmin)
		require.NoError(t, err)
		assert.Zero(t, forAdmin)
	})

	t.Run("presence", func(t *testing.T) {
		ctx := context.Background()
		base := time.Now().UTC().Truncate(time.Second)
		fresh, stale := uuid.NewString(), uuid.NewString()

		_, prev, err := store.TouchPresence(ctx, stale, base)
		require.NoError(t, err)
		assert.Equal(t, domain.PresenceStatus(""), prev)

		s, err := store.GetOrCreatePresence(ctx, fresh, base)
		require.NoError(t, err)
		assert.Equal(t, domain.PresenceAvailable, s.Status)

		_, ok, err := store.CompareAndSetPresence(ctx, fresh, domain.PresenceBusy, domain.PresenceAvailable, base)
		require.NoError(t, err)
		assert.False(t, ok)
		busy, ok, err := store.CompareAndSetPresence(ctx, fresh, domain.PresenceAvailable, domain.PresenceBusy, base)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, domain.PresenceBusy, busy.Status)

		_, _, err = store.TouchPresence(ctx, fresh, base.Add(2*time.Minute))
		require.NoError(t, err)

		offline, err := store.MarkStaleOffline(ctx, base.Add(time.Minute), base.Add(2*time.Minute))
		require.NoError(t, err)
		var ids []string
		for _, o := range offline {
			ids = append(ids, o.AdminID)
			assert.Equal(t, domain.PresenceOffline, o.Status)
		}
		assert.Contains(t, ids, stale)
		assert.NotContains(t, ids, fresh)

		revived, prev, err := store.TouchPresence(ctx, stale, base.Add(3*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, domain.PresenceOffline, prev)
		assert.Equal(t, domain.PresenceAvailable, revived.Status)

		kept, prev, err := store.TouchPresence(ctx, fresh, base.Add(3*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, domain.PresenceBusy, prev)
		assert.Equal(t, domain.PresenceBusy, kept.Status)
	})

	t.Run("presence toggle counts as activity", func(t *testing.T) {
		ctx := context.Background()
		base := time.Now().UTC().Truncate(time.Second)
		adminID := uuid.NewString()

		_, err := store.GetOrCreatePresence(ctx, adminID, base)
		require.NoError(t, err)
		offline, err := store.MarkStaleOffline(ctx, base.Add(time.Minute), base.Add(2*time.Minute))
		require.NoError(t, err)
		require.Contains(t, presenceIDs(offline), adminID)

		back, ok, err := store.CompareAndSetPresence(ctx, adminID, domain.PresenceOffline, domain.PresenceAvailable, base.Add(2*time.Minute))
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, base.Add(2*time.Minute).Equal(back.LastSeenAt))

		offline, err = store.MarkStaleOffline(ctx, base.Add(time.Minute), base.Add(2*time.Minute))
		require.NoError(t, err)
		assert.NotContains(t, presenceIDs(offline), adminID)
	})

	t.Run("latest live session per user", func(t *testing.T) {
		ctx := context.Background()
		base := time.Now().UTC().Add(time.Hour).Truncate(time.Millisecond)
		ann, ben := uuid.NewString(), uuid.NewString()
		require.NoError(t, store.UpsertProfile(ctx, domain.Profile{ID: ann, FirstName: "Ann", LastName: "Lee", Email: "ann@example.com"}))
		require.NoError(t, store.UpsertProfile(ctx, domain.Profile{ID: ben, Email: "ben@example.com"}))

		old, _, err := store.CreateLiveSession(ctx, ann, domain.SessionActive)
		require.NoError(t, err)
		_, ok, err := store.CompareAndSetSession(ctx, old.ID, domain.SessionActive, nil, domain.SessionClosed, nil)
		require.NoError(t, err)
		require.True(t, ok)
		annLive, _, err := store.CreateLiveSession(ctx, ann, domain.SessionActive)
		require.NoError(t, err)
		benLive, _, err := store.CreateLiveSession(ctx, ben, domain.SessionWaiting)
		require.NoError(t, err)

		require.NoError(t, store.TouchLastMessage(ctx, old.ID, base.Add(3*time.Hour)))
		require.NoError(t, store.TouchLastMessage(ctx, annLive.ID, base.Add(2*time.Hour)))
		require.NoError(t, store.TouchLastMessage(ctx, benLive.ID, base.Add(time.Hour)))
		// Activity never moves backwards.
		require.NoError(t, store.TouchLastMessage(ctx, benLive.ID, base))

		items, err := store.ListLatestLiveSessions(ctx)
		require.NoError(t, err)
		var mine []domain.SessionWithRequester
		for _, item := range items {
			if item.UserID == ann || item.UserID == ben {
				mine = append(mine, item)
			}
		}
		require.Len(t, mine, 2)
		assert.Equal(t, annLive.ID, mine[0].ID)
		assert.Equal(t, "Ann Lee", mine[0].Requester.Name)
		assert.Equal(t, "ann@example.com", mine[0].Requester.Email)
		assert.Equal(t, benLive.ID, mine[1].ID)
		assert.Empty(t, mine[1].Requester.Name)
		assert.Equal(t, "ben@example.com", mine[1].Requester.Email)
		assert.True(t, base.Add(time.Hour).Equal(mine[1].LastMessageAt))
	})

	t.Run("notifications", func(t *testing.T) {
		ctx := context.Background()
		userID := uuid.NewString()
		adminID := uuid.NewString()
		require.NoError(t, store.UpsertProfile(ctx, domain.Profile{ID: userID, Role: domain.RoleUser}))
		require.NoError(t, store.UpsertProfile(ctx, domain.Profile{ID: adminID, Role: domain.RoleAdmin}))

		ids, err := store.ListUserIDs(ctx)
		require.NoError(t, err)
		assert.Contains(t, ids, userID)
		assert.NotContains(t, ids, adminID)

		_, err = store.CreateNotification(ctx, domain.SystemNotification{UserID: uuid.NewString(), AdminID: adminID, Title: "t", Message: "m", Type: domain.NotificationInfo})
		assert.ErrorIs(t, err, domain.ErrNotFound)

		newNotification := func(kind domain.NotificationType) domain.SystemNotification {
			n, err := store.CreateNotification(ctx, domain.SystemNotification{UserID: userID, AdminID: adminID, Title: "t", Message: "m", Type: kind})
			require.NoError(t, err)
			return n
		}
		info := newNotification(domain.NotificationInfo)
		newNotification(domain.NotificationInfo)
		warning := newNotification(domain.NotificationWarning)

		count, err := store.CountUnreadNotifications(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, int64(3), count)

		first := time.Now().UTC().Truncate(time.Millisecond)
		read, err := store.MarkNotificationRead(ctx, warning.ID, first)
		require.NoError(t, err)
		read, err = store.MarkNotificationRead(ctx, warning.ID, first.Add(time.Hour))
		require.NoError(t, err)
		require.NotNil(t, read.ReadAt)
		assert.True(t, first.Equal(*read.ReadAt))

		marked, err := store.MarkAllInfoRead(ctx, userID, time.Now().Add(-time.Hour), time.Now())
		require.NoError(t, err)
		assert.Zero(t, marked)
		marked, err = store.MarkAllInfoRead(ctx, userID, time.Now().Add(time.Minute), time.Now())
		require.NoError(t, err)
		assert.Equal(t, int64(2), marked)

		count, err = store.CountUnreadNotifications(ctx, userID)
		require.NoError(t, err)
		assert.Zero(t, count)

		require.NoError(t, store.DeleteNotification(ctx, info.ID))
		assert.ErrorIs(t, store.DeleteNotification(ctx, info.ID), domain.ErrNotFound)

		deleted, err := store.DeleteAllRead(ctx, userID, time.Now().Add(2*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(2), deleted)
	})
}
