package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"support_broker/server/broker/domain"
)

func broadcastTo(ids ...string) domain.BroadcastInput {
	return domain.BroadcastInput{RecipientIDs: ids, Title: "Maintenance", Message: "Back at noon", Type: domain.NotificationInfo}
}

func TestBroadcastValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.notifications.Broadcast(ctx, alice, broadcastTo(bob.UserID))
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	cases := map[string]domain.BroadcastInput{
		"no recipients": {Title: "t", Message: "m", Type: domain.NotificationInfo},
		"blank ids":     broadcastTo(" ", ""),
		"blank title":   {RecipientIDs: []string{alice.UserID}, Title: "  ", Message: "m", Type: domain.NotificationInfo},
		"bad type":      {RecipientIDs: []string{alice.UserID}, Title: "t", Message: "m", Type: "urgent"},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := env.notifications.Broadcast(ctx, operator, in)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestBroadcastReportsPerRecipientFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	feed := env.notifications.Subscribe(alice)
	defer feed.Close()

	result, err := env.notifications.Broadcast(ctx, operator, broadcastTo(alice.UserID, bob.UserID, alice.UserID, "ghost"))
	require.NoError(t, err)

	require.Len(t, result.Delivered, 2)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "ghost", result.Failed[0].UserID)
	assert.ElementsMatch(t, []string{alice.UserID, bob.UserID}, []string{result.Delivered[0].UserID, result.Delivered[1].UserID})

	assert.Equal(t, []string{domain.EventNotificationCreated, domain.EventNotificationUnread}, drainTypes(feed))

	count, err := env.unread.NotificationUnreadCount(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestBroadcastAllUsersSkipsOperators(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.notifications.Broadcast(ctx, operator, domain.BroadcastInput{AllUsers: true, Title: "t", Message: "m", Type: domain.NotificationWarning})
	require.NoError(t, err)
	assert.Len(t, result.Delivered, 2)
	assert.NotNil(t, result.Failed)
	assert.Empty(t, result.Failed)

	mine, err := env.notifications.List(ctx, operator)
	require.NoError(t, err)
	assert.Empty(t, mine)
}

func TestNotificationReadAndDelete(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	result, err := env.notifications.Broadcast(ctx, operator, broadcastTo(alice.UserID))
	require.NoError(t, err)
	id := result.Delivered[0].ID

	_, err = env.notifications.MarkRead(ctx, bob, id)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	feed := env.notifications.Subscribe(alice)
	defer feed.Close()

	read, err := env.notifications.MarkRead(ctx, alice, id)
	require.NoError(t, err)
	require.NotNil(t, read.ReadAt)
	firstRead := *read.ReadAt

	again, err := env.notifications.MarkRead(ctx, alice, id)
	require.NoError(t, err)
	assert.Equal(t, firstRead, *again.ReadAt)

	require.NoError(t, env.notifications.Delete(ctx, operator, id))
	assert.ErrorIs(t, env.notifications.Delete(ctx, alice, id), domain.ErrNotFound)

	types := drainTypes(feed)
	assert.Equal(t, domain.EventNotificationDeleted, types[len(types)-2])
	last := types[len(types)-1]
	assert.Equal(t, domain.EventNotificationUnread, last)
}

func TestBroadcastRowsAreIndependent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	unreadOf := func(actor domain.Actor) int64 {
		count, err := env.unread.NotificationUnreadCount(ctx, actor)
		require.NoError(t, err)
		return count
	}
	beforeAlice, beforeBob := unreadOf(alice), unreadOf(bob)

	warning := broadcastTo(alice.UserID, bob.UserID)
	warning.Type = domain.NotificationWarning
	result, err := env.notifications.Broadcast(ctx, operator, warning)
	require.NoError(t, err)
	require.Len(t, result.Delivered, 2)
	assert.Equal(t, beforeAlice+1, unreadOf(alice))
	assert.Equal(t, beforeBob+1, unreadOf(bob))

	byUser := map[string]domain.SystemNotification{}
	for _, n := range result.Delivered {
		byUser[n.UserID] = n
	}
	_, err = env.notifications.MarkRead(ctx, alice, byUser[alice.UserID].ID)
	require.NoError(t, err)
	assert.Equal(t, beforeAlice, unreadOf(alice))
	assert.Equal(t, beforeBob+1, unreadOf(bob))

	require.NoError(t, env.notifications.Delete(ctx, alice, byUser[alice.UserID].ID))
	bobs, err := env.notifications.List(ctx, bob)
	require.NoError(t, err)
	require.Len(t, bobs, 1)
	assert.Equal(t, byUser[bob.UserID].ID, bobs[0].ID)
	assert.Nil(t, bobs[0].ReadAt)
}

func TestMarkAllInfoReadHonoursCutoff(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.notifications.Broadcast(ctx, operator, broadcastTo(alice.UserID))
	require.NoError(t, err)
	warning := broadcastTo(alice.UserID)
	warning.Type = domain.NotificationWarning
	_, err = env.notifications.Broadcast(ctx, operator, warning)
	require.NoError(t, err)

	// A call whose clock predates the notifications must not touch them.
	env.notifications.now = func() time.Time { return time.Now().Add(-time.Hour) }
	marked, err := env.notifications.MarkAllInfoRead(ctx, alice)
	require.NoError(t, err)
	assert.Zero(t, marked)

	env.notifications.now = time.Now
	feed := env.notifications.Subscribe(alice)
	defer feed.Close()
	marked, err = env.notifications.MarkAllInfoRead(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(1), marked)

	var unread domain.UnreadCount
	for {
		ev := recvEvent(t, feed)
		if ev.Type == domain.EventNotificationUnread {
			require.NoError(t, json.Unmarshal(ev.Payload, &unread))
			break
		}
	}
	assert.Equal(t, int64(1), unread.Count)

	deleted, err := env.notifications.DeleteAllRead(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	left, err := env.notifications.List(ctx, alice)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, domain.NotificationWarning, left[0].Type)
}

func TestNotificationFeedCarriesOnlyNotificationEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	feed := env.notifications.Subscribe(alice)
	defer feed.Close()

	_, err := env.sessions.StartOperatorInitiatedSession(ctx, operator, alice.UserID)
	require.NoError(t, err)
	assert.Empty(t, drainTypes(feed))

	_, err = env.notifications.Broadcast(ctx, operator, broadcastTo(alice.UserID))
	require.NoError(t, err)
	assert.Equal(t, []string{domain.EventNotificationCreated, domain.EventNotificationUnread}, drainTypes(feed))
}
