package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"support_broker/server/broker/domain"
)

type stubLimiter struct {
	allowed bool
	err     error
	keys    []string
}

func (l *stubLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.keys = append(l.keys, key)
	return l.allowed, l.err
}

type memoryGuard struct {
	mu       sync.Mutex
	claimed  map[string]bool
	released []string
}

func (g *memoryGuard) Claim(_ context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.claimed[key] {
		return false, nil
	}
	g.claimed[key] = true
	return true, nil
}

func (g *memoryGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.claimed, key)
	g.released = append(g.released, key)
	return nil
}

func TestSendValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s, err := env.sessions.GetOrCreateSelfSession(ctx, alice)
	require.NoError(t, err)

	_, err = env.messages.Send(ctx, alice, SendInput{SessionID: s.ID, Text: "   "})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = env.messages.Send(ctx, alice, SendInput{SessionID: s.ID, Text: strings.Repeat("é", maxMessageLength+1)})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = env.messages.Send(ctx, alice, SendInput{SessionID: s.ID, Text: strings.Repeat("é", maxMessageLength)})
	assert.NoError(t, err)

	_, err = env.messages.Send(ctx, bob, SendInput{SessionID: s.ID, Text: "hi"})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = env.messages.Send(ctx, alice, SendInput{SessionID: "missing", Text: "hi"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSendSetsSenderAndOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s, err := env.sessions.GetOrCreateSelfSession(ctx, alice)
	require.NoError(t, err)

	fromUser, err := env.messages.Send(ctx, alice, SendInput{SessionID: s.ID, Text: " hello "})
	require.NoError(t, err)
	assert.Equal(t, domain.SenderUser, fromUser.SenderType)
	assert.Equal(t, "hello", fromUser.Message)

	_, err = env.messages.Send(ctx, operator, SendInput{SessionID: s.ID, Text: "hi there"})
	require.ErrorIs(t, err, domain.ErrConflict)
	_, err = env.sessions.Claim(ctx, operator, s.ID)
	require.NoError(t, err)
	_, err = env.messages.Send(ctx, other, SendInput{SessionID: s.ID, Text: "me too"})
	require.ErrorIs(t, err, domain.ErrConflict)

	fromAdmin, err := env.messages.Send(ctx, operator, SendInput{SessionID: s.ID, Text: "hi there"})
	require.NoError(t, err)
	assert.Equal(t, domain.SenderAdmin, fromAdmin.SenderType)
	assert.Equal(t, operator.UserID, fromAdmin.SenderID)

	history, err := env.messages.History(ctx, operator, s.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i := 1; i < len(history); i++ {
		prev, cur := history[i-1], history[i]
		assert.False(t, cur.CreatedAt.Before(prev.CreatedAt))
		assert.Greater(t, cur.Seq, prev.Seq)
	}
	assert.Equal(t, fromAdmin.ID, history[2].ID)
}

func TestSendToClosedSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s, err := env.sessions.GetOrCreateSelfSession(ctx, alice)
	require.NoError(t, err)
	_, err = env.sessions.Close(ctx, operator, s.ID)
	require.NoError(t, err)

	_, err = env.messages.Send(ctx, alice, SendInput{SessionID: s.ID, Text: "still there?"})
	assert.ErrorIs(t, err, domain.ErrSessionClosed)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	history, err := env.messages.History(ctx, alice, s.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestSubscriberSeesEachMessageOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s, err := env.sessions.GetOrCreateSelfSession(ctx, alice)
	require.NoError(t, err)
	_, err = env.sessions.Claim(ctx, operator, s.ID)
	require.NoError(t, err)

	sub, err := env.messages.Subscribe(ctx, alice, s.ID)
	require.NoError(t, err)
	defer sub.Close()

	_, err = env.messages.Subscribe(ctx, bob, s.ID)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	sent, err := env.messages.Send(ctx, operator, SendInput{SessionID: s.ID, Text: "how can I help?"})
	require.NoError(t, err)

	ev := recvEvent(t, sub)
	assert.Equal(t, domain.EventMessageCreated, ev.Type)
	assert.Contains(t, string(ev.Payload), sent.ID)
	assertNoEvent(t, sub)
	assert.Contains(t, env.events.Keys(), domain.EventMessageCreated)
}

func TestSendRateLimit(t *testing.T) {
	limiter := &stubLimiter{allowed: false}
	env := newTestEnv(t, WithSendLimiter(limiter))
	ctx := context.Background()
	s, err := env.sessions.GetOrCreateSelfSession(ctx, alice)
	require.NoError(t, err)

	_, err = env.messages.Send(ctx, alice, SendInput{SessionID: s.ID, Text: "spam"})
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Equal(t, []string{alice.UserID}, limiter.keys)

	limiter.err = errors.New("redis down")
	_, err = env.messages.Send(ctx, alice, SendInput{SessionID: s.ID, Text: "fails open"})
	assert.NoError(t, err)
}

func TestSendRejectsDuplicateClientMsgID(t *testing.T) {
	guard := &memoryGuard{claimed: map[string]bool{}}
	env := newTestEnv(t, WithIdempotencyGuard(guard))
	ctx := context.Background()
	s, err := env.sessions.GetOrCreateSelfSession(ctx, alice)
	require.NoError(t, err)

	in := SendInput{SessionID: s.ID, Text: "once", ClientMsgID: "c-1"}
	_, err = env.messages.Send(ctx, alice, in)
	require.NoError(t, err)
	_, err = env.messages.Send(ctx, alice, in)
	assert.ErrorIs(t, err, domain.ErrDuplicate)
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = env.messages.Send(ctx, alice, SendInput{SessionID: s.ID, Text: "twice", ClientMsgID: "c-2"})
	assert.NoError(t, err)

	history, err := env.messages.History(ctx, alice, s.ID)
	require.NoError(t, err)
	assert.Len(t, history, 3)
	assert.Empty(t, guard.released)
}
