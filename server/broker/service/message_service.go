package service

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"support_broker/server/broker/domain"
	commonlog "support_broker/server/common/log"
)

const (
	maxMessageLength        = 4000
	MessageIdempotencyTTL   = 24 * time.Hour
	messageIdempotencyScope = "chat:message:idempotency"
)

type sendLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type idempotencyGuard interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

type SendInput struct {
	SessionID   string
	Text        string
	ClientMsgID string
}

type MessageService struct {
	sessions SessionStore
	messages MessageStore
	hub      *Hub
	events   EventPublisher
	limiter  sendLimiter
	guard    idempotencyGuard
}

type MessageOption func(*MessageService)

// WithSendLimiter caps sends per user. Limiter errors fail open.
func WithSendLimiter(limiter sendLimiter) MessageOption {
	return func(s *MessageService) { s.limiter = limiter }
}

// WithIdempotencyGuard rejects a client_msg_id seen within the guard's TTL.
func WithIdempotencyGuard(guard idempotencyGuard) MessageOption {
	return func(s *MessageService) { s.guard = guard }
}

func NewMessageService(sessions SessionStore, messages MessageStore, hub *Hub, events EventPublisher, opts ...MessageOption) *MessageService {
	if events == nil {
		events = nopPublisher{}
	}
	s := &MessageService{sessions: sessions, messages: messages, hub: hub, events: events}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send appends a message from the actor. Users write only into their own
// session as "user"; operators write as "admin" and only into a session they
// hold, so a waiting session must be claimed before the first reply.
func (s *MessageService) Send(ctx context.Context, actor domain.Actor, in SendInput) (domain.ChatMessage, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return domain.ChatMessage{}, fmt.Errorf("%w: message is required", domain.ErrValidation)
	}
	if utf8.RuneCountInString(text) > maxMessageLength {
		return domain.ChatMessage{}, fmt.Errorf("%w: message exceeds %d characters", domain.ErrValidation, maxMessageLength)
	}

	session, err := s.sessions.GetSession(ctx, in.SessionID)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	if err := authorizeSession(actor, session); err != nil {
		return domain.ChatMessage{}, err
	}
	if session.Status == domain.SessionClosed {
		return domain.ChatMessage{}, domain.ErrSessionClosed
	}
	if actor.IsOperator() && !session.AssignedTo(actor.UserID) {
		return domain.ChatMessage{}, fmt.Errorf("%w: claim the session before replying", domain.ErrConflict)
	}

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(ctx, actor.UserID)
		if err != nil {
			commonlog.Warnf("event=chat_message_send action=rate_limit status=unavailable user_id=%s error=%v", actor.UserID, err)
		} else if !allowed {
			return domain.ChatMessage{}, domain.ErrRateLimited
		}
	}

	idempotencyKey := ""
	clientMsgID := strings.TrimSpace(in.ClientMsgID)
	if clientMsgID != "" && s.guard != nil {
		idempotencyKey = fmt.Sprintf("%s:%s:%s:%s", messageIdempotencyScope, session.ID, actor.UserID, clientMsgID)
		claimed, err := s.guard.Claim(ctx, idempotencyKey)
		if err != nil {
			return domain.ChatMessage{}, fmt.Errorf("claim client_msg_id: %w", err)
		}
		if !claimed {
			return domain.ChatMessage{}, domain.ErrDuplicate
		}
	}

	sender := domain.SenderUser
	if actor.IsOperator() {
		sender = domain.SenderAdmin
	}
	startedAt := time.Now()
	created, err := s.append(ctx, domain.ChatMessage{
		SessionID:  session.ID,
		SenderID:   actor.UserID,
		SenderType: sender,
		Message:    text,
	}, true)
	if err != nil {
		commonlog.Errorf("event=chat_message_persist action=create status=failed session_id=%s user_id=%s latency_ms=%d error=%v", session.ID, actor.UserID, time.Since(startedAt).Milliseconds(), err)
		if idempotencyKey != "" {
			if releaseErr := s.guard.Release(ctx, idempotencyKey); releaseErr != nil {
				commonlog.Warnf("event=chat_message_persist action=release_idempotency status=failed key=%s error=%v", idempotencyKey, releaseErr)
			}
		}
		return domain.ChatMessage{}, err
	}
	commonlog.Infof("event=chat_message_persist action=create status=ok session_id=%s message_id=%s sender_type=%s client_msg_id_present=%t latency_ms=%d", session.ID, created.ID, sender, clientMsgID != "", time.Since(startedAt).Milliseconds())
	return created, nil
}

// PostSystemMessage is reserved for the broker itself and may write into a
// session that has just been closed.
func (s *MessageService) PostSystemMessage(ctx context.Context, sessionID, text string) (domain.ChatMessage, error) {
	return s.append(ctx, domain.ChatMessage{
		SessionID:  sessionID,
		SenderID:   string(domain.SenderSystem),
		SenderType: domain.SenderSystem,
		Message:    text,
	}, false)
}

func (s *MessageService) append(ctx context.Context, msg domain.ChatMessage, requireOpen bool) (domain.ChatMessage, error) {
	created, err := s.messages.AppendMessage(ctx, msg, requireOpen)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	// The session list ordering is advisory; a failed bump must not fail the send.
	if err := s.sessions.TouchLastMessage(ctx, created.SessionID, created.CreatedAt); err != nil {
		commonlog.Warnf("event=chat_session_touch action=last_message_at status=failed session_id=%s error=%v", created.SessionID, err)
	}
	s.hub.Emit(ctx, domain.EventMessageCreated, created, domain.SessionTopic(created.SessionID), domain.OperatorsTopic)
	publishBestEffort(ctx, s.events, domain.EventMessageCreated, created)
	return created, nil
}

func (s *MessageService) History(ctx context.Context, actor domain.Actor, sessionID string) ([]domain.ChatMessage, error) {
	session, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := authorizeSession(actor, session); err != nil {
		return nil, err
	}
	return s.messages.ListMessages(ctx, sessionID)
}

// Subscribe opens a live feed of the session topic. The caller must Close it.
func (s *MessageService) Subscribe(ctx context.Context, actor domain.Actor, sessionID string) (*Subscription, error) {
	session, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := authorizeSession(actor, session); err != nil {
		return nil, err
	}
	return s.hub.Subscribe(domain.SessionTopic(sessionID)), nil
}
