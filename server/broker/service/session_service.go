package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"support_broker/server/broker/domain"
	commonlog "support_broker/server/common/log"
)

const (
	transitionAttempts  = 5
	archiveTimeout      = 15 * time.Second
	assignedListLimit   = 200
	welcomeMessage      = "Welcome! An operator will be with you shortly."
	operatorOpenMessage = "An operator started this conversation."
	closedMessage       = "This conversation has ended. Start a new chat if you need more help."
)

type SessionService struct {
	sessions SessionStore
	messages MessageStore
	chat     *MessageService
	hub      *Hub
	events   EventPublisher
	archiver TranscriptArchiver
}

func NewSessionService(sessions SessionStore, messages MessageStore, chat *MessageService, hub *Hub, events EventPublisher, archiver TranscriptArchiver) *SessionService {
	if events == nil {
		events = nopPublisher{}
	}
	return &SessionService{sessions: sessions, messages: messages, chat: chat, hub: hub, events: events, archiver: archiver}
}

// GetOrCreateSelfSession returns the caller's live session or opens one in
// "active" with no operator assigned. Concurrent calls converge on one row.
func (s *SessionService) GetOrCreateSelfSession(ctx context.Context, actor domain.Actor) (domain.ChatSession, error) {
	session, created, err := s.sessions.CreateLiveSession(ctx, actor.UserID, domain.SessionActive)
	if err != nil {
		return domain.ChatSession{}, err
	}
	if created {
		commonlog.Infof("event=chat_session action=create status=ok origin=user session_id=%s user_id=%s", session.ID, session.UserID)
		s.announceCreated(ctx, session, welcomeMessage)
	}
	return session, nil
}

// StartOperatorInitiatedSession reuses the user's live session when there is
// one, otherwise opens a "waiting" session for an operator to claim.
func (s *SessionService) StartOperatorInitiatedSession(ctx context.Context, actor domain.Actor, userID string) (domain.ChatSession, error) {
	if err := requireOperator(actor); err != nil {
		return domain.ChatSession{}, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.ChatSession{}, fmt.Errorf("%w: user_id is required", domain.ErrValidation)
	}
	session, created, err := s.sessions.CreateLiveSession(ctx, userID, domain.SessionWaiting)
	if err != nil {
		return domain.ChatSession{}, err
	}
	if created {
		commonlog.Infof("event=chat_session action=create status=ok origin=operator session_id=%s user_id=%s admin_id=%s", session.ID, userID, actor.UserID)
		s.announceCreated(ctx, session, operatorOpenMessage)
	}
	return session, nil
}

func (s *SessionService) announceCreated(ctx context.Context, session domain.ChatSession, greeting string) {
	s.hub.Emit(ctx, domain.EventSessionCreated, session, domain.UserTopic(session.UserID), domain.OperatorsTopic)
	publishBestEffort(ctx, s.events, domain.EventSessionCreated, session)
	if _, err := s.chat.PostSystemMessage(ctx, session.ID, greeting); err != nil {
		commonlog.Warnf("event=chat_session action=greet status=failed session_id=%s error=%v", session.ID, err)
	}
}

// Claim assigns the session to the calling operator. Re-claiming one's own
// session succeeds without a write; a session owned by someone else needs
// Transfer.
func (s *SessionService) Claim(ctx context.Context, actor domain.Actor, sessionID string) (domain.ChatSession, error) {
	if err := requireOperator(actor); err != nil {
		return domain.ChatSession{}, err
	}
	session, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return domain.ChatSession{}, err
	}
	switch {
	case session.Status == domain.SessionClosed:
		return domain.ChatSession{}, fmt.Errorf("%w: session is closed", domain.ErrInvalidTransition)
	case session.AssignedTo(actor.UserID):
		return session, nil
	case session.AdminID != nil:
		return domain.ChatSession{}, fmt.Errorf("%w: session is assigned to another operator", domain.ErrConflict)
	}

	claimed, ok, err := s.sessions.CompareAndSetSession(ctx, sessionID, session.Status, nil, domain.SessionActive, stringPtr(actor.UserID))
	if err != nil {
		return domain.ChatSession{}, err
	}
	if !ok {
		current, err := s.sessions.GetSession(ctx, sessionID)
		if err == nil && current.Status != domain.SessionClosed && current.AssignedTo(actor.UserID) {
			return current, nil
		}
		commonlog.Infof("event=chat_session action=claim status=conflict session_id=%s admin_id=%s", sessionID, actor.UserID)
		return domain.ChatSession{}, fmt.Errorf("%w: session was claimed concurrently", domain.ErrConflict)
	}
	commonlog.Infof("event=chat_session action=claim status=ok session_id=%s admin_id=%s", sessionID, actor.UserID)
	s.announceUpdated(ctx, claimed, "session.claimed")
	return claimed, nil
}

// Transfer hands an active session from one operator to another. It fails
// with Conflict when from is no longer the owner.
func (s *SessionService) Transfer(ctx context.Context, actor domain.Actor, sessionID, fromAdminID, toAdminID string) (domain.ChatSession, error) {
	if err := requireOperator(actor); err != nil {
		return domain.ChatSession{}, err
	}
	fromAdminID = strings.TrimSpace(fromAdminID)
	toAdminID = strings.TrimSpace(toAdminID)
	if fromAdminID == "" {
		fromAdminID = actor.UserID
	}
	if toAdminID == "" {
		return domain.ChatSession{}, fmt.Errorf("%w: to_admin_id is required", domain.ErrValidation)
	}
	session, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return domain.ChatSession{}, err
	}
	if session.Status == domain.SessionClosed {
		return domain.ChatSession{}, fmt.Errorf("%w: session is closed", domain.ErrInvalidTransition)
	}
	if !session.AssignedTo(fromAdminID) {
		return domain.ChatSession{}, fmt.Errorf("%w: session is not assigned to %s", domain.ErrConflict, fromAdminID)
	}
	if fromAdminID == toAdminID {
		return session, nil
	}
	moved, ok, err := s.sessions.CompareAndSetSession(ctx, sessionID, session.Status, stringPtr(fromAdminID), domain.SessionActive, stringPtr(toAdminID))
	if err != nil {
		return domain.ChatSession{}, err
	}
	if !ok {
		return domain.ChatSession{}, fmt.Errorf("%w: session changed during transfer", domain.ErrConflict)
	}
	commonlog.Infof("event=chat_session action=transfer status=ok session_id=%s from_admin_id=%s to_admin_id=%s", sessionID, fromAdminID, toAdminID)
	s.announceUpdated(ctx, moved, "session.transferred")
	return moved, nil
}

// Close moves a live session to the terminal state. Closing a closed
// session is a no-op. The closer is recorded when no operator was assigned.
func (s *SessionService) Close(ctx context.Context, actor domain.Actor, sessionID string) (domain.ChatSession, error) {
	if err := requireOperator(actor); err != nil {
		return domain.ChatSession{}, err
	}
	for attempt := 0; attempt < transitionAttempts; attempt++ {
		session, err := s.sessions.GetSession(ctx, sessionID)
		if err != nil {
			return domain.ChatSession{}, err
		}
		if session.Status == domain.SessionClosed {
			return session, nil
		}
		admin := session.AdminID
		if admin == nil {
			admin = stringPtr(actor.UserID)
		}
		closed, ok, err := s.sessions.CompareAndSetSession(ctx, sessionID, session.Status, session.AdminID, domain.SessionClosed, admin)
		if err != nil {
			return domain.ChatSession{}, err
		}
		if !ok {
			continue
		}
		commonlog.Infof("event=chat_session action=close status=ok session_id=%s admin_id=%s", sessionID, *closed.AdminID)
		if _, err := s.chat.PostSystemMessage(ctx, sessionID, closedMessage); err != nil {
			commonlog.Warnf("event=chat_session action=close_notice status=failed session_id=%s error=%v", sessionID, err)
		}
		s.announceUpdated(ctx, closed, "session.closed")
		s.archive(ctx, closed)
		return closed, nil
	}
	return domain.ChatSession{}, fmt.Errorf("%w: session kept changing while closing", domain.ErrConflict)
}

func (s *SessionService) announceUpdated(ctx context.Context, session domain.ChatSession, key string) {
	s.hub.Emit(ctx, domain.EventSessionUpdated, session, domain.SessionTopic(session.ID), domain.UserTopic(session.UserID), domain.OperatorsTopic)
	publishBestEffort(ctx, s.events, key, session)
}

func (s *SessionService) archive(ctx context.Context, session domain.ChatSession) {
	if s.archiver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
	defer cancel()
	history, err := s.messages.ListMessages(ctx, session.ID)
	if err == nil {
		err = s.archiver.Archive(ctx, session, history)
	}
	if err != nil {
		commonlog.Errorf("event=chat_transcript action=archive status=failed session_id=%s error=%v", session.ID, err)
		return
	}
	commonlog.Infof("event=chat_transcript action=archive status=ok session_id=%s message_count=%d", session.ID, len(history))
}

// ListForOperator returns the latest live session per user with requester
// details and the operator-side unread count.
func (s *SessionService) ListForOperator(ctx context.Context, actor domain.Actor) ([]domain.SessionWithRequester, error) {
	if err := requireOperator(actor); err != nil {
		return nil, err
	}
	items, err := s.sessions.ListLatestLiveSessions(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	counts, err := s.messages.CountUnreadBySession(ctx, ids, domain.SenderAdmin)
	if err != nil {
		return nil, err
	}
	for i := range items {
		items[i].UnreadCount = counts[items[i].ID]
		if items[i].Requester.Name == "" {
			items[i].Requester.Name = items[i].Requester.Email
		}
	}
	return items, nil
}

// ListForUser returns the caller's live session, or nil when there is none.
func (s *SessionService) ListForUser(ctx context.Context, actor domain.Actor) (*domain.ChatSession, error) {
	return s.sessions.GetLiveSessionForUser(ctx, actor.UserID)
}

func (s *SessionService) ListAssigned(ctx context.Context, actor domain.Actor) ([]domain.ChatSession, error) {
	if err := requireOperator(actor); err != nil {
		return nil, err
	}
	return s.sessions.ListSessionsByAdmin(ctx, actor.UserID, assignedListLimit)
}

func (s *SessionService) Get(ctx context.Context, actor domain.Actor, sessionID string) (domain.ChatSession, error) {
	session, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return domain.ChatSession{}, err
	}
	if err := authorizeSession(actor, session); err != nil {
		return domain.ChatSession{}, err
	}
	return session, nil
}
