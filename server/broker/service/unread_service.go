package service

import (
	"context"
	"time"

	"support_broker/server/broker/domain"
	commonlog "support_broker/server/common/log"
)

type UnreadService struct {
	sessions      SessionStore
	messages      MessageStore
	notifications NotificationStore
	hub           *Hub
	now           func() time.Time
}

func NewUnreadService(sessions SessionStore, messages MessageStore, notifications NotificationStore, hub *Hub) *UnreadService {
	return &UnreadService{sessions: sessions, messages: messages, notifications: notifications, hub: hub, now: time.Now}
}

func (s *UnreadService) SessionUnreadCount(ctx context.Context, actor domain.Actor, sessionID string) (int64, error) {
	session, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if err := authorizeSession(actor, session); err != nil {
		return 0, err
	}
	return s.messages.CountUnreadMessages(ctx, sessionID, viewerSide(actor))
}

// MarkSessionRead stamps the counterpart's messages up to upToMessageID, or
// everything present now when it is empty. Later arrivals stay unread.
func (s *UnreadService) MarkSessionRead(ctx context.Context, actor domain.Actor, sessionID, upToMessageID string) (int64, error) {
	session, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if err := authorizeSession(actor, session); err != nil {
		return 0, err
	}
	var upTo *domain.ChatMessage
	if upToMessageID != "" {
		m, err := s.messages.GetMessage(ctx, sessionID, upToMessageID)
		if err != nil {
			return 0, err
		}
		upTo = &m
	}
	side := viewerSide(actor)
	marked, err := s.messages.MarkMessagesRead(ctx, sessionID, side, upTo, s.now().UTC())
	if err != nil {
		return 0, err
	}
	if marked > 0 {
		s.hub.Emit(ctx, domain.EventMessagesRead, domain.ReadReceipt{
			SessionID: sessionID,
			ReaderID:  actor.UserID,
			Side:      side,
			Marked:    marked,
		}, domain.SessionTopic(sessionID), domain.OperatorsTopic)
	}
	return marked, nil
}

func (s *UnreadService) NotificationUnreadCount(ctx context.Context, actor domain.Actor) (int64, error) {
	return s.notifications.CountUnreadNotifications(ctx, actor.UserID)
}

// PushNotificationUnread recomputes the count from the store rather than
// adjusting a cached value, so concurrent changes cannot drive it negative.
func (s *UnreadService) PushNotificationUnread(ctx context.Context, userID string) {
	count, err := s.notifications.CountUnreadNotifications(ctx, userID)
	if err != nil {
		commonlog.Warnf("event=notification_unread action=recompute status=failed user_id=%s error=%v", userID, err)
		return
	}
	s.hub.Emit(ctx, domain.EventNotificationUnread, domain.UnreadCount{UserID: userID, Count: count}, domain.UserTopic(userID))
}
