package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"support_broker/server/broker/domain"
	commonlog "support_broker/server/common/log"
)

const (
	defaultBroadcastConcurrency = 8
	notificationListLimit       = 200
)

type NotificationService struct {
	store       NotificationStore
	profiles    ProfileDirectory
	unread      *UnreadService
	hub         *Hub
	events      EventPublisher
	validate    *validator.Validate
	concurrency int
	now         func() time.Time
}

func NewNotificationService(store NotificationStore, profiles ProfileDirectory, unread *UnreadService, hub *Hub, events EventPublisher, concurrency int) *NotificationService {
	if events == nil {
		events = nopPublisher{}
	}
	if concurrency <= 0 {
		concurrency = defaultBroadcastConcurrency
	}
	return &NotificationService{
		store:       store,
		profiles:    profiles,
		unread:      unread,
		hub:         hub,
		events:      events,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		concurrency: concurrency,
		now:         time.Now,
	}
}

// Broadcast writes one independent notification per recipient. A failed
// recipient is reported and never rolls back the others.
func (s *NotificationService) Broadcast(ctx context.Context, actor domain.Actor, in domain.BroadcastInput) (domain.BroadcastResult, error) {
	if err := requireOperator(actor); err != nil {
		return domain.BroadcastResult{}, err
	}
	in.Title = strings.TrimSpace(in.Title)
	in.Message = strings.TrimSpace(in.Message)
	if err := s.validate.Struct(in); err != nil {
		return domain.BroadcastResult{}, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	recipients := in.RecipientIDs
	if in.AllUsers {
		ids, err := s.profiles.ListUserIDs(ctx)
		if err != nil {
			return domain.BroadcastResult{}, fmt.Errorf("resolve recipients: %w", err)
		}
		recipients = ids
	}
	recipients = dedupeAndTrim(recipients)
	if len(recipients) == 0 {
		return domain.BroadcastResult{}, fmt.Errorf("%w: no recipients", domain.ErrValidation)
	}

	delivered := make([]*domain.SystemNotification, len(recipients))
	var (
		mu     sync.Mutex
		failed []domain.BroadcastFailure
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, userID := range recipients {
		g.Go(func() error {
			created, err := s.store.CreateNotification(gctx, domain.SystemNotification{
				UserID:  userID,
				AdminID: actor.UserID,
				Title:   in.Title,
				Message: in.Message,
				Type:    in.Type,
			})
			if err != nil {
				mu.Lock()
				failed = append(failed, domain.BroadcastFailure{UserID: userID, Error: err.Error()})
				mu.Unlock()
				return nil
			}
			delivered[i] = &created
			s.hub.Emit(gctx, domain.EventNotificationCreated, created, domain.UserTopic(userID))
			s.unread.PushNotificationUnread(gctx, userID)
			return nil
		})
	}
	_ = g.Wait()

	result := domain.BroadcastResult{Delivered: make([]domain.SystemNotification, 0, len(recipients)), Failed: failed}
	for _, n := range delivered {
		if n != nil {
			result.Delivered = append(result.Delivered, *n)
		}
	}
	if result.Failed == nil {
		result.Failed = []domain.BroadcastFailure{}
	}
	commonlog.Infof("event=notification_broadcast action=create status=ok admin_id=%s type=%s recipients=%d delivered=%d failed=%d", actor.UserID, in.Type, len(recipients), len(result.Delivered), len(result.Failed))
	publishBestEffort(ctx, s.events, domain.EventNotificationCreated, map[string]any{
		"admin_id":  actor.UserID,
		"type":      in.Type,
		"title":     in.Title,
		"delivered": len(result.Delivered),
		"failed":    len(result.Failed),
	})
	return result, nil
}

func (s *NotificationService) List(ctx context.Context, actor domain.Actor) ([]domain.SystemNotification, error) {
	return s.store.ListNotifications(ctx, actor.UserID, notificationListLimit)
}

// owned loads a notification the actor may act on: its recipient or the
// operator who sent it.
func (s *NotificationService) owned(ctx context.Context, actor domain.Actor, id string) (domain.SystemNotification, error) {
	n, err := s.store.GetNotification(ctx, id)
	if err != nil {
		return domain.SystemNotification{}, err
	}
	if n.UserID != actor.UserID && !(actor.IsOperator() && n.AdminID == actor.UserID) {
		return domain.SystemNotification{}, domain.ErrUnauthorized
	}
	return n, nil
}

func (s *NotificationService) MarkRead(ctx context.Context, actor domain.Actor, id string) (domain.SystemNotification, error) {
	if _, err := s.owned(ctx, actor, id); err != nil {
		return domain.SystemNotification{}, err
	}
	updated, err := s.store.MarkNotificationRead(ctx, id, s.now().UTC())
	if err != nil {
		return domain.SystemNotification{}, err
	}
	s.hub.Emit(ctx, domain.EventNotificationUpdated, updated, domain.UserTopic(updated.UserID))
	s.unread.PushNotificationUnread(ctx, updated.UserID)
	return updated, nil
}

func (s *NotificationService) Delete(ctx context.Context, actor domain.Actor, id string) error {
	n, err := s.owned(ctx, actor, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteNotification(ctx, id); err != nil {
		return err
	}
	s.hub.Emit(ctx, domain.EventNotificationDeleted, map[string]string{"id": id, "user_id": n.UserID}, domain.UserTopic(n.UserID))
	s.unread.PushNotificationUnread(ctx, n.UserID)
	return nil
}

// MarkAllInfoRead only covers info notifications that existed when the call
// started; anything arriving meanwhile stays unread.
func (s *NotificationService) MarkAllInfoRead(ctx context.Context, actor domain.Actor) (int64, error) {
	now := s.now().UTC()
	marked, err := s.store.MarkAllInfoRead(ctx, actor.UserID, now, now)
	if err != nil {
		return 0, err
	}
	if marked > 0 {
		s.hub.Emit(ctx, domain.EventNotificationUpdated, map[string]any{"user_id": actor.UserID, "marked": marked}, domain.UserTopic(actor.UserID))
	}
	s.unread.PushNotificationUnread(ctx, actor.UserID)
	return marked, nil
}

func (s *NotificationService) DeleteAllRead(ctx context.Context, actor domain.Actor) (int64, error) {
	deleted, err := s.store.DeleteAllRead(ctx, actor.UserID, s.now().UTC())
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.hub.Emit(ctx, domain.EventNotificationDeleted, map[string]any{"user_id": actor.UserID, "deleted": deleted}, domain.UserTopic(actor.UserID))
	}
	s.unread.PushNotificationUnread(ctx, actor.UserID)
	return deleted, nil
}

// Subscribe opens the actor's notification feed. Session events that share the
// user topic are left out. The caller must Close it.
func (s *NotificationService) Subscribe(actor domain.Actor) *Subscription {
	return s.hub.SubscribeFiltered(domain.UserTopic(actor.UserID), domain.IsNotificationEvent)
}
