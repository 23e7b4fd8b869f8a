package service

import (
	"context"
	"fmt"
	"time"

	"support_broker/server/broker/domain"
	commonlog "support_broker/server/common/log"
)

type PresenceService struct {
	store   PresenceStore
	hub     *Hub
	events  EventPublisher
	timeout time.Duration
	now     func() time.Time
}

type PresenceOption func(*PresenceService)

func WithPresenceClock(now func() time.Time) PresenceOption {
	return func(s *PresenceService) { s.now = now }
}

// NewPresenceService marks operators offline once they miss heartbeats for
// longer than timeout.
func NewPresenceService(store PresenceStore, hub *Hub, events EventPublisher, timeout time.Duration, opts ...PresenceOption) *PresenceService {
	if events == nil {
		events = nopPublisher{}
	}
	s := &PresenceService{store: store, hub: hub, events: events, timeout: timeout, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *PresenceService) clock() time.Time {
	return s.now().UTC()
}

// Get lazily creates the row as "available" on first read.
func (s *PresenceService) Get(ctx context.Context, actor domain.Actor) (domain.AdminStatus, error) {
	if err := requireOperator(actor); err != nil {
		return domain.AdminStatus{}, err
	}
	return s.store.GetOrCreatePresence(ctx, actor.UserID, s.clock())
}

func nextToggleStatus(current domain.PresenceStatus) domain.PresenceStatus {
	if current == domain.PresenceAvailable {
		return domain.PresenceBusy
	}
	return domain.PresenceAvailable
}

// Toggle flips available and busy. An offline operator toggles back to available.
func (s *PresenceService) Toggle(ctx context.Context, actor domain.Actor) (domain.AdminStatus, error) {
	if err := requireOperator(actor); err != nil {
		return domain.AdminStatus{}, err
	}
	for attempt := 0; attempt < transitionAttempts; attempt++ {
		current, err := s.store.GetOrCreatePresence(ctx, actor.UserID, s.clock())
		if err != nil {
			return domain.AdminStatus{}, err
		}
		next := nextToggleStatus(current.Status)
		updated, ok, err := s.store.CompareAndSetPresence(ctx, actor.UserID, current.Status, next, s.clock())
		if err != nil {
			return domain.AdminStatus{}, err
		}
		if ok {
			commonlog.Infof("event=operator_presence action=toggle status=ok admin_id=%s from=%s to=%s", actor.UserID, current.Status, next)
			s.announce(ctx, updated)
			return updated, nil
		}
	}
	return domain.AdminStatus{}, fmt.Errorf("%w: presence changed concurrently", domain.ErrConflict)
}

func (s *PresenceService) Heartbeat(ctx context.Context, actor domain.Actor) (domain.AdminStatus, error) {
	if err := requireOperator(actor); err != nil {
		return domain.AdminStatus{}, err
	}
	current, prev, err := s.store.TouchPresence(ctx, actor.UserID, s.clock())
	if err != nil {
		return domain.AdminStatus{}, err
	}
	if prev != current.Status {
		commonlog.Infof("event=operator_presence action=heartbeat status=revived admin_id=%s from=%s", actor.UserID, prev)
		s.announce(ctx, current)
	}
	return current, nil
}

func (s *PresenceService) List(ctx context.Context, actor domain.Actor) ([]domain.AdminStatus, error) {
	if err := requireOperator(actor); err != nil {
		return nil, err
	}
	return s.store.ListPresence(ctx)
}

// SweepStale marks operators without a recent heartbeat offline.
func (s *PresenceService) SweepStale(ctx context.Context) (int, error) {
	now := s.clock()
	stale, err := s.store.MarkStaleOffline(ctx, now.Add(-s.timeout), now)
	if err != nil {
		return 0, err
	}
	for _, status := range stale {
		s.announce(ctx, status)
	}
	return len(stale), nil
}

func (s *PresenceService) announce(ctx context.Context, status domain.AdminStatus) {
	s.hub.Emit(ctx, domain.EventPresenceChanged, status, domain.OperatorsTopic)
	publishBestEffort(ctx, s.events, domain.EventPresenceChanged, status)
}
