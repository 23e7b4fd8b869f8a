package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"support_broker/server/broker/domain"
)

// MemoryStore keeps every table in process memory. It backs single-node
// development and the service tests, and honours the same atomicity the
// Postgres repositories get from conditional statements. A single mutex
// serialises all tables; production deployments use the Postgres store.
type MemoryStore struct {
	mu            sync.Mutex
	now           func() time.Time
	seq           int64
	sessions      map[string]*domain.ChatSession
	messages      map[string][]*domain.ChatMessage
	presence      map[string]*domain.AdminStatus
	notifications map[string]*domain.SystemNotification
	profiles      map[string]domain.Profile
}

type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now for created_at and similar stamps.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		now:           time.Now,
		sessions:      map[string]*domain.ChatSession{},
		messages:      map[string][]*domain.ChatMessage{},
		presence:      map[string]*domain.AdminStatus{},
		notifications: map[string]*domain.SystemNotification{},
		profiles:      map[string]domain.Profile{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func copyString(v *string) *string {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func copyTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func cloneSession(s *domain.ChatSession) domain.ChatSession {
	out := *s
	out.AdminID = copyString(s.AdminID)
	return out
}

func cloneMessage(m *domain.ChatMessage) domain.ChatMessage {
	out := *m
	out.ReadAt = copyTime(m.ReadAt)
	return out
}

func cloneNotification(n *domain.SystemNotification) domain.SystemNotification {
	out := *n
	out.ReadAt = copyTime(n.ReadAt)
	return out
}

func (s *MemoryStore) liveSessionLocked(userID string) *domain.ChatSession {
	for _, session := range s.sessions {
		if session.UserID == userID && session.Status.Live() {
			return session
		}
	}
	return nil
}

func (s *MemoryStore) CreateLiveSession(_ context.Context, userID string, status domain.SessionStatus) (domain.ChatSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing := s.liveSessionLocked(userID); existing != nil {
		return cloneSession(existing), false, nil
	}
	now := s.now().UTC()
	session := &domain.ChatSession{
		ID:            uuid.NewString(),
		UserID:        userID,
		Status:        status,
		CreatedAt:     now,
		UpdatedAt:     now,
		LastMessageAt: now,
	}
	s.sessions[session.ID] = session
	return cloneSession(session), true, nil
}

func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (domain.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return domain.ChatSession{}, domain.ErrNotFound
	}
	return cloneSession(session), nil
}

func (s *MemoryStore) GetLiveSessionForUser(_ context.Context, userID string) (*domain.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.liveSessionLocked(userID)
	if existing == nil {
		return nil, nil
	}
	out := cloneSession(existing)
	return &out, nil
}

func sameAdmin(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (s *MemoryStore) CompareAndSetSession(_ context.Context, sessionID string, expectStatus domain.SessionStatus, expectAdmin *string, next domain.SessionStatus, nextAdmin *string) (domain.ChatSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok || session.Status != expectStatus || !sameAdmin(session.AdminID, expectAdmin) {
		return domain.ChatSession{}, false, nil
	}
	session.Status = next
	session.AdminID = copyString(nextAdmin)
	session.UpdatedAt = s.now().UTC()
	return cloneSession(session), true, nil
}

func (s *MemoryStore) TouchLastMessage(_ context.Context, sessionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return domain.ErrNotFound
	}
	if at.After(session.LastMessageAt) {
		session.LastMessageAt = at
	}
	session.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) ListLatestLiveSessions(_ context.Context) ([]domain.SessionWithRequester, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	latest := map[string]*domain.ChatSession{}
	for _, session := range s.sessions {
		if !session.Status.Live() {
			continue
		}
		if current, ok := latest[session.UserID]; !ok || session.LastMessageAt.After(current.LastMessageAt) {
			latest[session.UserID] = session
		}
	}
	items := make([]domain.SessionWithRequester, 0, len(latest))
	for _, session := range latest {
		item := domain.SessionWithRequester{ChatSession: cloneSession(session)}
		if p, ok := s.profiles[session.UserID]; ok {
			item.Requester = domain.Requester{Name: strings.TrimSpace(p.FirstName + " " + p.LastName), Email: p.Email}
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].LastMessageAt.Equal(items[j].LastMessageAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].LastMessageAt.After(items[j].LastMessageAt)
	})
	return items, nil
}

func (s *MemoryStore) ListSessionsByAdmin(_ context.Context, adminID string, limit int) ([]domain.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]domain.ChatSession, 0)
	for _, session := range s.sessions {
		if session.AssignedTo(adminID) {
			items = append(items, cloneSession(session))
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].LastMessageAt.After(items[j].LastMessageAt) })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, msg domain.ChatMessage, requireOpen bool) (domain.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[msg.SessionID]
	if !ok {
		return domain.ChatMessage{}, domain.ErrNotFound
	}
	if requireOpen && session.Status == domain.SessionClosed {
		return domain.ChatMessage{}, domain.ErrSessionClosed
	}
	createdAt := s.now().UTC()
	history := s.messages[msg.SessionID]
	if n := len(history); n > 0 && history[n-1].CreatedAt.After(createdAt) {
		createdAt = history[n-1].CreatedAt
	}
	s.seq++
	stored := &domain.ChatMessage{
		ID:         uuid.NewString(),
		Seq:        s.seq,
		SessionID:  msg.SessionID,
		SenderID:   msg.SenderID,
		SenderType: msg.SenderType,
		Message:    msg.Message,
		CreatedAt:  createdAt,
	}
	s.messages[msg.SessionID] = append(history, stored)
	return cloneMessage(stored), nil
}

func (s *MemoryStore) GetMessage(_ context.Context, sessionID, messageID string) (domain.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages[sessionID] {
		if m.ID == messageID {
			return cloneMessage(m), nil
		}
	}
	return domain.ChatMessage{}, domain.ErrNotFound
}

func (s *MemoryStore) ListMessages(_ context.Context, sessionID string) ([]domain.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := s.messages[sessionID]
	items := make([]domain.ChatMessage, 0, len(history))
	for _, m := range history {
		items = append(items, cloneMessage(m))
	}
	return items, nil
}

func (s *MemoryStore) CountUnreadMessages(_ context.Context, sessionID string, viewer domain.SenderType) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countUnreadLocked(sessionID, viewer), nil
}

func (s *MemoryStore) countUnreadLocked(sessionID string, viewer domain.SenderType) int64 {
	var count int64
	for _, m := range s.messages[sessionID] {
		if m.SenderType != viewer && m.ReadAt == nil {
			count++
		}
	}
	return count
}

func (s *MemoryStore) CountUnreadBySession(_ context.Context, sessionIDs []string, viewer domain.SenderType) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int64, len(sessionIDs))
	for _, id := range sessionIDs {
		if n := s.countUnreadLocked(id, viewer); n > 0 {
			counts[id] = n
		}
	}
	return counts, nil
}

func (s *MemoryStore) MarkMessagesRead(_ context.Context, sessionID string, viewer domain.SenderType, upTo *domain.ChatMessage, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var marked int64
	for _, m := range s.messages[sessionID] {
		if upTo != nil && (m.CreatedAt.After(upTo.CreatedAt) || (m.CreatedAt.Equal(upTo.CreatedAt) && m.Seq > upTo.Seq)) {
			continue
		}
		if m.SenderType == viewer || m.ReadAt != nil {
			continue
		}
		stamp := at
		m.ReadAt = &stamp
		marked++
	}
	return marked, nil
}

func (s *MemoryStore) GetOrCreatePresence(_ context.Context, adminID string, at time.Time) (domain.AdminStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.presence[adminID]
	if !ok {
		current = &domain.AdminStatus{AdminID: adminID, Status: domain.PresenceAvailable, LastSeenAt: at, UpdatedAt: at}
		s.presence[adminID] = current
	}
	return *current, nil
}

func (s *MemoryStore) CompareAndSetPresence(_ context.Context, adminID string, expect, next domain.PresenceStatus, at time.Time) (domain.AdminStatus, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.presence[adminID]
	if !ok || current.Status != expect {
		return domain.AdminStatus{}, false, nil
	}
	current.Status = next
	current.LastSeenAt = at
	current.UpdatedAt = at
	return *current, true, nil
}

func (s *MemoryStore) TouchPresence(_ context.Context, adminID string, at time.Time) (domain.AdminStatus, domain.PresenceStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.presence[adminID]
	if !ok {
		current = &domain.AdminStatus{AdminID: adminID, Status: domain.PresenceAvailable, LastSeenAt: at, UpdatedAt: at}
		s.presence[adminID] = current
		return *current, "", nil
	}
	prev := current.Status
	current.LastSeenAt = at
	if prev == domain.PresenceOffline {
		current.Status = domain.PresenceAvailable
		current.UpdatedAt = at
	}
	return *current, prev, nil
}

func (s *MemoryStore) MarkStaleOffline(_ context.Context, before, at time.Time) ([]domain.AdminStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]domain.AdminStatus, 0)
	for _, current := range s.presence {
		if current.Status == domain.PresenceOffline || !current.LastSeenAt.Before(before) {
			continue
		}
		current.Status = domain.PresenceOffline
		current.UpdatedAt = at
		items = append(items, *current)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].AdminID < items[j].AdminID })
	return items, nil
}

func (s *MemoryStore) ListPresence(_ context.Context) ([]domain.AdminStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]domain.AdminStatus, 0, len(s.presence))
	for _, current := range s.presence {
		items = append(items, *current)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].AdminID < items[j].AdminID })
	return items, nil
}

func (s *MemoryStore) CreateNotification(_ context.Context, n domain.SystemNotification) (domain.SystemNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[n.UserID]; !ok {
		return domain.SystemNotification{}, fmt.Errorf("%w: recipient %s", domain.ErrNotFound, n.UserID)
	}
	now := s.now().UTC()
	stored := &domain.SystemNotification{
		ID:        uuid.NewString(),
		UserID:    n.UserID,
		AdminID:   n.AdminID,
		Title:     n.Title,
		Message:   n.Message,
		Type:      n.Type,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.notifications[stored.ID] = stored
	return cloneNotification(stored), nil
}

func (s *MemoryStore) GetNotification(_ context.Context, id string) (domain.SystemNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return domain.SystemNotification{}, domain.ErrNotFound
	}
	return cloneNotification(n), nil
}

func (s *MemoryStore) ListNotifications(_ context.Context, userID string, limit int) ([]domain.SystemNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]domain.SystemNotification, 0)
	for _, n := range s.notifications {
		if n.UserID == userID {
			items = append(items, cloneNotification(n))
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID > items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *MemoryStore) MarkNotificationRead(_ context.Context, id string, at time.Time) (domain.SystemNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return domain.SystemNotification{}, domain.ErrNotFound
	}
	if n.ReadAt == nil {
		stamp := at
		n.ReadAt = &stamp
	}
	n.UpdatedAt = at
	return cloneNotification(n), nil
}

func (s *MemoryStore) DeleteNotification(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.notifications[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.notifications, id)
	return nil
}

func (s *MemoryStore) MarkAllInfoRead(_ context.Context, userID string, before, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var marked int64
	for _, n := range s.notifications {
		if n.UserID != userID || n.Type != domain.NotificationInfo || n.ReadAt != nil || n.CreatedAt.After(before) {
			continue
		}
		stamp := at
		n.ReadAt = &stamp
		n.UpdatedAt = at
		marked++
	}
	return marked, nil
}

func (s *MemoryStore) DeleteAllRead(_ context.Context, userID string, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, n := range s.notifications {
		if n.UserID != userID || n.ReadAt == nil || n.ReadAt.After(before) {
			continue
		}
		delete(s.notifications, id)
		deleted++
	}
	return deleted, nil
}

func (s *MemoryStore) CountUnreadNotifications(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, n := range s.notifications {
		if n.UserID == userID && n.ReadAt == nil {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) GetProfile(_ context.Context, id string) (domain.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return domain.Profile{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *MemoryStore) ListUserIDs(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.profiles))
	for id, p := range s.profiles {
		if p.Role != domain.RoleAdmin {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) UpsertProfile(_ context.Context, p domain.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Role == "" {
		p.Role = domain.RoleUser
	}
	s.profiles[p.ID] = p
	return nil
}
