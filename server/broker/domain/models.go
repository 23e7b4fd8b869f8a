package domain

import "time"

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Actor is the request-scoped identity handed over by the identity provider.
type Actor struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

func (a Actor) IsOperator() bool {
	return a.Role == RoleAdmin
}

type SessionStatus string

const (
	SessionWaiting SessionStatus = "waiting"
	SessionActive  SessionStatus = "active"
	SessionClosed  SessionStatus = "closed"
)

func (s SessionStatus) Live() bool {
	return s == SessionWaiting || s == SessionActive
}

type ChatSession struct {
	ID            string        `json:"id"`
	UserID        string        `json:"user_id"`
	AdminID       *string       `json:"admin_id"`
	Status        SessionStatus `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	LastMessageAt time.Time     `json:"last_message_at"`
}

func (s ChatSession) AssignedTo(adminID string) bool {
	return s.AdminID != nil && *s.AdminID == adminID
}

type SenderType string

const (
	SenderUser   SenderType = "user"
	SenderAdmin  SenderType = "admin"
	SenderSystem SenderType = "system"
)

type ChatMessage struct {
	ID         string     `json:"id"`
	Seq        int64      `json:"seq"`
	SessionID  string     `json:"session_id"`
	SenderID   string     `json:"sender_id"`
	SenderType SenderType `json:"sender_type"`
	Message    string     `json:"message"`
	CreatedAt  time.Time  `json:"created_at"`
	ReadAt     *time.Time `json:"read_at"`
}

type PresenceStatus string

const (
	PresenceAvailable PresenceStatus = "available"
	PresenceBusy      PresenceStatus = "busy"
	PresenceOffline   PresenceStatus = "offline"
)

type AdminStatus struct {
	AdminID    string         `json:"admin_id"`
	Status     PresenceStatus `json:"status"`
	LastSeenAt time.Time      `json:"last_seen_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

type NotificationType string

const (
	NotificationInfo    NotificationType = "info"
	NotificationWarning NotificationType = "warning"
	NotificationSuccess NotificationType = "success"
	NotificationError   NotificationType = "error"
)

type SystemNotification struct {
	ID        string           `json:"id"`
	UserID    string           `json:"user_id"`
	AdminID   string           `json:"admin_id"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Type      NotificationType `json:"type"`
	ReadAt    *time.Time       `json:"read_at"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Profile is owned by the identity system; the broker only reads it.
type Profile struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Role      Role   `json:"role"`
}

type Requester struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type SessionWithRequester struct {
	ChatSession
	Requester   Requester `json:"requester"`
	UnreadCount int64     `json:"unread_count"`
}

type BroadcastInput struct {
	RecipientIDs []string         `json:"recipient_ids" validate:"required_without=AllUsers,max=5000,dive,required"`
	AllUsers     bool             `json:"all_users"`
	Title        string           `json:"title" validate:"required,max=200"`
	Message      string           `json:"message" validate:"required,max=4000"`
	Type         NotificationType `json:"type" validate:"required,oneof=info warning success error"`
}

type BroadcastFailure struct {
	UserID string `json:"user_id"`
	Error  string `json:"error"`
}

type BroadcastResult struct {
	Delivered []SystemNotification `json:"delivered"`
	Failed    []BroadcastFailure   `json:"failed"`
}
