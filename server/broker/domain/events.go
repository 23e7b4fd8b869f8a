package domain

import (
	"encoding/json"
	"strings"
	"time"
)

const (
	EventMessageCreated      = "message.created"
	EventMessagesRead        = "message.read"
	EventSessionCreated      = "session.created"
	EventSessionUpdated      = "session.updated"
	EventNotificationCreated = "notification.created"
	EventNotificationUpdated = "notification.updated"
	EventNotificationDeleted = "notification.deleted"
	EventNotificationUnread  = "notification.unread"
	EventPresenceChanged     = "presence.changed"
)

// OperatorsTopic reaches every connected operator.
const OperatorsTopic = "operators"

// IsNotificationEvent reports whether eventType belongs on the notification feed.
func IsNotificationEvent(eventType string) bool {
	return strings.HasPrefix(eventType, "notification.")
}

func SessionTopic(sessionID string) string {
	return "session:" + sessionID
}

func UserTopic(userID string) string {
	return "user:" + userID
}

// Event is a push notification. Receivers treat it as a hint and re-fetch
// canonical state, so Payload carries only what a client needs to decide that.
type Event struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      time.Time       `json:"at"`
}

func NewEvent(eventType, topic string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: eventType, Topic: topic, Payload: raw, At: time.Now().UTC()}, nil
}

type UnreadCount struct {
	UserID string `json:"user_id"`
	Count  int64  `json:"count"`
}

type ReadReceipt struct {
	SessionID string     `json:"session_id"`
	ReaderID  string     `json:"reader_id"`
	Side      SenderType `json:"side"`
	Marked    int64      `json:"marked"`
}
