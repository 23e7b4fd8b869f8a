package service

import (
	"strings"

	"support_broker/server/broker/domain"
)

func dedupeAndTrim(items []string) []string {
	result := make([]string, 0, len(items))
	seen := map[string]struct{}{}
	for _, item := range items {
		value := strings.TrimSpace(item)
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		result = append(result, value)
	}
	return result
}

func stringPtr(v string) *string {
	return &v
}

// viewerSide is the sender type whose own messages never count as unread
// for the given actor.
func viewerSide(actor domain.Actor) domain.SenderType {
	if actor.IsOperator() {
		return domain.SenderAdmin
	}
	return domain.SenderUser
}

// authorizeSession lets operators see every session and users only their own.
func authorizeSession(actor domain.Actor, session domain.ChatSession) error {
	if actor.IsOperator() || session.UserID == actor.UserID {
		return nil
	}
	return domain.ErrUnauthorized
}

func requireOperator(actor domain.Actor) error {
	if !actor.IsOperator() {
		return domain.ErrUnauthorized
	}
	return nil
}
