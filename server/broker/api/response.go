package api

import "support_broker/server/broker/domain"

type HealthResponse struct {
	Status   string            `json:"status"`
	Failures map[string]string `json:"failures,omitempty"`
}

type SessionResponse struct {
	Session *domain.ChatSession `json:"session"`
}

type MarkedResponse struct {
	Marked int64 `json:"marked"`
}

type DeletedResponse struct {
	Deleted int64 `json:"deleted"`
}

func NewHealthResponse(status string, failures map[string]string) HealthResponse {
	return HealthResponse{Status: status, Failures: failures}
}

// NewSessionResponse keeps "session": null explicit for callers without a live session.
func NewSessionResponse(session *domain.ChatSession) SessionResponse {
	return SessionResponse{Session: session}
}
