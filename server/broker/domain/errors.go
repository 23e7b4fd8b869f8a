package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("not allowed")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrValidation        = errors.New("validation failed")
	ErrConflict          = errors.New("conflict")
	ErrRateLimited       = errors.New("rate limited")

	// ErrSessionClosed is returned for sends into a terminal session.
	ErrSessionClosed = fmt.Errorf("%w: session closed", ErrInvalidTransition)
	// ErrDuplicate marks a retried client_msg_id.
	ErrDuplicate = fmt.Errorf("%w: duplicate client_msg_id", ErrConflict)
)
