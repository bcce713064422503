package domain

import "github.com/pkg/errors"

// Error kinds surfaced by request path operations. Callers match them with
// errors.Is; wrapping with errors.Wrap keeps the kind intact.
var (
	ErrInvalidPhoneFormat = errors.New("invalid phone number format")
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrForbidden          = errors.New("access denied")
	ErrNotFound           = errors.New("not found")
	ErrSessionNotReady    = errors.New("session not ready")
	ErrEmptyMessage       = errors.New("exactly one of message body or media must be provided")
	ErrClientUnavailable  = errors.New("whatsapp client not available")
	ErrPersistence        = errors.New("persistence error")
)
