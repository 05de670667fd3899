package ports

import (
	"context"
	"time"
)

// Session is one authenticated client identity, distinct from any single
// connection. A token is valid iff now < ExpiresAt; expired tokens are
// rejected, never extended.
type Session struct {
	Token            string    `json:"token"`
	DeviceDescriptor string    `json:"device_descriptor"`
	IssuedAt         time.Time `json:"issued_at"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// SessionStore issues and validates opaque bearer tokens.
type SessionStore interface {
	// Issue creates a session with a fresh unguessable token and a fixed
	// expiry window.
	Issue(ctx context.Context, deviceDescriptor string) (*Session, error)

	// Validate returns the session for a token, or ErrUnauthorized when
	// the token is unknown or expired.
	Validate(ctx context.Context, token string) (*Session, error)
}
