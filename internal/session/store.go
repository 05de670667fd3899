// Package session issues and validates the opaque bearer tokens that
// identify clients. A session is an identity, not a connection: many hub
// connections may authenticate with the same token.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"conductor/internal/logging"
	"conductor/internal/ports"
)

const (
	// tokenBytes of entropy per token. 32 bytes from crypto/rand makes
	// tokens unguessable; they are never derived from anything.
	tokenBytes = 32

	// maxSessions bounds the table so unauthenticated clients cannot
	// grow memory without limit by issuing tokens.
	maxSessions = 65536
)

// Store keeps issued sessions in a bounded TTL cache. Entries evict on
// expiry; Validate still checks the deadline explicitly so a token is
// rejected the instant it expires, not when the cache sweeps it.
type Store struct {
	ttl      time.Duration
	sessions *expirable.LRU[string, *ports.Session]
	clock    func() time.Time
	logger   logging.Logger
}

var _ ports.SessionStore = (*Store)(nil)

// NewStore creates a session store with a fixed expiry window.
func NewStore(ttl time.Duration, logger logging.Logger) *Store {
	return &Store{
		ttl:      ttl,
		sessions: expirable.NewLRU[string, *ports.Session](maxSessions, nil, ttl),
		clock:    time.Now,
		logger:   logging.OrNop(logger),
	}
}

// Issue creates a session bound to a device descriptor. There is no
// renewal: an expired token requires issuing a new one.
func (s *Store) Issue(ctx context.Context, deviceDescriptor string) (*ports.Session, error) {
	token, err := newToken()
	if err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}

	now := s.clock()
	sess := &ports.Session{
		Token:            token,
		DeviceDescriptor: deviceDescriptor,
		IssuedAt:         now,
		ExpiresAt:        now.Add(s.ttl),
	}
	s.sessions.Add(token, sess)
	s.logger.Info("issued session for device %q, expires %s", deviceDescriptor, sess.ExpiresAt.Format(time.RFC3339))
	return sess, nil
}

// Validate returns the session for a live token and ErrUnauthorized for
// anything else. Expired tokens are never silently extended.
func (s *Store) Validate(ctx context.Context, token string) (*ports.Session, error) {
	sess, ok := s.sessions.Get(token)
	if !ok {
		return nil, ports.ErrUnauthorized
	}
	if !s.clock().Before(sess.ExpiresAt) {
		s.sessions.Remove(token)
		return nil, ports.ErrUnauthorized
	}
	return sess, nil
}

func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
