package session

import (
	"context"
	"testing"
	"time"

	"conductor/internal/logging"
	"conductor/internal/ports"
)

func TestIssueAndValidate(t *testing.T) {
	ctx := context.Background()
	store := NewStore(time.Hour, logging.Nop())

	issued, err := store.Issue(ctx, "test-device")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if issued.Token == "" {
		t.Fatal("token should not be empty")
	}
	if issued.DeviceDescriptor != "test-device" {
		t.Errorf("expected device 'test-device', got %q", issued.DeviceDescriptor)
	}

	validated, err := store.Validate(ctx, issued.Token)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if validated.Token != issued.Token {
		t.Error("validated session does not match issued session")
	}
}

func TestValidateUnknownToken(t *testing.T) {
	store := NewStore(time.Hour, logging.Nop())

	_, err := store.Validate(context.Background(), "no-such-token")
	if err != ports.ErrUnauthorized {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestTokensAreUnique(t *testing.T) {
	ctx := context.Background()
	store := NewStore(time.Hour, logging.Nop())

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		sess, err := store.Issue(ctx, "device")
		if err != nil {
			t.Fatalf("Issue failed: %v", err)
		}
		if seen[sess.Token] {
			t.Fatalf("duplicate token issued: %s", sess.Token)
		}
		seen[sess.Token] = true
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	ctx := context.Background()
	store := NewStore(time.Second, logging.Nop())

	now := time.Now()
	store.clock = func() time.Time { return now }

	issued, err := store.Issue(ctx, "device")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	// Still valid just inside the window.
	store.clock = func() time.Time { return now.Add(900 * time.Millisecond) }
	if _, err := store.Validate(ctx, issued.Token); err != nil {
		t.Fatalf("token rejected before expiry: %v", err)
	}

	// Rejected past the window, never extended.
	store.clock = func() time.Time { return now.Add(1100 * time.Millisecond) }
	if _, err := store.Validate(ctx, issued.Token); err != ports.ErrUnauthorized {
		t.Errorf("expected ErrUnauthorized after expiry, got %v", err)
	}

	// A rejected token stays rejected.
	store.clock = func() time.Time { return now }
	if _, err := store.Validate(ctx, issued.Token); err != ports.ErrUnauthorized {
		t.Errorf("expired token must not come back to life, got %v", err)
	}
}
