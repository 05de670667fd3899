package logging

import (
	"strings"
	"testing"
)

func TestRedactTokensBearer(t *testing.T) {
	line := `authorizing with Bearer abc123def456ghi789`
	got := redactTokens(line)

	if strings.Contains(got, "abc123def456ghi789") {
		t.Errorf("bearer token leaked: %s", got)
	}
	if !strings.Contains(got, redactedPlaceholder) {
		t.Errorf("expected placeholder in %s", got)
	}
}

func TestRedactTokensJSONField(t *testing.T) {
	line := `issued session {"token":"f3a9c2e4b1d8a7f6e5c4b3a2"}`
	got := redactTokens(line)

	if strings.Contains(got, "f3a9c2e4b1d8a7f6e5c4b3a2") {
		t.Errorf("token field leaked: %s", got)
	}
}

func TestRedactTokensLeavesPlainLines(t *testing.T) {
	line := "task task-42 completed in 12ms"
	if got := redactTokens(line); got != line {
		t.Errorf("plain line altered: %s", got)
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("OrNop(nil) returned nil")
	}
	logger := NewComponentLogger("Test")
	if OrNop(logger) != logger {
		t.Error("OrNop should pass through a non-nil logger")
	}
}
