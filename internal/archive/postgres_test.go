package archive

import (
	"testing"

	"conductor/internal/ports"
)

func TestFailureRoundTrip(t *testing.T) {
	original := &ports.TaskError{Kind: ports.FailureServiceTimeout, Message: "camera timed out"}

	encoded, err := encodeFailure(original)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := decodeFailure(encoded)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.Kind != original.Kind || decoded.Message != original.Message {
		t.Errorf("round trip mismatch: %+v", decoded)
	}
}

func TestNilFailureEncodesToNull(t *testing.T) {
	encoded, err := encodeFailure(nil)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if encoded != nil {
		t.Errorf("nil failure should encode to nil, got %s", encoded)
	}
	decoded, err := decodeFailure(nil)
	if err != nil || decoded != nil {
		t.Errorf("nil column should decode to nil, got %v, %v", decoded, err)
	}
}

func TestNullableJSON(t *testing.T) {
	if nullableJSON(nil) != nil {
		t.Error("empty input should map to SQL NULL")
	}
	if nullableJSON([]byte(`{}`)) == nil {
		t.Error("non-empty input should pass through")
	}
}
