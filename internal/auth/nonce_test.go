package auth

import (
	"testing"
	"time"
)

func TestNoncer_IssueValidate(t *testing.T) {
	n := NewNoncer("secret")
	now := time.Now()
	nonce := n.Issue(now)
	if len(nonce) != nonceLen {
		t.Fatalf("expected a %d-byte nonce, got %d", nonceLen, len(nonce))
	}
	if err := n.Validate(nonce, now); err != nil {
		t.Fatalf("freshly issued nonce should validate: %v", err)
	}
}

func TestNoncer_DifferentKeyFails(t *testing.T) {
	now := time.Now()
	nonce := NewNoncer("secret").Issue(now)
	other := NewNoncer("different")
	if err := other.Validate(nonce, now); err != ErrStaleNonce {
		t.Fatalf("expected ErrStaleNonce validating with a different key, got %v", err)
	}
}

func TestNoncer_ExpiredFails(t *testing.T) {
	n := &Noncer{Key: "secret", Lifetime: time.Minute}
	now := time.Now()
	nonce := n.Issue(now)
	if err := n.Validate(nonce, now.Add(2*time.Minute)); err != ErrStaleNonce {
		t.Fatalf("expected ErrStaleNonce for an expired nonce, got %v", err)
	}
}

func TestNoncer_MalformedFails(t *testing.T) {
	n := NewNoncer("secret")
	if err := n.Validate([]byte("too-short"), time.Now()); err != ErrStaleNonce {
		t.Fatalf("expected ErrStaleNonce for a malformed nonce, got %v", err)
	}
}
