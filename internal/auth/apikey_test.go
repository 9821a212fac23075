package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestAPIKeyIssueAndValidate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewAPIKeyStore(WithAPIKeyClock(func() time.Time { return now }))

	key, secret, err := store.Issue("user-1", "ci-pipeline", 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !strings.HasPrefix(secret, DefaultAPIKeyPrefix) {
		t.Fatalf("secret must carry the environment prefix: %s", secret)
	}
	if strings.Contains(key.SecretHash, secret) || key.SecretHash == secret {
		t.Fatalf("raw secret must never be stored")
	}

	got, err := store.Validate(secret)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got.ID != key.ID || got.UserID != "user-1" {
		t.Fatalf("unexpected key: %+v", got)
	}
	if got.LastUsedAt == nil || !got.LastUsedAt.Equal(now) {
		t.Fatalf("last_used_at not stamped: %+v", got.LastUsedAt)
	}

	if _, err := store.Validate("qilbee_test_" + strings.TrimPrefix(secret, DefaultAPIKeyPrefix)); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong prefix must fail, got %v", err)
	}
	if _, err := store.Validate(DefaultAPIKeyPrefix + "unknown"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown secret must fail, got %v", err)
	}
}

func TestAPIKeyExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewAPIKeyStore(WithAPIKeyClock(func() time.Time { return now }))
	_, secret, err := store.Issue("user-1", "short-lived", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := store.Validate(secret); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	now = now.Add(2 * time.Hour)
	if _, err := store.Validate(secret); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestAPIKeyRevoke(t *testing.T) {
	store := NewAPIKeyStore()
	key, secret, err := store.Issue("user-1", "to-revoke", 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := store.Revoke(key.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := store.Validate(secret); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("revoked key must not validate, got %v", err)
	}
	if err := store.Revoke("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAPIKeyRotate(t *testing.T) {
	store := NewAPIKeyStore()
	key, oldSecret, err := store.Issue("user-1", "rotating", 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	replacement, newSecret, err := store.Rotate(key.ID)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if replacement.ID == key.ID || newSecret == oldSecret {
		t.Fatalf("rotation must mint a fresh key")
	}
	if replacement.Name != key.Name || replacement.UserID != key.UserID {
		t.Fatalf("rotation must preserve owner and name: %+v", replacement)
	}
	if _, err := store.Validate(oldSecret); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old secret must stop validating, got %v", err)
	}
	if _, err := store.Validate(newSecret); err != nil {
		t.Fatalf("new secret must validate: %v", err)
	}
}

func TestAPIKeyRevokeAllForUser(t *testing.T) {
	store := NewAPIKeyStore()
	_, s1, _ := store.Issue("user-1", "a", 0)
	_, s2, _ := store.Issue("user-1", "b", 0)
	_, s3, _ := store.Issue("user-2", "c", 0)
	if n := store.RevokeAllForUser("user-1"); n != 2 {
		t.Fatalf("expected 2 keys revoked, got %d", n)
	}
	if _, err := store.Validate(s1); err == nil {
		t.Fatalf("user-1 key a must be revoked")
	}
	if _, err := store.Validate(s2); err == nil {
		t.Fatalf("user-1 key b must be revoked")
	}
	if _, err := store.Validate(s3); err != nil {
		t.Fatalf("user-2 key must be unaffected: %v", err)
	}
}
