package auth

import (
	"errors"
	"strings"
	"testing"
)

func TestPasswordPolicyValidate(t *testing.T) {
	policy := DefaultPasswordPolicy()

	if err := policy.Validate("short"); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword for short password, got %v", err)
	}
	if err := policy.Validate("Adm!n2024Password"); err != nil {
		t.Fatalf("expected strong password to pass, got %v", err)
	}
	if err := policy.Validate("alllowercase1!aa"); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected missing uppercase to fail, got %v", err)
	}
	if err := policy.Validate("ALLUPPERCASE1!AA"); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected missing lowercase to fail, got %v", err)
	}
	if err := policy.Validate("NoDigitsHere!!aa"); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected missing digit to fail, got %v", err)
	}
	if err := policy.Validate("NoSpecials2024aa"); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected missing special character to fail, got %v", err)
	}
}

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("Adm!n2024Password")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$v=19$") {
		t.Fatalf("unexpected hash format: %s", hash)
	}
	if err := VerifyPassword(hash, "Adm!n2024Password"); err != nil {
		t.Fatalf("VerifyPassword: %v", err)
	}
	if err := VerifyPassword(hash, "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if err := VerifyPassword("not-a-phc-string", "x"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for malformed hash, got %v", err)
	}
}

func TestHashPasswordSaltsDiffer(t *testing.T) {
	a, err := HashPassword("Adm!n2024Password")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	b, err := HashPassword("Adm!n2024Password")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if a == b {
		t.Fatalf("expected distinct salts to produce distinct hashes")
	}
}
