package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

type serviceHarness struct {
	svc *Service
	now *time.Time
}

func newServiceHarness(t *testing.T) *serviceHarness {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	codec, err := NewCodec("test-signing-secret",
		WithCodecClock(clock),
		WithAccessTTL(15*time.Minute),
		WithRefreshTTL(24*time.Hour),
	)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	blacklist, err := NewBlacklist("", WithBlacklistClock(clock))
	if err != nil {
		t.Fatalf("NewBlacklist: %v", err)
	}
	lockout := NewLockoutService(DefaultLockoutConfig(), WithLockoutClock(clock))
	apikeys := NewAPIKeyStore(WithAPIKeyClock(clock))
	svc, err := NewService(NewMemoryUserStore(), NewEngine(), codec, blacklist, lockout, apikeys,
		WithClock(clock))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return &serviceHarness{svc: svc, now: &now}
}

func (h *serviceHarness) createUser(t *testing.T, username string, roles ...string) User {
	t.Helper()
	user, err := h.svc.CreateUser(context.Background(), username, username+"@example.com", "Adm!n2024Password", roles)
	if err != nil {
		t.Fatalf("CreateUser(%s): %v", username, err)
	}
	return user
}

func TestLoginSuccess(t *testing.T) {
	h := newServiceHarness(t)
	h.createUser(t, "alice", RoleDeveloper)

	result, err := h.svc.Login(context.Background(), "alice", "Adm!n2024Password", "10.0.0.1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if result.Tokens.AccessToken == "" || result.Tokens.RefreshToken == "" {
		t.Fatalf("expected a token pair")
	}
	if result.User.LastLoginAt == nil {
		t.Fatalf("last_login_at must be stamped")
	}

	principal, err := h.svc.ValidateAccessToken(context.Background(), result.Tokens.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccessToken: %v", err)
	}
	if principal.Username != "alice" || principal.Method != MethodToken {
		t.Fatalf("unexpected principal: %+v", principal)
	}
	if len(principal.Roles) != 1 || principal.Roles[0] != RoleDeveloper {
		t.Fatalf("role snapshot missing: %v", principal.Roles)
	}
}

func TestLoginInvalidCredentials(t *testing.T) {
	h := newServiceHarness(t)
	h.createUser(t, "alice")

	if _, err := h.svc.Login(context.Background(), "alice", "wrong", "10.0.0.1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	// Unknown usernames fail the same way so existence is not revealed.
	if _, err := h.svc.Login(context.Background(), "nobody", "wrong", "10.0.0.1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}
}

func TestLoginLockoutBeforeCredentialCheck(t *testing.T) {
	h := newServiceHarness(t)
	h.createUser(t, "alice")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := h.svc.Login(ctx, "alice", "wrong", "10.0.0.1"); err == nil {
			t.Fatalf("attempt %d should fail", i+1)
		}
	}
	// Correct password is rejected while locked.
	if _, err := h.svc.Login(ctx, "alice", "Adm!n2024Password", "10.0.0.1"); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected ErrAccountLocked, got %v", err)
	}

	*h.now = h.now.Add(16 * time.Minute)
	if _, err := h.svc.Login(ctx, "alice", "Adm!n2024Password", "10.0.0.1"); err != nil {
		t.Fatalf("login should succeed after lockout expires: %v", err)
	}
	status := h.svc.Lockout().Status("alice")
	if status.FailedAttempts != 0 || status.LockoutCount != 0 {
		t.Fatalf("counters must reset after success: %+v", status)
	}
}

func TestLogoutRevokesTokens(t *testing.T) {
	h := newServiceHarness(t)
	h.createUser(t, "alice")
	ctx := context.Background()

	result, err := h.svc.Login(ctx, "alice", "Adm!n2024Password", "10.0.0.1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	h.svc.Logout(ctx, result.Tokens.AccessToken, result.Tokens.RefreshToken)

	if _, err := h.svc.ValidateAccessToken(ctx, result.Tokens.AccessToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected ErrTokenRevoked after logout, got %v", err)
	}
	if _, err := h.svc.Refresh(ctx, result.Tokens.RefreshToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected refresh to be revoked too, got %v", err)
	}
}

func TestRevokeAllForUser(t *testing.T) {
	h := newServiceHarness(t)
	alice := h.createUser(t, "alice")
	h.createUser(t, "bob")
	ctx := context.Background()

	aliceLogin, err := h.svc.Login(ctx, "alice", "Adm!n2024Password", "10.0.0.1")
	if err != nil {
		t.Fatalf("Login(alice): %v", err)
	}
	bobLogin, err := h.svc.Login(ctx, "bob", "Adm!n2024Password", "10.0.0.2")
	if err != nil {
		t.Fatalf("Login(bob): %v", err)
	}

	*h.now = h.now.Add(time.Second)
	if err := h.svc.RevokeAllForUser(ctx, alice.ID, ReasonSecurityIncident); err != nil {
		t.Fatalf("RevokeAllForUser: %v", err)
	}

	if _, err := h.svc.ValidateAccessToken(ctx, aliceLogin.Tokens.AccessToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("alice's token must be revoked, got %v", err)
	}
	if _, err := h.svc.ValidateAccessToken(ctx, bobLogin.Tokens.AccessToken); err != nil {
		t.Fatalf("bob's token must stay valid: %v", err)
	}

	// Tokens issued after the revocation are valid again.
	*h.now = h.now.Add(time.Second)
	fresh, err := h.svc.Login(ctx, "alice", "Adm!n2024Password", "10.0.0.1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := h.svc.ValidateAccessToken(ctx, fresh.Tokens.AccessToken); err != nil {
		t.Fatalf("fresh token must validate: %v", err)
	}
}

func TestRefreshIssuesNewAccessToken(t *testing.T) {
	h := newServiceHarness(t)
	h.createUser(t, "alice")
	ctx := context.Background()

	result, err := h.svc.Login(ctx, "alice", "Adm!n2024Password", "10.0.0.1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	*h.now = h.now.Add(time.Minute)
	pair, err := h.svc.Refresh(ctx, result.Tokens.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if pair.AccessToken == result.Tokens.AccessToken {
		t.Fatalf("refresh must mint a new access token")
	}
	if _, err := h.svc.ValidateAccessToken(ctx, pair.AccessToken); err != nil {
		t.Fatalf("refreshed access token must validate: %v", err)
	}
	if _, err := h.svc.Refresh(ctx, result.Tokens.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("access token must not refresh, got %v", err)
	}
}

func TestPasswordChangeRevokesTokens(t *testing.T) {
	h := newServiceHarness(t)
	alice := h.createUser(t, "alice")
	ctx := context.Background()

	result, err := h.svc.Login(ctx, "alice", "Adm!n2024Password", "10.0.0.1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	*h.now = h.now.Add(time.Second)
	next := "N3w!Passw0rdLonger"
	if _, err := h.svc.UpdateUser(ctx, alice.ID, UserUpdate{Password: &next}); err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}
	if _, err := h.svc.ValidateAccessToken(ctx, result.Tokens.AccessToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("old tokens must be revoked after a password change, got %v", err)
	}
	*h.now = h.now.Add(time.Second)
	if _, err := h.svc.Login(ctx, "alice", next, "10.0.0.1"); err != nil {
		t.Fatalf("login with new password: %v", err)
	}
}

func TestCreateUserValidation(t *testing.T) {
	h := newServiceHarness(t)
	ctx := context.Background()

	if _, err := h.svc.CreateUser(ctx, "alice", "alice@example.com", "short", nil); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
	if _, err := h.svc.CreateUser(ctx, "alice", "not-an-email", "Adm!n2024Password", nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for email, got %v", err)
	}
	if _, err := h.svc.CreateUser(ctx, "alice", "alice@example.com", "Adm!n2024Password", []string{"ghost"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown role, got %v", err)
	}

	user, err := h.svc.CreateUser(ctx, "alice", "alice@example.com", "Adm!n2024Password", nil)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if len(user.Roles) != 1 || user.Roles[0] != RoleRead {
		t.Fatalf("expected default read role, got %v", user.Roles)
	}
	if _, err := h.svc.CreateUser(ctx, "alice", "alice@example.com", "Adm!n2024Password", nil); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate username, got %v", err)
	}
}

func TestValidateAPIKeyPrincipal(t *testing.T) {
	h := newServiceHarness(t)
	alice := h.createUser(t, "alice", RoleAdmin)
	ctx := context.Background()

	_, secret, err := h.svc.APIKeys().Issue(alice.ID, "automation", 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	principal, err := h.svc.ValidateAPIKey(ctx, secret)
	if err != nil {
		t.Fatalf("ValidateAPIKey: %v", err)
	}
	if principal.Method != MethodAPIKey || principal.Username != "alice" {
		t.Fatalf("unexpected principal: %+v", principal)
	}

	// Disabling the owner disables the key.
	inactive := false
	if _, err := h.svc.UpdateUser(ctx, alice.ID, UserUpdate{Active: &inactive}); err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}
	if _, err := h.svc.ValidateAPIKey(ctx, secret); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("inactive owner must fail, got %v", err)
	}
}

func TestDeleteUserCascades(t *testing.T) {
	h := newServiceHarness(t)
	alice := h.createUser(t, "alice")
	ctx := context.Background()

	result, err := h.svc.Login(ctx, "alice", "Adm!n2024Password", "10.0.0.1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	_, secret, err := h.svc.APIKeys().Issue(alice.ID, "doomed", 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	*h.now = h.now.Add(time.Second)
	if err := h.svc.DeleteUser(ctx, alice.ID); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if _, err := h.svc.Users().GetByID(ctx, alice.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected user gone, got %v", err)
	}
	if _, err := h.svc.ValidateAPIKey(ctx, secret); err == nil {
		t.Fatalf("api keys must be revoked with the user")
	}
	if _, err := h.svc.ValidateAccessToken(ctx, result.Tokens.AccessToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("tokens must be revoked with the user, got %v", err)
	}
}
