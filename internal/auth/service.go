package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"qilbeedb.org/internal/ids"
)

// Service ties credentials, tokens, revocation and lockout together. It is
// the only component that sees plaintext passwords.
type Service struct {
	users     UserStore
	rbac      *Engine
	codec     *Codec
	blacklist *Blacklist
	lockout   *LockoutService
	apikeys   *APIKeyStore
	policy    PasswordPolicy
	now       func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithPasswordPolicy overrides the default password policy.
func WithPasswordPolicy(policy PasswordPolicy) ServiceOption {
	return func(s *Service) {
		s.policy = policy
	}
}

// NewService constructs the authentication service.
func NewService(users UserStore, rbac *Engine, codec *Codec, blacklist *Blacklist, lockout *LockoutService, apikeys *APIKeyStore, opts ...ServiceOption) (*Service, error) {
	if users == nil || rbac == nil || codec == nil || blacklist == nil || lockout == nil || apikeys == nil {
		return nil, errors.New("auth: all collaborators are required")
	}
	s := &Service{
		users:     users,
		rbac:      rbac,
		codec:     codec,
		blacklist: blacklist,
		lockout:   lockout,
		apikeys:   apikeys,
		policy:    DefaultPasswordPolicy(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Engine exposes the RBAC engine for permission checks.
func (s *Service) Engine() *Engine { return s.rbac }

// Lockout exposes the lockout service for admin endpoints and sweeps.
func (s *Service) Lockout() *LockoutService { return s.lockout }

// Blacklist exposes the token blacklist for sweeps.
func (s *Service) Blacklist() *Blacklist { return s.blacklist }

// APIKeys exposes the key store for admin endpoints.
func (s *Service) APIKeys() *APIKeyStore { return s.apikeys }

// Users exposes the user store.
func (s *Service) Users() UserStore { return s.users }

// PasswordPolicy returns the active policy.
func (s *Service) PasswordPolicy() PasswordPolicy { return s.policy }

// LoginResult is the outcome of a successful login.
type LoginResult struct {
	Tokens TokenPair
	User   User
}

// Login checks lockout state before credentials so a locked account is
// rejected without revealing whether the password would have matched.
func (s *Service) Login(ctx context.Context, username, password, ip string) (LoginResult, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return LoginResult{}, ErrInvalidCredentials
	}
	if _, err := s.lockout.Allowed(username, ip); err != nil {
		return LoginResult{}, err
	}

	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return LoginResult{}, s.failLogin(username, ip)
		}
		return LoginResult{}, err
	}
	if !user.Active {
		return LoginResult{}, ErrInvalidCredentials
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return LoginResult{}, s.failLogin(username, ip)
	}

	s.lockout.RecordSuccess(username, ip)
	now := s.now().UTC()
	user.LastLoginAt = &now
	user.UpdatedAt = now
	if err := s.users.Update(ctx, &user); err != nil {
		return LoginResult{}, err
	}
	pair, err := s.codec.Issue(user)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{Tokens: pair, User: user}, nil
}

func (s *Service) failLogin(username, ip string) error {
	locked, remaining := s.lockout.RecordFailure(username, ip)
	if locked {
		return fmt.Errorf("%w: too many failed attempts", ErrAccountLocked)
	}
	return fmt.Errorf("%w: %d attempts remaining", ErrInvalidCredentials, remaining)
}

// ValidateAccessToken resolves a bearer token to a principal, consulting the
// blacklist and the per-user revocation watermark. The roles in the
// principal are the snapshot taken at issuance.
func (s *Service) ValidateAccessToken(_ context.Context, token string) (Principal, error) {
	claims, err := s.codec.ValidateAccess(token)
	if err != nil {
		return Principal{}, err
	}
	if err := s.checkRevoked(claims); err != nil {
		return Principal{}, err
	}
	return Principal{
		UserID:   claims.Subject,
		Username: claims.Username,
		Roles:    claims.Roles,
		Method:   MethodToken,
		TokenID:  claims.ID,
	}, nil
}

// ValidateAPIKey resolves a raw key secret to a principal carrying the owner
// user's current roles.
func (s *Service) ValidateAPIKey(ctx context.Context, secret string) (Principal, error) {
	key, err := s.apikeys.Validate(secret)
	if err != nil {
		return Principal{}, err
	}
	user, err := s.users.GetByID(ctx, key.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Principal{}, ErrInvalidCredentials
		}
		return Principal{}, err
	}
	if !user.Active {
		return Principal{}, ErrInvalidCredentials
	}
	return Principal{
		UserID:   user.ID,
		Username: user.Username,
		Roles:    append([]string(nil), user.Roles...),
		Method:   MethodAPIKey,
		TokenID:  key.ID,
	}, nil
}

// Refresh validates a refresh token and issues a new access token. The
// presented refresh token stays valid until its own expiry.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	claims, err := s.codec.ValidateRefresh(refreshToken)
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.checkRevoked(claims); err != nil {
		return TokenPair{}, err
	}
	user, err := s.users.GetByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, ErrInvalidToken
		}
		return TokenPair{}, err
	}
	if !user.Active {
		return TokenPair{}, ErrInvalidToken
	}
	now := s.now().UTC()
	access, accessExp, err := s.codec.sign(user, tokenTypeAccess, now, s.codec.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refreshToken,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func (s *Service) checkRevoked(claims *Claims) error {
	if s.blacklist.IsRevoked(claims.ID) {
		return ErrTokenRevoked
	}
	if s.blacklist.RevokedByWatermark(claims.Subject, claims.IssuedAt.Time) {
		return ErrTokenRevoked
	}
	return nil
}

// Logout blacklists the presented tokens. Tokens that are already invalid or
// expired are skipped; logout never fails on them.
func (s *Service) Logout(_ context.Context, accessToken, refreshToken string) {
	if claims, err := s.codec.ValidateAccess(accessToken); err == nil {
		_ = s.blacklist.Revoke(claims.ID, claims.Subject, claims.ExpiresAt.Time, ReasonLogout)
	}
	if claims, err := s.codec.ValidateRefresh(refreshToken); err == nil {
		_ = s.blacklist.Revoke(claims.ID, claims.Subject, claims.ExpiresAt.Time, ReasonLogout)
	}
}

// Revoke blacklists a single token of either type.
func (s *Service) Revoke(_ context.Context, token string, reason RevocationReason) error {
	claims, err := s.codec.ValidateAccess(token)
	if err != nil {
		claims, err = s.codec.ValidateRefresh(token)
	}
	if err != nil {
		return err
	}
	return s.blacklist.Revoke(claims.ID, claims.Subject, claims.ExpiresAt.Time, reason)
}

// RevokeAllForUser invalidates every token issued to the user before now.
func (s *Service) RevokeAllForUser(_ context.Context, userID string, reason RevocationReason) error {
	horizon := s.now().UTC().Add(s.codec.refreshTTL)
	return s.blacklist.RevokeAllForUser(userID, horizon, reason)
}

// CreateUser validates the password against the policy, hashes it and stores
// the account. Users with no explicit roles get the read role.
func (s *Service) CreateUser(ctx context.Context, username, email, password string, roles []string) (User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return User{}, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || !strings.Contains(email, "@") {
		return User{}, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	if err := s.policy.Validate(password); err != nil {
		return User{}, err
	}
	if len(roles) == 0 {
		roles = []string{RoleRead}
	}
	if err := s.checkRoles(roles); err != nil {
		return User{}, err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return User{}, err
	}
	now := s.now().UTC()
	user := User{
		ID:           ids.New(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Roles:        roles,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.Create(ctx, &user); err != nil {
		return User{}, err
	}
	return user, nil
}

// UpdateUser applies optional field changes. A password change revokes every
// outstanding token for the user.
func (s *Service) UpdateUser(ctx context.Context, id string, upd UserUpdate) (User, error) {
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		return User{}, err
	}
	if upd.Email != nil {
		email := strings.TrimSpace(strings.ToLower(*upd.Email))
		if email == "" || !strings.Contains(email, "@") {
			return User{}, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
		}
		user.Email = email
	}
	if upd.Active != nil {
		user.Active = *upd.Active
	}
	if upd.Roles != nil {
		if err := s.checkRoles(upd.Roles); err != nil {
			return User{}, err
		}
		user.Roles = append([]string(nil), upd.Roles...)
	}
	passwordChanged := false
	if upd.Password != nil {
		if err := s.policy.Validate(*upd.Password); err != nil {
			return User{}, err
		}
		hash, err := HashPassword(*upd.Password)
		if err != nil {
			return User{}, err
		}
		user.PasswordHash = hash
		passwordChanged = true
	}
	user.UpdatedAt = s.now().UTC()
	if err := s.users.Update(ctx, &user); err != nil {
		return User{}, err
	}
	if passwordChanged {
		if err := s.RevokeAllForUser(ctx, user.ID, ReasonPasswordChanged); err != nil {
			return User{}, err
		}
	}
	return user, nil
}

// SetRoles replaces the user's role set.
func (s *Service) SetRoles(ctx context.Context, id string, roles []string) (User, error) {
	if roles == nil {
		roles = []string{}
	}
	return s.UpdateUser(ctx, id, UserUpdate{Roles: roles})
}

// DeleteUser removes the account and cascades: all API keys are revoked and
// all outstanding tokens invalidated.
func (s *Service) DeleteUser(ctx context.Context, id string) error {
	if err := s.users.Delete(ctx, id); err != nil {
		return err
	}
	s.apikeys.RevokeAllForUser(id)
	return s.RevokeAllForUser(ctx, id, ReasonAdminRevoke)
}

func (s *Service) checkRoles(roles []string) error {
	for _, role := range roles {
		if !s.rbac.RoleExists(role) {
			return fmt.Errorf("%w: unknown role %s", ErrInvalidInput, role)
		}
	}
	return nil
}
