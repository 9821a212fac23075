package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"qilbeedb.org/internal/ids"
)

// DefaultAPIKeyPrefix distinguishes production keys from test keys at a
// glance; only the prefix configured at startup validates.
const DefaultAPIKeyPrefix = "qilbee_live_"

// APIKey is the stored record for a long-lived key. Only the sha256 digest of
// the secret is retained; the raw secret is returned once at issuance.
type APIKey struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Name       string     `json:"name"`
	SecretHash string     `json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	Revoked    bool       `json:"revoked"`
}

// APIKeyStore issues and validates API keys.
type APIKeyStore struct {
	mu     sync.RWMutex
	byID   map[string]*APIKey
	byHash map[string]string
	prefix string
	now    func() time.Time
}

// APIKeyOption configures APIKeyStore behavior.
type APIKeyOption func(*APIKeyStore)

// WithAPIKeyPrefix overrides the environment prefix, e.g. "qilbee_test_".
func WithAPIKeyPrefix(prefix string) APIKeyOption {
	return func(s *APIKeyStore) {
		if p := strings.TrimSpace(prefix); p != "" {
			s.prefix = p
		}
	}
}

// WithAPIKeyClock overrides the time source (useful for tests).
func WithAPIKeyClock(fn func() time.Time) APIKeyOption {
	return func(s *APIKeyStore) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewAPIKeyStore constructs an empty store.
func NewAPIKeyStore(opts ...APIKeyOption) *APIKeyStore {
	s := &APIKeyStore{
		byID:   make(map[string]*APIKey),
		byHash: make(map[string]string),
		prefix: DefaultAPIKeyPrefix,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue mints a key for the user. ttl <= 0 means the key never expires. The
// returned secret is shown to the caller exactly once.
func (s *APIKeyStore) Issue(userID, name string, ttl time.Duration) (APIKey, string, error) {
	userID = strings.TrimSpace(userID)
	name = strings.TrimSpace(name)
	if userID == "" {
		return APIKey{}, "", fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if name == "" {
		return APIKey{}, "", fmt.Errorf("%w: key name is required", ErrInvalidInput)
	}
	secret, err := s.newSecret()
	if err != nil {
		return APIKey{}, "", err
	}
	now := s.now().UTC()
	key := &APIKey{
		ID:         ids.New(),
		UserID:     userID,
		Name:       name,
		SecretHash: hashSecret(secret),
		CreatedAt:  now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		key.ExpiresAt = &exp
	}
	s.mu.Lock()
	s.byID[key.ID] = key
	s.byHash[key.SecretHash] = key.ID
	s.mu.Unlock()
	return *key, secret, nil
}

// Validate resolves a raw secret to its key record, stamping last_used_at.
func (s *APIKeyStore) Validate(secret string) (APIKey, error) {
	if !strings.HasPrefix(secret, s.prefix) {
		return APIKey{}, ErrInvalidCredentials
	}
	hash := hashSecret(secret)
	now := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byHash[hash]
	if !ok {
		return APIKey{}, ErrInvalidCredentials
	}
	key := s.byID[id]
	if key.Revoked {
		return APIKey{}, ErrTokenRevoked
	}
	if key.ExpiresAt != nil && !key.ExpiresAt.After(now) {
		return APIKey{}, ErrTokenExpired
	}
	key.LastUsedAt = &now
	return *key, nil
}

// Get returns a key by id.
func (s *APIKeyStore) Get(id string) (APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.byID[id]
	if !ok {
		return APIKey{}, fmt.Errorf("%w: api key %s", ErrNotFound, id)
	}
	return *key, nil
}

// List returns keys owned by the user, newest first.
func (s *APIKeyStore) List(userID string) []APIKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]APIKey, 0)
	for _, key := range s.byID {
		if key.UserID == userID {
			out = append(out, *key)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Revoke permanently disables a key.
func (s *APIKeyStore) Revoke(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: api key %s", ErrNotFound, id)
	}
	key.Revoked = true
	delete(s.byHash, key.SecretHash)
	return nil
}

// RevokeAllForUser disables every key owned by the user.
func (s *APIKeyStore) RevokeAllForUser(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	revoked := 0
	for _, key := range s.byID {
		if key.UserID == userID && !key.Revoked {
			key.Revoked = true
			delete(s.byHash, key.SecretHash)
			revoked++
		}
	}
	return revoked
}

// Rotate revokes the key and issues a replacement with the same name, owner
// and remaining lifetime. The new secret is returned once.
func (s *APIKeyStore) Rotate(id string) (APIKey, string, error) {
	secret, err := s.newSecret()
	if err != nil {
		return APIKey{}, "", err
	}
	now := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.byID[id]
	if !ok {
		return APIKey{}, "", fmt.Errorf("%w: api key %s", ErrNotFound, id)
	}
	if old.Revoked {
		return APIKey{}, "", fmt.Errorf("%w: api key %s is revoked", ErrInvalidInput, id)
	}
	old.Revoked = true
	delete(s.byHash, old.SecretHash)

	replacement := &APIKey{
		ID:         ids.New(),
		UserID:     old.UserID,
		Name:       old.Name,
		SecretHash: hashSecret(secret),
		CreatedAt:  now,
		ExpiresAt:  old.ExpiresAt,
	}
	s.byID[replacement.ID] = replacement
	s.byHash[replacement.SecretHash] = replacement.ID
	return *replacement, secret, nil
}

func (s *APIKeyStore) newSecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return s.prefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
