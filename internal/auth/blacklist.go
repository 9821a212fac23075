package auth

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"qilbeedb.org/internal/obs"
)

// RevocationReason explains why a token was blacklisted.
type RevocationReason string

const (
	ReasonLogout           RevocationReason = "logout"
	ReasonAdminRevoke      RevocationReason = "admin_revoke"
	ReasonSecurityIncident RevocationReason = "security_incident"
	ReasonPasswordChanged  RevocationReason = "password_changed"
	ReasonRevokeAll        RevocationReason = "revoke_all"
)

// blacklistEntry is one line of the durable log. Entries with reason
// revoke_all carry no jti and act as a per-user revocation watermark.
type blacklistEntry struct {
	JTI       string           `json:"jti,omitempty"`
	UserID    string           `json:"user_id"`
	RevokedAt time.Time        `json:"revoked_at"`
	ExpiresAt time.Time        `json:"expires_at"`
	Reason    RevocationReason `json:"reason"`
}

// Blacklist tracks revoked token ids and per-user revocation watermarks.
// Membership tests are O(1) in-memory lookups; every mutation is also
// appended to a line-delimited log so revocations survive restarts. The
// append runs on a dedicated goroutine so disk latency never stalls the
// request path.
type Blacklist struct {
	mu         sync.RWMutex
	entries    map[string]blacklistEntry
	watermarks map[string]blacklistEntry

	path    string
	pending chan blacklistEntry
	done    chan struct{}
	now     func() time.Time
}

// BlacklistOption configures Blacklist behavior.
type BlacklistOption func(*Blacklist)

// WithBlacklistClock overrides the time source (useful for tests).
func WithBlacklistClock(fn func() time.Time) BlacklistOption {
	return func(b *Blacklist) {
		if fn != nil {
			b.now = fn
		}
	}
}

// NewBlacklist constructs a Blacklist. An empty path keeps revocations in
// memory only. With a path, non-expired entries from the existing log are
// reloaded before the writer starts.
func NewBlacklist(path string, opts ...BlacklistOption) (*Blacklist, error) {
	b := &Blacklist{
		entries:    make(map[string]blacklistEntry),
		watermarks: make(map[string]blacklistEntry),
		path:       path,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if path == "" {
		return b, nil
	}
	if err := b.reload(); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open blacklist log: %w", err)
	}
	b.pending = make(chan blacklistEntry, 1024)
	b.done = make(chan struct{})
	go b.writeLoop(file)
	return b, nil
}

func (b *Blacklist) reload() error {
	file, err := os.Open(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open blacklist log: %w", err)
	}
	defer file.Close()

	now := b.now().UTC()
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var entry blacklistEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if !entry.ExpiresAt.After(now) {
			continue
		}
		b.apply(entry)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read blacklist log: %w", err)
	}
	obs.SetBlacklistSize(len(b.entries))
	return nil
}

func (b *Blacklist) writeLoop(file *os.File) {
	defer close(b.done)
	defer file.Close()
	enc := json.NewEncoder(file)
	for entry := range b.pending {
		if err := enc.Encode(entry); err != nil {
			obs.Log(map[string]any{
				"level": "warn",
				"msg":   "blacklist append failed",
				"error": err.Error(),
			})
		}
	}
}

func (b *Blacklist) apply(entry blacklistEntry) {
	if entry.JTI == "" {
		if existing, ok := b.watermarks[entry.UserID]; !ok || entry.RevokedAt.After(existing.RevokedAt) {
			b.watermarks[entry.UserID] = entry
		}
		return
	}
	b.entries[entry.JTI] = entry
}

func (b *Blacklist) persist(entry blacklistEntry) {
	if b.pending == nil {
		return
	}
	select {
	case b.pending <- entry:
	default:
		obs.Log(map[string]any{
			"level": "warn",
			"msg":   "blacklist write queue full, entry kept in memory only",
			"jti":   entry.JTI,
		})
	}
}

// Revoke blacklists a jti until the token's natural expiry.
func (b *Blacklist) Revoke(jti, userID string, expiresAt time.Time, reason RevocationReason) error {
	if jti == "" {
		return fmt.Errorf("%w: jti is required", ErrInvalidInput)
	}
	entry := blacklistEntry{
		JTI:       jti,
		UserID:    userID,
		RevokedAt: b.now().UTC(),
		ExpiresAt: expiresAt.UTC(),
		Reason:    reason,
	}
	b.mu.Lock()
	b.apply(entry)
	size := len(b.entries)
	b.mu.Unlock()
	obs.SetBlacklistSize(size)
	b.persist(entry)
	return nil
}

// RevokeAllForUser records a revocation watermark: every token issued to the
// user at or before now is rejected. The horizon bounds how long the
// watermark must be retained; pass now plus the longest token lifetime.
func (b *Blacklist) RevokeAllForUser(userID string, horizon time.Time, reason RevocationReason) error {
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if reason == "" {
		reason = ReasonRevokeAll
	}
	entry := blacklistEntry{
		UserID:    userID,
		RevokedAt: b.now().UTC(),
		ExpiresAt: horizon.UTC(),
		Reason:    reason,
	}
	b.mu.Lock()
	b.apply(entry)
	b.mu.Unlock()
	b.persist(entry)
	return nil
}

// IsRevoked reports whether the jti has been individually blacklisted.
func (b *Blacklist) IsRevoked(jti string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.entries[jti]
	return ok
}

// RevokedByWatermark reports whether a token issued to the user at issuedAt
// falls under a revoke-all watermark.
func (b *Blacklist) RevokedByWatermark(userID string, issuedAt time.Time) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	wm, ok := b.watermarks[userID]
	if !ok {
		return false
	}
	return !issuedAt.After(wm.RevokedAt)
}

// CleanupExpired drops entries whose tokens have expired naturally and can
// never be replayed. Returns the number of entries removed.
func (b *Blacklist) CleanupExpired() int {
	now := b.now().UTC()
	b.mu.Lock()
	removed := 0
	for jti, entry := range b.entries {
		if !entry.ExpiresAt.After(now) {
			delete(b.entries, jti)
			removed++
		}
	}
	for userID, entry := range b.watermarks {
		if !entry.ExpiresAt.After(now) {
			delete(b.watermarks, userID)
			removed++
		}
	}
	size := len(b.entries)
	b.mu.Unlock()
	obs.SetBlacklistSize(size)
	return removed
}

// Len returns the number of individually blacklisted jtis.
func (b *Blacklist) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Close flushes pending durable writes and releases the log file.
func (b *Blacklist) Close() error {
	if b.pending == nil {
		return nil
	}
	close(b.pending)
	<-b.done
	return nil
}
