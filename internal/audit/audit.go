package audit

import (
	"errors"
	"strings"
	"sync"
	"time"

	"qilbeedb.org/internal/ids"
)

// Result classifies the outcome of an audited action.
type Result string

const (
	ResultSuccess      Result = "success"
	ResultFailure      Result = "failure"
	ResultUnauthorized Result = "unauthorized"
	ResultForbidden    Result = "forbidden"
	ResultError        Result = "error"
)

// Event types form a closed catalog.
const (
	EventLogin             = "login"
	EventLoginFailed       = "login_failed"
	EventLogout            = "logout"
	EventTokenRefresh      = "token_refresh"
	EventTokenRevoked      = "token_revoked"
	EventAPIKeyCreated     = "api_key_created"
	EventAPIKeyRevoked     = "api_key_revoked"
	EventAPIKeyRotated     = "api_key_rotated"
	EventUserCreated       = "user_created"
	EventUserUpdated       = "user_updated"
	EventUserDeleted       = "user_deleted"
	EventRoleCreated       = "role_created"
	EventRoleUpdated       = "role_updated"
	EventRoleDeleted       = "role_deleted"
	EventRolesAssigned     = "roles_assigned"
	EventRateLimitCreated  = "rate_limit_created"
	EventRateLimitUpdated  = "rate_limit_updated"
	EventRateLimitDeleted  = "rate_limit_deleted"
	EventRateLimited       = "rate_limited"
	EventPermissionDenied  = "permission_denied"
	EventAccountLocked     = "account_locked"
	EventAccountUnlocked   = "account_unlocked"
	EventBootstrapComplete = "bootstrap_complete"
)

// Event is one bi-temporal audit record. EventTime is when the action
// happened according to the caller; TransactionTime is stamped when the
// record is accepted. Events are immutable once recorded.
type Event struct {
	ID              string         `json:"id"`
	EventType       string         `json:"event_type"`
	EventTime       time.Time      `json:"event_time"`
	TransactionTime time.Time      `json:"transaction_time"`
	UserID          string         `json:"user_id,omitempty"`
	Username        string         `json:"username,omitempty"`
	IP              string         `json:"ip,omitempty"`
	UserAgent       string         `json:"user_agent,omitempty"`
	Resource        string         `json:"resource,omitempty"`
	Result          Result         `json:"result"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Filter selects events in Query. Zero fields match everything.
type Filter struct {
	EventType string
	UserID    string
	Username  string
	Resource  string
	Result    Result
	// Since and Until bound EventTime, inclusive.
	Since time.Time
	Until time.Time
}

func (f Filter) matches(e Event) bool {
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.Username != "" && e.Username != f.Username {
		return false
	}
	if f.Resource != "" && e.Resource != f.Resource {
		return false
	}
	if f.Result != "" && e.Result != f.Result {
		return false
	}
	if !f.Since.IsZero() && e.EventTime.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.EventTime.After(f.Until) {
		return false
	}
	return true
}

const (
	// DefaultCapacity bounds the in-memory ring buffer.
	DefaultCapacity = 100_000
	// MaxQueryLimit caps how many events a single query may return.
	MaxQueryLimit = 1000
)

// Service records and queries security events. Recent events live in a
// bounded ring buffer; an optional rotating file set makes them durable.
// Record never blocks on disk and never fails the triggering operation.
type Service struct {
	mu   sync.RWMutex
	ring []Event
	next int
	size int

	writer    *fileWriter
	retention time.Duration
	now       func() time.Time
}

// Option configures the Service.
type Option func(*Service) error

// WithCapacity overrides the ring buffer size.
func WithCapacity(n int) Option {
	return func(s *Service) error {
		if n <= 0 {
			return errors.New("audit: capacity must be positive")
		}
		s.ring = make([]Event, n)
		return nil
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithRetention bounds how long events are kept, in memory and on disk.
func WithRetention(d time.Duration) Option {
	return func(s *Service) error {
		if d > 0 {
			s.retention = d
		}
		return nil
	}
}

// WithFile enables the durable rotating log. Files rotate once they reach
// maxSize bytes; rotated files are pruned by Cleanup per the retention.
func WithFile(path string, maxSize int64) Option {
	return func(s *Service) error {
		w, err := newFileWriter(path, maxSize, s.now)
		if err != nil {
			return err
		}
		s.writer = w
		return nil
	}
}

// New constructs the audit service. Order matters for options: WithClock
// before WithFile.
func New(opts ...Option) (*Service, error) {
	s := &Service{
		ring:      make([]Event, DefaultCapacity),
		retention: 90 * 24 * time.Hour,
		now:       time.Now,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Record accepts an event. The caller supplies EventTime (defaulted to now);
// TransactionTime is always stamped here. Sensitive metadata values are
// redacted before the event is stored anywhere.
func (s *Service) Record(e Event) {
	now := s.now().UTC()
	e.ID = ids.New()
	e.TransactionTime = now
	if e.EventTime.IsZero() {
		e.EventTime = now
	}
	if e.Result == "" {
		e.Result = ResultSuccess
	}
	e.Metadata = sanitizeMetadata(e.Metadata)

	s.mu.Lock()
	s.ring[s.next] = e
	s.next = (s.next + 1) % len(s.ring)
	if s.size < len(s.ring) {
		s.size++
	}
	s.mu.Unlock()

	if s.writer != nil {
		s.writer.enqueue(e)
	}
}

// Query returns matching events newest-first. limit is clamped to
// MaxQueryLimit; zero or negative means MaxQueryLimit.
func (s *Service) Query(f Filter, limit int) []Event {
	if limit <= 0 || limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, 0, min(limit, s.size))
	for i := 1; i <= s.size; i++ {
		idx := (s.next - i + len(s.ring)) % len(s.ring)
		e := s.ring[idx]
		if !f.matches(e) {
			continue
		}
		out = append(out, copyEvent(e))
		if len(out) == limit {
			break
		}
	}
	return out
}

// Cleanup evicts in-memory events older than the retention and prunes
// rotated files. Idempotent. Returns the number of in-memory evictions.
func (s *Service) Cleanup() int {
	cutoff := s.now().UTC().Add(-s.retention)

	s.mu.Lock()
	kept := make([]Event, 0, s.size)
	for i := s.size; i >= 1; i-- {
		idx := (s.next - i + len(s.ring)) % len(s.ring)
		e := s.ring[idx]
		if e.TransactionTime.After(cutoff) {
			kept = append(kept, e)
		}
	}
	removed := s.size - len(kept)
	if removed > 0 {
		capacity := len(s.ring)
		s.ring = make([]Event, capacity)
		copy(s.ring, kept)
		s.next = len(kept) % capacity
		s.size = len(kept)
	}
	s.mu.Unlock()

	if s.writer != nil {
		s.writer.prune(cutoff)
	}
	return removed
}

// Size reports how many events the ring currently holds.
func (s *Service) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// Close flushes the durable writer.
func (s *Service) Close() {
	if s.writer != nil {
		s.writer.close()
	}
}

// RecordAuth is a convenience recorder for authentication events.
func (s *Service) RecordAuth(eventType string, result Result, userID, username, ip, userAgent string, metadata map[string]any) {
	s.Record(Event{
		EventType: eventType,
		Result:    result,
		UserID:    userID,
		Username:  username,
		IP:        ip,
		UserAgent: userAgent,
		Metadata:  metadata,
	})
}

// RecordResource is a convenience recorder for resource access events.
func (s *Service) RecordResource(eventType string, result Result, userID, username, resource string, metadata map[string]any) {
	s.Record(Event{
		EventType: eventType,
		Result:    result,
		UserID:    userID,
		Username:  username,
		Resource:  resource,
		Metadata:  metadata,
	})
}

var sensitiveMetadataKeys = map[string]struct{}{
	"password":      {},
	"password_hash": {},
	"secret":        {},
	"signing_secret": {},
	"token":         {},
	"access_token":  {},
	"refresh_token": {},
	"api_key":       {},
	"authorization": {},
}

// sanitizeMetadata copies the metadata, redacting values under keys that may
// carry credentials. Hashes and raw secrets never reach the audit trail.
func sanitizeMetadata(metadata map[string]any) map[string]any {
	if len(metadata) == 0 {
		return nil
	}
	out := make(map[string]any, len(metadata))
	for k, v := range metadata {
		if _, sensitive := sensitiveMetadataKeys[strings.ToLower(k)]; sensitive {
			out[k] = "[redacted]"
			continue
		}
		out[k] = v
	}
	return out
}

func copyEvent(e Event) Event {
	if e.Metadata != nil {
		m := make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			m[k] = v
		}
		e.Metadata = m
	}
	return e
}
