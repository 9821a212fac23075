package ratelimit

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"qilbeedb.org/internal/ids"
)

var (
	ErrNotFound     = errors.New("ratelimit: not found")
	ErrConflict     = errors.New("ratelimit: resource conflict")
	ErrInvalidInput = errors.New("ratelimit: invalid input")
)

// Policy defines a limit for an endpoint class. When several enabled
// policies target the same class, the newest one wins.
type Policy struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Class       Class     `json:"endpoint_class"`
	MaxRequests int       `json:"max_requests"`
	WindowSecs  int       `json:"window_seconds"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	CreatedBy   string    `json:"created_by,omitempty"`
}

// PolicyUpdate carries optional field changes.
type PolicyUpdate struct {
	Name        *string
	MaxRequests *int
	WindowSecs  *int
	Enabled     *bool
}

// Decision is the outcome of one acquire.
type Decision struct {
	Allowed bool
	// Limit is the bucket capacity; Remaining the whole tokens left after
	// this request; ResetSeconds how long until at least one token refills.
	Limit        int
	Remaining    int
	ResetSeconds int
}

// bucket wraps a rate.Limiter plus the policy parameters it was built from,
// so a policy change is detected and the bucket rebuilt.
type bucket struct {
	lim         *rate.Limiter
	maxRequests int
	windowSecs  int
	lastSeen    time.Time
}

// Service owns the policy registry and one token bucket per
// (policy class, client identity) pair. Buckets refill continuously at
// max_requests/window_seconds rather than resetting per window.
type Service struct {
	mu       sync.Mutex
	policies map[string]Policy
	buckets  map[string]*bucket
	now      func() time.Time
}

// Option configures Service behavior.
type Option func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// New constructs an empty Service.
func New(opts ...Option) *Service {
	s := &Service{
		policies: make(map[string]Policy),
		buckets:  make(map[string]*bucket),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SeedDefaults installs the per-class default policies. Existing policies
// for a class are left alone, so operator overrides survive restarts when
// policies come from durable config.
func (s *Service) SeedDefaults(createdBy string) {
	defaults := []struct {
		name        string
		class       Class
		maxRequests int
		windowSecs  int
	}{
		{"default-login", Login, 10, 60},
		{"default-api-key-creation", APIKeyCreation, 10, 3600},
		{"default-user-management", UserManagement, 30, 60},
		{"default-general-api", GeneralAPI, 120, 60},
	}
	for _, d := range defaults {
		s.mu.Lock()
		exists := false
		for _, p := range s.policies {
			if p.Class == d.class {
				exists = true
				break
			}
		}
		s.mu.Unlock()
		if !exists {
			_, _ = s.Create(d.name, d.class, d.maxRequests, d.windowSecs, true, createdBy)
		}
	}
}

// Create registers a policy. Live buckets for the class are reset so the
// new limit takes effect immediately.
func (s *Service) Create(name string, class Class, maxRequests, windowSecs int, enabled bool, createdBy string) (Policy, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Policy{}, fmt.Errorf("%w: policy name is required", ErrInvalidInput)
	}
	if class.kind == "" {
		return Policy{}, fmt.Errorf("%w: endpoint class is required", ErrInvalidInput)
	}
	if maxRequests <= 0 || windowSecs <= 0 {
		return Policy{}, fmt.Errorf("%w: max_requests and window_seconds must be positive", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.policies {
		if p.Name == name {
			return Policy{}, fmt.Errorf("%w: policy %s", ErrConflict, name)
		}
	}
	now := s.now().UTC()
	policy := Policy{
		ID:          ids.New(),
		Name:        name,
		Class:       class,
		MaxRequests: maxRequests,
		WindowSecs:  windowSecs,
		Enabled:     enabled,
		CreatedAt:   now,
		UpdatedAt:   now,
		CreatedBy:   createdBy,
	}
	s.policies[policy.ID] = policy
	s.resetBucketsLocked(class)
	return policy, nil
}

// Get returns a policy by id.
func (s *Service) Get(id string) (Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[id]
	if !ok {
		return Policy{}, fmt.Errorf("%w: policy %s", ErrNotFound, id)
	}
	return p, nil
}

// List returns all policies, newest first.
func (s *Service) List() []Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Policy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

// Update applies optional field changes and resets the class's buckets.
func (s *Service) Update(id string, upd PolicyUpdate) (Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[id]
	if !ok {
		return Policy{}, fmt.Errorf("%w: policy %s", ErrNotFound, id)
	}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return Policy{}, fmt.Errorf("%w: policy name is required", ErrInvalidInput)
		}
		p.Name = name
	}
	if upd.MaxRequests != nil {
		if *upd.MaxRequests <= 0 {
			return Policy{}, fmt.Errorf("%w: max_requests must be positive", ErrInvalidInput)
		}
		p.MaxRequests = *upd.MaxRequests
	}
	if upd.WindowSecs != nil {
		if *upd.WindowSecs <= 0 {
			return Policy{}, fmt.Errorf("%w: window_seconds must be positive", ErrInvalidInput)
		}
		p.WindowSecs = *upd.WindowSecs
	}
	if upd.Enabled != nil {
		p.Enabled = *upd.Enabled
	}
	p.UpdatedAt = s.now().UTC()
	s.policies[id] = p
	s.resetBucketsLocked(p.Class)
	return p, nil
}

// Delete removes a policy and resets its class's buckets.
func (s *Service) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[id]
	if !ok {
		return fmt.Errorf("%w: policy %s", ErrNotFound, id)
	}
	delete(s.policies, id)
	s.resetBucketsLocked(p.Class)
	return nil
}

// MatchCustom resolves a request path against enabled custom-pattern
// policies; the longest matching pattern wins.
func (s *Service) MatchCustom(path string) (Class, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best Class
	found := false
	for _, p := range s.policies {
		if !p.Enabled || !p.Class.IsCustom() {
			continue
		}
		if p.Class.Matches(path) && (!found || len(p.Class.Pattern()) > len(best.Pattern())) {
			best = p.Class
			found = true
		}
	}
	return best, found
}

// Acquire consumes one token from the (class, identity) bucket. Without an
// enabled policy for the class the request passes unlimited.
func (s *Service) Acquire(class Class, identity string) Decision {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	policy, ok := s.effectivePolicyLocked(class)
	if !ok {
		return Decision{Allowed: true, Limit: -1}
	}
	key := class.String() + "|" + identity
	b, ok := s.buckets[key]
	if !ok || b.maxRequests != policy.MaxRequests || b.windowSecs != policy.WindowSecs {
		b = &bucket{
			lim:         rate.NewLimiter(rate.Limit(float64(policy.MaxRequests)/float64(policy.WindowSecs)), policy.MaxRequests),
			maxRequests: policy.MaxRequests,
			windowSecs:  policy.WindowSecs,
		}
		s.buckets[key] = b
	}
	b.lastSeen = now

	allowed := b.lim.AllowN(now, 1)
	tokens := b.lim.TokensAt(now)
	if tokens < 0 {
		tokens = 0
	}
	d := Decision{
		Allowed:   allowed,
		Limit:     policy.MaxRequests,
		Remaining: int(math.Floor(tokens)),
	}
	if tokens < 1 {
		perToken := float64(policy.WindowSecs) / float64(policy.MaxRequests)
		d.ResetSeconds = int(math.Ceil((1 - tokens) * perToken))
	}
	return d
}

// effectivePolicyLocked picks the newest enabled policy for the class.
// ULIDs sort by creation time, so the highest id is the newest.
func (s *Service) effectivePolicyLocked(class Class) (Policy, bool) {
	var best Policy
	found := false
	for _, p := range s.policies {
		if !p.Enabled || p.Class != class {
			continue
		}
		if !found || p.ID > best.ID {
			best = p
			found = true
		}
	}
	return best, found
}

func (s *Service) resetBucketsLocked(class Class) {
	prefix := class.String() + "|"
	for key := range s.buckets {
		if strings.HasPrefix(key, prefix) {
			delete(s.buckets, key)
		}
	}
}

// Cleanup drops buckets idle longer than maxIdle. Returns the number
// removed.
func (s *Service) Cleanup(maxIdle time.Duration) int {
	cutoff := s.now().Add(-maxIdle)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, b := range s.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(s.buckets, key)
			removed++
		}
	}
	return removed
}
