package auth

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// LockoutConfig tunes the progressive lockout policy.
type LockoutConfig struct {
	// MaxAttempts is the number of consecutive failures before a lockout.
	MaxAttempts int
	// AttemptWindow bounds how long failures accumulate; a failure older
	// than the window restarts the count.
	AttemptWindow time.Duration
	// InitialDuration is the first lockout length.
	InitialDuration time.Duration
	// Multiplier grows the duration for each repeated lockout.
	Multiplier float64
	// MaxDuration caps the lockout length.
	MaxDuration time.Duration
}

// DefaultLockoutConfig returns the production defaults.
func DefaultLockoutConfig() LockoutConfig {
	return LockoutConfig{
		MaxAttempts:     5,
		AttemptWindow:   30 * time.Minute,
		InitialDuration: 15 * time.Minute,
		Multiplier:      2,
		MaxDuration:     24 * time.Hour,
	}
}

// LockoutStatus is the externally visible state of one lockout key.
type LockoutStatus struct {
	Username          string     `json:"username"`
	FailedAttempts    int        `json:"failed_attempts"`
	RemainingAttempts int        `json:"remaining_attempts"`
	LockedUntil       *time.Time `json:"locked_until,omitempty"`
	LockoutCount      int        `json:"lockout_count"`
	Manual            bool       `json:"manual"`
	Reason            string     `json:"reason,omitempty"`
	RetryAfterSeconds int64      `json:"retry_after_seconds,omitempty"`
}

type lockoutState struct {
	failedAttempts int
	firstFailureAt time.Time
	lockedUntil    *time.Time
	lockoutCount   int
	manual         bool
	reason         string
}

// LockoutService tracks failed logins per username and per username+ip and
// applies progressive lockout. It never sees passwords; callers report
// outcomes after their own credential check, but must call Allowed first so
// a locked account is rejected without touching credentials.
type LockoutService struct {
	mu       sync.Mutex
	cfg      LockoutConfig
	byUser   map[string]*lockoutState
	byUserIP map[string]*lockoutState
	now      func() time.Time
}

// LockoutOption configures LockoutService behavior.
type LockoutOption func(*LockoutService)

// WithLockoutClock overrides the time source (useful for tests).
func WithLockoutClock(fn func() time.Time) LockoutOption {
	return func(s *LockoutService) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewLockoutService constructs a service with the given policy.
func NewLockoutService(cfg LockoutConfig, opts ...LockoutOption) *LockoutService {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultLockoutConfig()
	}
	s := &LockoutService{
		cfg:      cfg,
		byUser:   make(map[string]*lockoutState),
		byUserIP: make(map[string]*lockoutState),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Allowed reports whether a login attempt for the username from the ip may
// proceed. Returns ErrAccountLocked with the remaining lockout duration when
// either the username key or the username+ip key is locked.
func (s *LockoutService) Allowed(username, ip string) (time.Duration, error) {
	username = normalizeUsername(username)
	now := s.now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, locked := s.lockedFor(s.byUser[username], now); locked {
		return d, fmt.Errorf("%w: retry in %s", ErrAccountLocked, d.Round(time.Second))
	}
	if d, locked := s.lockedFor(s.byUserIP[userIPKey(username, ip)], now); locked {
		return d, fmt.Errorf("%w: retry in %s", ErrAccountLocked, d.Round(time.Second))
	}
	return 0, nil
}

// lockedFor returns the remaining lockout for a state. Manual locks never
// expire on their own.
func (s *LockoutService) lockedFor(st *lockoutState, now time.Time) (time.Duration, bool) {
	if st == nil {
		return 0, false
	}
	if st.manual {
		return s.cfg.MaxDuration, true
	}
	if st.lockedUntil != nil && st.lockedUntil.After(now) {
		return st.lockedUntil.Sub(now), true
	}
	return 0, false
}

// RecordFailure counts a failed login for both keys. Returns whether the
// attempt tripped a lockout and how many attempts remain before one.
func (s *LockoutService) RecordFailure(username, ip string) (locked bool, remaining int) {
	username = normalizeUsername(username)
	now := s.now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	locked = s.fail(s.stateFor(s.byUser, username), now)
	if s.fail(s.stateFor(s.byUserIP, userIPKey(username, ip)), now) {
		locked = true
	}
	if locked {
		return true, 0
	}
	remaining = s.cfg.MaxAttempts - s.byUser[username].failedAttempts
	if remaining < 0 {
		remaining = 0
	}
	return false, remaining
}

func (s *LockoutService) stateFor(m map[string]*lockoutState, key string) *lockoutState {
	st, ok := m[key]
	if !ok {
		st = &lockoutState{}
		m[key] = st
	}
	return st
}

func (s *LockoutService) fail(st *lockoutState, now time.Time) bool {
	if st.failedAttempts == 0 || now.Sub(st.firstFailureAt) > s.cfg.AttemptWindow {
		st.failedAttempts = 0
		st.firstFailureAt = now
	}
	st.failedAttempts++
	if st.failedAttempts < s.cfg.MaxAttempts {
		return false
	}
	until := now.Add(s.lockDuration(st.lockoutCount))
	st.lockedUntil = &until
	st.lockoutCount++
	st.failedAttempts = 0
	return true
}

// lockDuration grows exponentially with the number of prior lockouts,
// capped at MaxDuration.
func (s *LockoutService) lockDuration(lockoutCount int) time.Duration {
	d := s.cfg.InitialDuration
	for i := 0; i < lockoutCount; i++ {
		d = time.Duration(float64(d) * s.cfg.Multiplier)
		if d >= s.cfg.MaxDuration {
			return s.cfg.MaxDuration
		}
	}
	if d > s.cfg.MaxDuration {
		return s.cfg.MaxDuration
	}
	return d
}

// RecordSuccess clears all automatic state for both keys. A manual lock is
// not cleared by a successful credential check.
func (s *LockoutService) RecordSuccess(username, ip string) {
	username = normalizeUsername(username)
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.byUser[username]; !ok || !st.manual {
		delete(s.byUser, username)
	}
	delete(s.byUserIP, userIPKey(username, ip))
}

// Lock force-locks the username with no auto-expiry.
func (s *LockoutService) Lock(username, reason string) {
	username = normalizeUsername(username)
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateFor(s.byUser, username)
	st.manual = true
	st.reason = strings.TrimSpace(reason)
	st.lockedUntil = nil
}

// Unlock clears every trace of lockout state for the username, including
// per-ip counters and manual locks.
func (s *LockoutService) Unlock(username string) {
	username = normalizeUsername(username)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byUser, username)
	prefix := username + "|"
	for key := range s.byUserIP {
		if strings.HasPrefix(key, prefix) {
			delete(s.byUserIP, key)
		}
	}
}

// Status reports the current state for a username.
func (s *LockoutService) Status(username string) LockoutStatus {
	username = normalizeUsername(username)
	now := s.now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.byUser[username]
	if !ok {
		return LockoutStatus{Username: username, RemainingAttempts: s.cfg.MaxAttempts}
	}
	return s.statusLocked(username, st, now)
}

func (s *LockoutService) statusLocked(username string, st *lockoutState, now time.Time) LockoutStatus {
	out := LockoutStatus{
		Username:       username,
		FailedAttempts: st.failedAttempts,
		LockoutCount:   st.lockoutCount,
		Manual:         st.manual,
		Reason:         st.reason,
	}
	out.RemainingAttempts = s.cfg.MaxAttempts - st.failedAttempts
	if out.RemainingAttempts < 0 {
		out.RemainingAttempts = 0
	}
	if d, locked := s.lockedFor(st, now); locked {
		out.RetryAfterSeconds = int64(d / time.Second)
		if st.lockedUntil != nil {
			until := *st.lockedUntil
			out.LockedUntil = &until
		}
		out.RemainingAttempts = 0
	}
	return out
}

// Locked lists every username currently locked, sorted.
func (s *LockoutService) Locked() []LockoutStatus {
	now := s.now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LockoutStatus, 0)
	for username, st := range s.byUser {
		if _, locked := s.lockedFor(st, now); locked {
			out = append(out, s.statusLocked(username, st, now))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// Cleanup drops state that no longer affects any decision: expired automatic
// locks and stale failure counters. Manual locks are kept. Returns the
// number of entries removed.
func (s *LockoutService) Cleanup() int {
	now := s.now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, m := range []map[string]*lockoutState{s.byUser, s.byUserIP} {
		for key, st := range m {
			if st.manual {
				continue
			}
			if st.lockedUntil != nil && st.lockedUntil.After(now) {
				continue
			}
			if st.failedAttempts > 0 && now.Sub(st.firstFailureAt) <= s.cfg.AttemptWindow {
				continue
			}
			delete(m, key)
			removed++
		}
	}
	return removed
}

func normalizeUsername(username string) string {
	return strings.TrimSpace(strings.ToLower(username))
}

func userIPKey(username, ip string) string {
	return username + "|" + ip
}
