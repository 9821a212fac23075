package auth

import (
	"errors"
	"testing"
	"time"
)

func testLockout(now *time.Time) *LockoutService {
	return NewLockoutService(DefaultLockoutConfig(), WithLockoutClock(func() time.Time { return *now }))
}

func TestLockoutAfterMaxAttempts(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := testLockout(&now)

	for i := 0; i < 4; i++ {
		locked, remaining := svc.RecordFailure("alice", "10.0.0.1")
		if locked {
			t.Fatalf("attempt %d should not lock yet", i+1)
		}
		if remaining != 4-i {
			t.Fatalf("attempt %d: expected %d remaining, got %d", i+1, 4-i, remaining)
		}
	}
	locked, remaining := svc.RecordFailure("alice", "10.0.0.1")
	if !locked || remaining != 0 {
		t.Fatalf("fifth failure should lock, got locked=%v remaining=%d", locked, remaining)
	}
	if _, err := svc.Allowed("alice", "10.0.0.1"); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected ErrAccountLocked, got %v", err)
	}

	// After the lockout elapses the account is usable and success resets.
	now = now.Add(16 * time.Minute)
	if _, err := svc.Allowed("alice", "10.0.0.1"); err != nil {
		t.Fatalf("lockout should have expired: %v", err)
	}
	svc.RecordSuccess("alice", "10.0.0.1")
	status := svc.Status("alice")
	if status.FailedAttempts != 0 || status.LockoutCount != 0 || status.LockedUntil != nil {
		t.Fatalf("success must reset counters: %+v", status)
	}
}

func TestLockoutProgressiveDuration(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := testLockout(&now)

	trip := func() {
		for i := 0; i < 5; i++ {
			svc.RecordFailure("alice", "10.0.0.1")
		}
	}

	trip()
	if d, err := svc.Allowed("alice", "10.0.0.1"); err == nil || d != 15*time.Minute {
		t.Fatalf("first lockout should last 15m, got %v (%v)", d, err)
	}
	now = now.Add(16 * time.Minute)

	trip()
	if d, err := svc.Allowed("alice", "10.0.0.1"); err == nil || d != 30*time.Minute {
		t.Fatalf("second lockout should last 30m, got %v (%v)", d, err)
	}
}

func TestLockoutDurationCap(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := testLockout(&now)
	if d := svc.lockDuration(20); d != 24*time.Hour {
		t.Fatalf("expected cap of 24h, got %v", d)
	}
	if d := svc.lockDuration(0); d != 15*time.Minute {
		t.Fatalf("expected 15m for first lockout, got %v", d)
	}
}

func TestLockoutPerIPKey(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := testLockout(&now)
	// Failures from distinct IPs still accumulate on the username key.
	for i := 0; i < 5; i++ {
		svc.RecordFailure("alice", "10.0.0.1")
	}
	if _, err := svc.Allowed("alice", "10.0.0.99"); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("username lock must apply from any ip, got %v", err)
	}
	if _, err := svc.Allowed("bob", "10.0.0.1"); err != nil {
		t.Fatalf("other usernames must be unaffected: %v", err)
	}
}

func TestManualLockAndUnlock(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := testLockout(&now)

	svc.Lock("alice", "credential stuffing investigation")
	if _, err := svc.Allowed("alice", "10.0.0.1"); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected manual lock to deny, got %v", err)
	}
	// Manual locks never expire on their own.
	now = now.Add(48 * time.Hour)
	if _, err := svc.Allowed("alice", "10.0.0.1"); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("manual lock must not expire, got %v", err)
	}
	status := svc.Status("alice")
	if !status.Manual || status.Reason != "credential stuffing investigation" {
		t.Fatalf("unexpected status: %+v", status)
	}

	svc.Unlock("alice")
	if _, err := svc.Allowed("alice", "10.0.0.1"); err != nil {
		t.Fatalf("unlock must clear the lock: %v", err)
	}
}

func TestLockoutAttemptWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := testLockout(&now)
	for i := 0; i < 4; i++ {
		svc.RecordFailure("alice", "10.0.0.1")
	}
	// Failures older than the window restart the count.
	now = now.Add(31 * time.Minute)
	locked, remaining := svc.RecordFailure("alice", "10.0.0.1")
	if locked {
		t.Fatalf("stale failures must not count toward a lockout")
	}
	if remaining != 4 {
		t.Fatalf("expected counter restart, got %d remaining", remaining)
	}
}

func TestLockoutLockedListAndCleanup(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := testLockout(&now)
	for i := 0; i < 5; i++ {
		svc.RecordFailure("alice", "10.0.0.1")
	}
	svc.Lock("mallory", "abuse")

	locked := svc.Locked()
	if len(locked) != 2 || locked[0].Username != "alice" || locked[1].Username != "mallory" {
		t.Fatalf("unexpected locked list: %+v", locked)
	}

	now = now.Add(25 * time.Hour)
	removed := svc.Cleanup()
	if removed == 0 {
		t.Fatalf("expected expired state to be removed")
	}
	locked = svc.Locked()
	if len(locked) != 1 || locked[0].Username != "mallory" {
		t.Fatalf("manual lock must survive cleanup: %+v", locked)
	}
}
