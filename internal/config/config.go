// Package config reads the environment once at startup. Every knob has a
// sensible default so a bare `qilbee-api` starts with only QILBEE_AUTH_SECRET
// set.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full configuration surface of the security API.
type Config struct {
	Addr string

	SigningSecret string
	TokenIssuer   string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration

	APIKeyPrefix string

	PostgresDSN string

	BlacklistPath string

	AuditLogPath     string
	AuditMaxFileSize int64
	AuditRetention   time.Duration
	AuditCapacity    int

	LockoutMaxAttempts     int
	LockoutAttemptWindow   time.Duration
	LockoutInitialDuration time.Duration
	LockoutMultiplier      float64
	LockoutMaxDuration     time.Duration

	AllowedOrigins []string

	BootstrapStatePath string
	AdminUsername      string
	AdminEmail         string
	AdminPassword      string
}

// Load reads QILBEE_* environment variables, falling back to defaults.
func Load() Config {
	return Config{
		Addr: envStr("QILBEE_ADDR", ":8080"),

		SigningSecret: os.Getenv("QILBEE_AUTH_SECRET"),
		TokenIssuer:   envStr("QILBEE_TOKEN_ISSUER", "qilbeedb"),
		AccessTTL:     envSeconds("QILBEE_ACCESS_TTL_SECS", 15*time.Minute),
		RefreshTTL:    envSeconds("QILBEE_REFRESH_TTL_SECS", 7*24*time.Hour),

		APIKeyPrefix: envStr("QILBEE_API_KEY_PREFIX", "qilbee_live_"),

		PostgresDSN: os.Getenv("QILBEE_PG_DSN"),

		BlacklistPath: envStr("QILBEE_BLACKLIST_PATH", "qilbee_blacklist.jsonl"),

		AuditLogPath:     os.Getenv("QILBEE_AUDIT_LOG_PATH"),
		AuditMaxFileSize: int64(envInt("QILBEE_AUDIT_MAX_FILE_MB", 50)) << 20,
		AuditRetention:   time.Duration(envInt("QILBEE_AUDIT_RETENTION_DAYS", 90)) * 24 * time.Hour,
		AuditCapacity:    envInt("QILBEE_AUDIT_CAPACITY", 100_000),

		LockoutMaxAttempts:     envInt("QILBEE_LOCKOUT_MAX_ATTEMPTS", 5),
		LockoutAttemptWindow:   envSeconds("QILBEE_LOCKOUT_WINDOW_SECS", 30*time.Minute),
		LockoutInitialDuration: envSeconds("QILBEE_LOCKOUT_INITIAL_SECS", 15*time.Minute),
		LockoutMultiplier:      envFloat("QILBEE_LOCKOUT_MULTIPLIER", 2),
		LockoutMaxDuration:     envSeconds("QILBEE_LOCKOUT_MAX_SECS", 24*time.Hour),

		AllowedOrigins: splitList(envStr("QILBEE_ALLOWED_ORIGINS", "*")),

		BootstrapStatePath: envStr("QILBEE_BOOTSTRAP_STATE", ".qilbee_bootstrap"),
		AdminUsername:      envStr("QILBEE_ADMIN_USERNAME", "admin"),
		AdminEmail:         os.Getenv("QILBEE_ADMIN_EMAIL"),
		AdminPassword:      os.Getenv("QILBEE_ADMIN_PASSWORD"),
	}
}

func envStr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return def
	}
	return f
}

func envSeconds(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
