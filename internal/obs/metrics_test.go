package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                              "/",
		"/metrics":                      "/metrics",
		"/api/v1/users/01ABCDEF":        "/api/v1/users/:id",
		"/api/v1/users/01ABCDEF/roles":  "/api/v1/users/:id/roles",
		"/api/v1/api-keys/key-1":        "/api/v1/api-keys/:id",
		"/api/v1/roles/viewer":          "/api/v1/roles/:name",
		"/api/v1/rate-limits/pol-1":     "/api/v1/rate-limits/:id",
		"/api/v1/lockouts/alice":        "/api/v1/lockouts/:username",
		"/api/v1/lockouts/alice/lock":   "/api/v1/lockouts/:username/lock",
		"/api/v1/audit-logs?limit=50":   "/api/v1/audit-logs",
		"/api/v1/auth/login":            "/api/v1/auth/login",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
