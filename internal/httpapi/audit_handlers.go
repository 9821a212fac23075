package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"qilbeedb.org/internal/audit"
	"qilbeedb.org/internal/auth"
)

// handleAuditLogs serves GET /api/v1/audit-logs. Filters come from query
// parameters; results are newest-first, capped by the service limit.
func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := a.requirePermission(w, r, auth.PermAuditRead); !ok {
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		EventType: q.Get("event_type"),
		UserID:    q.Get("user_id"),
		Username:  q.Get("username"),
		Resource:  q.Get("resource"),
		Result:    audit.Result(q.Get("result")),
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = t
	}
	if until := q.Get("until"); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "until must be RFC3339")
			return
		}
		filter.Until = t
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	events := a.audit.Query(filter, limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"items": events,
		"count": len(events),
	})
}
