package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/EsupPortail/esup-runner/internal/domain"
)

// Named audit actions for the Manager's known admin operations. Mutating
// requests outside this set fall back to "<method> <path>".
var auditActions = map[string]string{
	"POST /tasks/restart-selected": "tasks.restart-selected",
}

// AuditStore provides audit logging and retrieval for administrative
// actions. Backed by Postgres when audit_log_dsn is configured, otherwise
// a no-op sink.
type AuditStore interface {
	Log(ctx context.Context, adminUser, action, resource, detail, remoteIP string) error
	List(ctx context.Context, limit, offset int) ([]domain.AuditEntry, error)
	DeleteOlderThan(ctx context.Context, olderThan time.Time) (int, error)
}

// auditActionFor names the action recorded for a mutating admin request.
func auditActionFor(method, path string) string {
	if action, ok := auditActions[method+" "+path]; ok {
		return action
	}
	return strings.ToLower(method) + " " + path
}

// AuditMiddleware logs mutating admin requests (POST, PUT, DELETE) to the
// audit store. It runs after AdminAuth in the middleware chain, so the
// Basic Auth username is available as the acting user. Entries are
// captured before calling the next handler so that logging does not race
// with the response being sent; after the handler returns, the request
// context may be cancelled.
func AuditMiddleware(store AuditStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodDelete {
				adminUser := "anonymous"
				if user, _, ok := r.BasicAuth(); ok && user != "" {
					adminUser = user
				}

				action := auditActionFor(r.Method, r.URL.Path)
				ip := r.Header.Get("X-Real-Ip")
				if ip == "" {
					ip = r.RemoteAddr
				}

				if err := store.Log(r.Context(), adminUser, action, r.URL.Path, "", ip); err != nil {
					slog.Warn("audit log failed", "error", err)
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// HandleListAuditLog returns recent audit log entries.
func (s *Server) HandleListAuditLog(w http.ResponseWriter, r *http.Request) {
	if s.Audit == nil {
		errorJSON(w, "audit logging not enabled", "NOT_FOUND", http.StatusNotFound)
		return
	}

	limit, offset := parsePagination(r)
	entries, err := s.Audit.List(r.Context(), limit, offset)
	if err != nil {
		internalError(w, "failed to list audit log", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"total":   len(entries),
	})
}
