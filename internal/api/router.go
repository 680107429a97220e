// Package api provides the Manager's inbound HTTP surface: the handlers
// that translate client, runner, and admin requests into task-manager and
// registry calls, plus the middleware stack (request IDs, logging, rate
// limiting, body limits) they run behind.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/EsupPortail/esup-runner/internal/domain"
	"github.com/EsupPortail/esup-runner/internal/resultaccess"
	"github.com/EsupPortail/esup-runner/internal/taskmgr"
	"github.com/EsupPortail/esup-runner/internal/taskstore"
)

// maxJSONBodySize is the maximum size for JSON request bodies (1MB).
const maxJSONBodySize = 1 << 20

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

// parsePagination reads limit and offset from query params with defaults and bounds.
func parsePagination(r *http.Request) (limit, offset int) {
	limit = defaultPageLimit
	offset = 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

// Structured error type codes for machine-readable error categorization.
// These classify errors into broad categories independent of the HTTP status code.
const (
	ErrorTypeValidation     = "VALIDATION"     // request data failed validation
	ErrorTypeAuthentication = "AUTHENTICATION" // missing or invalid credentials
	ErrorTypeNotFound       = "NOT_FOUND"      // requested resource does not exist
	ErrorTypeRateLimit      = "RATE_LIMIT"     // too many requests
	ErrorTypeInternal       = "INTERNAL"       // unexpected server error
	ErrorTypeUnavailable    = "UNAVAILABLE"    // dependency or capacity not available
	ErrorTypeUpstream       = "UPSTREAM"       // runner returned an error during result proxy
	ErrorTypeSchema         = "SCHEMA"         // request body failed schema validation
)

// APIError is the structured JSON error envelope returned by all API error responses.
// Format: {"error": {"code": "ERROR_CODE", "type": "ERROR_TYPE", "message": "human-readable message"}}
type APIError struct {
	Error APIErrorDetail `json:"error"`
}

// APIErrorDetail holds the code, type, and message inside the error envelope.
type APIErrorDetail struct {
	Code    string `json:"code"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message"`
}

// errorTypeFromStatus maps HTTP status codes to broad error type categories.
func errorTypeFromStatus(status int) string {
	switch {
	case status == http.StatusBadRequest:
		return ErrorTypeValidation
	case status == http.StatusUnprocessableEntity:
		return ErrorTypeSchema
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrorTypeAuthentication
	case status == http.StatusNotFound:
		return ErrorTypeNotFound
	case status == http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case status == http.StatusServiceUnavailable:
		return ErrorTypeUnavailable
	case status == http.StatusBadGateway:
		return ErrorTypeUpstream
	case status >= 500:
		return ErrorTypeInternal
	default:
		return ""
	}
}

// errorJSON writes a structured JSON error response.
// All API errors use this format so clients only need to handle one shape.
// The type field is automatically derived from the HTTP status code.
func errorJSON(w http.ResponseWriter, message, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(APIError{
		Error: APIErrorDetail{Code: code, Type: errorTypeFromStatus(status), Message: message},
	}); err != nil {
		slog.Error("failed to encode JSON error response", "error", err)
	}
}

// internalError logs the full error server-side and returns a generic JSON error to clients.
func internalError(w http.ResponseWriter, msg string, err error) {
	slog.Error(msg, "error", err)
	errorJSON(w, msg, "INTERNAL", http.StatusInternalServerError)
}

// writeJSON encodes v as JSON and writes it to w with the given status code.
// Logs an error if encoding fails (response may be partial at that point).
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// limitJSONBody caps request body size. Result streaming is GET-only, so
// every request body this API accepts is small JSON.
func limitJSONBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

// securityHeaders adds standard HTTP security headers to every response.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// TaskManager is the subset of the task manager's API the handlers need.
type TaskManager interface {
	ExecuteTask(req taskmgr.SubmitRequest) (domain.Task, error)
	GetStatus(taskID string) (domain.Task, bool)
	ListTasks(f taskstore.Filter) taskstore.Page
	Completion(req taskmgr.CompletionRequest) error
	RestartSelected(taskIDs []string) taskmgr.RestartResult
}

// RunnerRegistry is the subset of the registry's API the handlers need.
type RunnerRegistry interface {
	Register(url, name, token, version string, taskTypes []string) error
	Heartbeat(url, version string) error
	Unregister(url string) error
	List() []domain.Runner
}

// ResultAccessor is the result-access layer the result handlers stream from.
type ResultAccessor interface {
	GetManifest(ctx context.Context, task domain.Task) (*resultaccess.File, error)
	GetFile(ctx context.Context, task domain.Task, filePath string) (*resultaccess.File, error)
}

// Server holds dependencies for all API handlers. Auth middleware is
// injected as plain func(http.Handler) http.Handler values so this
// package stays decoupled from how tokens and admin passwords are
// actually verified.
type Server struct {
	Tasks    TaskManager
	Registry RunnerRegistry
	Results  ResultAccessor
	Audit    AuditStore // nil disables the admin audit endpoint and middleware

	// Auth authenticates client/runner token requests (X-API-Token or
	// Bearer scheme). AdminAuth authenticates the admin surface via HTTP
	// Basic. RunnerVersionGate rejects register/heartbeat requests whose
	// X-Runner-Version MAJOR.MINOR doesn't match the Manager's.
	Auth              func(http.Handler) http.Handler
	AdminAuth         func(http.Handler) http.Handler
	RunnerVersionGate func(http.Handler) http.Handler

	// Version is the Manager's own version, reported on / and /healthz.
	Version string

	SSRFAllowPrivate bool // skip the private/loopback host check on submitted URLs (tests only)

	CORSAllowOrigins     []string
	CORSAllowCredentials bool
	CORSAllowMethods     []string
	CORSAllowHeaders     []string

	RateLimit        *RateLimitConfig // global per-IP limit. Nil disables rate limiting.
	AdminRateLimit   *RateLimitConfig // tighter per-IP limit on the admin surface. Nil disables.
	RateLimiterStop  func()           // populated by NewRouter when rate limiting is enabled
	AdminLimiterStop func()           // populated by NewRouter when admin rate limiting is enabled

	DBHealth HealthChecker // audit Postgres health check. Nil = skip.
	S3Health HealthChecker // shared-storage S3 health check. Nil = skip.
}

// NewRouter creates a configured chi router with all Manager routes mounted.
func NewRouter(srv *Server) chi.Router {
	r := chi.NewRouter()

	corsOpts := cors.Options{
		AllowedOrigins:   srv.CORSAllowOrigins,
		AllowedMethods:   srv.CORSAllowMethods,
		AllowedHeaders:   srv.CORSAllowHeaders,
		AllowCredentials: srv.CORSAllowCredentials,
		ExposedHeaders:   []string{"X-Request-ID", "RateLimit-Limit", "RateLimit-Remaining", "Retry-After"},
		MaxAge:           300,
	}
	if len(corsOpts.AllowedMethods) == 0 {
		corsOpts.AllowedMethods = []string{"GET", "POST", "OPTIONS"}
	}
	if len(corsOpts.AllowedHeaders) == 0 {
		corsOpts.AllowedHeaders = []string{"Accept", "Authorization", "X-API-Token", "Content-Type", "X-Request-ID"}
	}

	r.Use(cors.Handler(corsOpts))
	r.Use(securityHeaders)
	r.Use(RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(limitJSONBody)

	// Unauthenticated surface: service info and health probes.
	r.Get("/", srv.HandleRoot)
	r.Get("/healthz", srv.HandleHealthLive)
	r.Get("/healthz/live", srv.HandleHealthLive)
	r.Get("/healthz/ready", srv.HandleHealthReady)
	r.Get("/metrics", srv.HandleMetrics)

	// Everything below shares the global per-IP rate limit.
	r.Group(func(r chi.Router) {
		if srv.RateLimit != nil {
			rl, mw := RateLimit(*srv.RateLimit)
			srv.RateLimiterStop = rl.Stop
			r.Use(mw)
		}

		// Token-authenticated client + runner surface.
		r.Group(func(r chi.Router) {
			if srv.Auth != nil {
				r.Use(srv.Auth)
			}

			r.Post("/task/execute", srv.HandleExecuteTask)
			r.Get("/task/status/{taskID}", srv.HandleTaskStatus)
			r.Get("/task/result/{taskID}", srv.HandleTaskResult)
			r.Get("/task/result/{taskID}/file/*", srv.HandleTaskResultFile)
			r.Post("/task/completion", srv.HandleCompletion)

			r.Get("/runner/list", srv.HandleListRunners)

			// Registration and heartbeat additionally carry X-Runner-Version,
			// gated before the registry ever sees the request.
			r.Group(func(r chi.Router) {
				if srv.RunnerVersionGate != nil {
					r.Use(srv.RunnerVersionGate)
				}
				r.Post("/runner/register", srv.HandleRegisterRunner)
				r.Post("/runner/heartbeat", srv.HandleRunnerHeartbeat)
			})
			r.Post("/runner/unregister", srv.HandleUnregisterRunner)
		})

		// Admin surface: HTTP Basic, tighter rate limit, audited.
		r.Group(func(r chi.Router) {
			if srv.AdminRateLimit != nil {
				rl, mw := RateLimit(*srv.AdminRateLimit)
				srv.AdminLimiterStop = rl.Stop
				r.Use(mw)
			}
			if srv.AdminAuth != nil {
				r.Use(srv.AdminAuth)
			}
			if srv.Audit != nil {
				r.Use(AuditMiddleware(srv.Audit))
			}

			r.Get("/tasks", srv.HandleListTasks)
			r.Post("/tasks/restart-selected", srv.HandleRestartSelected)
			r.Get("/admin/audit", srv.HandleListAuditLog)
		})
	})

	return r
}

// HandleRoot returns service identification for unauthenticated discovery.
func (s *Server) HandleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message":       "esup-runner manager",
		"version":       s.Version,
		"documentation": "https://github.com/EsupPortail/esup-runner",
	})
}
