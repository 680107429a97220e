// Package auth provides the Manager's inbound authentication middleware:
// token auth for client/runner requests and bcrypt-backed HTTP Basic for
// the admin surface.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/EsupPortail/esup-runner/internal/registry"
)

// TokenAuth returns middleware that authenticates requests against the
// configured set of authorized tokens, accepted either as
// "X-API-Token: <token>" or "Authorization: Bearer <token>", compared with
// crypto/subtle for constant-time equality. An empty token set rejects
// every request (fail closed) rather than behaving as a no-op, since a
// Manager with no authorized_tokens configured is a configuration error,
// not an intentionally open deployment.
func TokenAuth(tokens []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := extractToken(r)
			if got == "" || !constantTimeContains(tokens, got) {
				http.Error(w, "missing or invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractToken(r *http.Request) string {
	if t := r.Header.Get("X-API-Token"); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func constantTimeContains(tokens []string, got string) bool {
	gotBytes := []byte(got)
	found := false
	for _, want := range tokens {
		if subtle.ConstantTimeCompare([]byte(want), gotBytes) == 1 {
			found = true
		}
	}
	return found
}

// RequireRunnerVersion returns middleware that rejects requests whose
// X-Runner-Version header is missing or whose MAJOR.MINOR does not match
// the Manager's own. PATCH is free to differ. This is distinct from the registry's own version gate: it
// lets malformed/incompatible requests fail fast with 400 before reaching
// the registry at all (e.g. on /runner/heartbeat, where registry.Heartbeat
// also separately checks compatibility against a known runner).
func RequireRunnerVersion(managerVersion string) func(http.Handler) http.Handler {
	mMajor, mMinor, _, err := registry.ParseVersion(managerVersion)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err != nil {
				http.Error(w, "manager version misconfigured", http.StatusInternalServerError)
				return
			}
			v := r.Header.Get("X-Runner-Version")
			major, minor, _, verr := registry.ParseVersion(v)
			if v == "" || verr != nil || major != mMajor || minor != mMinor {
				http.Error(w, "incompatible or missing X-Runner-Version", http.StatusBadRequest)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AdminBasicAuth returns middleware implementing HTTP Basic Auth against a
// map of username -> bcrypt password hash, for the admin surface. Unknown users and bad passwords are handled identically (no
// username-enumeration signal) and always take the bcrypt-compare code
// path against a dummy hash when the user is unknown, so failed lookups
// don't return faster than failed password checks.
func AdminBasicAuth(users map[string]string) func(http.Handler) http.Handler {
	// A valid bcrypt hash of a random, never-used password, compared
	// against on unknown-user lookups to keep timing uniform.
	const dummyHash = "$2a$10$CwTycUXWue0Thq9StjUM0uJ8nnXOEAIGTBklMMkzvXJuMLOE0HTHC"

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			hash, known := users[user]
			if !known {
				hash = dummyHash
			}

			err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(pass))
			if !ok || !known || err != nil {
				w.Header().Set("WWW-Authenticate", `Basic realm="manager-admin"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
