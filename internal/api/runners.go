package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/EsupPortail/esup-runner/internal/registry"
)

// runnerVersionHeader carries the runner's own version on registration
// and heartbeat; MAJOR.MINOR must match the Manager's.
const runnerVersionHeader = "X-Runner-Version"

// RegisterRequest is the POST /runner/register body. The token is the
// bearer the Manager will present on every outbound call back to this
// runner; it is captured here and never logged.
type RegisterRequest struct {
	URL       string   `json:"url"`
	Name      string   `json:"name"`
	Token     string   `json:"token"`
	TaskTypes []string `json:"task_types"`
}

// HandleRegisterRunner creates or replaces the runner record for the
// given canonical URL. Re-registering a known URL rotates the token and
// advertised task types in place.
func (s *Server) HandleRegisterRunner(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid JSON body: "+err.Error(), "INVALID_BODY", http.StatusUnprocessableEntity)
		return
	}
	if req.URL == "" || req.Name == "" || req.Token == "" || len(req.TaskTypes) == 0 {
		errorJSON(w, "url, name, token and task_types are required", "MISSING_FIELD", http.StatusUnprocessableEntity)
		return
	}

	version := r.Header.Get(runnerVersionHeader)
	err := s.Registry.Register(req.URL, req.Name, req.Token, version, req.TaskTypes)
	switch {
	case errors.Is(err, registry.ErrVersionMismatch):
		errorJSON(w, "runner version is incompatible with this manager", "VERSION_MISMATCH", http.StatusBadRequest)
	case err != nil:
		errorJSON(w, err.Error(), "INVALID_URL", http.StatusBadRequest)
	default:
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

// HeartbeatRequest is the POST /runner/heartbeat body.
type HeartbeatRequest struct {
	URL string `json:"url"`
}

// HandleRunnerHeartbeat refreshes a known runner's liveness. An unknown
// URL returns 404 — the runner is expected to re-register, which is how
// the registry repopulates after a Manager restart.
func (s *Server) HandleRunnerHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid JSON body: "+err.Error(), "INVALID_BODY", http.StatusUnprocessableEntity)
		return
	}
	if req.URL == "" {
		errorJSON(w, "url is required", "MISSING_FIELD", http.StatusUnprocessableEntity)
		return
	}

	err := s.Registry.Heartbeat(req.URL, r.Header.Get(runnerVersionHeader))
	switch {
	case errors.Is(err, registry.ErrUnknownRunner):
		errorJSON(w, "runner is not registered", "RUNNER_NOT_FOUND", http.StatusNotFound)
	case errors.Is(err, registry.ErrVersionMismatch):
		errorJSON(w, "runner version is incompatible with this manager", "VERSION_MISMATCH", http.StatusBadRequest)
	case err != nil:
		errorJSON(w, err.Error(), "INVALID_URL", http.StatusBadRequest)
	default:
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

// HandleUnregisterRunner removes a runner's record outright.
func (s *Server) HandleUnregisterRunner(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid JSON body: "+err.Error(), "INVALID_BODY", http.StatusUnprocessableEntity)
		return
	}
	if req.URL == "" {
		errorJSON(w, "url is required", "MISSING_FIELD", http.StatusUnprocessableEntity)
		return
	}

	if err := s.Registry.Unregister(req.URL); err != nil {
		errorJSON(w, err.Error(), "INVALID_URL", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// HandleListRunners returns a snapshot of every known runner. Tokens are
// excluded from serialization at the domain type, not here.
func (s *Server) HandleListRunners(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Registry.List())
}
