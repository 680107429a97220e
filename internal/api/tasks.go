package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/EsupPortail/esup-runner/internal/domain"
	"github.com/EsupPortail/esup-runner/internal/resultaccess"
	"github.com/EsupPortail/esup-runner/internal/taskmgr"
	"github.com/EsupPortail/esup-runner/internal/taskstore"
	"github.com/EsupPortail/esup-runner/internal/validate"
)

// TaskRequest is the POST /task/execute body: the submission envelope.
type TaskRequest struct {
	EtabName    string         `json:"etab_name"`
	AppName     string         `json:"app_name"`
	AppVersion  string         `json:"app_version,omitempty"`
	TaskType    string         `json:"task_type"`
	SourceURL   string         `json:"source_url"`
	Affiliation string         `json:"affiliation,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	NotifyURL   string         `json:"notify_url,omitempty"`
}

// HandleExecuteTask accepts a task submission, persists it in pending
// state, and returns its task_id immediately. Dispatch happens on a
// background worker — this handler never blocks on runner I/O, so
// runner-side failures are only ever observable via status polling.
func (s *Server) HandleExecuteTask(w http.ResponseWriter, r *http.Request) {
	var req TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid JSON body: "+err.Error(), "INVALID_BODY", http.StatusUnprocessableEntity)
		return
	}
	if req.EtabName == "" || req.AppName == "" || req.TaskType == "" || req.SourceURL == "" {
		errorJSON(w, "etab_name, app_name, task_type and source_url are required", "MISSING_FIELD", http.StatusUnprocessableEntity)
		return
	}

	if err := validate.PublicURL(req.SourceURL, s.SSRFAllowPrivate); err != nil {
		errorJSON(w, "source_url: "+err.Error(), "INVALID_URL", http.StatusBadRequest)
		return
	}
	if req.NotifyURL != "" {
		if err := validate.PublicURL(req.NotifyURL, s.SSRFAllowPrivate); err != nil {
			errorJSON(w, "notify_url: "+err.Error(), "INVALID_URL", http.StatusBadRequest)
			return
		}
	}

	task, err := s.Tasks.ExecuteTask(taskmgr.SubmitRequest{
		EtabName:    req.EtabName,
		AppName:     req.AppName,
		AppVersion:  req.AppVersion,
		TaskType:    req.TaskType,
		SourceURL:   req.SourceURL,
		Affiliation: req.Affiliation,
		Parameters:  req.Parameters,
		NotifyURL:   req.NotifyURL,
	})
	if err != nil {
		if errors.Is(err, taskmgr.ErrQueueFull) {
			errorJSON(w, "dispatch queue is full, retry later", "QUEUE_FULL", http.StatusServiceUnavailable)
			return
		}
		internalError(w, "failed to create task", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"task_id": task.TaskID})
}

// HandleTaskStatus returns the full task record for status polling.
// Dispatch bookkeeping and delivery fields are included so a client can
// observe retry progress without an extra endpoint.
func (s *Server) HandleTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	task, ok := s.Tasks.GetStatus(taskID)
	if !ok {
		errorJSON(w, "task not found", "TASK_NOT_FOUND", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// HandleTaskResult streams the task's manifest.json to the client, from
// shared storage or proxied from the assigned runner depending on how the
// result accessor was built.
func (s *Server) HandleTaskResult(w http.ResponseWriter, r *http.Request) {
	s.streamResult(w, r, "")
}

// HandleTaskResultFile streams one task output file to the client. The
// path-traversal check lives in the result accessor so it is enforced
// identically for every storage backend.
func (s *Server) HandleTaskResultFile(w http.ResponseWriter, r *http.Request) {
	filePath := chi.URLParam(r, "*")
	if filePath == "" {
		errorJSON(w, "file path is required", "MISSING_PATH", http.StatusBadRequest)
		return
	}
	s.streamResult(w, r, filePath)
}

func (s *Server) streamResult(w http.ResponseWriter, r *http.Request, filePath string) {
	taskID := chi.URLParam(r, "taskID")
	task, ok := s.Tasks.GetStatus(taskID)
	if !ok {
		errorJSON(w, "task not found", "TASK_NOT_FOUND", http.StatusNotFound)
		return
	}
	ctx := ContextWithTaskID(r.Context(), taskID)

	var (
		f   *resultaccess.File
		err error
	)
	if filePath == "" {
		f, err = s.Results.GetManifest(ctx, task)
	} else {
		f, err = s.Results.GetFile(ctx, task, filePath)
	}
	if err != nil {
		switch {
		case errors.Is(err, resultaccess.ErrTraversal):
			errorJSON(w, "file path escapes task directory", "PATH_TRAVERSAL", http.StatusBadRequest)
		case errors.Is(err, resultaccess.ErrNotFound):
			errorJSON(w, "result not found", "RESULT_NOT_FOUND", http.StatusNotFound)
		default:
			errorJSON(w, "failed to fetch result from runner or storage", "UPSTREAM", http.StatusBadGateway)
		}
		return
	}
	defer f.Body.Close()

	w.Header().Set("Content-Type", f.ContentType)
	if f.Size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(f.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f.Body); err != nil {
		// Headers are already out; nothing to send the client but a log line.
		LoggerFromContext(ctx).Warn("result stream interrupted", "error", err)
	}
}

// CompletionBody is the POST /task/completion payload a runner sends when
// a task finishes.
type CompletionBody struct {
	TaskID       string `json:"task_id"`
	Status       string `json:"status"`
	RunID        string `json:"run_id,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	ScriptOutput string `json:"script_output,omitempty"`
}

// HandleCompletion applies a runner-reported completion. A payload whose
// run_id no longer matches the task's current run (the task was restarted
// meanwhile) is answered 202 accepted-and-ignored so the runner stops
// retrying without the stale result ever touching task state.
func (s *Server) HandleCompletion(w http.ResponseWriter, r *http.Request) {
	var body CompletionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		errorJSON(w, "invalid JSON body: "+err.Error(), "INVALID_BODY", http.StatusUnprocessableEntity)
		return
	}
	if body.TaskID == "" {
		errorJSON(w, "task_id is required", "MISSING_FIELD", http.StatusUnprocessableEntity)
		return
	}

	status := domain.TaskStatus(body.Status)
	switch status {
	case domain.TaskCompleted, domain.TaskWarning, domain.TaskFailed:
	default:
		errorJSON(w, "status must be one of completed, warning, failed", "INVALID_STATUS", http.StatusUnprocessableEntity)
		return
	}

	ctx := ContextWithTaskID(r.Context(), body.TaskID)
	err := s.Tasks.Completion(taskmgr.CompletionRequest{
		TaskID:       body.TaskID,
		RunID:        body.RunID,
		Status:       status,
		ErrorMessage: body.ErrorMessage,
		ScriptOutput: body.ScriptOutput,
	})
	switch {
	case errors.Is(err, taskmgr.ErrNotFound):
		errorJSON(w, "task not found", "TASK_NOT_FOUND", http.StatusNotFound)
	case errors.Is(err, taskmgr.ErrStaleRun):
		LoggerFromContext(ctx).Warn("stale completion ignored", "run_id", body.RunID)
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "stale": true})
	case err != nil:
		internalError(w, "failed to record completion", err)
	default:
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

// HandleListTasks is the admin task listing with filters on status,
// task_type, etab_name, app_name, and a created_at date range.
func (s *Server) HandleListTasks(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	f := taskstore.Filter{
		Status:   domain.TaskStatus(r.URL.Query().Get("status")),
		TaskType: r.URL.Query().Get("task_type"),
		EtabName: r.URL.Query().Get("etab_name"),
		AppName:  r.URL.Query().Get("app_name"),
		Limit:    limit,
		Offset:   offset,
	}
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			errorJSON(w, "from must be RFC 3339", "INVALID_DATE", http.StatusBadRequest)
			return
		}
		f.From = &t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			errorJSON(w, "to must be RFC 3339", "INVALID_DATE", http.StatusBadRequest)
			return
		}
		f.To = &t
	}

	page := s.Tasks.ListTasks(f)
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks": page.Tasks,
		"total": page.Total,
	})
}

// HandleRestartSelected resets the requested terminal tasks back to
// pending with fresh run_ids and re-enqueues them for dispatch. Per-id
// outcomes are reported so a partial failure doesn't mask the rest.
func (s *Server) HandleRestartSelected(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TaskIDs []string `json:"task_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		errorJSON(w, "invalid JSON body: "+err.Error(), "INVALID_BODY", http.StatusUnprocessableEntity)
		return
	}
	if len(body.TaskIDs) == 0 {
		errorJSON(w, "task_ids is required", "MISSING_FIELD", http.StatusUnprocessableEntity)
		return
	}

	writeJSON(w, http.StatusOK, s.Tasks.RestartSelected(body.TaskIDs))
}
