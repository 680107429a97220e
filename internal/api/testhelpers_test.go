package api_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/EsupPortail/esup-runner/internal/api"
	"github.com/EsupPortail/esup-runner/internal/domain"
	"github.com/EsupPortail/esup-runner/internal/resultaccess"
	"github.com/EsupPortail/esup-runner/internal/taskmgr"
	"github.com/EsupPortail/esup-runner/internal/taskstore"
)

// mockTaskManager implements api.TaskManager with overridable function
// fields, the same mocking shape used throughout the rest of the tests.
type mockTaskManager struct {
	ExecuteTaskFunc     func(req taskmgr.SubmitRequest) (domain.Task, error)
	GetStatusFunc       func(taskID string) (domain.Task, bool)
	ListTasksFunc       func(f taskstore.Filter) taskstore.Page
	CompletionFunc      func(req taskmgr.CompletionRequest) error
	RestartSelectedFunc func(taskIDs []string) taskmgr.RestartResult
}

func (m *mockTaskManager) ExecuteTask(req taskmgr.SubmitRequest) (domain.Task, error) {
	if m.ExecuteTaskFunc != nil {
		return m.ExecuteTaskFunc(req)
	}
	return domain.Task{TaskID: "task-1", Status: domain.TaskPending}, nil
}

func (m *mockTaskManager) GetStatus(taskID string) (domain.Task, bool) {
	if m.GetStatusFunc != nil {
		return m.GetStatusFunc(taskID)
	}
	return domain.Task{}, false
}

func (m *mockTaskManager) ListTasks(f taskstore.Filter) taskstore.Page {
	if m.ListTasksFunc != nil {
		return m.ListTasksFunc(f)
	}
	return taskstore.Page{Tasks: []domain.Task{}}
}

func (m *mockTaskManager) Completion(req taskmgr.CompletionRequest) error {
	if m.CompletionFunc != nil {
		return m.CompletionFunc(req)
	}
	return nil
}

func (m *mockTaskManager) RestartSelected(taskIDs []string) taskmgr.RestartResult {
	if m.RestartSelectedFunc != nil {
		return m.RestartSelectedFunc(taskIDs)
	}
	return taskmgr.RestartResult{Requested: taskIDs}
}

// mockRegistry implements api.RunnerRegistry with overridable function fields.
type mockRegistry struct {
	RegisterFunc   func(url, name, token, version string, taskTypes []string) error
	HeartbeatFunc  func(url, version string) error
	UnregisterFunc func(url string) error
	ListFunc       func() []domain.Runner
}

func (m *mockRegistry) Register(url, name, token, version string, taskTypes []string) error {
	if m.RegisterFunc != nil {
		return m.RegisterFunc(url, name, token, version, taskTypes)
	}
	return nil
}

func (m *mockRegistry) Heartbeat(url, version string) error {
	if m.HeartbeatFunc != nil {
		return m.HeartbeatFunc(url, version)
	}
	return nil
}

func (m *mockRegistry) Unregister(url string) error {
	if m.UnregisterFunc != nil {
		return m.UnregisterFunc(url)
	}
	return nil
}

func (m *mockRegistry) List() []domain.Runner {
	if m.ListFunc != nil {
		return m.ListFunc()
	}
	return nil
}

// mockResults implements api.ResultAccessor with overridable function fields.
type mockResults struct {
	GetManifestFunc func(ctx context.Context, task domain.Task) (*resultaccess.File, error)
	GetFileFunc     func(ctx context.Context, task domain.Task, filePath string) (*resultaccess.File, error)
}

func (m *mockResults) GetManifest(ctx context.Context, task domain.Task) (*resultaccess.File, error) {
	if m.GetManifestFunc != nil {
		return m.GetManifestFunc(ctx, task)
	}
	return nil, resultaccess.ErrNotFound
}

func (m *mockResults) GetFile(ctx context.Context, task domain.Task, filePath string) (*resultaccess.File, error) {
	if m.GetFileFunc != nil {
		return m.GetFileFunc(ctx, task, filePath)
	}
	return nil, resultaccess.ErrNotFound
}

// newTestRouter mounts the full route tree over the given server with no
// auth middleware, so handler tests exercise routing and URL params the
// way production requests do.
func newTestRouter(t *testing.T, srv *api.Server) chi.Router {
	t.Helper()
	if srv.Version == "" {
		srv.Version = "1.2.0"
	}
	srv.SSRFAllowPrivate = true
	return api.NewRouter(srv)
}

// doRequest runs req against the router and returns the recorder.
func doRequest(router http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}
