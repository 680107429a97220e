// Package taskmgr implements the task lifecycle state machine: the
// authoritative owner of every Task's lifecycle, serialising mutations to
// a given task_id behind a striped lock while letting unrelated tasks
// progress concurrently.
package taskmgr

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/EsupPortail/esup-runner/internal/dispatch"
	"github.com/EsupPortail/esup-runner/internal/domain"
	"github.com/EsupPortail/esup-runner/internal/taskstore"
)

// stripeCount is the number of lock stripes the manager hashes task_id
// into. 1024 keeps contention negligible at the task volumes this system
// targets without paying for a mutex per task.
const stripeCount = 1024

var (
	// ErrNotFound is returned when an operation references an unknown task_id.
	ErrNotFound = errors.New("task not found")
	// ErrStaleRun is returned by Completion when the payload's run_id does
	// not match the task's current run_id.
	ErrStaleRun = errors.New("stale run_id")
	// ErrQueueFull is returned by ExecuteTask when the dispatch queue has
	// no room for another attempt. RestartSelected does not return it; it
	// schedules a retry instead.
	ErrQueueFull = errors.New("dispatch queue is full")
)

// Dispatcher is the subset of dispatch.Dispatcher's API the manager needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, task domain.Task) dispatch.Result
}

// Notifier is the subset of notify.Pipeline's API the manager needs.
type Notifier interface {
	Enqueue(taskID, runID string) error
}

// Config holds the timing knobs that govern dispatch retries and the
// timeout sweep.
type Config struct {
	DispatchRetryDelay  time.Duration
	DispatchMaxAttempts int // 0 = unbounded
	DispatchWorkers     int
	DispatchQueueSize   int

	ExecutionTimeout     time.Duration
	TimeoutSweepInterval time.Duration

	RedispatchOnStartup bool
}

// SubmitRequest is the submission envelope for a new task (the POST
// /task/execute body).
type SubmitRequest struct {
	EtabName    string
	AppName     string
	AppVersion  string
	TaskType    string
	SourceURL   string
	Affiliation string
	Parameters  map[string]any
	NotifyURL   string
}

// RestartResult is the response shape for POST /tasks/restart-selected.
type RestartResult struct {
	Requested []string          `json:"requested"`
	Restarted []string          `json:"restarted"`
	Skipped   map[string]string `json:"skipped"`
	Failed    map[string]string `json:"failed"`
}

// CompletionRequest is the payload of POST /task/completion.
type CompletionRequest struct {
	TaskID       string
	RunID        string // optional; empty means "matches current" (legacy runners)
	Status       domain.TaskStatus
	ErrorMessage string
	ScriptOutput string
}

// Manager owns every Task's lifecycle: submission, dispatch, completion,
// timeout, and restart. It implements notify.TaskSource so the notify
// pipeline's stale-run guard and delivery bookkeeping go through the same
// per-task lock as every other mutation.
type Manager struct {
	store      *taskstore.Store
	dispatcher Dispatcher
	notifier   Notifier
	cfg        Config

	locks [stripeCount]sync.Mutex

	dispatchQueue chan string
	retryTimers   sync.Map // task_id -> *time.Timer, for in-flight retry scheduling

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Manager. Call Start to launch its dispatch workers and
// timeout sweeper.
func New(store *taskstore.Store, dispatcher Dispatcher, notifier Notifier, cfg Config) *Manager {
	if cfg.DispatchWorkers <= 0 {
		cfg.DispatchWorkers = 1
	}
	if cfg.DispatchQueueSize <= 0 {
		cfg.DispatchQueueSize = 64
	}
	return &Manager{
		store:         store,
		dispatcher:    dispatcher,
		notifier:      notifier,
		cfg:           cfg,
		dispatchQueue: make(chan string, cfg.DispatchQueueSize),
	}
}

func (m *Manager) lockFor(taskID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(taskID))
	return &m.locks[h.Sum32()%stripeCount]
}

// LoadAndRedispatch loads every persisted task into the store and, if
// RedispatchOnStartup is set, resets any task left in running (its runner
// may have died with the previous Manager process) back to pending, then
// enqueues dispatch for every pending task. It returns the number of
// tasks re-enqueued.
func (m *Manager) LoadAndRedispatch(ctx context.Context) (int, error) {
	tasks, err := m.store.LoadAll()
	if err != nil {
		return 0, fmt.Errorf("load tasks: %w", err)
	}

	if !m.cfg.RedispatchOnStartup {
		return 0, nil
	}

	requeued := 0
	for _, t := range tasks {
		switch t.Status {
		case domain.TaskRunning:
			t.Status = domain.TaskPending
			t.RunnerURL = ""
			t.RunnerName = ""
			t.StartedAt = nil
			if err := m.store.Put(t); err != nil {
				slog.Error("taskmgr: failed to reset orphaned running task on startup", "task_id", t.TaskID, "error", err)
				continue
			}
			fallthrough
		case domain.TaskPending:
			m.enqueueDispatch(t.TaskID)
			requeued++
		}
	}
	return requeued, nil
}

// Start launches the dispatch worker pool and the timeout sweeper.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	for i := 0; i < m.cfg.DispatchWorkers; i++ {
		m.wg.Add(1)
		go m.dispatchWorker(ctx)
	}
	m.wg.Add(1)
	go m.timeoutSweepLoop(ctx)
}

// Stop cancels background work and waits for it to exit.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.retryTimers.Range(func(_, v any) bool {
		v.(*time.Timer).Stop()
		return true
	})
	m.wg.Wait()
}

// ExecuteTask creates a new task in pending state, persists it, and
// enqueues it for dispatch. It returns ErrQueueFull if the dispatch
// queue has no room (the caller should surface that as 503).
func (m *Manager) ExecuteTask(req SubmitRequest) (domain.Task, error) {
	now := time.Now()
	task := domain.Task{
		TaskID:      uuid.NewString(),
		EtabName:    req.EtabName,
		AppName:     req.AppName,
		AppVersion:  req.AppVersion,
		TaskType:    req.TaskType,
		SourceURL:   req.SourceURL,
		Affiliation: req.Affiliation,
		Parameters:  req.Parameters,
		NotifyURL:   req.NotifyURL,
		Status:      domain.TaskPending,
		RunID:       uuid.NewString(),
		CreatedAt:   now,
	}

	if err := m.store.Put(task); err != nil {
		return domain.Task{}, fmt.Errorf("persist task: %w", err)
	}

	if !m.tryEnqueueDispatch(task.TaskID) {
		return task, ErrQueueFull
	}
	return task, nil
}

// GetStatus returns the current state of a task.
func (m *Manager) GetStatus(taskID string) (domain.Task, bool) {
	return m.store.Get(taskID)
}

// ListTasks delegates to the task store's filtered, paginated listing.
func (m *Manager) ListTasks(f taskstore.Filter) taskstore.Page {
	return m.store.List(f)
}

// enqueueDispatch enqueues taskID for dispatch without blocking the
// caller: when the buffered channel is full, the send is handed to a
// background goroutine. Used for startup redispatch where backpressure
// isn't actionable by a caller.
func (m *Manager) enqueueDispatch(taskID string) {
	select {
	case m.dispatchQueue <- taskID:
	default:
		slog.Warn("taskmgr: dispatch queue full during startup redispatch, retrying in background", "task_id", taskID)
		go func() { m.dispatchQueue <- taskID }()
	}
}

func (m *Manager) tryEnqueueDispatch(taskID string) bool {
	select {
	case m.dispatchQueue <- taskID:
		return true
	default:
		return false
	}
}

func (m *Manager) dispatchWorker(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case taskID := <-m.dispatchQueue:
			m.attemptDispatch(ctx, taskID)
		}
	}
}

// attemptDispatch performs one dispatch attempt for taskID and applies
// the resulting state transition under that task's lock.
func (m *Manager) attemptDispatch(ctx context.Context, taskID string) {
	lock := m.lockFor(taskID)
	lock.Lock()
	task, ok := m.store.Get(taskID)
	if !ok {
		lock.Unlock()
		slog.Warn("taskmgr: dispatch worker picked up unknown task", "task_id", taskID)
		return
	}
	if task.Status != domain.TaskPending {
		// Already handled by a previous attempt (e.g. a retry fired after
		// the task was independently rejected or restarted).
		lock.Unlock()
		return
	}

	attempt := task
	attempt.RunID = uuid.NewString()

	result := m.dispatcher.Dispatch(ctx, attempt)

	switch result.Outcome {
	case dispatch.Dispatched:
		now := time.Now()
		task.Status = domain.TaskRunning
		task.RunID = attempt.RunID
		task.RunnerURL = result.RunnerURL
		task.RunnerName = result.RunnerName
		task.StartedAt = &now
		if err := m.store.Put(task); err != nil {
			slog.Error("taskmgr: failed to persist dispatched task", "task_id", taskID, "error", err)
		}
		lock.Unlock()

	case dispatch.NoRunnerAvailable:
		task.DispatchAttempts++
		exhausted := m.cfg.DispatchMaxAttempts > 0 && task.DispatchAttempts >= m.cfg.DispatchMaxAttempts
		if exhausted {
			task.Status = domain.TaskRejected
			task.ErrorMessage = "no eligible runner: " + result.Reason
			if err := m.store.Put(task); err != nil {
				slog.Error("taskmgr: failed to persist rejected task", "task_id", taskID, "error", err)
			}
			lock.Unlock()
			m.enqueueNotify(task.TaskID, task.RunID)
			return
		}
		if err := m.store.Put(task); err != nil {
			slog.Error("taskmgr: failed to persist dispatch attempt count", "task_id", taskID, "error", err)
		}
		lock.Unlock()
		m.scheduleRetry(taskID)

	case dispatch.RunnerRejected:
		task.Status = domain.TaskRejected
		task.ErrorMessage = result.Reason
		if err := m.store.Put(task); err != nil {
			slog.Error("taskmgr: failed to persist rejected task", "task_id", taskID, "error", err)
		}
		lock.Unlock()
		m.enqueueNotify(task.TaskID, task.RunID)
	}
}

// scheduleRetry re-enqueues taskID for another dispatch attempt after
// DispatchRetryDelay.
func (m *Manager) scheduleRetry(taskID string) {
	timer := time.AfterFunc(m.cfg.DispatchRetryDelay, func() {
		m.retryTimers.Delete(taskID)
		select {
		case m.dispatchQueue <- taskID:
		default:
			slog.Warn("taskmgr: dispatch queue full at retry time, dropping one attempt", "task_id", taskID)
		}
	})
	m.retryTimers.Store(taskID, timer)
}

func (m *Manager) enqueueNotify(taskID, runID string) {
	if err := m.notifier.Enqueue(taskID, runID); err != nil {
		slog.Warn("taskmgr: notify enqueue failed", "task_id", taskID, "error", err)
	}
}

// Completion applies a runner-reported completion (POST /task/completion). Returns ErrNotFound for an unknown
// task_id, ErrStaleRun when the payload's run_id doesn't match the
// task's current run_id (the caller maps that to 202 accepted-and-ignored).
// A completion for an already-terminal task with a matching run_id is a
// no-op (idempotent re-acknowledgement).
func (m *Manager) Completion(req CompletionRequest) error {
	lock := m.lockFor(req.TaskID)
	lock.Lock()
	defer lock.Unlock()

	task, ok := m.store.Get(req.TaskID)
	if !ok {
		return ErrNotFound
	}

	if req.RunID == "" {
		slog.Warn("taskmgr: completion payload missing run_id, treating as current run", "task_id", req.TaskID)
	} else if req.RunID != task.RunID {
		return ErrStaleRun
	}

	if task.Status.Terminal() {
		// Idempotent re-acknowledgement: the first completion to win the
		// lock already applied this transition.
		return nil
	}
	if task.Status != domain.TaskRunning {
		return ErrStaleRun
	}

	now := time.Now()
	task.Status = req.Status
	task.CompletedAt = &now
	task.ErrorMessage = req.ErrorMessage
	task.ScriptOutput = req.ScriptOutput
	if err := m.store.Put(task); err != nil {
		return fmt.Errorf("persist completion: %w", err)
	}

	m.enqueueNotify(task.TaskID, task.RunID)
	return nil
}

// timeoutSweepLoop periodically transitions long-running tasks to timeout.
func (m *Manager) timeoutSweepLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.TimeoutSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepTimeouts()
		}
	}
}

func (m *Manager) sweepTimeouts() {
	page := m.store.List(taskstore.Filter{Status: domain.TaskRunning})
	now := time.Now()
	for _, t := range page.Tasks {
		if t.StartedAt == nil || now.Sub(*t.StartedAt) <= m.cfg.ExecutionTimeout {
			continue
		}
		m.timeoutOne(t.TaskID)
	}
}

func (m *Manager) timeoutOne(taskID string) {
	lock := m.lockFor(taskID)
	lock.Lock()
	defer lock.Unlock()

	task, ok := m.store.Get(taskID)
	if !ok || task.Status != domain.TaskRunning || task.StartedAt == nil {
		return
	}
	if time.Since(*task.StartedAt) <= m.cfg.ExecutionTimeout {
		return
	}

	now := time.Now()
	task.Status = domain.TaskTimeout
	task.CompletedAt = &now
	task.ErrorMessage = fmt.Sprintf("execution exceeded timeout of %s", m.cfg.ExecutionTimeout)
	if err := m.store.Put(task); err != nil {
		slog.Error("taskmgr: failed to persist timed-out task", "task_id", taskID, "error", err)
		return
	}
	m.enqueueNotify(task.TaskID, task.RunID)
}

// RestartSelected restarts every requested task_id that is currently in a
// terminal state.
func (m *Manager) RestartSelected(taskIDs []string) RestartResult {
	res := RestartResult{
		Requested: taskIDs,
		Restarted: []string{},
		Skipped:   map[string]string{},
		Failed:    map[string]string{},
	}

	for _, id := range taskIDs {
		m.restartOne(id, &res)
	}
	return res
}

func (m *Manager) restartOne(taskID string, res *RestartResult) {
	lock := m.lockFor(taskID)
	lock.Lock()
	defer lock.Unlock()

	task, ok := m.store.Get(taskID)
	if !ok {
		res.Failed[taskID] = "task not found"
		return
	}
	if !task.Status.Terminal() {
		res.Skipped[taskID] = fmt.Sprintf("task is %s, not in a terminal state", task.Status)
		return
	}

	task.Status = domain.TaskPending
	task.RunID = uuid.NewString()
	task.StartedAt = nil
	task.CompletedAt = nil
	task.ErrorMessage = ""
	task.DispatchAttempts = 0

	if err := m.store.Put(task); err != nil {
		res.Failed[taskID] = fmt.Sprintf("persist failed: %v", err)
		return
	}

	if !m.tryEnqueueDispatch(task.TaskID) {
		slog.Warn("taskmgr: dispatch queue full on restart, scheduling retry", "task_id", taskID)
		m.scheduleRetry(task.TaskID)
	}
	res.Restarted = append(res.Restarted, taskID)
}

// Get implements notify.TaskSource.
func (m *Manager) Get(taskID string) (domain.Task, bool) {
	return m.store.Get(taskID)
}

// RecordNotifyOutcome implements notify.TaskSource, persisting delivery
// bookkeeping under the task's own lock so it never races a concurrent
// state transition.
func (m *Manager) RecordNotifyOutcome(taskID, runID string, attemptErr error, delivered bool) {
	lock := m.lockFor(taskID)
	lock.Lock()
	defer lock.Unlock()

	task, ok := m.store.Get(taskID)
	if !ok || task.RunID != runID {
		return
	}

	task.NotifyAttempts++
	if attemptErr != nil {
		task.NotifyLastError = attemptErr.Error()
	}
	if delivered {
		now := time.Now()
		task.NotifyDeliveredAt = &now
	}
	if err := m.store.Put(task); err != nil {
		slog.Error("taskmgr: failed to persist notify outcome", "task_id", taskID, "error", err)
	}
}
