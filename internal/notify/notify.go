// Package notify implements the completion-callback delivery pipeline:
// a bounded worker pool that POSTs a JSON webhook to a task's
// notify_url with exponential backoff, at-least-once, guarded against
// delivering a stale (restarted) run.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/EsupPortail/esup-runner/internal/domain"
)

// ErrQueueFull is returned by Enqueue when the bounded queue has no room.
var ErrQueueFull = errors.New("notify queue is full")

// TaskSource is the narrow view into the Task Manager the pipeline needs:
// re-reading a task before each attempt (for the stale-run guard) and
// recording the outcome of a delivery attempt under the task's own lock.
type TaskSource interface {
	Get(taskID string) (domain.Task, bool)
	RecordNotifyOutcome(taskID, runID string, attemptErr error, delivered bool)
}

// Payload is the JSON body posted to notify_url.
type Payload struct {
	TaskID       string `json:"task_id"`
	RunID        string `json:"run_id"`
	Status       string `json:"status"`
	ScriptOutput string `json:"script_output,omitempty"`
}

type job struct {
	taskID string
	runID  string
}

// Pipeline is the bounded notify worker pool.
type Pipeline struct {
	tasks         TaskSource
	httpClient    *http.Client
	queue         chan job
	maxRetries    int
	baseDelay     time.Duration
	backoffFactor float64
	timeout       time.Duration

	mu       sync.Mutex
	inFlight map[string]struct{} // "task_id/run_id" currently queued or processing

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config configures a Pipeline.
type Config struct {
	Workers       int
	QueueSize     int
	MaxRetries    int
	BaseDelay     time.Duration
	BackoffFactor float64
	Timeout       time.Duration
}

// New creates a Pipeline. Call Start to spin up its worker goroutines.
func New(tasks TaskSource, cfg Config) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &Pipeline{
		tasks:         tasks,
		httpClient:    &http.Client{},
		queue:         make(chan job, cfg.QueueSize),
		maxRetries:    cfg.MaxRetries,
		baseDelay:     cfg.BaseDelay,
		backoffFactor: cfg.BackoffFactor,
		timeout:       cfg.Timeout,
		inFlight:      make(map[string]struct{}),
	}
}

// Start launches n worker goroutines.
func (p *Pipeline) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 1
	}
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.runWorker(ctx)
	}
}

// Stop cancels in-flight work and waits for workers to exit.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Enqueue schedules a completion notification for (taskID, runID). It is
// idempotent: a second Enqueue for the same (task_id, run_id) pair while
// the first is still queued or in flight is a silent no-op.
func (p *Pipeline) Enqueue(taskID, runID string) error {
	key := taskID + "/" + runID

	p.mu.Lock()
	if _, ok := p.inFlight[key]; ok {
		p.mu.Unlock()
		return nil
	}
	p.inFlight[key] = struct{}{}
	p.mu.Unlock()

	select {
	case p.queue <- job{taskID: taskID, runID: runID}:
		return nil
	default:
		p.mu.Lock()
		delete(p.inFlight, key)
		p.mu.Unlock()
		return ErrQueueFull
	}
}

func (p *Pipeline) runWorker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-p.queue:
			p.deliver(ctx, j)
		}
	}
}

func (p *Pipeline) deliver(ctx context.Context, j job) {
	defer func() {
		p.mu.Lock()
		delete(p.inFlight, j.taskID+"/"+j.runID)
		p.mu.Unlock()
	}()

	maxAttempts := p.maxRetries
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		task, ok := p.tasks.Get(j.taskID)
		if !ok {
			slog.Warn("notify: task disappeared before delivery", "task_id", j.taskID)
			return
		}
		if task.RunID != j.runID {
			// The task was restarted after this notification was enqueued;
			// a fresh notification will be enqueued for the new run_id.
			slog.Info("notify: dropping stale-run notification", "task_id", j.taskID, "enqueued_run_id", j.runID, "current_run_id", task.RunID)
			return
		}

		if task.NotifyURL == "" {
			p.tasks.RecordNotifyOutcome(j.taskID, j.runID, nil, true)
			return
		}

		err := p.post(ctx, task)
		if err == nil {
			p.tasks.RecordNotifyOutcome(j.taskID, j.runID, nil, true)
			return
		}

		p.tasks.RecordNotifyOutcome(j.taskID, j.runID, err, false)

		if attempt == maxAttempts {
			slog.Warn("notify: giving up after max attempts", "task_id", j.taskID, "attempts", attempt, "error", err)
			return
		}

		delay := backoffDelay(p.baseDelay, p.backoffFactor, attempt)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (p *Pipeline) post(ctx context.Context, task domain.Task) error {
	payload := Payload{
		TaskID:       task.TaskID,
		RunID:        task.RunID,
		Status:       string(task.Status),
		ScriptOutput: task.ScriptOutput,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, task.NotifyURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post notify_url: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify_url returned status %d", resp.StatusCode)
	}
	return nil
}

// backoffDelay computes delay_n = base_delay * backoff_factor^(n-1).
func backoffDelay(base time.Duration, factor float64, attempt int) time.Duration {
	d := float64(base)
	for i := 1; i < attempt; i++ {
		d *= factor
	}
	return time.Duration(d)
}
