// Package dispatch implements runner selection and the POST /task/run
// invocation: ping-before-run against each eligible candidate, in
// the registry's fairness order, stopping at the first runner that
// accepts the task.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/EsupPortail/esup-runner/internal/domain"
	"github.com/EsupPortail/esup-runner/internal/runnerclient"
)

// Outcome classifies the result of a Dispatch call.
type Outcome int

const (
	// Dispatched means a runner accepted the task via /task/run.
	Dispatched Outcome = iota
	// NoRunnerAvailable means no candidate advertised the task type, or
	// none passed the ping eligibility check.
	NoRunnerAvailable
	// RunnerRejected means at least one candidate was ping-eligible but
	// every /task/run call it received was rejected or failed.
	RunnerRejected
)

// Result is the outcome of one Dispatch call.
type Result struct {
	Outcome    Outcome
	RunnerURL  string
	RunnerName string
	Reason     string // populated for NoRunnerAvailable and RunnerRejected
}

// RunnerFinder is the subset of the registry's API the dispatcher needs.
type RunnerFinder interface {
	FindEligible(taskType string) []domain.Runner
}

// RunnerCaller is the subset of the runner client's API the dispatcher
// needs, narrowed to an interface so tests can stub it without spinning
// up httptest servers for every case.
type RunnerCaller interface {
	Ping(ctx context.Context, runnerURL, token string, timeout time.Duration) (runnerclient.PingResponse, error)
	Run(ctx context.Context, runnerURL, token string, req runnerclient.RunRequest, timeout time.Duration) error
}

// Dispatcher selects an eligible runner and dispatches one task to it.
type Dispatcher struct {
	registry        RunnerFinder
	client          RunnerCaller
	pingTimeout     time.Duration
	dispatchTimeout time.Duration
	// CompletionCallbackURL builds the completion_callback URL the runner
	// must call on finish, given a task_id. Injected so the Manager's own
	// externally-reachable base URL is a config concern, not this
	// package's.
	CompletionCallbackURL func(taskID string) string
}

// New creates a Dispatcher.
func New(registry RunnerFinder, client RunnerCaller, pingTimeout, dispatchTimeout time.Duration, completionCallbackURL func(taskID string) string) *Dispatcher {
	return &Dispatcher{
		registry:              registry,
		client:                client,
		pingTimeout:           pingTimeout,
		dispatchTimeout:       dispatchTimeout,
		CompletionCallbackURL: completionCallbackURL,
	}
}

// Dispatch selects an eligible runner for task (using task.RunID, which
// the caller must already have regenerated for this attempt) and calls
// POST /task/run on it.
func (d *Dispatcher) Dispatch(ctx context.Context, task domain.Task) Result {
	candidates := d.registry.FindEligible(task.TaskType)
	if len(candidates) == 0 {
		return Result{Outcome: NoRunnerAvailable, Reason: "no runner advertises task_type " + task.TaskType}
	}

	sawEligible := false
	var lastErr error

	for _, runner := range candidates {
		ping, err := d.client.Ping(ctx, runner.URL, runner.Token, d.pingTimeout)
		if err != nil {
			slog.Warn("dispatch: ping failed", "runner_url", runner.URL, "error", err)
			continue
		}
		if !ping.Available || !ping.Registered || !containsString(ping.TaskTypes, task.TaskType) {
			continue
		}

		sawEligible = true

		req := runnerclient.RunRequest{
			TaskID:             task.TaskID,
			RunID:              task.RunID,
			EtabName:           task.EtabName,
			AppName:            task.AppName,
			AppVersion:         task.AppVersion,
			TaskType:           task.TaskType,
			SourceURL:          task.SourceURL,
			Affiliation:        task.Affiliation,
			Parameters:         task.Parameters,
			CompletionCallback: d.CompletionCallbackURL(task.TaskID),
		}

		if err := d.client.Run(ctx, runner.URL, runner.Token, req, d.dispatchTimeout); err != nil {
			slog.Warn("dispatch: runner rejected task", "runner_url", runner.URL, "task_id", task.TaskID, "error", err)
			lastErr = err
			continue
		}

		return Result{Outcome: Dispatched, RunnerURL: runner.URL, RunnerName: runner.Name}
	}

	if !sawEligible {
		return Result{Outcome: NoRunnerAvailable, Reason: fmt.Sprintf("no eligible runner for task_type %s among %d candidate(s)", task.TaskType, len(candidates))}
	}
	return Result{Outcome: RunnerRejected, Reason: lastErr.Error()}
}

func containsString(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
