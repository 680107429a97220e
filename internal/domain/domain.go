// Package domain holds the core types shared across the manager: runners,
// tasks, and the audit trail of administrative actions.
package domain

import (
	"time"
)

// RunnerStatus is the lifecycle state of a registered Runner.
type RunnerStatus string

const (
	RunnerRegistered  RunnerStatus = "registered"
	RunnerUnreachable RunnerStatus = "unreachable"
	RunnerRemoved     RunnerStatus = "removed"
)

// Runner is a remote HTTP worker that executes media tasks. Identity is the
// canonical URL; at most one Runner record exists per URL at a time.
type Runner struct {
	URL             string       `json:"url"`
	Name            string       `json:"name"`
	Token           string       `json:"-"` // never serialized, never logged
	Version         string       `json:"version"`
	TaskTypes       []string     `json:"task_types"`
	RegisteredAt    time.Time    `json:"registered_at"`
	LastHeartbeatAt time.Time    `json:"last_heartbeat_at"`
	Status          RunnerStatus `json:"status"`
}

// TaskStatus is the lifecycle state of a Task. See the state machine in
// internal/taskmgr for legal transitions between these values.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskWarning   TaskStatus = "warning"
	TaskFailed    TaskStatus = "failed"
	TaskTimeout   TaskStatus = "timeout"
	TaskRejected  TaskStatus = "rejected"
)

// Terminal reports whether status is one from which only restart() can
// transition, per the state machine's terminal set.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskWarning, TaskFailed, TaskTimeout, TaskRejected:
		return true
	default:
		return false
	}
}

// Task is a unit of work submitted by a client. Its lifecycle is owned
// entirely by the task manager; the persisted record always matches the
// in-memory record because every mutation writes through before the
// per-task lock is released.
type Task struct {
	TaskID string `json:"task_id"`

	// Submission envelope, fixed for the life of the task (preserved across restarts).
	EtabName    string         `json:"etab_name"`
	AppName     string         `json:"app_name"`
	AppVersion  string         `json:"app_version,omitempty"`
	TaskType    string         `json:"task_type"`
	SourceURL   string         `json:"source_url"`
	Affiliation string         `json:"affiliation,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	NotifyURL   string         `json:"notify_url,omitempty"`

	// Assignment.
	RunnerURL  string `json:"runner_url,omitempty"`
	RunnerName string `json:"runner_name,omitempty"`

	// Execution.
	Status       TaskStatus `json:"status"`
	RunID        string     `json:"run_id"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	ScriptOutput string     `json:"script_output,omitempty"`

	// Dispatch bookkeeping (not part of the wire contract with clients, but
	// persisted so a restart can resume retry counting).
	DispatchAttempts int `json:"dispatch_attempts,omitempty"`

	// Delivery.
	NotifyAttempts    int        `json:"notify_attempts"`
	NotifyLastError   string     `json:"notify_last_error,omitempty"`
	NotifyDeliveredAt *time.Time `json:"notify_delivered_at,omitempty"`
}

// DayBucketKey returns the day-bucket name ("YYYY-MM-DD") this task belongs
// to for its entire life, derived from CreatedAt.
func (t *Task) DayBucketKey() string {
	return t.CreatedAt.UTC().Format("2006-01-02")
}

// Clone returns a deep copy of the task, safe to hand across goroutine
// boundaries: the timestamp pointers and the Parameters map are all
// duplicated, so mutating the clone can never reach the original. The
// task store clones on every Put and Get so its index shares no state
// with callers. Parameter values are opaque passthrough and are never
// mutated anywhere, so copying the map one level deep is sufficient.
func (t *Task) Clone() *Task {
	c := *t
	if t.StartedAt != nil {
		started := *t.StartedAt
		c.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		c.CompletedAt = &completed
	}
	if t.NotifyDeliveredAt != nil {
		delivered := *t.NotifyDeliveredAt
		c.NotifyDeliveredAt = &delivered
	}
	if t.Parameters != nil {
		params := make(map[string]any, len(t.Parameters))
		for k, v := range t.Parameters {
			params[k] = v
		}
		c.Parameters = params
	}
	return &c
}

// AuditEntry is one recorded administrative action against the Manager:
// a restart-selected or another mutating request on the admin surface.
// Runner registration and unregistration are not on that surface and
// are not recorded. AdminUser is the HTTP Basic username that performed it.
type AuditEntry struct {
	ID        int64     `json:"id"`
	AdminUser string    `json:"admin_user"`
	Action    string    `json:"action"`
	Resource  string    `json:"resource"`
	Detail    string    `json:"detail,omitempty"`
	RemoteIP  string    `json:"remote_ip,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
