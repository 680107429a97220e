// Package registry implements the runner registry: the in-memory set of
// known runners, keyed by canonical URL, with heartbeat tracking and a
// version compatibility gate.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/EsupPortail/esup-runner/internal/domain"
)

var (
	// ErrVersionMismatch is returned when a runner's MAJOR.MINOR does not
	// match the manager's own MAJOR.MINOR.
	ErrVersionMismatch = errors.New("runner version is incompatible with manager")
	// ErrUnknownRunner is returned by Heartbeat for a URL with no registration.
	ErrUnknownRunner = errors.New("runner is not registered")
)

// Registry is the single shared structure tracking runners. Registration,
// heartbeat, list, and selection all observe a consistent snapshot; a
// single mutex protects the map because registry mutations are cheap field
// updates — the cost lives in outbound HTTP calls, which the registry
// never makes (that is the dispatcher's job, against snapshots this type
// hands out).
type Registry struct {
	managerMajor int
	managerMinor int

	mu      sync.RWMutex
	runners map[string]*domain.Runner
}

// New creates a Registry gated against the given manager MAJOR.MINOR version.
func New(managerVersion string) (*Registry, error) {
	major, minor, _, err := ParseVersion(managerVersion)
	if err != nil {
		return nil, fmt.Errorf("parse manager version: %w", err)
	}
	return &Registry{
		managerMajor: major,
		managerMinor: minor,
		runners:      make(map[string]*domain.Runner),
	}, nil
}

// ParseVersion splits a "MAJOR.MINOR.PATCH" string into its parts.
func ParseVersion(v string) (major, minor, patch int, err error) {
	parts := strings.SplitN(v, ".", 3)
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("version %q is not MAJOR.MINOR.PATCH", v)
	}
	major, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid major version %q: %w", parts[0], err)
	}
	minor, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid minor version %q: %w", parts[1], err)
	}
	patch, err = strconv.Atoi(parts[2])
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid patch version %q: %w", parts[2], err)
	}
	return major, minor, patch, nil
}

// CanonicalURL normalises a runner URL to scheme+host+port with no trailing
// slash, so that "http://runner:8080/" and "http://runner:8080" collide on
// the same registry key.
func CanonicalURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse runner url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("runner url %q must include scheme and host", raw)
	}
	u.Path = ""
	u.RawQuery = ""
	u.Fragment = ""
	return strings.TrimRight(u.String(), "/"), nil
}

func (r *Registry) versionCompatible(version string) bool {
	major, minor, _, err := ParseVersion(version)
	if err != nil {
		return false
	}
	return major == r.managerMajor && minor == r.managerMinor
}

// Register creates or replaces the Runner record for url. A second
// registration against an already-known canonical URL rotates name,
// token, version, and task_types in place while preserving RegisteredAt,
// so registry fairness ordering in FindEligible is undisturbed by a token
// rotation.
func (r *Registry) Register(url, name, token, version string, taskTypes []string) error {
	canonical, err := CanonicalURL(url)
	if err != nil {
		return err
	}
	if !r.versionCompatible(version) {
		slog.Warn("runner registration rejected: version mismatch",
			"runner_url", canonical, "runner_version", version,
			"manager_major", r.managerMajor, "manager_minor", r.managerMinor)
		return ErrVersionMismatch
	}

	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	registeredAt := now
	if existing, ok := r.runners[canonical]; ok {
		registeredAt = existing.RegisteredAt
	}

	r.runners[canonical] = &domain.Runner{
		URL:             canonical,
		Name:            name,
		Token:           token,
		Version:         version,
		TaskTypes:       append([]string(nil), taskTypes...),
		RegisteredAt:    registeredAt,
		LastHeartbeatAt: now,
		Status:          domain.RunnerRegistered,
	}
	return nil
}

// Heartbeat refreshes LastHeartbeatAt for a known runner and re-validates
// its version. A runner previously marked unreachable becomes registered
// again on a successful heartbeat.
func (r *Registry) Heartbeat(rawURL, version string) error {
	canonical, err := CanonicalURL(rawURL)
	if err != nil {
		return err
	}
	if !r.versionCompatible(version) {
		slog.Warn("runner heartbeat rejected: version mismatch",
			"runner_url", canonical, "runner_version", version)
		return ErrVersionMismatch
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	runner, ok := r.runners[canonical]
	if !ok {
		return ErrUnknownRunner
	}
	runner.LastHeartbeatAt = time.Now()
	runner.Version = version
	runner.Status = domain.RunnerRegistered
	return nil
}

// Unregister removes a runner's record outright.
func (r *Registry) Unregister(rawURL string) error {
	canonical, err := CanonicalURL(rawURL)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runners, canonical)
	return nil
}

// List returns a snapshot of every known runner, regardless of status.
func (r *Registry) List() []domain.Runner {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Runner, 0, len(r.runners))
	for _, runner := range r.runners {
		out = append(out, *runner)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].URL < out[j].URL
		}
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out
}

// FindEligible returns, in stable deterministic order (RegisteredAt
// ascending, ties broken by URL), every currently-registered runner whose
// advertised task_types include taskType. "registered" here means the
// registry's own Status field; availability itself is re-checked live by
// the dispatcher via /runner/ping, since it is explicitly transient.
func (r *Registry) FindEligible(taskType string) []domain.Runner {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.Runner
	for _, runner := range r.runners {
		if runner.Status != domain.RunnerRegistered {
			continue
		}
		if !containsString(runner.TaskTypes, taskType) {
			continue
		}
		out = append(out, *runner)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].URL < out[j].URL
		}
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out
}

// Get returns a copy of the runner record for url, if any.
func (r *Registry) Get(rawURL string) (domain.Runner, bool) {
	canonical, err := CanonicalURL(rawURL)
	if err != nil {
		return domain.Runner{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.runners[canonical]
	if !ok {
		return domain.Runner{}, false
	}
	return *runner, true
}

// SweepDead marks unreachable any runner whose LastHeartbeatAt is older
// than deadAfter. Intended to run on a ticker (see Start/Stop).
func (r *Registry) SweepDead(deadAfter time.Duration) {
	cutoff := time.Now().Add(-deadAfter)

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, runner := range r.runners {
		if runner.Status == domain.RunnerRegistered && runner.LastHeartbeatAt.Before(cutoff) {
			runner.Status = domain.RunnerUnreachable
			slog.Warn("runner marked unreachable", "runner_url", runner.URL,
				"last_heartbeat_at", runner.LastHeartbeatAt)
		}
	}
}

// Sweeper runs SweepDead on a fixed interval until Stop is called.
type Sweeper struct {
	registry  *Registry
	interval  time.Duration
	deadAfter time.Duration
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewSweeper creates a liveness sweeper for the given registry.
func NewSweeper(r *Registry, interval, deadAfter time.Duration) *Sweeper {
	return &Sweeper{registry: r, interval: interval, deadAfter: deadAfter}
}

// Start begins the background sweep goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.registry.SweepDead(s.deadAfter)
			}
		}
	}()
}

// Stop cancels the sweep goroutine and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}

func containsString(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
