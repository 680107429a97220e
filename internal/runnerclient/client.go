// Package runnerclient implements the Manager's outbound HTTP calls to
// Runners: ping, task/run, and the two result-proxy reads. Every call
// carries "Authorization: Bearer <runner.token>" and an explicit
// per-call timeout.
package runnerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client issues outbound calls to Runner HTTP endpoints. It holds no
// per-runner state; callers pass the target Runner's URL and token on
// every call, since the registry (not this package) is the source of
// truth for that data.
type Client struct {
	httpClient *http.Client
}

// New creates a runner Client. The http.Client has no top-level Timeout
// set — every call below applies its own via context, so a slow file
// stream on one runner cannot affect a ping to another.
func New() *Client {
	return &Client{httpClient: &http.Client{}}
}

// NewWithHTTPClient allows tests to inject a stand-in http.Client (e.g.
// one pointed at an httptest.Server's transport).
func NewWithHTTPClient(hc *http.Client) *Client {
	return &Client{httpClient: hc}
}

// PingResponse is the decoded body of GET /runner/ping.
type PingResponse struct {
	Available  bool     `json:"available"`
	Registered bool     `json:"registered"`
	TaskTypes  []string `json:"task_types"`
}

// Ping calls GET {runnerURL}/runner/ping with the given timeout.
func (c *Client) Ping(ctx context.Context, runnerURL, token string, timeout time.Duration) (PingResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var resp PingResponse
	status, body, err := c.do(ctx, http.MethodGet, runnerURL+"/runner/ping", token, nil)
	if err != nil {
		return resp, err
	}
	if status != http.StatusOK {
		return resp, fmt.Errorf("ping: unexpected status %d", status)
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return resp, fmt.Errorf("ping: decode response: %w", err)
	}
	return resp, nil
}

// RunRequest is the body sent to POST /task/run: the full submission
// envelope plus the manager-added task_id and completion_callback URL.
type RunRequest struct {
	TaskID             string         `json:"task_id"`
	RunID              string         `json:"run_id"`
	EtabName           string         `json:"etab_name"`
	AppName            string         `json:"app_name"`
	AppVersion         string         `json:"app_version,omitempty"`
	TaskType           string         `json:"task_type"`
	SourceURL          string         `json:"source_url"`
	Affiliation        string         `json:"affiliation,omitempty"`
	Parameters         map[string]any `json:"parameters,omitempty"`
	CompletionCallback string         `json:"completion_callback"`
}

// Run calls POST {runnerURL}/task/run. Returns nil only on a 2xx
// response; any other status or network error is returned so the caller
// (the dispatcher) can try the next candidate runner.
func (c *Client) Run(ctx context.Context, runnerURL, token string, req RunRequest, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("run: encode request: %w", err)
	}

	status, respBody, err := c.do(ctx, http.MethodPost, runnerURL+"/task/run", token, body)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("run: runner rejected with status %d: %s", status, truncate(respBody, 256))
	}
	return nil
}

// StreamResult calls GET {runnerURL}/task/result/{taskID} (manifest) or
// GET {runnerURL}/task/result/{taskID}/file/{filePath} (a file), returning
// the raw *http.Response for the caller to stream 1:1 to its own client.
// The caller is responsible for closing resp.Body. There is no overall
// deadline — large files are allowed to take as long as they need — but
// the returned body enforces idleTimeout as a rolling per-read deadline:
// a runner that stalls longer than that between chunks has its request
// cancelled, failing the blocked Read.
func (c *Client) StreamResult(ctx context.Context, runnerURL, token, taskID, filePath string, idleTimeout time.Duration) (*http.Response, error) {
	url := runnerURL + "/task/result/" + taskID
	if filePath != "" {
		url += "/file/" + filePath
	}

	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stream result: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stream result: %w", err)
	}

	// The timer covers the headers-to-first-byte gap too: it is armed
	// here and re-armed on every successful Read.
	resp.Body = &idleTimeoutBody{
		rc:     resp.Body,
		timer:  time.AfterFunc(idleTimeout, cancel),
		idle:   idleTimeout,
		cancel: cancel,
	}
	return resp, nil
}

// idleTimeoutBody wraps a response body with a rolling per-read deadline.
// Every successful Read re-arms the timer; if the runner stalls for
// longer than idle between chunks, the timer cancels the request context
// and the blocked Read returns the cancellation error.
type idleTimeoutBody struct {
	rc     io.ReadCloser
	timer  *time.Timer
	idle   time.Duration
	cancel context.CancelFunc
}

func (b *idleTimeoutBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if err == nil {
		b.timer.Reset(b.idle)
	}
	return n, err
}

func (b *idleTimeoutBody) Close() error {
	b.timer.Stop()
	b.cancel()
	return b.rc.Close()
}

func (c *Client) do(ctx context.Context, method, url, token string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response body: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
