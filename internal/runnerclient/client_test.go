package runnerclient_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/EsupPortail/esup-runner/internal/runnerclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPing_ParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer runner-tok", r.Header.Get("Authorization"))
		assert.Equal(t, "/runner/ping", r.URL.Path)
		json.NewEncoder(w).Encode(runnerclient.PingResponse{
			Available: true, Registered: true, TaskTypes: []string{"encoding"},
		})
	}))
	defer srv.Close()

	c := runnerclient.New()
	resp, err := c.Ping(context.Background(), srv.URL, "runner-tok", time.Second)
	require.NoError(t, err)
	assert.True(t, resp.Available)
	assert.Equal(t, []string{"encoding"}, resp.TaskTypes)
}

func TestPing_NonOKStatus_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := runnerclient.New()
	_, err := c.Ping(context.Background(), srv.URL, "tok", time.Second)
	assert.Error(t, err)
}

func TestRun_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/task/run", r.URL.Path)
		var body runnerclient.RunRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "task-1", body.TaskID)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := runnerclient.New()
	err := c.Run(context.Background(), srv.URL, "tok", runnerclient.RunRequest{TaskID: "task-1"}, time.Second)
	assert.NoError(t, err)
}

func TestRun_RejectedStatus_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("busy"))
	}))
	defer srv.Close()

	c := runnerclient.New()
	err := c.Run(context.Background(), srv.URL, "tok", runnerclient.RunRequest{}, time.Second)
	assert.Error(t, err)
}

func TestStreamResult_ManifestAndFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/task/result/task-1":
			w.Write([]byte(`{"files":["a.mp4"]}`))
		case "/task/result/task-1/file/a.mp4":
			w.Write([]byte("binary-data"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := runnerclient.New()

	resp, err := c.StreamResult(context.Background(), srv.URL, "tok", "task-1", "", time.Second)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"files":["a.mp4"]}`, string(b))

	resp2, err := c.StreamResult(context.Background(), srv.URL, "tok", "task-1", "a.mp4", time.Second)
	require.NoError(t, err)
	defer resp2.Body.Close()
	b2, _ := io.ReadAll(resp2.Body)
	assert.Equal(t, "binary-data", string(b2))
}

func TestStreamResult_IdleTimeoutCutsStalledStream(t *testing.T) {
	unblock := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("first-chunk"))
		w.(http.Flusher).Flush()
		<-unblock // stall mid-body, never sending the rest
	}))
	defer srv.Close()
	defer close(unblock)

	c := runnerclient.New()
	resp, err := c.StreamResult(context.Background(), srv.URL, "tok", "task-1", "big.mp4", 50*time.Millisecond)
	require.NoError(t, err)
	defer resp.Body.Close()

	start := time.Now()
	b, err := io.ReadAll(resp.Body)
	require.Error(t, err, "a stalled stream must be cut off, not hang")
	assert.Contains(t, string(b), "first-chunk")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestStreamResult_SlowButSteadyStreamSurvives(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 5; i++ {
			w.Write([]byte("chunk."))
			w.(http.Flusher).Flush()
			time.Sleep(20 * time.Millisecond)
		}
	}))
	defer srv.Close()

	c := runnerclient.New()
	// Total transfer (~100ms) exceeds the idle timeout; per-chunk gaps do not.
	resp, err := c.StreamResult(context.Background(), srv.URL, "tok", "task-1", "big.mp4", 60*time.Millisecond)
	require.NoError(t, err)
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err, "steady progress must never trip the idle timeout")
	assert.Equal(t, "chunk.chunk.chunk.chunk.chunk.", string(b))
}

func TestPing_TimeoutIsEnforced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	c := runnerclient.New()
	_, err := c.Ping(context.Background(), srv.URL, "tok", 5*time.Millisecond)
	assert.Error(t, err)
}
