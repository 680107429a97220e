package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextHandler_IncludesRequestID(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewJSONHandler(&buf, nil)
	handler := NewContextHandler(base)
	logger := slog.New(handler)

	ctx := ContextWithRequestID(context.Background(), "test-req-123")
	logger.InfoContext(ctx, "test message")

	var entry map[string]interface{}
	err := json.Unmarshal(buf.Bytes(), &entry)
	require.NoError(t, err)
	assert.Equal(t, "test-req-123", entry["request_id"])
	assert.Equal(t, "test message", entry["msg"])
}

func TestContextHandler_NoRequestID_OmitsField(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewJSONHandler(&buf, nil)
	handler := NewContextHandler(base)
	logger := slog.New(handler)

	logger.InfoContext(context.Background(), "no request id")

	var entry map[string]interface{}
	err := json.Unmarshal(buf.Bytes(), &entry)
	require.NoError(t, err)
	assert.Nil(t, entry["request_id"])
	assert.Equal(t, "no request id", entry["msg"])
}

func TestContextHandler_IncludesTaskID(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewJSONHandler(&buf, nil)
	handler := NewContextHandler(base)
	logger := slog.New(handler)

	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithTaskID(ctx, "task-abc")
	logger.InfoContext(ctx, "dispatching")

	var entry map[string]interface{}
	err := json.Unmarshal(buf.Bytes(), &entry)
	require.NoError(t, err)
	assert.Equal(t, "req-1", entry["request_id"])
	assert.Equal(t, "task-abc", entry["task_id"])
}

func TestContextHandler_NoTaskID_OmitsField(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewJSONHandler(&buf, nil)
	handler := NewContextHandler(base)
	logger := slog.New(handler)

	logger.InfoContext(ContextWithRequestID(context.Background(), "req-2"), "no task scope")

	var entry map[string]interface{}
	err := json.Unmarshal(buf.Bytes(), &entry)
	require.NoError(t, err)
	assert.Nil(t, entry["task_id"])
}

func TestContextWithTaskID_UpgradesScopedLogger(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewJSONHandler(&buf, nil)
	prev := slog.Default()
	slog.SetDefault(slog.New(base))
	t.Cleanup(func() { slog.SetDefault(prev) })

	ctx := contextWithLogger(context.Background(), slog.Default().With("request_id", "req-3"))
	ctx = ContextWithTaskID(ctx, "task-xyz")
	LoggerFromContext(ctx).Info("streaming result")

	out := buf.String()
	assert.Contains(t, out, `"request_id":"req-3"`)
	assert.Contains(t, out, `"task_id":"task-xyz"`)
}

func TestContextHandler_WithAttrs_Preserves(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewJSONHandler(&buf, nil)
	handler := NewContextHandler(base)
	logger := slog.New(handler).With("service", "managerd")

	ctx := ContextWithRequestID(context.Background(), "req-456")
	logger.InfoContext(ctx, "with attrs")

	var entry map[string]interface{}
	err := json.Unmarshal(buf.Bytes(), &entry)
	require.NoError(t, err)
	assert.Equal(t, "req-456", entry["request_id"])
	assert.Equal(t, "managerd", entry["service"])
}

func TestContextHandler_WithGroup_Preserves(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewJSONHandler(&buf, nil)
	handler := NewContextHandler(base)
	logger := slog.New(handler).WithGroup("http")

	ctx := ContextWithRequestID(context.Background(), "req-789")
	logger.InfoContext(ctx, "grouped")

	var entry map[string]interface{}
	err := json.Unmarshal(buf.Bytes(), &entry)
	require.NoError(t, err)
	// When a group is active, record.AddAttrs places request_id inside the group
	httpGroup, ok := entry["http"].(map[string]interface{})
	require.True(t, ok, "expected 'http' group in log entry")
	assert.Equal(t, "req-789", httpGroup["request_id"])
}
