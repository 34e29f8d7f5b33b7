package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_SetsGlobalDefault(t *testing.T) {
	Init()
	require.NotNil(t, slog.Default())
}

func TestSetSecondary_WritesToSecondary(t *testing.T) {
	t.Setenv("PRSPEC_LOG_LEVEL", "info")
	Init()

	var buf bytes.Buffer
	SetSecondary(&buf)
	defer SetSecondary(nil)

	slog.Info("worker started", slog.String("key", "value"))

	got := buf.String()
	assert.Contains(t, got, "worker started")
	assert.Contains(t, got, "key=value")
}

func TestSetSecondary_NilClears(t *testing.T) {
	t.Setenv("PRSPEC_LOG_LEVEL", "info")
	Init()

	var buf bytes.Buffer
	SetSecondary(&buf)
	SetSecondary(nil)

	slog.Info("after clear")
	assert.Zero(t, buf.Len())
}

func TestLevelFromEnv_PrefersPrspecVariable(t *testing.T) {
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("PRSPEC_LOG_LEVEL", "debug")
	assert.Equal(t, "debug", levelFromEnv())

	t.Setenv("PRSPEC_LOG_LEVEL", "")
	assert.Equal(t, "error", levelFromEnv())
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"ALL", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"", slog.LevelWarn},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"ERROR", slog.LevelError},
		{"unknown", slog.LevelWarn},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLevel(tt.input), "parseLevel(%q)", tt.input)
	}
}

func TestPrettyHandler_LiftsWorkerID(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, slog.HandlerOptions{Level: slog.LevelDebug}, false)

	r := slog.NewRecord(time.Now(), slog.LevelInfo, "process exited", 0)
	r.AddAttrs(slog.Int(WorkerKey, 3), slog.Int("exit_code", 1))
	require.NoError(t, h.Handle(context.Background(), r))

	line := buf.String()
	assert.Contains(t, line, "[w3] process exited")
	assert.Contains(t, line, "exit_code=1")
	assert.NotContains(t, line, "worker_id=")
}

func TestPrettyHandler_QuotesAndGroups(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	var h slog.Handler = NewPrettyHandler(&buf, slog.HandlerOptions{}, false)
	h = h.WithGroup("run").WithAttrs([]slog.Attr{slog.String("runner", "bundle exec rspec")})

	r := slog.NewRecord(time.Now(), slog.LevelWarn, "slow", 0)
	require.NoError(t, h.Handle(context.Background(), r))

	assert.True(t, strings.Contains(buf.String(), `run.runner="bundle exec rspec"`), buf.String())
}

func TestPrettyHandler_Enabled(t *testing.T) {
	t.Parallel()
	h := NewPrettyHandler(&bytes.Buffer{}, slog.HandlerOptions{Level: slog.LevelWarn}, false)
	assert.False(t, h.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, h.Enabled(context.Background(), slog.LevelError))
}
