package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.input), "level %q", tt.input)
	}
}

func TestJSONOutputSchema(t *testing.T) {
	var buf bytes.Buffer
	Init(slog.LevelInfo, "codeforge-worker", &buf)

	log := Get()
	log = WithRequestID(log, "req-1")
	log = WithRun(log, "task-1", "run-1")
	log.Info("run started")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))

	assert.Equal(t, "info", record["level"])
	assert.Equal(t, "codeforge-worker", record["service"])
	assert.Equal(t, "run started", record["msg"])
	assert.Equal(t, "req-1", record["request_id"])
	assert.Equal(t, "task-1", record["task_id"])
	assert.Equal(t, "run-1", record["run_id"])
	assert.Contains(t, record, "time")
}

func TestWithRequestIDEmpty(t *testing.T) {
	var buf bytes.Buffer
	Init(slog.LevelInfo, "codeforge-worker", &buf)

	WithRequestID(Get(), "").Info("no correlation")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.NotContains(t, record, "request_id")
}
