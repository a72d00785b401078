package log

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
		in   string
		want slog.Level
	}{
		{"trace", LevelTrace},
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLevel(tt.in), "level %q", tt.in)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("LEADFORGE_DEBUG", "")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "text")
	t.Setenv("LOG_SOURCE", "1")

	cfg := FromEnv()
	assert.Equal(t, "debug", cfg.Level)
	assert.Equal(t, FormatText, cfg.Format)
	assert.True(t, cfg.AddSource)
}

func TestFromEnvDebugPrecedence(t *testing.T) {
	t.Setenv("LEADFORGE_DEBUG", "1")
	t.Setenv("LOG_LEVEL", "error")

	cfg := FromEnv()
	assert.Equal(t, "debug", cfg.Level)
	assert.True(t, cfg.AddSource)
}

func TestJSONOutputWithJobContext(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	WithJobContext(logger, "job_01", "ten_7").Info("processing job")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "processing job", entry["msg"])
	assert.Equal(t, "job_01", entry["job_id"])
	assert.Equal(t, "ten_7", entry["tenant_id"])
}

func TestWithStepContext(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	WithStepContext(logger, "job_01", 2).Info("step done")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, float64(2), entry["step_index"])
}

func TestTraceSuppressedAtInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	Trace(logger, "llm request body")
	assert.Empty(t, buf.String())

	buf.Reset()
	logger = New(&Config{Level: "trace", Format: FormatJSON, Output: &buf})
	Trace(logger, "llm request body")
	assert.Contains(t, buf.String(), "llm request body")
}

func TestSanitizeAPIKey(t *testing.T) {
	assert.Equal(t, "...6789", SanitizeAPIKey("sk-123456789"))
	assert.Equal(t, "[REDACTED]", SanitizeAPIKey("abc"))
	assert.Equal(t, "[REDACTED]", SanitizeSecret("anything"))
}
