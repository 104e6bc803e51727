package log

import (
	"bytes"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// useLogger swaps the package logger for the duration of a test.
func useLogger(t *testing.T, h slog.Handler) {
	t.Helper()
	mu.Lock()
	prev := defaultLogger
	defaultLogger = slog.New(h)
	mu.Unlock()
	t.Cleanup(func() {
		mu.Lock()
		defaultLogger = prev
		mu.Unlock()
	})
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "console", cfg.Mode)
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "auto", cfg.Format)
	assert.Equal(t, 500, cfg.BufferLines)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.input), tt.input)
	}
}

func TestInitBuffersLines(t *testing.T) {
	require.NoError(t, Init(&Config{Mode: "console", Level: "info", Format: "text", BufferLines: 100}))

	Info("connection: buffered message", "endpoint", "messaging")

	lines := GetBufferedLogs(10)
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[len(lines)-1], "buffered message")
	assert.Contains(t, lines[len(lines)-1], "endpoint=messaging")
}

func TestInitBufferDisabled(t *testing.T) {
	require.NoError(t, Init(&Config{Mode: "console", Level: "info", Format: "text"}))
	assert.Nil(t, GetBufferedLogs(10))
}

func TestInitFileMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "rentrt.log")
	require.NoError(t, Init(&Config{Mode: "file", Level: "debug", Format: "json", FilePath: path, MaxSizeMB: 1, MaxBackups: 1}))
	defer Close()

	Debug("registry: debug line")
	assert.FileExists(t, path)
}

func TestInitUnknownMode(t *testing.T) {
	assert.Error(t, Init(&Config{Mode: "database"}))
}

func TestWithAddsAttributes(t *testing.T) {
	var buf bytes.Buffer
	useLogger(t, slog.NewTextHandler(&buf, nil))

	With("component", "health").Info("sampled")
	assert.Contains(t, buf.String(), "component=health")
}
