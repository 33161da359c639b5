package pkg

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureLogs routes the default logger into a buffer at debug level for
// the duration of the test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	originalLogger := DefaultLogger
	originalLevel := GetLogLevel()
	t.Cleanup(func() {
		SetLogger(originalLogger)
		SetLogLevel(originalLevel)
	})
	SetLogLevel(slog.LevelDebug)
	SetLogger(NewLogger(&buf, nil))
	return &buf
}

func TestSetLogLevel(t *testing.T) {
	original := GetLogLevel()
	defer SetLogLevel(original)

	for _, level := range []slog.Level{slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError} {
		t.Run(level.String(), func(t *testing.T) {
			SetLogLevel(level)
			assert.Equal(t, level, GetLogLevel())
		})
	}
}

func TestParseLogFormat(t *testing.T) {
	tests := []struct {
		in     string
		want   LogFormat
		wantOK bool
	}{
		{"", LogFormatText, true},
		{"text", LogFormatText, true},
		{"json", LogFormatJSON, true},
		{"console", LogFormatConsole, true},
		{"yaml", LogFormatText, false},
	}
	for _, tt := range tests {
		got, ok := ParseLogFormat(tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, tt.wantOK, ok, tt.in)
	}
}

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	require.NotNil(t, logger)

	logger.Info("test message")
	assert.Contains(t, buf.String(), `"msg":"test message"`)
}

func TestNewConsoleLogger(t *testing.T) {
	original := GetLogLevel()
	defer SetLogLevel(original)
	SetLogLevel(slog.LevelInfo)

	var buf bytes.Buffer
	logger := NewConsoleLogger(&buf)
	require.NotNil(t, logger)

	logger.Info("console message", "block", 7)
	assert.Contains(t, buf.String(), "console message")
	assert.Contains(t, buf.String(), "block")
}

func TestComponentLogging(t *testing.T) {
	tests := []struct {
		name      string
		log       func(Component, string, ...any)
		component Component
	}{
		{"debug", LogDebug, ComponentDFU},
		{"info", LogInfo, ComponentStack},
		{"warn", LogWarn, ComponentApplier},
		{"error", LogError, ComponentHAL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureLogs(t)
			tt.log(tt.component, tt.name+" message", "key", "value")
			out := buf.String()
			assert.Contains(t, out, tt.name+" message")
			assert.Contains(t, out, "component="+string(tt.component))
			assert.Contains(t, out, "key=value")
		})
	}
}

func TestLogLevelFilters(t *testing.T) {
	buf := captureLogs(t)
	SetLogLevel(slog.LevelWarn)

	LogDebug(ComponentDevice, "hidden")
	LogWarn(ComponentDevice, "shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}
