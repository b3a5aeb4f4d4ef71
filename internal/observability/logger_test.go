package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/jmylchreest/vtcast/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, &buf)
	logger.Info("test message", slog.String("output", "primary"))

	output := buf.String()
	assert.Contains(t, output, "test message")
	assert.Contains(t, output, `"output":"primary"`)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal([]byte(output), &parsed))
}

func TestNewLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "text"}, &buf)
	logger.Info("test message", slog.String("output", "primary"))

	assert.Contains(t, buf.String(), "output=primary")
}

func TestNewLogger_Levels(t *testing.T) {
	tests := []struct {
		name        string
		configLevel string
		logLevel    slog.Level
		shouldLog   bool
	}{
		{"debug logs at debug level", "debug", slog.LevelDebug, true},
		{"info does not log debug", "info", slog.LevelDebug, false},
		{"warn does not log info", "warn", slog.LevelInfo, false},
		{"warning alias", "warning", slog.LevelWarn, true},
		{"error logs at error level", "error", slog.LevelError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLoggerWithWriter(config.LoggingConfig{Level: tt.configLevel, Format: "json"}, &buf)
			logger.Log(context.Background(), tt.logLevel, "test")

			if tt.shouldLog {
				assert.NotEmpty(t, buf.String())
			} else {
				assert.Empty(t, buf.String())
			}
		})
	}
}

func TestNewLogger_RedactsStreamKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, &buf)

	plaintext := "sk_Zm9vYmFyYmF6cXV4cXV1eHF1dXhxdXV4"
	logger.Info("publish attempt",
		slog.String("stream_key", plaintext),
		slog.String("path", "/live/"+plaintext),
		slog.Any("alias_secret", Secret("hunter2")),
	)

	output := buf.String()
	assert.NotContains(t, output, plaintext)
	assert.NotContains(t, output, "hunter2")
	assert.Contains(t, output, "publish attempt")
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, &buf)

	WithComponent(logger, "encoder").Info("started")
	assert.Contains(t, buf.String(), `"component":"encoder"`)
}

func TestTimedOperationWithError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, &buf)

	var err error
	done := TimedOperationWithError(context.Background(), logger, "connect_output", &err)
	err = errors.New("connection refused")
	done()

	assert.Contains(t, buf.String(), "operation failed")
	assert.Contains(t, buf.String(), "connection refused")
}

func TestLogrusBridge_ForwardsToSlog(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)

	bridge := NewLogrusBridge(logger)
	bridge.WithField("stream_id", 3).Info("handshake completed")
	bridge.WithError(errors.New("broken pipe")).Error("write failed")

	out := buf.String()
	assert.Contains(t, out, `"msg":"handshake completed"`)
	assert.Contains(t, out, `"level":"DEBUG"`)
	assert.Contains(t, out, `"stream_id":3`)
	assert.Contains(t, out, `"msg":"write failed"`)
	assert.Contains(t, out, `"level":"WARN"`)
	assert.Contains(t, out, `"error":"broken pipe"`)
}

func TestLogrusBridge_InfoLevelDropsDebug(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, &buf)

	NewLogrusBridge(logger).Info("chatter")
	assert.Empty(t, buf.String())
}
