package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewWithWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter("debug", "json", &buf)
	require.NoError(t, err)

	logger.Debug("submodule started", zap.String("title", "Login"))
	require.NoError(t, logger.Sync())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "submodule started", entry["msg"])
	require.Equal(t, "Login", entry["title"])
	require.Contains(t, entry, "ts")
}

func TestNewWithWriterConsoleFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter("warn", "console", &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("visible")
	require.NoError(t, logger.Sync())

	output := buf.String()
	require.NotContains(t, output, "hidden")
	require.Contains(t, output, "visible")
	require.False(t, strings.HasPrefix(strings.TrimSpace(output), "{"))
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("")
	require.NoError(t, err)
	require.Equal(t, zapcore.InfoLevel, level)

	level, err = ParseLevel(" ERROR ")
	require.NoError(t, err)
	require.Equal(t, zapcore.ErrorLevel, level)

	_, err = ParseLevel("loud")
	require.Error(t, err)

	_, err = NewWithWriter("loud", "json", &bytes.Buffer{})
	require.Error(t, err)
}
