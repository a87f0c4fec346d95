package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter("info", "json", &buf)
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.With("component", "test").Info("hello", "channel", "whatsapp")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "test", entry["component"])
	assert.Equal(t, "whatsapp", entry["channel"])
}

func TestNewWithWriter_Text(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter("warn", "text", &buf)
	require.NoError(t, err)

	logger.Info("skipped")
	logger.Warn("shown", "key", "value")

	out := buf.String()
	assert.NotContains(t, out, "skipped")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "key=value")
}

func TestNewWithWriter_UnknownFormat(t *testing.T) {
	_, err := NewWithWriter("info", "xml", &bytes.Buffer{})
	assert.Error(t, err)
}
