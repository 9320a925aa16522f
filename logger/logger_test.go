package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSON(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	l := New(Config{Level: slog.LevelInfo, Format: "json", Output: &buf})
	l.Debug("hidden")
	slog.Info("claimed queued jobs", "count", 2)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "claimed queued jobs", entry["msg"])
	assert.Equal(t, float64(2), entry["count"])
	assert.Equal(t, "transcribe-queue", entry["service"])
}

func TestNewText(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	l := New(Config{Level: slog.LevelDebug, Format: "text", Output: &buf})
	l.Debug("engine instance leased", "instance", 0)
	assert.Contains(t, buf.String(), "msg=\"engine instance leased\"")
	assert.Contains(t, buf.String(), "instance=0")
}
