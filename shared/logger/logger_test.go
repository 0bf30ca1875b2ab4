package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()

	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		entries = append(entries, entry)
	}
	return entries
}

func TestNew_LevelFiltering(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		wantLevel []string
	}{
		{name: "debug keeps everything", level: "debug", wantLevel: []string{"DEBUG", "INFO", "WARN", "ERROR"}},
		{name: "info drops debug", level: "info", wantLevel: []string{"INFO", "WARN", "ERROR"}},
		{name: "warning alias", level: "warning", wantLevel: []string{"WARN", "ERROR"}},
		{name: "error only", level: "error", wantLevel: []string{"ERROR"}},
		{name: "unknown falls back to info", level: "verbose", wantLevel: []string{"INFO", "WARN", "ERROR"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output := &bytes.Buffer{}
			log, err := New(&Config{Level: tt.level, Format: "json", writer: output})
			require.NoError(t, err)

			log.Debug("debug")
			log.Info("info")
			log.Warn("warn")
			log.Error("error")

			entries := decodeLines(t, output)
			got := make([]string, 0, len(entries))
			for _, e := range entries {
				got = append(got, e["level"].(string))
			}
			assert.Equal(t, tt.wantLevel, got)
		})
	}
}

func TestNew_JSONSource(t *testing.T) {
	output := &bytes.Buffer{}
	log, err := New(&Config{Level: "info", Format: "json", EnableSource: true, writer: output})
	require.NoError(t, err)

	log.Info("job claimed", slog.Int64("job_id", 7))

	entries := decodeLines(t, output)
	require.Len(t, entries, 1)
	assert.Equal(t, "job claimed", entries[0]["msg"])
	assert.Equal(t, float64(7), entries[0]["job_id"])
	source, ok := entries[0]["source"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, source, "file")
	assert.Contains(t, source, "line")
}

func TestNew_Console(t *testing.T) {
	output := &bytes.Buffer{}
	log, err := New(&Config{Level: "info", Format: "console", TimeFormat: time.Kitchen, NoColor: true, writer: output})
	require.NoError(t, err)

	log.Info("worker idle", slog.String("routing_key", "main"))

	line := output.String()
	assert.Contains(t, line, "INF")
	assert.Contains(t, line, "worker idle")
	assert.Contains(t, line, "routing_key=main")
	assert.NotContains(t, line, "\x1b[")
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.log")

	log, err := New(&Config{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)
	log.Info("written to file")
	require.NoError(t, log.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
}

func TestNew_FileOutputError(t *testing.T) {
	_, err := New(&Config{Output: filepath.Join(t.TempDir(), "missing", "dir", "x.log")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open log file")
}

func TestLogger_Component(t *testing.T) {
	output := &bytes.Buffer{}
	log, err := New(&Config{Level: "info", Format: "json", writer: output})
	require.NoError(t, err)

	log.Component("instagram").Info("Poll cycle", slog.Int("live", 3))
	log.Component("worker").With(slog.String("identity", "tgms")).Info("Job claimed")

	entries := decodeLines(t, output)
	require.Len(t, entries, 2)

	assert.Equal(t, "instagram", entries[0]["component"])
	assert.Equal(t, float64(3), entries[0]["live"])
	assert.Equal(t, "worker", entries[1]["component"])
	assert.Equal(t, "tgms", entries[1]["identity"])
}

func TestNewNop(t *testing.T) {
	nop := NewNop()
	require.NotNil(t, nop)
	assert.False(t, nop.Enabled(context.Background(), slog.LevelError))
}
