package logx

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerBuffersRecentEntries(t *testing.T) {
	before := time.Now().UTC()
	l := NewLogger("test-buffer")
	l.Info("hello %s", "world")

	entries := GetRecentLogEntries("test-buffer", before)
	require.NotEmpty(t, entries)
	last := entries[len(entries)-1]
	assert.Equal(t, "test-buffer", last.Label)
	assert.Equal(t, string(LevelInfo), last.Level)
	assert.Contains(t, last.Message, "hello world")
}

func TestGetRecentLogEntriesFiltersByLabel(t *testing.T) {
	NewLogger("label-a").Info("from a")
	NewLogger("label-b").Info("from b")

	entries := GetRecentLogEntries("label-a", time.Time{})
	for _, e := range entries {
		assert.Equal(t, "label-a", e.Label)
	}
}

func TestDebugFileWritesLogFile(t *testing.T) {
	dir := t.TempDir()

	debugMu.Lock()
	prevFileLogging, prevDir, prevDebug := fileLogging, logDir, debugOn
	fileLogging, logDir, debugOn = true, dir, true
	debugMu.Unlock()
	defer func() {
		debugMu.Lock()
		fileLogging, logDir, debugOn = prevFileLogging, prevDir, prevDebug
		debugMu.Unlock()
	}()

	l := NewLogger("file-test")
	l.Error("boom")

	data, err := os.ReadFile(dir + "/file-test.log")
	require.NoError(t, err)
	assert.Contains(t, string(data), "boom")
}
