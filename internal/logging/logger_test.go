package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSink captures formatted lines per level.
type recordingSink struct {
	mu    sync.Mutex
	lines []string
}

func (r *recordingSink) add(level, format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, level+" "+fmt.Sprintf(format, args...))
}

func (r *recordingSink) Debugf(format string, args ...interface{}) { r.add("debug", format, args...) }
func (r *recordingSink) Infof(format string, args ...interface{})  { r.add("info", format, args...) }
func (r *recordingSink) Warnf(format string, args ...interface{})  { r.add("warn", format, args...) }
func (r *recordingSink) Errorf(format string, args ...interface{}) { r.add("error", format, args...) }

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", LevelDebug},
		{"trace", LevelDebug},
		{"info", LevelInfo},
		{"WARN", LevelWarn},
		{"error", LevelError},
		{"critical", LevelError},
		{"unknown", LevelInfo},
		{"", LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseLevel(tt.input))
		})
	}
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "debug", LevelDebug.String())
	assert.Equal(t, "info", LevelInfo.String())
	assert.Equal(t, "warn", LevelWarn.String())
	assert.Equal(t, "error", LevelError.String())
	assert.Equal(t, "unknown", Level(99).String())
}

func TestLoggerAllLevels(t *testing.T) {
	out := &recordingSink{}
	l := newLogger(out)

	l.Debug("d", "k", 1)
	l.Info("i")
	l.Warn("w", "a", "b")
	l.Error("e", "err", "boom")

	assert.Equal(t, []string{
		"debug d k=1",
		"info i",
		"warn w a=b",
		"error e err=boom",
	}, out.lines)
}

func TestLoggerWithFields(t *testing.T) {
	out := &recordingSink{}
	base := newLogger(out)
	l := base.WithFields("map", "users", "id", 7)

	l.Info("put", "key", "k1")
	base.Info("plain")

	require.Len(t, out.lines, 2)
	assert.Equal(t, "info put map=users id=7 key=k1", out.lines[0])
	assert.Equal(t, "info plain", out.lines[1])
}

func TestLoggerDropsDanglingKey(t *testing.T) {
	out := &recordingSink{}
	newLogger(out).Info("msg", "a", 1, "dangling")

	require.Len(t, out.lines, 1)
	assert.Equal(t, "info msg a=1", out.lines[0])
}

func TestNopLogger(t *testing.T) {
	l := NewNop()
	l.Debug("x")
	l.Info("x", "k", "v")
	l.Warn("x")
	l.Error("x")
	assert.Same(t, l, l.WithFields("k", "v"))
}

func TestNewBeforeInitialise(t *testing.T) {
	_, ok := New("store").(*nopLogger)
	assert.True(t, ok)
}

func TestInitialiseWritesFile(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Directory = dir
	cfg.Level = "debug"

	require.NoError(t, Initialise(cfg))
	l := New("test")
	l.Info("hello", "answer", 42)
	Finalise()

	data, err := os.ReadFile(filepath.Join(dir, cfg.File))
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "hello answer=42"))

	_, ok := New("after").(*nopLogger)
	assert.True(t, ok)
}

func TestInitialiseMissingDirectory(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Directory = filepath.Join(t.TempDir(), "missing")

	err := Initialise(cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Contains(t, err.Error(), "logger initialisation failed")

	_, ok := New("store").(*nopLogger)
	assert.True(t, ok)
}
