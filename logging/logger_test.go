package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJSONLogger(buf *bytes.Buffer) *StandardLogger {
	return NewLogger(LoggerConfig{
		Output:    buf,
		Formatter: &JSONFormatter{},
		Level:     DEBUG,
	})
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(line, &m), "line must be JSON: %s", line)
		out = append(out, m)
	}
	return out
}

func TestNewLogger_Defaults(t *testing.T) {
	logger := NewLogger(LoggerConfig{})
	assert.NotNil(t, logger)
	assert.Equal(t, os.Stdout, logger.out.w)
	assert.IsType(t, &HumanFormatter{}, logger.out.formatter)
	assert.Equal(t, DEBUG, logger.level)
}

func TestStandardLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggerConfig{
		Output:    &buf,
		Formatter: &JSONFormatter{},
		Level:     WARN,
	})

	logger.Debug("dispatch", "handle", "debug message")
	logger.Info("dispatch", "handle", "info message")
	logger.Warn("dispatch", "handle", "warn message")
	logger.Error("dispatch", "handle", "error message")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "warn", lines[0]["level"])
	assert.Equal(t, "error", lines[1]["level"])
}

func TestStandardLogger_WithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := newJSONLogger(&buf)

	logger.WithFields(Fields{"session_id": "01HX", "category": "runtime"}).
		Info("beacon", "frame", "Frame received")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	fields, ok := lines[0]["fields"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "01HX", fields["session_id"])
	assert.Equal(t, "runtime", fields["category"])
}

func TestStandardLogger_WithFieldsDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	logger := newJSONLogger(&buf)

	_ = logger.WithFields(Fields{"child": true})
	logger.Info("test", "parent", "plain")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.NotContains(t, lines[0], "fields")
}

func TestStandardLogger_WithError(t *testing.T) {
	var buf bytes.Buffer
	logger := newJSONLogger(&buf)

	logger.WithError(errors.New("database is locked")).Error("storage", "save", "Archive failed")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "database is locked", lines[0]["error"])
	assert.Equal(t, "errorString", lines[0]["error_type"])
}

func TestStandardLogger_WithError_Nil(t *testing.T) {
	var buf bytes.Buffer
	logger := newJSONLogger(&buf)

	logger.WithError(nil).Info("test", "action", "message")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.NotContains(t, lines[0], "error")
}

func TestStandardLogger_WithTraceID(t *testing.T) {
	var buf bytes.Buffer
	logger := newJSONLogger(&buf)

	logger.WithTraceID("01HXSESSION").Info("beacon", "connect", "Page connected")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "01HXSESSION", lines[0]["trace_id"])
}

func TestStandardLogger_WithSession(t *testing.T) {
	var buf bytes.Buffer
	logger := newJSONLogger(&buf)
	logger.now = func() time.Time { return time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC) }

	sess := logger.WithSession("01HXPAGE")
	sess.Info("beacon", "frame", "Frame received")
	logger.Info("beacon", "listen", "Beacon ready")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "01HXPAGE", lines[0]["session"])
	assert.Equal(t, "2024-03-01T09:00:00Z", lines[0]["timestamp"])
	assert.NotContains(t, lines[1], "session")
}

func TestStandardLogger_WithErrorIsTopLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newJSONLogger(&buf)

	logger.WithError(errors.New("closed")).WithFields(Fields{"n": 1}).Warn("beacon", "send", "Send failed")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	fields := lines[0]["fields"].(map[string]interface{})
	assert.NotContains(t, fields, "error")
	assert.Equal(t, "closed", lines[0]["error"])
}

func TestStandardLogger_Chaining(t *testing.T) {
	var buf bytes.Buffer
	logger := newJSONLogger(&buf)

	logger.
		WithTraceID("trace123").
		WithFields(Fields{"path": "/error"}).
		WithError(errors.New("history unavailable")).
		Warn("dispatch", "navigate", "Push failed")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "trace123", lines[0]["trace_id"])
	assert.Equal(t, "history unavailable", lines[0]["error"])
	fields := lines[0]["fields"].(map[string]interface{})
	assert.Equal(t, "/error", fields["path"])
}

func TestStandardLogger_Sanitize(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggerConfig{
		Output:    &buf,
		Formatter: &JSONFormatter{},
		Level:     DEBUG,
		Sanitize:  true,
	})

	logger.
		WithFields(Fields{"Cookie": "sid=abc", "path": "/projects"}).
		Info("beacon", "report", "Report received")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	fields := lines[0]["fields"].(map[string]interface{})
	assert.Equal(t, "[REDACTED]", fields["Cookie"])
	assert.Equal(t, "/projects", fields["path"])
}

func TestStandardLogger_ConcurrentDerivedLoggers(t *testing.T) {
	var buf bytes.Buffer
	logger := newJSONLogger(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			logger.Info("test", "root", "root line")
		}()
		go func(n int) {
			defer wg.Done()
			logger.WithFields(Fields{"n": n}).Info("test", "child", "child line")
		}(i)
	}
	wg.Wait()

	assert.Len(t, decodeLines(t, &buf), 100)
}

func TestNopLogger(t *testing.T) {
	logger := NopLogger{}

	logger.Debug("a", "b", "c")
	logger.Info("a", "b", "c")
	logger.Warn("a", "b", "c")
	logger.Error("a", "b", "c")

	assert.IsType(t, NopLogger{}, logger.WithFields(Fields{}))
	assert.IsType(t, NopLogger{}, logger.WithError(errors.New("test")))
	assert.IsType(t, NopLogger{}, logger.WithTraceID("abc"))
	assert.IsType(t, NopLogger{}, logger.WithSession("abc"))
}

func TestOrNop(t *testing.T) {
	assert.IsType(t, NopLogger{}, OrNop(nil))

	var buf bytes.Buffer
	logger := newJSONLogger(&buf)
	assert.Same(t, logger, OrNop(logger))
}
