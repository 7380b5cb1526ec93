package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONFormatter_Format(t *testing.T) {
	formatter := &JSONFormatter{}
	ts := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

	entry := LogEntry{
		Timestamp: ts,
		Level:     WARN,
		Component: "dispatch",
		Action:    "critical",
		Message:   "Critical error captured",
		Fields:    Fields{"category": "promiseRejection"},
		TraceID:   "01HXSESSION",
	}

	data, err := formatter.Format(entry)
	require.NoError(t, err)

	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &result))

	assert.Equal(t, "2024-01-15T10:30:00Z", result["timestamp"])
	assert.Equal(t, "warn", result["level"])
	assert.Equal(t, "dispatch", result["component"])
	assert.Equal(t, "critical", result["action"])
	assert.Equal(t, "Critical error captured", result["message"])
	assert.Equal(t, "01HXSESSION", result["trace_id"])

	fields, ok := result["fields"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "promiseRejection", fields["category"])
}

func TestJSONFormatter_Format_MinimalEntry(t *testing.T) {
	formatter := &JSONFormatter{}

	data, err := formatter.Format(LogEntry{
		Timestamp: time.Now(),
		Level:     DEBUG,
		Component: "test",
		Action:    "test",
		Message:   "test message",
	})
	require.NoError(t, err)

	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &result))

	assert.NotContains(t, result, "fields")
	assert.NotContains(t, result, "error")
	assert.NotContains(t, result, "error_type")
	assert.NotContains(t, result, "trace_id")
	assert.NotContains(t, result, "session")
}

func TestJSONFormatter_OneObjectPerLine(t *testing.T) {
	formatter := &JSONFormatter{}

	data, err := formatter.Format(LogEntry{
		Timestamp: time.Now(),
		Level:     INFO,
		Component: "errlog",
		Action:    "record",
		Message:   "stack\nwith\nnewlines",
	})
	require.NoError(t, err)

	assert.True(t, bytes.HasSuffix(data, []byte("\n")))
	assert.Equal(t, 1, bytes.Count(data, []byte("\n")))
}

func TestHumanFormatter_Format(t *testing.T) {
	var buf bytes.Buffer
	formatter := NewHumanFormatter(&buf)

	ts := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	data, err := formatter.Format(LogEntry{
		Timestamp: ts,
		Level:     INFO,
		Component: "beacon",
		Action:    "connect",
		Message:   "Page connected",
		Fields:    Fields{"path": "/projects", "agent": "test"},
		TraceID:   "trace123",
	})
	require.NoError(t, err)

	output := string(data)
	assert.Contains(t, output, "10:30:00")
	assert.Contains(t, output, "info")
	assert.Contains(t, output, "[beacon]")
	assert.Contains(t, output, "connect:")
	assert.Contains(t, output, "Page connected")
	assert.Contains(t, output, "[agent=test, path=/projects]")
	assert.Contains(t, output, "trace_id=trace123")
	assert.True(t, strings.HasSuffix(output, "\n"))
}

func TestHumanFormatter_Session(t *testing.T) {
	formatter := NewHumanFormatter(&bytes.Buffer{})

	data, err := formatter.Format(LogEntry{
		Level:     WARN,
		Component: "dispatch",
		Action:    "navigate",
		Message:   "Push failed",
		Session:   "01HXPAGE",
		Error:     "no history",
	})
	require.NoError(t, err)
	assert.Contains(t, string(data), "[dispatch] navigate: Push failed session=01HXPAGE error=no history")
}

func TestHumanFormatter_NoColorForBuffers(t *testing.T) {
	var buf bytes.Buffer
	formatter := NewHumanFormatter(&buf)
	assert.False(t, formatter.colorEnabled)

	data, err := formatter.Format(LogEntry{Level: ERROR, Component: "c", Action: "a", Message: "m"})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "\033[")
}
