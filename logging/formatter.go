package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
)

type Formatter interface {
	Format(entry LogEntry) ([]byte, error)
}

// JSONFormatter writes one object per line.
type JSONFormatter struct{}

type jsonLine struct {
	Timestamp string   `json:"timestamp"`
	Level     LogLevel `json:"level"`
	Component string   `json:"component"`
	Action    string   `json:"action"`
	Message   string   `json:"message"`
	Session   string   `json:"session,omitempty"`
	Fields    Fields   `json:"fields,omitempty"`
	Error     string   `json:"error,omitempty"`
	ErrorType string   `json:"error_type,omitempty"`
	TraceID   string   `json:"trace_id,omitempty"`
}

func (f *JSONFormatter) Format(e LogEntry) ([]byte, error) {
	data, err := json.Marshal(jsonLine{
		Timestamp: e.Timestamp.Format(time.RFC3339),
		Level:     e.Level,
		Component: e.Component,
		Action:    e.Action,
		Message:   e.Message,
		Session:   e.Session,
		Fields:    e.Fields,
		Error:     e.Error,
		ErrorType: e.ErrorType,
		TraceID:   e.TraceID,
	})
	if err != nil {
		return nil, fmt.Errorf("json marshal: %w", err)
	}
	return append(data, '\n'), nil
}

var levelColors = map[LogLevel]string{
	DEBUG: "\033[36m",
	INFO:  "\033[32m",
	WARN:  "\033[33m",
	ERROR: "\033[31m",
}

// HumanFormatter renders
//
//	15:04:05 info  [beacon] connect: Page connected [k=v] session=... error=...
type HumanFormatter struct {
	colorEnabled bool
}

func NewHumanFormatter(w io.Writer) *HumanFormatter {
	f, ok := w.(*os.File)
	return &HumanFormatter{
		colorEnabled: ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())),
	}
}

func (f *HumanFormatter) Format(e LogEntry) ([]byte, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s [%s] %s: %s",
		e.Timestamp.Format("15:04:05"), f.level(e.Level), e.Component, e.Action, e.Message)

	if len(e.Fields) > 0 {
		sb.WriteByte(' ')
		sb.WriteString(formatFields(e.Fields))
	}
	for _, kv := range [][2]string{
		{"session", e.Session},
		{"error", e.Error},
		{"error_type", e.ErrorType},
		{"trace_id", e.TraceID},
	} {
		if kv[1] != "" {
			fmt.Fprintf(&sb, " %s=%s", kv[0], kv[1])
		}
	}
	sb.WriteByte('\n')
	return []byte(sb.String()), nil
}

func (f *HumanFormatter) level(l LogLevel) string {
	name := fmt.Sprintf("%-5s", l.String())
	if color, ok := levelColors[l]; ok && f.colorEnabled {
		return color + name + "\033[0m"
	}
	return name
}

// formatFields sorts keys so the same entry always renders the same line.
func formatFields(f Fields) string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, f[k])
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
