package errlog

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

type Category string

const (
	CategoryRuntime  Category = "runtime"
	CategoryNetwork  Category = "network"
	CategoryCustom   Category = "custom"
	CategoryBoundary Category = "boundary"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryRuntime, CategoryNetwork, CategoryCustom, CategoryBoundary:
		return true
	}
	return false
}

// ParseCategory maps unknown or empty names to CategoryRuntime.
func ParseCategory(s string) Category {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return CategoryRuntime
	}
	return c
}

type Extra map[string]interface{}

// clone copies nested maps and slices too, so no caller shares mutable
// state with a stored entry.
func (e Extra) clone() Extra {
	if e == nil {
		return nil
	}
	return Extra(cloneMap(e))
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case Extra:
		return t.clone()
	case map[string]interface{}:
		if t == nil {
			return t
		}
		return cloneMap(t)
	case []interface{}:
		if t == nil {
			return t
		}
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// Entry is one captured failure. Values handed out by the store are copies.
type Entry struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Category    Category  `json:"category"`
	Message     string    `json:"message"`
	StackTrace  string    `json:"stack_trace,omitempty"`
	SourceURL   string    `json:"source_url"`
	ClientAgent string    `json:"client_agent"`
	Extra       Extra     `json:"extra,omitempty"`
}

func (e Entry) HasStackTrace() bool {
	return e.StackTrace != ""
}

func (e Entry) clone() Entry {
	e.Extra = e.Extra.clone()
	return e
}

// StackTracer is implemented by errors that carry their own trace, such as
// the ones built from page reports.
type StackTracer interface {
	StackTrace() string
}

// TracedError is an error with a trace captured elsewhere.
type TracedError struct {
	Message string
	Stack   string
}

func (e *TracedError) Error() string      { return e.Message }
func (e *TracedError) StackTrace() string { return e.Stack }

func stackOf(err error, skip int) (stack string) {
	defer func() {
		if recover() != nil {
			stack = ""
		}
	}()

	var st StackTracer
	if errors.As(err, &st) {
		if s := st.StackTrace(); s != "" {
			return s
		}
	}
	return callerStack(skip + 1)
}

func callerStack(skip int) string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)
	if n == 0 {
		return ""
	}

	var sb strings.Builder
	frames := runtime.CallersFrames(pcs[:n])
	for {
		f, more := frames.Next()
		fmt.Fprintf(&sb, "%s\n\t%s:%d\n", f.Function, f.File, f.Line)
		if !more {
			break
		}
	}
	return strings.TrimSuffix(sb.String(), "\n")
}
