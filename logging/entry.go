package logging

import "time"

// LogEntry is one rendered line. Session is the page session the line
// belongs to, empty for process-level events.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Component string    `json:"component"`
	Action    string    `json:"action"`
	Message   string    `json:"message"`
	Session   string    `json:"session,omitempty"`
	Fields    Fields    `json:"fields,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorType string    `json:"error_type,omitempty"`
	TraceID   string    `json:"trace_id,omitempty"`
}

// carried is what a derived logger stamps onto every entry it writes.
type carried struct {
	fields    Fields
	session   string
	traceID   string
	err       string
	errorType string
}

func (c carried) with(fields Fields) carried {
	merged := make(Fields, len(c.fields)+len(fields))
	for k, v := range c.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	c.fields = merged
	return c
}

func (c carried) stamp(e *LogEntry, sanitize bool) {
	e.Session = c.session
	e.TraceID = c.traceID
	e.Error = c.err
	e.ErrorType = c.errorType
	if len(c.fields) == 0 {
		return
	}
	e.Fields = c.fields
	if sanitize {
		e.Fields = c.fields.Sanitize()
	}
}
