package logging

import (
	"io"
	"os"
	"sync"
	"time"
)

type Logger interface {
	Debug(component, action, msg string)
	Info(component, action, msg string)
	Warn(component, action, msg string)
	Error(component, action, msg string)
	WithFields(fields Fields) Logger
	WithError(err error) Logger
	WithTraceID(traceID string) Logger
	WithSession(sessionID string) Logger
}

// output is shared by a root logger and everything derived from it.
type output struct {
	mu        sync.Mutex
	w         io.Writer
	formatter Formatter
}

func (o *output) write(e LogEntry) {
	data, err := o.formatter.Format(e)
	if err != nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.w.Write(data)
}

type StandardLogger struct {
	out      *output
	level    LogLevel
	sanitize bool
	ctx      carried
	now      func() time.Time
}

type LoggerConfig struct {
	Output    io.Writer
	Formatter Formatter
	Level     LogLevel
	Sanitize  bool
}

func NewLogger(cfg LoggerConfig) *StandardLogger {
	w := cfg.Output
	if w == nil {
		w = os.Stdout
	}
	formatter := cfg.Formatter
	if formatter == nil {
		formatter = NewHumanFormatter(w)
	}
	return &StandardLogger{
		out:      &output{w: w, formatter: formatter},
		level:    cfg.Level,
		sanitize: cfg.Sanitize,
		now:      time.Now,
	}
}

func (l *StandardLogger) log(level LogLevel, component, action, msg string) {
	if !level.ShouldLog(l.level) {
		return
	}
	entry := LogEntry{
		Timestamp: l.now(),
		Level:     level,
		Component: component,
		Action:    action,
		Message:   msg,
	}
	l.ctx.stamp(&entry, l.sanitize)
	l.out.write(entry)
}

func (l *StandardLogger) Debug(component, action, msg string) { l.log(DEBUG, component, action, msg) }
func (l *StandardLogger) Info(component, action, msg string)  { l.log(INFO, component, action, msg) }
func (l *StandardLogger) Warn(component, action, msg string)  { l.log(WARN, component, action, msg) }
func (l *StandardLogger) Error(component, action, msg string) { l.log(ERROR, component, action, msg) }

func (l *StandardLogger) derive(ctx carried) *StandardLogger {
	child := *l
	child.ctx = ctx
	return &child
}

func (l *StandardLogger) WithFields(fields Fields) Logger {
	return l.derive(l.ctx.with(fields))
}

func (l *StandardLogger) WithError(err error) Logger {
	if err == nil {
		return l
	}
	ctx := l.ctx
	ctx.err = err.Error()
	ctx.errorType = ErrorType(err)
	return l.derive(ctx)
}

func (l *StandardLogger) WithTraceID(traceID string) Logger {
	ctx := l.ctx
	ctx.traceID = traceID
	return l.derive(ctx)
}

func (l *StandardLogger) WithSession(sessionID string) Logger {
	ctx := l.ctx
	ctx.session = sessionID
	return l.derive(ctx)
}

type NopLogger struct{}

func (NopLogger) Debug(component, action, msg string) {}
func (NopLogger) Info(component, action, msg string)  {}
func (NopLogger) Warn(component, action, msg string)  {}
func (NopLogger) Error(component, action, msg string) {}
func (n NopLogger) WithFields(Fields) Logger          { return n }
func (n NopLogger) WithError(error) Logger            { return n }
func (n NopLogger) WithTraceID(string) Logger         { return n }
func (n NopLogger) WithSession(string) Logger         { return n }

// OrNop returns NopLogger when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return NopLogger{}
	}
	return l
}
