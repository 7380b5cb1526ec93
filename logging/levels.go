package logging

import (
	"fmt"
	"strings"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[LogLevel]string{
	DEBUG: "debug",
	INFO:  "info",
	WARN:  "warn",
	ERROR: "error",
}

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "unknown"
}

// LevelFromString accepts the level names plus "warning", in any case.
func LevelFromString(s string) (LogLevel, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "warning" {
		return WARN, nil
	}
	for l, n := range levelNames {
		if n == name {
			return l, nil
		}
	}
	return INFO, fmt.Errorf("unknown log level %q", s)
}

// ParseLevel is LevelFromString with INFO for anything unrecognised.
func ParseLevel(s string) LogLevel {
	l, _ := LevelFromString(s)
	return l
}

func (l LogLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *LogLevel) UnmarshalText(text []byte) error {
	v, err := LevelFromString(string(text))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

func (l LogLevel) ShouldLog(min LogLevel) bool {
	return l >= min
}
