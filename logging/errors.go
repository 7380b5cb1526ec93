package logging

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net"
	"reflect"
)

// Kinds reported in the error_type field of a log line.
const (
	KindTimeout  = "timeout"
	KindCanceled = "canceled"
	KindNetwork  = "network"
	KindDecode   = "decode"
	KindDatabase = "database"
	KindBrowser  = "browser"
)

// TypedError lets an error name its own kind.
type TypedError interface {
	error
	Type() string
}

// KindError tags an operation failure with a kind.
type KindError struct {
	Op   string
	Kind string
	Err  error
}

func (e *KindError) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return e.Op + ": " + e.Err.Error()
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Op
	}
}

func (e *KindError) Type() string {
	if e.Kind != "" {
		return e.Kind
	}
	return classify(e.Err)
}

func (e *KindError) Unwrap() error { return e.Err }

// Wrap returns nil when err is nil.
func Wrap(op, kind string, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{Op: op, Kind: kind, Err: err}
}

// ErrorType names the kind of err: an explicit kind when one is attached,
// otherwise a kind inferred from well-known causes, otherwise the Go type
// name of the error.
func ErrorType(err error) string {
	if err == nil {
		return ""
	}
	var typed TypedError
	if errors.As(err, &typed) {
		return typed.Type()
	}
	return classify(err)
}

func classify(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, sql.ErrNoRows), errors.Is(err, sql.ErrConnDone), errors.Is(err, sql.ErrTxDone):
		return KindDatabase
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return KindDecode
	}

	t := reflect.TypeOf(err)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}
