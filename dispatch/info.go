package dispatch

import (
	"encoding/json"
	"fmt"
	"strings"
)

type Category string

const (
	CategoryRuntime          Category = "runtime"
	CategoryPromiseRejection Category = "promiseRejection"
	CategoryResourceLoad     Category = "resourceLoad"
)

// Info describes one captured failure signal. The concrete types are
// RuntimeError, PromiseRejection and ResourceFailure.
type Info interface {
	Category() Category
	Message() string
	Fields() map[string]interface{}

	isInfo()
}

// RuntimeError is an uncaught error raised at window level.
type RuntimeError struct {
	Text     string
	Filename string
	Line     int
	Column   int
	Stack    string
}

func (RuntimeError) Category() Category { return CategoryRuntime }
func (e RuntimeError) Message() string  { return e.Text }
func (RuntimeError) isInfo()            {}

func (e RuntimeError) Fields() map[string]interface{} {
	return map[string]interface{}{
		"filename": e.Filename,
		"line":     e.Line,
		"column":   e.Column,
	}
}

// PromiseRejection is an unhandled rejection. Reason is whatever value the
// promise was rejected with.
type PromiseRejection struct {
	Reason interface{}
	Stack  string
}

func (PromiseRejection) Category() Category { return CategoryPromiseRejection }
func (r PromiseRejection) Message() string  { return reasonMessage(r.Reason) }
func (PromiseRejection) isInfo()            {}

func (r PromiseRejection) Fields() map[string]interface{} {
	return map[string]interface{}{
		"reason_type": fmt.Sprintf("%T", r.Reason),
	}
}

// Element identifies the node whose sub-resource failed to load.
type Element struct {
	Tag    string
	Source string
}

// ResourceFailure is a failed image/script/stylesheet load. These do not
// bubble, so sources observe them in the capture phase.
type ResourceFailure struct {
	Element Element
}

func (ResourceFailure) Category() Category { return CategoryResourceLoad }
func (ResourceFailure) isInfo()            {}

func (f ResourceFailure) Message() string {
	tag := strings.ToLower(f.Element.Tag)
	if tag == "" {
		tag = "element"
	}
	// Source stays out of the message; asset paths would otherwise feed
	// the criticality match. It is reported through Fields.
	return fmt.Sprintf("resource failed to load: <%s>", tag)
}

func (f ResourceFailure) Fields() map[string]interface{} {
	return map[string]interface{}{
		"tag":    f.Element.Tag,
		"source": f.Element.Source,
	}
}

func reasonMessage(reason interface{}) string {
	switch r := reason.(type) {
	case nil:
		return "unhandled rejection"
	case error:
		return r.Error()
	case string:
		return r
	case map[string]interface{}:
		if msg, ok := r["message"].(string); ok {
			return msg
		}
	case fmt.Stringer:
		return r.String()
	}

	if data, err := json.Marshal(reason); err == nil {
		return string(data)
	}
	return fmt.Sprintf("%v", reason)
}

// describe never panics, whatever the payload's methods do.
func describe(info Info) (msg string, fields map[string]interface{}) {
	defer func() {
		if r := recover(); r != nil {
			msg = fmt.Sprintf("malformed %T payload", info)
			fields = map[string]interface{}{"panic": fmt.Sprint(r)}
		}
	}()
	return info.Message(), info.Fields()
}
