package browser

import (
	"fmt"
	"strings"
	"sync"

	"github.com/auditmos/pagewatch/dispatch"
	"github.com/go-rod/rod/lib/proto"
)

const promiseExceptionPrefix = "Uncaught (in promise)"

// exceptionSignal maps a Runtime.exceptionThrown payload to the dispatcher
// signal it stands for. DevTools reports unhandled rejections through the
// same event with a distinct text.
func exceptionSignal(details *proto.RuntimeExceptionDetails) dispatch.Info {
	if details == nil {
		return dispatch.RuntimeError{Text: "unknown exception"}
	}

	stack := formatStack(details.StackTrace)
	if strings.HasPrefix(details.Text, promiseExceptionPrefix) {
		return dispatch.PromiseRejection{Reason: rejectionReason(details), Stack: stack}
	}

	return dispatch.RuntimeError{
		Text:     exceptionMessage(details),
		Filename: details.URL,
		Line:     details.LineNumber + 1,
		Column:   details.ColumnNumber + 1,
		Stack:    stack,
	}
}

func exceptionMessage(details *proto.RuntimeExceptionDetails) string {
	if obj := details.Exception; obj != nil {
		if line := firstLine(obj.Description); line != "" {
			return line
		}
		if !obj.Value.Nil() {
			return obj.Value.String()
		}
	}
	return details.Text
}

func rejectionReason(details *proto.RuntimeExceptionDetails) interface{} {
	obj := details.Exception
	if obj == nil {
		return nil
	}
	// primitives arrive by value, errors and objects only as a description
	if !obj.Value.Nil() {
		return obj.Value.Val()
	}
	if obj.Description != "" {
		return firstLine(obj.Description)
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func formatStack(st *proto.RuntimeStackTrace) string {
	if st == nil || len(st.CallFrames) == 0 {
		return ""
	}
	var b strings.Builder
	for i, f := range st.CallFrames {
		if i > 0 {
			b.WriteByte('\n')
		}
		name := f.FunctionName
		if name == "" {
			name = "<anonymous>"
		}
		fmt.Fprintf(&b, "    at %s (%s:%d:%d)", name, f.URL, f.LineNumber+1, f.ColumnNumber+1)
	}
	return b.String()
}

var resourceTags = map[proto.NetworkResourceType]string{
	proto.NetworkResourceTypeImage:      "img",
	proto.NetworkResourceTypeScript:     "script",
	proto.NetworkResourceTypeStylesheet: "link",
	proto.NetworkResourceTypeFont:       "font",
	proto.NetworkResourceTypeMedia:      "video",
}

// resourceTracker remembers request URLs so a later loadingFailed event,
// which only carries the request id, can name the resource.
type resourceTracker struct {
	mu       sync.Mutex
	requests map[proto.NetworkRequestID]string
}

func newResourceTracker() *resourceTracker {
	return &resourceTracker{requests: make(map[proto.NetworkRequestID]string)}
}

func (t *resourceTracker) sent(ev *proto.NetworkRequestWillBeSent) {
	if ev.Request == nil {
		return
	}
	if _, ok := resourceTags[ev.Type]; !ok {
		return
	}
	t.mu.Lock()
	t.requests[ev.RequestID] = ev.Request.URL
	t.mu.Unlock()
}

func (t *resourceTracker) finished(id proto.NetworkRequestID) {
	t.mu.Lock()
	delete(t.requests, id)
	t.mu.Unlock()
}

// failed returns the failure to report for ev, if any. Cancelled requests
// and non sub-resource types are not failures of the page.
func (t *resourceTracker) failed(ev *proto.NetworkLoadingFailed) (dispatch.ResourceFailure, bool) {
	t.mu.Lock()
	url, known := t.requests[ev.RequestID]
	delete(t.requests, ev.RequestID)
	t.mu.Unlock()

	tag, sub := resourceTags[ev.Type]
	if !sub || ev.Canceled {
		return dispatch.ResourceFailure{}, false
	}
	if !known {
		url = ""
	}
	return dispatch.ResourceFailure{Element: dispatch.Element{Tag: tag, Source: url}}, true
}

func (t *resourceTracker) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.requests)
}
