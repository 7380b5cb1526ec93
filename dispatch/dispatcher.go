// Package dispatch routes captured page failures to observers, records them
// and sends the page to the error route when a failure is critical.
package dispatch

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/auditmos/pagewatch/errlog"
	"github.com/auditmos/pagewatch/logging"
)

const (
	DefaultErrorRoute    = "/error"
	DefaultRedirectDelay = 100 * time.Millisecond

	NavigationPush    = "push"
	NavigationReplace = "replace"
)

type Callback func(Info)

// Registration is the handle returned by OnError. Removal matches on the
// handle itself.
type Registration struct {
	cb Callback
}

// Recorder is the subset of *errlog.Store the dispatcher writes to.
type Recorder interface {
	Record(err error, category errlog.Category, extra errlog.Extra) errlog.Entry
	RecordMessage(msg string, category errlog.Category, extra errlog.Extra) errlog.Entry
}

type Config struct {
	Logger        logging.Logger
	Navigator     Navigator
	Recorder      Recorder
	Metrics       Metrics
	ErrorRoute    string
	RedirectDelay time.Duration
	AfterFunc     AfterFunc
	TraceID       string
}

type Dispatcher struct {
	attachOnce sync.Once

	mu        sync.RWMutex
	observers []*Registration

	navMu   sync.Mutex
	pending Timer
	closed  bool

	log      logging.Logger
	nav      Navigator
	recorder Recorder
	metrics  Metrics
	route    string
	delay    time.Duration
	after    AfterFunc
}

func New(cfg Config) *Dispatcher {
	route := cfg.ErrorRoute
	if route == "" {
		route = DefaultErrorRoute
	}
	delay := cfg.RedirectDelay
	if delay <= 0 {
		delay = DefaultRedirectDelay
	}
	after := cfg.AfterFunc
	if after == nil {
		after = timeAfterFunc
	}

	log := logging.OrNop(cfg.Logger)
	if cfg.TraceID != "" {
		log = log.WithTraceID(cfg.TraceID)
	}

	return &Dispatcher{
		log:      log,
		nav:      cfg.Navigator,
		recorder: cfg.Recorder,
		metrics:  cfg.Metrics,
		route:    route,
		delay:    delay,
		after:    after,
	}
}

// Attach subscribes to source. Only the first call has any effect; it
// returns false for every later call.
func (d *Dispatcher) Attach(source EventSource) bool {
	if source == nil {
		return false
	}

	attached := false
	d.attachOnce.Do(func() {
		source.OnUncaughtError(func(e RuntimeError) { d.handleError(e) })
		source.OnUnhandledRejection(func(r PromiseRejection) { d.handleError(r) })
		source.OnResourceError(func(f ResourceFailure) { d.handleError(f) })
		attached = true
		d.log.Debug("dispatch", "attach", "Listening for page failures")
	})
	return attached
}

func (d *Dispatcher) OnError(cb Callback) *Registration {
	reg := &Registration{cb: cb}
	if cb == nil {
		return reg
	}

	d.mu.Lock()
	d.observers = append(d.observers, reg)
	d.mu.Unlock()
	return reg
}

func (d *Dispatcher) RemoveErrorCallback(reg *Registration) {
	if reg == nil {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for i, r := range d.observers {
		if r == reg {
			d.observers = append(d.observers[:i:i], d.observers[i+1:]...)
			return
		}
	}
}

func (d *Dispatcher) ObserverCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.observers)
}

func (d *Dispatcher) handleError(info Info) {
	if info == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.log.WithFields(logging.Fields{"panic": fmt.Sprint(r)}).
				Error("dispatch", "handle", "Failure while handling page error")
		}
	}()

	category := info.Category()
	msg, details := describe(info)

	fields := logging.Fields{"category": string(category)}
	for k, v := range details {
		fields[k] = v
	}
	d.log.WithFields(fields).Warn("dispatch", "capture", msg)

	if d.metrics != nil {
		d.metrics.Captured(category)
	}

	d.record(info, msg, details)
	d.notify(info)

	if isCritical(category, msg) {
		if d.metrics != nil {
			d.metrics.Critical(category)
		}
		d.log.WithFields(logging.Fields{"category": string(category), "route": d.route}).
			Warn("dispatch", "critical", "Critical error, redirecting")
		d.scheduleNavigation()
	}
}

func (d *Dispatcher) record(info Info, msg string, details map[string]interface{}) {
	if d.recorder == nil {
		return
	}

	extra := errlog.Extra{"signal": string(info.Category())}
	for k, v := range details {
		extra[k] = v
	}

	var stack string
	category := errlog.CategoryRuntime
	switch v := info.(type) {
	case RuntimeError:
		stack = v.Stack
	case PromiseRejection:
		stack = v.Stack
	case ResourceFailure:
		category = errlog.CategoryNetwork
	}

	if stack == "" {
		d.recorder.RecordMessage(msg, category, extra)
		return
	}
	d.recorder.Record(&errlog.TracedError{Message: msg, Stack: stack}, category, extra)
}

func (d *Dispatcher) notify(info Info) {
	d.mu.RLock()
	regs := make([]*Registration, len(d.observers))
	copy(regs, d.observers)
	d.mu.RUnlock()

	for _, reg := range regs {
		d.invoke(reg, info)
	}
}

func (d *Dispatcher) invoke(reg *Registration, info Info) {
	defer func() {
		if r := recover(); r != nil {
			if d.metrics != nil {
				d.metrics.ObserverPanicked()
			}
			d.log.WithFields(logging.Fields{"panic": fmt.Sprint(r)}).
				Error("dispatch", "notify", "Error observer failed")
		}
	}()
	reg.cb(info)
}

// scheduleNavigation defers the redirect so it runs after the current
// signal has been fully handled. At most one redirect is pending.
func (d *Dispatcher) scheduleNavigation() {
	if d.nav == nil {
		return
	}

	d.navMu.Lock()
	defer d.navMu.Unlock()
	if d.closed || d.pending != nil {
		return
	}
	d.pending = d.after(d.delay, d.navigate)
}

func (d *Dispatcher) navigate() {
	d.navMu.Lock()
	d.pending = nil
	closed := d.closed
	d.navMu.Unlock()
	if closed {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			d.log.WithFields(logging.Fields{"panic": fmt.Sprint(r)}).
				Error("dispatch", "navigate", "Navigator failed")
		}
	}()

	if samePath(d.nav.CurrentPath(), d.route) {
		d.log.Debug("dispatch", "navigate", "Already on error route")
		return
	}

	mode := NavigationPush
	if err := d.nav.Push(d.route); err != nil {
		d.log.WithError(err).Warn("dispatch", "navigate", "History push failed, replacing location")
		if err := d.nav.Replace(d.route); err != nil {
			d.log.WithError(err).Error("dispatch", "navigate", "Redirect failed")
			return
		}
		mode = NavigationReplace
	}

	if d.metrics != nil {
		d.metrics.Navigated(mode)
	}
	d.log.WithFields(logging.Fields{"route": d.route, "mode": mode}).
		Info("dispatch", "navigate", "Redirected to error route")
}

// Close cancels a pending redirect. Signals handled afterwards are still
// logged and observed but never redirect.
func (d *Dispatcher) Close() {
	d.navMu.Lock()
	defer d.navMu.Unlock()
	d.closed = true
	if d.pending != nil {
		d.pending.Stop()
		d.pending = nil
	}
}

func samePath(a, b string) bool {
	return normalizePath(a) == normalizePath(b)
}

func normalizePath(p string) string {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}
