package dispatch

import (
	"errors"
	"sync"
	"time"
)

type fakeSource struct {
	registrations int
	uncaught      []func(RuntimeError)
	rejections    []func(PromiseRejection)
	resources     []func(ResourceFailure)
}

func (s *fakeSource) OnUncaughtError(fn func(RuntimeError)) {
	s.registrations++
	s.uncaught = append(s.uncaught, fn)
}

func (s *fakeSource) OnUnhandledRejection(fn func(PromiseRejection)) {
	s.registrations++
	s.rejections = append(s.rejections, fn)
}

func (s *fakeSource) OnResourceError(fn func(ResourceFailure)) {
	s.registrations++
	s.resources = append(s.resources, fn)
}

func (s *fakeSource) throw(e RuntimeError) {
	for _, fn := range s.uncaught {
		fn(e)
	}
}

func (s *fakeSource) reject(r PromiseRejection) {
	for _, fn := range s.rejections {
		fn(r)
	}
}

func (s *fakeSource) failResource(f ResourceFailure) {
	for _, fn := range s.resources {
		fn(f)
	}
}

var errNoHistory = errors.New("history unavailable")

type fakeNavigator struct {
	mu       sync.Mutex
	path     string
	noPush   bool
	pushes   []string
	replaces []string
}

func (n *fakeNavigator) CurrentPath() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.path
}

func (n *fakeNavigator) Push(path string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.noPush {
		return errNoHistory
	}
	n.pushes = append(n.pushes, path)
	n.path = path
	return nil
}

func (n *fakeNavigator) Replace(path string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.replaces = append(n.replaces, path)
	n.path = path
	return nil
}

// fakeClock collects scheduled functions; tests fire them explicitly.
type fakeClock struct {
	mu     sync.Mutex
	delays []time.Duration
	timers []*fakeTimer
}

type fakeTimer struct {
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	wasActive := !t.stopped && !t.fired
	t.stopped = true
	return wasActive
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{fn: fn}
	c.delays = append(c.delays, d)
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) fireAll() {
	c.mu.Lock()
	timers := c.timers
	c.timers = nil
	c.mu.Unlock()
	for _, t := range timers {
		if !t.stopped && !t.fired {
			t.fired = true
			t.fn()
		}
	}
}

func (c *fakeClock) scheduled() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.delays)
}

type fakeMetrics struct {
	captured  map[Category]int
	critical  int
	navigated []string
	panics    int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{captured: make(map[Category]int)}
}

func (m *fakeMetrics) Captured(c Category)   { m.captured[c]++ }
func (m *fakeMetrics) Critical(Category)     { m.critical++ }
func (m *fakeMetrics) Navigated(mode string) { m.navigated = append(m.navigated, mode) }
func (m *fakeMetrics) ObserverPanicked()     { m.panics++ }
