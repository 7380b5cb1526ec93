package dispatch

import "time"

// EventSource delivers the three page failure signals. Implementations must
// call handlers from a single goroutine so signals keep their order.
type EventSource interface {
	OnUncaughtError(func(RuntimeError))
	OnUnhandledRejection(func(PromiseRejection))
	OnResourceError(func(ResourceFailure))
}

// Navigator moves the page to another route. Push changes the route in
// place and notifies the page router; Replace performs a full navigation.
type Navigator interface {
	CurrentPath() string
	Push(path string) error
	Replace(path string) error
}

type Metrics interface {
	Captured(category Category)
	Critical(category Category)
	Navigated(mode string)
	ObserverPanicked()
}

type Timer interface {
	Stop() bool
}

type AfterFunc func(d time.Duration, f func()) Timer

func timeAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
