// Package browser drives a Chrome page over the DevTools protocol and
// reports its failures as dispatcher signals.
package browser

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/auditmos/pagewatch/dispatch"
	"github.com/auditmos/pagewatch/logging"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

const DefaultTimeout = 30 * time.Second

var ErrNotStarted = errors.New("watcher not started")

type Config struct {
	URL string
	// ControlURL connects to a running browser instead of launching one.
	ControlURL string
	Headless   bool
	Timeout    time.Duration
	Logger     logging.Logger
}

// Watcher is the event source, navigator and environment of one watched
// page.
type Watcher struct {
	cfg Config
	log logging.Logger

	mu         sync.RWMutex
	uncaught   []func(dispatch.RuntimeError)
	rejections []func(dispatch.PromiseRejection)
	resources  []func(dispatch.ResourceFailure)

	ctx       context.Context
	launch    *launcher.Launcher
	browser   *rod.Browser
	page      *rod.Page
	userAgent string
	resTrack  *resourceTracker
	done      chan struct{}
}

func New(cfg Config) *Watcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Watcher{
		cfg:      cfg,
		log:      logging.OrNop(cfg.Logger),
		resTrack: newResourceTracker(),
		done:     make(chan struct{}),
	}
}

func (w *Watcher) OnUncaughtError(fn func(dispatch.RuntimeError)) {
	w.mu.Lock()
	w.uncaught = append(w.uncaught, fn)
	w.mu.Unlock()
}

func (w *Watcher) OnUnhandledRejection(fn func(dispatch.PromiseRejection)) {
	w.mu.Lock()
	w.rejections = append(w.rejections, fn)
	w.mu.Unlock()
}

func (w *Watcher) OnResourceError(fn func(dispatch.ResourceFailure)) {
	w.mu.Lock()
	w.resources = append(w.resources, fn)
	w.mu.Unlock()
}

// Start connects to (or launches) Chrome, subscribes to the page's events
// and navigates to the configured URL. Events are delivered until ctx is
// done or Close is called.
func (w *Watcher) Start(ctx context.Context) error {
	controlURL := w.cfg.ControlURL
	if controlURL == "" {
		w.launch = launcher.New().Headless(w.cfg.Headless)
		u, err := w.launch.Launch()
		if err != nil {
			return logging.Wrap("launch chrome", logging.KindBrowser, err)
		}
		controlURL = u
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		w.cleanupLauncher()
		return logging.Wrap("connect to chrome", logging.KindBrowser, err)
	}

	w.mu.Lock()
	w.ctx = ctx
	w.browser = browser
	w.mu.Unlock()

	if v, err := browser.Version(); err == nil {
		w.userAgent = v.UserAgent
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return w.abort("open page", err)
	}

	w.mu.Lock()
	w.page = page
	w.mu.Unlock()

	if err := (proto.RuntimeEnable{}).Call(page); err != nil {
		return w.abort("enable runtime domain", err)
	}
	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		return w.abort("enable network domain", err)
	}

	wait := page.Context(ctx).EachEvent(
		func(ev *proto.RuntimeExceptionThrown) {
			w.emit(exceptionSignal(ev.ExceptionDetails))
		},
		func(ev *proto.NetworkRequestWillBeSent) {
			w.resTrack.sent(ev)
		},
		func(ev *proto.NetworkLoadingFinished) {
			w.resTrack.finished(ev.RequestID)
		},
		func(ev *proto.NetworkLoadingFailed) {
			if failure, ok := w.resTrack.failed(ev); ok {
				w.emit(failure)
			}
		},
	)
	go func() {
		wait()
		close(w.done)
	}()

	w.log.WithFields(logging.Fields{"url": w.cfg.URL, "headless": w.cfg.Headless}).
		Info("browser", "start", "Watching page")

	if err := page.Context(ctx).Timeout(w.cfg.Timeout).Navigate(w.cfg.URL); err != nil {
		return fmt.Errorf("navigate to %s: %w", w.cfg.URL, err)
	}
	return nil
}

func (w *Watcher) emit(info dispatch.Info) {
	w.mu.RLock()
	uncaught := w.uncaught
	rejections := w.rejections
	resources := w.resources
	w.mu.RUnlock()

	switch v := info.(type) {
	case dispatch.RuntimeError:
		for _, fn := range uncaught {
			fn(v)
		}
	case dispatch.PromiseRejection:
		for _, fn := range rejections {
			fn(v)
		}
	case dispatch.ResourceFailure:
		for _, fn := range resources {
			fn(v)
		}
	}
}

// Done is closed when the event stream ends.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

func (w *Watcher) activePage() (*rod.Page, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.page == nil {
		return nil, ErrNotStarted
	}
	return w.page.Context(w.ctx).Timeout(w.cfg.Timeout), nil
}

func (w *Watcher) SourceURL() string {
	page, err := w.activePage()
	if err != nil {
		return w.cfg.URL
	}
	info, err := page.Info()
	if err != nil {
		return w.cfg.URL
	}
	return info.URL
}

func (w *Watcher) ClientAgent() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.userAgent
}

func (w *Watcher) CurrentPath() string {
	return pathOf(w.SourceURL())
}

// Push changes the route in place and lets the page router react through a
// popstate event.
func (w *Watcher) Push(path string) error {
	page, err := w.activePage()
	if err != nil {
		return err
	}
	_, err = page.Evaluate(&rod.EvalOptions{
		JS: `(p) => {
			if (!window.history || !window.history.pushState) {
				throw new Error("history unavailable");
			}
			window.history.pushState({}, "", p);
			window.dispatchEvent(new PopStateEvent("popstate", { state: {} }));
		}`,
		JSArgs:  []interface{}{path},
		ByValue: true,
	})
	if err != nil {
		return fmt.Errorf("push %s: %w", path, err)
	}
	return nil
}

// Replace performs a full navigation to path.
func (w *Watcher) Replace(path string) error {
	page, err := w.activePage()
	if err != nil {
		return err
	}
	target, err := resolve(w.SourceURL(), path)
	if err != nil {
		return err
	}
	if err := page.Navigate(target); err != nil {
		return fmt.Errorf("navigate %s: %w", target, err)
	}
	return nil
}

func (w *Watcher) Close() error {
	w.mu.Lock()
	browser := w.browser
	w.browser = nil
	w.page = nil
	w.mu.Unlock()

	var err error
	if browser != nil {
		err = browser.Close()
	}
	w.cleanupLauncher()
	return err
}

// abort releases the browser and launcher acquired by a failed Start.
func (w *Watcher) abort(op string, err error) error {
	if cerr := w.Close(); cerr != nil {
		w.log.WithError(cerr).Warn("browser", "close", "Close after failed start")
	}
	return logging.Wrap(op, logging.KindBrowser, err)
}

func (w *Watcher) cleanupLauncher() {
	if w.launch != nil {
		w.launch.Kill()
		w.launch.Cleanup()
		w.launch = nil
	}
}

func pathOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

func resolve(base, path string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse page url: %w", err)
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("parse route: %w", err)
	}
	return b.ResolveReference(ref).String(), nil
}
