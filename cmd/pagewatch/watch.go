package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/auditmos/pagewatch/browser"
	"github.com/auditmos/pagewatch/config"
	"github.com/auditmos/pagewatch/dispatch"
	"github.com/auditmos/pagewatch/errlog"
	"github.com/auditmos/pagewatch/logging"
	"github.com/auditmos/pagewatch/storage"
)

// runWatch drives one page in a browser. Entries stream to out as JSON
// lines while the page runs.
func runWatch(ctx context.Context, cfg *config.Config, pageURL string, out io.Writer, logger logging.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := browser.New(browser.Config{
		URL:        pageURL,
		ControlURL: cfg.Browser.ControlURL,
		Headless:   cfg.Browser.Headless,
		Timeout:    cfg.Browser.Timeout.Duration,
		Logger:     logger,
	})

	d, store := newWatchPipeline(cfg, w, out, logger)
	defer d.Close()

	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	defer w.Close()

	select {
	case <-ctx.Done():
	case <-w.Done():
	}

	logging.OrNop(logger).WithFields(logging.Fields{
		"entries": store.Len(),
		"evicted": store.Evicted(),
	}).Info("watch", "stop", "Watch finished")
	return nil
}

// pageSource is what the watch pipeline needs from a driven page.
type pageSource interface {
	dispatch.EventSource
	dispatch.Navigator
	errlog.Environment
}

func newWatchPipeline(cfg *config.Config, page pageSource, out io.Writer, logger logging.Logger) (*dispatch.Dispatcher, *errlog.Store) {
	log := logging.OrNop(logger)

	store := errlog.NewStore(errlog.Config{
		MaxEntries:  cfg.Capture.MaxEntries,
		Mode:        cfg.Capture.Mode,
		Environment: page,
		Sink:        storage.NewJSONSink(out, "", nil),
		Logger:      log,
	})

	d := dispatch.New(dispatch.Config{
		Logger:        log,
		Navigator:     page,
		Recorder:      store,
		ErrorRoute:    cfg.Capture.ErrorRoute,
		RedirectDelay: cfg.Capture.RedirectDelay.Duration,
	})
	d.OnError(func(info dispatch.Info) {
		log.WithFields(logging.Fields{
			"category": string(info.Category()),
			"critical": dispatch.IsCritical(info),
			"error":    info.Message(),
		}).Warn("watch", "capture", "Page error captured")
	})
	d.Attach(page)
	return d, store
}
