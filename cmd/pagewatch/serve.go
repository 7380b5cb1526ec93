package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/auditmos/pagewatch/beacon"
	"github.com/auditmos/pagewatch/config"
	"github.com/auditmos/pagewatch/dashboard"
	"github.com/auditmos/pagewatch/errlog"
	"github.com/auditmos/pagewatch/logging"
	"github.com/auditmos/pagewatch/metrics"
	"github.com/auditmos/pagewatch/storage"
)

const janitorInterval = time.Hour

type archive struct {
	entries  *storage.SQLiteEntryRepo
	sessions *storage.SQLitePageSessionRepo
	shares   *storage.SQLiteShareRepo
	rules    *storage.SQLiteScrubRuleRepo
	scrubber *storage.Scrubber
}

func runServe(ctx context.Context, cfg *config.Config, logger logging.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := metrics.New()

	bcfg := beacon.Config{
		Logger:          logger,
		MaxEntries:      cfg.Capture.MaxEntries,
		Mode:            cfg.Capture.Mode,
		ErrorRoute:      cfg.Capture.ErrorRoute,
		RedirectDelay:   cfg.Capture.RedirectDelay.Duration,
		FramesPerMinute: cfg.Server.FramesPerMinute,
		MaxConnsPerAddr: cfg.Server.MaxConnsPerAddr,
		Metrics:         collector,
		CheckOrigin:     originChecker(cfg.Server.AllowedOrigins),
	}

	dcfg := dashboard.ServerConfig{
		Addr:     cfg.Server.Addr,
		Metrics:  collector,
		ShareTTL: cfg.Storage.ShareTTL.Duration,
		Logger:   logger,
	}

	if cfg.Storage.DBPath != "" {
		db, err := storage.Open(cfg.Storage.DBPath)
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		defer db.Close()

		arc, err := openArchive(db, cfg.Storage.Scrub)
		if err != nil {
			return err
		}

		bcfg.NewSink = archiveSinks(arc.entries, arc.scrubber, collector)
		bcfg.OnSession = persistSessions(arc.sessions, logger)

		dcfg.Entries = arc.entries
		dcfg.Sessions = arc.sessions
		dcfg.Shares = arc.shares
		dcfg.ScrubRules = arc.rules
		dcfg.Scrubber = arc.scrubber

		go runJanitor(ctx, janitorInterval, cfg.Storage.Retention.Duration, arc.entries, arc.shares, logger)

		logger.WithFields(logging.Fields{"db": cfg.Storage.DBPath}).
			Info("serve", "archive", "Archiving page errors")
	}

	bcn := beacon.NewServer(bcfg)
	collector.TrackSessions(bcn.SessionCount)
	dcfg.Beacon = bcn

	srv, err := dashboard.NewServer(dcfg)
	if err != nil {
		return fmt.Errorf("init dashboard: %w", err)
	}
	srv.SetReadyCallback(func() {
		fmt.Printf("pagewatch listening on http://%s (script at /pagewatch.js)\n", cfg.Server.Addr)
	})

	return srv.Start(ctx)
}

func openArchive(db *sql.DB, scrub bool) (*archive, error) {
	arc := &archive{
		entries:  storage.NewSQLiteEntryRepo(db),
		sessions: storage.NewSQLitePageSessionRepo(db),
		shares:   storage.NewSQLiteShareRepo(db),
		rules:    storage.NewSQLiteScrubRuleRepo(db),
	}
	if err := arc.rules.Seed(); err != nil {
		return nil, fmt.Errorf("seed scrub rules: %w", err)
	}
	if scrub {
		scrubber, err := storage.NewScrubberWithRepo(arc.rules)
		if err != nil {
			return nil, fmt.Errorf("init scrubber: %w", err)
		}
		arc.scrubber = scrubber
	}
	return arc, nil
}

// archiveSinks builds the per-session sink that persists entries and counts
// failed writes.
func archiveSinks(entries storage.EntryRepo, scrubber *storage.Scrubber, collector *metrics.Collector) func(string) errlog.Sink {
	return func(sessionID string) errlog.Sink {
		sink := storage.NewArchiveSink(entries, sessionID, scrubber)
		return errlog.SinkFunc(func(e errlog.Entry) error {
			err := sink.Send(e)
			if err != nil && collector != nil {
				collector.ArchiveFailed()
			}
			return err
		})
	}
}

// persistSessions records each connection and closes the record with the
// last reported location once the page goes away.
func persistSessions(repo storage.PageSessionRepo, logger logging.Logger) func(*beacon.Session) {
	log := logging.OrNop(logger)
	return func(sess *beacon.Session) {
		record := &storage.PageSession{
			ID:         sess.ID,
			RemoteAddr: sess.RemoteAddr,
			StartedAt:  sess.ConnectedAt.UnixMilli(),
		}
		if err := repo.Save(record); err != nil {
			log.WithError(err).Warn("serve", "session", "Failed to persist session")
			return
		}

		go func() {
			<-sess.Done()
			sum := sess.Summary()
			if err := repo.Close(sess.ID, sum.URL, sum.UserAgent, time.Now().UnixMilli()); err != nil {
				log.WithError(err).Warn("serve", "session", "Failed to close session record")
			}
		}()
	}
}

func runJanitor(ctx context.Context, interval, retention time.Duration, entries storage.EntryRepo, shares storage.ShareRepo, logger logging.Logger) {
	log := logging.OrNop(logger)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		prune(retention, entries, shares, time.Now(), log)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func prune(retention time.Duration, entries storage.EntryRepo, shares storage.ShareRepo, now time.Time, log logging.Logger) {
	var removedEntries, removedShares int64
	var err error

	if retention > 0 {
		removedEntries, err = entries.Prune(now.Add(-retention))
		if err != nil {
			log.WithError(err).Warn("serve", "prune", "Failed to prune entries")
		}
	}
	removedShares, err = shares.Prune()
	if err != nil {
		log.WithError(err).Warn("serve", "prune", "Failed to prune shares")
	}

	if removedEntries > 0 || removedShares > 0 {
		log.WithFields(logging.Fields{
			"entries": removedEntries,
			"shares":  removedShares,
		}).Info("serve", "prune", "Pruned archive")
	}
}

// originChecker accepts every origin when allowed is empty. Entries are
// full origins ("https://shop.example") or "*".
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return nil
		}
		set[strings.TrimSuffix(strings.ToLower(o), "/")] = struct{}{}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			return false
		}
		_, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}
