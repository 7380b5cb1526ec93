package dashboard

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/auditmos/pagewatch/beacon"
	"github.com/auditmos/pagewatch/crypto"
	"github.com/auditmos/pagewatch/errlog"
	"github.com/auditmos/pagewatch/logging"
	"github.com/auditmos/pagewatch/metrics"
	"github.com/auditmos/pagewatch/storage"
	"github.com/oklog/ulid/v2"
)

//go:embed templates/*.html
var embeddedTemplates embed.FS

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	maxRequestBody   = 64 * 1024
)

type ServerConfig struct {
	Addr string

	Beacon   *beacon.Server
	Entries  storage.EntryRepo
	Sessions storage.PageSessionRepo
	Shares   storage.ShareRepo
	Metrics  *metrics.Collector

	ScrubRules storage.ScrubRuleRepo
	Scrubber   *storage.Scrubber

	ShareTTL     time.Duration
	OverridesDir string
	Logger       logging.Logger
}

type Server struct {
	cfg        ServerConfig
	log        logging.Logger
	httpServer *http.Server
	templates  *template.Template
	onReady    func()
	now        func() time.Time
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.ShareTTL <= 0 {
		cfg.ShareTTL = storage.DefaultShareTTL
	}

	s := &Server{
		cfg: cfg,
		log: logging.OrNop(cfg.Logger),
		now: time.Now,
	}

	tmpl, err := loadTemplates(cfg.OverridesDir)
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}
	s.templates = tmpl

	return s, nil
}

func loadTemplates(overridesDir string) (*template.Template, error) {
	funcMap := template.FuncMap{
		"lower": func(v interface{}) string { return strings.ToLower(fmt.Sprint(v)) },
	}

	tmpl := template.New("").Funcs(funcMap)

	var fsys fs.FS = embeddedTemplates
	root := "templates"
	if overridesDir != "" {
		if info, err := os.Stat(overridesDir); err == nil && info.IsDir() {
			fsys = os.DirFS(overridesDir)
			root = "."
		}
	}

	err := fs.WalkDir(fsys, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".html") {
			return err
		}
		content, readErr := fs.ReadFile(fsys, path)
		if readErr != nil {
			return readErr
		}
		name := strings.TrimSuffix(filepath.Base(path), ".html")
		_, parseErr := tmpl.New(name).Parse(string(content))
		return parseErr
	})
	if err != nil {
		return nil, err
	}
	return tmpl, nil
}

// SetReadyCallback registers fn to run once the listener is bound.
func (s *Server) SetReadyCallback(fn func()) {
	s.onReady = fn
}

func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /api/sessions", s.api(s.handleSessions))
	mux.HandleFunc("GET /api/sessions/{id}/entries", s.api(s.handleEntries))
	mux.HandleFunc("DELETE /api/sessions/{id}/entries", s.api(s.handleClearEntries))
	mux.HandleFunc("GET /api/sessions/{id}/export", s.api(s.handleExport))
	mux.HandleFunc("POST /api/sessions/{id}/share", s.api(s.handleShare))
	mux.HandleFunc("GET /api/shares/{id}", s.api(s.handleGetShare))
	mux.HandleFunc("GET /shared/{id}", s.handleSharedPage)

	mux.HandleFunc("GET /api/archive", s.api(s.handleArchive))
	mux.HandleFunc("GET /api/archive/sessions", s.api(s.handleArchivedSessions))

	mux.HandleFunc("GET /api/scrub-rules", s.api(s.handleListScrubRules))
	mux.HandleFunc("POST /api/scrub-rules", s.api(s.handleCreateScrubRule))
	mux.HandleFunc("DELETE /api/scrub-rules/{id}", s.api(s.handleDeleteScrubRule))

	if s.cfg.Metrics != nil {
		mux.Handle("GET /metrics", s.cfg.Metrics.Handler())
	}
	if s.cfg.Beacon != nil {
		beaconHandler := s.cfg.Beacon.Handler()
		mux.Handle("/ws", beaconHandler)
		mux.Handle("/pagewatch.js", beaconHandler)
	}
	return mux
}

func (s *Server) testHandler() http.Handler {
	return s.buildMux()
}

func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.log.WithError(err).Error("dashboard", "start", "Listen failed")
		return fmt.Errorf("listen: %w", err)
	}

	s.httpServer = &http.Server{
		Handler:           s.buildMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.WithFields(logging.Fields{"addr": ln.Addr().String()}).
		Info("dashboard", "start", "Dashboard started")
	if s.onReady != nil {
		s.onReady()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if s.cfg.Beacon != nil {
			s.cfg.Beacon.Close()
		}
		s.log.Info("dashboard", "stop", "Dashboard stopping")
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

type apiHandler func(w http.ResponseWriter, r *http.Request, log logging.Logger)

// api tags each request with a trace id and logs it before handing off.
func (s *Server) api(h apiHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		traceID := ulid.Make().String()
		log := s.log.WithTraceID(traceID).WithFields(logging.Fields{"trace_id": traceID})
		log.WithFields(logging.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Debug("dashboard", "api", "Request received")
		h(w, r, log)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sessions := 0
	if s.cfg.Beacon != nil {
		sessions = s.cfg.Beacon.SessionCount()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": sessions,
	})
}

type SessionView struct {
	ID        string
	URL       string
	UserAgent string
	Entries   int
	Since     string
}

type EntryView struct {
	Category  errlog.Category
	Message   string
	SourceURL string
	TimeAgo   string
}

type IndexData struct {
	Sessions    []SessionView
	Entries     []EntryView
	LastUpdated string
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	data := IndexData{LastUpdated: now.Format("15:04:05")}

	for _, sum := range s.summaries() {
		data.Sessions = append(data.Sessions, SessionView{
			ID:        sum.ID,
			URL:       sum.URL,
			UserAgent: sum.UserAgent,
			Entries:   sum.Entries,
			Since:     timeAgo(sum.ConnectedAt, now),
		})
	}

	if s.cfg.Entries != nil {
		archived, err := s.cfg.Entries.ListAll(20)
		if err != nil {
			s.log.WithError(err).Error("dashboard", "index", "Failed to load archive")
			http.Error(w, "failed to load entries", http.StatusInternalServerError)
			return
		}
		for _, e := range archived {
			data.Entries = append(data.Entries, EntryView{
				Category:  e.Category,
				Message:   e.Message,
				SourceURL: e.SourceURL,
				TimeAgo:   timeAgo(e.Timestamp, now),
			})
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.templates.ExecuteTemplate(w, "layout", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) summaries() []beacon.Summary {
	if s.cfg.Beacon == nil {
		return nil
	}
	sessions := s.cfg.Beacon.Sessions()
	out := make([]beacon.Summary, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Summary())
	}
	return out
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request, log logging.Logger) {
	writeJSON(w, http.StatusOK, s.summaries())
}

func (s *Server) liveSession(id string) *beacon.Session {
	if s.cfg.Beacon == nil {
		return nil
	}
	return s.cfg.Beacon.Get(id)
}

// sessionEntries returns the live log of a connected page, or the
// archived entries of a page that has gone away, oldest first.
func (s *Server) sessionEntries(id string) ([]errlog.Entry, bool, error) {
	if sess := s.liveSession(id); sess != nil {
		return sess.Store.All(), true, nil
	}
	if s.cfg.Entries == nil {
		return nil, false, nil
	}

	archived, err := s.cfg.Entries.List(id, maxListLimit)
	if err != nil {
		return nil, false, err
	}
	if len(archived) == 0 {
		return nil, false, nil
	}
	entries := make([]errlog.Entry, len(archived))
	for i, a := range archived {
		entries[len(archived)-1-i] = a.Entry
	}
	return entries, true, nil
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request, log logging.Logger) {
	id := r.PathValue("id")
	entries, ok, err := s.sessionEntries(id)
	if err != nil {
		log.WithError(err).Error("dashboard", "entries", "Failed to load entries")
		writeJSONError(w, fmt.Sprintf("load entries: %v", err), http.StatusInternalServerError)
		return
	}
	if !ok {
		writeJSONError(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleClearEntries(w http.ResponseWriter, r *http.Request, log logging.Logger) {
	sess := s.liveSession(r.PathValue("id"))
	if sess == nil {
		writeJSONError(w, "session not connected", http.StatusNotFound)
		return
	}
	sess.Store.Clear()
	log.WithSession(sess.ID).Info("dashboard", "clear", "Session log cleared")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request, log logging.Logger) {
	id := r.PathValue("id")
	entries, ok, err := s.sessionEntries(id)
	if err != nil {
		log.WithError(err).Error("dashboard", "export", "Failed to load entries")
		writeJSONError(w, fmt.Sprintf("load entries: %v", err), http.StatusInternalServerError)
		return
	}
	if !ok {
		writeJSONError(w, "session not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="pagewatch-%s.json"`, id))
	w.Write([]byte(errlog.FormatEntries(entries)))
}

type ShareResponse struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request, log logging.Logger) {
	if s.cfg.Shares == nil {
		writeJSONError(w, "sharing not configured", http.StatusServiceUnavailable)
		return
	}

	sessionID := r.PathValue("id")
	entries, ok, err := s.sessionEntries(sessionID)
	if err != nil {
		writeJSONError(w, fmt.Sprintf("load entries: %v", err), http.StatusInternalServerError)
		return
	}
	if !ok {
		writeJSONError(w, "session not found", http.StatusNotFound)
		return
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		writeJSONError(w, "key generation failed", http.StatusInternalServerError)
		return
	}

	now := s.now()
	share := &storage.Share{
		ID:        ulid.Make().String(),
		SessionID: sessionID,
		CreatedAt: now.UnixMilli(),
		ExpiresAt: now.Add(s.cfg.ShareTTL).UnixMilli(),
	}
	share.Ciphertext, err = crypto.Seal([]byte(errlog.FormatEntries(entries)), key, share.ID)
	if err != nil {
		writeJSONError(w, "encryption failed", http.StatusInternalServerError)
		return
	}

	if err := s.cfg.Shares.Save(share); err != nil {
		log.WithError(err).Error("dashboard", "share", "Failed to save share")
		writeJSONError(w, fmt.Sprintf("save share: %v", err), http.StatusInternalServerError)
		return
	}

	log.WithSession(sessionID).WithFields(logging.Fields{
		"share_id": share.ID,
		"entries":  len(entries),
	}).Info("dashboard", "share", "Share created")

	writeJSON(w, http.StatusOK, ShareResponse{
		ID:        share.ID,
		URL:       fmt.Sprintf("%s/shared/%s#%s", baseURL(r), share.ID, crypto.EncodeKey(key)),
		ExpiresAt: time.UnixMilli(share.ExpiresAt).UTC(),
	})
}

type SharePayload struct {
	ID         string    `json:"id"`
	Ciphertext []byte    `json:"ciphertext"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (s *Server) lookupShare(id string) (*storage.Share, error) {
	if s.cfg.Shares == nil {
		return nil, nil
	}
	return s.cfg.Shares.Get(id)
}

func (s *Server) handleGetShare(w http.ResponseWriter, r *http.Request, log logging.Logger) {
	share, err := s.lookupShare(r.PathValue("id"))
	if err != nil {
		writeJSONError(w, fmt.Sprintf("fetch share: %v", err), http.StatusInternalServerError)
		return
	}
	if share == nil {
		writeJSONError(w, "share not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, SharePayload{
		ID:         share.ID,
		Ciphertext: share.Ciphertext,
		ExpiresAt:  time.UnixMilli(share.ExpiresAt).UTC(),
	})
}

func (s *Server) handleSharedPage(w http.ResponseWriter, r *http.Request) {
	share, err := s.lookupShare(r.PathValue("id"))
	if err != nil {
		http.Error(w, "failed to load share", http.StatusInternalServerError)
		return
	}
	if share == nil {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := map[string]string{
		"ID":        share.ID,
		"ExpiresAt": time.UnixMilli(share.ExpiresAt).UTC().Format(time.RFC1123),
	}
	if err := s.templates.ExecuteTemplate(w, "shared", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request, log logging.Logger) {
	if s.cfg.Entries == nil {
		writeJSONError(w, "archive not configured", http.StatusServiceUnavailable)
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var entries []*storage.ArchivedEntry
	if sessionID := r.URL.Query().Get("session"); sessionID != "" {
		entries, err = s.cfg.Entries.List(sessionID, limit)
	} else {
		entries, err = s.cfg.Entries.ListAll(limit)
	}
	if err != nil {
		log.WithError(err).Error("dashboard", "archive", "Failed to list archive")
		writeJSONError(w, fmt.Sprintf("list archive: %v", err), http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []*storage.ArchivedEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleArchivedSessions(w http.ResponseWriter, r *http.Request, log logging.Logger) {
	if s.cfg.Sessions == nil {
		writeJSONError(w, "archive not configured", http.StatusServiceUnavailable)
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	sessions, err := s.cfg.Sessions.List(limit)
	if err != nil {
		writeJSONError(w, fmt.Sprintf("list sessions: %v", err), http.StatusInternalServerError)
		return
	}
	if sessions == nil {
		sessions = []*storage.PageSession{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleListScrubRules(w http.ResponseWriter, r *http.Request, log logging.Logger) {
	if s.cfg.ScrubRules == nil {
		writeJSONError(w, "scrub rules not configured", http.StatusServiceUnavailable)
		return
	}
	rules, err := s.cfg.ScrubRules.GetAll()
	if err != nil {
		writeJSONError(w, fmt.Sprintf("list scrub rules: %v", err), http.StatusInternalServerError)
		return
	}
	if rules == nil {
		rules = []*storage.ScrubRule{}
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Server) handleCreateScrubRule(w http.ResponseWriter, r *http.Request, log logging.Logger) {
	if s.cfg.ScrubRules == nil {
		writeJSONError(w, "scrub rules not configured", http.StatusServiceUnavailable)
		return
	}

	var body struct {
		Pattern string `json:"pattern"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&body); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	rule, err := s.cfg.ScrubRules.Create(body.Pattern)
	switch {
	case errors.Is(err, storage.ErrInvalidPattern):
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, storage.ErrRuleExists):
		writeJSONError(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		log.WithError(err).Error("dashboard", "scrub", "Failed to save scrub rule")
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.reloadScrubber(log)

	log.WithFields(logging.Fields{"pattern": rule.Pattern}).Info("dashboard", "scrub", "Scrub rule added")
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleDeleteScrubRule(w http.ResponseWriter, r *http.Request, log logging.Logger) {
	if s.cfg.ScrubRules == nil {
		writeJSONError(w, "scrub rules not configured", http.StatusServiceUnavailable)
		return
	}
	err := s.cfg.ScrubRules.Delete(r.PathValue("id"))
	if errors.Is(err, storage.ErrRuleNotFound) {
		writeJSONError(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.reloadScrubber(log)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) reloadScrubber(log logging.Logger) {
	if s.cfg.Scrubber == nil {
		return
	}
	if err := s.cfg.Scrubber.Reload(); err != nil {
		log.WithError(err).Warn("dashboard", "scrub", "Scrubber reload failed")
	}
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}

func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return scheme + "://" + r.Host
}

func timeAgo(t, now time.Time) string {
	d := now.Sub(t)

	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("Jan 2, 15:04")
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]string{"error": msg})
}
