// Package beacon accepts page connections over websocket. Each connection
// is a page session with its own log store and dispatcher.
package beacon

import (
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/auditmos/pagewatch/dispatch"
	"github.com/auditmos/pagewatch/errlog"
	"github.com/auditmos/pagewatch/logging"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

type Config struct {
	Logger logging.Logger

	MaxEntries    int
	Mode          string
	ErrorRoute    string
	RedirectDelay time.Duration

	FramesPerMinute int
	MaxConnsPerAddr int

	Metrics dispatch.Metrics
	// NewSink, when set, supplies the archive sink of each session's store.
	NewSink func(sessionID string) errlog.Sink
	// OnSession runs after a session is wired and before its first frame
	// is read.
	OnSession func(*Session)

	CheckOrigin func(r *http.Request) bool
}

type Server struct {
	cfg      Config
	log      logging.Logger
	upgrader websocket.Upgrader
	limiter  *RateLimiter

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewServer(cfg Config) *Server {
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}

	return &Server{
		cfg:      cfg,
		log:      logging.OrNop(cfg.Logger),
		limiter:  NewRateLimiter(cfg.FramesPerMinute, cfg.MaxConnsPerAddr),
		sessions: make(map[string]*Session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

// Handler serves the websocket endpoint and the page script.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.ServeWS)
	mux.HandleFunc("/pagewatch.js", ServeScript)
	return mux
}

func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	addr := remoteHost(r)
	if !s.limiter.AcquireConnection(addr) {
		s.log.WithFields(logging.Fields{"remote_addr": addr}).
			Warn("beacon", "connect", "Connection limit exceeded")
		writeConnectionLimitExceeded(w)
		return
	}
	defer s.limiter.ReleaseConnection(addr)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("beacon", "connect", "Websocket upgrade failed")
		return
	}

	sess := s.newSession(conn, addr)

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	if s.cfg.OnSession != nil {
		s.cfg.OnSession(sess)
	}
	sess.log.WithFields(logging.Fields{"remote_addr": addr}).
		Info("beacon", "connect", "Session opened")

	go sess.writePump()
	sess.readPump()

	sess.close()
	s.remove(sess.ID)
	sess.log.WithFields(logging.Fields{"entries": sess.Store.Len()}).
		Info("beacon", "disconnect", "Session closed")
}

func (s *Server) newSession(conn *websocket.Conn, addr string) *Session {
	id := ulid.Make().String()
	log := s.log.WithSession(id)

	sess := newSession(id, conn, s.limiter, log)
	sess.RemoteAddr = addr

	var sink errlog.Sink
	if s.cfg.NewSink != nil {
		sink = s.cfg.NewSink(id)
	}
	sess.Store = errlog.NewStore(errlog.Config{
		MaxEntries:  s.cfg.MaxEntries,
		Mode:        s.cfg.Mode,
		Environment: sess,
		Sink:        sink,
		Logger:      log,
	})
	sess.Dispatcher = dispatch.New(dispatch.Config{
		Logger:        s.log,
		Navigator:     sess,
		Recorder:      sess.Store,
		Metrics:       s.cfg.Metrics,
		ErrorRoute:    s.cfg.ErrorRoute,
		RedirectDelay: s.cfg.RedirectDelay,
		TraceID:       id,
	})
	sess.Dispatcher.Attach(sess)
	return sess
}

func (s *Server) remove(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	s.limiter.Forget(id)
}

func (s *Server) Get(id string) *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[id]
}

// Sessions returns the open sessions, oldest first.
func (s *Server) Sessions() []*Session {
	s.mu.RLock()
	list := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		list = append(list, sess)
	}
	s.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].ConnectedAt.Equal(list[j].ConnectedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].ConnectedAt.Before(list[j].ConnectedAt)
	})
	return list
}

func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Close ends every open session.
func (s *Server) Close() {
	for _, sess := range s.Sessions() {
		sess.close()
	}
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
