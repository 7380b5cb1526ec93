package beacon

import (
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/auditmos/pagewatch/dispatch"
	"github.com/auditmos/pagewatch/errlog"
	"github.com/auditmos/pagewatch/logging"
	"github.com/gorilla/websocket"
)

const (
	maxFrameSize = 64 * 1024
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
	sendBuffer   = 16
)

var (
	// ErrHistoryUnavailable is returned by Push when the page reported it
	// has no history API.
	ErrHistoryUnavailable = errors.New("page history unavailable")
	ErrSessionClosed      = errors.New("session closed")
	errSendBufferFull     = errors.New("send buffer full")
)

// Session is one connected page. It is the event source, navigator and
// environment of the page's dispatcher and log store.
type Session struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time

	Store      *errlog.Store
	Dispatcher *dispatch.Dispatcher

	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	closeMu sync.Once
	limiter *RateLimiter
	log     logging.Logger

	mu        sync.RWMutex
	url       string
	path      string
	userAgent string
	history   bool
	frames    uint64
	dropped   uint64

	uncaught   []func(dispatch.RuntimeError)
	rejections []func(dispatch.PromiseRejection)
	resources  []func(dispatch.ResourceFailure)
}

// Summary is a point-in-time view of a session for listings.
type Summary struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Path        string    `json:"path"`
	UserAgent   string    `json:"user_agent"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
	Entries     int       `json:"entries"`
	Frames      uint64    `json:"frames"`
	Dropped     uint64    `json:"dropped"`
}

func newSession(id string, conn *websocket.Conn, limiter *RateLimiter, log logging.Logger) *Session {
	return &Session{
		ID:          id,
		ConnectedAt: time.Now(),
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		limiter:     limiter,
		log:         log,
		history:     true,
	}
}

func (s *Session) OnUncaughtError(fn func(dispatch.RuntimeError)) {
	s.mu.Lock()
	s.uncaught = append(s.uncaught, fn)
	s.mu.Unlock()
}

func (s *Session) OnUnhandledRejection(fn func(dispatch.PromiseRejection)) {
	s.mu.Lock()
	s.rejections = append(s.rejections, fn)
	s.mu.Unlock()
}

func (s *Session) OnResourceError(fn func(dispatch.ResourceFailure)) {
	s.mu.Lock()
	s.resources = append(s.resources, fn)
	s.mu.Unlock()
}

func (s *Session) SourceURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.url
}

func (s *Session) ClientAgent() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userAgent
}

func (s *Session) CurrentPath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}

// Push asks the page to push path onto its history and notify its router.
func (s *Session) Push(path string) error {
	s.mu.RLock()
	history := s.history
	s.mu.RUnlock()
	if !history {
		return ErrHistoryUnavailable
	}
	return s.navigate(path, dispatch.NavigationPush)
}

// Replace asks the page to perform a full navigation to path.
func (s *Session) Replace(path string) error {
	return s.navigate(path, dispatch.NavigationReplace)
}

func (s *Session) navigate(path, mode string) error {
	data, err := encodeFrame(FrameNavigate, NavigateFrame{Path: path, Mode: mode})
	if err != nil {
		return err
	}
	if err := s.enqueue(data); err != nil {
		return err
	}

	s.mu.Lock()
	s.path = path
	s.mu.Unlock()
	return nil
}

func (s *Session) enqueue(data []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.send <- data:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		return errSendBufferFull
	}
}

func (s *Session) Summary() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := Summary{
		ID:          s.ID,
		URL:         s.url,
		Path:        s.path,
		UserAgent:   s.userAgent,
		RemoteAddr:  s.RemoteAddr,
		ConnectedAt: s.ConnectedAt,
		Frames:      s.frames,
		Dropped:     s.dropped,
	}
	if s.Store != nil {
		sum.Entries = s.Store.Len()
	}
	return sum
}

// Done is closed once the connection has gone away.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) close() {
	s.closeMu.Do(func() {
		close(s.done)
		if s.Dispatcher != nil {
			s.Dispatcher.Close()
		}
	})
}

func (s *Session) readPump() {
	s.conn.SetReadLimit(maxFrameSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.WithError(err).Warn("beacon", "read", "Connection closed unexpectedly")
			}
			return
		}

		if ok, retryAfter := s.limiter.AllowFrame(s.ID); !ok {
			s.mu.Lock()
			s.dropped++
			s.mu.Unlock()
			s.log.WithFields(logging.Fields{"retry_after": retryAfter}).
				Warn("beacon", "ratelimit", "Frame dropped")
			continue
		}

		s.mu.Lock()
		s.frames++
		s.mu.Unlock()
		s.handleMessage(message)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.log.WithError(err).Warn("beacon", "write", "Write failed")
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *Session) handleMessage(message []byte) {
	var env Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		s.log.WithError(err).Debug("beacon", "decode", "Ignoring malformed frame")
		return
	}

	var err error
	switch env.Type {
	case FrameHello:
		var f HelloFrame
		if err = decodePayload(env, &f); err == nil {
			s.hello(f)
		}
	case FrameLocation:
		var f LocationFrame
		if err = decodePayload(env, &f); err == nil {
			s.setLocation(f.URL, f.Path)
		}
	case FrameError:
		var f ErrorFrame
		if err = decodePayload(env, &f); err == nil {
			s.emitError(f)
		}
	case FrameRejection:
		var f RejectionFrame
		if err = decodePayload(env, &f); err == nil {
			s.emitRejection(f)
		}
	case FrameReport:
		var f ReportFrame
		if err = decodePayload(env, &f); err == nil {
			s.report(f)
		}
	default:
		s.log.WithFields(logging.Fields{"type": env.Type}).
			Debug("beacon", "decode", "Ignoring unknown frame type")
	}

	if err != nil {
		s.log.WithError(err).Debug("beacon", "decode", "Ignoring malformed frame")
	}
}

func (s *Session) hello(f HelloFrame) {
	s.mu.Lock()
	s.userAgent = f.UserAgent
	if f.History != nil {
		s.history = *f.History
	}
	s.mu.Unlock()
	s.setLocation(f.URL, f.Path)

	s.log.WithFields(logging.Fields{"url": f.URL, "user_agent": f.UserAgent}).
		Info("beacon", "hello", "Page connected")
}

func (s *Session) setLocation(rawURL, path string) {
	if path == "" {
		if u, err := url.Parse(rawURL); err == nil {
			path = u.Path
		}
	}

	s.mu.Lock()
	s.url = rawURL
	s.path = path
	s.mu.Unlock()
}

func (s *Session) emitError(f ErrorFrame) {
	s.mu.RLock()
	uncaught := s.uncaught
	resources := s.resources
	s.mu.RUnlock()

	if !f.isWindowLevel() {
		failure := dispatch.ResourceFailure{Element: dispatch.Element{Tag: f.Target, Source: f.Src}}
		for _, fn := range resources {
			fn(failure)
		}
		return
	}

	rt := dispatch.RuntimeError{
		Text:     f.Message,
		Filename: f.Filename,
		Line:     f.Lineno,
		Column:   f.Colno,
		Stack:    f.Stack,
	}
	for _, fn := range uncaught {
		fn(rt)
	}
}

func (s *Session) emitRejection(f RejectionFrame) {
	s.mu.RLock()
	rejections := s.rejections
	s.mu.RUnlock()

	r := dispatch.PromiseRejection{Reason: f.Reason, Stack: f.Stack}
	for _, fn := range rejections {
		fn(r)
	}
}

func (s *Session) report(f ReportFrame) {
	if s.Store == nil {
		return
	}

	category := errlog.CategoryCustom
	if f.Category != "" {
		category = errlog.ParseCategory(f.Category)
	}
	extra := errlog.Extra(f.Extra)
	if f.Stack != "" {
		s.Store.Record(&errlog.TracedError{Message: f.Message, Stack: f.Stack}, category, extra)
		return
	}
	s.Store.RecordMessage(f.Message, category, extra)
}
