package beacon

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/auditmos/pagewatch/dispatch"
	"github.com/auditmos/pagewatch/errlog"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, cfg Config) (*Server, string) {
	t.Helper()
	srv := NewServer(cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, ts.URL
}

func dial(t *testing.T, baseURL string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, frameType string, payload interface{}) {
	t.Helper()
	data, err := encodeFrame(frameType, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func readNavigate(t *testing.T, conn *websocket.Conn) NavigateFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	require.Equal(t, FrameNavigate, env.Type)

	var nav NavigateFrame
	require.NoError(t, json.Unmarshal(env.Payload, &nav))
	return nav
}

func waitSession(t *testing.T, ch <-chan *Session) *Session {
	t.Helper()
	select {
	case sess := <-ch:
		return sess
	case <-time.After(2 * time.Second):
		t.Fatal("session was not created")
		return nil
	}
}

func TestServer_CriticalErrorRedirectsWithPush(t *testing.T) {
	sessions := make(chan *Session, 1)
	_, url := startServer(t, Config{
		RedirectDelay: 10 * time.Millisecond,
		OnSession:     func(s *Session) { sessions <- s },
	})

	conn := dial(t, url)
	sess := waitSession(t, sessions)

	sendFrame(t, conn, FrameHello, HelloFrame{URL: "https://example.com/home", UserAgent: "UA"})
	sendFrame(t, conn, FrameError, ErrorFrame{Message: "Test failure xyz", Target: "window"})

	nav := readNavigate(t, conn)
	assert.Equal(t, NavigateFrame{Path: "/error", Mode: dispatch.NavigationPush}, nav)

	entries := sess.Store.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "https://example.com/home", entries[0].SourceURL)
}

func TestServer_NoHistoryFallsBackToReplace(t *testing.T) {
	_, url := startServer(t, Config{RedirectDelay: 10 * time.Millisecond, ErrorRoute: "/oops"})

	conn := dial(t, url)
	noHistory := false
	sendFrame(t, conn, FrameHello, HelloFrame{URL: "https://example.com/", History: &noHistory})
	sendFrame(t, conn, FrameRejection, RejectionFrame{Reason: "boom"})

	nav := readNavigate(t, conn)
	assert.Equal(t, NavigateFrame{Path: "/oops", Mode: dispatch.NavigationReplace}, nav)
}

func TestServer_OnSessionObserversAndSink(t *testing.T) {
	var mu sync.Mutex
	var observed []dispatch.Info
	var archived []errlog.Entry

	sessions := make(chan *Session, 1)
	_, url := startServer(t, Config{
		NewSink: func(sessionID string) errlog.Sink {
			return errlog.SinkFunc(func(e errlog.Entry) error {
				mu.Lock()
				archived = append(archived, e)
				mu.Unlock()
				return nil
			})
		},
		OnSession: func(s *Session) {
			s.Dispatcher.OnError(func(i dispatch.Info) {
				mu.Lock()
				observed = append(observed, i)
				mu.Unlock()
			})
			sessions <- s
		},
	})

	conn := dial(t, url)
	waitSession(t, sessions)

	sendFrame(t, conn, FrameError, ErrorFrame{Target: "script", Src: "/vendor.js"})
	sendFrame(t, conn, FrameReport, ReportFrame{Message: "checkout failed"})

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(observed) == 1 && len(archived) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	_, ok := observed[0].(dispatch.ResourceFailure)
	assert.True(t, ok)
	assert.Equal(t, errlog.CategoryNetwork, archived[0].Category)
	assert.Equal(t, errlog.CategoryCustom, archived[1].Category)
}

func TestServer_RateLimitDropsFrames(t *testing.T) {
	sessions := make(chan *Session, 1)
	_, url := startServer(t, Config{
		FramesPerMinute: 3,
		OnSession:       func(s *Session) { sessions <- s },
	})

	conn := dial(t, url)
	sess := waitSession(t, sessions)

	for i := 0; i < 5; i++ {
		sendFrame(t, conn, FrameReport, ReportFrame{Message: "r"})
	}

	assert.Eventually(t, func() bool {
		sum := sess.Summary()
		return sum.Frames == 3 && sum.Dropped == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, sess.Store.Len())
}

func TestServer_SessionRegistry(t *testing.T) {
	sessions := make(chan *Session, 2)
	srv, url := startServer(t, Config{OnSession: func(s *Session) { sessions <- s }})

	first := dial(t, url)
	a := waitSession(t, sessions)
	dial(t, url)
	b := waitSession(t, sessions)

	assert.Equal(t, 2, srv.SessionCount())
	assert.Same(t, a, srv.Get(a.ID))
	assert.Nil(t, srv.Get("missing"))

	list := srv.Sessions()
	require.Len(t, list, 2)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, []string{list[0].ID, list[1].ID})

	first.Close()
	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close")
	}
	assert.Eventually(t, func() bool { return srv.SessionCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_ConnectionLimit(t *testing.T) {
	sessions := make(chan *Session, 1)
	_, url := startServer(t, Config{MaxConnsPerAddr: 1, OnSession: func(s *Session) { sessions <- s }})

	dial(t, url)
	waitSession(t, sessions)

	wsURL := "ws" + strings.TrimPrefix(url, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_CloseEndsSessions(t *testing.T) {
	sessions := make(chan *Session, 1)
	srv, url := startServer(t, Config{OnSession: func(s *Session) { sessions <- s }})

	conn := dial(t, url)
	sess := waitSession(t, sessions)

	srv.Close()

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close")
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestServeScript(t *testing.T) {
	_, url := startServer(t, Config{})

	resp, err := http.Get(url + "/pagewatch.js")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "javascript")
	assert.Contains(t, string(body), "unhandledrejection")
	assert.Contains(t, string(body), "/ws")
}

func TestServeScript_RejectsPost(t *testing.T) {
	w := httptest.NewRecorder()
	ServeScript(w, httptest.NewRequest(http.MethodPost, "/pagewatch.js", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
