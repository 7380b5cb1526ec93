package storage

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/auditmos/pagewatch/errlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := OpenMemoryDB()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenMemoryDB(t *testing.T) {
	db := openTestDB(t)

	for _, table := range []string{"entries", "page_sessions", "shares", "scrub_rules"} {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count)
		require.NoError(t, err, table)
		assert.Equal(t, 0, count, table)
	}
}

func TestEntryRepo_SaveAndGet(t *testing.T) {
	repo := NewSQLiteEntryRepo(openTestDB(t))

	ts := time.UnixMilli(1700000000123)
	e := &ArchivedEntry{
		Entry: errlog.Entry{
			Timestamp:   ts,
			Category:    errlog.CategoryRuntime,
			Message:     "TypeError: x is undefined",
			StackTrace:  "at app.js:1:1",
			SourceURL:   "https://example.com/pricing",
			ClientAgent: "Mozilla/5.0",
			Extra:       errlog.Extra{"filename": "app.js", "line": float64(1)},
		},
		SessionID: "S1",
	}
	require.NoError(t, repo.Save(e))
	assert.NotEmpty(t, e.ID)
	assert.NotZero(t, e.CreatedAt)

	got, err := repo.Get(e.ID)
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, "S1", got.SessionID)
	assert.True(t, ts.Equal(got.Timestamp))
	assert.Equal(t, errlog.CategoryRuntime, got.Category)
	assert.Equal(t, e.Message, got.Message)
	assert.Equal(t, e.StackTrace, got.StackTrace)
	assert.Equal(t, e.SourceURL, got.SourceURL)
	assert.Equal(t, e.ClientAgent, got.ClientAgent)
	assert.Equal(t, e.Extra, got.Extra)
}

func TestEntryRepo_GetNotFound(t *testing.T) {
	repo := NewSQLiteEntryRepo(openTestDB(t))

	got, err := repo.Get("nonexistent")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestEntryRepo_SaveWithoutExtraOrStack(t *testing.T) {
	repo := NewSQLiteEntryRepo(openTestDB(t))

	e := &ArchivedEntry{Entry: errlog.Entry{Category: errlog.CategoryCustom, Message: "oops"}, SessionID: "S1"}
	require.NoError(t, repo.Save(e))

	got, err := repo.Get(e.ID)
	require.NoError(t, err)
	assert.False(t, got.HasStackTrace())
	assert.Nil(t, got.Extra)
}

func TestEntryRepo_SaveUnencodableExtra(t *testing.T) {
	repo := NewSQLiteEntryRepo(openTestDB(t))

	e := &ArchivedEntry{
		Entry:     errlog.Entry{Message: "m", Extra: errlog.Extra{"fn": func() {}, "ok": "yes"}},
		SessionID: "S1",
	}
	require.NoError(t, repo.Save(e))

	got, err := repo.Get(e.ID)
	require.NoError(t, err)
	assert.Equal(t, "yes", got.Extra["ok"])
	assert.IsType(t, "", got.Extra["fn"])
}

func TestEntryRepo_ListNewestFirst(t *testing.T) {
	repo := NewSQLiteEntryRepo(openTestDB(t))

	base := time.UnixMilli(1700000000000)
	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Save(&ArchivedEntry{
			Entry:     errlog.Entry{Timestamp: base.Add(time.Duration(i) * time.Second), Message: string(rune('a' + i))},
			SessionID: "S1",
		}))
	}
	require.NoError(t, repo.Save(&ArchivedEntry{
		Entry:     errlog.Entry{Timestamp: base.Add(time.Hour), Message: "other"},
		SessionID: "S2",
	}))

	list, err := repo.List("S1", 3)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "e", list[0].Message)
	assert.Equal(t, "d", list[1].Message)
	assert.Equal(t, "c", list[2].Message)

	all, err := repo.ListAll(10)
	require.NoError(t, err)
	require.Len(t, all, 6)
	assert.Equal(t, "other", all[0].Message)

	count, err := repo.Count("S1")
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}

func TestEntryRepo_Prune(t *testing.T) {
	repo := NewSQLiteEntryRepo(openTestDB(t))

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, repo.Save(&ArchivedEntry{Entry: errlog.Entry{Timestamp: old, Message: "old"}, SessionID: "S1"}))
	require.NoError(t, repo.Save(&ArchivedEntry{Entry: errlog.Entry{Timestamp: time.Now(), Message: "new"}, SessionID: "S1"}))

	n, err := repo.Prune(time.Now().Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	list, err := repo.List("S1", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "new", list[0].Message)
}

func TestPageSessionRepo_Lifecycle(t *testing.T) {
	repo := NewSQLitePageSessionRepo(openTestDB(t))

	s := &PageSession{ID: "S1", URL: "https://example.com/", UserAgent: "UA", RemoteAddr: "127.0.0.1"}
	require.NoError(t, repo.Save(s))
	assert.Equal(t, SessionActive, s.Status)
	assert.NotZero(t, s.StartedAt)

	got, err := repo.Get("S1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, SessionActive, got.Status)
	assert.Zero(t, got.EndedAt)

	require.NoError(t, repo.Close("S1", "https://example.com/error", "UA2", 1234))

	got, err = repo.Get("S1")
	require.NoError(t, err)
	assert.Equal(t, SessionClosed, got.Status)
	assert.Equal(t, int64(1234), got.EndedAt)
	assert.Equal(t, "https://example.com/error", got.URL)
	assert.Equal(t, "UA2", got.UserAgent)
}

func TestPageSessionRepo_GetNotFoundAndList(t *testing.T) {
	repo := NewSQLitePageSessionRepo(openTestDB(t))

	got, err := repo.Get("missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, repo.Save(&PageSession{ID: "A", StartedAt: 1}))
	require.NoError(t, repo.Save(&PageSession{ID: "B", StartedAt: 2}))

	list, err := repo.List(10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "B", list[0].ID)
}

func TestShareRepo_SaveGetExpire(t *testing.T) {
	repo := NewSQLiteShareRepo(openTestDB(t))
	now := time.UnixMilli(1700000000000)
	repo.now = func() time.Time { return now }

	share := &Share{SessionID: "S1", Ciphertext: []byte{1, 2, 3}}
	require.NoError(t, repo.Save(share))
	assert.NotEmpty(t, share.ID)
	assert.Equal(t, now.Add(DefaultShareTTL).UnixMilli(), share.ExpiresAt)

	got, err := repo.Get(share.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte{1, 2, 3}, got.Ciphertext)
	assert.Equal(t, "S1", got.SessionID)

	now = now.Add(DefaultShareTTL + time.Second)
	got, err = repo.Get(share.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	n, err := repo.Prune()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestShareRepo_Delete(t *testing.T) {
	repo := NewSQLiteShareRepo(openTestDB(t))

	share := &Share{SessionID: "S1", Ciphertext: []byte("x")}
	require.NoError(t, repo.Save(share))
	require.NoError(t, repo.Delete(share.ID))

	got, err := repo.Get(share.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestArchiveSink_ScrubsAndSaves(t *testing.T) {
	repo := NewSQLiteEntryRepo(openTestDB(t))
	sink := NewArchiveSink(repo, "S1", NewScrubber("password"))

	store := errlog.NewStore(errlog.Config{Sink: sink})
	recorded := store.RecordMessage("login failed", errlog.CategoryCustom, errlog.Extra{
		"password": "hunter2",
		"form":     map[string]interface{}{"Password": "nested", "field": "email"},
	})

	got, err := repo.Get(recorded.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "S1", got.SessionID)
	assert.Equal(t, "***", got.Extra["password"])
	assert.Equal(t, map[string]interface{}{"Password": "***", "field": "email"}, got.Extra["form"])

	assert.Equal(t, "hunter2", store.All()[0].Extra["password"], "in-memory entry keeps its values")
}

func TestJSONSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONSink(&buf, "S1", NewScrubber("token"))

	require.NoError(t, sink.Send(errlog.Entry{ID: "1", Message: "a", Extra: errlog.Extra{"token": "t"}}))
	require.NoError(t, sink.Send(errlog.Entry{ID: "2", Message: "b"}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "S1", first["session_id"])
	assert.Equal(t, "a", first["message"])
	assert.Equal(t, map[string]interface{}{"token": "***"}, first["extra"])

	var second map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	_, hasExtra := second["extra"]
	assert.False(t, hasExtra)
}

func TestMultiSink(t *testing.T) {
	var calls []string
	failing := errlog.SinkFunc(func(errlog.Entry) error {
		calls = append(calls, "failing")
		return errors.New("disk full")
	})
	ok := errlog.SinkFunc(func(errlog.Entry) error {
		calls = append(calls, "ok")
		return nil
	})

	err := MultiSink{failing, nil, ok}.Send(errlog.Entry{})
	require.Error(t, err)
	assert.Equal(t, []string{"failing", "ok"}, calls)
}

func TestScrubber_LeavesInputUntouched(t *testing.T) {
	s := NewScrubber("Secret")
	in := errlog.Extra{"secret": "s", "list": []interface{}{map[string]interface{}{"SECRET": "x"}}}

	out := s.ScrubExtra(in)
	assert.Equal(t, "***", out["secret"])
	assert.Equal(t, []interface{}{map[string]interface{}{"SECRET": "***"}}, out["list"])
	assert.Equal(t, "s", in["secret"])
	assert.Nil(t, s.ScrubExtra(nil))
}
