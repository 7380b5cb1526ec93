package storage

import (
	"database/sql"

	"github.com/auditmos/pagewatch/logging"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS page_sessions (
    id          TEXT PRIMARY KEY,
    url         TEXT NOT NULL,
    user_agent  TEXT NOT NULL,
    remote_addr TEXT NOT NULL,
    started_at  INTEGER NOT NULL,
    ended_at    INTEGER,
    status      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_page_sessions_started ON page_sessions(started_at DESC);

CREATE TABLE IF NOT EXISTS entries (
    id           TEXT PRIMARY KEY,
    session_id   TEXT NOT NULL,
    timestamp    INTEGER NOT NULL,
    category     TEXT NOT NULL,
    message      TEXT NOT NULL,
    stack_trace  TEXT,
    source_url   TEXT NOT NULL,
    client_agent TEXT NOT NULL,
    extra        TEXT,
    created_at   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entries_session ON entries(session_id);
CREATE INDEX IF NOT EXISTS idx_entries_timestamp ON entries(timestamp DESC);

CREATE TABLE IF NOT EXISTS shares (
    id         TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    ciphertext BLOB NOT NULL,
    created_at INTEGER NOT NULL,
    expires_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_shares_expires ON shares(expires_at);

CREATE TABLE IF NOT EXISTS scrub_rules (
    id         TEXT PRIMARY KEY,
    pattern    TEXT NOT NULL UNIQUE,
    created_at INTEGER NOT NULL
);
`

func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, logging.Wrap("open db", logging.KindDatabase, err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, logging.Wrap("init schema", logging.KindDatabase, err)
	}

	return db, nil
}

func OpenMemoryDB() (*sql.DB, error) {
	return Open(":memory:")
}
