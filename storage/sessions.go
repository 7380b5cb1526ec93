package storage

import (
	"database/sql"
	"fmt"
	"time"
)

const (
	SessionActive = "active"
	SessionClosed = "closed"
)

// PageSession is the persisted record of one page connection.
type PageSession struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	UserAgent  string `json:"user_agent"`
	RemoteAddr string `json:"remote_addr"`
	StartedAt  int64  `json:"started_at"`
	EndedAt    int64  `json:"ended_at,omitempty"`
	Status     string `json:"status"`
}

type PageSessionRepo interface {
	Save(s *PageSession) error
	Get(id string) (*PageSession, error)
	Close(id string, url, userAgent string, endedAt int64) error
	List(limit int) ([]*PageSession, error)
}

type SQLitePageSessionRepo struct {
	db *sql.DB
}

func NewSQLitePageSessionRepo(db *sql.DB) *SQLitePageSessionRepo {
	return &SQLitePageSessionRepo{db: db}
}

func (r *SQLitePageSessionRepo) Save(s *PageSession) error {
	if s.StartedAt == 0 {
		s.StartedAt = time.Now().UnixMilli()
	}
	if s.Status == "" {
		s.Status = SessionActive
	}

	_, err := r.db.Exec(`
		INSERT INTO page_sessions (id, url, user_agent, remote_addr, started_at, ended_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.URL, s.UserAgent, s.RemoteAddr, s.StartedAt, nullInt(s.EndedAt), s.Status)
	if err != nil {
		return fmt.Errorf("insert page session: %w", err)
	}
	return nil
}

func (r *SQLitePageSessionRepo) Get(id string) (*PageSession, error) {
	row := r.db.QueryRow(`
		SELECT id, url, user_agent, remote_addr, started_at, ended_at, status
		FROM page_sessions WHERE id = ?
	`, id)

	s, err := scanPageSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return s, err
}

// Close marks a session closed and stores the last location the page
// reported.
func (r *SQLitePageSessionRepo) Close(id string, url, userAgent string, endedAt int64) error {
	_, err := r.db.Exec(`
		UPDATE page_sessions SET status = ?, ended_at = ?, url = ?, user_agent = ? WHERE id = ?
	`, SessionClosed, endedAt, url, userAgent, id)
	if err != nil {
		return fmt.Errorf("close page session: %w", err)
	}
	return nil
}

func (r *SQLitePageSessionRepo) List(limit int) ([]*PageSession, error) {
	rows, err := r.db.Query(`
		SELECT id, url, user_agent, remote_addr, started_at, ended_at, status
		FROM page_sessions ORDER BY started_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query page sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*PageSession
	for rows.Next() {
		s, err := scanPageSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func scanPageSession(row rowScanner) (*PageSession, error) {
	s := &PageSession{}
	var endedAt sql.NullInt64
	err := row.Scan(&s.ID, &s.URL, &s.UserAgent, &s.RemoteAddr, &s.StartedAt, &endedAt, &s.Status)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan page session: %w", err)
	}
	if endedAt.Valid {
		s.EndedAt = endedAt.Int64
	}
	return s, nil
}

func nullInt(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}
