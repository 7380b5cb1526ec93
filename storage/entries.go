package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/auditmos/pagewatch/errlog"
	"github.com/oklog/ulid/v2"
)

// ArchivedEntry is a log entry persisted for a page session.
type ArchivedEntry struct {
	errlog.Entry
	SessionID string `json:"session_id"`
	CreatedAt int64  `json:"created_at"`
}

type EntryRepo interface {
	Save(e *ArchivedEntry) error
	Get(id string) (*ArchivedEntry, error)
	List(sessionID string, limit int) ([]*ArchivedEntry, error)
	ListAll(limit int) ([]*ArchivedEntry, error)
	Count(sessionID string) (int, error)
	Prune(olderThan time.Time) (int64, error)
}

type SQLiteEntryRepo struct {
	db *sql.DB
}

func NewSQLiteEntryRepo(db *sql.DB) *SQLiteEntryRepo {
	return &SQLiteEntryRepo{db: db}
}

const entryColumns = `id, session_id, timestamp, category, message, stack_trace, source_url, client_agent, extra, created_at`

func (r *SQLiteEntryRepo) Save(e *ArchivedEntry) error {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().UnixMilli()
	}

	extra, err := marshalExtra(e.Extra)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(`
		INSERT INTO entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.SessionID, e.Timestamp.UnixMilli(), string(e.Category), e.Message, e.StackTrace,
		e.SourceURL, e.ClientAgent, extra, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

func (r *SQLiteEntryRepo) Get(id string) (*ArchivedEntry, error) {
	row := r.db.QueryRow(`SELECT `+entryColumns+` FROM entries WHERE id = ?`, id)

	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// List returns the newest entries of a session, newest first.
func (r *SQLiteEntryRepo) List(sessionID string, limit int) ([]*ArchivedEntry, error) {
	rows, err := r.db.Query(`
		SELECT `+entryColumns+`
		FROM entries WHERE session_id = ? ORDER BY timestamp DESC, id DESC LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

func (r *SQLiteEntryRepo) ListAll(limit int) ([]*ArchivedEntry, error) {
	rows, err := r.db.Query(`
		SELECT `+entryColumns+`
		FROM entries ORDER BY timestamp DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

func (r *SQLiteEntryRepo) Count(sessionID string) (int, error) {
	var count int
	err := r.db.QueryRow("SELECT COUNT(*) FROM entries WHERE session_id = ?", sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return count, nil
}

func (r *SQLiteEntryRepo) Prune(olderThan time.Time) (int64, error) {
	res, err := r.db.Exec("DELETE FROM entries WHERE timestamp < ?", olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune entries: %w", err)
	}
	return res.RowsAffected()
}

// marshalExtra stores values that cannot be encoded in their printed form.
func marshalExtra(extra errlog.Extra) ([]byte, error) {
	if len(extra) == 0 {
		return nil, nil
	}
	if data, err := json.Marshal(extra); err == nil {
		return data, nil
	}

	printable := make(map[string]interface{}, len(extra))
	for k, v := range extra {
		if _, err := json.Marshal(v); err != nil {
			printable[k] = fmt.Sprintf("%v", v)
			continue
		}
		printable[k] = v
	}
	data, err := json.Marshal(printable)
	if err != nil {
		return nil, fmt.Errorf("marshal extra: %w", err)
	}
	return data, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*ArchivedEntry, error) {
	e := &ArchivedEntry{}
	var (
		ts       int64
		category string
		stack    sql.NullString
		extra    []byte
	)
	err := row.Scan(&e.ID, &e.SessionID, &ts, &category, &e.Message, &stack,
		&e.SourceURL, &e.ClientAgent, &extra, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan entry: %w", err)
	}

	e.Timestamp = time.UnixMilli(ts)
	e.Category = errlog.Category(category)
	e.StackTrace = stack.String
	if len(extra) > 0 {
		if err := json.Unmarshal(extra, &e.Extra); err != nil {
			return nil, fmt.Errorf("unmarshal extra: %w", err)
		}
	}
	return e, nil
}

func scanEntries(rows *sql.Rows) ([]*ArchivedEntry, error) {
	var entries []*ArchivedEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
