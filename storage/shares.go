package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

const DefaultShareTTL = 24 * time.Hour

// Share is an encrypted export. The key never reaches the server.
type Share struct {
	ID         string
	SessionID  string
	Ciphertext []byte
	CreatedAt  int64
	ExpiresAt  int64
}

type ShareRepo interface {
	Save(share *Share) error
	Get(id string) (*Share, error)
	Delete(id string) error
	Prune() (int64, error)
}

type SQLiteShareRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteShareRepo(db *sql.DB) *SQLiteShareRepo {
	return &SQLiteShareRepo{db: db, now: time.Now}
}

func (r *SQLiteShareRepo) Save(share *Share) error {
	now := r.now()
	if share.ID == "" {
		share.ID = ulid.Make().String()
	}
	if share.CreatedAt == 0 {
		share.CreatedAt = now.UnixMilli()
	}
	if share.ExpiresAt == 0 {
		share.ExpiresAt = now.Add(DefaultShareTTL).UnixMilli()
	}

	_, err := r.db.Exec(`
		INSERT INTO shares (id, session_id, ciphertext, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
	`, share.ID, share.SessionID, share.Ciphertext, share.CreatedAt, share.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert share: %w", err)
	}
	return nil
}

// Get returns nil, nil for unknown and expired shares.
func (r *SQLiteShareRepo) Get(id string) (*Share, error) {
	row := r.db.QueryRow(`
		SELECT id, session_id, ciphertext, created_at, expires_at
		FROM shares WHERE id = ? AND expires_at > ?
	`, id, r.now().UnixMilli())

	share := &Share{}
	err := row.Scan(&share.ID, &share.SessionID, &share.Ciphertext, &share.CreatedAt, &share.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan share: %w", err)
	}
	return share, nil
}

func (r *SQLiteShareRepo) Delete(id string) error {
	_, err := r.db.Exec("DELETE FROM shares WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete share: %w", err)
	}
	return nil
}

func (r *SQLiteShareRepo) Prune() (int64, error) {
	res, err := r.db.Exec("DELETE FROM shares WHERE expires_at <= ?", r.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune shares: %w", err)
	}
	return res.RowsAffected()
}
