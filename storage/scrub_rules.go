package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

const maxPatternLen = 128

var (
	ErrInvalidPattern = errors.New("invalid scrub pattern")
	ErrRuleExists     = errors.New("scrub rule already exists")
	ErrRuleNotFound   = errors.New("scrub rule not found")
)

// defaultScrubPatterns name Extra keys whose values never reach the archive.
var defaultScrubPatterns = []string{
	"authorization",
	"cookie",
	"set-cookie",
	"password",
	"passwd",
	"token",
	"access_token",
	"refresh_token",
	"session_token",
	"api_key",
	"apikey",
	"x-api-key",
	"secret",
	"credit_card",
}

// ScrubRule names one Extra key to mask. Patterns are stored lowercased.
type ScrubRule struct {
	ID        string `json:"id"`
	Pattern   string `json:"pattern"`
	CreatedAt int64  `json:"created_at"`
}

type ScrubRuleRepo interface {
	GetAll() ([]*ScrubRule, error)
	Create(pattern string) (*ScrubRule, error)
	Delete(id string) error
	Seed() error
}

// NormalizePattern trims and lowercases a key pattern. Keys are single
// tokens, so embedded whitespace is rejected.
func NormalizePattern(raw string) (string, error) {
	p := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case p == "":
		return "", fmt.Errorf("%w: empty", ErrInvalidPattern)
	case len(p) > maxPatternLen:
		return "", fmt.Errorf("%w: longer than %d bytes", ErrInvalidPattern, maxPatternLen)
	case strings.ContainsAny(p, " \t\r\n"):
		return "", fmt.Errorf("%w: %q contains whitespace", ErrInvalidPattern, raw)
	}
	return p, nil
}

type SQLiteScrubRuleRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteScrubRuleRepo(db *sql.DB) *SQLiteScrubRuleRepo {
	return &SQLiteScrubRuleRepo{db: db, now: time.Now}
}

func (r *SQLiteScrubRuleRepo) GetAll() ([]*ScrubRule, error) {
	rows, err := r.db.Query("SELECT id, pattern, created_at FROM scrub_rules ORDER BY created_at, pattern")
	if err != nil {
		return nil, fmt.Errorf("list scrub rules: %w", err)
	}
	defer rows.Close()

	rules := []*ScrubRule{}
	for rows.Next() {
		var rule ScrubRule
		if err := rows.Scan(&rule.ID, &rule.Pattern, &rule.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan scrub rule: %w", err)
		}
		rules = append(rules, &rule)
	}
	return rules, rows.Err()
}

func (r *SQLiteScrubRuleRepo) Create(raw string) (*ScrubRule, error) {
	pattern, err := NormalizePattern(raw)
	if err != nil {
		return nil, err
	}

	rule := &ScrubRule{
		ID:        ulid.Make().String(),
		Pattern:   pattern,
		CreatedAt: r.now().UnixMilli(),
	}
	res, err := r.db.Exec(
		"INSERT OR IGNORE INTO scrub_rules (id, pattern, created_at) VALUES (?, ?, ?)",
		rule.ID, rule.Pattern, rule.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create scrub rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrRuleExists, pattern)
	}
	return rule, nil
}

func (r *SQLiteScrubRuleRepo) Delete(id string) error {
	res, err := r.db.Exec("DELETE FROM scrub_rules WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete scrub rule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete scrub rule: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	return nil
}

// Seed installs the default patterns in one transaction. Patterns already
// present, including ones a user re-added, are left alone.
func (r *SQLiteScrubRuleRepo) Seed() error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("seed scrub rules: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("INSERT OR IGNORE INTO scrub_rules (id, pattern, created_at) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("seed scrub rules: %w", err)
	}
	defer stmt.Close()

	now := r.now().UnixMilli()
	for _, pattern := range defaultScrubPatterns {
		if _, err := stmt.Exec(ulid.Make().String(), pattern, now); err != nil {
			return fmt.Errorf("seed scrub rule %s: %w", pattern, err)
		}
	}
	return tx.Commit()
}
