package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/auditmos/pagewatch/config"
	"github.com/auditmos/pagewatch/crypto"
	"github.com/auditmos/pagewatch/errlog"
	"github.com/auditmos/pagewatch/storage"
)

// runExport prints archived entries oldest first in the same format as a
// live export.
func runExport(w io.Writer, dbPath, sessionID string, limit int) error {
	db, err := storage.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer db.Close()

	repo := storage.NewSQLiteEntryRepo(db)
	var archived []*storage.ArchivedEntry
	if sessionID != "" {
		archived, err = repo.List(sessionID, limit)
	} else {
		archived, err = repo.ListAll(limit)
	}
	if err != nil {
		return fmt.Errorf("list entries: %w", err)
	}

	entries := make([]errlog.Entry, len(archived))
	for i, a := range archived {
		entries[len(archived)-1-i] = a.Entry
	}
	_, err = fmt.Fprintln(w, errlog.FormatEntries(entries))
	return err
}

func runSessions(w io.Writer, dbPath string, limit int) error {
	db, err := storage.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer db.Close()

	sessions, err := storage.NewSQLitePageSessionRepo(db).List(limit)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	entries := storage.NewSQLiteEntryRepo(db)

	if len(sessions) == 0 {
		fmt.Fprintln(w, "no sessions")
		return nil
	}
	for _, s := range sessions {
		count, err := entries.Count(s.ID)
		if err != nil {
			return fmt.Errorf("count entries: %w", err)
		}
		fmt.Fprintf(w, "%s  %-6s  %4d  %s  %s\n",
			s.ID, s.Status, count,
			time.UnixMilli(s.StartedAt).Format(time.RFC3339),
			s.URL)
	}
	return nil
}

// runOpen fetches a share and decrypts it with the key from the URL
// fragment.
func runOpen(ctx context.Context, w io.Writer, shareURL string) error {
	parsed, err := url.Parse(shareURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if parsed.Fragment == "" {
		return fmt.Errorf("missing decryption key in URL fragment")
	}
	shareID := strings.TrimPrefix(parsed.Path, "/shared/")
	if shareID == "" || shareID == parsed.Path {
		return fmt.Errorf("invalid share URL format")
	}

	key, err := crypto.DecodeKey(parsed.Fragment)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	apiURL := fmt.Sprintf("%s://%s/api/shares/%s", parsed.Scheme, parsed.Host, url.PathEscape(shareID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch share: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("fetch share: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var payload struct {
		Ciphertext []byte `json:"ciphertext"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("decode share: %w", err)
	}

	plaintext, err := crypto.Open(payload.Ciphertext, key, shareID)
	if err != nil {
		return fmt.Errorf("decrypt share: %w", err)
	}
	_, err = fmt.Fprintln(w, string(plaintext))
	return err
}

func runInitConfig(w io.Writer, path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if err := config.Save(config.DefaultConfig(), path); err != nil {
		return err
	}
	fmt.Fprintf(w, "wrote %s\n", path)
	return nil
}
