package storage

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/auditmos/pagewatch/errlog"
)

// ArchiveSink persists every entry recorded for one page session.
type ArchiveSink struct {
	repo      EntryRepo
	sessionID string
	scrubber  *Scrubber
}

func NewArchiveSink(repo EntryRepo, sessionID string, scrubber *Scrubber) *ArchiveSink {
	return &ArchiveSink{repo: repo, sessionID: sessionID, scrubber: scrubber}
}

func (a *ArchiveSink) Send(entry errlog.Entry) error {
	if a.scrubber != nil {
		entry.Extra = a.scrubber.ScrubExtra(entry.Extra)
	}
	archived := &ArchivedEntry{
		Entry:     entry,
		SessionID: a.sessionID,
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := a.repo.Save(archived); err != nil {
		return fmt.Errorf("archive entry: %w", err)
	}
	return nil
}

// JSONSink writes each entry as one JSON line.
type JSONSink struct {
	mu        sync.Mutex
	w         io.Writer
	sessionID string
	scrubber  *Scrubber
}

func NewJSONSink(w io.Writer, sessionID string, scrubber *Scrubber) *JSONSink {
	return &JSONSink{w: w, sessionID: sessionID, scrubber: scrubber}
}

func (j *JSONSink) Send(entry errlog.Entry) error {
	if j.scrubber != nil {
		entry.Extra = j.scrubber.ScrubExtra(entry.Extra)
	}
	extra, err := marshalExtra(entry.Extra)
	if err != nil {
		return err
	}
	entry.Extra = nil

	line := struct {
		errlog.Entry
		SessionID string          `json:"session_id,omitempty"`
		Extra     json.RawMessage `json:"extra,omitempty"`
	}{Entry: entry, SessionID: j.sessionID, Extra: extra}

	j.mu.Lock()
	defer j.mu.Unlock()
	return json.NewEncoder(j.w).Encode(line)
}

// MultiSink forwards to every sink and returns the first failure after all
// of them have run.
type MultiSink []errlog.Sink

func (m MultiSink) Send(entry errlog.Entry) error {
	var first error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Send(entry); err != nil && first == nil {
			first = err
		}
	}
	return first
}
