// Package errlog keeps a bounded, insertion-ordered history of captured
// page failures.
package errlog

import (
	"sync"
	"time"

	"github.com/auditmos/pagewatch/logging"
	"github.com/oklog/ulid/v2"
)

const (
	DefaultMaxEntries = 100
	ModeDevelopment   = "development"
	ModeProduction    = "production"
)

// Sink receives every recorded entry, e.g. to archive it. A nil Sink on the
// store means entries never leave the process.
type Sink interface {
	Send(entry Entry) error
}

type SinkFunc func(entry Entry) error

func (f SinkFunc) Send(entry Entry) error { return f(entry) }

type Config struct {
	MaxEntries  int
	Mode        string
	Environment Environment
	Sink        Sink
	Logger      logging.Logger
	Now         func() time.Time
}

type Store struct {
	mu      sync.RWMutex
	entries []Entry
	max     int
	evicted uint64

	dev    bool
	env    Environment
	sink   Sink
	logger logging.Logger
	now    func() time.Time
}

func NewStore(cfg Config) *Store {
	max := cfg.MaxEntries
	if max <= 0 {
		max = DefaultMaxEntries
	}
	env := cfg.Environment
	if env == nil {
		env = StaticEnvironment{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Store{
		entries: make([]Entry, 0, max),
		max:     max,
		dev:     cfg.Mode == ModeDevelopment,
		env:     env,
		sink:    cfg.Sink,
		logger:  logging.OrNop(cfg.Logger),
		now:     now,
	}
}

// Record appends an entry built from err. The message is err's text and the
// stack trace is err's own trace when it carries one, otherwise the caller's
// stack. An empty category means CategoryRuntime. Record never fails.
func (s *Store) Record(err error, category Category, extra Extra) Entry {
	if err == nil {
		return s.append(newEntry("unknown error", "", category, extra))
	}
	return s.append(newEntry(safeMessage(err), stackOf(err, 2), category, extra))
}

// RecordMessage appends an entry for a bare message; it has no stack trace.
func (s *Store) RecordMessage(msg string, category Category, extra Extra) Entry {
	return s.append(newEntry(msg, "", category, extra))
}

func newEntry(msg, stack string, category Category, extra Extra) Entry {
	if category == "" {
		category = CategoryRuntime
	}
	return Entry{
		Category:   category,
		Message:    msg,
		StackTrace: stack,
		Extra:      extra.clone(),
	}
}

func (s *Store) append(e Entry) Entry {
	e.SourceURL, e.ClientAgent = s.environment()

	s.mu.Lock()
	e.ID = ulid.Make().String()
	e.Timestamp = s.now()
	s.entries = append(s.entries, e)
	if over := len(s.entries) - s.max; over > 0 {
		// shift instead of reslicing so the backing array does not grow forever
		n := copy(s.entries, s.entries[over:])
		for i := n; i < len(s.entries); i++ {
			s.entries[i] = Entry{}
		}
		s.entries = s.entries[:n]
		s.evicted += uint64(over)
	}
	s.mu.Unlock()

	if s.dev {
		s.logger.WithFields(logging.Fields{
			"id":         e.ID,
			"category":   string(e.Category),
			"source_url": e.SourceURL,
			"has_stack":  e.HasStackTrace(),
		}).Warn("errlog", "record", e.Message)
	}

	if s.sink != nil {
		if err := s.sendToSink(e.clone()); err != nil {
			s.logger.WithError(err).WithFields(logging.Fields{"id": e.ID}).
				Error("errlog", "sink", "Failed to forward entry")
		}
	}

	return e.clone()
}

func (s *Store) sendToSink(e Entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return s.sink.Send(e)
}

func (s *Store) environment() (url, agent string) {
	defer func() {
		if recover() != nil {
			url, agent = "", ""
		}
	}()
	return s.env.SourceURL(), s.env.ClientAgent()
}

// All returns a copy of the entries, oldest first.
func (s *Store) All() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.clone()
	}
	return out
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.entries {
		s.entries[i] = Entry{}
	}
	s.entries = s.entries[:0]
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) Cap() int {
	return s.max
}

// Evicted reports how many entries were dropped to honour the cap.
func (s *Store) Evicted() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.evicted
}
