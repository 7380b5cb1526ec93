package storage

import (
	"strings"
	"sync"

	"github.com/auditmos/pagewatch/errlog"
)

const scrubValue = "***"

// Scrubber masks Extra values whose key matches a scrub rule. Keys match
// case-insensitively; nested maps are scrubbed too.
type Scrubber struct {
	mu       sync.RWMutex
	keys     map[string]struct{}
	ruleRepo ScrubRuleRepo
}

func NewScrubber(patterns ...string) *Scrubber {
	s := &Scrubber{keys: make(map[string]struct{})}
	for _, p := range patterns {
		s.keys[strings.ToLower(p)] = struct{}{}
	}
	return s
}

func NewScrubberWithRepo(repo ScrubRuleRepo) (*Scrubber, error) {
	s := &Scrubber{
		keys:     make(map[string]struct{}),
		ruleRepo: repo,
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scrubber) Reload() error {
	if s.ruleRepo == nil {
		return nil
	}
	rules, err := s.ruleRepo.GetAll()
	if err != nil {
		return err
	}

	keys := make(map[string]struct{}, len(rules))
	for _, rule := range rules {
		keys[strings.ToLower(rule.Pattern)] = struct{}{}
	}
	s.mu.Lock()
	s.keys = keys
	s.mu.Unlock()
	return nil
}

func (s *Scrubber) sensitive(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[strings.ToLower(key)]
	return ok
}

// ScrubExtra returns a scrubbed copy of extra; extra itself is untouched.
func (s *Scrubber) ScrubExtra(extra errlog.Extra) errlog.Extra {
	if extra == nil {
		return nil
	}
	return errlog.Extra(s.scrubMap(extra))
}

func (s *Scrubber) scrubMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if s.sensitive(k) {
			out[k] = scrubValue
			continue
		}
		out[k] = s.scrubValue(v)
	}
	return out
}

func (s *Scrubber) scrubValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return s.scrubMap(val)
	case errlog.Extra:
		return s.scrubMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = s.scrubValue(item)
		}
		return out
	}
	return v
}
