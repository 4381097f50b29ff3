package warden

import (
	"fmt"
	"strings"
	"sync"
)

// TriggerStore holds per-category sets of text keywords matched against
// decoded textual response bodies. Keywords are case-folded on load and
// duplicates collapse. Same reader/writer discipline as the rule store.
type TriggerStore struct {
	mu         sync.RWMutex
	categories map[uint8]map[string]struct{}
}

// NewTriggerStore creates an empty trigger store.
func NewTriggerStore() *TriggerStore {
	return &TriggerStore{categories: make(map[uint8]map[string]struct{})}
}

// LoadFromText loads newline-delimited keywords into the category.
// Empty lines are skipped. Returns the number of unique keywords added.
func (s *TriggerStore) LoadFromText(text string, category uint8, flushExisting bool) (loaded uint32, err error) {
	if category == 0 {
		return 0, fmt.Errorf("%w: category 0 is reserved", ErrConfig)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.categories[category]
	if set == nil || flushExisting {
		set = make(map[string]struct{})
		s.categories[category] = set
	}

	for _, line := range splitLines(text) {
		keyword := strings.ToLower(strings.TrimSpace(line))
		if keyword == "" {
			continue
		}
		if _, dup := set[keyword]; dup {
			continue
		}
		set[keyword] = struct{}{}
		loaded++
	}
	return loaded, nil
}

// UnloadCategory drops every trigger loaded into the category.
func (s *TriggerStore) UnloadCategory(category uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.categories, category)
}

// Count returns the number of triggers held for a category.
func (s *TriggerStore) Count(category uint8) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.categories[category])
}

// QueryText scans a textual body for any trigger of an enabled
// category. The first hit wins.
func (s *TriggerStore) QueryText(body []byte, enabled func(uint8) bool) (category uint8, keyword string, ok bool) {
	folded := strings.ToLower(string(body))

	s.mu.RLock()
	defer s.mu.RUnlock()

	for cat, set := range s.categories {
		if !enabled(cat) {
			continue
		}
		for kw := range set {
			if strings.Contains(folded, kw) {
				return cat, kw, true
			}
		}
	}
	return 0, "", false
}
