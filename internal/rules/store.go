package rules

import "sync"

// Store keeps the current rule snapshots, preserving insertion order so the
// UI can group rules the way they were configured.
//
// Reads vastly outnumber writes. Values are copied on the way in and out, so
// a caller never observes a rule mid-update and cannot mutate stored state
// through a returned value. Updates are atomic per key; there is no delete.
type Store struct {
	mu    sync.RWMutex
	rules map[string]Rule
	order []string
}

func NewStore() *Store {
	return &Store{rules: map[string]Rule{}}
}

// Get returns the stored snapshot for uid.
func (s *Store) Get(uid string) (Rule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[uid]
	return r, ok
}

// List returns all rules in insertion order. The result is a fresh slice.
func (s *Store) List() []Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Rule, 0, len(s.order))
	for _, uid := range s.order {
		out = append(out, s.rules[uid])
	}
	return out
}

// Put upserts a rule by UID, overwriting the snapshot wholesale.
// A re-put keeps the rule's original position.
func (s *Store) Put(r Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(r)
}

// PutAll bulk-upserts rules preserving their relative order.
func (s *Store) PutAll(rs []Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rs {
		s.putLocked(r)
	}
}

func (s *Store) putLocked(r Rule) {
	if _, ok := s.rules[r.UID]; !ok {
		s.order = append(s.order, r.UID)
	}
	s.rules[r.UID] = r
}

// Len reports the number of stored rules.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rules)
}
