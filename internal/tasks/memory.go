package tasks

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the default task store: a mutex-guarded map. Values are
// copied in and out, so callers never share memory with the store.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: map[string]Task{}}
}

func (s *MemoryStore) Save(_ context.Context, t Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
	return nil
}

func (s *MemoryStore) FindByID(_ context.Context, id string) (Task, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	return t, ok, nil
}

func (s *MemoryStore) FindAll(_ context.Context) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (s *MemoryStore) FindByRuleUID(_ context.Context, ruleUID string) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Task
	for _, t := range s.tasks {
		if t.RuleUID == ruleUID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *MemoryStore) FindDueBefore(_ context.Context, now time.Time) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Task
	for _, t := range s.tasks {
		if !t.Completed && !t.DueAt.After(now) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteByRuleUID(_ context.Context, ruleUID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.tasks {
		if t.RuleUID == ruleUID {
			delete(s.tasks, id)
		}
	}
	return nil
}

func (s *MemoryStore) MarkCompleted(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Completed {
		return nil
	}
	t.Completed = true
	s.tasks[id] = t
	return nil
}

func (s *MemoryStore) Close() error { return nil }
