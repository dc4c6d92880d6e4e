// Package tasks persists deferred rule-state changes.
//
// A task is a one-shot, time-triggered instruction to put a specific rule into
// a specific state. The scheduler enforces at-most-one incomplete task per
// rule by deleting all of a rule's tasks before inserting a new one;
// cancellation is plain deletion, there is no cancelled state.
package tasks

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Task is one deferred rule-state change. Completed only ever transitions
// false -> true.
type Task struct {
	ID          string
	RuleUID     string
	TargetState bool
	DueAt       time.Time
	CreatedAt   time.Time
	Completed   bool
}

// New builds a pending task with a generated ID.
func New(ruleUID string, targetState bool, dueAt, now time.Time) Task {
	return Task{
		ID:          uuid.NewString(),
		RuleUID:     ruleUID,
		TargetState: targetState,
		DueAt:       dueAt,
		CreatedAt:   now,
	}
}

// Store is the persistence boundary for deferred tasks.
//
// MarkCompleted is idempotent: absent or already-completed IDs are a no-op.
// DeleteByRuleUID removes every task for the rule, completed or not; that is
// how supersession and cancellation are implemented. FindDueBefore is
// inclusive of the cutoff, matching the scheduler's arming condition so a
// task due exactly at startup is recovered rather than left for the sweep.
type Store interface {
	Save(ctx context.Context, t Task) error
	FindByID(ctx context.Context, id string) (Task, bool, error)
	FindAll(ctx context.Context) ([]Task, error)
	FindByRuleUID(ctx context.Context, ruleUID string) ([]Task, error)
	FindDueBefore(ctx context.Context, now time.Time) ([]Task, error)
	DeleteByRuleUID(ctx context.Context, ruleUID string) error
	MarkCompleted(ctx context.Context, id string) error
	Close() error
}

// Config selects the task store backend.
//
// Driver values:
//   - "" or "memory": in-process map, tasks are lost on restart
//   - "sqlite": SQLite database file, tasks survive a restart and feed the
//     startup overdue-recovery scan
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Open initializes the configured store.
func Open(cfg Config, log zerolog.Logger) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown task store driver: " + cfg.Driver)
	}
}
