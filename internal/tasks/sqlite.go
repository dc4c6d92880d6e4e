package tasks

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// sqliteStore persists tasks in a SQLite file so pending state changes
// survive a process restart and feed the startup overdue-recovery scan.
// Timestamps are stored as unix milliseconds.
type sqliteStore struct {
	db  *sql.DB
	log zerolog.Logger
}

func openSQLite(cfg Config, log zerolog.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("task store: sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Save(ctx context.Context, t Task) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deferred_tasks(id, rule_uid, target_state, due_at, created_at, completed)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   rule_uid=excluded.rule_uid, target_state=excluded.target_state,
		   due_at=excluded.due_at, created_at=excluded.created_at, completed=excluded.completed`,
		t.ID, t.RuleUID, boolInt(t.TargetState), t.DueAt.UnixMilli(), t.CreatedAt.UnixMilli(), boolInt(t.Completed),
	)
	return err
}

func (s *sqliteStore) FindByID(ctx context.Context, id string) (Task, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, rule_uid, target_state, due_at, created_at, completed
		 FROM deferred_tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, err
	}
	return t, true, nil
}

func (s *sqliteStore) FindAll(ctx context.Context) ([]Task, error) {
	return s.query(ctx,
		`SELECT id, rule_uid, target_state, due_at, created_at, completed
		 FROM deferred_tasks ORDER BY due_at`)
}

func (s *sqliteStore) FindByRuleUID(ctx context.Context, ruleUID string) ([]Task, error) {
	return s.query(ctx,
		`SELECT id, rule_uid, target_state, due_at, created_at, completed
		 FROM deferred_tasks WHERE rule_uid = ? ORDER BY due_at`, ruleUID)
}

func (s *sqliteStore) FindDueBefore(ctx context.Context, now time.Time) ([]Task, error) {
	return s.query(ctx,
		`SELECT id, rule_uid, target_state, due_at, created_at, completed
		 FROM deferred_tasks WHERE completed = 0 AND due_at <= ? ORDER BY due_at`,
		now.UnixMilli())
}

func (s *sqliteStore) DeleteByRuleUID(ctx context.Context, ruleUID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM deferred_tasks WHERE rule_uid = ?`, ruleUID)
	return err
}

func (s *sqliteStore) MarkCompleted(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE deferred_tasks SET completed = 1 WHERE id = ? AND completed = 0`, id)
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) query(ctx context.Context, q string, args ...any) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (Task, error) {
	var (
		t                 Task
		target, completed int
		dueMS, createdMS  int64
	)
	if err := r.Scan(&t.ID, &t.RuleUID, &target, &dueMS, &createdMS, &completed); err != nil {
		return Task{}, err
	}
	t.TargetState = target != 0
	t.Completed = completed != 0
	t.DueAt = time.UnixMilli(dueMS)
	t.CreatedAt = time.UnixMilli(createdMS)
	return t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
