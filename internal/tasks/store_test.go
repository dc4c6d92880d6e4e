package tasks

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// storeTest runs the same behavioral checks against any Store driver.
func storeTest(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	t.Run("save and find", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		task := New("*1", true, now.Add(time.Hour), now)
		if err := s.Save(ctx, task); err != nil {
			t.Fatalf("Save: %v", err)
		}

		got, ok, err := s.FindByID(ctx, task.ID)
		if err != nil || !ok {
			t.Fatalf("FindByID: ok=%v err=%v", ok, err)
		}
		if got.RuleUID != "*1" || !got.TargetState || got.Completed {
			t.Errorf("roundtrip mismatch: %+v", got)
		}
		if !got.DueAt.Equal(task.DueAt) {
			t.Errorf("DueAt = %v, want %v", got.DueAt, task.DueAt)
		}

		if _, ok, _ := s.FindByID(ctx, "missing"); ok {
			t.Errorf("found a task that was never saved")
		}
	})

	t.Run("due before filters completed", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		overdue := New("*1", false, now.Add(-time.Minute), now)
		done := New("*2", false, now.Add(-time.Minute), now)
		future := New("*3", false, now.Add(time.Hour), now)
		exact := New("*4", false, now, now)
		for _, task := range []Task{overdue, done, future, exact} {
			if err := s.Save(ctx, task); err != nil {
				t.Fatalf("Save: %v", err)
			}
		}
		if err := s.MarkCompleted(ctx, done.ID); err != nil {
			t.Fatalf("MarkCompleted: %v", err)
		}

		due, err := s.FindDueBefore(ctx, now)
		if err != nil {
			t.Fatalf("FindDueBefore: %v", err)
		}
		// The cutoff is inclusive: a task due exactly now is already due.
		if len(due) != 2 {
			t.Fatalf("FindDueBefore = %+v, want the overdue and exactly-due tasks", due)
		}
		for _, task := range due {
			if task.ID != overdue.ID && task.ID != exact.ID {
				t.Errorf("unexpected task in FindDueBefore: %+v", task)
			}
		}
	})

	t.Run("delete by rule", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		keep := New("*2", true, now.Add(time.Hour), now)
		for _, task := range []Task{New("*1", true, now.Add(time.Hour), now), New("*1", false, now.Add(2*time.Hour), now), keep} {
			if err := s.Save(ctx, task); err != nil {
				t.Fatalf("Save: %v", err)
			}
		}

		if err := s.DeleteByRuleUID(ctx, "*1"); err != nil {
			t.Fatalf("DeleteByRuleUID: %v", err)
		}
		all, err := s.FindAll(ctx)
		if err != nil {
			t.Fatalf("FindAll: %v", err)
		}
		if len(all) != 1 || all[0].ID != keep.ID {
			t.Errorf("FindAll after delete = %+v, want only %s", all, keep.ID)
		}
	})

	t.Run("mark completed idempotent", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		task := New("*1", true, now.Add(time.Hour), now)
		if err := s.Save(ctx, task); err != nil {
			t.Fatalf("Save: %v", err)
		}

		for i := 0; i < 2; i++ {
			if err := s.MarkCompleted(ctx, task.ID); err != nil {
				t.Fatalf("MarkCompleted #%d: %v", i+1, err)
			}
		}
		if err := s.MarkCompleted(ctx, "missing"); err != nil {
			t.Fatalf("MarkCompleted on absent id: %v", err)
		}

		got, _, _ := s.FindByID(ctx, task.ID)
		if !got.Completed {
			t.Errorf("task not completed")
		}
	})

	t.Run("find by rule", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		mine := New("*1", true, now.Add(time.Hour), now)
		other := New("*2", true, now.Add(time.Hour), now)
		for _, task := range []Task{mine, other} {
			if err := s.Save(ctx, task); err != nil {
				t.Fatalf("Save: %v", err)
			}
		}

		got, err := s.FindByRuleUID(ctx, "*1")
		if err != nil {
			t.Fatalf("FindByRuleUID: %v", err)
		}
		if len(got) != 1 || got[0].ID != mine.ID {
			t.Errorf("FindByRuleUID = %+v, want only %s", got, mine.ID)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	storeTest(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestSQLiteStore(t *testing.T) {
	storeTest(t, func(t *testing.T) Store {
		s, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "tasks.db")}, zerolog.Nop())
		if err != nil {
			t.Fatalf("open sqlite store: %v", err)
		}
		return s
	})
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tasks.db")
	cfg := Config{Driver: "sqlite", Path: path, BusyTimeout: time.Second}

	s, err := Open(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	task := New("*1", true, time.Now().Add(time.Hour), time.Now())
	if err := s.Save(ctx, task); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = Open(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	got, ok, err := s.FindByID(ctx, task.ID)
	if err != nil || !ok {
		t.Fatalf("FindByID after reopen: ok=%v err=%v", ok, err)
	}
	if got.RuleUID != "*1" || got.Completed {
		t.Errorf("reloaded task mismatch: %+v", got)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "postgres"}, zerolog.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
