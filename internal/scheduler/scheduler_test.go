package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"routerctl/internal/rules"
	"routerctl/internal/tasks"
)

type toggleCall struct {
	uid    string
	enable bool
}

type fakeToggler struct {
	mu    sync.Mutex
	calls []toggleCall
	err   error
}

func (f *fakeToggler) Toggle(_ context.Context, uid string, enable bool) (rules.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, toggleCall{uid: uid, enable: enable})
	if f.err != nil {
		return rules.Rule{}, f.err
	}
	return rules.Rule{UID: uid, Enabled: enable}, nil
}

func (f *fakeToggler) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestScheduler(t *testing.T) (*Service, *tasks.MemoryStore, *fakeToggler) {
	t.Helper()
	store := tasks.NewMemoryStore()
	tog := &fakeToggler{}
	s := New(store, tog, zerolog.Nop())
	return s, store, tog
}

func startScheduler(t *testing.T, s *Service) {
	t.Helper()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
}

func TestScheduleSupersedesPriorTask(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	startScheduler(t, s)
	ctx := context.Background()

	first, err := s.Schedule(ctx, "*1", false, 30)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	second, err := s.Schedule(ctx, "*1", true, 60)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	active, err := s.ActiveForRule(ctx, "*1")
	if err != nil {
		t.Fatalf("ActiveForRule: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("active tasks = %d, want 1", len(active))
	}
	if active[0].ID != second.ID {
		t.Errorf("surviving task = %s, want the newer %s (old %s)", active[0].ID, second.ID, first.ID)
	}
	if !active[0].TargetState {
		t.Errorf("surviving task has wrong target state")
	}
}

func TestScheduleZeroDelayExecutesSynchronously(t *testing.T) {
	s, store, tog := newTestScheduler(t)
	startScheduler(t, s)
	ctx := context.Background()

	task, err := s.Schedule(ctx, "*1", true, 0)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if tog.callCount() != 1 {
		t.Fatalf("toggler calls = %d, want 1", tog.callCount())
	}
	got, ok, _ := store.FindByID(ctx, task.ID)
	if !ok || !got.Completed {
		t.Errorf("task not completed after synchronous execution: ok=%v %+v", ok, got)
	}
}

func TestLateFireAfterCancelIsNoop(t *testing.T) {
	s, _, tog := newTestScheduler(t)
	startScheduler(t, s)
	ctx := context.Background()

	task, err := s.Schedule(ctx, "*1", true, 60)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := s.Cancel(ctx, "*1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	// Simulate the armed timer firing after the task is gone.
	s.fire(task.ID)

	if tog.callCount() != 0 {
		t.Errorf("late fire toggled the rule %d times, want 0", tog.callCount())
	}
}

func TestLateFireAfterCompletionIsNoop(t *testing.T) {
	s, store, tog := newTestScheduler(t)
	startScheduler(t, s)
	ctx := context.Background()

	task, err := s.Schedule(ctx, "*1", true, 60)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := store.MarkCompleted(ctx, task.ID); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	s.fire(task.ID)
	if tog.callCount() != 0 {
		t.Errorf("fire on completed task toggled the rule")
	}
}

func TestStartExecutesOverdueTasks(t *testing.T) {
	s, store, tog := newTestScheduler(t)
	ctx := context.Background()

	now := time.Now()
	overdue := tasks.New("*1", false, now.Add(-time.Hour), now.Add(-2*time.Hour))
	future := tasks.New("*2", true, now.Add(time.Hour), now)
	for _, task := range []tasks.Task{overdue, future} {
		if err := store.Save(ctx, task); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	startScheduler(t, s)

	if tog.callCount() != 1 {
		t.Fatalf("toggler calls after Start = %d, want 1", tog.callCount())
	}
	got, _, _ := store.FindByID(ctx, overdue.ID)
	if !got.Completed {
		t.Errorf("overdue task not completed by recovery")
	}
	fut, _, _ := store.FindByID(ctx, future.ID)
	if fut.Completed {
		t.Errorf("future task executed during recovery")
	}
}

func TestStartRecoversTaskDueExactlyNow(t *testing.T) {
	s, store, tog := newTestScheduler(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Millisecond)
	s.now = func() time.Time { return now }

	task := tasks.New("*1", false, now, now.Add(-time.Hour))
	if err := store.Save(ctx, task); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// A task due at the very instant of startup counts as overdue: the
	// recovery scan runs it instead of leaving it unarmed for the sweep.
	startScheduler(t, s)

	if tog.callCount() != 1 {
		t.Fatalf("toggler calls after Start = %d, want 1", tog.callCount())
	}
	got, _, _ := store.FindByID(ctx, task.ID)
	if !got.Completed {
		t.Errorf("exactly-due task not completed by recovery")
	}
}

func TestFailedExecutionStaysIncomplete(t *testing.T) {
	s, store, tog := newTestScheduler(t)
	tog.err = errors.New("router down")
	startScheduler(t, s)
	ctx := context.Background()

	task, err := s.Schedule(ctx, "*1", true, 0)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	got, _, _ := store.FindByID(ctx, task.ID)
	if got.Completed {
		t.Fatalf("failed execution marked the task completed")
	}

	// The periodic sweep re-attempts once the router is back.
	tog.mu.Lock()
	tog.err = nil
	tog.mu.Unlock()
	if err := s.SweepOverdue(ctx); err != nil {
		t.Fatalf("SweepOverdue: %v", err)
	}
	got, _, _ = store.FindByID(ctx, task.ID)
	if !got.Completed {
		t.Errorf("sweep did not complete the previously failed task")
	}
}

func TestScheduleRejectedWhenStopped(t *testing.T) {
	s, _, _ := newTestScheduler(t)

	if _, err := s.Schedule(context.Background(), "*1", true, 5); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("err before Start = %v, want ErrNotRunning", err)
	}

	startScheduler(t, s)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)

	if _, err := s.Schedule(context.Background(), "*1", true, 5); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("err after Stop = %v, want ErrNotRunning", err)
	}
}

func TestExecutedHookObservesCompletion(t *testing.T) {
	s, _, _ := newTestScheduler(t)

	var (
		mu       sync.Mutex
		observed []tasks.Task
	)
	s.SetExecutedHook(func(task tasks.Task) {
		mu.Lock()
		observed = append(observed, task)
		mu.Unlock()
	})
	startScheduler(t, s)

	if _, err := s.Schedule(context.Background(), "*1", true, 0); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(observed) != 1 || observed[0].RuleUID != "*1" {
		t.Fatalf("hook observed %+v, want one task for *1", observed)
	}
}
