// Package scheduler turns stored deferred tasks into timed rule toggles.
//
// One Service instance owns all timers. A task has no cancelled state:
// cancellation deletes it from the store, and a timer that fires afterwards
// re-reads the task by ID and silently does nothing when it is gone or already
// completed. That check-then-act step is what makes late fires harmless.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"routerctl/internal/rules"
	"routerctl/internal/tasks"
)

// ErrNotRunning is returned by Schedule once the service is stopped or before
// it is started.
var ErrNotRunning = errors.New("scheduler not running")

// Toggler is the slice of the rule engine the scheduler drives.
type Toggler interface {
	Toggle(ctx context.Context, uid string, enable bool) (rules.Rule, error)
}

// Service executes deferred tasks. Construct with New, then Start once;
// Stop waits for in-flight executions within the caller's context deadline.
type Service struct {
	store   tasks.Store
	toggler Toggler
	log     zerolog.Logger

	// now is swappable in tests.
	now func() time.Time

	// onExecuted, when set, observes successfully executed tasks.
	onExecuted func(tasks.Task)

	mu        sync.Mutex
	accepting bool
	runCtx    context.Context
	runCancel context.CancelFunc
	execWG    sync.WaitGroup

	tmu    sync.Mutex
	timers map[string]*time.Timer
}

func New(store tasks.Store, toggler Toggler, log zerolog.Logger) *Service {
	return &Service{
		store:   store,
		toggler: toggler,
		log:     log,
		now:     time.Now,
		timers:  map[string]*time.Timer{},
	}
}

// SetExecutedHook installs an observer for completed executions. Call before
// Start.
func (s *Service) SetExecutedHook(fn func(tasks.Task)) {
	s.onExecuted = fn
}

// Start runs overdue recovery and arms timers for the remaining pending
// tasks. Tasks whose due time has already passed are executed synchronously,
// in no particular order, before Start returns.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.accepting {
		s.mu.Unlock()
		return nil
	}
	s.runCtx, s.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	s.accepting = true
	s.mu.Unlock()

	now := s.now()

	overdue, err := s.store.FindDueBefore(ctx, now)
	if err != nil {
		return err
	}
	for _, t := range overdue {
		s.log.Info().Str("task", t.ID).Str("rule", t.RuleUID).Time("due", t.DueAt).Msg("executing overdue task")
		s.execute(t.ID)
	}

	all, err := s.store.FindAll(ctx)
	if err != nil {
		return err
	}
	armed := 0
	for _, t := range all {
		// Overdue incomplete tasks were just attempted; a failed attempt stays
		// incomplete and is not re-armed here.
		if t.Completed || !t.DueAt.After(now) {
			continue
		}
		s.arm(t.ID, t.DueAt.Sub(now))
		armed++
	}
	s.log.Info().Int("recovered", len(overdue)).Int("armed", armed).Msg("scheduler started")
	return nil
}

// Stop rejects new work, drops all timers and waits for in-flight executions
// until ctx expires, then force-cancels them. Pending tasks stay in the store
// for the next startup's recovery scan.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.accepting {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	cancel := s.runCancel
	s.mu.Unlock()

	s.tmu.Lock()
	for _, tm := range s.timers {
		tm.Stop()
	}
	s.timers = map[string]*time.Timer{}
	s.tmu.Unlock()

	done := make(chan struct{})
	go func() {
		s.execWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn().Msg("scheduler stop grace period expired, cancelling in-flight tasks")
	}
	if cancel != nil {
		cancel()
	}
	s.log.Info().Msg("scheduler stopped")
}

// Schedule registers a deferred state change for the rule, superseding any
// existing tasks for it: all prior tasks of the rule are deleted first, so at
// most one incomplete task per rule ever exists. A zero or negative delay
// executes immediately and synchronously instead of arming a timer.
func (s *Service) Schedule(ctx context.Context, ruleUID string, targetState bool, minutes int) (tasks.Task, error) {
	s.mu.Lock()
	accepting := s.accepting
	s.mu.Unlock()
	if !accepting {
		return tasks.Task{}, ErrNotRunning
	}

	if err := s.store.DeleteByRuleUID(ctx, ruleUID); err != nil {
		return tasks.Task{}, err
	}

	now := s.now()
	t := tasks.New(ruleUID, targetState, now.Add(time.Duration(minutes)*time.Minute), now)
	if err := s.store.Save(ctx, t); err != nil {
		return tasks.Task{}, err
	}

	if delay := t.DueAt.Sub(now); delay > 0 {
		s.arm(t.ID, delay)
		s.log.Info().
			Str("task", t.ID).
			Str("rule", ruleUID).
			Bool("target", targetState).
			Time("due", t.DueAt).
			Msg("task scheduled")
	} else {
		s.execute(t.ID)
	}
	return t, nil
}

// Cancel deletes all tasks for the rule. An already-armed timer is not
// touched; its callback finds the task gone and no-ops.
func (s *Service) Cancel(ctx context.Context, ruleUID string) error {
	if err := s.store.DeleteByRuleUID(ctx, ruleUID); err != nil {
		return err
	}
	s.log.Info().Str("rule", ruleUID).Msg("scheduled tasks cancelled")
	return nil
}

// Active returns all incomplete tasks.
func (s *Service) Active(ctx context.Context) ([]tasks.Task, error) {
	all, err := s.store.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]tasks.Task, 0, len(all))
	for _, t := range all {
		if !t.Completed {
			out = append(out, t)
		}
	}
	return out, nil
}

// ActiveForRule returns the rule's incomplete tasks, soonest first.
func (s *Service) ActiveForRule(ctx context.Context, ruleUID string) ([]tasks.Task, error) {
	byRule, err := s.store.FindByRuleUID(ctx, ruleUID)
	if err != nil {
		return nil, err
	}
	out := make([]tasks.Task, 0, len(byRule))
	for _, t := range byRule {
		if !t.Completed {
			out = append(out, t)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].DueAt.Before(out[j-1].DueAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

// SweepOverdue executes every incomplete task whose due time has passed. The
// periodic sweep job uses it as a safety net for timers lost to clock jumps
// or missed fires; it cannot tell a missed timer from an earlier failed run,
// so failed tasks get re-attempted once they are overdue.
func (s *Service) SweepOverdue(ctx context.Context) error {
	overdue, err := s.store.FindDueBefore(ctx, s.now())
	if err != nil {
		return err
	}
	for _, t := range overdue {
		s.execute(t.ID)
	}
	return nil
}

func (s *Service) arm(id string, delay time.Duration) {
	tm := time.AfterFunc(delay, func() { s.fire(id) })
	s.tmu.Lock()
	s.timers[id] = tm
	s.tmu.Unlock()
}

// fire is the timer callback. The WaitGroup add is guarded by the accepting
// flag so Stop cannot race a late Add against its Wait.
func (s *Service) fire(id string) {
	s.tmu.Lock()
	delete(s.timers, id)
	s.tmu.Unlock()

	s.mu.Lock()
	if !s.accepting {
		s.mu.Unlock()
		return
	}
	s.execWG.Add(1)
	s.mu.Unlock()
	defer s.execWG.Done()

	s.execute(id)
}

// execute re-reads the task by ID right before acting: a task deleted or
// completed in the meantime is skipped silently. On toggle failure the task
// is left incomplete and nothing retries it.
func (s *Service) execute(id string) {
	ctx := s.execCtx()

	t, ok, err := s.store.FindByID(ctx, id)
	if err != nil {
		s.log.Error().Err(err).Str("task", id).Msg("task lookup failed")
		return
	}
	if !ok || t.Completed {
		s.log.Debug().Str("task", id).Msg("task gone or already completed, skipping")
		return
	}

	if _, err := s.toggler.Toggle(ctx, t.RuleUID, t.TargetState); err != nil {
		s.log.Error().Err(err).
			Str("task", t.ID).
			Str("rule", t.RuleUID).
			Bool("target", t.TargetState).
			Msg("deferred toggle failed, task left incomplete")
		return
	}
	if err := s.store.MarkCompleted(ctx, t.ID); err != nil {
		s.log.Error().Err(err).Str("task", t.ID).Msg("failed to mark task completed")
		return
	}
	s.log.Info().
		Str("task", t.ID).
		Str("rule", t.RuleUID).
		Bool("target", t.TargetState).
		Msg("deferred toggle executed")
	if s.onExecuted != nil {
		s.onExecuted(t)
	}
}

func (s *Service) execCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx != nil {
		return s.runCtx
	}
	return context.Background()
}
