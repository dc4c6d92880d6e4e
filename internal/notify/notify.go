// Package notify pushes rule-change events to a Telegram chat. Delivery is
// asynchronous and best-effort: a full queue drops the event rather than
// blocking the rule engine.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"routerctl/internal/tasks"
)

type Config struct {
	Enabled    bool
	Token      string
	ChatID     int64
	RatePerSec int
}

// Service is the notification pipeline. A nil *Service is a valid no-op
// notifier, so callers never need to branch on whether notifications are
// configured.
type Service struct {
	cfg     Config
	bot     *tele.Bot
	log     zerolog.Logger
	limiter *rate.Limiter

	queue chan string

	mu        sync.Mutex
	accepting bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New returns nil when notifications are disabled.
func New(cfg Config, log zerolog.Logger) (*Service, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.Token == "" || cfg.ChatID == 0 {
		return nil, fmt.Errorf("notify: token and chat_id are required when enabled")
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 3
	}

	bot, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, fmt.Errorf("notify: %w", err)
	}
	return &Service{
		cfg:     cfg,
		bot:     bot,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		queue:   make(chan string, 256),
	}, nil
}

func (s *Service) Start(ctx context.Context) {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.accepting {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.accepting = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.worker(runCtx)
	}()
}

// Stop drains nothing: queued but unsent messages are dropped, they are
// informational only.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if !s.accepting {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
}

func (s *Service) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.queue:
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			if _, err := s.bot.Send(tele.ChatID(s.cfg.ChatID), msg); err != nil {
				s.log.Debug().Err(err).Msg("notification send failed")
			}
		}
	}
}

func (s *Service) enqueue(msg string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	accepting := s.accepting
	s.mu.Unlock()
	if !accepting {
		return
	}
	select {
	case s.queue <- msg:
	default:
		s.log.Debug().Msg("notification dropped (queue full)")
	}
}

// RuleToggled reports a confirmed state change. source names the actor, e.g.
// "api" or "scheduler".
func (s *Service) RuleToggled(description, uid string, enabled bool, source string) {
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	if description == "" {
		description = uid
	}
	s.enqueue(fmt.Sprintf("Rule %q %s (%s)", description, state, source))
}

// TaskExecuted reports a deferred task that ran to completion.
func (s *Service) TaskExecuted(t tasks.Task) {
	state := "disabled"
	if t.TargetState {
		state = "enabled"
	}
	s.enqueue(fmt.Sprintf("Scheduled change applied: rule %s %s (was due %s)",
		t.RuleUID, state, t.DueAt.Format(time.RFC3339)))
}
