// Package web is the HTTP API: JWT-protected rule, task and group endpoints
// on top of gin.
package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"routerctl/internal/config"
	"routerctl/internal/notify"
	"routerctl/internal/rules"
	"routerctl/internal/speedtest"
	"routerctl/internal/tasks"
)

// RuleService is the slice of the rule engine the API exposes.
type RuleService interface {
	List() []rules.Rule
	Get(ctx context.Context, uid string) (rules.Rule, error)
	Toggle(ctx context.Context, uid string, enable bool) (rules.Rule, error)
	ToggleAll(ctx context.Context, uids []string, enable bool) []rules.ToggleResult
}

// TaskService is the slice of the scheduler the API exposes.
type TaskService interface {
	Schedule(ctx context.Context, ruleUID string, targetState bool, minutes int) (tasks.Task, error)
	Cancel(ctx context.Context, ruleUID string) error
	Active(ctx context.Context) ([]tasks.Task, error)
	ActiveForRule(ctx context.Context, ruleUID string) ([]tasks.Task, error)
}

type Server struct {
	// cfg returns the live config so hot reloads of users, secret and groups
	// apply without a restart.
	cfg func() *config.Config

	ruleSvc RuleService
	taskSvc TaskService
	// speed is nil when the speedtest feature is disabled; notifier is nil
	// when notifications are disabled.
	speed    *speedtest.Service
	notifier *notify.Service
	log      zerolog.Logger

	srv *http.Server
}

func NewServer(cfg func() *config.Config, ruleSvc RuleService, taskSvc TaskService, speed *speedtest.Service, notifier *notify.Service, log zerolog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		ruleSvc:  ruleSvc,
		taskSvc:  taskSvc,
		speed:    speed,
		notifier: notifier,
		log:      log,
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.POST("/auth/login", s.handleLogin)
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	api := r.Group("/api", s.requireAuth)
	{
		api.GET("/rules", s.handleListRules)
		api.GET("/rules/:uid", s.handleGetRule)
		api.POST("/rules/:uid/toggle", s.handleToggleRule)
		api.POST("/bulk/toggle", s.handleToggleBulk)
		api.POST("/rules/:uid/schedule", s.handleScheduleRule)
		api.GET("/rules/:uid/scheduled-tasks", s.handleRuleTasks)
		api.DELETE("/rules/:uid/scheduled-tasks", s.handleCancelRuleTasks)
		api.GET("/tasks", s.handleListTasks)
		api.GET("/groups", s.handleListGroups)

		api.POST("/speedtest/run", s.handleSpeedtestRun)
		api.GET("/speedtest/history", s.handleSpeedtestHistory)
	}

	addr := cfg().Web.Addr
	if addr == "" {
		addr = ":8080"
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Shutdown; it returns nil on clean shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("http server listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("http request")
	}
}
