package web

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"routerctl/internal/rules"
	"routerctl/internal/scheduler"
	"routerctl/internal/tasks"
)

type ruleDTO struct {
	UID          string `json:"uid"`
	Kind         string `json:"kind"`
	RuleNumber   string `json:"ruleNumber"`
	Description  string `json:"description"`
	Group        string `json:"group"`
	Enabled      bool   `json:"enabled"`
	AutoOff      bool   `json:"autoOff"`
	AutoOn       bool   `json:"autoOn"`
	Scheduled    bool   `json:"scheduled"`
	InactiveTime bool   `json:"inactiveTime"`
	HideToggle   bool   `json:"hideToggle,omitempty"`
}

func toRuleDTO(r rules.Rule) ruleDTO {
	return ruleDTO{
		UID:          r.UID,
		Kind:         string(r.Kind),
		RuleNumber:   r.RuleNumber,
		Description:  r.Description,
		Group:        r.Group,
		Enabled:      r.Enabled,
		AutoOff:      r.AutoOff,
		AutoOn:       r.AutoOn,
		Scheduled:    r.Scheduled,
		InactiveTime: r.InactiveTime,
		HideToggle:   r.HideToggle,
	}
}

type taskDTO struct {
	ID               string    `json:"id"`
	RuleUID          string    `json:"ruleUid"`
	TargetState      bool      `json:"targetState"`
	DueAt            time.Time `json:"dueAt"`
	CreatedAt        time.Time `json:"createdAt"`
	Completed        bool      `json:"completed"`
	RemainingMinutes int       `json:"remainingMinutes"`
}

func toTaskDTO(t tasks.Task, now time.Time) taskDTO {
	rem := int(t.DueAt.Sub(now).Minutes())
	if rem < 0 {
		rem = 0
	}
	return taskDTO{
		ID:               t.ID,
		RuleUID:          t.RuleUID,
		TargetState:      t.TargetState,
		DueAt:            t.DueAt,
		CreatedAt:        t.CreatedAt,
		Completed:        t.Completed,
		RemainingMinutes: rem,
	}
}

// writeErr maps domain errors onto HTTP statuses: unknown rule is 404, a
// failed device call is 503, everything else 500.
func (s *Server) writeErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, rules.ErrRuleNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "rule not found"})
	case rules.IsDeviceError(err) || errors.Is(err, scheduler.ErrNotRunning):
		s.log.Error().Err(err).Msg("device unavailable")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "router unavailable"})
	default:
		s.log.Error().Err(err).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (s *Server) handleListRules(c *gin.Context) {
	all := s.ruleSvc.List()
	out := make([]ruleDTO, 0, len(all))
	for _, r := range all {
		out = append(out, toRuleDTO(r))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetRule(c *gin.Context) {
	r, err := s.ruleSvc.Get(c.Request.Context(), c.Param("uid"))
	if err != nil {
		s.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, toRuleDTO(r))
}

// handleToggleRule applies an immediate state change. Any pending deferred
// task for the rule is cancelled first so a manual toggle always wins over a
// stale timer.
func (s *Server) handleToggleRule(c *gin.Context) {
	uid := c.Param("uid")
	enable, err := strconv.ParseBool(c.Query("enable"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query parameter enable must be true or false"})
		return
	}

	ctx := c.Request.Context()
	if err := s.taskSvc.Cancel(ctx, uid); err != nil {
		s.writeErr(c, err)
		return
	}
	r, err := s.ruleSvc.Toggle(ctx, uid, enable)
	if err != nil {
		s.writeErr(c, err)
		return
	}
	s.notifier.RuleToggled(r.Description, r.UID, r.Enabled, "api")
	c.JSON(http.StatusOK, toRuleDTO(r))
}

type bulkToggleRequest struct {
	Enable  bool     `json:"enable"`
	RuleIDs []string `json:"ruleIds"`
}

type bulkToggleResult struct {
	UID   string   `json:"uid"`
	Rule  *ruleDTO `json:"rule,omitempty"`
	Error string   `json:"error,omitempty"`
}

// handleToggleBulk toggles the rules named in ruleIds, in the order given;
// an empty selection means every managed rule. Per-rule failures are reported
// in the response instead of aborting the batch.
func (s *Server) handleToggleBulk(c *gin.Context) {
	var req bulkToggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"enable\": bool, \"ruleIds\": [...]}"})
		return
	}

	uids := req.RuleIDs
	if len(uids) == 0 {
		// Rules with a hidden toggle are excluded from the select-all default:
		// the bulk switch mirrors what the UI exposes. An explicit selection
		// is taken as-is.
		uids = make([]string, 0)
		for _, r := range s.ruleSvc.List() {
			if r.HideToggle {
				continue
			}
			uids = append(uids, r.UID)
		}
	}
	results := s.ruleSvc.ToggleAll(c.Request.Context(), uids, req.Enable)
	out := make([]bulkToggleResult, 0, len(results))
	failed := 0
	for _, res := range results {
		item := bulkToggleResult{UID: res.UID}
		if res.Err != nil {
			item.Error = res.Err.Error()
			failed++
		} else {
			dto := toRuleDTO(res.Rule)
			item.Rule = &dto
		}
		out = append(out, item)
	}
	status := http.StatusOK
	if failed > 0 {
		status = http.StatusMultiStatus
	}
	c.JSON(status, gin.H{"results": out, "failed": failed})
}

type scheduleRequest struct {
	TargetState bool `json:"targetState"`
	Minutes     int  `json:"minutes" binding:"required"`
}

// handleScheduleRule registers a deferred state change, replacing any pending
// task for the rule.
func (s *Server) handleScheduleRule(c *gin.Context) {
	uid := c.Param("uid")
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Minutes < 1 {
		// Immediate changes go through the toggle endpoint; a schedule always
		// lies in the future.
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"targetState\": bool, \"minutes\": n>=1}"})
		return
	}

	ctx := c.Request.Context()
	// Reject schedules for rules that do not exist instead of storing an
	// orphan task.
	if _, err := s.ruleSvc.Get(ctx, uid); err != nil {
		s.writeErr(c, err)
		return
	}

	t, err := s.taskSvc.Schedule(ctx, uid, req.TargetState, req.Minutes)
	if err != nil {
		s.writeErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, toTaskDTO(t, time.Now()))
}

func (s *Server) handleRuleTasks(c *gin.Context) {
	list, err := s.taskSvc.ActiveForRule(c.Request.Context(), c.Param("uid"))
	if err != nil {
		s.writeErr(c, err)
		return
	}
	now := time.Now()
	out := make([]taskDTO, 0, len(list))
	for _, t := range list {
		out = append(out, toTaskDTO(t, now))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleCancelRuleTasks(c *gin.Context) {
	if err := s.taskSvc.Cancel(c.Request.Context(), c.Param("uid")); err != nil {
		s.writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListTasks(c *gin.Context) {
	list, err := s.taskSvc.Active(c.Request.Context())
	if err != nil {
		s.writeErr(c, err)
		return
	}
	now := time.Now()
	out := make([]taskDTO, 0, len(list))
	for _, t := range list {
		out = append(out, toTaskDTO(t, now))
	}
	c.JSON(http.StatusOK, out)
}

type groupDTO struct {
	Key      string `json:"key"`
	Name     string `json:"name"`
	Order    int    `json:"order"`
	Expanded bool   `json:"expanded"`
}

func (s *Server) handleListGroups(c *gin.Context) {
	entries := s.cfg().SortedGroups()
	out := make([]groupDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, groupDTO{
			Key:      e.Key,
			Name:     e.Config.Name,
			Order:    e.Config.Order,
			Expanded: e.Config.Expanded,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleSpeedtestRun(c *gin.Context) {
	if s.speed == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "speedtest disabled"})
		return
	}
	res, err := s.speed.Run(c.Request.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("speedtest failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "speedtest failed"})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleSpeedtestHistory(c *gin.Context) {
	if s.speed == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "speedtest disabled"})
		return
	}
	hist, err := s.speed.History()
	if err != nil {
		s.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, hist)
}
