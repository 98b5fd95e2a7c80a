package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/CassiopeiaCode/gemini-business2api/internal/task"
)

// accountView is the redacted account shape the operator API serves. Session
// cookies and mailbox secrets never leave the process.
type accountView struct {
	ID             string  `json:"id"`
	ExpiresAt      string  `json:"expires_at"`
	RemainingHours float64 `json:"remaining_hours"`
	Expired        bool    `json:"expired"`
	Disabled       bool    `json:"disabled"`
	Failures       int     `json:"failures"`
	Retryable      bool    `json:"retryable"`
	MailProvider   string  `json:"mail_provider,omitempty"`
}

func (s *Server) handleListAccounts(c *gin.Context) {
	records, err := s.pool.List()
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err.Error())
		return
	}

	now := time.Now()
	views := make([]accountView, 0, len(records))
	for _, r := range records {
		views = append(views, accountView{
			ID:             r.ID,
			ExpiresAt:      r.ExpiresAt.Format("2006-01-02 15:04:05"),
			RemainingHours: r.RemainingHours(now),
			Expired:        r.IsExpired(now),
			Disabled:       r.Disabled,
			Failures:       s.creds.Failures(r.ID),
			Retryable:      s.creds.ShouldRetry(r.ID),
			MailProvider:   string(r.MailProvider),
		})
	}
	c.JSON(http.StatusOK, gin.H{"total": len(views), "accounts": views})
}

func (s *Server) handlePoolHealth(c *gin.Context) {
	h, err := s.pool.Health()
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	s.metrics.SetPoolGauges(h.Total, h.Available)
	c.JSON(http.StatusOK, gin.H{
		"total":       h.Total,
		"available":   h.Available,
		"unavailable": h.Unavailable,
	})
}

func (s *Server) handleStartLogin(c *gin.Context) {
	var body struct {
		Accounts []string `json:"accounts"`
	}
	// An empty body means "refresh everything refreshable".
	if err := c.ShouldBindJSON(&body); err != nil && c.Request.ContentLength > 0 {
		s.fail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	t, err := s.orch.StartLogin(body.Accounts)
	if err != nil {
		s.taskStartError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": t.ID})
}

func (s *Server) handleStartRegister(c *gin.Context) {
	var body struct {
		Count int `json:"count"`
	}
	if err := c.ShouldBindJSON(&body); err != nil && c.Request.ContentLength > 0 {
		s.fail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.Count <= 0 {
		body.Count = s.cfg.Tasks.RegisterDefaultCount
	}

	t, err := s.orch.StartRegister(body.Count)
	if err != nil {
		s.taskStartError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": t.ID})
}

func (s *Server) taskStartError(c *gin.Context, err error) {
	if errors.Is(err, task.ErrAlreadyRunning) {
		s.fail(c, http.StatusConflict, err.Error())
		return
	}
	s.fail(c, http.StatusInternalServerError, err.Error())
}

func (s *Server) handleListTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": s.orch.List()})
}

func (s *Server) handleGetTask(c *gin.Context) {
	snap, ok := s.orch.Get(c.Param("id"))
	if !ok {
		s.fail(c, http.StatusNotFound, "no such task")
		return
	}
	c.JSON(http.StatusOK, snap)
}
