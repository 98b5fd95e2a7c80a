// Package gateway is the HTTP surface of the proxy: the OpenAI-compatible
// and Gemini-native chat endpoints plus the operator API.
package gateway

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/CassiopeiaCode/gemini-business2api/config"
	"github.com/CassiopeiaCode/gemini-business2api/internal/account"
	"github.com/CassiopeiaCode/gemini-business2api/internal/credential"
	"github.com/CassiopeiaCode/gemini-business2api/internal/metrics"
	"github.com/CassiopeiaCode/gemini-business2api/internal/session"
	"github.com/CassiopeiaCode/gemini-business2api/internal/task"
	"github.com/CassiopeiaCode/gemini-business2api/internal/translate"
	"github.com/CassiopeiaCode/gemini-business2api/internal/upstream"
)

// servedModels is what the model listing endpoints advertise. The upstream
// widget picks its own model, so the name here is an alias; whatever the
// client asked for is echoed back as the response's model version.
var servedModels = []string{"gemini-business", "gemini-business-thinking"}

type Server struct {
	cfg      *config.Config
	pool     *account.Pool
	creds    *credential.Cache
	sessions *session.Cache
	up       *upstream.Requester
	orch     *task.Orchestrator
	metrics  *metrics.Metrics
	log      *slog.Logger
}

func NewServer(cfg *config.Config, pool *account.Pool, creds *credential.Cache,
	sessions *session.Cache, up *upstream.Requester, orch *task.Orchestrator,
	m *metrics.Metrics, log *slog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		pool:     pool,
		creds:    creds,
		sessions: sessions,
		up:       up,
		orch:     orch,
		metrics:  m,
		log:      log.With("component", "gateway"),
	}
}

// Routes registers every endpoint on the engine.
func (s *Server) Routes(r *gin.Engine) {
	r.GET("/health", s.handleHealth)
	if s.cfg.Metrics.Enabled {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/v1")
	{
		v1.GET("/models", s.handleListModels)
		v1.POST("/chat/completions", s.handleChatCompletions)
	}

	v1beta := r.Group("/v1beta")
	{
		v1beta.GET("/models", s.handleGeminiListModels)
		v1beta.POST("/models/:action", s.handleGeminiGenerate)
	}

	api := r.Group("/api")
	{
		api.GET("/accounts", s.handleListAccounts)
		api.GET("/pool/health", s.handlePoolHealth)
		api.POST("/tasks/login", s.handleStartLogin)
		api.POST("/tasks/register", s.handleStartRegister)
		api.GET("/tasks", s.handleListTasks)
		api.GET("/tasks/:id", s.handleGetTask)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// fail writes the error envelope shared by both chat surfaces.
func (s *Server) fail(c *gin.Context, code int, message string) {
	c.JSON(code, translate.ErrorResponse(code, message, nil))
}

// statusFor maps a chat engine error to its surface status. An exhausted pool
// is a capacity condition, distinct from internal faults.
func statusFor(err error) int {
	if errors.Is(err, account.ErrNoAccounts) {
		return http.StatusServiceUnavailable
	}
	return upstream.StatusCode(err)
}
