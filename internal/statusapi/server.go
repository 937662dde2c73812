// Package statusapi exposes the scheduler to operators over HTTP and
// provides the client the CLI uses to reach a running collector.
package statusapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"carbon-price-collector/internal/model"
	"carbon-price-collector/internal/scheduler"
)

const defaultHistoryLimit = 50

// Controller is the scheduler surface the API drives.
type Controller interface {
	Tasks() []scheduler.TaskSnapshot
	SetTaskEnabled(id string, enabled bool) error
	ExecuteTask(ctx context.Context, id string) (model.TaskExecutionResult, error)
	ExecuteAllTasks(ctx context.Context) []model.TaskExecutionResult
	History(taskID string, limit int) []model.TaskExecutionResult
	GetHealthStatus(ctx context.Context) scheduler.HealthReport
	Running() bool
	Stop()
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Running bool                     `json:"running"`
	Tasks   []scheduler.TaskSnapshot `json:"tasks"`
}

// ExecuteResponse is the body of POST /api/tasks/:id/execute.
type ExecuteResponse struct {
	Result model.TaskExecutionResult `json:"result"`
	Error  string                    `json:"error,omitempty"`
}

// Options configure the HTTP server.
type Options struct {
	Addr string
	// OnStop runs after the scheduler was stopped through the API.
	OnStop func()
}

// Server serves the status API.
type Server struct {
	addr   string
	ctrl   Controller
	onStop func()
	router *gin.Engine
	logger zerolog.Logger
}

// NewServer wires routes onto a fresh gin engine.
func NewServer(opts Options, ctrl Controller, logger zerolog.Logger) (*Server, error) {
	if ctrl == nil {
		return nil, errors.New("status api requires a scheduler")
	}
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:8089"
	}
	s := &Server{
		addr:   opts.Addr,
		ctrl:   ctrl,
		onStop: opts.OnStop,
		logger: logger.With().Str("component", "status_api").Logger(),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	api := router.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/tasks", s.handleTasks)
	api.POST("/tasks/:id/enable", s.handleToggle(true))
	api.POST("/tasks/:id/disable", s.handleToggle(false))
	api.POST("/tasks/:id/execute", s.handleExecute)
	api.POST("/run-all", s.handleExecuteAll)
	api.GET("/history", s.handleHistory)
	api.GET("/health", s.handleHealth)
	api.POST("/scheduler/stop", s.handleStop)
	s.router = router
	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Addr 返回监听地址。
func (s *Server) Addr() string { return s.addr }

// Start 启动 HTTP 服务，直到 ctx 取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info().Str("addr", s.addr).Msg("status api listening")

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{Running: s.ctrl.Running(), Tasks: s.ctrl.Tasks()})
}

func (s *Server) handleTasks(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctrl.Tasks())
}

func (s *Server) handleToggle(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := s.ctrl.SetTaskEnabled(id, enabled); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": id, "enabled": enabled})
	}
}

func (s *Server) handleExecute(c *gin.Context) {
	res, err := s.ctrl.ExecuteTask(c.Request.Context(), c.Param("id"))
	if errors.Is(err, scheduler.ErrTaskNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	body := ExecuteResponse{Result: res}
	if err != nil {
		body.Error = err.Error()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleExecuteAll(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctrl.ExecuteAllTasks(c.Request.Context()))
}

func (s *Server) handleHistory(c *gin.Context) {
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	c.JSON(http.StatusOK, s.ctrl.History(c.Query("taskId"), limit))
}

func (s *Server) handleHealth(c *gin.Context) {
	report := s.ctrl.GetHealthStatus(c.Request.Context())
	code := http.StatusOK
	if report.Status == model.HealthUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, report)
}

func (s *Server) handleStop(c *gin.Context) {
	wasRunning := s.ctrl.Running()
	go func() {
		s.ctrl.Stop()
		if s.onStop != nil {
			s.onStop()
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"stopping": wasRunning})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Str("ip", c.ClientIP()).
			Dur("dur", time.Since(start)).
			Msg("http request")
	}
}

func statusFor(err error) int {
	if errors.Is(err, scheduler.ErrTaskNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

var _ Controller = (*scheduler.Scheduler)(nil)
