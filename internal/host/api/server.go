// Package api provides the host control protocol over HTTP
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fkiller/GnuNae-sub001/internal/common/httpmw"
	"github.com/fkiller/GnuNae-sub001/internal/common/logger"
	"github.com/fkiller/GnuNae-sub001/internal/host/config"
	"github.com/fkiller/GnuNae-sub001/internal/host/process"
	"github.com/fkiller/GnuNae-sub001/internal/host/tool"
	"github.com/fkiller/GnuNae-sub001/internal/host/watchdog"
)

const toolStopTimeout = 5 * time.Second

// Server is the host HTTP API server
type Server struct {
	cfg      *config.Config
	procMgr  *process.Manager
	toolMgr  *tool.Manager
	watchdog *watchdog.Watchdog
	logger   *logger.Logger
	router   *gin.Engine

	requests  httpmw.Counter
	startedAt time.Time
}

// NewServer creates a new API server. wd may be nil when the watchdog is disabled.
func NewServer(cfg *config.Config, procMgr *process.Manager, toolMgr *tool.Manager, wd *watchdog.Watchdog, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:       cfg,
		procMgr:   procMgr,
		toolMgr:   toolMgr,
		watchdog:  wd,
		logger:    log.WithFields(zap.String("component", "api-server")),
		router:    gin.New(),
		startedAt: time.Now(),
	}

	s.router.Use(gin.Recovery())
	s.router.Use(s.requests.Middleware())
	s.router.Use(httpmw.Tracing("gnunae-host"))
	s.router.Use(httpmw.RequestLogger(s.logger, "gnunae-host"))
	s.router.Use(httpmw.CORS())

	s.setupRoutes()
	return s
}

// Router returns the HTTP router
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/status", s.handleStatus)
	s.router.POST("/heartbeat", s.handleHeartbeat)

	s.router.POST("/execute", s.handleExecute)
	s.router.POST("/stop", s.handleStop)

	s.router.POST("/tool/start", s.handleToolStart)
	s.router.POST("/tool/stop", s.handleToolStop)
	s.router.GET("/tool/info", s.handleToolInfo)

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status       string  `json:"status"`
	Uptime       float64 `json:"uptime"` // seconds
	RequestCount int64   `json:"requestCount"`
	AgentRunning bool    `json:"agentRunning"`
	ToolRunning  bool    `json:"toolRunning"`
	Mode         string  `json:"mode"`
	Endpoint     string  `json:"endpoint"`
}

func (s *Server) health() HealthResponse {
	ep := s.toolMgr.Info()
	return HealthResponse{
		Status:       "ok",
		Uptime:       time.Since(s.startedAt).Seconds(),
		RequestCount: s.requests.Load(),
		AgentRunning: s.procMgr.Running(),
		ToolRunning:  s.toolMgr.Running(),
		Mode:         string(ep.Mode),
		Endpoint:     ep.Endpoint,
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, s.health())
}

// StatusResponse is the body of GET /status
type StatusResponse struct {
	HealthResponse
	Port      int                  `json:"port"`
	Heartbeat *watchdog.Snapshot   `json:"heartbeat,omitempty"`
	Session   *process.SessionInfo `json:"session,omitempty"`
}

func (s *Server) handleStatus(c *gin.Context) {
	resp := StatusResponse{
		HealthResponse: s.health(),
		Port:           s.cfg.Port,
	}
	if s.watchdog != nil {
		snap := s.watchdog.Snapshot()
		resp.Heartbeat = &snap
	}
	if sess := s.procMgr.Current(); sess != nil {
		info := sess.Info()
		resp.Session = &info
	}
	c.JSON(http.StatusOK, resp)
}

// HeartbeatResponse is the body of POST /heartbeat
type HeartbeatResponse struct {
	Success   bool  `json:"success"`
	TimeoutMs int64 `json:"timeoutMs"`
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	timeout := s.cfg.HeartbeatTimeoutDuration()
	if s.watchdog != nil {
		s.watchdog.Ping()
		timeout = s.watchdog.Timeout()
	}
	c.JSON(http.StatusOK, HeartbeatResponse{Success: true, TimeoutMs: timeout.Milliseconds()})
}

func (s *Server) handleStop(c *gin.Context) {
	c.JSON(http.StatusOK, s.procMgr.Stop())
}

func (s *Server) handleToolStart(c *gin.Context) {
	res, err := s.toolMgr.Start()
	if err != nil {
		s.logger.Error("failed to start tool", zap.Error(err))
		c.JSON(http.StatusInternalServerError, tool.Result{Success: false, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleToolStop(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), toolStopTimeout)
	defer cancel()
	c.JSON(http.StatusOK, s.toolMgr.Stop(ctx))
}

func (s *Server) handleToolInfo(c *gin.Context) {
	c.JSON(http.StatusOK, s.toolMgr.Info())
}
