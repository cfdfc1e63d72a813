// Package api provides the management HTTP surface of the broker: session
// CRUD, adapter discovery and health.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/adapter"
	"github.com/agentmux/agentmux/internal/bridge"
	"github.com/agentmux/agentmux/internal/broker"
	"github.com/agentmux/agentmux/internal/common/httpmw"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/session"
)

// Server is the management HTTP API.
type Server struct {
	broker   *broker.Broker
	bridge   *bridge.Bridge
	adapters *adapter.Registry
	logger   *logger.Logger
	router   *gin.Engine
}

// NewServer creates the API server and installs its routes.
func NewServer(b *broker.Broker, br *bridge.Bridge, adapters *adapter.Registry, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		broker:   b,
		bridge:   br,
		adapters: adapters,
		logger:   log.WithFields(zap.String("component", "api-server")),
		router:   gin.New(),
	}
	s.setupRoutes()
	return s
}

// Router returns the HTTP router so the caller can mount extra routes
// (the WebSocket endpoints) before serving.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(httpmw.RequestLogger(s.logger, "agentmux"))
	s.router.Use(httpmw.OtelTracing("agentmux"))

	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api/v1")
	{
		api.GET("/adapters", s.handleListAdapters)

		api.GET("/sessions", s.handleListSessions)
		api.POST("/sessions", s.handleCreateSession)
		api.GET("/sessions/:id", s.handleGetSession)
		api.DELETE("/sessions/:id", s.handleDeleteSession)
		api.POST("/sessions/:id/archive", s.handleArchiveSession)
	}
}

// HealthResponse is the health check body.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// AdapterInfo describes one registered adapter.
type AdapterInfo struct {
	Name         string               `json:"name"`
	Capabilities adapter.Capabilities `json:"capabilities"`
}

func (s *Server) handleListAdapters(c *gin.Context) {
	names := s.adapters.Names()
	out := make([]AdapterInfo, 0, len(names))
	for _, name := range names {
		a, ok := s.adapters.Get(name)
		if !ok {
			continue
		}
		out = append(out, AdapterInfo{Name: name, Capabilities: a.Capabilities()})
	}
	c.JSON(http.StatusOK, gin.H{"adapters": out})
}

// SessionView joins the registry record with live bridge state.
type SessionView struct {
	session.Info
	Lifecycle     string `json:"lifecycle,omitempty"`
	CLIConnected  bool   `json:"cli_connected"`
	ConsumerCount int    `json:"consumer_count"`
}

func (s *Server) sessionView(info session.Info) SessionView {
	view := SessionView{Info: info}
	if live, ok := s.bridge.GetSession(info.SessionID); ok {
		view.Lifecycle = string(live.Lifecycle())
		view.CLIConnected = live.CLIConnected()
		view.ConsumerCount = live.ConsumerCount()
	}
	return view
}

func (s *Server) handleListSessions(c *gin.Context) {
	infos := s.broker.List()
	out := make([]SessionView, 0, len(infos))
	for _, info := range infos {
		out = append(out, s.sessionView(info))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

// CreateSessionRequest is the create call body.
type CreateSessionRequest struct {
	Cwd     string `json:"cwd"`
	Adapter string `json:"adapter"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	info, err := s.broker.CreateSession(c.Request.Context(), broker.CreateSessionRequest{
		Cwd:         req.Cwd,
		AdapterName: req.Adapter,
	})
	if err != nil {
		s.logger.Error("Failed to create session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, s.sessionView(info))
}

func (s *Server) handleGetSession(c *gin.Context) {
	info, ok := s.broker.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, s.sessionView(info))
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.broker.Get(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if err := s.broker.DeleteSession(c.Request.Context(), id); err != nil {
		s.logger.Error("Failed to delete session",
			zap.String("session_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleArchiveSession(c *gin.Context) {
	id := c.Param("id")
	err := s.broker.ArchiveSession(c.Request.Context(), id)
	if errors.Is(err, session.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
