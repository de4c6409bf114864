// Package api exposes the coordination service over HTTP: request
// submission, session inspection, and a WebSocket stream of phase updates
// and coordination events.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/routa-project/routa/pkg/config"
	"github.com/routa-project/routa/pkg/session"
	"github.com/routa-project/routa/pkg/version"
)

// Server wires the session manager to the HTTP surface.
type Server struct {
	cfg     config.ServerConfig
	manager *session.Manager
	hub     *Hub
	logger  *slog.Logger
}

// NewServer creates the API server.
func NewServer(cfg config.ServerConfig, manager *session.Manager, hub *Hub, logger *slog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		manager: manager,
		hub:     hub,
		logger:  logger.With("component", "api"),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.health)
	r.GET("/ws", s.handleWS)

	apiGroup := r.Group("/api")
	{
		apiGroup.POST("/requests", s.createRequest)
		apiGroup.GET("/requests", s.listRequests)
		apiGroup.GET("/requests/:id", s.getRequest)
		apiGroup.POST("/requests/:id/cancel", s.cancelRequest)
		apiGroup.GET("/requests/:id/agents", s.listAgents)
		apiGroup.GET("/requests/:id/tasks", s.listTasks)
		apiGroup.GET("/requests/:id/agents/:agentId/conversation", s.getConversation)
	}
	return r
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "version": version.Full()})
}

// CreateRequestBody is the POST /api/requests payload.
type CreateRequestBody struct {
	Request string `json:"request" binding:"required"`
}

func (s *Server) createRequest(c *gin.Context) {
	var body CreateRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	view, err := s.manager.Start(c.Request.Context(), body.Request)
	if err != nil {
		s.logger.Error("failed to start session", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, view)
}

func (s *Server) listRequests(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.manager.List()})
}

func (s *Server) getRequest(c *gin.Context) {
	view, err := s.manager.Get(c.Param("id"))
	if err != nil {
		s.notFoundOr500(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) cancelRequest(c *gin.Context) {
	if err := s.manager.Cancel(c.Param("id")); err != nil {
		s.notFoundOr500(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

func (s *Server) listAgents(c *gin.Context) {
	sess, err := s.manager.Session(c.Param("id"))
	if err != nil {
		s.notFoundOr500(c, err)
		return
	}
	view, err := s.manager.Get(c.Param("id"))
	if err != nil {
		s.notFoundOr500(c, err)
		return
	}
	agents, err := sess.Stores().Agents.ListByWorkspace(c.Request.Context(), view.WorkspaceID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (s *Server) listTasks(c *gin.Context) {
	sess, err := s.manager.Session(c.Param("id"))
	if err != nil {
		s.notFoundOr500(c, err)
		return
	}
	view, err := s.manager.Get(c.Param("id"))
	if err != nil {
		s.notFoundOr500(c, err)
		return
	}
	tasks, err := sess.Stores().Tasks.ListByWorkspace(c.Request.Context(), view.WorkspaceID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (s *Server) getConversation(c *gin.Context) {
	sess, err := s.manager.Session(c.Param("id"))
	if err != nil {
		s.notFoundOr500(c, err)
		return
	}
	fromTurn, _ := strconv.Atoi(c.Query("from_turn"))
	toTurn, _ := strconv.Atoi(c.Query("to_turn"))

	agentID := c.Param("agentId")
	conversations := sess.Stores().Conversations
	var msgs any
	var convErr error
	if fromTurn > 0 || toTurn > 0 {
		if fromTurn <= 0 {
			fromTurn = 1
		}
		if toTurn <= 0 {
			toTurn = int(^uint(0) >> 1)
		}
		msgs, convErr = conversations.GetByTurnRange(c.Request.Context(), agentID, fromTurn, toTurn)
	} else {
		msgs, convErr = conversations.GetConversation(c.Request.Context(), agentID)
	}
	if convErr != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": convErr.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent_id": agentID, "messages": msgs})
}

func (s *Server) handleWS(c *gin.Context) {
	s.hub.HandleWS(c.Writer, c.Request)
}

func (s *Server) notFoundOr500(c *gin.Context, err error) {
	if errors.Is(err, session.ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
