package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/parleyio/parley/pkg/models"
)

type createSessionRequest struct {
	ImageID     string `json:"imageId" binding:"required"`
	ContainerID string `json:"containerId"`
}

type sessionResponse struct {
	Session models.Session `json:"session"`
	AgentID string         `json:"agentId"`
}

// createSessionHandler handles POST /api/v1/sessions: the full agent
// bring-up, returning the new session and its agent id.
func (s *Server) createSessionHandler(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	agent, err := s.rt.StartAgent(c.Request.Context(), req.ImageID, req.ContainerID)
	if err != nil {
		mapServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, sessionResponse{
		Session: agent.Session(),
		AgentID: agent.ID(),
	})
}

// listSessionsHandler handles GET /api/v1/sessions.
func (s *Server) listSessionsHandler(c *gin.Context) {
	filters := models.SessionFilters{
		ImageID:     c.Query("imageId"),
		ContainerID: c.Query("containerId"),
	}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filters.Limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			filters.Offset = n
		}
	}

	list, err := s.sessions.ListSessions(c.Request.Context(), filters)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// getSessionHandler handles GET /api/v1/sessions/:id.
func (s *Server) getSessionHandler(c *gin.Context) {
	sess, err := s.sessions.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

type updateSessionRequest struct {
	Title string `json:"title" binding:"required"`
}

// updateSessionHandler handles PATCH /api/v1/sessions/:id.
func (s *Server) updateSessionHandler(c *gin.Context) {
	var req updateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	if err := s.sessions.UpdateSessionTitle(c.Request.Context(), c.Param("id"), req.Title); err != nil {
		mapServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// deleteSessionHandler handles DELETE /api/v1/sessions/:id. The session's
// agent is destroyed and the record removed, messages included.
func (s *Server) deleteSessionHandler(c *gin.Context) {
	if err := s.rt.DestroySession(c.Request.Context(), c.Param("id")); err != nil {
		mapServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// listMessagesHandler handles GET /api/v1/sessions/:id/messages.
func (s *Server) listMessagesHandler(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := s.sessions.GetSession(c.Request.Context(), sessionID); err != nil {
		mapServiceError(c, err)
		return
	}

	msgs, err := s.messages.ListMessages(c.Request.Context(), sessionID)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// resumeSessionHandler handles POST /api/v1/sessions/:id/resume.
func (s *Server) resumeSessionHandler(c *gin.Context) {
	agent, err := s.rt.ResumeSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse{
		Session: agent.Session(),
		AgentID: agent.ID(),
	})
}

// interruptSessionHandler handles POST /api/v1/sessions/:id/interrupt.
func (s *Server) interruptSessionHandler(c *gin.Context) {
	agent, ok := s.rt.AgentBySession(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no live agent for session"})
		return
	}
	agent.Interrupt()
	c.Status(http.StatusAccepted)
}
