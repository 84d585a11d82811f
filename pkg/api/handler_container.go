package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type createContainerRequest struct {
	Config map[string]any `json:"config"`
}

// createContainerHandler handles POST /api/v1/containers.
func (s *Server) createContainerHandler(c *gin.Context) {
	var req createContainerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	ctr, err := s.containers.CreateContainer(c.Request.Context(), req.Config)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ctr)
}

// getContainerHandler handles GET /api/v1/containers/:id.
func (s *Server) getContainerHandler(c *gin.Context) {
	ctr, err := s.containers.GetContainer(c.Request.Context(), c.Param("id"))
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, ctr)
}
