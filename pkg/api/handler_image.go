package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/parleyio/parley/pkg/models"
)

// createImageHandler handles POST /api/v1/images.
func (s *Server) createImageHandler(c *gin.Context) {
	var req models.CreateImageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	img, err := s.images.CreateImage(c.Request.Context(), req)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, img)
}

// getImageHandler handles GET /api/v1/images/:id.
func (s *Server) getImageHandler(c *gin.Context) {
	img, err := s.images.GetImage(c.Request.Context(), c.Param("id"))
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, img)
}
