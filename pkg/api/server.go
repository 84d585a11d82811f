// Package api exposes the HTTP surface: a health endpoint, a small REST
// API over images, containers and sessions, and the WebSocket attach point
// for the reliable transport.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/parleyio/parley/pkg/database"
	"github.com/parleyio/parley/pkg/models"
	"github.com/parleyio/parley/pkg/runtime"
)

// ImageAPI is the slice of the image service the handlers use.
type ImageAPI interface {
	CreateImage(ctx context.Context, req models.CreateImageRequest) (*models.Image, error)
	GetImage(ctx context.Context, imageID string) (*models.Image, error)
}

// ContainerAPI is the slice of the container service the handlers use.
type ContainerAPI interface {
	CreateContainer(ctx context.Context, config map[string]any) (*models.Container, error)
	GetContainer(ctx context.Context, containerID string) (*models.Container, error)
}

// SessionAPI is the slice of the session service the handlers use.
type SessionAPI interface {
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	ListSessions(ctx context.Context, filters models.SessionFilters) (*models.SessionListResponse, error)
	UpdateSessionTitle(ctx context.Context, sessionID, title string) error
}

// MessageAPI is the slice of the message service the handlers use.
type MessageAPI interface {
	ListMessages(ctx context.Context, sessionID string) ([]models.Message, error)
}

// Deps carries everything the API server needs. DB and WS are optional:
// health skips the database check without DB, and the /ws route is only
// registered when WS is set.
type Deps struct {
	DB         *database.Client
	Runtime    *runtime.Runtime
	Images     ImageAPI
	Containers ContainerAPI
	Sessions   SessionAPI
	Messages   MessageAPI
	WS         http.Handler
}

// Server holds the handler dependencies.
type Server struct {
	db         *database.Client
	rt         *runtime.Runtime
	images     ImageAPI
	containers ContainerAPI
	sessions   SessionAPI
	messages   MessageAPI
	ws         http.Handler
}

// NewServer creates the API server.
func NewServer(deps Deps) *Server {
	return &Server{
		db:         deps.DB,
		rt:         deps.Runtime,
		images:     deps.Images,
		containers: deps.Containers,
		sessions:   deps.Sessions,
		messages:   deps.Messages,
		ws:         deps.WS,
	}
}

// RegisterRoutes attaches all routes to the gin engine.
func (s *Server) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", s.healthHandler)

	if s.ws != nil {
		r.GET("/ws", gin.WrapH(s.ws))
	}

	v1 := r.Group("/api/v1")
	{
		v1.POST("/images", s.createImageHandler)
		v1.GET("/images/:id", s.getImageHandler)

		v1.POST("/containers", s.createContainerHandler)
		v1.GET("/containers/:id", s.getContainerHandler)

		v1.POST("/sessions", s.createSessionHandler)
		v1.GET("/sessions", s.listSessionsHandler)
		v1.GET("/sessions/:id", s.getSessionHandler)
		v1.PATCH("/sessions/:id", s.updateSessionHandler)
		v1.DELETE("/sessions/:id", s.deleteSessionHandler)
		v1.GET("/sessions/:id/messages", s.listMessagesHandler)
		v1.POST("/sessions/:id/resume", s.resumeSessionHandler)
		v1.POST("/sessions/:id/interrupt", s.interruptSessionHandler)
	}
}
