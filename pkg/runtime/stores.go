package runtime

import (
	"context"

	"github.com/parleyio/parley/pkg/models"
)

// ImageStore persists agent blueprints. *services.ImageService satisfies it.
type ImageStore interface {
	CreateImage(ctx context.Context, req models.CreateImageRequest) (*models.Image, error)
	GetImage(ctx context.Context, imageID string) (*models.Image, error)
}

// ContainerStore persists container records. *services.ContainerService
// satisfies it.
type ContainerStore interface {
	CreateContainer(ctx context.Context, config map[string]any) (*models.Container, error)
	GetContainer(ctx context.Context, containerID string) (*models.Container, error)
	TouchContainer(ctx context.Context, containerID string) error
}

// SessionStore persists session records. *services.SessionService satisfies
// it.
type SessionStore interface {
	CreateSession(ctx context.Context, req models.CreateSessionRequest) (*models.Session, error)
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	UpdateSessionTitle(ctx context.Context, sessionID, title string) error
	DeleteSession(ctx context.Context, sessionID string) error
}

// MessageStore persists durable conversation history. *services.MessageService
// satisfies it.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg models.Message) error
	ListMessages(ctx context.Context, sessionID string) ([]models.Message, error)
}

// Stores bundles the persistence services the runtime depends on.
type Stores struct {
	Images     ImageStore
	Containers ContainerStore
	Sessions   SessionStore
	Messages   MessageStore
}
