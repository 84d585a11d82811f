package runtime

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/parleyio/parley/pkg/event"
	"github.com/parleyio/parley/pkg/models"
	"github.com/parleyio/parley/pkg/services"
)

// memStores is an in-memory implementation of all four store interfaces,
// used to exercise the runtime without a database.
type memStores struct {
	mu         sync.Mutex
	images     map[string]*models.Image
	containers map[string]*models.Container
	sessions   map[string]*models.Session
	messages   map[string]models.Message
}

func newMemStores() *memStores {
	return &memStores{
		images:     make(map[string]*models.Image),
		containers: make(map[string]*models.Container),
		sessions:   make(map[string]*models.Session),
		messages:   make(map[string]models.Message),
	}
}

func (m *memStores) stores() Stores {
	return Stores{Images: m, Containers: m, Sessions: m, Messages: m}
}

func (m *memStores) CreateImage(_ context.Context, req models.CreateImageRequest) (*models.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	img := &models.Image{
		ImageID:        event.NewID(),
		Type:           req.Type,
		DefinitionName: req.DefinitionName,
		ParentImageID:  req.ParentImageID,
		Definition:     req.Definition,
		Config:         req.Config,
		Messages:       req.Messages,
		CreatedAt:      time.Now(),
	}
	m.images[img.ImageID] = img
	return img, nil
}

func (m *memStores) GetImage(_ context.Context, imageID string) (*models.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.images[imageID]
	if !ok {
		return nil, services.ErrNotFound
	}
	cp := *img
	return &cp, nil
}

func (m *memStores) CreateContainer(_ context.Context, config map[string]any) (*models.Container, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	ctr := &models.Container{
		ContainerID: event.NewID(),
		Config:      config,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.containers[ctr.ContainerID] = ctr
	return ctr, nil
}

func (m *memStores) GetContainer(_ context.Context, containerID string) (*models.Container, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctr, ok := m.containers[containerID]
	if !ok {
		return nil, services.ErrNotFound
	}
	cp := *ctr
	return &cp, nil
}

func (m *memStores) TouchContainer(_ context.Context, containerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctr, ok := m.containers[containerID]
	if !ok {
		return services.ErrNotFound
	}
	ctr.UpdatedAt = time.Now()
	return nil
}

func (m *memStores) CreateSession(_ context.Context, req models.CreateSessionRequest) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := req.SessionID
	if id == "" {
		id = event.NewID()
	}
	now := time.Now()
	sess := &models.Session{
		SessionID:   id,
		ImageID:     req.ImageID,
		ContainerID: req.ContainerID,
		Title:       req.Title,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.sessions[id] = sess
	return sess, nil
}

func (m *memStores) GetSession(_ context.Context, sessionID string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, services.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (m *memStores) UpdateSessionTitle(_ context.Context, sessionID, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return services.ErrNotFound
	}
	sess.Title = title
	sess.UpdatedAt = time.Now()
	return nil
}

func (m *memStores) DeleteSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	for id, msg := range m.messages {
		if msg.SessionID == sessionID {
			delete(m.messages, id)
		}
	}
	return nil
}

func (m *memStores) SaveMessage(_ context.Context, msg models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Idempotent on message id, like the Postgres ON CONFLICT DO NOTHING.
	if _, ok := m.messages[msg.MessageID]; !ok {
		m.messages[msg.MessageID] = msg
	}
	return nil
}

func (m *memStores) ListMessages(_ context.Context, sessionID string) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Message
	for _, msg := range m.messages {
		if msg.SessionID == sessionID {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].MessageID < out[j].MessageID
	})
	return out, nil
}

func (m *memStores) messageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}
