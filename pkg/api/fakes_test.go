package api

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleyio/parley/pkg/models"
	"github.com/parleyio/parley/pkg/runtime"
	"github.com/parleyio/parley/pkg/services"
)

// fakeStores backs both the runtime store interfaces and the API service
// interfaces with process memory.
type fakeStores struct {
	mu         sync.Mutex
	images     map[string]*models.Image
	containers map[string]*models.Container
	sessions   map[string]*models.Session
	messages   map[string]models.Message
}

func newFakeStores() *fakeStores {
	return &fakeStores{
		images:     make(map[string]*models.Image),
		containers: make(map[string]*models.Container),
		sessions:   make(map[string]*models.Session),
		messages:   make(map[string]models.Message),
	}
}

func (f *fakeStores) runtimeStores() runtime.Stores {
	return runtime.Stores{Images: f, Containers: f, Sessions: f, Messages: f}
}

func (f *fakeStores) CreateImage(_ context.Context, req models.CreateImageRequest) (*models.Image, error) {
	if req.Type == "" {
		return nil, services.NewValidationError("type", "required")
	}
	if req.DefinitionName == "" {
		return nil, services.NewValidationError("definitionName", "required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	img := &models.Image{
		ImageID:        uuid.NewString(),
		Type:           req.Type,
		DefinitionName: req.DefinitionName,
		ParentImageID:  req.ParentImageID,
		Definition:     req.Definition,
		Config:         req.Config,
		Messages:       req.Messages,
		CreatedAt:      time.Now(),
	}
	f.images[img.ImageID] = img
	return img, nil
}

func (f *fakeStores) GetImage(_ context.Context, imageID string) (*models.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	img, ok := f.images[imageID]
	if !ok {
		return nil, services.ErrNotFound
	}
	cp := *img
	return &cp, nil
}

func (f *fakeStores) CreateContainer(_ context.Context, config map[string]any) (*models.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	ctr := &models.Container{ContainerID: uuid.NewString(), Config: config, CreatedAt: now, UpdatedAt: now}
	f.containers[ctr.ContainerID] = ctr
	return ctr, nil
}

func (f *fakeStores) GetContainer(_ context.Context, containerID string) (*models.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ctr, ok := f.containers[containerID]
	if !ok {
		return nil, services.ErrNotFound
	}
	cp := *ctr
	return &cp, nil
}

func (f *fakeStores) TouchContainer(_ context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ctr, ok := f.containers[containerID]
	if !ok {
		return services.ErrNotFound
	}
	ctr.UpdatedAt = time.Now()
	return nil
}

func (f *fakeStores) CreateSession(_ context.Context, req models.CreateSessionRequest) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := req.SessionID
	if id == "" {
		id = uuid.NewString()
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
	f.sessions[id] = sess
	return sess, nil
}

func (f *fakeStores) GetSession(_ context.Context, sessionID string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[sessionID]
	if !ok {
		return nil, services.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (f *fakeStores) ListSessions(_ context.Context, filters models.SessionFilters) (*models.SessionListResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []*models.Session
	for _, sess := range f.sessions {
		if filters.ImageID != "" && sess.ImageID != filters.ImageID {
			continue
		}
		if filters.ContainerID != "" && sess.ContainerID != filters.ContainerID {
			continue
		}
		cp := *sess
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	limit := filters.Limit
	if limit <= 0 {
		limit = 20
	}
	total := len(all)
	if filters.Offset < len(all) {
		all = all[filters.Offset:]
	} else {
		all = nil
	}
	if len(all) > limit {
		all = all[:limit]
	}
	return &models.SessionListResponse{
		Sessions:   all,
		TotalCount: total,
		Limit:      limit,
	}, nil
}

func (f *fakeStores) UpdateSessionTitle(_ context.Context, sessionID, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[sessionID]
	if !ok {
		return services.ErrNotFound
	}
	sess.Title = title
	sess.UpdatedAt = time.Now()
	return nil
}

func (f *fakeStores) DeleteSession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, sessionID)
	return nil
}

func (f *fakeStores) SaveMessage(_ context.Context, msg models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.messages[msg.MessageID]; !ok {
		f.messages[msg.MessageID] = msg
	}
	return nil
}

func (f *fakeStores) ListMessages(_ context.Context, sessionID string) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []models.Message{}
	for _, msg := range f.messages {
		if msg.SessionID == sessionID {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}
