package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/parleyio/parley/pkg/models"
)

// ContainerService manages container records.
type ContainerService struct {
	db *sql.DB
}

// NewContainerService creates a new ContainerService
func NewContainerService(db *sql.DB) *ContainerService {
	return &ContainerService{db: db}
}

// CreateContainer persists a new container record.
func (s *ContainerService) CreateContainer(ctx context.Context, config map[string]any) (*models.Container, error) {
	now := time.Now().UTC()
	c := &models.Container{
		ContainerID: uuid.NewString(),
		Config:      config,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	configJSON, err := marshalNullable(c.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal container config: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO containers (container_id, config_json, created_at, updated_at)
		 VALUES ($1, $2, $3, $4)`,
		c.ContainerID, configJSON, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	return c, nil
}

// GetContainer loads a container by ID.
func (s *ContainerService) GetContainer(ctx context.Context, containerID string) (*models.Container, error) {
	if containerID == "" {
		return nil, NewValidationError("containerId", "required")
	}

	var (
		c          models.Container
		configJSON []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT container_id, config_json, created_at, updated_at
		 FROM containers WHERE container_id = $1`, containerID).
		Scan(&c.ContainerID, &configJSON, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get container %s: %w", containerID, err)
	}

	if err := unmarshalNullable(configJSON, &c.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal container config: %w", err)
	}
	return &c, nil
}

// TouchContainer bumps the container's updated_at timestamp.
func (s *ContainerService) TouchContainer(ctx context.Context, containerID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE containers SET updated_at = $2 WHERE container_id = $1`,
		containerID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to touch container %s: %w", containerID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteContainer removes the container record. Sessions keep their rows;
// the container reference is nulled by the schema.
func (s *ContainerService) DeleteContainer(ctx context.Context, containerID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM containers WHERE container_id = $1`, containerID)
	if err != nil {
		return fmt.Errorf("failed to delete container %s: %w", containerID, err)
	}
	return nil
}
