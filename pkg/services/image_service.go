// Package services implements the persistence services over the
// conversational data model. Services validate input at the API boundary
// and translate database failures into the package's error taxonomy.
package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/parleyio/parley/pkg/models"
)

// ImageService manages immutable agent blueprints.
type ImageService struct {
	db *sql.DB
}

// NewImageService creates a new ImageService
func NewImageService(db *sql.DB) *ImageService {
	return &ImageService{db: db}
}

// CreateImage registers a new image and returns it.
func (s *ImageService) CreateImage(ctx context.Context, req models.CreateImageRequest) (*models.Image, error) {
	if req.Type == "" {
		return nil, NewValidationError("type", "required")
	}
	if req.DefinitionName == "" {
		return nil, NewValidationError("definitionName", "required")
	}

	img := &models.Image{
		ImageID:        uuid.NewString(),
		Type:           req.Type,
		DefinitionName: req.DefinitionName,
		ParentImageID:  req.ParentImageID,
		Definition:     req.Definition,
		Config:         req.Config,
		Messages:       req.Messages,
		CreatedAt:      time.Now().UTC(),
	}

	definitionJSON, err := marshalNullable(img.Definition)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal image definition: %w", err)
	}
	configJSON, err := marshalNullable(img.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal image config: %w", err)
	}
	messagesJSON, err := marshalNullable(img.Messages)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal image messages: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO images (image_id, type, definition_name, parent_image_id, definition_json, config_json, messages_json, created_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8)`,
		img.ImageID, img.Type, img.DefinitionName, img.ParentImageID,
		definitionJSON, configJSON, messagesJSON, img.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to create image: %w", err)
	}
	return img, nil
}

// GetImage loads an image by ID.
func (s *ImageService) GetImage(ctx context.Context, imageID string) (*models.Image, error) {
	if imageID == "" {
		return nil, NewValidationError("imageId", "required")
	}

	var (
		img            models.Image
		parentImageID  sql.NullString
		definitionJSON []byte
		configJSON     []byte
		messagesJSON   []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT image_id, type, definition_name, parent_image_id, definition_json, config_json, messages_json, created_at
		 FROM images WHERE image_id = $1`, imageID).
		Scan(&img.ImageID, &img.Type, &img.DefinitionName, &parentImageID,
			&definitionJSON, &configJSON, &messagesJSON, &img.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get image %s: %w", imageID, err)
	}

	img.ParentImageID = parentImageID.String
	if err := unmarshalNullable(definitionJSON, &img.Definition); err != nil {
		return nil, fmt.Errorf("failed to unmarshal image definition: %w", err)
	}
	if err := unmarshalNullable(configJSON, &img.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal image config: %w", err)
	}
	if err := unmarshalNullable(messagesJSON, &img.Messages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal image messages: %w", err)
	}
	return &img, nil
}

func marshalNullable(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalNullable(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
