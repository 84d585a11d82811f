// Package models defines the persisted records of the conversational data
// model: images (agent blueprints), containers (isolated agent groups),
// sessions, and messages.
package models

import "time"

// Image is an immutable agent blueprint. A derived image references the
// image it was forked from via ParentImageID.
type Image struct {
	ImageID        string         `json:"imageId"`
	Type           string         `json:"type"`
	DefinitionName string         `json:"definitionName"`
	ParentImageID  string         `json:"parentImageId,omitempty"`
	Definition     map[string]any `json:"definition,omitempty"`
	Config         map[string]any `json:"config,omitempty"`
	Messages       []any          `json:"messages,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// CreateImageRequest contains fields for registering a new image.
type CreateImageRequest struct {
	Type           string         `json:"type"`
	DefinitionName string         `json:"definitionName"`
	ParentImageID  string         `json:"parentImageId,omitempty"`
	Definition     map[string]any `json:"definition,omitempty"`
	Config         map[string]any `json:"config,omitempty"`
	Messages       []any          `json:"messages,omitempty"`
}
