package models

import "time"

// Container groups agents that share an isolation boundary.
type Container struct {
	ContainerID string         `json:"containerId"`
	Config      map[string]any `json:"config,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}
