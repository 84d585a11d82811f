package models

import "time"

// Session is one conversation bound to an agent instance.
type Session struct {
	SessionID   string    `json:"sessionId"`
	ImageID     string    `json:"imageId"`
	ContainerID string    `json:"containerId,omitempty"`
	Title       string    `json:"title"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// CreateSessionRequest contains fields for creating a new session.
type CreateSessionRequest struct {
	SessionID   string `json:"sessionId,omitempty"`
	ImageID     string `json:"imageId"`
	ContainerID string `json:"containerId,omitempty"`
	Title       string `json:"title,omitempty"`
}

// SessionFilters contains filtering options for listing sessions.
type SessionFilters struct {
	ImageID     string `json:"imageId,omitempty"`
	ContainerID string `json:"containerId,omitempty"`
	Limit       int    `json:"limit,omitempty"`
	Offset      int    `json:"offset,omitempty"`
}

// SessionListResponse contains a paginated session list.
type SessionListResponse struct {
	Sessions   []*Session `json:"sessions"`
	TotalCount int        `json:"totalCount"`
	Limit      int        `json:"limit"`
	Offset     int        `json:"offset"`
}
