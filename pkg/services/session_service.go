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

// SessionService manages session lifecycle records.
type SessionService struct {
	db *sql.DB
}

// NewSessionService creates a new SessionService
func NewSessionService(db *sql.DB) *SessionService {
	return &SessionService{db: db}
}

// CreateSession persists a new session. The session ID may be supplied by
// the caller (resume flows) or allocated here.
func (s *SessionService) CreateSession(ctx context.Context, req models.CreateSessionRequest) (*models.Session, error) {
	if req.ImageID == "" {
		return nil, NewValidationError("imageId", "required")
	}

	now := time.Now().UTC()
	session := &models.Session{
		SessionID:   req.SessionID,
		ImageID:     req.ImageID,
		ContainerID: req.ContainerID,
		Title:       req.Title,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if session.SessionID == "" {
		session.SessionID = uuid.NewString()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, image_id, container_id, title, created_at, updated_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)`,
		session.SessionID, session.ImageID, session.ContainerID,
		session.Title, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}

// GetSession loads a session by ID.
func (s *SessionService) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	if sessionID == "" {
		return nil, NewValidationError("sessionId", "required")
	}

	var (
		session     models.Session
		containerID sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, image_id, container_id, title, created_at, updated_at
		 FROM sessions WHERE session_id = $1`, sessionID).
		Scan(&session.SessionID, &session.ImageID, &containerID,
			&session.Title, &session.CreatedAt, &session.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", sessionID, err)
	}
	session.ContainerID = containerID.String
	return &session, nil
}

// ListSessions returns sessions matching the filters, newest first.
func (s *SessionService) ListSessions(ctx context.Context, filters models.SessionFilters) (*models.SessionListResponse, error) {
	limit := filters.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	where := "WHERE 1=1"
	args := []any{}
	if filters.ImageID != "" {
		args = append(args, filters.ImageID)
		where += fmt.Sprintf(" AND image_id = $%d", len(args))
	}
	if filters.ContainerID != "" {
		args = append(args, filters.ContainerID)
		where += fmt.Sprintf(" AND container_id = $%d", len(args))
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sessions "+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}

	args = append(args, limit, filters.Offset)
	query := fmt.Sprintf(
		`SELECT session_id, image_id, container_id, title, created_at, updated_at
		 FROM sessions %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		where, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*models.Session{}
	for rows.Next() {
		var (
			session     models.Session
			containerID sql.NullString
		)
		if err := rows.Scan(&session.SessionID, &session.ImageID, &containerID,
			&session.Title, &session.CreatedAt, &session.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		session.ContainerID = containerID.String
		sessions = append(sessions, &session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}

	return &models.SessionListResponse{
		Sessions:   sessions,
		TotalCount: total,
		Limit:      limit,
		Offset:     filters.Offset,
	}, nil
}

// UpdateSessionTitle renames a session.
func (s *SessionService) UpdateSessionTitle(ctx context.Context, sessionID, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET title = $2, updated_at = $3 WHERE session_id = $1`,
		sessionID, title, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", sessionID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes a session and, via the schema, its messages.
func (s *SessionService) DeleteSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
