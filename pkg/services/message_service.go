package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/parleyio/parley/pkg/event"
	"github.com/parleyio/parley/pkg/models"
)

// MessageService persists durable conversation history. Messages are only
// written when a client has acknowledged the corresponding queue entry, so
// insertion is idempotent: redelivered acknowledgements upsert the same
// message ID.
type MessageService struct {
	db *sql.DB
}

// NewMessageService creates a new MessageService
func NewMessageService(db *sql.DB) *MessageService {
	return &MessageService{db: db}
}

// SaveMessage inserts a message, replacing any prior row with the same ID.
func (s *MessageService) SaveMessage(ctx context.Context, msg models.Message) error {
	if msg.MessageID == "" {
		return NewValidationError("messageId", "required")
	}
	if msg.SessionID == "" {
		return NewValidationError("sessionId", "required")
	}
	if msg.Role == "" {
		return NewValidationError("role", "required")
	}

	contentJSON, err := json.Marshal(msg.Content)
	if err != nil {
		return fmt.Errorf("failed to marshal message content: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (message_id, session_id, role, subtype, content_json, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (message_id) DO NOTHING`,
		msg.MessageID, msg.SessionID, msg.Role, msg.Subtype, contentJSON, msg.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to save message %s: %w", msg.MessageID, err)
	}
	return nil
}

// ListMessages returns a session's messages in timestamp order.
func (s *MessageService) ListMessages(ctx context.Context, sessionID string) ([]models.Message, error) {
	if sessionID == "" {
		return nil, NewValidationError("sessionId", "required")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, session_id, role, subtype, content_json, timestamp
		 FROM messages WHERE session_id = $1 ORDER BY timestamp, message_id`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		var (
			msg         models.Message
			contentJSON []byte
		)
		if err := rows.Scan(&msg.MessageID, &msg.SessionID, &msg.Role,
			&msg.Subtype, &contentJSON, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if err := json.Unmarshal(contentJSON, &msg.Content); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message content: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return messages, nil
}

// MessageFromEvent maps a message-category event to its durable record.
// Returns false for events that are not persisted (no session, wrong
// category, or an unrecognized message type).
func MessageFromEvent(evt event.Event) (models.Message, bool) {
	if evt.Category != event.CategoryMessage || evt.Context.SessionID == "" {
		return models.Message{}, false
	}

	msg := models.Message{
		SessionID: evt.Context.SessionID,
		Timestamp: evt.Timestamp,
	}

	switch data := evt.Data.(type) {
	case *event.UserMessagePayload:
		msg.MessageID = data.MessageID
		msg.Role = models.RoleUser
	case *event.AssistantMessagePayload:
		msg.MessageID = data.MessageID
		msg.Role = models.RoleAssistant
	case *event.ToolCallMessagePayload:
		// Tool messages have no message id of their own; the tool call id
		// is unique per call and keeps redelivered saves idempotent.
		msg.MessageID = "call:" + data.ToolCallID
		msg.Role = models.RoleAssistant
		msg.Subtype = "tool_call"
	case *event.ToolResultMessagePayload:
		msg.MessageID = "result:" + data.ToolCallID
		msg.Role = models.RoleTool
		msg.Subtype = "tool_result"
	case *event.ErrorMessagePayload:
		msg.MessageID = fmt.Sprintf("error:%d:%s", evt.Timestamp, data.Code)
		msg.Role = models.RoleSystem
		msg.Subtype = "error"
	default:
		return models.Message{}, false
	}
	if msg.MessageID == "" {
		return models.Message{}, false
	}

	raw, err := json.Marshal(evt.Data)
	if err != nil {
		return models.Message{}, false
	}
	var content map[string]any
	if err := json.Unmarshal(raw, &content); err != nil {
		return models.Message{}, false
	}
	msg.Content = content
	return msg, true
}
