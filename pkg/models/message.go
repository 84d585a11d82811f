package models

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleSystem    = "system"
)

// Message is one durable conversation entry. Subtype distinguishes tool
// calls, tool results, and errors from plain text messages. Content holds
// the event payload that produced the message.
type Message struct {
	MessageID string         `json:"messageId"`
	SessionID string         `json:"sessionId"`
	Role      string         `json:"role"`
	Subtype   string         `json:"subtype,omitempty"`
	Content   map[string]any `json:"content"`
	Timestamp int64          `json:"timestamp"`
}
