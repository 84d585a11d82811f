package event

// Typed payloads for every wire-visible event type. The Data field of an
// Event holds a pointer to one of these structs; Raw is the fallback for
// types this process does not know (forward compatibility).
//
// Payloads never repeat source/category/intent — those live on the Event
// envelope only, assigned by the constructors in event.go.

// Usage reports token accounting for one LLM response.
type Usage struct {
	InputTokens  int `json:"inputTokens,omitempty"`
	OutputTokens int `json:"outputTokens,omitempty"`
	TotalTokens  int `json:"totalTokens,omitempty"`
}

// --- Stream fragments (driver → engine) ---

// MessageStartPayload opens an assistant message on the stream.
type MessageStartPayload struct {
	MessageID string `json:"messageId"`
	Model     string `json:"model,omitempty"`
}

// TextContentStartPayload opens a text content block at the given index.
type TextContentStartPayload struct {
	Index int `json:"index"`
}

// TextDeltaPayload carries one text fragment for a content block.
type TextDeltaPayload struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// TextContentStopPayload closes a text content block.
type TextContentStopPayload struct {
	Index int `json:"index"`
}

// ToolUseStartPayload opens a tool-use content block.
type ToolUseStartPayload struct {
	Index      int    `json:"index"`
	ToolCallID string `json:"toolCallId"`
	ToolName   string `json:"toolName"`
}

// InputJSONDeltaPayload carries one fragment of a tool call's JSON input.
type InputJSONDeltaPayload struct {
	Index       int    `json:"index"`
	PartialJSON string `json:"partialJson"`
}

// ToolUseStopPayload closes a tool-use content block.
type ToolUseStopPayload struct {
	Index      int    `json:"index"`
	ToolCallID string `json:"toolCallId"`
}

// ToolResultPayload delivers the result of an executed tool call.
type ToolResultPayload struct {
	ToolCallID string `json:"toolCallId"`
	Result     string `json:"result"`
	IsError    bool   `json:"isError,omitempty"`
}

// MessageDeltaPayload carries mid-message metadata updates (stop reason,
// running usage).
type MessageDeltaPayload struct {
	StopReason string `json:"stopReason,omitempty"`
	Usage      *Usage `json:"usage,omitempty"`
}

// MessageStopPayload closes the current assistant message.
type MessageStopPayload struct {
	StopReason string `json:"stopReason"`
	Usage      *Usage `json:"usage,omitempty"`
}

// --- Complete messages (engine → queue → clients) ---

// UserMessagePayload is a user request, either raw from a client or echoed
// by the assembler with an assigned message id.
type UserMessagePayload struct {
	MessageID string `json:"messageId,omitempty"`
	Content   string `json:"content"`
}

// AssistantMessagePayload is a fully assembled assistant text message.
type AssistantMessagePayload struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
	Model     string `json:"model,omitempty"`
}

// ToolCallMessagePayload is a fully assembled tool invocation.
type ToolCallMessagePayload struct {
	ToolCallID string         `json:"toolCallId"`
	ToolName   string         `json:"toolName"`
	Input      map[string]any `json:"input"`
}

// ToolResultMessagePayload is the message form of a tool result.
type ToolResultMessagePayload struct {
	ToolCallID string `json:"toolCallId"`
	Result     string `json:"result"`
	IsError    bool   `json:"isError,omitempty"`
}

// ErrorMessagePayload surfaces a recoverable failure to consumers.
type ErrorMessagePayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// --- State and turn events ---

// StateChangePayload records one agent lifecycle transition.
type StateChangePayload struct {
	Prev    string `json:"prev"`
	Current string `json:"current"`
}

// TurnRequestPayload marks the start of a turn.
type TurnRequestPayload struct {
	TurnID    string `json:"turnId"`
	MessageID string `json:"messageId"`
}

// TurnResponsePayload closes a turn with its metrics.
type TurnResponsePayload struct {
	TurnID     string `json:"turnId"`
	MessageID  string `json:"messageId"`
	DurationMS int64  `json:"duration"`
	Usage      *Usage `json:"usage,omitempty"`
}

// --- Lifecycle events ---

// ConnectionEstablishedPayload greets a freshly accepted connection.
type ConnectionEstablishedPayload struct {
	ConnectionID string `json:"connectionId"`
}

// InterruptedPayload reports an agent interrupt. TurnID is the turn that was
// in flight, if any.
type InterruptedPayload struct {
	TurnID string `json:"turnId,omitempty"`
}

// SessionLifecyclePayload is shared by session_created / session_resumed /
// session_destroyed.
type SessionLifecyclePayload struct {
	SessionID   string `json:"sessionId"`
	ImageID     string `json:"imageId,omitempty"`
	ContainerID string `json:"containerId,omitempty"`
	Title       string `json:"title,omitempty"`
}

// AgentLifecyclePayload is shared by agent_started / agent_destroyed.
type AgentLifecyclePayload struct {
	AgentID     string `json:"agentId"`
	ContainerID string `json:"containerId,omitempty"`
}

// Raw is the payload fallback for event types without a registered struct:
// command request/response bodies and any type introduced by a newer peer.
type Raw map[string]any

// RequestID extracts the requestId field commands carry for correlation.
// Returns "" when absent.
func (r Raw) RequestID() string {
	id, _ := r["requestId"].(string)
	return id
}

// payloadFactories maps event types to constructors for their concrete
// payload structs. Types absent from this map decode into Raw.
var payloadFactories = map[string]func() any{
	TypeMessageStart:     func() any { return &MessageStartPayload{} },
	TypeTextContentStart: func() any { return &TextContentStartPayload{} },
	TypeTextDelta:        func() any { return &TextDeltaPayload{} },
	TypeTextContentStop:  func() any { return &TextContentStopPayload{} },
	TypeToolUseStart:     func() any { return &ToolUseStartPayload{} },
	TypeInputJSONDelta:   func() any { return &InputJSONDeltaPayload{} },
	TypeToolUseStop:      func() any { return &ToolUseStopPayload{} },
	TypeToolResult:       func() any { return &ToolResultPayload{} },
	TypeMessageDelta:     func() any { return &MessageDeltaPayload{} },
	TypeMessageStop:      func() any { return &MessageStopPayload{} },

	TypeUserMessage:       func() any { return &UserMessagePayload{} },
	TypeAssistantMessage:  func() any { return &AssistantMessagePayload{} },
	TypeToolCallMessage:   func() any { return &ToolCallMessagePayload{} },
	TypeToolResultMessage: func() any { return &ToolResultMessagePayload{} },
	TypeErrorMessage:      func() any { return &ErrorMessagePayload{} },

	TypeStateChange:  func() any { return &StateChangePayload{} },
	TypeTurnRequest:  func() any { return &TurnRequestPayload{} },
	TypeTurnResponse: func() any { return &TurnResponsePayload{} },

	TypeConnectionEstablished: func() any { return &ConnectionEstablishedPayload{} },
	TypeInterrupted:           func() any { return &InterruptedPayload{} },
	TypeSessionCreated:        func() any { return &SessionLifecyclePayload{} },
	TypeSessionResumed:        func() any { return &SessionLifecyclePayload{} },
	TypeSessionDestroyed:      func() any { return &SessionLifecyclePayload{} },
	TypeAgentStarted:          func() any { return &AgentLifecyclePayload{} },
	TypeAgentDestroyed:        func() any { return &AgentLifecyclePayload{} },
}
