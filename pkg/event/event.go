package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Context ties an event to the entities it concerns. All fields are
// optional; a field is set when the event is scoped to that entity.
type Context struct {
	ContainerID string `json:"containerId,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
	AgentID     string `json:"agentId,omitempty"`
	TurnID      string `json:"turnId,omitempty"`
}

// Event is an immutable tagged record. Data holds a pointer to one of the
// payload structs in payloads.go, or a Raw map for unregistered types.
type Event struct {
	Type          string   `json:"type"`
	Timestamp     int64    `json:"timestamp"` // milliseconds since epoch
	Source        Source   `json:"source"`
	Category      Category `json:"category"`
	Intent        Intent   `json:"intent"`
	Context       Context  `json:"context"`
	Data          any      `json:"data,omitempty"`
	Broadcastable bool     `json:"broadcastable"`
}

// NewID returns a fresh identifier for messages, turns and requests.
func NewID() string {
	return uuid.New().String()
}

// NowMillis returns the current time in milliseconds since epoch.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// WithContext returns a copy of the event with the given context fields
// merged in. Fields already set on the event win.
func (e Event) WithContext(ctx Context) Event {
	if e.Context.ContainerID == "" {
		e.Context.ContainerID = ctx.ContainerID
	}
	if e.Context.SessionID == "" {
		e.Context.SessionID = ctx.SessionID
	}
	if e.Context.AgentID == "" {
		e.Context.AgentID = ctx.AgentID
	}
	if e.Context.TurnID == "" {
		e.Context.TurnID = ctx.TurnID
	}
	return e
}

// eventWire mirrors Event with Data left raw for two-phase decoding.
type eventWire struct {
	Type          string          `json:"type"`
	Timestamp     int64           `json:"timestamp"`
	Source        Source          `json:"source"`
	Category      Category        `json:"category"`
	Intent        Intent          `json:"intent"`
	Context       Context         `json:"context"`
	Data          json.RawMessage `json:"data,omitempty"`
	Broadcastable bool            `json:"broadcastable"`
}

// UnmarshalJSON decodes the envelope first, then dispatches the data field
// to the payload struct registered for the event type. Unknown types keep
// their data as a Raw map so peers running newer code stay compatible.
func (e *Event) UnmarshalJSON(b []byte) error {
	var w eventWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	e.Type = w.Type
	e.Timestamp = w.Timestamp
	e.Source = w.Source
	e.Category = w.Category
	e.Intent = w.Intent
	e.Context = w.Context
	e.Broadcastable = w.Broadcastable
	e.Data = nil

	if len(w.Data) == 0 || string(w.Data) == "null" {
		return nil
	}
	if factory, ok := payloadFactories[w.Type]; ok {
		payload := factory()
		if err := json.Unmarshal(w.Data, payload); err != nil {
			return fmt.Errorf("decode %s payload: %w", w.Type, err)
		}
		e.Data = payload
		return nil
	}
	var raw Raw
	if err := json.Unmarshal(w.Data, &raw); err != nil {
		return fmt.Errorf("decode %s payload: %w", w.Type, err)
	}
	e.Data = raw
	return nil
}

// RequestID returns the requestId carried by command events, or "".
func (e Event) RequestID() string {
	switch d := e.Data.(type) {
	case Raw:
		return d.RequestID()
	case map[string]any:
		id, _ := d["requestId"].(string)
		return id
	}
	return ""
}

// --- Constructors ---
//
// Constructors own the canonical source/category/intent triple for each
// event type. Subsystems build events exclusively through these so the
// tagging cannot drift between producers.

func base(typ string, src Source, cat Category, intent Intent, ctx Context, data any, broadcastable bool) Event {
	return Event{
		Type:          typ,
		Timestamp:     NowMillis(),
		Source:        src,
		Category:      cat,
		Intent:        intent,
		Context:       ctx,
		Data:          data,
		Broadcastable: broadcastable,
	}
}

// NewStream builds a raw stream fragment. Stream fragments are internal:
// only the engine consumes them, so they are never broadcastable.
func NewStream(typ string, ctx Context, data any) Event {
	return base(typ, SourceEnvironment, CategoryStream, IntentNotification, ctx, data, false)
}

// NewUserMessageRequest builds the raw ingress form of a user message, as a
// client submits it. Intent is request: the assembler consumes it and emits
// the notification echo; the raw form is never enqueued.
func NewUserMessageRequest(ctx Context, p *UserMessagePayload) Event {
	return base(TypeUserMessage, SourceSession, CategoryMessage, IntentRequest, ctx, p, false)
}

// NewUserMessage builds the assembled (notification) form of a user message
// with its message id assigned. This is the form queues deliver and session
// storage persists.
func NewUserMessage(ctx Context, p *UserMessagePayload) Event {
	return base(TypeUserMessage, SourceSession, CategoryMessage, IntentNotification, ctx, p, true)
}

// NewMessage builds an assembled message event (assistant, tool call, tool
// result).
func NewMessage(typ string, ctx Context, data any) Event {
	return base(typ, SourceAgent, CategoryMessage, IntentNotification, ctx, data, true)
}

// NewStateChange builds an agent lifecycle transition event.
func NewStateChange(ctx Context, prev, current string) Event {
	return base(TypeStateChange, SourceAgent, CategoryState, IntentNotification, ctx,
		&StateChangePayload{Prev: prev, Current: current}, true)
}

// NewTurnRequest builds the event opening a turn.
func NewTurnRequest(ctx Context, p *TurnRequestPayload) Event {
	return base(TypeTurnRequest, SourceAgent, CategoryTurn, IntentNotification, ctx, p, true)
}

// NewTurnResponse builds the event closing a turn.
func NewTurnResponse(ctx Context, p *TurnResponsePayload) Event {
	return base(TypeTurnResponse, SourceAgent, CategoryTurn, IntentNotification, ctx, p, true)
}

// NewError builds an error_message event.
func NewError(ctx Context, message, code string) Event {
	return base(TypeErrorMessage, SourceAgent, CategoryError, IntentNotification, ctx,
		&ErrorMessagePayload{Message: message, Code: code}, true)
}

// NewLifecycle builds a lifecycle event (session/agent/connection).
func NewLifecycle(typ string, src Source, ctx Context, data any) Event {
	return base(typ, src, CategoryLifecycle, IntentNotification, ctx, data, true)
}

// NewCommandRequest builds a command request. The payload must carry the
// requestId the caller will correlate the response by.
func NewCommandRequest(typ string, ctx Context, data Raw) Event {
	return base(typ, SourceCommand, CategoryRequest, IntentRequest, ctx, data, false)
}

// NewCommandResponse builds the response to a command request.
func NewCommandResponse(typ string, ctx Context, data Raw) Event {
	return base(typ, SourceCommand, CategoryResponse, IntentResponse, ctx, data, true)
}
