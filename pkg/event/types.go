// Package event defines the tagged event records that flow through the bus,
// the engine and the topic queue, plus their JSON wire form.
//
// ════════════════════════════════════════════════════════════════
// Turn lifecycle
// ════════════════════════════════════════════════════════════════
//
// A turn is one request/response cycle. It opens when a user_message is
// ingested and closes when a message_stop with a terminal stop reason
// (end_turn, max_tokens, stop_sequence) is observed. A message_stop with
// stop reason tool_use does NOT close the turn — the driver continues the
// same turn after the tool result.
//
// Every stream fragment produced while a turn is in progress carries that
// turn's id in Context.TurnID. The id is allocated at user_message ingress
// and never mutated.
//
// Raw stream fragments (source: environment) are consumed only by the
// engine and are never broadcast to clients; the engine's transformed
// events (messages, state changes, turn metrics) are broadcastable and are
// what the queue delivers.
// ════════════════════════════════════════════════════════════════
package event

// Source identifies the subsystem an event originated from.
type Source string

// Event sources.
const (
	SourceEnvironment Source = "environment"
	SourceAgent       Source = "agent"
	SourceSession     Source = "session"
	SourceContainer   Source = "container"
	SourceCommand     Source = "command"
)

// Category is the coarse event class used for routing decisions.
type Category string

// Event categories.
const (
	CategoryStream    Category = "stream"
	CategoryState     Category = "state"
	CategoryMessage   Category = "message"
	CategoryTurn      Category = "turn"
	CategoryLifecycle Category = "lifecycle"
	CategoryRequest   Category = "request"
	CategoryResponse  Category = "response"
	CategoryError     Category = "error"
)

// Intent describes what the emitter expects to happen with the event.
type Intent string

// Event intents.
const (
	IntentRequest      Intent = "request"
	IntentResponse     Intent = "response"
	IntentNotification Intent = "notification"
	IntentResult       Intent = "result"
)

// Stream event types — raw LLM fragments emitted by a driver.
const (
	TypeMessageStart         = "message_start"
	TypeTextContentStart     = "text_content_block_start"
	TypeTextDelta            = "text_delta"
	TypeTextContentStop      = "text_content_block_stop"
	TypeToolUseStart         = "tool_use_start"
	TypeInputJSONDelta       = "input_json_delta"
	TypeToolUseStop          = "tool_use_stop"
	TypeToolResult           = "tool_result"
	TypeMessageDelta         = "message_delta"
	TypeMessageStop          = "message_stop"
)

// Message event types — complete messages assembled by the engine.
const (
	TypeUserMessage       = "user_message"
	TypeAssistantMessage  = "assistant_message"
	TypeToolCallMessage   = "tool_call_message"
	TypeToolResultMessage = "tool_result_message"
	TypeErrorMessage      = "error_message"
)

// State and turn event types.
const (
	TypeStateChange  = "state_change"
	TypeTurnRequest  = "turn_request"
	TypeTurnResponse = "turn_response"
)

// Lifecycle event types.
const (
	TypeConnectionEstablished = "connection_established"
	TypeInterrupted           = "interrupted"
	TypeSessionCreated        = "session_created"
	TypeSessionResumed        = "session_resumed"
	TypeSessionDestroyed      = "session_destroyed"
	TypeAgentStarted          = "agent_started"
	TypeAgentDestroyed        = "agent_destroyed"
)

// Stop reasons carried by message_delta / message_stop.
const (
	StopReasonEndTurn      = "end_turn"
	StopReasonMaxTokens    = "max_tokens"
	StopReasonStopSequence = "stop_sequence"
	StopReasonToolUse      = "tool_use"
)

// TerminalStopReason reports whether a stop reason closes the turn.
// tool_use keeps the turn open — the driver resumes after the tool result.
func TerminalStopReason(reason string) bool {
	switch reason {
	case StopReasonEndTurn, StopReasonMaxTokens, StopReasonStopSequence:
		return true
	}
	return false
}

// GlobalTopic is the distinguished queue topic every connection starts
// subscribed to. All other topics are session ids.
const GlobalTopic = "global"
