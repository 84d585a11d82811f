package event

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip_TypedPayloads(t *testing.T) {
	ctx := Context{SessionID: "sess-1", AgentID: "agent-1", TurnID: "turn-1"}

	tests := []struct {
		name string
		evt  Event
	}{
		{"text_delta", NewStream(TypeTextDelta, ctx, &TextDeltaPayload{Index: 0, Text: "Hel"})},
		{"message_start", NewStream(TypeMessageStart, ctx, &MessageStartPayload{MessageID: "m1", Model: "x"})},
		{"message_stop", NewStream(TypeMessageStop, ctx, &MessageStopPayload{StopReason: StopReasonEndTurn, Usage: &Usage{InputTokens: 3, OutputTokens: 7}})},
		{"tool_use_start", NewStream(TypeToolUseStart, ctx, &ToolUseStartPayload{Index: 1, ToolCallID: "tc1", ToolName: "get_time"})},
		{"input_json_delta", NewStream(TypeInputJSONDelta, ctx, &InputJSONDeltaPayload{Index: 1, PartialJSON: `{"a":`})},
		{"user_message", NewUserMessage(ctx, &UserMessagePayload{MessageID: "m0", Content: "hi"})},
		{"assistant_message", NewMessage(TypeAssistantMessage, ctx, &AssistantMessagePayload{MessageID: "m2", Content: "Hello"})},
		{"tool_call_message", NewMessage(TypeToolCallMessage, ctx, &ToolCallMessagePayload{ToolCallID: "tc1", ToolName: "get_time", Input: map[string]any{}})},
		{"state_change", NewStateChange(ctx, "idle", "thinking")},
		{"turn_response", NewTurnResponse(ctx, &TurnResponsePayload{TurnID: "turn-1", MessageID: "m2", DurationMS: 12})},
		{"error_message", NewError(ctx, "boom", "parse_failure")},
		{"session_created", NewLifecycle(TypeSessionCreated, SourceSession, ctx, &SessionLifecyclePayload{SessionID: "sess-1"})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.evt)
			require.NoError(t, err)

			var decoded Event
			require.NoError(t, json.Unmarshal(data, &decoded))

			assert.Equal(t, tt.evt.Type, decoded.Type)
			assert.Equal(t, tt.evt.Timestamp, decoded.Timestamp)
			assert.Equal(t, tt.evt.Source, decoded.Source)
			assert.Equal(t, tt.evt.Category, decoded.Category)
			assert.Equal(t, tt.evt.Intent, decoded.Intent)
			assert.Equal(t, tt.evt.Context, decoded.Context)
			assert.Equal(t, tt.evt.Broadcastable, decoded.Broadcastable)
			assert.Equal(t, tt.evt.Data, decoded.Data)
		})
	}
}

func TestUnmarshal_UnknownTypeFallsBackToRaw(t *testing.T) {
	frame := `{"type":"image_create_request","timestamp":1,"source":"command",` +
		`"category":"request","intent":"request","context":{},` +
		`"data":{"requestId":"r1","name":"base"}}`

	var evt Event
	require.NoError(t, json.Unmarshal([]byte(frame), &evt))

	raw, ok := evt.Data.(Raw)
	require.True(t, ok, "unregistered types must decode to Raw")
	assert.Equal(t, "r1", raw.RequestID())
	assert.Equal(t, "base", raw["name"])
	assert.Equal(t, "r1", evt.RequestID())
}

func TestUnmarshal_ToleratesUnknownEnvelopeFields(t *testing.T) {
	frame := `{"type":"text_delta","timestamp":5,"source":"environment",` +
		`"category":"stream","intent":"notification","context":{"turnId":"t1"},` +
		`"data":{"index":0,"text":"x","futureField":true},"someNewField":"y"}`

	var evt Event
	require.NoError(t, json.Unmarshal([]byte(frame), &evt))
	p, ok := evt.Data.(*TextDeltaPayload)
	require.True(t, ok)
	assert.Equal(t, "x", p.Text)
}

func TestUnmarshal_NullDataIsNil(t *testing.T) {
	var evt Event
	require.NoError(t, json.Unmarshal([]byte(`{"type":"interrupted","data":null}`), &evt))
	assert.Nil(t, evt.Data)
}

func TestWithContext_DoesNotOverrideExisting(t *testing.T) {
	evt := NewStream(TypeTextDelta, Context{TurnID: "t1"}, &TextDeltaPayload{Text: "a"})
	merged := evt.WithContext(Context{SessionID: "s1", TurnID: "t2"})

	assert.Equal(t, "t1", merged.Context.TurnID, "existing turn id must win")
	assert.Equal(t, "s1", merged.Context.SessionID)
	// The receiver is a value; the original must be untouched.
	assert.Empty(t, evt.Context.SessionID)
}

func TestTerminalStopReason(t *testing.T) {
	assert.True(t, TerminalStopReason(StopReasonEndTurn))
	assert.True(t, TerminalStopReason(StopReasonMaxTokens))
	assert.True(t, TerminalStopReason(StopReasonStopSequence))
	assert.False(t, TerminalStopReason(StopReasonToolUse))
	assert.False(t, TerminalStopReason(""))
}

func TestConstructors_CanonicalTagging(t *testing.T) {
	stream := NewStream(TypeTextDelta, Context{}, &TextDeltaPayload{})
	assert.Equal(t, SourceEnvironment, stream.Source)
	assert.Equal(t, CategoryStream, stream.Category)
	assert.False(t, stream.Broadcastable, "raw fragments are engine-internal")

	msg := NewMessage(TypeAssistantMessage, Context{}, &AssistantMessagePayload{})
	assert.Equal(t, CategoryMessage, msg.Category)
	assert.True(t, msg.Broadcastable)

	req := NewCommandRequest("image_create_request", Context{}, Raw{"requestId": "r1"})
	assert.Equal(t, IntentRequest, req.Intent)
	assert.Equal(t, CategoryRequest, req.Category)
	assert.False(t, req.Broadcastable)

	resp := NewCommandResponse("image_create_response", Context{}, Raw{"requestId": "r1"})
	assert.Equal(t, CategoryResponse, resp.Category)
	assert.Equal(t, "r1", resp.RequestID())
}
