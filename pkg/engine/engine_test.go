package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyio/parley/pkg/event"
)

const agentA = "agent-A"

func testCtx() event.Context {
	return event.Context{AgentID: agentA, SessionID: "sess-1", TurnID: "turn-1"}
}

func at(ts int64, evt event.Event) event.Event {
	evt.Timestamp = ts
	return evt
}

func userMsg(ts int64, messageID, content string) event.Event {
	return at(ts, event.NewUserMessageRequest(testCtx(),
		&event.UserMessagePayload{MessageID: messageID, Content: content}))
}

func stream(ts int64, typ string, data any) event.Event {
	return at(ts, event.NewStream(typ, testCtx(), data))
}

func types(events []event.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

// Single-turn text response, start to finish.
func TestEngine_SingleTurnText(t *testing.T) {
	e := New()

	outs := e.Process(agentA, userMsg(1000, "m1", "hi"))
	require.Equal(t, []string{
		event.TypeUserMessage,
		event.TypeTurnRequest,
		event.TypeStateChange,
	}, types(outs))

	echo := outs[0].Data.(*event.UserMessagePayload)
	assert.Equal(t, "m1", echo.MessageID)
	assert.Equal(t, event.IntentNotification, outs[0].Intent)

	turnReq := outs[1].Data.(*event.TurnRequestPayload)
	assert.Equal(t, "turn-1", turnReq.TurnID)
	assert.Equal(t, "m1", turnReq.MessageID)

	change := outs[2].Data.(*event.StateChangePayload)
	assert.Equal(t, "idle", change.Prev)
	assert.Equal(t, "thinking", change.Current)

	outs = e.Process(agentA, stream(1010, event.TypeMessageStart,
		&event.MessageStartPayload{MessageID: "m2", Model: "x"}))
	assert.Empty(t, outs)

	outs = e.Process(agentA, stream(1020, event.TypeTextDelta,
		&event.TextDeltaPayload{Index: 0, Text: "Hel"}))
	require.Equal(t, []string{event.TypeStateChange}, types(outs))
	change = outs[0].Data.(*event.StateChangePayload)
	assert.Equal(t, "thinking", change.Prev)
	assert.Equal(t, "responding", change.Current)

	outs = e.Process(agentA, stream(1030, event.TypeTextDelta,
		&event.TextDeltaPayload{Index: 0, Text: "lo"}))
	assert.Empty(t, outs)

	outs = e.Process(agentA, stream(1500, event.TypeMessageStop,
		&event.MessageStopPayload{StopReason: event.StopReasonEndTurn}))
	require.Equal(t, []string{
		event.TypeAssistantMessage,
		event.TypeStateChange,
		event.TypeTurnResponse,
	}, types(outs))

	msg := outs[0].Data.(*event.AssistantMessagePayload)
	assert.Equal(t, "m2", msg.MessageID)
	assert.Equal(t, "Hello", msg.Content)

	change = outs[1].Data.(*event.StateChangePayload)
	assert.Equal(t, "responding", change.Prev)
	assert.Equal(t, "idle", change.Current)

	turnResp := outs[2].Data.(*event.TurnResponsePayload)
	assert.Equal(t, "turn-1", turnResp.TurnID)
	assert.Equal(t, "m2", turnResp.MessageID)
	assert.Equal(t, int64(500), turnResp.DurationMS)
}

// Tool call and continuation: one turn spanning two assistant messages.
func TestEngine_ToolCallContinuation(t *testing.T) {
	e := New()
	var all []event.Event

	inputs := []event.Event{
		userMsg(1000, "m0", "time?"),
		stream(1010, event.TypeMessageStart, &event.MessageStartPayload{MessageID: "m1"}),
		stream(1020, event.TypeToolUseStart, &event.ToolUseStartPayload{Index: 0, ToolCallID: "tc1", ToolName: "get_time"}),
		stream(1030, event.TypeInputJSONDelta, &event.InputJSONDeltaPayload{Index: 0, PartialJSON: "{}"}),
		stream(1040, event.TypeToolUseStop, &event.ToolUseStopPayload{Index: 0, ToolCallID: "tc1"}),
		stream(1050, event.TypeMessageStop, &event.MessageStopPayload{StopReason: event.StopReasonToolUse}),
		stream(1100, event.TypeToolResult, &event.ToolResultPayload{ToolCallID: "tc1", Result: "12:00"}),
		stream(1110, event.TypeMessageStart, &event.MessageStartPayload{MessageID: "m2"}),
		stream(1120, event.TypeTextDelta, &event.TextDeltaPayload{Index: 0, Text: "It is 12:00"}),
		stream(1200, event.TypeMessageStop, &event.MessageStopPayload{StopReason: event.StopReasonEndTurn}),
	}
	for _, in := range inputs {
		all = append(all, e.Process(agentA, in)...)
	}

	byType := map[string][]event.Event{}
	for _, evt := range all {
		byType[evt.Type] = append(byType[evt.Type], evt)
	}

	require.Len(t, byType[event.TypeTurnRequest], 1, "exactly one turn_request")
	require.Len(t, byType[event.TypeTurnResponse], 1, "exactly one turn_response")
	require.Len(t, byType[event.TypeToolCallMessage], 1)
	require.Len(t, byType[event.TypeToolResultMessage], 1)
	require.Len(t, byType[event.TypeAssistantMessage], 1, "the pure tool-use message must not produce an assistant_message")

	call := byType[event.TypeToolCallMessage][0].Data.(*event.ToolCallMessagePayload)
	assert.Equal(t, "tc1", call.ToolCallID)
	assert.Equal(t, "get_time", call.ToolName)
	assert.Equal(t, map[string]any{}, call.Input)

	result := byType[event.TypeToolResultMessage][0].Data.(*event.ToolResultMessagePayload)
	assert.Equal(t, "12:00", result.Result)

	msg := byType[event.TypeAssistantMessage][0].Data.(*event.AssistantMessagePayload)
	assert.Equal(t, "m2", msg.MessageID)
	assert.Equal(t, "It is 12:00", msg.Content)

	resp := byType[event.TypeTurnResponse][0].Data.(*event.TurnResponsePayload)
	assert.Equal(t, "turn-1", resp.TurnID)
	assert.Equal(t, "m2", resp.MessageID)
}

// Interrupt mid-stream abandons the turn; late fragments are ignored.
func TestEngine_InterruptMidStream(t *testing.T) {
	e := New()
	var all []event.Event

	all = append(all, e.Process(agentA, userMsg(1000, "m1", "hi"))...)
	all = append(all, e.Process(agentA, stream(1010, event.TypeMessageStart,
		&event.MessageStartPayload{MessageID: "m2"}))...)
	all = append(all, e.Process(agentA, stream(1020, event.TypeTextDelta,
		&event.TextDeltaPayload{Text: "Hel"}))...)

	interruptOuts := e.Interrupt(agentA)
	all = append(all, interruptOuts...)

	// Late delta after the interrupt.
	all = append(all, e.Process(agentA, stream(1030, event.TypeTextDelta,
		&event.TextDeltaPayload{Text: "lo"}))...)

	require.Equal(t, []string{
		event.TypeInterrupted,
		event.TypeStateChange,
		event.TypeStateChange,
	}, types(interruptOuts))
	first := interruptOuts[1].Data.(*event.StateChangePayload)
	second := interruptOuts[2].Data.(*event.StateChangePayload)
	assert.Equal(t, "responding", first.Prev)
	assert.Equal(t, "interrupted", first.Current)
	assert.Equal(t, "interrupted", second.Prev)
	assert.Equal(t, "idle", second.Current)

	for _, evt := range all {
		assert.NotEqual(t, event.TypeAssistantMessage, evt.Type, "no assistant_message after interrupt")
		assert.NotEqual(t, event.TypeTurnResponse, evt.Type, "no turn_response after interrupt")
	}

	var turnRequests int
	for _, evt := range all {
		if evt.Type == event.TypeTurnRequest {
			turnRequests++
		}
	}
	assert.Equal(t, 1, turnRequests, "turn_request from before the interrupt is present")

	// A second interrupt is a no-op beyond the lifecycle event itself.
	again := e.Interrupt(agentA)
	require.Equal(t, []string{event.TypeInterrupted}, types(again))
}

// The engine is deterministic: replaying the same inputs through a fresh
// engine yields identical outputs and state.
func TestEngine_Deterministic(t *testing.T) {
	inputs := []event.Event{
		userMsg(1000, "m0", "time?"),
		stream(1010, event.TypeMessageStart, &event.MessageStartPayload{MessageID: "m1"}),
		stream(1020, event.TypeToolUseStart, &event.ToolUseStartPayload{Index: 0, ToolCallID: "tc1", ToolName: "get_time"}),
		stream(1030, event.TypeToolUseStop, &event.ToolUseStopPayload{Index: 0, ToolCallID: "tc1"}),
		stream(1040, event.TypeMessageStop, &event.MessageStopPayload{StopReason: event.StopReasonToolUse}),
		stream(1050, event.TypeToolResult, &event.ToolResultPayload{ToolCallID: "tc1", Result: "12:00"}),
		stream(1060, event.TypeMessageStart, &event.MessageStartPayload{MessageID: "m2"}),
		stream(1070, event.TypeTextDelta, &event.TextDeltaPayload{Text: "It is 12:00"}),
		stream(1080, event.TypeMessageStop, &event.MessageStopPayload{StopReason: event.StopReasonEndTurn}),
	}

	runAll := func() ([]event.Event, AgentState) {
		e := New()
		var all []event.Event
		for _, in := range inputs {
			all = append(all, e.Process(agentA, in)...)
		}
		return all, e.State(agentA)
	}

	first, firstState := runAll()
	second, secondState := runAll()

	assert.Equal(t, first, second)
	assert.Equal(t, firstState, secondState)
}

// A processor that echoes its input forever must be stopped by the depth
// bound instead of hanging Process.
func TestEngine_MaxDepthBoundsReinjection(t *testing.T) {
	echo := func(st AgentState, in event.Event) (AgentState, []event.Event) {
		return st, []event.Event{in}
	}
	e := New(WithProcessor(echo), WithMaxDepth(5))

	outs := e.Process(agentA, stream(1, event.TypeTextDelta, &event.TextDeltaPayload{Text: "x"}))
	assert.Len(t, outs, 5)
}

func TestEngine_AgentsAreIsolated(t *testing.T) {
	e := New()

	e.Process("agent-1", userMsg(1000, "m1", "hi"))
	assert.Equal(t, StateThinking, e.State("agent-1").Lifecycle)
	assert.Equal(t, StateIdle, e.State("agent-2").Lifecycle)
}

func TestEngine_DestroyedAgentIgnoresEvents(t *testing.T) {
	e := New()
	e.Destroy(agentA)

	outs := e.Process(agentA, userMsg(1000, "m1", "hi"))
	assert.Empty(t, outs)
	assert.Equal(t, StateDestroyed, e.State(agentA).Lifecycle)
}

func TestChainAndCombine(t *testing.T) {
	appendOut := func(tag string) Processor {
		return func(st AgentState, in event.Event) (AgentState, []event.Event) {
			if in.Type != event.TypeTextDelta {
				return st, nil
			}
			return st, []event.Event{event.NewError(in.Context, tag, "")}
		}
	}

	chained := Chain(appendOut("a"), appendOut("b"))
	_, outs := chained(NewAgentState(), stream(1, event.TypeTextDelta, &event.TextDeltaPayload{}))
	require.Len(t, outs, 2)
	assert.Equal(t, "a", outs[0].Data.(*event.ErrorMessagePayload).Message)
	assert.Equal(t, "b", outs[1].Data.(*event.ErrorMessagePayload).Message)

	combined := Combine(appendOut("a"), appendOut("b"))
	_, outs = combined(NewAgentState(), stream(1, event.TypeTextDelta, &event.TextDeltaPayload{}))
	assert.Len(t, outs, 2)
}
