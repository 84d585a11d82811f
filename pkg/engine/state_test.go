package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyio/parley/pkg/event"
)

func echoUserMsg(ts int64) event.Event {
	return at(ts, event.NewUserMessage(testCtx(), &event.UserMessagePayload{MessageID: "m1", Content: "hi"}))
}

func stateAt(lc LifecycleState) AgentState {
	st := NewAgentState()
	st.Lifecycle = lc
	return st
}

func TestStateTracker_Transitions(t *testing.T) {
	tests := []struct {
		name string
		from LifecycleState
		in   event.Event
		want LifecycleState
	}{
		{"user message wakes idle agent", StateIdle, echoUserMsg(1), StateThinking},
		{"text delta starts response", StateThinking, stream(1, event.TypeTextDelta, &event.TextDeltaPayload{Text: "x"}), StateResponding},
		{"tool use from thinking", StateThinking, stream(1, event.TypeToolUseStart, &event.ToolUseStartPayload{ToolCallID: "tc1"}), StatePlanningTool},
		{"tool use after text", StateResponding, stream(1, event.TypeToolUseStart, &event.ToolUseStartPayload{ToolCallID: "tc1"}), StatePlanningTool},
		{"tool use stop awaits result", StatePlanningTool, stream(1, event.TypeToolUseStop, &event.ToolUseStopPayload{ToolCallID: "tc1"}), StateAwaitingToolResult},
		{"tool result resumes thinking", StateAwaitingToolResult, stream(1, event.TypeToolResult, &event.ToolResultPayload{ToolCallID: "tc1"}), StateThinking},
		{"terminal stop returns to idle", StateResponding, stream(1, event.TypeMessageStop, &event.MessageStopPayload{StopReason: event.StopReasonEndTurn}), StateIdle},
		{"max_tokens is terminal", StateResponding, stream(1, event.TypeMessageStop, &event.MessageStopPayload{StopReason: event.StopReasonMaxTokens}), StateIdle},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, outs := StateTracker(stateAt(tt.from), tt.in)
			assert.Equal(t, tt.want, st.Lifecycle)
			require.Len(t, outs, 1)
			change := outs[0].Data.(*event.StateChangePayload)
			assert.Equal(t, string(tt.from), change.Prev)
			assert.Equal(t, string(tt.want), change.Current)
		})
	}
}

func TestStateTracker_NonTransitionsEmitNothing(t *testing.T) {
	tests := []struct {
		name string
		from LifecycleState
		in   event.Event
	}{
		{"tool_use stop reason keeps state", StateAwaitingToolResult, stream(1, event.TypeMessageStop, &event.MessageStopPayload{StopReason: event.StopReasonToolUse})},
		{"raw user message is for the assembler", StateIdle, userMsg(1, "m1", "hi")},
		{"text delta while idle", StateIdle, stream(1, event.TypeTextDelta, &event.TextDeltaPayload{Text: "x"})},
		{"interrupt while idle", StateIdle, event.NewLifecycle(event.TypeInterrupted, event.SourceAgent, testCtx(), &event.InterruptedPayload{})},
		{"destroyed ignores everything", StateDestroyed, echoUserMsg(1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, outs := StateTracker(stateAt(tt.from), tt.in)
			assert.Equal(t, tt.from, st.Lifecycle)
			assert.Empty(t, outs)
		})
	}
}

func TestStateTracker_InterruptPassesThroughInterruptedState(t *testing.T) {
	st, outs := StateTracker(stateAt(StateResponding),
		event.NewLifecycle(event.TypeInterrupted, event.SourceAgent, testCtx(), &event.InterruptedPayload{}))

	assert.Equal(t, StateIdle, st.Lifecycle)
	require.Len(t, outs, 2)
	assert.Equal(t, "interrupted", outs[0].Data.(*event.StateChangePayload).Current)
	assert.Equal(t, "idle", outs[1].Data.(*event.StateChangePayload).Current)
}
