package engine

import "github.com/parleyio/parley/pkg/event"

// LifecycleState is an agent's position in the conversational lifecycle.
type LifecycleState string

// Agent lifecycle states.
const (
	StateIdle               LifecycleState = "idle"
	StateThinking           LifecycleState = "thinking"
	StateResponding         LifecycleState = "responding"
	StatePlanningTool       LifecycleState = "planning_tool"
	StateAwaitingToolResult LifecycleState = "awaiting_tool_result"
	StateInterrupted        LifecycleState = "interrupted"
	StateDestroyed          LifecycleState = "destroyed"
)

// StateTracker advances the agent lifecycle machine and emits a
// state_change event for every transition taken:
//
//	idle → thinking            assembled user_message
//	thinking → responding      text_delta
//	thinking|responding →      tool_use_start
//	  planning_tool
//	planning_tool →            tool_use_stop
//	  awaiting_tool_result
//	awaiting_tool_result →     tool_result
//	  thinking
//	any → idle                 terminal message_stop
//	any → interrupted → idle   interrupted
//
// Inputs that match no transition from the current state leave it unchanged
// and emit nothing.
func StateTracker(st AgentState, in event.Event) (AgentState, []event.Event) {
	current := st.Lifecycle
	if current == StateDestroyed {
		return st, nil
	}

	switch in.Type {
	case event.TypeUserMessage:
		// Only the assembled echo counts; the raw request form is consumed
		// by the assembler.
		if in.Intent != event.IntentNotification {
			return st, nil
		}
		if current == StateIdle {
			return transition(st, in, StateThinking)
		}

	case event.TypeTextDelta:
		if current == StateThinking {
			return transition(st, in, StateResponding)
		}

	case event.TypeToolUseStart:
		if current == StateThinking || current == StateResponding {
			return transition(st, in, StatePlanningTool)
		}

	case event.TypeToolUseStop:
		if current == StatePlanningTool {
			return transition(st, in, StateAwaitingToolResult)
		}

	case event.TypeToolResult:
		if current == StateAwaitingToolResult {
			return transition(st, in, StateThinking)
		}

	case event.TypeMessageStop:
		p, ok := in.Data.(*event.MessageStopPayload)
		if !ok || !event.TerminalStopReason(p.StopReason) {
			return st, nil
		}
		if current != StateIdle {
			return transition(st, in, StateIdle)
		}

	case event.TypeInterrupted:
		if current == StateIdle {
			return st, nil // nothing in flight; interrupt is idempotent
		}
		st, first := transition(st, in, StateInterrupted)
		st, second := transition(st, in, StateIdle)
		return st, append(first, second...)
	}

	return st, nil
}

func transition(st AgentState, in event.Event, next LifecycleState) (AgentState, []event.Event) {
	prev := st.Lifecycle
	st.Lifecycle = next
	out := stamped(in, event.NewStateChange(in.Context, string(prev), string(next)))
	return st, []event.Event{out}
}
