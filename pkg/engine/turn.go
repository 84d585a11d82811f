package engine

import "github.com/parleyio/parley/pkg/event"

// PendingTurn is the open request/response cycle for one agent.
type PendingTurn struct {
	TurnID      string
	MessageID   string // user message that opened the turn
	Content     string
	RequestedAt int64 // milliseconds, from the user_message timestamp
}

// TurnState tracks the open turn and the assistant message that will close
// it.
type TurnState struct {
	Pending         *PendingTurn
	LastAssistantID string
}

// TurnTracker pairs user requests with assistant responses.
//
// A raw user_message opens the turn and emits turn_request; a message_stop
// with a terminal stop reason closes it and emits turn_response with the
// turn duration and usage. A tool_use stop reason keeps the turn open — the
// response is still coming. Interrupts abandon the turn without a
// turn_response.
func TurnTracker(st AgentState, in event.Event) (AgentState, []event.Event) {
	if st.Lifecycle == StateDestroyed {
		return st, nil
	}
	s := st.Turn

	switch in.Type {
	case event.TypeUserMessage:
		p, ok := in.Data.(*event.UserMessagePayload)
		if !ok || in.Intent != event.IntentRequest {
			return st, nil
		}
		turnID := in.Context.TurnID
		if turnID == "" {
			turnID = event.NewID()
		}
		s.Pending = &PendingTurn{
			TurnID:      turnID,
			MessageID:   p.MessageID,
			Content:     p.Content,
			RequestedAt: in.Timestamp,
		}
		s.LastAssistantID = ""
		st.Turn = s

		ctx := in.Context
		ctx.TurnID = turnID
		out := stamped(in, event.NewTurnRequest(ctx,
			&event.TurnRequestPayload{TurnID: turnID, MessageID: p.MessageID}))
		return st, []event.Event{out}

	case event.TypeMessageStart:
		p, ok := in.Data.(*event.MessageStartPayload)
		if !ok {
			return st, nil
		}
		s.LastAssistantID = p.MessageID
		st.Turn = s
		return st, nil

	case event.TypeMessageStop:
		p, ok := in.Data.(*event.MessageStopPayload)
		if !ok || s.Pending == nil || !event.TerminalStopReason(p.StopReason) {
			return st, nil
		}
		duration := in.Timestamp - s.Pending.RequestedAt
		if duration < 0 {
			duration = 0
		}
		ctx := in.Context
		ctx.TurnID = s.Pending.TurnID
		out := stamped(in, event.NewTurnResponse(ctx, &event.TurnResponsePayload{
			TurnID:     s.Pending.TurnID,
			MessageID:  s.LastAssistantID,
			DurationMS: duration,
			Usage:      p.Usage,
		}))
		s.Pending = nil
		st.Turn = s
		return st, []event.Event{out}

	case event.TypeInterrupted:
		s.Pending = nil
		st.Turn = s
		return st, nil
	}

	return st, nil
}
