package engine

import (
	"encoding/json"
	"sort"

	"github.com/parleyio/parley/pkg/event"
)

// textBlock accumulates text deltas for one content-block index.
type textBlock struct {
	Content   string
	StartedAt int64
	Closed    bool
}

// toolBlock accumulates the partial JSON input of one tool call.
type toolBlock struct {
	ToolCallID  string
	ToolName    string
	PartialJSON string
}

// AssemblerState is the message assembler's half-built view of the current
// assistant message. Open is false between message_start/message_stop
// pairs; every block operation is ignored while no message is open.
type AssemblerState struct {
	Open       bool
	MessageID  string
	Model      string
	TextBlocks map[int]textBlock
	ToolBlocks map[int]toolBlock
}

func newAssemblerState() AssemblerState {
	return AssemblerState{
		TextBlocks: map[int]textBlock{},
		ToolBlocks: map[int]toolBlock{},
	}
}

// reset clears any half-built message, keeping the maps allocated.
func (s AssemblerState) reset() AssemblerState {
	s.Open = false
	s.MessageID = ""
	s.Model = ""
	s.TextBlocks = map[int]textBlock{}
	s.ToolBlocks = map[int]toolBlock{}
	return s
}

// MessageAssembler turns stream fragments into complete typed messages.
//
// It consumes the raw (intent: request) form of user_message and emits the
// notification echo with an assigned message id; assistant text assembles
// per content-block index and concatenates in index order at message_stop;
// tool input JSON accumulates until tool_use_stop, where it parses — a
// parse failure still yields a tool_call_message (with empty input) plus an
// error_message carrying the failure.
func MessageAssembler(st AgentState, in event.Event) (AgentState, []event.Event) {
	if st.Lifecycle == StateDestroyed {
		return st, nil
	}
	s := st.Assembler

	switch in.Type {
	case event.TypeUserMessage:
		p, ok := in.Data.(*event.UserMessagePayload)
		if !ok || in.Intent != event.IntentRequest {
			return st, nil // already assembled, or malformed
		}
		echo := *p
		if echo.MessageID == "" {
			echo.MessageID = event.NewID()
		}
		out := stamped(in, event.NewUserMessage(in.Context, &echo))
		return st, []event.Event{out}

	case event.TypeMessageStart:
		p, ok := in.Data.(*event.MessageStartPayload)
		if !ok {
			return st, nil
		}
		s = s.reset()
		s.Open = true
		s.MessageID = p.MessageID
		s.Model = p.Model
		st.Assembler = s
		return st, nil

	case event.TypeTextContentStart:
		p, ok := in.Data.(*event.TextContentStartPayload)
		if !ok || !s.Open {
			return st, nil
		}
		if _, exists := s.TextBlocks[p.Index]; !exists {
			s.TextBlocks[p.Index] = textBlock{StartedAt: in.Timestamp}
		}
		st.Assembler = s
		return st, nil

	case event.TypeTextDelta:
		p, ok := in.Data.(*event.TextDeltaPayload)
		if !ok || !s.Open {
			return st, nil
		}
		block, exists := s.TextBlocks[p.Index]
		if !exists {
			block = textBlock{StartedAt: in.Timestamp}
		}
		block.Content += p.Text
		s.TextBlocks[p.Index] = block
		st.Assembler = s
		return st, nil

	case event.TypeTextContentStop:
		p, ok := in.Data.(*event.TextContentStopPayload)
		if !ok || !s.Open {
			return st, nil
		}
		if block, exists := s.TextBlocks[p.Index]; exists {
			block.Closed = true
			s.TextBlocks[p.Index] = block
			st.Assembler = s
		}
		return st, nil

	case event.TypeToolUseStart:
		p, ok := in.Data.(*event.ToolUseStartPayload)
		if !ok || !s.Open {
			return st, nil
		}
		s.ToolBlocks[p.Index] = toolBlock{ToolCallID: p.ToolCallID, ToolName: p.ToolName}
		st.Assembler = s
		return st, nil

	case event.TypeInputJSONDelta:
		p, ok := in.Data.(*event.InputJSONDeltaPayload)
		if !ok || !s.Open {
			return st, nil
		}
		block, exists := s.ToolBlocks[p.Index]
		if !exists {
			return st, nil
		}
		block.PartialJSON += p.PartialJSON
		s.ToolBlocks[p.Index] = block
		st.Assembler = s
		return st, nil

	case event.TypeToolUseStop:
		p, ok := in.Data.(*event.ToolUseStopPayload)
		if !ok || !s.Open {
			return st, nil
		}
		block, exists := s.ToolBlocks[p.Index]
		if !exists {
			return st, nil
		}
		delete(s.ToolBlocks, p.Index)
		st.Assembler = s
		return st, emitToolCall(in, block)

	case event.TypeToolResult:
		p, ok := in.Data.(*event.ToolResultPayload)
		if !ok {
			return st, nil
		}
		out := stamped(in, event.NewMessage(event.TypeToolResultMessage, in.Context,
			&event.ToolResultMessagePayload{ToolCallID: p.ToolCallID, Result: p.Result, IsError: p.IsError}))
		return st, []event.Event{out}

	case event.TypeMessageStop:
		if _, ok := in.Data.(*event.MessageStopPayload); !ok {
			return st, nil
		}
		if !s.Open {
			return st, nil // message_stop with no prior message_start
		}
		outs := emitAssistant(in, s)
		st.Assembler = s.reset()
		return st, outs

	case event.TypeInterrupted:
		st.Assembler = s.reset()
		return st, nil
	}

	return st, nil
}

// emitAssistant concatenates text blocks in index order. A message with no
// text blocks (pure tool-use message) produces no assistant_message; blocks
// holding only empty deltas produce an empty-content message.
func emitAssistant(in event.Event, s AssemblerState) []event.Event {
	if len(s.TextBlocks) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(s.TextBlocks))
	for idx := range s.TextBlocks {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	content := ""
	for _, idx := range indexes {
		content += s.TextBlocks[idx].Content
	}

	out := stamped(in, event.NewMessage(event.TypeAssistantMessage, in.Context,
		&event.AssistantMessagePayload{MessageID: s.MessageID, Content: content, Model: s.Model}))
	return []event.Event{out}
}

// emitToolCall parses the accumulated input JSON. No accumulated input
// parses as an empty input; malformed input degrades to an empty input with
// an error_message alongside.
func emitToolCall(in event.Event, block toolBlock) []event.Event {
	input := map[string]any{}
	var parseErr error
	if block.PartialJSON != "" {
		parseErr = json.Unmarshal([]byte(block.PartialJSON), &input)
		if parseErr != nil {
			input = map[string]any{}
		}
	}

	call := stamped(in, event.NewMessage(event.TypeToolCallMessage, in.Context,
		&event.ToolCallMessagePayload{ToolCallID: block.ToolCallID, ToolName: block.ToolName, Input: input}))
	outs := []event.Event{call}

	if parseErr != nil {
		outs = append(outs, stamped(in, event.NewError(in.Context,
			"tool input JSON parse failed: "+parseErr.Error(), "tool_input_parse_failure")))
	}
	return outs
}
