// Package engine transforms raw LLM stream fragments into complete
// messages, lifecycle state transitions and turn metrics.
//
// The engine is pure: processors are functions (state, input) → (state,
// outputs) with no I/O, keyed by agent id. Outputs of one processor are
// re-injected into the whole pipeline within the same Process call, bounded
// by a configurable depth, which is how a freshly assembled message becomes
// input to the turn tracker without leaving the engine.
package engine

import "github.com/parleyio/parley/pkg/event"

// AgentState is the struct-of-states the composed pipeline runs on. Each
// processor owns exactly one field and never touches the others.
type AgentState struct {
	Assembler AssemblerState
	Lifecycle LifecycleState
	Turn      TurnState
}

// NewAgentState returns the initial state for a fresh agent.
func NewAgentState() AgentState {
	return AgentState{
		Assembler: newAssemblerState(),
		Lifecycle: StateIdle,
		Turn:      TurnState{},
	}
}

// Processor is a pure Mealy step: it maps the current state and one input
// event to a successor state and zero or more output events. Processors
// must not perform I/O and must not mutate the input event.
type Processor func(st AgentState, in event.Event) (AgentState, []event.Event)

// Chain composes processors sequentially. Every processor sees the same
// input event; state threads through from one to the next and outputs
// accumulate in processor order.
func Chain(ps ...Processor) Processor {
	return func(st AgentState, in event.Event) (AgentState, []event.Event) {
		var outputs []event.Event
		for _, p := range ps {
			var outs []event.Event
			st, outs = p(st, in)
			outputs = append(outputs, outs...)
		}
		return st, outputs
	}
}

// Combine composes processors that operate in parallel on disjoint fields
// of AgentState. Because each processor only reads and writes its own
// sub-state, threading the struct through them is equivalent to running
// them independently and merging; output order follows argument order.
func Combine(ps ...Processor) Processor {
	return Chain(ps...)
}

// DefaultMaxDepth bounds recursive re-injection of processor outputs.
const DefaultMaxDepth = 100

// run applies the processor to one input, then re-injects each output back
// into the processor until maxDepth generations have been produced. Returns
// the final state, all events produced in emission order (the direct
// outputs of an event precede any outputs derived from them), and whether
// the depth bound cut re-injection short. Events beyond maxDepth are still
// returned — only their further re-injection stops.
func run(p Processor, st AgentState, in event.Event, maxDepth int) (AgentState, []event.Event, bool) {
	type pending struct {
		evt   event.Event
		depth int
	}

	st, outs := p(st, in)
	collected := make([]event.Event, 0, len(outs))
	queue := make([]pending, 0, len(outs))
	for _, out := range outs {
		collected = append(collected, out)
		queue = append(queue, pending{evt: out, depth: 1})
	}

	truncated := false
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if next.depth >= maxDepth {
			truncated = true
			continue
		}
		var nested []event.Event
		st, nested = p(st, next.evt)
		for _, out := range nested {
			collected = append(collected, out)
			queue = append(queue, pending{evt: out, depth: next.depth + 1})
		}
	}
	return st, collected, truncated
}

// stamped copies the input event's timestamp onto an output so that a
// replay of the same inputs yields byte-identical outputs.
func stamped(in event.Event, out event.Event) event.Event {
	out.Timestamp = in.Timestamp
	return out
}
