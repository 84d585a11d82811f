package engine

import (
	"log/slog"
	"sync"

	"github.com/parleyio/parley/pkg/event"
)

// Option configures an Engine.
type Option func(*Engine)

// WithMaxDepth overrides the re-injection depth bound.
func WithMaxDepth(depth int) Option {
	return func(e *Engine) {
		if depth > 0 {
			e.maxDepth = depth
		}
	}
}

// WithProcessor replaces the default assembler/state/turn pipeline.
func WithProcessor(p Processor) Option {
	return func(e *Engine) { e.proc = p }
}

// agentSlot serializes processing for one agent: only one event may be in
// flight per agent at a time.
type agentSlot struct {
	mu    sync.Mutex
	state AgentState
}

// Engine holds per-agent Mealy state and applies the composed pipeline to
// incoming events. It performs no I/O; callers route the returned events to
// the bus.
type Engine struct {
	proc     Processor
	maxDepth int

	mu     sync.Mutex
	agents map[string]*agentSlot
}

// New creates an engine with the default pipeline: message assembler, then
// state tracker, then turn tracker.
func New(opts ...Option) *Engine {
	e := &Engine{
		proc:     Chain(MessageAssembler, StateTracker, TurnTracker),
		maxDepth: DefaultMaxDepth,
		agents:   make(map[string]*agentSlot),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) slot(agentID string) *agentSlot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.agents[agentID]
	if !ok {
		s = &agentSlot{state: NewAgentState()}
		e.agents[agentID] = s
	}
	return s
}

// Process applies the pipeline to one event for the given agent and returns
// every event produced, including those from recursive re-injection. The
// call runs to completion synchronously; concurrent calls for the same
// agent serialize, calls for different agents proceed in parallel.
func (e *Engine) Process(agentID string, in event.Event) []event.Event {
	s := e.slot(agentID)
	s.mu.Lock()
	defer s.mu.Unlock()

	state, outs, truncated := run(e.proc, s.state, in, e.maxDepth)
	s.state = state

	if truncated {
		slog.Warn("engine re-injection reached depth bound",
			"agent_id", agentID, "input_type", in.Type, "max_depth", e.maxDepth)
	}
	return outs
}

// Interrupt cancels the agent's in-flight work: pending assembly and the
// open turn are cleared and the lifecycle returns to idle. Idempotent.
// Queue entries already appended are unaffected. The returned slice starts
// with the broadcastable interrupted event, followed by the state
// transitions it caused.
func (e *Engine) Interrupt(agentID string) []event.Event {
	s := e.slot(agentID)
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := event.Context{AgentID: agentID}
	var turnID string
	if s.state.Turn.Pending != nil {
		turnID = s.state.Turn.Pending.TurnID
		ctx.TurnID = turnID
	}
	in := event.NewLifecycle(event.TypeInterrupted, event.SourceAgent, ctx,
		&event.InterruptedPayload{TurnID: turnID})

	state, outs, _ := run(e.proc, s.state, in, e.maxDepth)
	s.state = state

	return append([]event.Event{in}, outs...)
}

// Destroy marks the agent destroyed; subsequent events for it are ignored.
// Called when the owning container is disposed.
func (e *Engine) Destroy(agentID string) {
	s := e.slot(agentID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = NewAgentState()
	s.state.Lifecycle = StateDestroyed
}

// State returns a snapshot of the agent's current state.
func (e *Engine) State(agentID string) AgentState {
	s := e.slot(agentID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
