package runtime

import (
	"context"
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/parleyio/parley/pkg/engine"
	"github.com/parleyio/parley/pkg/event"
	"github.com/parleyio/parley/pkg/models"
)

// ingressBuffer bounds the driver→engine channel; a full buffer applies
// backpressure to the producer.
const ingressBuffer = 64

// titleMaxLen caps the session title derived from the first user message.
const titleMaxLen = 80

// Agent is one live conversational agent. Events enter through Feed (or the
// SendUserMessage convenience) and are processed strictly one at a time, in
// arrival order.
type Agent struct {
	id          string
	containerID string
	rt          *Runtime

	in       chan event.Event
	turnReqs chan event.Event // driver feed, nil when the runtime has no driver
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}

	mu        sync.Mutex
	session   *models.Session
	turnID    string // open turn, "" between turns
	destroyed bool
}

func newAgent(rt *Runtime, sess *models.Session, containerID string) *Agent {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		id:          event.NewID(),
		containerID: containerID,
		rt:          rt,
		session:     sess,
		in:          make(chan event.Event, ingressBuffer),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	if rt.driver != nil {
		a.turnReqs = make(chan event.Event, ingressBuffer)
	}
	return a
}

// ID returns the agent id.
func (a *Agent) ID() string { return a.id }

// ContainerID returns the owning container's id.
func (a *Agent) ContainerID() string { return a.containerID }

// SessionID returns the bound session's id.
func (a *Agent) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session.SessionID
}

// Session returns a snapshot of the bound session record.
func (a *Agent) Session() models.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return *a.session
}

// TurnRequests delivers the agent's turn_request events to its driver.
// The channel exists and buffers from the moment the agent is created, so
// turns opened before the driver goroutine is scheduled are retained.
// Drivers must stop reading when their run context is cancelled.
func (a *Agent) TurnRequests() <-chan event.Event { return a.turnReqs }

// TurnID returns the open turn's id, or "" when no turn is in progress.
func (a *Agent) TurnID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.turnID
}

func (a *Agent) baseContext() event.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	return event.Context{
		ContainerID: a.containerID,
		SessionID:   a.session.SessionID,
		AgentID:     a.id,
	}
}

// Feed submits one event to the agent's ingress. It blocks when the ingress
// buffer is full, which is how backpressure reaches the producer. Returns
// ErrAgentDestroyed once the agent is gone.
func (a *Agent) Feed(ctx context.Context, evt event.Event) error {
	select {
	case <-a.ctx.Done():
		return ErrAgentDestroyed
	default:
	}
	select {
	case a.in <- evt:
		return nil
	case <-a.ctx.Done():
		return ErrAgentDestroyed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendUserMessage builds the raw ingress form of a user message, assigns
// its message and turn ids, and feeds it to the agent. The returned ids let
// callers correlate the turn's output.
func (a *Agent) SendUserMessage(ctx context.Context, content string) (turnID, messageID string, err error) {
	turnID = event.NewID()
	messageID = event.NewID()

	evt := event.NewUserMessageRequest(event.Context{TurnID: turnID},
		&event.UserMessagePayload{MessageID: messageID, Content: content})
	if err := a.Feed(ctx, evt); err != nil {
		return "", "", err
	}
	return turnID, messageID, nil
}

// Interrupt cancels the agent's in-flight turn. Idempotent; queue entries
// already appended are unaffected.
func (a *Agent) Interrupt() {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	a.turnID = ""
	a.mu.Unlock()

	// Nothing in flight: stay silent rather than announce a no-op.
	st := a.rt.engine.State(a.id)
	if st.Lifecycle == engine.StateIdle && st.Turn.Pending == nil {
		return
	}

	for _, out := range a.rt.engine.Interrupt(a.id) {
		a.rt.publish(a.stampContext(out))
	}
}

func (a *Agent) pump() {
	defer close(a.done)
	for {
		select {
		case <-a.ctx.Done():
			return
		case evt := <-a.in:
			a.process(evt)
		}
	}
}

func (a *Agent) process(evt event.Event) {
	evt = a.ingress(evt)

	outs := a.rt.engine.Process(a.id, evt)

	a.rt.publish(evt)
	for _, out := range outs {
		out = a.stampContext(out)
		if out.Type == event.TypeTurnResponse {
			a.mu.Lock()
			a.turnID = ""
			a.mu.Unlock()
		}
		a.rt.publish(out)

		if out.Type == event.TypeTurnRequest && a.turnReqs != nil {
			select {
			case a.turnReqs <- out:
			case <-a.ctx.Done():
			}
		}
	}
}

// ingress stamps the agent's context onto an incoming event and manages the
// turn id: a raw user_message opens a turn (allocating the id if the caller
// did not), and every later event carries that id until the turn closes.
func (a *Agent) ingress(evt event.Event) event.Event {
	ctx := evt.Context
	ctx.ContainerID = a.containerID
	ctx.AgentID = a.id

	a.mu.Lock()
	ctx.SessionID = a.session.SessionID

	if evt.Type == event.TypeUserMessage && evt.Intent == event.IntentRequest {
		if ctx.TurnID == "" {
			ctx.TurnID = event.NewID()
		}
		a.turnID = ctx.TurnID
		if p, ok := evt.Data.(*event.UserMessagePayload); ok {
			if p.MessageID == "" {
				p.MessageID = event.NewID()
			}
			a.deriveTitleLocked(p.Content)
		}
	} else if ctx.TurnID == "" {
		ctx.TurnID = a.turnID
	}
	a.mu.Unlock()

	evt.Context = ctx
	return evt
}

// deriveTitleLocked sets the session title from the first user message.
// Caller holds a.mu.
func (a *Agent) deriveTitleLocked(content string) {
	if a.session.Title != "" || content == "" {
		return
	}
	title := content
	if utf8.RuneCountInString(title) > titleMaxLen {
		runes := []rune(title)
		title = string(runes[:titleMaxLen])
	}
	a.session.Title = title
	sessionID := a.session.SessionID

	go func() {
		if err := a.rt.stores.Sessions.UpdateSessionTitle(context.Background(), sessionID, title); err != nil {
			slog.Warn("failed to persist session title",
				"session_id", sessionID, "error", err)
		}
	}()
}

// stampContext fills session and container ids on engine output that lacks
// them (interrupt output carries only the agent id).
func (a *Agent) stampContext(evt event.Event) event.Event {
	ctx := evt.Context
	ctx.ContainerID = a.containerID
	ctx.AgentID = a.id
	if ctx.SessionID == "" {
		a.mu.Lock()
		ctx.SessionID = a.session.SessionID
		a.mu.Unlock()
	}
	evt.Context = ctx
	return evt
}

// State returns a snapshot of the agent's engine state.
func (a *Agent) State() engine.AgentState {
	return a.rt.engine.State(a.id)
}

func (a *Agent) destroy() {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	a.destroyed = true
	a.mu.Unlock()

	a.cancel()
	<-a.done

	a.rt.engine.Destroy(a.id)

	a.rt.mu.Lock()
	delete(a.rt.agents, a.id)
	delete(a.rt.bySession, a.SessionID())
	if reg := a.rt.containers[a.containerID]; reg != nil {
		delete(reg, a.id)
	}
	a.rt.mu.Unlock()

	a.rt.publish(event.NewLifecycle(event.TypeAgentDestroyed, event.SourceContainer,
		a.baseContext(),
		&event.AgentLifecyclePayload{AgentID: a.id, ContainerID: a.containerID}))
}
