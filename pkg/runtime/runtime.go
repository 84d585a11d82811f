// Package runtime binds the event bus, the Mealy engine, the topic queue
// and the persistence services into a running system: it owns agent
// lifecycles, routes events between components, and persists conversation
// history when clients acknowledge delivery.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/parleyio/parley/pkg/bus"
	"github.com/parleyio/parley/pkg/engine"
	"github.com/parleyio/parley/pkg/event"
	"github.com/parleyio/parley/pkg/models"
	"github.com/parleyio/parley/pkg/queue"
	"github.com/parleyio/parley/pkg/services"
)

// ErrRuntimeClosed is returned by operations on a closed runtime.
var ErrRuntimeClosed = errors.New("runtime: closed")

// ErrAgentDestroyed is returned when feeding a destroyed agent.
var ErrAgentDestroyed = errors.New("runtime: agent destroyed")

// Options configures a Runtime. Stores is required; everything else has a
// usable default.
type Options struct {
	Stores Stores

	// QueueStore backs the topic queue. Defaults to an in-memory store.
	QueueStore queue.Store

	// Queue tunes the topic queue. Its OnAck, if set, runs after the
	// runtime's own acknowledgement handling.
	Queue queue.Config

	Bus    *bus.Bus
	Engine *engine.Engine

	// Driver, when set, is started once per agent and produces that
	// agent's raw LLM stream.
	Driver Driver
}

// Runtime is the glue layer. One Runtime owns one queue, one bus and one
// engine; agents are created through it and live until their container is
// disposed or the runtime closes.
type Runtime struct {
	bus    *bus.Bus
	engine *engine.Engine
	queue  *queue.Queue
	stores Stores
	driver Driver

	mu         sync.Mutex
	agents     map[string]*Agent            // agent id → agent
	bySession  map[string]*Agent            // session id → agent
	containers map[string]map[string]*Agent // container id → agent registry
	closed     bool
}

// New creates a runtime. The queue is constructed here so that message
// persistence can hook its acknowledgement callback.
func New(opts Options) (*Runtime, error) {
	if opts.Stores.Images == nil || opts.Stores.Containers == nil ||
		opts.Stores.Sessions == nil || opts.Stores.Messages == nil {
		return nil, errors.New("runtime: all stores are required")
	}

	rt := &Runtime{
		bus:        opts.Bus,
		engine:     opts.Engine,
		stores:     opts.Stores,
		driver:     opts.Driver,
		agents:     make(map[string]*Agent),
		bySession:  make(map[string]*Agent),
		containers: make(map[string]map[string]*Agent),
	}
	if rt.bus == nil {
		rt.bus = bus.New()
	}
	if rt.engine == nil {
		rt.engine = engine.New()
	}

	store := opts.QueueStore
	if store == nil {
		store = queue.NewMemoryStore()
	}

	qcfg := opts.Queue
	next := qcfg.OnAck
	qcfg.OnAck = func(consumerID string, entry queue.Entry) {
		rt.persistOnAck(entry)
		if next != nil {
			next(consumerID, entry)
		}
	}
	rt.queue = queue.New(store, qcfg)

	return rt, nil
}

// Bus returns the runtime's event bus.
func (rt *Runtime) Bus() *bus.Bus { return rt.bus }

// Queue returns the runtime's topic queue, for transport attachment.
func (rt *Runtime) Queue() *queue.Queue { return rt.queue }

// Engine returns the runtime's engine.
func (rt *Runtime) Engine() *engine.Engine { return rt.engine }

// StartAgent runs the full agent bring-up: load the image, create or reuse
// the container, create the session record first, then create the agent and
// register it with its container.
func (rt *Runtime) StartAgent(ctx context.Context, imageID, containerID string) (*Agent, error) {
	img, err := rt.stores.Images.GetImage(ctx, imageID)
	if err != nil {
		return nil, fmt.Errorf("failed to load image %s: %w", imageID, err)
	}

	if containerID == "" {
		ctr, err := rt.stores.Containers.CreateContainer(ctx, img.Config)
		if err != nil {
			return nil, fmt.Errorf("failed to create container: %w", err)
		}
		containerID = ctr.ContainerID
	} else {
		if _, err := rt.stores.Containers.GetContainer(ctx, containerID); err != nil {
			return nil, fmt.Errorf("failed to load container %s: %w", containerID, err)
		}
		if err := rt.stores.Containers.TouchContainer(ctx, containerID); err != nil {
			return nil, fmt.Errorf("failed to touch container %s: %w", containerID, err)
		}
	}

	// The session exists before its agent: it owns message collection for
	// the agent's whole lifetime.
	sess, err := rt.stores.Sessions.CreateSession(ctx, models.CreateSessionRequest{
		ImageID:     img.ImageID,
		ContainerID: containerID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	rt.publish(event.NewLifecycle(event.TypeSessionCreated, event.SourceSession,
		event.Context{SessionID: sess.SessionID, ContainerID: containerID},
		&event.SessionLifecyclePayload{
			SessionID:   sess.SessionID,
			ImageID:     img.ImageID,
			ContainerID: containerID,
		}))

	return rt.startAgentForSession(sess, containerID)
}

// ResumeSession reattaches an agent to an existing session. If the session
// already has a live agent it is returned unchanged.
func (rt *Runtime) ResumeSession(ctx context.Context, sessionID string) (*Agent, error) {
	rt.mu.Lock()
	if a, ok := rt.bySession[sessionID]; ok {
		rt.mu.Unlock()
		return a, nil
	}
	rt.mu.Unlock()

	sess, err := rt.stores.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}

	containerID := sess.ContainerID
	if containerID != "" {
		if err := rt.stores.Containers.TouchContainer(ctx, containerID); err != nil {
			return nil, fmt.Errorf("failed to touch container %s: %w", containerID, err)
		}
	}

	rt.publish(event.NewLifecycle(event.TypeSessionResumed, event.SourceSession,
		event.Context{SessionID: sess.SessionID, ContainerID: containerID},
		&event.SessionLifecyclePayload{
			SessionID:   sess.SessionID,
			ImageID:     sess.ImageID,
			ContainerID: containerID,
			Title:       sess.Title,
		}))

	return rt.startAgentForSession(sess, containerID)
}

func (rt *Runtime) startAgentForSession(sess *models.Session, containerID string) (*Agent, error) {
	a := newAgent(rt, sess, containerID)

	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		a.cancel()
		return nil, ErrRuntimeClosed
	}
	rt.agents[a.id] = a
	rt.bySession[sess.SessionID] = a
	reg := rt.containers[containerID]
	if reg == nil {
		reg = make(map[string]*Agent)
		rt.containers[containerID] = reg
	}
	reg[a.id] = a
	rt.mu.Unlock()

	go a.pump()

	rt.publish(event.NewLifecycle(event.TypeAgentStarted, event.SourceContainer,
		a.baseContext(),
		&event.AgentLifecyclePayload{AgentID: a.id, ContainerID: containerID}))

	if rt.driver != nil {
		go func() {
			if err := rt.driver.Run(a.ctx, a); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("driver stopped with error", "agent_id", a.id, "error", err)
				rt.publish(event.NewError(a.baseContext(), err.Error(), "driver_failed"))
			}
		}()
	}

	return a, nil
}

// AgentBySession returns the live agent bound to a session, if any.
func (rt *Runtime) AgentBySession(sessionID string) (*Agent, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	a, ok := rt.bySession[sessionID]
	return a, ok
}

// DestroySession destroys the session's agent (if live), deletes the session
// record and its messages, and announces the destruction.
func (rt *Runtime) DestroySession(ctx context.Context, sessionID string) error {
	rt.mu.Lock()
	a := rt.bySession[sessionID]
	rt.mu.Unlock()
	if a != nil {
		a.destroy()
	}

	if err := rt.stores.Sessions.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}

	rt.publish(event.NewLifecycle(event.TypeSessionDestroyed, event.SourceSession,
		event.Context{SessionID: sessionID},
		&event.SessionLifecyclePayload{SessionID: sessionID}))
	return nil
}

// DisposeContainer destroys every agent registered to the container. The
// container record and its sessions remain; they can be resumed later.
func (rt *Runtime) DisposeContainer(containerID string) {
	rt.mu.Lock()
	reg := rt.containers[containerID]
	delete(rt.containers, containerID)
	agents := make([]*Agent, 0, len(reg))
	for _, a := range reg {
		agents = append(agents, a)
	}
	rt.mu.Unlock()

	for _, a := range agents {
		a.destroy()
	}
}

// Dispatch routes an event arriving from a client connection. A raw
// user_message bound to a live session enters that agent's ingress;
// everything else goes to the bus, where command handlers pick it up.
func (rt *Runtime) Dispatch(ctx context.Context, evt event.Event) error {
	if evt.Type == event.TypeUserMessage && evt.Intent == event.IntentRequest {
		if a, ok := rt.AgentBySession(evt.Context.SessionID); ok {
			return a.Feed(ctx, evt)
		}
	}
	rt.bus.Emit(evt)
	return nil
}

// History returns a session's durable messages, in timestamp order.
func (rt *Runtime) History(ctx context.Context, sessionID string) ([]models.Message, error) {
	return rt.stores.Messages.ListMessages(ctx, sessionID)
}

// Close destroys all agents and shuts the queue down. Safe to call more
// than once.
func (rt *Runtime) Close() error {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return nil
	}
	rt.closed = true
	agents := make([]*Agent, 0, len(rt.agents))
	for _, a := range rt.agents {
		agents = append(agents, a)
	}
	rt.mu.Unlock()

	for _, a := range agents {
		a.destroy()
	}
	return rt.queue.Close()
}

// publish emits the event on the bus and, when it passes the enqueue
// filter, appends it to the event's topic.
func (rt *Runtime) publish(evt event.Event) {
	rt.bus.Emit(evt)

	if !shouldEnqueue(evt) {
		return
	}
	topic := topicFor(evt)
	if _, err := rt.queue.Append(context.Background(), topic, evt); err != nil {
		slog.Warn("failed to enqueue event",
			"type", evt.Type, "topic", topic, "error", err)
	}
}

// shouldEnqueue excludes raw driver fragments (consumed only by the engine)
// and control requests (answered on the bus) from queue delivery.
func shouldEnqueue(evt event.Event) bool {
	if evt.Source == event.SourceEnvironment {
		return false
	}
	if evt.Intent == event.IntentRequest {
		return false
	}
	return true
}

// topicFor routes session-scoped events to the session topic and everything
// else to the global topic.
func topicFor(evt event.Event) string {
	if evt.Context.SessionID != "" {
		return evt.Context.SessionID
	}
	return event.GlobalTopic
}

// persistOnAck writes the durable message record for an acknowledged entry.
// Client acknowledgement is the source of truth for conversation history:
// only delivered message events are persisted. Saves are idempotent, so
// redelivered acknowledgements are harmless.
func (rt *Runtime) persistOnAck(entry queue.Entry) {
	msg, ok := services.MessageFromEvent(entry.Event)
	if !ok {
		return
	}
	if err := rt.stores.Messages.SaveMessage(context.Background(), msg); err != nil {
		slog.Error("failed to persist acknowledged message",
			"message_id", msg.MessageID, "session_id", msg.SessionID, "error", err)
	}
}
