package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/parleyio/parley/pkg/event"
	"github.com/parleyio/parley/pkg/queue"
)

// subBuffer bounds live entries queued per (connection, topic) while the
// delivery goroutine is busy. Overflow drops the entry; the client recovers
// it on the next resume because its consumer cursor never advanced.
const subBuffer = 256

// ReliableOptions controls one SendReliable call.
type ReliableOptions struct {
	Timeout   time.Duration // 0 selects the server default
	OnAck     func()
	OnTimeout func()
}

type pendingAck struct {
	timer *time.Timer
	onAck func()
}

type topicSub struct {
	topic      string
	consumerID string
	entries    chan queue.Entry
	cancelLive func()
	done       chan struct{}
}

// Conn is one server-side WebSocket connection.
type Conn struct {
	ID     string
	server *Server
	sock   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	pendingMu sync.Mutex
	pending   map[string]*pendingAck

	subsMu sync.Mutex
	subs   map[string]*topicSub
}

// Send writes evt as a plain JSON frame.
func (c *Conn) Send(evt event.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", evt.Type, err)
	}
	return c.write(data)
}

// SendReliable wraps payload in a reliability envelope and retains a record
// until the client acknowledges it or the timeout elapses. Network failure
// is not reported through the error return after the frame is written; the
// timeout path is the sole signal.
func (c *Conn) SendReliable(payload any, opts ReliableOptions) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal reliable payload: %w", err)
	}
	env := reliableEnvelope{Reliable: true, ID: uuid.NewString(), Payload: raw}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal reliable envelope: %w", err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.server.cfg.ReliableTimeout
	}

	rec := &pendingAck{onAck: opts.OnAck}
	rec.timer = time.AfterFunc(timeout, func() {
		c.pendingMu.Lock()
		_, live := c.pending[env.ID]
		delete(c.pending, env.ID)
		c.pendingMu.Unlock()
		if live && opts.OnTimeout != nil {
			opts.OnTimeout()
		}
	})

	c.pendingMu.Lock()
	c.pending[env.ID] = rec
	c.pendingMu.Unlock()

	if err := c.write(data); err != nil {
		// Leave the record in place: the timeout callback is the signal.
		slog.Debug("Reliable send failed", "connection_id", c.ID, "error", err)
	}
	return nil
}

// PendingReliable returns the number of unacknowledged reliable envelopes.
func (c *Conn) PendingReliable() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

func (c *Conn) write(data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, c.server.cfg.WriteTimeout)
	defer cancel()
	return c.sock.Write(writeCtx, websocket.MessageText, data)
}

func (c *Conn) handleFrame(data []byte) {
	kind, probe := classifyFrame(data)
	switch kind {
	case frameAck:
		c.resolveAck(probe.ID)
	case frameReliable:
		// Servers do not originate from reliable client envelopes today,
		// but acknowledge and unwrap them for forward compatibility.
		var env reliableEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return
		}
		c.sendAck(env.ID)
		c.handleFrame(env.Payload)
	case frameControl:
		c.handleControl(probe.Type, data)
	case frameEvent:
		var evt event.Event
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Warn("Discarding malformed event frame", "connection_id", c.ID, "error", err)
			return
		}
		for _, h := range c.server.eventHandlers() {
			h(c, evt)
		}
	default:
		slog.Warn("Discarding unparseable frame", "connection_id", c.ID)
	}
}

func (c *Conn) handleControl(msgType string, data []byte) {
	switch msgType {
	case msgQueueSubscribe:
		var msg subscribeMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Topic == "" {
			slog.Warn("Invalid queue_subscribe", "connection_id", c.ID, "error", err)
			return
		}
		consumerID := msg.ClientID
		if consumerID == "" {
			consumerID = c.ID
		}
		if err := c.subscribeTopic(consumerID, msg.Topic, msg.AfterCursor); err != nil {
			slog.Warn("Subscribe failed", "connection_id", c.ID, "topic", msg.Topic, "error", err)
		}

	case msgQueueAck:
		var msg ackMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Topic == "" || msg.Cursor == "" {
			return
		}
		consumerID := msg.ClientID
		if consumerID == "" {
			consumerID = c.ID
		}
		if err := c.server.queue.Ack(c.ctx, consumerID, msg.Topic, msg.Cursor); err != nil {
			if !errors.Is(err, queue.ErrConsumerNotFound) {
				slog.Warn("Queue ack failed", "connection_id", c.ID, "topic", msg.Topic, "error", err)
			}
		}

	case msgQueueUnsubscribe:
		var msg unsubscribeMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Topic == "" {
			return
		}
		c.unsubscribeTopic(msg.Topic)
	}
}

// subscribeTopic confirms the subscription, replays entries past the
// resume cursor, and continues with live delivery, all in cursor order on
// a dedicated goroutine. Resubscribing a topic replaces the existing
// subscription (reconnect within the same connection is not a thing, but a
// client may re-subscribe with a new cursor).
func (c *Conn) subscribeTopic(consumerID, topic, afterCursor string) error {
	if err := c.server.queue.EnsureConsumer(c.ctx, consumerID, topic); err != nil {
		return err
	}

	after := afterCursor
	if after == "" {
		cursor, err := c.server.queue.ConsumerCursor(c.ctx, consumerID, topic)
		if err != nil && !errors.Is(err, queue.ErrConsumerNotFound) {
			return err
		}
		after = cursor
	}

	latest, err := c.server.queue.LatestCursor(c.ctx, topic)
	if err != nil {
		return err
	}
	if err := c.sendJSON(subscribedMessage{Type: msgQueueSubscribed, Topic: topic, LatestCursor: latest}); err != nil {
		return err
	}

	sub := &topicSub{
		topic:      topic,
		consumerID: consumerID,
		entries:    make(chan queue.Entry, subBuffer),
		done:       make(chan struct{}),
	}
	// Live delivery attaches before replay starts so no append can fall
	// between the last replay batch and the first live entry. The pump
	// filters the overlap.
	sub.cancelLive = c.server.queue.Subscribe(consumerID, topic, func(e queue.Entry) {
		select {
		case sub.entries <- e:
		default:
			slog.Warn("Subscription buffer full, dropping entry",
				"connection_id", c.ID, "topic", topic, "cursor", e.Cursor)
		}
	})

	c.subsMu.Lock()
	prev, replaced := c.subs[topic]
	if replaced {
		prev.cancelLive()
		close(prev.done)
	}
	c.subs[topic] = sub
	c.subsMu.Unlock()

	// A consumer keyed by the connection id exists only until the client
	// identifies itself. Client acks carry the client identity, so the
	// anonymous cursor record would never advance again; remove it.
	if replaced && prev.consumerID == c.ID && consumerID != c.ID {
		if err := c.server.queue.DeleteConsumer(c.ctx, c.ID, topic); err != nil {
			slog.Debug("Failed to drop connection-keyed consumer",
				"connection_id", c.ID, "topic", topic, "error", err)
		}
	}

	go c.pump(sub, after)
	return nil
}

func (c *Conn) unsubscribeTopic(topic string) {
	c.subsMu.Lock()
	sub, ok := c.subs[topic]
	if ok {
		delete(c.subs, topic)
	}
	c.subsMu.Unlock()
	if ok {
		sub.cancelLive()
		close(sub.done)
	}
}

// pump delivers a topic's entries in cursor order: replay first, then the
// live feed, dropping live entries the replay already covered.
func (c *Conn) pump(sub *topicSub, after string) {
	lastSent := after
	batch := c.server.cfg.ReplayBatchSize

	for {
		entries, err := c.server.queue.Entries(c.ctx, sub.topic, lastSent, batch)
		if err != nil {
			slog.Warn("Replay read failed", "connection_id", c.ID, "topic", sub.topic, "error", err)
			break
		}
		for _, e := range entries {
			c.deliverEntry(e)
			lastSent = e.Cursor
		}
		if len(entries) < batch {
			break
		}
	}

	for {
		select {
		case e := <-sub.entries:
			if e.Cursor <= lastSent {
				continue
			}
			c.deliverEntry(e)
			lastSent = e.Cursor
		case <-sub.done:
			return
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Conn) deliverEntry(e queue.Entry) {
	msg := entryMessage{Type: msgQueueEntry, Topic: e.Topic, Cursor: e.Cursor, Event: e.Event}
	err := c.SendReliable(msg, ReliableOptions{OnTimeout: func() {
		slog.Debug("Entry delivery unacknowledged",
			"connection_id", c.ID, "topic", e.Topic, "cursor", e.Cursor)
	}})
	if err != nil {
		slog.Warn("Entry delivery failed", "connection_id", c.ID, "topic", e.Topic, "error", err)
	}
}

func (c *Conn) resolveAck(id string) {
	c.pendingMu.Lock()
	rec, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	if !ok {
		slog.Debug("Ack for unknown envelope", "connection_id", c.ID, "id", id)
		return
	}
	rec.timer.Stop()
	if rec.onAck != nil {
		rec.onAck()
	}
}

func (c *Conn) sendAck(id string) {
	if err := c.sendJSON(reliableAck{Ack: true, ID: id}); err != nil {
		slog.Debug("Failed to send ack", "connection_id", c.ID, "error", err)
	}
}

func (c *Conn) sendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	return c.write(data)
}

// heartbeat pings on a fixed period and closes the connection when a pong
// does not arrive within one interval.
func (c *Conn) heartbeat(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, interval)
			err := c.sock.Ping(pingCtx)
			cancel()
			if err != nil {
				slog.Debug("Heartbeat failed, closing connection", "connection_id", c.ID)
				c.close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// awaitPending blocks until every reliable envelope is acknowledged or
// timed out, bounded by ctx.
func (c *Conn) awaitPending(ctx context.Context) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if c.PendingReliable() == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Conn) close(code websocket.StatusCode, reason string) {
	c.subsMu.Lock()
	for topic, sub := range c.subs {
		sub.cancelLive()
		close(sub.done)
		delete(c.subs, topic)
	}
	c.subsMu.Unlock()

	c.pendingMu.Lock()
	for id, rec := range c.pending {
		rec.timer.Stop()
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	c.cancel()
	_ = c.sock.Close(code, reason)
}
