package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/parleyio/parley/pkg/event"
)

// ErrRequestTimeout is returned by Client.Request when no response arrives
// in time.
var ErrRequestTimeout = errors.New("transport: request timed out")

// ErrClientClosed is returned by operations on a closed client.
var ErrClientClosed = errors.New("transport: client closed")

// DefaultRequestTimeout bounds Request when the caller passes no timeout.
const DefaultRequestTimeout = 30 * time.Second

// expiredRequestTTL is how long a timed-out request id is remembered so a
// late response is consumed silently instead of reaching message handlers.
const expiredRequestTTL = time.Minute

// ClientConfig tunes the WebSocket client. Zero values select the
// documented defaults.
type ClientConfig struct {
	URL string

	// BaseClientID survives reconnects and, when the caller persists it,
	// process restarts. TabID distinguishes concurrent instances sharing a
	// base id. The wire clientId is "<base>:<tab>".
	BaseClientID string
	TabID        string

	MinReconnectDelay time.Duration // default 1s
	MaxReconnectDelay time.Duration // default 10s
	MaxRetries        int           // consecutive failed dials before giving up; 0 = unlimited
	ConnectionTimeout time.Duration // per-dial deadline (default 4s)
	WriteTimeout      time.Duration // per-frame write deadline (default 10s)

	// Cursors stores per-topic resume positions. Defaults to an in-memory
	// store; pass a SQLiteCursorStore to resume across restarts.
	Cursors CursorStore
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.BaseClientID == "" {
		c.BaseClientID = uuid.NewString()
	}
	if c.TabID == "" {
		c.TabID = uuid.NewString()[:8]
	}
	if c.MinReconnectDelay == 0 {
		c.MinReconnectDelay = time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 10 * time.Second
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = 4 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.Cursors == nil {
		c.Cursors = NewMemoryCursorStore()
	}
	return c
}

// Client maintains a WebSocket connection with automatic reconnect and
// cursor-based resume. Reliable envelopes from the server are acknowledged
// before their payload reaches any handler.
type Client struct {
	cfg      ClientConfig
	clientID string

	ctx     context.Context
	dispose context.CancelFunc

	mu          sync.Mutex
	sock        *websocket.Conn
	subs        map[string]func(event.Event)
	confirmed   map[string]string // topic -> latest cursor at subscribe time
	pendingReqs map[string]chan event.Event
	expiredReqs map[string]time.Time // timed-out request id -> tombstone deadline
	onOpen      []func()
	onMessage   []func(event.Event)
	onClose     []func(error)
	onError     []func(error)
	closed      bool
}

// NewClient creates a client and starts connecting in the background.
func NewClient(cfg ClientConfig) *Client {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:         cfg,
		clientID:    cfg.BaseClientID + ":" + cfg.TabID,
		ctx:         ctx,
		dispose:     cancel,
		subs:        make(map[string]func(event.Event)),
		confirmed:   make(map[string]string),
		pendingReqs: make(map[string]chan event.Event),
		expiredReqs: make(map[string]time.Time),
	}
	go c.run()
	return c
}

// ClientID returns the composite identity used on the wire.
func (c *Client) ClientID() string { return c.clientID }

// OnOpen registers a handler fired after every successful (re)connect.
func (c *Client) OnOpen(h func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOpen = append(c.onOpen, h)
}

// OnMessage registers a handler for every event the client receives that
// is not consumed by request/response correlation.
func (c *Client) OnMessage(h func(event.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = append(c.onMessage, h)
}

// OnClose registers a handler fired when the connection drops.
func (c *Client) OnClose(h func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = append(c.onClose, h)
}

// OnError registers a handler for protocol and connection errors.
func (c *Client) OnError(h func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = append(c.onError, h)
}

// Subscribe registers a per-topic handler and, when connected, asks the
// server for the topic, resuming after the stored cursor. The subscription
// is re-established automatically on every reconnect.
func (c *Client) Subscribe(topic string, handler func(event.Event)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.subs[topic] = handler
	sock := c.sock
	c.mu.Unlock()

	if sock != nil {
		return c.sendSubscribe(topic)
	}
	return nil
}

// Unsubscribe drops the topic subscription.
func (c *Client) Unsubscribe(topic string) error {
	c.mu.Lock()
	delete(c.subs, topic)
	delete(c.confirmed, topic)
	sock := c.sock
	c.mu.Unlock()

	if sock == nil {
		return nil
	}
	return c.sendJSON(unsubscribeMessage{Type: msgQueueUnsubscribe, Topic: topic, ClientID: c.clientID})
}

// Send writes evt as a plain frame.
func (c *Client) Send(evt event.Event) error {
	return c.sendJSON(evt)
}

// Request sends a command request and waits for the event that carries a
// matching requestId with a response or error category. The response may
// arrive as a plain frame or through a queue entry; either way the handler
// chain is not invoked for it. timeout <= 0 selects DefaultRequestTimeout.
func (c *Client) Request(ctx context.Context, typ string, data event.Raw, timeout time.Duration) (event.Event, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if data == nil {
		data = event.Raw{}
	}
	requestID := event.NewID()
	data["requestId"] = requestID

	ch := make(chan event.Event, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return event.Event{}, ErrClientClosed
	}
	c.pendingReqs[requestID] = ch
	c.mu.Unlock()

	cleanup := func() {
		c.mu.Lock()
		delete(c.pendingReqs, requestID)
		c.mu.Unlock()
	}

	if err := c.Send(event.NewCommandRequest(typ, event.Context{}, data)); err != nil {
		cleanup()
		return event.Event{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.Category == event.CategoryError {
			return resp, fmt.Errorf("request %s failed: %s", typ, errorText(resp))
		}
		return resp, nil
	case <-timer.C:
		c.expireRequest(requestID)
		return event.Event{}, fmt.Errorf("%w: %s after %s", ErrRequestTimeout, typ, timeout)
	case <-ctx.Done():
		c.expireRequest(requestID)
		return event.Event{}, ctx.Err()
	}
}

// expireRequest abandons a pending request and leaves a tombstone behind.
// A response that arrives after the caller gave up matches the tombstone
// and is dropped rather than dispatched as an unsolicited message.
func (c *Client) expireRequest(requestID string) {
	now := time.Now()
	c.mu.Lock()
	delete(c.pendingReqs, requestID)
	for id, deadline := range c.expiredReqs {
		if now.After(deadline) {
			delete(c.expiredReqs, id)
		}
	}
	c.expiredReqs[requestID] = now.Add(expiredRequestTTL)
	c.mu.Unlock()
}

// Close stops reconnecting and closes the connection. Registered state is
// kept so the client cannot be reused; create a new one instead.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sock := c.sock
	c.sock = nil
	c.mu.Unlock()

	c.dispose()
	if sock != nil {
		_ = sock.Close(websocket.StatusNormalClosure, "client closing")
	}
	return nil
}

// Dispose closes the client and releases the cursor store.
func (c *Client) Dispose() error {
	err := c.Close()
	if cerr := c.cfg.Cursors.Close(); err == nil {
		err = cerr
	}
	return err
}

// run is the connect/reconnect loop.
func (c *Client) run() {
	for {
		sock, err := c.dial()
		if err != nil {
			c.fireError(err)
			return
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = sock.Close(websocket.StatusNormalClosure, "client closing")
			return
		}
		c.sock = sock
		c.mu.Unlock()

		c.fireOpen()
		c.resubscribe()

		readErr := c.readLoop(sock)

		c.mu.Lock()
		c.sock = nil
		closed := c.closed
		c.mu.Unlock()

		c.fireClose(readErr)
		if closed {
			return
		}
	}
}

// dial attempts to connect with exponential backoff between the configured
// delays, bounded by MaxRetries consecutive failures.
func (c *Client) dial() (*websocket.Conn, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.MinReconnectDelay
	policy.MaxInterval = c.cfg.MaxReconnectDelay
	policy.MaxElapsedTime = 0

	var wrapped backoff.BackOff = policy
	if c.cfg.MaxRetries > 0 {
		wrapped = backoff.WithMaxRetries(policy, uint64(c.cfg.MaxRetries))
	}
	wrapped = backoff.WithContext(wrapped, c.ctx)

	var sock *websocket.Conn
	err := backoff.Retry(func() error {
		dialCtx, cancel := context.WithTimeout(c.ctx, c.cfg.ConnectionTimeout)
		defer cancel()
		conn, _, err := websocket.Dial(dialCtx, c.cfg.URL, nil)
		if err != nil {
			c.fireError(fmt.Errorf("dial %s: %w", c.cfg.URL, err))
			return err
		}
		sock = conn
		return nil
	}, wrapped)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", c.cfg.URL, err)
	}
	return sock, nil
}

func (c *Client) readLoop(sock *websocket.Conn) error {
	for {
		_, data, err := sock.Read(c.ctx)
		if err != nil {
			return err
		}
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	kind, probe := classifyFrame(data)
	switch kind {
	case frameReliable:
		var env reliableEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return
		}
		// Ack first: delivery is settled before handlers run, so a slow
		// or panicking handler cannot starve the server's pending table.
		if err := c.sendJSON(reliableAck{Ack: true, ID: env.ID}); err != nil {
			slog.Debug("Failed to ack envelope", "id", env.ID, "error", err)
		}
		c.handleFrame(env.Payload)

	case frameAck:
		// Clients do not originate reliable envelopes today.
		_ = probe

	case frameControl:
		c.handleControl(probe.Type, data)

	case frameEvent:
		var evt event.Event
		if err := json.Unmarshal(data, &evt); err != nil {
			c.fireError(fmt.Errorf("malformed event frame: %w", err))
			return
		}
		c.dispatch(evt)

	default:
		slog.Debug("Discarding unparseable frame")
	}
}

func (c *Client) handleControl(msgType string, data []byte) {
	switch msgType {
	case msgQueueSubscribed:
		var msg subscribedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		c.mu.Lock()
		c.confirmed[msg.Topic] = msg.LatestCursor
		c.mu.Unlock()

	case msgQueueEntry:
		var msg entryMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.fireError(fmt.Errorf("malformed queue_entry: %w", err))
			return
		}
		// Store the cursor and ack before dispatch: at-least-once delivery
		// means a handler crash is repaired by replay, not by redelivery
		// of this exact frame.
		if err := c.cfg.Cursors.Set(c.clientID, msg.Topic, msg.Cursor); err != nil {
			c.fireError(err)
		}
		if err := c.sendJSON(ackMessage{
			Type: msgQueueAck, Topic: msg.Topic, ClientID: c.clientID, Cursor: msg.Cursor,
		}); err != nil {
			slog.Debug("Failed to send queue_ack", "topic", msg.Topic, "error", err)
		}

		if c.resolveResponse(msg.Event) {
			return
		}
		c.mu.Lock()
		handler := c.subs[msg.Topic]
		c.mu.Unlock()
		if handler != nil {
			handler(msg.Event)
		}
		c.fireMessage(msg.Event)
	}
}

func (c *Client) dispatch(evt event.Event) {
	if c.resolveResponse(evt) {
		return
	}
	c.fireMessage(evt)
}

// resolveResponse completes a pending request when evt correlates with it.
// Reports true when the event was consumed.
func (c *Client) resolveResponse(evt event.Event) bool {
	if evt.Category != event.CategoryResponse && evt.Category != event.CategoryError {
		return false
	}
	requestID := evt.RequestID()
	if requestID == "" {
		return false
	}
	c.mu.Lock()
	ch, ok := c.pendingReqs[requestID]
	if ok {
		delete(c.pendingReqs, requestID)
		c.mu.Unlock()
		ch <- evt
		return true
	}
	deadline, timedOut := c.expiredReqs[requestID]
	if timedOut {
		delete(c.expiredReqs, requestID)
	}
	c.mu.Unlock()
	// Late response for a request the caller already gave up on.
	return timedOut && time.Now().Before(deadline)
}

// resubscribe re-establishes every topic subscription after a reconnect,
// resuming from the stored cursors.
func (c *Client) resubscribe() {
	c.mu.Lock()
	topics := make([]string, 0, len(c.subs))
	for topic := range c.subs {
		topics = append(topics, topic)
	}
	c.mu.Unlock()

	for _, topic := range topics {
		if err := c.sendSubscribe(topic); err != nil {
			c.fireError(fmt.Errorf("resubscribe %s: %w", topic, err))
		}
	}
}

func (c *Client) sendSubscribe(topic string) error {
	after, err := c.cfg.Cursors.Get(c.clientID, topic)
	if err != nil {
		c.fireError(err)
	}
	return c.sendJSON(subscribeMessage{
		Type: msgQueueSubscribe, Topic: topic, ClientID: c.clientID, AfterCursor: after,
	})
}

func (c *Client) sendJSON(v any) error {
	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()
	if sock == nil {
		return ErrClientClosed
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(c.ctx, c.cfg.WriteTimeout)
	defer cancel()
	return sock.Write(writeCtx, websocket.MessageText, data)
}

func (c *Client) fireOpen() {
	c.mu.Lock()
	handlers := append([]func(){}, c.onOpen...)
	c.mu.Unlock()
	for _, h := range handlers {
		h()
	}
}

func (c *Client) fireMessage(evt event.Event) {
	c.mu.Lock()
	handlers := append([]func(event.Event){}, c.onMessage...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(evt)
	}
}

func (c *Client) fireClose(err error) {
	c.mu.Lock()
	handlers := append([]func(error){}, c.onClose...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(err)
	}
}

func (c *Client) fireError(err error) {
	c.mu.Lock()
	handlers := append([]func(error){}, c.onError...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(err)
	}
}

func errorText(evt event.Event) string {
	switch d := evt.Data.(type) {
	case *event.ErrorMessagePayload:
		return d.Message
	case event.Raw:
		if msg, ok := d["message"].(string); ok {
			return msg
		}
	}
	return "unknown error"
}
