package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/parleyio/parley/pkg/event"
	"github.com/parleyio/parley/pkg/queue"
)

// ServerConfig tunes the WebSocket server. Zero values select the
// documented defaults; negative HeartbeatInterval disables heartbeats.
type ServerConfig struct {
	HeartbeatInterval time.Duration // ping period and pong deadline (default 30s)
	WriteTimeout      time.Duration // per-frame write deadline (default 10s)
	ReliableTimeout   time.Duration // default reliable envelope timeout (default 10s)
	ReplayBatchSize   int           // entries per replay read (default 1000)

	// OriginPatterns restricts which origins may upgrade. Empty accepts
	// any origin.
	OriginPatterns []string
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReliableTimeout == 0 {
		c.ReliableTimeout = 10 * time.Second
	}
	if c.ReplayBatchSize == 0 {
		c.ReplayBatchSize = 1000
	}
	return c
}

// ConnHandler observes a freshly accepted connection.
type ConnHandler func(c *Conn)

// EventHandler observes a plain (non-subprotocol) event received from a
// client.
type EventHandler func(c *Conn, evt event.Event)

// Server accepts WebSocket connections and bridges them to the topic
// queue: subscriptions replay from a cursor and continue live, entries are
// delivered under reliable envelopes, and queue_ack frames advance the
// client's durable consumer.
type Server struct {
	queue *queue.Queue
	cfg   ServerConfig

	mu           sync.RWMutex
	conns        map[string]*Conn
	onConnection []ConnHandler
	onEvent      []EventHandler
	closed       bool

	httpServer *http.Server
	addr       string
}

// NewServer creates a server over the given queue.
func NewServer(q *queue.Queue, cfg ServerConfig) *Server {
	return &Server{
		queue: q,
		cfg:   cfg.withDefaults(),
		conns: make(map[string]*Conn),
	}
}

// OnConnection registers a handler invoked for every accepted connection,
// after the connection_established greeting.
func (s *Server) OnConnection(h ConnHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnection = append(s.onConnection, h)
}

// OnEvent registers a handler for plain events received from clients.
func (s *Server) OnEvent(h EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvent = append(s.onEvent, h)
}

// Handler returns the HTTP handler that upgrades requests to WebSocket
// connections. Use it to attach the server to an existing HTTP mux.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		patterns := s.cfg.OriginPatterns
		if len(patterns) == 0 {
			patterns = []string{"*"}
		}
		sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: patterns,
		})
		if err != nil {
			slog.Warn("WebSocket upgrade failed", "error", err)
			return
		}
		s.HandleConnection(r.Context(), sock)
	})
}

// Listen starts a standalone HTTP server for the WebSocket endpoint.
// Returns once the listener is bound; serving continues in the background.
func (s *Server) Listen(host string, port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return fmt.Errorf("failed to listen on %s:%d: %w", host, port, err)
	}
	s.mu.Lock()
	s.httpServer = &http.Server{Handler: s.Handler()}
	s.addr = ln.Addr().String()
	srv := s.httpServer
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("WebSocket server stopped", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address of the standalone listener, or "".
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// HandleConnection runs the lifecycle of one accepted connection: greeting,
// implicit global subscription, heartbeats, then the read loop. Blocks
// until the connection closes.
func (s *Server) HandleConnection(parentCtx context.Context, sock *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &Conn{
		ID:      uuid.NewString(),
		server:  s,
		sock:    sock,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]*pendingAck),
		subs:    make(map[string]*topicSub),
	}

	if !s.register(c) {
		_ = sock.Close(websocket.StatusGoingAway, "server closing")
		cancel()
		return
	}
	defer s.unregister(c)

	if err := c.Send(event.NewLifecycle(event.TypeConnectionEstablished, event.SourceContainer,
		event.Context{}, &event.ConnectionEstablishedPayload{ConnectionID: c.ID})); err != nil {
		return
	}

	// Every connection starts on the global topic. The connection id keys
	// the consumer until the client subscribes with its own identity,
	// which replaces the subscription and removes the anonymous consumer.
	if err := c.subscribeTopic(c.ID, event.GlobalTopic, ""); err != nil {
		slog.Warn("Global subscription failed", "connection_id", c.ID, "error", err)
	}

	for _, h := range s.connHandlers() {
		h(c)
	}

	if s.cfg.HeartbeatInterval > 0 {
		go c.heartbeat(s.cfg.HeartbeatInterval)
	}

	for {
		_, data, err := sock.Read(ctx)
		if err != nil {
			return
		}
		c.handleFrame(data)
	}
}

// Broadcast sends evt as a plain frame to every connection.
func (s *Server) Broadcast(evt event.Event) {
	for _, c := range s.snapshotConns() {
		if err := c.Send(evt); err != nil {
			slog.Warn("Broadcast send failed", "connection_id", c.ID, "error", err)
		}
	}
}

// ActiveConnections returns the count of open connections.
func (s *Server) ActiveConnections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Close stops accepting connections, waits for in-flight reliable sends up
// to ctx's deadline, then closes every connection.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	srv := s.httpServer
	s.mu.Unlock()

	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil && err != context.DeadlineExceeded {
			slog.Warn("HTTP shutdown failed", "error", err)
		}
	}

	for _, c := range s.snapshotConns() {
		c.awaitPending(ctx)
		c.close(websocket.StatusGoingAway, "server closing")
	}
	return nil
}

func (s *Server) register(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c.ID] = c
	return true
}

func (s *Server) unregister(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c.ID)
	s.mu.Unlock()
	c.close(websocket.StatusNormalClosure, "")
}

func (s *Server) snapshotConns() []*Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

func (s *Server) connHandlers() []ConnHandler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ConnHandler(nil), s.onConnection...)
}

func (s *Server) eventHandlers() []EventHandler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]EventHandler(nil), s.onEvent...)
}
