// Package transport implements the full-duplex message transport the
// Replicator runs over: named rooms for per-namespace multicast, a
// per-connection authentication hook, and request/response acknowledgement
// for client RPCs. The reference implementation frames JSON envelopes over
// github.com/gorilla/websocket; any transport satisfying the Transport
// interface is interchangeable.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrProtocolViolation marks an RPCHandler error severe enough that the
// offending connection should be disconnected rather than merely logged and
// left open — a client proposing operations against a replicant it never
// declared is the case this module defines today. A handler signals this by
// wrapping its returned error with this sentinel; dispatch closes the
// connection when it sees one.
var ErrProtocolViolation = errors.New("transport: protocol violation")

// Conn is a single connected peer. Send writes one framed envelope; ackID,
// when non-nil, correlates the envelope with the RPC call it answers. Close
// terminates the connection, used when a peer commits a protocol violation.
type Conn interface {
	ID() string
	Send(event string, payload any, ackID *string) error
	Close() error
}

// RPCHandler answers a client RPC. The returned value is marshaled into the
// reply envelope's payload when the originating envelope carried an AckID;
// an error is logged and no reply is sent (the caller's RPC simply times
// out, which is the caller's problem to handle via reconnect/redeclare).
type RPCHandler func(conn Conn, payload json.RawMessage) (any, error)

// AuthHook gates per-event dispatch: it is consulted for every inbound
// event, and a denied event is dropped as if it were never received.
// Accepting a connection does not consult it.
type AuthHook func(event string, conn Conn) bool

// Transport is the interface the Replicator depends on; WSTransport is the
// reference implementation.
type Transport interface {
	// Broadcast sends event with payload to every connection joined to room.
	Broadcast(room, event string, payload any)
	// Handle registers the RPC handler invoked for inbound envelopes whose
	// Event field matches event.
	Handle(event string, fn RPCHandler)
	// Join adds conn to room's multicast group.
	Join(conn Conn, room string)
	// Auth installs the authentication hook applied to every inbound event.
	Auth(hook AuthHook)
}

// envelope is the wire frame every message — RPC request, RPC reply, or
// broadcast — travels in.
type envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	AckID   *string         `json:"ackId,omitempty"`
}

// wsConn adapts a *websocket.Conn to Conn. Writes are serialized because
// gorilla/websocket forbids concurrent writers on the same connection.
type wsConn struct {
	id       string
	conn     *websocket.Conn
	writeMu  sync.Mutex
	logger   *zap.Logger
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(event string, payload any, ackID *string) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transport: encoding payload for %s: %w", event, err)
	}
	env := envelope{Event: event, Payload: raw, AckID: ackID}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(env)
}

// Close terminates the underlying websocket connection. The read pump's own
// ReadMessage call then fails and dropConnection runs as usual.
func (c *wsConn) Close() error {
	return c.conn.Close()
}

// WSTransport is a Transport built on one gorilla/websocket.Upgrader per
// server process. Each accepted connection gets its own read-pump
// goroutine; room membership is tracked in a map guarded by mu so
// Broadcast never races a concurrent Join or disconnect cleanup.
type WSTransport struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu       sync.RWMutex
	handlers map[string]RPCHandler
	rooms    map[string]map[*wsConn]struct{}
	authHook AuthHook
}

// NewWSTransport constructs a WSTransport. A nil logger is replaced with
// zap.NewNop(). CheckOrigin is left permissive (true) since cross-origin
// policy is a deployment concern this package does not make assumptions
// about; callers embedding WSTransport behind their own HTTP server are
// free to tighten it via Upgrader().
func NewWSTransport(logger *zap.Logger) *WSTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSTransport{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:   logger,
		handlers: make(map[string]RPCHandler),
		rooms:    make(map[string]map[*wsConn]struct{}),
	}
}

// Handle registers fn as the handler for event.
func (t *WSTransport) Handle(event string, fn RPCHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[event] = fn
}

// Auth installs hook, replacing any previously installed hook.
func (t *WSTransport) Auth(hook AuthHook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.authHook = hook
}

// Join adds conn to room. conn must have been produced by this
// WSTransport's ServeHTTP/Accept.
func (t *WSTransport) Join(conn Conn, room string) {
	wc, ok := conn.(*wsConn)
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	members, ok := t.rooms[room]
	if !ok {
		members = make(map[*wsConn]struct{})
		t.rooms[room] = members
	}
	members[wc] = struct{}{}
}

// Broadcast sends event/payload to every connection currently joined to
// room. A connection whose Send fails is logged and skipped; it does not
// abort delivery to the rest of the room.
func (t *WSTransport) Broadcast(room, event string, payload any) {
	t.mu.RLock()
	members := make([]*wsConn, 0, len(t.rooms[room]))
	for c := range t.rooms[room] {
		members = append(members, c)
	}
	t.mu.RUnlock()

	for _, c := range members {
		if err := c.Send(event, payload, nil); err != nil {
			t.logger.Warn("broadcast send failed",
				zap.String("room", room), zap.String("event", event),
				zap.String("conn", c.ID()), zap.Error(err))
		}
	}
}

// Accept upgrades an incoming HTTP request to a websocket connection and
// starts its read pump in a new goroutine. It returns once the upgrade
// completes; the connection's lifetime is managed internally until it
// disconnects.
func (t *WSTransport) Accept(w http.ResponseWriter, r *http.Request, connID string) error {
	raw, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("transport: upgrading connection: %w", err)
	}
	wc := &wsConn{id: connID, conn: raw, logger: t.logger}
	go t.readPump(wc)
	return nil
}

func (t *WSTransport) readPump(conn *wsConn) {
	defer t.dropConnection(conn)
	defer conn.conn.Close()

	for {
		_, raw, err := conn.conn.ReadMessage()
		if err != nil {
			return
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.logger.Warn("dropping malformed envelope", zap.String("conn", conn.ID()), zap.Error(err))
			continue
		}
		t.dispatch(conn, env)
	}
}

func (t *WSTransport) dispatch(conn *wsConn, env envelope) {
	t.mu.RLock()
	hook := t.authHook
	handler, ok := t.handlers[env.Event]
	t.mu.RUnlock()

	if hook != nil && !hook(env.Event, conn) {
		t.logger.Info("event denied by auth hook", zap.String("event", env.Event), zap.String("conn", conn.ID()))
		return
	}
	if !ok {
		t.logger.Warn("no handler registered", zap.String("event", env.Event))
		return
	}

	result, err := handler(conn, env.Payload)
	if err != nil {
		if errors.Is(err, ErrProtocolViolation) {
			t.logger.Warn("protocol violation, disconnecting", zap.String("event", env.Event), zap.String("conn", conn.ID()), zap.Error(err))
			if closeErr := conn.Close(); closeErr != nil {
				t.logger.Warn("closing violating connection failed", zap.String("conn", conn.ID()), zap.Error(closeErr))
			}
			return
		}
		t.logger.Warn("rpc handler failed", zap.String("event", env.Event), zap.Error(err))
		return
	}
	if env.AckID != nil {
		if err := conn.Send(env.Event, result, env.AckID); err != nil {
			t.logger.Warn("ack send failed", zap.String("event", env.Event), zap.Error(err))
		}
	}
}

func (t *WSTransport) dropConnection(conn *wsConn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, members := range t.rooms {
		delete(members, conn)
	}
}
