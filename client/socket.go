package client

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// envelope mirrors the frame the server's transport package writes — the
// two sides of one websocket connection must agree on exactly this shape.
type envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	AckID   *string         `json:"ackId,omitempty"`
}

// WSSocket is the reference client Socket, a single websocket connection
// that reconnects with exponential backoff on read failure and replays
// registered reconnect hooks once a new connection is up.
type WSSocket struct {
	url    string
	logger *zap.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closed    bool
	ackSeq    uint64
	acks      map[string]func(json.RawMessage, error)
	handlers  map[string]func(json.RawMessage)
	onConnect []func()
}

// DialWS connects to url and starts its read pump. logger may be nil.
func DialWS(url string, logger *zap.Logger) (*WSSocket, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &WSSocket{
		url:      url,
		logger:   logger,
		acks:     make(map[string]func(json.RawMessage, error)),
		handlers: make(map[string]func(json.RawMessage)),
	}
	if err := s.dial(); err != nil {
		return nil, err
	}
	go s.readPump()
	return s, nil
}

func (s *WSSocket) dial() error {
	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	if err != nil {
		return fmt.Errorf("client: dialing %s: %w", s.url, err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return nil
}

// On registers fn for inbound server-to-client events, e.g.
// wire.EventOperations.
func (s *WSSocket) On(event string, fn func(payload json.RawMessage)) {
	s.mu.Lock()
	s.handlers[event] = fn
	s.mu.Unlock()
}

// OnReconnect registers fn to run after a dropped connection is
// successfully re-established.
func (s *WSSocket) OnReconnect(fn func()) {
	s.mu.Lock()
	s.onConnect = append(s.onConnect, fn)
	s.mu.Unlock()
}

// Emit sends event as an RPC: the envelope carries a fresh AckID, and ack
// fires once the matching reply envelope arrives. ack may be nil for a
// fire-and-forget send.
func (s *WSSocket) Emit(event string, payload any, ack func(reply json.RawMessage, ackErr error)) {
	raw, err := json.Marshal(payload)
	if err != nil {
		if ack != nil {
			ack(nil, fmt.Errorf("client: marshaling %s payload: %w", event, err))
		}
		return
	}

	env := envelope{Event: event, Payload: raw}
	if ack != nil {
		s.mu.Lock()
		s.ackSeq++
		id := fmt.Sprintf("%d", s.ackSeq)
		s.acks[id] = ack
		s.mu.Unlock()
		env.AckID = &id
	}

	s.writeMu.Lock()
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	writeErr := conn.WriteJSON(env)
	s.writeMu.Unlock()

	if writeErr != nil && ack != nil {
		s.mu.Lock()
		delete(s.acks, *env.AckID)
		s.mu.Unlock()
		ack(nil, fmt.Errorf("client: sending %s: %w", event, writeErr))
	}
}

// Close stops the read pump and closes the underlying connection; no
// further reconnect attempts are made.
func (s *WSSocket) Close() error {
	s.mu.Lock()
	s.closed = true
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (s *WSSocket) readPump() {
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()

		var env envelope
		err := conn.ReadJSON(&env)
		if err != nil {
			if s.reconnect() {
				continue
			}
			return
		}
		s.dispatch(env)
	}
}

func (s *WSSocket) dispatch(env envelope) {
	if env.AckID != nil {
		s.mu.Lock()
		ack, ok := s.acks[*env.AckID]
		if ok {
			delete(s.acks, *env.AckID)
		}
		s.mu.Unlock()
		if ok {
			ack(env.Payload, nil)
			return
		}
	}

	s.mu.Lock()
	fn, ok := s.handlers[env.Event]
	s.mu.Unlock()
	if !ok {
		s.logger.Debug("no handler for inbound event", zap.String("event", env.Event))
		return
	}
	fn(env.Payload)
}

// reconnect retries the dial with exponential backoff (capped at 30s) until
// it succeeds or the socket has been explicitly closed, then replays every
// OnReconnect hook. It returns false when the socket is closed and the read
// pump should exit instead of retrying.
func (s *WSSocket) reconnect() bool {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return false
	}

	s.logger.Warn("connection lost, reconnecting", zap.String("url", s.url))
	backoff := 500 * time.Millisecond
	for {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return false
		}

		if err := s.dial(); err == nil {
			s.mu.Lock()
			hooks := append([]func(){}, s.onConnect...)
			s.mu.Unlock()
			for _, fn := range hooks {
				fn()
			}
			return true
		}

		time.Sleep(backoff)
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}
