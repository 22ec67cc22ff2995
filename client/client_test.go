package client_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodecg-tmp/nodecg-tmp/client"
	"github.com/nodecg-tmp/nodecg-tmp/mutate"
	"github.com/nodecg-tmp/nodecg-tmp/op"
	"github.com/nodecg-tmp/nodecg-tmp/wire"
)

// fakeSocket is an in-process client.Socket: Emit calls straight into a
// test-supplied handler instead of crossing a real connection, so the
// client state machine can be driven synchronously and deterministically.
type fakeSocket struct {
	declareHandler  func(wire.DeclareRequest) wire.DeclareReply
	proposeHandler  func(wire.ProposeOperationsRequest) wire.ProposeOperationsReply
	readHandler     func(wire.ReadRequest) any
	operationsSink  func(payload json.RawMessage)
	reconnectHooks  []func()
	declareRequests []wire.DeclareRequest
	proposeRequests []wire.ProposeOperationsRequest

	// deferDeclare, when true, withholds the declare ack until the test
	// fires it via pendingDeclareAck, so pre-declare buffering can be
	// observed instead of collapsing to a same-call round trip.
	deferDeclare      bool
	pendingDeclareAck func(json.RawMessage, error)
}

func (s *fakeSocket) Emit(event string, payload any, ack func(json.RawMessage, error)) {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	switch event {
	case wire.EventDeclare:
		var req wire.DeclareRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			panic(err)
		}
		s.declareRequests = append(s.declareRequests, req)
		if s.deferDeclare {
			s.pendingDeclareAck = ack
			return
		}
		reply := s.declareHandler(req)
		replyRaw, _ := json.Marshal(reply)
		if ack != nil {
			ack(replyRaw, nil)
		}
	case wire.EventProposeOperations:
		var req wire.ProposeOperationsRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			panic(err)
		}
		s.proposeRequests = append(s.proposeRequests, req)
		reply := s.proposeHandler(req)
		replyRaw, _ := json.Marshal(reply)
		if ack != nil {
			ack(replyRaw, nil)
		}
	case wire.EventRead:
		var req wire.ReadRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			panic(err)
		}
		value := s.readHandler(req)
		replyRaw, _ := json.Marshal(value)
		if ack != nil {
			ack(replyRaw, nil)
		}
	}
}

func (s *fakeSocket) On(event string, fn func(json.RawMessage)) {
	if event == wire.EventOperations {
		s.operationsSink = fn
	}
}

func (s *fakeSocket) OnReconnect(fn func()) {
	s.reconnectHooks = append(s.reconnectHooks, fn)
}

func acceptingDeclare(value any, revision uint64) func(wire.DeclareRequest) wire.DeclareReply {
	return func(req wire.DeclareRequest) wire.DeclareReply {
		return wire.DeclareReply{Value: value, Revision: revision}
	}
}

func TestDeclareInstallsAuthoritativeValue(t *testing.T) {
	sock := &fakeSocket{
		declareHandler: acceptingDeclare(map[string]any{"a": float64(1)}, 0),
	}
	c, err := client.New("x", "r", client.Options{DefaultValue: map[string]any{"a": float64(0)}}, sock)
	require.NoError(t, err)

	assert.True(t, c.Declared())
	assert.Equal(t, map[string]any{"a": float64(1)}, c.Value())
	assert.Equal(t, uint64(0), c.Revision())
}

func TestPreDeclareWritesAreBufferedAndReplayed(t *testing.T) {
	sock := &fakeSocket{deferDeclare: true}
	sock.proposeHandler = func(req wire.ProposeOperationsRequest) wire.ProposeOperationsReply {
		var v any = map[string]any{"a": float64(0)}
		next, err := op.Apply(v, req.Operations[0])
		require.NoError(t, err)
		return wire.ProposeOperationsReply{Value: next, Revision: req.Revision + 1}
	}

	c, err := client.New("x", "r", client.Options{DefaultValue: map[string]any{"a": float64(0)}}, sock)
	require.NoError(t, err)
	require.False(t, c.Declared())

	require.NoError(t, c.Mutate(func(tr *mutate.Tracker) error {
		return tr.Set("/", "a", float64(5))
	}))

	assert.Equal(t, map[string]any{"a": float64(5)}, c.Value(), "pre-declare writes apply to the provisional default immediately")
	assert.Empty(t, sock.proposeRequests, "nothing is proposed before declare completes")

	require.NotNil(t, sock.pendingDeclareAck)
	reply := wire.DeclareReply{Value: map[string]any{"a": float64(0)}, Revision: 0}
	replyRaw, err := json.Marshal(reply)
	require.NoError(t, err)
	sock.pendingDeclareAck(replyRaw, nil)

	assert.True(t, c.Declared())
	assert.Equal(t, uint64(1), c.Revision())
	assert.Equal(t, map[string]any{"a": float64(5)}, c.Value())
	require.Len(t, sock.proposeRequests, 1)
	assert.Equal(t, uint64(0), sock.proposeRequests[0].Revision)
}

func TestAssignAcceptedByServerBumpsRevision(t *testing.T) {
	sock := &fakeSocket{declareHandler: acceptingDeclare(map[string]any{"a": float64(1)}, 0)}
	sock.proposeHandler = func(req wire.ProposeOperationsRequest) wire.ProposeOperationsReply {
		return wire.ProposeOperationsReply{Value: map[string]any{"a": float64(9)}, Revision: 1}
	}

	c, err := client.New("x", "r", client.Options{}, sock)
	require.NoError(t, err)

	require.NoError(t, c.Assign(map[string]any{"a": float64(9)}))
	assert.Equal(t, uint64(1), c.Revision())
	assert.Equal(t, map[string]any{"a": float64(9)}, c.Value())
}

func TestRevisionMismatchRevertsToAuthoritativeSnapshot(t *testing.T) {
	sock := &fakeSocket{declareHandler: acceptingDeclare(map[string]any{"v": float64(0)}, 0)}
	sock.proposeHandler = func(req wire.ProposeOperationsRequest) wire.ProposeOperationsReply {
		return wire.ProposeOperationsReply{
			RejectReason: wire.RejectRevisionMismatch,
			Value:        map[string]any{"v": float64(42)},
			Revision:     3,
		}
	}

	c, err := client.New("x", "r", client.Options{}, sock)
	require.NoError(t, err)

	var got client.ChangeEvent
	c.RegisterChangeListener("watcher", func(evt client.ChangeEvent) { got = evt })

	require.NoError(t, c.Assign(map[string]any{"v": float64(1)}))

	assert.Equal(t, uint64(3), c.Revision())
	assert.Equal(t, map[string]any{"v": float64(42)}, c.Value())
	assert.Equal(t, map[string]any{"v": float64(42)}, got.NewValue)
}

func TestSchemaMismatchInstallsNewSchema(t *testing.T) {
	sock := &fakeSocket{declareHandler: acceptingDeclare(map[string]any{"v": float64(0)}, 0)}
	sock.proposeHandler = func(req wire.ProposeOperationsRequest) wire.ProposeOperationsReply {
		return wire.ProposeOperationsReply{
			RejectReason: wire.RejectSchemaMismatch,
			Value:        map[string]any{"v": float64(7)},
			Revision:     1,
			Schema:       map[string]any{"type": "object"},
			SchemaSum:    "new-sum",
		}
	}

	c, err := client.New("x", "r", client.Options{}, sock)
	require.NoError(t, err)
	require.NoError(t, c.Assign(map[string]any{"v": float64(1)}))

	snap := c.Snapshot()
	assert.Equal(t, "new-sum", snap.SchemaSum)
	assert.Equal(t, map[string]any{"v": float64(7)}, snap.Value)
}

func TestInboundOperationsApplyWhenContiguous(t *testing.T) {
	sock := &fakeSocket{declareHandler: acceptingDeclare(map[string]any{"a": map[string]any{"b": float64(1)}}, 0)}

	c, err := client.New("x", "r", client.Options{}, sock)
	require.NoError(t, err)

	var got client.ChangeEvent
	c.RegisterChangeListener("watcher", func(evt client.ChangeEvent) { got = evt })

	broadcast := wire.OperationsBroadcast{
		Name: "r", Namespace: "x", Revision: 1,
		Operations: []op.Operation{
			{Path: "/a", Method: op.Add, Args: op.ArgsAdd{Prop: "c", NewValue: float64(2)}},
		},
	}
	raw, _ := json.Marshal(broadcast)
	sock.operationsSink(raw)

	assert.Equal(t, uint64(1), c.Revision())
	a := c.Value().(map[string]any)["a"].(map[string]any)
	assert.Equal(t, float64(2), a["c"])
	assert.Equal(t, uint64(1), got.Revision)
}

func TestStaleInboundOperationsAreDiscarded(t *testing.T) {
	sock := &fakeSocket{declareHandler: acceptingDeclare(map[string]any{"v": float64(1)}, 5)}

	c, err := client.New("x", "r", client.Options{}, sock)
	require.NoError(t, err)

	calls := 0
	c.RegisterChangeListener("watcher", func(client.ChangeEvent) { calls++ })
	require.Equal(t, 1, calls)

	broadcast := wire.OperationsBroadcast{
		Name: "r", Namespace: "x", Revision: 5,
		Operations: []op.Operation{{Path: "/", Method: op.Update, Args: op.ArgsUpdate{Prop: "v", NewValue: float64(99)}}},
	}
	raw, _ := json.Marshal(broadcast)
	sock.operationsSink(raw)

	assert.Equal(t, 1, calls, "a stale (<=) batch must not trigger a change")
	assert.Equal(t, uint64(5), c.Revision())
	assert.Equal(t, map[string]any{"v": float64(1)}, c.Value())
}

func TestGapInboundOperationsTriggersReconcile(t *testing.T) {
	sock := &fakeSocket{declareHandler: acceptingDeclare(map[string]any{"v": float64(1)}, 0)}
	sock.readHandler = func(wire.ReadRequest) any {
		return map[string]any{"v": float64(100)}
	}

	c, err := client.New("x", "r", client.Options{}, sock)
	require.NoError(t, err)

	broadcast := wire.OperationsBroadcast{Name: "r", Namespace: "x", Revision: 5, Operations: nil}
	raw, _ := json.Marshal(broadcast)
	sock.operationsSink(raw)

	assert.Equal(t, uint64(5), c.Revision())
	assert.Equal(t, map[string]any{"v": float64(100)}, c.Value())
}

func TestReconnectRedeclares(t *testing.T) {
	sock := &fakeSocket{declareHandler: acceptingDeclare(map[string]any{"v": float64(0)}, 0)}

	c, err := client.New("x", "r", client.Options{}, sock)
	require.NoError(t, err)
	require.Len(t, sock.reconnectHooks, 1)
	require.Len(t, sock.declareRequests, 1)

	sock.reconnectHooks[0]()

	assert.Len(t, sock.declareRequests, 2, "a reconnect must trigger a fresh declare")
	assert.True(t, c.Declared())
}

func TestReconnectBeforeDeclareReplaysBufferedWrite(t *testing.T) {
	sock := &fakeSocket{deferDeclare: true}
	sock.proposeHandler = func(req wire.ProposeOperationsRequest) wire.ProposeOperationsReply {
		var v any = map[string]any{"v": float64(0)}
		next, err := op.Apply(v, req.Operations[0])
		require.NoError(t, err)
		return wire.ProposeOperationsReply{Value: next, Revision: req.Revision + 1}
	}

	c, err := client.New("x", "r", client.Options{DefaultValue: map[string]any{"v": float64(0)}}, sock)
	require.NoError(t, err)

	// A write captured before the declare handshake completes sits in the
	// pre-declare buffer. Firing the reconnect hook now (before any declare
	// reply has ever landed) must not lose it: it still replays once a
	// declare eventually completes.
	require.NoError(t, c.Mutate(func(tr *mutate.Tracker) error {
		return tr.Set("/", "v", float64(7))
	}))
	sock.reconnectHooks[0]()

	require.Len(t, sock.declareRequests, 2)
	require.NotNil(t, sock.pendingDeclareAck)
	reply := wire.DeclareReply{Value: map[string]any{"v": float64(0)}, Revision: 0}
	replyRaw, err := json.Marshal(reply)
	require.NoError(t, err)
	sock.pendingDeclareAck(replyRaw, nil)

	assert.True(t, c.Declared())
	assert.Equal(t, uint64(1), c.Revision())
	require.Len(t, sock.proposeRequests, 1)
}
