// Package client implements the browser/extension-side mirror of a server
// replicant: an undeclared → declared state machine that buffers writes made
// before the declare handshake completes, applies inbound operations
// optimistically-safe, and reconciles with the server's authoritative
// snapshot whenever a proposal is rejected or a broadcast gap is detected.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/asaidimu/go-events"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nodecg-tmp/nodecg-tmp/mutate"
	"github.com/nodecg-tmp/nodecg-tmp/op"
	"github.com/nodecg-tmp/nodecg-tmp/wire"
)

type state int

const (
	stateUndeclared state = iota
	stateDeclared
)

const changeEventName = "change"

// ChangeEvent is delivered to every registered change listener after a
// local mutation settles, an inbound broadcast applies, or a reconciliation
// installs a fresh snapshot.
type ChangeEvent struct {
	Namespace  string
	Name       string
	NewValue   any
	OldValue   any
	Operations []op.Operation
	Revision   uint64
}

// Snapshot is a point-in-time read of a client replicant's installed state.
type Snapshot struct {
	Value     any    `json:"value"`
	Revision  uint64 `json:"revision"`
	Schema    any    `json:"schema,omitempty"`
	SchemaSum string `json:"schemaSum,omitempty"`
}

// SubscriptionInfo describes a registered change listener.
type SubscriptionInfo struct {
	ID          string
	Label       string
	Unsubscribe func()
}

// Socket is the transport a client replicant speaks the wire protocol
// over: named RPCs with an optional acknowledgement callback, inbound
// named-event dispatch, and a reconnect notification. WSSocket is the
// reference implementation, built on the same envelope shape the server's
// transport package frames (github.com/gorilla/websocket).
type Socket interface {
	Emit(event string, payload any, ack func(reply json.RawMessage, ackErr error))
	On(event string, fn func(payload json.RawMessage))
	OnReconnect(fn func())
}

// Options configures a new client Replicant.
type Options struct {
	DefaultValue        any
	Persistent          bool
	PersistenceInterval time.Duration
	Logger              *zap.Logger
}

// Replicant is the client-side mirror of one (namespace, name) server
// replicant.
type Replicant struct {
	namespace string
	name      string
	opts      wire.DeclareOptions
	socket    Socket
	logger    *zap.Logger

	mu      sync.Mutex
	state   state
	tracker *mutate.Tracker

	revision  uint64
	schema    any
	schemaSum string

	preDeclareQueue []op.Operation
	queued          []op.Operation
	inFlight        []op.Operation
	proposing       bool

	bus *events.TypedEventBus[ChangeEvent]

	subMu         sync.RWMutex
	subscriptions map[string]*SubscriptionInfo
}

// New constructs a client Replicant and immediately sends the declare
// handshake over socket. Reads made before the handshake completes see
// opts.DefaultValue; writes are buffered and replayed as a single fresh
// proposal once the server's reply installs authoritative state.
func New(namespace, name string, opts Options, socket Socket) (*Replicant, error) {
	if namespace == "" || name == "" {
		return nil, fmt.Errorf("client: namespace and name are required")
	}
	if socket == nil {
		return nil, fmt.Errorf("client: socket is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	bus, err := events.NewTypedEventBus[ChangeEvent](events.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("client: initializing event bus: %w", err)
	}

	r := &Replicant{
		namespace: namespace,
		name:      name,
		opts: wire.DeclareOptions{
			DefaultValue:        opts.DefaultValue,
			Persistent:          opts.Persistent,
			PersistenceInterval: float64(opts.PersistenceInterval / time.Millisecond),
		},
		socket:        socket,
		logger:        logger,
		tracker:       mutate.NewTracker(opts.DefaultValue),
		bus:           bus,
		subscriptions: make(map[string]*SubscriptionInfo),
	}

	socket.On(wire.EventOperations, r.handleBroadcast)
	socket.OnReconnect(r.handleReconnect)
	r.sendDeclare()
	return r, nil
}

// Value returns the currently installed value: the provisional default
// before declare completes, the authoritative server value after.
func (r *Replicant) Value() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tracker.Value()
}

// Revision returns the last revision the client has agreed with the server.
// It is 0 until the declare handshake completes.
func (r *Replicant) Revision() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.revision
}

// Declared reports whether the declare handshake has completed.
func (r *Replicant) Declared() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == stateDeclared
}

// Snapshot returns the client's current value, revision, and installed
// schema metadata.
func (r *Replicant) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{Value: r.tracker.Value(), Revision: r.revision, Schema: r.schema, SchemaSum: r.schemaSum}
}

// Mutate runs fn against the replicant's local mutation tracker and, once fn
// returns without error, flushes whatever operations it recorded as a
// single batch — the explicit-closure equivalent of "operations within one
// task are coalesced into one revision step" from a real task queue. If fn
// returns an error, the tree is restored to its state before fn ran and
// nothing is sent.
func (r *Replicant) Mutate(fn func(t *mutate.Tracker) error) error {
	r.mu.Lock()
	before := r.tracker.Value()
	if err := fn(r.tracker); err != nil {
		r.tracker.Reset(before)
		r.mu.Unlock()
		return err
	}
	ops := r.tracker.Flush()
	r.mu.Unlock()
	if len(ops) == 0 {
		return nil
	}
	r.dispatchLocalOps(ops)
	return nil
}

// Assign replaces the whole value in a single batch, sugar for
// Mutate(func(t) { return t.Overwrite("/", value) }).
func (r *Replicant) Assign(value any) error {
	return r.Mutate(func(t *mutate.Tracker) error {
		return t.Overwrite("/", value)
	})
}

func (r *Replicant) sendDeclare() {
	r.mu.Lock()
	req := wire.DeclareRequest{Namespace: r.namespace, Name: r.name, Opts: r.opts}
	r.mu.Unlock()
	r.socket.Emit(wire.EventDeclare, req, r.handleDeclareReply)
}

func (r *Replicant) handleDeclareReply(raw json.RawMessage, ackErr error) {
	if ackErr != nil {
		r.logger.Warn("declare failed", zap.String("namespace", r.namespace), zap.String("name", r.name), zap.Error(ackErr))
		return
	}
	var reply wire.DeclareReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		r.logger.Warn("decoding declare reply failed", zap.Error(err))
		return
	}
	if reply.RejectReason != "" {
		r.logger.Warn("declare rejected", zap.String("namespace", r.namespace), zap.String("name", r.name), zap.String("reason", reply.RejectReason))
		return
	}

	r.mu.Lock()
	oldValue := r.tracker.Value()
	buffered := r.preDeclareQueue
	r.preDeclareQueue = nil

	// Re-apply whatever was buffered before declare on top of the
	// authoritative base, so a local read sees the optimistic result
	// immediately instead of waiting for the replay proposal's own ack.
	installed := reply.Value
	for _, o := range buffered {
		next, err := op.Apply(installed, o)
		if err != nil {
			r.logger.Warn("discarding a buffered operation that no longer applies", zap.Error(err))
			continue
		}
		installed = next
	}
	release := r.tracker.Suspend()
	r.tracker.Reset(installed)
	release()

	r.revision = reply.Revision
	r.schema = reply.Schema
	r.schemaSum = reply.SchemaSum
	r.state = stateDeclared
	r.mu.Unlock()

	r.emit(ChangeEvent{Namespace: r.namespace, Name: r.name, NewValue: installed, OldValue: oldValue, Revision: reply.Revision})

	if len(buffered) > 0 {
		r.dispatchLocalOps(buffered)
	}
}

// dispatchLocalOps routes a freshly flushed batch: buffered while
// undeclared, otherwise queued for proposal. Only one proposeOperations
// call is outstanding at a time; ops flushed while one is already in flight
// accumulate and go out as the next proposal once the current one settles.
func (r *Replicant) dispatchLocalOps(ops []op.Operation) {
	r.mu.Lock()
	if r.state == stateUndeclared {
		r.preDeclareQueue = append(r.preDeclareQueue, ops...)
		r.mu.Unlock()
		return
	}
	r.queued = append(r.queued, ops...)
	if r.proposing {
		r.mu.Unlock()
		return
	}
	req := r.beginProposalLocked()
	r.mu.Unlock()
	r.socket.Emit(wire.EventProposeOperations, req, r.handleProposeReply)
}

// beginProposalLocked moves the queued batch into flight. Caller holds mu.
func (r *Replicant) beginProposalLocked() wire.ProposeOperationsRequest {
	r.inFlight = r.queued
	r.queued = nil
	r.proposing = true
	return wire.ProposeOperationsRequest{
		Name:       r.name,
		Namespace:  r.namespace,
		Operations: r.inFlight,
		Opts:       r.opts,
		Revision:   r.revision,
		SchemaSum:  r.schemaSum,
	}
}

func (r *Replicant) handleProposeReply(raw json.RawMessage, ackErr error) {
	if ackErr != nil {
		r.logger.Warn("proposeOperations failed", zap.String("namespace", r.namespace), zap.String("name", r.name), zap.Error(ackErr))
		r.mu.Lock()
		r.proposing = false
		r.mu.Unlock()
		return
	}
	var reply wire.ProposeOperationsReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		r.logger.Warn("decoding proposeOperations reply failed", zap.Error(err))
		r.mu.Lock()
		r.proposing = false
		r.mu.Unlock()
		return
	}

	if reply.RejectReason != "" {
		r.revert(reply)
		return
	}

	r.mu.Lock()
	r.revision = reply.Revision
	r.inFlight = nil
	var next *wire.ProposeOperationsRequest
	if len(r.queued) > 0 {
		req := r.beginProposalLocked()
		next = &req
	} else {
		r.proposing = false
	}
	value := r.tracker.Value()
	r.mu.Unlock()

	r.emit(ChangeEvent{Namespace: r.namespace, Name: r.name, NewValue: value, OldValue: value, Revision: reply.Revision})

	if next != nil {
		r.socket.Emit(wire.EventProposeOperations, *next, r.handleProposeReply)
	}
}

// revert implements the reject path common to revision-mismatch and
// schema-mismatch: suspend, install the authoritative snapshot, discard
// everything in flight or queued, emit one change.
func (r *Replicant) revert(reply wire.ProposeOperationsReply) {
	r.mu.Lock()
	oldValue := r.tracker.Value()
	release := r.tracker.Suspend()
	r.tracker.Reset(reply.Value)
	release()
	r.revision = reply.Revision
	if reply.RejectReason == wire.RejectSchemaMismatch {
		r.schema = reply.Schema
		r.schemaSum = reply.SchemaSum
	}
	r.inFlight = nil
	r.queued = nil
	r.proposing = false
	r.mu.Unlock()

	r.emit(ChangeEvent{Namespace: r.namespace, Name: r.name, NewValue: reply.Value, OldValue: oldValue, Revision: reply.Revision})
}

// handleBroadcast applies an inbound replicant:operations message. A batch
// at or below the client's current revision is stale and is silently
// discarded. While a proposal is in flight, a batch exactly one revision
// ahead is discarded too: the server broadcasts to the proposer before it
// acks, so that batch is either the echo of the client's own accepted
// proposal (already applied locally; the ack confirms the revision) or a
// competing batch, in which case the proposal is rejected and the reject
// reply installs the authoritative snapshot. This is what stands in for
// server-side sender exclusion. A batch more than one revision ahead means
// at least one broadcast was missed, so the client reconciles via a fresh
// read instead of applying a now-inapplicable operation list.
func (r *Replicant) handleBroadcast(raw json.RawMessage) {
	var msg wire.OperationsBroadcast
	if err := json.Unmarshal(raw, &msg); err != nil {
		r.logger.Warn("decoding operations broadcast failed", zap.Error(err))
		return
	}
	if msg.Namespace != r.namespace || msg.Name != r.name {
		return
	}

	r.mu.Lock()
	if msg.Revision <= r.revision {
		r.mu.Unlock()
		return
	}
	if r.proposing && msg.Revision == r.revision+1 {
		r.mu.Unlock()
		return
	}
	if msg.Revision != r.revision+1 {
		r.mu.Unlock()
		r.reconcile(msg.Revision)
		return
	}

	oldValue := r.tracker.Value()
	release := r.tracker.Suspend()
	next := r.tracker.Value()
	var applyErr error
	for _, o := range msg.Operations {
		n, err := op.Apply(next, o)
		if err != nil {
			applyErr = err
			break
		}
		next = n
	}
	if applyErr != nil {
		release()
		r.mu.Unlock()
		r.logger.Warn("applying inbound operations failed, reconciling", zap.Error(applyErr))
		r.reconcile(msg.Revision)
		return
	}
	r.tracker.Reset(next)
	release()
	r.revision = msg.Revision
	r.mu.Unlock()

	r.emit(ChangeEvent{Namespace: r.namespace, Name: r.name, NewValue: next, OldValue: oldValue, Operations: msg.Operations, Revision: msg.Revision})
}

// reconcile issues a replicant:read and installs the result as a fresh
// snapshot. The wire protocol's read reply carries only the current value,
// not a revision, so once the read lands the client adopts triggerRevision
// — the revision named by the broadcast that revealed the gap — as its new
// baseline, or keeps its current revision if that is already higher.
func (r *Replicant) reconcile(triggerRevision uint64) {
	req := wire.ReadRequest{Namespace: r.namespace, Name: r.name}
	r.socket.Emit(wire.EventRead, req, func(raw json.RawMessage, ackErr error) {
		r.handleReconcileReply(raw, ackErr, triggerRevision)
	})
}

func (r *Replicant) handleReconcileReply(raw json.RawMessage, ackErr error, triggerRevision uint64) {
	if ackErr != nil {
		r.logger.Warn("reconcile read failed", zap.String("namespace", r.namespace), zap.String("name", r.name), zap.Error(ackErr))
		return
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		r.logger.Warn("decoding reconcile read reply failed", zap.Error(err))
		return
	}

	r.mu.Lock()
	oldValue := r.tracker.Value()
	release := r.tracker.Suspend()
	r.tracker.Reset(value)
	release()
	if triggerRevision > r.revision {
		r.revision = triggerRevision
	}
	r.queued = nil
	r.inFlight = nil
	r.proposing = false
	newRevision := r.revision
	r.mu.Unlock()

	r.emit(ChangeEvent{Namespace: r.namespace, Name: r.name, NewValue: value, OldValue: oldValue, Revision: newRevision})
}

// handleReconnect treats every unacknowledged local operation as rejected,
// folds it back into the pre-declare buffer, and re-declares — the declare
// reply handler's existing replay path then sends it on as a single fresh
// proposal, satisfying "replays its buffered operations in one fresh
// proposal" without a separate code path.
func (r *Replicant) handleReconnect() {
	r.mu.Lock()
	replay := append(append([]op.Operation{}, r.inFlight...), r.queued...)
	r.inFlight = nil
	r.queued = nil
	r.proposing = false
	r.state = stateUndeclared
	r.preDeclareQueue = append(replay, r.preDeclareQueue...)
	r.mu.Unlock()

	r.logger.Info("reconnected, re-declaring", zap.String("namespace", r.namespace), zap.String("name", r.name))
	r.sendDeclare()
}

func (r *Replicant) emit(evt ChangeEvent) {
	r.bus.Emit(changeEventName, evt)
}

// RegisterChangeListener subscribes fn to every future change and fires it
// immediately with the currently installed value, mirroring the server
// replicant's immediate-fire behavior so a caller never has to special-case
// "read current value, then subscribe".
func (r *Replicant) RegisterChangeListener(label string, fn func(ChangeEvent)) string {
	r.mu.Lock()
	current := ChangeEvent{Namespace: r.namespace, Name: r.name, NewValue: r.tracker.Value(), OldValue: r.tracker.Value(), Revision: r.revision}
	r.mu.Unlock()
	fn(current)

	unsubscribe := r.bus.Subscribe(changeEventName, func(_ context.Context, payload ChangeEvent) error {
		fn(payload)
		return nil
	})
	id := uuid.New().String()
	r.subMu.Lock()
	r.subscriptions[id] = &SubscriptionInfo{ID: id, Label: label, Unsubscribe: unsubscribe}
	r.subMu.Unlock()
	return id
}

// UnregisterChangeListener removes a subscription registered via
// RegisterChangeListener.
func (r *Replicant) UnregisterChangeListener(id string) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	if info, ok := r.subscriptions[id]; ok {
		info.Unsubscribe()
		delete(r.subscriptions, id)
	}
}

// Subscriptions lists active change-listener subscriptions.
func (r *Replicant) Subscriptions() []SubscriptionInfo {
	r.subMu.RLock()
	defer r.subMu.RUnlock()
	out := make([]SubscriptionInfo, 0, len(r.subscriptions))
	for _, s := range r.subscriptions {
		out = append(out, *s)
	}
	return out
}
