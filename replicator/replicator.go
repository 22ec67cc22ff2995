// Package replicator owns every server-side replicant for the process: one
// map of namespace to name to *replicant.Replicant, one persistence store
// per namespace, and the transport handlers that answer declare, propose,
// and read RPCs. It is the total-ordering authority the protocol's
// concurrency model assumes. The transport serializes callbacks only per
// connection, so ProposeOperations holds the registry mutex from its
// schema/revision check through applying and broadcasting the batch:
// proposals arriving on different connections are decided one at a time.
package replicator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/asaidimu/go-events"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nodecg-tmp/nodecg-tmp/op"
	"github.com/nodecg-tmp/nodecg-tmp/replicant"
	"github.com/nodecg-tmp/nodecg-tmp/schema"
	"github.com/nodecg-tmp/nodecg-tmp/store"
	"github.com/nodecg-tmp/nodecg-tmp/transport"
	"github.com/nodecg-tmp/nodecg-tmp/wire"
)

// ErrNotDeclared is returned by ProposeOperations when the (namespace, name)
// pair named in the request was never declared on this side. It is a
// protocol error, not a reconciliation signal: handleProposeOperations
// wraps it with transport.ErrProtocolViolation so the transport disconnects
// the offending connection instead of merely logging the failure.
var ErrNotDeclared = errors.New("replicator: not-declared")

// SchemaPathResolver supplies the schema file location for a replicant's
// first declaration, typically backed by a bundle manifest. ok is false
// when the (namespace, name) pair has no associated schema.
type SchemaPathResolver func(namespace, name string) (path string, ok bool)

// EventType identifies a Replicator-level observability event.
type EventType string

// Replicator-level events, delivered to RegisterSubscription callbacks and
// mirrored to the logger.
const (
	EventDeclared   EventType = "declared"
	EventProposed   EventType = "proposed"
	EventRejected   EventType = "rejected"
	EventSaveFailed EventType = "save-failed"
)

// Event is the payload carried on the Replicator's subscription bus.
type Event struct {
	Type         EventType
	Namespace    string
	Name         string
	RejectReason string
}

// SubscriptionInfo describes a registered Replicator-level subscription.
type SubscriptionInfo struct {
	ID          string
	Label       string
	Unsubscribe func()
}

// Options configures a new Replicator.
type Options struct {
	// StoreRoot is the directory persistent replicant values live under,
	// one subdirectory per namespace. Defaults to "db/replicants".
	StoreRoot string
	// SchemaResolver supplies schema file paths; nil means no replicant in
	// this process ever validates.
	SchemaResolver SchemaPathResolver
	Transport      transport.Transport
	Logger         *zap.Logger
}

// Replicator is the server-side registry and RPC handler set described in
// the persistence-store and transport-binding design.
type Replicator struct {
	mu          sync.Mutex
	byNamespace map[string]map[string]*replicant.Replicant

	storeRoot      string
	stores         map[string]store.Store
	schemaResolver SchemaPathResolver

	transport transport.Transport
	logger    *zap.Logger
	bus       *events.TypedEventBus[Event]

	subMu         sync.RWMutex
	subscriptions map[string]*SubscriptionInfo
}

// New constructs a Replicator and wires its RPC handlers onto opts.Transport.
func New(opts Options) (*Replicator, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("replicator: transport is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	storeRoot := opts.StoreRoot
	if storeRoot == "" {
		storeRoot = "db/replicants"
	}
	bus, err := events.NewTypedEventBus[Event](events.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("replicator: initializing event bus: %w", err)
	}

	r := &Replicator{
		byNamespace:    make(map[string]map[string]*replicant.Replicant),
		storeRoot:      storeRoot,
		stores:         make(map[string]store.Store),
		schemaResolver: opts.SchemaResolver,
		transport:      opts.Transport,
		logger:         logger,
		bus:            bus,
		subscriptions:  make(map[string]*SubscriptionInfo),
	}
	r.wireTransport()
	return r, nil
}

func (r *Replicator) wireTransport() {
	r.transport.Handle(wire.EventDeclare, r.handleDeclare)
	r.transport.Handle(wire.EventProposeOperations, r.handleProposeOperations)
	r.transport.Handle(wire.EventRead, r.handleRead)
}

func (r *Replicator) handleDeclare(conn transport.Conn, payload json.RawMessage) (any, error) {
	var req wire.DeclareRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("replicator: decoding declare request: %w", err)
	}
	reply := r.Declare(req.Namespace, req.Name, req.Opts)
	if reply.RejectReason == "" {
		r.transport.Join(conn, wire.Room(req.Namespace))
	}
	return reply, nil
}

func (r *Replicator) handleProposeOperations(conn transport.Conn, payload json.RawMessage) (any, error) {
	var req wire.ProposeOperationsRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("replicator: decoding proposeOperations request: %w", err)
	}
	reply, err := r.ProposeOperations(req)
	if err != nil {
		// not-declared: a protocol error, not a reconciliation signal. No ack
		// is sent; wrapping with transport.ErrProtocolViolation tells the
		// transport's dispatch loop to disconnect the offending connection
		// rather than just logging the failure.
		return nil, fmt.Errorf("%w: %v", transport.ErrProtocolViolation, err)
	}
	return reply, nil
}

func (r *Replicator) handleRead(conn transport.Conn, payload json.RawMessage) (any, error) {
	var req wire.ReadRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("replicator: decoding read request: %w", err)
	}
	value, err := r.Read(req.Namespace, req.Name)
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Declare resolves an existing replicant for (namespace, name) or creates
// one. A second declare of the same pair is idempotent (P5): the existing
// handle's value and revision are returned untouched.
func (r *Replicator) Declare(namespace, name string, opts wire.DeclareOptions) wire.DeclareReply {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing := r.lookupLocked(namespace, name); existing != nil {
		snap := existing.Snapshot()
		return wire.DeclareReply{Value: snap.Value, Revision: snap.Revision, Schema: snap.Schema, SchemaSum: snap.SchemaSum}
	}

	resolvedSchema, validator, schemaSum := r.loadSchemaLocked(namespace, name)

	st := r.storeForNamespaceLocked(namespace)

	initial, rejectReason := r.resolveInitialValueLocked(st, name, opts, validator, resolvedSchema)
	if rejectReason != "" {
		r.emit(Event{Type: EventRejected, Namespace: namespace, Name: name, RejectReason: rejectReason})
		return wire.DeclareReply{RejectReason: rejectReason}
	}

	rep, err := replicant.New(namespace, name, replicant.Options{
		Validator:           validator,
		ResolvedSchema:      resolvedSchema,
		SchemaSum:           schemaSum,
		Persistent:          opts.Persistent,
		PersistenceInterval: durationFromMillis(opts.PersistenceInterval),
		InitialValue:        initial,
		Store:               st,
		Logger:              r.logger,
	})
	if err != nil {
		r.logger.Error("creating replicant failed", zap.String("namespace", namespace), zap.String("name", name), zap.Error(err))
		return wire.DeclareReply{RejectReason: wire.RejectValueInvalid}
	}

	byName, ok := r.byNamespace[namespace]
	if !ok {
		byName = make(map[string]*replicant.Replicant)
		r.byNamespace[namespace] = byName
	}
	byName[name] = rep

	r.logger.Info("replicant declared", zap.String("namespace", namespace), zap.String("name", name), zap.Bool("persistent", opts.Persistent))
	r.emit(Event{Type: EventDeclared, Namespace: namespace, Name: name})

	snap := rep.Snapshot()
	return wire.DeclareReply{Value: snap.Value, Revision: snap.Revision, Schema: snap.Schema, SchemaSum: snap.SchemaSum}
}

// resolveInitialValueLocked decides the value a freshly created replicant
// starts at: a persisted value if present and still schema-valid, else an
// explicit defaultValue if present and valid, else the schema's synthesized
// default, else nil. A persisted value that fails validation against an
// upgraded schema is discarded in favor of the schema default and the
// replicant starts at revision 0 with that default (scenario 5) — New
// always starts at revision 0, so this is automatic.
func (r *Replicator) resolveInitialValueLocked(st store.Store, name string, opts wire.DeclareOptions, validator *schema.Validator, resolvedSchema *jsonschema.Schema) (any, string) {
	if st != nil {
		raw, ok, err := st.GetItem(name)
		if err != nil {
			r.logger.Warn("loading persisted value failed", zap.String("name", name), zap.Error(err))
		} else if ok && raw != "" {
			var persisted any
			if err := json.Unmarshal([]byte(raw), &persisted); err == nil {
				if valid, _ := validator.Validate(persisted); valid {
					return persisted, ""
				}
				r.logger.Warn("persisted value failed schema validation, reverting to defaults", zap.String("name", name))
			}
		}
	}

	if opts.DefaultValue != nil {
		if valid, _ := validator.Validate(opts.DefaultValue); !valid {
			return nil, wire.RejectValueInvalid
		}
		return opts.DefaultValue, ""
	}

	if resolvedSchema != nil {
		return schema.DefaultValue(resolvedSchema), ""
	}
	return nil, ""
}

// ProposeOperations implements the accept/reject decision described for
// replicant:proposeOperations: schema mismatch first, then revision
// mismatch, and only once both agree does the batch apply. An error return
// means the replicant named in req was never declared on this side — a
// protocol error, not a reconciliation signal, per the not-declared error
// kind.
func (r *Replicator) ProposeOperations(req wire.ProposeOperationsRequest) (wire.ProposeOperationsReply, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep := r.lookupLocked(req.Namespace, req.Name)

	if rep == nil {
		return wire.ProposeOperationsReply{}, fmt.Errorf("%w: %s/%s", ErrNotDeclared, req.Namespace, req.Name)
	}

	if rep.SchemaSum() != req.SchemaSum {
		snap := rep.Snapshot()
		r.emit(Event{Type: EventRejected, Namespace: req.Namespace, Name: req.Name, RejectReason: wire.RejectSchemaMismatch})
		return wire.ProposeOperationsReply{
			Value: snap.Value, Revision: snap.Revision, Schema: snap.Schema, SchemaSum: snap.SchemaSum,
			RejectReason: wire.RejectSchemaMismatch,
		}, nil
	}
	if rep.Revision() != req.Revision {
		snap := rep.Snapshot()
		r.emit(Event{Type: EventRejected, Namespace: req.Namespace, Name: req.Name, RejectReason: wire.RejectRevisionMismatch})
		return wire.ProposeOperationsReply{
			Value: snap.Value, Revision: snap.Revision,
			RejectReason: wire.RejectRevisionMismatch,
		}, nil
	}

	evt, err := rep.ApplyRemote(req.Operations)
	if err != nil {
		r.logger.Warn("applying proposed operations failed", zap.String("namespace", req.Namespace), zap.String("name", req.Name), zap.Error(err))
		snap := rep.Snapshot()
		return wire.ProposeOperationsReply{
			Value: snap.Value, Revision: snap.Revision, RejectReason: wire.RejectRevisionMismatch,
		}, nil
	}

	r.transport.Broadcast(wire.Room(req.Namespace), wire.EventOperations, wire.OperationsBroadcast{
		Name: req.Name, Namespace: req.Namespace, Revision: evt.Revision, Operations: evt.Operations,
	})
	r.emit(Event{Type: EventProposed, Namespace: req.Namespace, Name: req.Name})

	return wire.ProposeOperationsReply{Value: evt.NewValue, Revision: evt.Revision}, nil
}

// Read answers a replicant:read RPC with the replicant's current value. No
// subscription is established.
func (r *Replicator) Read(namespace, name string) (any, error) {
	r.mu.Lock()
	rep := r.lookupLocked(namespace, name)
	r.mu.Unlock()
	if rep == nil {
		return nil, fmt.Errorf("replicator: %s/%s not declared", namespace, name)
	}
	return rep.Value(), nil
}

// Assign applies a local (non-wire) assignment to a server-side replicant,
// for use by code running inside the same process as the Replicator. It
// broadcasts the resulting change like any other mutation.
func (r *Replicator) Assign(namespace, name string, value any) error {
	r.mu.Lock()
	rep := r.lookupLocked(namespace, name)
	r.mu.Unlock()
	if rep == nil {
		return fmt.Errorf("replicator: %s/%s not declared", namespace, name)
	}
	if err := rep.Assign(value); err != nil {
		return err
	}
	snap := rep.Snapshot()
	r.transport.Broadcast(wire.Room(namespace), wire.EventOperations, wire.OperationsBroadcast{
		Name: name, Namespace: namespace, Revision: snap.Revision,
		Operations: []op.Operation{{Path: "/", Method: op.Overwrite, Args: op.ArgsOverwrite{NewValue: snap.Value}}},
	})
	return nil
}

// SaveAll writes every declared replicant's current value to its namespace
// store, for use during process shutdown. It continues past individual
// failures, logging each one, so one stuck write cannot block the rest.
func (r *Replicator) SaveAll() {
	r.mu.Lock()
	all := make([]*replicant.Replicant, 0)
	for _, byName := range r.byNamespace {
		for _, rep := range byName {
			all = append(all, rep)
		}
	}
	r.mu.Unlock()

	for _, rep := range all {
		if err := rep.Save(); err != nil {
			r.logger.Warn("shutdown save failed", zap.String("namespace", rep.Namespace), zap.String("name", rep.Name), zap.Error(err))
			r.emit(Event{Type: EventSaveFailed, Namespace: rep.Namespace, Name: rep.Name})
		}
	}
}

func (r *Replicator) lookupLocked(namespace, name string) *replicant.Replicant {
	byName, ok := r.byNamespace[namespace]
	if !ok {
		return nil
	}
	return byName[name]
}

// loadSchemaLocked resolves and loads the schema for (namespace, name) via
// the configured SchemaPathResolver. A resolver miss, or any load/resolve
// failure, yields a schema-less replicant (logged, not fatal) per the
// "load failures are reported but are not fatal" design.
func (r *Replicator) loadSchemaLocked(namespace, name string) (*jsonschema.Schema, *schema.Validator, string) {
	if r.schemaResolver == nil {
		return nil, nil, ""
	}
	path, ok := r.schemaResolver(namespace, name)
	if !ok {
		return nil, nil, ""
	}

	base, err := schema.Load(path)
	if err != nil {
		r.logger.Warn("loading schema failed, replicant will be unvalidated", zap.String("namespace", namespace), zap.String("name", name), zap.Error(err))
		return nil, nil, ""
	}
	resolved, err := schema.ResolveRefs(base, filepath.Dir(path))
	if err != nil {
		r.logger.Warn("resolving schema refs failed, replicant will be unvalidated", zap.String("namespace", namespace), zap.String("name", name), zap.Error(err))
		return nil, nil, ""
	}
	sum, err := schema.Digest(base)
	if err != nil {
		r.logger.Warn("computing schema digest failed, replicant will be unvalidated", zap.String("namespace", namespace), zap.String("name", name), zap.Error(err))
		return nil, nil, ""
	}
	return base, schema.NewValidator(base, resolved), sum
}

func (r *Replicator) storeForNamespaceLocked(namespace string) store.Store {
	if st, ok := r.stores[namespace]; ok {
		return st
	}
	st, err := store.NewFileStore(filepath.Join(r.storeRoot, namespace), r.logger, nil)
	if err != nil {
		r.logger.Error("creating namespace store failed", zap.String("namespace", namespace), zap.Error(err))
		return nil
	}
	r.stores[namespace] = st
	return st
}

// RegisterSubscription subscribes fn to Replicator-level events of the
// given type (declare, proposal accept/reject, save failure).
func (r *Replicator) RegisterSubscription(eventType EventType, label string, fn func(Event)) string {
	unsubscribe := r.bus.Subscribe(string(eventType), func(_ context.Context, payload Event) error {
		fn(payload)
		return nil
	})
	id := uuid.New().String()
	r.subMu.Lock()
	r.subscriptions[id] = &SubscriptionInfo{ID: id, Label: label, Unsubscribe: unsubscribe}
	r.subMu.Unlock()
	return id
}

// UnregisterSubscription removes a subscription registered via
// RegisterSubscription.
func (r *Replicator) UnregisterSubscription(id string) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	if info, ok := r.subscriptions[id]; ok {
		info.Unsubscribe()
		delete(r.subscriptions, id)
	}
}

// Subscriptions lists active Replicator-level subscriptions.
func (r *Replicator) Subscriptions() []SubscriptionInfo {
	r.subMu.RLock()
	defer r.subMu.RUnlock()
	out := make([]SubscriptionInfo, 0, len(r.subscriptions))
	for _, s := range r.subscriptions {
		out = append(out, *s)
	}
	return out
}

func (r *Replicator) emit(evt Event) {
	r.bus.Emit(string(evt.Type), evt)
}

// durationFromMillis converts the wire's float64-milliseconds
// PersistenceInterval into a time.Duration, defaulting to one second when
// unset so a persistent replicant declared without an explicit interval
// still throttles rather than writing on every flush.
func durationFromMillis(ms float64) time.Duration {
	if ms <= 0 {
		return time.Second
	}
	return time.Duration(ms * float64(time.Millisecond))
}
