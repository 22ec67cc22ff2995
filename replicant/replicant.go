// Package replicant implements the per-(namespace,name) state holder at the
// center of the replication engine: a value, a monotonic revision, an
// optional schema validator, and the flush protocol that turns a batch of
// mutations into exactly one broadcast and exactly one persistence request.
// A Replicant never talks to the network or the filesystem directly — the
// owning Replicator wires it to a transport and a store.
package replicant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/asaidimu/go-events"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nodecg-tmp/nodecg-tmp/mutate"
	"github.com/nodecg-tmp/nodecg-tmp/op"
	"github.com/nodecg-tmp/nodecg-tmp/schema"
	"github.com/nodecg-tmp/nodecg-tmp/store"
)

// ErrValueInvalid is returned by Assign when the candidate value fails
// schema validation. The replicant's state is left untouched.
var ErrValueInvalid = errors.New("replicant: value failed schema validation")

// changeEventName is the single event this package's per-replicant bus
// carries; a bus scoped to one event keeps the Subscribe/Emit call sites
// simple without needing a discriminated event type.
const changeEventName = "change"

// ChangeEvent is delivered to every registered change listener once per
// flushed batch, and once synchronously to a listener registered after the
// replicant already holds a value.
type ChangeEvent struct {
	Namespace  string
	Name       string
	NewValue   any
	OldValue   any
	Operations []op.Operation
	Revision   uint64
}

// Snapshot is the declaration-reply payload: the replicant's entire
// observable state at a point in time.
type Snapshot struct {
	Value     any                `json:"value"`
	Revision  uint64             `json:"revision"`
	Schema    *jsonschema.Schema `json:"schema,omitempty"`
	SchemaSum string             `json:"schemaSum,omitempty"`
}

// SubscriptionInfo describes a registered change listener.
type SubscriptionInfo struct {
	ID          string
	Label       string
	Unsubscribe func()
}

// Options configures a new Replicant. Validator and ResolvedSchema are nil
// for a schema-less replicant.
type Options struct {
	Validator           *schema.Validator
	ResolvedSchema      *jsonschema.Schema
	SchemaSum           string
	Persistent          bool
	PersistenceInterval time.Duration
	InitialValue        any
	Store               store.Store
	Logger              *zap.Logger
}

// Replicant is the server-side state holder for one (namespace, name) pair.
// It is safe for concurrent use; the owning Replicator serializes proposals
// under its registry mutex, but Replicant does not depend on that for
// correctness.
type Replicant struct {
	Namespace string
	Name      string

	mu       sync.Mutex
	tracker  *mutate.Tracker
	revision uint64

	validator      *schema.Validator
	resolvedSchema *jsonschema.Schema
	schemaSum      string

	persistent          bool
	persistenceInterval time.Duration
	store               store.Store

	saveMu           sync.Mutex
	lastSaveAt       time.Time
	pendingSaveTimer *time.Timer

	logger *zap.Logger
	bus    *events.TypedEventBus[ChangeEvent]

	subMu         sync.RWMutex
	subscriptions map[string]*SubscriptionInfo
}

// New constructs a Replicant already holding opts.InitialValue at revision
// 0. The caller (the Replicator, during declare) is responsible for
// deciding what InitialValue should be — persisted value, schema default,
// or an explicit declare-time default — New does not consult the store.
func New(namespace, name string, opts Options) (*Replicant, error) {
	if namespace == "" || name == "" {
		return nil, fmt.Errorf("replicant: namespace and name must be non-empty")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	bus, err := events.NewTypedEventBus[ChangeEvent](events.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("replicant: initializing event bus: %w", err)
	}

	return &Replicant{
		Namespace:           namespace,
		Name:                name,
		tracker:             mutate.NewTracker(opts.InitialValue),
		validator:           opts.Validator,
		resolvedSchema:      opts.ResolvedSchema,
		schemaSum:           opts.SchemaSum,
		persistent:          opts.Persistent,
		persistenceInterval: opts.PersistenceInterval,
		store:               opts.Store,
		logger:              logger,
		bus:                 bus,
		subscriptions:       make(map[string]*SubscriptionInfo),
	}, nil
}

// Value returns the replicant's current value.
func (r *Replicant) Value() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tracker.Value()
}

// Revision returns the current revision.
func (r *Replicant) Revision() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.revision
}

// SchemaSum returns the schema digest, or "" for a schema-less replicant.
func (r *Replicant) SchemaSum() string {
	return r.schemaSum
}

// Snapshot returns the full declaration-reply payload.
func (r *Replicant) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		Value:     r.tracker.Value(),
		Revision:  r.revision,
		Schema:    r.resolvedSchema,
		SchemaSum: r.schemaSum,
	}
}

// Assign validates value, and on success installs a deep clone of it as a
// single "overwrite" operation, bumping the revision by one and firing the
// usual flush side effects (broadcast-worthy ChangeEvent, throttled save).
// On validation failure it returns ErrValueInvalid and leaves state
// untouched, matching I2.
func (r *Replicant) Assign(value any) error {
	if valid, issues := r.validator.Validate(value); !valid {
		return fmt.Errorf("%w: %v", ErrValueInvalid, issues)
	}

	cloned, err := deepClone(value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValueInvalid, err)
	}

	r.mu.Lock()
	_, err = r.commitLocked([]op.Operation{{
		Path:   "/",
		Method: op.Overwrite,
		Args:   op.ArgsOverwrite{NewValue: cloned},
	}})
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.requestSave()
	return nil
}

// ApplyRemote applies a batch of operations that already arrived fully
// formed — from an accepted client proposal or from replaying a broadcast —
// as a single flush: one revision bump, one ChangeEvent, one throttled save
// request, regardless of how many operations are in the batch. If any
// operation in ops fails to apply, the whole batch is rejected and the
// replicant's value is left exactly as it was (no partial application).
func (r *Replicant) ApplyRemote(ops []op.Operation) (ChangeEvent, error) {
	r.mu.Lock()
	evt, err := r.commitLocked(ops)
	r.mu.Unlock()
	if err != nil {
		return ChangeEvent{}, err
	}
	r.requestSave()
	return evt, nil
}

// commitLocked applies ops to a scratch copy of the current value first, so
// an unknown-operation or otherwise invalid operation anywhere in the batch
// aborts the whole thing before anything is installed. The caller must hold
// r.mu.
func (r *Replicant) commitLocked(ops []op.Operation) (ChangeEvent, error) {
	current := r.tracker.Value()
	oldValue, err := deepClone(current)
	if err != nil {
		return ChangeEvent{}, fmt.Errorf("replicant: cloning old value: %w", err)
	}

	next := current
	for _, o := range ops {
		next, err = op.Apply(next, o)
		if err != nil {
			return ChangeEvent{}, err
		}
	}

	r.tracker.Reset(next)
	r.revision++

	evt := ChangeEvent{
		Namespace:  r.Namespace,
		Name:       r.Name,
		NewValue:   next,
		OldValue:   oldValue,
		Operations: ops,
		Revision:   r.revision,
	}
	r.bus.Emit(changeEventName, evt)
	return evt, nil
}

// RegisterChangeListener subscribes fn to future ChangeEvents and, per the
// preserved "pre-declaration change listener" semantics, invokes it
// immediately with the replicant's current value (OldValue == NewValue,
// Operations == nil) since by construction a Replicant always already has a
// value. It returns a subscription id for UnregisterChangeListener.
func (r *Replicant) RegisterChangeListener(label string, fn func(ChangeEvent)) string {
	r.mu.Lock()
	current := ChangeEvent{
		Namespace: r.Namespace,
		Name:      r.Name,
		NewValue:  r.tracker.Value(),
		OldValue:  r.tracker.Value(),
		Revision:  r.revision,
	}
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

// Subscriptions lists the active change listeners.
func (r *Replicant) Subscriptions() []SubscriptionInfo {
	r.subMu.RLock()
	defer r.subMu.RUnlock()
	out := make([]SubscriptionInfo, 0, len(r.subscriptions))
	for _, s := range r.subscriptions {
		out = append(out, *s)
	}
	return out
}

// requestSave collapses persistence requests arriving within
// persistenceInterval of the last write into a single trailing write,
// per the monotonic-clock throttling design.
func (r *Replicant) requestSave() {
	if !r.persistent || r.store == nil {
		return
	}
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	now := time.Now()
	elapsed := now.Sub(r.lastSaveAt)
	if elapsed >= r.persistenceInterval {
		r.lastSaveAt = now
		go r.doSave()
		return
	}
	if r.pendingSaveTimer != nil {
		return
	}
	wait := r.persistenceInterval - elapsed
	r.pendingSaveTimer = time.AfterFunc(wait, func() {
		r.saveMu.Lock()
		r.pendingSaveTimer = nil
		r.lastSaveAt = time.Now()
		r.saveMu.Unlock()
		r.doSave()
	})
}

func (r *Replicant) doSave() {
	if err := r.Save(); err != nil {
		r.logger.Warn("persistence failed",
			zap.String("namespace", r.Namespace),
			zap.String("name", r.Name),
			zap.Error(err))
	}
}

// Save writes the current value to the store immediately, bypassing the
// throttle. It is used for SaveAll on shutdown and by the throttled path
// once its wait has elapsed.
func (r *Replicant) Save() error {
	if !r.persistent || r.store == nil {
		return nil
	}
	value := r.Value()
	if value == nil {
		return r.store.SetItem(r.Name, "")
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("replicant: encoding %s/%s for save: %w", r.Namespace, r.Name, err)
	}
	return r.store.SetItem(r.Name, string(raw))
}

// deepClone round-trips v through JSON so a caller's in-flight mutations to
// the original value can never leak into the replicant's stored tree, and
// vice versa.
func deepClone(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
