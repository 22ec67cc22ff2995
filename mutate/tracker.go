// Package mutate provides the explicit mutation API that stands in for the
// observing proxy of the system this module's protocol was derived from. Go
// has no transparent property interception, so instead of a proxy that
// overhears arbitrary field writes, callers route every mutation through a
// Tracker method. Each method applies the change to the in-memory tree and,
// unless the tracker is suspended, appends the equivalent op.Operation to a
// pending batch a replicant flushes once per tick.
package mutate

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/nodecg-tmp/nodecg-tmp/op"
)

// ErrValueInvalid is returned when a value passed to Set, Overwrite, or an
// array mutator is not representable as JSON — a cyclic graph, a function, a
// channel, or anything else encoding/json cannot round-trip.
var ErrValueInvalid = errors.New("mutate: value is not JSON-representable")

// Tracker wraps a value tree and records every mutation made through it as
// an op.Operation. A Tracker is not safe for concurrent use from multiple
// goroutines; callers needing that serialize through the owning replicant.
type Tracker struct {
	root      any
	suspended int
	pending   []op.Operation
}

// NewTracker returns a Tracker rooted at value. value is taken as-is, not
// copied; callers should not mutate it outside the tracker afterward.
func NewTracker(value any) *Tracker {
	return &Tracker{root: value}
}

// Value returns the current root of the tracked tree.
func (t *Tracker) Value() any {
	return t.root
}

// Reset replaces the tracked tree wholesale without recording an operation.
// It is used when a replicant is assigned a fresh value from persistence or
// a schema default, where there is no prior state for a peer to diff against.
func (t *Tracker) Reset(value any) {
	t.root = value
	t.pending = nil
}

// Suspended reports whether mutations are currently suspended.
func (t *Tracker) Suspended() bool {
	return t.suspended > 0
}

// Suspend increments the suspension depth and returns a function that
// decrements it. Suspension nests: mutations made between an N-deep Suspend
// and its matching release still apply to the tree but are not recorded,
// and resume only once every outstanding Suspend has been released.
// Suspend is used while a replicant is applying a batch of remote operations
// it must not re-broadcast as if they were locally originated.
func (t *Tracker) Suspend() func() {
	t.suspended++
	released := false
	return func() {
		if released {
			return
		}
		released = true
		t.suspended--
	}
}

// Pending returns the operations accumulated since the last Flush, without
// clearing them.
func (t *Tracker) Pending() []op.Operation {
	return t.pending
}

// HasPending reports whether any operation is queued.
func (t *Tracker) HasPending() bool {
	return len(t.pending) > 0
}

// Flush drains and returns the pending batch.
func (t *Tracker) Flush() []op.Operation {
	batch := t.pending
	t.pending = nil
	return batch
}

// Set assigns value to prop within the object addressed by containerPath,
// classifying the resulting operation as op.Add when prop did not previously
// exist on that object and op.Update otherwise.
func (t *Tracker) Set(containerPath, prop string, value any) error {
	if err := validateValue(value); err != nil {
		return err
	}

	container, err := op.Navigate(t.root, containerPath)
	if err != nil {
		return err
	}
	m, ok := container.(map[string]any)
	if !ok {
		return fmt.Errorf("mutate: Set target at %q is %T, not an object", containerPath, container)
	}

	method := op.Update
	var args any = op.ArgsUpdate{Prop: prop, NewValue: value}
	if _, exists := m[prop]; !exists {
		method = op.Add
		args = op.ArgsAdd{Prop: prop, NewValue: value}
	}

	return t.apply(op.Operation{Path: containerPath, Method: method, Args: args})
}

// Delete removes prop from the object addressed by containerPath. Deleting a
// prop that does not exist is an error, mirroring the underlying object
// semantics the operation model is built on.
func (t *Tracker) Delete(containerPath, prop string) error {
	return t.apply(op.Operation{Path: containerPath, Method: op.Delete, Args: op.ArgsDelete{Prop: prop}})
}

// Overwrite replaces the entire node addressed by path — "/" for the root —
// with value. If value is identical to the current node (the same map or
// slice reference, or an equal primitive), Overwrite is a no-op: no
// operation is recorded and the tree is left untouched, matching the
// "assigning the exact same reference" edge case. A structurally equal but
// distinctly allocated value still produces an operation.
func (t *Tracker) Overwrite(path string, value any) error {
	if err := validateValue(value); err != nil {
		return err
	}

	current, err := op.Navigate(t.root, path)
	if err != nil {
		return err
	}
	if sameReference(current, value) {
		return nil
	}

	return t.apply(op.Operation{Path: path, Method: op.Overwrite, Args: op.ArgsOverwrite{NewValue: value}})
}

// Array applies an array mutation method (ArraySplice, ArrayPush, ArrayPop,
// ArrayShift, ArrayUnshift, ArrayReverse, ArraySort, ArrayCopyWithin, or
// ArrayFill) to the array addressed by path.
func (t *Tracker) Array(path string, method op.Method, args any) error {
	switch method {
	case op.ArraySplice, op.ArrayPush, op.ArrayUnshift, op.ArrayPop, op.ArrayShift,
		op.ArrayReverse, op.ArraySort, op.ArrayCopyWithin, op.ArrayFill:
	default:
		return fmt.Errorf("mutate: %q is not an array method", method)
	}
	for _, v := range argsPayloads(args) {
		if err := validateValue(v); err != nil {
			return err
		}
	}
	return t.apply(op.Operation{Path: path, Method: method, Args: args})
}

// argsPayloads extracts the user-supplied scalar/array/object values carried
// inside an array-mutation Args struct, so validateValue can be run against
// the actual tree content instead of the Args wrapper itself (which is a Go
// struct, not a JSON value, and would otherwise fail the walk trivially).
func argsPayloads(args any) []any {
	switch a := args.(type) {
	case op.ArgsSplice:
		return a.Items
	case op.ArgsPush:
		return a.Items
	case op.ArgsFill:
		return []any{a.Value}
	case op.ArgsCopyWithin:
		return nil
	case nil:
		return nil
	default:
		return []any{args}
	}
}

func (t *Tracker) apply(o op.Operation) error {
	newRoot, err := op.Apply(t.root, o)
	if err != nil {
		return err
	}
	t.root = newRoot
	if t.suspended == 0 {
		t.pending = append(t.pending, o)
	}
	return nil
}

// sameReference reports whether old and new are the JS-style "same value":
// identical underlying map/slice, or equal comparable primitives. It never
// panics on uncomparable types because maps and slices are handled before
// falling back to ==.
func sameReference(old, new any) bool {
	if old == nil && new == nil {
		return true
	}
	ov := reflect.ValueOf(old)
	nv := reflect.ValueOf(new)
	if ov.Kind() != nv.Kind() {
		return false
	}
	switch ov.Kind() {
	case reflect.Map:
		return !ov.IsNil() && !nv.IsNil() && ov.Pointer() == nv.Pointer()
	case reflect.Slice:
		return !ov.IsNil() && !nv.IsNil() && ov.Pointer() == nv.Pointer() && ov.Len() == nv.Len()
	case reflect.Func, reflect.Chan:
		return false
	default:
		defer func() { recover() }()
		return old == new
	}
}

// validateValue rejects cyclic graphs and non-JSON-representable leaves
// before a mutation is allowed to touch the tree. encoding/json has no cycle
// protection of its own and would recurse until the stack overflows, so
// cycle detection has to happen here, ahead of any marshal attempt.
func validateValue(v any) error {
	return walkValidate(v, map[uintptr]bool{})
}

func walkValidate(v any, onPath map[uintptr]bool) error {
	switch val := v.(type) {
	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return nil
	case map[string]any:
		rv := reflect.ValueOf(val)
		if rv.IsNil() {
			return nil
		}
		ptr := rv.Pointer()
		if onPath[ptr] {
			return fmt.Errorf("%w: cyclic object graph", ErrValueInvalid)
		}
		onPath[ptr] = true
		for _, child := range val {
			if err := walkValidate(child, onPath); err != nil {
				return err
			}
		}
		delete(onPath, ptr)
		return nil
	case []any:
		rv := reflect.ValueOf(val)
		if rv.IsNil() {
			return nil
		}
		ptr := rv.Pointer()
		if onPath[ptr] {
			return fmt.Errorf("%w: cyclic array graph", ErrValueInvalid)
		}
		onPath[ptr] = true
		for _, child := range val {
			if err := walkValidate(child, onPath); err != nil {
				return err
			}
		}
		delete(onPath, ptr)
		return nil
	default:
		return fmt.Errorf("%w: %T", ErrValueInvalid, v)
	}
}
