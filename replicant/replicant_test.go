package replicant_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodecg-tmp/nodecg-tmp/op"
	"github.com/nodecg-tmp/nodecg-tmp/replicant"
)

func newTestReplicant(t *testing.T, initial any) *replicant.Replicant {
	t.Helper()
	r, err := replicant.New("test-namespace", "widget", replicant.Options{
		InitialValue: initial,
	})
	require.NoError(t, err)
	return r
}

func TestAssignBumpsRevisionAndEmitsChange(t *testing.T) {
	r := newTestReplicant(t, map[string]any{"count": float64(0)})

	var got replicant.ChangeEvent
	calls := 0
	r.RegisterChangeListener("watcher", func(evt replicant.ChangeEvent) {
		calls++
		got = evt
	})
	require.Equal(t, 1, calls, "listener must fire immediately on registration")

	require.NoError(t, r.Assign(map[string]any{"count": float64(1)}))

	assert.Equal(t, 2, calls)
	assert.Equal(t, uint64(1), r.Revision())
	assert.Equal(t, map[string]any{"count": float64(1)}, got.NewValue)
	assert.Equal(t, map[string]any{"count": float64(0)}, got.OldValue)
}

func TestApplyRemoteNestedAddSingleFlush(t *testing.T) {
	r := newTestReplicant(t, map[string]any{
		"profile": map[string]any{"name": "ana"},
	})

	ops := []op.Operation{
		{
			Path:   "/profile",
			Method: op.Add,
			Args:   op.ArgsAdd{Prop: "age", NewValue: float64(30)},
		},
	}

	evt, err := r.ApplyRemote(ops)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r.Revision())
	assert.Equal(t, uint64(1), evt.Revision)

	profile := r.Value().(map[string]any)["profile"].(map[string]any)
	assert.Equal(t, float64(30), profile["age"])
	assert.Equal(t, "ana", profile["name"])
}

func TestApplyRemoteArraySplice(t *testing.T) {
	r := newTestReplicant(t, map[string]any{
		"items": []any{"a", "b", "c"},
	})

	ops := []op.Operation{
		{
			Path:   "/items",
			Method: op.ArraySplice,
			Args: op.ArgsSplice{
				Start:       1,
				DeleteCount: 1,
				Items:       []any{"x", "y"},
			},
		},
	}

	_, err := r.ApplyRemote(ops)
	require.NoError(t, err)

	items := r.Value().(map[string]any)["items"].([]any)
	assert.Equal(t, []any{"a", "x", "y", "c"}, items)
}

func TestApplyRemoteCoalescesFourOpsIntoOneFlush(t *testing.T) {
	r := newTestReplicant(t, map[string]any{
		"a": float64(0), "b": float64(0), "c": float64(0), "d": float64(0),
	})

	calls := 0
	var lastOps []op.Operation
	r.RegisterChangeListener("watcher", func(evt replicant.ChangeEvent) {
		calls++
		lastOps = evt.Operations
	})
	require.Equal(t, 1, calls)

	ops := []op.Operation{
		{Path: "/", Method: op.Update, Args: op.ArgsUpdate{Prop: "a", NewValue: float64(1)}},
		{Path: "/", Method: op.Update, Args: op.ArgsUpdate{Prop: "b", NewValue: float64(2)}},
		{Path: "/", Method: op.Update, Args: op.ArgsUpdate{Prop: "c", NewValue: float64(3)}},
		{Path: "/", Method: op.Update, Args: op.ArgsUpdate{Prop: "d", NewValue: float64(4)}},
	}

	evt, err := r.ApplyRemote(ops)
	require.NoError(t, err)

	assert.Equal(t, 2, calls, "four operations in one batch must produce exactly one change event")
	assert.Equal(t, uint64(1), evt.Revision)
	assert.Len(t, lastOps, 4)
}

func TestApplyRemoteUnknownOperationLeavesValueUntouched(t *testing.T) {
	original := map[string]any{"count": float64(1)}
	r := newTestReplicant(t, original)

	ops := []op.Operation{
		{Path: "/", Method: op.Update, Args: op.ArgsUpdate{Prop: "count", NewValue: float64(2)}},
		{Path: "/", Method: op.Method("array:bogus"), Args: nil},
	}

	_, err := r.ApplyRemote(ops)
	require.Error(t, err)

	assert.Equal(t, uint64(0), r.Revision())
	assert.Equal(t, map[string]any{"count": float64(1)}, r.Value())
}

func TestAssignRejectsInvalidValueAndLeavesStateUntouched(t *testing.T) {
	r := newTestReplicant(t, map[string]any{"count": float64(1)})
	err := r.Assign(func() {})
	require.Error(t, err)
	assert.Equal(t, uint64(0), r.Revision())
	assert.Equal(t, map[string]any{"count": float64(1)}, r.Value())
}

func TestUnregisterChangeListenerStopsDelivery(t *testing.T) {
	r := newTestReplicant(t, map[string]any{"count": float64(0)})

	calls := 0
	id := r.RegisterChangeListener("watcher", func(replicant.ChangeEvent) {
		calls++
	})
	require.Equal(t, 1, calls)

	r.UnregisterChangeListener(id)
	require.NoError(t, r.Assign(map[string]any{"count": float64(5)}))

	assert.Equal(t, 1, calls, "no further delivery after unregistering")
	assert.Empty(t, r.Subscriptions())
}

func TestSnapshotReflectsCurrentRevisionAndValue(t *testing.T) {
	r := newTestReplicant(t, map[string]any{"count": float64(0)})
	require.NoError(t, r.Assign(map[string]any{"count": float64(7)}))

	snap := r.Snapshot()
	assert.Equal(t, uint64(1), snap.Revision)
	assert.Equal(t, map[string]any{"count": float64(7)}, snap.Value)
}

func TestPersistentReplicantSavesThroughStore(t *testing.T) {
	store := newMemStore()
	r, err := replicant.New("test-namespace", "widget", replicant.Options{
		InitialValue:        map[string]any{"count": float64(0)},
		Persistent:          true,
		PersistenceInterval: 0,
		Store:               store,
	})
	require.NoError(t, err)

	require.NoError(t, r.Assign(map[string]any{"count": float64(9)}))

	require.Eventually(t, func() bool {
		raw, ok, _ := store.GetItem("widget")
		return ok && raw == `{"count":9}`
	}, time.Second, 5*time.Millisecond)
}

// memStore is a minimal store.Store fake for exercising the persistence path
// without touching a filesystem.
type memStore struct {
	values map[string]string
}

func newMemStore() *memStore {
	return &memStore{values: make(map[string]string)}
}

func (m *memStore) GetItem(key string) (string, bool, error) {
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *memStore) SetItem(key, value string) error {
	m.values[key] = value
	return nil
}
