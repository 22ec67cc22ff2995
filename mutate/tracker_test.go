package mutate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodecg-tmp/nodecg-tmp/mutate"
	"github.com/nodecg-tmp/nodecg-tmp/op"
)

func TestSetClassifiesAddVsUpdate(t *testing.T) {
	tr := mutate.NewTracker(map[string]any{"a": 1})

	require.NoError(t, tr.Set("/", "b", 2))
	require.NoError(t, tr.Set("/", "a", 3))

	pending := tr.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, op.Add, pending[0].Method)
	assert.Equal(t, op.Update, pending[1].Method)
	assert.Equal(t, map[string]any{"a": 3, "b": 2}, tr.Value())
}

func TestDeleteMissingPropErrors(t *testing.T) {
	tr := mutate.NewTracker(map[string]any{"a": 1})
	err := tr.Delete("/", "missing")
	assert.Error(t, err)
	assert.Empty(t, tr.Pending())
}

func TestSuspendNestsAndSkipsRecording(t *testing.T) {
	tr := mutate.NewTracker(map[string]any{})

	release1 := tr.Suspend()
	release2 := tr.Suspend()
	require.NoError(t, tr.Set("/", "x", 1))
	assert.True(t, tr.Suspended())
	release2()
	assert.True(t, tr.Suspended(), "still suspended until outer release")
	release1()
	assert.False(t, tr.Suspended())

	assert.Empty(t, tr.Pending(), "mutations under suspension are applied but not recorded")
	assert.Equal(t, map[string]any{"x": 1}, tr.Value())
}

func TestSuspendReleaseIsIdempotent(t *testing.T) {
	tr := mutate.NewTracker(map[string]any{})
	release := tr.Suspend()
	release()
	release()
	assert.False(t, tr.Suspended())
}

func TestOverwriteSameReferenceIsNoop(t *testing.T) {
	shared := map[string]any{"n": 1}
	tr := mutate.NewTracker(map[string]any{"child": shared})

	err := tr.Overwrite("/child", shared)
	require.NoError(t, err)
	assert.Empty(t, tr.Pending())
}

func TestOverwriteEqualButDistinctValueRecordsOperation(t *testing.T) {
	tr := mutate.NewTracker(map[string]any{"child": map[string]any{"n": 1}})

	err := tr.Overwrite("/child", map[string]any{"n": 1})
	require.NoError(t, err)
	require.Len(t, tr.Pending(), 1)
	assert.Equal(t, op.Overwrite, tr.Pending()[0].Method)
}

func TestOverwriteSamePrimitiveIsNoop(t *testing.T) {
	tr := mutate.NewTracker(map[string]any{"n": 5})
	require.NoError(t, tr.Overwrite("/n", 5))
	assert.Empty(t, tr.Pending())
}

func TestSetRejectsCyclicGraph(t *testing.T) {
	tr := mutate.NewTracker(map[string]any{})

	cyclic := map[string]any{}
	cyclic["self"] = cyclic

	err := tr.Set("/", "x", cyclic)
	assert.ErrorIs(t, err, mutate.ErrValueInvalid)
	assert.Empty(t, tr.Pending())
}

func TestSetRejectsNonJSONValue(t *testing.T) {
	tr := mutate.NewTracker(map[string]any{})
	err := tr.Set("/", "fn", func() {})
	assert.ErrorIs(t, err, mutate.ErrValueInvalid)
}

func TestArrayPushAppendsAndRecords(t *testing.T) {
	tr := mutate.NewTracker(map[string]any{"items": []any{1, 2}})

	err := tr.Array("/items", op.ArrayPush, op.ArgsPush{Items: []any{3}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"items": []any{1, 2, 3}}, tr.Value())
	require.Len(t, tr.Pending(), 1)
}

func TestFlushDrainsPending(t *testing.T) {
	tr := mutate.NewTracker(map[string]any{})
	require.NoError(t, tr.Set("/", "a", 1))

	batch := tr.Flush()
	assert.Len(t, batch, 1)
	assert.Empty(t, tr.Pending())
}
