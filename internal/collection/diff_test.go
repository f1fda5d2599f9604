package collection

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiffNoOpForDeepEqualValues(t *testing.T) {
	original := Entity{"id": "a", "n": 1, "tags": []any{"x", "y"}}
	modified := Entity{"id": "a", "n": 1, "tags": []any{"x", "y"}}

	d, err := Diff(original, modified)
	require.NoError(t, err)
	require.True(t, d.NoOp)
	require.Nil(t, d.Patch)
}

func TestDiffProducesMergePatchForChangedFields(t *testing.T) {
	original := Entity{"id": "a", "n": 1, "label": "old"}
	modified := Entity{"id": "a", "n": 2, "label": "old"}

	d, err := Diff(original, modified)
	require.NoError(t, err)
	require.False(t, d.NoOp)
	require.JSONEq(t, `{"n":2}`, string(d.Patch))
}

func TestMutationDiffRenderShowsBothValues(t *testing.T) {
	d, err := Diff(Entity{"id": "a", "n": 1}, Entity{"id": "a", "n": 2})
	require.NoError(t, err)

	text := d.Render()
	require.Contains(t, text, "1")
	require.Contains(t, text, "2")
}

func TestCollectionSuppressesNoOpUpdate(t *testing.T) {
	sub := make(chan []Change, 4)
	c, err := New(testConfig("widgets", oneShotSync([]Entity{
		{"id": "a", "n": 1},
	})), nil)
	require.NoError(t, err)
	t.Cleanup(c.Cleanup)

	c.SubscribeChanges(nil, false, func(changes []Change) { sub <- changes })

	c.ApplyOptimistic("txn-1", "a", Update, Entity{"id": "a", "n": 1})

	select {
	case changes := <-sub:
		t.Fatalf("expected no dispatched change for a no-op update, got %v", changes)
	default:
	}

	c.ApplyOptimistic("txn-2", "a", Update, Entity{"id": "a", "n": 2})
	changes := <-sub
	require.Len(t, changes, 1)
	require.Equal(t, Entity{"id": "a", "n": 2}, changes[0].Value)
}
