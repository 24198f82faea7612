package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/symphony/pkg/types"
)

func newTestNode(id string, groups ...string) *types.Node {
	return &types.Node{
		ID:              id,
		Groups:          groups,
		CapacitiesTotal: types.CapacityVector{"cpu": 10},
	}
}

func TestRegisterAndConflict(t *testing.T) {
	r := NewRegistry(nil)

	require.NoError(t, r.Register(newTestNode("n1", "gpu")))
	err := r.Register(newTestNode("n1", "gpu"))
	assert.ErrorIs(t, err, ErrConflict)
}

func TestRegisterAfterDisconnectSucceeds(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(newTestNode("n1")))
	r.Deregister("n1", "test")

	require.NoError(t, r.Register(newTestNode("n1")))
}

func TestNodesInGroupExcludesStaleAndDisconnected(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(newTestNode("n1", "gpu")))
	require.NoError(t, r.Register(newTestNode("n2", "gpu")))

	r.MarkStale("n2")

	candidates := r.NodesInGroup("gpu")
	require.Len(t, candidates, 1)
	assert.Equal(t, "n1", candidates[0].ID)
}

func TestDeregisterIdempotent(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(newTestNode("n1")))

	r.Deregister("n1", "gone")
	r.Deregister("n1", "gone-again")

	n, ok := r.Get("n1")
	require.True(t, ok)
	assert.Equal(t, types.NodeDisconnected, n.ConnState)
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(newTestNode("n1", "gpu")))

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	snap[0].CapacitiesTotal["cpu"] = 999

	n, _ := r.Get("n1")
	assert.Equal(t, int64(10), n.CapacitiesTotal["cpu"])
}
