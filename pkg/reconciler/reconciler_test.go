package reconciler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/symphony/pkg/capacity"
	"github.com/cuemby/symphony/pkg/registry"
	"github.com/cuemby/symphony/pkg/store"
	"github.com/cuemby/symphony/pkg/types"
	"github.com/cuemby/symphony/pkg/wire"
)

type fakeDispatcher struct {
	sent []wire.Frame
}

func (f *fakeDispatcher) SendToNode(nodeID string, frame wire.Frame) bool {
	f.sent = append(f.sent, frame)
	return true
}

func newTestDeployment(id, name, group string, requests types.CapacityVector) *types.Deployment {
	return &types.Deployment{
		ID:               id,
		Name:             name,
		Kind:             types.KindExec,
		NodeGroup:        group,
		CapacityRequests: requests,
		DesiredState:     types.DesiredRunning,
		CurrentState:     types.CurrentPending,
		SpecRevision:     1,
		CreatedAtMS:      time.Now().UnixMilli(),
	}
}

func setup(t *testing.T) (*store.Store, *registry.Registry, *capacity.Ledger, *fakeDispatcher, *Reconciler) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg := registry.NewRegistry(nil)
	ledger := capacity.NewLedger()
	disp := &fakeDispatcher{}
	r := New(st, reg, ledger, disp, nil, nil)
	return st, reg, ledger, disp, r
}

func TestReconcileAssignsUnassignedDeployment(t *testing.T) {
	st, reg, ledger, disp, r := setup(t)

	node := &types.Node{ID: "n1", Groups: []string{"default"}, CapacitiesTotal: types.CapacityVector{"cpu": 4}}
	require.NoError(t, reg.Register(node))
	ledger.RegisterNode("n1", node.CapacitiesTotal)

	d := newTestDeployment("d1", "web", "default", types.CapacityVector{"cpu": 1})
	require.NoError(t, st.CreateDeployment(d))

	r.runCycle()

	got, err := st.GetDeployment("d1")
	require.NoError(t, err)
	assert.Equal(t, "n1", got.AssignedNodeID)
	require.Len(t, disp.sent, 1)
	assert.Equal(t, wire.KindDeploymentReq, disp.sent[0].Kind)

	var req wire.DeploymentReq
	require.NoError(t, wire.Decode(disp.sent[0], &req))
	assert.Equal(t, wire.CommandStart, req.Command)
}

func TestReconcileSetsReasonWhenNoEligibleNode(t *testing.T) {
	st, _, _, _, r := setup(t)

	d := newTestDeployment("d1", "web", "gpu", types.CapacityVector{"cpu": 1})
	require.NoError(t, st.CreateDeployment(d))

	r.runCycle()

	got, err := st.GetDeployment("d1")
	require.NoError(t, err)
	assert.Empty(t, got.AssignedNodeID)
	assert.Equal(t, types.ReasonNoEligibleNode, got.AssignmentReason)
}

func TestReconcileReleasesCapacityOnNodeDisconnect(t *testing.T) {
	st, reg, ledger, _, r := setup(t)

	node := &types.Node{ID: "n1", Groups: []string{"default"}, CapacitiesTotal: types.CapacityVector{"cpu": 4}}
	require.NoError(t, reg.Register(node))
	ledger.RegisterNode("n1", node.CapacitiesTotal)

	d := newTestDeployment("d1", "web", "default", types.CapacityVector{"cpu": 1})
	require.NoError(t, st.CreateDeployment(d))
	r.runCycle()

	reg.Deregister("n1", "test")
	r.runCycle()

	got, err := st.GetDeployment("d1")
	require.NoError(t, err)
	assert.Empty(t, got.AssignedNodeID)
	assert.Equal(t, types.ReasonNodeDisconnected, got.AssignmentReason)

	reserved, err := ledger.Reserved("n1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), reserved["cpu"])
}

func TestReconcileSendsStopForDesiredStopped(t *testing.T) {
	st, reg, ledger, disp, r := setup(t)

	node := &types.Node{ID: "n1", Groups: []string{"default"}, CapacitiesTotal: types.CapacityVector{"cpu": 4}}
	require.NoError(t, reg.Register(node))
	ledger.RegisterNode("n1", node.CapacitiesTotal)

	d := newTestDeployment("d1", "web", "default", types.CapacityVector{"cpu": 1})
	require.NoError(t, st.CreateDeployment(d))
	r.runCycle()
	disp.sent = nil

	_, err := st.UpdateDeployment("d1", func(dep *types.Deployment) error {
		dep.DesiredState = types.DesiredStopped
		dep.CurrentState = types.CurrentRunning
		return nil
	})
	require.NoError(t, err)

	r.runCycle()

	require.Len(t, disp.sent, 1)
	var req wire.DeploymentReq
	require.NoError(t, wire.Decode(disp.sent[0], &req))
	assert.Equal(t, wire.CommandStop, req.Command)
}

func TestReconcileReapsFullyTornDownTombstone(t *testing.T) {
	st, reg, ledger, _, r := setup(t)

	node := &types.Node{ID: "n1", Groups: []string{"default"}, CapacitiesTotal: types.CapacityVector{"cpu": 4}}
	require.NoError(t, reg.Register(node))
	ledger.RegisterNode("n1", node.CapacitiesTotal)

	d := newTestDeployment("d1", "web", "default", types.CapacityVector{"cpu": 1})
	require.NoError(t, st.CreateDeployment(d))
	r.runCycle()

	require.NoError(t, st.TombstoneDeployment("d1"))
	_, err := st.UpdateDeployment("d1", func(dep *types.Deployment) error {
		dep.CurrentState = types.CurrentStopped
		return nil
	})
	require.NoError(t, err)

	r.runCycle()

	_, err = st.GetDeployment("d1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	reserved, err := ledger.Reserved("n1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), reserved["cpu"])
}

func TestReconcileReassignsAfterNodeLoss(t *testing.T) {
	st, reg, ledger, disp, r := setup(t)

	n1 := &types.Node{ID: "n1", Groups: []string{"default"}, CapacitiesTotal: types.CapacityVector{"cpu": 4}}
	require.NoError(t, reg.Register(n1))
	ledger.RegisterNode("n1", n1.CapacitiesTotal)

	d := newTestDeployment("d1", "web", "default", types.CapacityVector{"cpu": 1})
	require.NoError(t, st.CreateDeployment(d))
	r.runCycle()

	got, err := st.GetDeployment("d1")
	require.NoError(t, err)
	assert.Equal(t, "n1", got.AssignedNodeID)

	reg.Deregister("n1", "test")
	r.runCycle()

	got, err = st.GetDeployment("d1")
	require.NoError(t, err)
	assert.Empty(t, got.AssignedNodeID)

	n2 := &types.Node{ID: "n2", Groups: []string{"default"}, CapacitiesTotal: types.CapacityVector{"cpu": 4}}
	require.NoError(t, reg.Register(n2))
	ledger.RegisterNode("n2", n2.CapacitiesTotal)

	disp.sent = nil
	r.runCycle()

	got, err = st.GetDeployment("d1")
	require.NoError(t, err)
	assert.Equal(t, "n2", got.AssignedNodeID)
	require.Len(t, disp.sent, 1)

	var req wire.DeploymentReq
	require.NoError(t, wire.Decode(disp.sent[0], &req))
	assert.Equal(t, wire.CommandStart, req.Command)
}

func TestReconcileRestartsAfterDesiredStateToggle(t *testing.T) {
	st, reg, ledger, disp, r := setup(t)

	node := &types.Node{ID: "n1", Groups: []string{"default"}, CapacitiesTotal: types.CapacityVector{"cpu": 4}}
	require.NoError(t, reg.Register(node))
	ledger.RegisterNode("n1", node.CapacitiesTotal)

	d := newTestDeployment("d1", "web", "default", types.CapacityVector{"cpu": 1})
	require.NoError(t, st.CreateDeployment(d))
	r.runCycle()

	_, err := st.UpdateDeployment("d1", func(dep *types.Deployment) error {
		dep.DesiredState = types.DesiredStopped
		dep.CurrentState = types.CurrentRunning
		return nil
	})
	require.NoError(t, err)
	r.runCycle()

	_, err = st.UpdateDeployment("d1", func(dep *types.Deployment) error {
		dep.DesiredState = types.DesiredRunning
		dep.CurrentState = types.CurrentStopped
		dep.SpecRevision = 2
		return nil
	})
	require.NoError(t, err)

	disp.sent = nil
	r.runCycle()

	require.Len(t, disp.sent, 1)
	var req wire.DeploymentReq
	require.NoError(t, wire.Decode(disp.sent[0], &req))
	assert.Equal(t, wire.CommandUpdate, req.Command)
	assert.Equal(t, int64(2), req.SpecRevision)
}

func TestAuditInvariantsReportsUnassignedRunningDeploymentWithNoReason(t *testing.T) {
	st, reg, ledger, disp, _ := setup(t)

	var reported error
	r := New(st, reg, ledger, disp, nil, func(err error) { reported = err })

	d := newTestDeployment("d1", "web", "default", types.CapacityVector{"cpu": 1})
	d.DesiredState = types.DesiredRunning
	d.AssignedNodeID = ""
	d.AssignmentReason = ""

	r.auditInvariants([]*types.Deployment{d})

	require.Error(t, reported)
	assert.Contains(t, reported.Error(), "I1")
}

func TestAuditInvariantsPassesForWellFormedDeployments(t *testing.T) {
	st, reg, ledger, disp, r := setup(t)
	_ = st
	_ = disp

	called := false
	r.onFatal = func(error) { called = true }

	node := &types.Node{ID: "n1", Groups: []string{"default"}, CapacitiesTotal: types.CapacityVector{"cpu": 4}}
	require.NoError(t, reg.Register(node))
	ledger.RegisterNode("n1", node.CapacitiesTotal)
	require.NoError(t, ledger.TryReserve("n1", types.CapacityVector{"cpu": 1}))

	d := newTestDeployment("d1", "web", "default", types.CapacityVector{"cpu": 1})
	d.AssignedNodeID = "n1"

	r.auditInvariants([]*types.Deployment{d})

	assert.False(t, called)
}

// TestReconcileConvergesAndStopsReissuingUpdate is a scripted-tick test for
// P5 (eventual convergence): once the node's status report shows it has
// acked the current spec_revision, further cycles must not keep re-issuing
// UPDATE for an otherwise-unchanged, steady-state RUNNING deployment.
func TestReconcileConvergesAndStopsReissuingUpdate(t *testing.T) {
	st, reg, ledger, disp, r := setup(t)

	node := &types.Node{ID: "n1", Groups: []string{"default"}, CapacitiesTotal: types.CapacityVector{"cpu": 4}}
	require.NoError(t, reg.Register(node))
	ledger.RegisterNode("n1", node.CapacitiesTotal)

	d := newTestDeployment("d1", "web", "default", types.CapacityVector{"cpu": 1})
	require.NoError(t, st.CreateDeployment(d))

	r.runCycle() // assigns + sends START
	require.Len(t, disp.sent, 1)

	// The node acks the command via a status report; the conductor's
	// heartbeat handler folds this onto the deployment and clears the
	// in-flight tracker.
	r.AckCommand("d1", 1)
	_, err := st.UpdateDeployment("d1", func(dep *types.Deployment) error {
		dep.CurrentState = types.CurrentRunning
		dep.RevisionAcked = 1
		return nil
	})
	require.NoError(t, err)

	disp.sent = nil
	for i := 0; i < 5; i++ {
		r.runCycle()
	}

	assert.Empty(t, disp.sent, "a converged deployment must not be re-sent UPDATE every cycle")
}

func TestReconcilePlacesWaitingDeploymentAfterReap(t *testing.T) {
	st, reg, ledger, _, r := setup(t)

	node := &types.Node{ID: "n1", Groups: []string{"default"}, CapacitiesTotal: types.CapacityVector{"cpu": 5}}
	require.NoError(t, reg.Register(node))
	ledger.RegisterNode("n1", node.CapacitiesTotal)

	d1 := newTestDeployment("d1", "web", "default", types.CapacityVector{"cpu": 4})
	d1.CreatedAtMS = 1000
	require.NoError(t, st.CreateDeployment(d1))

	d2 := newTestDeployment("d2", "web2", "default", types.CapacityVector{"cpu": 3})
	d2.CreatedAtMS = 2000
	require.NoError(t, st.CreateDeployment(d2))

	r.runCycle()

	got2, err := st.GetDeployment("d2")
	require.NoError(t, err)
	assert.Equal(t, types.ReasonInsufficientCap, got2.AssignmentReason)

	require.NoError(t, st.TombstoneDeployment("d1"))
	_, err = st.UpdateDeployment("d1", func(dep *types.Deployment) error {
		dep.CurrentState = types.CurrentStopped
		return nil
	})
	require.NoError(t, err)

	r.runCycle() // reaps d1, freeing capacity, then places d2 in the same pass
	r.runCycle() // a further pass leaves d2 where it is

	got2, err = st.GetDeployment("d2")
	require.NoError(t, err)
	assert.Equal(t, "n1", got2.AssignedNodeID)
}
