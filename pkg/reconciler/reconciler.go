// Package reconciler runs the single coordinating loop per conductor
// that drives deployments toward their desired state (spec §4.6): it
// compares each deployment's target `(desired_state, spec_revision)`
// against its last-acked `(reported_state, revision_acked)` and issues
// scheduler calls or node commands to close the gap.
package reconciler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/symphony/pkg/capacity"
	"github.com/cuemby/symphony/pkg/events"
	"github.com/cuemby/symphony/pkg/log"
	"github.com/cuemby/symphony/pkg/metrics"
	"github.com/cuemby/symphony/pkg/registry"
	"github.com/cuemby/symphony/pkg/scheduler"
	"github.com/cuemby/symphony/pkg/store"
	"github.com/cuemby/symphony/pkg/types"
	"github.com/cuemby/symphony/pkg/wire"
)

// perTickLimit caps how many deployments one cycle processes, so a
// large backlog can't starve deployments queued behind it (spec §4.6
// "Pacing" — FIFO order, capped per-tick work, re-queued rather than
// dropped).
const perTickLimit = 200

// sweepInterval is the periodic re-evaluation cadence (spec §4.6: "every
// 1-5s"); the low end catches freed capacity quickly without busy-looping.
const sweepInterval = 2 * time.Second

// commandAckTimeout is how long the reconciler waits for a node to ack a
// command before re-issuing it on the next tick (spec §5 "Timeouts").
const commandAckTimeout = 30 * time.Second

// Dispatcher delivers a frame to a specific node's session. Implemented
// by the conductor's session table; kept as a narrow interface here to
// avoid reconciler depending on the conductor package.
type Dispatcher interface {
	SendToNode(nodeID string, f wire.Frame) bool
}

type pendingCommand struct {
	nodeID   string
	revision int64
	sentAt   time.Time
}

// Reconciler owns no persistent state beyond its in-flight command
// tracker; the store is the single source of truth (spec §5 "Shared
// resources").
type Reconciler struct {
	store      *store.Store
	registry   *registry.Registry
	ledger     *capacity.Ledger
	scheduler  *scheduler.Scheduler
	dispatcher Dispatcher
	broker     *events.Broker
	logger     zerolog.Logger
	onFatal    func(error)

	notifyCh chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}

	pendingMu sync.Mutex
	pending   map[string]pendingCommand // deployment_id -> last command sent

	assignedMu sync.Mutex
	assigned   map[string]int // node_id -> count, recomputed each cycle
}

// New constructs a Reconciler, wiring its own scheduler over reg/ledger
// so the scheduler's tie-break rule reads assigned-counts from this
// cycle's snapshot (see AssignedCount). dispatcher and broker may be nil
// in tests that don't exercise node commands or event publication.
// onFatal, if non-nil, is called every time a cycle's audit detects a
// conductor-wide invariant violation (spec I1/I2); the reconciler itself
// keeps ticking afterward, it's on the caller (the process wiring) to
// decide how to wind down.
func New(st *store.Store, reg *registry.Registry, ledger *capacity.Ledger, dispatcher Dispatcher, broker *events.Broker, onFatal func(error)) *Reconciler {
	r := &Reconciler{
		store:      st,
		registry:   reg,
		ledger:     ledger,
		dispatcher: dispatcher,
		broker:     broker,
		onFatal:    onFatal,
		logger:     log.WithComponent("reconciler"),
		notifyCh:   make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		pending:    make(map[string]pendingCommand),
		assigned:   make(map[string]int),
	}
	r.scheduler = scheduler.New(reg, ledger, r)
	return r
}

// AssignedCount implements scheduler.AssignedCounter from the snapshot
// taken at the start of the current cycle.
func (r *Reconciler) AssignedCount(nodeID string) int {
	r.assignedMu.Lock()
	defer r.assignedMu.Unlock()
	return r.assigned[nodeID]
}

// AckCommand clears the in-flight command tracker for a deployment once
// a node's status report shows it has caught up to the given revision,
// so the command-ack timeout doesn't spuriously re-fire (spec §4.7
// "Reporting"). Called by the conductor's heartbeat handler.
func (r *Reconciler) AckCommand(deploymentID string, revisionAcked int64) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	if p, ok := r.pending[deploymentID]; ok && revisionAcked >= p.revision {
		delete(r.pending, deploymentID)
	}
}

// Notify wakes the reconciler for an edge-triggered pass (store change,
// node connected/stale/disconnected, status report). Non-blocking: a
// pending wakeup coalesces with any already queued.
func (r *Reconciler) Notify() {
	select {
	case r.notifyCh <- struct{}{}:
	default:
	}
}

// Start runs the reconciliation loop in its own goroutine.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop signals the loop to exit and blocks until it has.
func (r *Reconciler) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Reconciler) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	r.logger.Info().Msg("reconciler started")

	for {
		select {
		case <-r.stopCh:
			r.logger.Info().Msg("reconciler stopped")
			return
		case <-ticker.C:
			r.runCycle()
		case <-r.notifyCh:
			r.runCycle()
		}
	}
}

func (r *Reconciler) runCycle() {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	deployments, err := r.store.ListDeployments()
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to list deployments for reconciliation")
		return
	}

	r.refreshAssignedCounts(deployments)

	sort.Slice(deployments, func(i, j int) bool {
		return deployments[i].CreatedAtMS < deployments[j].CreatedAtMS
	})

	n := len(deployments)
	if n > perTickLimit {
		r.logger.Warn().Int("total", n).Int("limit", perTickLimit).Msg("deployment backlog exceeds per-tick limit, deferring remainder to next sweep")
		n = perTickLimit
	}

	for i := 0; i < n; i++ {
		r.reconcileOne(deployments[i])
	}

	settled := make([]*types.Deployment, 0, n)
	for i := 0; i < n; i++ {
		if cur, err := r.store.GetDeployment(deployments[i].ID); err == nil {
			settled = append(settled, cur)
		}
	}
	r.auditInvariants(settled)
}

// auditInvariants checks I1 (every running-desired deployment is either
// assigned to a connected node, or unassigned with a non-empty reason) and
// I2 (ledger capacity bounds, via the ledger's own audit) after each
// cycle's transitions have settled. A breach is conductor-fatal: reconcileOne
// already keeps the store consistent on every path it takes, so reaching
// this state means one of those paths has a bug, not a transient race.
func (r *Reconciler) auditInvariants(deployments []*types.Deployment) {
	for _, d := range deployments {
		if d.Deleted || d.DesiredState != types.DesiredRunning {
			continue
		}
		if d.AssignedNodeID == "" && d.AssignmentReason == "" {
			r.reportFatal(fmt.Errorf("invariant I1 violated: deployment %s is running-desired, unassigned, with no reason", d.ID))
			return
		}
	}

	if err := r.ledger.CheckInvariants(); err != nil {
		r.reportFatal(fmt.Errorf("invariant I2 violated: %w", err))
	}
}

func (r *Reconciler) reportFatal(err error) {
	r.logger.Error().Err(err).Msg("conductor invariant violation detected")
	if r.onFatal != nil {
		r.onFatal(err)
	}
}

func (r *Reconciler) refreshAssignedCounts(deployments []*types.Deployment) {
	counts := make(map[string]int)
	for _, d := range deployments {
		if d.AssignedNodeID != "" {
			counts[d.AssignedNodeID]++
		}
	}
	r.assignedMu.Lock()
	r.assigned = counts
	r.assignedMu.Unlock()
}

func (r *Reconciler) reconcileOne(d *types.Deployment) {
	if d.Deleted {
		r.reconcileDeleted(d)
		return
	}

	if d.AssignedNodeID == "" {
		if d.DesiredState == types.DesiredRunning {
			r.assignAndStart(d)
		}
		return
	}

	node, connected := r.registry.Get(d.AssignedNodeID)
	if !connected || node.ConnState == types.NodeDisconnected {
		r.releaseAndUnassign(d, types.ReasonNodeDisconnected)
		return
	}

	switch {
	case d.DesiredState == types.DesiredRunning && d.SpecRevision > 0 && r.needsUpdate(d):
		r.sendCommand(d, d.AssignedNodeID, wire.CommandUpdate)
	case d.DesiredState == types.DesiredStopped && d.CurrentState != types.CurrentStopped && d.CurrentState != types.CurrentFailed:
		r.sendCommand(d, d.AssignedNodeID, wire.CommandStop)
	}
}

// needsUpdate reports whether the assigned node still needs an UPDATE to
// reach the deployment's current spec_revision (spec §4.6: the UPDATE
// transition is gated on `revision_acked < spec_revision`, not on whether
// a command happens to be in flight). A converged deployment — one the
// node has already acked at the current revision — is never re-sent, even
// once AckCommand has cleared the in-flight tracker. While genuinely
// behind, it falls back to the in-flight tracker so a lost command or a
// timed-out ack still gets retried instead of silently stalling.
func (r *Reconciler) needsUpdate(d *types.Deployment) bool {
	if d.RevisionAcked >= d.SpecRevision {
		return false
	}

	r.pendingMu.Lock()
	p, ok := r.pending[d.ID]
	r.pendingMu.Unlock()

	if !ok {
		return true
	}
	if p.revision < d.SpecRevision {
		return true
	}
	return time.Since(p.sentAt) > commandAckTimeout
}

func (r *Reconciler) assignAndStart(d *types.Deployment) {
	nodeID, err := r.scheduler.Schedule(d)
	if err != nil {
		if _, uerr := r.store.UpdateDeployment(d.ID, func(dep *types.Deployment) error {
			dep.AssignmentReason = err.Error()
			return nil
		}); uerr != nil {
			r.logger.Error().Err(uerr).Str("deployment_id", d.ID).Msg("failed to record assignment failure")
		}
		return
	}

	updated, err := r.store.UpdateDeployment(d.ID, func(dep *types.Deployment) error {
		dep.AssignedNodeID = nodeID
		dep.AssignmentReason = ""
		dep.RevisionAcked = 0
		return nil
	})
	if err != nil {
		r.logger.Error().Err(err).Str("deployment_id", d.ID).Msg("failed to persist assignment")
		_ = r.ledger.Release(nodeID, d.CapacityRequests)
		return
	}

	r.publish(events.EventAssignmentChanged, updated)
	r.sendCommand(updated, nodeID, wire.CommandStart)
}

func (r *Reconciler) sendCommand(d *types.Deployment, nodeID string, cmd wire.DeploymentCommandKind) {
	f, err := wire.Encode(wire.KindDeploymentReq, wire.DeploymentReq{
		DeploymentID:  d.ID,
		Command:       cmd,
		SpecRevision:  d.SpecRevision,
		Specification: d.Specification,
	})
	if err != nil {
		r.logger.Error().Err(err).Str("deployment_id", d.ID).Msg("failed to encode deployment command")
		return
	}

	delivered := true
	if r.dispatcher != nil {
		delivered = r.dispatcher.SendToNode(nodeID, f)
	}
	if !delivered {
		return
	}

	r.pendingMu.Lock()
	r.pending[d.ID] = pendingCommand{nodeID: nodeID, revision: d.SpecRevision, sentAt: time.Now()}
	r.pendingMu.Unlock()
}

func (r *Reconciler) releaseAndUnassign(d *types.Deployment, reason string) {
	if err := r.ledger.Release(d.AssignedNodeID, d.CapacityRequests); err != nil {
		r.logger.Warn().Err(err).Str("deployment_id", d.ID).Msg("failed to release capacity on disconnect")
	}

	_, err := r.store.UpdateDeployment(d.ID, func(dep *types.Deployment) error {
		dep.AssignedNodeID = ""
		dep.AssignmentReason = reason
		dep.CurrentState = types.CurrentUnknown
		return nil
	})
	if err != nil {
		r.logger.Error().Err(err).Str("deployment_id", d.ID).Msg("failed to clear assignment after disconnect")
		return
	}

	r.pendingMu.Lock()
	delete(r.pending, d.ID)
	r.pendingMu.Unlock()

	r.logger.Warn().Str("deployment_id", d.ID).Str("node_id", d.AssignedNodeID).Str("reason", reason).Msg("deployment unassigned")
}

func (r *Reconciler) reconcileDeleted(d *types.Deployment) {
	if d.AssignedNodeID == "" {
		r.reapDeleted(d)
		return
	}

	if d.CurrentState == types.CurrentStopped || d.CurrentState == types.CurrentFailed {
		if err := r.ledger.Release(d.AssignedNodeID, d.CapacityRequests); err != nil {
			r.logger.Warn().Err(err).Str("deployment_id", d.ID).Msg("failed to release capacity on teardown")
		}
		r.reapDeleted(d)
		return
	}

	f, err := wire.Encode(wire.KindDeploymentCancel, wire.DeploymentCancel{DeploymentID: d.ID})
	if err != nil {
		r.logger.Error().Err(err).Str("deployment_id", d.ID).Msg("failed to encode cancellation")
		return
	}
	if r.dispatcher != nil {
		r.dispatcher.SendToNode(d.AssignedNodeID, f)
	}
}

func (r *Reconciler) reapDeleted(d *types.Deployment) {
	if err := r.store.ReapTombstone(d.ID); err != nil {
		r.logger.Error().Err(err).Str("deployment_id", d.ID).Msg("failed to reap tombstoned deployment")
		return
	}
	r.pendingMu.Lock()
	delete(r.pending, d.ID)
	r.pendingMu.Unlock()
	r.publish(events.EventDeploymentDeleted, d)
}

func (r *Reconciler) publish(evt events.EventType, d *types.Deployment) {
	if r.broker == nil {
		return
	}
	r.broker.Publish(&events.Event{Type: evt, Message: d.ID, Metadata: map[string]string{"deployment_id": d.ID}})
}
