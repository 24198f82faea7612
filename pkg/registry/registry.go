// Package registry tracks currently-connected nodes, their declared
// capacities/groups and last heartbeat, indexed by group (spec §4.2).
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/symphony/pkg/events"
	"github.com/cuemby/symphony/pkg/log"
	"github.com/cuemby/symphony/pkg/types"
)

// ErrConflict is returned by Register when a node with the same id is
// already registered and not in a reaped state.
var ErrConflict = fmt.Errorf("node already registered")

// Registry is a process-wide concurrent map from node_id to its tracked
// state. Readers never block writers: Snapshot takes a short lock that
// only copies references and scalar fields (spec §4.2).
type Registry struct {
	mu     sync.RWMutex
	nodes  map[string]*types.Node
	broker *events.Broker
	logger zerolog.Logger
}

// NewRegistry creates an empty registry. broker may be nil in tests.
func NewRegistry(broker *events.Broker) *Registry {
	return &Registry{
		nodes:  make(map[string]*types.Node),
		broker: broker,
		logger: log.WithComponent("registry"),
	}
}

// Register adds a node, returning ErrConflict if a non-reaped entry with
// the same id already exists.
func (r *Registry) Register(node *types.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.nodes[node.ID]; ok && existing.ConnState != types.NodeDisconnected {
		return ErrConflict
	}

	node.ConnState = types.NodeConnected
	node.Connected = true
	r.nodes[node.ID] = node

	r.logger.Info().Str("node_id", node.ID).Strs("groups", node.Groups).Msg("node registered")
	r.publish(events.EventNodeJoined, node.ID)

	return nil
}

// Deregister marks a node disconnected. Idempotent; emits a node-lost
// event the first time it transitions.
func (r *Registry) Deregister(nodeID, reason string) {
	r.mu.Lock()
	node, ok := r.nodes[nodeID]
	alreadyGone := !ok || node.ConnState == types.NodeDisconnected
	if ok {
		node.ConnState = types.NodeDisconnected
		node.Connected = false
	}
	r.mu.Unlock()

	if alreadyGone {
		return
	}

	r.logger.Warn().Str("node_id", nodeID).Str("reason", reason).Msg("node deregistered")
	r.publish(events.EventNodeLost, nodeID)
}

// MarkStale transitions a node to Stale (missed 3x heartbeat interval).
// Stale nodes remain assignable targets for already-running deployments
// but are not chosen for new placements (spec §4.1).
func (r *Registry) MarkStale(nodeID string) {
	r.mu.Lock()
	node, ok := r.nodes[nodeID]
	wasConnected := ok && node.ConnState == types.NodeConnected
	if ok {
		node.ConnState = types.NodeStale
	}
	r.mu.Unlock()

	if wasConnected {
		r.logger.Warn().Str("node_id", nodeID).Msg("node marked stale")
		r.publish(events.EventNodeStale, nodeID)
	}
}

// Touch updates a node's heartbeat timestamp and resource snapshot, and
// restores Connected state if the node was Stale.
func (r *Registry) Touch(nodeID string, heartbeatMS int64, snapshot types.ResourceSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		return
	}
	node.LastHeartbeatMS = heartbeatMS
	node.Resources = snapshot
	if node.ConnState == types.NodeStale {
		node.ConnState = types.NodeConnected
	}
}

// Get returns a node by id.
func (r *Registry) Get(nodeID string) (*types.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[nodeID]
	return n, ok
}

// Snapshot returns a point-in-time copy of all registered nodes.
func (r *Registry) Snapshot() []*types.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		cp := *n
		cp.CapacitiesTotal = n.CapacitiesTotal.Clone()
		out = append(out, &cp)
	}
	return out
}

// NodesInGroup returns Connected nodes advertising the given group label.
// Stale/Disconnected nodes are excluded — only fresh-heartbeat candidates
// are returned (spec §4.2).
func (r *Registry) NodesInGroup(group string) []*types.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*types.Node
	for _, n := range r.nodes {
		if n.ConnState != types.NodeConnected {
			continue
		}
		for _, g := range n.Groups {
			if g == group {
				cp := *n
				cp.CapacitiesTotal = n.CapacitiesTotal.Clone()
				out = append(out, &cp)
				break
			}
		}
	}
	return out
}

// StaleSince reports whether a node's last heartbeat predates the given
// deadline. Nothing in the conductor calls it: stale detection runs in
// each session's watchdog, which reaches MarkStale through its StaleFunc.
func (r *Registry) StaleSince(nodeID string, deadline time.Time) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[nodeID]
	if !ok {
		return false
	}
	return time.UnixMilli(n.LastHeartbeatMS).Before(deadline)
}

func (r *Registry) publish(evt events.EventType, nodeID string) {
	if r.broker == nil {
		return
	}
	r.broker.Publish(&events.Event{Type: evt, Message: nodeID, Metadata: map[string]string{"node_id": nodeID}})
}
