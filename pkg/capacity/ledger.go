// Package capacity implements the conductor's per-node capacity ledger
// (spec §4.3): the sole authority that mutates reservations. The scheduler
// proposes a reservation, the ledger decides.
package capacity

import (
	"fmt"
	"sync"

	"github.com/cuemby/symphony/pkg/types"
)

// ErrInsufficientCapacity is returned by TryReserve when one or more
// requested labels exceed the node's available capacity.
var ErrInsufficientCapacity = fmt.Errorf("insufficient capacity")

// ErrUnknownNode is returned when an operation targets a node the ledger
// has no record for.
var ErrUnknownNode = fmt.Errorf("unknown node")

type nodeLedger struct {
	mu       sync.Mutex
	total    types.CapacityVector
	reserved types.CapacityVector
}

// Ledger tracks reserved/available capacity per node. Each node has its
// own lock domain (spec §5) — operations on different nodes never
// contend.
type Ledger struct {
	mu    sync.RWMutex
	nodes map[string]*nodeLedger
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{nodes: make(map[string]*nodeLedger)}
}

// RegisterNode installs or replaces a node's total capacity. Called when a
// session transitions to Connected. Reserved starts at zero; callers that
// need to recompute reservations for a reconnecting node should follow up
// with explicit TryReserve calls driven from the store's live assignments.
func (l *Ledger) RegisterNode(nodeID string, total types.CapacityVector) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nodes[nodeID] = &nodeLedger{total: total.Clone(), reserved: make(types.CapacityVector)}
}

// RemoveNode drops all ledger state for a node, its reservations
// included. The conductor calls it as soon as the node's session ends; a
// later Release for that node returns an error.
func (l *Ledger) RemoveNode(nodeID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.nodes, nodeID)
}

func (l *Ledger) get(nodeID string) (*nodeLedger, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	nl, ok := l.nodes[nodeID]
	return nl, ok
}

// TryReserve atomically checks every label in requests against available
// capacity and, only if all pass, commits the reservation. Partial
// reservation never happens (spec §4.3: "either all increment or none
// do").
func (l *Ledger) TryReserve(nodeID string, requests types.CapacityVector) error {
	nl, ok := l.get(nodeID)
	if !ok {
		return ErrUnknownNode
	}

	nl.mu.Lock()
	defer nl.mu.Unlock()

	for label, want := range requests {
		total, hasTotal := nl.total[label]
		if !hasTotal {
			return ErrInsufficientCapacity
		}
		if nl.reserved[label]+want > total {
			return ErrInsufficientCapacity
		}
	}

	for label, want := range requests {
		nl.reserved[label] += want
	}

	return nil
}

// Release decrements reserved capacity for the given requests. Guaranteed
// non-negative (spec I2): releasing more than is reserved for a label
// clamps to zero rather than going negative.
func (l *Ledger) Release(nodeID string, requests types.CapacityVector) error {
	nl, ok := l.get(nodeID)
	if !ok {
		return ErrUnknownNode
	}

	nl.mu.Lock()
	defer nl.mu.Unlock()

	for label, want := range requests {
		if nl.reserved[label] < want {
			nl.reserved[label] = 0
		} else {
			nl.reserved[label] -= want
		}
	}

	return nil
}

// Available returns a copy of the node's available (total - reserved)
// vector. Missing node returns ErrUnknownNode.
func (l *Ledger) Available(nodeID string) (types.CapacityVector, error) {
	nl, ok := l.get(nodeID)
	if !ok {
		return nil, ErrUnknownNode
	}

	nl.mu.Lock()
	defer nl.mu.Unlock()

	out := make(types.CapacityVector, len(nl.total))
	for label, total := range nl.total {
		out[label] = total - nl.reserved[label]
	}
	return out, nil
}

// Reserved returns a copy of the node's reserved vector.
func (l *Ledger) Reserved(nodeID string) (types.CapacityVector, error) {
	nl, ok := l.get(nodeID)
	if !ok {
		return nil, ErrUnknownNode
	}
	nl.mu.Lock()
	defer nl.mu.Unlock()
	return nl.reserved.Clone(), nil
}

// Total returns a copy of the node's total vector.
func (l *Ledger) Total(nodeID string) (types.CapacityVector, error) {
	nl, ok := l.get(nodeID)
	if !ok {
		return nil, ErrUnknownNode
	}
	nl.mu.Lock()
	defer nl.mu.Unlock()
	return nl.total.Clone(), nil
}

// CheckInvariants audits every node's reserved vector against its total
// (spec I2: `0 <= reserved[K] <= total[K]` for every label). TryReserve and
// Release already enforce this on every mutation; this walks the live
// state and reports any label found out of bounds, for the reconciler's
// per-cycle invariant sweep to surface as a conductor-fatal condition
// rather than silently drifting.
func (l *Ledger) CheckInvariants() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for nodeID, nl := range l.nodes {
		nl.mu.Lock()
		for label, reserved := range nl.reserved {
			total := nl.total[label]
			if reserved < 0 || reserved > total {
				nl.mu.Unlock()
				return fmt.Errorf("capacity invariant violated: node %s label %s reserved=%d total=%d", nodeID, label, reserved, total)
			}
		}
		nl.mu.Unlock()
	}
	return nil
}

// Totals sums total and reserved capacity across every node currently in
// the ledger, for metrics export (pkg/metrics.CapacitySource).
func (l *Ledger) Totals() (total types.CapacityVector, reserved types.CapacityVector) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	total = make(types.CapacityVector)
	reserved = make(types.CapacityVector)
	for _, nl := range l.nodes {
		nl.mu.Lock()
		for label, v := range nl.total {
			total[label] += v
		}
		for label, v := range nl.reserved {
			reserved[label] += v
		}
		nl.mu.Unlock()
	}
	return total, reserved
}
