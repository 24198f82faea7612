// Package scheduler implements capacity-aware placement: given a
// deployment and the set of connected nodes, pick the best eligible
// target and commit a reservation against the capacity ledger (spec
// §4.4).
package scheduler

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/cuemby/symphony/pkg/capacity"
	"github.com/cuemby/symphony/pkg/log"
	"github.com/cuemby/symphony/pkg/metrics"
	"github.com/cuemby/symphony/pkg/registry"
	"github.com/cuemby/symphony/pkg/types"
)

// ErrNoEligibleNode means no connected node advertises the deployment's
// node_group.
var ErrNoEligibleNode = fmt.Errorf(types.ReasonNoEligibleNode)

// ErrInsufficientCapacity means eligible nodes exist but none currently
// has enough free capacity for every requested label.
var ErrInsufficientCapacity = fmt.Errorf(types.ReasonInsufficientCap)

// ErrNoCapacity is returned after exhausting the try_reserve retry
// budget against a racing scheduling cycle (spec §4.4 "Commit").
var ErrNoCapacity = fmt.Errorf(types.ReasonNoCapacity)

// maxReserveRetries bounds retries after a lost try_reserve race before
// giving up for this cycle (spec §4.4: "retries up to a small bound (3)").
const maxReserveRetries = 3

// AssignedCounter reports how many deployments are currently assigned to
// a node, for the scheduler's tie-break rule. Satisfied by
// pkg/reconciler's Reconciler, which counts assignments from the
// deployment list it reads at the start of each cycle.
type AssignedCounter interface {
	AssignedCount(nodeID string) int
}

// Scheduler picks a node for a deployment and commits the reservation.
// It holds no deployment state of its own — the reconciler drives it.
type Scheduler struct {
	registry *registry.Registry
	ledger   *capacity.Ledger
	assigned AssignedCounter
	logger   zerolog.Logger
}

// New constructs a Scheduler over the given registry and ledger.
func New(reg *registry.Registry, ledger *capacity.Ledger, assigned AssignedCounter) *Scheduler {
	return &Scheduler{
		registry: reg,
		ledger:   ledger,
		assigned: assigned,
		logger:   log.WithComponent("scheduler"),
	}
}

// Schedule selects an eligible node for d and commits a capacity
// reservation on it. On success it returns the chosen node id. On
// failure it returns one of ErrNoEligibleNode, ErrInsufficientCapacity or
// ErrNoCapacity — the reconciler maps these directly to
// Deployment.AssignmentReason.
func (s *Scheduler) Schedule(d *types.Deployment) (nodeID string, err error) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.SchedulingLatency)
		if err != nil {
			metrics.SchedulingFailures.WithLabelValues(err.Error()).Inc()
		} else {
			metrics.DeploymentsScheduled.Inc()
		}
	}()

	for attempt := 0; attempt <= maxReserveRetries; attempt++ {
		candidates := s.eligibleNodes(d)
		if len(candidates) == 0 {
			if len(s.registry.NodesInGroup(d.NodeGroup)) == 0 {
				return "", ErrNoEligibleNode
			}
			return "", ErrInsufficientCapacity
		}

		best, ok := s.pickBest(d, candidates)
		if !ok {
			return "", ErrInsufficientCapacity
		}

		if err := s.ledger.TryReserve(best, d.CapacityRequests); err == nil {
			s.logger.Info().
				Str("deployment_id", d.ID).
				Str("node_id", best).
				Int("attempt", attempt).
				Msg("deployment scheduled")
			return best, nil
		}
		// Lost the race against a concurrent reservation; recompute and retry.
	}

	return "", ErrNoCapacity
}

// eligibleNodes returns Connected nodes in d's node_group with enough
// available capacity for every requested label (spec §4.4 "Eligibility").
// Nodes already running d at its current revision are excluded by the
// caller (reconciler) before Schedule is ever invoked for that
// deployment, so this only filters on group/connectivity/capacity.
func (s *Scheduler) eligibleNodes(d *types.Deployment) []*types.Node {
	group := s.registry.NodesInGroup(d.NodeGroup)
	if len(group) == 0 {
		return nil
	}

	var out []*types.Node
	for _, n := range group {
		avail, err := s.ledger.Available(n.ID)
		if err != nil {
			continue
		}
		if fitsRequests(d.CapacityRequests, avail) {
			out = append(out, n)
		}
	}
	return out
}

func fitsRequests(requests, available types.CapacityVector) bool {
	for label, want := range requests {
		if available[label] < want {
			return false
		}
	}
	return true
}

// pickBest applies the balanced-distribution score, breaking ties by
// fewer assigned deployments then lexicographically smallest node_id
// (spec §4.4 "Scoring").
func (s *Scheduler) pickBest(d *types.Deployment, candidates []*types.Node) (string, bool) {
	type scored struct {
		nodeID   string
		score    float64
		assigned int
	}

	var options []scored
	for _, n := range candidates {
		reserved, err := s.ledger.Reserved(n.ID)
		if err != nil {
			continue
		}
		total, err := s.ledger.Total(n.ID)
		if err != nil {
			continue
		}

		sc, ok := computeScore(d.CapacityRequests, reserved, total)
		if !ok {
			continue
		}

		assignedCount := 0
		if s.assigned != nil {
			assignedCount = s.assigned.AssignedCount(n.ID)
		}

		options = append(options, scored{nodeID: n.ID, score: sc, assigned: assignedCount})
	}
	if len(options) == 0 {
		return "", false
	}

	sort.Slice(options, func(i, j int) bool {
		if options[i].score != options[j].score {
			return options[i].score < options[j].score
		}
		if options[i].assigned != options[j].assigned {
			return options[i].assigned < options[j].assigned
		}
		return options[i].nodeID < options[j].nodeID
	})

	return options[0].nodeID, true
}

// computeScore is score(N) = max over K of (reserved[K]+requests[K]) /
// total[K]. A label with zero total capacity is treated as unusable for
// that request.
func computeScore(requests, reserved, total types.CapacityVector) (float64, bool) {
	var max float64
	found := false
	for label, want := range requests {
		t := total[label]
		if t <= 0 {
			return 0, false
		}
		v := float64(reserved[label]+want) / float64(t)
		if !found || v > max {
			max = v
			found = true
		}
	}
	return max, true
}
