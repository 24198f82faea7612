package metrics

import (
	"time"

	"github.com/cuemby/symphony/pkg/types"
)

// NodeSource is satisfied by pkg/registry.Registry.
type NodeSource interface {
	Snapshot() []*types.Node
}

// DeploymentSource is satisfied by pkg/store.Store.
type DeploymentSource interface {
	ListDeployments() ([]*types.Deployment, error)
}

// CapacitySource is satisfied by pkg/capacity.Ledger.
type CapacitySource interface {
	Totals() (total types.CapacityVector, reserved types.CapacityVector)
}

// Collector periodically pulls gauges from the conductor's live state. It
// depends only on narrow interfaces so pkg/metrics never imports
// pkg/conductor (which itself imports pkg/metrics to instrument handlers).
type Collector struct {
	nodes   NodeSource
	deploys DeploymentSource
	cap     CapacitySource
	stopCh  chan struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(nodes NodeSource, deploys DeploymentSource, cap CapacitySource) *Collector {
	return &Collector{
		nodes:   nodes,
		deploys: deploys,
		cap:     cap,
		stopCh:  make(chan struct{}),
	}
}

// Start begins collecting metrics on a fixed interval.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectNodeMetrics()
	c.collectDeploymentMetrics()
	c.collectCapacityMetrics()
}

func (c *Collector) collectNodeMetrics() {
	nodes := c.nodes.Snapshot()

	counts := make(map[types.NodeConnState]int)
	for _, n := range nodes {
		counts[n.ConnState]++
	}

	for _, state := range []types.NodeConnState{
		types.NodeAwaitingHello, types.NodeConnected, types.NodeStale, types.NodeDisconnected,
	} {
		NodesTotal.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

func (c *Collector) collectDeploymentMetrics() {
	deployments, err := c.deploys.ListDeployments()
	if err != nil {
		return
	}

	counts := make(map[types.DeploymentCurrentState]int)
	unassigned := 0
	for _, d := range deployments {
		if d.Deleted {
			continue
		}
		counts[d.CurrentState]++
		if d.DesiredState == types.DesiredRunning && d.AssignedNodeID == "" {
			unassigned++
		}
	}

	for _, state := range []types.DeploymentCurrentState{
		types.CurrentPending, types.CurrentStarting, types.CurrentRunning,
		types.CurrentStopping, types.CurrentStopped, types.CurrentFailed, types.CurrentUnknown,
	} {
		DeploymentsTotal.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
	DeploymentsUnassigned.Set(float64(unassigned))
}

func (c *Collector) collectCapacityMetrics() {
	if c.cap == nil {
		return
	}
	total, reserved := c.cap.Totals()
	for label, v := range total {
		CapacityTotal.WithLabelValues(label).Set(float64(v))
	}
	for label, v := range reserved {
		CapacityReserved.WithLabelValues(label).Set(float64(v))
	}
}
