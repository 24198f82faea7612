// Package types defines Symphony's core data model: nodes, capacity
// vectors, deployments, assignments and log entries. All other packages
// build on these types rather than defining their own shapes for the same
// concepts.
package types

import "time"

// NodeConnState is the connection state of a node session as seen by the
// conductor (spec §4.1).
type NodeConnState string

const (
	NodeAwaitingHello NodeConnState = "awaiting_hello"
	NodeConnected     NodeConnState = "connected"
	NodeStale         NodeConnState = "stale"
	NodeDisconnected  NodeConnState = "disconnected"
)

// CapacityVector maps a capacity label (e.g. "cpu", "gpu") to an integer
// accounting unit. It carries no kernel-level enforcement (spec §3).
type CapacityVector map[string]int64

// Clone returns an independent copy.
func (v CapacityVector) Clone() CapacityVector {
	out := make(CapacityVector, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// Node is a worker process holding one persistent session to the
// conductor (spec §3).
type Node struct {
	ID                  string
	Groups              []string
	CapacitiesTotal     CapacityVector
	HeartbeatIntervalMS int64

	ConnState       NodeConnState
	LastHeartbeatMS int64
	Connected       bool

	// Dynamic resource snapshot, last reported by the node's Heartbeat.
	Resources ResourceSnapshot

	CreatedAtMS int64
}

// ResourceSnapshot is the live, advisory resource picture a node reports
// on each heartbeat. It has no bearing on placement decisions (those use
// CapacityVector) — it exists for operator visibility via GET /nodes.
type ResourceSnapshot struct {
	CPUPercent     float64
	PerCorePercent []float64
	MemoryUsed     int64
	MemoryTotal    int64
	GPUs           []string
	StorageMounts  []StorageMount
}

// StorageMount describes one mounted filesystem reported by a node.
type StorageMount struct {
	Path       string
	TotalBytes int64
	UsedBytes  int64
}

// DeploymentKind selects the node-side execution backend.
type DeploymentKind string

const (
	KindExec   DeploymentKind = "EXEC"
	KindDocker DeploymentKind = "DOCKER"
)

// DeploymentDesiredState is the user-requested lifecycle target.
type DeploymentDesiredState string

const (
	DesiredRunning DeploymentDesiredState = "RUNNING"
	DesiredStopped DeploymentDesiredState = "STOPPED"
)

// DeploymentCurrentState is the last-reported lifecycle state.
type DeploymentCurrentState string

const (
	CurrentPending  DeploymentCurrentState = "PENDING"
	CurrentStarting DeploymentCurrentState = "STARTING"
	CurrentRunning  DeploymentCurrentState = "RUNNING"
	CurrentStopping DeploymentCurrentState = "STOPPING"
	CurrentStopped  DeploymentCurrentState = "STOPPED"
	CurrentFailed   DeploymentCurrentState = "FAILED"
	CurrentUnknown  DeploymentCurrentState = "UNKNOWN"
)

// Assignment reasons, surfaced in Deployment.AssignmentReason (spec §3, §7).
const (
	ReasonNoEligibleNode  = "no-eligible-node"
	ReasonInsufficientCap = "insufficient-capacity"
	ReasonNoCapacity      = "no-capacity"
	ReasonNodeDisconnected = "node-disconnected"
)

// RestartCondition controls whether the node supervisor restarts a child
// process after it exits. Only OnFailure is implemented (spec §9); the
// other values are accepted in the schema for forward compatibility.
type RestartCondition string

const (
	RestartNever     RestartCondition = "never"
	RestartOnFailure RestartCondition = "on-failure"
	RestartAlways    RestartCondition = "always"
)

// RestartPolicy is carried in Specification.RestartPolicy.
type RestartPolicy struct {
	Type           RestartCondition
	BackoffSeconds int
}

// HealthCheckType selects the readiness probe kind (spec §4.7's "explicit
// readiness signal").
type HealthCheckType string

const (
	HealthCheckHTTP HealthCheckType = "http"
	HealthCheckTCP  HealthCheckType = "tcp"
	HealthCheckExec HealthCheckType = "exec"
)

// HealthCheck configures a node-side readiness/liveness probe.
type HealthCheck struct {
	Type     HealthCheckType
	Endpoint string
	Command  []string
	Interval time.Duration
	Timeout  time.Duration
	Retries  int
}

// Specification is the opaque, per-kind blob interpreted only by the node
// supervisor (spec §9 — "dynamic specifications"). The conductor never
// inspects its fields beyond carrying them to the assigned node.
type Specification struct {
	Command       []string
	Args          []string
	Env           map[string]string
	WorkDir       string
	RestartPolicy *RestartPolicy
	HealthCheck   *HealthCheck
	StopGraceMS   int64
	Image         string // DOCKER kind only
}

// Deployment is a user-declared long-running workload (spec §3).
type Deployment struct {
	ID               string
	Name             string
	Kind             DeploymentKind
	NodeGroup        string
	CapacityRequests CapacityVector
	Specification    Specification

	DesiredState DeploymentDesiredState
	CurrentState DeploymentCurrentState

	AssignedNodeID   string
	AssignmentReason string

	CreatedAtMS  int64
	UpdatedAtMS  int64
	SpecRevision int64

	// RevisionAcked is the highest SpecRevision the assigned node has
	// confirmed running, taken from its DeploymentStatus reports. The
	// reconciler only re-issues an UPDATE while this trails SpecRevision
	// (spec §4.6); it resets to 0 whenever AssignedNodeID changes.
	RevisionAcked int64

	// Deleted marks a tombstoned record: still present for name-conflict
	// checks until the reconciler confirms node-side teardown (spec §4.5).
	Deleted bool
}

// Assignment is the logical deployment→node relation (spec §3). Symphony
// does not persist this separately from Deployment.AssignedNodeID /
// Deployment.SpecRevision — RevisionAcked is folded directly onto the
// Deployment record as the node's status reports come in.
type Assignment struct {
	DeploymentID  string
	NodeID        string
	AssignedAtMS  int64
	RevisionAcked int64
}

// LogStream identifies which stream a LogEntry line came from.
type LogStream string

const (
	StreamStdout   LogStream = "stdout"
	StreamStderr   LogStream = "stderr"
	StreamSystem   LogStream = "system"
	StreamSystemHC LogStream = "system-hc"
)

// LogEntry is one line of deployment output (spec §3).
type LogEntry struct {
	TimestampUnixMS int64
	Stream          LogStream
	Line            string
}

// DeploymentStatus is what a node reports per-deployment on every
// heartbeat (spec §4.7).
type DeploymentStatus struct {
	DeploymentID  string
	CurrentState  DeploymentCurrentState
	ExitCode      *int
	RevisionAcked int64
}
