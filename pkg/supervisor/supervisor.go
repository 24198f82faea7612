// Package supervisor is the node-side execution engine: it owns the
// IDLE→STARTING→RUNNING→STOPPING→STOPPED/FAILED lifecycle for every
// deployment assigned to this node, runs its EXEC-kind child process,
// drives its readiness probe, retains its log output, and reports status
// back to the conductor (spec §4.7).
package supervisor

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/symphony/pkg/types"
	"github.com/cuemby/symphony/pkg/wire"
)

// StatusFunc is called every time an instance's reported status changes,
// so the node's wire client can push it immediately rather than waiting
// for the next heartbeat (spec §5.1, "immediate push on state change").
type StatusFunc func(types.DeploymentStatus)

// Supervisor manages every deployment instance assigned to one node. It
// is the single piece of node-side state the conductor's commands act on.
type Supervisor struct {
	logger zerolog.Logger
	onStat StatusFunc

	mu        sync.Mutex
	instances map[string]*instance
}

// New creates a Supervisor. onStatus may be nil in tests; Statuses()
// remains available either way for heartbeat polling.
func New(logger zerolog.Logger, onStatus StatusFunc) *Supervisor {
	return &Supervisor{
		logger:    logger,
		onStat:    onStatus,
		instances: make(map[string]*instance),
	}
}

func (s *Supervisor) notify(st types.DeploymentStatus) {
	if s.onStat != nil {
		s.onStat(st)
	}
}

// Handle applies a DeploymentReq: START creates the instance, UPDATE
// applies a new spec/revision to an existing one (or creates it if this
// node never saw the deployment before — e.g. after a reconnect), STOP
// requests graceful shutdown of an existing one (spec §4.6 "idempotence"
// — applying the same command twice is a no-op beyond the first time).
func (s *Supervisor) Handle(req wire.DeploymentReq) error {
	switch req.Command {
	case wire.CommandStart, wire.CommandUpdate:
		s.startOrUpdate(req)
		return nil
	case wire.CommandStop:
		return s.Stop(req.DeploymentID, req.Specification.StopGraceMS)
	default:
		return fmt.Errorf("supervisor: unknown command %q", req.Command)
	}
}

func (s *Supervisor) startOrUpdate(req wire.DeploymentReq) {
	ins := s.getOrCreate(req.DeploymentID)
	ins.apply(req.Specification, req.SpecRevision, types.DesiredRunning)
}

func (s *Supervisor) getOrCreate(deploymentID string) *instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	ins, ok := s.instances[deploymentID]
	if !ok {
		ins = newInstance(deploymentID, s.logger.With().Str("deployment_id", deploymentID).Logger(), s.notify)
		s.instances[deploymentID] = ins
	}
	return ins
}

// Stop requests graceful shutdown of a running instance. Unknown
// deployment IDs are not an error — the command may have arrived after a
// prior Cancel already reaped the instance.
func (s *Supervisor) Stop(deploymentID string, graceMS int64) error {
	s.mu.Lock()
	ins, ok := s.instances[deploymentID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	ins.stop(graceMS)
	return nil
}

// Cancel tears an instance down immediately and removes it from the
// supervisor's table, used when the conductor confirms the deployment is
// deleted (spec §4.6 "deleted" transition, wire.DeploymentCancel).
func (s *Supervisor) Cancel(deploymentID string) {
	s.mu.Lock()
	ins, ok := s.instances[deploymentID]
	if ok {
		delete(s.instances, deploymentID)
	}
	s.mu.Unlock()
	if ok {
		ins.cancelNow()
	}
}

// Statuses returns a DeploymentStatus snapshot for every known instance,
// for inclusion in the next Heartbeat frame.
func (s *Supervisor) Statuses() []types.DeploymentStatus {
	s.mu.Lock()
	instances := make([]*instance, 0, len(s.instances))
	for _, ins := range s.instances {
		instances = append(instances, ins)
	}
	s.mu.Unlock()

	out := make([]types.DeploymentStatus, 0, len(instances))
	for _, ins := range instances {
		out = append(out, ins.status())
	}
	return out
}

// Logs returns up to tail of the most recent retained log lines for a
// deployment, oldest first. tail<=0 returns every retained line.
func (s *Supervisor) Logs(deploymentID string, tail int) []types.LogEntry {
	s.mu.Lock()
	ins, ok := s.instances[deploymentID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return ins.logs.Tail(tail)
}

// SubscribeLogs streams every log line appended after this call for a
// deployment. The returned channel is closed (and the subscription
// dropped) if the caller falls behind — matching pkg/events' no-
// unbounded-buffering rule (spec S6, "slow-consumer" disconnect).
func (s *Supervisor) SubscribeLogs(deploymentID string) (<-chan types.LogEntry, func(), bool) {
	s.mu.Lock()
	ins, ok := s.instances[deploymentID]
	s.mu.Unlock()
	if !ok {
		return nil, nil, false
	}
	ch, unsub := ins.logs.Subscribe()
	return ch, unsub, true
}
