package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/symphony/pkg/health"
	"github.com/cuemby/symphony/pkg/metrics"
	"github.com/cuemby/symphony/pkg/types"
)

// readinessGrace is how long a freshly started process with no configured
// health check is given before it is promoted STARTING → RUNNING (spec
// §4.7's "1s grace period or explicit readiness signal").
const readinessGrace = 1 * time.Second

// restartBaseDelay and restartMaxDelay bound the on-failure backoff curve:
// delay = min(base * 2^restartCount, max).
const restartBaseDelay = 1 * time.Second
const restartMaxDelay = 30 * time.Second

// instance supervises one deployment's child process across restarts. A
// single instance exists per deployment on a node; Update replaces its
// spec in place rather than allocating a new instance, so its log ring
// and subscriber set survive a revision bump.
type instance struct {
	deploymentID string
	logger       zerolog.Logger
	logs         *logRing
	onTransition func(types.DeploymentStatus)

	mu           sync.Mutex
	spec         types.Specification
	revision     int64
	desired      types.DeploymentDesiredState
	current      types.DeploymentCurrentState
	exitCode     *int
	restartCount int
	generation   int64 // bumped on every (re)start to invalidate stale goroutines
	metricState  types.DeploymentCurrentState

	cancel context.CancelFunc
}

func newInstance(deploymentID string, logger zerolog.Logger, onTransition func(types.DeploymentStatus)) *instance {
	return &instance{
		deploymentID: deploymentID,
		logger:       logger,
		logs:         newLogRing(defaultRingSize),
		onTransition: onTransition,
		current:      types.CurrentPending,
	}
}

// apply starts the instance (first call) or applies an updated spec to an
// already-running one, bumping SpecRevision (spec §4.6 UPDATE transition).
// A re-delivered START/UPDATE at or below the already-acked revision is a
// no-op (spec §4.6: "node supervisors MUST ignore commands whose
// spec_revision is <= the locally-acked revision"); STOP/CANCEL are not
// gated by revision and go through stop()/cancelNow() instead.
func (ins *instance) apply(spec types.Specification, revision int64, desired types.DeploymentDesiredState) {
	ins.mu.Lock()
	first := ins.generation == 0
	if !first && revision <= ins.revision {
		stale := ins.revision
		ins.mu.Unlock()
		ins.logRecord(types.StreamSystem, fmt.Sprintf("ignoring stale command at revision %d (acked %d)", revision, stale))
		return
	}
	ins.spec = spec
	ins.revision = revision
	ins.desired = desired
	ins.restartCount = 0
	ins.generation++
	gen := ins.generation
	ins.mu.Unlock()

	if !first {
		ins.terminateCurrent("spec-updated")
	}

	ins.logRecord(types.StreamSystem, fmt.Sprintf("applying revision %d", revision))
	go ins.runGeneration(gen)
}

// stop requests a graceful shutdown; the running process (if any) is sent
// SIGTERM and, if it has not exited within the StopGraceMS of the spec it
// was started with (10s when unset), SIGKILL. The graceMS argument is not
// used.
func (ins *instance) stop(graceMS int64) {
	ins.mu.Lock()
	ins.desired = types.DesiredStopped
	cancel := ins.cancel
	ins.current = types.CurrentStopping
	ins.mu.Unlock()

	ins.reportTransition()
	ins.logRecord(types.StreamSystem, "stop requested")

	if cancel != nil {
		cancel()
	}
	_ = graceMS // runOnce applies the running spec's StopGraceMS instead
}

// cancelNow tears the instance down immediately and marks it for removal,
// used when a deployment is deleted (spec §4.6 "deleted" transition). It
// does not wait for graceful shutdown.
func (ins *instance) cancelNow() {
	ins.mu.Lock()
	ins.desired = types.DesiredStopped
	cancel := ins.cancel
	ins.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	ins.logs.closeAll()
}

func (ins *instance) terminateCurrent(reason string) {
	ins.mu.Lock()
	cancel := ins.cancel
	ins.mu.Unlock()
	if cancel != nil {
		ins.logRecord(types.StreamSystem, "terminating previous instance: "+reason)
		cancel()
	}
}

func (ins *instance) status() types.DeploymentStatus {
	ins.mu.Lock()
	defer ins.mu.Unlock()
	return types.DeploymentStatus{
		DeploymentID:  ins.deploymentID,
		CurrentState:  ins.current,
		ExitCode:      ins.exitCode,
		RevisionAcked: ins.revision,
	}
}

func (ins *instance) setState(s types.DeploymentCurrentState) {
	ins.mu.Lock()
	ins.current = s
	ins.mu.Unlock()
	ins.recordStateMetric(s)
	ins.reportTransition()
}

func (ins *instance) reportTransition() {
	if ins.onTransition != nil {
		ins.onTransition(ins.status())
	}
}

// recordStateMetric keeps the per-node instance-state gauge in sync as
// instances move between states.
func (ins *instance) recordStateMetric(next types.DeploymentCurrentState) {
	ins.mu.Lock()
	prev := ins.metricState
	ins.metricState = next
	ins.mu.Unlock()

	if prev != "" && prev != next {
		metrics.SupervisorInstances.WithLabelValues(string(prev)).Dec()
	}
	if prev != next {
		metrics.SupervisorInstances.WithLabelValues(string(next)).Inc()
	}
}

func (ins *instance) logRecord(stream types.LogStream, line string) {
	ins.logs.Append(types.LogEntry{
		TimestampUnixMS: time.Now().UnixMilli(),
		Stream:          stream,
		Line:            line,
	})
}

// runGeneration owns the full lifecycle of one process attempt (and its
// on-failure restarts) for generation gen. A later apply() bumps the
// generation, which makes this goroutine's own stale completion a no-op.
func (ins *instance) runGeneration(gen int64) {
	for {
		ins.mu.Lock()
		if ins.generation != gen {
			ins.mu.Unlock()
			return
		}
		if ins.desired == types.DesiredStopped {
			ins.mu.Unlock()
			ins.finish(types.CurrentStopped, nil)
			return
		}
		spec := ins.spec
		restartCount := ins.restartCount
		ins.mu.Unlock()

		ins.setState(types.CurrentStarting)
		exitErr := ins.runOnce(gen, spec)

		ins.mu.Lock()
		if ins.generation != gen {
			ins.mu.Unlock()
			return
		}
		desired := ins.desired
		ins.mu.Unlock()

		if desired == types.DesiredStopped {
			ins.finish(types.CurrentStopped, exitCodeOf(exitErr))
			return
		}

		if exitErr == nil {
			ins.finish(types.CurrentStopped, exitCodeOf(exitErr))
			return
		}

		policy := spec.RestartPolicy
		if policy == nil || policy.Type != types.RestartOnFailure {
			ins.finish(types.CurrentFailed, exitCodeOf(exitErr))
			return
		}

		ins.logRecord(types.StreamSystem, fmt.Sprintf("exited with error: %v, restart policy=on-failure", exitErr))

		delay := backoffDelay(restartCount, policy.BackoffSeconds)
		ins.mu.Lock()
		ins.restartCount++
		ins.mu.Unlock()
		metrics.SupervisorRestartsTotal.WithLabelValues(ins.deploymentID).Inc()

		ins.setState(types.CurrentFailed)
		ins.logRecord(types.StreamSystem, fmt.Sprintf("restarting in %s", delay))
		time.Sleep(delay)

		ins.mu.Lock()
		stillCurrent := ins.generation == gen && ins.desired == types.DesiredRunning
		ins.mu.Unlock()
		if !stillCurrent {
			return
		}
	}
}

func (ins *instance) finish(state types.DeploymentCurrentState, exitCode *int) {
	ins.mu.Lock()
	ins.exitCode = exitCode
	ins.current = state
	ins.mu.Unlock()
	ins.recordStateMetric(state)
	ins.reportTransition()
}

// runOnce spawns the process, streams its output into the log ring,
// drives the readiness probe, and blocks until it exits or ctx is
// cancelled (in which case it sends SIGTERM then escalates to SIGKILL).
// It returns the process's exit error, if any.
func (ins *instance) runOnce(gen int64, spec types.Specification) error {
	if len(spec.Command) == 0 {
		ins.logRecord(types.StreamSystem, "no command specified")
		return fmt.Errorf("no command specified")
	}

	ctx, cancel := context.WithCancel(context.Background())
	ins.mu.Lock()
	ins.cancel = cancel
	ins.mu.Unlock()
	defer cancel()

	cmd := exec.Command(spec.Command[0], append([]string{}, spec.Args...)...)
	cmd.Dir = spec.WorkDir
	if len(spec.Env) > 0 {
		env := make([]string, 0, len(spec.Env))
		for k, v := range spec.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		ins.logRecord(types.StreamSystem, fmt.Sprintf("start failed: %v", err))
		return err
	}
	ins.logRecord(types.StreamSystem, fmt.Sprintf("started pid %d", cmd.Process.Pid))

	var wg sync.WaitGroup
	wg.Add(2)
	go ins.pump(&wg, stdout, types.StreamStdout)
	go ins.pump(&wg, stderr, types.StreamStderr)

	ins.promoteWhenReady(gen, spec)

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	graceMS := spec.StopGraceMS
	if graceMS <= 0 {
		graceMS = 10_000
	}

	var waitErr error
	select {
	case waitErr = <-waitDone:
	case <-ctx.Done():
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case waitErr = <-waitDone:
		case <-time.After(time.Duration(graceMS) * time.Millisecond):
			ins.logRecord(types.StreamSystem, "grace period elapsed, sending SIGKILL")
			_ = cmd.Process.Kill()
			waitErr = <-waitDone
		}
	}

	wg.Wait()

	ins.mu.Lock()
	ins.cancel = nil
	ins.mu.Unlock()

	if waitErr != nil {
		ins.logRecord(types.StreamSystem, fmt.Sprintf("exited: %v", waitErr))
	} else {
		ins.logRecord(types.StreamSystem, "exited: status 0")
	}
	return waitErr
}

func (ins *instance) pump(wg *sync.WaitGroup, r io.Reader, stream types.LogStream) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		ins.logRecord(stream, scanner.Text())
	}
}

// promoteWhenReady transitions STARTING → RUNNING once the configured
// health check first succeeds, or after readinessGrace if none is
// configured (spec §4.7).
func (ins *instance) promoteWhenReady(gen int64, spec types.Specification) {
	checker, cfg := buildChecker(spec)
	if checker == nil {
		go func() {
			time.Sleep(readinessGrace)
			ins.promoteIfStillStarting(gen)
		}()
		return
	}

	go func() {
		status := health.NewStatus()
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
		result := checker.Check(ctx)
		cancel()
		status.Update(result, cfg)
		if result.Healthy {
			ins.promoteIfStillStarting(gen)
		}
		ins.runHealthLoop(gen, checker, cfg, status)
	}()
}

func (ins *instance) promoteIfStillStarting(gen int64) {
	ins.mu.Lock()
	if ins.generation != gen || ins.current != types.CurrentStarting {
		ins.mu.Unlock()
		return
	}
	ins.current = types.CurrentRunning
	ins.mu.Unlock()
	ins.reportTransition()
	ins.logRecord(types.StreamSystem, "ready")
}

// runHealthLoop keeps driving the configured health check for the
// lifetime of the generation; repeated failures past the hysteresis
// threshold are recorded on the system-hc log stream but do not by
// themselves stop the process (spec §9 leaves liveness enforcement to a
// future iteration — only readiness gates the STARTING→RUNNING edge).
func (ins *instance) runHealthLoop(gen int64, checker health.Checker, cfg health.Config, status *health.Status) {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	wasHealthy := status.Healthy

	for range ticker.C {
		ins.mu.Lock()
		stillCurrent := ins.generation == gen
		ins.mu.Unlock()
		if !stillCurrent {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
		result := checker.Check(ctx)
		cancel()
		status.Update(result, cfg)

		if status.Healthy != wasHealthy {
			wasHealthy = status.Healthy
			ins.logRecord(types.StreamSystemHC, fmt.Sprintf("healthy=%v: %s", status.Healthy, result.Message))
			if status.Healthy {
				ins.promoteIfStillStarting(gen)
			}
		}
	}
}

func buildChecker(spec types.Specification) (health.Checker, health.Config) {
	hc := spec.HealthCheck
	if hc == nil {
		return nil, health.Config{}
	}
	cfg := health.Config{
		Interval: hc.Interval,
		Timeout:  hc.Timeout,
		Retries:  hc.Retries,
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}

	switch hc.Type {
	case types.HealthCheckHTTP:
		return health.NewHTTPChecker(hc.Endpoint).WithTimeout(cfg.Timeout), cfg
	case types.HealthCheckTCP:
		return health.NewTCPChecker(hc.Endpoint).WithTimeout(cfg.Timeout), cfg
	case types.HealthCheckExec:
		return health.NewExecChecker(hc.Command).WithTimeout(cfg.Timeout), cfg
	default:
		return nil, health.Config{}
	}
}

func backoffDelay(restartCount int, baseSeconds int) time.Duration {
	base := restartBaseDelay
	if baseSeconds > 0 {
		base = time.Duration(baseSeconds) * time.Second
	}
	delay := base
	for i := 0; i < restartCount; i++ {
		delay *= 2
		if delay >= restartMaxDelay {
			return restartMaxDelay
		}
	}
	return delay
}

// spawnFailureExitCode is reported when the child process never started at
// all (e.g. the binary is missing or unexecutable) — there's no real exit
// code in that case, but leaving ExitCode nil would read as "still
// running" to an API caller.
const spawnFailureExitCode = -1

func exitCodeOf(err error) *int {
	if err == nil {
		code := 0
		return &code
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		return &code
	}
	code := spawnFailureExitCode
	return &code
}
