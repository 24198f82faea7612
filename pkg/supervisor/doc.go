/*
Package supervisor owns everything that happens on a node after the
conductor hands it a deployment: spawning the EXEC-kind process, tracking
its lifecycle, restarting it on failure, and keeping a bounded window of
its log output available for streaming (spec §4.7).

# State machine

	IDLE ──START──▶ STARTING ──ready──▶ RUNNING
	STARTING ──exit──▶ FAILED
	RUNNING ──STOP──▶ STOPPING ──▶ STOPPED

"ready" fires on the first successful health check, or after a fixed
grace period when the deployment has none configured. On-failure restarts
re-enter STARTING without ever surfacing IDLE again; the instance is torn
down and removed only when the conductor sends a DeploymentCancel for a
deleted deployment.

# Revisions

Update does not tear down and recreate the instance's bookkeeping — it
replaces the running spec in place and bumps the tracked revision, so log
history and subscribers carry over across an UPDATE command the way a
rolling restart of the same deployment should.

See also pkg/health for the checker types and pkg/wire for the frames a
node's heartbeat loop builds from Supervisor.Statuses.
*/
package supervisor
