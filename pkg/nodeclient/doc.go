// Package nodeclient is the node-side counterpart to pkg/session: it
// dials the conductor, completes the mTLS + yamux handshake, sends the
// mandatory NodeHello, and then drives the single wire stream in both
// directions for the lifetime of the process — heartbeats and status
// reports out, placement commands and log subscriptions in — handing
// every DeploymentReq/DeploymentCancel to a pkg/supervisor.Supervisor
// and every LogSubscribe to that supervisor's log ring.
package nodeclient
