/*
Package conductor wires the conductor-side components — store, registry,
ledger, reconciler, event broker, certificate authority and the node
session listener — into a single running process (spec §4, §5).

It owns no scheduling or convergence logic of its own; that lives in
pkg/reconciler and pkg/scheduler. Conductor's job is connection handling
(accepting node sessions, running the NodeHello handshake, keeping a
nodeID→Session table for the reconciler's Dispatcher interface) and
translating inbound wire frames into calls against the registry, ledger
and store.

See pkg/api for the HTTP boundary built on top of a *Conductor, and
cmd/symphony for the process entry point.
*/
package conductor
