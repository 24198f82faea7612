/*
Package api implements Symphony's control-plane HTTP boundary: deployment
CRUD, the node registry view, and the two streaming endpoints (per-
deployment logs and the full snapshot) spec.md §6 names at the boundary
without specifying further.

It is deliberately thin. Every handler reads or writes through a
*conductor.Conductor's store/registry/ledger/broker accessors and the
reconciler's Notify hook; no scheduling or convergence decision is made
here. Like the teacher's own HTTP surface, routing uses net/http's
pattern-based ServeMux (Go 1.22+) rather than an external router.
*/
package api
