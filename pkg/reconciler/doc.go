// Package reconciler is the conductor's single coordinating loop: it
// compares every deployment's desired state against what nodes have
// reported and issues the scheduler call or wire command needed to close
// the gap. It never mutates node state — it reads pkg/registry — while
// capacity is reserved through its pkg/scheduler and released directly on
// the pkg/capacity ledger, and deployment changes are written through
// pkg/store.
package reconciler
