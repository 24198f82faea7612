// Package scheduler answers one question: given a deployment and the
// current fleet, which node should run it? It never touches storage or
// the session layer directly — the reconciler feeds it one deployment at
// a time and applies the result.
package scheduler
