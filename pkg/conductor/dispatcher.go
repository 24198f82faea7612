package conductor

import (
	"sync"

	"github.com/cuemby/symphony/pkg/session"
	"github.com/cuemby/symphony/pkg/wire"
)

// sessionTable is the conductor's nodeID -> live Session map. It satisfies
// pkg/reconciler.Dispatcher without the reconciler ever importing this
// package.
type sessionTable struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
}

func newSessionTable() *sessionTable {
	return &sessionTable{sessions: make(map[string]*session.Session)}
}

func (t *sessionTable) put(nodeID string, s *session.Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[nodeID] = s
}

// remove drops the table entry only if it still points at this exact
// session — a reconnecting node may already have installed a newer one by
// the time the old session's onClose fires.
func (t *sessionTable) remove(nodeID string, s *session.Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.sessions[nodeID]; ok && cur == s {
		delete(t.sessions, nodeID)
	}
}

func (t *sessionTable) get(nodeID string) (*session.Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[nodeID]
	return s, ok
}

// SendToNode implements reconciler.Dispatcher and pkg/api's log-subscribe
// path. Returns false if the node has no live session.
func (t *sessionTable) SendToNode(nodeID string, f wire.Frame) bool {
	s, ok := t.get(nodeID)
	if !ok {
		return false
	}
	return s.Send(f)
}
