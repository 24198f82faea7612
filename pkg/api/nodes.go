package api

import (
	"net/http"

	"github.com/cuemby/symphony/pkg/types"
)

func (s *Server) nodeToView(n *types.Node) NodeView {
	view := NodeView{
		ID:                  n.ID,
		Groups:              n.Groups,
		ConnState:           n.ConnState,
		HeartbeatIntervalMS: n.HeartbeatIntervalMS,
		LastHeartbeatMS:     n.LastHeartbeatMS,
		CapacitiesTotal:     n.CapacitiesTotal,
		Resources:           n.Resources,
	}
	if reserved, err := s.cond.Ledger().Reserved(n.ID); err == nil {
		view.CapacitiesReserved = reserved
	}
	if available, err := s.cond.Ledger().Available(n.ID); err == nil {
		view.CapacitiesAvailable = available
	}
	return view
}

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	nodes := s.cond.Registry().Snapshot()

	views := make([]NodeView, 0, len(nodes))
	for _, n := range nodes {
		views = append(views, s.nodeToView(n))
	}
	writeJSON(w, http.StatusOK, views)
}
