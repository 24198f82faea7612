package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/cuemby/symphony/pkg/events"
	"github.com/cuemby/symphony/pkg/store"
	"github.com/cuemby/symphony/pkg/types"
	"github.com/cuemby/symphony/pkg/wire"
)

// streamLogs implements the per-deployment log stream (spec.md §6):
// frames of {entries: [LogEntry…], error?}, honoring an optional tail=N
// backfill by asking the currently assigned node to replay its ring
// buffer (pkg/supervisor's logRing) before forwarding live lines.
func (s *Server) streamLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	d, err := s.cond.Store().GetDeployment(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "deployment not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	tail := 0
	if v := r.URL.Query().Get("tail"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			tail = n
		}
	}

	sub := s.cond.Broker().Subscribe()
	defer s.cond.Broker().Unsubscribe(sub)

	if d.AssignedNodeID != "" {
		f, err := wire.Encode(wire.KindLogSubscribe, wire.LogSubscribe{DeploymentID: id, Tail: tail})
		if err == nil {
			s.cond.SendToNode(d.AssignedNodeID, f)
		}
		defer func() {
			if unsub, err := wire.Encode(wire.KindLogUnsubscribe, wire.LogUnsubscribe{DeploymentID: id}); err == nil {
				s.cond.SendToNode(d.AssignedNodeID, unsub)
			}
		}()
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	ctx := r.Context()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, open := <-sub:
			if !open {
				return
			}
			if evt.Type != events.EventLogLine || evt.Metadata["deployment_id"] != id {
				continue
			}
			entry := types.LogEntry{
				TimestampUnixMS: evt.Timestamp.UnixMilli(),
				Stream:          types.LogStream(evt.Metadata["stream"]),
				Line:            evt.Message,
			}
			if err := enc.Encode(LogFrame{Entries: []types.LogEntry{entry}}); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// snapshotStream implements GET /stream: a full deployments+nodes view
// pushed on every conductor-state change (spec.md §6: "for UI live
// update").
func (s *Server) snapshotStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := s.cond.Broker().Subscribe()
	defer s.cond.Broker().Unsubscribe(sub)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	ctx := r.Context()

	if err := enc.Encode(s.snapshot()); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, open := <-sub:
			if !open {
				return
			}
			if evt.Type == events.EventLogLine {
				continue
			}
			if err := enc.Encode(s.snapshot()); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) snapshot() SnapshotView {
	deployments, _ := s.cond.Store().ListDeployments()
	depViews := make([]DeploymentView, 0, len(deployments))
	for _, d := range deployments {
		depViews = append(depViews, deploymentToView(d))
	}

	nodes := s.cond.Registry().Snapshot()
	nodeViews := make([]NodeView, 0, len(nodes))
	for _, n := range nodes {
		nodeViews = append(nodeViews, s.nodeToView(n))
	}

	return SnapshotView{Deployments: depViews, Nodes: nodeViews}
}
