package api

import (
	"encoding/json"
	"net/http"

	"github.com/cuemby/symphony/pkg/types"
)

// DeploymentView is the JSON shape returned for a deployment. It mirrors
// types.Deployment directly — the store's durable schema and the API's
// wire schema are the same shape by design, since nothing about
// Specification is conductor-interpreted (spec.md §9).
type DeploymentView struct {
	ID               string                       `json:"id"`
	Name             string                       `json:"name"`
	Kind             types.DeploymentKind         `json:"kind"`
	NodeGroup        string                       `json:"node_group,omitempty"`
	CapacityRequests types.CapacityVector         `json:"capacity_requests,omitempty"`
	Specification    types.Specification          `json:"specification"`
	DesiredState     types.DeploymentDesiredState `json:"desired_state"`
	CurrentState     types.DeploymentCurrentState `json:"current_state"`
	AssignedNodeID   string                       `json:"assigned_node_id,omitempty"`
	AssignmentReason string                       `json:"assignment_reason,omitempty"`
	CreatedAtMS      int64                        `json:"created_at_ms"`
	UpdatedAtMS      int64                        `json:"updated_at_ms"`
	SpecRevision     int64                        `json:"spec_revision"`
}

func deploymentToView(d *types.Deployment) DeploymentView {
	return DeploymentView{
		ID:               d.ID,
		Name:             d.Name,
		Kind:             d.Kind,
		NodeGroup:        d.NodeGroup,
		CapacityRequests: d.CapacityRequests,
		Specification:    d.Specification,
		DesiredState:     d.DesiredState,
		CurrentState:     d.CurrentState,
		AssignedNodeID:   d.AssignedNodeID,
		AssignmentReason: d.AssignmentReason,
		CreatedAtMS:      d.CreatedAtMS,
		UpdatedAtMS:      d.UpdatedAtMS,
		SpecRevision:     d.SpecRevision,
	}
}

// CreateDeploymentRequest is the body of POST /deployments.
type CreateDeploymentRequest struct {
	Name             string                       `json:"name"`
	Kind             types.DeploymentKind         `json:"kind"`
	NodeGroup        string                       `json:"node_group,omitempty"`
	CapacityRequests types.CapacityVector         `json:"capacity_requests,omitempty"`
	Specification    types.Specification          `json:"specification"`
	DesiredState     types.DeploymentDesiredState `json:"desired_state,omitempty"`
}

// PatchDeploymentRequest is the body of PATCH /deployments/{id}. Only
// non-nil fields are applied. A DesiredState or Specification change that
// actually alters the stored value bumps SpecRevision (spec.md §4.6's
// update path); a Name change is a rename only and does not.
type PatchDeploymentRequest struct {
	Name          *string                       `json:"name,omitempty"`
	DesiredState  *types.DeploymentDesiredState `json:"desired_state,omitempty"`
	Specification *types.Specification          `json:"specification,omitempty"`
}

// NodeView is the JSON shape returned by GET /nodes: registry state plus
// the ledger's reserved/available vectors, since the registry alone only
// knows the node's declared total (spec.md §6: "capacity vectors and
// dynamic resource data").
type NodeView struct {
	ID                  string                 `json:"id"`
	Groups              []string               `json:"groups"`
	ConnState           types.NodeConnState    `json:"conn_state"`
	HeartbeatIntervalMS int64                  `json:"heartbeat_interval_ms"`
	LastHeartbeatMS     int64                  `json:"last_heartbeat_ms"`
	CapacitiesTotal     types.CapacityVector   `json:"capacities_total"`
	CapacitiesReserved  types.CapacityVector   `json:"capacities_reserved,omitempty"`
	CapacitiesAvailable types.CapacityVector   `json:"capacities_available,omitempty"`
	Resources           types.ResourceSnapshot `json:"resources"`
}

// LogFrame is one frame of the streaming log endpoint's response body
// (spec.md §6: "frames of {entries: [LogEntry…], error?}").
type LogFrame struct {
	Entries []types.LogEntry `json:"entries,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// SnapshotView is one frame of the GET /stream endpoint's response body.
type SnapshotView struct {
	Deployments []DeploymentView `json:"deployments"`
	Nodes       []NodeView       `json:"nodes"`
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
