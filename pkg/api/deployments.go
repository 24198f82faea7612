package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/symphony/pkg/store"
	"github.com/cuemby/symphony/pkg/types"
)

func (s *Server) createDeployment(w http.ResponseWriter, r *http.Request) {
	var req CreateDeploymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Kind == "" {
		req.Kind = types.KindExec
	}
	if req.DesiredState == "" {
		req.DesiredState = types.DesiredRunning
	}

	now := time.Now().UnixMilli()
	d := &types.Deployment{
		ID:               uuid.NewString(),
		Name:             req.Name,
		Kind:             req.Kind,
		NodeGroup:        req.NodeGroup,
		CapacityRequests: req.CapacityRequests,
		Specification:    req.Specification,
		DesiredState:     req.DesiredState,
		CurrentState:     types.CurrentPending,
		CreatedAtMS:      now,
		UpdatedAtMS:      now,
	}

	if err := s.cond.Store().CreateDeployment(d); err != nil {
		if errors.Is(err, store.ErrNameConflict) {
			writeError(w, http.StatusConflict, "name already in use")
			return
		}
		s.logger.Error().Err(err).Msg("create deployment failed")
		writeError(w, http.StatusInternalServerError, "create failed")
		return
	}

	s.cond.Notify()
	writeJSON(w, http.StatusCreated, deploymentToView(d))
}

func (s *Server) listDeployments(w http.ResponseWriter, r *http.Request) {
	deployments, err := s.cond.Store().ListDeployments()
	if err != nil {
		s.logger.Error().Err(err).Msg("list deployments failed")
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}

	sort.Slice(deployments, func(i, j int) bool {
		if deployments[i].CreatedAtMS != deployments[j].CreatedAtMS {
			return deployments[i].CreatedAtMS < deployments[j].CreatedAtMS
		}
		return deployments[i].ID < deployments[j].ID
	})

	offset := parseNonNegativeInt(r.URL.Query().Get("offset"), 0)
	limit := parseNonNegativeInt(r.URL.Query().Get("limit"), -1)

	if offset > len(deployments) {
		offset = len(deployments)
	}
	deployments = deployments[offset:]
	if limit >= 0 && limit < len(deployments) {
		deployments = deployments[:limit]
	}

	views := make([]DeploymentView, 0, len(deployments))
	for _, d := range deployments {
		views = append(views, deploymentToView(d))
	}
	writeJSON(w, http.StatusOK, views)
}

// parseNonNegativeInt parses a query parameter as a non-negative int,
// falling back to def when absent or invalid. limit's def of -1 means
// "no limit".
func parseNonNegativeInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func (s *Server) getDeployment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	d, err := s.cond.Store().GetDeployment(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "deployment not found")
			return
		}
		s.logger.Error().Err(err).Msg("get deployment failed")
		writeError(w, http.StatusInternalServerError, "get failed")
		return
	}
	if d.Deleted {
		writeError(w, http.StatusNotFound, "deployment not found")
		return
	}
	writeJSON(w, http.StatusOK, deploymentToView(d))
}

func (s *Server) patchDeployment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req PatchDeploymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	if req.Name == nil && req.DesiredState == nil && req.Specification == nil {
		writeError(w, http.StatusBadRequest, "patch must set name, desired_state, or specification")
		return
	}

	newName := ""
	if req.Name != nil {
		newName = *req.Name
	}

	updated, err := s.cond.Store().UpdateDeploymentRenaming(id, newName, func(d *types.Deployment) error {
		if d.Deleted {
			return errors.New("api: deployment is tombstoned")
		}
		changed := false
		if req.DesiredState != nil && *req.DesiredState != d.DesiredState {
			d.DesiredState = *req.DesiredState
			changed = true
		}
		if req.Specification != nil && !reflect.DeepEqual(*req.Specification, d.Specification) {
			d.Specification = *req.Specification
			changed = true
		}
		if changed {
			d.SpecRevision++
		}
		d.UpdatedAtMS = time.Now().UnixMilli()
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "deployment not found")
			return
		}
		if errors.Is(err, store.ErrNameConflict) {
			writeError(w, http.StatusConflict, "name already in use")
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	s.cond.Notify()
	writeJSON(w, http.StatusOK, deploymentToView(updated))
}

func (s *Server) deleteDeployment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := s.cond.Store().TombstoneDeployment(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "deployment not found")
			return
		}
		s.logger.Error().Err(err).Msg("tombstone deployment failed")
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}

	s.cond.Notify()
	w.WriteHeader(http.StatusNoContent)
}
