package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	apierrors "github.com/narvanalabs/fleet/internal/api/errors"
	"github.com/narvanalabs/fleet/internal/fleet"
	"github.com/narvanalabs/fleet/internal/models"
	"github.com/narvanalabs/fleet/internal/reconciler"
)

// NodeHandler handles node-related HTTP requests.
type NodeHandler struct {
	svc    *fleet.Service
	logger *slog.Logger
}

// NewNodeHandler creates a new node handler.
func NewNodeHandler(svc *fleet.Service, logger *slog.Logger) *NodeHandler {
	return &NodeHandler{svc: svc, logger: logger}
}

// RegisterNodeRequest represents the request body for registering a node.
type RegisterNodeRequest struct {
	ClusterID      uuid.UUID   `json:"cluster_id"`
	InstancePoolID *uuid.UUID  `json:"instance_pool_id,omitempty"`
	MemoryMB       int64       `json:"memory_mb"`
	CPU            models.CPU  `json:"cpu"`
	GPU            *models.GPU `json:"gpu,omitempty"`
}

// Validate validates the register node request. The CPU and GPU catalogues are checked by the
// registry.
func (r *RegisterNodeRequest) Validate() error {
	var errs apierrors.ValidationErrors
	if r.ClusterID == uuid.Nil {
		errs.Add("cluster_id", "cluster_id is required")
	}
	if r.MemoryMB <= 0 {
		errs.Add("memory_mb", "memory_mb must be positive")
	}
	if r.CPU.Millicores <= 0 {
		errs.Add("cpu.millicores", "millicores must be positive")
	}
	return errs.Err()
}

// Register handles POST /v1/nodes.
func (h *NodeHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterNodeRequest
	if !bind(w, r, &req) {
		return
	}
	if _, err := h.svc.GetCluster(r.Context(), req.ClusterID); err != nil {
		WriteDomainError(w, r, h.logger, "failed to look up cluster", err)
		return
	}

	node, err := h.svc.RegisterNode(r.Context(), &models.ClusterNode{
		ClusterID:      req.ClusterID,
		InstancePoolID: req.InstancePoolID,
		MemoryMB:       req.MemoryMB,
		CPU:            req.CPU,
		GPU:            req.GPU,
	})
	if err != nil {
		WriteDomainError(w, r, h.logger, "failed to register node", err)
		return
	}
	WriteJSON(w, http.StatusCreated, node)
}

// Get handles GET /v1/nodes/{nodeID}.
func (h *NodeHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "nodeID")
	if !ok {
		return
	}
	node, err := h.svc.GetNode(id)
	if err != nil {
		WriteDomainError(w, r, h.logger, "failed to get node", err)
		return
	}
	WriteJSON(w, http.StatusOK, node)
}

// Deregister handles DELETE /v1/nodes/{nodeID}.
func (h *NodeHandler) Deregister(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "nodeID")
	if !ok {
		return
	}
	if err := h.svc.DeregisterNode(r.Context(), id); err != nil {
		WriteDomainError(w, r, h.logger, "failed to deregister node", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HeartbeatRequest represents the request body for a node heartbeat.
type HeartbeatRequest struct {
	ReportedJobID *uuid.UUID              `json:"reported_job_id,omitempty"`
	Status        models.ReportedJobState `json:"status,omitempty"`
	Timestamp     *time.Time              `json:"timestamp,omitempty"`
}

// Validate checks the status against the known job states. Whether a finished status names a
// job is checked by the reconciler, which counts the rejection.
func (r *HeartbeatRequest) Validate() error {
	var errs apierrors.ValidationErrors
	if !r.Status.IsValid() {
		errs.Add("status", "status must be one of running, succeeded, failed")
	}
	return errs.Err()
}

// HeartbeatResponse reports how a heartbeat was applied.
type HeartbeatResponse struct {
	Action reconciler.Action `json:"action"`
}

// Heartbeat handles POST /v1/nodes/{nodeID}/heartbeat. A missing timestamp is filled with the
// server's receive time.
func (h *NodeHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "nodeID")
	if !ok {
		return
	}
	var req HeartbeatRequest
	if !bind(w, r, &req) {
		return
	}

	hb := models.Heartbeat{
		NodeID:        id,
		ReportedJobID: req.ReportedJobID,
		JobState:      req.Status,
		Timestamp:     time.Now().UTC(),
	}
	if req.Timestamp != nil {
		hb.Timestamp = *req.Timestamp
	}

	action, err := h.svc.IngestHeartbeat(r.Context(), hb)
	if err != nil {
		WriteDomainError(w, r, h.logger, "failed to ingest heartbeat", err)
		return
	}
	h.logger.Debug("heartbeat received", "node_id", id, "action", action)
	WriteJSON(w, http.StatusOK, HeartbeatResponse{Action: action})
}
