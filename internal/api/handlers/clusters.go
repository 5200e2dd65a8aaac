package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/narvanalabs/fleet/internal/fleet"
	"github.com/narvanalabs/fleet/internal/models"
)

// ClusterHandler handles cluster-related HTTP requests.
type ClusterHandler struct {
	svc    *fleet.Service
	logger *slog.Logger
}

// NewClusterHandler creates a new cluster handler.
func NewClusterHandler(svc *fleet.Service, logger *slog.Logger) *ClusterHandler {
	return &ClusterHandler{svc: svc, logger: logger}
}

// CreateClusterRequest represents the request body for creating a cluster.
type CreateClusterRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Validate validates the create cluster request.
func (r *CreateClusterRequest) Validate() error {
	if r.Name == "" {
		return errors.New("name is required")
	}
	return nil
}

// Create handles POST /v1/clusters.
func (h *ClusterHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateClusterRequest
	if !bind(w, r, &req) {
		return
	}

	c, err := h.svc.CreateCluster(r.Context(), &models.Cluster{Name: req.Name, Description: req.Description})
	if err != nil {
		WriteDomainError(w, r, h.logger, "failed to create cluster", err)
		return
	}
	WriteJSON(w, http.StatusCreated, c)
}

// List handles GET /v1/clusters.
func (h *ClusterHandler) List(w http.ResponseWriter, r *http.Request) {
	clusters, err := h.svc.ListClusters(r.Context())
	if err != nil {
		WriteDomainError(w, r, h.logger, "failed to list clusters", err)
		return
	}
	if clusters == nil {
		clusters = []*models.Cluster{}
	}
	WriteJSON(w, http.StatusOK, clusters)
}

// Get handles GET /v1/clusters/{clusterID}.
func (h *ClusterHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "clusterID")
	if !ok {
		return
	}
	c, err := h.svc.GetCluster(r.Context(), id)
	if err != nil {
		WriteDomainError(w, r, h.logger, "failed to get cluster", err)
		return
	}
	WriteJSON(w, http.StatusOK, c)
}

// Delete handles DELETE /v1/clusters/{clusterID}.
func (h *ClusterHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "clusterID")
	if !ok {
		return
	}
	if err := h.svc.DeleteCluster(r.Context(), id); err != nil {
		WriteDomainError(w, r, h.logger, "failed to delete cluster", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Summary handles GET /v1/clusters/{clusterID}/summary.
func (h *ClusterHandler) Summary(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "clusterID")
	if !ok {
		return
	}
	summary, err := h.svc.GetClusterSummary(r.Context(), id)
	if err != nil {
		WriteDomainError(w, r, h.logger, "failed to summarize cluster", err)
		return
	}
	WriteJSON(w, http.StatusOK, summary)
}

// Details handles GET /v1/clusters/{clusterID}/details.
func (h *ClusterHandler) Details(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "clusterID")
	if !ok {
		return
	}
	details, err := h.svc.GetClusterDetails(r.Context(), id)
	if err != nil {
		WriteDomainError(w, r, h.logger, "failed to get cluster details", err)
		return
	}
	WriteJSON(w, http.StatusOK, details)
}

// Nodes handles GET /v1/clusters/{clusterID}/nodes.
func (h *ClusterHandler) Nodes(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "clusterID")
	if !ok {
		return
	}
	nodes, err := h.svc.ListClusterNodes(r.Context(), id)
	if err != nil {
		WriteDomainError(w, r, h.logger, "failed to list cluster nodes", err)
		return
	}
	if nodes == nil {
		nodes = []*models.ClusterNode{}
	}
	WriteJSON(w, http.StatusOK, nodes)
}
