package handlers

import (
	"log/slog"
	"net/http"

	"github.com/narvanalabs/fleet/internal/fleet"
	"github.com/narvanalabs/fleet/internal/models"
)

// PoolHandler handles instance pool HTTP requests.
type PoolHandler struct {
	svc    *fleet.Service
	logger *slog.Logger
}

// NewPoolHandler creates a new instance pool handler.
func NewPoolHandler(svc *fleet.Service, logger *slog.Logger) *PoolHandler {
	return &PoolHandler{svc: svc, logger: logger}
}

// CreatePoolRequest represents the request body for creating an instance pool.
type CreatePoolRequest struct {
	Name         string               `json:"name"`
	Description  string               `json:"description,omitempty"`
	Provider     models.CloudProvider `json:"provider"`
	Region       string               `json:"region"`
	InstanceType string               `json:"instance_type"`
	MinInstances int                  `json:"min_instances"`
	MaxInstances int                  `json:"max_instances"`
}

func (r *CreatePoolRequest) pool() *models.InstancePool {
	return &models.InstancePool{
		Name:         r.Name,
		Description:  r.Description,
		Provider:     r.Provider,
		Region:       r.Region,
		InstanceType: r.InstanceType,
		MinInstances: r.MinInstances,
		MaxInstances: r.MaxInstances,
	}
}

// Validate validates the create pool request.
func (r *CreatePoolRequest) Validate() error {
	return r.pool().Validate()
}

// Create handles POST /v1/instance-pools.
func (h *PoolHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreatePoolRequest
	if !bind(w, r, &req) {
		return
	}
	p, err := h.svc.CreateInstancePool(r.Context(), req.pool())
	if err != nil {
		WriteDomainError(w, r, h.logger, "failed to create instance pool", err)
		return
	}
	WriteJSON(w, http.StatusCreated, p)
}

// List handles GET /v1/instance-pools.
func (h *PoolHandler) List(w http.ResponseWriter, r *http.Request) {
	pools, err := h.svc.ListInstancePools(r.Context())
	if err != nil {
		WriteDomainError(w, r, h.logger, "failed to list instance pools", err)
		return
	}
	if pools == nil {
		pools = []*models.InstancePool{}
	}
	WriteJSON(w, http.StatusOK, pools)
}

// Get handles GET /v1/instance-pools/{poolID}.
func (h *PoolHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "poolID")
	if !ok {
		return
	}
	p, err := h.svc.GetInstancePool(r.Context(), id)
	if err != nil {
		WriteDomainError(w, r, h.logger, "failed to get instance pool", err)
		return
	}
	WriteJSON(w, http.StatusOK, p)
}
