package handlers

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	apierrors "github.com/narvanalabs/fleet/internal/api/errors"
	"github.com/narvanalabs/fleet/internal/fleet"
	"github.com/narvanalabs/fleet/internal/jobs"
	"github.com/narvanalabs/fleet/internal/models"
)

// JobHandler handles training job HTTP requests.
type JobHandler struct {
	svc    *fleet.Service
	logger *slog.Logger
}

// NewJobHandler creates a new job handler.
func NewJobHandler(svc *fleet.Service, logger *slog.Logger) *JobHandler {
	return &JobHandler{svc: svc, logger: logger}
}

// SubmitJobRequest represents the request body for submitting a training job.
type SubmitJobRequest struct {
	Name                 string                      `json:"name"`
	Definition           string                      `json:"definition,omitempty"`
	ResourceRequirements models.ResourceRequirements `json:"resource_requirements"`
	QueueID              *uuid.UUID                  `json:"queue_id,omitempty"`
}

// Validate validates the submit request.
func (r *SubmitJobRequest) Validate() error {
	var errs apierrors.ValidationErrors
	switch {
	case r.Name == "":
		errs.Add("name", "name is required")
	case len(r.Name) > 255:
		errs.Add("name", "name must be 255 characters or less")
	}
	if err := r.ResourceRequirements.Validate(); err != nil {
		errs.Add("resource_requirements", err.Error())
	}
	return errs.Err()
}

// Submit handles POST /v1/jobs. The job is queued; placement happens on the next pass.
func (h *JobHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	if !bind(w, r, &req) {
		return
	}

	job, err := h.svc.SubmitJob(r.Context(), jobs.SubmitRequest{
		Name:                 req.Name,
		Definition:           req.Definition,
		ResourceRequirements: req.ResourceRequirements,
		QueueID:              req.QueueID,
	})
	if err != nil {
		WriteDomainError(w, r, h.logger, "failed to submit job", err)
		return
	}
	WriteJSON(w, http.StatusAccepted, job)
}

// List handles GET /v1/jobs with optional status, node_id and queue_id filters.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := models.JobFilter{Status: models.JobStatus(r.URL.Query().Get("status"))}
	if filter.Status != "" && !filter.Status.IsValid() {
		WriteBadRequest(w, r, "invalid status")
		return
	}
	var err error
	if filter.NodeID, err = queryID(r, "node_id"); err != nil {
		WriteBadRequest(w, r, "invalid node_id")
		return
	}
	if filter.QueueID, err = queryID(r, "queue_id"); err != nil {
		WriteBadRequest(w, r, "invalid queue_id")
		return
	}

	list, err := h.svc.ListJobs(filter)
	if err != nil {
		WriteDomainError(w, r, h.logger, "failed to list jobs", err)
		return
	}
	if list == nil {
		list = []*models.TrainingJob{}
	}
	WriteJSON(w, http.StatusOK, list)
}

// Get handles GET /v1/jobs/{jobID}.
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "jobID")
	if !ok {
		return
	}
	job, err := h.svc.GetJob(id)
	if err != nil {
		WriteDomainError(w, r, h.logger, "failed to get job", err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// Cancel handles POST /v1/jobs/{jobID}/cancel.
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "jobID")
	if !ok {
		return
	}
	job, err := h.svc.CancelJob(r.Context(), id)
	if err != nil {
		WriteDomainError(w, r, h.logger, "failed to cancel job", err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}
