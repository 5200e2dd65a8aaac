// Package scheduler places queued training jobs onto compatible nodes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/narvanalabs/fleet/internal/jobs"
	"github.com/narvanalabs/fleet/internal/models"
	"github.com/narvanalabs/fleet/internal/registry"
)

// Scheduler matches jobs to nodes and performs the paired node/job mutation.
type Scheduler struct {
	registry *registry.Registry
	jobs     *jobs.Manager
	logger   *slog.Logger
}

// NewScheduler creates a new Scheduler instance.
func NewScheduler(reg *registry.Registry, jm *jobs.Manager, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		registry: reg,
		jobs:     jm,
		logger:   logger.With("component", "scheduler"),
	}
}

// Schedule places a queued job on the best-fit node. When no node qualifies it returns
// placed=false and no error; the job stays queued for the next pass.
//
// Candidates come from an unlocked snapshot. Each attempt marks the node busy and the job starting
// in one transaction under the node's lock, so a node taken by a concurrent pass is skipped and
// the next candidate is tried.
func (s *Scheduler) Schedule(ctx context.Context, job *models.TrainingJob) (nodeID uuid.UUID, placed bool, err error) {
	req := job.ResourceRequirements
	candidates := RankCandidates(s.registry.ListAvailable(uuid.Nil, req), req)
	if len(candidates) == 0 {
		s.logger.Debug("no eligible node for training job", "job_id", job.ID)
		return uuid.Nil, false, nil
	}

	for _, node := range candidates {
		if err := ctx.Err(); err != nil {
			return uuid.Nil, false, err
		}

		c := s.jobs.Starting(ctx, job.ID, node.ID)
		_, err := c.Finish(s.registry.Assign(ctx, node.ID, job.ID, c.Apply))
		switch {
		case err == nil:
			s.logger.Info("training job placed",
				"job_id", job.ID,
				"node_id", node.ID,
				"cluster_id", node.ClusterID,
				"surplus", CalculateSurplus(node, req),
			)
			return node.ID, true, nil
		case errors.Is(err, registry.ErrNodeUnavailable), errors.Is(err, registry.ErrUnknownNode):
			s.logger.Debug("candidate node lost, trying next", "job_id", job.ID, "node_id", node.ID)
			continue
		default:
			return uuid.Nil, false, fmt.Errorf("placing training job %s: %w", job.ID, err)
		}
	}

	s.logger.Debug("every candidate node was taken", "job_id", job.ID, "candidates", len(candidates))
	return uuid.Nil, false, nil
}

// Pass attempts to place every queued job in submission order and returns how many were placed.
func (s *Scheduler) Pass(ctx context.Context) int {
	queued := s.jobs.ListQueued()
	if len(queued) == 0 {
		return 0
	}

	var placed, failed int
	for _, job := range queued {
		if ctx.Err() != nil {
			break
		}
		_, ok, err := s.Schedule(ctx, job)
		if err != nil {
			// A job cancelled since the snapshot is not a failure worth reporting.
			if errors.Is(err, models.ErrInvalidTransition) || errors.Is(err, jobs.ErrUnknownJob) {
				continue
			}
			s.logger.Error("failed to schedule training job", "job_id", job.ID, "error", err)
			failed++
			continue
		}
		if ok {
			placed++
		}
	}

	if placed > 0 || failed > 0 {
		s.logger.Info("scheduling pass complete",
			"queued", len(queued),
			"placed", placed,
			"failed", failed,
		)
	}
	return placed
}
