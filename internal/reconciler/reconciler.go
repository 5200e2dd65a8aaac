// Package reconciler applies node heartbeats to the registry and the job state machine.
//
// The registry's assignment is the desired state and the node's report is the observed state.
// Agreement advances the job; a finished report completes it; disagreement that outlives the drift
// grace period takes the job back and queues it again.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/narvanalabs/fleet/internal/events"
	"github.com/narvanalabs/fleet/internal/jobs"
	"github.com/narvanalabs/fleet/internal/models"
	"github.com/narvanalabs/fleet/internal/registry"
)

// Action is what ingesting a heartbeat did.
type Action string

const (
	// ActionIgnored means the heartbeat was older than the one already recorded.
	ActionIgnored Action = "ignored"
	// ActionRecorded means only the heartbeat itself was stored.
	ActionRecorded Action = "recorded"
	// ActionStarted means the report confirmed a starting job, which is now running.
	ActionStarted Action = "started"
	// ActionFinished means the assigned job reached a terminal state and the node was freed.
	ActionFinished Action = "finished"
	// ActionRequeued means a lost assignment was taken back and its job queued again.
	ActionRequeued Action = "requeued"
	// ActionStray means the node reported a job it does not hold.
	ActionStray Action = "stray"
)

// Config configures the reconciler.
type Config struct {
	// DriftGracePeriod is how long an assignment may go unconfirmed before it is recovered.
	DriftGracePeriod time.Duration
	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// Stats counts notable reconciliation outcomes since start.
type Stats struct {
	Strays    int64 `json:"strays"`
	Recovered int64 `json:"recovered"`
	Ignored   int64 `json:"ignored"`
	Rejected  int64 `json:"rejected"`
}

// Reconciler turns heartbeats into registry and job transitions.
type Reconciler struct {
	registry *registry.Registry
	jobs     *jobs.Manager
	events   events.Publisher
	grace    time.Duration
	now      func() time.Time
	logger   *slog.Logger

	strays    atomic.Int64
	recovered atomic.Int64
	ignored   atomic.Int64
	rejected  atomic.Int64
}

// New creates a Reconciler.
func New(reg *registry.Registry, jm *jobs.Manager, pub events.Publisher, cfg Config, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if pub == nil {
		pub = events.Discard
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Reconciler{
		registry: reg,
		jobs:     jm,
		events:   pub,
		grace:    cfg.DriftGracePeriod,
		now:      now,
		logger:   logger.With("component", "reconciler"),
	}
}

// Stats returns the outcome counters.
func (r *Reconciler) Stats() Stats {
	return Stats{
		Strays:    r.strays.Load(),
		Recovered: r.recovered.Load(),
		Ignored:   r.ignored.Load(),
		Rejected:  r.rejected.Load(),
	}
}

// Ingest applies one heartbeat. Errors only describe this heartbeat; callers log them and move
// on to the next report. Transitions that were already applied are not errors.
func (r *Reconciler) Ingest(ctx context.Context, hb models.Heartbeat) (Action, error) {
	if err := hb.Validate(); err != nil {
		r.rejected.Add(1)
		return "", err
	}

	node, applied, err := r.registry.UpdateHeartbeat(ctx, hb.NodeID, hb.ReportedJobID, hb.Timestamp.UTC())
	if err != nil {
		r.rejected.Add(1)
		return "", err
	}
	if !applied {
		r.ignored.Add(1)
		r.logger.Debug("ignoring out-of-order heartbeat",
			"node_id", hb.NodeID,
			"timestamp", hb.Timestamp,
			"recorded", node.HeartbeatTimestamp,
		)
		return ActionIgnored, nil
	}

	assigned := node.AssignedJobID
	if assigned != nil && models.SameID(assigned, hb.ReportedJobID) {
		if hb.JobState.IsFinished() {
			return r.finish(ctx, node.ID, *assigned, hb.JobState.Outcome())
		}
		return r.confirm(ctx, *assigned)
	}

	action := ActionRecorded
	if hb.ReportedJobID != nil && r.isStray(hb) {
		r.flagStray(node, *hb.ReportedJobID)
		action = ActionStray
	}

	if assigned != nil && r.drifted(node, r.now()) {
		recovered, err := r.recover(ctx, node.ID, *assigned)
		if err != nil {
			return action, err
		}
		if recovered {
			action = ActionRequeued
		}
	}
	return action, nil
}

// Sweep recovers the assignments of nodes that have not confirmed their job within the grace
// period, including nodes that stopped reporting altogether. It returns how many were recovered.
func (r *Reconciler) Sweep(ctx context.Context, now time.Time) int {
	var n int
	for _, node := range r.registry.List() {
		if node.AssignedJobID == nil || !r.drifted(node, now) {
			continue
		}
		ok, err := r.recover(ctx, node.ID, *node.AssignedJobID)
		if err != nil {
			r.logger.Error("failed to recover lost assignment",
				"node_id", node.ID,
				"job_id", *node.AssignedJobID,
				"error", err,
			)
			continue
		}
		if ok {
			n++
		}
	}
	return n
}

func (r *Reconciler) confirm(ctx context.Context, jobID uuid.UUID) (Action, error) {
	job, err := r.jobs.Get(jobID)
	if err != nil {
		return ActionRecorded, swallow(err)
	}
	if job.Status != models.JobStatusStarting {
		return ActionRecorded, nil
	}
	if _, err := r.jobs.MarkRunning(ctx, jobID); err != nil {
		return ActionRecorded, swallow(err)
	}
	return ActionStarted, nil
}

func (r *Reconciler) finish(ctx context.Context, nodeID, jobID uuid.UUID, outcome models.JobStatus) (Action, error) {
	if job, err := r.jobs.Get(jobID); err == nil && job.Status.IsTerminal() {
		// The job finished without its node being freed; only the node is left to release.
		if err := r.registry.Release(ctx, nodeID, jobID, nil); err != nil && !errors.Is(err, registry.ErrAssignmentMismatch) {
			return ActionRecorded, err
		}
		return ActionFinished, nil
	}

	c := r.jobs.Terminal(ctx, jobID, outcome)
	if _, err := c.Finish(r.registry.Release(ctx, nodeID, jobID, c.Apply)); err != nil {
		if errors.Is(err, registry.ErrAssignmentMismatch) {
			// Another path released the node first.
			return ActionRecorded, nil
		}
		return ActionRecorded, swallow(err)
	}
	return ActionFinished, nil
}

// drifted reports whether the node's assignment has gone unconfirmed past the grace period.
func (r *Reconciler) drifted(node *models.ClusterNode, now time.Time) bool {
	since := node.UpdatedAt
	if node.LastConfirmedAt != nil {
		since = *node.LastConfirmedAt
	}
	return now.Sub(since) > r.grace
}

// recover releases the node and queues its job again. It reports false when the node no longer
// held the job, which makes recovery happen at most once per assignment.
func (r *Reconciler) recover(ctx context.Context, nodeID, jobID uuid.UUID) (bool, error) {
	c := r.jobs.Requeue(ctx, jobID, nodeID)
	_, err := c.Finish(r.registry.Release(ctx, nodeID, jobID, c.Apply))

	switch {
	case err == nil:
	case errors.Is(err, registry.ErrAssignmentMismatch):
		return false, nil
	case errors.Is(err, jobs.ErrUnknownJob),
		errors.Is(err, jobs.ErrPlacementChanged),
		errors.Is(err, models.ErrInvalidTransition):
		// The job no longer agrees with the node; free the node on its own.
		r.logger.Warn("releasing orphaned assignment", "node_id", nodeID, "job_id", jobID, "reason", err)
		if err := r.registry.Release(ctx, nodeID, jobID, nil); err != nil {
			if errors.Is(err, registry.ErrAssignmentMismatch) {
				return false, nil
			}
			return false, fmt.Errorf("releasing node %s: %w", nodeID, err)
		}
	default:
		return false, fmt.Errorf("recovering job %s from node %s: %w", jobID, nodeID, err)
	}

	r.recovered.Add(1)
	r.logger.Warn("assignment lost, job requeued",
		"node_id", nodeID,
		"job_id", jobID,
		"grace_period", r.grace,
	)
	r.events.Publish(events.Event{
		Type:      events.AssignmentLost,
		JobID:     &jobID,
		NodeID:    &nodeID,
		Timestamp: r.now().UTC(),
	})
	return true, nil
}

// isStray reports whether a report names a job this node should not be running. A repeated
// terminal report for a job that already finished is not stray.
func (r *Reconciler) isStray(hb models.Heartbeat) bool {
	job, err := r.jobs.Get(*hb.ReportedJobID)
	if err != nil {
		return true
	}
	return !(job.Status.IsTerminal() && hb.JobState.IsFinished())
}

func (r *Reconciler) flagStray(node *models.ClusterNode, reported uuid.UUID) {
	r.strays.Add(1)
	nodeID := node.ID
	r.logger.Warn("node reports a job it was not assigned",
		"node_id", nodeID,
		"reported_job_id", reported,
		"assigned_job_id", node.AssignedJobID,
	)
	r.events.Publish(events.Event{
		Type:      events.StrayExecution,
		JobID:     &reported,
		NodeID:    &nodeID,
		Timestamp: r.now().UTC(),
	})
}

// swallow drops errors that mean the transition already happened or no longer applies.
func swallow(err error) error {
	if errors.Is(err, models.ErrInvalidTransition) || errors.Is(err, jobs.ErrUnknownJob) {
		return nil
	}
	return err
}
