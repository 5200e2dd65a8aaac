// Package jobs owns the training job state machine.
//
// Every job has its own mutex. Transitions that must commit together with a node mutation are
// expressed as a Change: its Apply step runs inside the node's transaction and keeps the job
// locked until Finish publishes the result, so memory never runs ahead of the store.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/narvanalabs/fleet/internal/events"
	"github.com/narvanalabs/fleet/internal/models"
	"github.com/narvanalabs/fleet/internal/registry"
	"github.com/narvanalabs/fleet/internal/store"
)

// ErrUnknownJob is returned for operations on a job the manager does not hold.
var ErrUnknownJob = fmt.Errorf("unknown training job: %w", store.ErrNotFound)

// errNoChange marks a transition that was already applied. It rolls back the surrounding
// transaction and is reported to callers as success.
var errNoChange = errors.New("no change")

// ErrPlacementChanged is returned when a job no longer sits on the node a change was built for.
var ErrPlacementChanged = errors.New("job placement changed")

const cancelAttempts = 5

// NodeReleaser clears a node assignment as part of a job transition.
type NodeReleaser interface {
	Release(ctx context.Context, nodeID, jobID uuid.UUID, commit registry.CommitFunc) error
}

// Config configures the manager.
type Config struct {
	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

type entry struct {
	mu  sync.Mutex
	job *models.TrainingJob
}

// Manager tracks every training job and performs its state transitions.
type Manager struct {
	store    store.Store
	releaser NodeReleaser
	events   events.Publisher
	now      func() time.Time
	logger   *slog.Logger

	mu   sync.RWMutex
	jobs map[uuid.UUID]*entry
}

// NewManager creates a Manager. releaser is used by Cancel to free the job's node.
func NewManager(s store.Store, releaser NodeReleaser, pub events.Publisher, cfg Config, logger *slog.Logger) *Manager {
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
	return &Manager{
		store:    s,
		releaser: releaser,
		events:   pub,
		now:      now,
		logger:   logger.With("component", "jobs"),
		jobs:     make(map[uuid.UUID]*entry),
	}
}

// Load replaces the in-memory view with the jobs held by the store.
func (m *Manager) Load(ctx context.Context) error {
	list, err := m.store.Jobs().List(ctx, models.JobFilter{})
	if err != nil {
		return fmt.Errorf("loading training jobs: %w", err)
	}

	jobs := make(map[uuid.UUID]*entry, len(list))
	for _, j := range list {
		jobs[j.ID] = &entry{job: j}
	}

	m.mu.Lock()
	m.jobs = jobs
	m.mu.Unlock()

	m.logger.Info("training jobs loaded", "jobs", len(jobs))
	return nil
}

// SubmitRequest describes a new job.
type SubmitRequest struct {
	Name                 string
	Definition           string
	ResourceRequirements models.ResourceRequirements
	QueueID              *uuid.UUID
}

// Submit creates a job in the queued state.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*models.TrainingJob, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", models.ErrInvalidResources)
	}
	if err := req.ResourceRequirements.Validate(); err != nil {
		return nil, err
	}

	now := m.now().UTC()
	job := &models.TrainingJob{
		ID:                   uuid.New(),
		Name:                 req.Name,
		Definition:           req.Definition,
		Status:               models.JobStatusQueued,
		QueueID:              req.QueueID,
		ResourceRequirements: req.ResourceRequirements,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	job.ResourceRequirements.GPU = req.ResourceRequirements.GPU.Clone()

	if err := m.store.Jobs().Create(ctx, job); err != nil {
		return nil, fmt.Errorf("persisting training job: %w", err)
	}

	m.mu.Lock()
	m.jobs[job.ID] = &entry{job: job.Clone()}
	m.mu.Unlock()

	m.logger.Info("training job submitted", "job_id", job.ID, "name", job.Name)
	m.publish(job, "")
	return job, nil
}

// lookup returns the locked entry for id. The caller must unlock it.
func (m *Manager) lookup(id uuid.UUID) (*entry, error) {
	m.mu.RLock()
	e, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownJob
	}
	e.mu.Lock()
	return e, nil
}

// Get returns a copy of the job.
func (m *Manager) Get(id uuid.UUID) (*models.TrainingJob, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	return e.job.Clone(), nil
}

// List returns copies of the jobs matching filter, oldest first.
func (m *Manager) List(filter models.JobFilter) []*models.TrainingJob {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.jobs))
	for _, e := range m.jobs {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	var out []*models.TrainingJob
	for _, e := range entries {
		e.mu.Lock()
		if filter.Matches(e.job) {
			out = append(out, e.job.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ListQueued returns the queued jobs in submission order.
func (m *Manager) ListQueued() []*models.TrainingJob {
	return m.List(models.JobFilter{Status: models.JobStatusQueued})
}

// CountRunningOn counts running jobs placed on any of the given nodes.
func (m *Manager) CountRunningOn(nodeIDs map[uuid.UUID]struct{}) int64 {
	var n int64
	for _, j := range m.List(models.JobFilter{Status: models.JobStatusRunning}) {
		if j.NodeID == nil {
			continue
		}
		if _, ok := nodeIDs[*j.NodeID]; ok {
			n++
		}
	}
	return n
}

// Change is a pending job transition that commits inside another component's transaction.
// Apply is handed to that transaction; Finish must be called exactly once with its result.
type Change struct {
	m      *Manager
	ctx    context.Context
	id     uuid.UUID
	mutate func(j *models.TrainingJob) error

	locked *entry
	from   models.JobStatus
	next   *models.TrainingJob
	noop   bool
}

func (m *Manager) change(ctx context.Context, id uuid.UUID, mutate func(j *models.TrainingJob) error) *Change {
	return &Change{m: m, ctx: ctx, id: id, mutate: mutate}
}

// Apply validates and persists the transition through tx. On success the job stays locked
// until Finish.
func (c *Change) Apply(tx store.Store) error {
	e, err := c.m.lookup(c.id)
	if err != nil {
		return err
	}

	next := e.job.Clone()
	if err := c.mutate(next); err != nil {
		if errors.Is(err, errNoChange) {
			c.noop = true
			c.next = e.job.Clone()
		}
		e.mu.Unlock()
		return err
	}
	next.UpdatedAt = c.m.now().UTC()

	if err := tx.Jobs().Update(c.ctx, next); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("persisting training job: %w", err)
	}

	c.locked = e
	c.from = e.job.Status
	c.next = next
	return nil
}

// Finish publishes the transition if err is nil and releases the job. It returns the job as it
// stands afterwards. An already-applied transition is reported as success.
func (c *Change) Finish(err error) (*models.TrainingJob, error) {
	if c.locked != nil {
		if err == nil {
			c.locked.job = c.next
		}
		c.locked.mu.Unlock()
		c.locked = nil
		if err == nil {
			c.m.publish(c.next, c.from)
			c.m.logger.Info("training job transitioned",
				"job_id", c.next.ID, "from", c.from, "to", c.next.Status)
			return c.next.Clone(), nil
		}
		return nil, err
	}
	if c.noop && errors.Is(err, errNoChange) {
		return c.next, nil
	}
	return nil, err
}

// commit runs a Change in its own transaction.
func (m *Manager) commit(ctx context.Context, c *Change) (*models.TrainingJob, error) {
	return c.Finish(m.store.WithTx(ctx, c.Apply))
}

func transitionTo(j *models.TrainingJob, to models.JobStatus) error {
	if !j.Status.CanTransitionTo(to) {
		return &models.TransitionError{JobID: j.ID, From: j.Status, To: to}
	}
	j.Status = to
	return nil
}

// Starting returns the change that places a queued job on nodeID.
func (m *Manager) Starting(ctx context.Context, jobID, nodeID uuid.UUID) *Change {
	return m.change(ctx, jobID, func(j *models.TrainingJob) error {
		if j.Status != models.JobStatusQueued {
			return &models.TransitionError{JobID: j.ID, From: j.Status, To: models.JobStatusStarting}
		}
		if err := transitionTo(j, models.JobStatusStarting); err != nil {
			return err
		}
		id := nodeID
		j.NodeID = &id
		return nil
	})
}

// MarkStarting moves a queued job to starting on nodeID without touching the node.
func (m *Manager) MarkStarting(ctx context.Context, jobID, nodeID uuid.UUID) (*models.TrainingJob, error) {
	return m.commit(ctx, m.Starting(ctx, jobID, nodeID))
}

// MarkRunning moves a starting job to running. Re-delivery on a running job is a no-op.
func (m *Manager) MarkRunning(ctx context.Context, jobID uuid.UUID) (*models.TrainingJob, error) {
	return m.commit(ctx, m.change(ctx, jobID, func(j *models.TrainingJob) error {
		if j.Status == models.JobStatusRunning {
			return errNoChange
		}
		return transitionTo(j, models.JobStatusRunning)
	}))
}

// Terminal returns the change that finishes a job placed on nodeID with outcome. Applying the
// same outcome to a job that already has it is a no-op.
func (m *Manager) Terminal(ctx context.Context, jobID uuid.UUID, outcome models.JobStatus) *Change {
	return m.change(ctx, jobID, func(j *models.TrainingJob) error {
		if !outcome.IsTerminal() {
			return fmt.Errorf("%s is not a terminal status: %w", outcome, models.ErrInvalidTransition)
		}
		if j.Status == outcome {
			return errNoChange
		}
		if !j.Status.IsActive() {
			return &models.TransitionError{JobID: j.ID, From: j.Status, To: outcome}
		}
		if err := transitionTo(j, outcome); err != nil {
			return err
		}
		j.NodeID = nil
		return nil
	})
}

// MarkTerminal finishes a starting or running job without touching its node.
func (m *Manager) MarkTerminal(ctx context.Context, jobID uuid.UUID, outcome models.JobStatus) (*models.TrainingJob, error) {
	return m.commit(ctx, m.Terminal(ctx, jobID, outcome))
}

// Requeue returns the change that takes an active job back from nodeID to the queue.
func (m *Manager) Requeue(ctx context.Context, jobID, nodeID uuid.UUID) *Change {
	return m.change(ctx, jobID, func(j *models.TrainingJob) error {
		if !models.SameID(j.NodeID, &nodeID) {
			return ErrPlacementChanged
		}
		if err := transitionTo(j, models.JobStatusQueued); err != nil {
			return err
		}
		j.NodeID = nil
		return nil
	})
}

// cancelOn returns the change that cancels a job only if it is still placed on nodeID.
func (m *Manager) cancelOn(ctx context.Context, jobID uuid.UUID, nodeID *uuid.UUID) *Change {
	return m.change(ctx, jobID, func(j *models.TrainingJob) error {
		if j.Status == models.JobStatusCancelled {
			return errNoChange
		}
		if !models.SameID(j.NodeID, nodeID) {
			return ErrPlacementChanged
		}
		if err := transitionTo(j, models.JobStatusCancelled); err != nil {
			return err
		}
		j.NodeID = nil
		return nil
	})
}

// Cancel cancels a queued, starting or running job. If the job holds a node, the node's
// assignment is cleared in the same transaction. Cancelling a cancelled job is a no-op.
func (m *Manager) Cancel(ctx context.Context, jobID uuid.UUID) (*models.TrainingJob, error) {
	for attempt := 0; attempt < cancelAttempts; attempt++ {
		snap, err := m.Get(jobID)
		if err != nil {
			return nil, err
		}

		var job *models.TrainingJob
		if snap.NodeID == nil || m.releaser == nil {
			job, err = m.commit(ctx, m.cancelOn(ctx, jobID, snap.NodeID))
		} else {
			c := m.cancelOn(ctx, jobID, snap.NodeID)
			job, err = c.Finish(m.releaser.Release(ctx, *snap.NodeID, jobID, c.Apply))
			if errors.Is(err, registry.ErrAssignmentMismatch) || errors.Is(err, registry.ErrUnknownNode) {
				// The node no longer holds this job; cancel the job alone if it has not moved.
				m.logger.Warn("node does not hold job being cancelled",
					"job_id", jobID, "node_id", *snap.NodeID)
				job, err = m.commit(ctx, m.cancelOn(ctx, jobID, snap.NodeID))
			}
		}
		if errors.Is(err, ErrPlacementChanged) {
			continue
		}
		return job, err
	}
	return nil, fmt.Errorf("cancelling training job %s: placement kept changing", jobID)
}

func (m *Manager) publish(j *models.TrainingJob, from models.JobStatus) {
	id := j.ID
	m.events.Publish(events.Event{
		Type:      events.JobTransitioned,
		JobID:     &id,
		NodeID:    j.NodeID,
		From:      from,
		To:        j.Status,
		Timestamp: m.now().UTC(),
	})
}
