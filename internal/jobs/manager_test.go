package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/narvanalabs/fleet/internal/events"
	"github.com/narvanalabs/fleet/internal/models"
	"github.com/narvanalabs/fleet/internal/registry"
	"github.com/narvanalabs/fleet/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store    *memory.Store
	registry *registry.Registry
	jobs     *Manager
	broker   *events.Broker
	cluster  uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := memory.New()
	cluster := &models.Cluster{ID: uuid.New(), Name: "c-" + uuid.NewString()[:8]}
	require.NoError(t, s.Clusters().Create(context.Background(), cluster))

	reg := registry.New(s, registry.Config{StalenessThreshold: time.Minute}, nil)
	broker := events.NewBroker(1000, nil)
	return &fixture{
		store:    s,
		registry: reg,
		jobs:     NewManager(s, reg, broker, Config{}, nil),
		broker:   broker,
		cluster:  cluster.ID,
	}
}

func (f *fixture) node(t *testing.T) *models.ClusterNode {
	t.Helper()
	n, err := f.registry.Register(context.Background(), &models.ClusterNode{
		ClusterID: f.cluster,
		MemoryMB:  16000,
		CPU:       models.CPU{Manufacturer: models.CPUManufacturerAMD, Architecture: models.ArchitectureX86_64, Millicores: 8000},
	})
	require.NoError(t, err)
	return n
}

func (f *fixture) submit(t *testing.T) *models.TrainingJob {
	t.Helper()
	j, err := f.jobs.Submit(context.Background(), SubmitRequest{
		Name:                 "resnet",
		ResourceRequirements: models.ResourceRequirements{CPU: models.CPU{Millicores: 1000}, MemoryMB: 1000},
	})
	require.NoError(t, err)
	return j
}

// place performs the paired node and job mutation.
func (f *fixture) place(t *testing.T, jobID, nodeID uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	c := f.jobs.Starting(ctx, jobID, nodeID)
	_, err := c.Finish(f.registry.Assign(ctx, nodeID, jobID, c.Apply))
	require.NoError(t, err)
}

func TestSubmitValidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.jobs.Submit(ctx, SubmitRequest{})
	assert.ErrorIs(t, err, models.ErrInvalidResources)

	_, err = f.jobs.Submit(ctx, SubmitRequest{
		Name:                 "x",
		ResourceRequirements: models.ResourceRequirements{GPU: &models.GPU{Manufacturer: "Acme", Model: models.GPUModelA100, Count: 1}},
	})
	assert.ErrorIs(t, err, models.ErrInvalidResources)

	j := f.submit(t)
	assert.Equal(t, models.JobStatusQueued, j.Status)
	assert.Nil(t, j.NodeID)

	stored, err := f.store.Jobs().Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, stored.Status)
}

func TestMarkStartingOnlyFromQueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	n := f.node(t)
	j := f.submit(t)

	started, err := f.jobs.MarkStarting(ctx, j.ID, n.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusStarting, started.Status)
	assert.True(t, models.SameID(&n.ID, started.NodeID))

	_, err = f.jobs.MarkStarting(ctx, j.ID, n.ID)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = f.jobs.MarkStarting(ctx, uuid.New(), n.ID)
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestMarkRunningAndTerminalAreIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	n := f.node(t)
	j := f.submit(t)

	_, err := f.jobs.MarkRunning(ctx, j.ID)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	f.place(t, j.ID, n.ID)
	running, err := f.jobs.MarkRunning(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, running.Status)

	again, err := f.jobs.MarkRunning(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, again.Status)

	done, err := f.jobs.MarkTerminal(ctx, j.ID, models.JobStatusSucceeded)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSucceeded, done.Status)
	assert.Nil(t, done.NodeID)

	same, err := f.jobs.MarkTerminal(ctx, j.ID, models.JobStatusSucceeded)
	require.NoError(t, err)
	assert.Equal(t, done.UpdatedAt, same.UpdatedAt)

	_, err = f.jobs.MarkTerminal(ctx, j.ID, models.JobStatusFailed)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestCancelClearsNodeAssignment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	n := f.node(t)
	j := f.submit(t)
	f.place(t, j.ID, n.ID)

	sub := f.broker.Subscribe(events.Filter{JobID: &j.ID})
	defer f.broker.Unsubscribe(sub)

	cancelled, err := f.jobs.Cancel(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, cancelled.Status)
	assert.Nil(t, cancelled.NodeID)

	node, err := f.registry.Get(n.ID)
	require.NoError(t, err)
	assert.Equal(t, models.NodeStatusAvailable, node.Status)
	assert.Nil(t, node.AssignedJobID)

	storedNode, err := f.store.Nodes().Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Nil(t, storedNode.AssignedJobID)

	require.Len(t, sub.Ch, 1)
	ev := <-sub.Ch
	assert.Equal(t, models.JobStatusStarting, ev.From)
	assert.Equal(t, models.JobStatusCancelled, ev.To)

	// Cancelling again is a no-op; other terminal jobs refuse.
	_, err = f.jobs.Cancel(ctx, j.ID)
	assert.NoError(t, err)
	assert.Len(t, sub.Ch, 0)
}

func TestCancelQueuedAndTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	n := f.node(t)

	queued := f.submit(t)
	got, err := f.jobs.Cancel(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, got.Status)

	done := f.submit(t)
	f.place(t, done.ID, n.ID)
	c := f.jobs.Terminal(ctx, done.ID, models.JobStatusFailed)
	_, err = c.Finish(f.registry.Release(ctx, n.ID, done.ID, c.Apply))
	require.NoError(t, err)

	_, err = f.jobs.Cancel(ctx, done.ID)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestRequeueRequiresSameNode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	n := f.node(t)
	j := f.submit(t)
	f.place(t, j.ID, n.ID)

	c := f.jobs.Requeue(ctx, j.ID, uuid.New())
	_, err := c.Finish(f.store.WithTx(ctx, c.Apply))
	assert.ErrorIs(t, err, ErrPlacementChanged)

	c = f.jobs.Requeue(ctx, j.ID, n.ID)
	_, err = c.Finish(f.registry.Release(ctx, n.ID, j.ID, c.Apply))
	require.NoError(t, err)

	got, err := f.jobs.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, got.Status)
	assert.Nil(t, got.NodeID)
	assert.Len(t, f.jobs.ListQueued(), 1)
}

func TestLoadAndCountRunning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	n := f.node(t)
	j := f.submit(t)
	f.place(t, j.ID, n.ID)
	_, err := f.jobs.MarkRunning(ctx, j.ID)
	require.NoError(t, err)
	f.submit(t)

	fresh := NewManager(f.store, f.registry, nil, Config{}, nil)
	require.NoError(t, fresh.Load(ctx))

	assert.Len(t, fresh.List(models.JobFilter{}), 2)
	assert.Equal(t, int64(1), fresh.CountRunningOn(map[uuid.UUID]struct{}{n.ID: {}}))
	assert.Equal(t, int64(0), fresh.CountRunningOn(map[uuid.UUID]struct{}{uuid.New(): {}}))
}

// **Feature: fleet, Property 2: Job statuses follow the state machine**
// For any sequence of lifecycle operations, every observed status change is a permitted
// transition and no job leaves a terminal state.
func TestJobStatusPathProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("observed statuses form a valid path", prop.ForAll(
		func(ops []int) bool {
			f := newFixture(t)
			ctx := context.Background()
			n := f.node(t)
			j := f.submit(t)

			sub := f.broker.Subscribe(events.Filter{JobID: &j.ID})
			defer f.broker.Unsubscribe(sub)

			prev := models.JobStatusQueued
			for _, op := range ops {
				switch op {
				case 0:
					c := f.jobs.Starting(ctx, j.ID, n.ID)
					_, _ = c.Finish(f.registry.Assign(ctx, n.ID, j.ID, c.Apply))
				case 1:
					_, _ = f.jobs.MarkRunning(ctx, j.ID)
				case 2:
					c := f.jobs.Terminal(ctx, j.ID, models.JobStatusSucceeded)
					_, _ = c.Finish(f.registry.Release(ctx, n.ID, j.ID, c.Apply))
				case 3:
					c := f.jobs.Terminal(ctx, j.ID, models.JobStatusFailed)
					_, _ = c.Finish(f.registry.Release(ctx, n.ID, j.ID, c.Apply))
				case 4:
					_, _ = f.jobs.Cancel(ctx, j.ID)
				case 5:
					c := f.jobs.Requeue(ctx, j.ID, n.ID)
					_, _ = c.Finish(f.registry.Release(ctx, n.ID, j.ID, c.Apply))
				}

				for len(sub.Ch) > 0 {
					ev := <-sub.Ch
					if ev.From != prev || !prev.CanTransitionTo(ev.To) {
						return false
					}
					prev = ev.To
				}

				got, err := f.jobs.Get(j.ID)
				if err != nil || got.Status != prev {
					return false
				}
				node, err := f.registry.Get(n.ID)
				if err != nil || node.CheckInvariant() != nil {
					return false
				}
				// The node holds the job exactly while the job is active.
				if got.Status.IsActive() != models.SameID(node.AssignedJobID, &j.ID) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 5)),
	))

	properties.TestingRun(t)
}
