// Package fleet exposes the inbound operations of the control plane as one service.
//
// It wires the node registry, job lifecycle manager, scheduler, reconciler, cluster aggregator
// and pool guard over a single store, and is what the HTTP and gRPC surfaces call into.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/narvanalabs/fleet/internal/cluster"
	"github.com/narvanalabs/fleet/internal/events"
	"github.com/narvanalabs/fleet/internal/jobs"
	"github.com/narvanalabs/fleet/internal/models"
	"github.com/narvanalabs/fleet/internal/pool"
	"github.com/narvanalabs/fleet/internal/reconciler"
	"github.com/narvanalabs/fleet/internal/registry"
	"github.com/narvanalabs/fleet/internal/scheduler"
	"github.com/narvanalabs/fleet/internal/store"
	"github.com/narvanalabs/fleet/pkg/config"
)

// ErrNotLeader is returned for node and job calls made to a replica that is not leading.
var ErrNotLeader = errors.New("this replica is not the leader")

// Config configures the service.
type Config struct {
	StalenessThreshold time.Duration
	DriftGracePeriod   time.Duration
	MaxClockSkew       time.Duration
	// Standby makes the service refuse node and job calls until Lead succeeds.
	Standby bool
	// Now overrides the clock of every component. Defaults to time.Now.
	Now func() time.Time
}

// ConfigFrom builds a Config from scheduler settings.
func ConfigFrom(cfg *config.SchedulerConfig) Config {
	return Config{
		StalenessThreshold: cfg.StalenessThreshold,
		DriftGracePeriod:   cfg.DriftGracePeriod,
		MaxClockSkew:       cfg.MaxClockSkew,
	}
}

// Service implements the fleet's inbound operations.
//
// Node and job state lives in memory on the replica that holds it. With Standby set, only the
// replica that called Lead serves node and job calls; the others return ErrNotLeader.
type Service struct {
	store      store.Store
	registry   *registry.Registry
	jobs       *jobs.Manager
	scheduler  *scheduler.Scheduler
	reconciler *reconciler.Reconciler
	aggregator *cluster.Aggregator
	pools      *pool.Service
	guard      *pool.Guard
	now        func() time.Time
	logger     *slog.Logger

	serving atomic.Bool
}

// New wires the fleet components over s. pub receives job and node events and may be nil.
func New(s store.Store, pub events.Publisher, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	reg := registry.New(s, registry.Config{
		StalenessThreshold: cfg.StalenessThreshold,
		MaxClockSkew:       cfg.MaxClockSkew,
		Now:                now,
	}, logger)
	jm := jobs.NewManager(s, reg, pub, jobs.Config{Now: now}, logger)
	svc := &Service{
		store:      s,
		registry:   reg,
		jobs:       jm,
		scheduler:  scheduler.NewScheduler(reg, jm, logger),
		reconciler: reconciler.New(reg, jm, pub, reconciler.Config{DriftGracePeriod: cfg.DriftGracePeriod, Now: now}, logger),
		aggregator: cluster.NewAggregator(s.Clusters(), reg, jm),
		pools:      pool.NewService(s.Pools(), logger),
		guard:      pool.NewGuard(s.Pools(), reg, logger),
		now:        now,
		logger:     logger.With("component", "fleet"),
	}
	svc.serving.Store(!cfg.Standby)
	return svc
}

// Scheduler returns the scheduler, for running passes.
func (s *Service) Scheduler() *scheduler.Scheduler { return s.scheduler }

// Reconciler returns the reconciler, for drift sweeps.
func (s *Service) Reconciler() *reconciler.Reconciler { return s.reconciler }

// Start rebuilds the in-memory registry and job state from the store.
func (s *Service) Start(ctx context.Context) error {
	if err := s.registry.Load(ctx); err != nil {
		return err
	}
	return s.jobs.Load(ctx)
}

// Lead rebuilds node and job state from the store and starts serving node and job calls.
// It is called each time this replica gains leadership, so state written by the previous leader
// is picked up.
func (s *Service) Lead(ctx context.Context) error {
	s.serving.Store(false)
	if err := s.Start(ctx); err != nil {
		return fmt.Errorf("reloading state: %w", err)
	}
	s.serving.Store(true)
	s.logger.Info("serving node and job calls")
	return nil
}

// StepDown stops serving node and job calls.
func (s *Service) StepDown() {
	if s.serving.Swap(false) {
		s.logger.Info("stopped serving node and job calls")
	}
}

// Serving reports whether node and job calls are accepted.
func (s *Service) Serving() bool { return s.serving.Load() }

func (s *Service) ready() error {
	if !s.serving.Load() {
		return ErrNotLeader
	}
	return nil
}

// Bootstrap creates the configured clusters and instance pools that do not exist yet.
func (s *Service) Bootstrap(ctx context.Context, b config.Bootstrap) error {
	for _, c := range b.Clusters {
		_, err := s.CreateCluster(ctx, &models.Cluster{Name: c.Name, Description: c.Description})
		if err != nil && !errors.Is(err, store.ErrDuplicate) {
			return fmt.Errorf("bootstrapping cluster %q: %w", c.Name, err)
		}
	}
	for _, p := range b.InstancePools {
		_, err := s.CreateInstancePool(ctx, &models.InstancePool{
			Name:         p.Name,
			Description:  p.Description,
			Provider:     models.CloudProvider(p.Provider),
			Region:       p.Region,
			InstanceType: p.InstanceType,
			MinInstances: p.MinInstances,
			MaxInstances: p.MaxInstances,
		})
		if err != nil && !errors.Is(err, store.ErrDuplicate) {
			return fmt.Errorf("bootstrapping instance pool %q: %w", p.Name, err)
		}
	}
	return nil
}

// SubmitJob queues a new training job.
func (s *Service) SubmitJob(ctx context.Context, req jobs.SubmitRequest) (*models.TrainingJob, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.jobs.Submit(ctx, req)
}

// CancelJob cancels a job and frees its node.
func (s *Service) CancelJob(ctx context.Context, id uuid.UUID) (*models.TrainingJob, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.jobs.Cancel(ctx, id)
}

// GetJob returns one job.
func (s *Service) GetJob(id uuid.UUID) (*models.TrainingJob, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.jobs.Get(id)
}

// ListJobs returns the jobs matching filter, oldest first.
func (s *Service) ListJobs(filter models.JobFilter) ([]*models.TrainingJob, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.jobs.List(filter), nil
}

// CreateCluster stores a new cluster. Names are unique.
func (s *Service) CreateCluster(ctx context.Context, c *models.Cluster) (*models.Cluster, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	created := *c
	created.ID = uuid.New()
	now := s.now().UTC()
	created.CreatedAt = now
	created.UpdatedAt = now

	if err := s.store.Clusters().Create(ctx, &created); err != nil {
		return nil, fmt.Errorf("creating cluster %q: %w", c.Name, err)
	}
	s.logger.Info("cluster created", "cluster_id", created.ID, "name", created.Name)
	return &created, nil
}

// GetCluster returns one cluster.
func (s *Service) GetCluster(ctx context.Context, id uuid.UUID) (*models.Cluster, error) {
	return s.store.Clusters().Get(ctx, id)
}

// ListClusters returns every cluster.
func (s *Service) ListClusters(ctx context.Context) ([]*models.Cluster, error) {
	return s.store.Clusters().List(ctx)
}

// DeleteCluster removes a cluster and its nodes. It is refused while any node is busy.
func (s *Service) DeleteCluster(ctx context.Context, id uuid.UUID) error {
	if err := s.ready(); err != nil {
		return err
	}
	if _, err := s.store.Clusters().Get(ctx, id); err != nil {
		return err
	}
	err := s.registry.RemoveCluster(ctx, id, func(tx store.Store) error {
		return tx.Clusters().Delete(ctx, id)
	})
	if err != nil {
		return err
	}
	s.logger.Info("cluster deleted", "cluster_id", id)
	return nil
}

// GetClusterSummary returns node and job counts for a cluster.
func (s *Service) GetClusterSummary(ctx context.Context, id uuid.UUID) (*models.ClusterSummary, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.aggregator.Summarize(ctx, id)
}

// GetClusterDetails returns the summary plus capacity and utilization.
func (s *Service) GetClusterDetails(ctx context.Context, id uuid.UUID) (*models.ClusterDetails, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.aggregator.Detail(ctx, id)
}

// ListClusterNodes returns the nodes of a cluster.
func (s *Service) ListClusterNodes(ctx context.Context, clusterID uuid.UUID) ([]*models.ClusterNode, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if _, err := s.store.Clusters().Get(ctx, clusterID); err != nil {
		return nil, err
	}
	return s.registry.ListByCluster(clusterID), nil
}

// RegisterNode adds a node to a cluster. A node that names an instance pool is only admitted
// while the pool has room.
func (s *Service) RegisterNode(ctx context.Context, node *models.ClusterNode) (*models.ClusterNode, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if node.InstancePoolID == nil {
		return s.registry.Register(ctx, node)
	}

	var registered *models.ClusterNode
	err := s.guard.Admit(ctx, *node.InstancePoolID, func() error {
		var err error
		registered, err = s.registry.Register(ctx, node)
		return err
	})
	return registered, err
}

// GetNode returns one node.
func (s *Service) GetNode(id uuid.UUID) (*models.ClusterNode, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.registry.Get(id)
}

// DeregisterNode removes an idle node, keeping its pool at or above its minimum.
func (s *Service) DeregisterNode(ctx context.Context, id uuid.UUID) error {
	if err := s.ready(); err != nil {
		return err
	}
	node, err := s.registry.Get(id)
	if err != nil {
		return err
	}
	if node.InstancePoolID == nil {
		return s.registry.Deregister(ctx, id)
	}
	return s.guard.Retire(ctx, *node.InstancePoolID, func() error {
		return s.registry.Deregister(ctx, id)
	})
}

// IngestHeartbeat applies one node report.
func (s *Service) IngestHeartbeat(ctx context.Context, hb models.Heartbeat) (reconciler.Action, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	return s.reconciler.Ingest(ctx, hb)
}

// ReconcilerStats returns the reconciliation counters.
func (s *Service) ReconcilerStats() reconciler.Stats {
	return s.reconciler.Stats()
}

// CreateInstancePool stores a new instance pool.
func (s *Service) CreateInstancePool(ctx context.Context, p *models.InstancePool) (*models.InstancePool, error) {
	return s.pools.Create(ctx, p)
}

// GetInstancePool returns one instance pool.
func (s *Service) GetInstancePool(ctx context.Context, id uuid.UUID) (*models.InstancePool, error) {
	return s.pools.Get(ctx, id)
}

// ListInstancePools returns every instance pool.
func (s *Service) ListInstancePools(ctx context.Context) ([]*models.InstancePool, error) {
	return s.pools.List(ctx)
}

// Ping checks the store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
