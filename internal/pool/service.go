package pool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/narvanalabs/fleet/internal/models"
	"github.com/narvanalabs/fleet/internal/store"
)

// Service manages instance pool definitions.
type Service struct {
	pools  store.PoolStore
	now    func() time.Time
	logger *slog.Logger
}

// NewService creates a Service.
func NewService(pools store.PoolStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{pools: pools, now: time.Now, logger: logger.With("component", "pools")}
}

// Create validates and stores a new pool. Names are unique.
func (s *Service) Create(ctx context.Context, pool *models.InstancePool) (*models.InstancePool, error) {
	if err := pool.Validate(); err != nil {
		return nil, err
	}

	p := *pool
	p.ID = uuid.New()
	now := s.now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	if err := s.pools.Create(ctx, &p); err != nil {
		return nil, fmt.Errorf("creating instance pool %q: %w", p.Name, err)
	}
	s.logger.Info("instance pool created",
		"pool_id", p.ID,
		"name", p.Name,
		"provider", p.Provider,
		"region", p.Region,
		"instance_type", p.InstanceType,
	)
	return &p, nil
}

// Get returns a pool by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.InstancePool, error) {
	return s.pools.Get(ctx, id)
}

// List returns every pool.
func (s *Service) List(ctx context.Context) ([]*models.InstancePool, error) {
	return s.pools.List(ctx)
}
