// Package pool enforces instance pool scaling bounds.
//
// The guard is advisory: it answers whether membership may change and serializes the change
// for one pool, but it never provisions or terminates machines.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/narvanalabs/fleet/internal/models"
	"github.com/narvanalabs/fleet/internal/store"
)

var (
	// ErrPoolAtCapacity is returned when adding a node would exceed max_instances.
	ErrPoolAtCapacity = errors.New("instance pool at capacity")

	// ErrPoolBelowMinimum is returned when removing a node would go under min_instances.
	ErrPoolBelowMinimum = errors.New("instance pool below minimum")
)

// MemberCounter counts the nodes that currently belong to a pool.
type MemberCounter interface {
	CountInPool(poolID uuid.UUID) int
}

// Guard checks pool bounds whenever pool membership changes.
type Guard struct {
	pools   store.PoolStore
	members MemberCounter
	logger  *slog.Logger

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

// NewGuard creates a Guard.
func NewGuard(pools store.PoolStore, members MemberCounter, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		pools:   pools,
		members: members,
		logger:  logger.With("component", "pool-guard"),
		locks:   make(map[uuid.UUID]*sync.Mutex),
	}
}

// CanAdd reports whether one more node fits in the pool.
func (g *Guard) CanAdd(pool *models.InstancePool) bool {
	return g.CheckAdd(pool) == nil
}

// CanRemove reports whether one node may leave the pool.
func (g *Guard) CanRemove(pool *models.InstancePool) bool {
	return g.CheckRemove(pool) == nil
}

// CheckAdd returns ErrPoolAtCapacity when the pool is full.
func (g *Guard) CheckAdd(pool *models.InstancePool) error {
	count := g.members.CountInPool(pool.ID)
	if count >= pool.MaxInstances {
		return fmt.Errorf("pool %s has %d of %d instances: %w", pool.Name, count, pool.MaxInstances, ErrPoolAtCapacity)
	}
	return nil
}

// CheckRemove returns ErrPoolBelowMinimum when the pool is at its floor.
func (g *Guard) CheckRemove(pool *models.InstancePool) error {
	count := g.members.CountInPool(pool.ID)
	if count <= pool.MinInstances {
		return fmt.Errorf("pool %s has %d instances, minimum %d: %w", pool.Name, count, pool.MinInstances, ErrPoolBelowMinimum)
	}
	return nil
}

// Admit runs add while no other membership change for the pool is in flight, provided the
// pool has room.
func (g *Guard) Admit(ctx context.Context, poolID uuid.UUID, add func() error) error {
	return g.guarded(ctx, poolID, g.CheckAdd, add)
}

// Retire runs remove while no other membership change for the pool is in flight, provided the
// pool stays at or above its minimum.
func (g *Guard) Retire(ctx context.Context, poolID uuid.UUID, remove func() error) error {
	return g.guarded(ctx, poolID, g.CheckRemove, remove)
}

func (g *Guard) guarded(ctx context.Context, poolID uuid.UUID, check func(*models.InstancePool) error, fn func() error) error {
	lock := g.lockFor(poolID)
	lock.Lock()
	defer lock.Unlock()

	pool, err := g.pools.Get(ctx, poolID)
	if err != nil {
		return fmt.Errorf("loading instance pool: %w", err)
	}
	if err := check(pool); err != nil {
		g.logger.Warn("pool bound reached", "pool_id", poolID, "error", err)
		return err
	}
	return fn()
}

func (g *Guard) lockFor(poolID uuid.UUID) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.locks[poolID]
	if !ok {
		l = &sync.Mutex{}
		g.locks[poolID] = l
	}
	return l
}
