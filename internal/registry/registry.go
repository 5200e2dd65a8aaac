// Package registry holds the authoritative view of every cluster node.
//
// Each node is guarded by its own mutex; the node map lock only protects membership. Every
// mutation is persisted before it becomes visible in memory, so a failed write leaves the
// in-memory node untouched.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/narvanalabs/fleet/internal/models"
	"github.com/narvanalabs/fleet/internal/store"
)

var (
	// ErrDuplicateNode is returned when registering an identity that already exists.
	ErrDuplicateNode = fmt.Errorf("node already registered: %w", store.ErrDuplicate)

	// ErrUnknownNode is returned for operations on an identity the registry does not hold.
	ErrUnknownNode = fmt.Errorf("unknown node: %w", store.ErrNotFound)

	// ErrNodeUnavailable is returned when assigning to a node that is busy or stale.
	ErrNodeUnavailable = errors.New("node unavailable")

	// ErrAssignmentMismatch is returned when releasing a job the node does not hold.
	ErrAssignmentMismatch = errors.New("node does not hold the assignment")

	// ErrNodeBusy is returned when removing a node that still holds an assignment.
	ErrNodeBusy = fmt.Errorf("node is busy: %w", models.ErrInvalidTransition)

	// ErrClockSkew is returned for heartbeats dated further ahead of the server clock than
	// MaxClockSkew allows.
	ErrClockSkew = fmt.Errorf("heartbeat dated in the future: %w", models.ErrMalformedHeartbeat)
)

// DefaultMaxClockSkew is used when Config.MaxClockSkew is zero.
const DefaultMaxClockSkew = 30 * time.Second

// Config configures the registry.
type Config struct {
	// StalenessThreshold is how long a node may go unheard before it is excluded from placement.
	StalenessThreshold time.Duration
	// MaxClockSkew is how far ahead of the server clock a node may date its heartbeats.
	MaxClockSkew time.Duration
	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// CommitFunc runs inside the transaction that persists a node mutation.
// Returning an error rolls the node mutation back.
type CommitFunc func(tx store.Store) error

type entry struct {
	mu   sync.Mutex
	node *models.ClusterNode
	// sent is the node's own timestamp on the last applied heartbeat. It only orders reports;
	// liveness and confirmation use the server clock.
	sent    time.Time
	removed bool
}

// Registry tracks node identity, capacity, status and assignments.
type Registry struct {
	store     store.Store
	staleness time.Duration
	skew      time.Duration
	now       func() time.Time
	logger    *slog.Logger

	mu    sync.RWMutex
	nodes map[uuid.UUID]*entry
}

// New creates a Registry backed by the given store.
func New(s store.Store, cfg Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	skew := cfg.MaxClockSkew
	if skew <= 0 {
		skew = DefaultMaxClockSkew
	}
	return &Registry{
		store:     s,
		staleness: cfg.StalenessThreshold,
		skew:      skew,
		now:       now,
		logger:    logger.With("component", "registry"),
		nodes:     make(map[uuid.UUID]*entry),
	}
}

// Load replaces the in-memory view with the nodes held by the store.
func (r *Registry) Load(ctx context.Context) error {
	nodes, err := r.store.Nodes().List(ctx)
	if err != nil {
		return fmt.Errorf("loading nodes: %w", err)
	}

	m := make(map[uuid.UUID]*entry, len(nodes))
	for _, n := range nodes {
		if err := n.CheckInvariant(); err != nil {
			r.logger.Warn("loaded node violates busy invariant", "node_id", n.ID, "error", err)
		}
		m[n.ID] = &entry{node: n}
	}

	r.mu.Lock()
	r.nodes = m
	r.mu.Unlock()

	r.logger.Info("registry loaded", "nodes", len(m))
	return nil
}

// Register adds a node. The node starts available with no assignment.
func (r *Registry) Register(ctx context.Context, node *models.ClusterNode) (*models.ClusterNode, error) {
	if err := node.Validate(); err != nil {
		return nil, err
	}

	n := node.Clone()
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	now := r.now().UTC()
	n.Status = models.NodeStatusAvailable
	n.AssignedJobID = nil
	n.ReportedJobID = nil
	n.LastConfirmedAt = nil
	if n.HeartbeatTimestamp.IsZero() || n.HeartbeatTimestamp.After(now) {
		n.HeartbeatTimestamp = now
	}
	n.CreatedAt = now
	n.UpdatedAt = now

	// Reserve the identity before persisting so concurrent registrations of the same id fail fast.
	e := &entry{}
	e.mu.Lock()
	defer e.mu.Unlock()

	r.mu.Lock()
	if _, ok := r.nodes[n.ID]; ok {
		r.mu.Unlock()
		return nil, ErrDuplicateNode
	}
	r.nodes[n.ID] = e
	r.mu.Unlock()

	if err := r.store.Nodes().Create(ctx, n); err != nil {
		e.removed = true
		r.mu.Lock()
		delete(r.nodes, n.ID)
		r.mu.Unlock()
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrDuplicateNode
		}
		return nil, fmt.Errorf("persisting node: %w", err)
	}

	e.node = n
	r.logger.Info("node registered", "node_id", n.ID, "cluster_id", n.ClusterID)
	return n.Clone(), nil
}

// lookup returns the locked entry for id. The caller must unlock it.
func (r *Registry) lookup(id uuid.UUID) (*entry, error) {
	r.mu.RLock()
	e, ok := r.nodes[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownNode
	}
	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return nil, ErrUnknownNode
	}
	return e, nil
}

// Get returns a copy of the node.
func (r *Registry) Get(id uuid.UUID) (*models.ClusterNode, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	return e.node.Clone(), nil
}

// UpdateHeartbeat records a report from a node and returns the node as it stands afterwards.
// sent is the node's own timestamp and only decides ordering: a report sent before the last
// applied one is ignored and applied is false, and one dated more than MaxClockSkew ahead of the
// server clock fails with ErrClockSkew. The heartbeat time and, when the report agrees with the
// assignment, the drift clock are both set from the server clock.
func (r *Registry) UpdateHeartbeat(ctx context.Context, id uuid.UUID, reportedJobID *uuid.UUID, sent time.Time) (node *models.ClusterNode, applied bool, err error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, false, err
	}
	defer e.mu.Unlock()

	now := r.now().UTC()
	if sent.After(now.Add(r.skew)) {
		return nil, false, fmt.Errorf("node %s sent %s, server time %s: %w", id, sent, now, ErrClockSkew)
	}
	if sent.Before(e.sent) {
		return e.node.Clone(), false, nil
	}

	n := e.node.Clone()
	n.HeartbeatTimestamp = now
	n.ReportedJobID = reportedJobID
	if n.AssignedJobID != nil && models.SameID(n.AssignedJobID, reportedJobID) {
		confirmed := now
		n.LastConfirmedAt = &confirmed
	}
	n.UpdatedAt = now

	if err := r.store.Nodes().Update(ctx, n); err != nil {
		return nil, false, fmt.Errorf("persisting heartbeat: %w", err)
	}
	e.node = n
	e.sent = sent
	return n.Clone(), true, nil
}

// SetStatus changes the node status. The only accepted values are those consistent with the
// current assignment: busy with an assigned job, available without one.
func (r *Registry) SetStatus(ctx context.Context, id uuid.UUID, status models.NodeStatus) error {
	if !status.IsValid() {
		return fmt.Errorf("unknown node status %q", status)
	}

	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	if e.node.Status == status {
		return nil
	}
	if (status == models.NodeStatusBusy) != (e.node.AssignedJobID != nil) {
		return fmt.Errorf("node %s: status %s without matching assignment: %w", id, status, models.ErrInvalidTransition)
	}

	n := e.node.Clone()
	n.Status = status
	n.UpdatedAt = r.now().UTC()
	if err := r.store.Nodes().Update(ctx, n); err != nil {
		return fmt.Errorf("persisting node status: %w", err)
	}
	e.node = n
	return nil
}

// Assign places jobID on the node. The node update and commit run in one transaction while the
// node lock is held, so no other caller can observe the node as available in between.
func (r *Registry) Assign(ctx context.Context, id, jobID uuid.UUID, commit CommitFunc) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	now := r.now().UTC()
	if e.node.Status != models.NodeStatusAvailable || e.node.AssignedJobID != nil {
		return fmt.Errorf("node %s is %s: %w", id, e.node.Status, ErrNodeUnavailable)
	}
	if r.staleness > 0 && e.node.IsStale(now, r.staleness) {
		return fmt.Errorf("node %s is stale: %w", id, ErrNodeUnavailable)
	}

	n := e.node.Clone()
	n.Status = models.NodeStatusBusy
	assigned := jobID
	n.AssignedJobID = &assigned
	n.LastConfirmedAt = &now
	n.UpdatedAt = now

	if err := r.persist(ctx, n, commit); err != nil {
		return err
	}
	e.node = n
	return nil
}

// Release clears the node's assignment if it still holds jobID and returns the node to available.
func (r *Registry) Release(ctx context.Context, id, jobID uuid.UUID, commit CommitFunc) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	if e.node.AssignedJobID == nil || *e.node.AssignedJobID != jobID {
		return fmt.Errorf("node %s, job %s: %w", id, jobID, ErrAssignmentMismatch)
	}

	n := e.node.Clone()
	n.Status = models.NodeStatusAvailable
	n.AssignedJobID = nil
	n.LastConfirmedAt = nil
	n.UpdatedAt = r.now().UTC()

	if err := r.persist(ctx, n, commit); err != nil {
		return err
	}
	e.node = n
	return nil
}

func (r *Registry) persist(ctx context.Context, n *models.ClusterNode, commit CommitFunc) error {
	if err := n.CheckInvariant(); err != nil {
		return err
	}
	return r.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.Nodes().Update(ctx, n); err != nil {
			return fmt.Errorf("persisting node: %w", err)
		}
		if commit != nil {
			return commit(tx)
		}
		return nil
	})
}

// Deregister removes an idle node.
func (r *Registry) Deregister(ctx context.Context, id uuid.UUID) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	if e.node.Status == models.NodeStatusBusy {
		return ErrNodeBusy
	}
	if err := r.store.Nodes().Delete(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("deleting node: %w", err)
	}

	e.removed = true
	r.mu.Lock()
	delete(r.nodes, id)
	r.mu.Unlock()

	r.logger.Info("node deregistered", "node_id", id)
	return nil
}

// RemoveCluster drops every node of a cluster after commit succeeds. It fails with ErrNodeBusy
// if any of them holds an assignment. All nodes of the cluster stay locked until it returns.
func (r *Registry) RemoveCluster(ctx context.Context, clusterID uuid.UUID, commit CommitFunc) error {
	r.mu.RLock()
	type member struct {
		id uuid.UUID
		e  *entry
	}
	members := make([]member, 0, len(r.nodes))
	for id, e := range r.nodes {
		members = append(members, member{id: id, e: e})
	}
	r.mu.RUnlock()

	// Lock in id order so concurrent removals cannot deadlock.
	sort.Slice(members, func(i, j int) bool { return members[i].id.String() < members[j].id.String() })

	var held []*entry
	defer func() {
		for _, e := range held {
			e.mu.Unlock()
		}
	}()
	for _, m := range members {
		e := m.e
		e.mu.Lock()
		if e.removed || e.node == nil || e.node.ClusterID != clusterID {
			e.mu.Unlock()
			continue
		}
		held = append(held, e)
		if e.node.Status == models.NodeStatusBusy {
			return fmt.Errorf("node %s: %w", e.node.ID, ErrNodeBusy)
		}
	}

	if err := r.store.WithTx(ctx, commit); err != nil {
		return err
	}

	r.mu.Lock()
	for _, e := range held {
		e.removed = true
		delete(r.nodes, e.node.ID)
	}
	r.mu.Unlock()
	return nil
}

// List returns copies of every node ordered by registration.
func (r *Registry) List() []*models.ClusterNode {
	return r.collect(func(*models.ClusterNode) bool { return true })
}

// ListByCluster returns copies of the nodes of one cluster.
func (r *Registry) ListByCluster(clusterID uuid.UUID) []*models.ClusterNode {
	return r.collect(func(n *models.ClusterNode) bool { return n.ClusterID == clusterID })
}

// ListAvailable returns available, non-stale nodes whose capacity satisfies the requirement.
// A nil cluster id matches every cluster.
func (r *Registry) ListAvailable(clusterID uuid.UUID, req models.ResourceRequirements) []*models.ClusterNode {
	now := r.now()
	return r.collect(func(n *models.ClusterNode) bool {
		if clusterID != uuid.Nil && n.ClusterID != clusterID {
			return false
		}
		if n.Status != models.NodeStatusAvailable {
			return false
		}
		if r.staleness > 0 && n.IsStale(now, r.staleness) {
			return false
		}
		return req.SatisfiedBy(n)
	})
}

// CountInPool returns how many nodes belong to the instance pool.
func (r *Registry) CountInPool(poolID uuid.UUID) int {
	return len(r.collect(func(n *models.ClusterNode) bool {
		return n.InstancePoolID != nil && *n.InstancePoolID == poolID
	}))
}

// IsStale reports whether the node has exceeded the staleness threshold.
func (r *Registry) IsStale(n *models.ClusterNode) bool {
	return r.staleness > 0 && n.IsStale(r.now(), r.staleness)
}

// collect copies matching nodes, locking each entry only while it is read.
func (r *Registry) collect(keep func(*models.ClusterNode) bool) []*models.ClusterNode {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.nodes))
	for _, e := range r.nodes {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var out []*models.ClusterNode
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed && e.node != nil && keep(e.node) {
			out = append(out, e.node.Clone())
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
