// Package memory provides an in-process implementation of the store interfaces.
// It backs tests and development runs without PostgreSQL.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/narvanalabs/fleet/internal/models"
	"github.com/narvanalabs/fleet/internal/store"
)

// state is the full dataset. Transactions work on a clone and swap it in on commit.
type state struct {
	clusters map[uuid.UUID]*models.Cluster
	nodes    map[uuid.UUID]*models.ClusterNode
	jobs     map[uuid.UUID]*models.TrainingJob
	pools    map[uuid.UUID]*models.InstancePool
}

func newState() *state {
	return &state{
		clusters: make(map[uuid.UUID]*models.Cluster),
		nodes:    make(map[uuid.UUID]*models.ClusterNode),
		jobs:     make(map[uuid.UUID]*models.TrainingJob),
		pools:    make(map[uuid.UUID]*models.InstancePool),
	}
}

func (st *state) clone() *state {
	c := newState()
	for id, v := range st.clusters {
		cp := *v
		c.clusters[id] = &cp
	}
	for id, v := range st.nodes {
		c.nodes[id] = v.Clone()
	}
	for id, v := range st.jobs {
		c.jobs[id] = v.Clone()
	}
	for id, v := range st.pools {
		cp := *v
		c.pools[id] = &cp
	}
	return c
}

// backend runs a function against the dataset with the appropriate locking.
type backend interface {
	do(fn func(st *state) error) error
	touch(kind entityKind, id uuid.UUID)
}

// Store implements store.Store in memory.
type Store struct {
	mu sync.Mutex
	st *state
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{st: newState()}
}

func (s *Store) do(fn func(st *state) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.st)
}

func (s *Store) touch(entityKind, uuid.UUID) {}

// Clusters returns the ClusterStore.
func (s *Store) Clusters() store.ClusterStore { return &ClusterStore{b: s} }

// Nodes returns the NodeStore.
func (s *Store) Nodes() store.NodeStore { return &NodeStore{b: s} }

// Jobs returns the JobStore.
func (s *Store) Jobs() store.JobStore { return &JobStore{b: s} }

// Pools returns the PoolStore.
func (s *Store) Pools() store.PoolStore { return &PoolStore{b: s} }

// WithTx runs fn against a private copy of the dataset. On success the entities fn wrote are
// merged back; entities it did not touch keep any concurrent changes.
func (s *Store) WithTx(ctx context.Context, fn func(store.Store) error) error {
	s.mu.Lock()
	tx := &txStore{st: s.st.clone(), dirty: make(map[entityKey]struct{})}
	s.mu.Unlock()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range tx.dirty {
		k.merge(tx.st, s.st)
	}
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

type entityKind int

const (
	kindCluster entityKind = iota
	kindNode
	kindJob
	kindPool
)

type entityKey struct {
	kind entityKind
	id   uuid.UUID
}

// merge copies the entity from src to dst, or deletes it from dst if src no longer has it.
func (k entityKey) merge(src, dst *state) {
	switch k.kind {
	case kindCluster:
		if v, ok := src.clusters[k.id]; ok {
			dst.clusters[k.id] = v
		} else {
			delete(dst.clusters, k.id)
		}
	case kindNode:
		if v, ok := src.nodes[k.id]; ok {
			dst.nodes[k.id] = v
		} else {
			delete(dst.nodes, k.id)
		}
	case kindJob:
		if v, ok := src.jobs[k.id]; ok {
			dst.jobs[k.id] = v
		} else {
			delete(dst.jobs, k.id)
		}
	case kindPool:
		if v, ok := src.pools[k.id]; ok {
			dst.pools[k.id] = v
		} else {
			delete(dst.pools, k.id)
		}
	}
}

// txStore is the transaction-scoped view handed to WithTx callbacks.
type txStore struct {
	st    *state
	dirty map[entityKey]struct{}
}

func (t *txStore) do(fn func(st *state) error) error { return fn(t.st) }

func (t *txStore) touch(kind entityKind, id uuid.UUID) {
	t.dirty[entityKey{kind: kind, id: id}] = struct{}{}
}

func (t *txStore) Clusters() store.ClusterStore { return &ClusterStore{b: t} }
func (t *txStore) Nodes() store.NodeStore       { return &NodeStore{b: t} }
func (t *txStore) Jobs() store.JobStore         { return &JobStore{b: t} }
func (t *txStore) Pools() store.PoolStore       { return &PoolStore{b: t} }

func (t *txStore) WithTx(ctx context.Context, fn func(store.Store) error) error {
	// Already in a transaction, just execute the function
	return fn(t)
}

func (t *txStore) Ping(ctx context.Context) error { return nil }
func (t *txStore) Close() error                   { return nil }

// ClusterStore implements store.ClusterStore.
type ClusterStore struct {
	b backend
}

// Create creates a new cluster.
func (s *ClusterStore) Create(ctx context.Context, cluster *models.Cluster) error {
	return s.b.do(func(st *state) error {
		if _, ok := st.clusters[cluster.ID]; ok {
			return store.Duplicate("cluster", "id", cluster.ID.String())
		}
		for _, c := range st.clusters {
			if c.Name == cluster.Name {
				return store.Duplicate("cluster", "name", cluster.Name)
			}
		}
		cp := *cluster
		st.clusters[cluster.ID] = &cp
		s.b.touch(kindCluster, cluster.ID)
		return nil
	})
}

// Get retrieves a cluster by ID.
func (s *ClusterStore) Get(ctx context.Context, id uuid.UUID) (*models.Cluster, error) {
	var out *models.Cluster
	err := s.b.do(func(st *state) error {
		c, ok := st.clusters[id]
		if !ok {
			return store.NotFound("cluster", id)
		}
		cp := *c
		out = &cp
		return nil
	})
	return out, err
}

// List retrieves all clusters.
func (s *ClusterStore) List(ctx context.Context) ([]*models.Cluster, error) {
	var out []*models.Cluster
	err := s.b.do(func(st *state) error {
		for _, c := range st.clusters {
			cp := *c
			out = append(out, &cp)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, err
}

// Update updates an existing cluster.
func (s *ClusterStore) Update(ctx context.Context, cluster *models.Cluster) error {
	return s.b.do(func(st *state) error {
		if _, ok := st.clusters[cluster.ID]; !ok {
			return store.NotFound("cluster", cluster.ID)
		}
		cp := *cluster
		st.clusters[cluster.ID] = &cp
		s.b.touch(kindCluster, cluster.ID)
		return nil
	})
}

// Delete removes a cluster and its nodes.
func (s *ClusterStore) Delete(ctx context.Context, id uuid.UUID) error {
	return s.b.do(func(st *state) error {
		if _, ok := st.clusters[id]; !ok {
			return store.NotFound("cluster", id)
		}
		delete(st.clusters, id)
		s.b.touch(kindCluster, id)
		for nodeID, n := range st.nodes {
			if n.ClusterID == id {
				delete(st.nodes, nodeID)
				s.b.touch(kindNode, nodeID)
			}
		}
		return nil
	})
}

// NodeStore implements store.NodeStore.
type NodeStore struct {
	b backend
}

// Create registers a new node.
func (s *NodeStore) Create(ctx context.Context, node *models.ClusterNode) error {
	return s.b.do(func(st *state) error {
		if _, ok := st.nodes[node.ID]; ok {
			return store.Duplicate("node", "id", node.ID.String())
		}
		if _, ok := st.clusters[node.ClusterID]; !ok {
			return store.NotFound("cluster", node.ClusterID)
		}
		st.nodes[node.ID] = node.Clone()
		s.b.touch(kindNode, node.ID)
		return nil
	})
}

// Get retrieves a node by ID.
func (s *NodeStore) Get(ctx context.Context, id uuid.UUID) (*models.ClusterNode, error) {
	var out *models.ClusterNode
	err := s.b.do(func(st *state) error {
		n, ok := st.nodes[id]
		if !ok {
			return store.NotFound("node", id)
		}
		out = n.Clone()
		return nil
	})
	return out, err
}

// List retrieves every node.
func (s *NodeStore) List(ctx context.Context) ([]*models.ClusterNode, error) {
	return s.list(func(*models.ClusterNode) bool { return true })
}

// ListByCluster retrieves the nodes of one cluster.
func (s *NodeStore) ListByCluster(ctx context.Context, clusterID uuid.UUID) ([]*models.ClusterNode, error) {
	return s.list(func(n *models.ClusterNode) bool { return n.ClusterID == clusterID })
}

func (s *NodeStore) list(keep func(*models.ClusterNode) bool) ([]*models.ClusterNode, error) {
	var out []*models.ClusterNode
	err := s.b.do(func(st *state) error {
		for _, n := range st.nodes {
			if keep(n) {
				out = append(out, n.Clone())
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, err
}

// Update overwrites a node.
func (s *NodeStore) Update(ctx context.Context, node *models.ClusterNode) error {
	return s.b.do(func(st *state) error {
		if _, ok := st.nodes[node.ID]; !ok {
			return store.NotFound("node", node.ID)
		}
		st.nodes[node.ID] = node.Clone()
		s.b.touch(kindNode, node.ID)
		return nil
	})
}

// Delete removes a node.
func (s *NodeStore) Delete(ctx context.Context, id uuid.UUID) error {
	return s.b.do(func(st *state) error {
		if _, ok := st.nodes[id]; !ok {
			return store.NotFound("node", id)
		}
		delete(st.nodes, id)
		s.b.touch(kindNode, id)
		return nil
	})
}

// JobStore implements store.JobStore.
type JobStore struct {
	b backend
}

// Create creates a new job.
func (s *JobStore) Create(ctx context.Context, job *models.TrainingJob) error {
	return s.b.do(func(st *state) error {
		if _, ok := st.jobs[job.ID]; ok {
			return store.Duplicate("training job", "id", job.ID.String())
		}
		st.jobs[job.ID] = job.Clone()
		s.b.touch(kindJob, job.ID)
		return nil
	})
}

// Get retrieves a job by ID.
func (s *JobStore) Get(ctx context.Context, id uuid.UUID) (*models.TrainingJob, error) {
	var out *models.TrainingJob
	err := s.b.do(func(st *state) error {
		j, ok := st.jobs[id]
		if !ok {
			return store.NotFound("training job", id)
		}
		out = j.Clone()
		return nil
	})
	return out, err
}

// List retrieves jobs matching the filter, oldest first.
func (s *JobStore) List(ctx context.Context, filter models.JobFilter) ([]*models.TrainingJob, error) {
	var out []*models.TrainingJob
	err := s.b.do(func(st *state) error {
		for _, j := range st.jobs {
			if filter.Matches(j) {
				out = append(out, j.Clone())
			}
		}
		return nil
	})
	sortJobs(out)
	return out, err
}

// ListByIDs retrieves the jobs with the given IDs.
func (s *JobStore) ListByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.TrainingJob, error) {
	var out []*models.TrainingJob
	err := s.b.do(func(st *state) error {
		for _, id := range ids {
			if j, ok := st.jobs[id]; ok {
				out = append(out, j.Clone())
			}
		}
		return nil
	})
	sortJobs(out)
	return out, err
}

// Update overwrites a job.
func (s *JobStore) Update(ctx context.Context, job *models.TrainingJob) error {
	return s.b.do(func(st *state) error {
		if _, ok := st.jobs[job.ID]; !ok {
			return store.NotFound("training job", job.ID)
		}
		st.jobs[job.ID] = job.Clone()
		s.b.touch(kindJob, job.ID)
		return nil
	})
}

func sortJobs(jobs []*models.TrainingJob) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID.String() < jobs[j].ID.String()
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}

// PoolStore implements store.PoolStore.
type PoolStore struct {
	b backend
}

// Create creates a new pool.
func (s *PoolStore) Create(ctx context.Context, pool *models.InstancePool) error {
	return s.b.do(func(st *state) error {
		if _, ok := st.pools[pool.ID]; ok {
			return store.Duplicate("instance pool", "id", pool.ID.String())
		}
		for _, p := range st.pools {
			if p.Name == pool.Name {
				return store.Duplicate("instance pool", "name", pool.Name)
			}
		}
		cp := *pool
		st.pools[pool.ID] = &cp
		s.b.touch(kindPool, pool.ID)
		return nil
	})
}

// Get retrieves a pool by ID.
func (s *PoolStore) Get(ctx context.Context, id uuid.UUID) (*models.InstancePool, error) {
	var out *models.InstancePool
	err := s.b.do(func(st *state) error {
		p, ok := st.pools[id]
		if !ok {
			return store.NotFound("instance pool", id)
		}
		cp := *p
		out = &cp
		return nil
	})
	return out, err
}

// List retrieves all pools.
func (s *PoolStore) List(ctx context.Context) ([]*models.InstancePool, error) {
	var out []*models.InstancePool
	err := s.b.do(func(st *state) error {
		for _, p := range st.pools {
			cp := *p
			out = append(out, &cp)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, err
}
