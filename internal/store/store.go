// Package store provides database access interfaces and implementations.
package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/narvanalabs/fleet/internal/models"
)

// ClusterStore defines operations for cluster management.
type ClusterStore interface {
	// Create creates a new cluster. Returns ErrDuplicate if the name is taken.
	Create(ctx context.Context, cluster *models.Cluster) error
	// Get retrieves a cluster by ID.
	Get(ctx context.Context, id uuid.UUID) (*models.Cluster, error)
	// List retrieves all clusters ordered by creation time.
	List(ctx context.Context) ([]*models.Cluster, error)
	// Update updates an existing cluster.
	Update(ctx context.Context, cluster *models.Cluster) error
	// Delete removes a cluster and, by cascade, its nodes.
	Delete(ctx context.Context, id uuid.UUID) error
}

// NodeStore defines operations for cluster node management.
type NodeStore interface {
	// Create registers a new node. Returns ErrDuplicate if the ID exists and
	// ErrNotFound if the owning cluster does not.
	Create(ctx context.Context, node *models.ClusterNode) error
	// Get retrieves a node by ID.
	Get(ctx context.Context, id uuid.UUID) (*models.ClusterNode, error)
	// List retrieves every node.
	List(ctx context.Context) ([]*models.ClusterNode, error)
	// ListByCluster retrieves the nodes of one cluster.
	ListByCluster(ctx context.Context, clusterID uuid.UUID) ([]*models.ClusterNode, error)
	// Update overwrites the mutable fields of a node.
	Update(ctx context.Context, node *models.ClusterNode) error
	// Delete removes a node.
	Delete(ctx context.Context, id uuid.UUID) error
}

// JobStore defines operations for training job management.
type JobStore interface {
	// Create creates a new training job.
	Create(ctx context.Context, job *models.TrainingJob) error
	// Get retrieves a job by ID.
	Get(ctx context.Context, id uuid.UUID) (*models.TrainingJob, error)
	// List retrieves jobs matching the filter, oldest first.
	List(ctx context.Context, filter models.JobFilter) ([]*models.TrainingJob, error)
	// ListByIDs retrieves the jobs with the given IDs. Unknown IDs are skipped.
	ListByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.TrainingJob, error)
	// Update overwrites the mutable fields of a job.
	Update(ctx context.Context, job *models.TrainingJob) error
}

// PoolStore defines operations for instance pool management.
type PoolStore interface {
	// Create creates a new instance pool. Returns ErrDuplicate if the name is taken.
	Create(ctx context.Context, pool *models.InstancePool) error
	// Get retrieves a pool by ID.
	Get(ctx context.Context, id uuid.UUID) (*models.InstancePool, error)
	// List retrieves all pools.
	List(ctx context.Context) ([]*models.InstancePool, error)
}

// Store is the main interface for database operations.
type Store interface {
	// Clusters returns the ClusterStore.
	Clusters() ClusterStore
	// Nodes returns the NodeStore.
	Nodes() NodeStore
	// Jobs returns the JobStore.
	Jobs() JobStore
	// Pools returns the PoolStore.
	Pools() PoolStore

	// WithTx executes the given function within a database transaction.
	// If the function returns an error, the transaction is rolled back.
	// Otherwise, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error

	// Ping verifies the backing database is reachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
