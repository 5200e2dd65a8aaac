package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/narvanalabs/fleet/internal/models"
	"github.com/narvanalabs/fleet/internal/store"
)

// NodeStore implements store.NodeStore using PostgreSQL.
type NodeStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

func (s *NodeStore) conn() queryable {
	return conn(s.db, s.tx)
}

const nodeColumns = `id, cluster_id, instance_pool_id, status, heartbeat_timestamp, memory_mb,
	cpu, gpu, assigned_job_id, reported_job_id, last_confirmed_at, created_at, updated_at`

// Create registers a new node.
func (s *NodeStore) Create(ctx context.Context, node *models.ClusterNode) error {
	cpuJSON, gpuJSON, err := marshalCapacity(node)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if node.CreatedAt.IsZero() {
		node.CreatedAt = now
	}
	if node.UpdatedAt.IsZero() {
		node.UpdatedAt = now
	}
	if node.HeartbeatTimestamp.IsZero() {
		node.HeartbeatTimestamp = now
	}

	query := `INSERT INTO cluster_nodes (` + nodeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err = s.conn().ExecContext(ctx, query,
		node.ID,
		node.ClusterID,
		node.InstancePoolID,
		node.Status,
		node.HeartbeatTimestamp,
		node.MemoryMB,
		cpuJSON,
		gpuJSON,
		node.AssignedJobID,
		node.ReportedJobID,
		node.LastConfirmedAt,
		node.CreatedAt,
		node.UpdatedAt,
	)
	if err != nil {
		switch {
		case isUniqueViolation(err):
			return store.Duplicate("node", "id", node.ID.String())
		case isForeignKeyViolation(err):
			if node.InstancePoolID != nil && constraintName(err) == "cluster_nodes_instance_pool_id_fkey" {
				return store.NotFound("instance pool", *node.InstancePoolID)
			}
			return store.NotFound("cluster", node.ClusterID)
		}
		return store.Unknown("inserting node", err)
	}
	return nil
}

// Get retrieves a node by ID.
func (s *NodeStore) Get(ctx context.Context, id uuid.UUID) (*models.ClusterNode, error) {
	query := `SELECT ` + nodeColumns + ` FROM cluster_nodes WHERE id = $1`

	node, err := scanNode(s.conn().QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, translate("querying node", "node", id, err)
	}
	return node, nil
}

// List retrieves every node.
func (s *NodeStore) List(ctx context.Context) ([]*models.ClusterNode, error) {
	query := `SELECT ` + nodeColumns + ` FROM cluster_nodes ORDER BY created_at, id`
	return s.query(ctx, query)
}

// ListByCluster retrieves the nodes of one cluster.
func (s *NodeStore) ListByCluster(ctx context.Context, clusterID uuid.UUID) ([]*models.ClusterNode, error) {
	query := `SELECT ` + nodeColumns + ` FROM cluster_nodes WHERE cluster_id = $1 ORDER BY created_at, id`
	return s.query(ctx, query, clusterID)
}

func (s *NodeStore) query(ctx context.Context, query string, args ...any) ([]*models.ClusterNode, error) {
	rows, err := s.conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.Unknown("listing nodes", err)
	}
	defer rows.Close()

	var nodes []*models.ClusterNode
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, store.Unknown("scanning node", err)
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Unknown("iterating nodes", err)
	}
	return nodes, nil
}

// Update overwrites the mutable fields of a node.
func (s *NodeStore) Update(ctx context.Context, node *models.ClusterNode) error {
	query := `
		UPDATE cluster_nodes
		SET status = $2, heartbeat_timestamp = $3, assigned_job_id = $4,
			reported_job_id = $5, last_confirmed_at = $6, updated_at = $7
		WHERE id = $1`

	result, err := s.conn().ExecContext(ctx, query,
		node.ID,
		node.Status,
		node.HeartbeatTimestamp,
		node.AssignedJobID,
		node.ReportedJobID,
		node.LastConfirmedAt,
		node.UpdatedAt,
	)
	if err != nil {
		return store.Unknown("updating node", err)
	}
	return expectOne(result, "node", node.ID)
}

// Delete removes a node.
func (s *NodeStore) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := s.conn().ExecContext(ctx, `DELETE FROM cluster_nodes WHERE id = $1`, id)
	if err != nil {
		return store.Unknown("deleting node", err)
	}
	return expectOne(result, "node", id)
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*models.ClusterNode, error) {
	var (
		node          models.ClusterNode
		poolID        uuid.NullUUID
		assignedJobID uuid.NullUUID
		reportedJobID uuid.NullUUID
		lastConfirmed sql.NullTime
		cpuJSON       []byte
		gpuJSON       []byte
	)

	err := row.Scan(
		&node.ID,
		&node.ClusterID,
		&poolID,
		&node.Status,
		&node.HeartbeatTimestamp,
		&node.MemoryMB,
		&cpuJSON,
		&gpuJSON,
		&assignedJobID,
		&reportedJobID,
		&lastConfirmed,
		&node.CreatedAt,
		&node.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(cpuJSON, &node.CPU); err != nil {
		return nil, fmt.Errorf("unmarshaling cpu: %w", err)
	}
	if len(gpuJSON) > 0 {
		node.GPU = &models.GPU{}
		if err := json.Unmarshal(gpuJSON, node.GPU); err != nil {
			return nil, fmt.Errorf("unmarshaling gpu: %w", err)
		}
	}
	node.InstancePoolID = fromNull(poolID)
	node.AssignedJobID = fromNull(assignedJobID)
	node.ReportedJobID = fromNull(reportedJobID)
	if lastConfirmed.Valid {
		t := lastConfirmed.Time
		node.LastConfirmedAt = &t
	}
	return &node, nil
}

func marshalCapacity(node *models.ClusterNode) (cpuJSON, gpuJSON []byte, err error) {
	cpuJSON, err = json.Marshal(node.CPU)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling cpu: %w", err)
	}
	if node.GPU != nil {
		gpuJSON, err = json.Marshal(node.GPU)
		if err != nil {
			return nil, nil, fmt.Errorf("marshaling gpu: %w", err)
		}
	}
	return cpuJSON, gpuJSON, nil
}

func fromNull(id uuid.NullUUID) *uuid.UUID {
	if !id.Valid {
		return nil
	}
	v := id.UUID
	return &v
}
