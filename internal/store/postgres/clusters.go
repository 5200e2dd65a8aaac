package postgres

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/narvanalabs/fleet/internal/models"
	"github.com/narvanalabs/fleet/internal/store"
)

// ClusterStore implements store.ClusterStore using PostgreSQL.
type ClusterStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

func (s *ClusterStore) conn() queryable {
	return conn(s.db, s.tx)
}

// Create creates a new cluster.
func (s *ClusterStore) Create(ctx context.Context, cluster *models.Cluster) error {
	query := `
		INSERT INTO clusters (id, name, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)`

	now := time.Now().UTC()
	if cluster.CreatedAt.IsZero() {
		cluster.CreatedAt = now
	}
	if cluster.UpdatedAt.IsZero() {
		cluster.UpdatedAt = now
	}

	_, err := s.conn().ExecContext(ctx, query,
		cluster.ID,
		cluster.Name,
		cluster.Description,
		cluster.CreatedAt,
		cluster.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			if constraintName(err) == "clusters_name_key" {
				return store.Duplicate("cluster", "name", cluster.Name)
			}
			return store.Duplicate("cluster", "id", cluster.ID.String())
		}
		return store.Unknown("inserting cluster", err)
	}
	return nil
}

// Get retrieves a cluster by ID.
func (s *ClusterStore) Get(ctx context.Context, id uuid.UUID) (*models.Cluster, error) {
	query := `
		SELECT id, name, description, created_at, updated_at
		FROM clusters
		WHERE id = $1`

	c := &models.Cluster{}
	err := s.conn().QueryRowContext(ctx, query, id).Scan(
		&c.ID, &c.Name, &c.Description, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, translate("querying cluster", "cluster", id, err)
	}
	return c, nil
}

// List retrieves all clusters ordered by creation time.
func (s *ClusterStore) List(ctx context.Context) ([]*models.Cluster, error) {
	query := `
		SELECT id, name, description, created_at, updated_at
		FROM clusters
		ORDER BY created_at, id`

	rows, err := s.conn().QueryContext(ctx, query)
	if err != nil {
		return nil, store.Unknown("listing clusters", err)
	}
	defer rows.Close()

	var clusters []*models.Cluster
	for rows.Next() {
		c := &models.Cluster{}
		if err := rows.Scan(&c.ID, &c.Name, &c.Description, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, store.Unknown("scanning cluster", err)
		}
		clusters = append(clusters, c)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Unknown("iterating clusters", err)
	}
	return clusters, nil
}

// Update updates an existing cluster.
func (s *ClusterStore) Update(ctx context.Context, cluster *models.Cluster) error {
	query := `
		UPDATE clusters
		SET name = $2, description = $3, updated_at = $4
		WHERE id = $1`

	cluster.UpdatedAt = time.Now().UTC()
	result, err := s.conn().ExecContext(ctx, query,
		cluster.ID, cluster.Name, cluster.Description, cluster.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.Duplicate("cluster", "name", cluster.Name)
		}
		return store.Unknown("updating cluster", err)
	}
	return expectOne(result, "cluster", cluster.ID)
}

// Delete removes a cluster. Its nodes go with it through the foreign key cascade.
func (s *ClusterStore) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := s.conn().ExecContext(ctx, `DELETE FROM clusters WHERE id = $1`, id)
	if err != nil {
		return store.Unknown("deleting cluster", err)
	}
	return expectOne(result, "cluster", id)
}

// expectOne turns a zero-row update or delete into ErrNotFound.
func expectOne(result sql.Result, kind string, id uuid.UUID) error {
	n, err := result.RowsAffected()
	if err != nil {
		return store.Unknown("reading affected rows", err)
	}
	if n == 0 {
		return store.NotFound(kind, id)
	}
	return nil
}
