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

// PoolStore implements store.PoolStore using PostgreSQL.
type PoolStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

func (s *PoolStore) conn() queryable {
	return conn(s.db, s.tx)
}

const poolColumns = `id, name, description, provider, region, instance_type,
	min_instances, max_instances, created_at, updated_at`

// Create creates a new instance pool.
func (s *PoolStore) Create(ctx context.Context, pool *models.InstancePool) error {
	now := time.Now().UTC()
	if pool.CreatedAt.IsZero() {
		pool.CreatedAt = now
	}
	if pool.UpdatedAt.IsZero() {
		pool.UpdatedAt = now
	}

	query := `INSERT INTO instance_pools (` + poolColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.conn().ExecContext(ctx, query,
		pool.ID,
		pool.Name,
		pool.Description,
		pool.Provider,
		pool.Region,
		pool.InstanceType,
		pool.MinInstances,
		pool.MaxInstances,
		pool.CreatedAt,
		pool.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			if constraintName(err) == "instance_pools_name_key" {
				return store.Duplicate("instance pool", "name", pool.Name)
			}
			return store.Duplicate("instance pool", "id", pool.ID.String())
		}
		return store.Unknown("inserting instance pool", err)
	}
	return nil
}

// Get retrieves a pool by ID.
func (s *PoolStore) Get(ctx context.Context, id uuid.UUID) (*models.InstancePool, error) {
	query := `SELECT ` + poolColumns + ` FROM instance_pools WHERE id = $1`

	p, err := scanPool(s.conn().QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, translate("querying instance pool", "instance pool", id, err)
	}
	return p, nil
}

// List retrieves all pools ordered by name.
func (s *PoolStore) List(ctx context.Context) ([]*models.InstancePool, error) {
	rows, err := s.conn().QueryContext(ctx, `SELECT `+poolColumns+` FROM instance_pools ORDER BY name`)
	if err != nil {
		return nil, store.Unknown("listing instance pools", err)
	}
	defer rows.Close()

	var pools []*models.InstancePool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, store.Unknown("scanning instance pool", err)
		}
		pools = append(pools, p)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Unknown("iterating instance pools", err)
	}
	return pools, nil
}

func scanPool(row rowScanner) (*models.InstancePool, error) {
	p := &models.InstancePool{}
	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Description,
		&p.Provider,
		&p.Region,
		&p.InstanceType,
		&p.MinInstances,
		&p.MaxInstances,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}
