package postgres

import (
	"context"
	"fmt"
)

// schema creates every table the store uses. Statements are idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS clusters (
	id UUID PRIMARY KEY,
	name VARCHAR(255) NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT clusters_name_key UNIQUE (name)
);

CREATE TABLE IF NOT EXISTS instance_pools (
	id UUID PRIMARY KEY,
	name VARCHAR(255) NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	provider VARCHAR(16) NOT NULL,
	region VARCHAR(64) NOT NULL,
	instance_type VARCHAR(64) NOT NULL,
	min_instances INTEGER NOT NULL CHECK (min_instances >= 0),
	max_instances INTEGER NOT NULL CHECK (max_instances >= min_instances),
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT instance_pools_name_key UNIQUE (name)
);

CREATE TABLE IF NOT EXISTS cluster_nodes (
	id UUID PRIMARY KEY,
	cluster_id UUID NOT NULL REFERENCES clusters(id) ON DELETE CASCADE,
	instance_pool_id UUID REFERENCES instance_pools(id),
	status VARCHAR(16) NOT NULL,
	heartbeat_timestamp TIMESTAMPTZ NOT NULL,
	memory_mb BIGINT NOT NULL,
	cpu JSONB NOT NULL,
	gpu JSONB,
	assigned_job_id UUID,
	reported_job_id UUID,
	last_confirmed_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT cluster_nodes_busy_check CHECK ((status = 'busy') = (assigned_job_id IS NOT NULL))
);

CREATE INDEX IF NOT EXISTS idx_cluster_nodes_cluster_id ON cluster_nodes(cluster_id);
CREATE INDEX IF NOT EXISTS idx_cluster_nodes_instance_pool_id ON cluster_nodes(instance_pool_id);

CREATE TABLE IF NOT EXISTS training_jobs (
	id UUID PRIMARY KEY,
	name VARCHAR(255) NOT NULL,
	definition TEXT NOT NULL DEFAULT '',
	status VARCHAR(16) NOT NULL,
	node_id UUID,
	queue_id UUID,
	resource_requirements JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_training_jobs_status ON training_jobs(status);
CREATE INDEX IF NOT EXISTS idx_training_jobs_node_id ON training_jobs(node_id);
`

// Migrate applies the schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}
