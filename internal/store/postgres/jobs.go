package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/narvanalabs/fleet/internal/models"
	"github.com/narvanalabs/fleet/internal/store"
)

// JobStore implements store.JobStore using PostgreSQL.
type JobStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

func (s *JobStore) conn() queryable {
	return conn(s.db, s.tx)
}

const jobColumns = `id, name, definition, status, node_id, queue_id, resource_requirements, created_at, updated_at`

// Create creates a new training job.
func (s *JobStore) Create(ctx context.Context, job *models.TrainingJob) error {
	reqJSON, err := json.Marshal(job.ResourceRequirements)
	if err != nil {
		return fmt.Errorf("marshaling resource requirements: %w", err)
	}

	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = now
	}

	query := `INSERT INTO training_jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err = s.conn().ExecContext(ctx, query,
		job.ID,
		job.Name,
		job.Definition,
		job.Status,
		job.NodeID,
		job.QueueID,
		reqJSON,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.Duplicate("training job", "id", job.ID.String())
		}
		return store.Unknown("inserting training job", err)
	}
	return nil
}

// Get retrieves a job by ID.
func (s *JobStore) Get(ctx context.Context, id uuid.UUID) (*models.TrainingJob, error) {
	query := `SELECT ` + jobColumns + ` FROM training_jobs WHERE id = $1`

	job, err := scanJob(s.conn().QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, translate("querying training job", "training job", id, err)
	}
	return job, nil
}

// List retrieves jobs matching the filter, oldest first.
func (s *JobStore) List(ctx context.Context, filter models.JobFilter) ([]*models.TrainingJob, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.NodeID != nil {
		args = append(args, *filter.NodeID)
		where = append(where, fmt.Sprintf("node_id = $%d", len(args)))
	}
	if filter.QueueID != nil {
		args = append(args, *filter.QueueID)
		where = append(where, fmt.Sprintf("queue_id = $%d", len(args)))
	}

	query := `SELECT ` + jobColumns + ` FROM training_jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`

	return s.query(ctx, query, args...)
}

// ListByIDs retrieves the jobs with the given IDs. Unknown IDs are skipped.
func (s *JobStore) ListByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.TrainingJob, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}

	query := `SELECT ` + jobColumns + ` FROM training_jobs WHERE id = ANY($1::uuid[]) ORDER BY created_at, id`
	return s.query(ctx, query, pq.Array(strs))
}

func (s *JobStore) query(ctx context.Context, query string, args ...any) ([]*models.TrainingJob, error) {
	rows, err := s.conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.Unknown("listing training jobs", err)
	}
	defer rows.Close()

	var jobs []*models.TrainingJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, store.Unknown("scanning training job", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Unknown("iterating training jobs", err)
	}
	return jobs, nil
}

// Update overwrites the mutable fields of a job.
func (s *JobStore) Update(ctx context.Context, job *models.TrainingJob) error {
	query := `
		UPDATE training_jobs
		SET status = $2, node_id = $3, updated_at = $4
		WHERE id = $1`

	result, err := s.conn().ExecContext(ctx, query, job.ID, job.Status, job.NodeID, job.UpdatedAt)
	if err != nil {
		return store.Unknown("updating training job", err)
	}
	return expectOne(result, "training job", job.ID)
}

func scanJob(row rowScanner) (*models.TrainingJob, error) {
	var (
		job     models.TrainingJob
		nodeID  uuid.NullUUID
		queueID uuid.NullUUID
		reqJSON []byte
	)

	err := row.Scan(
		&job.ID,
		&job.Name,
		&job.Definition,
		&job.Status,
		&nodeID,
		&queueID,
		&reqJSON,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(reqJSON, &job.ResourceRequirements); err != nil {
		return nil, fmt.Errorf("unmarshaling resource requirements: %w", err)
	}
	job.NodeID = fromNull(nodeID)
	job.QueueID = fromNull(queueID)
	return &job, nil
}
