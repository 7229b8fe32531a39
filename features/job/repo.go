package job

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type Repository interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// Start claims a waiting or redelivered job. It reports false when the
	// job is missing or already terminal.
	Start(ctx context.Context, id string, leaseUntil time.Time) (bool, error)
	Advance(ctx context.Context, id string, stage Stage, progress int) error
	RenewLease(ctx context.Context, id string, leaseUntil time.Time) error
	MarkCompleted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, reason string) error
	ListFailed(ctx context.Context) ([]Job, error)
	ResetForRetry(ctx context.Context, id string) (bool, error)
	Purge(ctx context.Context, finishedBefore time.Time) (int64, error)
	CountByState(ctx context.Context) (map[State]int, error)
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const jobColumns = `id, file_name, destination, path, state, stage, progress, error, attempts, lease_expires_at, created_at, updated_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var (
		j        Job
		errMsg   sql.NullString
		lease    sql.NullTime
		finished sql.NullTime
	)
	if err := row.Scan(&j.ID, &j.FileName, &j.Destination, &j.Path, &j.State, &j.Stage, &j.Progress, &errMsg, &j.Attempts, &lease, &j.CreatedAt, &j.UpdatedAt, &finished); err != nil {
		return nil, err
	}
	j.Error = errMsg.String
	if lease.Valid {
		j.LeaseExpiresAt = &lease.Time
	}
	if finished.Valid {
		j.FinishedAt = &finished.Time
	}
	return &j, nil
}

func (r *PostgresRepo) Create(ctx context.Context, job *Job) error {
	query := `INSERT INTO ingestion_jobs (id, file_name, destination, path, state, stage, progress) VALUES ($1, $2, $3, $4, $5, $6, 0) RETURNING created_at, updated_at`
	job.State = StateWaiting
	job.Stage = StageQueued
	job.Progress = 0
	return r.db.QueryRowContext(ctx, query, job.ID, job.FileName, job.Destination, job.Path, job.State, job.Stage).Scan(&job.CreatedAt, &job.UpdatedAt)
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM ingestion_jobs WHERE id = $1`
	j, err := scanJob(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return j, err
}

func (r *PostgresRepo) Start(ctx context.Context, id string, leaseUntil time.Time) (bool, error) {
	query := `UPDATE ingestion_jobs SET state = 'active', stage = 'loading', attempts = attempts + 1, progress = GREATEST(progress, 10), error = NULL, lease_expires_at = $2, updated_at = NOW() WHERE id = $1 AND state IN ('waiting', 'active')`
	res, err := r.db.ExecContext(ctx, query, id, leaseUntil)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Advance never lowers progress and keeps it below 100 until completion.
func (r *PostgresRepo) Advance(ctx context.Context, id string, stage Stage, progress int) error {
	query := `UPDATE ingestion_jobs SET stage = $2, progress = GREATEST(progress, LEAST($3, 99)), updated_at = NOW() WHERE id = $1 AND state = 'active'`
	_, err := r.db.ExecContext(ctx, query, id, stage, progress)
	return err
}

func (r *PostgresRepo) RenewLease(ctx context.Context, id string, leaseUntil time.Time) error {
	query := `UPDATE ingestion_jobs SET lease_expires_at = $2, updated_at = NOW() WHERE id = $1 AND state = 'active'`
	_, err := r.db.ExecContext(ctx, query, id, leaseUntil)
	return err
}

func (r *PostgresRepo) MarkCompleted(ctx context.Context, id string) error {
	query := `UPDATE ingestion_jobs SET state = 'completed', stage = 'completed', progress = 100, lease_expires_at = NULL, finished_at = NOW(), updated_at = NOW() WHERE id = $1 AND state = 'active'`
	_, err := r.db.ExecContext(ctx, query, id)
	return err
}

func (r *PostgresRepo) MarkFailed(ctx context.Context, id string, reason string) error {
	query := `UPDATE ingestion_jobs SET state = 'failed', stage = 'failed', error = $2, lease_expires_at = NULL, finished_at = NOW(), updated_at = NOW() WHERE id = $1 AND state IN ('waiting', 'active')`
	_, err := r.db.ExecContext(ctx, query, id, reason)
	return err
}

func (r *PostgresRepo) ListFailed(ctx context.Context) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM ingestion_jobs WHERE state = 'failed' ORDER BY finished_at DESC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (r *PostgresRepo) ResetForRetry(ctx context.Context, id string) (bool, error) {
	query := `UPDATE ingestion_jobs SET state = 'waiting', stage = 'queued', progress = 0, error = NULL, attempts = 0, finished_at = NULL, updated_at = NOW() WHERE id = $1 AND state = 'failed'`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *PostgresRepo) Purge(ctx context.Context, finishedBefore time.Time) (int64, error) {
	query := `DELETE FROM ingestion_jobs WHERE state IN ('completed', 'failed') AND finished_at < $1`
	res, err := r.db.ExecContext(ctx, query, finishedBefore)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *PostgresRepo) CountByState(ctx context.Context) (map[State]int, error) {
	query := `SELECT state, COUNT(*) FROM ingestion_jobs GROUP BY state`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[State]int{
		StateWaiting:   0,
		StateActive:    0,
		StateCompleted: 0,
		StateFailed:    0,
	}
	for rows.Next() {
		var s State
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		counts[s] = n
	}
	return counts, rows.Err()
}
