package repository

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/iago/botfleet/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema_postgres.sql
var postgresSchema string

const jobColumns = `id, tenant_id, kind, payload, status, scheduled_at, cursor_pos,
	total, sent, failed, blocked, cancel_requested, owner_token, lease_until,
	error_message, created_at, updated_at, started_at, completed_at`

type PostgresJobsRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresJobsRepository(ctx context.Context, databaseURL string) (*PostgresJobsRepository, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	return &PostgresJobsRepository{pool: pool}, nil
}

// EnsureSchema applies the embedded bootstrap DDL; every statement is idempotent.
func (r *PostgresJobsRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply pg schema: %w", err)
	}
	return nil
}

// Audience returns the recipient store backed by the same pool.
func (r *PostgresJobsRepository) Audience() *PostgresAudienceRepository {
	return &PostgresAudienceRepository{pool: r.pool}
}

func (r *PostgresJobsRepository) Close() {
	r.pool.Close()
}

func (r *PostgresJobsRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *PostgresJobsRepository) CreateJob(ctx context.Context, job *domain.Job) error {
	if err := validateNewJob(job); err != nil {
		return err
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO jobs (
			id,
			tenant_id,
			kind,
			payload,
			status,
			scheduled_at,
			total,
			created_at,
			updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`,
		job.ID,
		job.TenantID,
		string(job.Kind),
		[]byte(job.Payload),
		string(job.Status),
		job.ScheduledAt,
		job.Counters.Total,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (r *PostgresJobsRepository) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	job, err := scanPostgresJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query job: %w", err)
	}
	return job, nil
}

func (r *PostgresJobsRepository) ListRunnable(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE (
			(status IN ('pending', 'scheduled') AND (scheduled_at IS NULL OR scheduled_at <= $1))
			OR status = 'in_progress'
		)
		AND (owner_token = '' OR lease_until IS NULL OR lease_until < $1)
		ORDER BY created_at, id
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list runnable jobs: %w", err)
	}
	return collectPostgresJobs(rows)
}

func (r *PostgresJobsRepository) ListActive(ctx context.Context, tenantID string) ([]*domain.Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE tenant_id = $1 AND status IN ('pending', 'scheduled', 'in_progress')
		ORDER BY created_at, id
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	return collectPostgresJobs(rows)
}

func (r *PostgresJobsRepository) MarkStarted(
	ctx context.Context,
	jobID, owner string,
	leaseUntil, now time.Time,
) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'in_progress',
			owner_token = $2,
			lease_until = $3,
			started_at = COALESCE(started_at, $4),
			updated_at = $4
		WHERE id = $1
			AND (
				status = 'in_progress'
				OR (status IN ('pending', 'scheduled') AND (scheduled_at IS NULL OR scheduled_at <= $4))
			)
			AND (owner_token = '' OR owner_token = $2 OR lease_until IS NULL OR lease_until < $4)
		RETURNING `+jobColumns, jobID, owner, leaseUntil, now)
	job, err := scanPostgresJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("mark job started: %w", err)
	}
	return nil, r.explainClaim(ctx, jobID, owner, now)
}

func (r *PostgresJobsRepository) SaveProgress(ctx context.Context, update ProgressUpdate) (bool, error) {
	if err := update.Counters.Validate(); err != nil {
		return false, err
	}
	var cancelRequested bool
	err := r.pool.QueryRow(ctx, `
		UPDATE jobs
		SET total = $3,
			sent = $4,
			failed = $5,
			blocked = $6,
			cursor_pos = $7,
			lease_until = $8,
			updated_at = $9
		WHERE id = $1 AND owner_token = $2 AND status = 'in_progress' AND cursor_pos <= $7
			AND sent <= $4 AND failed <= $5 AND blocked <= $6
		RETURNING cancel_requested
	`,
		update.JobID,
		update.Owner,
		update.Counters.Total,
		update.Counters.Sent,
		update.Counters.Failed,
		update.Counters.Blocked,
		update.Cursor,
		update.LeaseUntil,
		update.Now,
	).Scan(&cancelRequested)
	if err == nil {
		return cancelRequested, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("save job progress: %w", err)
	}
	return false, r.explainWrite(ctx, update.JobID, update.Owner, update.Cursor, update.Counters)
}

func (r *PostgresJobsRepository) Finalize(ctx context.Context, update FinalizeUpdate) (*domain.Job, error) {
	if err := validateFinalize(update); err != nil {
		return nil, err
	}
	row := r.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $3,
			total = $4,
			sent = $5,
			failed = $6,
			blocked = $7,
			cursor_pos = $8,
			error_message = $9,
			completed_at = $10,
			updated_at = $10
		WHERE id = $1 AND owner_token = $2 AND status = 'in_progress' AND cursor_pos <= $8
			AND sent <= $5 AND failed <= $6 AND blocked <= $7
		RETURNING `+jobColumns,
		update.JobID,
		update.Owner,
		string(update.Status),
		update.Counters.Total,
		update.Counters.Sent,
		update.Counters.Failed,
		update.Counters.Blocked,
		update.Cursor,
		update.ErrorMessage,
		update.Now,
	)
	job, err := scanPostgresJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("finalize job: %w", err)
	}
	return nil, r.explainWrite(ctx, update.JobID, update.Owner, update.Cursor, update.Counters)
}

func (r *PostgresJobsRepository) RequestCancel(ctx context.Context, jobID string, now time.Time) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE jobs
		SET cancel_requested = TRUE,
			status = CASE WHEN status IN ('pending', 'scheduled') THEN 'cancelled' ELSE status END,
			completed_at = CASE WHEN status IN ('pending', 'scheduled') THEN $2 ELSE completed_at END,
			updated_at = $2
		WHERE id = $1 AND status IN ('pending', 'scheduled', 'in_progress')
		RETURNING `+jobColumns, jobID, now)
	job, err := scanPostgresJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("cancel job: %w", err)
	}
	if _, err := r.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return nil, ErrTerminal
}

func (r *PostgresJobsRepository) AcquireLease(ctx context.Context, jobID, owner string, until, now time.Time) (bool, error) {
	command, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET owner_token = $2, lease_until = $3
		WHERE id = $1
			AND status IN ('pending', 'scheduled', 'in_progress')
			AND (owner_token = '' OR owner_token = $2 OR lease_until IS NULL OR lease_until < $4)
	`, jobID, owner, until, now)
	if err != nil {
		return false, fmt.Errorf("acquire job lease: %w", err)
	}
	if command.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := r.GetJob(ctx, jobID); err != nil {
		return false, err
	}
	return false, nil
}

func (r *PostgresJobsRepository) RenewLease(ctx context.Context, jobID, owner string, until, now time.Time) (bool, error) {
	command, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET lease_until = $3
		WHERE id = $1 AND owner_token = $2 AND lease_until >= $4
	`, jobID, owner, until, now)
	if err != nil {
		return false, fmt.Errorf("renew job lease: %w", err)
	}
	return command.RowsAffected() == 1, nil
}

func (r *PostgresJobsRepository) ReleaseLease(ctx context.Context, jobID, owner string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET owner_token = '', lease_until = NULL
		WHERE id = $1 AND owner_token = $2
	`, jobID, owner)
	if err != nil {
		return fmt.Errorf("release job lease: %w", err)
	}
	return nil
}

func (r *PostgresJobsRepository) explainClaim(ctx context.Context, jobID, owner string, now time.Time) error {
	job, err := r.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if err := claimable(job, owner, now); err != nil {
		return err
	}
	return ErrNotClaimable
}

func (r *PostgresJobsRepository) explainWrite(ctx context.Context, jobID, owner string, cursor int64, counters domain.Counters) error {
	job, err := r.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if err := progressWritable(job, owner, cursor, counters); err != nil {
		return err
	}
	return ErrLeaseLost
}

func collectPostgresJobs(rows pgx.Rows) ([]*domain.Job, error) {
	defer rows.Close()

	items := make([]*domain.Job, 0)
	for rows.Next() {
		job, err := scanPostgresJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		items = append(items, job)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate jobs: %w", rows.Err())
	}
	return items, nil
}

func scanPostgresJob(row pgx.Row) (*domain.Job, error) {
	var (
		job     domain.Job
		kind    string
		status  string
		payload []byte
	)
	err := row.Scan(
		&job.ID,
		&job.TenantID,
		&kind,
		&payload,
		&status,
		&job.ScheduledAt,
		&job.Cursor,
		&job.Counters.Total,
		&job.Counters.Sent,
		&job.Counters.Failed,
		&job.Counters.Blocked,
		&job.CancelRequested,
		&job.OwnerToken,
		&job.LeaseUntil,
		&job.ErrorMessage,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.StartedAt,
		&job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Kind = domain.JobKind(kind)
	job.Status = domain.JobStatus(status)
	job.Payload = payload
	return &job, nil
}
