package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/iago/botfleet/internal/domain"
	_ "modernc.org/sqlite"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

const sqliteJobColumns = `id, tenant_id, kind, payload, status, scheduled_at, cursor_pos,
	total, sent, failed, blocked, cancel_requested, owner_token, lease_until,
	error_message, created_at, updated_at, started_at, completed_at`

// SQLiteStore keeps jobs and recipients in a single SQLite file.
// Times are stored as unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path. Use ":memory:" for an ephemeral store.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writers, which also makes the conditional updates atomic.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	_, _ = db.ExecContext(ctx, "PRAGMA busy_timeout = 5000")
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) CreateJob(ctx context.Context, job *domain.Job) error {
	if err := validateNewJob(job); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, tenant_id, kind, payload, status, scheduled_at, total, created_at, updated_at)
		VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9)
	`,
		job.ID,
		job.TenantID,
		string(job.Kind),
		string(job.Payload),
		string(job.Status),
		millisOrNil(job.ScheduledAt),
		job.Counters.Total,
		job.CreatedAt.UnixMilli(),
		job.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM jobs WHERE id = ?1`, jobID)
	job, err := scanSQLiteJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query job: %w", err)
	}
	return job, nil
}

func (s *SQLiteStore) ListRunnable(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteJobColumns+`
		FROM jobs
		WHERE (
			(status IN ('pending', 'scheduled') AND (scheduled_at IS NULL OR scheduled_at <= ?1))
			OR status = 'in_progress'
		)
		AND (owner_token = '' OR lease_until IS NULL OR lease_until < ?1)
		ORDER BY created_at, id
		LIMIT ?2
	`, now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("list runnable jobs: %w", err)
	}
	return collectSQLiteJobs(rows)
}

func (s *SQLiteStore) ListActive(ctx context.Context, tenantID string) ([]*domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteJobColumns+`
		FROM jobs
		WHERE tenant_id = ?1 AND status IN ('pending', 'scheduled', 'in_progress')
		ORDER BY created_at, id
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	return collectSQLiteJobs(rows)
}

func (s *SQLiteStore) MarkStarted(
	ctx context.Context,
	jobID, owner string,
	leaseUntil, now time.Time,
) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = 'in_progress',
			owner_token = ?2,
			lease_until = ?3,
			started_at = COALESCE(started_at, ?4),
			updated_at = ?4
		WHERE id = ?1
			AND (
				status = 'in_progress'
				OR (status IN ('pending', 'scheduled') AND (scheduled_at IS NULL OR scheduled_at <= ?4))
			)
			AND (owner_token = '' OR owner_token = ?2 OR lease_until IS NULL OR lease_until < ?4)
		RETURNING `+sqliteJobColumns, jobID, owner, leaseUntil.UnixMilli(), now.UnixMilli())
	job, err := scanSQLiteJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mark job started: %w", err)
	}
	current, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := claimable(current, owner, now); err != nil {
		return nil, err
	}
	return nil, ErrNotClaimable
}

func (s *SQLiteStore) SaveProgress(ctx context.Context, update ProgressUpdate) (bool, error) {
	if err := update.Counters.Validate(); err != nil {
		return false, err
	}
	var cancelRequested bool
	err := s.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET total = ?3,
			sent = ?4,
			failed = ?5,
			blocked = ?6,
			cursor_pos = ?7,
			lease_until = ?8,
			updated_at = ?9
		WHERE id = ?1 AND owner_token = ?2 AND status = 'in_progress' AND cursor_pos <= ?7
			AND sent <= ?4 AND failed <= ?5 AND blocked <= ?6
		RETURNING cancel_requested
	`,
		update.JobID,
		update.Owner,
		update.Counters.Total,
		update.Counters.Sent,
		update.Counters.Failed,
		update.Counters.Blocked,
		update.Cursor,
		update.LeaseUntil.UnixMilli(),
		update.Now.UnixMilli(),
	).Scan(&cancelRequested)
	if err == nil {
		return cancelRequested, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("save job progress: %w", err)
	}
	return false, s.explainWrite(ctx, update.JobID, update.Owner, update.Cursor, update.Counters)
}

func (s *SQLiteStore) Finalize(ctx context.Context, update FinalizeUpdate) (*domain.Job, error) {
	if err := validateFinalize(update); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = ?3,
			total = ?4,
			sent = ?5,
			failed = ?6,
			blocked = ?7,
			cursor_pos = ?8,
			error_message = ?9,
			completed_at = ?10,
			updated_at = ?10
		WHERE id = ?1 AND owner_token = ?2 AND status = 'in_progress' AND cursor_pos <= ?8
			AND sent <= ?5 AND failed <= ?6 AND blocked <= ?7
		RETURNING `+sqliteJobColumns,
		update.JobID,
		update.Owner,
		string(update.Status),
		update.Counters.Total,
		update.Counters.Sent,
		update.Counters.Failed,
		update.Counters.Blocked,
		update.Cursor,
		update.ErrorMessage,
		update.Now.UnixMilli(),
	)
	job, err := scanSQLiteJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("finalize job: %w", err)
	}
	return nil, s.explainWrite(ctx, update.JobID, update.Owner, update.Cursor, update.Counters)
}

func (s *SQLiteStore) RequestCancel(ctx context.Context, jobID string, now time.Time) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET cancel_requested = 1,
			status = CASE WHEN status IN ('pending', 'scheduled') THEN 'cancelled' ELSE status END,
			completed_at = CASE WHEN status IN ('pending', 'scheduled') THEN ?2 ELSE completed_at END,
			updated_at = ?2
		WHERE id = ?1 AND status IN ('pending', 'scheduled', 'in_progress')
		RETURNING `+sqliteJobColumns, jobID, now.UnixMilli())
	job, err := scanSQLiteJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cancel job: %w", err)
	}
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return nil, ErrTerminal
}

func (s *SQLiteStore) AcquireLease(ctx context.Context, jobID, owner string, until, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET owner_token = ?2, lease_until = ?3
		WHERE id = ?1
			AND status IN ('pending', 'scheduled', 'in_progress')
			AND (owner_token = '' OR owner_token = ?2 OR lease_until IS NULL OR lease_until < ?4)
	`, jobID, owner, until.UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("acquire job lease: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire job lease: %w", err)
	}
	if affected == 1 {
		return true, nil
	}
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLiteStore) RenewLease(ctx context.Context, jobID, owner string, until, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET lease_until = ?3 WHERE id = ?1 AND owner_token = ?2 AND lease_until >= ?4
	`, jobID, owner, until.UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("renew job lease: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("renew job lease: %w", err)
	}
	return affected == 1, nil
}

func (s *SQLiteStore) ReleaseLease(ctx context.Context, jobID, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET owner_token = '', lease_until = NULL WHERE id = ?1 AND owner_token = ?2
	`, jobID, owner)
	if err != nil {
		return fmt.Errorf("release job lease: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpsertRecipient(
	ctx context.Context,
	tenantID string,
	chatID int64,
	username string,
	now time.Time,
) (bool, error) {
	if chatID == 0 {
		return false, fmt.Errorf("upsert recipient: chat_id is required")
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO recipients (tenant_id, chat_id, username, reachability, created_at, updated_at)
		VALUES (?1, ?2, ?3, 'unknown', ?4, ?4)
		ON CONFLICT (tenant_id, chat_id) DO NOTHING
	`, tenantID, chatID, username, now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("insert recipient: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 1 {
		return true, nil
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE recipients
		SET username = CASE WHEN ?3 <> '' THEN ?3 ELSE username END,
			updated_at = ?4
		WHERE tenant_id = ?1 AND chat_id = ?2
	`, tenantID, chatID, username, now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("update recipient: %w", err)
	}
	return false, nil
}

func (s *SQLiteStore) CountRecipients(ctx context.Context, tenantID string, createdUpTo time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM recipients WHERE tenant_id = ?1 AND created_at <= ?2
	`, tenantID, createdUpTo.UnixMilli()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count recipients: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) ListRecipients(
	ctx context.Context,
	tenantID string,
	createdUpTo time.Time,
	offset, limit int64,
) ([]domain.Recipient, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, chat_id, username, reachability, created_at, updated_at
		FROM recipients
		WHERE tenant_id = ?1 AND created_at <= ?2
		ORDER BY id
		LIMIT ?3 OFFSET ?4
	`, tenantID, createdUpTo.UnixMilli(), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	defer rows.Close()

	items := make([]domain.Recipient, 0, limit)
	for rows.Next() {
		var (
			item         domain.Recipient
			reachability string
			createdAt    int64
			updatedAt    int64
		)
		if err := rows.Scan(&item.ID, &item.TenantID, &item.ChatID, &item.Username, &reachability, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		item.Reachability = domain.Reachability(reachability)
		item.CreatedAt = time.UnixMilli(createdAt).UTC()
		item.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		items = append(items, item)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate recipients: %w", rows.Err())
	}
	return items, nil
}

func (s *SQLiteStore) Reachability(
	ctx context.Context,
	tenantID string,
	chatIDs []int64,
) (map[int64]domain.Reachability, error) {
	const chunkSize = 500

	result := make(map[int64]domain.Reachability, len(chatIDs))
	for start := 0; start < len(chatIDs); start += chunkSize {
		end := start + chunkSize
		if end > len(chatIDs) {
			end = len(chatIDs)
		}
		chunk := chatIDs[start:end]

		args := make([]any, 0, len(chunk)+1)
		args = append(args, tenantID)
		placeholders := make([]string, 0, len(chunk))
		for _, chatID := range chunk {
			args = append(args, chatID)
			placeholders = append(placeholders, "?")
		}
		query := `SELECT chat_id, reachability FROM recipients WHERE tenant_id = ? AND chat_id IN (` +
			strings.Join(placeholders, ",") + `)`

		if err := s.collectReachability(ctx, query, args, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (s *SQLiteStore) collectReachability(ctx context.Context, query string, args []any, into map[int64]domain.Reachability) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query reachability: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			chatID       int64
			reachability string
		)
		if err := rows.Scan(&chatID, &reachability); err != nil {
			return fmt.Errorf("scan reachability: %w", err)
		}
		into[chatID] = domain.Reachability(reachability)
	}
	if rows.Err() != nil {
		return fmt.Errorf("iterate reachability: %w", rows.Err())
	}
	return nil
}

func (s *SQLiteStore) MarkReachability(
	ctx context.Context,
	tenantID string,
	chatID int64,
	reachability domain.Reachability,
	now time.Time,
) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE recipients SET reachability = ?3, updated_at = ?4 WHERE tenant_id = ?1 AND chat_id = ?2
	`, tenantID, chatID, string(reachability), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("mark reachability: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) explainWrite(ctx context.Context, jobID, owner string, cursor int64, counters domain.Counters) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if err := progressWritable(job, owner, cursor, counters); err != nil {
		return err
	}
	return ErrLeaseLost
}

type rowScanner interface {
	Scan(dest ...any) error
}

func collectSQLiteJobs(rows *sql.Rows) ([]*domain.Job, error) {
	defer rows.Close()

	items := make([]*domain.Job, 0)
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
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

func scanSQLiteJob(row rowScanner) (*domain.Job, error) {
	var (
		job         domain.Job
		kind        string
		status      string
		payload     string
		scheduledAt sql.NullInt64
		leaseUntil  sql.NullInt64
		startedAt   sql.NullInt64
		completedAt sql.NullInt64
		createdAt   int64
		updatedAt   int64
	)
	err := row.Scan(
		&job.ID,
		&job.TenantID,
		&kind,
		&payload,
		&status,
		&scheduledAt,
		&job.Cursor,
		&job.Counters.Total,
		&job.Counters.Sent,
		&job.Counters.Failed,
		&job.Counters.Blocked,
		&job.CancelRequested,
		&job.OwnerToken,
		&leaseUntil,
		&job.ErrorMessage,
		&createdAt,
		&updatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Kind = domain.JobKind(kind)
	job.Status = domain.JobStatus(status)
	job.Payload = []byte(payload)
	job.ScheduledAt = millisPtr(scheduledAt)
	job.LeaseUntil = millisPtr(leaseUntil)
	job.StartedAt = millisPtr(startedAt)
	job.CompletedAt = millisPtr(completedAt)
	job.CreatedAt = time.UnixMilli(createdAt).UTC()
	job.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &job, nil
}

func millisOrNil(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UnixMilli()
}

func millisPtr(value sql.NullInt64) *time.Time {
	if !value.Valid {
		return nil
	}
	parsed := time.UnixMilli(value.Int64).UTC()
	return &parsed
}
