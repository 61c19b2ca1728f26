package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/iago/botfleet/internal/domain"
)

var (
	ErrNotFound = errors.New("resource not found")
	// ErrTerminal is returned for any mutation of a completed, failed or cancelled job.
	ErrTerminal      = errors.New("job is terminal")
	ErrLeaseLost     = errors.New("job lease lost")
	ErrCursorRegress = errors.New("job cursor cannot decrease")
	// ErrCounterRegress is returned when a write would lower sent, failed or blocked.
	ErrCounterRegress = errors.New("job counters cannot decrease")
	ErrNotClaimable   = errors.New("job is not claimable")
)

// ProgressUpdate is the single write performed after each delivered batch.
type ProgressUpdate struct {
	JobID      string
	Owner      string
	Counters   domain.Counters
	Cursor     int64
	LeaseUntil time.Time
	Now        time.Time
}

type FinalizeUpdate struct {
	JobID        string
	Owner        string
	Status       domain.JobStatus
	Counters     domain.Counters
	Cursor       int64
	ErrorMessage string
	Now          time.Time
}

// JobsRepository abstracts job persistence, progress checkpoints and row leases.
type JobsRepository interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	ListRunnable(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error)
	ListActive(ctx context.Context, tenantID string) ([]*domain.Job, error)

	// MarkStarted moves a claimable job to in_progress and stamps owner as its fencing token.
	MarkStarted(ctx context.Context, jobID, owner string, leaseUntil, now time.Time) (*domain.Job, error)
	// SaveProgress persists counters and cursor and reports whether cancellation was requested.
	SaveProgress(ctx context.Context, update ProgressUpdate) (bool, error)
	Finalize(ctx context.Context, update FinalizeUpdate) (*domain.Job, error)
	RequestCancel(ctx context.Context, jobID string, now time.Time) (*domain.Job, error)

	AcquireLease(ctx context.Context, jobID, owner string, until, now time.Time) (bool, error)
	RenewLease(ctx context.Context, jobID, owner string, until, now time.Time) (bool, error)
	ReleaseLease(ctx context.Context, jobID, owner string) error

	Ping(ctx context.Context) error
}

// MemoryJobsRepository stores jobs in memory for local development and tests.
type MemoryJobsRepository struct {
	mu   sync.RWMutex
	jobs map[string]*domain.Job
}

func NewMemoryJobsRepository() *MemoryJobsRepository {
	return &MemoryJobsRepository{
		jobs: make(map[string]*domain.Job),
	}
}

func (r *MemoryJobsRepository) CreateJob(_ context.Context, job *domain.Job) error {
	if err := validateNewJob(job); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[job.ID]; exists {
		return fmt.Errorf("insert job: duplicate id %s", job.ID)
	}
	r.jobs[job.ID] = job.Clone()
	return nil
}

func (r *MemoryJobsRepository) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

func (r *MemoryJobsRepository) ListRunnable(_ context.Context, now time.Time, limit int) ([]*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	items := make([]*domain.Job, 0)
	for _, job := range r.jobs {
		if job.Runnable(now) {
			items = append(items, job.Clone())
		}
	}
	sortByCreated(items)
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (r *MemoryJobsRepository) ListActive(_ context.Context, tenantID string) ([]*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	items := make([]*domain.Job, 0)
	for _, job := range r.jobs {
		if job.TenantID != tenantID || job.Status.Terminal() {
			continue
		}
		items = append(items, job.Clone())
	}
	sortByCreated(items)
	return items, nil
}

func (r *MemoryJobsRepository) MarkStarted(
	_ context.Context,
	jobID, owner string,
	leaseUntil, now time.Time,
) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	if err := claimable(job, owner, now); err != nil {
		return nil, err
	}

	job.Status = domain.JobStatusInProgress
	job.OwnerToken = owner
	job.LeaseUntil = timePtr(leaseUntil)
	if job.StartedAt == nil {
		job.StartedAt = timePtr(now)
	}
	job.UpdatedAt = now
	return job.Clone(), nil
}

func (r *MemoryJobsRepository) SaveProgress(_ context.Context, update ProgressUpdate) (bool, error) {
	if err := update.Counters.Validate(); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[update.JobID]
	if !ok {
		return false, ErrNotFound
	}
	if err := progressWritable(job, update.Owner, update.Cursor, update.Counters); err != nil {
		return false, err
	}

	job.Counters = update.Counters
	job.Cursor = update.Cursor
	job.LeaseUntil = timePtr(update.LeaseUntil)
	job.UpdatedAt = update.Now
	return job.CancelRequested, nil
}

func (r *MemoryJobsRepository) Finalize(_ context.Context, update FinalizeUpdate) (*domain.Job, error) {
	if err := validateFinalize(update); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[update.JobID]
	if !ok {
		return nil, ErrNotFound
	}
	if err := progressWritable(job, update.Owner, update.Cursor, update.Counters); err != nil {
		return nil, err
	}

	job.Status = update.Status
	job.Counters = update.Counters
	job.Cursor = update.Cursor
	job.ErrorMessage = update.ErrorMessage
	job.CompletedAt = timePtr(update.Now)
	job.UpdatedAt = update.Now
	return job.Clone(), nil
}

func (r *MemoryJobsRepository) RequestCancel(_ context.Context, jobID string, now time.Time) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	switch job.Status {
	case domain.JobStatusPending, domain.JobStatusScheduled:
		job.Status = domain.JobStatusCancelled
		job.CancelRequested = true
		job.CompletedAt = timePtr(now)
	case domain.JobStatusInProgress:
		job.CancelRequested = true
	default:
		return nil, ErrTerminal
	}
	job.UpdatedAt = now
	return job.Clone(), nil
}

func (r *MemoryJobsRepository) AcquireLease(_ context.Context, jobID, owner string, until, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return false, ErrNotFound
	}
	if job.Status.Terminal() {
		return false, nil
	}
	if job.OwnerToken != owner && !job.LeaseExpired(now) {
		return false, nil
	}
	job.OwnerToken = owner
	job.LeaseUntil = timePtr(until)
	return true, nil
}

func (r *MemoryJobsRepository) RenewLease(_ context.Context, jobID, owner string, until, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return false, ErrNotFound
	}
	if job.OwnerToken != owner || job.LeaseUntil == nil || job.LeaseUntil.Before(now) {
		return false, nil
	}
	job.LeaseUntil = timePtr(until)
	return true, nil
}

func (r *MemoryJobsRepository) ReleaseLease(_ context.Context, jobID, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if job.OwnerToken == owner {
		job.OwnerToken = ""
		job.LeaseUntil = nil
	}
	return nil
}

func (r *MemoryJobsRepository) Ping(context.Context) error {
	return nil
}

func validateNewJob(job *domain.Job) error {
	if job == nil || job.ID == "" || job.TenantID == "" {
		return fmt.Errorf("insert job: id and tenant_id are required")
	}
	if !job.Kind.Valid() {
		return fmt.Errorf("insert job: %w: %q", domain.ErrUnknownKind, job.Kind)
	}
	if job.Status != domain.JobStatusPending && job.Status != domain.JobStatusScheduled {
		return fmt.Errorf("insert job: %w: initial status %q", domain.ErrInvalidTransition, job.Status)
	}
	return job.Counters.Validate()
}

func validateFinalize(update FinalizeUpdate) error {
	if !update.Status.Terminal() {
		return fmt.Errorf("finalize job: %w: %q is not terminal", domain.ErrInvalidTransition, update.Status)
	}
	return update.Counters.Validate()
}

// claimable is the guard shared by every MarkStarted implementation.
func claimable(job *domain.Job, owner string, now time.Time) error {
	if job.Status.Terminal() {
		return ErrTerminal
	}
	if !domain.CanTransition(job.Status, domain.JobStatusInProgress) {
		return ErrNotClaimable
	}
	if job.Status != domain.JobStatusInProgress && !job.Due(now) {
		return ErrNotClaimable
	}
	if job.OwnerToken != "" && job.OwnerToken != owner && !job.LeaseExpired(now) {
		return ErrLeaseLost
	}
	return nil
}

// progressWritable classifies why a fenced write would be rejected.
func progressWritable(job *domain.Job, owner string, cursor int64, counters domain.Counters) error {
	if job.Status.Terminal() {
		return ErrTerminal
	}
	if job.Status != domain.JobStatusInProgress || job.OwnerToken != owner {
		return ErrLeaseLost
	}
	if cursor < job.Cursor {
		return fmt.Errorf("%w: stored=%d next=%d", ErrCursorRegress, job.Cursor, cursor)
	}
	if !job.Counters.NonDecreasing(counters) {
		return fmt.Errorf("%w: stored=%+v next=%+v", ErrCounterRegress, job.Counters, counters)
	}
	return nil
}

func sortByCreated(items []*domain.Job) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}

func timePtr(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	return &value
}
