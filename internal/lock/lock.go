package lock

import (
	"context"
	"time"

	"github.com/iago/botfleet/internal/repository"
)

// Locker grants a time-bounded exclusive lease on a job id.
// A lease that is not renewed before its ttl elapses may be taken by another owner.
type Locker interface {
	TryAcquire(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error)
	Renew(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, jobID, owner string) error
}

// StoreLocker keeps the lease in the job row itself (owner_token, lease_until).
type StoreLocker struct {
	repo repository.JobsRepository
	now  func() time.Time
}

func NewStoreLocker(repo repository.JobsRepository) *StoreLocker {
	return &StoreLocker{repo: repo, now: time.Now}
}

// WithClock replaces the time source; used by tests to simulate lease expiry.
func (l *StoreLocker) WithClock(now func() time.Time) *StoreLocker {
	l.now = now
	return l
}

func (l *StoreLocker) TryAcquire(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error) {
	now := l.now().UTC()
	return l.repo.AcquireLease(ctx, jobID, owner, now.Add(ttl), now)
}

func (l *StoreLocker) Renew(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error) {
	now := l.now().UTC()
	return l.repo.RenewLease(ctx, jobID, owner, now.Add(ttl), now)
}

func (l *StoreLocker) Release(ctx context.Context, jobID, owner string) error {
	return l.repo.ReleaseLease(ctx, jobID, owner)
}
