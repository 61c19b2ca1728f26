package lock

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/iago/botfleet/internal/domain"
	"github.com/iago/botfleet/internal/repository"
	"github.com/redis/go-redis/v9"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, "test:lock:"), server
}

func newStoreLocker(t *testing.T) (*StoreLocker, *manualClock) {
	t.Helper()
	repo := repository.NewMemoryJobsRepository()
	clock := &manualClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	err := repo.CreateJob(context.Background(), &domain.Job{
		ID:        "job-1",
		TenantID:  "t1",
		Kind:      domain.JobKindBroadcast,
		Payload:   json.RawMessage(`{}`),
		Status:    domain.JobStatusPending,
		CreatedAt: clock.Now(),
		UpdatedAt: clock.Now(),
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return NewStoreLocker(repo).WithClock(clock.Now), clock
}

func TestLockersGrantSingleOwner(t *testing.T) {
	redisLocker, _ := newRedisLocker(t)
	storeLocker, _ := newStoreLocker(t)

	for name, locker := range map[string]Locker{"redis": redisLocker, "store": storeLocker} {
		t.Run(name, func(t *testing.T) {
			var (
				wg      sync.WaitGroup
				winners atomic.Int32
			)
			for i := 0; i < 10; i++ {
				owner := string(rune('a' + i))
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := locker.TryAcquire(context.Background(), "job-1", owner, time.Minute)
					if err != nil {
						t.Errorf("try acquire: %v", err)
						return
					}
					if ok {
						winners.Add(1)
					}
				}()
			}
			wg.Wait()
			if winners.Load() != 1 {
				t.Fatalf("expected exactly one winner, got %d", winners.Load())
			}
		})
	}
}

func TestRedisLockerRenewAndRelease(t *testing.T) {
	locker, server := newRedisLocker(t)
	ctx := context.Background()

	if ok, err := locker.TryAcquire(ctx, "job-1", "w1", time.Second); err != nil || !ok {
		t.Fatalf("expected acquire, got %v err=%v", ok, err)
	}
	if ok, _ := locker.Renew(ctx, "job-1", "w2", time.Minute); ok {
		t.Fatalf("foreign owner must not renew")
	}
	if ok, err := locker.Renew(ctx, "job-1", "w1", time.Minute); err != nil || !ok {
		t.Fatalf("expected renew, got %v err=%v", ok, err)
	}

	server.FastForward(30 * time.Second)
	if ok, _ := locker.TryAcquire(ctx, "job-1", "w2", time.Minute); ok {
		t.Fatalf("renewed lease must still be held")
	}

	if err := locker.Release(ctx, "job-1", "w2"); err != nil {
		t.Fatalf("foreign release: %v", err)
	}
	if !server.Exists("test:lock:job-1") {
		t.Fatalf("foreign release must not delete the lock")
	}
	if err := locker.Release(ctx, "job-1", "w1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := locker.TryAcquire(ctx, "job-1", "w2", time.Minute); !ok {
		t.Fatalf("expected acquire after release")
	}
}

func TestRedisLockerExpiry(t *testing.T) {
	locker, server := newRedisLocker(t)
	ctx := context.Background()

	if ok, _ := locker.TryAcquire(ctx, "job-1", "w1", time.Second); !ok {
		t.Fatalf("expected acquire")
	}
	server.FastForward(2 * time.Second)
	if ok, _ := locker.Renew(ctx, "job-1", "w1", time.Second); ok {
		t.Fatalf("expired lease must not renew")
	}
	if ok, _ := locker.TryAcquire(ctx, "job-1", "w2", time.Second); !ok {
		t.Fatalf("expected takeover after expiry")
	}
}

func TestStoreLockerExpiry(t *testing.T) {
	locker, clock := newStoreLocker(t)
	ctx := context.Background()

	if ok, _ := locker.TryAcquire(ctx, "job-1", "w1", time.Second); !ok {
		t.Fatalf("expected acquire")
	}
	if ok, _ := locker.TryAcquire(ctx, "job-1", "w2", time.Second); ok {
		t.Fatalf("lease must be exclusive")
	}
	clock.Advance(2 * time.Second)
	if ok, _ := locker.Renew(ctx, "job-1", "w1", time.Second); ok {
		t.Fatalf("expired lease must not renew")
	}
	if ok, _ := locker.TryAcquire(ctx, "job-1", "w2", time.Second); !ok {
		t.Fatalf("expected takeover after expiry")
	}
	if err := locker.Release(ctx, "job-1", "w2"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := locker.TryAcquire(ctx, "job-1", "w3", time.Second); !ok {
		t.Fatalf("expected acquire after release")
	}
}
