package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLimiterRejectsNonPositiveRateImmediately(t *testing.T) {
	limiter := NewLimiter(Config{DefaultRate: 10})
	if err := limiter.Configure("t1", 0); !errors.Is(err, ErrInvalidRate) {
		t.Fatalf("expected ErrInvalidRate from Configure, got %v", err)
	}

	start := time.Now()
	err := limiter.Acquire(context.Background(), "t1")
	if !errors.Is(err, ErrInvalidRate) {
		t.Fatalf("expected ErrInvalidRate from Acquire, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("expected immediate failure, took %s", elapsed)
	}
	if _, err := limiter.Rate("t1"); !errors.Is(err, ErrInvalidRate) {
		t.Fatalf("expected Rate to report invalid configuration, got %v", err)
	}
}

func TestLimiterWithoutDefaultRequiresConfiguration(t *testing.T) {
	limiter := NewLimiter(Config{})
	if err := limiter.Acquire(context.Background(), "unknown"); !errors.Is(err, ErrInvalidRate) {
		t.Fatalf("expected ErrInvalidRate for unconfigured tenant, got %v", err)
	}
}

func TestLimiterEnforcesRateAfterBurst(t *testing.T) {
	const (
		ratePerSecond = 50.0
		entries       = 60
		burst         = 50
	)
	limiter := NewLimiter(Config{})
	if err := limiter.Configure("t1", ratePerSecond); err != nil {
		t.Fatalf("configure: %v", err)
	}

	start := time.Now()
	for i := 0; i < entries; i++ {
		if err := limiter.Acquire(context.Background(), "t1"); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	elapsed := time.Since(start)

	minimum := time.Duration(float64(entries-burst) / ratePerSecond * float64(time.Second))
	// Allow a small scheduling tolerance below the theoretical bound.
	if elapsed < minimum-20*time.Millisecond {
		t.Fatalf("expected at least %s for %d permits, took %s", minimum, entries, elapsed)
	}
}

func TestLimiterSharedAcrossConcurrentCallers(t *testing.T) {
	limiter := NewLimiter(Config{})
	if err := limiter.Configure("t1", 100); err != nil {
		t.Fatalf("configure: %v", err)
	}

	var (
		wg      sync.WaitGroup
		granted atomic.Int64
	)
	start := time.Now()
	for worker := 0; worker < 4; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 40; i++ {
				if err := limiter.Acquire(context.Background(), "t1"); err != nil {
					t.Errorf("acquire: %v", err)
					return
				}
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	if granted.Load() != 160 {
		t.Fatalf("expected 160 permits, got %d", granted.Load())
	}
	// 160 permits with burst 100 at 100/s need at least ~600ms.
	if elapsed := time.Since(start); elapsed < 550*time.Millisecond {
		t.Fatalf("expected shared bucket to throttle all callers, took %s", elapsed)
	}
}

func TestLimiterStarvationIsRetryable(t *testing.T) {
	limiter := NewLimiter(Config{MaxWait: 30 * time.Millisecond})
	if err := limiter.Configure("t1", 1); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := limiter.Acquire(context.Background(), "t1"); err != nil {
		t.Fatalf("first acquire should use the burst token: %v", err)
	}
	err := limiter.Acquire(context.Background(), "t1")
	if !errors.Is(err, ErrStarved) {
		t.Fatalf("expected ErrStarved, got %v", err)
	}
}

func TestLimiterHonorsCallerCancellation(t *testing.T) {
	limiter := NewLimiter(Config{MaxWait: time.Minute})
	if err := limiter.Configure("t1", 1); err != nil {
		t.Fatalf("configure: %v", err)
	}
	_ = limiter.Acquire(context.Background(), "t1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := limiter.Acquire(ctx, "t1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestLimiterReconfigureKeepsBucket(t *testing.T) {
	limiter := NewLimiter(Config{})
	if err := limiter.Configure("t1", 5); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := limiter.Configure("t1", 20); err != nil {
		t.Fatalf("reconfigure: %v", err)
	}
	got, err := limiter.Rate("t1")
	if err != nil || got != 20 {
		t.Fatalf("expected rate 20, got %v err=%v", got, err)
	}
}
