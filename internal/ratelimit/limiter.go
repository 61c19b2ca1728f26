package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	ErrInvalidRate = errors.New("rate limit must be positive")
	// ErrStarved means no token became available within MaxWait. Callers should retry later.
	ErrStarved = errors.New("rate limiter starved")
)

type Config struct {
	DefaultRate float64
	MaxWait     time.Duration
}

type bucket struct {
	rate    float64
	limiter *rate.Limiter
}

// Limiter gates outbound operations per tenant with a token bucket.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
	config  Config
}

func NewLimiter(cfg Config) *Limiter {
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 30 * time.Second
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		config:  cfg,
	}
}

// Configure sets the tenant ceiling. A non-positive rate is stored so that
// subsequent Acquire calls fail fast with ErrInvalidRate.
func (l *Limiter) Configure(tenantID string, ratePerSecond float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ratePerSecond <= 0 || math.IsNaN(ratePerSecond) || math.IsInf(ratePerSecond, 0) {
		l.buckets[tenantID] = &bucket{rate: 0}
		return fmt.Errorf("%w: tenant=%s rate=%v", ErrInvalidRate, tenantID, ratePerSecond)
	}

	burst := burstFor(ratePerSecond)
	existing, ok := l.buckets[tenantID]
	if ok && existing.limiter != nil {
		existing.limiter.SetLimit(rate.Limit(ratePerSecond))
		existing.limiter.SetBurst(burst)
		existing.rate = ratePerSecond
		return nil
	}
	l.buckets[tenantID] = &bucket{
		rate:    ratePerSecond,
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst),
	}
	return nil
}

// Rate returns the effective rate of a tenant, or ErrInvalidRate.
func (l *Limiter) Rate(tenantID string) (float64, error) {
	b, err := l.bucketFor(tenantID)
	if err != nil {
		return 0, err
	}
	return b.rate, nil
}

// Acquire blocks until a permit for tenantID is available.
func (l *Limiter) Acquire(ctx context.Context, tenantID string) error {
	b, err := l.bucketFor(tenantID)
	if err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, l.config.MaxWait)
	defer cancel()

	if err := b.limiter.Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: tenant=%s: %v", ErrStarved, tenantID, err)
	}
	return nil
}

func (l *Limiter) bucketFor(tenantID string) (*bucket, error) {
	l.mu.RLock()
	b, ok := l.buckets[tenantID]
	l.mu.RUnlock()
	if ok {
		if b.limiter == nil {
			return nil, fmt.Errorf("%w: tenant=%s", ErrInvalidRate, tenantID)
		}
		return b, nil
	}

	if l.config.DefaultRate <= 0 {
		return nil, fmt.Errorf("%w: tenant=%s has no rate configured", ErrInvalidRate, tenantID)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[tenantID]; ok {
		if b.limiter == nil {
			return nil, fmt.Errorf("%w: tenant=%s", ErrInvalidRate, tenantID)
		}
		return b, nil
	}
	b = &bucket{
		rate:    l.config.DefaultRate,
		limiter: rate.NewLimiter(rate.Limit(l.config.DefaultRate), burstFor(l.config.DefaultRate)),
	}
	l.buckets[tenantID] = b
	return b, nil
}

func burstFor(ratePerSecond float64) int {
	burst := int(math.Floor(ratePerSecond))
	if burst < 1 {
		return 1
	}
	return burst
}
