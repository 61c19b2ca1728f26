package executor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/iago/botfleet/internal/domain"
	"github.com/iago/botfleet/internal/eventbus"
	"github.com/iago/botfleet/internal/lock"
	"github.com/iago/botfleet/internal/ratelimit"
	"github.com/iago/botfleet/internal/repository"
	"github.com/iago/botfleet/internal/sender"
	"github.com/rs/zerolog"
)

var (
	ErrNoStrategy = errors.New("no strategy registered for job kind")
	ErrLeaseLost  = errors.New("lease lost during execution")
)

type Config struct {
	BatchSize   int
	LeaseTTL    time.Duration
	MaxAttempts int
	RetryBase   time.Duration
	RetryMax    time.Duration
	// PersistTimeout bounds the final checkpoint written after the run context is cancelled.
	PersistTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 10 * time.Second
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 5 * time.Second
	}
	return c
}

// RateLimiter is the subset of ratelimit.Limiter the executor depends on.
type RateLimiter interface {
	Acquire(ctx context.Context, tenantID string) error
}

// Result is the outcome of one Run. An empty Status means the run yielded
// without a terminal decision and the job will be re-claimed later; that includes
// a run that stopped mid-batch because its lease could not be renewed.
type Result struct {
	Status   domain.JobStatus
	Counters domain.Counters
	Cursor   int64
	Err      error
}

func (r Result) Yielded() bool {
	return r.Status == ""
}

// LeaseLost reports whether the run stopped because another owner may hold the job.
func (r Result) LeaseLost() bool {
	return errors.Is(r.Err, ErrLeaseLost)
}

type Dependencies struct {
	Jobs       repository.JobsRepository
	Locker     lock.Locker
	Limiter    RateLimiter
	Bus        eventbus.Bus
	Strategies []Strategy
	Logger     zerolog.Logger
	Now        func() time.Time
}

// Executor runs one claimed job from its persisted cursor to a terminal state.
type Executor struct {
	jobs       repository.JobsRepository
	locker     lock.Locker
	limiter    RateLimiter
	bus        eventbus.Bus
	strategies map[domain.JobKind]Strategy
	config     Config
	logger     zerolog.Logger
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

func New(deps Dependencies, cfg Config) *Executor {
	strategies := make(map[domain.JobKind]Strategy, len(deps.Strategies))
	for _, strategy := range deps.Strategies {
		strategies[strategy.Kind()] = strategy
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Executor{
		jobs:       deps.Jobs,
		locker:     deps.Locker,
		limiter:    deps.Limiter,
		bus:        deps.Bus,
		strategies: strategies,
		config:     cfg.withDefaults(),
		logger:     deps.Logger.With().Str("component", "executor").Logger(),
		now:        now,
		sleep:      sleepContext,
	}
}

// LeaseTTL is the lease duration the executor keeps renewing.
func (e *Executor) LeaseTTL() time.Duration {
	return e.config.LeaseTTL
}

type run struct {
	job      *domain.Job
	owner    string
	counters domain.Counters
	cursor   int64
	logger   zerolog.Logger

	// leaseUntil is the last lease deadline this run secured, in unix nanoseconds. Zero means unbounded.
	leaseUntil atomic.Int64
}

func (r *run) extendLease(until time.Time) {
	r.leaseUntil.Store(until.UnixNano())
}

func (r *run) leaseValid(now time.Time) bool {
	until := r.leaseUntil.Load()
	return until == 0 || now.UnixNano() < until
}

func (r *run) result(status domain.JobStatus, err error) Result {
	return Result{Status: status, Counters: r.counters, Cursor: r.cursor, Err: err}
}

// Run executes job, which must already be in_progress and owned via job.OwnerToken.
func (e *Executor) Run(ctx context.Context, job *domain.Job) Result {
	state := &run{
		job:      job,
		owner:    job.OwnerToken,
		counters: job.Counters,
		cursor:   job.Cursor,
		logger: e.logger.With().
			Str("job_id", job.ID).
			Str("tenant_id", job.TenantID).
			Str("kind", string(job.Kind)).
			Str("owner", job.OwnerToken).
			Logger(),
	}
	if e.locker != nil {
		if job.LeaseUntil != nil {
			state.extendLease(*job.LeaseUntil)
		} else {
			state.extendLease(e.now().Add(e.config.LeaseTTL))
		}
	}

	runCtx, stop := e.heartbeat(ctx, state)
	defer stop()
	return e.execute(runCtx, state)
}

func (e *Executor) execute(ctx context.Context, state *run) Result {
	job := state.job
	if job.CancelRequested {
		return state.result(domain.JobStatusCancelled, nil)
	}

	strategy, ok := e.strategies[job.Kind]
	if !ok {
		return state.result(domain.JobStatusFailed, fmt.Errorf("%w: %s", ErrNoStrategy, job.Kind))
	}

	plan, err := e.plan(ctx, strategy, job)
	if err != nil {
		if ctx.Err() != nil {
			return state.result("", context.Cause(ctx))
		}
		return state.result(domain.JobStatusFailed, fmt.Errorf("resolve audience: %w", err))
	}

	// The total fixed on the first run wins; positions past a shrunken audience read as empty pages.
	if total := plan.Audience.Total(); state.counters.Total == 0 {
		state.counters.Total = total
	} else if state.counters.Total != total {
		state.logger.Warn().Int64("stored_total", state.counters.Total).Int64("resolved_total", total).Msg("audience size changed since first run")
	}
	if state.cursor > state.counters.Total {
		state.cursor = state.counters.Total
	}

	cancel, err := e.checkpoint(ctx, state)
	if err != nil {
		return e.stopOnCheckpointError(ctx, state, err)
	}
	if cancel {
		return state.result(domain.JobStatusCancelled, nil)
	}
	state.logger.Info().Int64("cursor", state.cursor).Int64("total", state.counters.Total).Msg("job execution started")

	for state.cursor < state.counters.Total {
		limit := min(int64(e.config.BatchSize), state.counters.Total-state.cursor)
		page, err := e.page(ctx, plan, state.cursor, limit)
		if err != nil {
			if ctx.Err() != nil {
				return e.interrupted(ctx, state, ctx.Err())
			}
			return state.result(domain.JobStatusFailed, fmt.Errorf("read audience at %d: %w", state.cursor, err))
		}
		if len(page) == 0 {
			state.logger.Warn().Int64("cursor", state.cursor).Msg("audience ended before its total")
			break
		}

		for _, entry := range page {
			outcome, err := e.deliver(ctx, state, plan, entry)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, ratelimit.ErrStarved) || errors.Is(err, ErrLeaseLost) {
					return e.interrupted(ctx, state, err)
				}
				return e.fail(ctx, state, fmt.Errorf("deliver position %d: %w", entry.Position, err))
			}
			switch outcome {
			case domain.OutcomeSent:
				state.counters.Sent++
			case domain.OutcomeBlocked:
				state.counters.Blocked++
			default:
				state.counters.Failed++
			}
			state.cursor++
		}

		cancel, err := e.checkpoint(ctx, state)
		if err != nil {
			return e.stopOnCheckpointError(ctx, state, err)
		}
		if err := e.renew(ctx, state); errors.Is(err, ErrLeaseLost) {
			return e.interrupted(ctx, state, err)
		} else if err != nil {
			state.logger.Warn().Err(err).Msg("lease renewal at batch boundary failed")
		}
		e.publish(state, domain.JobStatusInProgress)
		if cancel {
			state.logger.Info().Int64("cursor", state.cursor).Msg("job cancelled at batch boundary")
			return state.result(domain.JobStatusCancelled, nil)
		}
	}

	state.logger.Info().
		Int64("sent", state.counters.Sent).
		Int64("failed", state.counters.Failed).
		Int64("blocked", state.counters.Blocked).
		Msg("job execution completed")
	return state.result(domain.JobStatusCompleted, nil)
}

func (e *Executor) plan(ctx context.Context, strategy Strategy, job *domain.Job) (*Plan, error) {
	var lastErr error
	for attempt := 0; attempt < e.config.MaxAttempts; attempt++ {
		plan, err := strategy.Plan(ctx, job)
		if err == nil {
			return plan, nil
		}
		if isPermanent(err) {
			return nil, err
		}
		lastErr = err
		if attempt+1 < e.config.MaxAttempts {
			if err := e.sleep(ctx, e.backoff(attempt)); err != nil {
				return nil, err
			}
		}
	}
	return nil, lastErr
}

func (e *Executor) page(ctx context.Context, plan *Plan, offset, limit int64) ([]domain.AudienceEntry, error) {
	var lastErr error
	for attempt := 0; attempt < e.config.MaxAttempts; attempt++ {
		page, err := plan.Audience.Page(ctx, offset, limit)
		if err == nil {
			return page, nil
		}
		lastErr = err
		if attempt+1 < e.config.MaxAttempts {
			if err := e.sleep(ctx, e.backoff(attempt)); err != nil {
				return nil, err
			}
		}
	}
	return nil, lastErr
}

// deliver returns a final outcome for entry. A non-nil error means the entry was not
// processed and the whole run must stop.
func (e *Executor) deliver(ctx context.Context, state *run, plan *Plan, entry domain.AudienceEntry) (domain.Outcome, error) {
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return "", context.Cause(ctx)
		}
		if plan.RateLimited && e.limiter != nil {
			if err := e.limiter.Acquire(ctx, state.job.TenantID); err != nil {
				return "", err
			}
		}

		if !state.leaseValid(e.now()) {
			return "", ErrLeaseLost
		}
		outcome, err := plan.Deliver(ctx, entry)
		switch outcome {
		case domain.OutcomeSent, domain.OutcomeBlocked:
			return outcome, nil
		case domain.OutcomeFailed:
			state.logger.Debug().Err(err).Int64("position", entry.Position).Msg("entry failed permanently")
			return outcome, nil
		}

		if ctx.Err() != nil {
			return "", context.Cause(ctx)
		}
		if attempt+1 >= e.config.MaxAttempts {
			state.logger.Debug().Err(err).Int64("position", entry.Position).Int("attempts", attempt+1).Msg("entry failed after retries")
			return domain.OutcomeFailed, nil
		}
		if err := e.sleep(ctx, max(e.backoff(attempt), sender.RetryAfter(err))); err != nil {
			return "", err
		}
	}
}

func (e *Executor) checkpoint(ctx context.Context, state *run) (bool, error) {
	update := repository.ProgressUpdate{
		JobID:      state.job.ID,
		Owner:      state.owner,
		Counters:   state.counters,
		Cursor:     state.cursor,
		LeaseUntil: e.now().UTC().Add(e.config.LeaseTTL),
		Now:        e.now().UTC(),
	}

	var lastErr error
	for attempt := 0; attempt < e.config.MaxAttempts; attempt++ {
		cancel, err := e.jobs.SaveProgress(ctx, update)
		if err == nil {
			return cancel, nil
		}
		if isFencingError(err) {
			return false, err
		}
		lastErr = err
		if attempt+1 < e.config.MaxAttempts {
			if err := e.sleep(ctx, e.backoff(attempt)); err != nil {
				return false, err
			}
		}
	}
	return false, lastErr
}

func (e *Executor) stopOnCheckpointError(ctx context.Context, state *run, err error) Result {
	if ctx.Err() != nil {
		return e.interrupted(ctx, state, ctx.Err())
	}
	if isFencingError(err) {
		state.logger.Warn().Err(err).Msg("stopping: job no longer owned")
		return state.result(domain.JobStatusFailed, fmt.Errorf("%w: %v", ErrLeaseLost, err))
	}
	return state.result(domain.JobStatusFailed, fmt.Errorf("persist progress: %w", err))
}

// renew extends the lease. Only a lease held by someone else is reported as ErrLeaseLost;
// other failures are left to the deadline check before each delivery.
func (e *Executor) renew(ctx context.Context, state *run) error {
	if e.locker == nil {
		return nil
	}
	at := e.now()
	ok, err := e.locker.Renew(ctx, state.job.ID, state.owner, e.config.LeaseTTL)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if !ok {
		return ErrLeaseLost
	}
	state.extendLease(at.Add(e.config.LeaseTTL))
	return nil
}

// heartbeat renews the lease every third of its ttl while the run is active. The returned
// context is cancelled with ErrLeaseLost once the lease is gone; stop waits for the renewer to exit.
func (e *Executor) heartbeat(ctx context.Context, state *run) (context.Context, func()) {
	runCtx, cancel := context.WithCancelCause(ctx)
	if e.locker == nil {
		return runCtx, func() { cancel(nil) }
	}
	interval := max(e.config.LeaseTTL/3, time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
			}
			err := e.renew(runCtx, state)
			switch {
			case err == nil:
			case runCtx.Err() != nil:
				return
			case errors.Is(err, ErrLeaseLost):
				state.logger.Warn().Msg("lease taken by another owner")
				cancel(ErrLeaseLost)
				return
			case !state.leaseValid(e.now()):
				state.logger.Warn().Err(err).Msg("lease expired while renewals were failing")
				cancel(ErrLeaseLost)
				return
			default:
				state.logger.Warn().Err(err).Msg("lease renewal failed")
			}
		}
	}()
	return runCtx, func() {
		cancel(nil)
		<-done
	}
}

// interrupted stops a run whose context ended or whose lease expired. A lost lease
// gives the job back without writing progress.
func (e *Executor) interrupted(ctx context.Context, state *run, cause error) Result {
	if errors.Is(cause, ErrLeaseLost) || errors.Is(context.Cause(ctx), ErrLeaseLost) {
		state.logger.Warn().Int64("cursor", state.cursor).Msg("lease lost mid-run, stopping without a checkpoint")
		return state.result("", ErrLeaseLost)
	}
	return e.yield(state, cause)
}

// yield persists the exact partial progress with a fresh context and gives the job back.
func (e *Executor) yield(state *run, cause error) Result {
	persistCtx, cancel := context.WithTimeout(context.Background(), e.config.PersistTimeout)
	defer cancel()

	if _, err := e.checkpoint(persistCtx, state); err != nil {
		state.logger.Error().Err(err).Int64("cursor", state.cursor).Msg("persist partial progress on yield")
	} else {
		e.publish(state, domain.JobStatusInProgress)
	}
	state.logger.Info().Err(cause).Int64("cursor", state.cursor).Msg("job execution yielded")
	return state.result("", cause)
}

// fail persists partial progress before reporting a whole-job failure.
func (e *Executor) fail(ctx context.Context, state *run, cause error) Result {
	if _, err := e.checkpoint(ctx, state); err != nil && isFencingError(err) {
		return state.result(domain.JobStatusFailed, fmt.Errorf("%w: %v", ErrLeaseLost, err))
	}
	return state.result(domain.JobStatusFailed, cause)
}

func (e *Executor) publish(state *run, status domain.JobStatus) {
	if e.bus == nil {
		return
	}
	snapshot := *state.job
	snapshot.Status = status
	snapshot.Counters = state.counters
	snapshot.Cursor = state.cursor
	e.bus.Publish(domain.ProgressTopic(state.job.Kind), domain.NewProgressEvent(&snapshot, e.now()))
}

func (e *Executor) backoff(attempt int) time.Duration {
	delay := e.config.RetryBase << attempt
	if delay <= 0 || delay > e.config.RetryMax {
		return e.config.RetryMax
	}
	return delay
}

func isFencingError(err error) bool {
	return errors.Is(err, repository.ErrLeaseLost) ||
		errors.Is(err, repository.ErrTerminal) ||
		errors.Is(err, repository.ErrCursorRegress) ||
		errors.Is(err, repository.ErrCounterRegress) ||
		errors.Is(err, repository.ErrNotFound)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
