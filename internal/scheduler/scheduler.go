package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/iago/botfleet/internal/domain"
	"github.com/iago/botfleet/internal/eventbus"
	"github.com/iago/botfleet/internal/executor"
	"github.com/iago/botfleet/internal/lock"
	"github.com/iago/botfleet/internal/repository"
	"github.com/rs/zerolog"
)

type Config struct {
	WorkerID          string
	PollInterval      time.Duration
	MaxConcurrentJobs int
	// FinalizeTimeout bounds the terminal write issued after the run context ends.
	FinalizeTimeout time.Duration
}

// Runner executes one claimed job; *executor.Executor implements it.
type Runner interface {
	Run(ctx context.Context, job *domain.Job) executor.Result
	LeaseTTL() time.Duration
}

// Scheduler discovers runnable jobs, claims them through the Locker and runs them
// with bounded concurrency. Duplicate discovery across processes is expected; the
// lock and the fenced store writes decide who runs.
type Scheduler struct {
	jobs   repository.JobsRepository
	locker lock.Locker
	runner Runner
	bus    eventbus.Bus
	config Config
	logger zerolog.Logger
	now    func() time.Time

	slots chan struct{}
	wake  chan struct{}

	mu      sync.Mutex
	running map[string]struct{}
	wg      sync.WaitGroup
}

func New(
	jobs repository.JobsRepository,
	locker lock.Locker,
	runner Runner,
	bus eventbus.Bus,
	cfg Config,
	logger zerolog.Logger,
) *Scheduler {
	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.NewString()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 4
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = 5 * time.Second
	}
	return &Scheduler{
		jobs:    jobs,
		locker:  locker,
		runner:  runner,
		bus:     bus,
		config:  cfg,
		logger:  logger.With().Str("component", "scheduler").Str("worker_id", cfg.WorkerID).Logger(),
		now:     time.Now,
		slots:   make(chan struct{}, cfg.MaxConcurrentJobs),
		wake:    make(chan struct{}, 1),
		running: make(map[string]struct{}),
	}
}

// Start polls until ctx is cancelled, then waits for running jobs to yield.
func (s *Scheduler) Start(ctx context.Context) {
	if s.bus != nil {
		unsubscribe := s.bus.Subscribe(domain.TopicJobsSubmitted, func(context.Context, eventbus.Event) error {
			s.Wake()
			return nil
		})
		defer unsubscribe()
	}

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	s.logger.Info().Dur("poll_interval", s.config.PollInterval).Int("max_concurrent_jobs", s.config.MaxConcurrentJobs).Msg("scheduler started")
	for {
		if _, err := s.Poll(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn().Err(err).Msg("scheduler poll failed")
		}

		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.logger.Info().Msg("scheduler stopped")
			return
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

// Wake triggers an immediate poll without blocking.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Wait blocks until every job launched by Poll has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Poll runs one discovery pass and returns how many jobs were launched.
func (s *Scheduler) Poll(ctx context.Context) (int, error) {
	free := cap(s.slots) - len(s.slots)
	if free <= 0 {
		return 0, nil
	}
	candidates, err := s.jobs.ListRunnable(ctx, s.now().UTC(), free)
	if err != nil {
		return 0, fmt.Errorf("list runnable jobs: %w", err)
	}

	launched := 0
	for _, job := range candidates {
		if !s.markRunning(job.ID) {
			continue
		}
		select {
		case s.slots <- struct{}{}:
		default:
			s.unmarkRunning(job.ID)
			return launched, nil
		}

		s.wg.Add(1)
		launched++
		go func(jobID string) {
			defer s.wg.Done()
			defer func() { <-s.slots }()
			defer s.unmarkRunning(jobID)
			s.execute(ctx, jobID)
		}(job.ID)
	}
	return launched, nil
}

func (s *Scheduler) execute(ctx context.Context, jobID string) {
	owner := s.config.WorkerID + ":" + uuid.NewString()
	logger := s.logger.With().Str("job_id", jobID).Str("owner", owner).Logger()

	defer func() {
		if recovered := recover(); recovered != nil {
			logger.Error().Interface("panic", recovered).Msg("job execution panicked")
			s.release(jobID, owner, logger)
		}
	}()

	ttl := s.runner.LeaseTTL()
	acquired, err := s.locker.TryAcquire(ctx, jobID, owner, ttl)
	if err != nil {
		logger.Warn().Err(err).Msg("acquire job lock failed")
		return
	}
	if !acquired {
		return
	}

	now := s.now().UTC()
	job, err := s.jobs.MarkStarted(ctx, jobID, owner, now.Add(ttl), now)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrTerminal),
			errors.Is(err, repository.ErrNotClaimable),
			errors.Is(err, repository.ErrLeaseLost):
			logger.Debug().Err(err).Msg("job no longer claimable")
		default:
			logger.Warn().Err(err).Msg("mark job started failed")
		}
		s.release(jobID, owner, logger)
		return
	}
	logger.Info().Str("tenant_id", job.TenantID).Str("kind", string(job.Kind)).Int64("cursor", job.Cursor).Msg("job claimed")
	s.publish(job)

	result := s.runner.Run(ctx, job)
	if result.Yielded() {
		logger.Info().Err(result.Err).Int64("cursor", result.Cursor).Msg("job yielded")
		s.release(jobID, owner, logger)
		return
	}

	s.finalize(ctx, job, owner, result, logger)
	s.release(jobID, owner, logger)
}

// finalize writes the terminal state before the lock is released.
func (s *Scheduler) finalize(ctx context.Context, job *domain.Job, owner string, result executor.Result, logger zerolog.Logger) {
	finalizeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.FinalizeTimeout)
	defer cancel()

	errorMessage := ""
	if result.Err != nil {
		errorMessage = result.Err.Error()
	}
	final, err := s.jobs.Finalize(finalizeCtx, repository.FinalizeUpdate{
		JobID:        job.ID,
		Owner:        owner,
		Status:       result.Status,
		Counters:     result.Counters,
		Cursor:       result.Cursor,
		ErrorMessage: errorMessage,
		Now:          s.now().UTC(),
	})
	if err != nil {
		if result.LeaseLost() || errors.Is(err, repository.ErrLeaseLost) {
			logger.Warn().Err(err).Msg("job taken over by another owner, terminal write skipped")
			return
		}
		logger.Error().Err(err).Str("status", string(result.Status)).Msg("finalize job failed")
		return
	}

	event := logger.Info()
	if result.Status == domain.JobStatusFailed {
		event = logger.Error().Str("error", errorMessage)
	}
	event.Str("status", string(final.Status)).
		Int64("sent", final.Counters.Sent).
		Int64("failed", final.Counters.Failed).
		Int64("blocked", final.Counters.Blocked).
		Msg("job finished")
	s.publish(final)
}

func (s *Scheduler) release(jobID, owner string, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.FinalizeTimeout)
	defer cancel()

	if err := s.locker.Release(ctx, jobID, owner); err != nil {
		logger.Warn().Err(err).Msg("release job lock failed")
	}
	// Clears the row fencing token when the lock lives outside the store.
	if err := s.jobs.ReleaseLease(ctx, jobID, owner); err != nil && !errors.Is(err, repository.ErrNotFound) {
		logger.Warn().Err(err).Msg("release job lease failed")
	}
}

func (s *Scheduler) publish(job *domain.Job) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(domain.ProgressTopic(job.Kind), domain.NewProgressEvent(job, s.now()))
}

func (s *Scheduler) markRunning(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[jobID]; ok {
		return false
	}
	s.running[jobID] = struct{}{}
	return true
}

func (s *Scheduler) unmarkRunning(jobID string) {
	s.mu.Lock()
	delete(s.running, jobID)
	s.mu.Unlock()
}
