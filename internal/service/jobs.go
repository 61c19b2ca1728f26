package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/iago/botfleet/internal/domain"
	"github.com/iago/botfleet/internal/eventbus"
	"github.com/iago/botfleet/internal/repository"
	"github.com/rs/zerolog"
)

var ErrInvalidRequest = errors.New("invalid request")

// RateChecker reports the configured send rate of a tenant; an invalid rate is an error.
type RateChecker interface {
	Rate(tenantID string) (float64, error)
}

type SubmitRequest struct {
	TenantID    string
	Kind        domain.JobKind
	Payload     json.RawMessage
	ScheduledAt *time.Time
}

// JobsService is the submission, cancellation and snapshot surface of the engine.
type JobsService struct {
	repo   repository.JobsRepository
	rates  RateChecker
	bus    eventbus.Bus
	logger zerolog.Logger
	now    func() time.Time
}

func NewJobsService(repo repository.JobsRepository, rates RateChecker, bus eventbus.Bus, logger zerolog.Logger) *JobsService {
	return &JobsService{
		repo:   repo,
		rates:  rates,
		bus:    bus,
		logger: logger.With().Str("component", "jobs_service").Logger(),
		now:    time.Now,
	}
}

// Submit validates and persists a new job. Nothing is stored when validation fails.
func (s *JobsService) Submit(ctx context.Context, request SubmitRequest) (*domain.Job, error) {
	tenantID := strings.TrimSpace(request.TenantID)
	if tenantID == "" || len(tenantID) > 64 {
		return nil, fmt.Errorf("%w: tenant_id is required", ErrInvalidRequest)
	}
	if !request.Kind.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownKind, request.Kind)
	}
	if _, err := domain.DecodePayload(request.Kind, request.Payload); err != nil {
		return nil, err
	}
	if request.Kind == domain.JobKindBroadcast && s.rates != nil {
		if _, err := s.rates.Rate(tenantID); err != nil {
			return nil, fmt.Errorf("tenant %s: %w", tenantID, err)
		}
	}

	now := s.now().UTC()
	var scheduledAt *time.Time
	if request.ScheduledAt != nil {
		at := request.ScheduledAt.UTC()
		scheduledAt = &at
	}
	job := &domain.Job{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		Kind:        request.Kind,
		Payload:     append(json.RawMessage(nil), request.Payload...),
		Status:      domain.InitialStatus(scheduledAt, now),
		ScheduledAt: scheduledAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("tenant_id", job.TenantID).
		Str("kind", string(job.Kind)).
		Str("status", string(job.Status)).
		Msg("job submitted")
	if s.bus != nil {
		s.bus.Publish(domain.TopicJobsSubmitted, domain.SubmittedEvent{
			JobID:       job.ID,
			TenantID:    job.TenantID,
			Kind:        job.Kind,
			ScheduledAt: job.ScheduledAt,
		})
	}
	return job, nil
}

func (s *JobsService) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	return s.repo.GetJob(ctx, jobID)
}

// ActiveJobs is the observer bootstrap snapshot: every non-terminal job of the tenant.
func (s *JobsService) ActiveJobs(ctx context.Context, tenantID string) ([]*domain.Job, error) {
	return s.repo.ListActive(ctx, tenantID)
}

// Cancel cancels pending and scheduled jobs at once and asks a running job to stop
// at its next batch boundary. Terminal jobs return repository.ErrTerminal.
func (s *JobsService) Cancel(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := s.repo.RequestCancel(ctx, jobID, s.now().UTC())
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("job_id", job.ID).Str("tenant_id", job.TenantID).Str("status", string(job.Status)).Msg("job cancel requested")
	if job.Status.Terminal() && s.bus != nil {
		s.bus.Publish(domain.ProgressTopic(job.Kind), domain.NewProgressEvent(job, s.now()))
	}
	return job, nil
}
