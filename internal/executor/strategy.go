package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iago/botfleet/internal/audience"
	"github.com/iago/botfleet/internal/domain"
	"github.com/iago/botfleet/internal/repository"
	"github.com/iago/botfleet/internal/sender"
	"github.com/rs/zerolog"
)

// Plan is what a strategy resolves for one run of a job.
type Plan struct {
	Audience    audience.Audience
	Deliver     func(ctx context.Context, entry domain.AudienceEntry) (domain.Outcome, error)
	RateLimited bool
}

// Strategy turns a job of one kind into an executable plan.
type Strategy interface {
	Kind() domain.JobKind
	Plan(ctx context.Context, job *domain.Job) (*Plan, error)
}

// BroadcastStrategy delivers a message to every entry of the selected audience.
type BroadcastStrategy struct {
	store  repository.AudienceRepository
	sender sender.Sender
	now    func() time.Time
	logger zerolog.Logger
}

func NewBroadcastStrategy(store repository.AudienceRepository, s sender.Sender, logger zerolog.Logger) *BroadcastStrategy {
	return &BroadcastStrategy{
		store:  store,
		sender: s,
		now:    time.Now,
		logger: logger.With().Str("component", "executor.broadcast").Logger(),
	}
}

func (s *BroadcastStrategy) Kind() domain.JobKind {
	return domain.JobKindBroadcast
}

func (s *BroadcastStrategy) Plan(ctx context.Context, job *domain.Job) (*Plan, error) {
	decoded, err := domain.DecodePayload(domain.JobKindBroadcast, job.Payload)
	if err != nil {
		return nil, permanent(err)
	}
	payload := decoded.(domain.BroadcastPayload)

	target, err := audience.Resolve(ctx, s.store, job.TenantID, payload.Audience, job.CreatedAt)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidPayload) {
			return nil, permanent(err)
		}
		return nil, err
	}

	tenantID := job.TenantID
	deliver := func(ctx context.Context, entry domain.AudienceEntry) (domain.Outcome, error) {
		if entry.Reachability == domain.ReachabilityBlocked {
			return domain.OutcomeBlocked, nil
		}
		outcome, err := s.sender.Send(ctx, tenantID, entry.ChatID, payload.Content)
		switch outcome {
		case domain.OutcomeSent:
			if entry.Reachability != domain.ReachabilityReachable {
				s.markReachability(ctx, tenantID, entry.ChatID, domain.ReachabilityReachable)
			}
		case domain.OutcomeBlocked:
			s.markReachability(ctx, tenantID, entry.ChatID, domain.ReachabilityBlocked)
		}
		return outcome, err
	}

	return &Plan{Audience: target, Deliver: deliver, RateLimited: true}, nil
}

func (s *BroadcastStrategy) markReachability(ctx context.Context, tenantID string, chatID int64, reachability domain.Reachability) {
	if s.store == nil {
		return
	}
	err := s.store.MarkReachability(ctx, tenantID, chatID, reachability, s.now().UTC())
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		s.logger.Warn().Err(err).Str("tenant_id", tenantID).Int64("chat_id", chatID).Msg("mark reachability failed")
	}
}

// ImportStrategy stores every imported row as a recipient of the tenant.
type ImportStrategy struct {
	store repository.AudienceRepository
	now   func() time.Time
}

func NewImportStrategy(store repository.AudienceRepository) *ImportStrategy {
	return &ImportStrategy{store: store, now: time.Now}
}

func (s *ImportStrategy) Kind() domain.JobKind {
	return domain.JobKindBulkImport
}

func (s *ImportStrategy) Plan(_ context.Context, job *domain.Job) (*Plan, error) {
	if s.store == nil {
		return nil, permanent(fmt.Errorf("bulk import requires a recipient store"))
	}
	decoded, err := domain.DecodePayload(domain.JobKindBulkImport, job.Payload)
	if err != nil {
		return nil, permanent(err)
	}
	payload := decoded.(domain.ImportPayload)

	tenantID := job.TenantID
	deliver := func(ctx context.Context, entry domain.AudienceEntry) (domain.Outcome, error) {
		if entry.ChatID == 0 {
			return domain.OutcomeFailed, fmt.Errorf("row %d: chat_id is required", entry.Position)
		}
		if _, err := s.store.UpsertRecipient(ctx, tenantID, entry.ChatID, entry.Username, s.now().UTC()); err != nil {
			return domain.OutcomeTransient, err
		}
		return domain.OutcomeSent, nil
	}

	return &Plan{Audience: audience.NewRows(payload.Rows), Deliver: deliver}, nil
}

type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// permanent marks an error that retrying cannot fix.
func permanent(err error) error {
	return permanentError{err: err}
}

func isPermanent(err error) bool {
	var target permanentError
	return errors.As(err, &target)
}
