package audience

import (
	"context"
	"fmt"
	"time"

	"github.com/iago/botfleet/internal/domain"
	"github.com/iago/botfleet/internal/repository"
)

// Audience is an ordered, position-stable sequence of entries.
type Audience interface {
	Total() int64
	Page(ctx context.Context, offset, limit int64) ([]domain.AudienceEntry, error)
}

// Resolve builds the audience a broadcast addresses.
// Mode "all" is bounded to recipients stored at or before createdAt so positions stay stable on resume.
func Resolve(
	ctx context.Context,
	store repository.AudienceRepository,
	tenantID string,
	selector domain.AudienceSelector,
	createdAt time.Time,
) (Audience, error) {
	switch selector.Mode {
	case domain.AudienceExplicit:
		return NewExplicit(tenantID, selector.ChatIDs, store), nil
	case domain.AudienceAll:
		if store == nil {
			return nil, fmt.Errorf("resolve audience: no recipient store configured")
		}
		return NewStored(ctx, store, tenantID, createdAt)
	default:
		return nil, fmt.Errorf("resolve audience: %w: unknown mode %q", domain.ErrInvalidPayload, selector.Mode)
	}
}

// Explicit is a caller-provided list of chat ids.
type Explicit struct {
	tenantID string
	chatIDs  []int64
	store    repository.AudienceRepository
}

func NewExplicit(tenantID string, chatIDs []int64, store repository.AudienceRepository) *Explicit {
	return &Explicit{
		tenantID: tenantID,
		chatIDs:  append([]int64(nil), chatIDs...),
		store:    store,
	}
}

func (a *Explicit) Total() int64 {
	return int64(len(a.chatIDs))
}

func (a *Explicit) Page(ctx context.Context, offset, limit int64) ([]domain.AudienceEntry, error) {
	window := sliceWindow(a.chatIDs, offset, limit)
	if len(window) == 0 {
		return nil, nil
	}

	known := map[int64]domain.Reachability{}
	if a.store != nil {
		var err error
		known, err = a.store.Reachability(ctx, a.tenantID, window)
		if err != nil {
			return nil, fmt.Errorf("load reachability: %w", err)
		}
	}

	entries := make([]domain.AudienceEntry, 0, len(window))
	for i, chatID := range window {
		reachability, ok := known[chatID]
		if !ok {
			reachability = domain.ReachabilityUnknown
		}
		entries = append(entries, domain.AudienceEntry{
			Position:     offset + int64(i),
			ChatID:       chatID,
			Reachability: reachability,
		})
	}
	return entries, nil
}

// Stored is every recipient of a tenant up to a creation bound.
type Stored struct {
	store    repository.AudienceRepository
	tenantID string
	bound    time.Time
	total    int64
}

func NewStored(ctx context.Context, store repository.AudienceRepository, tenantID string, bound time.Time) (*Stored, error) {
	total, err := store.CountRecipients(ctx, tenantID, bound)
	if err != nil {
		return nil, fmt.Errorf("count audience: %w", err)
	}
	return &Stored{store: store, tenantID: tenantID, bound: bound, total: total}, nil
}

func (a *Stored) Total() int64 {
	return a.total
}

func (a *Stored) Page(ctx context.Context, offset, limit int64) ([]domain.AudienceEntry, error) {
	if offset >= a.total {
		return nil, nil
	}
	if offset+limit > a.total {
		limit = a.total - offset
	}
	recipients, err := a.store.ListRecipients(ctx, a.tenantID, a.bound, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("list audience: %w", err)
	}
	entries := make([]domain.AudienceEntry, 0, len(recipients))
	for i, recipient := range recipients {
		entries = append(entries, domain.AudienceEntry{
			Position:     offset + int64(i),
			ChatID:       recipient.ChatID,
			Username:     recipient.Username,
			Reachability: recipient.Reachability,
		})
	}
	return entries, nil
}

// Rows exposes the rows of a bulk import as an audience.
type Rows struct {
	rows []domain.ImportRow
}

func NewRows(rows []domain.ImportRow) *Rows {
	return &Rows{rows: rows}
}

func (a *Rows) Total() int64 {
	return int64(len(a.rows))
}

func (a *Rows) Page(_ context.Context, offset, limit int64) ([]domain.AudienceEntry, error) {
	window := sliceWindow(a.rows, offset, limit)
	entries := make([]domain.AudienceEntry, 0, len(window))
	for i, row := range window {
		entries = append(entries, domain.AudienceEntry{
			Position:     offset + int64(i),
			ChatID:       row.ChatID,
			Username:     row.Username,
			Reachability: domain.ReachabilityUnknown,
		})
	}
	return entries, nil
}

func sliceWindow[T any](items []T, offset, limit int64) []T {
	size := int64(len(items))
	if offset < 0 || offset >= size || limit <= 0 {
		return nil
	}
	end := offset + limit
	if end > size {
		end = size
	}
	return items[offset:end]
}
