package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/iago/botfleet/internal/domain"
)

// AudienceRepository stores the recipients of each tenant's bot.
// Listing is ordered by insertion id so positions stay stable for a fixed bound.
type AudienceRepository interface {
	// UpsertRecipient inserts a recipient or refreshes its username; it reports whether the row was new.
	UpsertRecipient(ctx context.Context, tenantID string, chatID int64, username string, now time.Time) (bool, error)
	CountRecipients(ctx context.Context, tenantID string, createdUpTo time.Time) (int64, error)
	ListRecipients(ctx context.Context, tenantID string, createdUpTo time.Time, offset, limit int64) ([]domain.Recipient, error)
	Reachability(ctx context.Context, tenantID string, chatIDs []int64) (map[int64]domain.Reachability, error)
	MarkReachability(ctx context.Context, tenantID string, chatID int64, reachability domain.Reachability, now time.Time) error
}

type MemoryAudienceRepository struct {
	mu      sync.RWMutex
	nextID  int64
	tenants map[string][]*domain.Recipient
	index   map[string]map[int64]*domain.Recipient
}

func NewMemoryAudienceRepository() *MemoryAudienceRepository {
	return &MemoryAudienceRepository{
		tenants: make(map[string][]*domain.Recipient),
		index:   make(map[string]map[int64]*domain.Recipient),
	}
}

func (r *MemoryAudienceRepository) UpsertRecipient(
	_ context.Context,
	tenantID string,
	chatID int64,
	username string,
	now time.Time,
) (bool, error) {
	if chatID == 0 {
		return false, fmt.Errorf("upsert recipient: chat_id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	byChat, ok := r.index[tenantID]
	if !ok {
		byChat = make(map[int64]*domain.Recipient)
		r.index[tenantID] = byChat
	}
	if existing, ok := byChat[chatID]; ok {
		if username != "" {
			existing.Username = username
		}
		existing.UpdatedAt = now
		return false, nil
	}

	r.nextID++
	recipient := &domain.Recipient{
		ID:           r.nextID,
		TenantID:     tenantID,
		ChatID:       chatID,
		Username:     username,
		Reachability: domain.ReachabilityUnknown,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	byChat[chatID] = recipient
	r.tenants[tenantID] = append(r.tenants[tenantID], recipient)
	return true, nil
}

func (r *MemoryAudienceRepository) CountRecipients(_ context.Context, tenantID string, createdUpTo time.Time) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var count int64
	for _, recipient := range r.tenants[tenantID] {
		if !recipient.CreatedAt.After(createdUpTo) {
			count++
		}
	}
	return count, nil
}

func (r *MemoryAudienceRepository) ListRecipients(
	_ context.Context,
	tenantID string,
	createdUpTo time.Time,
	offset, limit int64,
) ([]domain.Recipient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	items := make([]domain.Recipient, 0, limit)
	var position int64
	for _, recipient := range r.tenants[tenantID] {
		if recipient.CreatedAt.After(createdUpTo) {
			continue
		}
		if position >= offset {
			items = append(items, *recipient)
			if int64(len(items)) == limit {
				break
			}
		}
		position++
	}
	return items, nil
}

func (r *MemoryAudienceRepository) Reachability(
	_ context.Context,
	tenantID string,
	chatIDs []int64,
) (map[int64]domain.Reachability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[int64]domain.Reachability, len(chatIDs))
	byChat := r.index[tenantID]
	for _, chatID := range chatIDs {
		if recipient, ok := byChat[chatID]; ok {
			result[chatID] = recipient.Reachability
		}
	}
	return result, nil
}

func (r *MemoryAudienceRepository) MarkReachability(
	_ context.Context,
	tenantID string,
	chatID int64,
	reachability domain.Reachability,
	now time.Time,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	recipient, ok := r.index[tenantID][chatID]
	if !ok {
		return ErrNotFound
	}
	recipient.Reachability = reachability
	recipient.UpdatedAt = now
	return nil
}
