package audience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/iago/botfleet/internal/domain"
	"github.com/iago/botfleet/internal/repository"
)

func TestExplicitPagesWithReachability(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryAudienceRepository()
	now := time.Now()
	if _, err := store.UpsertRecipient(ctx, "t1", 2, "", now); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.MarkReachability(ctx, "t1", 2, domain.ReachabilityBlocked, now); err != nil {
		t.Fatalf("mark: %v", err)
	}

	audience := NewExplicit("t1", []int64{1, 2, 3, 4, 5}, store)
	if audience.Total() != 5 {
		t.Fatalf("expected total 5, got %d", audience.Total())
	}

	page, err := audience.Page(ctx, 1, 2)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(page) != 2 || page[0].Position != 1 || page[0].ChatID != 2 || page[1].ChatID != 3 {
		t.Fatalf("unexpected page: %+v", page)
	}
	if page[0].Reachability != domain.ReachabilityBlocked || page[1].Reachability != domain.ReachabilityUnknown {
		t.Fatalf("unexpected reachability: %+v", page)
	}

	tail, _ := audience.Page(ctx, 4, 10)
	if len(tail) != 1 || tail[0].Position != 4 {
		t.Fatalf("unexpected tail: %+v", tail)
	}
	past, _ := audience.Page(ctx, 5, 10)
	if len(past) != 0 {
		t.Fatalf("expected empty page past the end, got %+v", past)
	}
}

func TestStoredIsBoundedByCreationTime(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryAudienceRepository()
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := int64(1); i <= 4; i++ {
		if _, err := store.UpsertRecipient(ctx, "t1", i, "", created.Add(-time.Minute)); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	if _, err := store.UpsertRecipient(ctx, "t1", 99, "", created.Add(time.Minute)); err != nil {
		t.Fatalf("upsert late: %v", err)
	}

	audience, err := Resolve(ctx, store, "t1", domain.AudienceSelector{Mode: domain.AudienceAll}, created)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if audience.Total() != 4 {
		t.Fatalf("expected 4 recipients, got %d", audience.Total())
	}

	var seen []int64
	for offset := int64(0); offset < audience.Total(); offset += 3 {
		page, err := audience.Page(ctx, offset, 3)
		if err != nil {
			t.Fatalf("page: %v", err)
		}
		for _, entry := range page {
			if entry.Position != int64(len(seen)) {
				t.Fatalf("expected position %d, got %d", len(seen), entry.Position)
			}
			seen = append(seen, entry.ChatID)
		}
	}
	if len(seen) != 4 || seen[3] != 4 {
		t.Fatalf("unexpected traversal: %v", seen)
	}
}

func TestResolveRejectsUnknownMode(t *testing.T) {
	_, err := Resolve(context.Background(), nil, "t1", domain.AudienceSelector{Mode: "some"}, time.Now())
	if !errors.Is(err, domain.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestRowsAudience(t *testing.T) {
	audience := NewRows([]domain.ImportRow{{ChatID: 1}, {ChatID: 0, Username: "broken"}, {ChatID: 3}})
	page, err := audience.Page(context.Background(), 1, 5)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(page) != 2 || page[0].Username != "broken" || page[1].Position != 2 {
		t.Fatalf("unexpected page: %+v", page)
	}
}
