package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/iago/botfleet/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresAudienceRepository struct {
	pool *pgxpool.Pool
}

func (r *PostgresAudienceRepository) UpsertRecipient(
	ctx context.Context,
	tenantID string,
	chatID int64,
	username string,
	now time.Time,
) (bool, error) {
	if chatID == 0 {
		return false, fmt.Errorf("upsert recipient: chat_id is required")
	}
	command, err := r.pool.Exec(ctx, `
		INSERT INTO recipients (tenant_id, chat_id, username, reachability, created_at, updated_at)
		VALUES ($1, $2, $3, 'unknown', $4, $4)
		ON CONFLICT (tenant_id, chat_id) DO NOTHING
	`, tenantID, chatID, username, now)
	if err != nil {
		return false, fmt.Errorf("insert recipient: %w", err)
	}
	if command.RowsAffected() == 1 {
		return true, nil
	}
	_, err = r.pool.Exec(ctx, `
		UPDATE recipients
		SET username = CASE WHEN $3 <> '' THEN $3 ELSE username END,
			updated_at = $4
		WHERE tenant_id = $1 AND chat_id = $2
	`, tenantID, chatID, username, now)
	if err != nil {
		return false, fmt.Errorf("update recipient: %w", err)
	}
	return false, nil
}

func (r *PostgresAudienceRepository) CountRecipients(ctx context.Context, tenantID string, createdUpTo time.Time) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM recipients WHERE tenant_id = $1 AND created_at <= $2
	`, tenantID, createdUpTo).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count recipients: %w", err)
	}
	return count, nil
}

func (r *PostgresAudienceRepository) ListRecipients(
	ctx context.Context,
	tenantID string,
	createdUpTo time.Time,
	offset, limit int64,
) ([]domain.Recipient, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, tenant_id, chat_id, username, reachability, created_at, updated_at
		FROM recipients
		WHERE tenant_id = $1 AND created_at <= $2
		ORDER BY id
		LIMIT $3 OFFSET $4
	`, tenantID, createdUpTo, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	defer rows.Close()

	items := make([]domain.Recipient, 0, limit)
	for rows.Next() {
		var (
			item         domain.Recipient
			reachability string
		)
		if err := rows.Scan(
			&item.ID,
			&item.TenantID,
			&item.ChatID,
			&item.Username,
			&reachability,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		item.Reachability = domain.Reachability(reachability)
		items = append(items, item)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate recipients: %w", rows.Err())
	}
	return items, nil
}

func (r *PostgresAudienceRepository) Reachability(
	ctx context.Context,
	tenantID string,
	chatIDs []int64,
) (map[int64]domain.Reachability, error) {
	result := make(map[int64]domain.Reachability, len(chatIDs))
	if len(chatIDs) == 0 {
		return result, nil
	}
	rows, err := r.pool.Query(ctx, `
		SELECT chat_id, reachability FROM recipients WHERE tenant_id = $1 AND chat_id = ANY($2)
	`, tenantID, chatIDs)
	if err != nil {
		return nil, fmt.Errorf("query reachability: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			chatID       int64
			reachability string
		)
		if err := rows.Scan(&chatID, &reachability); err != nil {
			return nil, fmt.Errorf("scan reachability: %w", err)
		}
		result[chatID] = domain.Reachability(reachability)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate reachability: %w", rows.Err())
	}
	return result, nil
}

func (r *PostgresAudienceRepository) MarkReachability(
	ctx context.Context,
	tenantID string,
	chatID int64,
	reachability domain.Reachability,
	now time.Time,
) error {
	command, err := r.pool.Exec(ctx, `
		UPDATE recipients SET reachability = $3, updated_at = $4 WHERE tenant_id = $1 AND chat_id = $2
	`, tenantID, chatID, string(reachability), now)
	if err != nil {
		return fmt.Errorf("mark reachability: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
