package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentswallets/cli/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// IdempotencyRepo implements ports.IdempotencyRepository.
type IdempotencyRepo struct {
	pool Pool
}

// NewIdempotencyRepo creates a new IdempotencyRepo.
func NewIdempotencyRepo(pool Pool) *IdempotencyRepo {
	return &IdempotencyRepo{pool: pool}
}

// Insert reserves a key. A concurrent insert of the same key blocks on the
// primary key until the first transaction ends, then reports a conflict.
func (r *IdempotencyRepo) Insert(ctx context.Context, tx pgx.Tx, key, scope string) (bool, error) {
	query := `INSERT INTO idempotency_keys (key, scope, status) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO NOTHING`

	tag, err := tx.Exec(ctx, query, key, scope, string(domain.IdempotencyStatusReserved))
	if err != nil {
		return false, fmt.Errorf("insert idempotency key: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetForUpdate fetches and row-locks a key.
// This MUST be called within a transaction.
func (r *IdempotencyRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, key string) (*domain.IdempotencyKey, error) {
	query := `SELECT key, scope, ref_id, status, created_at FROM idempotency_keys WHERE key = $1 FOR UPDATE`

	var (
		k      domain.IdempotencyKey
		status string
	)
	err := tx.QueryRow(ctx, query, key).Scan(&k.Key, &k.Scope, &k.RefID, &status, &k.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get idempotency key: %w", err)
	}
	k.Status = domain.IdempotencyStatus(status)
	return &k, nil
}

// Delete removes a key so it can be reserved again.
func (r *IdempotencyRepo) Delete(ctx context.Context, tx pgx.Tx, key string) error {
	if _, err := tx.Exec(ctx, `DELETE FROM idempotency_keys WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete idempotency key: %w", err)
	}
	return nil
}

// Complete marks a key completed and binds it to the finalized operation.
func (r *IdempotencyRepo) Complete(ctx context.Context, tx pgx.Tx, key string, refID uuid.UUID) error {
	query := `UPDATE idempotency_keys SET status = $2, ref_id = $3 WHERE key = $1`

	tag, err := tx.Exec(ctx, query, key, string(domain.IdempotencyStatusCompleted), refID)
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete idempotency key: %q not found", key)
	}
	return nil
}
