package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentswallets/cli/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const operationColumns = `tx_id, wallet_id, kind, status, token, amount_micros, to_address, tx_hash,
		provider_order_id, idempotency_key, meta, created_at, updated_at`

// OperationRepo implements ports.OperationRepository.
type OperationRepo struct {
	pool Pool
}

// NewOperationRepo creates a new OperationRepo.
func NewOperationRepo(pool Pool) *OperationRepo {
	return &OperationRepo{pool: pool}
}

// CreatePending inserts a new operation with status pending.
// This MUST be called within the decide transaction.
func (r *OperationRepo) CreatePending(ctx context.Context, tx pgx.Tx, in *domain.NewOperation) (*domain.Operation, error) {
	op := &domain.Operation{
		TxID:           uuid.New(),
		WalletID:       in.WalletID,
		Kind:           in.Kind,
		Status:         domain.OperationStatusPending,
		Token:          in.Token,
		Amount:         in.Amount,
		ToAddress:      in.ToAddress,
		IdempotencyKey: in.IdempotencyKey,
		Meta:           in.Meta,
	}
	meta := []byte(op.Meta)
	if len(meta) == 0 {
		meta = []byte(`{}`)
	}

	query := `INSERT INTO operations (tx_id, wallet_id, kind, status, token, amount, amount_micros,
			to_address, idempotency_key, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at`

	err := tx.QueryRow(ctx, query,
		op.TxID, op.WalletID, string(op.Kind), string(op.Status), op.Token,
		op.Amount.String(), int64(op.Amount), op.ToAddress, op.IdempotencyKey, meta,
	).Scan(&op.CreatedAt, &op.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert pending operation: %w", err)
	}
	return op, nil
}

// GetByID fetches an operation by tx_id (without locking).
func (r *OperationRepo) GetByID(ctx context.Context, txID uuid.UUID) (*domain.Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations WHERE tx_id = $1`
	return scanOperation(r.pool.QueryRow(ctx, query, txID))
}

// GetByIDForUpdate fetches an operation with a row lock.
// This MUST be called within a transaction.
func (r *OperationRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, txID uuid.UUID) (*domain.Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations WHERE tx_id = $1 FOR UPDATE`
	return scanOperation(tx.QueryRow(ctx, query, txID))
}

// GetByIdempotencyKey fetches the operation bound to an idempotency key.
func (r *OperationRepo) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations WHERE idempotency_key = $1`
	return scanOperation(r.pool.QueryRow(ctx, query, key))
}

// GetByIdempotencyKeyTx fetches and locks the operation bound to a key.
func (r *OperationRepo) GetByIdempotencyKeyTx(ctx context.Context, tx pgx.Tx, key string) (*domain.Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations WHERE idempotency_key = $1 FOR UPDATE`
	return scanOperation(tx.QueryRow(ctx, query, key))
}

// UpdateStatus moves an operation to a new status, keeping any tx_hash or
// provider_order_id already recorded when the update carries none.
func (r *OperationRepo) UpdateStatus(ctx context.Context, tx pgx.Tx, txID uuid.UUID, u domain.FinalizeUpdate) (*domain.Operation, error) {
	query := `UPDATE operations SET
			status = $2,
			tx_hash = COALESCE($3, tx_hash),
			provider_order_id = COALESCE($4, provider_order_id),
			updated_at = now()
		WHERE tx_id = $1
		RETURNING ` + operationColumns

	op, err := scanOperation(tx.QueryRow(ctx, query, txID, string(u.Status), u.TxHash, u.ProviderOrderID))
	if err != nil {
		return nil, fmt.Errorf("update operation status: %w", err)
	}
	if op == nil {
		return nil, fmt.Errorf("update operation status: %s not found", txID)
	}
	return op, nil
}

// Delete removes an operation so its idempotency key can be retried.
func (r *OperationRepo) Delete(ctx context.Context, tx pgx.Tx, txID uuid.UUID) error {
	if _, err := tx.Exec(ctx, `DELETE FROM operations WHERE tx_id = $1`, txID); err != nil {
		return fmt.Errorf("delete operation: %w", err)
	}
	return nil
}

// SpendStats sums the token's active amounts and counts every active
// operation of the wallet created since the given instant.
func (r *OperationRepo) SpendStats(ctx context.Context, tx pgx.Tx, walletID, token string, since time.Time) (domain.SpendStats, error) {
	query := `SELECT
			COALESCE(SUM(amount_micros) FILTER (WHERE token = $2), 0)::BIGINT,
			COUNT(*)
		FROM operations
		WHERE wallet_id = $1 AND created_at >= $3 AND status = ANY($4)`

	var (
		spent int64
		count int64
	)
	if err := tx.QueryRow(ctx, query, walletID, token, since, statusArgs(domain.ActiveStatuses)).Scan(&spent, &count); err != nil {
		return domain.SpendStats{}, fmt.Errorf("query spend stats: %w", err)
	}
	return domain.SpendStats{TodaySpent: domain.Micros(spent), TodayTxCount: int(count)}, nil
}

// ListByStatus returns operations in any of the statuses whose last update
// is older than the cutoff, oldest first.
func (r *OperationRepo) ListByStatus(ctx context.Context, statuses []domain.OperationStatus, olderThan time.Time, limit int) ([]domain.Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations
		WHERE status = ANY($1) AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3`

	rows, err := r.pool.Query(ctx, query, statusArgs(statuses), olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list operations by status: %w", err)
	}
	defer rows.Close()

	var ops []domain.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, *op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating operations: %w", err)
	}
	return ops, nil
}

func scanOperation(row pgx.Row) (*domain.Operation, error) {
	var (
		op           domain.Operation
		kind, status string
		amount       int64
		meta         []byte
	)
	err := row.Scan(&op.TxID, &op.WalletID, &kind, &status, &op.Token, &amount,
		&op.ToAddress, &op.TxHash, &op.ProviderOrderID, &op.IdempotencyKey, &meta,
		&op.CreatedAt, &op.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan operation: %w", err)
	}
	op.Kind = domain.OperationKind(kind)
	op.Status = domain.OperationStatus(status)
	op.Amount = domain.Micros(amount)
	if len(meta) > 0 && string(meta) != "{}" {
		op.Meta = json.RawMessage(meta)
	}
	return &op, nil
}

func statusArgs(statuses []domain.OperationStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
