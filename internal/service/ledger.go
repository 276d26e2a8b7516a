package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentswallets/cli/internal/core/domain"
	"github.com/agentswallets/cli/internal/core/ports"
	"github.com/agentswallets/cli/pkg/apperror"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// OperationLedger records every attempted movement and enforces its
// lifecycle. Finalizing an operation completes its idempotency key in the
// same transaction.
type OperationLedger struct {
	opRepo     ports.OperationRepository
	keys       *IdempotencyKeyManager
	transactor ports.DBTransactor
	cache      ports.ReplayCache
	cacheTTL   time.Duration
	log        zerolog.Logger
}

// NewOperationLedger creates a new OperationLedger. cache may be nil.
func NewOperationLedger(
	opRepo ports.OperationRepository,
	keys *IdempotencyKeyManager,
	transactor ports.DBTransactor,
	cache ports.ReplayCache,
	cacheTTL time.Duration,
	log zerolog.Logger,
) *OperationLedger {
	return &OperationLedger{
		opRepo:     opRepo,
		keys:       keys,
		transactor: transactor,
		cache:      cache,
		cacheTTL:   cacheTTL,
		log:        log,
	}
}

// CreatePending inserts a pending operation. Callers must hold the decide
// transaction so the intent is durable before any external call.
func (l *OperationLedger) CreatePending(ctx context.Context, tx pgx.Tx, in *domain.NewOperation) (*domain.Operation, error) {
	op, err := l.opRepo.CreatePending(ctx, tx, in)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("create pending operation: %w", err))
	}
	return op, nil
}

// Discard removes an abandoned operation so its key can be retried.
func (l *OperationLedger) Discard(ctx context.Context, tx pgx.Tx, op *domain.Operation) error {
	if err := l.opRepo.Delete(ctx, tx, op.TxID); err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("delete operation: %w", err))
	}
	l.evictProjection(ctx, op.IdempotencyKey)
	return nil
}

// Finalize moves an operation to a new status. Repeating the current
// status is a no-op so a reconciliation racing a live command is harmless.
func (l *OperationLedger) Finalize(ctx context.Context, txID uuid.UUID, update domain.FinalizeUpdate) (*domain.Operation, error) {
	tx, err := l.transactor.Begin(ctx)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	current, err := l.opRepo.GetByIDForUpdate(ctx, tx, txID)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("lock operation: %w", err))
	}
	if current == nil {
		return nil, apperror.ErrOperationNotFound()
	}
	if current.Status == update.Status {
		return current, nil
	}
	if !domain.CanTransition(current.Status, update.Status) {
		return nil, apperror.ErrInvalidTransition(string(current.Status), string(update.Status))
	}

	op, err := l.opRepo.UpdateStatus(ctx, tx, txID, update)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("update operation: %w", err))
	}

	// A failed operation leaves its key reserved so the caller may retry.
	if update.Status != domain.OperationStatusFailed {
		if err := l.keys.Complete(ctx, tx, op.IdempotencyKey, op.TxID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("commit tx: %w", err))
	}

	l.log.Info().
		Str("tx_id", op.TxID.String()).
		Str("wallet_id", op.WalletID).
		Str("from", string(current.Status)).
		Str("to", string(op.Status)).
		Msg("operation finalized")

	// Only settled outcomes are cached; anything that can still fail is
	// served from the store.
	switch {
	case op.IsTerminal() && op.IsReplayable():
		l.cacheProjection(ctx, op)
	case !op.IsReplayable():
		l.evictProjection(ctx, op.IdempotencyKey)
	}
	return op, nil
}

// GetByIdempotencyKey returns the operation bound to key.
func (l *OperationLedger) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Operation, error) {
	op, err := l.opRepo.GetByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("get operation by key: %w", err))
	}
	if op == nil {
		return nil, apperror.ErrOperationNotFound()
	}
	return op, nil
}

// cachedReplay reads a finalized projection from the replay cache.
// Misses and cache failures both return nil.
func (l *OperationLedger) cachedReplay(ctx context.Context, key string) *domain.Operation {
	if l.cache == nil {
		return nil
	}
	raw, err := l.cache.Get(ctx, key)
	if err != nil {
		l.log.Warn().Err(err).Str("idempotency_key", key).Msg("replay cache read failed, falling through to DB")
		return nil
	}
	if raw == nil {
		return nil
	}
	var op domain.Operation
	if err := json.Unmarshal(raw, &op); err != nil {
		l.log.Warn().Err(err).Str("idempotency_key", key).Msg("discarding malformed replay cache entry")
		return nil
	}
	if !op.IsTerminal() || !op.IsReplayable() {
		return nil
	}
	return &op
}

func (l *OperationLedger) cacheProjection(ctx context.Context, op *domain.Operation) {
	if l.cache == nil {
		return
	}
	raw, err := json.Marshal(op)
	if err != nil {
		return
	}
	if err := l.cache.Set(ctx, op.IdempotencyKey, raw, l.cacheTTL); err != nil {
		l.log.Warn().Err(err).Str("idempotency_key", op.IdempotencyKey).Msg("failed to cache operation projection")
	}
}

// evictProjection drops a cached projection so the next Decide reads the
// store. An eviction failure is logged; the entry then expires on its TTL.
func (l *OperationLedger) evictProjection(ctx context.Context, key string) {
	if l.cache == nil {
		return
	}
	if err := l.cache.Delete(ctx, key); err != nil {
		l.log.Error().Err(err).Str("idempotency_key", key).Msg("failed to evict operation projection")
	}
}
