package service

import (
	"context"
	"fmt"
	"time"

	"github.com/agentswallets/cli/internal/core/domain"
	"github.com/agentswallets/cli/internal/core/ports"
	"github.com/agentswallets/cli/pkg/apperror"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// IdempotencyKeyManager reserves and completes idempotency keys. Races
// between concurrent reservers are settled by the key's unique constraint.
type IdempotencyKeyManager struct {
	repo       ports.IdempotencyRepository
	staleAfter time.Duration
	now        func() time.Time
	log        zerolog.Logger
}

// NewIdempotencyKeyManager creates a new IdempotencyKeyManager.
func NewIdempotencyKeyManager(repo ports.IdempotencyRepository, staleAfter time.Duration, log zerolog.Logger) *IdempotencyKeyManager {
	return &IdempotencyKeyManager{
		repo:       repo,
		staleAfter: staleAfter,
		now:        time.Now,
		log:        log,
	}
}

// Validate checks the key shape without touching the store.
func (m *IdempotencyKeyManager) Validate(key string) error {
	if err := domain.ValidateIdempotencyKey(key); err != nil {
		return apperror.ErrInvalidIdempotencyKey(err.Error())
	}
	return nil
}

// Reserve binds key to scope inside tx.
//
// A fresh key is Created. An existing key in another scope is rejected. A
// reserved key older than the stale window is deleted and re-reserved
// (Reclaimed). Anything else in the same scope is Replayed.
func (m *IdempotencyKeyManager) Reserve(ctx context.Context, tx pgx.Tx, key, scope string) (domain.ReserveOutcome, error) {
	if err := m.Validate(key); err != nil {
		return 0, err
	}

	inserted, err := m.repo.Insert(ctx, tx, key, scope)
	if err != nil {
		return 0, apperror.ErrDatabaseError(fmt.Errorf("reserve key: %w", err))
	}
	if inserted {
		return domain.ReserveCreated, nil
	}

	existing, err := m.repo.GetForUpdate(ctx, tx, key)
	if err != nil {
		return 0, apperror.ErrDatabaseError(fmt.Errorf("load key: %w", err))
	}
	if existing == nil {
		// Deleted by a concurrent reclaim between our insert and select.
		return m.insertOnce(ctx, tx, key, scope, domain.ReserveCreated)
	}

	if existing.Scope != scope {
		return 0, apperror.ErrIdempotencyScopeConflict(key, existing.Scope, scope)
	}

	if existing.IsStale(m.now(), m.staleAfter) {
		m.log.Warn().
			Str("idempotency_key", key).
			Time("reserved_at", existing.CreatedAt).
			Msg("reclaiming stale idempotency reservation")
		if err := m.Reclaim(ctx, tx, key, scope); err != nil {
			return 0, err
		}
		return domain.ReserveReclaimed, nil
	}

	return domain.ReserveReplayed, nil
}

// Reclaim deletes the key and reserves it again in scope.
func (m *IdempotencyKeyManager) Reclaim(ctx context.Context, tx pgx.Tx, key, scope string) error {
	if err := m.repo.Delete(ctx, tx, key); err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("delete key: %w", err))
	}
	_, err := m.insertOnce(ctx, tx, key, scope, domain.ReserveReclaimed)
	return err
}

func (m *IdempotencyKeyManager) insertOnce(ctx context.Context, tx pgx.Tx, key, scope string, outcome domain.ReserveOutcome) (domain.ReserveOutcome, error) {
	inserted, err := m.repo.Insert(ctx, tx, key, scope)
	if err != nil {
		return 0, apperror.ErrDatabaseError(fmt.Errorf("reserve key: %w", err))
	}
	if !inserted {
		return 0, apperror.ErrOperationInFlight("")
	}
	return outcome, nil
}

// Complete marks key completed and binds it to the ledger entry.
func (m *IdempotencyKeyManager) Complete(ctx context.Context, tx pgx.Tx, key string, refID uuid.UUID) error {
	if err := m.repo.Complete(ctx, tx, key, refID); err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("complete key: %w", err))
	}
	return nil
}
