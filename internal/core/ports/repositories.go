package ports

import (
	"context"
	"time"

	"github.com/agentswallets/cli/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// WalletRepository reads locally managed wallets.
type WalletRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Wallet, error)
}

// PolicyRepository stores one policy row per wallet.
// Get returns nil, nil when the wallet has no policy row.
type PolicyRepository interface {
	Get(ctx context.Context, walletID string) (*domain.Policy, error)
	GetTx(ctx context.Context, tx pgx.Tx, walletID string) (*domain.Policy, error)
	Upsert(ctx context.Context, tx pgx.Tx, policy *domain.Policy) error
}

// OperationRepository is the ledger store. Methods accepting pgx.Tx run
// inside the decide or finalize transaction.
type OperationRepository interface {
	CreatePending(ctx context.Context, tx pgx.Tx, op *domain.NewOperation) (*domain.Operation, error)
	GetByID(ctx context.Context, txID uuid.UUID) (*domain.Operation, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, txID uuid.UUID) (*domain.Operation, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.Operation, error)
	GetByIdempotencyKeyTx(ctx context.Context, tx pgx.Tx, key string) (*domain.Operation, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, txID uuid.UUID, update domain.FinalizeUpdate) (*domain.Operation, error)
	Delete(ctx context.Context, tx pgx.Tx, txID uuid.UUID) error
	// SpendStats sums active amounts for (wallet, token) since the given
	// instant and counts every active operation of the wallet in that window.
	SpendStats(ctx context.Context, tx pgx.Tx, walletID, token string, since time.Time) (domain.SpendStats, error)
	ListByStatus(ctx context.Context, statuses []domain.OperationStatus, olderThan time.Time, limit int) ([]domain.Operation, error)
}

// IdempotencyRepository stores idempotency keys. The unique constraint on
// key resolves races between concurrent reservers.
type IdempotencyRepository interface {
	// Insert reserves key in scope. It returns false when the key already exists.
	Insert(ctx context.Context, tx pgx.Tx, key, scope string) (bool, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, key string) (*domain.IdempotencyKey, error)
	Delete(ctx context.Context, tx pgx.Tx, key string) error
	Complete(ctx context.Context, tx pgx.Tx, key string, refID uuid.UUID) error
}

// AuditRepository is the append-only audit chain store.
type AuditRepository interface {
	// LastHash returns the entry_hash of the newest entry, or "" when empty.
	LastHash(ctx context.Context, tx pgx.Tx) (string, error)
	Insert(ctx context.Context, tx pgx.Tx, entry *domain.AuditEntry) error
	List(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error)
	// ListAscending pages through the chain oldest-first.
	ListAscending(ctx context.Context, afterSeq int64, limit int) ([]domain.AuditEntry, error)
}

// DBTransactor provides database transaction management and the
// cross-process locks that serialize the decide phase and audit appends.
type DBTransactor interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	LockWallet(ctx context.Context, tx pgx.Tx, walletID string) error
	LockAuditChain(ctx context.Context, tx pgx.Tx) error
}
