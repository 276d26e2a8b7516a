package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Advisory lock namespaces. Wallet locks use the two-key form so they can
// never collide with the single-key audit chain lock.
const (
	walletLockClass   int32 = 0x4157
	auditChainLockKey int64 = 0x41570001
)

// Transactor implements ports.DBTransactor using pgxpool.Pool.
type Transactor struct {
	pool Pool
}

// NewTransactor creates a new Transactor wrapping the connection pool.
func NewTransactor(pool Pool) *Transactor {
	return &Transactor{pool: pool}
}

// Begin starts a new database transaction.
func (t *Transactor) Begin(ctx context.Context) (pgx.Tx, error) {
	return t.pool.Begin(ctx)
}

// LockWallet takes a transaction-scoped advisory lock for the wallet. Every
// decide transaction for the same wallet is serialized on it, across processes.
func (t *Transactor) LockWallet(ctx context.Context, tx pgx.Tx, walletID string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1, hashtext($2))`, walletLockClass, walletID); err != nil {
		return fmt.Errorf("lock wallet %s: %w", walletID, err)
	}
	return nil
}

// LockAuditChain serializes "read last hash" and "insert entry" for appends.
func (t *Transactor) LockAuditChain(ctx context.Context, tx pgx.Tx) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, auditChainLockKey); err != nil {
		return fmt.Errorf("lock audit chain: %w", err)
	}
	return nil
}
