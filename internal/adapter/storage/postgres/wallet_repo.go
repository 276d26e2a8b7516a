package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentswallets/cli/internal/core/domain"

	"github.com/jackc/pgx/v5"
)

// WalletRepo implements ports.WalletRepository.
type WalletRepo struct {
	pool Pool
}

// NewWalletRepo creates a new WalletRepo.
func NewWalletRepo(pool Pool) *WalletRepo {
	return &WalletRepo{pool: pool}
}

// GetByID fetches a wallet by its identifier.
func (r *WalletRepo) GetByID(ctx context.Context, id string) (*domain.Wallet, error) {
	query := `SELECT id, name, address, encrypted_key, created_at FROM wallets WHERE id = $1`

	w := &domain.Wallet{}
	err := r.pool.QueryRow(ctx, query, id).Scan(&w.ID, &w.Name, &w.Address, &w.EncryptedKey, &w.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get wallet by id: %w", err)
	}
	return w, nil
}
