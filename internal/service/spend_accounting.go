package service

import (
	"context"
	"fmt"
	"time"

	"github.com/agentswallets/cli/internal/core/domain"
	"github.com/agentswallets/cli/internal/core/ports"

	"github.com/jackc/pgx/v5"
)

// SpendAccounting derives daily spend statistics from the ledger. Spend
// is isolated per token; the transaction count spans the whole wallet.
type SpendAccounting struct {
	opRepo     ports.OperationRepository
	transactor ports.DBTransactor
	now        func() time.Time
}

// NewSpendAccounting creates a new SpendAccounting.
func NewSpendAccounting(opRepo ports.OperationRepository, transactor ports.DBTransactor) *SpendAccounting {
	return &SpendAccounting{
		opRepo:     opRepo,
		transactor: transactor,
		now:        time.Now,
	}
}

// StatsTx reads today's stats inside the caller's transaction.
func (s *SpendAccounting) StatsTx(ctx context.Context, tx pgx.Tx, walletID, token string) (domain.SpendStats, error) {
	stats, err := s.opRepo.SpendStats(ctx, tx, walletID, token, domain.UTCDayStart(s.now()))
	if err != nil {
		return domain.SpendStats{}, fmt.Errorf("spend stats: %w", err)
	}
	return stats, nil
}

// DailySpendStats reads today's stats in a short read-only transaction.
func (s *SpendAccounting) DailySpendStats(ctx context.Context, walletID, token string) (domain.SpendStats, error) {
	tx, err := s.transactor.Begin(ctx)
	if err != nil {
		return domain.SpendStats{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	return s.StatsTx(ctx, tx, walletID, token)
}
