package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentswallets/cli/internal/core/domain"

	"github.com/jackc/pgx/v5"
)

const policySelect = `SELECT wallet_id, daily_limit_micros, per_tx_limit_micros, max_tx_per_day,
		allowed_tokens, allowed_addresses, require_approval_above_micros, updated_at
		FROM policies WHERE wallet_id = $1`

// PolicyRepo implements ports.PolicyRepository.
type PolicyRepo struct {
	pool Pool
}

// NewPolicyRepo creates a new PolicyRepo.
func NewPolicyRepo(pool Pool) *PolicyRepo {
	return &PolicyRepo{pool: pool}
}

// Get fetches the wallet's policy row, or nil when none exists.
func (r *PolicyRepo) Get(ctx context.Context, walletID string) (*domain.Policy, error) {
	return scanPolicy(r.pool.QueryRow(ctx, policySelect, walletID))
}

// GetTx fetches the wallet's policy row inside a transaction.
func (r *PolicyRepo) GetTx(ctx context.Context, tx pgx.Tx, walletID string) (*domain.Policy, error) {
	return scanPolicy(tx.QueryRow(ctx, policySelect, walletID))
}

// Upsert writes the policy row, replacing any existing one.
func (r *PolicyRepo) Upsert(ctx context.Context, tx pgx.Tx, p *domain.Policy) error {
	query := `INSERT INTO policies (wallet_id, daily_limit_micros, per_tx_limit_micros, max_tx_per_day,
			allowed_tokens, allowed_addresses, require_approval_above_micros, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (wallet_id) DO UPDATE SET
			daily_limit_micros = EXCLUDED.daily_limit_micros,
			per_tx_limit_micros = EXCLUDED.per_tx_limit_micros,
			max_tx_per_day = EXCLUDED.max_tx_per_day,
			allowed_tokens = EXCLUDED.allowed_tokens,
			allowed_addresses = EXCLUDED.allowed_addresses,
			require_approval_above_micros = EXCLUDED.require_approval_above_micros,
			updated_at = now()
		RETURNING updated_at`

	err := tx.QueryRow(ctx, query,
		p.WalletID,
		microsArg(p.DailyLimit),
		microsArg(p.PerTxLimit),
		intArg(p.MaxTxPerDay),
		nonNil(p.AllowedTokens),
		nonNil(p.AllowedAddresses),
		microsArg(p.RequireApprovalAbove),
	).Scan(&p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert policy: %w", err)
	}
	return nil
}

func scanPolicy(row pgx.Row) (*domain.Policy, error) {
	var (
		p                           domain.Policy
		daily, perTx, approvalAbove *int64
		maxTx                       *int32
	)
	err := row.Scan(&p.WalletID, &daily, &perTx, &maxTx,
		&p.AllowedTokens, &p.AllowedAddresses, &approvalAbove, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get policy: %w", err)
	}
	p.DailyLimit = microsPtr(daily)
	p.PerTxLimit = microsPtr(perTx)
	p.RequireApprovalAbove = microsPtr(approvalAbove)
	if maxTx != nil {
		n := int(*maxTx)
		p.MaxTxPerDay = &n
	}
	return &p, nil
}

func microsPtr(v *int64) *domain.Micros {
	if v == nil {
		return nil
	}
	m := domain.Micros(*v)
	return &m
}

func microsArg(m *domain.Micros) *int64 {
	if m == nil {
		return nil
	}
	v := int64(*m)
	return &v
}

func intArg(n *int) *int32 {
	if n == nil {
		return nil
	}
	v := int32(*n)
	return &v
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
