package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentswallets/cli/internal/core/domain"
	"github.com/agentswallets/cli/internal/core/ports"
	"github.com/agentswallets/cli/pkg/apperror"

	"github.com/rs/zerolog"
)

// PolicyServiceImpl implements ports.PolicyService.
type PolicyServiceImpl struct {
	policyRepo ports.PolicyRepository
	wallets    ports.WalletRepository
	transactor ports.DBTransactor
	engine     *PolicyEngine
	spend      *SpendAccounting
	audit      *AuditLog
	log        zerolog.Logger
}

// NewPolicyService creates a new PolicyServiceImpl.
func NewPolicyService(
	policyRepo ports.PolicyRepository,
	wallets ports.WalletRepository,
	transactor ports.DBTransactor,
	engine *PolicyEngine,
	spend *SpendAccounting,
	audit *AuditLog,
	log zerolog.Logger,
) *PolicyServiceImpl {
	return &PolicyServiceImpl{
		policyRepo: policyRepo,
		wallets:    wallets,
		transactor: transactor,
		engine:     engine,
		spend:      spend,
		audit:      audit,
		log:        log,
	}
}

// GetPolicy returns the wallet's policy, or the fail-closed default.
func (s *PolicyServiceImpl) GetPolicy(ctx context.Context, walletID string) (*domain.Policy, error) {
	if _, err := lookupWallet(ctx, s.wallets, walletID); err != nil {
		return nil, err
	}
	stored, err := s.policyRepo.Get(ctx, walletID)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("get policy: %w", err))
	}
	return s.engine.Resolve(walletID, stored), nil
}

// SetPolicy validates and stores a policy, then audits the change. It
// takes the wallet lock so it cannot interleave with a decide phase.
func (s *PolicyServiceImpl) SetPolicy(ctx context.Context, p *domain.Policy) (*domain.Policy, error) {
	if _, err := lookupWallet(ctx, s.wallets, p.WalletID); err != nil {
		return nil, err
	}
	if err := normalizePolicy(p); err != nil {
		return nil, err
	}

	tx, err := s.transactor.Begin(ctx)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := s.transactor.LockWallet(ctx, tx, p.WalletID); err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("lock wallet: %w", err))
	}
	if err := s.policyRepo.Upsert(ctx, tx, p); err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("commit tx: %w", err))
	}

	if _, err := s.audit.Append(ctx, domain.NewAuditRecord{
		WalletID: &p.WalletID,
		Action:   domain.AuditActionPolicySet,
		Request:  p,
		Decision: domain.AuditDecisionOK,
	}); err != nil {
		return nil, err
	}

	s.log.Info().Str("wallet_id", p.WalletID).Msg("policy updated")
	return p, nil
}

// Evaluate is a dry run: nothing is reserved, recorded or audited.
func (s *PolicyServiceImpl) Evaluate(ctx context.Context, req ports.EvaluateRequest) (domain.Decision, error) {
	token, err := domain.NormalizeToken(req.Token)
	if err != nil {
		return domain.Decision{}, apperror.ErrInvalidToken(req.Token)
	}
	amount, err := domain.ParseAmount(req.Amount)
	if err != nil {
		return domain.Decision{}, apperror.ErrInvalidAmount(err.Error())
	}
	var to *string
	if strings.TrimSpace(req.To) != "" {
		addr, err := domain.NormalizeAddress(req.To)
		if err != nil {
			return domain.Decision{}, apperror.ErrInvalidAddress(req.To)
		}
		to = &addr
	}
	if _, err := lookupWallet(ctx, s.wallets, req.WalletID); err != nil {
		return domain.Decision{}, err
	}

	tx, err := s.transactor.Begin(ctx)
	if err != nil {
		return domain.Decision{}, apperror.ErrDatabaseError(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	stats, err := s.spend.StatsTx(ctx, tx, req.WalletID, token)
	if err != nil {
		return domain.Decision{}, apperror.ErrDatabaseError(err)
	}
	stored, err := s.policyRepo.GetTx(ctx, tx, req.WalletID)
	if err != nil {
		return domain.Decision{}, apperror.ErrDatabaseError(fmt.Errorf("load policy: %w", err))
	}

	policy := s.engine.Resolve(req.WalletID, stored)
	return s.engine.Evaluate(policy, token, amount, to, stats, req.SkipSpendLimits), nil
}

// DailySpendStats returns today's spend for (wallet, token).
func (s *PolicyServiceImpl) DailySpendStats(ctx context.Context, walletID, token string) (domain.SpendStats, error) {
	norm, err := domain.NormalizeToken(token)
	if err != nil {
		return domain.SpendStats{}, apperror.ErrInvalidToken(token)
	}
	if _, err := lookupWallet(ctx, s.wallets, walletID); err != nil {
		return domain.SpendStats{}, err
	}
	stats, err := s.spend.DailySpendStats(ctx, walletID, norm)
	if err != nil {
		return domain.SpendStats{}, apperror.ErrDatabaseError(err)
	}
	return stats, nil
}

// normalizePolicy canonicalizes allowlists and rejects negative limits.
func normalizePolicy(p *domain.Policy) error {
	p.IsDefault = false

	for _, limit := range []*domain.Micros{p.DailyLimit, p.PerTxLimit, p.RequireApprovalAbove} {
		if limit != nil && *limit < 0 {
			return apperror.ErrInvalidAmount("policy limits must not be negative")
		}
	}
	if p.MaxTxPerDay != nil && *p.MaxTxPerDay < 0 {
		return apperror.Validation("max_tx_per_day must not be negative")
	}

	tokens := make([]string, 0, len(p.AllowedTokens))
	seen := make(map[string]bool, len(p.AllowedTokens))
	for _, t := range p.AllowedTokens {
		norm, err := domain.NormalizeToken(t)
		if err != nil {
			return apperror.ErrInvalidToken(t)
		}
		if !seen[norm] {
			seen[norm] = true
			tokens = append(tokens, norm)
		}
	}
	p.AllowedTokens = tokens

	addrs := make([]string, 0, len(p.AllowedAddresses))
	seen = make(map[string]bool, len(p.AllowedAddresses))
	for _, a := range p.AllowedAddresses {
		norm, err := domain.NormalizeAddress(a)
		if err != nil {
			return apperror.ErrInvalidAddress(a)
		}
		if !seen[norm] {
			seen[norm] = true
			addrs = append(addrs, norm)
		}
	}
	p.AllowedAddresses = addrs
	return nil
}
