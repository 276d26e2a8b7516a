package service

import (
	"fmt"
	"strings"

	"github.com/agentswallets/cli/config"
	"github.com/agentswallets/cli/internal/core/domain"
	"github.com/agentswallets/cli/pkg/apperror"
)

// PolicyEngine evaluates proposed movements against a policy snapshot.
// Evaluation is pure; the engine only holds the fail-closed default applied
// to wallets that have no policy row.
type PolicyEngine struct {
	fallback domain.Policy
}

// NewPolicyEngine builds the engine from the configured default policy.
func NewPolicyEngine(cfg config.PolicyConfig) (*PolicyEngine, error) {
	fallback, err := defaultPolicy(cfg)
	if err != nil {
		return nil, err
	}
	return &PolicyEngine{fallback: *fallback}, nil
}

func defaultPolicy(cfg config.PolicyConfig) (*domain.Policy, error) {
	daily, err := domain.MicrosPtr(cfg.DailyLimit)
	if err != nil {
		return nil, fmt.Errorf("policy.daily_limit: %w", err)
	}
	perTx, err := domain.MicrosPtr(cfg.PerTxLimit)
	if err != nil {
		return nil, fmt.Errorf("policy.per_tx_limit: %w", err)
	}
	approval, err := domain.MicrosPtr(cfg.RequireApprovalAbove)
	if err != nil {
		return nil, fmt.Errorf("policy.require_approval_above: %w", err)
	}
	// The default must never resolve to unlimited.
	if daily == nil || perTx == nil {
		return nil, fmt.Errorf("default policy must set daily_limit and per_tx_limit")
	}

	tokens := make([]string, 0, len(cfg.AllowedTokens))
	for _, t := range cfg.AllowedTokens {
		norm, err := domain.NormalizeToken(t)
		if err != nil {
			return nil, fmt.Errorf("policy.allowed_tokens: %q: %w", t, err)
		}
		tokens = append(tokens, norm)
	}

	maxTx := cfg.MaxTxPerDay
	return &domain.Policy{
		DailyLimit:           daily,
		PerTxLimit:           perTx,
		MaxTxPerDay:          &maxTx,
		AllowedTokens:        tokens,
		AllowedAddresses:     []string{},
		RequireApprovalAbove: approval,
		IsDefault:            true,
	}, nil
}

// Resolve returns the stored policy, or a copy of the default bound to
// walletID when stored is nil.
func (e *PolicyEngine) Resolve(walletID string, stored *domain.Policy) *domain.Policy {
	if stored != nil {
		return stored
	}
	p := e.fallback
	p.WalletID = walletID
	p.AllowedTokens = append([]string(nil), e.fallback.AllowedTokens...)
	p.AllowedAddresses = []string{}
	return &p
}

// Evaluate checks a movement of amount of token to the optional toAddress.
// The first failing check wins. skipSpendLimits exempts divesting
// operations from the spend ceilings but not from allowlists or the
// transaction count.
func (e *PolicyEngine) Evaluate(
	p *domain.Policy,
	token string,
	amount domain.Micros,
	toAddress *string,
	stats domain.SpendStats,
	skipSpendLimits bool,
) domain.Decision {
	if len(p.AllowedTokens) > 0 && !tokenAllowed(p.AllowedTokens, token) {
		return domain.Deny(apperror.CodeTokenNotAllowed,
			fmt.Sprintf("token %s is not in the wallet allowlist", token),
			map[string]any{"token": token, "allowed": p.AllowedTokens})
	}

	if toAddress != nil && len(p.AllowedAddresses) > 0 && !addressAllowed(p.AllowedAddresses, *toAddress) {
		return domain.Deny(apperror.CodeAddressNotAllowed,
			"destination address is not in the wallet allowlist",
			map[string]any{"to": *toAddress})
	}

	if !skipSpendLimits {
		if p.PerTxLimit != nil && amount > *p.PerTxLimit {
			return domain.Deny(apperror.CodePerTxLimitExceeded,
				fmt.Sprintf("amount %s exceeds per-transaction limit %s", amount, *p.PerTxLimit),
				spendDetails(*p.PerTxLimit, stats.TodaySpent, amount))
		}
		if p.DailyLimit != nil && stats.TodaySpent+amount > *p.DailyLimit {
			return domain.Deny(apperror.CodeDailyLimitExceeded,
				fmt.Sprintf("daily limit %s for %s would be exceeded", *p.DailyLimit, token),
				spendDetails(*p.DailyLimit, stats.TodaySpent, amount))
		}
		if p.RequireApprovalAbove != nil && amount > *p.RequireApprovalAbove {
			return domain.Deny(apperror.CodeApprovalThresholdExceeded,
				fmt.Sprintf("amount %s requires manual approval above %s", amount, *p.RequireApprovalAbove),
				spendDetails(*p.RequireApprovalAbove, stats.TodaySpent, amount))
		}
	}

	if p.MaxTxPerDay != nil && stats.TodayTxCount+1 > *p.MaxTxPerDay {
		return domain.Deny(apperror.CodeTxCountLimitExceeded,
			fmt.Sprintf("daily transaction count limit %d reached", *p.MaxTxPerDay),
			map[string]any{"limit": *p.MaxTxPerDay, "current": stats.TodayTxCount, "amount": 1})
	}

	return domain.Allow()
}

// DenialError converts a denying decision into the API error.
func DenialError(d domain.Decision) *apperror.AppError {
	return apperror.PolicyDenied(d.Code, d.Message, d.Details)
}

func spendDetails(limit, current, amount domain.Micros) map[string]any {
	return map[string]any{
		"limit":   limit.String(),
		"current": current.String(),
		"amount":  amount.String(),
	}
}

func tokenAllowed(allowed []string, token string) bool {
	for _, a := range allowed {
		norm, err := domain.NormalizeToken(a)
		if err != nil {
			norm = strings.ToUpper(a)
		}
		if norm == token {
			return true
		}
	}
	return false
}

func addressAllowed(allowed []string, addr string) bool {
	for _, a := range allowed {
		if strings.EqualFold(strings.TrimSpace(a), addr) {
			return true
		}
	}
	return false
}
