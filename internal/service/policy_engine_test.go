package service

import (
	"testing"

	"github.com/agentswallets/cli/config"
	"github.com/agentswallets/cli/internal/core/domain"
	"github.com/agentswallets/cli/pkg/apperror"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustAmount(t *testing.T, s string) domain.Micros {
	t.Helper()
	m, err := domain.ParseAmount(s)
	require.NoError(t, err)
	return m
}

func newTestEngine(t *testing.T) *PolicyEngine {
	t.Helper()
	e, err := NewPolicyEngine(testPolicyConfig)
	require.NoError(t, err)
	return e
}

func TestPolicyEngine_Scenario(t *testing.T) {
	e := newTestEngine(t)
	p := &domain.Policy{
		DailyLimit:    micros("500"),
		PerTxLimit:    micros("100"),
		MaxTxPerDay:   intPtr(20),
		AllowedTokens: []string{"USDC"},
	}
	stats := domain.SpendStats{TodaySpent: mustAmount(t, "450")}

	denied := e.Evaluate(p, "USDC", mustAmount(t, "51"), nil, stats, false)
	assert.False(t, denied.Allowed)
	assert.Equal(t, apperror.CodeDailyLimitExceeded, denied.Code)
	assert.Equal(t, "500", denied.Details["limit"])
	assert.Equal(t, "450", denied.Details["current"])
	assert.Equal(t, "51", denied.Details["amount"])

	allowed := e.Evaluate(p, "USDC", mustAmount(t, "50"), nil, stats, false)
	assert.True(t, allowed.Allowed)
}

func TestPolicyEngine_BoundaryExactness(t *testing.T) {
	e := newTestEngine(t)

	tests := []struct {
		name    string
		policy  *domain.Policy
		amount  string
		spent   string
		allowed bool
		code    string
	}{
		{
			name:    "amount equal to per-tx limit is allowed",
			policy:  &domain.Policy{PerTxLimit: micros("100")},
			amount:  "100",
			allowed: true,
		},
		{
			name:   "one micro over per-tx limit is denied",
			policy: &domain.Policy{PerTxLimit: micros("100")},
			amount: "100.000001",
			code:   apperror.CodePerTxLimitExceeded,
		},
		{
			name:    "decimal sums compare exactly",
			policy:  &domain.Policy{DailyLimit: micros("0.3")},
			amount:  "0.1",
			spent:   "0.2",
			allowed: true,
		},
		{
			name:    "daily total equal to limit is allowed",
			policy:  &domain.Policy{DailyLimit: micros("500")},
			amount:  "250",
			spent:   "250",
			allowed: true,
		},
		{
			name:   "daily total one unit over is denied",
			policy: &domain.Policy{DailyLimit: micros("500")},
			amount: "251",
			spent:  "250",
			code:   apperror.CodeDailyLimitExceeded,
		},
		{
			name:   "approval threshold",
			policy: &domain.Policy{RequireApprovalAbove: micros("10")},
			amount: "10.5",
			code:   apperror.CodeApprovalThresholdExceeded,
		},
		{
			name:    "nil limits are unlimited",
			policy:  &domain.Policy{},
			amount:  "999999",
			spent:   "999999",
			allowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stats domain.SpendStats
			if tt.spent != "" {
				stats.TodaySpent = mustAmount(t, tt.spent)
			}
			d := e.Evaluate(tt.policy, "USDC", mustAmount(t, tt.amount), nil, stats, false)
			assert.Equal(t, tt.allowed, d.Allowed)
			assert.Equal(t, tt.code, d.Code)
		})
	}
}

func TestPolicyEngine_CheckOrder(t *testing.T) {
	e := newTestEngine(t)
	to := testRecipient
	p := &domain.Policy{
		DailyLimit:       micros("1"),
		PerTxLimit:       micros("1"),
		MaxTxPerDay:      intPtr(0),
		AllowedTokens:    []string{"USDC"},
		AllowedAddresses: []string{"0x000000000000000000000000000000000000beef"},
	}
	stats := domain.SpendStats{TodaySpent: mustAmount(t, "5"), TodayTxCount: 3}

	// Everything fails; the token allowlist is checked first.
	d := e.Evaluate(p, "WETH", mustAmount(t, "10"), &to, stats, false)
	assert.Equal(t, apperror.CodeTokenNotAllowed, d.Code)

	d = e.Evaluate(p, "USDC", mustAmount(t, "10"), &to, stats, false)
	assert.Equal(t, apperror.CodeAddressNotAllowed, d.Code)

	p.AllowedAddresses = nil
	d = e.Evaluate(p, "USDC", mustAmount(t, "10"), &to, stats, false)
	assert.Equal(t, apperror.CodePerTxLimitExceeded, d.Code)

	p.PerTxLimit = nil
	d = e.Evaluate(p, "USDC", mustAmount(t, "10"), &to, stats, false)
	assert.Equal(t, apperror.CodeDailyLimitExceeded, d.Code)

	p.DailyLimit = nil
	d = e.Evaluate(p, "USDC", mustAmount(t, "10"), &to, stats, false)
	assert.Equal(t, apperror.CodeTxCountLimitExceeded, d.Code)
	assert.Equal(t, 0, d.Details["limit"])
	assert.Equal(t, 3, d.Details["current"])
}

func TestPolicyEngine_AllowlistsNormalize(t *testing.T) {
	e := newTestEngine(t)
	p := &domain.Policy{
		AllowedTokens:    []string{"usdc", "matic"},
		AllowedAddresses: []string{"0x8BA1F109551BD432803012645AC136DDD64DBA72"},
	}
	to := testRecipient

	assert.True(t, e.Evaluate(p, "USDC", 1, &to, domain.SpendStats{}, false).Allowed)
	assert.True(t, e.Evaluate(p, "POL", 1, &to, domain.SpendStats{}, false).Allowed, "MATIC alias resolves to POL")

	other := "0x000000000000000000000000000000000000beef"
	assert.Equal(t, apperror.CodeAddressNotAllowed, e.Evaluate(p, "USDC", 1, &other, domain.SpendStats{}, false).Code)

	// Orders carry no destination; the address allowlist does not apply.
	assert.True(t, e.Evaluate(p, "USDC", 1, nil, domain.SpendStats{}, false).Allowed)
}

func TestPolicyEngine_SellExemption(t *testing.T) {
	e := newTestEngine(t)
	p := &domain.Policy{
		DailyLimit:           micros("100"),
		PerTxLimit:           micros("10"),
		RequireApprovalAbove: micros("5"),
		MaxTxPerDay:          intPtr(3),
		AllowedTokens:        []string{"USDC"},
	}

	d := e.Evaluate(p, "USDC", mustAmount(t, "500"), nil, domain.SpendStats{TodaySpent: mustAmount(t, "99"), TodayTxCount: 2}, true)
	assert.True(t, d.Allowed, "spend ceilings do not bind a sell")

	d = e.Evaluate(p, "USDC", mustAmount(t, "1"), nil, domain.SpendStats{TodayTxCount: 3}, true)
	assert.Equal(t, apperror.CodeTxCountLimitExceeded, d.Code, "tx count still binds a sell")

	d = e.Evaluate(p, "DAI", mustAmount(t, "1"), nil, domain.SpendStats{}, true)
	assert.Equal(t, apperror.CodeTokenNotAllowed, d.Code, "allowlist still binds a sell")
}

func TestPolicyEngine_ResolveFailClosed(t *testing.T) {
	e := newTestEngine(t)

	p := e.Resolve(testWallet, nil)
	require.NotNil(t, p)
	assert.True(t, p.IsDefault)
	assert.Equal(t, testWallet, p.WalletID)
	require.NotNil(t, p.DailyLimit)
	require.NotNil(t, p.PerTxLimit)
	assert.Equal(t, "100", p.DailyLimit.String())
	assert.Equal(t, "25", p.PerTxLimit.String())
	assert.Equal(t, 10, *p.MaxTxPerDay)
	assert.Equal(t, []string{"USDC", "POL"}, p.AllowedTokens)

	// Mutating one resolution must not leak into the next.
	p.AllowedTokens[0] = "XXX"
	assert.Equal(t, "USDC", e.Resolve(testWallet, nil).AllowedTokens[0])

	stored := &domain.Policy{WalletID: testWallet}
	assert.Same(t, stored, e.Resolve(testWallet, stored))
}

func TestNewPolicyEngine_RejectsUnlimitedDefault(t *testing.T) {
	_, err := NewPolicyEngine(config.PolicyConfig{PerTxLimit: "10"})
	assert.Error(t, err)

	_, err = NewPolicyEngine(config.PolicyConfig{DailyLimit: "abc", PerTxLimit: "10"})
	assert.Error(t, err)

	_, err = NewPolicyEngine(config.PolicyConfig{DailyLimit: "10", PerTxLimit: "10", AllowedTokens: []string{"bad token"}})
	assert.Error(t, err)
}

func TestDenialError(t *testing.T) {
	d := domain.Deny(apperror.CodePerTxLimitExceeded, "too big", map[string]any{"limit": "1"})
	err := DenialError(d)
	assert.Equal(t, apperror.CodePerTxLimitExceeded, err.Code)
	assert.Equal(t, 403, err.HTTPStatus)
	assert.Equal(t, "1", err.Details["limit"])
}
