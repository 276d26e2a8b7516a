package dto

import "github.com/agentswallets/cli/internal/core/domain"

// SendRequest is the body of POST /wallets/:wallet_id/send.
type SendRequest struct {
	Token          string `json:"token" binding:"required,max=16"`
	Amount         string `json:"amount" binding:"required,max=40"`
	To             string `json:"to" binding:"required,max=64"`
	IdempotencyKey string `json:"idempotency_key" binding:"required"`
	Passphrase     string `json:"passphrase" binding:"required" sanitize:"-"`
}

// OrderRequest is the body of POST /wallets/:wallet_id/orders.
type OrderRequest struct {
	Side           string `json:"side" binding:"required,oneof=buy sell"`
	Market         string `json:"market" binding:"required,max=128,safe_id"`
	Token          string `json:"token" binding:"required,max=16"`
	Amount         string `json:"amount" binding:"required,max=40"`
	Price          string `json:"price,omitempty" binding:"omitempty,max=40"`
	IdempotencyKey string `json:"idempotency_key" binding:"required"`
}

// PolicyRequest is the body of PUT /wallets/:wallet_id/policy. Omitted
// limits are unlimited.
type PolicyRequest struct {
	DailyLimit           *string  `json:"daily_limit"`
	PerTxLimit           *string  `json:"per_tx_limit"`
	MaxTxPerDay          *int     `json:"max_tx_per_day" binding:"omitempty,min=0"`
	AllowedTokens        []string `json:"allowed_tokens" binding:"omitempty,max=64"`
	AllowedAddresses     []string `json:"allowed_addresses" binding:"omitempty,max=256"`
	RequireApprovalAbove *string  `json:"require_approval_above"`
}

// EvaluateRequest is the body of POST /policy/evaluate.
type EvaluateRequest struct {
	WalletID        string `json:"wallet_id" binding:"required,max=64,safe_id"`
	Token           string `json:"token" binding:"required,max=16"`
	Amount          string `json:"amount" binding:"required,max=40"`
	To              string `json:"to,omitempty" binding:"omitempty,max=64"`
	SkipSpendLimits bool   `json:"skip_spend_limits"`
}

// SpendResponse is the spend snapshot for one wallet and token.
type SpendResponse struct {
	WalletID     string        `json:"wallet_id"`
	Token        string        `json:"token"`
	Day          string        `json:"day"`
	TodaySpent   domain.Micros `json:"today_spent"`
	TodayTxCount int           `json:"today_tx_count"`
}

// AuditListResponse wraps a page of audit entries, most recent first.
type AuditListResponse struct {
	Items []domain.AuditEntry `json:"items"`
	Count int                 `json:"count"`
}
