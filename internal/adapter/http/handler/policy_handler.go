package handler

import (
	"time"

	"github.com/agentswallets/cli/internal/adapter/http/dto"
	"github.com/agentswallets/cli/internal/core/domain"
	"github.com/agentswallets/cli/internal/core/ports"
	"github.com/agentswallets/cli/pkg/apperror"
	"github.com/agentswallets/cli/pkg/response"

	"github.com/gin-gonic/gin"
)

// PolicyHandler serves policy management, dry-run evaluation and spend
// statistics.
type PolicyHandler struct {
	policies ports.PolicyService
	now      func() time.Time
}

// NewPolicyHandler creates a new PolicyHandler.
func NewPolicyHandler(policies ports.PolicyService) *PolicyHandler {
	return &PolicyHandler{policies: policies, now: time.Now}
}

// GetPolicy handles GET /api/v1/wallets/:wallet_id/policy.
func (h *PolicyHandler) GetPolicy(c *gin.Context) {
	walletID, ok := walletParam(c)
	if !ok {
		return
	}

	p, err := h.policies.GetPolicy(c.Request.Context(), walletID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, p)
}

// SetPolicy handles PUT /api/v1/wallets/:wallet_id/policy.
func (h *PolicyHandler) SetPolicy(c *gin.Context) {
	walletID, ok := walletParam(c)
	if !ok {
		return
	}

	var req dto.PolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}
	dto.TrimStruct(&req)

	p := &domain.Policy{
		WalletID:         walletID,
		MaxTxPerDay:      req.MaxTxPerDay,
		AllowedTokens:    req.AllowedTokens,
		AllowedAddresses: req.AllowedAddresses,
	}
	var err error
	if p.DailyLimit, err = optionalLimit(req.DailyLimit); err != nil {
		response.Error(c, apperror.ErrInvalidAmount("daily_limit: "+err.Error()))
		return
	}
	if p.PerTxLimit, err = optionalLimit(req.PerTxLimit); err != nil {
		response.Error(c, apperror.ErrInvalidAmount("per_tx_limit: "+err.Error()))
		return
	}
	if p.RequireApprovalAbove, err = optionalLimit(req.RequireApprovalAbove); err != nil {
		response.Error(c, apperror.ErrInvalidAmount("require_approval_above: "+err.Error()))
		return
	}

	saved, err := h.policies.SetPolicy(c.Request.Context(), p)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, saved)
}

// Evaluate handles POST /api/v1/policy/evaluate. A denial is a normal
// 200 answer carrying allowed=false.
func (h *PolicyHandler) Evaluate(c *gin.Context) {
	var req dto.EvaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}
	dto.TrimStruct(&req)

	d, err := h.policies.Evaluate(c.Request.Context(), ports.EvaluateRequest{
		WalletID:        req.WalletID,
		Token:           req.Token,
		Amount:          req.Amount,
		To:              req.To,
		SkipSpendLimits: req.SkipSpendLimits,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, d)
}

// Spend handles GET /api/v1/wallets/:wallet_id/spend?token=.
func (h *PolicyHandler) Spend(c *gin.Context) {
	walletID, ok := walletParam(c)
	if !ok {
		return
	}

	token := c.Query("token")
	stats, err := h.policies.DailySpendStats(c.Request.Context(), walletID, token)
	if err != nil {
		response.Error(c, err)
		return
	}
	if norm, err := domain.NormalizeToken(token); err == nil {
		token = norm
	}

	response.OK(c, dto.SpendResponse{
		WalletID:     walletID,
		Token:        token,
		Day:          h.now().UTC().Format("2006-01-02"),
		TodaySpent:   stats.TodaySpent,
		TodayTxCount: stats.TodayTxCount,
	})
}

func optionalLimit(s *string) (*domain.Micros, error) {
	if s == nil {
		return nil, nil
	}
	return domain.MicrosPtr(*s)
}
