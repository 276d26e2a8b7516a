package handler

import (
	"strconv"

	"github.com/agentswallets/cli/internal/adapter/http/dto"
	"github.com/agentswallets/cli/internal/core/domain"
	"github.com/agentswallets/cli/internal/core/ports"
	"github.com/agentswallets/cli/pkg/apperror"
	"github.com/agentswallets/cli/pkg/response"

	"github.com/gin-gonic/gin"
)

const maxAuditPage = 500

// AuditHandler exposes the audit chain read-only.
type AuditHandler struct {
	audit ports.AuditService
}

// NewAuditHandler creates a new AuditHandler.
func NewAuditHandler(audit ports.AuditService) *AuditHandler {
	return &AuditHandler{audit: audit}
}

// List handles GET /api/v1/audit?wallet_id=&action=&limit=.
func (h *AuditHandler) List(c *gin.Context) {
	filter := domain.AuditFilter{
		WalletID: c.Query("wallet_id"),
		Action:   c.Query("action"),
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > maxAuditPage {
			response.Error(c, apperror.Validation("limit must be between 1 and "+strconv.Itoa(maxAuditPage)))
			return
		}
		filter.Limit = limit
	}

	entries, err := h.audit.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	response.OK(c, dto.AuditListResponse{Items: entries, Count: len(entries)})
}

// Verify handles GET /api/v1/audit/verify. A broken chain is reported in
// the body, not as an HTTP error.
func (h *AuditHandler) Verify(c *gin.Context) {
	v, err := h.audit.VerifyChain(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, v)
}
