package handler

import (
	"github.com/agentswallets/cli/internal/adapter/http/dto"
	"github.com/agentswallets/cli/internal/core/domain"
	"github.com/agentswallets/cli/internal/core/ports"
	"github.com/agentswallets/cli/pkg/apperror"
	"github.com/agentswallets/cli/pkg/response"

	"github.com/gin-gonic/gin"
)

// OperationHandler serves the money-moving commands.
type OperationHandler struct {
	ops ports.OperationService
}

// NewOperationHandler creates a new OperationHandler.
func NewOperationHandler(ops ports.OperationService) *OperationHandler {
	return &OperationHandler{ops: ops}
}

// Send handles POST /api/v1/wallets/:wallet_id/send.
func (h *OperationHandler) Send(c *gin.Context) {
	walletID, ok := walletParam(c)
	if !ok {
		return
	}

	var req dto.SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}
	dto.TrimStruct(&req)

	result, err := h.ops.Send(c.Request.Context(), ports.SendRequest{
		WalletID:       walletID,
		Token:          req.Token,
		Amount:         req.Amount,
		To:             req.To,
		IdempotencyKey: req.IdempotencyKey,
		Passphrase:     req.Passphrase,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	operationResponse(c, result)
}

// PlaceOrder handles POST /api/v1/wallets/:wallet_id/orders.
func (h *OperationHandler) PlaceOrder(c *gin.Context) {
	walletID, ok := walletParam(c)
	if !ok {
		return
	}

	var req dto.OrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}
	dto.TrimStruct(&req)

	result, err := h.ops.PlaceOrder(c.Request.Context(), ports.OrderRequest{
		WalletID:       walletID,
		Side:           domain.OperationKind(req.Side),
		Market:         req.Market,
		Token:          req.Token,
		Amount:         req.Amount,
		Price:          req.Price,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	operationResponse(c, result)
}

// CancelOrder handles POST /api/v1/wallets/:wallet_id/orders/:order_id/cancel.
func (h *OperationHandler) CancelOrder(c *gin.Context) {
	walletID, ok := walletParam(c)
	if !ok {
		return
	}

	result, err := h.ops.CancelOrder(c.Request.Context(), ports.CancelRequest{
		WalletID: walletID,
		OrderID:  c.Param("order_id"),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, result)
}

// GetByKey handles GET /api/v1/operations/by-key/:key.
func (h *OperationHandler) GetByKey(c *gin.Context) {
	op, err := h.ops.GetByIdempotencyKey(c.Request.Context(), c.Param("key"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, op)
}

// operationResponse answers 201 for a fresh operation and 200 for a replay.
func operationResponse(c *gin.Context, result *ports.OperationResult) {
	if result.Replayed {
		response.OK(c, result)
		return
	}
	response.Created(c, result)
}

func walletParam(c *gin.Context) (string, bool) {
	id := c.Param("wallet_id")
	if !dto.IsSafeID(id) {
		response.Error(c, apperror.Validation("invalid wallet id"))
		return "", false
	}
	return id, true
}
