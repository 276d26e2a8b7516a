package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agentswallets/cli/internal/core/domain"
	"github.com/agentswallets/cli/internal/core/ports"
	"github.com/agentswallets/cli/pkg/apperror"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// OperationServiceImpl implements ports.OperationService. Each command runs
// the decide phase, performs the external call outside any transaction and
// finalizes the ledger entry with the outcome.
type OperationServiceImpl struct {
	orch           *Orchestrator
	audit          *AuditLog
	wallets        ports.WalletRepository
	chain          ports.ChainClient
	provider       ports.MarketProvider
	vault          ports.Vault
	gate           ports.SessionGate
	receiptTimeout time.Duration
	metrics        *Metrics
	log            zerolog.Logger
}

// NewOperationService creates a new OperationServiceImpl.
func NewOperationService(
	orch *Orchestrator,
	audit *AuditLog,
	wallets ports.WalletRepository,
	chain ports.ChainClient,
	provider ports.MarketProvider,
	vault ports.Vault,
	gate ports.SessionGate,
	receiptTimeout time.Duration,
	metrics *Metrics,
	log zerolog.Logger,
) *OperationServiceImpl {
	return &OperationServiceImpl{
		orch:           orch,
		audit:          audit,
		wallets:        wallets,
		chain:          chain,
		provider:       provider,
		vault:          vault,
		gate:           gate,
		receiptTimeout: receiptTimeout,
		metrics:        metrics,
		log:            log,
	}
}

// Send moves tokens on-chain: pending, then broadcasted, then confirmed or
// failed once a receipt is observed. On receipt timeout the operation stays
// broadcasted.
func (s *OperationServiceImpl) Send(ctx context.Context, req ports.SendRequest) (*ports.OperationResult, error) {
	if !s.gate.IsSessionValid(ctx) {
		return nil, apperror.ErrSessionLocked()
	}

	token, err := domain.NormalizeToken(req.Token)
	if err != nil {
		return nil, apperror.ErrInvalidToken(req.Token)
	}
	amount, err := domain.ParseAmount(req.Amount)
	if err != nil {
		return nil, apperror.ErrInvalidAmount(err.Error())
	}
	to, err := domain.NormalizeAddress(req.To)
	if err != nil {
		return nil, apperror.ErrInvalidAddress(req.To)
	}
	wallet, err := lookupWallet(ctx, s.wallets, req.WalletID)
	if err != nil {
		return nil, err
	}

	request := map[string]any{
		"wallet_id":       req.WalletID,
		"token":           token,
		"amount":          amount.String(),
		"to":              to,
		"idempotency_key": req.IdempotencyKey,
	}

	dec, err := s.orch.Decide(ctx, DecideInput{
		Kind:           domain.OperationKindSend,
		WalletID:       req.WalletID,
		Token:          token,
		Amount:         amount,
		ToAddress:      &to,
		IdempotencyKey: req.IdempotencyKey,
		AuditAction:    domain.AuditActionSend,
		AuditRequest:   request,
	})
	if err != nil {
		return nil, err
	}
	if dec.Replayed {
		return &ports.OperationResult{Operation: dec.Operation, Replayed: true}, nil
	}
	op := dec.Operation

	secret, err := s.vault.Decrypt(wallet.EncryptedKey, req.Passphrase)
	if err != nil {
		return nil, s.fail(ctx, op, domain.AuditActionSendResult, request, apperror.ErrInvalidPassphrase(err))
	}

	start := time.Now()
	txHash, err := s.chain.Send(ctx, ports.TransferRequest{
		PrivateKeyHex: secret,
		To:            to,
		Token:         token,
		Amount:        amount,
	})
	s.observeExternal("chain", "send", start, err)
	if err != nil {
		return nil, s.fail(ctx, op, domain.AuditActionSendResult, request, ClassifyExternalError(err))
	}

	op, err = s.orch.Finalize(ctx, op.TxID, domain.FinalizeUpdate{
		Status: domain.OperationStatusBroadcasted,
		TxHash: &txHash,
	})
	if err != nil {
		s.log.Error().Err(err).
			Str("tx_id", dec.Operation.TxID.String()).
			Str("tx_hash", txHash).
			Msg("broadcast accepted but finalize failed; operation needs reconciliation")
		return nil, err
	}

	if _, err := s.audit.Append(ctx, domain.NewAuditRecord{
		WalletID: &op.WalletID,
		Action:   domain.AuditActionSendResult,
		Request:  request,
		Decision: domain.AuditDecisionSent,
		Result:   map[string]any{"tx_id": op.TxID.String(), "status": op.Status, "tx_hash": txHash},
	}); err != nil {
		return nil, err
	}

	op, err = s.awaitReceipt(ctx, op, request)
	if err != nil {
		return nil, err
	}
	return &ports.OperationResult{Operation: op}, nil
}

// awaitReceipt waits a bounded time for settlement. Anything short of a
// definite receipt leaves the operation broadcasted for reconciliation.
func (s *OperationServiceImpl) awaitReceipt(ctx context.Context, op *domain.Operation, request map[string]any) (*domain.Operation, error) {
	start := time.Now()
	status, err := s.chain.WaitForReceipt(ctx, *op.TxHash, s.receiptTimeout)
	s.observeExternal("chain", "receipt", start, err)
	if err != nil {
		s.log.Warn().Err(err).Str("tx_id", op.TxID.String()).Str("tx_hash", *op.TxHash).Msg("receipt wait failed; leaving operation broadcasted")
		return op, nil
	}

	var next domain.OperationStatus
	switch status {
	case ports.ReceiptSuccess:
		next = domain.OperationStatusConfirmed
	case ports.ReceiptReverted:
		next = domain.OperationStatusFailed
	default:
		s.log.Info().Str("tx_id", op.TxID.String()).Str("receipt", string(status)).Msg("no receipt within wait; leaving operation broadcasted")
		return op, nil
	}

	final, err := s.orch.Finalize(ctx, op.TxID, domain.FinalizeUpdate{Status: next})
	if err != nil {
		s.log.Error().Err(err).Str("tx_id", op.TxID.String()).Msg("failed to record receipt")
		return op, nil
	}

	if _, err := s.audit.Append(ctx, domain.NewAuditRecord{
		WalletID: &final.WalletID,
		Action:   domain.AuditActionSendResult,
		Request:  request,
		Decision: domain.AuditDecisionSent,
		Result:   map[string]any{"tx_id": final.TxID.String(), "status": final.Status, "tx_hash": *op.TxHash, "receipt": status},
	}); err != nil {
		return nil, err
	}
	return final, nil
}

// PlaceOrder submits a buy or sell to the market provider. Sells divest and
// are exempt from spend ceilings.
func (s *OperationServiceImpl) PlaceOrder(ctx context.Context, req ports.OrderRequest) (*ports.OperationResult, error) {
	if !s.gate.IsSessionValid(ctx) {
		return nil, apperror.ErrSessionLocked()
	}

	var action string
	switch req.Side {
	case domain.OperationKindBuy:
		action = domain.AuditActionBuy
	case domain.OperationKindSell:
		action = domain.AuditActionSell
	default:
		return nil, apperror.Validation("side must be buy or sell")
	}
	market := strings.TrimSpace(req.Market)
	if market == "" {
		return nil, apperror.Validation("market is required")
	}
	token, err := domain.NormalizeToken(req.Token)
	if err != nil {
		return nil, apperror.ErrInvalidToken(req.Token)
	}
	amount, err := domain.ParseAmount(req.Amount)
	if err != nil {
		return nil, apperror.ErrInvalidAmount(err.Error())
	}
	price := strings.TrimSpace(req.Price)
	if price != "" {
		p, err := decimal.NewFromString(price)
		if err != nil || !p.IsPositive() {
			return nil, apperror.Validation("price must be a positive decimal")
		}
	}
	if _, err := lookupWallet(ctx, s.wallets, req.WalletID); err != nil {
		return nil, err
	}

	request := map[string]any{
		"wallet_id":       req.WalletID,
		"side":            req.Side,
		"market":          market,
		"token":           token,
		"amount":          amount.String(),
		"price":           price,
		"idempotency_key": req.IdempotencyKey,
	}
	meta, err := json.Marshal(map[string]string{"market": market, "price": price})
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("marshal meta: %w", err))
	}

	dec, err := s.orch.Decide(ctx, DecideInput{
		Kind:            req.Side,
		WalletID:        req.WalletID,
		Token:           token,
		Amount:          amount,
		IdempotencyKey:  req.IdempotencyKey,
		SkipSpendLimits: req.Side == domain.OperationKindSell,
		Meta:            meta,
		AuditAction:     action,
		AuditRequest:    request,
	})
	if err != nil {
		return nil, err
	}
	if dec.Replayed {
		return &ports.OperationResult{Operation: dec.Operation, Replayed: true}, nil
	}
	op := dec.Operation

	order := ports.ProviderOrder{
		ClientOrderID: req.IdempotencyKey,
		WalletID:      req.WalletID,
		Market:        market,
		Token:         token,
		Amount:        amount,
		Price:         price,
	}
	start := time.Now()
	var pr *ports.ProviderResult
	if req.Side == domain.OperationKindBuy {
		pr, err = s.provider.Buy(ctx, order)
	} else {
		pr, err = s.provider.Sell(ctx, order)
	}
	if err == nil && (pr == nil || pr.ProviderOrderID == "") {
		err = fmt.Errorf("provider returned no order id")
	}
	s.observeExternal("provider", string(req.Side), start, err)
	if err != nil {
		return nil, s.fail(ctx, op, domain.AuditActionOrderResult, request, ClassifyExternalError(err))
	}

	op, err = s.orch.Finalize(ctx, op.TxID, domain.FinalizeUpdate{
		Status:          domain.OperationStatusSubmitted,
		ProviderOrderID: &pr.ProviderOrderID,
	})
	if err != nil {
		s.log.Error().Err(err).
			Str("tx_id", dec.Operation.TxID.String()).
			Str("provider_order_id", pr.ProviderOrderID).
			Msg("order accepted but finalize failed; operation needs reconciliation")
		return nil, err
	}

	if _, err := s.audit.Append(ctx, domain.NewAuditRecord{
		WalletID: &op.WalletID,
		Action:   domain.AuditActionOrderResult,
		Request:  request,
		Decision: domain.AuditDecisionSent,
		Result: map[string]any{
			"tx_id":             op.TxID.String(),
			"status":            op.Status,
			"provider_order_id": pr.ProviderOrderID,
			"provider_status":   pr.ProviderStatus,
		},
	}); err != nil {
		return nil, err
	}

	return &ports.OperationResult{Operation: op, Provider: pr}, nil
}

// CancelOrder cancels a provider order. It creates no ledger entry but is
// always audited.
func (s *OperationServiceImpl) CancelOrder(ctx context.Context, req ports.CancelRequest) (*ports.ProviderResult, error) {
	if !s.gate.IsSessionValid(ctx) {
		return nil, apperror.ErrSessionLocked()
	}
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		return nil, apperror.Validation("order id is required")
	}
	if _, err := lookupWallet(ctx, s.wallets, req.WalletID); err != nil {
		return nil, err
	}

	request := map[string]any{"wallet_id": req.WalletID, "order_id": orderID}
	walletID := req.WalletID

	start := time.Now()
	pr, err := s.provider.Cancel(ctx, req.WalletID, orderID)
	s.observeExternal("provider", "cancel", start, err)
	if err != nil {
		cause := ClassifyExternalError(err)
		if _, auditErr := s.audit.Append(ctx, domain.NewAuditRecord{
			WalletID:  &walletID,
			Action:    domain.AuditActionCancel,
			Request:   request,
			Decision:  domain.AuditDecisionOK,
			Result:    failureResult(nil, cause),
			ErrorCode: cause.Code,
		}); auditErr != nil {
			return nil, auditErr
		}
		return nil, cause
	}

	if _, err := s.audit.Append(ctx, domain.NewAuditRecord{
		WalletID: &walletID,
		Action:   domain.AuditActionCancel,
		Request:  request,
		Decision: domain.AuditDecisionOK,
		Result:   pr,
	}); err != nil {
		return nil, err
	}
	return pr, nil
}

// GetByIdempotencyKey returns the operation bound to key.
func (s *OperationServiceImpl) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Operation, error) {
	if err := domain.ValidateIdempotencyKey(key); err != nil {
		return nil, apperror.ErrInvalidIdempotencyKey(err.Error())
	}
	return s.orch.ledger.GetByIdempotencyKey(ctx, key)
}

// fail marks op failed after an external failure, audits the classified
// error and returns it. The key stays reserved so a retry runs afresh.
func (s *OperationServiceImpl) fail(ctx context.Context, op *domain.Operation, action string, request any, cause *apperror.AppError) error {
	if _, err := s.orch.Finalize(ctx, op.TxID, domain.FinalizeUpdate{Status: domain.OperationStatusFailed}); err != nil {
		s.log.Error().Err(err).Str("tx_id", op.TxID.String()).Msg("failed to mark operation failed")
	}

	s.log.Warn().
		Str("tx_id", op.TxID.String()).
		Str("wallet_id", op.WalletID).
		Str("code", cause.Code).
		Msg("external call failed")

	if _, err := s.audit.Append(ctx, domain.NewAuditRecord{
		WalletID:  &op.WalletID,
		Action:    action,
		Request:   request,
		Decision:  domain.AuditDecisionOK,
		Result:    failureResult(op, cause),
		ErrorCode: cause.Code,
	}); err != nil {
		return err
	}
	return cause
}

func failureResult(op *domain.Operation, cause *apperror.AppError) map[string]any {
	res := map[string]any{"error": cause.Message}
	if cause.Err != nil {
		res["detail"] = cause.Err.Error()
	}
	if op != nil {
		res["tx_id"] = op.TxID.String()
		res["status"] = domain.OperationStatusFailed
	}
	return res
}

func (s *OperationServiceImpl) observeExternal(target, op string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	s.metrics.ExternalCallDuration.WithLabelValues(target, op, result).Observe(time.Since(start).Seconds())
}

func lookupWallet(ctx context.Context, wallets ports.WalletRepository, walletID string) (*domain.Wallet, error) {
	if strings.TrimSpace(walletID) == "" {
		return nil, apperror.Validation("wallet id is required")
	}
	w, err := wallets.GetByID(ctx, walletID)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("get wallet: %w", err))
	}
	if w == nil {
		return nil, apperror.ErrWalletNotFound(walletID)
	}
	return w, nil
}
