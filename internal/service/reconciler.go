package service

import (
	"context"
	"sync"
	"time"

	"github.com/agentswallets/cli/internal/core/domain"
	"github.com/agentswallets/cli/internal/core/ports"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ReconcileReport summarizes one sweep.
type ReconcileReport struct {
	Confirmed int `json:"confirmed"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
	Flagged   int `json:"flagged"`
	Errors    int `json:"errors"`
}

// Reconciler settles operations left unfinished by an interrupted command.
// Broadcasted sends are resolved from their receipts. Pending rows are
// never guessed; they are flagged in the audit log once per process.
type Reconciler struct {
	opRepo    ports.OperationRepository
	chain     ports.ChainClient
	ledger    *OperationLedger
	audit     *AuditLog
	metrics   *Metrics
	olderThan time.Duration
	batchSize int
	now       func() time.Time
	log       zerolog.Logger

	mu      sync.Mutex
	flagged map[uuid.UUID]struct{}
}

// NewReconciler creates a new Reconciler.
func NewReconciler(
	opRepo ports.OperationRepository,
	chain ports.ChainClient,
	ledger *OperationLedger,
	audit *AuditLog,
	metrics *Metrics,
	olderThan time.Duration,
	batchSize int,
	log zerolog.Logger,
) *Reconciler {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Reconciler{
		opRepo:    opRepo,
		chain:     chain,
		ledger:    ledger,
		audit:     audit,
		metrics:   metrics,
		olderThan: olderThan,
		batchSize: batchSize,
		now:       time.Now,
		log:       log,
		flagged:   make(map[uuid.UUID]struct{}),
	}
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := r.RunOnce(ctx)
			if err != nil {
				r.log.Error().Err(err).Msg("reconciliation sweep failed")
				continue
			}
			r.log.Info().Interface("report", report).Msg("reconciliation sweep finished")
		}
	}
}

// RunOnce performs one sweep.
func (r *Reconciler) RunOnce(ctx context.Context) (*ReconcileReport, error) {
	cutoff := r.now().Add(-r.olderThan)
	report := &ReconcileReport{}

	broadcasted, err := r.opRepo.ListByStatus(ctx, []domain.OperationStatus{domain.OperationStatusBroadcasted}, cutoff, r.batchSize)
	if err != nil {
		return nil, err
	}
	for i := range broadcasted {
		r.settle(ctx, &broadcasted[i], report)
	}

	pending, err := r.opRepo.ListByStatus(ctx, []domain.OperationStatus{domain.OperationStatusPending}, cutoff, r.batchSize)
	if err != nil {
		return nil, err
	}
	for i := range pending {
		if err := r.flag(ctx, &pending[i], report); err != nil {
			return report, err
		}
	}
	return report, nil
}

func (r *Reconciler) settle(ctx context.Context, op *domain.Operation, report *ReconcileReport) {
	if op.TxHash == nil || *op.TxHash == "" {
		report.Pending++
		return
	}

	status, err := r.chain.ReceiptStatus(ctx, *op.TxHash)
	if err != nil {
		report.Errors++
		r.log.Warn().Err(err).Str("tx_id", op.TxID.String()).Msg("receipt lookup failed")
		return
	}

	var next domain.OperationStatus
	switch status {
	case ports.ReceiptSuccess:
		next = domain.OperationStatusConfirmed
	case ports.ReceiptReverted:
		next = domain.OperationStatusFailed
	default:
		report.Pending++
		return
	}

	final, err := r.ledger.Finalize(ctx, op.TxID, domain.FinalizeUpdate{Status: next})
	if err != nil {
		report.Errors++
		r.log.Error().Err(err).Str("tx_id", op.TxID.String()).Msg("reconcile finalize failed")
		return
	}

	if _, err := r.audit.Append(ctx, domain.NewAuditRecord{
		WalletID: &final.WalletID,
		Action:   domain.AuditActionReconcile,
		Request:  map[string]any{"tx_id": op.TxID.String(), "tx_hash": *op.TxHash},
		Decision: domain.AuditDecisionOK,
		Result:   map[string]any{"status": final.Status, "receipt": status},
	}); err != nil {
		report.Errors++
		return
	}

	if next == domain.OperationStatusConfirmed {
		report.Confirmed++
	} else {
		report.Failed++
	}
	r.observe(string(next))
}

func (r *Reconciler) flag(ctx context.Context, op *domain.Operation, report *ReconcileReport) error {
	r.mu.Lock()
	_, seen := r.flagged[op.TxID]
	r.mu.Unlock()
	if seen {
		return nil
	}

	if _, err := r.audit.Append(ctx, domain.NewAuditRecord{
		WalletID: &op.WalletID,
		Action:   domain.AuditActionReconcileFlagged,
		Request:  map[string]any{"tx_id": op.TxID.String(), "idempotency_key": op.IdempotencyKey},
		Decision: domain.AuditDecisionOK,
		Result: map[string]any{
			"status":     op.Status,
			"kind":       op.Kind,
			"created_at": op.CreatedAt,
			"reason":     "pending past reconcile window; external outcome unknown",
		},
	}); err != nil {
		return err
	}

	r.mu.Lock()
	r.flagged[op.TxID] = struct{}{}
	r.mu.Unlock()

	report.Flagged++
	r.observe("flagged")
	r.log.Warn().
		Str("tx_id", op.TxID.String()).
		Str("wallet_id", op.WalletID).
		Str("idempotency_key", op.IdempotencyKey).
		Msg("pending operation flagged for review")
	return nil
}

func (r *Reconciler) observe(result string) {
	if r.metrics != nil {
		r.metrics.Reconciled.WithLabelValues(result).Inc()
	}
}
