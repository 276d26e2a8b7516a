package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentswallets/cli/internal/core/domain"
	"github.com/agentswallets/cli/internal/core/ports"
	"github.com/agentswallets/cli/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DecideInput is a validated movement entering the decide phase.
type DecideInput struct {
	Kind            domain.OperationKind
	WalletID        string
	Token           string
	Amount          domain.Micros
	ToAddress       *string
	IdempotencyKey  string
	SkipSpendLimits bool
	Meta            json.RawMessage
	AuditAction     string
	AuditRequest    any
}

// DecideResult is the outcome of an approved or replayed decide phase.
type DecideResult struct {
	Operation *domain.Operation
	Outcome   domain.ReserveOutcome
	Replayed  bool
}

// Orchestrator binds key reservation, spend accounting, policy evaluation
// and the ledger into one atomic decide phase, and finalizes operations
// once the external call has an outcome.
type Orchestrator struct {
	transactor   ports.DBTransactor
	policyRepo   ports.PolicyRepository
	opRepo       ports.OperationRepository
	keys         *IdempotencyKeyManager
	ledger       *OperationLedger
	spend        *SpendAccounting
	engine       *PolicyEngine
	audit        *AuditLog
	metrics      *Metrics
	pendingGrace time.Duration
	now          func() time.Time
	log          zerolog.Logger
}

// OrchestratorDeps groups the collaborators of an Orchestrator.
type OrchestratorDeps struct {
	Transactor   ports.DBTransactor
	PolicyRepo   ports.PolicyRepository
	OpRepo       ports.OperationRepository
	Keys         *IdempotencyKeyManager
	Ledger       *OperationLedger
	Spend        *SpendAccounting
	Engine       *PolicyEngine
	Audit        *AuditLog
	Metrics      *Metrics
	PendingGrace time.Duration
}

// NewOrchestrator creates a new Orchestrator.
func NewOrchestrator(d OrchestratorDeps, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		transactor:   d.Transactor,
		policyRepo:   d.PolicyRepo,
		opRepo:       d.OpRepo,
		keys:         d.Keys,
		ledger:       d.Ledger,
		spend:        d.Spend,
		engine:       d.Engine,
		audit:        d.Audit,
		metrics:      d.Metrics,
		pendingGrace: d.PendingGrace,
		now:          time.Now,
		log:          log,
	}
}

// Decide runs the decide phase for one movement.
//
// Inside one transaction holding the wallet lock it reserves the key,
// short-circuits replays, reads spend stats, evaluates policy and records
// a pending operation. A denial is audited after the rollback and returned
// as a policy error. No external call happens here.
func (o *Orchestrator) Decide(ctx context.Context, in DecideInput) (*DecideResult, error) {
	if err := o.keys.Validate(in.IdempotencyKey); err != nil {
		return nil, err
	}
	scope := domain.BuildScope(in.Kind, in.WalletID)

	if op := o.ledger.cachedReplay(ctx, in.IdempotencyKey); op != nil && domain.BuildScope(op.Kind, op.WalletID) == scope {
		o.observeOutcome(domain.ReserveReplayed)
		return &DecideResult{Operation: op, Outcome: domain.ReserveReplayed, Replayed: true}, nil
	}

	tx, err := o.transactor.Begin(ctx)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := o.transactor.LockWallet(ctx, tx, in.WalletID); err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("lock wallet: %w", err))
	}

	outcome, err := o.keys.Reserve(ctx, tx, in.IdempotencyKey, scope)
	if err != nil {
		return nil, err
	}

	if outcome != domain.ReserveCreated {
		existing, err := o.opRepo.GetByIdempotencyKeyTx(ctx, tx, in.IdempotencyKey)
		if err != nil {
			return nil, apperror.ErrDatabaseError(fmt.Errorf("load operation by key: %w", err))
		}

		switch {
		case existing != nil && existing.IsReplayable():
			if outcome == domain.ReserveReclaimed {
				if err := o.keys.Complete(ctx, tx, in.IdempotencyKey, existing.TxID); err != nil {
					return nil, err
				}
			}
			if err := tx.Commit(ctx); err != nil {
				return nil, apperror.ErrDatabaseError(fmt.Errorf("commit tx: %w", err))
			}
			o.observeOutcome(domain.ReserveReplayed)
			o.log.Info().
				Str("tx_id", existing.TxID.String()).
				Str("idempotency_key", in.IdempotencyKey).
				Str("status", string(existing.Status)).
				Msg("replaying finalized operation")
			return &DecideResult{Operation: existing, Outcome: domain.ReserveReplayed, Replayed: true}, nil

		case existing != nil && existing.Status == domain.OperationStatusPending &&
			o.now().Sub(existing.CreatedAt) < o.pendingGrace:
			return nil, apperror.ErrOperationInFlight(existing.TxID.String())

		case existing != nil:
			// Failed, or pending past the grace window: retry afresh.
			if err := o.ledger.Discard(ctx, tx, existing); err != nil {
				return nil, err
			}
			o.log.Warn().
				Str("tx_id", existing.TxID.String()).
				Str("idempotency_key", in.IdempotencyKey).
				Str("status", string(existing.Status)).
				Msg("discarding unfinished operation for retry")
			if outcome == domain.ReserveReplayed {
				if err := o.keys.Reclaim(ctx, tx, in.IdempotencyKey, scope); err != nil {
					return nil, err
				}
			}
		}
		outcome = domain.ReserveReclaimed
	}

	stats, err := o.spend.StatsTx(ctx, tx, in.WalletID, in.Token)
	if err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}
	stored, err := o.policyRepo.GetTx(ctx, tx, in.WalletID)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("load policy: %w", err))
	}
	policy := o.engine.Resolve(in.WalletID, stored)

	decision := o.engine.Evaluate(policy, in.Token, in.Amount, in.ToAddress, stats, in.SkipSpendLimits)
	if !decision.Allowed {
		// Release the reservation before the audit append takes its own lock.
		_ = tx.Rollback(ctx)
		o.observeDecision(in.Kind, decision)
		o.log.Info().
			Str("wallet_id", in.WalletID).
			Str("idempotency_key", in.IdempotencyKey).
			Str("code", decision.Code).
			Msg("policy denied operation")

		walletID := in.WalletID
		if _, err := o.audit.Append(ctx, domain.NewAuditRecord{
			WalletID:  &walletID,
			Action:    in.AuditAction,
			Request:   in.AuditRequest,
			Decision:  domain.AuditDecisionDenied,
			Result:    decision.Details,
			ErrorCode: decision.Code,
		}); err != nil {
			return nil, err
		}
		return nil, DenialError(decision)
	}

	op, err := o.ledger.CreatePending(ctx, tx, &domain.NewOperation{
		WalletID:       in.WalletID,
		Kind:           in.Kind,
		Token:          in.Token,
		Amount:         in.Amount,
		ToAddress:      in.ToAddress,
		IdempotencyKey: in.IdempotencyKey,
		Meta:           in.Meta,
	})
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("commit tx: %w", err))
	}
	o.observeOutcome(outcome)
	o.observeDecision(in.Kind, decision)

	walletID := in.WalletID
	if _, err := o.audit.Append(ctx, domain.NewAuditRecord{
		WalletID: &walletID,
		Action:   in.AuditAction,
		Request:  in.AuditRequest,
		Decision: domain.AuditDecisionOK,
		Result:   map[string]any{"tx_id": op.TxID.String(), "status": op.Status},
	}); err != nil {
		return nil, err
	}

	o.log.Info().
		Str("tx_id", op.TxID.String()).
		Str("wallet_id", op.WalletID).
		Str("kind", string(op.Kind)).
		Str("amount", op.Amount.String()).
		Str("outcome", outcome.String()).
		Msg("operation approved")

	return &DecideResult{Operation: op, Outcome: outcome}, nil
}

// Finalize records the outcome of the external call.
func (o *Orchestrator) Finalize(ctx context.Context, txID uuid.UUID, update domain.FinalizeUpdate) (*domain.Operation, error) {
	return o.ledger.Finalize(ctx, txID, update)
}

func (o *Orchestrator) observeOutcome(outcome domain.ReserveOutcome) {
	if o.metrics != nil {
		o.metrics.IdempotencyOutcomes.WithLabelValues(outcome.String()).Inc()
	}
}

func (o *Orchestrator) observeDecision(kind domain.OperationKind, d domain.Decision) {
	if o.metrics == nil {
		return
	}
	outcome := "allowed"
	if !d.Allowed {
		outcome = "denied"
	}
	o.metrics.Decisions.WithLabelValues(string(kind), outcome, d.Code).Inc()
}
