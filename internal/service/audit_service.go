package service

import (
	"context"
	"fmt"
	"time"

	"github.com/agentswallets/cli/internal/core/domain"
	"github.com/agentswallets/cli/internal/core/ports"
	"github.com/agentswallets/cli/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// verifyPageSize is the page size used when walking the chain.
const verifyPageSize = 500

// AuditLog implements ports.AuditService over the hash-chained store.
// Appends are synchronous: a failure propagates to the caller.
type AuditLog struct {
	repo       ports.AuditRepository
	transactor ports.DBTransactor
	maxPayload int
	metrics    *Metrics
	now        func() time.Time
	log        zerolog.Logger
}

// NewAuditLog creates a new AuditLog.
func NewAuditLog(repo ports.AuditRepository, transactor ports.DBTransactor, maxPayload int, metrics *Metrics, log zerolog.Logger) *AuditLog {
	return &AuditLog{
		repo:       repo,
		transactor: transactor,
		maxPayload: maxPayload,
		metrics:    metrics,
		now:        time.Now,
		log:        log,
	}
}

// Append redacts and bounds the payloads, links the entry to the current
// chain head and inserts it. Reading the head and inserting run in one
// transaction under the chain lock.
func (a *AuditLog) Append(ctx context.Context, rec domain.NewAuditRecord) (*domain.AuditEntry, error) {
	entry, err := a.append(ctx, rec)
	result := "ok"
	if err != nil {
		result = "error"
		a.log.Error().Err(err).
			Str("action", rec.Action).
			Str("decision", string(rec.Decision)).
			Msg("audit append failed")
	}
	if a.metrics != nil {
		a.metrics.AuditAppends.WithLabelValues(string(rec.Decision), result).Inc()
	}
	if err != nil {
		return nil, apperror.ErrAuditWriteFailed(err)
	}
	return entry, nil
}

func (a *AuditLog) append(ctx context.Context, rec domain.NewAuditRecord) (*domain.AuditEntry, error) {
	request, err := sanitizePayload(rec.Request, a.maxPayload)
	if err != nil {
		return nil, err
	}
	if request == "" {
		request = "{}"
	}

	entry := &domain.AuditEntry{
		ID:        uuid.New(),
		WalletID:  rec.WalletID,
		Action:    rec.Action,
		Request:   request,
		Decision:  rec.Decision,
		CreatedAt: a.now().UTC().Truncate(time.Microsecond),
	}

	if rec.Result != nil {
		result, err := sanitizePayload(rec.Result, a.maxPayload)
		if err != nil {
			return nil, err
		}
		entry.Result = &result
	}
	if rec.ErrorCode != "" {
		code := rec.ErrorCode
		entry.ErrorCode = &code
	}

	tx, err := a.transactor.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := a.transactor.LockAuditChain(ctx, tx); err != nil {
		return nil, err
	}

	prev, err := a.repo.LastHash(ctx, tx)
	if err != nil {
		return nil, err
	}
	if prev == "" {
		prev = domain.GenesisHash
	}
	entry.PrevHash = prev
	entry.EntryHash = entry.ComputeHash()

	if err := a.repo.Insert(ctx, tx, entry); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return entry, nil
}

// List returns entries most-recent-first.
func (a *AuditLog) List(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	entries, err := a.repo.List(ctx, filter)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("list audit: %w", err))
	}
	return entries, nil
}

// VerifyChain walks the chain oldest-first and reports the first entry
// whose link or hash does not match.
func (a *AuditLog) VerifyChain(ctx context.Context) (*domain.ChainVerification, error) {
	res := &domain.ChainVerification{Valid: true}
	expectedPrev := domain.GenesisHash
	var afterSeq int64

	for {
		page, err := a.repo.ListAscending(ctx, afterSeq, verifyPageSize)
		if err != nil {
			return nil, apperror.ErrDatabaseError(fmt.Errorf("walk audit chain: %w", err))
		}

		for i := range page {
			e := &page[i]
			idx := res.Checked
			switch {
			case e.PrevHash != expectedPrev:
				res.MarkBroken(idx, e.ID, "prev_hash does not match previous entry_hash")
			case e.ComputeHash() != e.EntryHash:
				res.MarkBroken(idx, e.ID, "entry_hash does not match recomputed hash")
			}
			if !res.Valid {
				a.log.Warn().Int("index", idx).Str("audit_id", e.ID.String()).Str("reason", res.Reason).Msg("audit chain broken")
				return res, nil
			}
			res.Checked++
			expectedPrev = e.EntryHash
			afterSeq = e.Seq
		}

		if len(page) < verifyPageSize {
			return res, nil
		}
	}
}
