package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/agentswallets/cli/internal/core/domain"

	"github.com/jackc/pgx/v5"
)

const (
	auditColumns = `seq, id, wallet_id, action, request, decision, result, error_code,
		prev_hash, entry_hash, created_at`

	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

// AuditRepo implements ports.AuditRepository.
type AuditRepo struct {
	pool Pool
}

// NewAuditRepo creates a new AuditRepo.
func NewAuditRepo(pool Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

// LastHash returns the newest entry_hash, or "" for an empty chain.
// The caller must hold the audit chain lock.
func (r *AuditRepo) LastHash(ctx context.Context, tx pgx.Tx) (string, error) {
	var hash string
	err := tx.QueryRow(ctx, `SELECT entry_hash FROM audit_logs ORDER BY seq DESC LIMIT 1`).Scan(&hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("read last audit hash: %w", err)
	}
	return hash, nil
}

// Insert appends an entry and fills in its sequence number.
func (r *AuditRepo) Insert(ctx context.Context, tx pgx.Tx, e *domain.AuditEntry) error {
	query := `INSERT INTO audit_logs (id, wallet_id, action, request, decision, result, error_code,
			prev_hash, entry_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING seq`

	err := tx.QueryRow(ctx, query,
		e.ID, e.WalletID, e.Action, e.Request, string(e.Decision), e.Result, e.ErrorCode,
		e.PrevHash, e.EntryHash, e.CreatedAt,
	).Scan(&e.Seq)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// List returns entries most-recent-first.
func (r *AuditRepo) List(ctx context.Context, f domain.AuditFilter) ([]domain.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.WalletID != "" {
		args = append(args, f.WalletID)
		where = append(where, fmt.Sprintf("wallet_id = $%d", len(args)))
	}
	if f.Action != "" {
		args = append(args, f.Action)
		where = append(where, fmt.Sprintf("action = $%d", len(args)))
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	if limit > maxAuditLimit {
		limit = maxAuditLimit
	}
	args = append(args, limit)

	query := `SELECT ` + auditColumns + ` FROM audit_logs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(` ORDER BY seq DESC LIMIT $%d`, len(args))

	return r.query(ctx, query, args...)
}

// ListAscending pages through the chain oldest-first.
func (r *AuditRepo) ListAscending(ctx context.Context, afterSeq int64, limit int) ([]domain.AuditEntry, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_logs WHERE seq > $1 ORDER BY seq ASC LIMIT $2`
	return r.query(ctx, query, afterSeq, limit)
}

func (r *AuditRepo) query(ctx context.Context, query string, args ...any) ([]domain.AuditEntry, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var (
			e        domain.AuditEntry
			decision string
		)
		if err := rows.Scan(&e.Seq, &e.ID, &e.WalletID, &e.Action, &e.Request, &decision,
			&e.Result, &e.ErrorCode, &e.PrevHash, &e.EntryHash, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Decision = domain.AuditDecision(decision)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}
	return entries, nil
}
