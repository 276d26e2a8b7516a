package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/agentswallets/cli/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

func newTestLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

// memStore is an in-memory stand-in for PostgreSQL. Transactions are fully
// serialized and a rollback restores the snapshot taken at Begin, which is
// at least as strong as the advisory locks used in production.
type memStore struct {
	mu    sync.Mutex
	state memState
	seq   int64

	clockMu sync.Mutex
	clock   time.Time

	wallets map[string]*domain.Wallet

	// Injected failures.
	auditInsertErr error
}

type memState struct {
	policies map[string]domain.Policy
	ops      map[uuid.UUID]domain.Operation
	keys     map[string]domain.IdempotencyKey
	audit    []domain.AuditEntry
}

func (s memState) clone() memState {
	out := memState{
		policies: make(map[string]domain.Policy, len(s.policies)),
		ops:      make(map[uuid.UUID]domain.Operation, len(s.ops)),
		keys:     make(map[string]domain.IdempotencyKey, len(s.keys)),
		audit:    append([]domain.AuditEntry(nil), s.audit...),
	}
	for k, v := range s.policies {
		out.policies[k] = v
	}
	for k, v := range s.ops {
		out.ops[k] = v
	}
	for k, v := range s.keys {
		out.keys[k] = v
	}
	return out
}

func newMemStore() *memStore {
	return &memStore{
		state: memState{
			policies: map[string]domain.Policy{},
			ops:      map[uuid.UUID]domain.Operation{},
			keys:     map[string]domain.IdempotencyKey{},
		},
		clock:   time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
		wallets: map[string]*domain.Wallet{},
	}
}

func (s *memStore) now() time.Time {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	return s.clock
}

func (s *memStore) advance(d time.Duration) {
	s.clockMu.Lock()
	s.clock = s.clock.Add(d)
	s.clockMu.Unlock()
}

func (s *memStore) addWallet(id string) {
	s.wallets[id] = &domain.Wallet{
		ID:           id,
		Name:         id,
		Address:      "0x000000000000000000000000000000000000dead",
		EncryptedKey: "enc-" + id,
		CreatedAt:    s.now(),
	}
}

func (s *memStore) setPolicy(p domain.Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.policies[p.WalletID] = p
}

func (s *memStore) operations() []domain.Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Operation, 0, len(s.state.ops))
	for _, op := range s.state.ops {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *memStore) key(k string) (domain.IdempotencyKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.state.keys[k]
	return v, ok
}

func (s *memStore) auditEntries() []domain.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.AuditEntry(nil), s.state.audit...)
}

// memTx implements pgx.Tx. Only Commit and Rollback are used by services.
type memTx struct {
	pgx.Tx
	store    *memStore
	snapshot memState
	closed   bool
}

func (t *memTx) Commit(_ context.Context) error {
	if t.closed {
		return pgx.ErrTxClosed
	}
	t.closed = true
	t.store.mu.Unlock()
	return nil
}

func (t *memTx) Rollback(_ context.Context) error {
	if t.closed {
		return pgx.ErrTxClosed
	}
	t.closed = true
	t.store.state = t.snapshot
	t.store.mu.Unlock()
	return nil
}

// ---- DBTransactor ----

type memTransactor struct{ s *memStore }

func (m memTransactor) Begin(_ context.Context) (pgx.Tx, error) {
	m.s.mu.Lock()
	return &memTx{store: m.s, snapshot: m.s.state.clone()}, nil
}

func (m memTransactor) LockWallet(_ context.Context, _ pgx.Tx, _ string) error { return nil }
func (m memTransactor) LockAuditChain(_ context.Context, _ pgx.Tx) error       { return nil }

// ---- WalletRepository ----

type memWalletRepo struct{ s *memStore }

func (m memWalletRepo) GetByID(_ context.Context, id string) (*domain.Wallet, error) {
	w, ok := m.s.wallets[id]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}

// ---- PolicyRepository ----

type memPolicyRepo struct{ s *memStore }

func (m memPolicyRepo) Get(_ context.Context, walletID string) (*domain.Policy, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return m.get(walletID), nil
}

func (m memPolicyRepo) GetTx(_ context.Context, _ pgx.Tx, walletID string) (*domain.Policy, error) {
	return m.get(walletID), nil
}

func (m memPolicyRepo) get(walletID string) *domain.Policy {
	p, ok := m.s.state.policies[walletID]
	if !ok {
		return nil
	}
	return &p
}

func (m memPolicyRepo) Upsert(_ context.Context, _ pgx.Tx, p *domain.Policy) error {
	p.UpdatedAt = m.s.now()
	m.s.state.policies[p.WalletID] = *p
	return nil
}

// ---- OperationRepository ----

type memOpRepo struct{ s *memStore }

func (m memOpRepo) CreatePending(_ context.Context, _ pgx.Tx, in *domain.NewOperation) (*domain.Operation, error) {
	for _, op := range m.s.state.ops {
		if op.IdempotencyKey == in.IdempotencyKey {
			return nil, fmt.Errorf("duplicate key value violates unique constraint on idempotency_key %q", in.IdempotencyKey)
		}
	}
	now := m.s.now()
	op := domain.Operation{
		TxID:           uuid.New(),
		WalletID:       in.WalletID,
		Kind:           in.Kind,
		Status:         domain.OperationStatusPending,
		Token:          in.Token,
		Amount:         in.Amount,
		ToAddress:      in.ToAddress,
		IdempotencyKey: in.IdempotencyKey,
		Meta:           in.Meta,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.s.state.ops[op.TxID] = op
	return &op, nil
}

func (m memOpRepo) GetByID(_ context.Context, txID uuid.UUID) (*domain.Operation, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return m.byID(txID), nil
}

func (m memOpRepo) GetByIDForUpdate(_ context.Context, _ pgx.Tx, txID uuid.UUID) (*domain.Operation, error) {
	return m.byID(txID), nil
}

func (m memOpRepo) byID(txID uuid.UUID) *domain.Operation {
	op, ok := m.s.state.ops[txID]
	if !ok {
		return nil
	}
	return &op
}

func (m memOpRepo) GetByIdempotencyKey(_ context.Context, key string) (*domain.Operation, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return m.byKey(key), nil
}

func (m memOpRepo) GetByIdempotencyKeyTx(_ context.Context, _ pgx.Tx, key string) (*domain.Operation, error) {
	return m.byKey(key), nil
}

func (m memOpRepo) byKey(key string) *domain.Operation {
	for _, op := range m.s.state.ops {
		if op.IdempotencyKey == key {
			cp := op
			return &cp
		}
	}
	return nil
}

func (m memOpRepo) UpdateStatus(_ context.Context, _ pgx.Tx, txID uuid.UUID, u domain.FinalizeUpdate) (*domain.Operation, error) {
	op, ok := m.s.state.ops[txID]
	if !ok {
		return nil, fmt.Errorf("update operation status: %s not found", txID)
	}
	op.Status = u.Status
	if u.TxHash != nil {
		op.TxHash = u.TxHash
	}
	if u.ProviderOrderID != nil {
		op.ProviderOrderID = u.ProviderOrderID
	}
	op.UpdatedAt = m.s.now()
	m.s.state.ops[txID] = op
	return &op, nil
}

func (m memOpRepo) Delete(_ context.Context, _ pgx.Tx, txID uuid.UUID) error {
	delete(m.s.state.ops, txID)
	return nil
}

func (m memOpRepo) SpendStats(_ context.Context, _ pgx.Tx, walletID, token string, since time.Time) (domain.SpendStats, error) {
	var stats domain.SpendStats
	for _, op := range m.s.state.ops {
		if op.WalletID != walletID || op.CreatedAt.Before(since) || !isActive(op.Status) {
			continue
		}
		stats.TodayTxCount++
		if op.Token == token {
			stats.TodaySpent += op.Amount
		}
	}
	return stats, nil
}

func (m memOpRepo) ListByStatus(_ context.Context, statuses []domain.OperationStatus, olderThan time.Time, limit int) ([]domain.Operation, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []domain.Operation
	for _, op := range m.s.state.ops {
		if !op.UpdatedAt.Before(olderThan) {
			continue
		}
		for _, st := range statuses {
			if op.Status == st {
				out = append(out, op)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func isActive(s domain.OperationStatus) bool {
	for _, a := range domain.ActiveStatuses {
		if a == s {
			return true
		}
	}
	return false
}

// ---- IdempotencyRepository ----

type memKeyRepo struct{ s *memStore }

func (m memKeyRepo) Insert(_ context.Context, _ pgx.Tx, key, scope string) (bool, error) {
	if _, ok := m.s.state.keys[key]; ok {
		return false, nil
	}
	m.s.state.keys[key] = domain.IdempotencyKey{
		Key:       key,
		Scope:     scope,
		Status:    domain.IdempotencyStatusReserved,
		CreatedAt: m.s.now(),
	}
	return true, nil
}

func (m memKeyRepo) GetForUpdate(_ context.Context, _ pgx.Tx, key string) (*domain.IdempotencyKey, error) {
	k, ok := m.s.state.keys[key]
	if !ok {
		return nil, nil
	}
	return &k, nil
}

func (m memKeyRepo) Delete(_ context.Context, _ pgx.Tx, key string) error {
	delete(m.s.state.keys, key)
	return nil
}

func (m memKeyRepo) Complete(_ context.Context, _ pgx.Tx, key string, refID uuid.UUID) error {
	k, ok := m.s.state.keys[key]
	if !ok {
		return fmt.Errorf("complete idempotency key: %q not found", key)
	}
	k.Status = domain.IdempotencyStatusCompleted
	k.RefID = &refID
	m.s.state.keys[key] = k
	return nil
}

// ---- AuditRepository ----

type memAuditRepo struct{ s *memStore }

func (m memAuditRepo) LastHash(_ context.Context, _ pgx.Tx) (string, error) {
	if len(m.s.state.audit) == 0 {
		return "", nil
	}
	return m.s.state.audit[len(m.s.state.audit)-1].EntryHash, nil
}

func (m memAuditRepo) Insert(_ context.Context, _ pgx.Tx, e *domain.AuditEntry) error {
	if m.s.auditInsertErr != nil {
		return m.s.auditInsertErr
	}
	m.s.seq++
	e.Seq = m.s.seq
	m.s.state.audit = append(m.s.state.audit, *e)
	return nil
}

func (m memAuditRepo) List(_ context.Context, f domain.AuditFilter) ([]domain.AuditEntry, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	var out []domain.AuditEntry
	for i := len(m.s.state.audit) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.s.state.audit[i]
		if f.WalletID != "" && (e.WalletID == nil || *e.WalletID != f.WalletID) {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m memAuditRepo) ListAscending(_ context.Context, afterSeq int64, limit int) ([]domain.AuditEntry, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []domain.AuditEntry
	for _, e := range m.s.state.audit {
		if e.Seq > afterSeq && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

var errInjected = errors.New("injected failure")

// memCache is a ports.ReplayCache backed by a map. TTLs are ignored.
type memCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string][]byte)}
}

func (c *memCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[key], nil
}

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
	return nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *memCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}
