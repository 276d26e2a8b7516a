package service

import (
	"context"
	"testing"
	"time"

	"github.com/agentswallets/cli/config"
	"github.com/agentswallets/cli/internal/core/domain"
	"github.com/agentswallets/cli/internal/core/ports"
	"github.com/agentswallets/cli/internal/core/ports/mocks"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const (
	testWallet    = "w1"
	otherWallet   = "w2"
	testRecipient = "0x8ba1f109551bd432803012645ac136ddd64dba72"
	testTxHash    = "0x5c504ed432cb51138bcf09aa5e8a410dd4a1e204ef84bfed1be16dfba1b22060"
)

var testPolicyConfig = config.PolicyConfig{
	DailyLimit:    "100",
	PerTxLimit:    "25",
	MaxTxPerDay:   10,
	AllowedTokens: []string{"USDC", "POL"},
}

type harness struct {
	store    *memStore
	ctrl     *gomock.Controller
	chain    *mocks.MockChainClient
	provider *mocks.MockMarketProvider
	vault    *mocks.MockVault
	gate     *mocks.MockSessionGate

	engine   *PolicyEngine
	keys     *IdempotencyKeyManager
	spend    *SpendAccounting
	ledger   *OperationLedger
	audit    *AuditLog
	orch     *Orchestrator
	ops      *OperationServiceImpl
	policies *PolicyServiceImpl
}

type harnessOptions struct {
	cache        ports.ReplayCache
	pendingGrace time.Duration
	maxPayload   int
	metrics      *Metrics
}

func newHarness(t *testing.T, opts ...func(*harnessOptions)) *harness {
	t.Helper()
	o := harnessOptions{pendingGrace: 2 * time.Minute, maxPayload: 8192}
	for _, fn := range opts {
		fn(&o)
	}

	ctrl := gomock.NewController(t)
	store := newMemStore()
	store.addWallet(testWallet)
	store.addWallet(otherWallet)

	engine, err := NewPolicyEngine(testPolicyConfig)
	require.NoError(t, err)

	log := newTestLogger()
	tr := memTransactor{store}
	opRepo := memOpRepo{store}

	keys := NewIdempotencyKeyManager(memKeyRepo{store}, 48*time.Hour, log)
	keys.now = store.now
	spend := NewSpendAccounting(opRepo, tr)
	spend.now = store.now
	audit := NewAuditLog(memAuditRepo{store}, tr, o.maxPayload, o.metrics, log)
	audit.now = store.now

	ledger := NewOperationLedger(opRepo, keys, tr, o.cache, time.Hour, log)

	orch := NewOrchestrator(OrchestratorDeps{
		Transactor:   tr,
		PolicyRepo:   memPolicyRepo{store},
		OpRepo:       opRepo,
		Keys:         keys,
		Ledger:       ledger,
		Spend:        spend,
		Engine:       engine,
		Audit:        audit,
		Metrics:      o.metrics,
		PendingGrace: o.pendingGrace,
	}, log)
	orch.now = store.now

	h := &harness{
		store:    store,
		ctrl:     ctrl,
		chain:    mocks.NewMockChainClient(ctrl),
		provider: mocks.NewMockMarketProvider(ctrl),
		vault:    mocks.NewMockVault(ctrl),
		gate:     mocks.NewMockSessionGate(ctrl),
		engine:   engine,
		keys:     keys,
		spend:    spend,
		ledger:   ledger,
		audit:    audit,
		orch:     orch,
	}
	h.ops = NewOperationService(orch, audit, memWalletRepo{store}, h.chain, h.provider, h.vault, h.gate, 30*time.Second, o.metrics, log)
	h.policies = NewPolicyService(memPolicyRepo{store}, memWalletRepo{store}, tr, engine, spend, audit, log)
	return h
}

func withPolicy(h *harness, p domain.Policy) {
	h.store.setPolicy(p)
}

func micros(s string) *domain.Micros {
	m, err := domain.MicrosPtr(s)
	if err != nil {
		panic(err)
	}
	return m
}

func intPtr(n int) *int { return &n }

func strPtr(s string) *string { return &s }

func sendInput(key, amount string) DecideInput {
	m, err := domain.ParseAmount(amount)
	if err != nil {
		panic(err)
	}
	to := testRecipient
	return DecideInput{
		Kind:           domain.OperationKindSend,
		WalletID:       testWallet,
		Token:          "USDC",
		Amount:         m,
		ToAddress:      &to,
		IdempotencyKey: key,
		AuditAction:    domain.AuditActionSend,
		AuditRequest:   map[string]any{"amount": amount, "key": key},
	}
}

func (h *harness) unlocked() {
	h.gate.EXPECT().IsSessionValid(gomock.Any()).Return(true).AnyTimes()
}

var bg = context.Background()
