package ports

//go:generate mockgen -source=services.go -destination=mocks/mock_services.go -package=mocks

import (
	"context"

	"github.com/agentswallets/cli/internal/core/domain"
)

// SendRequest is a validated-at-entry on-chain transfer command.
type SendRequest struct {
	WalletID       string
	Token          string
	Amount         string
	To             string
	IdempotencyKey string
	Passphrase     string
}

// OrderRequest is a market order command. Side is buy or sell.
type OrderRequest struct {
	WalletID       string
	Side           domain.OperationKind
	Market         string
	Token          string
	Amount         string
	Price          string
	IdempotencyKey string
}

// CancelRequest cancels a provider order.
type CancelRequest struct {
	WalletID string
	OrderID  string
}

// EvaluateRequest is a dry-run policy check.
type EvaluateRequest struct {
	WalletID        string
	Token           string
	Amount          string
	To              string
	SkipSpendLimits bool
}

// OperationResult is returned by every money-moving command.
type OperationResult struct {
	Operation *domain.Operation `json:"operation"`
	Replayed  bool              `json:"replayed"`
	Provider  *ProviderResult   `json:"provider,omitempty"`
}

// OperationService runs money-moving commands through the gatekeeper.
type OperationService interface {
	Send(ctx context.Context, req SendRequest) (*OperationResult, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (*OperationResult, error)
	CancelOrder(ctx context.Context, req CancelRequest) (*ProviderResult, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.Operation, error)
}

// PolicyService manages and evaluates wallet policies.
type PolicyService interface {
	GetPolicy(ctx context.Context, walletID string) (*domain.Policy, error)
	SetPolicy(ctx context.Context, policy *domain.Policy) (*domain.Policy, error)
	Evaluate(ctx context.Context, req EvaluateRequest) (domain.Decision, error)
	DailySpendStats(ctx context.Context, walletID, token string) (domain.SpendStats, error)
}

// AuditService reads and verifies the audit chain.
type AuditService interface {
	List(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error)
	VerifyChain(ctx context.Context) (*domain.ChainVerification, error)
}
