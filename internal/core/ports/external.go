package ports

//go:generate mockgen -source=external.go -destination=mocks/mock_external.go -package=mocks

import (
	"context"
	"errors"
	"time"

	"github.com/agentswallets/cli/internal/core/domain"
)

// Sentinel failures reported by external adapters.
var (
	// ErrProviderRejected means the market refused the request.
	ErrProviderRejected = errors.New("provider rejected request")
	// ErrRejected means a healthy dependency refused this particular
	// request (insufficient funds, nonce too low, revert). It does not
	// count against the dependency's circuit breaker.
	ErrRejected = errors.New("request rejected")
	// ErrUnavailable means a circuit breaker or limiter refused the call.
	ErrUnavailable = errors.New("external service unavailable")
	// ErrUnsupportedToken means the chain client has no contract for the token.
	ErrUnsupportedToken = errors.New("token not supported by chain client")
)

// ReceiptStatus is the settlement state observed for a broadcast transaction.
type ReceiptStatus string

const (
	ReceiptSuccess  ReceiptStatus = "success"
	ReceiptReverted ReceiptStatus = "reverted"
	ReceiptTimeout  ReceiptStatus = "timeout"
	ReceiptPending  ReceiptStatus = "pending"
)

// TransferRequest is a token movement to sign and broadcast. PrivateKeyHex
// is only held for the duration of the call.
type TransferRequest struct {
	PrivateKeyHex string
	To            string
	Token         string
	Amount        domain.Micros
}

// ChainClient signs and broadcasts transfers and observes their receipts.
type ChainClient interface {
	Send(ctx context.Context, req TransferRequest) (string, error)
	// WaitForReceipt polls until a receipt is observed or timeout elapses.
	WaitForReceipt(ctx context.Context, txHash string, timeout time.Duration) (ReceiptStatus, error)
	// ReceiptStatus performs a single receipt lookup.
	ReceiptStatus(ctx context.Context, txHash string) (ReceiptStatus, error)
}

// ProviderOrder is an order submitted to the market provider.
type ProviderOrder struct {
	ClientOrderID string
	WalletID      string
	Market        string
	Token         string
	Amount        domain.Micros
	Price         string
}

// ProviderResult is the provider's acknowledgement of a request.
type ProviderResult struct {
	ProviderOrderID string         `json:"provider_order_id"`
	ProviderStatus  string         `json:"provider_status"`
	Data            map[string]any `json:"data,omitempty"`
}

// MarketProvider places and cancels orders at an external market.
type MarketProvider interface {
	Buy(ctx context.Context, order ProviderOrder) (*ProviderResult, error)
	Sell(ctx context.Context, order ProviderOrder) (*ProviderResult, error)
	Cancel(ctx context.Context, walletID, providerOrderID string) (*ProviderResult, error)
}

// Vault encrypts wallet secrets under a user passphrase.
type Vault interface {
	Encrypt(plaintext, passphrase string) (string, error)
	Decrypt(ciphertext, passphrase string) (string, error)
}

// SessionGate reports whether the caller holds an unlocked session.
type SessionGate interface {
	IsSessionValid(ctx context.Context) bool
}

// ReplayCache is the fast path for replaying finalized operations.
// Get returns nil, nil on a miss.
type ReplayCache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete drops a projection that is no longer replayable.
	Delete(ctx context.Context, key string) error
}
