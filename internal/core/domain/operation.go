package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// OperationKind is the kind of money movement recorded in the ledger.
type OperationKind string

const (
	OperationKindSend OperationKind = "send"
	OperationKindBuy  OperationKind = "buy"
	OperationKindSell OperationKind = "sell"
)

// Valid reports whether k is a known kind.
func (k OperationKind) Valid() bool {
	switch k {
	case OperationKindSend, OperationKindBuy, OperationKindSell:
		return true
	}
	return false
}

// OperationStatus represents the lifecycle state of an operation.
type OperationStatus string

const (
	OperationStatusPending     OperationStatus = "pending"
	OperationStatusBroadcasted OperationStatus = "broadcasted"
	OperationStatusSubmitted   OperationStatus = "submitted"
	OperationStatusConfirmed   OperationStatus = "confirmed"
	OperationStatusFilled      OperationStatus = "filled"
	OperationStatusFailed      OperationStatus = "failed"
)

// ActiveStatuses count towards daily spend. Pending rows are included so a
// concurrent request cannot slip past a limit before settlement.
var ActiveStatuses = []OperationStatus{
	OperationStatusPending,
	OperationStatusBroadcasted,
	OperationStatusConfirmed,
	OperationStatusSubmitted,
	OperationStatusFilled,
}

var transitions = map[OperationStatus][]OperationStatus{
	OperationStatusPending:     {OperationStatusBroadcasted, OperationStatusSubmitted, OperationStatusFailed},
	OperationStatusBroadcasted: {OperationStatusConfirmed, OperationStatusFailed},
	OperationStatusSubmitted:   {OperationStatusFilled, OperationStatusFailed},
}

// CanTransition reports whether an operation may move from one status to another.
func CanTransition(from, to OperationStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Operation is a ledger entry for one attempted movement. It is mutated in
// place as it moves through its lifecycle.
type Operation struct {
	TxID            uuid.UUID       `json:"tx_id"`
	WalletID        string          `json:"wallet_id"`
	Kind            OperationKind   `json:"kind"`
	Status          OperationStatus `json:"status"`
	Token           string          `json:"token"`
	Amount          Micros          `json:"amount"`
	ToAddress       *string         `json:"to_address,omitempty"`
	TxHash          *string         `json:"tx_hash,omitempty"`
	ProviderOrderID *string         `json:"provider_order_id,omitempty"`
	IdempotencyKey  string          `json:"idempotency_key"`
	Meta            json.RawMessage `json:"meta,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// IsTerminal returns true if the operation can no longer change status.
func (o *Operation) IsTerminal() bool {
	return len(transitions[o.Status]) == 0
}

// IsReplayable reports whether a repeated request with the same key should
// return this operation unchanged instead of executing again.
func (o *Operation) IsReplayable() bool {
	return o.Status != OperationStatusPending && o.Status != OperationStatusFailed
}

// NewOperation is the input for creating a pending ledger entry.
type NewOperation struct {
	WalletID       string
	Kind           OperationKind
	Token          string
	Amount         Micros
	ToAddress      *string
	IdempotencyKey string
	Meta           json.RawMessage
}

// FinalizeUpdate carries the outcome of an external call.
type FinalizeUpdate struct {
	Status          OperationStatus
	TxHash          *string
	ProviderOrderID *string
}
