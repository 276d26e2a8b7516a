package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// MaxIdempotencyKeyLen bounds caller supplied keys.
const MaxIdempotencyKeyLen = 128

var (
	ErrIdempotencyKeyEmpty   = errors.New("key is empty")
	ErrIdempotencyKeyTooLong = errors.New("key is too long")
	ErrIdempotencyKeyCharset = errors.New("key must be printable ASCII without whitespace")
)

// IdempotencyStatus represents the state of a reserved key.
type IdempotencyStatus string

const (
	IdempotencyStatusReserved  IdempotencyStatus = "reserved"
	IdempotencyStatusCompleted IdempotencyStatus = "completed"
)

// IdempotencyKey binds a caller supplied key to at most one operation.
// The scope is fixed for the key's lifetime.
type IdempotencyKey struct {
	Key       string            `json:"key"`
	Scope     string            `json:"scope"`
	RefID     *uuid.UUID        `json:"ref_id,omitempty"`
	Status    IdempotencyStatus `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
}

// IsStale reports whether a reserved key was abandoned by a crashed attempt.
func (k *IdempotencyKey) IsStale(now time.Time, staleAfter time.Duration) bool {
	return k.Status == IdempotencyStatusReserved && now.Sub(k.CreatedAt) > staleAfter
}

// ReserveOutcome is the tagged result of a reservation.
type ReserveOutcome int

const (
	// ReserveCreated means the key was fresh and is now reserved.
	ReserveCreated ReserveOutcome = iota + 1
	// ReserveReplayed means the key already exists in the same scope.
	ReserveReplayed
	// ReserveReclaimed means a stale reservation was replaced.
	ReserveReclaimed
)

func (o ReserveOutcome) String() string {
	switch o {
	case ReserveCreated:
		return "created"
	case ReserveReplayed:
		return "replayed"
	case ReserveReclaimed:
		return "reclaimed"
	default:
		return "unknown"
	}
}

// ValidateIdempotencyKey checks a key is bounded-length opaque ASCII.
func ValidateIdempotencyKey(key string) error {
	if key == "" {
		return ErrIdempotencyKeyEmpty
	}
	if len(key) > MaxIdempotencyKeyLen {
		return ErrIdempotencyKeyTooLong
	}
	for i := 0; i < len(key); i++ {
		if key[i] < 0x21 || key[i] > 0x7e {
			return ErrIdempotencyKeyCharset
		}
	}
	return nil
}

// BuildScope constructs the scope a key is bound to.
func BuildScope(kind OperationKind, walletID string) string {
	return string(kind) + ":" + walletID
}
