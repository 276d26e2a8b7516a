package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GenesisHash is the prev_hash of the first entry in the chain.
var GenesisHash = strings.Repeat("0", 64)

// AuditTimeLayout is the timestamp form that participates in the entry hash.
const AuditTimeLayout = "2006-01-02T15:04:05.000000Z"

// AuditDecision records what the gatekeeper decided.
type AuditDecision string

const (
	AuditDecisionOK     AuditDecision = "ok"
	AuditDecisionDenied AuditDecision = "denied"
	AuditDecisionSent   AuditDecision = "sent"
)

// Audited actions.
const (
	AuditActionSend             = "send"
	AuditActionSendResult       = "send.result"
	AuditActionBuy              = "order.buy"
	AuditActionSell             = "order.sell"
	AuditActionOrderResult      = "order.result"
	AuditActionCancel           = "order.cancel"
	AuditActionPolicySet        = "policy.set"
	AuditActionReconcile        = "reconcile.finalized"
	AuditActionReconcileFlagged = "reconcile.flagged"
)

// AuditEntry is one link of the append-only hash chain.
type AuditEntry struct {
	ID        uuid.UUID     `json:"id"`
	Seq       int64         `json:"seq"`
	WalletID  *string       `json:"wallet_id,omitempty"`
	Action    string        `json:"action"`
	Request   string        `json:"request"`
	Decision  AuditDecision `json:"decision"`
	Result    *string       `json:"result,omitempty"`
	ErrorCode *string       `json:"error_code,omitempty"`
	PrevHash  string        `json:"prev_hash"`
	EntryHash string        `json:"entry_hash"`
	CreatedAt time.Time     `json:"created_at"`
}

// ComputeHash recomputes the entry hash from the stored fields.
func (e *AuditEntry) ComputeHash() string {
	return ComputeEntryHash(e.PrevHash, e.ID, e.Action, e.Request, e.Decision, e.CreatedAt)
}

// ComputeEntryHash returns hex(sha256(prev|id|action|request|decision|created_at)).
func ComputeEntryHash(prevHash string, id uuid.UUID, action, request string, decision AuditDecision, createdAt time.Time) string {
	h := sha256.New()
	for i, part := range []string{
		prevHash,
		id.String(),
		action,
		request,
		string(decision),
		AuditTimestamp(createdAt),
	} {
		if i > 0 {
			h.Write([]byte{'|'})
		}
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// AuditTimestamp formats t at the microsecond precision the store keeps.
func AuditTimestamp(t time.Time) string {
	return t.UTC().Truncate(time.Microsecond).Format(AuditTimeLayout)
}

// NewAuditRecord is the caller supplied part of an audit entry. Request and
// Result are arbitrary values serialized to JSON before redaction.
type NewAuditRecord struct {
	WalletID  *string
	Action    string
	Request   any
	Decision  AuditDecision
	Result    any
	ErrorCode string
}

// AuditFilter narrows a listing. A zero Limit means the default page size.
type AuditFilter struct {
	WalletID string
	Action   string
	Limit    int
}

// ChainVerification reports the outcome of walking the hash chain.
type ChainVerification struct {
	Valid    bool       `json:"valid"`
	Checked  int        `json:"checked"`
	BrokenAt *int       `json:"broken_at,omitempty"`
	BrokenID *uuid.UUID `json:"broken_id,omitempty"`
	Reason   string     `json:"reason,omitempty"`
}

// MarkBroken records the first broken link.
func (v *ChainVerification) MarkBroken(index int, id uuid.UUID, reason string) {
	v.Valid = false
	v.BrokenAt = &index
	v.BrokenID = &id
	v.Reason = reason
}
