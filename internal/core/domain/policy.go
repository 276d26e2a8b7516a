package domain

import "time"

// Policy holds the per-wallet spending rules. A nil limit means unlimited;
// an empty allowlist allows anything.
type Policy struct {
	WalletID             string    `json:"wallet_id"`
	DailyLimit           *Micros   `json:"daily_limit"`
	PerTxLimit           *Micros   `json:"per_tx_limit"`
	MaxTxPerDay          *int      `json:"max_tx_per_day"`
	AllowedTokens        []string  `json:"allowed_tokens"`
	AllowedAddresses     []string  `json:"allowed_addresses"`
	RequireApprovalAbove *Micros   `json:"require_approval_above"`
	IsDefault            bool      `json:"is_default"`
	UpdatedAt            time.Time `json:"updated_at,omitempty"`
}

// SpendStats is the spend snapshot for one (wallet, token, UTC day).
// TodayTxCount spans every token of the wallet.
type SpendStats struct {
	TodaySpent   Micros `json:"today_spent"`
	TodayTxCount int    `json:"today_tx_count"`
}

// Decision is the outcome of a policy evaluation. Details carries the
// limit, current and amount values that triggered a denial.
type Decision struct {
	Allowed bool           `json:"allowed"`
	Code    string         `json:"code,omitempty"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Allow is the approving decision.
func Allow() Decision {
	return Decision{Allowed: true}
}

// Deny builds a denying decision.
func Deny(code, message string, details map[string]any) Decision {
	return Decision{Code: code, Message: message, Details: details}
}

// UTCDayStart returns midnight UTC of the day containing t.
func UTCDayStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
