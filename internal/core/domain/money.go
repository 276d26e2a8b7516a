package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// MicrosPerUnit is the fixed-point scale used for every monetary comparison.
const MicrosPerUnit = 1_000_000

// MaxAmount bounds a single movement so that sums of amounts stay far from
// the int64 micro-unit range.
var MaxAmount = decimal.New(1, 12)

var (
	ErrAmountNotPositive = errors.New("amount must be greater than zero")
	ErrAmountTooLarge    = errors.New("amount exceeds maximum")
	ErrAmountMalformed   = errors.New("amount is not a decimal number")
)

// Micros is an amount expressed in integer millionths of a token unit.
type Micros int64

// ToMicros converts a decimal amount to micro-units, rounding half away from zero.
func ToMicros(d decimal.Decimal) Micros {
	return Micros(d.Shift(6).Round(0).IntPart())
}

// ParseAmount parses a user supplied decimal amount and returns it in
// micro-units. Amounts that round to zero are rejected.
func ParseAmount(s string) (Micros, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrAmountMalformed
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrAmountMalformed, s)
	}
	if d.GreaterThan(MaxAmount) {
		return 0, ErrAmountTooLarge
	}
	m := ToMicros(d)
	if m <= 0 {
		return 0, ErrAmountNotPositive
	}
	return m, nil
}

// Decimal returns the amount as a decimal in whole token units.
func (m Micros) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -6)
}

func (m Micros) String() string {
	return m.Decimal().String()
}

// MarshalJSON encodes the amount as a decimal string ("12.5").
func (m Micros) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON accepts either a decimal string or a JSON number.
func (m *Micros) UnmarshalJSON(b []byte) error {
	var raw string
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
	} else {
		raw = string(b)
	}
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%w: %q", ErrAmountMalformed, raw)
	}
	*m = ToMicros(d)
	return nil
}

// MicrosPtr parses an optional limit. An empty string means unlimited (nil).
func MicrosPtr(s string) (*Micros, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrAmountMalformed, s)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("limit must not be negative: %q", s)
	}
	m := ToMicros(d)
	return &m, nil
}
