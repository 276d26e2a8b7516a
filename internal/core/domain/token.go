package domain

import (
	"errors"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidToken   = errors.New("invalid token symbol")
	ErrInvalidAddress = errors.New("invalid address")
)

var tokenSymbolRe = regexp.MustCompile(`^[A-Z0-9][A-Z0-9.]{0,15}$`)

// tokenAliases maps legacy symbols onto their canonical name.
var tokenAliases = map[string]string{
	"MATIC":  "POL",
	"WMATIC": "WPOL",
}

// NormalizeToken upper-cases a token symbol and resolves known aliases.
func NormalizeToken(symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if alias, ok := tokenAliases[s]; ok {
		s = alias
	}
	if !tokenSymbolRe.MatchString(s) {
		return "", ErrInvalidToken
	}
	return s, nil
}

// NormalizeAddress validates a 0x-prefixed EVM address and returns it
// lower-cased so allowlist comparisons are case-insensitive.
func NormalizeAddress(addr string) (string, error) {
	a := strings.TrimSpace(addr)
	if !strings.HasPrefix(a, "0x") && !strings.HasPrefix(a, "0X") {
		return "", ErrInvalidAddress
	}
	if !common.IsHexAddress(a) {
		return "", ErrInvalidAddress
	}
	return strings.ToLower(common.HexToAddress(a).Hex()), nil
}
