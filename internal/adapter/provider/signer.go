package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Signer computes request signatures shared with the market bridge.
type Signer struct {
	secret []byte
}

// NewSigner returns nil for an empty secret, which disables signing.
func NewSigner(secret string) *Signer {
	if secret == "" {
		return nil
	}
	return &Signer{secret: []byte(secret)}
}

// Sign returns the lowercase hex HMAC-SHA256 of payload.
func (s *Signer) Sign(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify compares in constant time.
func (s *Signer) Verify(payload, signature string) bool {
	return hmac.Equal([]byte(s.Sign(payload)), []byte(signature))
}

// CanonicalString is METHOD|PATH|TIMESTAMP|NONCE|BODY.
func CanonicalString(method, path string, timestamp int64, nonce, body string) string {
	return fmt.Sprintf("%s|%s|%d|%s|%s", method, path, timestamp, nonce, body)
}
