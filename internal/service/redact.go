package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	redactedValue    = "[REDACTED]"
	truncatedSuffix  = "...(truncated)"
	minPayloadBudget = len(truncatedSuffix) + 1
)

type sensitivePattern struct {
	pattern     *regexp.Regexp
	replacement string
}

var sensitivePatterns = []sensitivePattern{
	{
		pattern:     regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`),
		replacement: redactedValue,
	},
	{
		pattern:     regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9\-._~+/]+=*`),
		replacement: "Bearer " + redactedValue,
	},
	{
		pattern:     regexp.MustCompile(`\beyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\b`),
		replacement: redactedValue,
	},
	{
		// A labelled phrase loses every word after the label.
		pattern:     regexp.MustCompile(`(?i)\b(mnemonic|seed(?:[-_ ]?phrase)?|recovery[-_ ]?phrase|words)\s*[:=]\s*(?:[a-z]{3,8}\s+){11,23}[a-z]{3,8}\b`),
		replacement: `$1=` + redactedValue,
	},
	{
		pattern:     regexp.MustCompile(`(?i)\b(private[-_ ]?key|passphrase|password|secret|mnemonic|seed(?:[-_ ]?phrase)?)\s*[:=]\s*([^\s,;]+)`),
		replacement: `$1=` + redactedValue,
	},
}

// rawKeyPattern matches a bare 32-byte hex secret. Values under hash-like
// keys are exempt so transaction hashes survive redaction.
var rawKeyPattern = regexp.MustCompile(`\b(?:0x)?[0-9a-fA-F]{64}\b`)

var sensitiveKeyFragments = []string{
	"privatekey",
	"privkey",
	"passphrase",
	"password",
	"secret",
	"mnemonic",
	"seed",
	"apikey",
	"accesstoken",
	"sessiontoken",
	"authorization",
	"encryptedkey",
}

func normalizeFieldName(k string) string {
	r := strings.NewReplacer("_", "", "-", "", " ", "", ".", "")
	return strings.ToLower(r.Replace(k))
}

func isSensitiveField(k string) bool {
	n := normalizeFieldName(k)
	for _, frag := range sensitiveKeyFragments {
		if strings.Contains(n, frag) {
			return true
		}
	}
	return false
}

func isHashField(k string) bool {
	return strings.Contains(normalizeFieldName(k), "hash")
}

// redactString scrubs secrets embedded in free text.
func redactString(s string, allowRawHex bool) string {
	for _, p := range sensitivePatterns {
		s = p.pattern.ReplaceAllString(s, p.replacement)
	}
	if !allowRawHex {
		s = rawKeyPattern.ReplaceAllString(s, redactedValue)
	}
	return s
}

func redactValue(v any, field string) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			if isSensitiveField(k) {
				out[k] = redactedValue
				continue
			}
			out[k] = redactValue(child, k)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = redactValue(child, field)
		}
		return out
	case string:
		return redactString(t, isHashField(field))
	default:
		return v
	}
}

// sanitizePayload serializes v to JSON, redacts secrets and bounds the
// result to maxBytes. A nil v yields "".
func sanitizePayload(v any, maxBytes int) (string, error) {
	if v == nil {
		return "", nil
	}

	var raw []byte
	switch t := v.(type) {
	case string:
		raw = []byte(redactString(t, false))
		return truncatePayload(string(raw), maxBytes), nil
	case json.RawMessage:
		raw = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("marshal audit payload: %w", err)
		}
		raw = b
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return "", fmt.Errorf("decode audit payload: %w", err)
	}

	out, err := json.Marshal(redactValue(generic, ""))
	if err != nil {
		return "", fmt.Errorf("marshal audit payload: %w", err)
	}
	return truncatePayload(string(out), maxBytes), nil
}

func truncatePayload(s string, maxBytes int) string {
	if maxBytes < minPayloadBudget {
		maxBytes = minPayloadBudget
	}
	if len(s) <= maxBytes {
		return s
	}
	cut := maxBytes - len(truncatedSuffix)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncatedSuffix
}
